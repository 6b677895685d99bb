// Package bdb implements a B+tree database: records ordered by a comparator,
// each key holding one or more duplicate values, with cursors, range scans and
// transactions.
//
// Tree pages live as records of an internal hash database (package hdb), keyed
// by page id. Leaves and inner nodes are cached in memory and written back
// when evicted or synced, so transactions and crash recovery are those of the
// underlying hash file.
package bdb

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hashicorp/golang-lru/simplelru"

	"github.com/andreyvit/cabinet"
	"github.com/andreyvit/cabinet/hdb"
)

const (
	DefaultLMemb = 128
	DefaultNMemb = 256
	DefaultBNum  = 32749
	DefaultAPow  = 8
	DefaultFPow  = 10
	DefaultLCNum = 1024
	DefaultNCNum = 512

	MinMemb = 4
	MaxMemb = 1 << 16
)

// Tuning fixes the layout of a new file. Zero fields take defaults.
// LMemb and NMemb below MinMemb are raised to it.
type Tuning struct {
	LMemb int // records per leaf before it splits
	NMemb int // entries per inner node before it splits
	BNum  int64
	APow  int
	FPow  int
	Opts  cabinet.TuneOpts
}

func (t Tuning) withDefaults() Tuning {
	if t.LMemb == 0 {
		t.LMemb = DefaultLMemb
	}
	if t.NMemb == 0 {
		t.NMemb = DefaultNMemb
	}
	t.LMemb = max(t.LMemb, MinMemb)
	t.NMemb = max(t.NMemb, MinMemb)
	if t.BNum == 0 {
		t.BNum = DefaultBNum
	}
	if t.APow == 0 {
		t.APow = DefaultAPow
	}
	if t.FPow == 0 {
		t.FPow = DefaultFPow
	}
	return t
}

func (t Tuning) hash() hdb.Tuning {
	return hdb.Tuning{BNum: t.BNum, APow: t.APow, FPow: t.FPow, Opts: t.Opts}
}

func (t Tuning) Validate() error {
	if t.LMemb < 0 || t.LMemb > MaxMemb {
		return fmt.Errorf("%w: leaf member count %d out of range", cabinet.ErrConfig, t.LMemb)
	}
	if t.NMemb < 0 || t.NMemb > MaxMemb {
		return fmt.Errorf("%w: node member count %d out of range", cabinet.ErrConfig, t.NMemb)
	}
	return t.hash().Validate()
}

type Options struct {
	Tuning
	LCNum      int
	NCNum      int
	Comparator string // registered comparator name
	Kind       cabinet.FileKind
	Mutex      bool
	Logger     *slog.Logger
	Verbose    bool
}

// DB is a B+tree database handle.
type DB struct {
	guard   cabinet.Guard
	logger  *slog.Logger
	verbose bool
	tuning  Tuning
	lcnum   int
	ncnum   int
	cmp     cabinet.Comparator
	cmpName string
	cmpSet  bool
	kind    cabinet.FileKind

	hdb    *hdb.DB
	path   string
	mode   cabinet.Mode
	opened bool
	fatal  bool
	tran   bool

	meta      meta
	metaDirty bool
	leaves    *simplelru.LRU
	nodes     *simplelru.LRU

	// gen counts changes that move values of a record to other indexes.
	// Records read from disk get loadGen, the newest such change that may
	// have been lost with an evicted or discarded page.
	gen     uint64
	loadGen uint64
}

func New() *DB {
	return &DB{
		logger:  slog.Default(),
		lcnum:   DefaultLCNum,
		ncnum:   DefaultNCNum,
		cmp:     cabinet.CompareLexical,
		cmpName: cabinet.ComparatorLexical,
		kind:    cabinet.KindBTree,
		leaves:  newCache(),
		nodes:   newCache(),
	}
}

func Open(path string, mode cabinet.Mode, opt Options) (*DB, error) {
	db := New()
	if err := db.Configure(opt); err != nil {
		return nil, err
	}
	if err := db.Open(path, mode); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *DB) Configure(opt Options) error {
	if err := db.Tune(opt.Tuning); err != nil {
		return err
	}
	if opt.LCNum != 0 || opt.NCNum != 0 {
		if err := db.SetCache(opt.LCNum, opt.NCNum); err != nil {
			return err
		}
	}
	if opt.Comparator != "" {
		if err := db.SetComparator(opt.Comparator, nil); err != nil {
			return err
		}
	}
	if opt.Kind != cabinet.KindInvalid {
		if err := db.SetKind(opt.Kind); err != nil {
			return err
		}
	}
	if opt.Mutex {
		if err := db.SetMutex(); err != nil {
			return err
		}
	}
	if opt.Logger != nil {
		db.SetLogger(opt.Logger, opt.Verbose)
	}
	return nil
}

func (db *DB) mustBeClosed(what string) error {
	if db.opened {
		return fmt.Errorf("%w: %s must precede open", cabinet.ErrConfig, what)
	}
	return nil
}

func (db *DB) Tune(t Tuning) error {
	if err := db.mustBeClosed("tune"); err != nil {
		return err
	}
	if err := t.Validate(); err != nil {
		return err
	}
	db.tuning = t
	return nil
}

// SetCache sets how many leaves and inner nodes are kept in memory. Zero
// keeps the current value.
func (db *DB) SetCache(lcnum, ncnum int) error {
	if err := db.mustBeClosed("setcache"); err != nil {
		return err
	}
	if lcnum < 0 || ncnum < 0 {
		return fmt.Errorf("%w: negative cache size", cabinet.ErrConfig)
	}
	if lcnum > 0 {
		db.lcnum = max(lcnum, 4)
	}
	if ncnum > 0 {
		db.ncnum = max(ncnum, 4)
	}
	return nil
}

// SetComparator sets the key order. The name is recorded in new files, and
// an existing file must be opened with the comparator it was created with. A
// nil cmp looks the name up among registered comparators.
//
// The comparator must be a strict total order. Keys it considers equal are
// the same key.
func (db *DB) SetComparator(name string, cmp cabinet.Comparator) error {
	if err := db.mustBeClosed("setcomparator"); err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("%w: comparator needs a name", cabinet.ErrConfig)
	}
	if cmp == nil {
		var ok bool
		if cmp, ok = cabinet.LookupComparator(name); !ok {
			return fmt.Errorf("%w: unknown comparator %q", cabinet.ErrConfig, name)
		}
	}
	db.cmp = cmp
	db.cmpName = name
	db.cmpSet = true
	return nil
}

// SetKind sets the kind recorded in new files, for stores that keep their
// records in a B+tree. Existing files must have the same kind.
func (db *DB) SetKind(k cabinet.FileKind) error {
	if err := db.mustBeClosed("setkind"); err != nil {
		return err
	}
	if k != cabinet.KindBTree && k != cabinet.KindTableBTree {
		return fmt.Errorf("%w: %v is not a B+tree kind", cabinet.ErrConfig, k)
	}
	db.kind = k
	return nil
}

func (db *DB) SetMutex() error {
	if err := db.mustBeClosed("setmutex"); err != nil {
		return err
	}
	db.guard.Enable()
	return nil
}

func (db *DB) SetLogger(logger *slog.Logger, verbose bool) {
	db.logger = logger
	db.verbose = verbose
}

func (db *DB) Open(path string, mode cabinet.Mode) error {
	defer db.guard.Lock()()
	if db.opened {
		return cabinet.WrapOp("bdb.open", path, nil, cabinet.ErrAlreadyOpen)
	}
	return cabinet.WrapOp("bdb.open", path, nil, db.open(path, mode, nil))
}

func (db *DB) open(path string, mode cabinet.Mode, seed *hdb.DB) error {
	t := db.tuning.withDefaults()
	h := hdb.New()
	if seed != nil {
		h = seed
	}
	if err := h.Tune(t.hash()); err != nil {
		return err
	}
	if err := h.SetKind(db.kind); err != nil {
		return err
	}
	h.SetLogger(db.logger, db.verbose)
	if err := h.Open(path, mode); err != nil {
		return err
	}
	var ok bool
	defer func() {
		if !ok {
			h.Close()
		}
	}()
	if k := h.Kind(); k != db.kind {
		return cabinet.DataErrorf(nil, 0, nil, "%s is a %v database", path, k)
	}

	db.hdb = h
	db.path = path
	db.mode = mode
	db.fatal = false
	db.tran = false
	db.purgeCache()

	if h.Rnum() == 0 {
		if !mode.Has(cabinet.Writer) {
			return cabinet.DataErrorf(nil, 0, nil, "empty database file")
		}
		db.initTree(t)
		if err := db.flushPages(); err != nil {
			return err
		}
		if err := h.Sync(); err != nil {
			return err
		}
	} else {
		if err := db.loadMeta(); err != nil {
			return err
		}
		if err := db.bindComparator(); err != nil {
			return err
		}
	}
	db.opened = true
	if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "bdb: opened", slog.String("path", path), slog.String("mode", mode.String()), slog.Int64("rnum", db.meta.Rnum), slog.String("cmp", db.meta.Cmp))
	}
	ok = true
	return nil
}

func (db *DB) initTree(t Tuning) {
	db.meta = meta{
		Root:     firstLeaf,
		First:    firstLeaf,
		Last:     firstLeaf,
		NextLeaf: firstLeaf,
		NextNode: nodeIDBase,
		LMemb:    t.LMemb,
		NMemb:    t.NMemb,
		Cmp:      db.cmpName,
	}
	db.newLeaf()
}

func (db *DB) bindComparator() error {
	if db.cmpSet {
		if db.cmpName != db.meta.Cmp {
			return fmt.Errorf("%w: file ordered by comparator %q, not %q", cabinet.ErrConfig, db.meta.Cmp, db.cmpName)
		}
		return nil
	}
	cmp, ok := cabinet.LookupComparator(db.meta.Cmp)
	if !ok {
		return fmt.Errorf("%w: file ordered by unregistered comparator %q", cabinet.ErrConfig, db.meta.Cmp)
	}
	db.cmp = cmp
	db.cmpName = db.meta.Cmp
	return nil
}

// Close aborts an active transaction, writes back cached pages and closes the
// file.
func (db *DB) Close() error {
	defer db.guard.Lock()()
	if !db.opened {
		return cabinet.WrapOp("bdb.close", "", nil, cabinet.ErrNotOpen)
	}
	var err error
	if db.tran {
		err = db.tranAbort()
	}
	if err == nil && db.writable() && !db.fatal {
		err = db.flushPages()
	}
	if cerr := db.hdb.Close(); err == nil {
		err = cerr
	}
	db.opened = false
	db.purgeCache()
	if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "bdb: closed", slog.String("path", db.path), slog.Any("err", err))
	}
	return cabinet.WrapOp("bdb.close", db.path, nil, err)
}

func (db *DB) writable() bool {
	return db.mode.Has(cabinet.Writer)
}

func (db *DB) ready(write bool) error {
	switch {
	case !db.opened:
		return cabinet.ErrNotOpen
	case db.fatal:
		return cabinet.ErrFatal
	case write && !db.writable():
		return cabinet.ErrReadOnly
	}
	return nil
}

// call runs f under the guard and trims the page caches afterwards.
func (db *DB) call(op string, key []byte, write bool, f func() error) error {
	defer db.guard.Lock()()
	if err := db.ready(write); err != nil {
		return db.opErr(op, key, err)
	}
	err := f()
	if cerr := db.adjustCache(); err == nil {
		err = cerr
	}
	return db.opErr(op, key, err)
}

func (db *DB) opErr(op string, key []byte, err error) error {
	return cabinet.WrapOp(op, db.path, key, err)
}

func (db *DB) Path() (string, error) {
	defer db.guard.Lock()()
	if !db.opened {
		return "", cabinet.WrapOp("bdb.path", "", nil, cabinet.ErrNotOpen)
	}
	return db.path, nil
}

// Rnum returns the number of values, counting each duplicate.
func (db *DB) Rnum() int64 {
	defer db.guard.Lock()()
	if !db.opened {
		return 0
	}
	return db.meta.Rnum
}

// Fsiz returns the size of the underlying file, not counting unwritten
// cached pages.
func (db *DB) Fsiz() int64 {
	defer db.guard.Lock()()
	if !db.opened {
		return 0
	}
	return db.hdb.Fsiz()
}

// Comparator returns the name of the key order in use.
func (db *DB) Comparator() string {
	defer db.guard.Lock()()
	return db.cmpName
}
