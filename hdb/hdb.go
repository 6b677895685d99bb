// Package hdb implements a hash database: arbitrary byte keys and values in a
// single file, found through a fixed-size bucket array of record chains.
//
// Deleted and outgrown records become free blocks, reused by size class. A
// transaction journals the pre-image of every overwritten region (see package
// journal) and can be rolled back exactly.
package hdb

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/google/uuid"

	"github.com/andreyvit/cabinet"
	"github.com/andreyvit/cabinet/journal"
)

const (
	DefaultBNum       = 131071
	DefaultAPow       = 4
	DefaultFPow       = 10
	DefaultAsyncLimit = 1 << 20

	MaxBNum = 1 << 32
	MaxAPow = 16
	MaxFPow = 20
)

// Tuning fixes the layout of a new file. Zero fields take defaults. Existing
// files keep the tuning they were created with, except through Optimize.
type Tuning struct {
	BNum int64 // number of buckets
	APow int   // records are aligned to 2^APow bytes
	FPow int   // the free pool holds up to 2^FPow blocks
	Opts cabinet.TuneOpts
}

func (t Tuning) withDefaults() Tuning {
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

func (t Tuning) Validate() error {
	if t.BNum < 0 || t.BNum > MaxBNum {
		return fmt.Errorf("%w: bucket count %d out of range", cabinet.ErrConfig, t.BNum)
	}
	if t.APow < 0 || t.APow > MaxAPow {
		return fmt.Errorf("%w: alignment power %d out of range", cabinet.ErrConfig, t.APow)
	}
	if t.FPow < 0 || t.FPow > MaxFPow {
		return fmt.Errorf("%w: free pool power %d out of range", cabinet.ErrConfig, t.FPow)
	}
	return t.Opts.Validate()
}

// Options bundle everything that can be configured before Open.
type Options struct {
	Tuning
	Mutex      bool
	Kind       cabinet.FileKind
	AsyncLimit int
	Logger     *slog.Logger
	Verbose    bool
}

// DB is a hash database handle.
type DB struct {
	guard      cabinet.Guard
	logger     *slog.Logger
	verbose    bool
	tuning     Tuning
	kind       cabinet.FileKind
	asyncLimit int

	path  string
	mode  cabinet.Mode
	f     *os.File
	lock  *cabinet.FileLock
	fatal bool

	bnum    uint64
	apow    uint8
	fpow    uint8
	opts    cabinet.TuneOpts
	rnum    int64
	fsiz    int64
	frec    int64
	uuid    uuid.UUID
	buckets []int64
	pool    freePool

	async      *linkedhashmap.Map
	asyncBytes int

	jrnl *journal.Journal
	tran bool

	cur *Iter

	seedUUID uuid.UUID
}

func New() *DB {
	return &DB{
		logger:     slog.Default(),
		kind:       cabinet.KindHash,
		asyncLimit: DefaultAsyncLimit,
		async:      linkedhashmap.New(),
	}
}

// Open creates a handle configured with opt and opens path.
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
	if opt.Mutex {
		if err := db.SetMutex(); err != nil {
			return err
		}
	}
	if opt.Kind != cabinet.KindInvalid {
		if err := db.SetKind(opt.Kind); err != nil {
			return err
		}
	}
	if opt.AsyncLimit > 0 {
		db.asyncLimit = opt.AsyncLimit
	}
	if opt.Logger != nil {
		db.SetLogger(opt.Logger, opt.Verbose)
	}
	return nil
}

func (db *DB) mustBeClosed(what string) error {
	if db.f != nil {
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

// SetMutex makes the handle safe for concurrent use.
func (db *DB) SetMutex() error {
	if err := db.mustBeClosed("setmutex"); err != nil {
		return err
	}
	db.guard.Enable()
	return nil
}

// SetKind sets the kind recorded in new files. Used by the stores built on
// top of this one.
func (db *DB) SetKind(k cabinet.FileKind) error {
	if err := db.mustBeClosed("setkind"); err != nil {
		return err
	}
	db.kind = k
	return nil
}

// SetUUID sets the identity recorded in a newly created file. Without it a
// random one is generated.
func (db *DB) SetUUID(id uuid.UUID) error {
	if err := db.mustBeClosed("setuuid"); err != nil {
		return err
	}
	db.seedUUID = id
	return nil
}

func (db *DB) SetLogger(logger *slog.Logger, verbose bool) {
	db.logger = logger
	db.verbose = verbose
}

func (db *DB) Open(path string, mode cabinet.Mode) error {
	defer db.guard.Lock()()
	if db.f != nil {
		return cabinet.WrapOp("hdb.open", path, nil, cabinet.ErrAlreadyOpen)
	}
	return cabinet.WrapOp("hdb.open", path, nil, db.open(path, mode))
}

func (db *DB) open(path string, mode cabinet.Mode) error {
	if err := mode.Validate(); err != nil {
		return err
	}
	f, err := os.OpenFile(path, mode.FileFlags(), 0o644)
	if err != nil {
		return cabinet.IOError(err)
	}
	lock, err := cabinet.LockFile(path, mode)
	if err != nil {
		f.Close()
		return err
	}

	var ok bool
	defer func() {
		if !ok {
			lock.Unlock()
			f.Close()
			db.f = nil
		}
	}()

	db.f = f
	db.path = path
	db.mode = mode
	db.fatal = false
	db.tran = false
	db.async.Clear()
	db.asyncBytes = 0

	st, err := f.Stat()
	if err != nil {
		return cabinet.IOError(err)
	}
	if st.Size() == 0 {
		if !mode.Has(cabinet.Writer) {
			return cabinet.DataErrorf(nil, 0, nil, "empty database file")
		}
		id := db.seedUUID
		if id == uuid.Nil {
			id = uuid.New()
		}
		if err := db.format(id); err != nil {
			return err
		}
		if err := db.f.Sync(); err != nil {
			return cabinet.IOError(err)
		}
	} else {
		h, _, err := readHeader(f)
		if err != nil {
			return err
		}
		jr := db.newJournal(h.UUID)
		if mode.Has(cabinet.Writer) {
			if _, err := jr.Recover(f); err != nil {
				return cabinet.IOError(err)
			}
		} else if _, err := os.Stat(jr.Path()); err == nil {
			db.logger.LogAttrs(context.Background(), slog.LevelWarn, "hdb: unfinished transaction journal found, opened read-only without recovery", slog.String("path", path))
		}
		if err := db.loadMeta(); err != nil {
			return err
		}
	}
	db.jrnl = db.newJournal(db.uuid)
	db.lock = lock

	if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "hdb: opened", slog.String("path", path), slog.String("mode", mode.String()), slog.Int64("rnum", db.rnum), slog.Int64("fsiz", db.fsiz))
	}
	ok = true
	return nil
}

func (db *DB) newJournal(id [16]byte) *journal.Journal {
	return journal.New(db.path+".wal", journal.Options{
		Invariant: id,
		Sync:      db.mode.Has(cabinet.TranSync),
		DebugName: db.path,
		Logger:    db.logger,
		Verbose:   db.verbose,
	})
}

// Close aborts an active transaction, flushes and closes the file. The handle
// can be reopened afterwards.
func (db *DB) Close() error {
	defer db.guard.Lock()()
	if db.f == nil {
		return cabinet.WrapOp("hdb.close", "", nil, cabinet.ErrNotOpen)
	}
	var err error
	if db.tran {
		err = db.tranAbort()
	}
	if err == nil && db.writable() && !db.fatal {
		err = db.sync()
	}
	if cerr := db.lock.Unlock(); err == nil {
		err = cerr
	}
	if cerr := db.f.Close(); err == nil {
		err = cabinet.IOError(cerr)
	}
	db.f = nil
	db.lock = nil
	db.buckets = nil
	db.async.Clear()
	db.asyncBytes = 0
	return cabinet.WrapOp("hdb.close", db.path, nil, err)
}

func (db *DB) writable() bool {
	return db.mode.Has(cabinet.Writer)
}

// ready checks the handle can serve a call.
func (db *DB) ready(write bool) error {
	switch {
	case db.f == nil:
		return cabinet.ErrNotOpen
	case db.fatal:
		return cabinet.ErrFatal
	case write && !db.writable():
		return cabinet.ErrReadOnly
	}
	return nil
}

// Path returns the path of the open file.
func (db *DB) Path() (string, error) {
	defer db.guard.Lock()()
	if db.f == nil {
		return "", cabinet.WrapOp("hdb.path", "", nil, cabinet.ErrNotOpen)
	}
	return db.path, nil
}

// Rnum returns the number of records, counting buffered async puts.
func (db *DB) Rnum() int64 {
	defer db.guard.Lock()()
	if db.f == nil {
		return 0
	}
	if err := db.flushAsync(); err != nil {
		db.logger.LogAttrs(context.Background(), slog.LevelError, "hdb: async flush failed", slog.String("path", db.path), slog.Any("err", err))
	}
	return db.rnum
}

// Fsiz returns the size of the database in bytes.
func (db *DB) Fsiz() int64 {
	defer db.guard.Lock()()
	if db.f == nil {
		return 0
	}
	return db.fsiz
}

func (db *DB) Kind() cabinet.FileKind {
	defer db.guard.Lock()()
	return db.kind
}

// UUID identifies the database file; it survives Vanish and Optimize.
func (db *DB) UUID() uuid.UUID {
	defer db.guard.Lock()()
	return db.uuid
}

func (db *DB) opErr(op string, key []byte, err error) error {
	return cabinet.WrapOp(op, db.path, key, err)
}
