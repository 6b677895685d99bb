// Package fdb implements a fixed-length database: values addressed by integer
// ids, kept in a memory-mapped table of slots indexed by id.
//
// With a non-zero width every value is truncated to that many bytes and
// stored inline in its slot. Width 0 stores values of any length in blocks
// appended to the file, with the slot pointing at them.
//
// Iteration follows the set of live ids at each step, so ids added or removed
// while iterating are seen or skipped accordingly.
package fdb

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strconv"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/google/uuid"

	"github.com/andreyvit/cabinet"
	"github.com/andreyvit/cabinet/mmap"
)

const (
	DefaultLimSiz = 256 << 20

	MaxWidth = 1 << 24
)

// Tuning fixes the layout of a new file. Existing files keep the tuning they
// were created with, except through Optimize.
type Tuning struct {
	Width  int   // value width in bytes, 0 for unbounded values
	LimSiz int64 // maximum file size, 0 for DefaultLimSiz
}

func (t Tuning) withDefaults() Tuning {
	if t.LimSiz == 0 {
		t.LimSiz = DefaultLimSiz
	}
	return t
}

func (t Tuning) Validate() error {
	if t.Width < 0 || t.Width > MaxWidth {
		return fmt.Errorf("%w: width %d out of range", cabinet.ErrConfig, t.Width)
	}
	if t.LimSiz < 0 {
		return fmt.Errorf("%w: negative size limit %d", cabinet.ErrConfig, t.LimSiz)
	}
	if t.LimSiz > mmap.MaxSize {
		return fmt.Errorf("%w: size limit %d is over the mappable maximum %d", cabinet.ErrConfig, t.LimSiz, int64(mmap.MaxSize))
	}
	if t.LimSiz > 0 && t.LimSiz < headerSize+int64(prefixSize(t.Width)+max(t.Width, ptrSlotSize)) {
		return fmt.Errorf("%w: size limit %d too small for width %d", cabinet.ErrConfig, t.LimSiz, t.Width)
	}
	return nil
}

type Options struct {
	Tuning
	Mutex   bool
	Logger  *slog.Logger
	Verbose bool
}

// DB is a fixed-length database handle.
type DB struct {
	guard    cabinet.Guard
	logger   *slog.Logger
	verbose  bool
	tuning   Tuning
	seedUUID uuid.UUID

	path  string
	mode  cabinet.Mode
	f     *os.File
	lock  *cabinet.FileLock
	fatal bool

	width    int
	prefix   int
	slotSize int
	limsiz   int64
	slots    uint64
	tableOff int64
	heapEnd  int64
	garbage  int64
	uuid     uuid.UUID

	mapping []byte
	table   []byte
	live    *roaring64.Bitmap
}

func New() *DB {
	return &DB{
		logger: slog.Default(),
		live:   roaring64.New(),
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

func (db *DB) SetLogger(logger *slog.Logger, verbose bool) {
	db.logger = logger
	db.verbose = verbose
}

func (db *DB) Open(path string, mode cabinet.Mode) error {
	defer db.guard.Lock()()
	if db.f != nil {
		return cabinet.WrapOp("fdb.open", path, nil, cabinet.ErrAlreadyOpen)
	}
	return cabinet.WrapOp("fdb.open", path, nil, db.open(path, mode))
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
			db.unmapTable()
			lock.Unlock()
			f.Close()
			db.f = nil
		}
	}()

	db.f = f
	db.path = path
	db.mode = mode
	db.fatal = false

	st, err := f.Stat()
	if err != nil {
		return cabinet.IOError(err)
	}
	if st.Size() == 0 {
		if !mode.Has(cabinet.Writer) {
			return cabinet.DataErrorf(nil, 0, nil, "empty database file")
		}
		t := db.tuning.withDefaults()
		db.setWidth(t.Width)
		db.limsiz = t.LimSiz
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
	} else if err := db.loadMeta(); err != nil {
		return err
	}
	db.lock = lock

	if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "fdb: opened", slog.String("path", path), slog.String("mode", mode.String()), slog.Int("width", db.width), slog.Uint64("rnum", db.live.GetCardinality()))
	}
	ok = true
	return nil
}

// Close flushes and closes the file. The handle can be reopened afterwards.
func (db *DB) Close() error {
	defer db.guard.Lock()()
	if db.f == nil {
		return cabinet.WrapOp("fdb.close", "", nil, cabinet.ErrNotOpen)
	}
	var err error
	if db.writable() && !db.fatal {
		err = db.sync()
	}
	if cerr := db.unmapTable(); err == nil {
		err = cerr
	}
	if cerr := db.lock.Unlock(); err == nil {
		err = cerr
	}
	if cerr := db.f.Close(); err == nil {
		err = cabinet.IOError(cerr)
	}
	db.f = nil
	db.lock = nil
	db.live.Clear()
	return cabinet.WrapOp("fdb.close", db.path, nil, err)
}

func (db *DB) writable() bool {
	return db.mode.Has(cabinet.Writer)
}

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

// call runs f under the guard once the handle is ready.
func (db *DB) call(op string, id *uint64, write bool, f func() error) error {
	defer db.guard.Lock()()
	if err := db.ready(write); err != nil {
		return db.opErr(op, id, err)
	}
	return db.opErr(op, id, f())
}

func (db *DB) opErr(op string, id *uint64, err error) error {
	var key []byte
	if id != nil {
		key = strconv.AppendUint(nil, *id, 10)
	}
	return cabinet.WrapOp(op, db.path, key, err)
}

func (db *DB) Path() (string, error) {
	defer db.guard.Lock()()
	if db.f == nil {
		return "", cabinet.WrapOp("fdb.path", "", nil, cabinet.ErrNotOpen)
	}
	return db.path, nil
}

// Rnum returns the number of records.
func (db *DB) Rnum() int64 {
	defer db.guard.Lock()()
	return int64(db.live.GetCardinality())
}

// Len is Rnum.
func (db *DB) Len() int {
	return int(db.Rnum())
}

// Fsiz returns the size of the used part of the file in bytes.
func (db *DB) Fsiz() int64 {
	defer db.guard.Lock()()
	if db.f == nil {
		return 0
	}
	return db.heapEnd
}

// Width returns the value width of the open file, 0 for unbounded.
func (db *DB) Width() int {
	defer db.guard.Lock()()
	return db.width
}

func (db *DB) UUID() uuid.UUID {
	defer db.guard.Lock()()
	return db.uuid
}

// Key converts a host integer into an id. Anything but a non-negative
// integer fails with ErrTypeMismatch.
func Key(v any) (uint64, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if n := rv.Int(); n >= 0 {
			return uint64(n), nil
		}
		return 0, fmt.Errorf("%w: negative id %d", cabinet.ErrTypeMismatch, rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint(), nil
	}
	return 0, fmt.Errorf("%w: ids are integers, got %T", cabinet.ErrTypeMismatch, v)
}

// ParseKey parses a decimal id.
func ParseKey(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid id %q", cabinet.ErrTypeMismatch, s)
	}
	return id, nil
}

// Special ids accepted by ResolveKey.
const (
	IDMin  = "min"  // the smallest id in use
	IDMax  = "max"  // the largest id in use
	IDPrev = "prev" // one below the smallest id in use
	IDNext = "next" // one above the largest id in use, 0 when empty
)

// ResolveKey parses a decimal id or one of the special ids.
func (db *DB) ResolveKey(s string) (uint64, error) {
	switch s {
	case IDMin, IDMax, IDPrev, IDNext:
	default:
		return ParseKey(s)
	}
	defer db.guard.Lock()()
	if db.live.IsEmpty() {
		if s == IDNext {
			return 0, nil
		}
		return 0, cabinet.WrapOp("fdb.resolve", db.path, []byte(s), cabinet.ErrNotFound)
	}
	switch s {
	case IDMin:
		return db.live.Minimum(), nil
	case IDMax:
		return db.live.Maximum(), nil
	case IDPrev:
		if m := db.live.Minimum(); m > 0 {
			return m - 1, nil
		}
		return 0, cabinet.WrapOp("fdb.resolve", db.path, []byte(s), fmt.Errorf("%w: no id below 0", cabinet.ErrNotFound))
	default:
		return db.live.Maximum() + 1, nil
	}
}
