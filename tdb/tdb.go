// Package tdb implements a table database: records of named string columns
// stored under primary keys, with a query engine that filters and orders
// records by column values.
//
// Records live in a backend store. The hash and B+tree backends keep them in
// a cabinet file of their own kind, the Bolt backend in a Bolt bucket, and the
// memory backend in an ordered tree that is never written to disk.
package tdb

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/andreyvit/cabinet"
)

// Backend selects where records are stored.
type Backend int

const (
	// BackendAuto uses the backend of an existing file, or BackendHash for a
	// new one.
	BackendAuto Backend = iota
	BackendHash
	BackendBTree
	BackendBolt
	BackendMemory
)

var backendNames = [...]string{"auto", "hash", "btree", "bolt", "memory"}

func (b Backend) String() string {
	if b >= 0 && int(b) < len(backendNames) {
		return backendNames[b]
	}
	return fmt.Sprintf("Backend(%d)", int(b))
}

// ParseBackend parses a backend name as printed by Backend.String.
func ParseBackend(s string) (Backend, error) {
	for i, name := range backendNames {
		if strings.EqualFold(s, name) {
			return Backend(i), nil
		}
	}
	return BackendAuto, fmt.Errorf("%w: unknown backend %q", cabinet.ErrConfig, s)
}

// Tuning is passed to the hash and B+tree backends. Zero fields take their
// defaults.
type Tuning struct {
	BNum int64
	APow int
	FPow int
	Opts cabinet.TuneOpts
}

type Options struct {
	Tuning
	Backend Backend
	Mutex   bool
	Logger  *slog.Logger
	Verbose bool

	// BoltTimeout bounds the wait for the lock of a Bolt file, 0 waits forever.
	BoltTimeout time.Duration
}

// DB is a table database handle.
type DB struct {
	guard cabinet.Guard
	opt   Options

	path    string
	mode    cabinet.Mode
	backend Backend
	st      storage
}

func New() *DB {
	return &DB{opt: Options{Logger: slog.Default()}}
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
	if err := db.SetBackend(opt.Backend); err != nil {
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
	db.opt.BoltTimeout = opt.BoltTimeout
	return nil
}

func (db *DB) mustBeClosed(what string) error {
	if db.st != nil {
		return fmt.Errorf("%w: %s must precede open", cabinet.ErrConfig, what)
	}
	return nil
}

func (db *DB) Tune(t Tuning) error {
	if err := db.mustBeClosed("tune"); err != nil {
		return err
	}
	if t.BNum < 0 || t.APow < 0 || t.FPow < 0 {
		return fmt.Errorf("%w: negative tuning %+v", cabinet.ErrConfig, t)
	}
	if err := t.Opts.Validate(); err != nil {
		return err
	}
	db.opt.Tuning = t
	return nil
}

func (db *DB) SetBackend(b Backend) error {
	if err := db.mustBeClosed("setbackend"); err != nil {
		return err
	}
	if b < BackendAuto || b > BackendMemory {
		return fmt.Errorf("%w: unknown backend %d", cabinet.ErrConfig, int(b))
	}
	db.opt.Backend = b
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
	db.opt.Logger = logger
	db.opt.Verbose = verbose
}

func (db *DB) Open(path string, mode cabinet.Mode) error {
	defer db.guard.Lock()()
	if db.st != nil {
		return cabinet.WrapOp("tdb.open", path, nil, cabinet.ErrAlreadyOpen)
	}
	return cabinet.WrapOp("tdb.open", path, nil, db.open(path, mode))
}

func (db *DB) open(path string, mode cabinet.Mode) error {
	if err := mode.Validate(); err != nil {
		return err
	}
	backend, err := db.resolveBackend(path, mode)
	if err != nil {
		return err
	}

	var st storage
	switch backend {
	case BackendHash:
		st, err = openHashStorage(path, mode, &db.opt)
	case BackendBTree:
		st, err = openBTreeStorage(path, mode, &db.opt)
	case BackendBolt:
		st, err = openBoltStorage(path, mode, &db.opt)
	case BackendMemory:
		st = openMemStorage()
	}
	if err != nil {
		return err
	}
	db.st = st
	db.path = path
	db.mode = mode
	db.backend = backend

	if db.opt.Verbose {
		db.opt.Logger.LogAttrs(context.Background(), slog.LevelDebug, "tdb: opened", slog.String("path", path), slog.String("mode", mode.String()), slog.String("backend", backend.String()), slog.Int64("rnum", st.Rnum()))
	}
	return nil
}

// resolveBackend checks the configured backend against an existing file.
func (db *DB) resolveBackend(path string, mode cabinet.Mode) (Backend, error) {
	want := db.opt.Backend
	if want == BackendMemory {
		return want, nil
	}
	st, err := os.Stat(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return BackendAuto, cabinet.IOError(err)
	}
	if err != nil || st.Size() == 0 || mode.Has(cabinet.Truncate) {
		if want == BackendAuto {
			return BackendHash, nil
		}
		return want, nil
	}
	have, err := detectBackend(path)
	if err != nil {
		return BackendAuto, err
	}
	if want != BackendAuto && want != have {
		return BackendAuto, fmt.Errorf("%w: %s uses the %v backend, not %v", cabinet.ErrConfig, path, have, want)
	}
	return have, nil
}

// Close closes the backend, aborting an open transaction. The handle can be
// reopened afterwards.
func (db *DB) Close() error {
	defer db.guard.Lock()()
	if db.st == nil {
		return cabinet.WrapOp("tdb.close", "", nil, cabinet.ErrNotOpen)
	}
	err := db.st.Close()
	db.st = nil
	if db.opt.Verbose {
		db.opt.Logger.LogAttrs(context.Background(), slog.LevelDebug, "tdb: closed", slog.String("path", db.path))
	}
	return cabinet.WrapOp("tdb.close", db.path, nil, err)
}

func (db *DB) ready(write bool) error {
	switch {
	case db.st == nil:
		return cabinet.ErrNotOpen
	case write && !db.mode.Has(cabinet.Writer):
		return cabinet.ErrReadOnly
	}
	return nil
}

// call runs f under the guard once the handle is ready.
func (db *DB) call(op string, pk []byte, write bool, f func() error) error {
	defer db.guard.Lock()()
	if err := db.ready(write); err != nil {
		return cabinet.WrapOp(op, db.path, pk, err)
	}
	return cabinet.WrapOp(op, db.path, pk, f())
}

func (db *DB) Path() (string, error) {
	defer db.guard.Lock()()
	if db.st == nil {
		return "", cabinet.WrapOp("tdb.path", "", nil, cabinet.ErrNotOpen)
	}
	return db.path, nil
}

// Backend returns the backend of the open database, or the configured one
// while closed.
func (db *DB) Backend() Backend {
	defer db.guard.Lock()()
	if db.st == nil {
		return db.opt.Backend
	}
	return db.backend
}
