package tdb

import (
	"errors"
	"fmt"

	"github.com/andreyvit/cabinet"
	"github.com/andreyvit/cabinet/bdb"
	"github.com/andreyvit/cabinet/hdb"
)

// storage is a record backend: primary keys mapped to encoded columns.
type storage interface {
	// Get returns the record of pk, or nil if there is none.
	Get(pk []byte) ([]byte, error)

	Put(pk, rec []byte) error

	// Delete removes pk, reporting whether it existed.
	Delete(pk []byte) (bool, error)

	// Scan visits every record in the backend's natural order. fn must not
	// modify the storage.
	Scan(fn func(pk, rec []byte) error) error

	Rnum() int64

	// Size returns the size of the backing file in bytes (0 if not applicable).
	Size() int64

	Begin() error
	Commit() error
	Rollback() error

	Sync() error
	Vanish() error
	Copy(dest string) error
	Optimize() error
	Close() error
}

type hashStorage struct {
	h *hdb.DB
}

func openHashStorage(path string, mode cabinet.Mode, opt *Options) (storage, error) {
	h := hdb.New()
	if err := h.Tune(hdb.Tuning{BNum: opt.BNum, APow: opt.APow, FPow: opt.FPow, Opts: opt.Opts}); err != nil {
		return nil, err
	}
	if err := h.SetKind(cabinet.KindTable); err != nil {
		return nil, err
	}
	h.SetLogger(opt.Logger, opt.Verbose)
	if err := h.Open(path, mode); err != nil {
		return nil, err
	}
	if k := h.Kind(); k != cabinet.KindTable {
		h.Close()
		return nil, cabinet.DataErrorf(nil, 0, nil, "%s is a %v database", path, k)
	}
	return &hashStorage{h: h}, nil
}

func (s *hashStorage) Get(pk []byte) ([]byte, error) {
	v, err := s.h.Get(pk)
	if errors.Is(err, cabinet.ErrNotFound) {
		return nil, nil
	}
	return v, err
}

func (s *hashStorage) Put(pk, rec []byte) error {
	return s.h.Put(pk, rec)
}

func (s *hashStorage) Delete(pk []byte) (bool, error) {
	err := s.h.Out(pk)
	if errors.Is(err, cabinet.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *hashStorage) Scan(fn func(pk, rec []byte) error) error {
	it := s.h.Iter()
	for it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			return err
		}
	}
	return it.Err()
}

func (s *hashStorage) Rnum() int64            { return s.h.Rnum() }
func (s *hashStorage) Size() int64            { return s.h.Fsiz() }
func (s *hashStorage) Begin() error           { return s.h.TranBegin() }
func (s *hashStorage) Commit() error          { return s.h.TranCommit() }
func (s *hashStorage) Rollback() error        { return s.h.TranAbort() }
func (s *hashStorage) Sync() error            { return s.h.Sync() }
func (s *hashStorage) Vanish() error          { return s.h.Vanish() }
func (s *hashStorage) Copy(dest string) error { return s.h.Copy(dest) }
func (s *hashStorage) Optimize() error        { return s.h.Optimize(hdb.Tuning{}) }
func (s *hashStorage) Close() error           { return s.h.Close() }

type btreeStorage struct {
	b *bdb.DB
}

func openBTreeStorage(path string, mode cabinet.Mode, opt *Options) (storage, error) {
	b := bdb.New()
	if err := b.Tune(bdb.Tuning{BNum: opt.BNum, APow: opt.APow, FPow: opt.FPow, Opts: opt.Opts}); err != nil {
		return nil, err
	}
	if err := b.SetKind(cabinet.KindTableBTree); err != nil {
		return nil, err
	}
	b.SetLogger(opt.Logger, opt.Verbose)
	if err := b.Open(path, mode); err != nil {
		return nil, err
	}
	return &btreeStorage{b: b}, nil
}

func (s *btreeStorage) Get(pk []byte) ([]byte, error) {
	v, err := s.b.Get(pk)
	if errors.Is(err, cabinet.ErrNotFound) {
		return nil, nil
	}
	return v, err
}

func (s *btreeStorage) Put(pk, rec []byte) error {
	return s.b.Put(pk, rec)
}

func (s *btreeStorage) Delete(pk []byte) (bool, error) {
	err := s.b.OutList(pk)
	if errors.Is(err, cabinet.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *btreeStorage) Scan(fn func(pk, rec []byte) error) error {
	cur := s.b.Cursor()
	err := cur.First()
	for err == nil {
		var pk, rec []byte
		if pk, rec, err = cur.Rec(); err != nil {
			break
		}
		if err = fn(pk, rec); err != nil {
			return err
		}
		err = cur.Next()
	}
	if errors.Is(err, cabinet.ErrNotFound) {
		return nil
	}
	return err
}

func (s *btreeStorage) Rnum() int64            { return s.b.Rnum() }
func (s *btreeStorage) Size() int64            { return s.b.Fsiz() }
func (s *btreeStorage) Begin() error           { return s.b.TranBegin() }
func (s *btreeStorage) Commit() error          { return s.b.TranCommit() }
func (s *btreeStorage) Rollback() error        { return s.b.TranAbort() }
func (s *btreeStorage) Sync() error            { return s.b.Sync() }
func (s *btreeStorage) Vanish() error          { return s.b.Vanish() }
func (s *btreeStorage) Copy(dest string) error { return s.b.Copy(dest) }
func (s *btreeStorage) Optimize() error        { return s.b.Optimize(bdb.Tuning{}) }
func (s *btreeStorage) Close() error           { return s.b.Close() }

// detectBackend picks the backend for an existing file.
func detectBackend(path string) (Backend, error) {
	kind, err := hdb.ReadKind(path)
	if err != nil {
		if errors.Is(err, cabinet.ErrCorruptRecord) && isBoltFile(path) {
			return BackendBolt, nil
		}
		return BackendAuto, err
	}
	switch kind {
	case cabinet.KindTable:
		return BackendHash, nil
	case cabinet.KindTableBTree:
		return BackendBTree, nil
	default:
		return BackendAuto, fmt.Errorf("%w: %s is a %v database, not a table", cabinet.ErrConfig, path, kind)
	}
}
