package tdb

import (
	"github.com/emirpasic/gods/trees/redblacktree"

	"github.com/andreyvit/cabinet"
	"github.com/andreyvit/cabinet/hdb"
)

// memStorage keeps records in an ordered in-memory tree. Nothing is read from
// or written to the path; Copy exports a hash table file.
type memStorage struct {
	tree *redblacktree.Tree
	snap *redblacktree.Tree // state at Begin, restored by Rollback
	size int64
}

func openMemStorage() storage {
	return &memStorage{tree: redblacktree.NewWithStringComparator()}
}

func cloneTree(t *redblacktree.Tree) *redblacktree.Tree {
	out := redblacktree.NewWithStringComparator()
	it := t.Iterator()
	for it.Next() {
		out.Put(it.Key(), it.Value())
	}
	return out
}

func (s *memStorage) Get(pk []byte) ([]byte, error) {
	v, ok := s.tree.Get(string(pk))
	if !ok {
		return nil, nil
	}
	return cabinet.Clone(v.([]byte)), nil
}

func (s *memStorage) Put(pk, rec []byte) error {
	key := string(pk)
	if old, ok := s.tree.Get(key); ok {
		s.size -= int64(len(key) + len(old.([]byte)))
	}
	s.tree.Put(key, cabinet.Clone(rec))
	s.size += int64(len(key) + len(rec))
	return nil
}

func (s *memStorage) Delete(pk []byte) (bool, error) {
	key := string(pk)
	old, ok := s.tree.Get(key)
	if !ok {
		return false, nil
	}
	s.size -= int64(len(key) + len(old.([]byte)))
	s.tree.Remove(key)
	return true, nil
}

func (s *memStorage) Scan(fn func(pk, rec []byte) error) error {
	it := s.tree.Iterator()
	for it.Next() {
		if err := fn([]byte(it.Key().(string)), it.Value().([]byte)); err != nil {
			return err
		}
	}
	return nil
}

func (s *memStorage) Rnum() int64 { return int64(s.tree.Size()) }

// Size returns the number of key and record bytes held.
func (s *memStorage) Size() int64 { return s.size }

func (s *memStorage) Begin() error {
	if s.snap != nil {
		return cabinet.ErrTranActive
	}
	s.snap = cloneTree(s.tree)
	return nil
}

func (s *memStorage) Commit() error {
	if s.snap == nil {
		return cabinet.ErrNoTran
	}
	s.snap = nil
	return nil
}

func (s *memStorage) Rollback() error {
	if s.snap == nil {
		return cabinet.ErrNoTran
	}
	s.tree, s.snap = s.snap, nil
	s.size = 0
	it := s.tree.Iterator()
	for it.Next() {
		s.size += int64(len(it.Key().(string)) + len(it.Value().([]byte)))
	}
	return nil
}

func (s *memStorage) Sync() error { return nil }

func (s *memStorage) Vanish() error {
	s.tree.Clear()
	s.size = 0
	return nil
}

// Copy writes the records into a new hash table file at dest.
func (s *memStorage) Copy(dest string) error {
	h := hdb.New()
	if err := h.SetKind(cabinet.KindTable); err != nil {
		return err
	}
	if err := h.Open(dest, cabinet.Writer|cabinet.Create|cabinet.Truncate); err != nil {
		return err
	}
	err := s.Scan(func(pk, rec []byte) error {
		return h.Put(pk, rec)
	})
	if cerr := h.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *memStorage) Optimize() error { return nil }

func (s *memStorage) Close() error {
	s.tree.Clear()
	s.snap = nil
	s.size = 0
	return nil
}
