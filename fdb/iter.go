package fdb

import (
	"iter"

	"github.com/andreyvit/cabinet"
)

// Iter walks records in ascending id order. Every step looks up the smallest
// live id above the previous one, so records put or removed through the same
// handle during iteration are seen or skipped accordingly.
type Iter struct {
	db   *DB
	from uint64
	done bool
	id   uint64
	val  []byte
	err  error
}

// Iter returns a new iterator positioned before the first record.
func (db *DB) Iter() *Iter {
	return &Iter{db: db}
}

func (it *Iter) Next() bool {
	db := it.db
	defer db.guard.Lock()()
	if it.done || it.err != nil {
		return false
	}
	if err := db.ready(false); err != nil {
		it.err = db.opErr("fdb.iternext", nil, err)
		return false
	}
	id, ok := db.nextID(it.from)
	if !ok {
		it.done = true
		it.val = nil
		return false
	}
	val, err := db.read(id)
	if err != nil {
		it.err = db.opErr("fdb.iternext", &id, err)
		return false
	}
	it.id, it.val = id, val
	if id == ^uint64(0) {
		it.done = true
	} else {
		it.from = id + 1
	}
	return true
}

func (it *Iter) Key() uint64 {
	return it.id
}

func (it *Iter) Value() []byte {
	return it.val
}

func (it *Iter) Err() error {
	return it.err
}

// nextID returns the smallest live id >= from.
func (db *DB) nextID(from uint64) (uint64, bool) {
	bi := db.live.Iterator()
	bi.AdvanceIfNeeded(from)
	if !bi.HasNext() {
		return 0, false
	}
	return bi.Next(), true
}

// Keys iterates over ids in ascending order. Iteration stops silently at the
// first error; use Iter to observe it.
func (db *DB) Keys() iter.Seq[uint64] {
	return func(yield func(uint64) bool) {
		it := db.Iter()
		for it.Next() {
			if !yield(it.Key()) {
				return
			}
		}
	}
}

func (db *DB) Values() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		it := db.Iter()
		for it.Next() {
			if !yield(it.Value()) {
				return
			}
		}
	}
}

func (db *DB) Items() iter.Seq2[uint64, []byte] {
	return func(yield func(uint64, []byte) bool) {
		it := db.Iter()
		for it.Next() {
			if !yield(it.Key(), it.Value()) {
				return
			}
		}
	}
}

// Range returns up to max ids between lower and upper inclusive, in ascending
// order. A negative max means no limit.
func (db *DB) Range(lower, upper uint64, max int) ([]uint64, error) {
	var ids []uint64
	err := db.call("fdb.range", nil, false, func() error {
		bi := db.live.Iterator()
		bi.AdvanceIfNeeded(lower)
		for bi.HasNext() && (max < 0 || len(ids) < max) {
			id := bi.Next()
			if id > upper {
				break
			}
			ids = append(ids, id)
		}
		return nil
	})
	return ids, err
}

// Min returns the smallest id in use.
func (db *DB) Min() (uint64, error) {
	var id uint64
	err := db.call("fdb.min", nil, false, func() error {
		if db.live.IsEmpty() {
			return cabinet.ErrNotFound
		}
		id = db.live.Minimum()
		return nil
	})
	return id, err
}

func (db *DB) Max() (uint64, error) {
	var id uint64
	err := db.call("fdb.max", nil, false, func() error {
		if db.live.IsEmpty() {
			return cabinet.ErrNotFound
		}
		id = db.live.Maximum()
		return nil
	})
	return id, err
}
