package hdb

import (
	"bytes"
	"fmt"
	"iter"

	"github.com/andreyvit/cabinet"
)

// Iter walks all records in bucket order. Each bucket chain is read as a whole
// when the iterator reaches it, so records put or removed behind the iterator
// position are not seen; elsewhere the order is undefined across mutations.
type Iter struct {
	db      *DB
	bidx    uint64
	pending []pair
	key     []byte
	val     []byte
	err     error
}

type pair struct {
	key, val []byte
}

// Iter returns a new iterator positioned before the first record. Any number
// of iterators can be used at once.
func (db *DB) Iter() *Iter {
	return &Iter{db: db}
}

func (it *Iter) Next() bool {
	defer it.db.guard.Lock()()
	return it.next()
}

func (it *Iter) next() bool {
	db := it.db
	if it.err != nil {
		return false
	}
	if err := db.ready(false); err != nil {
		it.err = db.opErr("hdb.iternext", nil, err)
		return false
	}
	if db.writable() {
		if err := db.flushAsync(); err != nil {
			it.err = db.opErr("hdb.iternext", nil, err)
			return false
		}
	}
	for len(it.pending) == 0 {
		if it.bidx >= db.bnum {
			it.key, it.val = nil, nil
			return false
		}
		pairs, err := db.readChain(db.buckets[it.bidx])
		if err != nil {
			it.err = db.opErr("hdb.iternext", nil, err)
			return false
		}
		it.pending = pairs
		it.bidx++
	}
	p := it.pending[0]
	it.pending = it.pending[1:]
	it.key, it.val = p.key, p.val
	return true
}

func (it *Iter) Key() []byte {
	return it.key
}

func (it *Iter) Value() []byte {
	return it.val
}

// Err returns the error that stopped the iteration, if any.
func (it *Iter) Err() error {
	return it.err
}

func (db *DB) readChain(off int64) ([]pair, error) {
	var pairs []pair
	var hbuf [recHeaderSize]byte
	for off != 0 {
		if err := db.readAt(hbuf[:], off); err != nil {
			return nil, err
		}
		h, err := decodeRecHeader(hbuf[:], off)
		if err != nil {
			return nil, err
		}
		kv := make([]byte, int(h.ksiz)+int(h.vsiz))
		if err := db.readAt(kv, h.keyOff()); err != nil {
			return nil, err
		}
		pairs = append(pairs, pair{kv[:h.ksiz:h.ksiz], kv[h.ksiz:]})
		off = h.next
	}
	return pairs, nil
}

// IterInit resets the iterator owned by the handle, used by IterNext.
func (db *DB) IterInit() error {
	defer db.guard.Lock()()
	if err := db.ready(false); err != nil {
		return db.opErr("hdb.iterinit", nil, err)
	}
	db.cur = db.Iter()
	return nil
}

// IterNext returns the next key of the handle iterator, or ErrNotFound once
// all keys have been returned.
func (db *DB) IterNext() ([]byte, error) {
	defer db.guard.Lock()()
	it := db.cur
	if it == nil {
		return nil, db.opErr("hdb.iternext", nil, fmt.Errorf("%w: IterInit was not called", cabinet.ErrInvalidState))
	}
	if !it.next() {
		if err := it.Err(); err != nil {
			return nil, err
		}
		return nil, db.opErr("hdb.iternext", nil, cabinet.ErrNotFound)
	}
	return it.Key(), nil
}

// All iterates over all records. Iteration stops silently at the first error;
// use Iter to observe it.
func (db *DB) All() iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		it := db.Iter()
		for it.Next() {
			if !yield(it.Key(), it.Value()) {
				return
			}
		}
	}
}

// FwmKeys returns up to max keys starting with prefix, in no particular
// order. A negative max means no limit.
func (db *DB) FwmKeys(prefix []byte, max int) ([][]byte, error) {
	var keys [][]byte
	it := db.Iter()
	for max < 0 || len(keys) < max {
		if !it.Next() {
			break
		}
		if bytes.HasPrefix(it.Key(), prefix) {
			keys = append(keys, it.Key())
		}
	}
	return keys, it.Err()
}

// walk visits every live record in file order, without going through the
// buckets. Used by Optimize and consistency checks.
func (db *DB) walk(fn func(key, val []byte) error) error {
	off := db.frec
	for off < db.fsiz {
		h, size, isRec, err := db.readBlock(off)
		if err != nil {
			return err
		}
		if isRec {
			kv := make([]byte, int(h.ksiz)+int(h.vsiz))
			if err := db.readAt(kv, h.keyOff()); err != nil {
				return err
			}
			if err := fn(kv[:h.ksiz:h.ksiz], kv[h.ksiz:]); err != nil {
				return err
			}
		}
		off += size
	}
	return nil
}
