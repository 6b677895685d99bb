package hdb

import (
	"bytes"
	"fmt"
	"math"

	farm "github.com/dgryski/go-farm"

	"github.com/andreyvit/cabinet"
)

type putMode int

const (
	putOver putMode = iota
	putKeep
	putCat
)

// location is where a key lives or would live.
type location struct {
	bidx  uint64
	fp    uint8
	prev  int64 // record linking to rec, 0 for the bucket head
	rec   recHeader
	found bool
}

func (db *DB) hash(key []byte) (uint64, uint8) {
	h := farm.Hash64(key)
	return h % db.bnum, uint8(h >> 56)
}

func (db *DB) find(key []byte) (location, error) {
	bidx, fp := db.hash(key)
	loc := location{bidx: bidx, fp: fp}

	buf := make([]byte, recHeaderSize+len(key))
	off := db.buckets[bidx]
	for off != 0 {
		n := int64(len(buf))
		if rem := db.fsiz - off; rem < n {
			n = rem
		}
		if n < recHeaderSize {
			return loc, cabinet.DataErrorf(nil, int(off), nil, "chain points past end of file")
		}
		if err := db.readAt(buf[:n], off); err != nil {
			return loc, err
		}
		h, err := decodeRecHeader(buf[:n], off)
		if err != nil {
			return loc, err
		}
		if h.fp == fp && int(h.ksiz) == len(key) && bytes.Equal(buf[recHeaderSize:n], key) {
			loc.rec = h
			loc.found = true
			return loc, nil
		}
		loc.prev = off
		off = h.next
	}
	return loc, nil
}

func (db *DB) readValue(h recHeader) ([]byte, error) {
	val := make([]byte, h.vsiz)
	if err := db.readAt(val, h.valOff()); err != nil {
		return nil, err
	}
	return val, nil
}

func (db *DB) readKey(h recHeader) ([]byte, error) {
	key := make([]byte, h.ksiz)
	if err := db.readAt(key, h.keyOff()); err != nil {
		return nil, err
	}
	return key, nil
}

func checkSizes(key, val []byte) error {
	if len(key) > math.MaxUint32/2 || len(val) > math.MaxUint32/2 || len(key)+len(val) > math.MaxUint32/2 {
		return fmt.Errorf("%w: record of %d+%d bytes is too large", cabinet.ErrConfig, len(key), len(val))
	}
	return nil
}

// writeRecord writes a full record into a block of the given size. The padding
// is written too, so a block at the end of the file always reaches fsiz.
func (db *DB) writeRecord(off, blockSize int64, fp uint8, key, val []byte, next int64) (recHeader, error) {
	h := recHeader{
		off:  off,
		fp:   fp,
		ksiz: uint32(len(key)),
		vsiz: uint32(len(val)),
		next: next,
	}
	h.psiz = uint32(blockSize - recHeaderSize - int64(len(key)) - int64(len(val)))
	buf := make([]byte, blockSize)
	h.encode(buf)
	copy(buf[recHeaderSize:], key)
	copy(buf[recHeaderSize+len(key):], val)
	return h, db.writeAt(buf, off)
}

func (db *DB) put(key, val []byte, mode putMode) error {
	if err := checkSizes(key, val); err != nil {
		return err
	}
	loc, err := db.find(key)
	if err != nil {
		return err
	}
	if !loc.found {
		return db.insert(loc, key, val)
	}
	switch mode {
	case putKeep:
		return cabinet.ErrKeyExists
	case putCat:
		old, err := db.readValue(loc.rec)
		if err != nil {
			return err
		}
		val = append(old, val...)
		if err := checkSizes(key, val); err != nil {
			return err
		}
	}
	return db.replace(loc, key, val)
}

func (db *DB) insert(loc location, key, val []byte) error {
	need := alignUp(recHeaderSize+int64(len(key))+int64(len(val)), db.align())
	off, size, err := db.alloc(need)
	if err != nil {
		return err
	}
	if _, err := db.writeRecord(off, size, loc.fp, key, val, db.buckets[loc.bidx]); err != nil {
		return err
	}
	if err := db.setBucket(loc.bidx, off); err != nil {
		return err
	}
	db.rnum++
	return nil
}

func (db *DB) replace(loc location, key, val []byte) error {
	old := loc.rec
	need := alignUp(recHeaderSize+int64(len(key))+int64(len(val)), db.align())
	if need <= old.size() {
		size := old.size()
		// give back the tail when the record shrank a lot
		if rem := size - need; rem >= minFreeBlock && rem >= size/2 {
			size = need
		}
		if _, err := db.writeRecord(old.off, size, loc.fp, key, val, old.next); err != nil {
			return err
		}
		if size < old.size() {
			return db.free(old.off+size, old.size()-size)
		}
		return nil
	}

	off, size, err := db.alloc(need)
	if err != nil {
		return err
	}
	if _, err := db.writeRecord(off, size, loc.fp, key, val, old.next); err != nil {
		return err
	}
	if err := db.setNext(loc.bidx, loc.prev, off); err != nil {
		return err
	}
	return db.free(old.off, old.size())
}

func (db *DB) remove(loc location) error {
	if err := db.setNext(loc.bidx, loc.prev, loc.rec.next); err != nil {
		return err
	}
	if err := db.free(loc.rec.off, loc.rec.size()); err != nil {
		return err
	}
	db.rnum--
	return nil
}

// Put stores a record, replacing any existing value.
func (db *DB) Put(key, val []byte) error {
	defer db.guard.Lock()()
	return db.opErr("hdb.put", key, db.mutate(func() error {
		return db.put(key, val, putOver)
	}))
}

// PutKeep stores a record unless the key exists, in which case it fails with
// ErrKeyExists.
func (db *DB) PutKeep(key, val []byte) error {
	defer db.guard.Lock()()
	return db.opErr("hdb.putkeep", key, db.mutate(func() error {
		return db.put(key, val, putKeep)
	}))
}

// PutCat appends val to the existing value, or stores it as a new record.
func (db *DB) PutCat(key, val []byte) error {
	defer db.guard.Lock()()
	return db.opErr("hdb.putcat", key, db.mutate(func() error {
		return db.put(key, val, putCat)
	}))
}

// PutAsync buffers a put. Buffered records are written before any other call
// touches the file, and are durable after Sync.
func (db *DB) PutAsync(key, val []byte) error {
	defer db.guard.Lock()()
	if err := db.ready(true); err != nil {
		return db.opErr("hdb.putasync", key, err)
	}
	if err := checkSizes(key, val); err != nil {
		return db.opErr("hdb.putasync", key, err)
	}
	k := string(key)
	if old, found := db.async.Get(k); found {
		db.asyncBytes -= len(k) + len(old.([]byte))
	}
	db.async.Put(k, cabinet.Clone(val))
	db.asyncBytes += len(k) + len(val)
	if db.asyncBytes >= db.asyncLimit {
		return db.opErr("hdb.putasync", key, db.flushAsync())
	}
	return nil
}

// flushAsync writes buffered puts in the order they were first buffered.
// Records written before a failure leave the buffer; the rest stay for the
// next attempt.
func (db *DB) flushAsync() error {
	if db.async.Empty() {
		return nil
	}
	var done []string
	var err error
	it := db.async.Iterator()
	for it.Next() {
		k := it.Key().(string)
		v := it.Value().([]byte)
		if err = db.put([]byte(k), v, putOver); err != nil {
			break
		}
		done = append(done, k)
		db.asyncBytes -= len(k) + len(v)
	}
	for _, k := range done {
		db.async.Remove(k)
	}
	return err
}

// mutate runs a write after flushing buffered puts.
func (db *DB) mutate(f func() error) error {
	if err := db.ready(true); err != nil {
		return err
	}
	if err := db.flushAsync(); err != nil {
		return err
	}
	return f()
}

func (db *DB) lookup(key []byte) (location, error) {
	if err := db.ready(false); err != nil {
		return location{}, err
	}
	if db.writable() {
		if err := db.flushAsync(); err != nil {
			return location{}, err
		}
	}
	return db.find(key)
}

// Get returns the value of key, or ErrNotFound.
func (db *DB) Get(key []byte) ([]byte, error) {
	defer db.guard.Lock()()
	loc, err := db.lookup(key)
	if err != nil {
		return nil, db.opErr("hdb.get", key, err)
	}
	if !loc.found {
		return nil, db.opErr("hdb.get", key, cabinet.ErrNotFound)
	}
	val, err := db.readValue(loc.rec)
	return val, db.opErr("hdb.get", key, err)
}

// Has reports whether key exists.
func (db *DB) Has(key []byte) (bool, error) {
	defer db.guard.Lock()()
	loc, err := db.lookup(key)
	if err != nil {
		return false, db.opErr("hdb.has", key, err)
	}
	return loc.found, nil
}

// Vsiz returns the length of the value of key without reading it.
func (db *DB) Vsiz(key []byte) (int, error) {
	defer db.guard.Lock()()
	loc, err := db.lookup(key)
	if err != nil {
		return 0, db.opErr("hdb.vsiz", key, err)
	}
	if !loc.found {
		return 0, db.opErr("hdb.vsiz", key, cabinet.ErrNotFound)
	}
	return int(loc.rec.vsiz), nil
}

// Out removes key, failing with ErrNotFound if it is absent.
func (db *DB) Out(key []byte) error {
	defer db.guard.Lock()()
	return db.opErr("hdb.out", key, db.mutate(func() error {
		loc, err := db.find(key)
		if err != nil {
			return err
		}
		if !loc.found {
			return cabinet.ErrNotFound
		}
		return db.remove(loc)
	}))
}

// AddInt adds n to the 4-byte integer stored under key, creating it if absent,
// and returns the sum.
func (db *DB) AddInt(key []byte, n int32) (int32, error) {
	defer db.guard.Lock()()
	var sum int32
	err := db.mutate(func() error {
		old, loc, err := db.getForUpdate(key)
		if err != nil {
			return err
		}
		val, v, err := cabinet.AddInt(old, n)
		if err != nil {
			return err
		}
		sum = v
		return db.store(loc, key, val)
	})
	return sum, db.opErr("hdb.addint", key, err)
}

// AddDouble is AddInt for 8-byte floats.
func (db *DB) AddDouble(key []byte, n float64) (float64, error) {
	defer db.guard.Lock()()
	var sum float64
	err := db.mutate(func() error {
		old, loc, err := db.getForUpdate(key)
		if err != nil {
			return err
		}
		val, v, err := cabinet.AddDouble(old, n)
		if err != nil {
			return err
		}
		sum = v
		return db.store(loc, key, val)
	})
	return sum, db.opErr("hdb.adddouble", key, err)
}

func (db *DB) getForUpdate(key []byte) ([]byte, location, error) {
	loc, err := db.find(key)
	if err != nil || !loc.found {
		return nil, loc, err
	}
	old, err := db.readValue(loc.rec)
	return old, loc, err
}

func (db *DB) store(loc location, key, val []byte) error {
	if loc.found {
		return db.replace(loc, key, val)
	}
	return db.insert(loc, key, val)
}
