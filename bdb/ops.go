package bdb

import (
	"slices"

	"github.com/andreyvit/cabinet"
)

type putMode int

const (
	putOver putMode = iota
	putKeep
	putCat
	putDup
)

func (db *DB) put(key, val []byte, mode putMode) error {
	lf, path, err := db.searchLeaf(key)
	if err != nil {
		return err
	}
	i, found := lf.search(key, db.cmp)
	if found {
		r := lf.recs[i]
		switch mode {
		case putOver:
			r.vals[0] = cabinet.Clone(val)
		case putKeep:
			return cabinet.ErrKeyExists
		case putCat:
			r.vals[0] = append(cabinet.Clone(r.vals[0]), val...)
		case putDup:
			r.vals = append(r.vals, cabinet.Clone(val))
			db.meta.Rnum++
			db.metaDirty = true
		}
		lf.dirty = true
		return nil
	}
	lf.recs = slices.Insert(lf.recs, i, &record{
		key:  cabinet.Clone(key),
		vals: [][]byte{cabinet.Clone(val)},
	})
	lf.dirty = true
	db.meta.Rnum++
	db.metaDirty = true
	if len(lf.recs) > db.meta.LMemb {
		return db.splitLeaf(lf, path)
	}
	return nil
}

// Put stores val as the first value of key, keeping any duplicates after it.
func (db *DB) Put(key, val []byte) error {
	return db.call("bdb.put", key, true, func() error {
		return db.put(key, val, putOver)
	})
}

func (db *DB) PutKeep(key, val []byte) error {
	return db.call("bdb.putkeep", key, true, func() error {
		return db.put(key, val, putKeep)
	})
}

// PutCat appends val to the first value of key.
func (db *DB) PutCat(key, val []byte) error {
	return db.call("bdb.putcat", key, true, func() error {
		return db.put(key, val, putCat)
	})
}

// PutDup adds val after the existing values of key.
func (db *DB) PutDup(key, val []byte) error {
	return db.call("bdb.putdup", key, true, func() error {
		return db.put(key, val, putDup)
	})
}

// PutList replaces all values of key. An empty list removes the key.
func (db *DB) PutList(key []byte, vals [][]byte) error {
	return db.call("bdb.putlist", key, true, func() error {
		lf, path, err := db.searchLeaf(key)
		if err != nil {
			return err
		}
		i, found := lf.search(key, db.cmp)
		cloned := make([][]byte, len(vals))
		for j, v := range vals {
			cloned[j] = cabinet.Clone(v)
		}
		var old int
		if found {
			old = len(lf.recs[i].vals)
		}
		db.meta.Rnum += int64(len(vals) - old)
		db.metaDirty = true
		switch {
		case len(vals) == 0 && !found:
			return nil
		case len(vals) == 0:
			return db.removeRecord(lf, i, path)
		case found:
			lf.recs[i].vals = cloned
			db.moved(lf.recs[i])
			lf.dirty = true
			return nil
		}
		lf.recs = slices.Insert(lf.recs, i, &record{key: cabinet.Clone(key), vals: cloned})
		lf.dirty = true
		if len(lf.recs) > db.meta.LMemb {
			return db.splitLeaf(lf, path)
		}
		return nil
	})
}

// Out removes the first value of key.
func (db *DB) Out(key []byte) error {
	return db.call("bdb.out", key, true, func() error {
		lf, path, err := db.searchLeaf(key)
		if err != nil {
			return err
		}
		i, found := lf.search(key, db.cmp)
		if !found {
			return cabinet.ErrNotFound
		}
		db.meta.Rnum--
		db.metaDirty = true
		if r := lf.recs[i]; len(r.vals) > 1 {
			r.vals = slices.Delete(r.vals, 0, 1)
			db.moved(r)
			lf.dirty = true
			return nil
		}
		return db.removeRecord(lf, i, path)
	})
}

// OutList removes key with all its values.
func (db *DB) OutList(key []byte) error {
	return db.call("bdb.outlist", key, true, func() error {
		lf, path, err := db.searchLeaf(key)
		if err != nil {
			return err
		}
		i, found := lf.search(key, db.cmp)
		if !found {
			return cabinet.ErrNotFound
		}
		db.meta.Rnum -= int64(len(lf.recs[i].vals))
		db.metaDirty = true
		return db.removeRecord(lf, i, path)
	})
}

func (db *DB) find(key []byte) (*record, error) {
	lf, _, err := db.searchLeaf(key)
	if err != nil {
		return nil, err
	}
	i, found := lf.search(key, db.cmp)
	if !found {
		return nil, nil
	}
	return lf.recs[i], nil
}

// Get returns the first value of key.
func (db *DB) Get(key []byte) ([]byte, error) {
	var val []byte
	err := db.call("bdb.get", key, false, func() error {
		r, err := db.find(key)
		if err != nil {
			return err
		}
		if r == nil {
			return cabinet.ErrNotFound
		}
		val = cabinet.Clone(r.vals[0])
		return nil
	})
	return val, err
}

// GetList returns all values of key in insertion order.
func (db *DB) GetList(key []byte) ([][]byte, error) {
	var vals [][]byte
	err := db.call("bdb.getlist", key, false, func() error {
		r, err := db.find(key)
		if err != nil {
			return err
		}
		if r == nil {
			return cabinet.ErrNotFound
		}
		vals = make([][]byte, len(r.vals))
		for i, v := range r.vals {
			vals[i] = cabinet.Clone(v)
		}
		return nil
	})
	return vals, err
}

// Vnum returns the number of values of key, 0 if absent.
func (db *DB) Vnum(key []byte) (int, error) {
	var n int
	err := db.call("bdb.vnum", key, false, func() error {
		r, err := db.find(key)
		if r != nil {
			n = len(r.vals)
		}
		return err
	})
	return n, err
}

// Vsiz returns the length of the first value of key.
func (db *DB) Vsiz(key []byte) (int, error) {
	var n int
	err := db.call("bdb.vsiz", key, false, func() error {
		r, err := db.find(key)
		if err != nil {
			return err
		}
		if r == nil {
			return cabinet.ErrNotFound
		}
		n = len(r.vals[0])
		return nil
	})
	return n, err
}

func (db *DB) Has(key []byte) (bool, error) {
	var ok bool
	err := db.call("bdb.has", key, false, func() error {
		r, err := db.find(key)
		ok = r != nil
		return err
	})
	return ok, err
}

// AddInt adds n to the 4-byte integer held as the first value of key,
// creating it if absent, and returns the sum.
func (db *DB) AddInt(key []byte, n int32) (int32, error) {
	var sum int32
	err := db.call("bdb.addint", key, true, func() error {
		old, err := db.firstValue(key)
		if err != nil {
			return err
		}
		val, v, err := cabinet.AddInt(old, n)
		if err != nil {
			return err
		}
		sum = v
		return db.put(key, val, putOver)
	})
	return sum, err
}

// AddDouble is AddInt for 8-byte floats.
func (db *DB) AddDouble(key []byte, n float64) (float64, error) {
	var sum float64
	err := db.call("bdb.adddouble", key, true, func() error {
		old, err := db.firstValue(key)
		if err != nil {
			return err
		}
		val, v, err := cabinet.AddDouble(old, n)
		if err != nil {
			return err
		}
		sum = v
		return db.put(key, val, putOver)
	})
	return sum, err
}

func (db *DB) firstValue(key []byte) ([]byte, error) {
	r, err := db.find(key)
	if err != nil || r == nil {
		return nil, err
	}
	return r.vals[0], nil
}
