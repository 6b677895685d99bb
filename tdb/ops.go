package tdb

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/andreyvit/cabinet"
)

func checkPK(pk []byte) error {
	if len(pk) == 0 {
		return fmt.Errorf("%w: empty primary key", cabinet.ErrInvalidState)
	}
	return nil
}

// load returns the decoded record of pk, or nil if there is none.
func (db *DB) load(pk []byte) (Columns, bool, error) {
	data, err := db.st.Get(pk)
	if err != nil || data == nil {
		return nil, false, err
	}
	cols, err := decodeColumns(data)
	if err != nil {
		return nil, false, err
	}
	return cols, true, nil
}

func (db *DB) store(pk []byte, cols Columns) error {
	data, err := encodeColumns(cols)
	if err != nil {
		return err
	}
	return db.st.Put(pk, data)
}

type putMode int

const (
	putOver putMode = iota
	putKeep
	putCat
)

func (db *DB) put(op string, pk []byte, cols Columns, mode putMode) error {
	return db.call(op, pk, true, func() error {
		if err := checkPK(pk); err != nil {
			return err
		}
		if err := cols.validate(); err != nil {
			return err
		}
		if mode != putOver {
			old, found, err := db.load(pk)
			if err != nil {
				return err
			}
			if found {
				if mode == putKeep {
					return cabinet.ErrKeyExists
				}
				cols = old.merge(cols)
			}
		}
		return db.store(pk, cols)
	})
}

// Put stores the record of pk, replacing any previous one.
func (db *DB) Put(pk []byte, cols Columns) error {
	return db.put("tdb.put", pk, cols, putOver)
}

// PutKeep stores a new record, failing with ErrKeyExists if pk is taken.
func (db *DB) PutKeep(pk []byte, cols Columns) error {
	return db.put("tdb.putkeep", pk, cols, putKeep)
}

// PutCat adds the columns the existing record of pk does not have yet, or
// stores a new record.
func (db *DB) PutCat(pk []byte, cols Columns) error {
	return db.put("tdb.putcat", pk, cols, putCat)
}

func (db *DB) Get(pk []byte) (Columns, error) {
	var cols Columns
	err := db.call("tdb.get", pk, false, func() error {
		c, found, err := db.load(pk)
		if err != nil {
			return err
		}
		if !found {
			return cabinet.ErrNotFound
		}
		cols = c
		return nil
	})
	return cols, err
}

func (db *DB) Has(pk []byte) (bool, error) {
	var found bool
	err := db.call("tdb.has", pk, false, func() error {
		data, err := db.st.Get(pk)
		found = data != nil
		return err
	})
	return found, err
}

// Delete removes the record of pk.
func (db *DB) Delete(pk []byte) error {
	return db.call("tdb.delete", pk, true, func() error {
		found, err := db.st.Delete(pk)
		if err == nil && !found {
			err = cabinet.ErrNotFound
		}
		return err
	})
}

// Out is Delete.
func (db *DB) Out(pk []byte) error {
	return db.Delete(pk)
}

// Rnum returns the number of records, 0 when closed.
func (db *DB) Rnum() int64 {
	defer db.guard.Lock()()
	if db.st == nil {
		return 0
	}
	return db.st.Rnum()
}

// Fsiz returns the size of the database file in bytes.
func (db *DB) Fsiz() int64 {
	defer db.guard.Lock()()
	if db.st == nil {
		return 0
	}
	return db.st.Size()
}

// Keys returns the primary keys of all records in the backend's order.
func (db *DB) Keys() ([][]byte, error) {
	var keys [][]byte
	err := db.call("tdb.keys", nil, false, func() error {
		return db.st.Scan(func(pk, _ []byte) error {
			keys = append(keys, cabinet.Clone(pk))
			return nil
		})
	})
	return keys, err
}

func (db *DB) Sync() error {
	return db.call("tdb.sync", nil, true, func() error {
		return db.st.Sync()
	})
}

// Vanish removes all records.
func (db *DB) Vanish() error {
	return db.call("tdb.vanish", nil, true, func() error {
		return db.st.Vanish()
	})
}

// Copy writes a snapshot of the database to dest, openable with the same
// backend. The memory backend writes a hash table file.
func (db *DB) Copy(dest string) error {
	return db.call("tdb.copy", nil, false, func() error {
		return db.st.Copy(dest)
	})
}

// Optimize rebuilds the backend file without free space.
func (db *DB) Optimize() error {
	return db.call("tdb.optimize", nil, true, func() error {
		before := db.st.Size()
		if err := db.st.Optimize(); err != nil {
			return err
		}
		if db.opt.Verbose {
			db.opt.Logger.LogAttrs(context.Background(), slog.LevelDebug, "tdb: optimized", slog.String("path", db.path), slog.Int64("before", before), slog.Int64("after", db.st.Size()))
		}
		return nil
	})
}

// TranBegin starts a transaction. Until TranCommit or TranAbort every change
// can be rolled back.
func (db *DB) TranBegin() error {
	return db.call("tdb.tranbegin", nil, true, func() error {
		return db.st.Begin()
	})
}

func (db *DB) TranCommit() error {
	return db.call("tdb.trancommit", nil, true, func() error {
		return db.st.Commit()
	})
}

func (db *DB) TranAbort() error {
	return db.call("tdb.tranabort", nil, true, func() error {
		return db.st.Rollback()
	})
}
