package bdb

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/andreyvit/cabinet"
	"github.com/andreyvit/cabinet/hdb"
)

// Sync writes cached pages and makes them durable.
func (db *DB) Sync() error {
	return db.call("bdb.sync", nil, true, db.sync)
}

func (db *DB) sync() error {
	if err := db.flushPages(); err != nil {
		return err
	}
	return db.hdb.Sync()
}

// TranBegin starts a transaction. Changes made until TranCommit are visible
// through this handle right away and are undone by TranAbort, or at the next
// open after a crash.
func (db *DB) TranBegin() error {
	return db.call("bdb.tranbegin", nil, true, func() error {
		if db.tran {
			return cabinet.ErrTranActive
		}
		if err := db.flushPages(); err != nil {
			return err
		}
		if err := db.hdb.TranBegin(); err != nil {
			return err
		}
		db.tran = true
		return nil
	})
}

func (db *DB) TranCommit() error {
	return db.call("bdb.trancommit", nil, true, func() error {
		if !db.tran {
			return cabinet.ErrNoTran
		}
		if err := db.flushPages(); err != nil {
			return err
		}
		if err := db.hdb.TranCommit(); err != nil {
			return err
		}
		db.tran = false
		return nil
	})
}

// TranAbort discards every change made since TranBegin. A failed rollback
// leaves the handle unusable; the journal stays for recovery at the next
// open.
func (db *DB) TranAbort() error {
	defer db.guard.Lock()()
	if !db.opened {
		return db.opErr("bdb.tranabort", nil, cabinet.ErrNotOpen)
	}
	if !db.tran {
		return db.opErr("bdb.tranabort", nil, cabinet.ErrNoTran)
	}
	return db.opErr("bdb.tranabort", nil, db.tranAbort())
}

func (db *DB) tranAbort() error {
	db.purgeCache()
	db.tran = false
	if err := db.hdb.TranAbort(); err != nil {
		db.fatal = true
		return err
	}
	if err := db.loadMeta(); err != nil {
		db.fatal = true
		return err
	}
	if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "bdb: tran abort", slog.String("path", db.path), slog.Int64("rnum", db.meta.Rnum))
	}
	return nil
}

func (db *DB) InTran() bool {
	defer db.guard.Lock()()
	return db.tran
}

// Copy writes a consistent snapshot of the database to dest.
func (db *DB) Copy(dest string) error {
	return db.call("bdb.copy", nil, false, func() error {
		if db.writable() {
			if err := db.flushPages(); err != nil {
				return err
			}
		}
		return db.hdb.Copy(dest)
	})
}

// Vanish removes all records, keeping the tuning, comparator and identity of
// the file. Inside a transaction it can be rolled back.
func (db *DB) Vanish() error {
	return db.call("bdb.vanish", nil, true, func() error {
		t := Tuning{LMemb: db.meta.LMemb, NMemb: db.meta.NMemb}
		db.purgeCache()
		if err := db.hdb.Vanish(); err != nil {
			return err
		}
		db.initTree(t)
		return db.flushPages()
	})
}

// Optimize rebuilds the file with packed leaves and new tuning. Zero fields
// of t keep the current member counts; the bucket count is derived from the
// number of pages.
func (db *DB) Optimize(t Tuning) error {
	return db.call("bdb.optimize", nil, true, func() error {
		if db.tran {
			return fmt.Errorf("%w: optimize inside a transaction", cabinet.ErrInvalidState)
		}
		if err := t.Validate(); err != nil {
			return err
		}
		return db.optimize(t)
	})
}

func (db *DB) optimize(t Tuning) error {
	if err := db.flushPages(); err != nil {
		return err
	}
	if t.LMemb == 0 {
		t.LMemb = db.meta.LMemb
	}
	if t.NMemb == 0 {
		t.NMemb = db.meta.NMemb
	}
	if t.BNum == 0 {
		t.BNum = max((db.meta.Leaves+db.meta.Nodes)*2+1, 1021)
	}
	t = t.withDefaults()
	before := db.hdb.Fsiz()

	tmpPath := db.path + ".tmp"
	tmp := New()
	tmp.tuning = t
	tmp.cmp, tmp.cmpName = db.cmp, db.cmpName
	tmp.kind = db.kind
	tmp.logger = db.logger
	seed := hdb.New()
	if err := seed.SetUUID(db.hdb.UUID()); err != nil {
		return err
	}
	if err := tmp.open(tmpPath, cabinet.Writer|cabinet.Create|cabinet.Truncate|cabinet.NoLock, seed); err != nil {
		return err
	}
	err := db.copyInto(tmp)
	if err == nil {
		err = tmp.flushPages()
	}
	if cerr := tmp.closeFile(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return err
	}

	mode := db.mode &^ (cabinet.Create | cabinet.Truncate)
	if err := db.closeFile(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, db.path); err != nil {
		os.Remove(tmpPath)
		if oerr := db.open(db.path, mode, nil); oerr != nil {
			db.logger.LogAttrs(context.Background(), slog.LevelError, "bdb: reopen after failed optimize failed", slog.String("path", db.path), slog.Any("err", oerr))
		}
		return cabinet.IOError(err)
	}
	if err := db.open(db.path, mode, nil); err != nil {
		return err
	}
	if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "bdb: optimized", slog.String("path", db.path), slog.Int64("before", before), slog.Int64("after", db.hdb.Fsiz()), slog.Int64("leaves", db.meta.Leaves))
	}
	return nil
}

// copyInto appends every record to an empty tree in key order, filling
// leaves to capacity.
func (db *DB) copyInto(dst *DB) error {
	p, ok, err := db.firstPos()
	for ; err == nil && ok; p, ok, err = db.nextPos(p) {
		r := p.rec()
		if err := dst.appendRecord(r.key, cloneVals(r.vals)); err != nil {
			return err
		}
		if err := db.adjustCache(); err != nil {
			return err
		}
		if err := dst.adjustCache(); err != nil {
			return err
		}
	}
	return err
}

// appendRecord adds a record with a key above every existing one. Leaves
// start a new sibling when full instead of splitting in half.
func (db *DB) appendRecord(key []byte, vals [][]byte) error {
	lf, path, err := db.searchLeaf(key)
	if err != nil {
		return err
	}
	db.meta.Rnum += int64(len(vals))
	db.metaDirty = true
	if len(lf.recs) < db.meta.LMemb {
		lf.recs = append(lf.recs, &record{key: cabinet.Clone(key), vals: vals})
		lf.dirty = true
		return nil
	}
	nl := db.newLeaf()
	nl.recs = []*record{{key: cabinet.Clone(key), vals: vals}}
	nl.prev = lf.id
	lf.next = nl.id
	lf.dirty = true
	db.meta.Last = nl.id
	return db.insertChild(path, lf.id, cabinet.Clone(key), nl.id)
}

// closeFile closes the underlying file without the checks of Close.
func (db *DB) closeFile() error {
	err := db.hdb.Close()
	db.opened = false
	db.purgeCache()
	return err
}

type Stats struct {
	Records  int64
	Leaves   int64
	Nodes    int64
	Depth    int
	LMemb    int
	NMemb    int
	Cmp      string
	Cached   int // leaves plus nodes in memory
	FileSize int64
	Hash     hdb.Stats
}

func (db *DB) Stats() (Stats, error) {
	var s Stats
	err := db.call("bdb.stats", nil, false, func() error {
		if db.writable() {
			if err := db.flushPages(); err != nil {
				return err
			}
		}
		depth, err := db.depth()
		if err != nil {
			return err
		}
		hs, err := db.hdb.Stats()
		if err != nil {
			return err
		}
		s = Stats{
			Records:  db.meta.Rnum,
			Leaves:   db.meta.Leaves,
			Nodes:    db.meta.Nodes,
			Depth:    depth,
			LMemb:    db.meta.LMemb,
			NMemb:    db.meta.NMemb,
			Cmp:      db.meta.Cmp,
			Cached:   db.leaves.Len() + db.nodes.Len(),
			FileSize: hs.FileSize,
			Hash:     hs,
		}
		return nil
	})
	return s, err
}
