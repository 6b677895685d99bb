package fdb

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/andreyvit/cabinet"
	"github.com/andreyvit/cabinet/mmap"
)

// Sync writes the header and makes every change durable.
func (db *DB) Sync() error {
	return db.call("fdb.sync", nil, true, db.sync)
}

func (db *DB) sync() error {
	if err := db.writeHeader(); err != nil {
		return err
	}
	return cabinet.IOError(mmap.Fdatasync(db.f, db.mapping))
}

// Copy writes a consistent snapshot of the database to dest.
func (db *DB) Copy(dest string) error {
	return db.call("fdb.copy", nil, false, func() error {
		if db.writable() {
			if err := db.writeHeader(); err != nil {
				return err
			}
		}
		return cabinet.CopyFile(dest, io.NewSectionReader(db.f, 0, db.heapEnd))
	})
}

// Vanish removes all records, keeping the width, size limit and identity of
// the file.
func (db *DB) Vanish() error {
	return db.call("fdb.vanish", nil, true, func() error {
		if err := db.format(db.uuid); err != nil {
			db.fatal = true
			return err
		}
		return nil
	})
}

// Optimize rebuilds the file, dropping garbage and unused slots. Zero fields
// of t keep the current values; a smaller width truncates stored values.
func (db *DB) Optimize(t Tuning) error {
	return db.call("fdb.optimize", nil, true, func() error {
		if err := t.Validate(); err != nil {
			return err
		}
		return db.optimize(t)
	})
}

func (db *DB) optimize(t Tuning) error {
	if t.Width == 0 {
		t.Width = db.width
	}
	if t.LimSiz == 0 {
		t.LimSiz = db.limsiz
	}
	before := db.heapEnd

	tmpPath := db.path + ".tmp"
	tmp := New()
	tmp.tuning = t
	tmp.seedUUID = db.uuid
	tmp.logger = db.logger
	if err := tmp.Open(tmpPath, cabinet.Writer|cabinet.Create|cabinet.Truncate|cabinet.NoLock); err != nil {
		return err
	}
	var err error
	if !db.live.IsEmpty() {
		err = tmp.ensureSlot(db.live.Maximum())
	}
	bi := db.live.Iterator()
	for err == nil && bi.HasNext() {
		id := bi.Next()
		var val []byte
		if val, err = db.read(id); err == nil {
			err = tmp.write(id, val)
		}
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return err
	}

	mode := db.mode &^ (cabinet.Create | cabinet.Truncate)
	db.closeFile()
	if err := os.Rename(tmpPath, db.path); err != nil {
		os.Remove(tmpPath)
		if oerr := db.open(db.path, mode); oerr != nil {
			db.logger.LogAttrs(context.Background(), slog.LevelError, "fdb: reopen after failed optimize failed", slog.String("path", db.path), slog.Any("err", oerr))
		}
		return cabinet.IOError(err)
	}
	if err := db.open(db.path, mode); err != nil {
		return err
	}
	if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "fdb: optimized", slog.String("path", db.path), slog.Int64("before", before), slog.Int64("after", db.heapEnd), slog.Int("width", db.width))
	}
	return nil
}

func (db *DB) closeFile() {
	db.unmapTable()
	db.lock.Unlock()
	db.f.Close()
	db.f = nil
	db.lock = nil
	db.live.Clear()
}

type Stats struct {
	UUID     string
	Records  int64
	Width    int
	LimSiz   int64
	Slots    uint64
	FileSize int64
	Garbage  int64
	Min, Max uint64 // both 0 when empty
}

func (db *DB) Stats() (Stats, error) {
	var s Stats
	err := db.call("fdb.stats", nil, false, func() error {
		s = Stats{
			UUID:     db.uuid.String(),
			Records:  int64(db.live.GetCardinality()),
			Width:    db.width,
			LimSiz:   db.limsiz,
			Slots:    db.slots,
			FileSize: db.heapEnd,
			Garbage:  db.garbage,
		}
		if !db.live.IsEmpty() {
			s.Min, s.Max = db.live.Minimum(), db.live.Maximum()
		}
		return nil
	})
	return s, err
}

func (db *DB) String() string {
	return fmt.Sprintf("fdb(%s)", db.path)
}
