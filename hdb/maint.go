package hdb

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/andreyvit/cabinet"
	"github.com/andreyvit/cabinet/mmap"
)

// Sync writes buffered puts and metadata, and makes them durable.
func (db *DB) Sync() error {
	defer db.guard.Lock()()
	if err := db.ready(true); err != nil {
		return db.opErr("hdb.sync", nil, err)
	}
	return db.opErr("hdb.sync", nil, db.sync())
}

func (db *DB) sync() error {
	if err := db.flushAsync(); err != nil {
		return err
	}
	if err := db.writeMeta(); err != nil {
		return err
	}
	if !db.tran {
		if err := db.trimFile(); err != nil {
			return err
		}
	}
	return cabinet.IOError(mmap.Fdatasync(db.f, nil))
}

// trimFile cuts off space freed at the end of the file. Never called inside a
// transaction, where the journal only covers the original extent.
func (db *DB) trimFile() error {
	st, err := db.f.Stat()
	if err != nil {
		return cabinet.IOError(err)
	}
	if st.Size() > db.fsiz {
		return cabinet.IOError(db.f.Truncate(db.fsiz))
	}
	return nil
}

// Optimize rebuilds the file with new tuning, dropping free space. Zero fields
// of t keep the current values, except BNum which is derived from the record
// count.
func (db *DB) Optimize(t Tuning) error {
	defer db.guard.Lock()()
	if err := db.ready(true); err != nil {
		return db.opErr("hdb.optimize", nil, err)
	}
	if db.tran {
		return db.opErr("hdb.optimize", nil, fmt.Errorf("%w: optimize inside a transaction", cabinet.ErrInvalidState))
	}
	return db.opErr("hdb.optimize", nil, db.optimize(t))
}

func (db *DB) optimize(t Tuning) error {
	if err := db.flushAsync(); err != nil {
		return err
	}
	if t.BNum == 0 {
		t.BNum = max(db.rnum*2+1, 1021)
	}
	if t.APow == 0 {
		t.APow = int(db.apow)
	}
	if t.FPow == 0 {
		t.FPow = int(db.fpow)
	}
	if t.Opts == 0 {
		t.Opts = db.opts
	}
	if err := t.Validate(); err != nil {
		return err
	}

	tmpPath := db.path + ".tmp"
	tmp := New()
	tmp.tuning = t
	tmp.kind = db.kind
	tmp.seedUUID = db.uuid
	tmp.logger = db.logger
	if err := tmp.Open(tmpPath, cabinet.Writer|cabinet.Create|cabinet.Truncate|cabinet.NoLock); err != nil {
		return err
	}
	err := db.walk(func(key, val []byte) error {
		return tmp.put(key, val, putOver)
	})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return err
	}

	oldSize := db.fsiz
	mode := db.mode &^ (cabinet.Create | cabinet.Truncate)
	db.lock.Unlock()
	db.f.Close()
	db.f = nil
	if err := os.Rename(tmpPath, db.path); err != nil {
		os.Remove(tmpPath)
		if oerr := db.open(db.path, mode); oerr != nil {
			db.logger.LogAttrs(context.Background(), slog.LevelError, "hdb: reopen after failed optimize failed", slog.String("path", db.path), slog.Any("err", oerr))
		}
		return cabinet.IOError(err)
	}
	if err := db.open(db.path, mode); err != nil {
		return err
	}
	if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "hdb: optimized", slog.String("path", db.path), slog.Int64("before", oldSize), slog.Int64("after", db.fsiz), slog.Uint64("bnum", db.bnum))
	}
	return nil
}

// Copy writes a consistent snapshot of the database to dest.
func (db *DB) Copy(dest string) error {
	defer db.guard.Lock()()
	if err := db.ready(false); err != nil {
		return db.opErr("hdb.copy", nil, err)
	}
	if db.writable() {
		if err := db.flushAsync(); err != nil {
			return db.opErr("hdb.copy", nil, err)
		}
		if err := db.writeMeta(); err != nil {
			return db.opErr("hdb.copy", nil, err)
		}
	}
	return db.opErr("hdb.copy", nil, cabinet.CopyFile(dest, io.NewSectionReader(db.f, 0, db.fsiz)))
}

// Vanish removes all records, keeping the tuning and identity of the file.
func (db *DB) Vanish() error {
	defer db.guard.Lock()()
	if err := db.ready(true); err != nil {
		return db.opErr("hdb.vanish", nil, err)
	}
	db.async.Clear()
	db.asyncBytes = 0
	return db.opErr("hdb.vanish", nil, db.vanish())
}

func (db *DB) vanish() error {
	const chunk = 64 * 1024
	zeros := make([]byte, chunk)
	start, end := db.bucketOff(0), db.poolOff()
	for off := start; off < end; off += chunk {
		n := min(int64(chunk), end-off)
		if err := db.writeAt(zeros[:n], off); err != nil {
			return err
		}
	}
	clear(db.buckets)
	db.pool.reset(db.poolCap())
	db.rnum = 0
	db.fsiz = db.frec
	if err := db.writeMeta(); err != nil {
		return err
	}
	if !db.tran {
		return db.trimFile()
	}
	return nil
}

type Stats struct {
	Kind        cabinet.FileKind
	UUID        string
	Records     int64
	FileSize    int64
	Buckets     uint64
	UsedBuckets uint64
	MaxChain    int
	APow        int
	FPow        int
	Opts        cabinet.TuneOpts
	FreeBlocks  int
	FreeBytes   int64
}

// Stats reports layout details, walking every bucket chain.
func (db *DB) Stats() (Stats, error) {
	defer db.guard.Lock()()
	if err := db.ready(false); err != nil {
		return Stats{}, db.opErr("hdb.stats", nil, err)
	}
	if db.writable() {
		if err := db.flushAsync(); err != nil {
			return Stats{}, db.opErr("hdb.stats", nil, err)
		}
	}
	s := Stats{
		Kind:       db.kind,
		UUID:       db.uuid.String(),
		Records:    db.rnum,
		FileSize:   db.fsiz,
		Buckets:    db.bnum,
		APow:       int(db.apow),
		FPow:       int(db.fpow),
		Opts:       db.opts,
		FreeBlocks: db.pool.len(),
		FreeBytes:  db.pool.totalSize(),
	}
	var hbuf [recHeaderSize]byte
	for _, off := range db.buckets {
		if off == 0 {
			continue
		}
		s.UsedBuckets++
		n := 0
		for off != 0 {
			if err := db.readAt(hbuf[:], off); err != nil {
				return s, db.opErr("hdb.stats", nil, err)
			}
			h, err := decodeRecHeader(hbuf[:], off)
			if err != nil {
				return s, db.opErr("hdb.stats", nil, err)
			}
			n++
			off = h.next
		}
		s.MaxChain = max(s.MaxChain, n)
	}
	return s, nil
}
