package hdb

import (
	"context"
	"log/slog"

	"github.com/andreyvit/cabinet"
	"github.com/andreyvit/cabinet/mmap"
)

// TranBegin starts a transaction. Everything written until TranCommit or
// TranAbort can be rolled back, including after a crash.
func (db *DB) TranBegin() error {
	defer db.guard.Lock()()
	if err := db.ready(true); err != nil {
		return db.opErr("hdb.tranbegin", nil, err)
	}
	if db.tran {
		return db.opErr("hdb.tranbegin", nil, cabinet.ErrTranActive)
	}
	return db.opErr("hdb.tranbegin", nil, db.tranBegin())
}

func (db *DB) tranBegin() error {
	if err := db.sync(); err != nil {
		return err
	}
	if err := db.jrnl.Begin(db.fsiz); err != nil {
		return cabinet.IOError(err)
	}
	db.tran = true
	if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "hdb: tran begin", slog.String("path", db.path), slog.Int64("fsiz", db.fsiz))
	}
	return nil
}

func (db *DB) TranCommit() error {
	defer db.guard.Lock()()
	if err := db.ready(true); err != nil {
		return db.opErr("hdb.trancommit", nil, err)
	}
	if !db.tran {
		return db.opErr("hdb.trancommit", nil, cabinet.ErrNoTran)
	}
	return db.opErr("hdb.trancommit", nil, db.tranCommit())
}

func (db *DB) tranCommit() error {
	if err := db.flushAsync(); err != nil {
		return err
	}
	if err := db.writeMeta(); err != nil {
		return err
	}
	if err := mmap.Fdatasync(db.f, nil); err != nil {
		return cabinet.IOError(err)
	}
	db.tran = false
	if err := db.jrnl.Commit(); err != nil {
		return cabinet.IOError(err)
	}
	if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "hdb: tran commit", slog.String("path", db.path), slog.Int64("fsiz", db.fsiz))
	}
	return db.trimFile()
}

// TranAbort restores the database to its state at TranBegin. If the rollback
// itself fails, the handle is unusable until reopened, and the journal is left
// for recovery.
func (db *DB) TranAbort() error {
	defer db.guard.Lock()()
	if db.f == nil {
		return db.opErr("hdb.tranabort", nil, cabinet.ErrNotOpen)
	}
	if !db.tran {
		return db.opErr("hdb.tranabort", nil, cabinet.ErrNoTran)
	}
	return db.opErr("hdb.tranabort", nil, db.tranAbort())
}

func (db *DB) tranAbort() error {
	db.async.Clear()
	db.asyncBytes = 0
	db.tran = false
	if err := db.jrnl.Rollback(db.f); err != nil {
		db.fatal = true
		db.logger.LogAttrs(context.Background(), slog.LevelError, "hdb: rollback failed", slog.String("path", db.path), slog.Any("err", err))
		return cabinet.IOError(err)
	}
	if err := db.loadMeta(); err != nil {
		db.fatal = true
		return err
	}
	if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "hdb: tran abort", slog.String("path", db.path), slog.Int64("fsiz", db.fsiz))
	}
	return nil
}

// InTran reports whether a transaction is active.
func (db *DB) InTran() bool {
	defer db.guard.Lock()()
	return db.tran
}
