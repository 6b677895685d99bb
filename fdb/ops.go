package fdb

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/andreyvit/cabinet"
)

// read returns a copy of the value of id, or nil if absent.
func (db *DB) read(id uint64) ([]byte, error) {
	if !db.live.Contains(id) {
		return nil, nil
	}
	s := db.slot(id)
	if db.width > 0 {
		l1 := int(getPrefix(s, db.prefix))
		if l1 == 0 || l1-1 > db.width {
			return nil, cabinet.DataErrorf(cabinet.Clone(s), int(db.slotOff(id)), nil, "bad slot")
		}
		return cabinet.Clone(s[db.prefix : db.prefix+l1-1]), nil
	}
	p := decodePtr(s)
	if p.len1 == 0 || p.len1-1 > p.cap {
		return nil, cabinet.DataErrorf(cabinet.Clone(s), int(db.slotOff(id)), nil, "bad value pointer")
	}
	val := make([]byte, p.len1-1)
	if len(val) == 0 {
		return val, nil
	}
	if _, err := db.f.ReadAt(val, p.off); err != nil {
		return nil, cabinet.IOError(err)
	}
	return val, nil
}

// write stores val under id, growing the table when needed.
func (db *DB) write(id uint64, val []byte) error {
	if err := db.ensureSlot(id); err != nil {
		return err
	}
	s := db.slot(id)
	if db.width > 0 {
		if len(val) > db.width {
			val = val[:db.width]
		}
		putPrefix(s, db.prefix, uint32(len(val)+1))
		n := copy(s[db.prefix:], val)
		clear(s[db.prefix+n:])
		db.live.Add(id)
		return nil
	}

	if int64(len(val)) >= 1<<32-1 {
		return fmt.Errorf("%w: value of %d bytes is too large", cabinet.ErrInvalidState, len(val))
	}
	p := decodePtr(s)
	if p.len1 == 0 || int64(len(val)) > int64(p.cap) {
		if p.len1 != 0 {
			db.garbage += int64(p.cap)
		}
		size := alignUp(max(int64(len(val)), 1), heapAlign)
		off := alignUp(db.heapEnd, heapAlign)
		if off+size > db.limsiz {
			return fmt.Errorf("%w: file would exceed the size limit of %d bytes", cabinet.ErrInvalidState, db.limsiz)
		}
		p = ptr{off: off, cap: uint32(size)}
		db.heapEnd = off + size
	}
	// the whole block is written so that the heap end is always on disk
	block := make([]byte, p.cap)
	copy(block, val)
	if _, err := db.f.WriteAt(block, p.off); err != nil {
		return cabinet.IOError(err)
	}
	p.len1 = uint32(len(val) + 1)
	p.encode(s)
	db.live.Add(id)
	return nil
}

func (db *DB) remove(id uint64) {
	s := db.slot(id)
	if db.width == 0 {
		db.garbage += int64(decodePtr(s).cap)
	}
	clear(s)
	db.live.Remove(id)
}

// ensureSlot grows the table to hold id. A table at the end of the file grows
// in place, otherwise it moves to the end.
func (db *DB) ensureSlot(id uint64) error {
	if id < db.slots {
		return nil
	}
	newOff := db.tableOff
	if db.tableEnd() < db.heapEnd {
		newOff = alignUp(db.heapEnd, heapAlign)
	}
	limit := db.maxSlots(newOff)
	if id >= limit {
		return fmt.Errorf("%w: id %d is beyond the size limit of %d bytes", cabinet.ErrInvalidState, id, db.limsiz)
	}
	n := min(max(db.slots*2, id+1), limit)
	oldSize := db.tableSize()

	var saved []byte
	if newOff != db.tableOff {
		saved = cabinet.Clone(db.table)
	}
	if err := db.unmapTable(); err != nil {
		db.fatal = true
		return err
	}
	db.slots = n
	if newOff != db.tableOff {
		db.garbage += oldSize
		db.tableOff = newOff
	}
	if err := db.f.Truncate(db.tableEnd()); err != nil {
		db.fatal = true
		return cabinet.IOError(err)
	}
	if err := db.mapTable(); err != nil {
		db.fatal = true
		return err
	}
	if saved != nil {
		copy(db.table, saved)
		db.heapEnd = db.tableEnd()
		// the header must not point at the old table once writes go to the new one
		if err := db.writeHeader(); err != nil {
			return err
		}
	} else {
		db.heapEnd = max(db.heapEnd, db.tableEnd())
	}
	if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "fdb: table grown", slog.String("path", db.path), slog.Uint64("slots", n), slog.Int64("offset", db.tableOff))
	}
	return nil
}

type putMode int

const (
	putOver putMode = iota
	putKeep
	putCat
)

func (db *DB) put(id uint64, val []byte, mode putMode) error {
	if db.live.Contains(id) {
		switch mode {
		case putKeep:
			return cabinet.ErrKeyExists
		case putCat:
			old, err := db.read(id)
			if err != nil {
				return err
			}
			val = append(old, val...)
		}
	}
	return db.write(id, val)
}

// Put stores val under id. Values longer than the width are truncated.
func (db *DB) Put(id uint64, val []byte) error {
	return db.call("fdb.put", &id, true, func() error {
		return db.put(id, val, putOver)
	})
}

func (db *DB) PutKeep(id uint64, val []byte) error {
	return db.call("fdb.putkeep", &id, true, func() error {
		return db.put(id, val, putKeep)
	})
}

// PutCat appends val to the value of id, truncating the result to the width.
func (db *DB) PutCat(id uint64, val []byte) error {
	return db.call("fdb.putcat", &id, true, func() error {
		return db.put(id, val, putCat)
	})
}

func (db *DB) Out(id uint64) error {
	return db.call("fdb.out", &id, true, func() error {
		if !db.live.Contains(id) {
			return cabinet.ErrNotFound
		}
		db.remove(id)
		return nil
	})
}

func (db *DB) Get(id uint64) ([]byte, error) {
	var val []byte
	err := db.call("fdb.get", &id, false, func() error {
		v, err := db.read(id)
		if err != nil {
			return err
		}
		if v == nil {
			return cabinet.ErrNotFound
		}
		val = v
		return nil
	})
	return val, err
}

func (db *DB) Has(id uint64) (bool, error) {
	var ok bool
	err := db.call("fdb.has", &id, false, func() error {
		ok = db.live.Contains(id)
		return nil
	})
	return ok, err
}

func (db *DB) Vsiz(id uint64) (int, error) {
	var n int
	err := db.call("fdb.vsiz", &id, false, func() error {
		if !db.live.Contains(id) {
			return cabinet.ErrNotFound
		}
		s := db.slot(id)
		if db.width > 0 {
			n = int(getPrefix(s, db.prefix)) - 1
		} else {
			n = int(decodePtr(s).len1) - 1
		}
		return nil
	})
	return n, err
}

// AddInt adds n to the 4-byte integer stored under id, creating it if
// absent, and returns the sum. The width must fit the number.
func (db *DB) AddInt(id uint64, n int32) (int32, error) {
	var sum int32
	err := db.call("fdb.addint", &id, true, func() error {
		if db.width > 0 && db.width < 4 {
			return fmt.Errorf("%w: width %d cannot hold an integer", cabinet.ErrTypeMismatch, db.width)
		}
		old, err := db.read(id)
		if err != nil {
			return err
		}
		val, v, err := cabinet.AddInt(old, n)
		if err != nil {
			return err
		}
		sum = v
		return db.write(id, val)
	})
	return sum, err
}

func (db *DB) AddDouble(id uint64, n float64) (float64, error) {
	var sum float64
	err := db.call("fdb.adddouble", &id, true, func() error {
		if db.width > 0 && db.width < 8 {
			return fmt.Errorf("%w: width %d cannot hold a double", cabinet.ErrTypeMismatch, db.width)
		}
		old, err := db.read(id)
		if err != nil {
			return err
		}
		val, v, err := cabinet.AddDouble(old, n)
		if err != nil {
			return err
		}
		sum = v
		return db.write(id, val)
	})
	return sum, err
}
