package bdb

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/andreyvit/cabinet"
)

type cursorState int

const (
	unpositioned cursorState = iota
	positioned
	exhausted
)

// PutMode says where Cursor.Put stores its value.
type PutMode int

const (
	PutCurrent PutMode = iota // replace the current value
	PutBefore                 // insert before the current value
	PutAfter                  // insert after the current value, and move onto it
)

// Cursor walks the database one value at a time, stepping through duplicates
// before moving to the next key.
//
// A cursor remembers its position as a key, a duplicate index and the value
// found there, and looks it up again on every call. If another call removed
// or changed that value, or moved the duplicates of its key to other
// indexes, the cursor fails with ErrNotFound instead of reading whatever
// took its place.
type Cursor struct {
	db    *DB
	state cursorState
	key   []byte
	vidx  int
	val   []byte
	gen   uint64
}

// Cursor returns an unpositioned cursor. It must not be used after the
// database is closed.
func (db *DB) Cursor() *Cursor {
	return &Cursor{db: db}
}

func (c *Cursor) set(p pos, last bool) {
	r := p.rec()
	c.state = positioned
	c.gen = c.db.gen
	c.key = r.key
	c.vidx = 0
	if last {
		c.vidx = len(r.vals) - 1
	}
	c.val = r.vals[c.vidx]
}

func (c *Cursor) setOrExhaust(p pos, ok bool, last bool) error {
	if !ok {
		c.exhaust()
		return cabinet.ErrNotFound
	}
	c.set(p, last)
	return nil
}

func (c *Cursor) exhaust() {
	c.state = exhausted
	c.key, c.val, c.vidx = nil, nil, 0
}

// resolve finds the current position again.
func (c *Cursor) resolve() (pos, []uint64, error) {
	switch c.state {
	case unpositioned:
		return pos{}, nil, fmt.Errorf("%w: cursor not positioned", cabinet.ErrNotFound)
	case exhausted:
		return pos{}, nil, fmt.Errorf("%w: cursor past the end", cabinet.ErrNotFound)
	}
	db := c.db
	lf, path, err := db.searchLeaf(c.key)
	if err != nil {
		return pos{}, nil, err
	}
	i, found := lf.search(c.key, db.cmp)
	if !found {
		return pos{}, nil, fmt.Errorf("%w: cursor record was removed", cabinet.ErrNotFound)
	}
	r := lf.recs[i]
	if r.gen > c.gen {
		return pos{}, nil, fmt.Errorf("%w: cursor value was moved", cabinet.ErrNotFound)
	}
	if c.vidx >= len(r.vals) || !bytes.Equal(r.vals[c.vidx], c.val) {
		return pos{}, nil, fmt.Errorf("%w: cursor value was changed", cabinet.ErrNotFound)
	}
	c.gen = db.gen
	return pos{lf, i}, path, nil
}

func (c *Cursor) First() error {
	return c.db.call("bdb.curfirst", nil, false, func() error {
		p, ok, err := c.db.firstPos()
		if err != nil {
			return err
		}
		return c.setOrExhaust(p, ok, false)
	})
}

func (c *Cursor) Last() error {
	return c.db.call("bdb.curlast", nil, false, func() error {
		p, ok, err := c.db.lastPos()
		if err != nil {
			return err
		}
		return c.setOrExhaust(p, ok, true)
	})
}

// Jump moves to the first value of the first key >= key.
func (c *Cursor) Jump(key []byte) error {
	return c.db.call("bdb.curjump", key, false, func() error {
		p, ok, err := c.db.seek(key)
		if err != nil {
			return err
		}
		return c.setOrExhaust(p, ok, false)
	})
}

// JumpBack moves to the last value of the last key <= key.
func (c *Cursor) JumpBack(key []byte) error {
	return c.db.call("bdb.curjumpback", key, false, func() error {
		p, ok, err := c.db.seekLast(key)
		if err != nil {
			return err
		}
		return c.setOrExhaust(p, ok, true)
	})
}

// Next moves to the next value, which is the next duplicate of the same key
// or the first value of the following key. Moving past the last value leaves
// the cursor exhausted and returns ErrNotFound.
func (c *Cursor) Next() error {
	return c.db.call("bdb.curnext", nil, false, func() error {
		p, _, err := c.resolve()
		if err != nil {
			return err
		}
		r := p.rec()
		if c.vidx+1 < len(r.vals) {
			c.vidx++
			c.val = r.vals[c.vidx]
			return nil
		}
		np, ok, err := c.db.nextPos(p)
		if err != nil {
			return err
		}
		return c.setOrExhaust(np, ok, false)
	})
}

func (c *Cursor) Prev() error {
	return c.db.call("bdb.curprev", nil, false, func() error {
		p, _, err := c.resolve()
		if err != nil {
			return err
		}
		if c.vidx > 0 {
			c.vidx--
			c.val = p.rec().vals[c.vidx]
			return nil
		}
		np, ok, err := c.db.prevPos(p)
		if err != nil {
			return err
		}
		return c.setOrExhaust(np, ok, true)
	})
}

func (c *Cursor) Key() ([]byte, error) {
	k, _, err := c.Rec()
	return k, err
}

func (c *Cursor) Val() ([]byte, error) {
	_, v, err := c.Rec()
	return v, err
}

// Rec returns the key and value at the cursor.
func (c *Cursor) Rec() (key, val []byte, err error) {
	err = c.db.call("bdb.currec", nil, false, func() error {
		p, _, err := c.resolve()
		if err != nil {
			return err
		}
		key = cabinet.Clone(p.rec().key)
		val = cabinet.Clone(c.val)
		return nil
	})
	return key, val, err
}

// Put stores val relative to the current value.
func (c *Cursor) Put(val []byte, mode PutMode) error {
	return c.db.call("bdb.curput", c.key, true, func() error {
		p, _, err := c.resolve()
		if err != nil {
			return err
		}
		db := c.db
		r := p.rec()
		v := cabinet.Clone(val)
		switch mode {
		case PutCurrent:
			r.vals[c.vidx] = v
		case PutBefore:
			r.vals = slices.Insert(r.vals, c.vidx, v)
			db.meta.Rnum++
		case PutAfter:
			c.vidx++
			r.vals = slices.Insert(r.vals, c.vidx, v)
			db.meta.Rnum++
		default:
			return fmt.Errorf("%w: unknown cursor put mode %d", cabinet.ErrConfig, mode)
		}
		if mode != PutCurrent {
			db.moved(r)
			c.gen = db.gen
		}
		c.val = v
		p.lf.dirty = true
		db.metaDirty = true
		return nil
	})
}

// Out removes the current value and moves to the next one, leaving the cursor
// exhausted when there is none.
func (c *Cursor) Out() error {
	return c.db.call("bdb.curout", c.key, true, func() error {
		p, path, err := c.resolve()
		if err != nil {
			return err
		}
		db := c.db
		r := p.rec()
		db.meta.Rnum--
		db.metaDirty = true
		if len(r.vals) > 1 {
			r.vals = slices.Delete(r.vals, c.vidx, c.vidx+1)
			db.moved(r)
			c.gen = db.gen
			p.lf.dirty = true
			if c.vidx < len(r.vals) {
				c.val = r.vals[c.vidx]
				return nil
			}
			np, ok, err := db.nextPos(p)
			if err != nil {
				return err
			}
			if ok {
				c.set(np, false)
			} else {
				c.exhaust()
			}
			return nil
		}
		key := r.key
		if err := db.removeRecord(p.lf, p.i, path); err != nil {
			return err
		}
		np, ok, err := db.seek(key)
		if err != nil {
			return err
		}
		if ok {
			c.set(np, false)
		} else {
			c.exhaust()
		}
		return nil
	})
}
