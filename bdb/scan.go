package bdb

import (
	"bytes"
	"context"
	"iter"
	"log/slog"

	"github.com/andreyvit/cabinet"
)

const (
	debugLogScans = false
)

// KeyRange defines a range of keys under the database order. The constructors
// use mnemonics: O means open, I means inclusive, E means exclusive; the first
// letter is for the lower bound, the second for the upper bound.
//
// Prefix matches keys byte-wise, so it only selects a contiguous range under
// the lexical order.
type KeyRange struct {
	Prefix   []byte
	Lower    []byte
	Upper    []byte
	LowerInc bool
	UpperInc bool
	Reverse  bool
}

func OO() KeyRange            { return KeyRange{} }
func IO(l []byte) KeyRange    { return KeyRange{Lower: l, LowerInc: true} }
func EO(l []byte) KeyRange    { return KeyRange{Lower: l} }
func OI(u []byte) KeyRange    { return KeyRange{Upper: u, UpperInc: true} }
func OE(u []byte) KeyRange    { return KeyRange{Upper: u} }
func II(l, u []byte) KeyRange { return KeyRange{Lower: l, Upper: u, LowerInc: true, UpperInc: true} }
func IE(l, u []byte) KeyRange { return KeyRange{Lower: l, Upper: u, LowerInc: true} }
func EI(l, u []byte) KeyRange { return KeyRange{Lower: l, Upper: u, UpperInc: true} }
func EE(l, u []byte) KeyRange { return KeyRange{Lower: l, Upper: u} }

func Prefix(p []byte) KeyRange                { return KeyRange{Prefix: p} }
func (r KeyRange) Prefixed(p []byte) KeyRange { r.Prefix = p; return r }
func (r KeyRange) Reversed() KeyRange         { r.Reverse = true; return r }

func (db *DB) rangeStart(r *KeyRange) (pos, bool, error) {
	var p pos
	var ok, skipEqual bool
	var bound []byte
	var err error
	if r.Reverse {
		switch {
		case r.Upper != nil:
			bound = r.Upper
			skipEqual = !r.UpperInc
			p, ok, err = db.seekLast(bound)
		case r.Prefix != nil:
			if bound = prefixEnd(r.Prefix); bound != nil {
				skipEqual = true
				p, ok, err = db.seekLast(bound)
			} else {
				p, ok, err = db.lastPos()
			}
		default:
			p, ok, err = db.lastPos()
		}
	} else {
		switch {
		case r.Lower != nil:
			bound = r.Lower
			skipEqual = !r.LowerInc
			p, ok, err = db.seek(bound)
		case r.Prefix != nil:
			p, ok, err = db.seek(r.Prefix)
		default:
			p, ok, err = db.firstPos()
		}
	}
	if err != nil || !ok {
		return p, false, err
	}
	if debugLogScans {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "bdb: scan start", cabinet.KeyAttr("bound", bound), cabinet.KeyAttr("key", p.rec().key))
	}
	if skipEqual && db.cmp(p.rec().key, bound) == 0 {
		return db.rangeStep(r, p)
	}
	return p, r.match(db, p.rec().key), nil
}

func (db *DB) rangeStep(r *KeyRange, p pos) (pos, bool, error) {
	var ok bool
	var err error
	if r.Reverse {
		p, ok, err = db.prevPos(p)
	} else {
		p, ok, err = db.nextPos(p)
	}
	if err != nil || !ok {
		return p, false, err
	}
	return p, r.match(db, p.rec().key), nil
}

// match checks the far bound; the near one is handled by rangeStart.
func (r *KeyRange) match(db *DB, k []byte) bool {
	if r.Prefix != nil && !bytes.HasPrefix(k, r.Prefix) {
		return false
	}
	if r.Reverse {
		if r.Lower != nil {
			c := db.cmp(k, r.Lower)
			if c < 0 || (c == 0 && !r.LowerInc) {
				return false
			}
		}
	} else {
		if r.Upper != nil {
			c := db.cmp(k, r.Upper)
			if c > 0 || (c == 0 && !r.UpperInc) {
				return false
			}
		}
	}
	return true
}

// Scan returns up to max keys of r, in order. A negative max means no limit.
func (db *DB) Scan(r KeyRange, max int) ([][]byte, error) {
	var keys [][]byte
	err := db.call("bdb.scan", nil, false, func() error {
		p, ok, err := db.rangeStart(&r)
		for ; err == nil && ok && (max < 0 || len(keys) < max); p, ok, err = db.rangeStep(&r, p) {
			keys = append(keys, cabinet.Clone(p.rec().key))
		}
		return err
	})
	return keys, err
}

// Range returns up to max keys between begin and end in ascending order. A
// nil bound is open; a negative max means no limit.
func (db *DB) Range(begin []byte, binc bool, end []byte, einc bool, max int) ([][]byte, error) {
	return db.Scan(KeyRange{Lower: begin, LowerInc: binc, Upper: end, UpperInc: einc}, max)
}

// RangeFwm returns up to max keys starting with prefix in ascending order.
func (db *DB) RangeFwm(prefix []byte, max int) ([][]byte, error) {
	return db.Scan(Prefix(cabinet.Clone(prefix)), max)
}

// All iterates over every value of r in key order, duplicates in insertion
// order. The database is locked only while a record is read, so the loop body
// may modify it; iteration continues from the first key after the last one
// seen. Iteration stops silently at the first error.
func (db *DB) All(r KeyRange) iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		var last []byte
		for {
			var key []byte
			var vals [][]byte
			err := db.call("bdb.iter", last, false, func() error {
				rr := r
				if last != nil {
					if rr.Reverse {
						rr.Upper, rr.UpperInc = last, false
					} else {
						rr.Lower, rr.LowerInc = last, false
					}
				}
				p, ok, err := db.rangeStart(&rr)
				if err != nil || !ok {
					return err
				}
				key, vals = cabinet.Clone(p.rec().key), cloneVals(p.rec().vals)
				return nil
			})
			if err != nil || key == nil {
				return
			}
			for _, v := range vals {
				if !yield(key, v) {
					return
				}
			}
			last = key
		}
	}
}

// prefixEnd returns the smallest key above every key starting with p, or nil
// if there is none.
func prefixEnd(p []byte) []byte {
	end := bytes.TrimRight(p, "\xff")
	if len(end) == 0 {
		return nil
	}
	end = cabinet.Clone(end)
	cabinet.Inc(end)
	return end
}

func cloneVals(vals [][]byte) [][]byte {
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = cabinet.Clone(v)
	}
	return out
}
