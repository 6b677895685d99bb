package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/andreyvit/cabinet"
	"github.com/andreyvit/cabinet/bdb"
	"github.com/andreyvit/cabinet/fdb"
	"github.com/andreyvit/cabinet/hdb"
	"github.com/andreyvit/cabinet/tdb"
)

// store is the part of every database kind the commands work with. Keys and
// values travel as strings.
type store interface {
	put(key string, vals []string, mode string) (string, error)
	get(key string) ([]string, error)
	out(key string) error
	list(prefix string, fn func(key, val string) bool) error
	inform(w io.Writer) error
	copy(dest string) error
	optimize(t *TuneFlags) error
	vanish() error
	close() error
}

func withStore(g *Globals, env *Env, path string, mode cabinet.Mode, f func(s store) error) error {
	s, err := openStore(g, env, path, mode, nil)
	if err != nil {
		return err
	}
	err = f(s)
	if cerr := s.close(); err == nil {
		err = cerr
	}
	return err
}

// detectType reads the kind of an existing file. Anything that is not a
// cabinet file is tried as a Bolt table.
func detectType(path string) (string, error) {
	kind, err := hdb.ReadKind(path)
	if errors.Is(err, cabinet.ErrCorruptRecord) {
		if k, ferr := fdb.ReadKind(path); ferr == nil {
			kind, err = k, nil
		} else {
			return "table", nil
		}
	}
	if err != nil {
		return "", err
	}
	switch kind {
	case cabinet.KindHash:
		return "hash", nil
	case cabinet.KindBTree:
		return "btree", nil
	case cabinet.KindFixed:
		return "fixed", nil
	case cabinet.KindTable, cabinet.KindTableBTree:
		return "table", nil
	}
	return "", cabinet.DataErrorf(nil, 0, nil, "%s has unknown kind %v", path, kind)
}

func openStore(g *Globals, env *Env, path string, mode cabinet.Mode, t *TuneFlags) (store, error) {
	if g.NoLock {
		mode |= cabinet.NoLock
	}
	typ := g.Type
	if typ == "auto" {
		var err error
		if typ, err = detectType(path); err != nil {
			return nil, err
		}
	}
	if t == nil {
		t = &TuneFlags{}
	}
	opts, err := t.tuneOpts()
	if err != nil {
		return nil, err
	}

	switch typ {
	case "hash":
		db, err := hdb.Open(path, mode, hdb.Options{
			Tuning:  hdb.Tuning{BNum: t.BNum, APow: t.APow, FPow: t.FPow, Opts: opts},
			Logger:  env.Logger,
			Verbose: g.Verbose,
		})
		if err != nil {
			return nil, err
		}
		return &hashStore{db}, nil
	case "btree":
		db, err := bdb.Open(path, mode, bdb.Options{
			Tuning:     bdb.Tuning{LMemb: t.LMemb, NMemb: t.NMemb, BNum: t.BNum, APow: t.APow, FPow: t.FPow, Opts: opts},
			Comparator: t.Cmp,
			Logger:     env.Logger,
			Verbose:    g.Verbose,
		})
		if err != nil {
			return nil, err
		}
		return &btreeStore{db}, nil
	case "fixed":
		db, err := fdb.Open(path, mode, fdb.Options{
			Tuning:  fdb.Tuning{Width: t.Width, LimSiz: t.LimSiz},
			Logger:  env.Logger,
			Verbose: g.Verbose,
		})
		if err != nil {
			return nil, err
		}
		return &fixedStore{db}, nil
	default:
		backend, err := tdb.ParseBackend(g.Backend)
		if err != nil {
			return nil, err
		}
		db, err := tdb.Open(path, mode, tdb.Options{
			Tuning:  tdb.Tuning{BNum: t.BNum, APow: t.APow, FPow: t.FPow, Opts: opts},
			Backend: backend,
			Logger:  env.Logger,
			Verbose: g.Verbose,
		})
		if err != nil {
			return nil, err
		}
		return &tableStore{db}, nil
	}
}

func single(vals []string) ([]byte, error) {
	if len(vals) != 1 {
		return nil, fmt.Errorf("%w: expected one value, got %d", cabinet.ErrConfig, len(vals))
	}
	return []byte(vals[0]), nil
}

func badMode(mode, typ string) error {
	return fmt.Errorf("%w: put mode %s does not apply to %s databases", cabinet.ErrConfig, mode, typ)
}

func printStats(w io.Writer, pairs ...any) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if _, err := fmt.Fprintf(w, "%s: %v\n", pairs[i], pairs[i+1]); err != nil {
			return err
		}
	}
	return nil
}

// putNumber handles the addint and adddbl put modes.
func putNumber(mode string, vals []string, addInt func(int32) (int32, error), addDouble func(float64) (float64, error)) (string, error) {
	if len(vals) != 1 {
		return "", fmt.Errorf("%w: expected one number, got %d values", cabinet.ErrConfig, len(vals))
	}
	if mode == "addint" {
		n, err := strconv.ParseInt(vals[0], 10, 32)
		if err != nil {
			return "", fmt.Errorf("%w: %q is not an integer", cabinet.ErrTypeMismatch, vals[0])
		}
		sum, err := addInt(int32(n))
		return strconv.Itoa(int(sum)), err
	}
	n, err := strconv.ParseFloat(vals[0], 64)
	if err != nil {
		return "", fmt.Errorf("%w: %q is not a number", cabinet.ErrTypeMismatch, vals[0])
	}
	sum, err := addDouble(n)
	return strconv.FormatFloat(sum, 'g', -1, 64), err
}

type hashStore struct{ db *hdb.DB }

func (s *hashStore) put(key string, vals []string, mode string) (string, error) {
	k := []byte(key)
	switch mode {
	case "addint", "adddbl":
		return putNumber(mode, vals,
			func(n int32) (int32, error) { return s.db.AddInt(k, n) },
			func(n float64) (float64, error) { return s.db.AddDouble(k, n) })
	}
	v, err := single(vals)
	if err != nil {
		return "", err
	}
	switch mode {
	case "over":
		return "", s.db.Put(k, v)
	case "keep":
		return "", s.db.PutKeep(k, v)
	case "cat":
		return "", s.db.PutCat(k, v)
	}
	return "", badMode(mode, "hash")
}

func (s *hashStore) get(key string) ([]string, error) {
	v, err := s.db.Get([]byte(key))
	if err != nil {
		return nil, err
	}
	return []string{string(v)}, nil
}

func (s *hashStore) out(key string) error { return s.db.Out([]byte(key)) }

func (s *hashStore) list(prefix string, fn func(key, val string) bool) error {
	it := s.db.Iter()
	for it.Next() {
		if !bytes.HasPrefix(it.Key(), []byte(prefix)) {
			continue
		}
		if !fn(string(it.Key()), string(it.Value())) {
			break
		}
	}
	return it.Err()
}

func (s *hashStore) inform(w io.Writer) error {
	st, err := s.db.Stats()
	if err != nil {
		return err
	}
	return printStats(w,
		"type", st.Kind,
		"uuid", st.UUID,
		"records", st.Records,
		"file size", st.FileSize,
		"buckets", st.Buckets,
		"used buckets", st.UsedBuckets,
		"longest chain", st.MaxChain,
		"alignment power", st.APow,
		"free pool power", st.FPow,
		"options", st.Opts,
		"free blocks", st.FreeBlocks,
		"free bytes", st.FreeBytes,
	)
}

func (s *hashStore) copy(dest string) error { return s.db.Copy(dest) }

func (s *hashStore) optimize(t *TuneFlags) error {
	opts, err := t.tuneOpts()
	if err != nil {
		return err
	}
	return s.db.Optimize(hdb.Tuning{BNum: t.BNum, APow: t.APow, FPow: t.FPow, Opts: opts})
}

func (s *hashStore) vanish() error { return s.db.Vanish() }
func (s *hashStore) close() error  { return s.db.Close() }

type btreeStore struct{ db *bdb.DB }

func (s *btreeStore) put(key string, vals []string, mode string) (string, error) {
	k := []byte(key)
	switch mode {
	case "addint", "adddbl":
		return putNumber(mode, vals,
			func(n int32) (int32, error) { return s.db.AddInt(k, n) },
			func(n float64) (float64, error) { return s.db.AddDouble(k, n) })
	case "dup":
		if len(vals) == 0 {
			return "", fmt.Errorf("%w: expected at least one value", cabinet.ErrConfig)
		}
		for _, v := range vals {
			if err := s.db.PutDup(k, []byte(v)); err != nil {
				return "", err
			}
		}
		return "", nil
	}
	v, err := single(vals)
	if err != nil {
		return "", err
	}
	switch mode {
	case "over":
		return "", s.db.Put(k, v)
	case "keep":
		return "", s.db.PutKeep(k, v)
	case "cat":
		return "", s.db.PutCat(k, v)
	}
	return "", badMode(mode, "btree")
}

func (s *btreeStore) get(key string) ([]string, error) {
	vals, err := s.db.GetList([]byte(key))
	if err != nil {
		return nil, err
	}
	lines := make([]string, len(vals))
	for i, v := range vals {
		lines[i] = string(v)
	}
	return lines, nil
}

func (s *btreeStore) out(key string) error { return s.db.OutList([]byte(key)) }

func (s *btreeStore) list(prefix string, fn func(key, val string) bool) error {
	cur := s.db.Cursor()
	var err error
	if prefix == "" {
		err = cur.First()
	} else {
		err = cur.Jump([]byte(prefix))
	}
	for err == nil {
		var k, v []byte
		if k, v, err = cur.Rec(); err != nil {
			break
		}
		if !bytes.HasPrefix(k, []byte(prefix)) || !fn(string(k), string(v)) {
			return nil
		}
		err = cur.Next()
	}
	if errors.Is(err, cabinet.ErrNotFound) {
		return nil
	}
	return err
}

func (s *btreeStore) inform(w io.Writer) error {
	st, err := s.db.Stats()
	if err != nil {
		return err
	}
	return printStats(w,
		"type", st.Hash.Kind,
		"uuid", st.Hash.UUID,
		"comparator", st.Cmp,
		"records", st.Records,
		"file size", st.FileSize,
		"leaves", st.Leaves,
		"nodes", st.Nodes,
		"depth", st.Depth,
		"leaf members", st.LMemb,
		"node members", st.NMemb,
		"cached pages", st.Cached,
		"buckets", st.Hash.Buckets,
		"free bytes", st.Hash.FreeBytes,
	)
}

func (s *btreeStore) copy(dest string) error { return s.db.Copy(dest) }

func (s *btreeStore) optimize(t *TuneFlags) error {
	opts, err := t.tuneOpts()
	if err != nil {
		return err
	}
	return s.db.Optimize(bdb.Tuning{LMemb: t.LMemb, NMemb: t.NMemb, BNum: t.BNum, APow: t.APow, FPow: t.FPow, Opts: opts})
}

func (s *btreeStore) vanish() error { return s.db.Vanish() }
func (s *btreeStore) close() error  { return s.db.Close() }

type fixedStore struct{ db *fdb.DB }

func (s *fixedStore) put(key string, vals []string, mode string) (string, error) {
	id, err := s.db.ResolveKey(key)
	if err != nil {
		return "", err
	}
	switch mode {
	case "addint", "adddbl":
		return putNumber(mode, vals,
			func(n int32) (int32, error) { return s.db.AddInt(id, n) },
			func(n float64) (float64, error) { return s.db.AddDouble(id, n) })
	}
	v, err := single(vals)
	if err != nil {
		return "", err
	}
	switch mode {
	case "over":
		err = s.db.Put(id, v)
	case "keep":
		err = s.db.PutKeep(id, v)
	case "cat":
		err = s.db.PutCat(id, v)
	default:
		return "", badMode(mode, "fixed")
	}
	if err == nil && key != strconv.FormatUint(id, 10) {
		return strconv.FormatUint(id, 10), nil
	}
	return "", err
}

func (s *fixedStore) get(key string) ([]string, error) {
	id, err := s.db.ResolveKey(key)
	if err != nil {
		return nil, err
	}
	v, err := s.db.Get(id)
	if err != nil {
		return nil, err
	}
	return []string{string(v)}, nil
}

func (s *fixedStore) out(key string) error {
	id, err := s.db.ResolveKey(key)
	if err != nil {
		return err
	}
	return s.db.Out(id)
}

func (s *fixedStore) list(prefix string, fn func(key, val string) bool) error {
	it := s.db.Iter()
	for it.Next() {
		key := strconv.FormatUint(it.Key(), 10)
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if !fn(key, string(it.Value())) {
			break
		}
	}
	return it.Err()
}

func (s *fixedStore) inform(w io.Writer) error {
	st, err := s.db.Stats()
	if err != nil {
		return err
	}
	return printStats(w,
		"type", cabinet.KindFixed,
		"uuid", st.UUID,
		"records", st.Records,
		"file size", st.FileSize,
		"width", st.Width,
		"size limit", st.LimSiz,
		"slots", st.Slots,
		"garbage", st.Garbage,
		"min id", st.Min,
		"max id", st.Max,
	)
}

func (s *fixedStore) copy(dest string) error { return s.db.Copy(dest) }

func (s *fixedStore) optimize(t *TuneFlags) error {
	return s.db.Optimize(fdb.Tuning{Width: t.Width, LimSiz: t.LimSiz})
}

func (s *fixedStore) vanish() error { return s.db.Vanish() }
func (s *fixedStore) close() error  { return s.db.Close() }

type tableStore struct{ db *tdb.DB }

func parseColumns(vals []string) (tdb.Columns, error) {
	var cols tdb.Columns
	for _, v := range vals {
		name, value, ok := strings.Cut(v, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: column %q is not name=value", cabinet.ErrConfig, v)
		}
		cols.Set(name, value)
	}
	return cols, nil
}

func formatColumns(cols tdb.Columns) string {
	parts := make([]string, 0, cols.Len())
	for name, value := range cols.All() {
		parts = append(parts, name+"="+value)
	}
	return strings.Join(parts, "\t")
}

func (s *tableStore) put(key string, vals []string, mode string) (string, error) {
	cols, err := parseColumns(vals)
	if err != nil {
		return "", err
	}
	k := []byte(key)
	switch mode {
	case "over":
		return "", s.db.Put(k, cols)
	case "keep":
		return "", s.db.PutKeep(k, cols)
	case "cat":
		return "", s.db.PutCat(k, cols)
	}
	return "", badMode(mode, "table")
}

func (s *tableStore) get(key string) ([]string, error) {
	cols, err := s.db.Get([]byte(key))
	if err != nil {
		return nil, err
	}
	var lines []string
	for name, value := range cols.All() {
		lines = append(lines, name+"\t"+value)
	}
	return lines, nil
}

func (s *tableStore) out(key string) error { return s.db.Delete([]byte(key)) }

func (s *tableStore) list(prefix string, fn func(key, val string) bool) error {
	q := s.db.Query().Order("", tdb.StrAsc)
	if prefix != "" {
		q.Filter("", tdb.StrBW, prefix)
	}
	recs, err := q.Records()
	if err != nil {
		return err
	}
	for _, r := range recs {
		if !fn(string(r.PK), formatColumns(r.Cols)) {
			break
		}
	}
	return nil
}

func (s *tableStore) inform(w io.Writer) error {
	return printStats(w,
		"type", cabinet.KindTable,
		"backend", s.db.Backend(),
		"records", s.db.Rnum(),
		"file size", s.db.Fsiz(),
	)
}

func (s *tableStore) copy(dest string) error      { return s.db.Copy(dest) }
func (s *tableStore) optimize(t *TuneFlags) error { return s.db.Optimize() }
func (s *tableStore) vanish() error               { return s.db.Vanish() }
func (s *tableStore) close() error                { return s.db.Close() }
