package fdb_test

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/cabinet"
	"github.com/andreyvit/cabinet/fdb"
	"github.com/andreyvit/cabinet/internal/cabtest"
)

const rw = cabinet.Writer | cabinet.Create

func open(t *testing.T, path string, opt fdb.Options) *fdb.DB {
	t.Helper()
	if opt.Logger == nil {
		opt.Logger = cabtest.Logger(t)
		opt.Verbose = true
	}
	db, err := fdb.Open(path, rw, opt)
	require.NoError(t, err)
	t.Cleanup(func() {
		if _, err := db.Path(); err == nil {
			db.Close()
		}
	})
	return db
}

func reopen(t *testing.T, db *fdb.DB) {
	t.Helper()
	path, err := db.Path()
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, db.Open(path, cabinet.Writer))
}

func get(t *testing.T, db *fdb.DB, id uint64) string {
	t.Helper()
	v, err := db.Get(id)
	require.NoError(t, err)
	return string(v)
}

func TestBasics(t *testing.T) {
	db := open(t, cabtest.Path(t, "test.fdb"), fdb.Options{})

	require.NoError(t, db.Put(1, []byte("test")))
	assert.Equal(t, "test", get(t, db, 1))

	_, err := db.Get(2)
	assert.ErrorIs(t, err, cabinet.ErrNotFound)
	assert.Equal(t, cabinet.KindNotFound, cabinet.KindOf(err))

	_, err = fdb.Key("1")
	assert.ErrorIs(t, err, cabinet.ErrTypeMismatch)

	assert.Equal(t, 1, db.Len())
	ok, err := db.Has(1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = db.Has(2)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.Out(1))
	assert.Equal(t, 0, db.Len())
	assert.ErrorIs(t, db.Out(1), cabinet.ErrNotFound)
}

func TestKeyConversion(t *testing.T) {
	type myID uint16
	tests := []struct {
		v    any
		want uint64
		ok   bool
	}{
		{1, 1, true},
		{int8(0), 0, true},
		{int64(1 << 40), 1 << 40, true},
		{uint32(7), 7, true},
		{myID(9), 9, true},
		{-1, 0, false},
		{"1", 0, false},
		{1.0, 0, false},
		{nil, 0, false},
		{[]byte{1}, 0, false},
	}
	for _, tt := range tests {
		id, err := fdb.Key(tt.v)
		if tt.ok {
			require.NoError(t, err, "%#v", tt.v)
			assert.Equal(t, tt.want, id, "%#v", tt.v)
		} else {
			assert.ErrorIs(t, err, cabinet.ErrTypeMismatch, "%#v", tt.v)
		}
	}

	id, err := fdb.ParseKey("42")
	require.NoError(t, err)
	assert.EqualValues(t, 42, id)
	_, err = fdb.ParseKey("-3")
	assert.ErrorIs(t, err, cabinet.ErrTypeMismatch)
}

func TestResolveKey(t *testing.T) {
	db := open(t, cabtest.Path(t, "test.fdb"), fdb.Options{})

	id, err := db.ResolveKey(fdb.IDNext)
	require.NoError(t, err)
	assert.EqualValues(t, 0, id)
	_, err = db.ResolveKey(fdb.IDMin)
	assert.ErrorIs(t, err, cabinet.ErrNotFound)

	for _, id := range []uint64{5, 9, 7} {
		require.NoError(t, db.Put(id, []byte("x")))
	}
	for s, want := range map[string]uint64{"min": 5, "max": 9, "prev": 4, "next": 10, "12": 12} {
		id, err := db.ResolveKey(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, id, s)
	}

	require.NoError(t, db.Put(0, []byte("zero")))
	_, err = db.ResolveKey(fdb.IDPrev)
	assert.ErrorIs(t, err, cabinet.ErrNotFound)
	_, err = db.ResolveKey("lots")
	assert.ErrorIs(t, err, cabinet.ErrTypeMismatch)
}

func TestPutModesAndWidth(t *testing.T) {
	db := open(t, cabtest.Path(t, "test.fdb"), fdb.Options{Tuning: fdb.Tuning{Width: 5}})
	assert.Equal(t, 5, db.Width())

	require.NoError(t, db.Put(3, []byte("abcdefgh")))
	assert.Equal(t, "abcde", get(t, db, 3))

	assert.ErrorIs(t, db.PutKeep(3, []byte("zz")), cabinet.ErrKeyExists)
	require.NoError(t, db.PutKeep(4, []byte("zz")))
	require.NoError(t, db.PutCat(4, []byte("1234")))
	assert.Equal(t, "zz123", get(t, db, 4))
	require.NoError(t, db.PutCat(6, []byte("new")))
	assert.Equal(t, "new", get(t, db, 6))

	require.NoError(t, db.Put(8, nil))
	v, err := db.Get(8)
	require.NoError(t, err)
	assert.Equal(t, []byte{}, v)
	n, err := db.Vsiz(8)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, err = db.Vsiz(4)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	reopen(t, db)
	assert.Equal(t, 5, db.Width())
	assert.Equal(t, "abcde", get(t, db, 3))
	assert.Equal(t, "zz123", get(t, db, 4))
	assert.EqualValues(t, 4, db.Rnum())
}

func TestWidePrefix(t *testing.T) {
	db := open(t, cabtest.Path(t, "test.fdb"), fdb.Options{Tuning: fdb.Tuning{Width: 300}})
	long := bytes.Repeat([]byte("x"), 400)
	require.NoError(t, db.Put(1, long))
	require.NoError(t, db.Put(2, long[:255]))
	reopen(t, db)
	assert.Equal(t, string(long[:300]), get(t, db, 1))
	assert.Equal(t, string(long[:255]), get(t, db, 2))
}

func TestUnboundedValues(t *testing.T) {
	path := cabtest.Path(t, "test.fdb")
	db := open(t, path, fdb.Options{})
	assert.Equal(t, 0, db.Width())

	big := bytes.Repeat([]byte("0123456789"), 1000)
	require.NoError(t, db.Put(1, big))
	require.NoError(t, db.Put(2, []byte("short")))
	require.NoError(t, db.PutCat(2, []byte(" and longer than before")))
	require.NoError(t, db.Put(1, []byte("tiny")))

	// ids past the initial table move it to the end of the file
	for i := range 200 {
		require.NoError(t, db.Put(uint64(100+i), cabtest.Value(i)))
	}

	check := func() {
		t.Helper()
		assert.Equal(t, "tiny", get(t, db, 1))
		assert.Equal(t, "short and longer than before", get(t, db, 2))
		for i := range 200 {
			assert.Equal(t, string(cabtest.Value(i)), get(t, db, uint64(100+i)))
		}
		assert.EqualValues(t, 202, db.Rnum())
	}
	check()
	st, err := db.Stats()
	require.NoError(t, err)
	assert.Greater(t, st.Garbage, int64(0))
	assert.GreaterOrEqual(t, st.Slots, uint64(300))

	reopen(t, db)
	check()

	require.NoError(t, db.Optimize(fdb.Tuning{}))
	check()
	st2, err := db.Stats()
	require.NoError(t, err)
	assert.Zero(t, st2.Garbage)
	assert.Less(t, st2.FileSize, st.FileSize)
	assert.Equal(t, st.UUID, st2.UUID)
	assert.False(t, cabtest.Exists(path+".tmp"))
}

func TestLiveIteration(t *testing.T) {
	db := open(t, cabtest.Path(t, "test.fdb"), fdb.Options{})
	for _, id := range []uint64{1, 2, 3, 5, 8} {
		require.NoError(t, db.Put(id, []byte(fmt.Sprint(id))))
	}

	var seen []uint64
	it := db.Iter()
	for it.Next() {
		seen = append(seen, it.Key())
		assert.Equal(t, fmt.Sprint(it.Key()), string(it.Value()))
		switch it.Key() {
		case 2:
			require.NoError(t, db.Out(3))
			require.NoError(t, db.Put(4, []byte("4")))
		case 5:
			require.NoError(t, db.Put(1, []byte("1")))
			require.NoError(t, db.Put(13, []byte("13")))
		}
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []uint64{1, 2, 4, 5, 8, 13}, seen)

	assert.Equal(t, []uint64{1, 2, 4, 5, 8, 13}, slices.Collect(db.Keys()))
	var vals []string
	for v := range db.Values() {
		vals = append(vals, string(v))
	}
	assert.Equal(t, []string{"1", "2", "4", "5", "8", "13"}, vals)

	for id := range db.Keys() {
		if id%2 == 0 {
			require.NoError(t, db.Out(id))
		}
	}
	items := map[uint64]string{}
	for id, v := range db.Items() {
		items[id] = string(v)
	}
	assert.Equal(t, map[uint64]string{1: "1", 5: "5", 13: "13"}, items)

	require.NoError(t, db.Close())
	it = db.Iter()
	assert.False(t, it.Next())
	assert.ErrorIs(t, it.Err(), cabinet.ErrInvalidState)
}

func TestRangeMinMax(t *testing.T) {
	db := open(t, cabtest.Path(t, "test.fdb"), fdb.Options{Tuning: fdb.Tuning{Width: 8}})
	_, err := db.Min()
	assert.ErrorIs(t, err, cabinet.ErrNotFound)

	for id := uint64(10); id <= 50; id += 10 {
		require.NoError(t, db.Put(id, []byte("v")))
	}
	ids, err := db.Range(15, 40, -1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{20, 30, 40}, ids)
	ids, err = db.Range(0, 100, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{10, 20}, ids)
	ids, err = db.Range(51, 100, -1)
	require.NoError(t, err)
	assert.Empty(t, ids)

	lo, err := db.Min()
	require.NoError(t, err)
	hi, err := db.Max()
	require.NoError(t, err)
	assert.EqualValues(t, 10, lo)
	assert.EqualValues(t, 50, hi)
}

func TestAddNumbers(t *testing.T) {
	db := open(t, cabtest.Path(t, "test.fdb"), fdb.Options{Tuning: fdb.Tuning{Width: 8}})

	n, err := db.AddInt(1, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	n, err = db.AddInt(1, -5)
	require.NoError(t, err)
	assert.EqualValues(t, -2, n)

	f, err := db.AddDouble(2, 1.5)
	require.NoError(t, err)
	f, err = db.AddDouble(2, 1.25)
	require.NoError(t, err)
	assert.Equal(t, 2.75, f)

	_, err = db.AddInt(2, 1)
	assert.ErrorIs(t, err, cabinet.ErrTypeMismatch)

	narrow := open(t, cabtest.Path(t, "narrow.fdb"), fdb.Options{Tuning: fdb.Tuning{Width: 2}})
	_, err = narrow.AddInt(1, 1)
	assert.ErrorIs(t, err, cabinet.ErrTypeMismatch)
}

func TestGrowthAndLimit(t *testing.T) {
	path := cabtest.Path(t, "test.fdb")
	db := open(t, path, fdb.Options{Tuning: fdb.Tuning{Width: 4, LimSiz: 4096}})

	require.NoError(t, db.Put(700, []byte("far")))
	err := db.Put(1000, []byte("too far"))
	assert.ErrorIs(t, err, cabinet.ErrInvalidState)
	_, err = db.Get(1000)
	assert.ErrorIs(t, err, cabinet.ErrNotFound)

	reopen(t, db)
	assert.Equal(t, "far", get(t, db, 700))
	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.LessOrEqual(t, st.Size(), int64(4096))

	heap := open(t, cabtest.Path(t, "heap.fdb"), fdb.Options{Tuning: fdb.Tuning{LimSiz: 8192}})
	require.NoError(t, heap.Put(1, make([]byte, 4000)))
	assert.ErrorIs(t, heap.Put(2, make([]byte, 8000)), cabinet.ErrInvalidState)
	ok, err := heap.Has(2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCopyVanishOptimize(t *testing.T) {
	dir := t.TempDir()
	db := open(t, dir+"/test.fdb", fdb.Options{Tuning: fdb.Tuning{Width: 12}})
	for i := range 100 {
		require.NoError(t, db.Put(uint64(i), cabtest.Key(i)))
	}
	require.NoError(t, db.Copy(dir+"/copy.fdb"))

	require.NoError(t, db.Vanish())
	assert.EqualValues(t, 0, db.Rnum())
	assert.Equal(t, 12, db.Width())
	_, err := db.Get(5)
	assert.ErrorIs(t, err, cabinet.ErrNotFound)

	cp, err := fdb.Open(dir+"/copy.fdb", cabinet.Reader, fdb.Options{Logger: cabtest.Logger(t)})
	require.NoError(t, err)
	defer cp.Close()
	assert.EqualValues(t, 100, cp.Rnum())
	assert.Equal(t, "key00000004", get(t, cp, 4))
	assert.Equal(t, db.UUID(), cp.UUID())
	assert.ErrorIs(t, cp.Put(1, nil), cabinet.ErrReadOnly)

	require.NoError(t, db.Put(2, []byte("abcdefghij")))
	require.NoError(t, db.Optimize(fdb.Tuning{Width: 4}))
	assert.Equal(t, 4, db.Width())
	assert.Equal(t, "abcd", get(t, db, 2))
}

func TestConfigAndStateErrors(t *testing.T) {
	path := cabtest.Path(t, "test.fdb")
	db := fdb.New()
	assert.ErrorIs(t, db.Tune(fdb.Tuning{Width: -1}), cabinet.ErrConfig)
	assert.ErrorIs(t, db.Tune(fdb.Tuning{LimSiz: 100}), cabinet.ErrConfig)

	_, err := db.Get(1)
	assert.ErrorIs(t, err, cabinet.ErrInvalidState)
	_, err = db.Path()
	assert.ErrorIs(t, err, cabinet.ErrInvalidState)

	require.NoError(t, db.Open(path, rw))
	assert.ErrorIs(t, db.Tune(fdb.Tuning{}), cabinet.ErrConfig)
	assert.ErrorIs(t, db.SetMutex(), cabinet.ErrConfig)
	assert.ErrorIs(t, db.Open(path, rw), cabinet.ErrInvalidState)

	other := fdb.New()
	err = other.Open(path, cabinet.Writer|cabinet.LockNonBlocking)
	assert.ErrorIs(t, err, cabinet.ErrLocked)
	require.NoError(t, db.Close())

	garbage := cabtest.Path(t, "garbage.fdb")
	require.NoError(t, os.WriteFile(garbage, bytes.Repeat([]byte("junk"), 100), 0o644))
	_, err = fdb.Open(garbage, cabinet.Reader, fdb.Options{})
	assert.ErrorIs(t, err, cabinet.ErrCorruptRecord)
}

func TestReopen_smallUnboundedValue(t *testing.T) {
	path := cabtest.Path(t, "small.fdb")
	db := open(t, path, fdb.Options{})
	require.NoError(t, db.Put(1, []byte("abc")))
	require.NoError(t, db.Close())

	ro, err := fdb.Open(path, cabinet.Reader, fdb.Options{})
	require.NoError(t, err)
	assert.Equal(t, "abc", get(t, ro, 1))
	require.NoError(t, ro.Close())

	// point slot 1 past the end of the file
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	var off [8]byte
	binary.LittleEndian.PutUint64(off[:], 1<<40)
	_, err = f.WriteAt(off[:], 256+16)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = fdb.Open(path, cabinet.Reader, fdb.Options{})
	require.ErrorIs(t, err, cabinet.ErrCorruptRecord)
	assert.Contains(t, err.Error(), "bad value pointer")
}
