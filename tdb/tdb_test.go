package tdb_test

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/andreyvit/cabinet"
	"github.com/andreyvit/cabinet/hdb"
	"github.com/andreyvit/cabinet/internal/cabtest"
	"github.com/andreyvit/cabinet/tdb"
)

const rw = cabinet.Writer | cabinet.Create

var allBackends = []tdb.Backend{tdb.BackendHash, tdb.BackendBTree, tdb.BackendBolt, tdb.BackendMemory}

func open(t *testing.T, path string, opt tdb.Options) *tdb.DB {
	t.Helper()
	if opt.Logger == nil {
		opt.Logger = cabtest.Logger(t)
		opt.Verbose = true
	}
	db, err := tdb.Open(path, rw, opt)
	require.NoError(t, err)
	t.Cleanup(func() {
		if _, err := db.Path(); err == nil {
			db.Close()
		}
	})
	return db
}

func forEachBackend(t *testing.T, f func(t *testing.T, b tdb.Backend)) {
	for _, b := range allBackends {
		t.Run(b.String(), func(t *testing.T) {
			f(t, b)
		})
	}
}

func keys(t *testing.T, q *tdb.Query) []string {
	t.Helper()
	pks, err := q.Keys()
	require.NoError(t, err)
	return cabtest.Strings(pks)
}

func putPeople(t *testing.T, db *tdb.DB) {
	t.Helper()
	require.NoError(t, db.Put([]byte("torgny"), tdb.Cols("name", "Torgny Korv", "age", "31", "colors", "red,blue,green")))
	require.NoError(t, db.Put([]byte("rosa"), tdb.Cols("name", "Rosa Flying", "age", "29", "colors", "pink,blue,green")))
	require.NoError(t, db.Put([]byte("jdoe"), tdb.Cols("name", "John Doe", "age", "45", "colors", "red,green,orange")))
}

func TestBasics(t *testing.T) {
	db := open(t, cabtest.Path(t, "test.tdb"), tdb.Options{Tuning: tdb.Tuning{BNum: 100, APow: 4, FPow: 10, Opts: cabinet.TTCBS}})

	require.NoError(t, db.Put([]byte("jdoe"), tdb.Cols("name", "John Doe", "age", "45", "city", "Internets")))
	require.NoError(t, db.Put([]byte("bulgur"), tdb.FromMap(map[string]string{"name": "Bulgur Röv", "age": "12"})))

	rec, err := db.Get([]byte("jdoe"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"name": "John Doe", "age": "45", "city": "Internets"}, rec.Map())
	rec, err = db.Get([]byte("bulgur"))
	require.NoError(t, err)
	name, _ := rec.Get("name")
	assert.Equal(t, "Bulgur R\xc3\xb6v", name)

	require.NoError(t, db.Delete([]byte("bulgur")))
	_, err = db.Get([]byte("bulgur"))
	assert.ErrorIs(t, err, cabinet.ErrNotFound)
	assert.ErrorIs(t, db.Out([]byte("bulgur")), cabinet.ErrNotFound)
	assert.Equal(t, tdb.BackendHash, db.Backend())
}

func TestQueryFilters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b tdb.Backend) {
		db := open(t, cabtest.Path(t, "test.tdb"), tdb.Options{Backend: b})
		putPeople(t, db)

		q := db.Query()
		assert.ElementsMatch(t, []string{"jdoe", "rosa", "torgny"}, keys(t, q))
		q.Filter("age", tdb.NumGe, "30")
		assert.ElementsMatch(t, []string{"jdoe", "torgny"}, keys(t, q))
		q.Filter("colors", tdb.StrOr, "blue")
		assert.Equal(t, []string{"torgny"}, keys(t, q))

		q = db.Query().Filter("age", tdb.NumGe, "30").Filter("colors", tdb.StrInc, "blue")
		assert.Equal(t, []string{"torgny"}, keys(t, q))

		n, err := db.Query().Filter("colors", tdb.StrInc, "green").Count()
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})
}

func TestQueryOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b tdb.Backend) {
		db := open(t, cabtest.Path(t, "test.tdb"), tdb.Options{Backend: b})
		putPeople(t, db)

		q := db.Query()
		assert.Equal(t, []string{"jdoe", "rosa", "torgny"}, keys(t, q.Order("name", tdb.StrAsc)))
		assert.Equal(t, []string{"torgny", "rosa", "jdoe"}, keys(t, q.Order("name", tdb.StrDesc)))
		assert.Equal(t, []string{"rosa", "torgny", "jdoe"}, keys(t, q.Order("age", tdb.NumAsc)))
		assert.Equal(t, []string{"jdoe", "torgny", "rosa"}, keys(t, q.Order("age", tdb.NumDesc)))
		assert.Equal(t, []string{"jdoe", "rosa", "torgny"}, keys(t, q.Order("", tdb.StrAsc)))
		assert.Equal(t, []string{"torgny", "rosa", "jdoe"}, keys(t, q.Order("", tdb.StrDesc)))

		q = db.Query().Order("age", tdb.NumDesc).Filter("age", tdb.NumLe, "40")
		assert.Equal(t, []string{"torgny", "rosa"}, keys(t, q))
		q.Filter("age", tdb.NumGe, "30")
		assert.Equal(t, []string{"torgny"}, keys(t, q))

		q = db.Query().Order("age", tdb.NumDesc).Filter("colors", tdb.StrInc, "blue")
		assert.Equal(t, []string{"torgny", "rosa"}, keys(t, q))
		q.Filter("colors", tdb.StrInc, "pink")
		assert.Equal(t, []string{"rosa"}, keys(t, q))

		q = db.Query().Order("age", tdb.NumDesc).NoOrder()
		assert.ElementsMatch(t, []string{"jdoe", "rosa", "torgny"}, keys(t, q))
	})
}

func TestQueryConditions(t *testing.T) {
	db := open(t, cabtest.Path(t, "test.tdb"), tdb.Options{Backend: tdb.BackendMemory})
	putPeople(t, db)
	require.NoError(t, db.Put([]byte("ghost"), tdb.Cols("name", "Ghost", "age", "unknown")))

	tests := []struct {
		col     string
		cond    tdb.Cond
		operand string
		want    []string
	}{
		{"name", tdb.StrEq, "John Doe", []string{"jdoe"}},
		{"name", tdb.StrEq | tdb.Negate, "John Doe", []string{"ghost", "rosa", "torgny"}},
		{"name", tdb.StrBW, "Ro", []string{"rosa"}},
		{"name", tdb.StrEW, "Korv", []string{"torgny"}},
		{"colors", tdb.StrAnd, "red green", []string{"jdoe", "torgny"}},
		{"colors", tdb.StrAnd, "red,pink", []string{}},
		{"colors", tdb.StrOr, "pink orange", []string{"jdoe", "rosa"}},
		{"colors", tdb.StrOr | tdb.Negate, "pink orange", []string{"torgny"}},
		{"colors", tdb.StrInc, "re", []string{"jdoe", "rosa", "torgny"}},
		{"age", tdb.StrOrEq, "29,31", []string{"rosa", "torgny"}},
		{"name", tdb.StrRx, "^[JR]o", []string{"jdoe", "rosa"}},
		{"", tdb.StrBW, "j", []string{"jdoe"}},
		{"age", tdb.NumEq, "29.0", []string{"rosa"}},
		{"age", tdb.NumGt, "31", []string{"jdoe"}},
		{"age", tdb.NumLt, "31", []string{"rosa"}},
		{"age", tdb.NumLe, "31", []string{"rosa", "torgny"}},
		{"age", tdb.NumBt, "45 30", []string{"jdoe", "torgny"}},
		{"age", tdb.NumOrEq, "45,29", []string{"jdoe", "rosa"}},
		{"age", tdb.NumEq | tdb.Negate, "45", []string{"rosa", "torgny"}},
		{"missing", tdb.StrEq | tdb.Negate, "x", []string{}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s %v %s", tt.col, tt.cond, tt.operand), func(t *testing.T) {
			q := db.Query().Filter(tt.col, tt.cond, tt.operand).Order("", tdb.StrAsc)
			assert.Equal(t, tt.want, keys(t, q))
		})
	}
}

func TestQueryErrors(t *testing.T) {
	db := open(t, cabtest.Path(t, "test.tdb"), tdb.Options{})
	putPeople(t, db)

	_, err := db.Query().Filter("age", tdb.NumGe, "thirty").Keys()
	assert.ErrorIs(t, err, cabinet.ErrTypeMismatch)
	_, err = db.Query().Filter("age", tdb.NumBt, "1").Count()
	assert.ErrorIs(t, err, cabinet.ErrTypeMismatch)
	_, err = db.Query().Filter("name", tdb.StrRx, "(").Keys()
	assert.ErrorIs(t, err, cabinet.ErrConfig)
	_, err = db.Query().Filter("name", tdb.Cond(99), "").Keys()
	assert.ErrorIs(t, err, cabinet.ErrConfig)
	_, err = db.Query().Order("name", tdb.OrderType(9)).Keys()
	assert.ErrorIs(t, err, cabinet.ErrConfig)
}

func TestQueryMissingValuesSortFirst(t *testing.T) {
	db := open(t, cabtest.Path(t, "test.tdb"), tdb.Options{Backend: tdb.BackendBTree})
	putPeople(t, db)
	require.NoError(t, db.Put([]byte("b-ghost"), tdb.Cols("name", "Ghost", "age", "unknown")))
	require.NoError(t, db.Put([]byte("a-nobody"), tdb.Cols("name", "Nobody")))

	assert.Equal(t, []string{"a-nobody", "b-ghost", "rosa", "torgny", "jdoe"}, keys(t, db.Query().Order("age", tdb.NumAsc)))
	assert.Equal(t, []string{"jdoe", "torgny", "rosa", "a-nobody", "b-ghost"}, keys(t, db.Query().Order("age", tdb.NumDesc)))
	assert.Equal(t, []string{"a-nobody", "b-ghost", "rosa", "torgny", "jdoe"}, keys(t, db.Query().Order("colors", tdb.StrAsc)))
}

func TestQueryLimitRecordsRemove(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b tdb.Backend) {
		db := open(t, cabtest.Path(t, "test.tdb"), tdb.Options{Backend: b})
		for i := range 20 {
			require.NoError(t, db.Put(cabtest.Key(i), tdb.Cols("n", fmt.Sprint(i), "parity", []string{"even", "odd"}[i%2])))
		}

		q := db.Query().Order("n", tdb.NumDesc).Limit(3, 2)
		assert.Equal(t, []string{"key00000017", "key00000016", "key00000015"}, keys(t, q))

		n, err := db.Query().Limit(5, 0).Count()
		require.NoError(t, err)
		assert.Equal(t, 5, n)
		n, err = db.Query().Limit(-1, 18).Count()
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		recs, err := db.Query().Filter("n", tdb.NumLt, "2").Order("", tdb.StrAsc).Records()
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "key00000001", string(recs[1].PK))
		assert.Equal(t, tdb.Cols("n", "1", "parity", "odd"), recs[1].Cols)

		removed, err := db.Query().Filter("parity", tdb.StrEq, "odd").Remove()
		require.NoError(t, err)
		assert.Equal(t, 10, removed)
		assert.EqualValues(t, 10, db.Rnum())
		n, err = db.Query().Filter("parity", tdb.StrEq, "odd").Count()
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestPutModes(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b tdb.Backend) {
		db := open(t, cabtest.Path(t, "test.tdb"), tdb.Options{Backend: b})
		pk := []byte("k")

		require.NoError(t, db.PutKeep(pk, tdb.Cols("a", "1")))
		assert.ErrorIs(t, db.PutKeep(pk, tdb.Cols("a", "2")), cabinet.ErrKeyExists)
		assert.Equal(t, cabinet.KindKeyExists, cabinet.KindOf(db.PutKeep(pk, nil)))

		require.NoError(t, db.PutCat(pk, tdb.Cols("a", "3", "b", "4")))
		rec, err := db.Get(pk)
		require.NoError(t, err)
		assert.Equal(t, tdb.Cols("a", "1", "b", "4"), rec)

		require.NoError(t, db.PutCat([]byte("new"), tdb.Cols("c", "5")))
		rec, err = db.Get([]byte("new"))
		require.NoError(t, err)
		assert.Equal(t, tdb.Cols("c", "5"), rec)

		require.NoError(t, db.Put(pk, tdb.Cols("z", "")))
		rec, err = db.Get(pk)
		require.NoError(t, err)
		assert.Equal(t, tdb.Cols("z", ""), rec)

		require.NoError(t, db.Put([]byte("empty"), nil))
		rec, err = db.Get([]byte("empty"))
		require.NoError(t, err)
		assert.Zero(t, rec.Len())

		ok, err := db.Has(pk)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = db.Has([]byte("nope"))
		require.NoError(t, err)
		assert.False(t, ok)

		assert.ErrorIs(t, db.Put(nil, tdb.Cols("a", "1")), cabinet.ErrInvalidState)
		assert.ErrorIs(t, db.Put(pk, tdb.Columns{{Name: "", Value: "x"}}), cabinet.ErrInvalidState)
		assert.ErrorIs(t, db.Put(pk, tdb.Columns{{Name: "b"}, {Name: "a"}}), cabinet.ErrInvalidState)

		pks, err := db.Keys()
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"k", "new", "empty"}, cabtest.Strings(pks))
		assert.EqualValues(t, 3, db.Rnum())
	})
}

func TestTransactions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b tdb.Backend) {
		db := open(t, cabtest.Path(t, "test.tdb"), tdb.Options{Backend: b})
		require.NoError(t, db.Put([]byte("keep"), tdb.Cols("v", "1")))

		require.NoError(t, db.TranBegin())
		assert.ErrorIs(t, db.TranBegin(), cabinet.ErrInvalidState)
		require.NoError(t, db.Put([]byte("temp"), tdb.Cols("v", "2")))
		require.NoError(t, db.Delete([]byte("keep")))
		assert.EqualValues(t, 1, db.Rnum())
		require.NoError(t, db.TranAbort())

		assert.EqualValues(t, 1, db.Rnum())
		_, err := db.Get([]byte("temp"))
		assert.ErrorIs(t, err, cabinet.ErrNotFound)
		rec, err := db.Get([]byte("keep"))
		require.NoError(t, err)
		assert.Equal(t, tdb.Cols("v", "1"), rec)

		require.NoError(t, db.TranBegin())
		require.NoError(t, db.Put([]byte("temp"), tdb.Cols("v", "3")))
		require.NoError(t, db.TranCommit())
		rec, err = db.Get([]byte("temp"))
		require.NoError(t, err)
		assert.Equal(t, tdb.Cols("v", "3"), rec)

		assert.ErrorIs(t, db.TranCommit(), cabinet.ErrNoTran)
		assert.ErrorIs(t, db.TranAbort(), cabinet.ErrInvalidState)
	})
}

func TestPersistenceAndDetection(t *testing.T) {
	for _, b := range []tdb.Backend{tdb.BackendHash, tdb.BackendBTree, tdb.BackendBolt} {
		t.Run(b.String(), func(t *testing.T) {
			path := cabtest.Path(t, "test.tdb")
			db := open(t, path, tdb.Options{Backend: b})
			putPeople(t, db)
			require.NoError(t, db.Sync())
			require.NoError(t, db.Close())

			db = open(t, path, tdb.Options{})
			assert.Equal(t, b, db.Backend())
			assert.Equal(t, []string{"torgny"}, keys(t, db.Query().Filter("age", tdb.NumBt, "30 40")))
			assert.Positive(t, db.Fsiz())
			require.NoError(t, db.Close())

			other := tdb.BackendHash
			if b == tdb.BackendHash {
				other = tdb.BackendBTree
			}
			_, err := tdb.Open(path, rw, tdb.Options{Backend: other})
			assert.ErrorIs(t, err, cabinet.ErrConfig)

			ro, err := tdb.Open(path, cabinet.Reader, tdb.Options{})
			require.NoError(t, err)
			defer ro.Close()
			assert.EqualValues(t, 3, ro.Rnum())
			assert.ErrorIs(t, ro.Put([]byte("x"), tdb.Cols("a", "b")), cabinet.ErrReadOnly)
		})
	}
}

func TestNotATable(t *testing.T) {
	path := cabtest.Path(t, "test.hdb")
	h, err := hdb.Open(path, rw, hdb.Options{})
	require.NoError(t, err)
	require.NoError(t, h.Close())

	_, err = tdb.Open(path, rw, tdb.Options{})
	assert.ErrorIs(t, err, cabinet.ErrConfig)

	garbage := path + ".bin"
	require.NoError(t, os.WriteFile(garbage, []byte("definitely not a database file, just text"), 0o644))
	_, err = tdb.Open(garbage, rw, tdb.Options{})
	assert.ErrorIs(t, err, cabinet.ErrCorruptRecord)
}

func TestCorruptRecord(t *testing.T) {
	path := cabtest.Path(t, "test.tdb")
	db := open(t, path, tdb.Options{})
	putPeople(t, db)
	require.NoError(t, db.Close())

	h, err := hdb.Open(path, cabinet.Writer, hdb.Options{})
	require.NoError(t, err)
	require.NoError(t, h.Put([]byte("bad"), []byte{0xc1}))
	require.NoError(t, h.Put([]byte("trailing"), []byte{0x80, 0x00}))
	require.NoError(t, h.Close())

	db = open(t, path, tdb.Options{})
	_, err = db.Get([]byte("bad"))
	assert.ErrorIs(t, err, cabinet.ErrCorruptRecord)
	assert.Equal(t, cabinet.KindCorruptRecord, cabinet.KindOf(err))
	_, err = db.Get([]byte("trailing"))
	assert.ErrorIs(t, err, cabinet.ErrCorruptRecord)
	_, err = db.Query().Keys()
	assert.ErrorIs(t, err, cabinet.ErrCorruptRecord)

	_, err = db.Get([]byte("rosa"))
	require.NoError(t, err)
}

func TestCopyVanishOptimize(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b tdb.Backend) {
		path := cabtest.Path(t, "test.tdb")
		db := open(t, path, tdb.Options{Backend: b})
		for i := range 200 {
			require.NoError(t, db.Put(cabtest.Key(i), tdb.Cols("v", string(cabtest.Value(i)))))
		}
		for i := range 150 {
			require.NoError(t, db.Delete(cabtest.Key(i)))
		}
		require.NoError(t, db.Optimize())
		assert.EqualValues(t, 50, db.Rnum())

		copyPath := path + ".copy"
		require.NoError(t, db.Copy(copyPath))
		cp := open(t, copyPath, tdb.Options{})
		assert.EqualValues(t, 50, cp.Rnum())
		rec, err := cp.Get(cabtest.Key(199))
		require.NoError(t, err)
		assert.Equal(t, tdb.Cols("v", string(cabtest.Value(199))), rec)
		if b == tdb.BackendMemory {
			assert.Equal(t, tdb.BackendHash, cp.Backend())
		} else {
			assert.Equal(t, b, cp.Backend())
		}

		require.NoError(t, db.Vanish())
		assert.Zero(t, db.Rnum())
		pks, err := db.Keys()
		require.NoError(t, err)
		assert.Empty(t, pks)
		require.NoError(t, db.Put([]byte("again"), tdb.Cols("a", "b")))
		assert.EqualValues(t, 1, db.Rnum())
	})
}

func TestConfigAndStateErrors(t *testing.T) {
	db := tdb.New()
	_, err := db.Path()
	assert.ErrorIs(t, err, cabinet.ErrInvalidState)
	_, err = db.Get([]byte("a"))
	assert.ErrorIs(t, err, cabinet.ErrNotOpen)
	_, err = db.Query().Keys()
	assert.ErrorIs(t, err, cabinet.ErrInvalidState)
	assert.ErrorIs(t, db.Close(), cabinet.ErrNotOpen)
	assert.ErrorIs(t, db.SetBackend(tdb.Backend(42)), cabinet.ErrConfig)
	assert.ErrorIs(t, db.Tune(tdb.Tuning{BNum: -1}), cabinet.ErrConfig)

	path := cabtest.Path(t, "test.tdb")
	require.NoError(t, db.SetMutex())
	require.NoError(t, db.Open(path, rw))
	assert.ErrorIs(t, db.Open(path, rw), cabinet.ErrInvalidState)
	assert.ErrorIs(t, db.Tune(tdb.Tuning{}), cabinet.ErrConfig)
	assert.ErrorIs(t, db.SetBackend(tdb.BackendBolt), cabinet.ErrConfig)
	got, err := db.Path()
	require.NoError(t, err)
	assert.Equal(t, path, got)
	require.NoError(t, db.Close())

	_, err = tdb.Open(path+".missing", cabinet.Reader, tdb.Options{Backend: tdb.BackendBolt})
	assert.ErrorIs(t, err, cabinet.ErrIO)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseNames(t *testing.T) {
	c, err := tdb.ParseCond("!NumGe")
	require.NoError(t, err)
	assert.Equal(t, tdb.NumGe|tdb.Negate, c)
	assert.Equal(t, "!numge", c.String())
	_, err = tdb.ParseCond("bogus")
	assert.ErrorIs(t, err, cabinet.ErrConfig)

	o, err := tdb.ParseOrderType("numdesc")
	require.NoError(t, err)
	assert.Equal(t, tdb.NumDesc, o)

	b, err := tdb.ParseBackend("bolt")
	require.NoError(t, err)
	assert.Equal(t, tdb.BackendBolt, b)

	q := tdb.New().Query().Filter("", tdb.StrBW, "a").Order("age", tdb.NumAsc).Limit(5, 1)
	assert.Equal(t, `query <pk> strbw "a" order age numasc limit 5 skip 1`, q.String())
}

func TestCorruptRecord_bolt(t *testing.T) {
	path := cabtest.Path(t, "test.tdb")
	db := open(t, path, tdb.Options{Backend: tdb.BackendBolt})
	putPeople(t, db)
	require.NoError(t, db.Close())

	bdb, err := bbolt.Open(path, 0o644, nil)
	require.NoError(t, err)
	require.NoError(t, bdb.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte("records")).Put([]byte("bad"), []byte{0xc1})
	}))
	require.NoError(t, bdb.Close())

	db = open(t, path, tdb.Options{})
	_, err = db.Get([]byte("bad"))
	assert.Equal(t, cabinet.KindCorruptRecord, cabinet.KindOf(err))
	_, err = db.Query().Keys()
	assert.ErrorIs(t, err, cabinet.ErrCorruptRecord)
	assert.Equal(t, cabinet.KindCorruptRecord, cabinet.KindOf(err))
	_, err = db.Query().Filter("age", tdb.NumGt, "1").Count()
	assert.Equal(t, cabinet.KindCorruptRecord, cabinet.KindOf(err))
}

func TestQueryLimitWithoutOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b tdb.Backend) {
		db := open(t, cabtest.Path(t, "test.tdb"), tdb.Options{Backend: b})
		putPeople(t, db)

		pks, err := db.Query().Limit(1, 0).Keys()
		require.NoError(t, err)
		assert.Len(t, pks, 1)

		pks, err = db.Query().Filter("colors", tdb.StrInc, "green").Limit(2, 0).Keys()
		require.NoError(t, err)
		assert.Len(t, pks, 2)

		require.NoError(t, db.TranBegin())
		pks, err = db.Query().Limit(1, 1).Keys()
		require.NoError(t, err)
		assert.Len(t, pks, 1)
		require.NoError(t, db.TranCommit())
	})
}

func TestReopen_smallRecord(t *testing.T) {
	for _, b := range []tdb.Backend{tdb.BackendHash, tdb.BackendBTree, tdb.BackendBolt} {
		t.Run(b.String(), func(t *testing.T) {
			path := cabtest.Path(t, "small.tdb")
			db := open(t, path, tdb.Options{Backend: b})
			require.NoError(t, db.Put([]byte("a"), tdb.Cols("k", "v")))
			require.NoError(t, db.Close())

			ro, err := tdb.Open(path, cabinet.Reader, tdb.Options{})
			require.NoError(t, err)
			defer ro.Close()
			rec, err := ro.Get([]byte("a"))
			require.NoError(t, err)
			assert.Equal(t, tdb.Cols("k", "v"), rec)
		})
	}
}
