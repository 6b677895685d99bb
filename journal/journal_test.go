package journal_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/andreyvit/cabinet/internal/cabtest"
	"github.com/andreyvit/cabinet/journal"
)

var inv = [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

type fixture struct {
	t    *testing.T
	db   *os.File
	path string
	j    *journal.Journal
}

func setup(t *testing.T, initial string) *fixture {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	ensure(os.WriteFile(path, []byte(initial), 0o644))
	db := must(os.OpenFile(path, os.O_RDWR, 0))
	t.Cleanup(func() { db.Close() })
	return &fixture{
		t:    t,
		db:   db,
		path: path,
		j: journal.New(path+".wal", journal.Options{
			Invariant: inv,
			Logger:    cabtest.Logger(t),
			Verbose:   true,
		}),
	}
}

func (f *fixture) write(off int64, s string) {
	ensure(f.j.Protect(f.db, off, len(s)))
	must(f.db.WriteAt([]byte(s), off))
}

func (f *fixture) eq(expected string) {
	f.t.Helper()
	cabtest.BytesEq(f.t, cabtest.Data(f.t, f.path), []byte(expected))
}

func TestJournal_rollback(t *testing.T) {
	f := setup(t, "hello world")
	ensure(f.j.Begin(11))
	f.write(0, "HELLO")
	f.write(2, "xx")
	f.write(0, "J")
	f.write(11, " and more")
	f.eq("JExxO world and more")

	if n := f.j.Records(); n != 2 {
		t.Fatalf("Records = %d, wanted 2", n)
	}
	ensure(f.j.Rollback(f.db))
	f.eq("hello world")
	if f.j.Active() {
		t.Fatalf("Active after Rollback")
	}
	if cabtest.Exists(f.path + ".wal") {
		t.Fatalf("journal file survived Rollback")
	}
}

func TestJournal_commit(t *testing.T) {
	f := setup(t, "abcdef")
	ensure(f.j.Begin(6))
	f.write(1, "ZZ")
	ensure(f.j.Commit())
	f.eq("aZZdef")
	if cabtest.Exists(f.path + ".wal") {
		t.Fatalf("journal file survived Commit")
	}
	if err := f.j.Commit(); err != journal.ErrNotActive {
		t.Fatalf("second Commit = %v, wanted ErrNotActive", err)
	}
}

func TestJournal_rollbackRestoresTruncatedTail(t *testing.T) {
	f := setup(t, "0123456789")
	ensure(f.j.Begin(10))
	ensure(f.j.Protect(f.db, 4, 6))
	ensure(f.db.Truncate(4))
	f.write(4, "X")
	ensure(f.j.Rollback(f.db))
	f.eq("0123456789")
}

func TestJournal_recover(t *testing.T) {
	f := setup(t, "original")
	ensure(f.j.Begin(8))
	f.write(0, "MODIFIED and longer")
	// simulate a crash: the journal is never committed or rolled back
	j2 := journal.New(f.path+".wal", journal.Options{Invariant: inv, Logger: cabtest.Logger(t)})

	ok, err := j2.Recover(f.db)
	ensure(err)
	if !ok {
		t.Fatalf("Recover = false, wanted true")
	}
	f.eq("original")
	if cabtest.Exists(f.path + ".wal") {
		t.Fatalf("journal file survived Recover")
	}

	ok, err = j2.Recover(f.db)
	if ok || err != nil {
		t.Fatalf("Recover without journal = %v, %v, wanted false, nil", ok, err)
	}
}

func TestJournal_recoverIgnoresTornTail(t *testing.T) {
	f := setup(t, "aaaabbbb")
	ensure(f.j.Begin(8))
	f.write(0, "AAAA")
	f.write(4, "BBBB")

	wal := f.path + ".wal"
	data := cabtest.Data(t, wal)
	// chop the last record in half; its pre-image is lost, the first one is not
	ensure(os.WriteFile(wal, data[:len(data)-6], 0o644))

	j2 := journal.New(wal, journal.Options{Invariant: inv, Logger: cabtest.Logger(t)})
	ok, err := j2.Recover(f.db)
	ensure(err)
	if !ok {
		t.Fatalf("Recover = false, wanted true")
	}
	f.eq("aaaaBBBB")
}

func TestJournal_recoverDeletesForeignJournal(t *testing.T) {
	f := setup(t, "data")
	ensure(f.j.Begin(4))
	f.write(0, "DATA")

	other := journal.New(f.path+".wal", journal.Options{Invariant: [16]byte{42}, Logger: cabtest.Logger(t)})
	ok, err := other.Recover(f.db)
	ensure(err)
	if ok {
		t.Fatalf("Recover applied a journal with a different invariant")
	}
	f.eq("DATA")
	if cabtest.Exists(f.path + ".wal") {
		t.Fatalf("foreign journal was not deleted")
	}
}

func TestJournal_recoverDeletesTornHeader(t *testing.T) {
	f := setup(t, "data")
	ensure(os.WriteFile(f.path+".wal", []byte("CABNUNDO garbage"), 0o644))
	ok, err := f.j.Recover(f.db)
	if ok || err != nil {
		t.Fatalf("Recover = %v, %v, wanted false, nil", ok, err)
	}
	f.eq("data")
}

func TestJournal_headerLayout(t *testing.T) {
	f := setup(t, "")
	ensure(f.j.Begin(0x1234))
	data := cabtest.Data(t, f.path+".wal")
	want := cabtest.Expand("'CABNUNDO 0/ver 0/flags 0_0 0.. 34_12... 01_02_03_04_05_06_07_08_09_0a_0b_0c_0d_0e_0f_10 0...*2")
	if !bytes.Equal(data[:len(want)], want) || len(data) != len(want)+8 {
		t.Fatalf("header:\n%s\nwanted prefix:\n%s", cabtest.HexDump(data, -1), cabtest.HexDump(want, -1))
	}
	ensure(f.j.Commit())
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}
