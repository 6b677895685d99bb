package mmap

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOptionsHas(t *testing.T) {
	var o Options = Writable | Prefault
	if !o.Has(Writable) || o.Has(SequentialAccess) {
		t.Fatalf("Options.Has returned unexpected results for %v", o)
	}
}

func TestAlignUp(t *testing.T) {
	ps := int64(PageSize)
	tests := []struct {
		n, want int64
	}{
		{0, 0},
		{1, ps},
		{ps, ps},
		{ps + 1, 2 * ps},
	}
	for _, tt := range tests {
		if got := AlignUp(tt.n); got != tt.want {
			t.Errorf("AlignUp(%d) = %d, wanted %d", tt.n, got, tt.want)
		}
	}
}

func TestMmapAndMunmap(t *testing.T) {
	f := tempFile(t)

	const size = 4096
	if err := f.Truncate(size); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	b, err := Mmap(f, 0, size, Writable)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	if len(b) != size {
		t.Fatalf("len(mmap) = %d, wanted %d", len(b), size)
	}
	b[0] = 0x42
	if err := Fdatasync(f, b); err != nil {
		t.Fatalf("Fdatasync: %v", err)
	}
	if err := Munmap(b); err != nil {
		t.Fatalf("Munmap: %v", err)
	}

	var got [1]byte
	if _, err := f.ReadAt(got[:], 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if got[0] != 0x42 {
		t.Fatalf("file[0] = %x, wanted 42", got[0])
	}
}

func TestMmap_Offset(t *testing.T) {
	f := tempFile(t)
	off := int64(PageSize)
	if err := f.Truncate(off + 16); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if _, err := f.WriteAt([]byte("hello"), off); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	b, err := Mmap(f, off, 16, 0)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	defer Munmap(b)
	if string(b[:5]) != "hello" {
		t.Fatalf("mapped = %q, wanted hello", b[:5])
	}
}

func TestMmap_RejectsUnalignedOffset(t *testing.T) {
	f := tempFile(t)
	if _, err := Mmap(f, 1, 1, 0); err == nil {
		t.Fatalf("Mmap(offset 1) succeeded, wanted error")
	}
}

func TestRemap(t *testing.T) {
	f := tempFile(t)
	if err := f.Truncate(int64(PageSize)); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	b, err := Mmap(f, 0, PageSize, Writable)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	b[1] = 7

	if err := f.Truncate(int64(2 * PageSize)); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	b, err = Remap(f, b, 0, 2*PageSize, Writable)
	if err != nil {
		t.Fatalf("Remap: %v", err)
	}
	defer Munmap(b)
	if len(b) != 2*PageSize || b[1] != 7 {
		t.Fatalf("after Remap len = %d, b[1] = %d, wanted %d and 7", len(b), b[1], 2*PageSize)
	}
}

func tempFile(t *testing.T) *os.File {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "mmap.bin"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}
