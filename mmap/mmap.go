package mmap

import (
	"fmt"
	"os"
)

type Options uint

const (
	// Writable maps the region for writing (otherwise, it's mapped read-only).
	Writable Options = 1 << 0

	// SequentialAccess is a hint requesting aggressive read-ahead.
	// Incompatible with RandomAccess. Maps to MADV_SEQUENTIAL on Unix.
	SequentialAccess Options = 1 << 1

	// RandomAccess is a hint that read ahead is less useful than normally.
	// Incompatible with SequentialAccess. Maps to MADV_RANDOM on Unix.
	RandomAccess Options = 1 << 2

	// Prefault is a hint requesting the entire region to be loaded in memory
	// for fastest access. Maps to MAP_POPULATE on Linux.
	Prefault Options = 1 << 3
)

func (o Options) Has(v Options) bool {
	return o&v != 0
}

// PageSize is the granularity of mapping offsets.
var PageSize = os.Getpagesize()

// AlignUp rounds n up to a multiple of PageSize.
func AlignUp(n int64) int64 {
	ps := int64(PageSize)
	return (n + ps - 1) / ps * ps
}

// Mmap maps size bytes of f starting at offset, which must be a multiple of
// PageSize. The file must already be at least offset+size bytes long.
func Mmap(f *os.File, offset int64, size int, opt Options) ([]byte, error) {
	if offset < 0 || offset%int64(PageSize) != 0 {
		return nil, fmt.Errorf("mmap offset %d is not a multiple of page size %d", offset, PageSize)
	}
	if size <= 0 || int64(size) > MaxSize {
		return nil, fmt.Errorf("mmap size %d out of range", size)
	}
	return mmap(f, offset, size, opt)
}

// Munmap unmaps the given slice from memory. The slice must have been returned
// by Mmap.
func Munmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return munmap(b)
}

// Remap replaces an existing mapping (which may be nil) with a new one of the
// given size, typically after the file has been grown.
func Remap(f *os.File, old []byte, offset int64, size int, opt Options) ([]byte, error) {
	if err := Munmap(old); err != nil {
		return nil, err
	}
	return Mmap(f, offset, size, opt)
}
