package mmap

import "os"

// Fdatasync flushes the data written to f, and the given mapping of it if
// any, to stable storage. File metadata such as the modification time is not
// synced where the platform allows skipping it.
//
// A failed Fdatasync leaves the on-disk state unknown: the kernel may already
// have marked the dirty pages clean. Callers treat it as fatal for the handle
// and never retry.
func Fdatasync(f *os.File, mapping []byte) error {
	return fdatasync(f, mapping)
}
