//go:build windows || (unix && !plan9 && !linux && !openbsd)

package mmap

import "os"

// Elsewhere a full fsync is the only portable choice; metadata gets synced too.
func fdatasync(f *os.File, _ []byte) error {
	return f.Sync()
}
