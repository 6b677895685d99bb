//go:build 386 || arm || ppc

package mmap

// MaxSize is the largest mapping Mmap accepts, and so the largest slot table
// a fixed-length database can grow to.
const MaxSize = 0x7FFFFFFF // 2GB
