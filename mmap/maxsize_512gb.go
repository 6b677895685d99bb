//go:build mips64 || mips64le

package mmap

// MaxSize is the largest mapping Mmap accepts, and so the largest slot table
// a fixed-length database can grow to.
const MaxSize = 0x8000000000 // 512GB
