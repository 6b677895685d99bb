//go:build amd64 || arm64 || loong64 || ppc64 || ppc64le || riscv64 || s390x

package mmap

// MaxSize is the largest mapping Mmap accepts, and so the largest slot table
// a fixed-length database can grow to.
const MaxSize = 0xFFFFFFFFFFFF // 256TB
