// Package journal implements the undo journal behind store transactions.
//
// While a transaction is active, the pre-image of every region of the database
// file about to be overwritten is appended to the journal first. Aborting
// replays the journal backwards and truncates the database file to its size at
// the start of the transaction; committing deletes the journal. A journal found
// next to a database file on open means a transaction never finished, and is
// rolled back.
//
// Features:
//
//  1. Each region is saved once per transaction, no matter how many times it
//     is overwritten.
//
//  2. Crash-resistant when opened with Sync: every record is followed by an
//     fdatasync, and a torn tail is ignored on replay. The header is always
//     synced before the first database write.
//
//  3. A journal records the invariant (UUID) of the database file it belongs
//     to, and is never applied to another file.
//
// # File format
//
//   - file = header record*
//   - header = magic:64 version:8 flags:8 _:16 _:32 baseSize:64 invariant:128 _:64*2 checksum:64
//   - record = offset:64 size:32 _:32 data:size checksum:64
//
// Checksums are a running xxhash over everything written before them, so
// records can be neither reordered nor spliced from another journal.
package journal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/cespare/xxhash/v2"

	"github.com/andreyvit/cabinet/mmap"
)

var (
	ErrIncompatible       = fmt.Errorf("incompatible journal")
	ErrUnsupportedVersion = fmt.Errorf("unsupported journal version")
	ErrNotActive          = fmt.Errorf("journal not active")
	errCorruptedFile      = fmt.Errorf("corrupted journal file")
)

type Options struct {
	// Invariant identifies the database file the journal belongs to.
	Invariant [16]byte

	// Sync makes every appended record durable before Protect returns.
	Sync bool

	DebugName string
	Logger    *slog.Logger
	Verbose   bool
}

const (
	magic          = 0x4f444e55_4e424143 // "CABNUNDO" as little-endian uint64
	version0 uint8 = 0
)

const (
	headerSize    = 8 * 8
	recHeaderSize = 16
	checksumSize  = 8
)

type fileHeader struct {
	Magic     uint64
	Version   uint8
	Flags     uint8
	_         uint16
	_         uint32
	BaseSize  int64
	Invariant [16]byte
	_         [2]uint64
	Checksum  uint64
}

// Target is the file a journal restores. *os.File implements it.
type Target interface {
	io.WriterAt
	Truncate(size int64) error
	Sync() error
}

// Journal is the undo journal of a single database file.
type Journal struct {
	path      string
	invariant [16]byte
	sync      bool
	debugName string
	logger    *slog.Logger
	verbose   bool

	f        *os.File
	baseSize int64
	size     int64
	hash     xxhash.Digest
	saved    map[int64]int
	records  int
	writeErr error
}

func New(path string, o Options) *Journal {
	if o.DebugName == "" {
		o.DebugName = "journal"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Journal{
		path:      path,
		invariant: o.Invariant,
		sync:      o.Sync,
		debugName: o.DebugName,
		logger:    o.Logger,
		verbose:   o.Verbose,
	}
}

func (j *Journal) String() string {
	return j.debugName
}

func (j *Journal) Path() string {
	return j.path
}

func (j *Journal) Active() bool {
	return j.f != nil
}

// BaseSize is the database file size recorded by Begin.
func (j *Journal) BaseSize() int64 {
	return j.baseSize
}

// Records is the number of pre-images saved since Begin.
func (j *Journal) Records() int {
	return j.records
}

// Begin starts a new journal for a database file that is currently baseSize
// bytes long. The header is synced before Begin returns.
func (j *Journal) Begin(baseSize int64) error {
	if j.f != nil {
		panic("journal already active")
	}
	f, err := os.OpenFile(j.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	var ok bool
	defer closeAndDeleteUnlessOK(f, &ok)

	j.hash.Reset()
	var hbuf [headerSize]byte
	fillHeader(hbuf[:], baseSize, j.invariant, &j.hash)
	if _, err := f.WriteAt(hbuf[:], 0); err != nil {
		return err
	}
	if err := mmap.Fdatasync(f, nil); err != nil {
		return err
	}

	j.f = f
	j.baseSize = baseSize
	j.size = headerSize
	j.saved = make(map[int64]int)
	j.records = 0
	j.writeErr = nil
	if j.verbose {
		j.logger.LogAttrs(context.Background(), slog.LevelDebug, "journal: begin", slog.String("jrnl", j.debugName), slog.Int64("base", baseSize))
	}
	ok = true
	return nil
}

// Protect saves the current contents of [off, off+n) of src, unless that
// region lies beyond the base size or has already been saved.
func (j *Journal) Protect(src io.ReaderAt, off int64, n int) error {
	if j.f == nil {
		return ErrNotActive
	}
	if j.writeErr != nil {
		return j.writeErr
	}
	if off >= j.baseSize || n <= 0 {
		return nil
	}
	if rem := j.baseSize - off; int64(n) > rem {
		n = int(rem)
	}
	if prev, found := j.saved[off]; found && prev >= n {
		return nil
	}

	buf := make([]byte, recHeaderSize+n+checksumSize)
	binary.LittleEndian.PutUint64(buf[0:], uint64(off))
	binary.LittleEndian.PutUint32(buf[8:], uint32(n))
	if _, err := src.ReadAt(buf[recHeaderSize:recHeaderSize+n], off); err != nil {
		return j.fail(fmt.Errorf("reading pre-image at %d: %w", off, err))
	}
	body := buf[:recHeaderSize+n]
	j.hash.Write(body)
	binary.LittleEndian.PutUint64(buf[len(body):], j.hash.Sum64())
	j.hash.Write(buf[len(body):])

	if _, err := j.f.WriteAt(buf, j.size); err != nil {
		return j.fail(err)
	}
	if j.sync {
		if err := mmap.Fdatasync(j.f, nil); err != nil {
			return j.fail(err)
		}
	}
	j.size += int64(len(buf))
	j.saved[off] = n
	j.records++
	return nil
}

// Commit discards the journal. The caller must have synced the database file.
func (j *Journal) Commit() error {
	if j.f == nil {
		return ErrNotActive
	}
	if j.verbose {
		j.logger.LogAttrs(context.Background(), slog.LevelDebug, "journal: commit", slog.String("jrnl", j.debugName), slog.Int("records", j.records))
	}
	return j.discard()
}

// Rollback restores dst to its state at Begin and discards the journal.
func (j *Journal) Rollback(dst Target) error {
	if j.f == nil {
		return ErrNotActive
	}
	if _, err := j.replay(j.f, dst); err != nil {
		return err
	}
	return j.discard()
}

// Recover rolls back a journal left behind by a crashed process, if there is
// one, reporting whether anything was restored. A journal whose header never
// made it to disk is simply removed, since no database write can have
// happened after it.
func (j *Journal) Recover(dst Target) (bool, error) {
	if j.f != nil {
		panic("journal active")
	}
	f, err := os.Open(j.path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	defer f.Close()

	n, err := j.replay(f, dst)
	if err == errCorruptedFile || err == ErrIncompatible {
		j.logger.LogAttrs(context.Background(), slog.LevelWarn, "journal: deleting unusable file", slog.String("jrnl", j.debugName), slog.String("file", j.path), slog.Any("err", err))
		return false, removeIfExists(j.path)
	} else if err != nil {
		return false, err
	}
	j.logger.LogAttrs(context.Background(), slog.LevelWarn, "journal: rolled back unfinished transaction", slog.String("jrnl", j.debugName), slog.Int("records", n))
	return true, removeIfExists(j.path)
}

func (j *Journal) replay(f *os.File, dst Target) (int, error) {
	var hash xxhash.Digest
	hash.Reset()
	var h fileHeader
	if err := j.readHeader(f, &h, &hash); err != nil {
		return 0, err
	}

	type saved struct {
		dbOff, jOff int64
		size        int
	}
	var recs []saved
	off := int64(headerSize)
	var rh [recHeaderSize]byte
	for {
		if _, err := f.ReadAt(rh[:], off); err != nil {
			if err != io.EOF {
				return 0, err
			}
			break
		}
		dbOff := int64(binary.LittleEndian.Uint64(rh[0:]))
		size := int(binary.LittleEndian.Uint32(rh[8:]))
		if dbOff < 0 || dbOff+int64(size) > h.BaseSize {
			j.logTornTail(off)
			break
		}
		data := make([]byte, size+checksumSize)
		if _, err := f.ReadAt(data, off+recHeaderSize); err != nil {
			if err != io.EOF {
				return 0, err
			}
			j.logTornTail(off)
			break
		}
		hash.Write(rh[:])
		hash.Write(data[:size])
		if hash.Sum64() != binary.LittleEndian.Uint64(data[size:]) {
			j.logTornTail(off)
			break
		}
		hash.Write(data[size:])
		recs = append(recs, saved{dbOff, off + recHeaderSize, size})
		off += int64(recHeaderSize + size + checksumSize)
	}

	for i := len(recs) - 1; i >= 0; i-- {
		r := recs[i]
		buf := make([]byte, r.size)
		if _, err := f.ReadAt(buf, r.jOff); err != nil {
			return 0, err
		}
		if _, err := dst.WriteAt(buf, r.dbOff); err != nil {
			return 0, err
		}
	}
	if err := dst.Truncate(h.BaseSize); err != nil {
		return 0, err
	}
	if err := dst.Sync(); err != nil {
		return 0, err
	}
	if j.verbose {
		j.logger.LogAttrs(context.Background(), slog.LevelDebug, "journal: replayed", slog.String("jrnl", j.debugName), slog.Int("records", len(recs)), slog.Int64("base", h.BaseSize))
	}
	return len(recs), nil
}

func (j *Journal) logTornTail(off int64) {
	j.logger.LogAttrs(context.Background(), slog.LevelWarn, "journal: ignoring torn tail", slog.String("jrnl", j.debugName), slog.Int64("off", off))
}

func (j *Journal) readHeader(f *os.File, h *fileHeader, hash *xxhash.Digest) error {
	var buf [headerSize]byte
	_, err := f.ReadAt(buf[:], 0)
	if err == io.EOF {
		return errCorruptedFile
	} else if err != nil {
		return err
	}
	n, err := binary.Decode(buf[:], binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != len(buf) {
		panic("internal size mismatch")
	}

	hash.Write(buf[:headerSize-checksumSize])
	if hash.Sum64() != h.Checksum || h.Magic != magic {
		return errCorruptedFile
	}
	hash.Write(buf[headerSize-checksumSize:])
	if h.Version > version0 {
		return ErrUnsupportedVersion
	}
	if h.Invariant != j.invariant {
		return ErrIncompatible
	}
	return nil
}

func (j *Journal) fail(err error) error {
	if err == nil {
		return nil
	}
	j.logger.LogAttrs(context.Background(), slog.LevelError, "journal: failed", slog.String("jrnl", j.debugName), slog.Any("err", err))
	if j.writeErr == nil {
		j.writeErr = err
	}
	return err
}

func (j *Journal) discard() error {
	f := j.f
	j.f = nil
	j.saved = nil
	j.records = 0
	j.writeErr = nil
	err := f.Close()
	if rerr := removeIfExists(j.path); err == nil {
		err = rerr
	}
	return err
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func closeAndDeleteUnlessOK(f *os.File, ok *bool) {
	if *ok {
		return
	}
	f.Close()
	os.Remove(f.Name())
}

func fillHeader(buf []byte, baseSize int64, invariant [16]byte, hash *xxhash.Digest) {
	h := fileHeader{
		Magic:     magic,
		Version:   version0,
		BaseSize:  baseSize,
		Invariant: invariant,
	}

	n, err := binary.Encode(buf[:], binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != len(buf) {
		panic("internal size mismatch")
	}

	hash.Write(buf[:headerSize-checksumSize])
	binary.LittleEndian.PutUint64(buf[headerSize-checksumSize:], hash.Sum64())
	hash.Write(buf[headerSize-checksumSize : headerSize])
}
