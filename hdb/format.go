package hdb

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/andreyvit/cabinet"
)

// File layout:
//
//   - file = header buckets pool padding (record | free)*
//   - header = magic:64 version:8 kind:8 apow:8 fpow:8 opts:8 flags:8 _:16 bnum:64 rnum:64 fsiz:64 frec:64 npool:32 _:32 uuid:128 _*184
//   - buckets = offset:64 * bnum (0 = empty chain)
//   - pool = (offset:64 size:32) * 2^fpow, the first npool entries used
//   - record = magic:8 fingerprint:8 _:16 ksiz:32 vsiz:32 psiz:32 next:64 key value padding
//   - free = magic:8 _:24 size:32 (anything)
//
// All integers are little-endian. Records and free blocks start at multiples
// of 2^apow; their sizes are multiples of it too, so the area from frec to fsiz
// can be walked block by block.

const (
	headerSize    = 256
	recHeaderSize = 24
	poolEntrySize = 12
	minFreeBlock  = 8

	recMagic  byte = 0xC8
	freeMagic byte = 0xB0

	version0 uint8 = 0
)

var magic = [8]byte{'C', 'A', 'B', 'H', 'A', 'S', 'H', 0}

type fileHeader struct {
	Magic   [8]byte
	Version uint8
	Kind    uint8
	APow    uint8
	FPow    uint8
	Opts    uint8
	Flags   uint8
	_       uint16
	BNum    uint64
	RNum    uint64
	FSiz    uint64
	FRec    uint64
	NPool   uint32
	_       uint32
	UUID    [16]byte
	_       [184]byte
}

type recHeader struct {
	off  int64
	fp   uint8
	ksiz uint32
	vsiz uint32
	psiz uint32
	next int64
}

func (h *recHeader) size() int64 {
	return recHeaderSize + int64(h.ksiz) + int64(h.vsiz) + int64(h.psiz)
}

func (h *recHeader) keyOff() int64 {
	return h.off + recHeaderSize
}

func (h *recHeader) valOff() int64 {
	return h.off + recHeaderSize + int64(h.ksiz)
}

func (h *recHeader) encode(buf []byte) {
	buf[0] = recMagic
	buf[1] = h.fp
	buf[2], buf[3] = 0, 0
	binary.LittleEndian.PutUint32(buf[4:], h.ksiz)
	binary.LittleEndian.PutUint32(buf[8:], h.vsiz)
	binary.LittleEndian.PutUint32(buf[12:], h.psiz)
	binary.LittleEndian.PutUint64(buf[16:], uint64(h.next))
}

func decodeRecHeader(buf []byte, off int64) (recHeader, error) {
	if len(buf) < recHeaderSize || buf[0] != recMagic {
		return recHeader{}, cabinet.DataErrorf(buf, int(off), nil, "bad record header")
	}
	return recHeader{
		off:  off,
		fp:   buf[1],
		ksiz: binary.LittleEndian.Uint32(buf[4:]),
		vsiz: binary.LittleEndian.Uint32(buf[8:]),
		psiz: binary.LittleEndian.Uint32(buf[12:]),
		next: int64(binary.LittleEndian.Uint64(buf[16:])),
	}, nil
}

func alignUp(n, align int64) int64 {
	return (n + align - 1) / align * align
}

func (db *DB) align() int64 {
	return int64(1) << db.apow
}

func (db *DB) bucketOff(i uint64) int64 {
	return headerSize + int64(i)*8
}

func (db *DB) poolOff() int64 {
	return headerSize + int64(db.bnum)*8
}

func (db *DB) poolCap() int {
	return 1 << db.fpow
}

// format lays out an empty database according to the current tuning.
func (db *DB) format(id uuid.UUID) error {
	t := db.tuning.withDefaults()
	db.bnum = uint64(t.BNum)
	db.apow = uint8(t.APow)
	db.fpow = uint8(t.FPow)
	db.opts = t.Opts
	db.uuid = id
	db.rnum = 0
	db.frec = alignUp(db.poolOff()+int64(db.poolCap())*poolEntrySize, db.align())
	db.fsiz = db.frec
	db.buckets = make([]int64, db.bnum)
	db.pool.reset(db.poolCap())

	if err := db.f.Truncate(0); err != nil {
		return cabinet.IOError(err)
	}
	if err := db.f.Truncate(db.frec); err != nil {
		return cabinet.IOError(err)
	}
	return db.writeMeta()
}

func (db *DB) encodeHeader() []byte {
	h := fileHeader{
		Magic:   magic,
		Version: version0,
		Kind:    uint8(db.kind),
		APow:    db.apow,
		FPow:    db.fpow,
		Opts:    uint8(db.opts),
		BNum:    db.bnum,
		RNum:    uint64(db.rnum),
		FSiz:    uint64(db.fsiz),
		FRec:    uint64(db.frec),
		NPool:   uint32(min(db.pool.len(), db.poolCap())),
		UUID:    db.uuid,
	}
	buf := make([]byte, headerSize)
	n, err := binary.Encode(buf, binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != headerSize {
		panic("internal size mismatch")
	}
	return buf
}

func readHeader(r io.ReaderAt) (fileHeader, []byte, error) {
	var h fileHeader
	buf := make([]byte, headerSize)
	if _, err := r.ReadAt(buf, 0); err == io.EOF {
		return h, buf, cabinet.DataErrorf(buf, 0, nil, "file too short for a header")
	} else if err != nil {
		return h, buf, cabinet.IOError(err)
	}
	if _, err := binary.Decode(buf, binary.LittleEndian, &h); err != nil {
		panic(err)
	}
	if h.Magic != magic {
		return h, buf, cabinet.DataErrorf(buf[:8], 0, nil, "not a hash database file")
	}
	if h.Version > version0 {
		return h, buf, cabinet.DataErrorf(buf[8:9], 8, nil, "unsupported version %d", h.Version)
	}
	return h, buf, nil
}

// ReadKind returns the kind recorded in the header of a hash database file.
func ReadKind(path string) (cabinet.FileKind, error) {
	f, err := os.Open(path)
	if err != nil {
		return cabinet.KindInvalid, cabinet.IOError(err)
	}
	defer f.Close()
	h, _, err := readHeader(f)
	if err != nil {
		return cabinet.KindInvalid, err
	}
	return cabinet.FileKind(h.Kind), nil
}

// loadMeta reads header, buckets and free pool from the file.
func (db *DB) loadMeta() error {
	h, hbuf, err := readHeader(db.f)
	if err != nil {
		return err
	}
	if h.BNum == 0 || h.BNum > MaxBNum || h.APow > MaxAPow || h.FPow > MaxFPow {
		return cabinet.DataErrorf(hbuf, 0, nil, "invalid tuning in header")
	}
	db.kind = cabinet.FileKind(h.Kind)
	db.bnum = h.BNum
	db.apow = h.APow
	db.fpow = h.FPow
	db.opts = cabinet.TuneOpts(h.Opts)
	db.rnum = int64(h.RNum)
	db.fsiz = int64(h.FSiz)
	db.frec = int64(h.FRec)
	db.uuid = h.UUID

	st, err := db.f.Stat()
	if err != nil {
		return cabinet.IOError(err)
	}
	if db.frec < db.poolOff() || db.fsiz < db.frec || db.fsiz > st.Size() {
		return cabinet.DataErrorf(hbuf, 0, nil, "inconsistent sizes (frec %d, fsiz %d, file %d)", db.frec, db.fsiz, st.Size())
	}

	raw := make([]byte, db.bnum*8)
	if _, err := db.f.ReadAt(raw, headerSize); err != nil {
		return cabinet.IOError(err)
	}
	db.buckets = make([]int64, db.bnum)
	for i := range db.buckets {
		db.buckets[i] = int64(binary.LittleEndian.Uint64(raw[i*8:]))
	}

	db.pool.reset(db.poolCap())
	if h.NPool > 0 {
		raw := make([]byte, int(h.NPool)*poolEntrySize)
		if _, err := db.f.ReadAt(raw, db.poolOff()); err != nil {
			return cabinet.IOError(err)
		}
		for i := range int(h.NPool) {
			e := raw[i*poolEntrySize:]
			db.pool.add(freeBlock{
				off:  int64(binary.LittleEndian.Uint64(e)),
				size: int64(binary.LittleEndian.Uint32(e[8:])),
			})
		}
	}
	return nil
}

// writeMeta saves the free pool and the header. Buckets are written through.
func (db *DB) writeMeta() error {
	blocks := db.pool.blocks(db.poolCap())
	if len(blocks) > 0 {
		raw := make([]byte, len(blocks)*poolEntrySize)
		for i, b := range blocks {
			e := raw[i*poolEntrySize:]
			binary.LittleEndian.PutUint64(e, uint64(b.off))
			binary.LittleEndian.PutUint32(e[8:], uint32(b.size))
		}
		if err := db.writeAt(raw, db.poolOff()); err != nil {
			return err
		}
	}
	return db.writeAt(db.encodeHeader(), 0)
}

func (db *DB) readAt(buf []byte, off int64) error {
	_, err := db.f.ReadAt(buf, off)
	if err == io.EOF {
		return cabinet.DataErrorf(nil, int(off), nil, "unexpected end of file reading %d bytes", len(buf))
	}
	return cabinet.IOError(err)
}

// writeAt is the only way data reaches the file, so that every overwrite
// inside a transaction gets journaled first.
func (db *DB) writeAt(buf []byte, off int64) error {
	if db.tran {
		if err := db.jrnl.Protect(db.f, off, len(buf)); err != nil {
			return cabinet.IOError(err)
		}
	}
	if _, err := db.f.WriteAt(buf, off); err != nil {
		return cabinet.IOError(err)
	}
	return nil
}

func (db *DB) setBucket(i uint64, off int64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(off))
	if err := db.writeAt(buf[:], db.bucketOff(i)); err != nil {
		return err
	}
	db.buckets[i] = off
	return nil
}

// setNext relinks a chain: prev == 0 means the bucket head.
func (db *DB) setNext(bidx uint64, prev, next int64) error {
	if prev == 0 {
		return db.setBucket(bidx, next)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(next))
	return db.writeAt(buf[:], prev+16)
}

// readBlock returns the size of the block at off and, for records, its header.
func (db *DB) readBlock(off int64) (recHeader, int64, bool, error) {
	var buf [recHeaderSize]byte
	n := int64(recHeaderSize)
	if rem := db.fsiz - off; rem < n {
		n = rem
	}
	if n < minFreeBlock {
		return recHeader{}, 0, false, cabinet.DataErrorf(buf[:n], int(off), nil, "truncated block")
	}
	if err := db.readAt(buf[:n], off); err != nil {
		return recHeader{}, 0, false, err
	}
	switch buf[0] {
	case freeMagic:
		size := int64(binary.LittleEndian.Uint32(buf[4:]))
		if size < minFreeBlock || off+size > db.fsiz {
			return recHeader{}, 0, false, cabinet.DataErrorf(buf[:n], int(off), nil, "bad free block size %d", size)
		}
		return recHeader{}, size, false, nil
	case recMagic:
		h, err := decodeRecHeader(buf[:n], off)
		if err != nil {
			return h, 0, false, err
		}
		if off+h.size() > db.fsiz {
			return h, 0, false, cabinet.DataErrorf(buf[:n], int(off), nil, "record overruns file")
		}
		return h, h.size(), true, nil
	default:
		return recHeader{}, 0, false, cabinet.DataErrorf(buf[:n], int(off), nil, "bad block magic %02x", buf[0])
	}
}

func (db *DB) writeFreeHeader(off, size int64) error {
	var buf [minFreeBlock]byte
	buf[0] = freeMagic
	binary.LittleEndian.PutUint32(buf[4:], uint32(size))
	return db.writeAt(buf[:], off)
}

func (db *DB) String() string {
	return fmt.Sprintf("hdb(%s)", db.path)
}
