package fdb

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/andreyvit/cabinet"
	"github.com/andreyvit/cabinet/mmap"
)

// File layout:
//
//   - file = header (table | heap block | garbage)*
//   - header = magic:64 version:8 kind:8 prefix:8 _:8 width:32 limsiz:64 slots:64 table:64 heapend:64 garbage:64 rnum:64 uuid:128 _*176
//   - table = slot * slots, slot i holds id i
//   - slot (width > 0) = len+1:prefix*8 value:width*8, len+1 = 0 for an empty slot
//   - slot (width = 0) = offset:64 len+1:32 cap:32, pointing at a heap block
//
// All integers are little-endian. With a fixed width the table is the last
// thing in the file and grows in place. With width 0, values live in heap
// blocks appended at the end of the file; a value that outgrows its block
// moves to a new one, and a table that runs out of slots moves to the end of
// the file. The space left behind is counted as garbage until Optimize.

const (
	headerSize   = 256
	ptrSlotSize  = 16
	heapAlign    = 16
	initialSlots = 64

	version0 uint8 = 0
)

var magic = [8]byte{'C', 'A', 'B', 'F', 'I', 'X', 'E', 'D'}

type fileHeader struct {
	Magic    [8]byte
	Version  uint8
	Kind     uint8
	Prefix   uint8
	_        uint8
	Width    uint32
	LimSiz   uint64
	Slots    uint64
	TableOff uint64
	HeapEnd  uint64
	Garbage  uint64
	RNum     uint64
	UUID     [16]byte
	_        [176]byte
}

// prefixSize returns the number of bytes needed to store len+1 for values of
// up to width bytes.
func prefixSize(width int) int {
	switch {
	case width < 0xff:
		return 1
	case width < 0xffff:
		return 2
	default:
		return 4
	}
}

func getPrefix(b []byte, n int) uint32 {
	switch n {
	case 1:
		return uint32(b[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(b))
	default:
		return binary.LittleEndian.Uint32(b)
	}
}

func putPrefix(b []byte, n int, v uint32) {
	switch n {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	default:
		binary.LittleEndian.PutUint32(b, v)
	}
}

type ptr struct {
	off  int64
	len1 uint32
	cap  uint32
}

func decodePtr(b []byte) ptr {
	return ptr{
		off:  int64(binary.LittleEndian.Uint64(b)),
		len1: binary.LittleEndian.Uint32(b[8:]),
		cap:  binary.LittleEndian.Uint32(b[12:]),
	}
}

func (p ptr) encode(b []byte) {
	binary.LittleEndian.PutUint64(b, uint64(p.off))
	binary.LittleEndian.PutUint32(b[8:], p.len1)
	binary.LittleEndian.PutUint32(b[12:], p.cap)
}

func alignUp(n, align int64) int64 {
	return (n + align - 1) / align * align
}

func (db *DB) tableSize() int64 {
	return int64(db.slots) * int64(db.slotSize)
}

func (db *DB) tableEnd() int64 {
	return db.tableOff + db.tableSize()
}

// maxSlots is the largest table that fits under limsiz, assuming it sits at
// the given offset.
func (db *DB) maxSlots(tableOff int64) uint64 {
	if db.limsiz <= tableOff {
		return 0
	}
	return uint64((db.limsiz - tableOff) / int64(db.slotSize))
}

func (db *DB) setWidth(width int) {
	db.width = width
	if width > 0 {
		db.prefix = prefixSize(width)
		db.slotSize = db.prefix + width
	} else {
		db.prefix = 0
		db.slotSize = ptrSlotSize
	}
}

// format lays out an empty database with the current width and size limit.
func (db *DB) format(id uuid.UUID) error {
	db.uuid = id
	db.tableOff = headerSize
	db.slots = min(initialSlots, db.maxSlots(headerSize))
	if db.slots == 0 {
		return fmt.Errorf("%w: size limit %d leaves no room for slots", cabinet.ErrConfig, db.limsiz)
	}
	db.heapEnd = db.tableEnd()
	db.garbage = 0
	db.live.Clear()

	if err := db.unmapTable(); err != nil {
		return err
	}
	if err := db.f.Truncate(0); err != nil {
		return cabinet.IOError(err)
	}
	if err := db.f.Truncate(db.heapEnd); err != nil {
		return cabinet.IOError(err)
	}
	if err := db.writeHeader(); err != nil {
		return err
	}
	return db.mapTable()
}

func (db *DB) encodeHeader() []byte {
	h := fileHeader{
		Magic:    magic,
		Version:  version0,
		Kind:     uint8(cabinet.KindFixed),
		Prefix:   uint8(db.prefix),
		Width:    uint32(db.width),
		LimSiz:   uint64(db.limsiz),
		Slots:    db.slots,
		TableOff: uint64(db.tableOff),
		HeapEnd:  uint64(db.heapEnd),
		Garbage:  uint64(db.garbage),
		RNum:     db.live.GetCardinality(),
		UUID:     db.uuid,
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

func (db *DB) writeHeader() error {
	_, err := db.f.WriteAt(db.encodeHeader(), 0)
	return cabinet.IOError(err)
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
		return h, buf, cabinet.DataErrorf(buf[:8], 0, nil, "not a fixed-length database file")
	}
	if h.Version > version0 {
		return h, buf, cabinet.DataErrorf(buf[8:9], 8, nil, "unsupported version %d", h.Version)
	}
	return h, buf, nil
}

// ReadKind returns the kind recorded in the header of a fixed-length
// database file.
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

// loadMeta reads the header, maps the table and rebuilds the live id set.
func (db *DB) loadMeta() error {
	h, hbuf, err := readHeader(db.f)
	if err != nil {
		return err
	}
	if h.Width > MaxWidth || (h.Width > 0 && int(h.Prefix) != prefixSize(int(h.Width))) {
		return cabinet.DataErrorf(hbuf, 0, nil, "invalid width %d with prefix %d", h.Width, h.Prefix)
	}
	db.setWidth(int(h.Width))
	db.limsiz = int64(h.LimSiz)
	db.slots = h.Slots
	db.tableOff = int64(h.TableOff)
	db.heapEnd = int64(h.HeapEnd)
	db.garbage = int64(h.Garbage)
	db.uuid = h.UUID

	st, err := db.f.Stat()
	if err != nil {
		return cabinet.IOError(err)
	}
	if db.slots == 0 || db.tableOff < headerSize || db.tableEnd() > st.Size() || db.slots > db.maxSlots(db.tableOff) {
		return cabinet.DataErrorf(hbuf, 0, nil, "inconsistent table (%d slots at %d, file %d)", db.slots, db.tableOff, st.Size())
	}
	if err := db.mapTable(); err != nil {
		return err
	}
	return db.scan(st.Size())
}

// scan rebuilds the live set from the slot table. For the heap layout it also
// finds the real end of the used area, which the header may lag behind after
// a crash.
func (db *DB) scan(fileSize int64) error {
	db.live.Clear()
	end := max(db.tableEnd(), db.heapEnd)
	for id := range db.slots {
		s := db.slot(id)
		if db.width > 0 {
			l1 := getPrefix(s, db.prefix)
			if l1 == 0 {
				continue
			}
			if int(l1-1) > db.width {
				return cabinet.DataErrorf(cabinet.Clone(s), int(db.slotOff(id)), nil, "value length %d over width %d", l1-1, db.width)
			}
		} else {
			p := decodePtr(s)
			if p.len1 == 0 {
				continue
			}
			if p.len1-1 > p.cap || p.off < headerSize || p.off+int64(p.cap) > fileSize {
				return cabinet.DataErrorf(cabinet.Clone(s), int(db.slotOff(id)), nil, "bad value pointer")
			}
			end = max(end, p.off+int64(p.cap))
		}
		db.live.Add(id)
	}
	db.heapEnd = end
	return nil
}

func (db *DB) slotOff(id uint64) int64 {
	return db.tableOff + int64(id)*int64(db.slotSize)
}

func (db *DB) slot(id uint64) []byte {
	off := int64(id) * int64(db.slotSize)
	return db.table[off : off+int64(db.slotSize)]
}

// mapTable maps the slot table. Mappings must start at a page boundary, so
// the mapping may include the tail of whatever precedes the table.
func (db *DB) mapTable() error {
	start := db.tableOff / int64(mmap.PageSize) * int64(mmap.PageSize)
	opt := mmap.RandomAccess
	if db.writable() {
		opt |= mmap.Writable
	}
	m, err := mmap.Mmap(db.f, start, int(db.tableEnd()-start), opt)
	if err != nil {
		return cabinet.IOError(err)
	}
	db.mapping = m
	db.table = m[db.tableOff-start:]
	return nil
}

func (db *DB) unmapTable() error {
	m := db.mapping
	db.mapping, db.table = nil, nil
	return cabinet.IOError(mmap.Munmap(m))
}
