package cabinet

import (
	"fmt"
	"os"
	"strings"
)

// Mode is a bit set of open flags.
type Mode uint

const (
	// Reader opens the database for reading only.
	Reader Mode = 1 << iota

	// Writer opens the database for reading and writing.
	Writer

	// Create creates the database file if it does not exist. Requires Writer.
	Create

	// Truncate empties an existing database file. Requires Writer.
	Truncate

	// NoLock skips the advisory file lock.
	NoLock

	// LockNonBlocking fails with ErrLocked instead of waiting for the lock.
	LockNonBlocking

	// TranSync syncs the undo journal after every record it appends, making
	// transactions crash-safe at the cost of an fdatasync per touched region.
	TranSync
)

func (m Mode) Has(v Mode) bool {
	return m&v != 0
}

func (m Mode) Validate() error {
	if !m.Has(Reader) && !m.Has(Writer) {
		return fmt.Errorf("%w: open mode %v has neither Reader nor Writer", ErrConfig, m)
	}
	if !m.Has(Writer) && m.Has(Create|Truncate) {
		return fmt.Errorf("%w: open mode %v creates or truncates without Writer", ErrConfig, m)
	}
	return nil
}

// FileFlags returns the os.OpenFile flags matching the mode.
func (m Mode) FileFlags() int {
	var flags int
	if m.Has(Writer) {
		flags = os.O_RDWR
	} else {
		flags = os.O_RDONLY
	}
	if m.Has(Create) {
		flags |= os.O_CREATE
	}
	if m.Has(Truncate) {
		flags |= os.O_TRUNC
	}
	return flags
}

var modeNames = []string{"reader", "writer", "create", "truncate", "nolock", "locknb", "transync"}

func (m Mode) String() string {
	var parts []string
	for i, name := range modeNames {
		if m&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// TuneOpts are the tuning option flags accepted by the hash and B-tree stores.
type TuneOpts uint8

const (
	// TLarge allows the file to exceed 2GB. Offsets are always 64-bit, so it
	// is recorded for compatibility only.
	TLarge TuneOpts = 1 << iota
	TDeflate
	TBzip
	TTCBS
	TExCodec
)

const knownTuneOpts = TLarge | TDeflate | TBzip | TTCBS | TExCodec

func (o TuneOpts) Validate() error {
	if o&^knownTuneOpts != 0 {
		return fmt.Errorf("%w: unknown tuning options 0x%x", ErrConfig, uint8(o&^knownTuneOpts))
	}
	if n := popcount(uint8(o & (TDeflate | TBzip | TTCBS | TExCodec))); n > 1 {
		return fmt.Errorf("%w: at most one compression codec may be selected", ErrConfig)
	}
	return nil
}

func popcount(v uint8) int {
	var n int
	for ; v != 0; v &= v - 1 {
		n++
	}
	return n
}

// FileKind is the record layout a database file was created for.
type FileKind uint8

const (
	KindInvalid FileKind = iota
	KindHash
	KindBTree
	KindFixed
	KindTable
	KindTableBTree
)

func (k FileKind) String() string {
	switch k {
	case KindHash:
		return "hash"
	case KindBTree:
		return "btree"
	case KindFixed:
		return "fixed"
	case KindTable:
		return "table"
	case KindTableBTree:
		return "table+btree"
	default:
		return fmt.Sprintf("FileKind(%d)", uint8(k))
	}
}
