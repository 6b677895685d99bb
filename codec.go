package cabinet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"sync"
)

// Comparator orders B-tree keys. Keys that compare equal are the same key.
type Comparator func(a, b []byte) int

func CompareLexical(a, b []byte) int {
	return bytes.Compare(a, b)
}

// CompareDecimal orders keys by the decimal number they start with, falling
// back to byte order for numerically equal keys. Non-numeric keys count as 0.
func CompareDecimal(a, b []byte) int {
	x, y := ParseDecimal(a), ParseDecimal(b)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return bytes.Compare(a, b)
	}
}

// CompareInt32 orders 4-byte little-endian signed integers. Keys of any other
// length sort by length, then bytes.
func CompareInt32(a, b []byte) int {
	if len(a) != 4 || len(b) != 4 {
		return compareOdd(a, b)
	}
	return cmpInt(int64(int32(binary.LittleEndian.Uint32(a))), int64(int32(binary.LittleEndian.Uint32(b))))
}

// CompareInt64 orders 8-byte little-endian signed integers.
func CompareInt64(a, b []byte) int {
	if len(a) != 8 || len(b) != 8 {
		return compareOdd(a, b)
	}
	return cmpInt(int64(binary.LittleEndian.Uint64(a)), int64(binary.LittleEndian.Uint64(b)))
}

func compareOdd(a, b []byte) int {
	if len(a) != len(b) {
		return cmpInt(int64(len(a)), int64(len(b)))
	}
	return bytes.Compare(a, b)
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// ParseDecimal reads the longest decimal number prefix of b, ignoring leading
// spaces. Returns 0 if there is none.
func ParseDecimal(b []byte) float64 {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\t') {
		i++
	}
	start := i
	if i < len(b) && (b[i] == '-' || b[i] == '+') {
		i++
	}
	digits := 0
	for i < len(b) && b[i] >= '0' && b[i] <= '9' {
		i++
		digits++
	}
	if i < len(b) && b[i] == '.' {
		j := i + 1
		for j < len(b) && b[j] >= '0' && b[j] <= '9' {
			j++
			digits++
		}
		i = j
	}
	if digits == 0 {
		return 0
	}
	v, err := strconv.ParseFloat(string(b[start:i]), 64)
	if err != nil {
		return 0
	}
	return v
}

const (
	ComparatorLexical = "lexical"
	ComparatorDecimal = "decimal"
	ComparatorInt32   = "int32"
	ComparatorInt64   = "int64"
)

var (
	comparatorsMu sync.RWMutex
	comparators   = map[string]Comparator{
		ComparatorLexical: CompareLexical,
		ComparatorDecimal: CompareDecimal,
		ComparatorInt32:   CompareInt32,
		ComparatorInt64:   CompareInt64,
	}
)

// RegisterComparator makes a custom comparator available by name, so that a
// B-tree file created with it can be reopened.
func RegisterComparator(name string, cmp Comparator) {
	if name == "" || cmp == nil {
		panic("cabinet: RegisterComparator needs a name and a func")
	}
	comparatorsMu.Lock()
	defer comparatorsMu.Unlock()
	if _, ok := comparators[name]; ok {
		panic(fmt.Sprintf("cabinet: comparator %q registered twice", name))
	}
	comparators[name] = cmp
}

func LookupComparator(name string) (Comparator, bool) {
	comparatorsMu.RLock()
	defer comparatorsMu.RUnlock()
	cmp, ok := comparators[name]
	return cmp, ok
}

func EncodeInt32(v int32) []byte {
	return binary.LittleEndian.AppendUint32(nil, uint32(v))
}

func DecodeInt32(b []byte) (int32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("%w: value has %d bytes, not a 4-byte integer", ErrTypeMismatch, len(b))
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

func EncodeInt64(v int64) []byte {
	return binary.LittleEndian.AppendUint64(nil, uint64(v))
}

func EncodeDouble(v float64) []byte {
	return binary.LittleEndian.AppendUint64(nil, math.Float64bits(v))
}

func DecodeDouble(b []byte) (float64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: value has %d bytes, not an 8-byte double", ErrTypeMismatch, len(b))
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
}

// AddInt applies an AddInt operation to an existing value. A nil old value is
// an absent record and yields n.
func AddInt(old []byte, n int32) ([]byte, int32, error) {
	if old == nil {
		return EncodeInt32(n), n, nil
	}
	v, err := DecodeInt32(old)
	if err != nil {
		return nil, 0, err
	}
	v += n
	return EncodeInt32(v), v, nil
}

func AddDouble(old []byte, n float64) ([]byte, float64, error) {
	if old == nil {
		return EncodeDouble(n), n, nil
	}
	v, err := DecodeDouble(old)
	if err != nil {
		return nil, 0, err
	}
	v += n
	return EncodeDouble(v), v, nil
}
