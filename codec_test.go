package cabinet

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sortedWith(cmp Comparator, keys ...[]byte) [][]byte {
	slices.SortStableFunc(keys, cmp)
	return keys
}

func TestComparators(t *testing.T) {
	b := func(s string) []byte { return []byte(s) }

	assert.Equal(t, [][]byte{b("a"), b("ab"), b("b")}, sortedWith(CompareLexical, b("b"), b("ab"), b("a")))
	assert.Equal(t, [][]byte{b("-3"), b("x"), b("2.5"), b("10"), b("10a")},
		sortedWith(CompareDecimal, b("10a"), b("10"), b("2.5"), b("x"), b("-3")))
	assert.Equal(t, [][]byte{EncodeInt32(-5), EncodeInt32(0), EncodeInt32(7)},
		sortedWith(CompareInt32, EncodeInt32(7), EncodeInt32(-5), EncodeInt32(0)))
	assert.Equal(t, [][]byte{EncodeInt64(-1 << 40), EncodeInt64(1), EncodeInt64(1 << 40)},
		sortedWith(CompareInt64, EncodeInt64(1<<40), EncodeInt64(1), EncodeInt64(-1<<40)))

	// odd-sized keys sort by length before bytes
	assert.Equal(t, -1, CompareInt32(b("zz"), EncodeInt32(0)))
	assert.Equal(t, 1, CompareInt64(b("b"), b("a")))
}

func TestParseDecimal(t *testing.T) {
	tests := map[string]float64{
		"":        0,
		"abc":     0,
		"42":      42,
		"  -1.5x": -1.5,
		"+7":      7,
		"3.":      3,
		".25":     0.25,
		"-":       0,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseDecimal([]byte(in)), "ParseDecimal(%q)", in)
	}
}

func TestComparatorRegistry(t *testing.T) {
	cmp, ok := LookupComparator(ComparatorDecimal)
	require.True(t, ok)
	assert.Equal(t, 1, cmp([]byte("10"), []byte("9")))

	_, ok = LookupComparator("reverse-test")
	assert.False(t, ok)
	RegisterComparator("reverse-test", func(a, b []byte) int { return CompareLexical(b, a) })
	cmp, ok = LookupComparator("reverse-test")
	require.True(t, ok)
	assert.Equal(t, 1, cmp([]byte("a"), []byte("b")))

	assert.Panics(t, func() { RegisterComparator(ComparatorLexical, CompareLexical) })
	assert.Panics(t, func() { RegisterComparator("", CompareLexical) })
}

func TestAddIntDouble(t *testing.T) {
	v, n, err := AddInt(nil, 3)
	require.NoError(t, err)
	assert.Equal(t, int32(3), n)
	assert.Equal(t, []byte{3, 0, 0, 0}, v)

	v, n, err = AddInt(v, -5)
	require.NoError(t, err)
	assert.Equal(t, int32(-2), n)
	assert.Equal(t, []byte{0xfe, 0xff, 0xff, 0xff}, v)

	_, _, err = AddInt([]byte("abc"), 1)
	assert.ErrorIs(t, err, ErrTypeMismatch)

	d, f, err := AddDouble(nil, 1.5)
	require.NoError(t, err)
	d, f, err = AddDouble(d, 0.25)
	require.NoError(t, err)
	assert.Equal(t, 1.75, f)
	assert.Len(t, d, 8)

	_, _, err = AddDouble(v, 1)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}
