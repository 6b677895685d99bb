package cabinet

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDataError_ErrorAndUnwrap(t *testing.T) {
	t.Run("small data", func(t *testing.T) {
		inner := errors.New("inner")
		err := DataErrorf([]byte{0xAA, 0xBB}, 1, inner, "oops")
		var de *DataError
		if !errors.As(err, &de) {
			t.Fatalf("err = %T, wanted *DataError", err)
		}
		if !errors.Is(err, inner) {
			t.Fatalf("errors.Is(err, inner) = false, wanted true")
		}
		if !errors.Is(err, ErrCorruptRecord) {
			t.Fatalf("errors.Is(err, ErrCorruptRecord) = false, wanted true")
		}
		s := err.Error()
		if !strings.Contains(s, "oops at 1") || !strings.Contains(s, "inner") || !strings.Contains(s, "(2) aabb") {
			t.Fatalf("err.Error() = %q, wanted message with oops/inner/(2)", s)
		}
	})

	t.Run("large data includes prefix+suffix", func(t *testing.T) {
		data := make([]byte, 200)
		for i := range data {
			data[i] = byte(i)
		}
		s := DataErrorf(data, 0, nil, "oops").Error()
		if !strings.Contains(s, "(200)") || !strings.Contains(s, "...") {
			t.Fatalf("err.Error() = %q, wanted message with (200) and ...", s)
		}
	})
}

func TestOpError(t *testing.T) {
	if WrapOp("hdb.put", "x.hdb", nil, nil) != nil {
		t.Fatalf("WrapOp(nil) != nil")
	}

	err := WrapOp("hdb.put", "x.hdb", []byte("key"), ErrKeyExists)
	assert.EqualError(t, err, "hdb.put x.hdb/key: record already exists")
	assert.ErrorIs(t, err, ErrKeyExists)
	assert.Same(t, err, WrapOp("bdb.put", "y.bdb", nil, err))

	err = WrapOp("hdb.get", "", []byte{0, 1, 0xff}, ErrNotFound)
	assert.EqualError(t, err, "hdb.get/0001ff: record not found")

	err = OpErrorf("fdb.put", "z.fdb", []byte("7"), ErrConfig, "width %d", 8)
	assert.EqualError(t, err, "fdb.put z.fdb/7: width 8: invalid configuration")
	assert.Equal(t, KindConfig, KindOf(err))
}

func TestIOError(t *testing.T) {
	if IOError(nil) != nil {
		t.Fatalf("IOError(nil) != nil")
	}
	err := IOError(fmt.Errorf("open x: %w", fs.ErrNotExist))
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.Same(t, err, IOError(err))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		kind ErrorKind
	}{
		{nil, KindNone},
		{ErrNotFound, KindNotFound},
		{ErrKeyExists, KindKeyExists},
		{ErrTypeMismatch, KindTypeMismatch},
		{ErrReadOnly, KindInvalidState},
		{ErrLocked, KindInvalidState},
		{ErrConfig, KindConfig},
		{DataErrorf(nil, 0, nil, "bad"), KindCorruptRecord},
		{DataErrorf(nil, 0, IOError(errors.New("eio")), "short read"), KindIO},
		{errors.New("other"), KindUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.kind, KindOf(tt.err), "KindOf(%v)", tt.err)
	}
	assert.Equal(t, "corrupt_record", KindCorruptRecord.String())
	assert.Equal(t, "ErrorKind(42)", ErrorKind(42).String())
}
