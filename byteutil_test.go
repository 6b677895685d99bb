package cabinet

import (
	"encoding/binary"
	"errors"
	"math"
	"reflect"
	"testing"
)

func TestBuilder_Basics(t *testing.T) {
	var bb Builder
	bb.EnsureExtra(128)
	if cap(bb.Buf) < 128 {
		t.Fatalf("cap(bb.Buf) = %d, wanted >= 128", cap(bb.Buf))
	}

	off := bb.Grow(3)
	copy(bb.Buf[off:], []byte{1, 2, 3})
	bb.AppendByte(4)
	bb.AppendFixedUint64(0x0102030405060708)
	bb.AppendUvarint(0x42)

	want := []byte{1, 2, 3, 4}
	want = binary.BigEndian.AppendUint64(want, 0x0102030405060708)
	want = AppendUvarint(want, 0x42)

	if !reflect.DeepEqual(bb.Buf, want) {
		t.Fatalf("bb.Buf = %x, wanted %x", bb.Buf, want)
	}

	bb.Trim(2)
	if !reflect.DeepEqual(bb.Buf, []byte{1, 2}) {
		t.Fatalf("after Trim: bb.Buf = %x, wanted 0102", bb.Buf)
	}

	_, _ = bb.Write([]byte{9, 8})
	_ = bb.WriteByte(7)
	if !reflect.DeepEqual(bb.Buf, []byte{1, 2, 9, 8, 7}) {
		t.Fatalf("after Write: bb.Buf = %x, wanted 0102090807", bb.Buf)
	}
}

func TestDecoder_RoundTrip(t *testing.T) {
	var bb Builder
	bb.AppendByte(0xEE)
	bb.AppendVarBytes([]byte("hi"))
	bb.AppendUvarint(300)
	bb.AppendFixedUint64(math.MaxUint64)

	d := NewDecoder(bb.Buf)
	if b, err := d.Byte(); err != nil || b != 0xEE {
		t.Fatalf("Byte = (%x, %v), wanted (ee, nil)", b, err)
	}
	if v, err := d.VarBytes(); err != nil || string(v) != "hi" {
		t.Fatalf("VarBytes = (%q, %v), wanted (\"hi\", nil)", v, err)
	}
	if v, err := d.Uvarinti(); err != nil || v != 300 {
		t.Fatalf("Uvarinti = (%d, %v), wanted (300, nil)", v, err)
	}
	if v, err := d.FixedUint64(); err != nil || v != math.MaxUint64 {
		t.Fatalf("FixedUint64 = (%x, %v), wanted (ffffffffffffffff, nil)", v, err)
	}
	if !d.Done() || d.Off() != len(bb.Buf) {
		t.Fatalf("Done = %v, Off = %d, wanted true, %d", d.Done(), d.Off(), len(bb.Buf))
	}
	if _, err := d.Byte(); !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("Byte past end err = %v, wanted ErrCorruptRecord", err)
	}
}

func TestDecoder_Errors(t *testing.T) {
	t.Run("invalid uvarint", func(t *testing.T) {
		d := NewDecoder([]byte{0x80})
		_, err := d.Uvarint()
		var de *DataError
		if !errors.As(err, &de) {
			t.Fatalf("Uvarint err = %T %v, wanted *DataError", err, err)
		}
		if de.Off != 0 {
			t.Fatalf("DataError.Off = %d, wanted 0", de.Off)
		}
	})

	t.Run("uvarint overflows int", func(t *testing.T) {
		d := NewDecoder(AppendUvarint(nil, uint64(math.MaxInt)+1))
		if _, err := d.Uvarinti(); err == nil {
			t.Fatalf("Uvarinti err = nil, wanted error")
		}
	})

	t.Run("not enough data", func(t *testing.T) {
		d := NewDecoder([]byte{1, 2})
		if _, err := d.Raw(3); err == nil {
			t.Fatalf("Raw err = nil, wanted error")
		}
		d = NewDecoder(AppendUvarint(nil, 5))
		if _, err := d.VarBytes(); !errors.Is(err, ErrCorruptRecord) {
			t.Fatalf("VarBytes err = %v, wanted ErrCorruptRecord", err)
		}
	})
}
