package cabinet

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"
)

func TestIncDec(t *testing.T) {
	b := []byte{0x00, 0x00}
	if !Inc(b) || b[0] != 0x00 || b[1] != 0x01 {
		t.Fatalf("Inc = %x, wanted 0001", b)
	}
	if !Dec(b) || b[0] != 0x00 || b[1] != 0x00 {
		t.Fatalf("Dec = %x, wanted 0000", b)
	}
	b = []byte{0x00, 0xFF}
	if !Inc(b) || b[0] != 0x01 || b[1] != 0x00 {
		t.Fatalf("Inc = %x, wanted 0100", b)
	}
	if Dec([]byte{0x00}) {
		t.Fatalf("Dec(00) = true, wanted false")
	}
	if Inc([]byte{0xFF}) {
		t.Fatalf("Inc(FF) = true, wanted false")
	}
}

func TestClone(t *testing.T) {
	if Clone(nil) != nil {
		t.Fatalf("Clone(nil) != nil")
	}
	if c := Clone([]byte{}); c == nil || len(c) != 0 {
		t.Fatalf("Clone(empty) = %#v, wanted non-nil empty", c)
	}
	orig := []byte("abc")
	c := Clone(orig)
	orig[0] = 'x'
	if string(c) != "abc" {
		t.Fatalf("Clone aliases its input: %q", c)
	}
}

func TestLogAttrs(t *testing.T) {
	if got := hexstr(nil); got != "<nil>" {
		t.Fatalf("hexstr(nil) = %q, wanted <nil>", got)
	}
	if got := hexstr([]byte{}); got != "<empty>" {
		t.Fatalf("hexstr(empty) = %q, wanted <empty>", got)
	}
	a := HexAttr("k", []byte{0xAA, 0xBB})
	if a.Key != "k" || a.Value.Kind() != slog.KindString || a.Value.String() != "aabb" {
		t.Fatalf("HexAttr = %+v, wanted k=aabb", a)
	}
	if a := KeyAttr("key", []byte("user/42")); a.Value.String() != "user/42" {
		t.Fatalf("KeyAttr(text) = %v, wanted user/42", a.Value)
	}
	if a := KeyAttr("key", []byte("a\nb")); a.Value.String() != "610a62" {
		t.Fatalf("KeyAttr(control) = %v, wanted 610a62", a.Value)
	}
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "copy")
	if err := CopyFile(dest, strings.NewReader("payload")); err != nil {
		t.Fatal(err)
	}
	if b, err := os.ReadFile(dest); err != nil || string(b) != "payload" {
		t.Fatalf("copied = (%q, %v), wanted payload", b, err)
	}

	failed := filepath.Join(dir, "failed")
	err := CopyFile(failed, iotest.ErrReader(errors.New("boom")))
	if !errors.Is(err, ErrIO) {
		t.Fatalf("CopyFile err = %v, wanted ErrIO", err)
	}
	if _, err := os.Stat(failed); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("partial copy left behind: %v", err)
	}

	err = CopyFile(filepath.Join(dir, "missing", "dir"), strings.NewReader(""))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("CopyFile into missing dir err = %v, wanted ErrNotExist", err)
	}
}
