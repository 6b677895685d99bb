package cabinet

import (
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"unicode/utf8"
)

// Clone returns a copy of b that does not alias it. Nil stays nil.
func Clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append(make([]byte, 0, len(b)), b...)
}

// Inc increments data as a big-endian number in place, returning false on
// overflow. Used to turn a prefix into an exclusive upper bound.
func Inc(data []byte) bool {
	n := len(data)
	for i := n - 1; i >= 0; i-- {
		if data[i] != 0xFF {
			for j := i; j < n; j++ {
				data[j]++
			}
			return true
		}
	}
	return false
}

func Dec(data []byte) bool {
	n := len(data)
	for i := n - 1; i >= 0; i-- {
		if data[i] != 0 {
			for j := i; j < n; j++ {
				data[j]--
			}
			return true
		}
	}
	return false
}

func hexstr(b []byte) string {
	if b == nil {
		return "<nil>"
	}
	if len(b) == 0 {
		return "<empty>"
	}
	return hex.EncodeToString(b)
}

// printableKey renders keys that are plain text as is, everything else in hex.
func printableKey(b []byte) string {
	if len(b) == 0 || !utf8.Valid(b) {
		return hexstr(b)
	}
	for _, c := range b {
		if c < 0x20 || c == 0x7F {
			return hexstr(b)
		}
	}
	return string(b)
}

func HexAttr(key string, b []byte) slog.Attr {
	return slog.String(key, hexstr(b))
}

// KeyAttr logs a record key, readable when it is text.
func KeyAttr(key string, b []byte) slog.Attr {
	return slog.String(key, printableKey(b))
}

// CopyFile writes src to a new file at dest and syncs it. A partial file is
// removed on failure.
func CopyFile(dest string, src io.Reader) error {
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return IOError(err)
	}
	var ok bool
	defer func() {
		if !ok {
			out.Close()
			os.Remove(dest)
		}
	}()
	if _, err := io.Copy(out, src); err != nil {
		return IOError(err)
	}
	if err := out.Sync(); err != nil {
		return IOError(err)
	}
	ok = true
	return IOError(out.Close())
}
