package tdb

import (
	"bytes"
	"fmt"
	"iter"
	"maps"
	"slices"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/cabinet"
)

// Column is one named value of a record.
type Column struct {
	Name  string
	Value string
}

// Columns is the value of a table record: columns sorted by name, with unique
// names. The zero value is an empty record.
//
// Columns are stored as a msgpack map of string names to string values, in
// name order.
type Columns []Column

// Cols builds Columns from name, value pairs. Later pairs win.
func Cols(pairs ...string) Columns {
	if len(pairs)%2 != 0 {
		panic("tdb.Cols: odd number of arguments")
	}
	var c Columns
	for i := 0; i < len(pairs); i += 2 {
		c.Set(pairs[i], pairs[i+1])
	}
	return c
}

func FromMap(m map[string]string) Columns {
	c := make(Columns, 0, len(m))
	for _, name := range slices.Sorted(maps.Keys(m)) {
		c = append(c, Column{name, m[name]})
	}
	return c
}

func (c Columns) search(name string) (int, bool) {
	return slices.BinarySearchFunc(c, name, func(col Column, name string) int {
		return strings.Compare(col.Name, name)
	})
}

// Get returns the value of the named column.
func (c Columns) Get(name string) (string, bool) {
	i, ok := c.search(name)
	if !ok {
		return "", false
	}
	return c[i].Value, true
}

// Set adds or replaces the named column.
func (c *Columns) Set(name, value string) {
	i, ok := c.search(name)
	if ok {
		(*c)[i].Value = value
		return
	}
	*c = slices.Insert(*c, i, Column{name, value})
}

func (c *Columns) Delete(name string) {
	if i, ok := c.search(name); ok {
		*c = slices.Delete(*c, i, i+1)
	}
}

func (c Columns) Len() int {
	return len(c)
}

func (c Columns) Map() map[string]string {
	m := make(map[string]string, len(c))
	for _, col := range c {
		m[col.Name] = col.Value
	}
	return m
}

func (c Columns) All() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		for _, col := range c {
			if !yield(col.Name, col.Value) {
				return
			}
		}
	}
}

func (c Columns) Clone() Columns {
	return slices.Clone(c)
}

func (c Columns) String() string {
	var buf strings.Builder
	buf.WriteByte('{')
	for i, col := range c {
		if i > 0 {
			buf.WriteString(", ")
		}
		fmt.Fprintf(&buf, "%s: %q", col.Name, col.Value)
	}
	buf.WriteByte('}')
	return buf.String()
}

// merge adds the columns of add that c does not have yet.
func (c Columns) merge(add Columns) Columns {
	out := c.Clone()
	for _, col := range add {
		if _, ok := out.search(col.Name); !ok {
			out.Set(col.Name, col.Value)
		}
	}
	return out
}

func (c Columns) validate() error {
	for i, col := range c {
		if col.Name == "" {
			return fmt.Errorf("%w: empty column name", cabinet.ErrInvalidState)
		}
		if i > 0 && c[i-1].Name >= col.Name {
			return fmt.Errorf("%w: columns not sorted by unique name at %q", cabinet.ErrInvalidState, col.Name)
		}
	}
	return nil
}

var _ msgpack.CustomEncoder = Columns(nil)
var _ msgpack.CustomDecoder = (*Columns)(nil)

func (c Columns) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(len(c)); err != nil {
		return err
	}
	for _, col := range c {
		if err := enc.EncodeString(col.Name); err != nil {
			return err
		}
		if err := enc.EncodeString(col.Value); err != nil {
			return err
		}
	}
	return nil
}

func (c *Columns) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return err
	}
	if n < 0 {
		*c = nil
		return nil
	}
	out := make(Columns, 0, n)
	for range n {
		name, err := dec.DecodeString()
		if err != nil {
			return err
		}
		value, err := dec.DecodeString()
		if err != nil {
			return err
		}
		out = append(out, Column{name, value})
	}
	if err := out.validate(); err != nil {
		return err
	}
	*c = out
	return nil
}

func encodeColumns(c Columns) ([]byte, error) {
	return msgpack.Marshal(c)
}

func decodeColumns(data []byte) (Columns, error) {
	r := bytes.NewReader(data)
	dec := msgpack.NewDecoder(r)
	var c Columns
	if err := dec.Decode(&c); err != nil {
		return nil, cabinet.DataErrorf(data, 0, err, "undecodable record")
	}
	if r.Len() != 0 {
		return nil, cabinet.DataErrorf(data, len(data)-r.Len(), nil, "trailing bytes after record")
	}
	return c, nil
}
