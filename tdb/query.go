package tdb

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/dlclark/regexp2"

	"github.com/andreyvit/cabinet"
)

// Cond is a filter condition, optionally combined with Negate.
type Cond int

const (
	StrEq   Cond = iota // equal to the operand
	StrInc              // contains the operand
	StrBW               // begins with the operand
	StrEW               // ends with the operand
	StrAnd              // has every token of the operand among its tokens
	StrOr               // has some token of the operand among its tokens
	StrOrEq             // equal to some token of the operand
	StrRx               // matches the operand as a regular expression
	NumEq
	NumGt
	NumGe
	NumLt
	NumLe
	NumBt   // between the two numbers of the operand, inclusive
	NumOrEq // numerically equal to some token of the operand

	condCount
)

// Negate inverts a condition. Records missing the column still fail.
const Negate Cond = 1 << 24

var condNames = [...]string{"streq", "strinc", "strbw", "strew", "strand", "stror", "stroreq", "strrx", "numeq", "numgt", "numge", "numlt", "numle", "numbt", "numoreq"}

func (c Cond) String() string {
	base := c &^ Negate
	var name string
	if base >= 0 && base < condCount {
		name = condNames[base]
	} else {
		name = fmt.Sprintf("Cond(%d)", int(base))
	}
	if c&Negate != 0 {
		return "!" + name
	}
	return name
}

// ParseCond parses a condition name as printed by Cond.String, so a leading
// "!" negates it.
func ParseCond(s string) (Cond, error) {
	var neg Cond
	if rest, ok := strings.CutPrefix(s, "!"); ok {
		neg, s = Negate, rest
	}
	for i, name := range condNames {
		if strings.EqualFold(s, name) {
			return Cond(i) | neg, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown condition %q", cabinet.ErrConfig, s)
}

// OrderType is the comparison used to order query results.
type OrderType int

const (
	StrAsc OrderType = iota
	StrDesc
	NumAsc
	NumDesc
)

var orderNames = [...]string{"strasc", "strdesc", "numasc", "numdesc"}

func (o OrderType) String() string {
	if o >= 0 && int(o) < len(orderNames) {
		return orderNames[o]
	}
	return fmt.Sprintf("OrderType(%d)", int(o))
}

func ParseOrderType(s string) (OrderType, error) {
	for i, name := range orderNames {
		if strings.EqualFold(s, name) {
			return OrderType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown order type %q", cabinet.ErrConfig, s)
}

func (o OrderType) numeric() bool    { return o == NumAsc || o == NumDesc }
func (o OrderType) descending() bool { return o == StrDesc || o == NumDesc }

// Record is a query result.
type Record struct {
	PK   []byte
	Cols Columns
}

type filter struct {
	column  string
	cond    Cond
	operand string
}

type orderRule struct {
	column string
	typ    OrderType
}

// Query selects records by a conjunction of column filters, optionally
// ordered by one column. A column name of "" stands for the primary key.
//
// Queries have no secondary index: every evaluation scans all records.
// Without an ordering rule results come in the backend's scan order.
type Query struct {
	db      *DB
	filters []filter
	order   *orderRule
	max     int
	skip    int
}

func (db *DB) Query() *Query {
	return &Query{db: db, max: -1}
}

// Filter adds a condition that every result must meet. Invalid operands are
// reported by the next evaluation.
func (q *Query) Filter(column string, cond Cond, operand string) *Query {
	q.filters = append(q.filters, filter{column, cond, operand})
	return q
}

// Order sets the ordering rule, replacing the previous one.
func (q *Query) Order(column string, typ OrderType) *Query {
	q.order = &orderRule{column, typ}
	return q
}

// NoOrder drops the ordering rule.
func (q *Query) NoOrder() *Query {
	q.order = nil
	return q
}

// Limit keeps at most max results after skipping the first skip. A negative
// max means no limit.
func (q *Query) Limit(max, skip int) *Query {
	q.max, q.skip = max, skip
	return q
}

func (q *Query) String() string {
	var buf strings.Builder
	buf.WriteString("query")
	for _, f := range q.filters {
		fmt.Fprintf(&buf, " %s %v %q", colLabel(f.column), f.cond, f.operand)
	}
	if q.order != nil {
		fmt.Fprintf(&buf, " order %s %v", colLabel(q.order.column), q.order.typ)
	}
	if q.max >= 0 || q.skip > 0 {
		fmt.Fprintf(&buf, " limit %d skip %d", q.max, q.skip)
	}
	return buf.String()
}

func colLabel(col string) string {
	if col == "" {
		return "<pk>"
	}
	return col
}

// Keys returns the primary keys of the matching records.
func (q *Query) Keys() ([][]byte, error) {
	var keys [][]byte
	err := q.db.call("tdb.search", nil, false, func() error {
		hits, err := q.search()
		for _, h := range hits {
			keys = append(keys, h.pk)
		}
		return err
	})
	return keys, err
}

// Records returns the matching records.
func (q *Query) Records() ([]Record, error) {
	var recs []Record
	err := q.db.call("tdb.search", nil, false, func() error {
		hits, err := q.search()
		for _, h := range hits {
			recs = append(recs, Record{h.pk, h.cols})
		}
		return err
	})
	return recs, err
}

// Count returns the number of matching records.
func (q *Query) Count() (int, error) {
	var n int
	err := q.db.call("tdb.search", nil, false, func() error {
		hits, err := q.search()
		n = len(hits)
		return err
	})
	return n, err
}

// Remove deletes every matching record and returns how many were deleted.
func (q *Query) Remove() (int, error) {
	var n int
	err := q.db.call("tdb.qryremove", nil, true, func() error {
		hits, err := q.search()
		if err != nil {
			return err
		}
		for _, h := range hits {
			found, err := q.db.st.Delete(h.pk)
			if err != nil {
				return err
			}
			if found {
				n++
			}
		}
		return nil
	})
	return n, err
}

type hit struct {
	pk   []byte
	cols Columns
	has  bool
	str  string
	num  float64
}

var errEnough = errors.New("enough results")

// search runs the query. The caller holds the guard.
func (q *Query) search() ([]*hit, error) {
	matchers := make([]matcher, len(q.filters))
	for i, f := range q.filters {
		m, err := compile(f)
		if err != nil {
			return nil, err
		}
		matchers[i] = m
	}
	if q.order != nil && (q.order.typ < StrAsc || q.order.typ > NumDesc) {
		return nil, fmt.Errorf("%w: unknown order type %d", cabinet.ErrConfig, int(q.order.typ))
	}

	// without ordering the scan can stop once the window is filled
	want := -1
	if q.order == nil && q.max >= 0 {
		want = q.skip + q.max
	}

	var hits []*hit
	err := q.db.st.Scan(func(pk, data []byte) error {
		cols, err := decodeColumns(data)
		if err != nil {
			return cabinet.WrapOp("tdb.search", q.db.path, cabinet.Clone(pk), err)
		}
		for _, m := range matchers {
			ok, err := m(pk, cols)
			if err != nil || !ok {
				return err
			}
		}
		h := &hit{pk: cabinet.Clone(pk), cols: cols}
		if q.order != nil {
			h.setSortKey(q.order)
		}
		hits = append(hits, h)
		if want >= 0 && len(hits) >= want {
			return errEnough
		}
		return nil
	})
	if err != nil && !errors.Is(err, errEnough) {
		return nil, err
	}

	if q.order != nil {
		desc := q.order.typ.descending()
		num := q.order.typ.numeric()
		slices.SortStableFunc(hits, func(a, b *hit) int {
			return compareHits(a, b, num, desc)
		})
	}
	if q.skip > 0 {
		hits = hits[min(q.skip, len(hits)):]
	}
	if q.max >= 0 && len(hits) > q.max {
		hits = hits[:q.max]
	}
	return hits, nil
}

func (h *hit) setSortKey(o *orderRule) {
	v, ok := columnValue(h.pk, h.cols, o.column)
	if !ok {
		return
	}
	if o.typ.numeric() {
		h.num, h.has = parseNum(v)
	} else {
		h.str, h.has = v, true
	}
}

// compareHits orders missing values first, ties by primary key.
func compareHits(a, b *hit, num, desc bool) int {
	var c int
	switch {
	case !a.has || !b.has:
		c = cmp.Compare(boolInt(a.has), boolInt(b.has))
	case num:
		c = cmp.Compare(a.num, b.num)
	default:
		c = strings.Compare(a.str, b.str)
	}
	if desc {
		c = -c
	}
	if c == 0 {
		c = bytes.Compare(a.pk, b.pk)
	}
	return c
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func columnValue(pk []byte, cols Columns, column string) (string, bool) {
	if column == "" {
		return string(pk), true
	}
	return cols.Get(column)
}

func parseNum(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v, err == nil
}

// tokens splits s at spaces and commas.
func tokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ','
	})
}

type matcher func(pk []byte, cols Columns) (bool, error)

func compile(f filter) (matcher, error) {
	neg := f.cond&Negate != 0
	base := f.cond &^ Negate
	if base < 0 || base >= condCount {
		return nil, fmt.Errorf("%w: unknown condition %d", cabinet.ErrConfig, int(f.cond))
	}

	var test func(v string) (bool, error)
	if base >= NumEq {
		var err error
		if test, err = compileNum(base, f.operand); err != nil {
			return nil, err
		}
	} else {
		var err error
		if test, err = compileStr(base, f.operand); err != nil {
			return nil, err
		}
	}

	return func(pk []byte, cols Columns) (bool, error) {
		v, ok := columnValue(pk, cols, f.column)
		if !ok {
			return false, nil
		}
		if base >= NumEq {
			if _, ok := parseNum(v); !ok {
				return false, nil
			}
		}
		ok, err := test(v)
		if err != nil {
			return false, err
		}
		return ok != neg, nil
	}, nil
}

func compileStr(cond Cond, operand string) (func(string) (bool, error), error) {
	plain := func(f func(string) bool) func(string) (bool, error) {
		return func(v string) (bool, error) { return f(v), nil }
	}
	switch cond {
	case StrEq:
		return plain(func(v string) bool { return v == operand }), nil
	case StrInc:
		return plain(func(v string) bool { return strings.Contains(v, operand) }), nil
	case StrBW:
		return plain(func(v string) bool { return strings.HasPrefix(v, operand) }), nil
	case StrEW:
		return plain(func(v string) bool { return strings.HasSuffix(v, operand) }), nil
	case StrAnd, StrOr:
		want := tokens(operand)
		all := cond == StrAnd
		return plain(func(v string) bool {
			have := tokens(v)
			for _, tok := range want {
				if slices.Contains(have, tok) != all {
					return !all
				}
			}
			return all && len(want) > 0
		}), nil
	case StrOrEq:
		want := tokens(operand)
		return plain(func(v string) bool { return slices.Contains(want, v) }), nil
	case StrRx:
		re, err := regexp2.Compile(operand, regexp2.RE2)
		if err != nil {
			return nil, fmt.Errorf("%w: bad regular expression %q: %v", cabinet.ErrConfig, operand, err)
		}
		return re.MatchString, nil
	}
	panic("unreachable")
}

func compileNum(cond Cond, operand string) (func(string) (bool, error), error) {
	var nums []float64
	if cond == NumBt || cond == NumOrEq {
		for _, tok := range tokens(operand) {
			n, ok := parseNum(tok)
			if !ok {
				return nil, fmt.Errorf("%w: %v operand %q is not a list of numbers", cabinet.ErrTypeMismatch, cond, operand)
			}
			nums = append(nums, n)
		}
		if (cond == NumBt && len(nums) != 2) || len(nums) == 0 {
			return nil, fmt.Errorf("%w: %v needs two numbers, got %q", cabinet.ErrTypeMismatch, cond, operand)
		}
	} else {
		n, ok := parseNum(operand)
		if !ok {
			return nil, fmt.Errorf("%w: %v operand %q is not a number", cabinet.ErrTypeMismatch, cond, operand)
		}
		nums = []float64{n}
	}

	x := nums[0]
	var test func(v float64) bool
	switch cond {
	case NumEq:
		test = func(v float64) bool { return v == x }
	case NumGt:
		test = func(v float64) bool { return v > x }
	case NumGe:
		test = func(v float64) bool { return v >= x }
	case NumLt:
		test = func(v float64) bool { return v < x }
	case NumLe:
		test = func(v float64) bool { return v <= x }
	case NumBt:
		lo, hi := min(nums[0], nums[1]), max(nums[0], nums[1])
		test = func(v float64) bool { return v >= lo && v <= hi }
	case NumOrEq:
		test = func(v float64) bool { return slices.Contains(nums, v) }
	}
	return func(s string) (bool, error) {
		v, _ := parseNum(s)
		return test(v), nil
	}, nil
}
