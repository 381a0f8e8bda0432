// Package cozo implements the Datalog query evaluation engine: parsing,
// compilation, stratification, semi-naive evaluation, storage binding,
// triggers and result assembly for CozoScript.
package cozo

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Tag identifies which variant of Value is populated. Tag order is also
// the comparison rank order used by Compare, except Int and Float share a
// rank and are compared numerically.
type Tag uint8

const (
	TagNull Tag = iota
	TagBool
	TagInt
	TagFloat
	TagString
	TagBytes
	TagUuid
	TagList
	TagTuple
)

func (t Tag) String() string {
	switch t {
	case TagNull:
		return "Null"
	case TagBool:
		return "Bool"
	case TagInt:
		return "Int"
	case TagFloat:
		return "Float"
	case TagString:
		return "String"
	case TagBytes:
		return "Bytes"
	case TagUuid:
		return "Uuid"
	case TagList:
		return "List"
	case TagTuple:
		return "Tuple"
	default:
		return "Unknown"
	}
}

// rank returns the tag-class rank used for cross-tag comparison. Int and
// Float collapse to the same rank so that mixed numeric comparisons fall
// through to numeric comparison rather than tag comparison.
func (t Tag) rank() int {
	switch t {
	case TagNull:
		return 0
	case TagBool:
		return 1
	case TagInt, TagFloat:
		return 2
	case TagString:
		return 3
	case TagBytes:
		return 4
	case TagUuid:
		return 5
	case TagList:
		return 6
	case TagTuple:
		return 7
	default:
		return 8
	}
}

// Value is a tagged scalar: Null, Bool, Int, Float, String, Bytes, Uuid,
// List(Value) or a ground Tuple of Values. It is immutable once constructed.
type Value struct {
	tag   Tag
	b     bool
	i     int64
	f     float64
	s     string
	bytes []byte
	u     uuid.UUID
	list  []Value
}

func Null() Value               { return Value{tag: TagNull} }
func Bool(b bool) Value         { return Value{tag: TagBool, b: b} }
func Int(i int64) Value         { return Value{tag: TagInt, i: i} }
func Float(f float64) Value     { return Value{tag: TagFloat, f: f} }
func String(s string) Value     { return Value{tag: TagString, s: s} }
func Bytes(b []byte) Value      { return Value{tag: TagBytes, bytes: append([]byte(nil), b...)} }
func UUID(u uuid.UUID) Value    { return Value{tag: TagUuid, u: u} }
func List(items []Value) Value  { return Value{tag: TagList, list: items} }
func Tuple(items []Value) Value { return Value{tag: TagTuple, list: items} }

func (v Value) Tag() Tag { return v.tag }

func (v Value) IsNull() bool { return v.tag == TagNull }

func (v Value) AsBool() bool      { return v.b }
func (v Value) AsInt() int64      { return v.i }
func (v Value) AsFloat() float64  { return v.f }
func (v Value) AsString() string  { return v.s }
func (v Value) AsBytes() []byte   { return v.bytes }
func (v Value) AsUUID() uuid.UUID { return v.u }
func (v Value) AsList() []Value   { return v.list }

// Numeric reports whether v carries a numeric value and returns it widened
// to float64, plus whether the original value was an Int.
func (v Value) Numeric() (f float64, isInt bool, ok bool) {
	switch v.tag {
	case TagInt:
		return float64(v.i), true, true
	case TagFloat:
		return v.f, false, true
	default:
		return 0, false, false
	}
}

// Compare implements the total order over Value: different tag classes
// never compare equal, except Int and Float which are compared numerically,
// with NaN sorting as the greatest Float. This comparator is the single
// source of truth for in-memory sorts and aggregation; storage key order is
// EncodeKey's byte order, which agrees with it only for fixed-width column
// types (see encoding.go).
func Compare(a, b Value) int {
	ra, rb := a.tag.rank(), b.tag.rank()
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}

	switch a.tag {
	case TagNull:
		return 0
	case TagBool:
		if a.b == b.b {
			return 0
		}
		if !a.b {
			return -1
		}
		return 1
	case TagInt, TagFloat:
		return compareNumeric(a, b)
	case TagString:
		return strings.Compare(a.s, b.s)
	case TagBytes:
		return bytes.Compare(a.bytes, b.bytes)
	case TagUuid:
		return bytes.Compare(a.u[:], b.u[:])
	case TagList, TagTuple:
		return compareLists(a.list, b.list)
	default:
		return 0
	}
}

func compareNumeric(a, b Value) int {
	// Both Int: exact integer comparison, no float round-trip.
	if a.tag == TagInt && b.tag == TagInt {
		switch {
		case a.i < b.i:
			return -1
		case a.i > b.i:
			return 1
		default:
			return 0
		}
	}

	af, _, _ := a.Numeric()
	bf, _, _ := b.Numeric()

	aNaN := a.tag == TagFloat && math.IsNaN(a.f)
	bNaN := b.tag == TagFloat && math.IsNaN(b.f)
	if aNaN && bNaN {
		return 0
	}
	if aNaN {
		return 1
	}
	if bNaN {
		return -1
	}

	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	default:
		return 0
	}
}

func compareLists(a, b []Value) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// Equal reports whether a and b compare equal under the total order.
func Equal(a, b Value) bool { return Compare(a, b) == 0 }

// SortValues sorts a slice of Values in place using the total order.
func SortValues(vs []Value) {
	sort.Slice(vs, func(i, j int) bool { return Compare(vs[i], vs[j]) < 0 })
}

func (v Value) String() string {
	switch v.tag {
	case TagNull:
		return "null"
	case TagBool:
		if v.b {
			return "true"
		}
		return "false"
	case TagInt:
		return fmt.Sprintf("%d", v.i)
	case TagFloat:
		return fmt.Sprintf("%v", v.f)
	case TagString:
		return fmt.Sprintf("%q", v.s)
	case TagBytes:
		return fmt.Sprintf("b%q", v.bytes)
	case TagUuid:
		return v.u.String()
	case TagList:
		parts := make([]string, len(v.list))
		for i, item := range v.list {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case TagTuple:
		parts := make([]string, len(v.list))
		for i, item := range v.list {
			parts[i] = item.String()
		}
		return "(" + strings.Join(parts, ", ") + ")"
	default:
		return "?"
	}
}

// Tuple is a fixed-arity ordered sequence of Values, the unit of storage and
// evaluation. It is a plain slice type rather than a wrapper; in-memory sets
// key rows by their String() form.
type TupleRow []Value

func (t TupleRow) String() string {
	parts := make([]string, len(t))
	for i, v := range t {
		parts[i] = v.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Clone returns a copy of t that shares no backing array with it.
func (t TupleRow) Clone() TupleRow {
	out := make(TupleRow, len(t))
	copy(out, t)
	return out
}
