package cozo

import "fmt"

// ColumnKind is one of the base column type tags.
type ColumnKind uint8

const (
	ColAny ColumnKind = iota
	ColBool
	ColInt
	ColFloat
	ColString
	ColBytes
	ColUuid
	ColList
	ColTuple
)

// ColumnType is a structural column type: Any, Bool, Int, Float, String,
// Bytes, Uuid, List[T;n?] or Tuple(T...), each optionally nullable.
type ColumnType struct {
	Kind     ColumnKind
	Nullable bool

	// List element type and optional fixed arity (n). ListLen < 0 means
	// unconstrained length.
	ListElem *ColumnType
	ListLen  int

	// Tuple element types, positional.
	TupleElems []ColumnType
}

func AnyType() ColumnType { return ColumnType{Kind: ColAny} }

// Accepts reports whether v is a structurally valid instance of t: Any
// accepts anything, [T;n] requires exactly n elements each of type T,
// untyped tuple headers default to Any.
func (t ColumnType) Accepts(v Value) bool {
	if v.IsNull() {
		return t.Nullable || t.Kind == ColAny
	}
	switch t.Kind {
	case ColAny:
		return true
	case ColBool:
		return v.Tag() == TagBool
	case ColInt:
		return v.Tag() == TagInt
	case ColFloat:
		return v.Tag() == TagFloat || v.Tag() == TagInt
	case ColString:
		return v.Tag() == TagString
	case ColBytes:
		return v.Tag() == TagBytes
	case ColUuid:
		return v.Tag() == TagUuid
	case ColList:
		if v.Tag() != TagList {
			return false
		}
		items := v.AsList()
		if t.ListLen >= 0 && len(items) != t.ListLen {
			return false
		}
		if t.ListElem == nil {
			return true
		}
		for _, item := range items {
			if !t.ListElem.Accepts(item) {
				return false
			}
		}
		return true
	case ColTuple:
		if v.Tag() != TagTuple {
			return false
		}
		items := v.AsList()
		if len(t.TupleElems) == 0 {
			return true // untyped tuple header defaults to Any
		}
		if len(items) != len(t.TupleElems) {
			return false
		}
		for i, elem := range t.TupleElems {
			if !elem.Accepts(items[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func (t ColumnType) String() string {
	suffix := ""
	if t.Nullable {
		suffix = "?"
	}
	switch t.Kind {
	case ColAny:
		return "Any" + suffix
	case ColBool:
		return "Bool" + suffix
	case ColInt:
		return "Int" + suffix
	case ColFloat:
		return "Float" + suffix
	case ColString:
		return "String" + suffix
	case ColBytes:
		return "Bytes" + suffix
	case ColUuid:
		return "Uuid" + suffix
	case ColList:
		n := ""
		if t.ListLen >= 0 {
			n = fmt.Sprintf(";%d", t.ListLen)
		}
		elem := "Any"
		if t.ListElem != nil {
			elem = t.ListElem.String()
		}
		return fmt.Sprintf("[%s%s]%s", elem, n, suffix)
	case ColTuple:
		return fmt.Sprintf("Tuple(%d)%s", len(t.TupleElems), suffix)
	default:
		return "?"
	}
}

// Column is one named, typed column of a relation schema.
type Column struct {
	Name string
	Type ColumnType
}

// AccessLevel controls which operations a session may issue against a
// stored relation: normal permits everything, protected blocks destructive
// verbs (:rm, :replace, ::remove), read_only additionally blocks :put, and
// hidden blocks reads too.
type AccessLevel uint8

const (
	AccessNormal AccessLevel = iota
	AccessProtected
	AccessReadOnly
	AccessHidden
)

func (a AccessLevel) String() string {
	switch a {
	case AccessNormal:
		return "normal"
	case AccessProtected:
		return "protected"
	case AccessReadOnly:
		return "read_only"
	case AccessHidden:
		return "hidden"
	default:
		return "unknown"
	}
}

// Schema describes a stored relation's key/value column split,
// `{k1, k2 => v1, v2}`, an absent `=>` meaning all columns are key.
type Schema struct {
	Key   []Column
	Value []Column
}

func (s Schema) Arity() int { return len(s.Key) + len(s.Value) }

func (s Schema) Columns() []Column {
	out := make([]Column, 0, s.Arity())
	out = append(out, s.Key...)
	out = append(out, s.Value...)
	return out
}

// Validate checks that row matches the schema's column count and types.
func (s Schema) Validate(row TupleRow) error {
	cols := s.Columns()
	if len(row) != len(cols) {
		return fmt.Errorf("%w: expected %d columns, got %d", ErrSchema, len(cols), len(row))
	}
	for i, col := range cols {
		if !col.Type.Accepts(row[i]) {
			return fmt.Errorf("%w: column %q expected %s, got %s", ErrSchema, col.Name, col.Type, row[i].Tag())
		}
	}
	return nil
}

// KeyOf projects the key-column prefix of a full row.
func (s Schema) KeyOf(row TupleRow) TupleRow { return row[:len(s.Key)] }

// ValueOf projects the value-column suffix of a full row.
func (s Schema) ValueOf(row TupleRow) TupleRow { return row[len(s.Key):] }

// RelationMeta is the system-catalog entry for one stored relation.
type RelationMeta struct {
	Name        string
	Schema      Schema
	AccessLevel AccessLevel
}
