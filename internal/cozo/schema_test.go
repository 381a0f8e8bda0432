package cozo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColumnType_Accepts(t *testing.T) {
	tests := []struct {
		name string
		typ  ColumnType
		v    Value
		ok   bool
	}{
		{"any accepts int", AnyType(), Int(1), true},
		{"int rejects string", ColumnType{Kind: ColInt}, String("x"), false},
		{"float accepts int", ColumnType{Kind: ColFloat}, Int(1), true},
		{"nullable accepts null", ColumnType{Kind: ColInt, Nullable: true}, Null(), true},
		{"non-nullable rejects null", ColumnType{Kind: ColInt}, Null(), false},
		{
			"fixed-arity list rejects wrong length",
			ColumnType{Kind: ColList, ListLen: 2, ListElem: &ColumnType{Kind: ColInt}},
			List([]Value{Int(1)}),
			false,
		},
		{
			"fixed-arity list accepts exact length",
			ColumnType{Kind: ColList, ListLen: 2, ListElem: &ColumnType{Kind: ColInt}},
			List([]Value{Int(1), Int(2)}),
			true,
		},
		{
			"untyped tuple header accepts anything",
			ColumnType{Kind: ColTuple},
			Tuple([]Value{Int(1), String("x")}),
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.typ.Accepts(tt.v))
		})
	}
}

func TestSchema_Validate(t *testing.T) {
	s := Schema{
		Key:   []Column{{Name: "id", Type: ColumnType{Kind: ColInt}}},
		Value: []Column{{Name: "name", Type: ColumnType{Kind: ColString}}},
	}

	require.NoError(t, s.Validate(TupleRow{Int(1), String("alice")}))

	err := s.Validate(TupleRow{Int(1), Int(2)})
	require.Error(t, err)
	assert.Equal(t, KindSchema, KindOf(err))

	err = s.Validate(TupleRow{Int(1)})
	require.Error(t, err)
}

func TestSchema_KeyValueSplit(t *testing.T) {
	s := Schema{
		Key:   []Column{{Name: "a", Type: AnyType()}, {Name: "b", Type: AnyType()}},
		Value: []Column{{Name: "c", Type: AnyType()}},
	}
	row := TupleRow{Int(1), Int(2), Int(3)}
	assert.Equal(t, TupleRow{Int(1), Int(2)}, s.KeyOf(row))
	assert.Equal(t, TupleRow{Int(3)}, s.ValueOf(row))
	assert.Equal(t, 3, s.Arity())
}
