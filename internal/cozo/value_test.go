package cozo

import (
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestCompare_CrossTagRank(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Value
		expected int
	}{
		{"null < bool", Null(), Bool(false), -1},
		{"bool < int", Bool(true), Int(0), -1},
		{"string > int", String("x"), Int(9), 1},
		{"bytes > string", Bytes([]byte("x")), String("zzz"), 1},
		{"list > uuid", List([]Value{Int(1)}), UUID(uuid.New()), 1},
		{"tuple > list", Tuple([]Value{Int(1)}), List([]Value{Int(1)}), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Compare(tt.a, tt.b))
		})
	}
}

func TestCompare_NumericCrossesIntFloat(t *testing.T) {
	assert.Equal(t, 0, Compare(Int(3), Float(3.0)))
	assert.Equal(t, -1, Compare(Int(2), Float(2.5)))
	assert.Equal(t, 1, Compare(Float(2.5), Int(2)))
	assert.True(t, Equal(Int(5), Float(5.0)))
}

func TestCompare_NaNSortsGreatest(t *testing.T) {
	nan := Float(math.NaN())
	assert.Equal(t, 1, Compare(nan, Float(1e300)))
	assert.Equal(t, -1, Compare(Float(1e300), nan))
	assert.Equal(t, 0, Compare(nan, nan))
}

func TestCompare_IntExactNoFloatRoundTrip(t *testing.T) {
	// A value large enough that float64 round-tripping would lose precision,
	// to make sure the int/int branch never widens through Numeric().
	big := int64(1) << 62
	assert.Equal(t, 0, Compare(Int(big), Int(big)))
	assert.Equal(t, -1, Compare(Int(big-1), Int(big)))
}

func TestSortValues(t *testing.T) {
	vs := []Value{Int(3), Int(1), Null(), Int(2), Bool(true)}
	SortValues(vs)
	assert.Equal(t, TagNull, vs[0].Tag())
	assert.Equal(t, TagBool, vs[1].Tag())
	assert.Equal(t, []int64{1, 2, 3}, []int64{vs[2].AsInt(), vs[3].AsInt(), vs[4].AsInt()})
}

func TestValue_String(t *testing.T) {
	assert.Equal(t, "null", Null().String())
	assert.Equal(t, "true", Bool(true).String())
	assert.Equal(t, `"abc"`, String("abc").String())
	assert.Equal(t, "[1, 2]", List([]Value{Int(1), Int(2)}).String())
	assert.Equal(t, "(1, 2)", Tuple([]Value{Int(1), Int(2)}).String())
}

func TestTupleRow_Clone(t *testing.T) {
	row := TupleRow{Int(1), String("a")}
	clone := row.Clone()
	clone[0] = Int(99)
	assert.Equal(t, int64(1), row[0].AsInt())
	assert.Equal(t, int64(99), clone[0].AsInt())
}
