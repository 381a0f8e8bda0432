package cozo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupAggregator_KnownAndUnknown(t *testing.T) {
	agg, ok := LookupAggregator("count")
	require.True(t, ok)
	assert.Equal(t, "count", agg.Name)

	_, ok = LookupAggregator("not_a_real_aggregator")
	assert.False(t, ok)
}

func TestIsMonotoneAggregator(t *testing.T) {
	assert.True(t, IsMonotoneAggregator("min"))
	assert.True(t, IsMonotoneAggregator("max"))
	assert.False(t, IsMonotoneAggregator("count"))
	assert.False(t, IsMonotoneAggregator("sum"))
	assert.False(t, IsMonotoneAggregator("unknown_aggregator"))
}

func combine(t *testing.T, name string, values ...Value) Value {
	t.Helper()
	agg, ok := LookupAggregator(name)
	require.True(t, ok)
	state := agg.Init()
	for _, v := range values {
		state.Combine(v)
	}
	return state.Finalize()
}

func TestAggregate_Count(t *testing.T) {
	v := combine(t, "count", Int(1), Int(2), Int(3))
	assert.Equal(t, int64(3), v.AsInt())
}

func TestAggregate_CountUniqueDedups(t *testing.T) {
	v := combine(t, "count_unique", Int(1), Int(1), Int(2))
	assert.Equal(t, int64(2), v.AsInt())
}

func TestAggregate_SumStaysIntUnlessFloatSeen(t *testing.T) {
	v := combine(t, "sum", Int(1), Int(2), Int(3))
	assert.Equal(t, TagInt, v.Tag())
	assert.Equal(t, int64(6), v.AsInt())

	v = combine(t, "sum", Int(1), Float(2.5))
	assert.Equal(t, TagFloat, v.Tag())
	assert.Equal(t, 3.5, v.AsFloat())
}

func TestAggregate_MinMax(t *testing.T) {
	assert.Equal(t, int64(1), combine(t, "min", Int(3), Int(1), Int(2)).AsInt())
	assert.Equal(t, int64(3), combine(t, "max", Int(3), Int(1), Int(2)).AsInt())
}

func TestAggregate_MeanOfEmptyIsNaN(t *testing.T) {
	agg, _ := LookupAggregator("mean")
	v := agg.Init().Finalize()
	assert.True(t, math.IsNaN(v.AsFloat()))
}

func TestAggregate_CollectPreservesInputOrder(t *testing.T) {
	v := combine(t, "collect", Int(3), Int(1), Int(2))
	assert.Equal(t, []int64{3, 1, 2}, asInts(v.AsList()))
}

func TestAggregate_CollectUniqueSorts(t *testing.T) {
	v := combine(t, "collect_unique", Int(3), Int(1), Int(1), Int(2))
	assert.Equal(t, []int64{1, 2, 3}, asInts(v.AsList()))
}

func TestAggregate_AndOr(t *testing.T) {
	assert.True(t, combine(t, "and", Bool(true), Bool(true)).AsBool())
	assert.False(t, combine(t, "and", Bool(true), Bool(false)).AsBool())
	assert.True(t, combine(t, "or", Bool(false), Bool(true)).AsBool())
}
