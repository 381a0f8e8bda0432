package cozo

import (
	"bytes"
	"math"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestEncodeKey_ByteOrderMatchesCompareForSameColumn(t *testing.T) {
	values := []Value{
		Int(-5), Int(0), Int(3), Int(1 << 40),
		Float(-2.5), Float(0.0), Float(math.Inf(1)),
		String(""), String("a"), String("ab"),
	}
	// Compare values pairwise within a tag class; byte order of the encoded
	// single-column keys must agree with Compare.
	for _, a := range values {
		for _, b := range values {
			if a.Tag() != b.Tag() {
				continue
			}
			want := Compare(a, b)
			got := bytes.Compare(EncodeKey(TupleRow{a}), EncodeKey(TupleRow{b}))
			assert.Equal(t, want, got, "order mismatch for %s vs %s", a, b)
		}
	}
}

func TestEncodeKey_SortedIntsMatchEncodedOrder(t *testing.T) {
	ints := []int64{7, -1, 0, 1 << 50, -(1 << 50), 42}
	rows := make([]TupleRow, len(ints))
	for i, n := range ints {
		rows[i] = TupleRow{Int(n)}
	}
	sort.Slice(rows, func(i, j int) bool {
		return bytes.Compare(EncodeKey(rows[i]), EncodeKey(rows[j])) < 0
	})
	sort.Slice(ints, func(i, j int) bool { return ints[i] < ints[j] })
	for i := range ints {
		assert.Equal(t, ints[i], rows[i][0].AsInt())
	}
}

func TestEncodeDecodeValue_RoundTripsEveryTag(t *testing.T) {
	u := uuid.New()
	row := TupleRow{
		Null(),
		Bool(true),
		Int(-99),
		Float(2.75),
		String("héllo"),
		Bytes([]byte{0, 1, 2}),
		UUID(u),
		List([]Value{Int(1), String("x")}),
		Tuple([]Value{Bool(false), Float(0)}),
	}
	data, err := EncodeValue(row)
	require.NoError(t, err)
	back, err := DecodeValue(data)
	require.NoError(t, err)
	require.Len(t, back, len(row))
	for i := range row {
		assert.True(t, Equal(row[i], back[i]), "column %d: %s != %s", i, row[i], back[i])
	}
	assert.Equal(t, u, back[6].AsUUID())
}

func TestTriggerSpec_MsgpackRoundTripPreservesRuleBodies(t *testing.T) {
	script, err := Parse(`?[a, b] := _new[a, b], b > 0`)
	require.NoError(t, err)
	require.NotNil(t, script.Query)

	spec := &TriggerSpec{Relation: "edge", OnPut: []QueryScript{*script.Query}}
	data, err := msgpack.Marshal(spec)
	require.NoError(t, err)

	var back TriggerSpec
	require.NoError(t, msgpack.Unmarshal(data, &back))
	require.Len(t, back.OnPut, 1)
	require.Len(t, back.OnPut[0].Rules, 1)

	rule := back.OnPut[0].Rules[0]
	require.Len(t, rule.Disjuncts, 1)
	conj := rule.Disjuncts[0]
	require.Len(t, conj, 2)
	assert.Equal(t, AtomRule, conj[0].KindOf())
	assert.Equal(t, "_new", conj[0].Relation)
	assert.Equal(t, AtomExpr, conj[1].KindOf())
	// The guard's constant must survive the codec with its tag intact.
	require.NotNil(t, conj[1].Guard)
	guard := *conj[1].Guard
	require.Len(t, guard.Args, 2)
	assert.Equal(t, OpConst, guard.Args[1].Op)
	assert.Equal(t, TagInt, guard.Args[1].Const.Tag())
	assert.Equal(t, int64(0), guard.Args[1].Const.AsInt())
}
