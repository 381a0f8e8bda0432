package cozo

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	e, err := Open(path, DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func putEdges(t *testing.T, e *Engine, rows string) {
	t.Helper()
	src := `
?[from, to] <- ` + rows + `
:create edge {from: Int, to: Int}
:put edge
`
	_, err := e.Run(context.Background(), src)
	require.NoError(t, err)
}

func intPairs(t *testing.T, rows []TupleRow) [][2]int64 {
	t.Helper()
	out := make([][2]int64, len(rows))
	for i, row := range rows {
		require.Len(t, row, 2)
		out[i] = [2]int64{row[0].AsInt(), row[1].AsInt()}
	}
	return out
}

func TestEngine_CreateAndPutThenQuery(t *testing.T) {
	e := openTestEngine(t)
	putEdges(t, e, "[[1, 2], [2, 3], [3, 4]]")

	res, err := e.Run(context.Background(), `
?[x, y] := *edge[x, y]
:sort x, y
`)
	require.NoError(t, err)
	require.Equal(t, []string{"x", "y"}, res.Columns)
	assert.Equal(t, [][2]int64{{1, 2}, {2, 3}, {3, 4}}, intPairs(t, res.Rows))
}

func TestEngine_RecursiveTransitiveClosure(t *testing.T) {
	e := openTestEngine(t)
	putEdges(t, e, "[[1, 2], [2, 3], [3, 4]]")

	res, err := e.Run(context.Background(), `
reachable[x, y] := *edge[x, y]
reachable[x, y] := reachable[x, z], *edge[z, y]
?[x, y] := reachable[x, y]
:sort x, y
`)
	require.NoError(t, err)

	expected := [][2]int64{{1, 2}, {1, 3}, {1, 4}, {2, 3}, {2, 4}, {3, 4}}
	assert.Equal(t, expected, intPairs(t, res.Rows))
}

func TestEngine_AggregationCountGroupsByNonAggregateHeadVar(t *testing.T) {
	e := openTestEngine(t)
	putEdges(t, e, "[[1, 2], [1, 3], [2, 4]]")

	res, err := e.Run(context.Background(), `
?[x, count(y)] := *edge[x, y]
:sort x
`)
	require.NoError(t, err)

	counts := map[int64]int64{}
	for _, row := range res.Rows {
		counts[row[0].AsInt()] = row[1].AsInt()
	}
	assert.Equal(t, int64(2), counts[1])
	assert.Equal(t, int64(1), counts[2])
}

func TestEngine_MutualRecursionAcrossTwoHeadsReachesFixedPoint(t *testing.T) {
	e := openTestEngine(t)

	res, err := e.Run(context.Background(), `
evenz[x] <- [[0]]
oddz[x] := evenz[y], x = y + 1, x <= 7
evenz[x] := oddz[y], x = y + 1, x <= 7
?[x] := evenz[x]
:sort x
`)
	require.NoError(t, err)

	var xs []int64
	for _, row := range res.Rows {
		xs = append(xs, row[0].AsInt())
	}
	assert.Equal(t, []int64{0, 2, 4, 6}, xs)
}

func TestEngine_AggregationDedupesMemberBindingsBeforeCombine(t *testing.T) {
	e := openTestEngine(t)

	res, err := e.Run(context.Background(), `?[count(x)] := x in [1, 2, 2, 3]`)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, int64(3), res.Rows[0][0].AsInt())
}

func TestEngine_StratifiedNegationExcludesBannedNodes(t *testing.T) {
	e := openTestEngine(t)
	_, err := e.Run(context.Background(), `
?[x] <- [[1], [2], [3]]
:create node {x: Int}
:put node
`)
	require.NoError(t, err)
	_, err = e.Run(context.Background(), `
?[x] <- [[2]]
:create banned {x: Int}
:put banned
`)
	require.NoError(t, err)

	res, err := e.Run(context.Background(), `
blocked[x] := *banned[x]
?[x] := *node[x], not blocked[x]
:sort x
`)
	require.NoError(t, err)

	var xs []int64
	for _, row := range res.Rows {
		xs = append(xs, row[0].AsInt())
	}
	assert.Equal(t, []int64{1, 3}, xs)
}

func TestEngine_NegationCycleIsRejectedAtRunTime(t *testing.T) {
	e := openTestEngine(t)
	putEdges(t, e, "[[1, 2]]")

	_, err := e.Run(context.Background(), `
p[x] := *edge[x, y], not q[x]
q[x] := *edge[x, y], not p[x]
?[x] := p[x]
`)
	require.Error(t, err)
	assert.Equal(t, KindCompile, KindOf(err))
}

func TestEngine_AssertNoneAndSome(t *testing.T) {
	e := openTestEngine(t)
	putEdges(t, e, "[[1, 2]]")

	_, err := e.Run(context.Background(), `
?[x, y] := *edge[x, y], x > 100
:assert none
`)
	assert.NoError(t, err)

	_, err = e.Run(context.Background(), `
?[x, y] := *edge[x, y]
:assert some
`)
	assert.NoError(t, err)

	_, err = e.Run(context.Background(), `
?[x, y] := *edge[x, y], x > 100
:assert some
`)
	require.Error(t, err)
	assert.Equal(t, KindAssertion, KindOf(err))
}

func TestEngine_EnsureChecksTuplePresence(t *testing.T) {
	e := openTestEngine(t)
	putEdges(t, e, "[[1, 2]]")

	_, err := e.Run(context.Background(), `
?[from, to] <- [[1, 2]]
:ensure edge
`)
	require.NoError(t, err)

	_, err = e.Run(context.Background(), `
?[from, to] <- [[5, 6]]
:ensure edge
`)
	require.Error(t, err)
	assert.Equal(t, KindAssertion, KindOf(err))

	_, err = e.Run(context.Background(), `
?[from, to] <- [[5, 6]]
:ensure_not edge
`)
	require.NoError(t, err)

	_, err = e.Run(context.Background(), `
?[from, to] <- [[1, 2]]
:ensure_not edge
`)
	require.Error(t, err)
	assert.Equal(t, KindAssertion, KindOf(err))
}

func TestEngine_TimeoutExpiresImmediately(t *testing.T) {
	e := openTestEngine(t)
	putEdges(t, e, "[[1, 2]]")

	_, err := e.Run(context.Background(), `
?[x, y] := *edge[x, y]
:timeout 0
`)
	require.Error(t, err)
	assert.Equal(t, KindRuntime, KindOf(err))
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestEngine_SleepCancelledByParentContext(t *testing.T) {
	e := openTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := e.Run(ctx, `
?[x] <- [[1]]
:sleep 1
`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCancelled))
}

func TestEngine_ParamsBindQueryParameter(t *testing.T) {
	e := openTestEngine(t)
	putEdges(t, e, "[[1, 2], [2, 3]]")

	res, err := e.Run(context.Background(), `
?[x, y] := *edge[x, y], x = $target
`, map[string]Value{"target": Int(1)})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, int64(1), res.Rows[0][0].AsInt())
	assert.Equal(t, int64(2), res.Rows[0][1].AsInt())
}

func TestEngine_MultiScriptSharesOneTransaction(t *testing.T) {
	e := openTestEngine(t)

	// The second query reads a relation the first query creates and fills;
	// both run inside the same transaction.
	res, err := e.Run(context.Background(), `{
?[n] <- [[2], [1]]
:create t {n: Int}
:put t
;
?[n] := *t[n]
:sort n
}`)
	require.NoError(t, err)
	var ns []int64
	for _, row := range res.Rows {
		ns = append(ns, row[0].AsInt())
	}
	assert.Equal(t, []int64{1, 2}, ns)
}

func TestEngine_FailedScriptCommitsNothing(t *testing.T) {
	e := openTestEngine(t)
	putEdges(t, e, "[[1, 2]]")

	// The :put applies inside the transaction, then :assert none fails,
	// so the whole script must roll back.
	_, err := e.Run(context.Background(), `
?[from, to] <- [[7, 8]]
:put edge
:assert none
`)
	require.Error(t, err)

	res, err := e.Run(context.Background(), `?[x, y] := *edge[x, y]`)
	require.NoError(t, err)
	assert.Equal(t, [][2]int64{{1, 2}}, intPairs(t, res.Rows))
}

func TestEngine_SysRelationsListsCreatedRelation(t *testing.T) {
	e := openTestEngine(t)
	putEdges(t, e, "[[1, 2]]")

	res, err := e.Run(context.Background(), `::relations`)
	require.NoError(t, err)
	var names []string
	for _, row := range res.Rows {
		names = append(names, row[0].AsString())
	}
	assert.Contains(t, names, "edge")
}

func TestEngine_SetTriggersPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	e1, err := Open(path, DefaultConfig())
	require.NoError(t, err)
	putEdges(t, e1, "[[1, 2]]")
	_, err = e1.Run(context.Background(), `::set_triggers edge on put { ?[x] <- [[1]] }`)
	require.NoError(t, err)
	require.NoError(t, e1.Close())

	e2, err := Open(path, DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e2.Close() })

	res, err := e2.Run(context.Background(), `::show_triggers edge`)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, int64(1), res.Rows[0][0].AsInt())
}

func TestEngine_GroupedDisjunctionEvaluatesAsUnion(t *testing.T) {
	e := openTestEngine(t)
	putEdges(t, e, "[[1, 2], [1, 3], [1, 4]]")

	res, err := e.Run(context.Background(), `
?[x, y] := *edge[x, y], (y == 2 or y == 4)
:sort x, y
`)
	require.NoError(t, err)
	assert.Equal(t, [][2]int64{{1, 2}, {1, 4}}, intPairs(t, res.Rows))
}

func TestEngine_NegatedNamedArgAtomFilters(t *testing.T) {
	e := openTestEngine(t)
	_, err := e.Run(context.Background(), `
?[x] <- [[1], [2], [3]]
:create node {x: Int}
:put node
`)
	require.NoError(t, err)
	_, err = e.Run(context.Background(), `
?[x] <- [[2]]
:create banned {x: Int}
:put banned
`)
	require.NoError(t, err)

	res, err := e.Run(context.Background(), `
?[x] := *node{x}, not *banned{x}
:sort x
`)
	require.NoError(t, err)
	var xs []int64
	for _, row := range res.Rows {
		xs = append(xs, row[0].AsInt())
	}
	assert.Equal(t, []int64{1, 3}, xs)
}

func TestEngine_TriggerCopiesPutRowsIntoLog(t *testing.T) {
	e := openTestEngine(t)
	putEdges(t, e, "[[1, 2]]")
	_, err := e.Run(context.Background(), `
?[a, b] <- []
:create log {a: Int, b: Int}
`)
	require.NoError(t, err)
	_, err = e.Run(context.Background(), `::set_triggers edge on put { ?[a, b] := _new[a, b] :put log }`)
	require.NoError(t, err)

	_, err = e.Run(context.Background(), `
?[from, to] <- [[7, 8]]
:put edge
`)
	require.NoError(t, err)

	res, err := e.Run(context.Background(), `?[a, b] := *log[a, b]`)
	require.NoError(t, err)
	assert.Equal(t, [][2]int64{{7, 8}}, intPairs(t, res.Rows))
}

func TestEngine_TriggerBodySurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	e1, err := Open(path, DefaultConfig())
	require.NoError(t, err)
	putEdges(t, e1, "[[1, 2]]")
	_, err = e1.Run(context.Background(), `
?[a, b] <- []
:create log {a: Int, b: Int}
`)
	require.NoError(t, err)
	_, err = e1.Run(context.Background(), `::set_triggers edge on put { ?[a, b] := _new[a, b] :put log }`)
	require.NoError(t, err)
	require.NoError(t, e1.Close())

	e2, err := Open(path, DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e2.Close() })

	_, err = e2.Run(context.Background(), `
?[from, to] <- [[5, 6]]
:put edge
`)
	require.NoError(t, err)

	res, err := e2.Run(context.Background(), `?[a, b] := *log[a, b]`)
	require.NoError(t, err)
	assert.Equal(t, [][2]int64{{5, 6}}, intPairs(t, res.Rows))
}

func TestEngine_AccessLevelsGateVerbs(t *testing.T) {
	e := openTestEngine(t)
	putEdges(t, e, "[[1, 2]]")

	_, err := e.Run(context.Background(), `::access_level read_only edge`)
	require.NoError(t, err)

	_, err = e.Run(context.Background(), `
?[from, to] <- [[9, 9]]
:put edge
`)
	require.Error(t, err)
	assert.Equal(t, KindSchema, KindOf(err))

	// Reads still work at read_only.
	res, err := e.Run(context.Background(), `?[x, y] := *edge[x, y]`)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)

	_, err = e.Run(context.Background(), `::access_level hidden edge`)
	require.NoError(t, err)
	_, err = e.Run(context.Background(), `?[x, y] := *edge[x, y]`)
	require.Error(t, err)
	assert.Equal(t, KindSchema, KindOf(err))

	_, err = e.Run(context.Background(), `::remove edge`)
	require.Error(t, err)
}

func TestEngine_AccessLevelPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	e1, err := Open(path, DefaultConfig())
	require.NoError(t, err)
	putEdges(t, e1, "[[1, 2]]")
	_, err = e1.Run(context.Background(), `::access_level read_only edge`)
	require.NoError(t, err)
	require.NoError(t, e1.Close())

	e2, err := Open(path, DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e2.Close() })

	_, err = e2.Run(context.Background(), `
?[from, to] <- [[3, 4]]
:put edge
`)
	require.Error(t, err)
	assert.Equal(t, KindSchema, KindOf(err))
}

func TestEngine_ListColumnTypeBracketSpelling(t *testing.T) {
	e := openTestEngine(t)
	_, err := e.Run(context.Background(), `
?[xs] <- [[[1, 2]]]
:create pairs {xs: [Int; 2]}
:put pairs
`)
	require.NoError(t, err)

	_, err = e.Run(context.Background(), `
?[xs] <- [[[1, 2, 3]]]
:put pairs
`)
	require.Error(t, err)
	assert.Equal(t, KindSchema, KindOf(err))
}

func TestEngine_RemoveRelationThenQueryFails(t *testing.T) {
	e := openTestEngine(t)
	putEdges(t, e, "[[1, 2]]")

	_, err := e.Run(context.Background(), `::remove edge`)
	require.NoError(t, err)

	_, err = e.Run(context.Background(), `?[x, y] := *edge[x, y]`)
	require.Error(t, err)
}
