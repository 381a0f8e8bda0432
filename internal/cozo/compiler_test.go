package cozo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_OrdersGeneratorBeforeGuard(t *testing.T) {
	script, err := Parse(`?[x] := x > 1, *edge[x, _]`)
	require.NoError(t, err)
	prog, err := NewCompiler(nil).Compile(script.Query)
	require.NoError(t, err)

	seq := prog.Rules[EntryRuleName][0].Sequences[0]
	require.Len(t, seq, 2)
	assert.Equal(t, AtomRelation, seq[0].KindOf())
	assert.Equal(t, AtomExpr, seq[1].KindOf())
}

func TestCompile_UnboundGuardVariableIsUnsafe(t *testing.T) {
	script, err := Parse(`?[x] := x > 1`)
	require.NoError(t, err)
	_, err = NewCompiler(nil).Compile(script.Query)
	require.Error(t, err)
	assert.Equal(t, KindCompile, KindOf(err))
}

func TestCompile_HeadVariableNotBoundByBodyIsUnsafe(t *testing.T) {
	script, err := Parse(`?[x, y] := *edge[x, _]`)
	require.NoError(t, err)
	_, err = NewCompiler(nil).Compile(script.Query)
	require.Error(t, err)
}

func TestCompile_RedefinedArityIsRejected(t *testing.T) {
	src := `
p[x] := *edge[x, _]
p[x, y] := *edge[x, y]
?[x] := p[x]
`
	script, err := Parse(src)
	require.NoError(t, err)
	_, err = NewCompiler(nil).Compile(script.Query)
	require.Error(t, err)
}

func TestCompile_NegationRefIsMarked(t *testing.T) {
	script, err := Parse(`?[x] := *node[x], not *banned[x]`)
	require.NoError(t, err)
	prog, err := NewCompiler(nil).Compile(script.Query)
	require.NoError(t, err)

	var sawNegated bool
	for _, ref := range prog.Rules[EntryRuleName][0].Refs {
		if ref.Name == "banned" && ref.Negated {
			sawNegated = true
		}
	}
	assert.True(t, sawNegated)
}

func TestCompile_GroupedDisjunctionExpandsToUnionOfConjunctions(t *testing.T) {
	script, err := Parse(`?[x] := *edge[x, y], (y == 2 or y == 3)`)
	require.NoError(t, err)
	prog, err := NewCompiler(nil).Compile(script.Query)
	require.NoError(t, err)

	seqs := prog.Rules[EntryRuleName][0].Sequences
	require.Len(t, seqs, 2)
	for _, seq := range seqs {
		require.Len(t, seq, 2)
		assert.Equal(t, AtomRelation, seq[0].KindOf())
		assert.Equal(t, AtomExpr, seq[1].KindOf())
	}
}

func TestCompile_NestedGroupsMultiply(t *testing.T) {
	script, err := Parse(`?[x] := (a[x] or b[x]), (c[x] or d[x])`)
	require.NoError(t, err)
	prog, err := NewCompiler(nil).Compile(script.Query)
	require.NoError(t, err)
	assert.Len(t, prog.Rules[EntryRuleName][0].Sequences, 4)
}

func TestCompile_NegatedGroupIsRejected(t *testing.T) {
	script, err := Parse(`?[x] := *node[x], not (a[x] or b[x])`)
	require.NoError(t, err)
	_, err = NewCompiler(nil).Compile(script.Query)
	require.Error(t, err)
	assert.Equal(t, KindCompile, KindOf(err))
}

func TestCompile_NegatedNamedArgsResolveAgainstSchema(t *testing.T) {
	lookup := func(name string) (Schema, bool) {
		if name == "banned" {
			return Schema{Key: []Column{{Name: "x", Type: AnyType()}}}, true
		}
		return Schema{}, false
	}
	script, err := Parse(`?[x] := *node[x], not *banned{x}`)
	require.NoError(t, err)
	prog, err := NewCompiler(lookup).Compile(script.Query)
	require.NoError(t, err)

	seq := prog.Rules[EntryRuleName][0].Sequences[0]
	require.Len(t, seq, 2)
	neg := seq[1]
	require.Equal(t, AtomNegation, neg.KindOf())
	require.NotNil(t, neg.Negated)
	assert.Nil(t, neg.Negated.NamedArgs)
	require.Len(t, neg.Negated.PosArgs, 1)
	assert.Equal(t, OpVar, neg.Negated.PosArgs[0].Op)
}

func TestCompile_EntryInferredWhenSingleRule(t *testing.T) {
	script, err := Parse(`reachable[x, y] := *edge[x, y]`)
	require.NoError(t, err)
	prog, err := NewCompiler(nil).Compile(script.Query)
	require.NoError(t, err)
	assert.Equal(t, "reachable", prog.Entry)
}

func TestCompile_AmbiguousEntryWithoutQuestionMarkIsRejected(t *testing.T) {
	src := `
a[x] := *edge[x, _]
b[x] := *edge[_, x]
`
	script, err := Parse(src)
	require.NoError(t, err)
	_, err = NewCompiler(nil).Compile(script.Query)
	require.Error(t, err)
}
