package cozo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compileScript(t *testing.T, src string) *Program {
	t.Helper()
	script, err := Parse(src)
	require.NoError(t, err)
	require.NotNil(t, script.Query)
	compiler := NewCompiler(nil)
	prog, err := compiler.Compile(script.Query)
	require.NoError(t, err)
	return prog
}

func TestStratify_NonRecursiveSingleStratum(t *testing.T) {
	prog := compileScript(t, `?[x, y] := *edge[x, y]`)
	plan, err := Stratify(prog)
	require.NoError(t, err)
	require.Len(t, plan.Strata, 1)
	assert.False(t, plan.Strata[0].Recursive)
}

func TestStratify_RecursiveSelfLoopIsOneStratum(t *testing.T) {
	src := `
reachable[x, y] := *edge[x, y]
reachable[x, y] := reachable[x, z], *edge[z, y]
?[x, y] := reachable[x, y]
`
	prog := compileScript(t, src)
	plan, err := Stratify(prog)
	require.NoError(t, err)

	var sawRecursive bool
	for _, s := range plan.Strata {
		if len(s.Names) == 1 && s.Names[0] == "reachable" {
			assert.True(t, s.Recursive)
			sawRecursive = true
		}
	}
	assert.True(t, sawRecursive, "expected a stratum for reachable")

	// ? depends on reachable and must be evaluated after it.
	reachableIdx, entryIdx := -1, -1
	for i, s := range plan.Strata {
		for _, n := range s.Names {
			if n == "reachable" {
				reachableIdx = i
			}
			if n == EntryRuleName {
				entryIdx = i
			}
		}
	}
	require.NotEqual(t, -1, reachableIdx)
	require.NotEqual(t, -1, entryIdx)
	assert.Less(t, reachableIdx, entryIdx)
}

func TestStratify_MutualNegationCycleIsRejected(t *testing.T) {
	src := `
p[x] := *edge[x, y], not q[x]
q[x] := *edge[x, y], not p[x]
?[x] := p[x]
`
	prog := compileScript(t, src)
	_, err := Stratify(prog)
	require.Error(t, err)
	assert.Equal(t, KindCompile, KindOf(err))
}

func TestStratify_DirectSelfNegationIsRejected(t *testing.T) {
	src := `
p[x] := *edge[x, y], not p[x]
?[x] := p[x]
`
	prog := compileScript(t, src)
	_, err := Stratify(prog)
	require.Error(t, err)
	assert.Equal(t, KindCompile, KindOf(err))
}

func TestStratify_StratifiedNegationAcrossStrataIsAccepted(t *testing.T) {
	src := `
blocked[x] := *banned[x]
ok[x] := *node[x], not blocked[x]
?[x] := ok[x]
`
	prog := compileScript(t, src)
	plan, err := Stratify(prog)
	require.NoError(t, err)

	blockedIdx, okIdx := -1, -1
	for i, s := range plan.Strata {
		for _, n := range s.Names {
			if n == "blocked" {
				blockedIdx = i
			}
			if n == "ok" {
				okIdx = i
			}
		}
	}
	require.NotEqual(t, -1, blockedIdx)
	require.NotEqual(t, -1, okIdx)
	assert.Less(t, blockedIdx, okIdx, "a negated dependency must be in an earlier stratum")
}
