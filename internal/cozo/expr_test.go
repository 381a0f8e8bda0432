package cozo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalIn(t *testing.T, e Expr, vars, params map[string]Value) (Value, error) {
	t.Helper()
	env := &Env{Vars: vars, Params: params}
	return Eval(&e, env)
}

func TestEval_ArithmeticIntStaysInt(t *testing.T) {
	e := binExpr(OpAdd, constExpr(Int(2), Span{}), constExpr(Int(3), Span{}), Span{})
	v, err := evalIn(t, e, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, TagInt, v.Tag())
	assert.Equal(t, int64(5), v.AsInt())
}

func TestEval_ArithmeticMixedPromotesToFloat(t *testing.T) {
	e := binExpr(OpAdd, constExpr(Int(2), Span{}), constExpr(Float(0.5), Span{}), Span{})
	v, err := evalIn(t, e, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, TagFloat, v.Tag())
	assert.Equal(t, 2.5, v.AsFloat())
}

func TestEval_IntegerDivisionByZeroFails(t *testing.T) {
	e := binExpr(OpDiv, constExpr(Int(1), Span{}), constExpr(Int(0), Span{}), Span{})
	_, err := evalIn(t, e, nil, nil)
	require.Error(t, err)
	assert.Equal(t, KindRuntime, KindOf(err))
}

func TestEval_FloatDivisionByZeroIsInfNotError(t *testing.T) {
	e := binExpr(OpDiv, constExpr(Float(1), Span{}), constExpr(Float(0), Span{}), Span{})
	v, err := evalIn(t, e, nil, nil)
	require.NoError(t, err)
	assert.True(t, math.IsInf(v.AsFloat(), 1))
}

func TestEval_AndShortCircuits(t *testing.T) {
	// The right side references an unbound variable; if && evaluated it
	// anyway, this would fail instead of returning false.
	e := binExpr(OpAnd, constExpr(Bool(false), Span{}), varExpr("missing", Span{}), Span{})
	v, err := evalIn(t, e, nil, nil)
	require.NoError(t, err)
	assert.False(t, v.AsBool())
}

func TestEval_OrShortCircuits(t *testing.T) {
	e := binExpr(OpOr, constExpr(Bool(true), Span{}), varExpr("missing", Span{}), Span{})
	v, err := evalIn(t, e, nil, nil)
	require.NoError(t, err)
	assert.True(t, v.AsBool())
}

func TestEval_VarLookup(t *testing.T) {
	e := varExpr("x", Span{})
	v, err := evalIn(t, e, map[string]Value{"x": Int(7)}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v.AsInt())
}

func TestEval_UnboundVarFails(t *testing.T) {
	e := varExpr("x", Span{})
	_, err := evalIn(t, e, nil, nil)
	require.Error(t, err)
}

func TestEval_ParamLookup(t *testing.T) {
	e := paramExpr("limit", Span{})
	v, err := evalIn(t, e, nil, map[string]Value{"limit": Int(10)})
	require.NoError(t, err)
	assert.Equal(t, int64(10), v.AsInt())
}

func TestEval_ConcatRequiresMatchingTypes(t *testing.T) {
	e := binExpr(OpConcat, constExpr(String("a"), Span{}), constExpr(Int(1), Span{}), Span{})
	_, err := evalIn(t, e, nil, nil)
	require.Error(t, err)
}

func TestEval_ConcatStrings(t *testing.T) {
	e := binExpr(OpConcat, constExpr(String("foo"), Span{}), constExpr(String("bar"), Span{}), Span{})
	v, err := evalIn(t, e, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "foobar", v.AsString())
}

func TestEval_CallBuiltin(t *testing.T) {
	e := Expr{Op: OpCall, Call: "length", Args: []Expr{constExpr(String("hello"), Span{})}}
	v, err := evalIn(t, e, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v.AsInt())
}

func TestEval_CallUnknownBuiltinFails(t *testing.T) {
	e := Expr{Op: OpCall, Call: "not_a_real_function"}
	_, err := evalIn(t, e, nil, nil)
	require.Error(t, err)
	assert.Equal(t, KindCompile, KindOf(err))
}

func TestFreeVars_CollectsNestedVars(t *testing.T) {
	e := binExpr(OpAnd,
		binExpr(OpEq, varExpr("x", Span{}), constExpr(Int(1), Span{}), Span{}),
		binExpr(OpGt, varExpr("y", Span{}), varExpr("x", Span{}), Span{}),
		Span{})
	out := map[string]bool{}
	FreeVars(&e, out)
	assert.Equal(t, map[string]bool{"x": true, "y": true}, out)
}

func TestBuiltins_ListOps(t *testing.T) {
	list := List([]Value{Int(1), Int(2), Int(3)})

	v, err := builtins["get"]([]Value{list, Int(1)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v.AsInt())

	v, err = builtins["reverse"]([]Value{list})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 2, 1}, asInts(v.AsList()))

	v, err = builtins["slice"]([]Value{list, Int(0), Int(2)})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, asInts(v.AsList()))

	_, err = builtins["get"]([]Value{list, Int(10)})
	assert.Error(t, err)
}

func TestBuiltins_Format(t *testing.T) {
	v, err := builtins["format"]([]Value{String("{} scored {} points"), String("ada"), Int(42)})
	require.NoError(t, err)
	assert.Equal(t, "ada scored 42 points", v.AsString())

	v, err = builtins["format"]([]Value{String("no placeholders")})
	require.NoError(t, err)
	assert.Equal(t, "no placeholders", v.AsString())

	_, err = builtins["format"]([]Value{String("{} and {}"), Int(1)})
	require.Error(t, err)

	_, err = builtins["format"]([]Value{Int(1)})
	require.Error(t, err)
}

func TestBuiltins_StringOps(t *testing.T) {
	v, err := builtins["uppercase"]([]Value{String("abc")})
	require.NoError(t, err)
	assert.Equal(t, "ABC", v.AsString())

	v, err = builtins["starts_with"]([]Value{String("hello"), String("he")})
	require.NoError(t, err)
	assert.True(t, v.AsBool())
}

func asInts(vs []Value) []int64 {
	out := make([]int64, len(vs))
	for i, v := range vs {
		out[i] = v.AsInt()
	}
	return out
}
