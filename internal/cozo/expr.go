package cozo

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ExprOp is the discriminant of one Expr node. The grammar's precedence
// levels (unary, ^, */%, +-, ++, comparisons, &&, ||) are folded into this
// single generic tree by the parser, so the evaluator and the compiler's
// free-variable analysis only need to handle one shape.
type ExprOp string

const (
	OpConst ExprOp = "const"
	OpVar   ExprOp = "var"
	OpParam ExprOp = "param"
	OpList  ExprOp = "list"
	OpTuple ExprOp = "tuple"
	OpCall  ExprOp = "call"

	OpNeg ExprOp = "neg"
	OpNot ExprOp = "not"

	OpPow ExprOp = "pow"
	OpMul ExprOp = "mul"
	OpDiv ExprOp = "div"
	OpMod ExprOp = "mod"
	OpAdd ExprOp = "add"
	OpSub ExprOp = "sub"

	OpConcat ExprOp = "concat"

	OpEq ExprOp = "eq"
	OpNe ExprOp = "ne"
	OpGt ExprOp = "gt"
	OpLt ExprOp = "lt"
	OpGe ExprOp = "ge"
	OpLe ExprOp = "le"

	OpAnd ExprOp = "and"
	OpOr  ExprOp = "or"
)

// Expr is a compiled (post-precedence) expression node.
type Expr struct {
	Op    ExprOp
	Const Value
	Var   string
	Param string
	Call  string
	Args  []Expr
	Span  Span
}

func constExpr(v Value, span Span) Expr     { return Expr{Op: OpConst, Const: v, Span: span} }
func varExpr(name string, span Span) Expr   { return Expr{Op: OpVar, Var: name, Span: span} }
func paramExpr(name string, span Span) Expr { return Expr{Op: OpParam, Param: name, Span: span} }
func binExpr(op ExprOp, l, r Expr, span Span) Expr {
	return Expr{Op: op, Args: []Expr{l, r}, Span: span}
}
func unExpr(op ExprOp, e Expr, span Span) Expr { return Expr{Op: op, Args: []Expr{e}, Span: span} }

// FreeVars returns the set of variable names referenced anywhere in e,
// used by the compiler to determine each atom's bound/free variables.
func FreeVars(e *Expr, out map[string]bool) {
	if e == nil {
		return
	}
	switch e.Op {
	case OpVar:
		out[e.Var] = true
	default:
		for i := range e.Args {
			FreeVars(&e.Args[i], out)
		}
	}
}

// Env is the variable binding environment used during expression
// evaluation: a row's bound variables plus late-bound script parameters.
type Env struct {
	Vars   map[string]Value
	Params map[string]Value
}

func (env *Env) lookup(name string) (Value, bool) {
	v, ok := env.Vars[name]
	return v, ok
}

// Eval evaluates e against env. Int auto-promotes to Float in mixed
// arithmetic, integer division by zero fails, && and || short-circuit.
func Eval(e *Expr, env *Env) (Value, error) {
	switch e.Op {
	case OpConst:
		return e.Const, nil
	case OpVar:
		v, ok := env.lookup(e.Var)
		if !ok {
			return Value{}, wrapErr(KindRuntime, e.Span, ErrRuntime, "unbound variable %q", e.Var)
		}
		return v, nil
	case OpParam:
		v, ok := env.Params[e.Param]
		if !ok {
			return Value{}, wrapErr(KindRuntime, e.Span, ErrRuntime, "unbound parameter $%s", e.Param)
		}
		return v, nil
	case OpList, OpTuple:
		items := make([]Value, len(e.Args))
		for i := range e.Args {
			v, err := Eval(&e.Args[i], env)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		if e.Op == OpTuple {
			return Tuple(items), nil
		}
		return List(items), nil
	case OpCall:
		args := make([]Value, len(e.Args))
		for i := range e.Args {
			v, err := Eval(&e.Args[i], env)
			if err != nil {
				return Value{}, err
			}
			args[i] = v
		}
		fn, ok := builtins[e.Call]
		if !ok {
			return Value{}, newErr(KindCompile, e.Span, "unknown function %q", e.Call)
		}
		v, err := fn(args)
		if err != nil {
			return Value{}, wrapErr(KindRuntime, e.Span, err, "%s(...)", e.Call)
		}
		return v, nil
	case OpNeg:
		v, err := Eval(&e.Args[0], env)
		if err != nil {
			return Value{}, err
		}
		switch v.Tag() {
		case TagInt:
			return Int(-v.AsInt()), nil
		case TagFloat:
			return Float(-v.AsFloat()), nil
		default:
			return Value{}, wrapErr(KindRuntime, e.Span, ErrRuntime, "unary - on %s", v.Tag())
		}
	case OpNot:
		v, err := Eval(&e.Args[0], env)
		if err != nil {
			return Value{}, err
		}
		if v.Tag() != TagBool {
			return Value{}, wrapErr(KindRuntime, e.Span, ErrRuntime, "unary ! on %s", v.Tag())
		}
		return Bool(!v.AsBool()), nil
	case OpAnd:
		l, err := Eval(&e.Args[0], env)
		if err != nil {
			return Value{}, err
		}
		if l.Tag() != TagBool {
			return Value{}, wrapErr(KindRuntime, e.Span, ErrRuntime, "&& on %s", l.Tag())
		}
		if !l.AsBool() {
			return Bool(false), nil // short-circuit
		}
		r, err := Eval(&e.Args[1], env)
		if err != nil {
			return Value{}, err
		}
		if r.Tag() != TagBool {
			return Value{}, wrapErr(KindRuntime, e.Span, ErrRuntime, "&& on %s", r.Tag())
		}
		return Bool(r.AsBool()), nil
	case OpOr:
		l, err := Eval(&e.Args[0], env)
		if err != nil {
			return Value{}, err
		}
		if l.Tag() != TagBool {
			return Value{}, wrapErr(KindRuntime, e.Span, ErrRuntime, "|| on %s", l.Tag())
		}
		if l.AsBool() {
			return Bool(true), nil // short-circuit
		}
		r, err := Eval(&e.Args[1], env)
		if err != nil {
			return Value{}, err
		}
		if r.Tag() != TagBool {
			return Value{}, wrapErr(KindRuntime, e.Span, ErrRuntime, "|| on %s", r.Tag())
		}
		return Bool(r.AsBool()), nil
	case OpEq, OpNe, OpGt, OpLt, OpGe, OpLe:
		l, err := Eval(&e.Args[0], env)
		if err != nil {
			return Value{}, err
		}
		r, err := Eval(&e.Args[1], env)
		if err != nil {
			return Value{}, err
		}
		c := Compare(l, r)
		switch e.Op {
		case OpEq:
			return Bool(c == 0), nil
		case OpNe:
			return Bool(c != 0), nil
		case OpGt:
			return Bool(c > 0), nil
		case OpLt:
			return Bool(c < 0), nil
		case OpGe:
			return Bool(c >= 0), nil
		case OpLe:
			return Bool(c <= 0), nil
		}
	case OpConcat:
		l, err := Eval(&e.Args[0], env)
		if err != nil {
			return Value{}, err
		}
		r, err := Eval(&e.Args[1], env)
		if err != nil {
			return Value{}, err
		}
		return concatValues(l, r, e.Span)
	case OpPow, OpMul, OpDiv, OpMod, OpAdd, OpSub:
		l, err := Eval(&e.Args[0], env)
		if err != nil {
			return Value{}, err
		}
		r, err := Eval(&e.Args[1], env)
		if err != nil {
			return Value{}, err
		}
		return arith(e.Op, l, r, e.Span)
	}
	return Value{}, newErr(KindCompile, e.Span, "unhandled expression op %s", e.Op)
}

func concatValues(l, r Value, span Span) (Value, error) {
	if l.Tag() != r.Tag() {
		return Value{}, wrapErr(KindRuntime, span, ErrRuntime, "++ requires matching types, got %s and %s", l.Tag(), r.Tag())
	}
	switch l.Tag() {
	case TagString:
		return String(l.AsString() + r.AsString()), nil
	case TagBytes:
		out := append(append([]byte(nil), l.AsBytes()...), r.AsBytes()...)
		return Bytes(out), nil
	case TagList:
		out := append(append([]Value(nil), l.AsList()...), r.AsList()...)
		return List(out), nil
	default:
		return Value{}, wrapErr(KindRuntime, span, ErrRuntime, "++ not defined on %s", l.Tag())
	}
}

// arith implements the numeric-promotion rules: Int auto-promotes to Float
// in mixed arithmetic; integer division/modulo by zero fails; float
// division follows IEEE semantics.
func arith(op ExprOp, l, r Value, span Span) (Value, error) {
	lf, lIsInt, lOK := l.Numeric()
	rf, rIsInt, rOK := r.Numeric()
	if !lOK || !rOK {
		return Value{}, wrapErr(KindRuntime, span, ErrRuntime, "arithmetic on non-numeric %s/%s", l.Tag(), r.Tag())
	}

	bothInt := lIsInt && rIsInt
	if bothInt {
		li, ri := l.AsInt(), r.AsInt()
		switch op {
		case OpAdd:
			return Int(li + ri), nil
		case OpSub:
			return Int(li - ri), nil
		case OpMul:
			return Int(li * ri), nil
		case OpDiv:
			if ri == 0 {
				return Value{}, wrapErr(KindRuntime, span, ErrRuntime, "integer division by zero")
			}
			return Int(li / ri), nil
		case OpMod:
			if ri == 0 {
				return Value{}, wrapErr(KindRuntime, span, ErrRuntime, "integer modulo by zero")
			}
			return Int(li % ri), nil
		case OpPow:
			return Float(math.Pow(float64(li), float64(ri))), nil
		}
	}

	switch op {
	case OpAdd:
		return Float(lf + rf), nil
	case OpSub:
		return Float(lf - rf), nil
	case OpMul:
		return Float(lf * rf), nil
	case OpDiv:
		return Float(lf / rf), nil // IEEE: division by zero yields ±Inf/NaN
	case OpMod:
		return Float(math.Mod(lf, rf)), nil
	case OpPow:
		return Float(math.Pow(lf, rf)), nil
	}
	return Value{}, wrapErr(KindRuntime, span, ErrRuntime, "unhandled arithmetic op %s", op)
}

// builtinFn is the signature every registered built-in function satisfies.
type builtinFn func(args []Value) (Value, error)

// builtins is the fixed catalog of built-in functions callable from
// expressions.
var builtins map[string]builtinFn

func init() {
	builtins = map[string]builtinFn{
		// string
		"length":      fnLength,
		"lowercase":   fn1Str(strings.ToLower),
		"uppercase":   fn1Str(strings.ToUpper),
		"trim":        fn1Str(strings.TrimSpace),
		"starts_with": fn2StrBool(strings.HasPrefix),
		"ends_with":   fn2StrBool(strings.HasSuffix),
		"concat":      fnConcatStrings,
		"format":      fnFormat,
		"chars":       fnChars,

		// list
		"get":       fnGet,
		"slice":     fnSlice,
		"append":    fnAppend,
		"prepend":   fnPrepend,
		"reverse":   fnReverse,
		"sorted":    fnSorted,
		"chunks_of": fnChunksOf,

		// regex
		"matches": fnMatches,
		"extract": fnExtract,
		"replace": fnReplaceRegex,

		// datetime
		"now":              fnNow,
		"format_timestamp": fnFormatTimestamp,
		"parse_timestamp":  fnParseTimestamp,

		// uuid
		"uuid_v4":   fnUUIDv4,
		"uuid_v5":   fnUUIDv5,
		"rand_uuid": fnUUIDv4,

		// hashing
		"md5":    fnHash(md5.New),
		"sha1":   fnHash(sha1.New),
		"sha256": fnHash(sha256.New),
	}
}

func fn1Str(f func(string) string) builtinFn {
	return func(args []Value) (Value, error) {
		if err := arity("string fn", args, 1); err != nil {
			return Value{}, err
		}
		return String(f(args[0].AsString())), nil
	}
}

func fn2StrBool(f func(s, prefix string) bool) builtinFn {
	return func(args []Value) (Value, error) {
		if err := arity("string fn", args, 2); err != nil {
			return Value{}, err
		}
		return Bool(f(args[0].AsString(), args[1].AsString())), nil
	}
}

func arity(name string, args []Value, n int) error {
	if len(args) != n {
		return fmt.Errorf("%s: expected %d args, got %d", name, n, len(args))
	}
	return nil
}

func fnLength(args []Value) (Value, error) {
	if err := arity("length", args, 1); err != nil {
		return Value{}, err
	}
	switch args[0].Tag() {
	case TagString:
		return Int(int64(len([]rune(args[0].AsString())))), nil
	case TagBytes:
		return Int(int64(len(args[0].AsBytes()))), nil
	case TagList, TagTuple:
		return Int(int64(len(args[0].AsList()))), nil
	default:
		return Value{}, fmt.Errorf("length: unsupported type %s", args[0].Tag())
	}
}

func fnConcatStrings(args []Value) (Value, error) {
	var sb strings.Builder
	for _, a := range args {
		sb.WriteString(a.AsString())
	}
	return String(sb.String()), nil
}

// fnFormat substitutes each `{}` in the template with the display form of
// the next argument: strings interpolate unquoted, everything else uses its
// canonical rendering.
func fnFormat(args []Value) (Value, error) {
	if len(args) < 1 || args[0].Tag() != TagString {
		return Value{}, fmt.Errorf("format: expected a template string")
	}
	tmpl := args[0].AsString()
	rest := args[1:]
	var sb strings.Builder
	next := 0
	for i := 0; i < len(tmpl); {
		if strings.HasPrefix(tmpl[i:], "{}") {
			if next >= len(rest) {
				return Value{}, fmt.Errorf("format: template needs more than %d argument(s)", len(rest))
			}
			v := rest[next]
			if v.Tag() == TagString {
				sb.WriteString(v.AsString())
			} else {
				sb.WriteString(v.String())
			}
			next++
			i += 2
			continue
		}
		sb.WriteByte(tmpl[i])
		i++
	}
	return String(sb.String()), nil
}

func fnChars(args []Value) (Value, error) {
	if err := arity("chars", args, 1); err != nil {
		return Value{}, err
	}
	runes := []rune(args[0].AsString())
	out := make([]Value, len(runes))
	for i, r := range runes {
		out[i] = String(string(r))
	}
	return List(out), nil
}

func fnGet(args []Value) (Value, error) {
	if err := arity("get", args, 2); err != nil {
		return Value{}, err
	}
	items := args[0].AsList()
	idx := args[1].AsInt()
	if idx < 0 || int(idx) >= len(items) {
		return Value{}, fmt.Errorf("get: index %d out of range (len %d)", idx, len(items))
	}
	return items[idx], nil
}

func fnSlice(args []Value) (Value, error) {
	if err := arity("slice", args, 3); err != nil {
		return Value{}, err
	}
	items := args[0].AsList()
	start, end := args[1].AsInt(), args[2].AsInt()
	if start < 0 || end > int64(len(items)) || start > end {
		return Value{}, fmt.Errorf("slice: invalid bounds [%d:%d) over len %d", start, end, len(items))
	}
	out := append([]Value(nil), items[start:end]...)
	return List(out), nil
}

func fnAppend(args []Value) (Value, error) {
	if len(args) < 1 {
		return Value{}, fmt.Errorf("append: expected at least 1 arg")
	}
	out := append([]Value(nil), args[0].AsList()...)
	out = append(out, args[1:]...)
	return List(out), nil
}

func fnPrepend(args []Value) (Value, error) {
	if len(args) < 1 {
		return Value{}, fmt.Errorf("prepend: expected at least 1 arg")
	}
	out := append([]Value(nil), args[1:]...)
	out = append(out, args[0].AsList()...)
	return List(out), nil
}

func fnReverse(args []Value) (Value, error) {
	if err := arity("reverse", args, 1); err != nil {
		return Value{}, err
	}
	items := args[0].AsList()
	out := make([]Value, len(items))
	for i, v := range items {
		out[len(items)-1-i] = v
	}
	return List(out), nil
}

func fnSorted(args []Value) (Value, error) {
	if err := arity("sorted", args, 1); err != nil {
		return Value{}, err
	}
	out := append([]Value(nil), args[0].AsList()...)
	SortValues(out)
	return List(out), nil
}

func fnChunksOf(args []Value) (Value, error) {
	if err := arity("chunks_of", args, 2); err != nil {
		return Value{}, err
	}
	items := args[0].AsList()
	n := int(args[1].AsInt())
	if n <= 0 {
		return Value{}, fmt.Errorf("chunks_of: chunk size must be positive")
	}
	var chunks []Value
	for i := 0; i < len(items); i += n {
		end := i + n
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, List(append([]Value(nil), items[i:end]...)))
	}
	return List(chunks), nil
}

func fnMatches(args []Value) (Value, error) {
	if err := arity("matches", args, 2); err != nil {
		return Value{}, err
	}
	re, err := regexp.Compile(args[1].AsString())
	if err != nil {
		return Value{}, err
	}
	return Bool(re.MatchString(args[0].AsString())), nil
}

func fnExtract(args []Value) (Value, error) {
	if err := arity("extract", args, 2); err != nil {
		return Value{}, err
	}
	re, err := regexp.Compile(args[1].AsString())
	if err != nil {
		return Value{}, err
	}
	groups := re.FindStringSubmatch(args[0].AsString())
	out := make([]Value, len(groups))
	for i, g := range groups {
		out[i] = String(g)
	}
	return List(out), nil
}

func fnReplaceRegex(args []Value) (Value, error) {
	if err := arity("replace", args, 3); err != nil {
		return Value{}, err
	}
	re, err := regexp.Compile(args[1].AsString())
	if err != nil {
		return Value{}, err
	}
	return String(re.ReplaceAllString(args[0].AsString(), args[2].AsString())), nil
}

func fnNow(args []Value) (Value, error) {
	if len(args) != 0 {
		return Value{}, fmt.Errorf("now: expected 0 args")
	}
	return Float(float64(time.Now().UnixNano()) / 1e9), nil
}

func fnFormatTimestamp(args []Value) (Value, error) {
	if err := arity("format_timestamp", args, 2); err != nil {
		return Value{}, err
	}
	f, _, ok := args[0].Numeric()
	if !ok {
		return Value{}, fmt.Errorf("format_timestamp: expected numeric seconds")
	}
	t := time.Unix(0, int64(f*1e9)).UTC()
	return String(t.Format(args[1].AsString())), nil
}

func fnParseTimestamp(args []Value) (Value, error) {
	if err := arity("parse_timestamp", args, 2); err != nil {
		return Value{}, err
	}
	t, err := time.Parse(args[1].AsString(), args[0].AsString())
	if err != nil {
		return Value{}, err
	}
	return Float(float64(t.UnixNano()) / 1e9), nil
}

func fnUUIDv4(args []Value) (Value, error) {
	if len(args) != 0 {
		return Value{}, fmt.Errorf("uuid_v4: expected 0 args")
	}
	return UUID(uuid.New()), nil
}

func fnUUIDv5(args []Value) (Value, error) {
	if err := arity("uuid_v5", args, 2); err != nil {
		return Value{}, err
	}
	ns := args[0].AsUUID()
	return UUID(uuid.NewSHA1(ns, []byte(args[1].AsString()))), nil
}

func fnHash(newFn func() hash.Hash) builtinFn {
	return func(args []Value) (Value, error) {
		if err := arity("hash", args, 1); err != nil {
			return Value{}, err
		}
		h := newFn()
		_, _ = h.Write([]byte(args[0].AsString()))
		return String(hex.EncodeToString(h.Sum(nil))), nil
	}
}
