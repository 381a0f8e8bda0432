package cozo

import (
	"fmt"
	"strings"
)

// Parser is a hand-rolled recursive-descent parser over a token stream:
// single-token lookahead plus checkpoint/restore backtracking where atom
// forms share a leading token.
type Parser struct {
	toks []Token
	pos  int
}

// Parse tokenizes and parses src into a Script.
func Parse(src string) (*Script, error) {
	lx := NewLexer(src)
	toks, err := lx.Tokenize()
	if err != nil {
		return nil, err
	}
	p := &Parser{toks: toks}
	return p.parseScript()
}

func (p *Parser) cur() Token    { return p.toks[p.pos] }
func (p *Parser) span() Span    { return p.cur().Span }
func (p *Parser) save() int     { return p.pos }
func (p *Parser) restore(i int) { p.pos = i }

func (p *Parser) advance() Token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *Parser) atEOF() bool { return p.cur().Kind == TokEOF }

func (p *Parser) isPunct(s string) bool {
	return p.cur().Kind == TokPunct && p.cur().Text == s
}

func (p *Parser) isIdent(s string) bool {
	return p.cur().Kind == TokIdent && p.cur().Text == s
}

func (p *Parser) expectPunct(s string) (Token, error) {
	if !p.isPunct(s) {
		return Token{}, p.errorf("expected %q, got %s", s, p.describe())
	}
	return p.advance(), nil
}

func (p *Parser) expectIdent() (Token, error) {
	if p.cur().Kind != TokIdent {
		return Token{}, p.errorf("expected identifier, got %s", p.describe())
	}
	return p.advance(), nil
}

func (p *Parser) describe() string {
	t := p.cur()
	if t.Kind == TokEOF {
		return "end of input"
	}
	return fmt.Sprintf("%q", t.Text)
}

func (p *Parser) errorf(format string, args ...interface{}) error {
	return newErr(KindParse, p.span(), format, args...)
}

// parseScript dispatches on the leading token: `::` starts a SysScript, `{`
// starts a MultiScript, anything else is the first rule head of a
// QueryScript.
func (p *Parser) parseScript() (*Script, error) {
	switch {
	case p.isPunct("::"):
		sys, err := p.parseSysScript()
		if err != nil {
			return nil, err
		}
		return &Script{Sys: sys}, nil
	case p.isPunct("{"):
		multi, err := p.parseMultiScript()
		if err != nil {
			return nil, err
		}
		return &Script{Multi: multi}, nil
	default:
		q, err := p.parseQueryScript()
		if err != nil {
			return nil, err
		}
		return &Script{Query: q}, nil
	}
}

func (p *Parser) parseMultiScript() (*MultiScript, error) {
	start := p.span()
	if _, err := p.expectPunct("{"); err != nil {
		return nil, err
	}
	var queries []QueryScript
	for !p.isPunct("}") {
		if p.atEOF() {
			return nil, p.errorf("unterminated multi-script, expected }")
		}
		q, err := p.parseQueryScript()
		if err != nil {
			return nil, err
		}
		queries = append(queries, *q)
		if p.isPunct(";") {
			p.advance()
		}
	}
	if _, err := p.expectPunct("}"); err != nil {
		return nil, err
	}
	return &MultiScript{Queries: queries, Span: start}, nil
}

// parseSysScript parses a `::op ...` system operation.
func (p *Parser) parseSysScript() (*SysScript, error) {
	start := p.span()
	if _, err := p.expectPunct("::"); err != nil {
		return nil, err
	}
	opTok, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	s := &SysScript{Span: start}

	switch opTok.Text {
	case "compact":
		s.Op = SysCompact
	case "relations":
		s.Op = SysRelations
	case "columns":
		s.Op = SysColumns
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		s.Relation = name.Text
	case "remove":
		s.Op = SysRemove
		names, err := p.parseIdentList()
		if err != nil {
			return nil, err
		}
		s.Relations = names
	case "rename":
		s.Op = SysRename
		for {
			from, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			if _, err := p.expectPunct("=>"); err != nil {
				return nil, err
			}
			to, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			s.Renames = append(s.Renames, [2]string{from.Text, to.Text})
			if p.isPunct(",") {
				p.advance()
				continue
			}
			break
		}
	case "running":
		s.Op = SysRunning
	case "kill":
		s.Op = SysKill
		n, err := p.parseIntLiteralToken()
		if err != nil {
			return nil, err
		}
		s.Kill = n
	case "explain":
		s.Op = SysExplain
		braced := p.isPunct("{")
		if braced {
			p.advance()
		}
		q, err := p.parseQueryScript()
		if err != nil {
			return nil, err
		}
		if braced {
			if _, err := p.expectPunct("}"); err != nil {
				return nil, err
			}
		}
		s.Explain = q
	case "access_level":
		s.Op = SysAccessLevel
		lvl, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		switch lvl.Text {
		case "normal", "protected", "read_only", "hidden":
		default:
			return nil, p.errorf("unknown access level %q", lvl.Text)
		}
		names, err := p.parseIdentList()
		if err != nil {
			return nil, err
		}
		s.Relations = names
		s.AccessLevel = parseAccessLevel(lvl.Text)
	case "show_triggers":
		s.Op = SysShowTriggers
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		s.Relation = name.Text
	case "set_triggers":
		s.Op = SysSetTriggers
		spec, err := p.parseTriggerSpec()
		if err != nil {
			return nil, err
		}
		s.Triggers = spec
	default:
		return nil, p.errorf("unknown system operation %q", opTok.Text)
	}
	return s, nil
}

func parseAccessLevel(s string) AccessLevel {
	switch s {
	case "protected":
		return AccessProtected
	case "read_only":
		return AccessReadOnly
	case "hidden":
		return AccessHidden
	default:
		return AccessNormal
	}
}

func (p *Parser) parseIdentList() ([]string, error) {
	var out []string
	for {
		t, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		out = append(out, t.Text)
		if p.isPunct(",") {
			p.advance()
			continue
		}
		break
	}
	return out, nil
}

func (p *Parser) parseIntLiteralToken() (int64, error) {
	if p.cur().Kind != TokInt {
		return 0, p.errorf("expected integer, got %s", p.describe())
	}
	t := p.advance()
	return ParseIntLiteral(t.Text)
}

// parseTriggerSpec parses `R on put {q1; q2} on rm {...} on replace {...}`.
func (p *Parser) parseTriggerSpec() (*TriggerSpec, error) {
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	spec := &TriggerSpec{Relation: name.Text}
	for p.isIdent("on") {
		p.advance()
		kind, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		block, err := p.parseMultiScript()
		if err != nil {
			return nil, err
		}
		switch kind.Text {
		case "put":
			spec.OnPut = append(spec.OnPut, block.Queries...)
		case "rm":
			spec.OnRm = append(spec.OnRm, block.Queries...)
		case "replace":
			spec.OnReplace = append(spec.OnReplace, block.Queries...)
		default:
			return nil, p.errorf("unknown trigger kind %q", kind.Text)
		}
	}
	return spec, nil
}

// parseQueryScript parses a sequence of rule definitions followed by a
// sequence of `:verb` options.
func (p *Parser) parseQueryScript() (*QueryScript, error) {
	start := p.span()
	q := &QueryScript{Span: start}
	for p.canStartRule() {
		r, err := p.parseRule()
		if err != nil {
			return nil, err
		}
		q.Rules = append(q.Rules, *r)
		if p.isPunct(";") {
			p.advance()
		}
	}
	for p.isPunct(":") {
		opt, err := p.parseOption()
		if err != nil {
			return nil, err
		}
		q.Options = append(q.Options, *opt)
		if p.isPunct(";") {
			p.advance()
		}
	}
	return q, nil
}

func (p *Parser) canStartRule() bool {
	return p.cur().Kind == TokIdent || p.isPunct("?")
}

// parseRule parses one `head := body` / `head <- expr` / `head <~ algo(...)`.
func (p *Parser) parseRule() (*Rule, error) {
	start := p.span()
	head, err := p.parseRuleHead()
	if err != nil {
		return nil, err
	}
	r := &Rule{Head: *head, Span: start}

	switch {
	case p.isPunct(":="):
		p.advance()
		disjunct, err := p.parseConjunction()
		if err != nil {
			return nil, err
		}
		r.Kind = RuleDatalog
		r.Disjuncts = [][]Atom{disjunct}
		for p.isIdent("or") {
			p.advance()
			next, err := p.parseConjunction()
			if err != nil {
				return nil, err
			}
			r.Disjuncts = append(r.Disjuncts, next)
		}
	case p.isPunct("<-"):
		p.advance()
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		r.Kind = RuleConstant
		r.ConstExpr = &e
	case p.isPunct("<~"):
		p.advance()
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		r.AlgoName = name.Text
		if _, err := p.expectPunct("("); err != nil {
			return nil, err
		}
		for !p.isPunct(")") {
			if opt, ok, err := p.tryParseOptionPair(); err != nil {
				return nil, err
			} else if ok {
				r.AlgoOpts = append(r.AlgoOpts, opt)
			} else {
				e, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				r.AlgoArgs = append(r.AlgoArgs, e)
			}
			if p.isPunct(",") {
				p.advance()
				continue
			}
			break
		}
		if _, err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		r.Kind = RuleAlgorithm
	default:
		return nil, p.errorf("expected :=, <- or <~ after rule head, got %s", p.describe())
	}
	return r, nil
}

func (p *Parser) tryParseOptionPair() (OptionPair, bool, error) {
	save := p.save()
	if p.cur().Kind != TokIdent {
		return OptionPair{}, false, nil
	}
	key := p.advance()
	if !p.isPunct(":") {
		p.restore(save)
		return OptionPair{}, false, nil
	}
	p.advance()
	e, err := p.parseExpr()
	if err != nil {
		return OptionPair{}, false, err
	}
	return OptionPair{Key: key.Text, Value: e}, true, nil
}

// parseRuleHead parses `name[arg, agg(arg2), ...]` or `?[...]`.
func (p *Parser) parseRuleHead() (*RuleHead, error) {
	start := p.span()
	var name string
	if p.isPunct("?") {
		p.advance()
		name = EntryRuleName
	} else {
		t, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		name = t.Text
	}
	if _, err := p.expectPunct("["); err != nil {
		return nil, err
	}
	var args []HeadArg
	for !p.isPunct("]") {
		a, err := p.parseHeadArg()
		if err != nil {
			return nil, err
		}
		args = append(args, *a)
		if p.isPunct(",") {
			p.advance()
			continue
		}
		break
	}
	if _, err := p.expectPunct("]"); err != nil {
		return nil, err
	}
	return &RuleHead{Name: name, Args: args, Span: start}, nil
}

// parseHeadArg parses a bare variable or an aggregation `agg(var, extra...)`.
func (p *Parser) parseHeadArg() (*HeadArg, error) {
	start := p.span()
	ident, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if p.isPunct("(") {
		p.advance()
		var extra []Expr
		v, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		varName := v.Text
		for p.isPunct(",") {
			p.advance()
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			extra = append(extra, e)
		}
		if _, err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		return &HeadArg{Var: varName, Agg: ident.Text, AggExtra: extra, Span: start}, nil
	}
	return &HeadArg{Var: ident.Text, Span: start}, nil
}

// parseConjunction parses a comma/`,`-separated list of body atoms up to the
// next `or`, `;`, `:` option marker, or end of input.
func (p *Parser) parseConjunction() ([]Atom, error) {
	var atoms []Atom
	for {
		a, err := p.parseAtom()
		if err != nil {
			return nil, err
		}
		atoms = append(atoms, *a)
		if p.isPunct(",") {
			p.advance()
			continue
		}
		break
	}
	return atoms, nil
}

// parseAtom parses one body element: relation/rule application, unification,
// membership, a bare boolean guard expression, or a negated atom.
func (p *Parser) parseAtom() (*Atom, error) {
	start := p.span()

	if p.isIdent("not") {
		p.advance()
		inner, err := p.parseAtom()
		if err != nil {
			return nil, err
		}
		a := newNegationAtom(*inner, start)
		return &a, nil
	}

	// A parenthesized body group: `(a, b or c, d)`. Shares its leading `(`
	// with grouped expressions and tuple literals, so commit to the group
	// reading only when the parens hold a top-level `,` or `or` joining
	// atoms; otherwise backtrack and let expression parsing have it.
	if p.isPunct("(") {
		if a, ok, err := p.tryParseGroupAtom(); err != nil {
			return nil, err
		} else if ok {
			return a, nil
		}
	}

	if p.isPunct("*") || p.cur().Kind == TokIdent {
		if a, ok, err := p.tryParseApplicationAtom(); err != nil {
			return nil, err
		} else if ok {
			return a, nil
		}
	}

	// Fall back to a general expression; classify by the operator that
	// follows a leading variable: `x = e` is Unify, `x in e` is Member,
	// anything else is a bare boolean guard.
	if p.cur().Kind == TokIdent {
		save := p.save()
		ident := p.advance()
		switch {
		case p.isPunct("="):
			p.advance()
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			a := newUnifyAtom(ident.Text, e, start)
			return &a, nil
		case p.isIdent("in"):
			p.advance()
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			a := newMemberAtom(ident.Text, e, start)
			return &a, nil
		default:
			p.restore(save)
		}
	}

	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	a := newExprAtom(e, start)
	return &a, nil
}

// tryParseGroupAtom attempts to read `( conj or conj ... )` as a grouped
// body disjunction. It commits only if at least one top-level `,` or `or`
// joins the contents; a lone parenthesized expression is left for the
// expression parser, which gives it identical guard semantics.
func (p *Parser) tryParseGroupAtom() (*Atom, bool, error) {
	save := p.save()
	span := p.span()
	p.advance() // consume (
	var disjuncts [][]Atom
	var conj []Atom
	joined := false
	for {
		a, err := p.parseAtom()
		if err != nil {
			p.restore(save)
			return nil, false, nil
		}
		conj = append(conj, *a)
		switch {
		case p.isPunct(","):
			joined = true
			p.advance()
		case p.isIdent("or"):
			joined = true
			p.advance()
			disjuncts = append(disjuncts, conj)
			conj = nil
		case p.isPunct(")"):
			if !joined {
				p.restore(save)
				return nil, false, nil
			}
			p.advance()
			disjuncts = append(disjuncts, conj)
			g := newGroupAtom(disjuncts, span)
			return &g, true, nil
		default:
			p.restore(save)
			return nil, false, nil
		}
	}
}

// tryParseApplicationAtom attempts `*name[...]`, `*name{...}`, `name[...]`.
// Returns ok=false (restoring position) if the lookahead does not match a
// relation/rule application, so the caller can fall back to expression
// parsing (e.g. a bare identifier used in `x = e`).
func (p *Parser) tryParseApplicationAtom() (*Atom, bool, error) {
	start := p.save()
	span := p.span()
	stored := false
	if p.isPunct("*") {
		stored = true
		p.advance()
	}
	if p.cur().Kind != TokIdent {
		p.restore(start)
		return nil, false, nil
	}
	name := p.advance().Text

	switch {
	case p.isPunct("["):
		p.advance()
		var pos []Expr
		for !p.isPunct("]") {
			e, err := p.parseExpr()
			if err != nil {
				return nil, false, err
			}
			pos = append(pos, e)
			if p.isPunct(",") {
				p.advance()
				continue
			}
			break
		}
		if _, err := p.expectPunct("]"); err != nil {
			return nil, false, err
		}
		var a Atom
		if stored {
			a = newRelationAtom(name, true, pos, nil, span)
		} else {
			a = newRuleAtom(name, pos, span)
		}
		return &a, true, nil

	case p.isPunct("{"):
		p.advance()
		var named []NamedArg
		for !p.isPunct("}") {
			key, err := p.expectIdent()
			if err != nil {
				return nil, false, err
			}
			na := NamedArg{Name: key.Text}
			if p.isPunct(":") {
				p.advance()
				e, err := p.parseExpr()
				if err != nil {
					return nil, false, err
				}
				if e.Op == OpVar {
					na.Var = e.Var
				} else {
					na.Lit = &e
				}
			} else {
				na.Var = key.Text // shorthand `{name}` binds to a same-named var
			}
			named = append(named, na)
			if p.isPunct(",") {
				p.advance()
				continue
			}
			break
		}
		if _, err := p.expectPunct("}"); err != nil {
			return nil, false, err
		}
		a := newRelationAtom(name, stored, nil, named, span)
		return &a, true, nil

	default:
		if stored {
			return nil, false, p.errorf("expected [ or { after *%s", name)
		}
		p.restore(start)
		return nil, false, nil
	}
}

// ---- Expressions ----
//
// Precedence, low to high: || < && < comparisons < ++ < +- < */% < ^ < unary.
// Parenthesized groups and tuple literals share a leading `(`; disambiguated
// by comma count.

func (p *Parser) parseExpr() (Expr, error) { return p.parseOr() }

func (p *Parser) parseOr() (Expr, error) {
	l, err := p.parseAnd()
	if err != nil {
		return Expr{}, err
	}
	for p.isPunct("||") {
		span := p.span()
		p.advance()
		r, err := p.parseAnd()
		if err != nil {
			return Expr{}, err
		}
		l = binExpr(OpOr, l, r, span)
	}
	return l, nil
}

func (p *Parser) parseAnd() (Expr, error) {
	l, err := p.parseCompare()
	if err != nil {
		return Expr{}, err
	}
	for p.isPunct("&&") {
		span := p.span()
		p.advance()
		r, err := p.parseCompare()
		if err != nil {
			return Expr{}, err
		}
		l = binExpr(OpAnd, l, r, span)
	}
	return l, nil
}

var compareOps = map[string]ExprOp{
	"==": OpEq, "!=": OpNe, ">": OpGt, "<": OpLt, ">=": OpGe, "<=": OpLe,
}

func (p *Parser) parseCompare() (Expr, error) {
	l, err := p.parseConcat()
	if err != nil {
		return Expr{}, err
	}
	for p.cur().Kind == TokPunct {
		op, ok := compareOps[p.cur().Text]
		if !ok {
			break
		}
		span := p.span()
		p.advance()
		r, err := p.parseConcat()
		if err != nil {
			return Expr{}, err
		}
		l = binExpr(op, l, r, span)
	}
	return l, nil
}

func (p *Parser) parseConcat() (Expr, error) {
	l, err := p.parseAddSub()
	if err != nil {
		return Expr{}, err
	}
	for p.isPunct("++") {
		span := p.span()
		p.advance()
		r, err := p.parseAddSub()
		if err != nil {
			return Expr{}, err
		}
		l = binExpr(OpConcat, l, r, span)
	}
	return l, nil
}

func (p *Parser) parseAddSub() (Expr, error) {
	l, err := p.parseMulDiv()
	if err != nil {
		return Expr{}, err
	}
	for p.isPunct("+") || p.isPunct("-") {
		op := OpAdd
		if p.cur().Text == "-" {
			op = OpSub
		}
		span := p.span()
		p.advance()
		r, err := p.parseMulDiv()
		if err != nil {
			return Expr{}, err
		}
		l = binExpr(op, l, r, span)
	}
	return l, nil
}

func (p *Parser) parseMulDiv() (Expr, error) {
	l, err := p.parsePow()
	if err != nil {
		return Expr{}, err
	}
	for p.isPunct("*") || p.isPunct("/") || p.isPunct("%") {
		var op ExprOp
		switch p.cur().Text {
		case "*":
			op = OpMul
		case "/":
			op = OpDiv
		case "%":
			op = OpMod
		}
		span := p.span()
		p.advance()
		r, err := p.parsePow()
		if err != nil {
			return Expr{}, err
		}
		l = binExpr(op, l, r, span)
	}
	return l, nil
}

func (p *Parser) parsePow() (Expr, error) {
	l, err := p.parseUnary()
	if err != nil {
		return Expr{}, err
	}
	if p.isPunct("^") {
		span := p.span()
		p.advance()
		r, err := p.parsePow() // right-associative
		if err != nil {
			return Expr{}, err
		}
		return binExpr(OpPow, l, r, span), nil
	}
	return l, nil
}

func (p *Parser) parseUnary() (Expr, error) {
	if p.isPunct("-") {
		span := p.span()
		p.advance()
		e, err := p.parseUnary()
		if err != nil {
			return Expr{}, err
		}
		return unExpr(OpNeg, e, span), nil
	}
	if p.isPunct("!") {
		span := p.span()
		p.advance()
		e, err := p.parseUnary()
		if err != nil {
			return Expr{}, err
		}
		return unExpr(OpNot, e, span), nil
	}
	return p.parsePrimary()
}

func (p *Parser) parsePrimary() (Expr, error) {
	span := p.span()
	tok := p.cur()
	switch tok.Kind {
	case TokInt:
		p.advance()
		n, err := ParseIntLiteral(tok.Text)
		if err != nil {
			return Expr{}, wrapErr(KindParse, span, err, "invalid integer literal %q", tok.Text)
		}
		return constExpr(Int(n), span), nil
	case TokFloat:
		p.advance()
		f, err := ParseFloatLiteral(tok.Text)
		if err != nil {
			return Expr{}, wrapErr(KindParse, span, err, "invalid float literal %q", tok.Text)
		}
		return constExpr(Float(f), span), nil
	case TokString:
		p.advance()
		return constExpr(String(tok.Text), span), nil
	case TokParam:
		p.advance()
		return paramExpr(tok.Text, span), nil
	case TokIdent:
		return p.parseIdentExprOrCall()
	case TokPunct:
		switch tok.Text {
		case "(":
			return p.parseParenOrTuple()
		case "[":
			return p.parseListLiteral()
		}
	}
	return Expr{}, p.errorf("unexpected token %s in expression", p.describe())
}

func (p *Parser) parseIdentExprOrCall() (Expr, error) {
	span := p.span()
	tok := p.advance()
	switch tok.Text {
	case "null":
		return constExpr(Null(), span), nil
	case "true":
		return constExpr(Bool(true), span), nil
	case "false":
		return constExpr(Bool(false), span), nil
	}
	if p.isPunct("(") {
		p.advance()
		var args []Expr
		for !p.isPunct(")") {
			e, err := p.parseExpr()
			if err != nil {
				return Expr{}, err
			}
			args = append(args, e)
			if p.isPunct(",") {
				p.advance()
				continue
			}
			break
		}
		if _, err := p.expectPunct(")"); err != nil {
			return Expr{}, err
		}
		return Expr{Op: OpCall, Call: tok.Text, Args: args, Span: span}, nil
	}
	return varExpr(tok.Text, span), nil
}

// parseParenOrTuple disambiguates `(expr)` grouping from a tuple literal
// `(e1, e2, ...)`: more than one comma-separated element makes it a tuple,
// a single element with no trailing comma unwraps to a grouped expression.
func (p *Parser) parseParenOrTuple() (Expr, error) {
	span := p.span()
	p.advance() // consume (
	var elems []Expr
	trailingComma := false
	for !p.isPunct(")") {
		e, err := p.parseExpr()
		if err != nil {
			return Expr{}, err
		}
		elems = append(elems, e)
		trailingComma = false
		if p.isPunct(",") {
			p.advance()
			trailingComma = true
			continue
		}
		break
	}
	if _, err := p.expectPunct(")"); err != nil {
		return Expr{}, err
	}
	if len(elems) == 1 && !trailingComma {
		return elems[0], nil
	}
	return Expr{Op: OpTuple, Args: elems, Span: span}, nil
}

func (p *Parser) parseListLiteral() (Expr, error) {
	span := p.span()
	p.advance() // consume [
	var elems []Expr
	for !p.isPunct("]") {
		e, err := p.parseExpr()
		if err != nil {
			return Expr{}, err
		}
		elems = append(elems, e)
		if p.isPunct(",") {
			p.advance()
			continue
		}
		break
	}
	if _, err := p.expectPunct("]"); err != nil {
		return Expr{}, err
	}
	return Expr{Op: OpList, Args: elems, Span: span}, nil
}

// ---- Options ----

// parseOption parses one `:verb ...` clause.
func (p *Parser) parseOption() (*Option, error) {
	start := p.span()
	if _, err := p.expectPunct(":"); err != nil {
		return nil, err
	}
	verbTok, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	opt := &Option{Verb: OptionVerb(verbTok.Text), Span: start}

	switch opt.Verb {
	case OptLimit, OptOffset:
		n, err := p.parseIntLiteralToken()
		if err != nil {
			return nil, err
		}
		opt.Int = n
	case OptSort:
		for {
			desc := false
			if p.isPunct("-") {
				desc = true
				p.advance()
			} else if p.isPunct("+") {
				p.advance()
			}
			v, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			opt.Sort = append(opt.Sort, SortKey{Var: v.Text, Desc: desc})
			if p.isPunct(",") {
				p.advance()
				continue
			}
			break
		}
	case OptTimeout, OptSleep:
		d, err := p.parseDurationSeconds()
		if err != nil {
			return nil, err
		}
		opt.Duration = d
	case OptAssert:
		t, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		if t.Text != "none" && t.Text != "some" {
			return nil, p.errorf(":assert expects none or some, got %q", t.Text)
		}
		opt.Assert = t.Text
	case OptCreate, OptReplace:
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		opt.Relation = name.Text
		schema, err := p.parseSchemaLit()
		if err != nil {
			return nil, err
		}
		opt.Schema = schema
	case OptPut, OptRm, OptEnsure, OptEnsureNot:
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		opt.Relation = name.Text
	default:
		return nil, p.errorf("unknown option verb %q", verbTok.Text)
	}
	return opt, nil
}

// parseDurationSeconds resolves a bare number (int or float literal) as
// seconds, fractions allowed.
func (p *Parser) parseDurationSeconds() (float64, error) {
	switch p.cur().Kind {
	case TokInt:
		t := p.advance()
		n, err := ParseIntLiteral(t.Text)
		if err != nil {
			return 0, err
		}
		return float64(n), nil
	case TokFloat:
		t := p.advance()
		return ParseFloatLiteral(t.Text)
	default:
		return 0, p.errorf("expected a numeric duration, got %s", p.describe())
	}
}

// parseSchemaLit parses `{k1: T?, k2 => v1: T?, ...}`; an absent `=>` means
// every listed column is a key column.
func (p *Parser) parseSchemaLit() (*SchemaLit, error) {
	if _, err := p.expectPunct("{"); err != nil {
		return nil, err
	}
	lit := &SchemaLit{}
	cols := &lit.Key
	for !p.isPunct("}") {
		if p.isPunct("=>") {
			p.advance()
			cols = &lit.Value
			continue
		}
		col, err := p.parseColumnLit()
		if err != nil {
			return nil, err
		}
		*cols = append(*cols, *col)
		if p.isPunct(",") {
			p.advance()
			continue
		}
	}
	if _, err := p.expectPunct("}"); err != nil {
		return nil, err
	}
	return lit, nil
}

func (p *Parser) parseColumnLit() (*ColumnLit, error) {
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	col := &ColumnLit{Name: name.Text, Type: AnyType()}
	if p.isPunct(":") {
		p.advance()
		t, err := p.parseColumnType()
		if err != nil {
			return nil, err
		}
		col.Type = *t
	}
	return col, nil
}

// parseColumnType parses a column type:
// Any|Bool|Int|Float|String|Bytes|Uuid|[T;n?]|(T, ...), each optionally
// suffixed with `?` for nullable. List and Tuple also accept the spelled-out
// List[...]/Tuple(...) forms.
func (p *Parser) parseColumnType() (*ColumnType, error) {
	if p.isPunct("[") {
		t, err := p.parseListTypeBody()
		if err != nil {
			return nil, err
		}
		return p.finishColumnType(t), nil
	}
	if p.isPunct("(") {
		t, err := p.parseTupleTypeBody()
		if err != nil {
			return nil, err
		}
		return p.finishColumnType(t), nil
	}
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	t := &ColumnType{}
	switch strings.ToLower(name.Text) {
	case "any":
		t.Kind = ColAny
	case "bool":
		t.Kind = ColBool
	case "int":
		t.Kind = ColInt
	case "float":
		t.Kind = ColFloat
	case "string":
		t.Kind = ColString
	case "bytes":
		t.Kind = ColBytes
	case "uuid":
		t.Kind = ColUuid
	case "list":
		t.Kind = ColList
		t.ListLen = -1
		if p.isPunct("[") {
			lt, err := p.parseListTypeBody()
			if err != nil {
				return nil, err
			}
			t = lt
		}
	case "tuple":
		t.Kind = ColTuple
		if p.isPunct("(") {
			tt, err := p.parseTupleTypeBody()
			if err != nil {
				return nil, err
			}
			t = tt
		}
	default:
		return nil, p.errorf("unknown column type %q", name.Text)
	}
	return p.finishColumnType(t), nil
}

func (p *Parser) finishColumnType(t *ColumnType) *ColumnType {
	if p.isPunct("?") {
		p.advance()
		t.Nullable = true
	}
	return t
}

// parseListTypeBody parses `[T]` or `[T;n]`, positioned at the `[`.
func (p *Parser) parseListTypeBody() (*ColumnType, error) {
	p.advance() // consume [
	t := &ColumnType{Kind: ColList, ListLen: -1}
	elem, err := p.parseColumnType()
	if err != nil {
		return nil, err
	}
	t.ListElem = elem
	if p.isPunct(";") {
		p.advance()
		n, err := p.parseIntLiteralToken()
		if err != nil {
			return nil, err
		}
		t.ListLen = int(n)
	}
	if _, err := p.expectPunct("]"); err != nil {
		return nil, err
	}
	return t, nil
}

// parseTupleTypeBody parses `(T, ...)`, positioned at the `(`.
func (p *Parser) parseTupleTypeBody() (*ColumnType, error) {
	p.advance() // consume (
	t := &ColumnType{Kind: ColTuple}
	for !p.isPunct(")") {
		elem, err := p.parseColumnType()
		if err != nil {
			return nil, err
		}
		t.TupleElems = append(t.TupleElems, *elem)
		if p.isPunct(",") {
			p.advance()
			continue
		}
		break
	}
	if _, err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	return t, nil
}

// Diagnostic is one non-fatal finding from Validate: syntactic shape is
// already guaranteed by the parser, this pass checks well-formedness rules
// that are easier to express after the full tree exists (duplicate rule
// arities, a missing entry rule).
type Diagnostic struct {
	Span    Span
	Message string
}

func Validate(s *Script) []Diagnostic {
	var diags []Diagnostic
	if s.Query != nil {
		diags = append(diags, validateQuery(s.Query)...)
	}
	if s.Multi != nil {
		for i := range s.Multi.Queries {
			diags = append(diags, validateQuery(&s.Multi.Queries[i])...)
		}
	}
	return diags
}

func validateQuery(q *QueryScript) []Diagnostic {
	var diags []Diagnostic
	arities := map[string]int{}
	for _, r := range q.Rules {
		want, seen := arities[r.Head.Name]
		got := r.Head.Arity()
		if seen && want != got {
			diags = append(diags, Diagnostic{
				Span:    r.Head.Span,
				Message: fmt.Sprintf("rule %q redefined with arity %d, previously %d", r.Head.Name, got, want),
			})
			continue
		}
		arities[r.Head.Name] = got
	}
	// A single-head query can have its entry inferred; anything larger
	// needs an explicit `?`.
	if len(arities) > 1 {
		if _, ok := arities[EntryRuleName]; !ok {
			diags = append(diags, Diagnostic{
				Span:    q.Span,
				Message: "no entry rule `?[...]` defined in query",
			})
		}
	}
	return diags
}
