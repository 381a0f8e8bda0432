package cozo

import "fmt"

// SchemaLookup resolves a stored relation's schema by name, so the compiler
// can turn `*R{name: var}` named-argument atoms into positional column
// order. The engine supplies this from its catalog; tests can supply a
// plain map-backed stand-in.
type SchemaLookup func(name string) (Schema, bool)

// CompiledAtom is one body atom after evaluable-sequence ordering: the same
// information as Atom, plus the set of variables it newly binds when
// evaluated in this position.
type CompiledAtom struct {
	Atom
	Binds []string
}

// CompiledRule is one `head := body` / `head <- expr` / `head <~ algo(...)`
// clause after compilation: its disjuncts have been reordered into a safe
// evaluation sequence and its free/bound variable sets computed.
type CompiledRule struct {
	Head RuleHead
	Kind RuleKind

	Sequences [][]CompiledAtom // one per disjunct
	ConstExpr *Expr
	AlgoName  string
	AlgoArgs  []Expr
	AlgoOpts  []OptionPair

	// Refs is the set of relation/rule names this clause's body depends on
	// (the stratifier builds the rule-dependency graph from this).
	Refs []RuleRef

	Span Span
}

// RuleRef names one dependency edge from a rule to another predicate,
// tagged with whether it sits under `not` and whether it names a stored
// relation, for the stratifier's SCC edge labelling.
type RuleRef struct {
	Name    string
	Negated bool
	Stored  bool
}

// Program is the compiled form of one QueryScript: every rule grouped by
// head name, the resolved entry rule, and the option set.
type Program struct {
	Rules   map[string][]*CompiledRule
	Order   []string // head names in first-seen order, for stable iteration
	Entry   string
	Options []Option
}

// Compiler turns a parsed QueryScript into a Program: one stage in the
// parse -> validate -> compile -> stratify -> evaluate pipeline.
type Compiler struct {
	Lookup SchemaLookup
}

func NewCompiler(lookup SchemaLookup) *Compiler {
	if lookup == nil {
		lookup = func(string) (Schema, bool) { return Schema{}, false }
	}
	return &Compiler{Lookup: lookup}
}

// Compile compiles q into a Program, returning a *Error wrapping KindCompile
// on any failure (unsafe rule, duplicate arity, unresolvable named argument).
func (c *Compiler) Compile(q *QueryScript) (*Program, error) {
	prog := &Program{Rules: map[string][]*CompiledRule{}}

	for i := range q.Rules {
		r := &q.Rules[i]
		if _, ok := prog.Rules[r.Head.Name]; !ok {
			prog.Order = append(prog.Order, r.Head.Name)
		}
		if existing := prog.Rules[r.Head.Name]; len(existing) > 0 && existing[0].Head.Arity() != r.Head.Arity() {
			return nil, newErr(KindCompile, r.Span, "rule %q redefined with arity %d, previously %d",
				r.Head.Name, r.Head.Arity(), existing[0].Head.Arity())
		}
		cr, err := c.compileRule(r)
		if err != nil {
			return nil, err
		}
		prog.Rules[r.Head.Name] = append(prog.Rules[r.Head.Name], cr)
	}

	if _, ok := prog.Rules[EntryRuleName]; ok {
		prog.Entry = EntryRuleName
	} else if len(prog.Order) == 1 {
		prog.Entry = prog.Order[0]
	} else if len(prog.Order) > 0 {
		return nil, newErr(KindCompile, q.Span, "no entry rule `?[...]` defined and more than one candidate rule")
	}

	prog.Options = q.Options
	return prog, nil
}

func (c *Compiler) compileRule(r *Rule) (*CompiledRule, error) {
	cr := &CompiledRule{Head: r.Head, Kind: r.Kind, Span: r.Span}

	switch r.Kind {
	case RuleDatalog:
		seen := map[string]bool{}
		for _, conj := range r.Disjuncts {
			flats, err := expandGroups(conj)
			if err != nil {
				return nil, err
			}
			for _, flat := range flats {
				resolved, err := c.resolveNamedArgs(flat)
				if err != nil {
					return nil, err
				}
				seq, err := orderConjunction(resolved, r.Head, r.Span)
				if err != nil {
					return nil, err
				}
				cr.Sequences = append(cr.Sequences, seq)
				for _, a := range seq {
					collectRefs(a.Atom, seen, cr)
				}
			}
		}
	case RuleConstant:
		cr.ConstExpr = r.ConstExpr
	case RuleAlgorithm:
		cr.AlgoName = r.AlgoName
		cr.AlgoArgs = r.AlgoArgs
		cr.AlgoOpts = r.AlgoOpts
		seen := map[string]bool{}
		for _, arg := range r.AlgoArgs {
			if arg.Op == OpVar && arg.Var != "_" && !seen[arg.Var] {
				seen[arg.Var] = true
				cr.Refs = append(cr.Refs, RuleRef{Name: arg.Var})
			}
		}
	}
	return cr, nil
}

func collectRefs(a Atom, seen map[string]bool, cr *CompiledRule) {
	switch a.KindOf() {
	case AtomRelation, AtomRule:
		key := a.Relation + boolSuffix(a.Stored)
		if !seen[key] {
			seen[key] = true
			cr.Refs = append(cr.Refs, RuleRef{Name: a.Relation, Stored: a.Stored})
		}
	case AtomNegation:
		if a.Negated != nil {
			inner := *a.Negated
			switch inner.KindOf() {
			case AtomRelation, AtomRule:
				key := "!" + inner.Relation + boolSuffix(inner.Stored)
				if !seen[key] {
					seen[key] = true
					cr.Refs = append(cr.Refs, RuleRef{Name: inner.Relation, Stored: inner.Stored, Negated: true})
				}
			}
		}
	}
}

func boolSuffix(b bool) string {
	if b {
		return "#stored"
	}
	return ""
}

// expandGroups rewrites a conjunction containing grouped disjunctions into
// the equivalent union of flat conjunctions (disjunctive normal form): each
// group multiplies the set of output conjunctions by its disjunct count.
// Negating a grouped disjunction is rejected rather than expanded.
func expandGroups(conj []Atom) ([][]Atom, error) {
	out := [][]Atom{nil}
	for _, a := range conj {
		switch a.KindOf() {
		case AtomGroup:
			var next [][]Atom
			for _, inner := range a.Group {
				expanded, err := expandGroups(inner)
				if err != nil {
					return nil, err
				}
				for _, prefix := range out {
					for _, tail := range expanded {
						combined := make([]Atom, 0, len(prefix)+len(tail))
						combined = append(combined, prefix...)
						combined = append(combined, tail...)
						next = append(next, combined)
					}
				}
			}
			out = next
		case AtomNegation:
			if a.Negated != nil && a.Negated.KindOf() == AtomGroup {
				return nil, newErr(KindCompile, a.Span, "cannot negate a grouped disjunction; negate each branch separately")
			}
			for i := range out {
				out[i] = append(out[i], a)
			}
		default:
			for i := range out {
				out[i] = append(out[i], a)
			}
		}
	}
	return out, nil
}

// resolveNamedArgs turns every `*R{name: var}` atom's named arguments into
// positional order via the stored relation's schema, so every downstream
// stage only ever deals with positional atoms. Negated atoms resolve the
// same way.
func (c *Compiler) resolveNamedArgs(atoms []Atom) ([]Atom, error) {
	out := make([]Atom, len(atoms))
	for i, a := range atoms {
		resolved, err := c.resolveNamedAtom(a)
		if err != nil {
			return nil, err
		}
		out[i] = resolved
	}
	return out, nil
}

func (c *Compiler) resolveNamedAtom(a Atom) (Atom, error) {
	switch a.KindOf() {
	case AtomRelation:
		if a.NamedArgs == nil {
			return a, nil
		}
		schema, ok := c.Lookup(a.Relation)
		if !ok {
			return Atom{}, newErr(KindCompile, a.Span, "unknown stored relation %q referenced by name", a.Relation)
		}
		pos, err := projectNamedArgs(a, schema)
		if err != nil {
			return Atom{}, err
		}
		return newRelationAtom(a.Relation, a.Stored, pos, nil, a.Span), nil
	case AtomNegation:
		if a.Negated == nil {
			return a, nil
		}
		inner, err := c.resolveNamedAtom(*a.Negated)
		if err != nil {
			return Atom{}, err
		}
		return newNegationAtom(inner, a.Span), nil
	default:
		return a, nil
	}
}

func projectNamedArgs(a Atom, schema Schema) ([]Expr, error) {
	byName := map[string]NamedArg{}
	for _, na := range a.NamedArgs {
		byName[na.Name] = na
	}
	cols := schema.Columns()
	pos := make([]Expr, len(cols))
	for i, col := range cols {
		na, ok := byName[col.Name]
		if !ok {
			pos[i] = varExpr("_", a.Span) // unbound placeholder, matches anything
			continue
		}
		if na.Lit != nil {
			pos[i] = *na.Lit
		} else {
			pos[i] = varExpr(na.Var, a.Span)
		}
	}
	return pos, nil
}

// orderConjunction reorders one disjunct's atoms into a safe evaluation
// sequence: every atom's free variables must already be bound by an earlier
// atom, or the atom itself must be a generator that binds them. Rules with
// no such order are rejected as unsafe.
func orderConjunction(atoms []Atom, head RuleHead, span Span) ([]CompiledAtom, error) {
	remaining := append([]Atom(nil), atoms...)
	bound := map[string]bool{}
	var out []CompiledAtom

	for len(remaining) > 0 {
		progress := false
		for i, a := range remaining {
			binds, ready := atomReadiness(a, bound)
			if !ready {
				continue
			}
			out = append(out, CompiledAtom{Atom: a, Binds: binds})
			for _, v := range binds {
				bound[v] = true
			}
			remaining = append(remaining[:i], remaining[i+1:]...)
			progress = true
			break
		}
		if !progress {
			return nil, newErr(KindCompile, span,
				"rule %q: %d atom(s) cannot be safely ordered (unbound variable in guard, member, negation or unify expression)",
				head.Name, len(remaining))
		}
	}

	for _, arg := range head.Args {
		if arg.Var != "_" && !bound[arg.Var] {
			return nil, newErr(KindCompile, head.Span, "rule %q: head variable %q is never bound by the body", head.Name, arg.Var)
		}
	}
	return out, nil
}

// atomReadiness reports whether a can be scheduled given the currently bound
// variable set, and if so, which variables it newly binds.
func atomReadiness(a Atom, bound map[string]bool) ([]string, bool) {
	switch a.KindOf() {
	case AtomRelation, AtomRule:
		var binds []string
		for _, e := range a.PosArgs {
			if e.Op == OpVar && e.Var != "_" && !bound[e.Var] {
				binds = append(binds, e.Var)
			}
		}
		return binds, true

	case AtomUnify:
		free := map[string]bool{}
		FreeVars(a.UnifyExpr, free)
		if !allBound(free, bound) {
			return nil, false
		}
		if a.UnifyVar != "_" && !bound[a.UnifyVar] {
			return []string{a.UnifyVar}, true
		}
		return nil, true

	case AtomMember:
		free := map[string]bool{}
		FreeVars(a.MemberExpr, free)
		if !allBound(free, bound) {
			return nil, false
		}
		if a.MemberVar != "_" && !bound[a.MemberVar] {
			return []string{a.MemberVar}, true
		}
		return nil, true

	case AtomExpr:
		free := map[string]bool{}
		FreeVars(a.Guard, free)
		return nil, allBound(free, bound)

	case AtomNegation:
		if a.Negated == nil {
			return nil, true
		}
		free := map[string]bool{}
		collectAtomVars(*a.Negated, free)
		return nil, allBound(free, bound)

	default:
		// Groups are expanded away before ordering; anything else is
		// schedulable as-is.
		return nil, true
	}
}

func allBound(free map[string]bool, bound map[string]bool) bool {
	for v := range free {
		if v == "_" {
			continue
		}
		if !bound[v] {
			return false
		}
	}
	return true
}

// collectAtomVars gathers every variable an atom references, whether as a
// binder or a reader; used to decide negation/group readiness where all
// variables must already be bound (negated atoms may not introduce bindings).
func collectAtomVars(a Atom, out map[string]bool) {
	switch a.KindOf() {
	case AtomRelation, AtomRule:
		for _, e := range a.PosArgs {
			FreeVars(&e, out)
		}
		for _, na := range a.NamedArgs {
			if na.Var != "" {
				out[na.Var] = true
			}
		}
	case AtomUnify:
		out[a.UnifyVar] = true
		FreeVars(a.UnifyExpr, out)
	case AtomMember:
		out[a.MemberVar] = true
		FreeVars(a.MemberExpr, out)
	case AtomExpr:
		FreeVars(a.Guard, out)
	case AtomNegation:
		if a.Negated != nil {
			collectAtomVars(*a.Negated, out)
		}
	case AtomGroup:
		for _, conj := range a.Group {
			for _, inner := range conj {
				collectAtomVars(inner, out)
			}
		}
	}
}

func (p *Program) String() string {
	return fmt.Sprintf("Program{entry=%q, rules=%d}", p.Entry, len(p.Rules))
}
