package cozo

import (
	"context"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Resolver supplies the current tuple set for a name referenced in a rule
// body: either a stored relation (read through the open transaction) or
// another rule's already-computed result within this evaluation.
type Resolver interface {
	Resolve(ctx context.Context, ref RuleRef) (*Relation, error)
}

// Evaluator drives the compiled Program through its strata: non-recursive
// strata are materialized once, recursive strata are driven to a
// known/delta fixed point. Within a stratum the rule heads run concurrently
// via errgroup (one task per head, its disjuncts evaluated in turn inside
// that task), bounded by Workers, stopping at the first error.
type Evaluator struct {
	Catalog CatalogReader
	Txn     *Txn
	Params  map[string]Value
	Workers int

	known map[string]*Relation
	delta map[string]*Relation
}

func NewEvaluator(catalog CatalogReader, txn *Txn, params map[string]Value, workers int) *Evaluator {
	if workers <= 0 {
		workers = 1
	}
	return &Evaluator{
		Catalog: catalog, Txn: txn, Params: params, Workers: workers,
		known: map[string]*Relation{}, delta: map[string]*Relation{},
	}
}

// Run evaluates prog according to plan and returns the entry rule's
// relation (or the sole rule's relation if no `?` head is defined).
func (ev *Evaluator) Run(ctx context.Context, prog *Program, plan *StratumPlan) (*Relation, error) {
	for _, stratum := range plan.Strata {
		if err := ctx.Err(); err != nil {
			return nil, wrapErr(KindRuntime, Span{}, ErrCancelled, "evaluation cancelled")
		}
		if stratum.Recursive {
			if err := ev.runRecursive(ctx, prog, stratum); err != nil {
				return nil, err
			}
		} else {
			if err := ev.runOnce(ctx, prog, stratum.Names); err != nil {
				return nil, err
			}
		}
	}
	name := prog.Entry
	if name == "" {
		return NewRelation(0), nil
	}
	rel, ok := ev.known[name]
	if !ok {
		return NewRelation(0), nil
	}
	return rel, nil
}

// runOnce materializes every name in names a single time, in parallel,
// against the currently known relations (all prior strata plus stored
// relations).
func (ev *Evaluator) runOnce(ctx context.Context, prog *Program, names []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ev.Workers)
	results := make([]*Relation, len(names))
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			rel, err := ev.evalName(gctx, prog, name)
			if err != nil {
				return err
			}
			results[i] = rel
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, name := range names {
		ev.known[name] = results[i]
	}
	return nil
}

// runRecursive drives the rule heads in one mutually-recursive stratum to a
// known/delta fixed point (the semi-naive rewrite): round 0 seeds known from
// whatever the rules derive with every recursive reference still empty;
// every later round re-derives each head by, for every body atom referencing
// a name in this stratum, substituting that single atom's relation with the
// previous round's delta while every other reference (including the other
// positions of the same stratum) resolves against the full known set — one
// variant per recursive-atom position, unioned. A row the variants produce
// that known does not already contain becomes this round's delta; evaluation
// stops once every head's delta is empty. ev.known and ev.delta are replaced
// wholesale each round rather than mutated in place, so no tuple container is
// shared across rounds.
func (ev *Evaluator) runRecursive(ctx context.Context, prog *Program, stratum Stratum) error {
	recursive := make(map[string]bool, len(stratum.Names))
	for _, name := range stratum.Names {
		recursive[name] = true
		ev.known[name] = NewRelation(headArity(prog, name))
		ev.delta[name] = NewRelation(headArity(prog, name))
	}

	for round := 0; ; round++ {
		if err := ctx.Err(); err != nil {
			return wrapErr(KindRuntime, Span{}, ErrCancelled, "recursive evaluation cancelled")
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(ev.Workers)
		candidates := make([]*Relation, len(stratum.Names))
		for i, name := range stratum.Names {
			i, name := i, name
			g.Go(func() error {
				rel, err := ev.evalNameSeminaive(gctx, prog, name, recursive, round)
				if err != nil {
					return err
				}
				candidates[i] = rel
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		nextDelta := make(map[string]*Relation, len(stratum.Names))
		changed := false
		for i, name := range stratum.Names {
			fresh := diffRelation(ev.known[name], candidates[i])
			if len(fresh.Rows) > 0 {
				changed = true
			}
			nextDelta[name] = fresh
		}
		if !changed {
			return nil
		}
		for _, name := range stratum.Names {
			merged, _ := unionDedup(ev.known[name], nextDelta[name])
			ev.known[name] = merged
			ev.delta[name] = nextDelta[name]
		}
	}
}

// evalNameSeminaive is runRecursive's per-round, per-head evaluator: base
// facts (RuleConstant/RuleAlgorithm clauses, which never read the stratum's
// own relations) are only computed on round 0, and every RuleDatalog clause
// is evaluated once per recursive-atom position in its body (the semi-naive
// variants), or once against plain known if its body references no name in
// the stratum at all.
func (ev *Evaluator) evalNameSeminaive(ctx context.Context, prog *Program, name string, recursive map[string]bool, round int) (*Relation, error) {
	rules := prog.Rules[name]
	if len(rules) == 0 {
		return NewRelation(0), nil
	}
	arity := rules[0].Head.Arity()
	out := NewRelation(arity)
	seen := map[string]bool{}
	add := func(row TupleRow) {
		k := row.String()
		if seen[k] {
			return
		}
		seen[k] = true
		out.Add(row)
	}

	for _, r := range rules {
		switch r.Kind {
		case RuleConstant:
			if round != 0 {
				continue
			}
			v, err := Eval(r.ConstExpr, &Env{Vars: map[string]Value{}, Params: ev.Params})
			if err != nil {
				return nil, err
			}
			for _, row := range v.AsList() {
				add(TupleRow(row.AsList()))
			}
		case RuleAlgorithm:
			if round != 0 {
				continue
			}
			rel, err := ev.evalAlgorithm(ctx, r)
			if err != nil {
				return nil, err
			}
			for _, row := range rel.Rows {
				add(row)
			}
		case RuleDatalog:
			for _, seq := range r.Sequences {
				biasPositions := recursiveAtomPositions(seq, recursive)
				if len(biasPositions) == 0 {
					if round != 0 {
						continue
					}
					biasPositions = []int{-1}
				}
				for _, bias := range biasPositions {
					envs, err := ev.evalSequence(ctx, seq, &recursiveBias{biasIndex: bias})
					if err != nil {
						return nil, err
					}
					rows, err := projectHead(r.Head, envs)
					if err != nil {
						return nil, err
					}
					for _, row := range rows {
						add(row)
					}
				}
			}
		}
	}
	return out, nil
}

// recursiveAtomPositions returns the indices in seq that reference a
// non-stored relation whose name is in recursive — the positions eligible to
// be biased against that relation's delta for one semi-naive variant.
func recursiveAtomPositions(seq []CompiledAtom, recursive map[string]bool) []int {
	var out []int
	for i, atom := range seq {
		switch atom.KindOf() {
		case AtomRelation, AtomRule:
			if !atom.Stored && recursive[atom.Relation] {
				out = append(out, i)
			}
		}
	}
	return out
}

// diffRelation returns the rows of candidate not already present in known
// (candidate's own duplicates collapsed too), i.e. candidate \ known.
func diffRelation(known, candidate *Relation) *Relation {
	out := NewRelation(candidate.Arity)
	seen := map[string]bool{}
	for _, row := range known.Rows {
		seen[row.String()] = true
	}
	for _, row := range candidate.Rows {
		k := row.String()
		if seen[k] {
			continue
		}
		seen[k] = true
		out.Add(row)
	}
	return out
}

func headArity(prog *Program, name string) int {
	if rules, ok := prog.Rules[name]; ok && len(rules) > 0 {
		return rules[0].Head.Arity()
	}
	return 0
}

func unionDedup(a, b *Relation) (*Relation, bool) {
	seen := map[string]bool{}
	out := NewRelation(a.Arity)
	grew := false
	for _, row := range a.Rows {
		seen[row.String()] = true
		out.Add(row)
	}
	for _, row := range b.Rows {
		k := row.String()
		if seen[k] {
			continue
		}
		seen[k] = true
		out.Add(row)
		grew = true
	}
	return out, grew
}

// evalName evaluates every CompiledRule clause for name and unions their
// rows, deduplicating the result: a derived relation is a set of tuples,
// never a bag.
func (ev *Evaluator) evalName(ctx context.Context, prog *Program, name string) (*Relation, error) {
	rules := prog.Rules[name]
	if len(rules) == 0 {
		return NewRelation(0), nil
	}
	arity := rules[0].Head.Arity()
	out := NewRelation(arity)
	seen := map[string]bool{}

	add := func(row TupleRow) {
		k := row.String()
		if seen[k] {
			return
		}
		seen[k] = true
		out.Add(row)
	}

	for _, r := range rules {
		switch r.Kind {
		case RuleConstant:
			v, err := Eval(r.ConstExpr, &Env{Vars: map[string]Value{}, Params: ev.Params})
			if err != nil {
				return nil, err
			}
			for _, row := range v.AsList() {
				add(TupleRow(row.AsList()))
			}
		case RuleAlgorithm:
			rel, err := ev.evalAlgorithm(ctx, r)
			if err != nil {
				return nil, err
			}
			for _, row := range rel.Rows {
				add(row)
			}
		case RuleDatalog:
			for _, seq := range r.Sequences {
				envs, err := ev.evalSequence(ctx, seq, nil)
				if err != nil {
					return nil, err
				}
				rows, err := projectHead(r.Head, envs)
				if err != nil {
					return nil, err
				}
				for _, row := range rows {
					add(row)
				}
			}
		}
	}
	return out, nil
}

func (ev *Evaluator) evalAlgorithm(ctx context.Context, r *CompiledRule) (*Relation, error) {
	algo, ok := LookupAlgorithm(r.AlgoName)
	if !ok {
		return nil, newErr(KindCompile, r.Span, "unknown algorithm %q", r.AlgoName)
	}
	inputs := make([]*Relation, len(r.AlgoArgs))
	env := &Env{Vars: map[string]Value{}, Params: ev.Params}
	for i, arg := range r.AlgoArgs {
		if arg.Op == OpVar {
			rel, ok := ev.known[arg.Var]
			if !ok {
				return nil, newErr(KindCompile, r.Span, "algorithm input %q is not a known relation", arg.Var)
			}
			inputs[i] = rel
			continue
		}
		v, err := Eval(&arg, env)
		if err != nil {
			return nil, err
		}
		rel := NewRelation(1)
		for _, item := range v.AsList() {
			rel.Add(TupleRow{item})
		}
		inputs[i] = rel
	}
	opts := map[string]Value{}
	for _, o := range r.AlgoOpts {
		v, err := Eval(&o.Value, env)
		if err != nil {
			return nil, err
		}
		opts[o.Key] = v
	}
	return algo.Run(ctx, inputs, opts)
}

// bindEnv is one partial variable binding produced while joining a body's
// atom sequence.
type bindEnv map[string]Value

func (b bindEnv) clone() bindEnv {
	out := make(bindEnv, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

func (b bindEnv) toExprEnv(params map[string]Value) *Env {
	return &Env{Vars: map[string]Value(b), Params: params}
}

// recursiveBias selects, within one rule-body atom sequence belonging to a
// recursive stratum, the single body-atom position (if any) that should
// resolve against that relation's delta from the previous round instead of
// its full known set — the semi-naive join bias for one evaluation variant.
// biasIndex -1 means no atom in this sequence references the stratum (every
// reference resolves against known, as evalSequence's non-recursive callers
// always do by passing a nil *recursiveBias).
type recursiveBias struct {
	biasIndex int
}

// evalSequence joins an ordered atom sequence (already safety-ordered by
// the compiler) into the set of complete variable bindings satisfying the
// conjunction, via iterative nested-loop join.
func (ev *Evaluator) evalSequence(ctx context.Context, seq []CompiledAtom, bias *recursiveBias) ([]bindEnv, error) {
	envs := []bindEnv{{}}
	for i, atom := range seq {
		if err := ctx.Err(); err != nil {
			return nil, wrapErr(KindRuntime, Span{}, ErrCancelled, "evaluation cancelled")
		}
		var err error
		envs, err = ev.joinAtom(ctx, atom, envs, bias, i)
		if err != nil {
			return nil, err
		}
		if len(envs) == 0 {
			return nil, nil
		}
	}
	return envs, nil
}

func (ev *Evaluator) joinAtom(ctx context.Context, atom CompiledAtom, envs []bindEnv, bias *recursiveBias, index int) ([]bindEnv, error) {
	switch atom.KindOf() {
	case AtomRelation, AtomRule:
		useDelta := bias != nil && index == bias.biasIndex
		rel, err := ev.resolveRef(ctx, RuleRef{Name: atom.Relation, Stored: atom.Stored}, useDelta)
		if err != nil {
			return nil, err
		}
		var out []bindEnv
		for _, env := range envs {
			for _, row := range rel.Rows {
				if len(row) != len(atom.PosArgs) {
					continue
				}
				next := env.clone()
				if matchRow(row, atom.PosArgs, next, ev.Params) {
					out = append(out, next)
				}
			}
		}
		return out, nil

	case AtomUnify:
		var out []bindEnv
		for _, env := range envs {
			v, err := Eval(atom.UnifyExpr, env.toExprEnv(ev.Params))
			if err != nil {
				return nil, err
			}
			if atom.UnifyVar == "_" {
				out = append(out, env)
				continue
			}
			if existing, ok := env[atom.UnifyVar]; ok {
				if Equal(existing, v) {
					out = append(out, env)
				}
				continue
			}
			next := env.clone()
			next[atom.UnifyVar] = v
			out = append(out, next)
		}
		return out, nil

	case AtomMember:
		var out []bindEnv
		for _, env := range envs {
			v, err := Eval(atom.MemberExpr, env.toExprEnv(ev.Params))
			if err != nil {
				return nil, err
			}
			if v.Tag() != TagList && v.Tag() != TagTuple {
				continue
			}
			for _, item := range v.AsList() {
				if atom.MemberVar == "_" {
					out = append(out, env)
					continue
				}
				if existing, ok := env[atom.MemberVar]; ok {
					if Equal(existing, item) {
						out = append(out, env)
					}
					continue
				}
				next := env.clone()
				next[atom.MemberVar] = item
				out = append(out, next)
			}
		}
		return out, nil

	case AtomExpr:
		var out []bindEnv
		for _, env := range envs {
			v, err := Eval(atom.Guard, env.toExprEnv(ev.Params))
			if err != nil {
				return nil, err
			}
			if v.Tag() == TagBool && v.AsBool() {
				out = append(out, env)
			}
		}
		return out, nil

	case AtomNegation:
		var out []bindEnv
		inner := atom.Negated
		if inner == nil {
			return envs, nil
		}
		for _, env := range envs {
			excluded, err := ev.negationMatches(ctx, *inner, env)
			if err != nil {
				return nil, err
			}
			if !excluded {
				out = append(out, env)
			}
		}
		return out, nil

	default:
		return envs, nil
	}
}

// negationMatches reports whether the negated inner atom has any satisfying
// row under the current bindings (negation as failure: the outer env is
// dropped if so). Negation always resolves against the full known set, never
// a delta — the stratifier only allows a negated reference to a name outside
// the current recursive stratum, so that name's known set is already final.
func (ev *Evaluator) negationMatches(ctx context.Context, inner Atom, env bindEnv) (bool, error) {
	switch inner.KindOf() {
	case AtomRelation, AtomRule:
		rel, err := ev.resolveRef(ctx, RuleRef{Name: inner.Relation, Stored: inner.Stored}, false)
		if err != nil {
			return false, err
		}
		for _, row := range rel.Rows {
			if len(row) != len(inner.PosArgs) {
				continue
			}
			probe := env.clone()
			if matchRow(row, inner.PosArgs, probe, ev.Params) {
				return true, nil
			}
		}
		return false, nil
	case AtomExpr:
		v, err := Eval(inner.Guard, env.toExprEnv(ev.Params))
		if err != nil {
			return false, err
		}
		return v.Tag() == TagBool && v.AsBool(), nil
	default:
		return false, nil
	}
}

// matchRow attempts to unify row against posArgs under env, mutating env
// with any newly bound variables. Returns false (leaving env unspecified)
// on a mismatch.
func matchRow(row TupleRow, posArgs []Expr, env bindEnv, params map[string]Value) bool {
	for i, arg := range posArgs {
		val := row[i]
		switch arg.Op {
		case OpVar:
			if arg.Var == "_" {
				continue
			}
			if existing, ok := env[arg.Var]; ok {
				if !Equal(existing, val) {
					return false
				}
				continue
			}
			env[arg.Var] = val
		default:
			v, err := Eval(&arg, env.toExprEnv(params))
			if err != nil || !Equal(v, val) {
				return false
			}
		}
	}
	return true
}

// resolveRef returns the current tuple set for ref: stored relations are
// scanned through the open transaction (delta has no meaning for a stored
// relation — useDelta is ignored for those). Rule references resolve against
// ev.delta when useDelta is set (the semi-naive join bias for this round) or
// ev.known otherwise (the full set accumulated through the previous round).
func (ev *Evaluator) resolveRef(ctx context.Context, ref RuleRef, useDelta bool) (*Relation, error) {
	if ref.Stored {
		meta, ok := ev.Catalog.Get(ref.Name)
		if !ok {
			return nil, newErr(KindCompile, Span{}, "unknown stored relation %q", ref.Name)
		}
		if meta.AccessLevel == AccessHidden {
			return nil, newErr(KindSchema, Span{}, "relation %q is hidden", ref.Name)
		}
		rel := NewRelation(meta.Schema.Arity())
		err := ev.Txn.Scan(ref.Name, meta.Schema, func(row TupleRow) (bool, error) {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			rel.Add(row)
			return true, nil
		})
		if err != nil {
			return nil, err
		}
		return rel, nil
	}
	if useDelta {
		if rel, ok := ev.delta[ref.Name]; ok {
			return rel, nil
		}
		return NewRelation(0), nil
	}
	if rel, ok := ev.known[ref.Name]; ok {
		return rel, nil
	}
	return NewRelation(0), nil
}

// projectHead maps each satisfying binding to a head tuple, folding
// aggregation head arguments by grouping on the non-aggregate head
// variables.
func projectHead(head RuleHead, envs []bindEnv) ([]TupleRow, error) {
	if !head.IsAggregation() {
		rows := make([]TupleRow, 0, len(envs))
		for _, env := range envs {
			row := make(TupleRow, len(head.Args))
			for i, arg := range head.Args {
				v, ok := env[arg.Var]
				if !ok {
					v = Null()
				}
				row[i] = v
			}
			rows = append(rows, row)
		}
		return rows, nil
	}

	type groupKey string
	groupOrder := []groupKey{}
	groups := map[groupKey][]bindEnv{}
	for _, env := range envs {
		var keyParts []Value
		for _, arg := range head.Args {
			if arg.Agg == "" {
				keyParts = append(keyParts, env[arg.Var])
			}
		}
		k := groupKey(TupleRow(keyParts).String())
		if _, ok := groups[k]; !ok {
			groupOrder = append(groupOrder, k)
		}
		groups[k] = append(groups[k], env)
	}

	var rows []TupleRow
	for _, k := range groupOrder {
		members := groups[k]
		row := make(TupleRow, len(head.Args))
		for i, arg := range head.Args {
			if arg.Agg == "" {
				row[i] = members[0][arg.Var]
				continue
			}
			agg, ok := LookupAggregator(arg.Agg)
			if !ok {
				return nil, newErr(KindCompile, arg.Span, "unknown aggregator %q (known: %s)",
					arg.Agg, strings.Join(registeredAggregatorNames(), ", "))
			}
			state := agg.Init()
			distinct := map[string]bool{}
			for _, env := range members {
				v, ok := env[arg.Var]
				if !ok {
					continue
				}
				// Relations are sets, not multisets: a binding that differs
				// from another member only in a variable the head discards
				// must not be folded twice, so dedupe on the aggregated
				// variable's own value before combining.
				dk := v.String()
				if distinct[dk] {
					continue
				}
				distinct[dk] = true
				state.Combine(v)
			}
			row[i] = state.Finalize()
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].String() < rows[j].String() })
	return rows, nil
}
