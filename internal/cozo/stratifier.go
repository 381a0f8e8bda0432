package cozo

import "sort"

// Stratification assigns a stratum index to every rule head in a Program so
// that the evaluator can process strata in order, each one a closed unit
// that is either non-recursive or safely recursive.
//
// Implementation is Tarjan's strongly-connected-components algorithm over
// the rule-dependency digraph: node = rule head name, edge = "depends on",
// labelled negated where the reference sits under `not`.

// StratumPlan is the stratifier's output: rule head names grouped into
// strata, in evaluation order, plus each stratum's recursive flag.
type StratumPlan struct {
	Strata []Stratum
}

// Stratum is one evaluation unit: a set of mutually (or non-) recursive
// rule heads.
type Stratum struct {
	Names     []string
	Recursive bool
}

type tarjanNode struct {
	index   int
	low     int
	onStack bool
}

// Stratify computes a StratumPlan for prog, returning a *Error (KindCompile)
// if a cycle contains a negated edge or a non-monotone aggregation head.
func Stratify(prog *Program) (*StratumPlan, error) {
	s := &stratifyRun{
		prog:  prog,
		nodes: map[string]*tarjanNode{},
	}
	for _, name := range prog.Order {
		if _, ok := s.nodes[name]; !ok {
			if err := s.strongConnect(name); err != nil {
				return nil, err
			}
		}
	}

	// Edges point from a rule to what it depends on, so Tarjan emits an SCC
	// only after every SCC it depends on: the emission order is already the
	// evaluation order, and a stratum never evaluates before something it
	// depends on.
	sccs := s.sccs

	plan := &StratumPlan{}
	for _, scc := range sccs {
		sort.Strings(scc)
		recursive := len(scc) > 1 || selfLoop(prog, scc)
		plan.Strata = append(plan.Strata, Stratum{Names: scc, Recursive: recursive})
	}
	return plan, nil
}

func selfLoop(prog *Program, scc []string) bool {
	if len(scc) != 1 {
		return false
	}
	name := scc[0]
	for _, r := range prog.Rules[name] {
		for _, ref := range r.Refs {
			if ref.Name == name {
				return true
			}
		}
	}
	return false
}

type stratifyRun struct {
	prog    *Program
	nodes   map[string]*tarjanNode
	stack   []string
	counter int
	sccs    [][]string
}

func (s *stratifyRun) strongConnect(name string) error {
	node := &tarjanNode{index: s.counter, low: s.counter, onStack: true}
	s.nodes[name] = node
	s.counter++
	s.stack = append(s.stack, name)

	for _, rule := range s.prog.Rules[name] {
		for _, ref := range rule.Refs {
			if ref.Stored {
				continue // stored relations are base facts, not rule nodes
			}
			if _, known := s.prog.Rules[ref.Name]; !known {
				continue // not a rule in this program (e.g. forward reference never defined is caught elsewhere)
			}
			dep, visited := s.nodes[ref.Name]
			if !visited {
				if err := s.strongConnect(ref.Name); err != nil {
					return err
				}
				dep = s.nodes[ref.Name]
				if dep.low < node.low {
					node.low = dep.low
				}
			} else if dep.onStack {
				if dep.index < node.low {
					node.low = dep.index
				}
			}
		}
	}

	if node.low == node.index {
		var scc []string
		for {
			top := s.stack[len(s.stack)-1]
			s.stack = s.stack[:len(s.stack)-1]
			s.nodes[top].onStack = false
			scc = append(scc, top)
			if top == name {
				break
			}
		}
		if len(scc) > 1 || selfLoop(s.prog, scc) {
			if err := s.checkSafeCycle(scc); err != nil {
				return err
			}
		}
		s.sccs = append(s.sccs, scc)
	}
	return nil
}

// checkSafeCycle rejects an SCC containing a negated edge or a non-monotone
// aggregation head among its own members.
func (s *stratifyRun) checkSafeCycle(scc []string) error {
	members := map[string]bool{}
	for _, n := range scc {
		members[n] = true
	}
	for _, name := range scc {
		for _, rule := range s.prog.Rules[name] {
			for _, ref := range rule.Refs {
				if !members[ref.Name] {
					continue
				}
				if ref.Negated {
					return newErr(KindCompile, rule.Span,
						"rule %q participates in a recursive cycle through a negated reference to %q (unsafe stratification)",
						name, ref.Name)
				}
			}
			if rule.Head.IsAggregation() && members[name] && isNonMonotoneAggHead(s.prog, name) {
				for _, arg := range rule.Head.Args {
					if arg.Agg != "" && !IsMonotoneAggregator(arg.Agg) {
						return newErr(KindCompile, rule.Span,
							"rule %q uses non-monotone aggregation %q inside a recursive cycle (unsafe stratification)",
							name, arg.Agg)
					}
				}
			}
		}
	}
	return nil
}

// isNonMonotoneAggHead reports whether any clause defining name folds a head
// argument with a non-monotone aggregator, used by checkSafeCycle to gate the
// detailed per-rule scan below it.
func isNonMonotoneAggHead(prog *Program, name string) bool {
	for _, rule := range prog.Rules[name] {
		if !rule.Head.IsAggregation() {
			continue
		}
		for _, arg := range rule.Head.Args {
			if arg.Agg != "" && !IsMonotoneAggregator(arg.Agg) {
				return true
			}
		}
	}
	return false
}
