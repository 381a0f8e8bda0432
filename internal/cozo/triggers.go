package cozo

import (
	"context"

	"github.com/silky/cozo/internal/logging"
)

// TriggerRunner drives `::set_triggers`'s on_put/on_rm query scripts to a
// bounded fixed point whenever a stored relation is mutated by `:put` or
// `:rm`: every mutation enqueues a pending event, each event's trigger
// scripts run with `_new`/`_old` bound to the rows that changed, and any
// put/rm those scripts themselves perform against a triggered relation
// enqueues a further event, capped at MaxDepth so a misconfigured trigger
// cycle cannot loop forever. on_replace scripts are stored and counted by
// `::show_triggers`, but `:replace` fires no event, so they never run.
type TriggerRunner struct {
	Catalog  CatalogReader
	Txn      *Txn
	Params   map[string]Value
	Workers  int
	MaxDepth int
}

// MaxTriggerDepth bounds the transitive trigger chain within one
// transaction.
const MaxTriggerDepth = 64

func NewTriggerRunner(catalog CatalogReader, txn *Txn, params map[string]Value, workers int) *TriggerRunner {
	return &TriggerRunner{Catalog: catalog, Txn: txn, Params: params, Workers: workers, MaxDepth: MaxTriggerDepth}
}

// triggerKind distinguishes which of a TriggerSpec's three script lists a
// pendingEvent should run.
type triggerKind int

const (
	triggerPut triggerKind = iota
	triggerRm
	triggerReplace
)

type pendingEvent struct {
	relation string
	kind     triggerKind
	newRows  []TupleRow
	oldRows  []TupleRow
	depth    int
}

// Fire enqueues the initial mutation event for relation and drains the
// trigger queue to a fixed point (or until MaxDepth is exceeded, which is a
// KindRuntime error — a runaway trigger cycle must not hang a query).
func (tr *TriggerRunner) Fire(ctx context.Context, relation string, kind triggerKind, newRows, oldRows []TupleRow) error {
	queue := []pendingEvent{{relation: relation, kind: kind, newRows: newRows, oldRows: oldRows}}
	for len(queue) > 0 {
		ev := queue[0]
		queue = queue[1:]
		if ev.depth >= tr.MaxDepth {
			return newErr(KindRuntime, Span{}, "trigger chain exceeded max depth %d (relation %q): possible trigger cycle", tr.MaxDepth, relation)
		}

		spec, ok := tr.Catalog.Triggers(ev.relation)
		if !ok {
			continue
		}
		scripts := tr.scriptsFor(spec, ev.kind)
		if len(scripts) == 0 {
			continue
		}
		logging.TriggersDebug("firing %d trigger script(s) for %q (depth %d)", len(scripts), ev.relation, ev.depth)

		for i := range scripts {
			more, err := tr.runOne(ctx, &scripts[i], ev)
			if err != nil {
				return err
			}
			for _, next := range more {
				next.depth = ev.depth + 1
				queue = append(queue, next)
			}
		}
	}
	return nil
}

func (tr *TriggerRunner) scriptsFor(spec *TriggerSpec, kind triggerKind) []QueryScript {
	switch kind {
	case triggerPut:
		return spec.OnPut
	case triggerRm:
		return spec.OnRm
	case triggerReplace:
		return spec.OnReplace
	default:
		return nil
	}
}

// runOne compiles and evaluates one trigger script with `_new`/`_old` bound
// as stored pseudo-relations, applying any :put/:rm option the script itself
// carries and returning further pending events those mutations cause.
func (tr *TriggerRunner) runOne(ctx context.Context, script *QueryScript, ev pendingEvent) ([]pendingEvent, error) {
	lookup := func(name string) (Schema, bool) {
		switch name {
		case "_new":
			return pseudoSchema(ev.newRows), true
		case "_old":
			return pseudoSchema(ev.oldRows), true
		default:
			return tr.Catalog.Lookup(name)
		}
	}
	compiler := NewCompiler(lookup)
	prog, err := compiler.Compile(script)
	if err != nil {
		return nil, err
	}
	plan, err := Stratify(prog)
	if err != nil {
		return nil, err
	}

	ev2 := NewEvaluator(tr.Catalog, tr.Txn, tr.Params, tr.Workers)
	ev2.known["_new"] = pseudoRelation(ev.newRows)
	ev2.known["_old"] = pseudoRelation(ev.oldRows)

	if _, err := ev2.Run(ctx, prog, plan); err != nil {
		return nil, err
	}

	var pending []pendingEvent
	for _, opt := range prog.Options {
		switch opt.Verb {
		case OptPut, OptRm:
			meta, ok := tr.Catalog.Get(opt.Relation)
			if !ok {
				continue
			}
			if err := checkAccess(meta, opt.Verb, opt.Span); err != nil {
				return nil, err
			}
			rel, ok := ev2.known[prog.Entry]
			if !ok {
				continue
			}
			var rows []TupleRow
			for _, row := range rel.Rows {
				if err := meta.Schema.Validate(row); err != nil {
					return nil, wrapErr(KindSchema, opt.Span, err, "trigger :%s into %q", opt.Verb, opt.Relation)
				}
				if opt.Verb == OptPut {
					if err := tr.Txn.Put(opt.Relation, meta.Schema, row); err != nil {
						return nil, err
					}
				} else {
					if err := tr.Txn.Delete(opt.Relation, meta.Schema, meta.Schema.KeyOf(row)); err != nil {
						return nil, err
					}
				}
				rows = append(rows, row)
			}
			if len(rows) > 0 {
				if opt.Verb == OptPut {
					pending = append(pending, pendingEvent{relation: opt.Relation, kind: triggerPut, newRows: rows})
				} else {
					pending = append(pending, pendingEvent{relation: opt.Relation, kind: triggerRm, oldRows: rows})
				}
			}
		}
	}
	return pending, nil
}

func pseudoRelation(rows []TupleRow) *Relation {
	arity := 0
	if len(rows) > 0 {
		arity = len(rows[0])
	}
	rel := NewRelation(arity)
	for _, r := range rows {
		rel.Add(r)
	}
	return rel
}

// pseudoSchema builds an all-Any schema for `_new`/`_old` so rules can
// destructure them positionally without requiring a declared relation.
func pseudoSchema(rows []TupleRow) Schema {
	arity := 0
	if len(rows) > 0 {
		arity = len(rows[0])
	}
	cols := make([]Column, arity)
	for i := range cols {
		cols[i] = Column{Name: "_", Type: AnyType()}
	}
	return Schema{Key: cols}
}
