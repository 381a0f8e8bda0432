package cozo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/silky/cozo/internal/logging"
)

// Config holds engine-wide tunables.
type Config struct {
	Workers        int           `json:"workers"`
	DefaultTimeout time.Duration `json:"default_timeout"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{Workers: 4, DefaultTimeout: 30 * time.Second}
}

// Engine is the top-level orchestrator: it owns the storage handle, the
// in-memory catalog, and the registry of in-flight queries `::running`/
// `::kill` operate on. One Engine corresponds to one open database file.
type Engine struct {
	config Config

	mu      sync.RWMutex
	storage *Storage
	catalog *Catalog

	runMu   sync.RWMutex
	running map[int64]context.CancelFunc
	nextID  int64
}

// Open opens (creating if absent) a Cozo database file at path and rebuilds
// its catalog from the persisted system-catalog bucket.
func Open(path string, cfg Config) (*Engine, error) {
	storage, err := OpenStorage(path)
	if err != nil {
		return nil, err
	}
	catalog, err := storage.LoadCatalog()
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	logging.Boot("opened database %q (workers=%d)", path, cfg.Workers)
	return &Engine{config: cfg, storage: storage, catalog: catalog, running: map[int64]context.CancelFunc{}}, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	logging.Boot("closing database")
	return e.storage.Close()
}

// Run parses src and executes it (sys script, query script, or multi
// script), returning the entry rule's assembled result. params binds the
// script's `$name`-style parameters; pass nil (or omit it) for scripts that
// reference none. Every error returned is a *Error carrying a stable Kind
// tag.
func (e *Engine) Run(ctx context.Context, src string, params ...map[string]Value) (*Result, error) {
	script, err := Parse(src)
	if err != nil {
		return nil, err
	}

	handle, ctx, cancel := e.register(ctx)
	defer e.unregister(handle)
	defer cancel()

	p := mergeParams(params)
	switch {
	case script.Sys != nil:
		return e.runSys(ctx, script.Sys)
	case script.Multi != nil:
		return e.runMulti(ctx, script.Multi, p)
	case script.Query != nil:
		return e.runQuery(ctx, script.Query, p)
	default:
		return nil, newErr(KindCompile, Span{}, "empty script")
	}
}

func mergeParams(groups []map[string]Value) map[string]Value {
	out := map[string]Value{}
	for _, g := range groups {
		for k, v := range g {
			out[k] = v
		}
	}
	return out
}

func (e *Engine) register(parent context.Context) (int64, context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	e.runMu.Lock()
	e.nextID++
	id := e.nextID
	e.running[id] = cancel
	e.runMu.Unlock()
	return id, ctx, cancel
}

func (e *Engine) unregister(id int64) {
	e.runMu.Lock()
	delete(e.running, id)
	e.runMu.Unlock()
}

// Running reports the handles of every query currently executing, the
// payload of `::running`.
func (e *Engine) Running() []int64 {
	e.runMu.RLock()
	defer e.runMu.RUnlock()
	out := make([]int64, 0, len(e.running))
	for id := range e.running {
		out = append(out, id)
	}
	return out
}

// Kill cancels the query identified by handle, the behavior of `::kill N`.
// Returns false if no such query is currently running.
func (e *Engine) Kill(handle int64) bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	cancel, ok := e.running[handle]
	if ok {
		cancel()
		delete(e.running, handle)
	}
	return ok
}

// catalogView overlays uncommitted schema changes onto the shared catalog
// for the duration of one transaction: later queries of the same script see
// a relation the script just created, while the shared catalog only learns
// about it once the transaction commits.
type catalogView struct {
	base    *Catalog
	pending map[string]RelationMeta
}

func newCatalogView(base *Catalog) *catalogView {
	return &catalogView{base: base, pending: map[string]RelationMeta{}}
}

func (v *catalogView) Get(name string) (RelationMeta, bool) {
	if m, ok := v.pending[name]; ok {
		return m, true
	}
	return v.base.Get(name)
}

func (v *catalogView) Lookup(name string) (Schema, bool) {
	m, ok := v.Get(name)
	if !ok {
		return Schema{}, false
	}
	return m.Schema, true
}

func (v *catalogView) Triggers(name string) (*TriggerSpec, bool) {
	return v.base.Triggers(name)
}

func (v *catalogView) put(meta RelationMeta) { v.pending[meta.Name] = meta }

func (v *catalogView) flush() {
	for _, m := range v.pending {
		v.base.Put(m)
	}
}

// runMulti executes every query of a multi-script inside one shared
// transaction; an error in any query rolls back all of them.
func (e *Engine) runMulti(ctx context.Context, m *MultiScript, params map[string]Value) (*Result, error) {
	e.mu.RLock()
	catalog := e.catalog
	storage := e.storage
	e.mu.RUnlock()

	writable := false
	for i := range m.Queries {
		if e.needsWrite(&m.Queries[i]) {
			writable = true
			break
		}
	}
	txn, err := storage.Begin(writable)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = txn.Abort()
		}
	}()

	view := newCatalogView(catalog)
	var last *Result
	for i := range m.Queries {
		res, err := e.runQueryInTxn(ctx, &m.Queries[i], params, view, txn)
		if err != nil {
			return nil, err
		}
		last = res
	}
	if err := txn.Commit(); err != nil {
		return nil, err
	}
	committed = true
	view.flush()
	return last, nil
}

func (e *Engine) runQuery(ctx context.Context, q *QueryScript, params map[string]Value) (*Result, error) {
	e.mu.RLock()
	catalog := e.catalog
	storage := e.storage
	e.mu.RUnlock()

	txn, err := storage.Begin(e.needsWrite(q))
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = txn.Abort()
		}
	}()

	view := newCatalogView(catalog)
	result, err := e.runQueryInTxn(ctx, q, params, view, txn)
	if err != nil {
		return nil, err
	}
	if err := txn.Commit(); err != nil {
		return nil, err
	}
	committed = true
	// The shared catalog only learns about schema changes once the
	// transaction is durable, so an aborted script leaves it untouched.
	view.flush()
	return result, nil
}

func (e *Engine) runQueryInTxn(ctx context.Context, q *QueryScript, params map[string]Value, view *catalogView, txn *Txn) (*Result, error) {
	if d, ok := SleepDuration(q.Options); ok {
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, wrapErr(KindRuntime, q.Span, ErrCancelled, "cancelled during :sleep")
		}
	}

	runCtx, cancel := DeadlineFromOptions(ctx, q.Options)
	defer cancel()
	if e.config.DefaultTimeout > 0 {
		hasTimeout := false
		for _, opt := range q.Options {
			hasTimeout = hasTimeout || opt.Verb == OptTimeout
		}
		if !hasTimeout {
			var cancelDefault context.CancelFunc
			runCtx, cancelDefault = context.WithTimeout(runCtx, e.config.DefaultTimeout)
			defer cancelDefault()
		}
	}

	compiler := NewCompiler(view.Lookup)
	prog, err := compiler.Compile(q)
	if err != nil {
		return nil, err
	}
	plan, err := Stratify(prog)
	if err != nil {
		return nil, err
	}

	logging.EngineDebug("running entry %q across %d strata", prog.Entry, len(plan.Strata))
	ev := NewEvaluator(view, txn, params, e.config.Workers)
	rel, err := ev.Run(runCtx, prog, plan)
	if err != nil {
		if runCtx.Err() != nil {
			return nil, wrapErr(KindRuntime, q.Span, ErrTimeout, "query exceeded its :timeout")
		}
		return nil, err
	}
	logging.EvaluatorDebug("entry %q produced %d rows", prog.Entry, len(rel.Rows))

	if err := e.applyMutationOptions(runCtx, view, txn, prog, rel, params); err != nil {
		return nil, err
	}

	head := entryHead(prog)
	return Assemble(runCtx, head, rel, q.Options)
}

func entryHead(prog *Program) RuleHead {
	if prog.Entry == "" {
		return RuleHead{}
	}
	rules := prog.Rules[prog.Entry]
	if len(rules) == 0 {
		return RuleHead{}
	}
	return rules[0].Head
}

// needsWrite reports whether q's option set mutates stored relations, so
// Run can open a read-only transaction for plain queries (bolt serializes
// all writers but allows concurrent readers).
func (e *Engine) needsWrite(q *QueryScript) bool {
	for _, opt := range q.Options {
		switch opt.Verb {
		case OptCreate, OptReplace, OptPut, OptRm, OptEnsure, OptEnsureNot:
			return true
		}
	}
	return false
}

// applyMutationOptions performs :create/:replace/:put/:rm/:ensure/:ensure_not
// against the entry relation's rows, firing triggers for :put/:rm as it
// goes. Schema changes land in the transaction's catalogView, not the
// shared catalog, so they stay invisible outside the script until commit.
func (e *Engine) applyMutationOptions(ctx context.Context, view *catalogView, txn *Txn, prog *Program, rel *Relation, params map[string]Value) error {
	for _, opt := range prog.Options {
		switch opt.Verb {
		case OptCreate:
			meta := RelationMeta{Name: opt.Relation, Schema: opt.Schema.toSchema()}
			if err := txn.CreateRelation(meta); err != nil {
				return err
			}
			view.put(meta)
		case OptReplace:
			if existing, ok := view.Get(opt.Relation); ok {
				if err := checkAccess(existing, opt.Verb, opt.Span); err != nil {
					return err
				}
			}
			meta := RelationMeta{Name: opt.Relation, Schema: opt.Schema.toSchema()}
			if err := txn.ReplaceRelation(meta); err != nil {
				return err
			}
			view.put(meta)
		case OptPut, OptRm:
			meta, ok := view.Get(opt.Relation)
			if !ok {
				return newErr(KindSchema, opt.Span, "relation %q does not exist", opt.Relation)
			}
			if err := checkAccess(meta, opt.Verb, opt.Span); err != nil {
				return err
			}
			var rows []TupleRow
			for _, row := range rel.Rows {
				if err := meta.Schema.Validate(row); err != nil {
					return wrapErr(KindSchema, opt.Span, err, ":%s into %q", opt.Verb, opt.Relation)
				}
				if opt.Verb == OptPut {
					if err := txn.Put(opt.Relation, meta.Schema, row); err != nil {
						return err
					}
				} else {
					if err := txn.Delete(opt.Relation, meta.Schema, meta.Schema.KeyOf(row)); err != nil {
						return err
					}
				}
				rows = append(rows, row)
			}
			if len(rows) > 0 {
				runner := NewTriggerRunner(view, txn, params, e.config.Workers)
				kind := triggerPut
				var newRows, oldRows []TupleRow
				if opt.Verb == OptPut {
					newRows = rows
				} else {
					kind = triggerRm
					oldRows = rows
				}
				if err := runner.Fire(ctx, opt.Relation, kind, newRows, oldRows); err != nil {
					return err
				}
			}
		case OptEnsure, OptEnsureNot:
			meta, ok := view.Get(opt.Relation)
			if !ok {
				return newErr(KindSchema, opt.Span, "relation %q does not exist", opt.Relation)
			}
			if err := checkAccess(meta, opt.Verb, opt.Span); err != nil {
				return err
			}
			for _, row := range rel.Rows {
				if err := meta.Schema.Validate(row); err != nil {
					return wrapErr(KindSchema, opt.Span, err, ":%s against %q", opt.Verb, opt.Relation)
				}
				got, found, err := txn.Get(opt.Relation, meta.Schema, meta.Schema.KeyOf(row))
				if err != nil {
					return err
				}
				if opt.Verb == OptEnsure {
					if !found || !rowsEqual(got, row) {
						return &Error{Kind: KindAssertion, Span: opt.Span, Cause: ErrAssertion,
							Message: fmt.Sprintf(":ensure failed for %q: tuple missing or differs", opt.Relation),
							Tuples:  []TupleRow{row}}
					}
				} else if found {
					return &Error{Kind: KindAssertion, Span: opt.Span, Cause: ErrAssertion,
						Message: fmt.Sprintf(":ensure_not failed for %q: tuple present", opt.Relation),
						Tuples:  []TupleRow{row}}
				}
			}
		}
	}
	return nil
}

// rowsEqual compares two rows column-wise under the Value total order.
func rowsEqual(a, b TupleRow) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// checkAccess rejects an option verb the relation's access level forbids:
// hidden relations admit nothing, read_only relations admit no mutation,
// protected relations admit no destructive verb.
func checkAccess(meta RelationMeta, verb OptionVerb, span Span) error {
	switch meta.AccessLevel {
	case AccessHidden:
		return newErr(KindSchema, span, "relation %q is hidden", meta.Name)
	case AccessReadOnly:
		switch verb {
		case OptPut, OptRm, OptReplace:
			return newErr(KindSchema, span, "relation %q is read-only", meta.Name)
		}
	case AccessProtected:
		switch verb {
		case OptRm, OptReplace:
			return newErr(KindSchema, span, "relation %q is protected", meta.Name)
		}
	}
	return nil
}

func (e *Engine) runSys(ctx context.Context, s *SysScript) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch s.Op {
	case SysRelations:
		metas := e.catalog.List()
		rows := make([]TupleRow, len(metas))
		for i, m := range metas {
			rows[i] = TupleRow{String(m.Name), String(m.AccessLevel.String()), Int(int64(m.Schema.Arity()))}
		}
		return &Result{Columns: []string{"name", "access_level", "arity"}, Rows: rows}, nil

	case SysColumns:
		meta, ok := e.catalog.Get(s.Relation)
		if !ok {
			return nil, newErr(KindSchema, s.Span, "relation %q does not exist", s.Relation)
		}
		var rows []TupleRow
		for i, col := range meta.Schema.Columns() {
			isKey := i < len(meta.Schema.Key)
			rows = append(rows, TupleRow{String(col.Name), String(col.Type.String()), Bool(isKey)})
		}
		return &Result{Columns: []string{"column", "type", "is_key"}, Rows: rows}, nil

	case SysRemove:
		txn, err := e.storage.Begin(true)
		if err != nil {
			return nil, err
		}
		names := s.Relations
		if s.Relation != "" {
			names = append(names, s.Relation)
		}
		for _, name := range names {
			if meta, ok := e.catalog.Get(name); ok && meta.AccessLevel != AccessNormal {
				_ = txn.Abort()
				return nil, newErr(KindSchema, s.Span, "relation %q has access level %s, refusing ::remove", name, meta.AccessLevel)
			}
			if err := txn.DropRelation(name); err != nil {
				_ = txn.Abort()
				return nil, err
			}
			e.catalog.Remove(name)
		}
		if err := txn.Commit(); err != nil {
			return nil, err
		}
		return &Result{}, nil

	case SysRename:
		txn, err := e.storage.Begin(true)
		if err != nil {
			return nil, err
		}
		for _, pair := range s.Renames {
			if err := txn.RenameRelation(pair[0], pair[1]); err != nil {
				_ = txn.Abort()
				return nil, err
			}
			e.catalog.Rename(pair[0], pair[1])
		}
		if err := txn.Commit(); err != nil {
			return nil, err
		}
		return &Result{}, nil

	case SysAccessLevel:
		txn, err := e.storage.Begin(true)
		if err != nil {
			return nil, err
		}
		for _, name := range s.Relations {
			meta, ok := e.catalog.Get(name)
			if !ok {
				_ = txn.Abort()
				return nil, newErr(KindSchema, s.Span, "relation %q does not exist", name)
			}
			meta.AccessLevel = s.AccessLevel
			if err := txn.putCatalogEntry(meta); err != nil {
				_ = txn.Abort()
				return nil, err
			}
		}
		if err := txn.Commit(); err != nil {
			return nil, err
		}
		e.catalog.SetAccessLevel(s.Relations, s.AccessLevel)
		return &Result{}, nil

	case SysRunning:
		handles := e.Running()
		rows := make([]TupleRow, len(handles))
		for i, h := range handles {
			rows[i] = TupleRow{Int(h)}
		}
		return &Result{Columns: []string{"handle"}, Rows: rows}, nil

	case SysKill:
		ok := e.Kill(s.Kill)
		return &Result{Columns: []string{"killed"}, Rows: []TupleRow{{Bool(ok)}}}, nil

	case SysExplain:
		compiler := NewCompiler(e.catalog.Lookup)
		prog, err := compiler.Compile(s.Explain)
		if err != nil {
			return nil, err
		}
		plan, err := Stratify(prog)
		if err != nil {
			return nil, err
		}
		var rows []TupleRow
		for _, stratum := range plan.Strata {
			for _, name := range stratum.Names {
				rows = append(rows, TupleRow{String(name), Bool(stratum.Recursive)})
			}
		}
		return &Result{Columns: []string{"rule", "recursive"}, Rows: rows}, nil

	case SysShowTriggers:
		spec, ok := e.catalog.Triggers(s.Relation)
		if !ok {
			return &Result{}, nil
		}
		return &Result{Columns: []string{"on_put", "on_rm", "on_replace"}, Rows: []TupleRow{{
			Int(int64(len(spec.OnPut))), Int(int64(len(spec.OnRm))), Int(int64(len(spec.OnReplace))),
		}}}, nil

	case SysSetTriggers:
		txn, err := e.storage.Begin(true)
		if err != nil {
			return nil, err
		}
		if err := txn.PutTriggerSpec(s.Triggers); err != nil {
			_ = txn.Abort()
			return nil, err
		}
		if err := txn.Commit(); err != nil {
			return nil, err
		}
		e.catalog.SetTriggers(s.Triggers)
		return &Result{}, nil

	case SysCompact:
		return &Result{}, nil

	default:
		return nil, newErr(KindCompile, s.Span, "unhandled sys op %q", s.Op)
	}
}
