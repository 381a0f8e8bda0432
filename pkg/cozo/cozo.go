// Package cozo is the public, embeddable API for the cozo query engine: a
// thin shim over internal/cozo that external callers (the cmd/cozo CLI, or
// any Go program embedding the engine) use instead of reaching into
// internal packages directly.
package cozo

import (
	"context"
	"time"

	"github.com/silky/cozo/internal/cozo"
)

// Value is a single CozoScript value (Null, Bool, Int, Float, String, Bytes,
// UUID, List, or Tuple), re-exported so callers never need to import
// internal/cozo directly to build parameter bindings.
type Value = cozo.Value

// Result is the assembled output of a query: a column-named, sorted,
// offset/limit/assert-applied set of rows.
type Result = cozo.Result

var (
	Null   = cozo.Null
	Bool   = cozo.Bool
	Int    = cozo.Int
	Float  = cozo.Float
	String = cozo.String
	Bytes  = cozo.Bytes
	List   = cozo.List
	Tuple  = cozo.Tuple
)

// Config configures a DB's engine: worker pool size and the default query
// timeout applied when a script carries no `:timeout` option of its own.
type Config struct {
	Workers        int
	DefaultTimeout time.Duration
}

func (c Config) toInternal() cozo.Config {
	return cozo.Config{Workers: c.Workers, DefaultTimeout: c.DefaultTimeout}
}

// DefaultConfig returns production defaults (4 workers, 30s timeout).
func DefaultConfig() Config {
	ic := cozo.DefaultConfig()
	return Config{Workers: ic.Workers, DefaultTimeout: ic.DefaultTimeout}
}

// DB is an open cozo database: one bolt file, one catalog, one set of
// in-flight queries. Safe for concurrent use by multiple goroutines.
type DB struct {
	engine *cozo.Engine
}

// Open opens (creating if absent) a database file at path.
func Open(path string, cfg Config) (*DB, error) {
	engine, err := cozo.Open(path, cfg.toInternal())
	if err != nil {
		return nil, err
	}
	return &DB{engine: engine}, nil
}

// Close flushes and closes the underlying storage file.
func (db *DB) Close() error {
	return db.engine.Close()
}

// Run parses and executes one CozoScript source string (a sys script, a
// query script, or a `{...} {...}` multi-script), binding params to the
// script's `$name` references. Every error is a *cozo.Error (re-exported as
// Error below) carrying a stable machine-checkable Kind.
func (db *DB) Run(ctx context.Context, script string, params map[string]Value) (*Result, error) {
	return db.engine.Run(ctx, script, params)
}

// Running returns the handles of every query currently executing against
// this DB, the payload of `::running`.
func (db *DB) Running() []int64 {
	return db.engine.Running()
}

// Kill cancels the in-flight query identified by handle (as returned via
// Running, or reported to a concurrent caller out of band). Returns false
// if no such query is currently running.
func (db *DB) Kill(handle int64) bool {
	return db.engine.Kill(handle)
}

// Error is a CozoScript error: a stable Kind tag, the source Span it
// occurred at, and (for :assert failures) the offending Tuples.
type Error = cozo.Error

// Kind classifies an Error for callers that branch on failure category
// (parse vs. compile vs. runtime vs. assertion, etc.) instead of matching
// on message text.
type Kind = cozo.Kind

const (
	KindParse     = cozo.KindParse
	KindCompile   = cozo.KindCompile
	KindRuntime   = cozo.KindRuntime
	KindSchema    = cozo.KindSchema
	KindAssertion = cozo.KindAssertion
)
