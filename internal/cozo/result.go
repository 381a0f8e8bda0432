package cozo

import (
	"context"
	"sort"
	"time"
)

// Result is the final output of running a query script: the entry
// relation's rows after sort/offset/limit have been applied, plus whichever
// head variable names the entry rule declared (for display purposes).
type Result struct {
	Columns []string
	Rows    []TupleRow
}

// Assemble applies the option set's display verbs to rel: sort, then
// offset/limit, then assert. Timeout and sleep are applied around
// evaluation itself by the caller.
func Assemble(ctx context.Context, head RuleHead, rel *Relation, opts []Option) (*Result, error) {
	rows := append([]TupleRow(nil), rel.Rows...)

	for _, opt := range opts {
		if opt.Verb == OptSort {
			sortRows(rows, opt.Sort, head)
		}
	}

	var offset, limit int64 = 0, -1
	for _, opt := range opts {
		switch opt.Verb {
		case OptOffset:
			offset = opt.Int
		case OptLimit:
			limit = opt.Int
		}
	}
	rows = applyOffsetLimit(rows, offset, limit)

	for _, opt := range opts {
		if opt.Verb == OptAssert {
			if err := checkAssertion(opt, rows); err != nil {
				return nil, err
			}
		}
	}

	cols := make([]string, len(head.Args))
	for i, a := range head.Args {
		cols[i] = a.Var
	}
	return &Result{Columns: cols, Rows: rows}, nil
}

func sortRows(rows []TupleRow, keys []SortKey, head RuleHead) {
	idx := map[string]int{}
	for i, a := range head.Args {
		idx[a.Var] = i
	}
	positions := make([]int, 0, len(keys))
	desc := make([]bool, 0, len(keys))
	for _, k := range keys {
		if i, ok := idx[k.Var]; ok {
			positions = append(positions, i)
			desc = append(desc, k.Desc)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for n, pos := range positions {
			c := Compare(rows[i][pos], rows[j][pos])
			if c == 0 {
				continue
			}
			if desc[n] {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func applyOffsetLimit(rows []TupleRow, offset, limit int64) []TupleRow {
	if offset > 0 {
		if offset >= int64(len(rows)) {
			return nil
		}
		rows = rows[offset:]
	}
	if limit >= 0 && limit < int64(len(rows)) {
		rows = rows[:limit]
	}
	return rows
}

// checkAssertion implements `:assert none`/`:assert some`, failing the
// query with a KindAssertion error carrying the offending tuples (every
// result row for `none`; no tuples for `some`, whose failure is an empty
// result).
func checkAssertion(opt Option, rows []TupleRow) error {
	switch opt.Assert {
	case "none":
		if len(rows) > 0 {
			return &Error{Kind: KindAssertion, Span: opt.Span, Message: "assertion failed: expected no rows, got some", Cause: ErrAssertion, Tuples: rows}
		}
	case "some":
		if len(rows) == 0 {
			return &Error{Kind: KindAssertion, Span: opt.Span, Message: "assertion failed: expected at least one row, got none", Cause: ErrAssertion}
		}
	}
	return nil
}

// DeadlineFromOptions returns the context produced by applying the script's
// `:timeout` option (if any) to parent, plus its cancel function. The
// caller must always call the returned cancel.
func DeadlineFromOptions(parent context.Context, opts []Option) (context.Context, context.CancelFunc) {
	for _, opt := range opts {
		if opt.Verb == OptTimeout {
			d := time.Duration(opt.Duration * float64(time.Second))
			return context.WithTimeout(parent, d)
		}
	}
	return context.WithCancel(parent)
}

// SleepDuration returns the script's `:sleep` duration, if any, used by the
// engine to pause before running a script.
func SleepDuration(opts []Option) (time.Duration, bool) {
	for _, opt := range opts {
		if opt.Verb == OptSleep {
			return time.Duration(opt.Duration * float64(time.Second)), true
		}
	}
	return 0, false
}
