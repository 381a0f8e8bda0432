package cozo

import (
	"math"
	"sort"
)

// Aggregator describes one named aggregation operator usable in a rule
// head position (`head[x, count(y)] := ...`), carrying the properties the
// evaluator and stratifier need: whether the operator is
// commutative/idempotent (so partial results can be combined in any order
// and re-combined safely) and whether it is monotone (so it is safe inside
// a recursive stratum).
type Aggregator struct {
	Name        string
	Commutative bool
	Idempotent  bool
	Monotone    bool

	Init func() AggState
}

// AggState accumulates one aggregation group's values incrementally.
type AggState interface {
	Combine(v Value)
	Finalize() Value
}

var aggregators map[string]*Aggregator

func init() {
	aggregators = map[string]*Aggregator{}
	register(&Aggregator{Name: "min", Commutative: true, Idempotent: true, Monotone: true, Init: newMinMaxState(false)})
	register(&Aggregator{Name: "max", Commutative: true, Idempotent: true, Monotone: true, Init: newMinMaxState(true)})
	register(&Aggregator{Name: "choice", Commutative: false, Idempotent: true, Monotone: true, Init: func() AggState { return &choiceState{} }})
	register(&Aggregator{Name: "and", Commutative: true, Idempotent: true, Monotone: true, Init: func() AggState { return &boolFoldState{acc: true, op: "and"} }})
	register(&Aggregator{Name: "or", Commutative: true, Idempotent: true, Monotone: true, Init: func() AggState { return &boolFoldState{acc: false, op: "or"} }})
	register(&Aggregator{Name: "shortest", Commutative: true, Idempotent: true, Monotone: true, Init: newMinMaxState(false)})

	register(&Aggregator{Name: "sum", Commutative: true, Idempotent: false, Monotone: false, Init: func() AggState { return &sumState{} }})
	register(&Aggregator{Name: "count", Commutative: true, Idempotent: false, Monotone: false, Init: func() AggState { return &countState{} }})
	register(&Aggregator{Name: "count_unique", Commutative: true, Idempotent: false, Monotone: false, Init: func() AggState { return &uniqueState{seen: map[string]bool{}, counting: true} }})
	register(&Aggregator{Name: "mean", Commutative: true, Idempotent: false, Monotone: false, Init: func() AggState { return &meanState{} }})
	register(&Aggregator{Name: "stddev", Commutative: true, Idempotent: false, Monotone: false, Init: func() AggState { return &varianceState{finalizeAsStdDev: true} }})
	register(&Aggregator{Name: "variance", Commutative: true, Idempotent: false, Monotone: false, Init: func() AggState { return &varianceState{finalizeAsStdDev: false} }})
	register(&Aggregator{Name: "collect", Commutative: false, Idempotent: false, Monotone: false, Init: func() AggState { return &collectState{} }})
	register(&Aggregator{Name: "collect_unique", Commutative: false, Idempotent: false, Monotone: false, Init: func() AggState { return &uniqueState{seen: map[string]bool{}} }})
	register(&Aggregator{Name: "bit_and", Commutative: true, Idempotent: true, Monotone: false, Init: func() AggState { return &bitFoldState{op: "and"} }})
	register(&Aggregator{Name: "bit_or", Commutative: true, Idempotent: true, Monotone: false, Init: func() AggState { return &bitFoldState{op: "or"} }})
	register(&Aggregator{Name: "bit_xor", Commutative: true, Idempotent: false, Monotone: false, Init: func() AggState { return &bitFoldState{op: "xor"} }})
	register(&Aggregator{Name: "latest", Commutative: false, Idempotent: true, Monotone: false, Init: func() AggState { return &latestState{} }})
}

func register(a *Aggregator) { aggregators[a.Name] = a }

// LookupAggregator returns the registered aggregator for name, if any.
func LookupAggregator(name string) (*Aggregator, bool) {
	a, ok := aggregators[name]
	return a, ok
}

// IsMonotoneAggregator reports whether name is registered and monotone,
// used during stratification to decide whether an aggregation head may
// participate in a recursive stratum.
func IsMonotoneAggregator(name string) bool {
	a, ok := aggregators[name]
	return ok && a.Monotone
}

// --- state implementations ---

type minMaxState struct {
	max   bool
	value Value
	set   bool
}

func newMinMaxState(max bool) func() AggState {
	return func() AggState { return &minMaxState{max: max} }
}

func (s *minMaxState) Combine(v Value) {
	if !s.set {
		s.value, s.set = v, true
		return
	}
	c := Compare(v, s.value)
	if (s.max && c > 0) || (!s.max && c < 0) {
		s.value = v
	}
}
func (s *minMaxState) Finalize() Value {
	if !s.set {
		return Null()
	}
	return s.value
}

type choiceState struct {
	value Value
	set   bool
}

func (s *choiceState) Combine(v Value) {
	if !s.set {
		s.value, s.set = v, true
	}
}
func (s *choiceState) Finalize() Value {
	if !s.set {
		return Null()
	}
	return s.value
}

type boolFoldState struct {
	acc bool
	op  string
}

func (s *boolFoldState) Combine(v Value) {
	b := v.Tag() == TagBool && v.AsBool()
	if s.op == "and" {
		s.acc = s.acc && b
	} else {
		s.acc = s.acc || b
	}
}
func (s *boolFoldState) Finalize() Value { return Bool(s.acc) }

type sumState struct {
	sum    float64
	sawFlt bool
}

func (s *sumState) Combine(v Value) {
	f, isInt, ok := v.Numeric()
	if !ok {
		return
	}
	if !isInt {
		s.sawFlt = true
	}
	s.sum += f
}
func (s *sumState) Finalize() Value {
	if s.sawFlt {
		return Float(s.sum)
	}
	return Int(int64(s.sum))
}

type countState struct{ n int64 }

func (s *countState) Combine(Value)   { s.n++ }
func (s *countState) Finalize() Value { return Int(s.n) }

type uniqueState struct {
	seen     map[string]bool
	items    []Value
	counting bool
	n        int64
}

func (s *uniqueState) Combine(v Value) {
	key := v.String()
	if s.seen[key] {
		return
	}
	s.seen[key] = true
	if s.counting {
		s.n++
	} else {
		s.items = append(s.items, v)
	}
}
func (s *uniqueState) Finalize() Value {
	if s.counting {
		return Int(s.n)
	}
	out := append([]Value(nil), s.items...)
	SortValues(out)
	return List(out)
}

type meanState struct {
	sum float64
	n   int64
}

func (s *meanState) Combine(v Value) {
	f, _, ok := v.Numeric()
	if !ok {
		return
	}
	s.sum += f
	s.n++
}
func (s *meanState) Finalize() Value {
	if s.n == 0 {
		return Float(math.NaN())
	}
	return Float(s.sum / float64(s.n))
}

type varianceState struct {
	values           []float64
	finalizeAsStdDev bool
}

func (s *varianceState) Combine(v Value) {
	f, _, ok := v.Numeric()
	if ok {
		s.values = append(s.values, f)
	}
}
func (s *varianceState) Finalize() Value {
	n := len(s.values)
	if n == 0 {
		return Float(math.NaN())
	}
	var mean float64
	for _, f := range s.values {
		mean += f
	}
	mean /= float64(n)
	var acc float64
	for _, f := range s.values {
		d := f - mean
		acc += d * d
	}
	variance := acc / float64(n)
	if s.finalizeAsStdDev {
		return Float(math.Sqrt(variance))
	}
	return Float(variance)
}

type collectState struct{ items []Value }

func (s *collectState) Combine(v Value) { s.items = append(s.items, v) }
func (s *collectState) Finalize() Value { return List(append([]Value(nil), s.items...)) }

type bitFoldState struct {
	op  string
	acc int64
	set bool
}

func (s *bitFoldState) Combine(v Value) {
	if v.Tag() != TagInt {
		return
	}
	n := v.AsInt()
	if !s.set {
		s.acc, s.set = n, true
		return
	}
	switch s.op {
	case "and":
		s.acc &= n
	case "or":
		s.acc |= n
	case "xor":
		s.acc ^= n
	}
}
func (s *bitFoldState) Finalize() Value { return Int(s.acc) }

type latestState struct {
	value Value
	set   bool
}

func (s *latestState) Combine(v Value) { s.value, s.set = v, true }
func (s *latestState) Finalize() Value {
	if !s.set {
		return Null()
	}
	return s.value
}

// registeredAggregatorNames returns aggregator names in sorted order, for
// deterministic error messages and CLI help text.
func registeredAggregatorNames() []string {
	names := make([]string, 0, len(aggregators))
	for n := range aggregators {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
