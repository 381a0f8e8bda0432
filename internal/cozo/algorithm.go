package cozo

import "context"

// Algorithm is one named operator usable in an algorithm rule
// (`head <~ name(inputs..., opts...)`). Inputs are resolved input relations
// (already materialized by the evaluator); Run produces the output
// relation's rows directly. The engine knows nothing of an algorithm's
// internals.
type Algorithm struct {
	Name string
	Run  func(ctx context.Context, inputs []*Relation, opts map[string]Value) (*Relation, error)
}

// Relation is a materialized, arity-fixed bag of tuples, the common
// in-memory currency between the evaluator, the storage binding and the
// algorithm registry.
type Relation struct {
	Arity int
	Rows  []TupleRow
}

func NewRelation(arity int) *Relation { return &Relation{Arity: arity} }

func (r *Relation) Add(row TupleRow) { r.Rows = append(r.Rows, row) }

var algorithms map[string]*Algorithm

// RegisterAlgorithm adds or replaces a named algorithm implementation.
// Callers outside this package can extend the registry before opening an
// engine.
func RegisterAlgorithm(a *Algorithm) { algorithms[a.Name] = a }

// LookupAlgorithm returns the registered algorithm for name, if any.
func LookupAlgorithm(name string) (*Algorithm, bool) {
	a, ok := algorithms[name]
	return a, ok
}

func init() {
	algorithms = map[string]*Algorithm{}
	RegisterAlgorithm(&Algorithm{Name: "shortest_path_bfs", Run: runShortestPathBFS})
	RegisterAlgorithm(&Algorithm{Name: "shortest_path_dijkstra", Run: runShortestPathDijkstra})
	RegisterAlgorithm(&Algorithm{Name: "degree_centrality", Run: runDegreeCentrality})
	RegisterAlgorithm(&Algorithm{Name: "connected_components", Run: runConnectedComponents})
	RegisterAlgorithm(&Algorithm{Name: "strongly_connected_components", Run: runStronglyConnectedComponents})
	RegisterAlgorithm(&Algorithm{Name: "page_rank", Run: runPageRank})
	RegisterAlgorithm(&Algorithm{Name: "random_walk", Run: runRandomWalk})
}

// edgeList reads `from, to[, weight]` rows out of the first input relation.
func edgeList(in *Relation) (map[string][]edge, []string) {
	adj := map[string][]edge{}
	var order []string
	seen := map[string]bool{}
	for _, row := range in.Rows {
		if len(row) < 2 {
			continue
		}
		from, to := row[0].String(), row[1].String()
		w := 1.0
		if len(row) >= 3 {
			if f, _, ok := row[2].Numeric(); ok {
				w = f
			}
		}
		adj[from] = append(adj[from], edge{to: to, toVal: row[1], fromVal: row[0], w: w})
		for _, n := range []string{from, to} {
			if !seen[n] {
				seen[n] = true
				order = append(order, n)
			}
		}
	}
	return adj, order
}

type edge struct {
	to, from string
	toVal    Value
	fromVal  Value
	w        float64
}

func runShortestPathBFS(ctx context.Context, inputs []*Relation, opts map[string]Value) (*Relation, error) {
	if len(inputs) < 2 {
		return nil, newErr(KindRuntime, Span{}, "shortest_path_bfs: expected edges relation and starting-node relation")
	}
	adj, _ := edgeList(inputs[0])
	out := NewRelation(3)
	for _, startRow := range inputs[1].Rows {
		if len(startRow) < 1 {
			continue
		}
		start := startRow[0].String()
		dist := map[string]int{start: 0}
		queue := []string{start}
		for len(queue) > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			cur := queue[0]
			queue = queue[1:]
			for _, e := range adj[cur] {
				if _, ok := dist[e.to]; ok {
					continue
				}
				dist[e.to] = dist[cur] + 1
				queue = append(queue, e.to)
				out.Add(TupleRow{startRow[0], e.toVal, Int(int64(dist[e.to]))})
			}
		}
	}
	return out, nil
}

func runShortestPathDijkstra(ctx context.Context, inputs []*Relation, opts map[string]Value) (*Relation, error) {
	if len(inputs) < 2 {
		return nil, newErr(KindRuntime, Span{}, "shortest_path_dijkstra: expected edges relation and starting-node relation")
	}
	adj, _ := edgeList(inputs[0])
	out := NewRelation(3)
	for _, startRow := range inputs[1].Rows {
		if len(startRow) < 1 {
			continue
		}
		start := startRow[0].String()
		dist := map[string]float64{start: 0}
		visited := map[string]bool{}
		for {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			cur, curDist, found := pickMinUnvisited(dist, visited)
			if !found {
				break
			}
			visited[cur] = true
			for _, e := range adj[cur] {
				nd := curDist + e.w
				if old, ok := dist[e.to]; !ok || nd < old {
					dist[e.to] = nd
				}
			}
		}
		for node, d := range dist {
			if node == start {
				continue
			}
			out.Add(TupleRow{startRow[0], String(node), Float(d)})
		}
	}
	return out, nil
}

func pickMinUnvisited(dist map[string]float64, visited map[string]bool) (string, float64, bool) {
	best := ""
	bestD := 0.0
	found := false
	for n, d := range dist {
		if visited[n] {
			continue
		}
		if !found || d < bestD {
			best, bestD, found = n, d, true
		}
	}
	return best, bestD, found
}

func runDegreeCentrality(ctx context.Context, inputs []*Relation, opts map[string]Value) (*Relation, error) {
	if len(inputs) < 1 {
		return nil, newErr(KindRuntime, Span{}, "degree_centrality: expected edges relation")
	}
	counts := map[string]int64{}
	vals := map[string]Value{}
	for _, row := range inputs[0].Rows {
		if len(row) < 2 {
			continue
		}
		for _, v := range row[:2] {
			k := v.String()
			counts[k]++
			vals[k] = v
		}
	}
	out := NewRelation(2)
	for k, v := range vals {
		out.Add(TupleRow{v, Int(counts[k])})
	}
	return out, nil
}

func runConnectedComponents(ctx context.Context, inputs []*Relation, opts map[string]Value) (*Relation, error) {
	if len(inputs) < 1 {
		return nil, newErr(KindRuntime, Span{}, "connected_components: expected edges relation")
	}
	adj := map[string][]string{}
	vals := map[string]Value{}
	var order []string
	for _, row := range inputs[0].Rows {
		if len(row) < 2 {
			continue
		}
		a, b := row[0].String(), row[1].String()
		adj[a] = append(adj[a], b)
		adj[b] = append(adj[b], a)
		for _, v := range row[:2] {
			k := v.String()
			if _, ok := vals[k]; !ok {
				vals[k] = v
				order = append(order, k)
			}
		}
	}
	component := map[string]int64{}
	var next int64
	for _, root := range order {
		if _, ok := component[root]; ok {
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		stack := []string{root}
		component[root] = next
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, n := range adj[cur] {
				if _, ok := component[n]; !ok {
					component[n] = next
					stack = append(stack, n)
				}
			}
		}
		next++
	}
	out := NewRelation(2)
	for _, k := range order {
		out.Add(TupleRow{vals[k], Int(component[k])})
	}
	return out, nil
}

// runStronglyConnectedComponents implements Tarjan's algorithm over plain
// string node keys; the stratifier's variant operates on rule heads and is
// not reusable here.
func runStronglyConnectedComponents(ctx context.Context, inputs []*Relation, opts map[string]Value) (*Relation, error) {
	if len(inputs) < 1 {
		return nil, newErr(KindRuntime, Span{}, "strongly_connected_components: expected edges relation")
	}
	adj, order := edgeList(inputs[0])
	vals := map[string]Value{}
	for _, row := range inputs[0].Rows {
		if len(row) >= 2 {
			vals[row[0].String()] = row[0]
			vals[row[1].String()] = row[1]
		}
	}

	index, low, onStack := map[string]int{}, map[string]int{}, map[string]bool{}
	var stack []string
	counter := 0
	var comps [][]string

	var connect func(v string) error
	connect = func(v string) error {
		index[v], low[v] = counter, counter
		counter++
		stack = append(stack, v)
		onStack[v] = true
		for _, e := range adj[v] {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if _, seen := index[e.to]; !seen {
				if err := connect(e.to); err != nil {
					return err
				}
				if low[e.to] < low[v] {
					low[v] = low[e.to]
				}
			} else if onStack[e.to] {
				if index[e.to] < low[v] {
					low[v] = index[e.to]
				}
			}
		}
		if low[v] == index[v] {
			var comp []string
			for {
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[top] = false
				comp = append(comp, top)
				if top == v {
					break
				}
			}
			comps = append(comps, comp)
		}
		return nil
	}

	for _, n := range order {
		if _, ok := index[n]; !ok {
			if err := connect(n); err != nil {
				return nil, err
			}
		}
	}

	out := NewRelation(2)
	for i, comp := range comps {
		for _, n := range comp {
			out.Add(TupleRow{vals[n], Int(int64(i))})
		}
	}
	return out, nil
}

func runPageRank(ctx context.Context, inputs []*Relation, opts map[string]Value) (*Relation, error) {
	if len(inputs) < 1 {
		return nil, newErr(KindRuntime, Span{}, "page_rank: expected edges relation")
	}
	damping := 0.85
	if v, ok := opts["damping"]; ok {
		if f, _, numOK := v.Numeric(); numOK {
			damping = f
		}
	}
	iterations := 20
	if v, ok := opts["iterations"]; ok && v.Tag() == TagInt {
		iterations = int(v.AsInt())
	}

	adj, order := edgeList(inputs[0])
	vals := map[string]Value{}
	outDeg := map[string]int{}
	for _, row := range inputs[0].Rows {
		if len(row) >= 2 {
			vals[row[0].String()] = row[0]
			vals[row[1].String()] = row[1]
			outDeg[row[0].String()]++
		}
	}
	n := len(order)
	if n == 0 {
		return NewRelation(2), nil
	}
	rank := map[string]float64{}
	for _, node := range order {
		rank[node] = 1.0 / float64(n)
	}
	for it := 0; it < iterations; it++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		next := map[string]float64{}
		for _, node := range order {
			next[node] = (1 - damping) / float64(n)
		}
		for _, node := range order {
			if outDeg[node] == 0 {
				continue
			}
			share := damping * rank[node] / float64(outDeg[node])
			for _, e := range adj[node] {
				next[e.to] += share
			}
		}
		rank = next
	}
	out := NewRelation(2)
	for _, node := range order {
		out.Add(TupleRow{vals[node], Float(rank[node])})
	}
	return out, nil
}

func runRandomWalk(ctx context.Context, inputs []*Relation, opts map[string]Value) (*Relation, error) {
	if len(inputs) < 2 {
		return nil, newErr(KindRuntime, Span{}, "random_walk: expected edges relation and starting-node relation")
	}
	steps := int64(10)
	if v, ok := opts["steps"]; ok && v.Tag() == TagInt {
		steps = v.AsInt()
	}
	adj, _ := edgeList(inputs[0])
	out := NewRelation(2)
	for _, startRow := range inputs[1].Rows {
		if len(startRow) < 1 {
			continue
		}
		cur := startRow[0]
		out.Add(TupleRow{Int(0), cur})
		for i := int64(1); i <= steps; i++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			edges := adj[cur.String()]
			if len(edges) == 0 {
				break
			}
			// Deterministic walk (always the first outgoing edge): query
			// results must be reproducible for fixed inputs, and the
			// registry exposes no seed option yet.
			cur = edges[0].toVal
			out.Add(TupleRow{Int(i), cur})
		}
	}
	return out, nil
}
