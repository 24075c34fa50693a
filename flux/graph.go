package flux

import (
	"fmt"
	"sort"
)

// GraphEdge connects two named nodes, optionally guarded by a pure predicate
// on the source node's decoded result. A nil guard always traverses.
type GraphEdge struct {
	From  string
	To    string
	Guard func(result any) bool
}

// GraphBuilder assembles a declarative DAG of named task nodes.
//
// Usage:
//
//	g, err := flux.NewGraph("etl").
//	    AddNode("extract", extractTask).
//	    AddNode("transform", transformTask).
//	    AddNode("load", loadTask).
//	    AddEdge("extract", "transform", nil).
//	    AddEdge("transform", "load", func(v any) bool { return v != nil }).
//	    Build()
type GraphBuilder struct {
	name  string
	nodes map[string]*TaskDef
	order []string
	edges []GraphEdge
	err   error
}

// NewGraph starts a graph definition.
func NewGraph(name string) *GraphBuilder {
	return &GraphBuilder{name: name, nodes: make(map[string]*TaskDef)}
}

// AddNode registers a named node backed by a task definition.
func (b *GraphBuilder) AddNode(name string, task *TaskDef) *GraphBuilder {
	if b.err != nil {
		return b
	}
	if _, dup := b.nodes[name]; dup {
		b.err = fmt.Errorf("graph %s: duplicate node %q", b.name, name)
		return b
	}
	b.nodes[name] = task
	b.order = append(b.order, name)
	return b
}

// AddEdge connects from → to with an optional guard predicate evaluated on
// the source node's result.
func (b *GraphBuilder) AddEdge(from, to string, guard func(any) bool) *GraphBuilder {
	if b.err != nil {
		return b
	}
	b.edges = append(b.edges, GraphEdge{From: from, To: to, Guard: guard})
	return b
}

// Build validates the graph: all edge endpoints exist, the graph is acyclic,
// and every node is reachable from a root. Cycles and unreachable ends are
// authoring errors rejected here, before anything executes.
func (b *GraphBuilder) Build() (*Graph, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.nodes) == 0 {
		return nil, fmt.Errorf("graph %s: no nodes", b.name)
	}
	for _, e := range b.edges {
		if _, ok := b.nodes[e.From]; !ok {
			return nil, fmt.Errorf("graph %s: edge from unknown node %q", b.name, e.From)
		}
		if _, ok := b.nodes[e.To]; !ok {
			return nil, fmt.Errorf("graph %s: edge to unknown node %q", b.name, e.To)
		}
	}

	g := &Graph{
		name:  b.name,
		nodes: b.nodes,
		edges: b.edges,
	}

	topo, err := g.topoSort(b.order)
	if err != nil {
		return nil, err
	}
	g.topo = topo

	// Reachability: every non-root node needs at least one inbound edge
	// path from a root.
	reachable := make(map[string]bool)
	for _, name := range topo {
		if len(g.inbound(name)) == 0 {
			reachable[name] = true
			continue
		}
		for _, e := range g.inbound(name) {
			if reachable[e.From] {
				reachable[name] = true
				break
			}
		}
		if !reachable[name] {
			return nil, fmt.Errorf("graph %s: node %q is unreachable", b.name, name)
		}
	}

	return g, nil
}

// Graph is a validated DAG executed in topologically-sorted order,
// short-circuiting edges whose guards are false.
type Graph struct {
	name  string
	nodes map[string]*TaskDef
	edges []GraphEdge
	topo  []string
}

// Name returns the graph's name.
func (g *Graph) Name() string { return g.name }

// Run executes the graph within an execution context. Root nodes receive
// the graph input; downstream nodes receive the results of their satisfied
// predecessors in edge-declaration order. A node with inbound edges none of
// which are satisfied (guard false or predecessor skipped) is skipped, and
// the skip propagates. Returns the results of executed nodes by name.
func (g *Graph) Run(c *Context, input any) (map[string]any, error) {
	results := make(map[string]any, len(g.nodes))
	executed := make(map[string]bool, len(g.nodes))

	for _, name := range g.topo {
		inbound := g.inbound(name)
		var args []any
		if len(inbound) == 0 {
			args = []any{input}
		} else {
			satisfied := false
			for _, e := range inbound {
				if !executed[e.From] {
					continue
				}
				if e.Guard != nil && !e.Guard(results[e.From]) {
					continue
				}
				satisfied = true
				args = append(args, results[e.From])
			}
			if !satisfied {
				continue
			}
		}

		v, err := c.Invoke(g.nodes[name], args...)
		if err != nil {
			return nil, err
		}
		results[name] = v
		executed[name] = true
	}
	return results, nil
}

func (g *Graph) inbound(name string) []GraphEdge {
	var in []GraphEdge
	for _, e := range g.edges {
		if e.To == name {
			in = append(in, e)
		}
	}
	return in
}

// topoSort orders nodes with Kahn's algorithm, preserving declaration order
// among ties for deterministic execution. Returns an error on any cycle.
func (g *Graph) topoSort(declared []string) ([]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	for name := range g.nodes {
		indegree[name] = 0
	}
	for _, e := range g.edges {
		indegree[e.To]++
	}

	pos := make(map[string]int, len(declared))
	for i, name := range declared {
		pos[name] = i
	}

	var ready []string
	for name, d := range indegree {
		if d == 0 {
			ready = append(ready, name)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return pos[ready[i]] < pos[ready[j]] })

	var topo []string
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		topo = append(topo, name)
		for _, e := range g.edges {
			if e.From != name {
				continue
			}
			indegree[e.To]--
			if indegree[e.To] == 0 {
				ready = append(ready, e.To)
				sort.Slice(ready, func(i, j int) bool { return pos[ready[i]] < pos[ready[j]] })
			}
		}
	}

	if len(topo) != len(g.nodes) {
		return nil, fmt.Errorf("graph %s: cycle detected", g.name)
	}
	return topo, nil
}
