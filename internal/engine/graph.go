package engine

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"

	"github.com/picklr-io/rollout/internal/ir"
)

// DAG is the dependency graph of a spec set: one node per resource and per
// directive, with an edge from every node to each node it references.
type DAG struct {
	nodes map[string]*Node
	decl  []string // declaration order
	order []string // topological order
}

// Node is a resource or directive in the graph.
type Node struct {
	ID        string
	Type      ir.NodeType
	Index     int // position in declaration order
	Resource  *ir.ResourceSpec
	Directive *ir.DirectiveSpec

	deps     []string // data dependencies; failure here blocks the node
	after    []string // ordering-only predecessors (directives on the same target)
	revEdges []string // nodes that wait on this one
}

// Kind returns the resource kind or the directive operation.
func (n *Node) Kind() string {
	if n.Resource != nil {
		return n.Resource.Kind
	}
	return n.Directive.Operation
}

// Timeout returns the per-node timeout string from the declaration, if any.
func (n *Node) Timeout() string {
	if n.Resource != nil {
		return n.Resource.Timeout
	}
	return n.Directive.Timeout
}

// BuildDAG validates the spec set and orders it. Any validation failure,
// including a cycle, is returned as an *InvalidGraphError and no order is
// produced.
func BuildDAG(set *ir.SpecSet) (*DAG, error) {
	dag := &DAG{
		nodes: make(map[string]*Node),
	}

	add := func(n *Node) error {
		if n.ID == "" {
			return &InvalidGraphError{Reason: ReasonEmptyID, Node: fmt.Sprintf("#%d", n.Index)}
		}
		if _, dup := dag.nodes[n.ID]; dup {
			return &InvalidGraphError{Reason: ReasonDuplicateID, Node: n.ID}
		}
		dag.nodes[n.ID] = n
		dag.decl = append(dag.decl, n.ID)
		return nil
	}

	for _, res := range set.Resources {
		if err := add(&Node{ID: res.ID, Type: ir.NodeResource, Index: len(dag.decl), Resource: res}); err != nil {
			return nil, err
		}
	}
	for _, dir := range set.Directives {
		if err := add(&Node{ID: dir.ID, Type: ir.NodeDirective, Index: len(dag.decl), Directive: dir}); err != nil {
			return nil, err
		}
	}

	// Data edges from references and directive targets
	lastOnTarget := make(map[string]string)
	for _, id := range dag.decl {
		node := dag.nodes[id]
		var refs []string
		if node.Resource != nil {
			refs = node.Resource.Refs()
		} else {
			refs = node.Directive.Refs()
		}
		for _, ref := range refs {
			dep, ok := dag.nodes[ref]
			if !ok {
				return nil, &InvalidGraphError{Reason: ReasonDanglingRef, Node: id, Ref: ref}
			}
			if dep.Type != ir.NodeResource {
				return nil, &InvalidGraphError{Reason: ReasonRefToDirective, Node: id, Ref: ref}
			}
			node.deps = append(node.deps, ref)
		}

		// Directives sharing a target run in declaration order
		if node.Directive != nil {
			if prev, ok := lastOnTarget[node.Directive.Target]; ok {
				node.after = append(node.after, prev)
			}
			lastOnTarget[node.Directive.Target] = id
		}
	}

	for _, id := range dag.decl {
		node := dag.nodes[id]
		for _, dep := range node.predecessors() {
			dag.nodes[dep].revEdges = append(dag.nodes[dep].revEdges, id)
		}
	}

	order, err := dag.topoSort()
	if err != nil {
		return nil, err
	}
	dag.order = order

	return dag, nil
}

func (n *Node) predecessors() []string {
	if len(n.after) == 0 {
		return n.deps
	}
	out := make([]string, 0, len(n.deps)+len(n.after))
	out = append(out, n.deps...)
	for _, a := range n.after {
		if !contains(out, a) {
			out = append(out, a)
		}
	}
	return out
}

// topoSort performs Kahn's algorithm, always emitting the ready node that was
// declared first.
func (d *DAG) topoSort() ([]string, error) {
	inDegree := make(map[string]int, len(d.nodes))
	ready := &indexHeap{}
	for _, id := range d.decl {
		node := d.nodes[id]
		inDegree[id] = len(node.predecessors())
		if inDegree[id] == 0 {
			heap.Push(ready, node)
		}
	}

	sorted := make([]string, 0, len(d.nodes))
	for ready.Len() > 0 {
		node := heap.Pop(ready).(*Node)
		sorted = append(sorted, node.ID)

		for _, dependent := range node.revEdges {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				heap.Push(ready, d.nodes[dependent])
			}
		}
	}

	if len(sorted) != len(d.nodes) {
		return nil, &InvalidGraphError{Reason: ReasonCycle, Cycle: d.findCycle(inDegree)}
	}

	return sorted, nil
}

// findCycle walks the nodes Kahn's algorithm could not emit and returns one
// cycle as a closed path in depends-on direction, first element repeated at
// the end.
func (d *DAG) findCycle(inDegree map[string]int) []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int)
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range d.nodes[id].predecessors() {
			if inDegree[dep] == 0 {
				continue
			}
			switch state[dep] {
			case visiting:
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]string{}, stack[i:]...), dep)
						return true
					}
				}
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return false
	}

	for _, id := range d.decl {
		if inDegree[id] > 0 && state[id] == unvisited {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

// Order returns every node id in execution order.
func (d *DAG) Order() []string {
	return d.order
}

// Len returns the number of nodes.
func (d *DAG) Len() int {
	return len(d.nodes)
}

// Node returns the node with the given id, or nil.
func (d *DAG) Node(id string) *Node {
	return d.nodes[id]
}

// Dependencies returns the resources a node references.
func (d *DAG) Dependencies(id string) []string {
	if node, ok := d.nodes[id]; ok {
		return node.deps
	}
	return nil
}

// Dependents returns the nodes that wait on id, in declaration order.
func (d *DAG) Dependents(id string) []string {
	node, ok := d.nodes[id]
	if !ok {
		return nil
	}
	out := append([]string{}, node.revEdges...)
	sort.Slice(out, func(i, j int) bool { return d.nodes[out[i]].Index < d.nodes[out[j]].Index })
	return out
}

// TransitiveDependents returns every node whose reference chain includes id,
// in execution order. Ordering-only edges are not followed.
func (d *DAG) TransitiveDependents(id string) []string {
	affected := make(map[string]bool)
	var walk func(string)
	walk = func(cur string) {
		for _, dep := range d.nodes[cur].revEdges {
			if affected[dep] || !contains(d.nodes[dep].deps, cur) {
				continue
			}
			affected[dep] = true
			walk(dep)
		}
	}
	if _, ok := d.nodes[id]; ok {
		walk(id)
	}

	var out []string
	for _, n := range d.order {
		if affected[n] {
			out = append(out, n)
		}
	}
	return out
}

// DOT renders the graph in Graphviz format. Edges point from a node to what
// it depends on; ordering-only edges are dashed.
func (d *DAG) DOT() string {
	var b strings.Builder
	b.WriteString("digraph rollout {\n")
	b.WriteString("  rankdir=LR;\n")
	b.WriteString("  node [shape=box, style=rounded];\n\n")
	for _, id := range d.order {
		node := d.nodes[id]
		shape := ""
		if node.Type == ir.NodeDirective {
			shape = ", shape=ellipse"
		}
		fmt.Fprintf(&b, "  %q [label=\"%s\\n%s\"%s];\n", id, id, node.Kind(), shape)
	}
	b.WriteString("\n")
	for _, id := range d.order {
		node := d.nodes[id]
		for _, dep := range node.deps {
			fmt.Fprintf(&b, "  %q -> %q;\n", id, dep)
		}
		for _, dep := range node.after {
			if !contains(node.deps, dep) {
				fmt.Fprintf(&b, "  %q -> %q [style=dashed];\n", id, dep)
			}
		}
	}
	b.WriteString("}\n")
	return b.String()
}

// Mermaid renders the graph as a Mermaid flowchart.
func (d *DAG) Mermaid() string {
	var b strings.Builder
	b.WriteString("flowchart LR\n")
	alias := make(map[string]string, len(d.order))
	for i, id := range d.order {
		alias[id] = fmt.Sprintf("n%d", i)
		node := d.nodes[id]
		if node.Type == ir.NodeDirective {
			fmt.Fprintf(&b, "  %s([\"%s: %s\"])\n", alias[id], id, node.Kind())
		} else {
			fmt.Fprintf(&b, "  %s[\"%s: %s\"]\n", alias[id], id, node.Kind())
		}
	}
	for _, id := range d.order {
		node := d.nodes[id]
		for _, dep := range node.deps {
			fmt.Fprintf(&b, "  %s --> %s\n", alias[dep], alias[id])
		}
		for _, dep := range node.after {
			if !contains(node.deps, dep) {
				fmt.Fprintf(&b, "  %s -.-> %s\n", alias[dep], alias[id])
			}
		}
	}
	return b.String()
}

type indexHeap []*Node

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i].Index < h[j].Index }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x any)        { *h = append(*h, x.(*Node)) }
func (h *indexHeap) Pop() any {
	old := *h
	n := old[len(old)-1]
	*h = old[:len(old)-1]
	return n
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
