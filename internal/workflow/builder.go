package workflow

import (
	"fmt"
	"sort"

	"github.com/flowq/flowq/internal/task"
)

// Builder assembles a workflow DAG. Nodes are added through Start and
// Cursor.Next; Build validates the graph and freezes it into a Definition.
//
// Builders are not safe for concurrent use and are meant to be discarded
// after Build.
type Builder struct {
	name  string
	nodes map[string]Node
	order []string
	edges map[string]map[string]bool // from -> to
	errs  []error
}

// NewBuilder creates a builder for a workflow with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:  name,
		nodes: make(map[string]Node),
		edges: make(map[string]map[string]bool),
	}
}

// Cursor is an immutable frontier of nodes within a builder. Next hangs new
// nodes off every node in the frontier and returns a new cursor; the old
// cursor stays valid, so branches can be grown independently from any
// earlier point of the graph.
type Cursor struct {
	b   *Builder
	ids []string
}

// Start adds root nodes (no incoming edges) and returns a cursor over them.
// It may be called more than once to declare independent entry points.
func (b *Builder) Start(refs ...Ref) *Cursor {
	ids := b.add(refs)
	return &Cursor{b: b, ids: ids}
}

// Next adds one node per ref, with an edge from every node in the cursor's
// frontier to every new node, and returns a cursor over the new nodes.
// A single ref fans in the frontier; several refs fan out.
func (c *Cursor) Next(refs ...Ref) *Cursor {
	ids := c.b.add(refs)
	for _, from := range c.ids {
		for _, to := range ids {
			c.b.addEdge(from, to)
		}
	}
	return &Cursor{b: c.b, ids: ids}
}

// IDs returns the node IDs in the cursor's frontier.
func (c *Cursor) IDs() []string {
	return append([]string(nil), c.ids...)
}

// Edge adds a dependency between two nodes that already exist in the
// builder. Most graphs are expressed with Start and Next alone; Edge covers
// dependencies that cut across branches. Edges that close a cycle are
// rejected by Build.
func (b *Builder) Edge(fromID, toID string) {
	if _, ok := b.nodes[fromID]; !ok {
		b.errs = append(b.errs, fmt.Errorf("%w: edge from unknown node %q", ErrInvalidDefinition, fromID))
		return
	}
	if _, ok := b.nodes[toID]; !ok {
		b.errs = append(b.errs, fmt.Errorf("%w: edge to unknown node %q", ErrInvalidDefinition, toID))
		return
	}
	b.addEdge(fromID, toID)
}

// Join merges cursors into one whose frontier is the union of their
// frontiers. Use it to make several branches all feed the next node.
func Join(cursors ...*Cursor) *Cursor {
	if len(cursors) == 0 {
		return &Cursor{}
	}
	b := cursors[0].b
	var ids []string
	seen := make(map[string]bool)
	for _, c := range cursors {
		if c.b != b {
			b.errs = append(b.errs, ErrMixedBuilders)
			continue
		}
		for _, id := range c.ids {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return &Cursor{b: b, ids: ids}
}

// add registers the refs as nodes and returns their IDs. Misuse is
// collected and surfaced by Build so workflow declarations can stay free
// of error plumbing.
func (b *Builder) add(refs []Ref) []string {
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		if ref.ID == "" || ref.Task == "" {
			b.errs = append(b.errs,
				fmt.Errorf("%w: node ID and task name must not be empty", ErrInvalidDefinition))
			continue
		}
		if _, exists := b.nodes[ref.ID]; exists {
			b.errs = append(b.errs, fmt.Errorf("%w: %q", ErrDuplicateNode, ref.ID))
			continue
		}
		b.nodes[ref.ID] = Node{ID: ref.ID, Task: ref.Task}
		b.order = append(b.order, ref.ID)
		ids = append(ids, ref.ID)
	}
	return ids
}

func (b *Builder) addEdge(from, to string) {
	if b.edges[from] == nil {
		b.edges[from] = make(map[string]bool)
	}
	b.edges[from][to] = true
}

// Build validates the graph and returns an immutable Definition. Every
// node's task must be registered, node IDs must be unique, the graph must
// be acyclic and contain at least one node.
func (b *Builder) Build(registry *task.Registry) (*Definition, error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("workflow %q: %w", b.name, b.errs[0])
	}
	if b.name == "" {
		return nil, fmt.Errorf("%w: workflow name must not be empty", ErrInvalidDefinition)
	}
	if len(b.nodes) == 0 {
		return nil, fmt.Errorf("%w: workflow %q has no nodes", ErrInvalidDefinition, b.name)
	}

	for _, id := range b.order {
		node := b.nodes[id]
		if _, err := registry.Get(node.Task); err != nil {
			return nil, fmt.Errorf("workflow %q node %q: %w", b.name, id, err)
		}
	}

	def := &Definition{
		name:  b.name,
		nodes: make(map[string]Node, len(b.nodes)),
		order: append([]string(nil), b.order...),
		preds: make(map[string][]string),
		succs: make(map[string][]string),
	}
	for id, node := range b.nodes {
		def.nodes[id] = node
	}

	indegree := make(map[string]int, len(b.nodes))
	for _, id := range b.order {
		indegree[id] = 0
	}
	for from, tos := range b.edges {
		for to := range tos {
			def.succs[from] = append(def.succs[from], to)
			def.preds[to] = append(def.preds[to], from)
			indegree[to]++
		}
	}
	for id := range def.succs {
		sort.Strings(def.succs[id])
	}
	for id := range def.preds {
		sort.Strings(def.preds[id])
	}

	// Kahn's algorithm: peel nodes with no remaining predecessors. If any
	// node is left unpeeled the edges contain a cycle. Frontier order
	// follows insertion order so the topological order is stable.
	remaining := make(map[string]int, len(indegree))
	for id, deg := range indegree {
		remaining[id] = deg
	}
	frontier := make([]string, 0, len(b.order))
	for _, id := range b.order {
		if remaining[id] == 0 {
			frontier = append(frontier, id)
		}
	}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		def.topo = append(def.topo, id)
		for _, succ := range def.succs[id] {
			remaining[succ]--
			if remaining[succ] == 0 {
				frontier = append(frontier, succ)
			}
		}
	}
	if len(def.topo) != len(b.nodes) {
		var stuck []string
		for _, id := range b.order {
			if remaining[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, fmt.Errorf("workflow %q: %w: involving nodes %v", b.name, ErrCycle, stuck)
	}

	for _, id := range b.order {
		if indegree[id] == 0 {
			def.roots = append(def.roots, id)
		}
		if len(def.succs[id]) == 0 {
			def.sinks = append(def.sinks, id)
		}
	}

	return def, nil
}
