package workflow

// Ref names a task to be added to a workflow as a node.
type Ref struct {
	// ID is the node's identifier, unique within the workflow.
	ID string

	// Task is the name of the registered task the node executes.
	Task string
}

// T references a task under its own name. The node ID equals the task name,
// which is the common case when a workflow uses each task once.
func T(taskName string) Ref {
	return Ref{ID: taskName, Task: taskName}
}

// As references a task under an explicit node ID, allowing the same task to
// appear as several distinct nodes in one workflow.
func As(nodeID, taskName string) Ref {
	return Ref{ID: nodeID, Task: taskName}
}

// Node is a single step of a built workflow.
type Node struct {
	// ID is the node's identifier, unique within the workflow.
	ID string `json:"id"`

	// Task is the name of the task the node executes.
	Task string `json:"task"`
}

// Definition is a validated, immutable workflow DAG. Instances are created
// by Builder.Build and shared freely across goroutines.
type Definition struct {
	name  string
	nodes map[string]Node
	order []string // insertion order, for stable iteration
	topo  []string // a topological order, fixed at build time
	preds map[string][]string
	succs map[string][]string
	roots []string
	sinks []string
}

// Name returns the workflow's name.
func (d *Definition) Name() string {
	return d.name
}

// Len returns the number of nodes.
func (d *Definition) Len() int {
	return len(d.nodes)
}

// Nodes returns all nodes in the order they were added to the builder.
func (d *Definition) Nodes() []Node {
	nodes := make([]Node, 0, len(d.order))
	for _, id := range d.order {
		nodes = append(nodes, d.nodes[id])
	}
	return nodes
}

// Node returns the node with the given ID.
func (d *Definition) Node(id string) (Node, bool) {
	n, ok := d.nodes[id]
	return n, ok
}

// Predecessors returns the IDs of the nodes with an edge into id.
func (d *Definition) Predecessors(id string) []string {
	return append([]string(nil), d.preds[id]...)
}

// Successors returns the IDs of the nodes id has an edge into.
func (d *Definition) Successors(id string) []string {
	return append([]string(nil), d.succs[id]...)
}

// Roots returns the IDs of the nodes with no predecessors. Every workflow
// has at least one root; they are enqueued as soon as the run starts.
func (d *Definition) Roots() []string {
	return append([]string(nil), d.roots...)
}

// Sinks returns the IDs of the nodes with no successors. Sink outcomes
// decide whether a partly failed run counts as partially failed or failed.
func (d *Definition) Sinks() []string {
	return append([]string(nil), d.sinks...)
}

// TopologicalOrder returns the node IDs in a dependency-respecting order
// fixed at build time.
func (d *Definition) TopologicalOrder() []string {
	return append([]string(nil), d.topo...)
}
