// Package graphdef holds the in-memory representation of a computation graph used by the inference optimizer.
//
//   - Graph: ordered collection of uniquely named nodes. Insertion order is kept, so the output of every
//     transformation is deterministic.
//   - Node: one operation, with typed data edges (Input), control edges (ControlInputs, "run after"),
//     and typed attributes (Attrs), validated against a per-OpKind schema.
//   - Const nodes carry their value as an immutable GoMLX tensors.Tensor.
//
// Graphs are treated as values by the optimizer: each transformation builds a fresh Graph with
// Graph.Rewrite or Graph.Clone, and never modifies its input.
package graphdef

import (
	"github.com/pkg/errors"
)

// Graph is an ordered collection of nodes, indexed by name.
type Graph struct {
	nodes []*Node
	index map[string]int
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{index: make(map[string]int)}
}

// FromNodes creates a graph with the given nodes, in order. See AddNode.
func FromNodes(nodes ...*Node) (*Graph, error) {
	g := New()
	for _, n := range nodes {
		if err := g.AddNode(n); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// AddNode appends n to the graph, which takes ownership of it.
//
// The node is checked against its op schema, and redundant control inputs are dropped.
// References to other nodes are not checked here (nodes may be added in any order), see Validate.
func (g *Graph) AddNode(n *Node) error {
	if n == nil {
		return errors.Wrap(ErrInvalidNode, "nil node")
	}
	if _, found := g.index[n.Name]; found {
		return errors.Wrapf(ErrDuplicateName, "node %q", n.Name)
	}
	if err := n.validateSchema(); err != nil {
		return err
	}
	if n.Attrs == nil {
		n.Attrs = make(Attrs)
	}
	n.normalizeControlInputs()
	g.index[n.Name] = len(g.nodes)
	g.nodes = append(g.nodes, n)
	return nil
}

// Node returns the node with the given name.
func (g *Graph) Node(name string) (*Node, error) {
	idx, found := g.index[name]
	if !found {
		return nil, errors.Wrapf(ErrNotFound, "node %q", name)
	}
	return g.nodes[idx], nil
}

// Lookup returns the node with the given name, or nil.
func (g *Graph) Lookup(name string) *Node {
	idx, found := g.index[name]
	if !found {
		return nil
	}
	return g.nodes[idx]
}

// Has reports whether a node with the given name exists.
func (g *Graph) Has(name string) bool {
	_, found := g.index[name]
	return found
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Nodes returns the nodes in insertion order. The returned slice must not be modified.
func (g *Graph) Nodes() []*Node { return g.nodes }

// Names returns the node names in insertion order.
func (g *Graph) Names() []string {
	names := make([]string, len(g.nodes))
	for ii, n := range g.nodes {
		names[ii] = n.Name
	}
	return names
}

// position returns the insertion index of name, or -1.
func (g *Graph) position(name string) int {
	idx, found := g.index[name]
	if !found {
		return -1
	}
	return idx
}

// Clone returns a deep copy of the graph. Tensor payloads are shared.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		nodes: make([]*Node, len(g.nodes)),
		index: make(map[string]int, len(g.nodes)),
	}
	for ii, n := range g.nodes {
		c.nodes[ii] = n.Clone()
		c.index[n.Name] = ii
	}
	return c
}

// Rewrite builds a new graph by visiting the nodes of g in order: fn receives a copy of each node
// and returns the nodes to emit in its place -- the node itself to keep it, nothing to drop it, or
// any number of replacement/additional nodes.
//
// The receiver is not modified.
func (g *Graph) Rewrite(fn func(n *Node) []*Node) (*Graph, error) {
	out := New()
	for _, n := range g.nodes {
		for _, emitted := range fn(n.Clone()) {
			if err := out.AddNode(emitted); err != nil {
				return nil, errors.WithMessagef(err, "rewriting node %q", n.Name)
			}
		}
	}
	return out, nil
}

// RewireConsumers redirects every reference to the node oldName: data inputs now read from data,
// and each control input on oldName is replaced by control inputs on all of controls.
//
// The graph is modified in place: use it on a graph owned by the caller (e.g. from Clone).
func (g *Graph) RewireConsumers(oldName string, data Input, controls ...string) {
	for _, n := range g.nodes {
		if n.Name == oldName {
			continue
		}
		changed := false
		for ii, input := range n.Inputs {
			if input.Node == oldName {
				n.Inputs[ii] = data
				changed = true
			}
		}
		if idx := indexOf(n.ControlInputs, oldName); idx >= 0 {
			newControls := make([]string, 0, len(n.ControlInputs)+len(controls))
			newControls = append(newControls, n.ControlInputs[:idx]...)
			newControls = append(newControls, n.ControlInputs[idx+1:]...)
			for _, c := range controls {
				if c != n.Name {
					newControls = append(newControls, c)
				}
			}
			n.ControlInputs = newControls
			changed = true
		}
		if changed {
			n.normalizeControlInputs()
		}
	}
}

func indexOf(list []string, name string) int {
	for ii, v := range list {
		if v == name {
			return ii
		}
	}
	return -1
}

// Validate checks every node against its schema, that every edge references an existing node
// (and a valid output of it), and that the graph is acyclic.
func (g *Graph) Validate() error {
	for _, n := range g.nodes {
		if err := n.validateSchema(); err != nil {
			return err
		}
		for _, input := range n.Inputs {
			producer := g.Lookup(input.Node)
			if producer == nil {
				return errors.Wrapf(ErrDanglingReference, "node %q reads from missing node %q", n.Name, input.Node)
			}
			if input.Output >= producer.Op.NumOutputs() {
				return errors.Wrapf(ErrDanglingReference, "node %q reads output %d of %q, which has only %d outputs",
					n.Name, input.Output, producer.Name, producer.Op.NumOutputs())
			}
		}
		for _, control := range n.ControlInputs {
			if !g.Has(control) {
				return errors.Wrapf(ErrDanglingReference, "node %q has a control dependency on missing node %q", n.Name, control)
			}
		}
	}
	_, err := g.TopologicalOrder()
	return err
}
