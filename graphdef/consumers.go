package graphdef

// ConsumerIndex maps each node name to the nodes that consume it.
//
// It is a snapshot: it is not updated if the graph changes.
type ConsumerIndex struct {
	data    map[string][]*Node
	control map[string][]*Node
}

// Consumers builds the ConsumerIndex of the graph.
//
// A node reading the same producer twice (e.g. Add(x, x)) is listed twice as a data consumer.
func (g *Graph) Consumers() *ConsumerIndex {
	idx := &ConsumerIndex{
		data:    make(map[string][]*Node),
		control: make(map[string][]*Node),
	}
	for _, n := range g.nodes {
		for _, input := range n.Inputs {
			idx.data[input.Node] = append(idx.data[input.Node], n)
		}
		for _, control := range n.ControlInputs {
			idx.control[control] = append(idx.control[control], n)
		}
	}
	return idx
}

// Data returns the nodes that read any output of name, one entry per edge.
func (idx *ConsumerIndex) Data(name string) []*Node { return idx.data[name] }

// Control returns the nodes with a control dependency on name.
func (idx *ConsumerIndex) Control(name string) []*Node { return idx.control[name] }

// SoleDataConsumer returns the single data consumer of name, or nil if there are 0 or 2+ data edges
// out of it.
func (idx *ConsumerIndex) SoleDataConsumer(name string) *Node {
	list := idx.data[name]
	if len(list) == 1 {
		return list[0]
	}
	return nil
}

// HasConsumers reports whether anything, data or control, depends on name.
func (idx *ConsumerIndex) HasConsumers(name string) bool {
	return len(idx.data[name]) > 0 || len(idx.control[name]) > 0
}
