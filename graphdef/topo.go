package graphdef

import (
	"container/heap"
	"strings"

	"github.com/pkg/errors"
)

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// dependencies returns the insertion indices of the nodes n depends on (data and control), skipping
// missing ones.
func (g *Graph) dependencies(n *Node) []int {
	deps := make([]int, 0, len(n.Inputs)+len(n.ControlInputs))
	for _, input := range n.Inputs {
		if idx := g.position(input.Node); idx >= 0 {
			deps = append(deps, idx)
		}
	}
	for _, control := range n.ControlInputs {
		if idx := g.position(control); idx >= 0 {
			deps = append(deps, idx)
		}
	}
	return deps
}

// TopologicalOrder returns the nodes sorted so that every node comes after all its data and control
// dependencies. Among nodes that are ready at the same time, the one inserted first comes first, so
// a graph already in topological order is returned unchanged.
//
// It fails with ErrCycle if the graph is not a DAG. References to missing nodes are ignored.
func (g *Graph) TopologicalOrder() ([]*Node, error) {
	numNodes := len(g.nodes)
	indeg := make([]int, numNodes)
	dependants := make([][]int, numNodes)
	for ii, n := range g.nodes {
		for _, dep := range g.dependencies(n) {
			indeg[ii]++
			dependants[dep] = append(dependants[dep], ii)
		}
	}

	ready := &intMinHeap{}
	for ii := range indeg {
		if indeg[ii] == 0 {
			*ready = append(*ready, ii)
		}
	}
	heap.Init(ready)

	sorted := make([]*Node, 0, numNodes)
	for ready.Len() > 0 {
		idx := heap.Pop(ready).(int)
		sorted = append(sorted, g.nodes[idx])
		for _, dependant := range dependants[idx] {
			indeg[dependant]--
			if indeg[dependant] == 0 {
				heap.Push(ready, dependant)
			}
		}
	}
	if len(sorted) != numNodes {
		var stuck []string
		for ii, n := range g.nodes {
			if indeg[ii] > 0 {
				stuck = append(stuck, n.Name)
			}
		}
		return nil, errors.Wrapf(ErrCycle, "%d nodes in or after a cycle: %s", len(stuck), strings.Join(stuck, ", "))
	}
	return sorted, nil
}
