package graphdef

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
)

// String implements fmt.Stringer, and pretty prints the graph: a summary followed by one line per node.
func (g *Graph) String() string {
	var buf bytes.Buffer
	w := func(format string, args ...any) {
		if len(args) == 0 {
			buf.WriteString(format)
		} else {
			buf.WriteString(fmt.Sprintf(format, args...))
		}
	}
	w("Graph:\n")
	w("\t# nodes:\t%d\n", len(g.nodes))
	w("\tOp types:\t%s\n", g.opHistogram())
	for _, n := range g.nodes {
		w("\t%s\n", n)
	}
	return buf.String()
}

// opHistogram returns "Op:count" pairs sorted by op name.
func (g *Graph) opHistogram() string {
	counts := make(map[string]int)
	for _, n := range g.nodes {
		counts[n.Op.String()]++
	}
	var buf bytes.Buffer
	buf.WriteString("[")
	for ii, op := range slices.Sorted(maps.Keys(counts)) {
		if ii > 0 {
			buf.WriteString(", ")
		}
		fmt.Fprintf(&buf, "%s:%d", op, counts[op])
	}
	buf.WriteString("]")
	return buf.String()
}

// CountOps returns how many nodes of each op kind the graph has.
func (g *Graph) CountOps() map[OpKind]int {
	counts := make(map[OpKind]int)
	for _, n := range g.nodes {
		counts[n.Op]++
	}
	return counts
}
