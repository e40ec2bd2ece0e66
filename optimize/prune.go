package optimize

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/inferopt/graphdef"
	"github.com/pkg/errors"
)

// PruneToOutputs returns a graph with only the nodes that outputs depend on, through data or control
// edges, in their original relative order.
//
// It fails with graphdef.ErrNoOutputs if outputs is empty, and with graphdef.ErrUnknownOutput if one
// of them is not in g. Pruning an already pruned graph returns the same graph.
func PruneToOutputs(g *graphdef.Graph, outputs []string) (*graphdef.Graph, error) {
	if len(outputs) == 0 {
		return nil, errors.WithStack(graphdef.ErrNoOutputs)
	}
	if err := checkNames(g, outputs, graphdef.ErrUnknownOutput); err != nil {
		return nil, err
	}
	reachable := reachableFrom(g, outputs)
	return g.Rewrite(func(n *graphdef.Node) []*graphdef.Node {
		if reachable.Has(n.Name) {
			return []*graphdef.Node{n}
		}
		return nil
	})
}

// reachableFrom walks backwards from names over data and control edges, and returns the set of visited
// node names. References to missing nodes are ignored.
func reachableFrom(g *graphdef.Graph, names []string) sets.Set[string] {
	visited := sets.Make[string](g.Len())
	stack := make([]string, 0, len(names))
	stack = append(stack, names...)
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited.Has(name) {
			continue
		}
		n := g.Lookup(name)
		if n == nil {
			continue
		}
		visited.Insert(name)
		for _, input := range n.Inputs {
			if !visited.Has(input.Node) {
				stack = append(stack, input.Node)
			}
		}
		for _, control := range n.ControlInputs {
			if !visited.Has(control) {
				stack = append(stack, control)
			}
		}
	}
	return visited
}

// StripToInputs replaces each of the named input nodes by a Placeholder with the same name and no
// inputs, cutting the graph at the inference boundary: whatever computed the inputs becomes
// unreachable and is dropped by the following PruneToOutputs.
//
// The Placeholder dtype is dtype, or, if dtype is dtypes.InvalidDType, the node's own "dtype" or "T"
// attribute (Float32 if it has none). A "shape" attribute is carried over.
//
// An empty inputs returns a copy of g. It fails with graphdef.ErrUnknownInput if an input is not in g.
func StripToInputs(g *graphdef.Graph, inputs []string, dtype dtypes.DType) (*graphdef.Graph, error) {
	if err := checkNames(g, inputs, graphdef.ErrUnknownInput); err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return g.Clone(), nil
	}
	inputSet := keepSet(inputs)
	return g.Rewrite(func(n *graphdef.Node) []*graphdef.Node {
		if !inputSet.Has(n.Name) || n.Op == graphdef.OpPlaceholder {
			return []*graphdef.Node{n}
		}
		placeholderDType := dtype
		if placeholderDType == dtypes.InvalidDType {
			placeholderDType = n.DTypeAttr("dtype")
		}
		if placeholderDType == dtypes.InvalidDType {
			placeholderDType = n.DTypeAttr("T")
		}
		if placeholderDType == dtypes.InvalidDType {
			placeholderDType = dtypes.Float32
		}
		placeholder := &graphdef.Node{
			Name:  n.Name,
			Op:    graphdef.OpPlaceholder,
			Attrs: graphdef.Attrs{"dtype": graphdef.DTypeAttr(placeholderDType)},
		}
		if shape, found := n.Attr("shape"); found && shape.Kind == graphdef.AttrInts {
			placeholder.Attrs["shape"] = shape
		}
		return []*graphdef.Node{placeholder}
	})
}
