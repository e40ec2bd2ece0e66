// Package togomlx converts a graphdef.Graph to GoMLX ops, so it can be executed.
//
// It is the reference executor used to check that optimized graphs compute the same values as the
// original ones. It is not optimized for speed.
package togomlx

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/inferopt/graphdef"
	"github.com/pkg/errors"
)

// Execute builds def with GoMLX, executes it once on backend and returns the values of outputs.
//
// Outputs use the text form of a data edge ("name" or "name:1"). feeds maps node names to the value
// to use for them: each Placeholder required by the outputs must be fed, and any other node may be.
func Execute(backend backends.Backend, def *graphdef.Graph, feeds map[string]*tensors.Tensor, outputs ...string) (results []*tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		results = context.MustExecOnceN(backend, context.New(), func(_ *context.Context, g *Graph) []*Node {
			feedNodes := make(map[string]*Node, len(feeds))
			for name, t := range feeds {
				feedNodes[name] = Const(g, t)
			}
			return CallGraph(g, def, feedNodes, outputs...)
		})
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "togomlx.Execute(outputs=%q)", outputs)
	}
	return results, nil
}

// CallGraph converts the part of def needed to compute outputs into GoMLX ops in g.
//
// Nodes named in feeds are not converted: the given GoMLX node is used instead.
//
// As in GoMLX graph functions, it panics in case of errors.
func CallGraph(g *Graph, def *graphdef.Graph, feeds map[string]*Node, outputs ...string) []*Node {
	if len(outputs) == 0 {
		exceptions.Panicf("togomlx.CallGraph: no outputs requested")
	}
	sorted, err := def.TopologicalOrder()
	if err != nil {
		panic(err)
	}
	outputEdges := make([]graphdef.Input, len(outputs))
	roots := make([]string, len(outputs))
	for ii, text := range outputs {
		edge, control := graphdef.ParseInput(text)
		if control {
			exceptions.Panicf("togomlx.CallGraph: output %q is a control edge", text)
		}
		outputEdges[ii] = edge
		roots[ii] = edge.Node
	}
	needed := dataDependencies(def, roots, feeds)

	converted := make(map[string][]*Node, len(needed))
	for ii, n := range sorted {
		if !needed[n.Name] {
			continue
		}
		if feed, found := feeds[n.Name]; found {
			converted[n.Name] = []*Node{feed}
			continue
		}
		err := exceptions.TryCatch[error](func() { converted[n.Name] = convertNode(g, n, converted) })
		if err != nil {
			panic(errors.WithMessagef(err, "while converting node %d out of %d: %s", ii, len(sorted), n))
		}
	}

	results := make([]*Node, len(outputEdges))
	for ii, edge := range outputEdges {
		outs, found := converted[edge.Node]
		if !found {
			exceptions.Panicf("togomlx.CallGraph: output node %q not found", edge.Node)
		}
		if edge.Output >= len(outs) {
			exceptions.Panicf("togomlx.CallGraph: output %q: node has only %d outputs", edge, len(outs))
		}
		results[ii] = outs[edge.Output]
	}
	return results
}

// dataDependencies returns the names of the nodes needed to compute roots: control edges don't carry
// values, and the inputs of fed nodes are not needed.
func dataDependencies(def *graphdef.Graph, roots []string, feeds map[string]*Node) map[string]bool {
	needed := make(map[string]bool)
	stack := append([]string(nil), roots...)
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if needed[name] {
			continue
		}
		needed[name] = true
		if _, fed := feeds[name]; fed {
			continue
		}
		n := def.Lookup(name)
		if n == nil {
			exceptions.Panicf("togomlx: node %q not found", name)
		}
		for _, input := range n.Inputs {
			stack = append(stack, input.Node)
		}
	}
	return needed
}

// convertNode converts a single node to GoMLX, given its already converted inputs.
// It returns one GoMLX node per output of n.
func convertNode(g *Graph, n *graphdef.Node, converted map[string][]*Node) []*Node {
	inputs := make([]*Node, len(n.Inputs))
	for ii, input := range n.Inputs {
		outs := converted[input.Node]
		if input.Output >= len(outs) {
			exceptions.Panicf("input %q of node %q was not converted", input, n.Name)
		}
		inputs[ii] = outs[input.Output]
	}

	switch n.Op {
	case graphdef.OpPlaceholder:
		exceptions.Panicf("Placeholder %q was not fed", n.Name)
	case graphdef.OpConst:
		return []*Node{Const(g, n.Tensor())}
	case graphdef.OpIdentity, graphdef.OpCheckNumerics:
		return []*Node{inputs[0]}
	case graphdef.OpAdd:
		lhs, rhs := broadcastOperands(inputs[0], inputs[1])
		return []*Node{Add(lhs, rhs)}
	case graphdef.OpConv2D:
		return []*Node{conv2D(inputs[0], inputs[1], n.IntsAttr("strides"), n.StringAttr("padding", ""), n.StringAttr("data_format", "NHWC"))}
	case graphdef.OpResizeBilinear:
		return []*Node{resizeBilinear(inputs[0], n.IntsAttr("size"),
			n.BoolAttr("align_corners", false), n.BoolAttr("half_pixel_centers", false))}
	case graphdef.OpMirrorPad:
		return []*Node{mirrorPad(inputs[0], n.IntsAttr("paddings"), n.StringAttr("mode", ""))}
	case graphdef.OpBatchNormWithGlobalNormalization:
		var gamma *Node
		if n.BoolAttr("scale_after_normalization", false) {
			gamma = inputs[4]
		}
		return []*Node{batchNorm(inputs[0], inputs[1], inputs[2], inputs[3], gamma, n.FloatAttr("variance_epsilon", 0))}
	case graphdef.OpFusedBatchNorm:
		if n.BoolAttr("is_training", true) {
			exceptions.Panicf("FusedBatchNorm %q: training mode not supported", n.Name)
		}
		if format := n.StringAttr("data_format", "NHWC"); format != "NHWC" {
			exceptions.Panicf("FusedBatchNorm %q: data_format %q not supported", n.Name, format)
		}
		x, scale, offset, mean, variance := inputs[0], inputs[1], inputs[2], inputs[3], inputs[4]
		y := batchNorm(x, mean, variance, offset, scale, n.FloatAttr("epsilon", 0))
		// In inference mode the batch statistics are the given population statistics.
		return []*Node{y, mean, variance, mean, variance}
	case graphdef.OpFusedResizeAndPadConv2D:
		x := resizeBilinear(inputs[0], n.IntsAttr("size"), n.BoolAttr("resize_align_corners", false), false)
		x = mirrorPad(x, n.IntsAttr("paddings"), n.StringAttr("mode", ""))
		return []*Node{conv2D(x, inputs[1], n.IntsAttr("strides"), n.StringAttr("padding", ""), "NHWC")}
	case graphdef.OpFusedPadConv2D:
		x := mirrorPad(inputs[0], n.IntsAttr("paddings"), n.StringAttr("mode", ""))
		return []*Node{conv2D(x, inputs[1], n.IntsAttr("strides"), n.StringAttr("padding", ""), "NHWC")}
	default:
		exceptions.Panicf("togomlx: unsupported op %s in node %q", n.Op, n.Name)
	}
	panic(nil) // lint.
}
