// Package optimize rewrites a trained graph into an equivalent, smaller graph for inference.
//
// The passes, each taking a graph and returning a new one:
//
//   - StripToInputs: turns the requested input nodes into Placeholders.
//   - PruneToOutputs: drops every node the requested outputs don't depend on.
//   - EliminatePassThroughs: removes Identity and CheckNumerics nodes, keeping their control dependencies.
//   - FoldNormalization: folds batch normalization into the weights of the preceding convolution.
//   - FuseResizePadConv: fuses ResizeBilinear -> [MirrorPad ->] Conv2D chains into a single op.
//
// Optimize (or Optimizer.Run) runs them all as a pipeline. The given graph is never modified.
package optimize

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/inferopt/graphdef"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Optimizer holds the configuration of the optimization pipeline. Create it with New.
type Optimizer struct {
	inputs, outputs []string
	dtype           dtypes.DType
	disableFolding  bool
	disableFusion   bool
}

// New creates an Optimizer for the given boundary nodes.
//
// inputs may be empty, in which case no node is turned into a Placeholder. outputs must not be empty.
// dtype is the numeric type used for Placeholders and required from folded and fused nodes: the
// optimizer never converts tensors between dtypes. Use dtypes.InvalidDType to leave it unconstrained.
func New(inputs, outputs []string, dtype dtypes.DType) *Optimizer {
	return &Optimizer{inputs: inputs, outputs: outputs, dtype: dtype}
}

// DisableFolding disables FoldNormalization in the pipeline.
func (o *Optimizer) DisableFolding() *Optimizer {
	o.disableFolding = true
	return o
}

// DisableFusion disables FuseResizePadConv in the pipeline.
func (o *Optimizer) DisableFusion() *Optimizer {
	o.disableFusion = true
	return o
}

// Optimize runs the full pipeline, see Optimizer.Run.
func Optimize(g *graphdef.Graph, inputs, outputs []string, dtype dtypes.DType) (*graphdef.Graph, error) {
	return New(inputs, outputs, dtype).Run(g)
}

// Run validates g and applies the passes in order:
//
//	StripToInputs -> PruneToOutputs -> EliminatePassThroughs -> FoldNormalization -> FuseResizePadConv -> PruneToOutputs
//
// It returns either a valid optimized graph or an error, never a partial result.
func (o *Optimizer) Run(g *graphdef.Graph) (*graphdef.Graph, error) {
	if len(o.outputs) == 0 {
		return nil, errors.WithStack(graphdef.ErrNoOutputs)
	}
	if err := g.Validate(); err != nil {
		return nil, errors.WithMessage(err, "optimize: invalid graph")
	}
	if err := checkNames(g, o.inputs, graphdef.ErrUnknownInput); err != nil {
		return nil, err
	}
	if err := checkNames(g, o.outputs, graphdef.ErrUnknownOutput); err != nil {
		return nil, err
	}
	keep := make([]string, 0, len(o.inputs)+len(o.outputs))
	keep = append(keep, o.inputs...)
	keep = append(keep, o.outputs...)

	type pass struct {
		name string
		fn   func(*graphdef.Graph) (*graphdef.Graph, error)
	}
	passes := []pass{
		{"StripToInputs", func(g *graphdef.Graph) (*graphdef.Graph, error) { return StripToInputs(g, o.inputs, o.dtype) }},
		{"PruneToOutputs", func(g *graphdef.Graph) (*graphdef.Graph, error) { return PruneToOutputs(g, o.outputs) }},
		{"EliminatePassThroughs", func(g *graphdef.Graph) (*graphdef.Graph, error) { return EliminatePassThroughs(g, keep...) }},
	}
	if !o.disableFolding {
		passes = append(passes, pass{"FoldNormalization", func(g *graphdef.Graph) (*graphdef.Graph, error) {
			return FoldNormalization(g, o.dtype, keep...)
		}})
	}
	if !o.disableFusion {
		passes = append(passes, pass{"FuseResizePadConv", func(g *graphdef.Graph) (*graphdef.Graph, error) {
			return FuseResizePadConv(g, o.dtype, keep...)
		}})
	}
	passes = append(passes, pass{"PruneToOutputs", func(g *graphdef.Graph) (*graphdef.Graph, error) { return PruneToOutputs(g, o.outputs) }})

	for _, p := range passes {
		before := g.Len()
		var err error
		g, err = p.fn(g)
		if err != nil {
			return nil, errors.WithMessagef(err, "optimize: pass %s", p.name)
		}
		klog.V(1).Infof("optimize: %s: %d -> %d nodes", p.name, before, g.Len())
	}
	if err := g.Validate(); err != nil {
		return nil, errors.WithMessage(err, "optimize: optimized graph is invalid")
	}
	return g, nil
}

// checkNames returns kind (wrapped) for the first name not in g.
func checkNames(g *graphdef.Graph, names []string, kind error) error {
	for _, name := range names {
		if !g.Has(name) {
			return errors.Wrapf(kind, "node %q not in graph", name)
		}
	}
	return nil
}

// keepSet converts the names of nodes that must remain observable to a set.
func keepSet(keep []string) sets.Set[string] {
	s := sets.Make[string](len(keep))
	for _, name := range keep {
		s.Insert(name)
	}
	return s
}
