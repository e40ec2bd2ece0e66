package optimize

import (
	"math"

	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/inferopt/graphdef"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const foldPassName = "FoldNormalization"

var foldDetectors = []Detector{detectBatchNormFolds}

// FoldNormalization folds inference-mode batch normalization into the preceding Conv2D:
//
//	scale[c]   = gamma[c] / sqrt(variance[c] + epsilon)   (gamma is 1 without scale_after_normalization)
//	weights[..., c] *= scale[c]
//	offset[c]  = beta[c] - mean[c] * scale[c]
//
// The convolution is rewritten to read a new Const with the scaled weights, and the normalization
// node is replaced by an Add (with the same name) of the convolution output and a new offset Const.
//
// Supported normalizations are BatchNormWithGlobalNormalization and FusedBatchNorm with
// is_training=false. The fold is skipped, leaving the subgraph unchanged, unless the weights and the
// normalization parameters are constants of the same float dtype (equal to dtype, if it is valid),
// and the convolution output is only read by the normalization and is not in keep.
func FoldNormalization(g *graphdef.Graph, dtype dtypes.DType, keep ...string) (*graphdef.Graph, error) {
	cfg := &detectConfig{dtype: dtype, keep: keepSet(keep)}
	out, count, err := applyDetectors(g, cfg, foldDetectors...)
	if err != nil {
		return nil, errors.WithMessage(err, foldPassName)
	}
	klog.V(1).Infof("%s: folded %d normalizations", foldPassName, count)
	return out, nil
}

// batchNormParams are the inputs of a normalization node, independent of its op.
type batchNormParams struct {
	input                       graphdef.Input
	mean, variance, beta, gamma string
	epsilon                     float64
	scaleAfterNormalization     bool
}

func batchNormParamsOf(bn *graphdef.Node) (p batchNormParams, reason string) {
	switch bn.Op {
	case graphdef.OpBatchNormWithGlobalNormalization:
		return batchNormParams{
			input:                   bn.Inputs[0],
			mean:                    bn.Inputs[1].Node,
			variance:                bn.Inputs[2].Node,
			beta:                    bn.Inputs[3].Node,
			gamma:                   bn.Inputs[4].Node,
			epsilon:                 bn.FloatAttr("variance_epsilon", 0),
			scaleAfterNormalization: bn.BoolAttr("scale_after_normalization", false),
		}, ""
	case graphdef.OpFusedBatchNorm:
		if bn.BoolAttr("is_training", true) {
			return p, "normalization is in training mode"
		}
		if format := bn.StringAttr("data_format", "NHWC"); format != "NHWC" {
			return p, "data_format " + format + " not supported"
		}
		return batchNormParams{
			input:                   bn.Inputs[0],
			gamma:                   bn.Inputs[1].Node,
			beta:                    bn.Inputs[2].Node,
			mean:                    bn.Inputs[3].Node,
			variance:                bn.Inputs[4].Node,
			epsilon:                 bn.FloatAttr("epsilon", 0),
			scaleAfterNormalization: true,
		}, ""
	}
	return p, "not a normalization"
}

// batchNormFold implements Rewrite.
type batchNormFold struct {
	conv, bn              *graphdef.Node
	foldedWeights, offset *graphdef.Node
}

func (f *batchNormFold) Name() string       { return "FoldBatchNorm" }
func (f *batchNormFold) Score() float32     { return 10 }
func (f *batchNormFold) Claims() []string   { return []string{f.conv.Name, f.bn.Name} }
func (f *batchNormFold) NewNames() []string { return []string{f.foldedWeights.Name, f.offset.Name} }

func (f *batchNormFold) Emit(n *graphdef.Node) []*graphdef.Node {
	switch n.Name {
	case f.conv.Name:
		n.Inputs[1] = graphdef.In(f.foldedWeights.Name)
		return []*graphdef.Node{f.foldedWeights.Clone(), n}
	case f.bn.Name:
		add := &graphdef.Node{
			Name:          n.Name,
			Op:            graphdef.OpAdd,
			Inputs:        []graphdef.Input{graphdef.In(f.conv.Name), graphdef.In(f.offset.Name)},
			ControlInputs: n.ControlInputs,
			Attrs:         graphdef.Attrs{"T": graphdef.DTypeAttr(f.offset.Tensor().DType())},
		}
		return []*graphdef.Node{f.offset.Clone(), add}
	}
	return []*graphdef.Node{n}
}

// detectBatchNormFolds is a Detector for Conv2D -> normalization patterns.
func detectBatchNormFolds(g *graphdef.Graph, consumers *graphdef.ConsumerIndex, cfg *detectConfig) []Rewrite {
	var rewrites []Rewrite
	for _, n := range g.Nodes() {
		if n.Op != graphdef.OpBatchNormWithGlobalNormalization && n.Op != graphdef.OpFusedBatchNorm {
			continue
		}
		fold, reason := matchBatchNormFold(g, consumers, cfg, n)
		if fold == nil {
			skipf(foldPassName, n.Name, "%s", reason)
			continue
		}
		rewrites = append(rewrites, fold)
	}
	return rewrites
}

// matchBatchNormFold checks every precondition of the fold of bn, and computes the folded constants.
// If the fold is not possible, it returns nil and the reason.
func matchBatchNormFold(g *graphdef.Graph, consumers *graphdef.ConsumerIndex, cfg *detectConfig, bn *graphdef.Node) (*batchNormFold, string) {
	p, reason := batchNormParamsOf(bn)
	if reason != "" {
		return nil, reason
	}
	// Only the normalized output of FusedBatchNorm is produced by the folded graph.
	for _, consumer := range consumers.Data(bn.Name) {
		for _, input := range consumer.Inputs {
			if input.Node == bn.Name && input.Output != 0 {
				return nil, "uses secondary outputs of " + consumer.Name
			}
		}
	}
	if bn.Op == graphdef.OpFusedBatchNorm && cfg.keep.Has(bn.Name) {
		return nil, "requested " + bn.Name + " must keep all its outputs"
	}

	conv := g.Lookup(p.input.Node)
	if conv == nil || conv.Op != graphdef.OpConv2D {
		return nil, "input is not a Conv2D"
	}
	if format := conv.StringAttr("data_format", "NHWC"); format != "NHWC" {
		return nil, "convolution data_format " + format + " not supported"
	}
	if cfg.keep.Has(conv.Name) {
		return nil, "convolution output " + conv.Name + " is requested"
	}
	if len(consumers.Data(conv.Name)) != 1 {
		return nil, "convolution output " + conv.Name + " has other consumers"
	}
	weights := g.Lookup(conv.Inputs[1].Node)
	if weights == nil || weights.Op != graphdef.OpConst {
		return nil, "convolution weights are not a constant"
	}
	weightsShape, _ := graphdef.ConstShape(weights)
	if weightsShape.Rank() != 4 {
		return nil, "convolution weights are not rank 4"
	}
	dtype := weightsShape.DType
	if cfg.dtype != dtypes.InvalidDType && dtype != cfg.dtype {
		return nil, "weights are " + dtype.String() + ", not " + cfg.dtype.String()
	}
	numChannels := weightsShape.Dimensions[3]
	for _, name := range []string{p.mean, p.variance, p.beta, p.gamma} {
		param := g.Lookup(name)
		if param == nil || param.Op != graphdef.OpConst {
			return nil, "parameter " + name + " is not a constant"
		}
		shape, _ := graphdef.ConstShape(param)
		if shape.DType != dtype || shape.Rank() != 1 || shape.Dimensions[0] != numChannels {
			return nil, "parameter " + name + " shaped " + shape.String() + " doesn't match the weights " + weightsShape.String()
		}
	}

	fold := &batchNormFold{conv: conv, bn: bn}
	foldedWeightsName := conv.Name + "_bn_folded_weights"
	offsetName := bn.Name + "_bn_offset"
	var err error
	switch dtype {
	case dtypes.Float32:
		fold.foldedWeights, fold.offset, err = foldConstants(g, p, weights, foldedWeightsName, offsetName, math32.Sqrt)
	case dtypes.Float64:
		fold.foldedWeights, fold.offset, err = foldConstants(g, p, weights, foldedWeightsName, offsetName, math.Sqrt)
	default:
		return nil, "dtype " + dtype.String() + " not supported"
	}
	if err != nil {
		return nil, err.Error()
	}
	return fold, ""
}

// foldConstants computes the scaled weights and the offset constants.
func foldConstants[T float32 | float64](g *graphdef.Graph, p batchNormParams, weights *graphdef.Node,
	foldedWeightsName, offsetName string, sqrt func(T) T) (foldedWeights, offset *graphdef.Node, err error) {
	flat := func(name string) []T {
		if err != nil {
			return nil
		}
		var values []T
		values, err = graphdef.FlatData[T](g.Lookup(name))
		return values
	}
	weightsData := flat(weights.Name)
	mean, variance, beta, gamma := flat(p.mean), flat(p.variance), flat(p.beta), flat(p.gamma)
	if err != nil {
		return nil, nil, err
	}

	numChannels := len(mean)
	scale := make([]T, numChannels)
	offsetData := make([]T, numChannels)
	epsilon := T(p.epsilon)
	for c := range numChannels {
		scale[c] = 1 / sqrt(variance[c]+epsilon)
		if p.scaleAfterNormalization {
			scale[c] *= gamma[c]
		}
		offsetData[c] = beta[c] - mean[c]*scale[c]
	}
	// Weights are shaped [height, width, inputChannels, outputChannels]: the output channel is the
	// fastest moving axis.
	scaledWeights := make([]T, len(weightsData))
	for ii, w := range weightsData {
		scaledWeights[ii] = w * scale[ii%numChannels]
	}

	weightsShape, _ := graphdef.ConstShape(weights)
	foldedWeights, err = graphdef.NewConst(foldedWeightsName, scaledWeights, weightsShape.Dimensions...)
	if err != nil {
		return nil, nil, err
	}
	offset, err = graphdef.NewConst(offsetName, offsetData, numChannels)
	if err != nil {
		return nil, nil, err
	}
	return foldedWeights, offset, nil
}
