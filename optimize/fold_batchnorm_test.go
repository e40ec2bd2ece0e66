package optimize

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/inferopt/graphdef"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	foldInputValues   = []float32{1, 4, 2, 5, 3, 6, -1, -4, -2, -5, -3, -6}
	foldWeightsValues = []float32{1, 2, 3, 4, 0.1, 0.2, 0.3, 0.4}
)

// batchNormGraphNodes returns the nodes of input -> Conv2D(SAME) -> BatchNormWithGlobalNormalization("output").
func batchNormGraphNodes(scaleAfterNormalization bool) []*graphdef.Node {
	return []*graphdef.Node{
		constNode("input", foldInputValues, 1, 1, 6, 2),
		constNode("weights", foldWeightsValues, 1, 2, 2, 2),
		conv2DOp("conv_op", "input", "weights", "SAME"),
		constNode("mean", []float32{10, 20}, 2),
		constNode("variance", []float32{0.25, 0.5}, 2),
		constNode("beta", []float32{0.1, 0.6}, 2),
		constNode("gamma", []float32{1, 2}, 2),
		graphdef.NewNode("output", graphdef.OpBatchNormWithGlobalNormalization,
			[]string{"conv_op", "mean", "variance", "beta", "gamma"}, graphdef.Attrs{
				"variance_epsilon":          graphdef.FloatAttr(1e-5),
				"scale_after_normalization": graphdef.BoolAttr(scaleAfterNormalization),
			}),
	}
}

// fusedBatchNormOp creates an inference FusedBatchNorm reading the parameters from nodes named after it.
func fusedBatchNormOp(name, input string) *graphdef.Node {
	return graphdef.NewNode(name, graphdef.OpFusedBatchNorm,
		[]string{input, name + "_scale", name + "_offset", name + "_mean", name + "_variance"}, graphdef.Attrs{
			"epsilon":     graphdef.FloatAttr(1e-3),
			"is_training": graphdef.BoolAttr(false),
		})
}

func fusedBatchNormParams(name string) []*graphdef.Node {
	return []*graphdef.Node{
		constNode(name+"_scale", []float32{0.5, 1.5, -1}, 3),
		constNode(name+"_offset", []float32{0, 0.3, -0.7}, 3),
		constNode(name+"_mean", []float32{0.2, -0.1, 1}, 3),
		constNode(name+"_variance", []float32{0.3, 1.2, 0.05}, 3),
	}
}

func TestFoldBatchNormWithGlobalNormalization(t *testing.T) {
	for _, scaleAfterNormalization := range []bool{false, true} {
		t.Run(fmt.Sprintf("scale_after_normalization=%v", scaleAfterNormalization), func(t *testing.T) {
			g := buildGraph(t, batchNormGraphNodes(scaleAfterNormalization)...)
			folded, err := FoldNormalization(g, dtypes.Float32)
			require.NoError(t, err)
			require.NoError(t, folded.Validate())
			requireNoOps(t, folded, graphdef.OpBatchNormWithGlobalNormalization)

			conv := must.M1(folded.Node("conv_op"))
			assert.Equal(t, []graphdef.Input{graphdef.In("input"), graphdef.In("conv_op_bn_folded_weights")}, conv.Inputs)
			output := must.M1(folded.Node("output"))
			assert.Equal(t, graphdef.OpAdd, output.Op)
			assert.Equal(t, []graphdef.Input{graphdef.In("conv_op"), graphdef.In("output_bn_offset")}, output.Inputs)
			// New constants are emitted right before their first reader.
			names := folded.Names()
			assert.Less(t, slices.Index(names, "conv_op_bn_folded_weights"), slices.Index(names, "conv_op"))
			assert.Less(t, slices.Index(names, "output_bn_offset"), slices.Index(names, "output"))

			requireSameOutputs(t, g, folded, nil, "output")

			pruned := must.M1(PruneToOutputs(folded, []string{"output"}))
			assert.Equal(t, []string{"input", "conv_op_bn_folded_weights", "conv_op", "output_bn_offset", "output"}, pruned.Names())
		})
	}
}

func TestFoldBatchNormValues(t *testing.T) {
	g := buildGraph(t, batchNormGraphNodes(true)...)
	folded := must.M1(FoldNormalization(g, dtypes.Float32))
	// scale = gamma / sqrt(variance + 1e-5) ~= [2, 2.8284]
	weights := must.M1(graphdef.FlatData[float32](must.M1(folded.Node("conv_op_bn_folded_weights"))))
	want := []float32{2, 5.65685, 6, 11.3137, 0.2, 0.565685, 0.6, 1.13137}
	require.Len(t, weights, len(want))
	for i := range want {
		assert.InDelta(t, want[i], weights[i], 1e-3, "weights[%d]", i)
	}
	// offset = beta - mean * scale
	offset := must.M1(graphdef.FlatData[float32](must.M1(folded.Node("output_bn_offset"))))
	require.Len(t, offset, 2)
	assert.InDelta(t, 0.1-10*2, offset[0], 1e-2)
	assert.InDelta(t, 0.6-20*2.828427, offset[1], 1e-2)
}

func TestFoldFusedBatchNorm(t *testing.T) {
	nodes := []*graphdef.Node{
		placeholderOp("image"),
		constNode("weights", []float32{
			0.1, -0.2, 0.3, 0.4, 0.5, -0.6,
			0.7, 0.8, -0.9, 1.0, 1.1, 1.2,
		}, 2, 1, 2, 3),
		conv2DOp("conv", "image", "weights", "VALID"),
	}
	nodes = append(nodes, fusedBatchNormParams("bn")...)
	nodes = append(nodes, fusedBatchNormOp("bn", "conv"), identityOp("output", "bn"))
	g := buildGraph(t, nodes...)

	optimized, err := Optimize(g, []string{"image"}, []string{"output"}, dtypes.Float32)
	require.NoError(t, err)
	requireNoOps(t, optimized, graphdef.OpFusedBatchNorm)
	bn := must.M1(optimized.Node("bn"))
	assert.Equal(t, graphdef.OpAdd, bn.Op)

	feeds := map[string]*tensors.Tensor{"image": randomTensor(rand.New(rand.NewPCG(1, 2)), 2, 5, 4, 2)}
	requireSameOutputs(t, g, optimized, feeds, "output")
}

func TestFoldFloat64(t *testing.T) {
	conv := conv2DOp("conv", "input", "weights", "SAME")
	conv.Attrs["T"] = graphdef.DTypeAttr(dtypes.Float64)
	g := buildGraph(t,
		must.M1(graphdef.NewConst("input", []float64{1, 4, 2, 5, 3, 6, -1, -4, -2, -5, -3, -6}, 1, 2, 3, 2)),
		must.M1(graphdef.NewConst("weights", []float64{1, 2, 3, 4}, 1, 1, 2, 2)),
		conv,
		must.M1(graphdef.NewConst("bn_scale", []float64{2, 0.5}, 2)),
		must.M1(graphdef.NewConst("bn_offset", []float64{0.1, 0.2}, 2)),
		must.M1(graphdef.NewConst("bn_mean", []float64{1, -1}, 2)),
		must.M1(graphdef.NewConst("bn_variance", []float64{4, 0.25}, 2)),
		fusedBatchNormOp("bn", "conv"),
	)

	// Not folded for a different target dtype.
	skipped := must.M1(FoldNormalization(g, dtypes.Float32))
	assert.Equal(t, g.String(), skipped.String())

	folded := must.M1(FoldNormalization(g, dtypes.Float64))
	requireNoOps(t, folded, graphdef.OpFusedBatchNorm)
	assert.Equal(t, dtypes.Float64, must.M1(folded.Node("bn")).DTypeAttr("T"))
	requireSameOutputs(t, g, folded, nil, "bn")
}

func TestFoldNormalizationSkips(t *testing.T) {
	// requireNotFolded checks that the fold leaves g unchanged.
	requireNotFolded := func(t *testing.T, g *graphdef.Graph, keep ...string) {
		t.Helper()
		out, err := FoldNormalization(g, dtypes.Float32, keep...)
		require.NoError(t, err)
		assert.Equal(t, g.String(), out.String())
	}

	t.Run("SharedConvOutput", func(t *testing.T) {
		nodes := append(batchNormGraphNodes(true), addOp("other", "conv_op", "conv_op"))
		requireNotFolded(t, buildGraph(t, nodes...))
	})

	t.Run("RequestedConvOutput", func(t *testing.T) {
		requireNotFolded(t, buildGraph(t, batchNormGraphNodes(true)...), "output", "conv_op")
	})

	t.Run("NonConstantWeights", func(t *testing.T) {
		nodes := batchNormGraphNodes(true)
		nodes[1] = constNode("weights_value", foldWeightsValues, 1, 2, 2, 2)
		nodes = append(nodes, identityOp("weights", "weights_value"))
		g := buildGraph(t, nodes...)
		requireNotFolded(t, g)

		// Once the Identity is eliminated the weights are constant.
		optimized := must.M1(Optimize(g, nil, []string{"output"}, dtypes.Float32))
		requireNoOps(t, optimized, graphdef.OpBatchNormWithGlobalNormalization, graphdef.OpIdentity)
		requireSameOutputs(t, g, optimized, nil, "output")
	})

	t.Run("ParameterShape", func(t *testing.T) {
		nodes := batchNormGraphNodes(true)
		nodes[3] = constNode("mean", []float32{10, 20, 30}, 3)
		requireNotFolded(t, buildGraph(t, nodes...))
	})

	t.Run("NotAConvolution", func(t *testing.T) {
		nodes := batchNormGraphNodes(true)
		nodes[2] = addOp("conv_op", "input", "input")
		requireNotFolded(t, buildGraph(t, nodes...))
	})

	t.Run("Training", func(t *testing.T) {
		nodes := []*graphdef.Node{
			constNode("input", foldInputValues, 1, 1, 2, 6),
			constNode("weights", make([]float32, 18), 1, 1, 6, 3),
			conv2DOp("conv", "input", "weights", "VALID"),
		}
		nodes = append(nodes, fusedBatchNormParams("bn")...)
		bn := fusedBatchNormOp("bn", "conv")
		bn.Attrs["is_training"] = graphdef.BoolAttr(true)
		requireNotFolded(t, buildGraph(t, append(nodes, bn)...))
	})

	t.Run("SecondaryOutputs", func(t *testing.T) {
		nodes := []*graphdef.Node{
			constNode("input", foldInputValues, 1, 1, 2, 6),
			constNode("weights", make([]float32, 18), 1, 1, 6, 3),
			conv2DOp("conv", "input", "weights", "VALID"),
		}
		nodes = append(nodes, fusedBatchNormParams("bn")...)
		nodes = append(nodes, fusedBatchNormOp("bn", "conv"), addOp("sum", "bn", "bn:1"))
		requireNotFolded(t, buildGraph(t, nodes...))
	})

	t.Run("RequestedFusedBatchNorm", func(t *testing.T) {
		// Folding would leave "bn" as an Add with a single output.
		nodes := []*graphdef.Node{
			constNode("input", foldInputValues, 1, 1, 2, 6),
			constNode("weights", make([]float32, 18), 1, 1, 6, 3),
			conv2DOp("conv", "input", "weights", "VALID"),
		}
		nodes = append(nodes, fusedBatchNormParams("bn")...)
		nodes = append(nodes, fusedBatchNormOp("bn", "conv"))
		requireNotFolded(t, buildGraph(t, nodes...), "bn")
	})

	t.Run("NameCollision", func(t *testing.T) {
		nodes := append(batchNormGraphNodes(true), constNode("conv_op_bn_folded_weights", []float32{0}))
		requireNotFolded(t, buildGraph(t, nodes...))
	})
}
