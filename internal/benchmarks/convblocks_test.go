package benchmarks

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"runtime"
	"testing"

	"github.com/chewxy/math32"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/inferopt/graphdef"
	"github.com/gomlx/inferopt/internal/togomlx"
	"github.com/gomlx/inferopt/optimize"
	"github.com/janpfeifer/go-benchmarks"
	"github.com/janpfeifer/must"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

var (
	flagBenchDuration = flag.Duration("bench_duration", 0, "Benchmark duration, typically use 10 seconds. If left as 0, benchmark tests are disabled")
	flagPrintGraph    = flag.Bool("print_graph", false, "Prints the original and optimized graphs")
	flagNumBlocks     = flag.Int("num_blocks", 4, "Number of resize/pad/conv/batch-norm blocks in the benchmarked graph")
)

var (
	convBlocksImageSize  = 16
	convBlocksChannels   = 8
	convBlocksBatchSizes = []int{1, 8, 32}
)

// randomFlat returns n values uniformly distributed in [-scale, scale).
func randomFlat(r *rand.Rand, n int, scale float32) []float32 {
	flat := make([]float32, n)
	for i := range flat {
		flat[i] = scale * (2*r.Float32() - 1)
	}
	return flat
}

// convBlocksGraph builds a training style graph with numBlocks blocks of
//
//	CheckNumerics -> ResizeBilinear(+2) -> MirrorPad(1) -> Conv2D(5x5, VALID) -> BatchNormWithGlobalNormalization
//
// reading from the Placeholder "images" and ending in the Identity "output". Every block keeps the
// image size and number of channels.
func convBlocksGraph(numBlocks int) *graphdef.Graph {
	r := rand.New(rand.NewPCG(42, 0))
	size, channels := convBlocksImageSize, convBlocksChannels
	g := graphdef.New()
	add := func(n *graphdef.Node) { must.M(g.AddNode(n)) }
	add(graphdef.NewNode("images", graphdef.OpPlaceholder, nil, graphdef.Attrs{"dtype": graphdef.DTypeAttr(dtypes.Float32)}))
	x := "images"
	for block := range numBlocks {
		name := func(suffix string) string { return fmt.Sprintf("block%d/%s", block, suffix) }
		add(graphdef.NewNode(name("check"), graphdef.OpCheckNumerics, []string{x}, nil))
		add(graphdef.NewNode(name("resize"), graphdef.OpResizeBilinear, []string{name("check")}, graphdef.Attrs{
			"size": graphdef.IntsAttr(size+2, size+2),
		}))
		add(graphdef.NewNode(name("pad"), graphdef.OpMirrorPad, []string{name("resize")}, graphdef.Attrs{
			"paddings": graphdef.IntsAttr(0, 0, 1, 1, 1, 1, 0, 0),
			"mode":     graphdef.StringAttr("REFLECT"),
		}))
		add(must.M1(graphdef.NewConst(name("weights"), randomFlat(r, 5*5*channels*channels, 0.1), 5, 5, channels, channels)))
		add(graphdef.NewNode(name("conv"), graphdef.OpConv2D, []string{name("pad"), name("weights")}, graphdef.Attrs{
			"T":       graphdef.DTypeAttr(dtypes.Float32),
			"strides": graphdef.IntsAttr(1, 1, 1, 1),
			"padding": graphdef.StringAttr("VALID"),
		}))
		variance := randomFlat(r, channels, 0.5)
		for i := range variance {
			variance[i] += 1
		}
		add(must.M1(graphdef.NewConst(name("mean"), randomFlat(r, channels, 1), channels)))
		add(must.M1(graphdef.NewConst(name("variance"), variance, channels)))
		add(must.M1(graphdef.NewConst(name("beta"), randomFlat(r, channels, 1), channels)))
		add(must.M1(graphdef.NewConst(name("gamma"), randomFlat(r, channels, 1), channels)))
		add(graphdef.NewNode(name("bn"), graphdef.OpBatchNormWithGlobalNormalization,
			[]string{name("conv"), name("mean"), name("variance"), name("beta"), name("gamma")}, graphdef.Attrs{
				"variance_epsilon":          graphdef.FloatAttr(1e-3),
				"scale_after_normalization": graphdef.BoolAttr(true),
			}))
		x = name("bn")
	}
	add(graphdef.NewNode("output", graphdef.OpIdentity, []string{x}, nil))
	must.M(g.Validate())
	return g
}

// convBlocksGraphs returns the original and the optimized benchmark graphs.
func convBlocksGraphs() (original, optimized *graphdef.Graph) {
	original = convBlocksGraph(*flagNumBlocks)
	optimized = must.M1(optimize.Optimize(original, []string{"images"}, []string{"output"}, dtypes.Float32))
	if *flagPrintGraph {
		fmt.Printf("Original %s\nOptimized %s\n", original, optimized)
	}
	return
}

func randomImages(batchSize int) *tensors.Tensor {
	r := rand.New(rand.NewPCG(42, 0))
	images := tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, convBlocksImageSize, convBlocksImageSize, convBlocksChannels))
	tensors.MutableFlatData[float32](images, func(flat []float32) {
		for i := range flat {
			flat[i] = r.Float32()
		}
	})
	return images
}

// newConvBlocksExec creates the executor for a benchmark graph.
func newConvBlocksExec(def *graphdef.Graph) *context.Exec {
	backend := graphtest.BuildTestBackend()
	return context.MustNewExec(backend, context.New(), func(_ *context.Context, images *Node) *Node {
		return togomlx.CallGraph(images.Graph(), def, map[string]*Node{"images": images}, "output")[0]
	})
}

func TestBenchConvBlocks(t *testing.T) {
	if testing.Short() {
		fmt.Printf("Skipping ConvBlocks benchmark test: --short is set\n")
		t.SkipNow()
	}
	if *flagBenchDuration == 0 {
		fmt.Printf("Skipping ConvBlocks benchmark test: --bench_duration is not set\n")
		t.SkipNow()
	}
	original, optimized := convBlocksGraphs()
	fmt.Printf("%d blocks: %d nodes optimized to %d nodes\n", *flagNumBlocks, original.Len(), optimized.Len())
	for _, variant := range []struct {
		name string
		def  *graphdef.Graph
	}{{"Original", original}, {"Optimized", optimized}} {
		t.Run(variant.name, func(t *testing.T) {
			exec := newConvBlocksExec(variant.def)
			defer exec.Finalize()
			for batchIdx, batchSize := range convBlocksBatchSizes {
				images := randomImages(batchSize)
				benchFn := benchmarks.NamedFunction{
					Name: fmt.Sprintf("%s/batchSize=%02d", t.Name(), batchSize),
					Func: func() {
						output := exec.MustExec1(images)
						// Force transfer to local memory: this should be part of the cost.
						tensors.ConstFlatData(output, func(flat []float32) {
							_ = flat[0]
						})
						output.FinalizeAll()
					},
				}
				runtime.LockOSThread()
				benchmarks.New(benchFn).
					WithWarmUps(16).
					WithDuration(*flagBenchDuration).
					WithHeader(batchIdx == 0).
					Done()
				runtime.UnlockOSThread()
			}
		})
	}
}

// BenchmarkConvBlocks compares executing the original and the optimized graphs.
// We try not to count the time for tensor transfers in and out.
func BenchmarkConvBlocks(b *testing.B) {
	original, optimized := convBlocksGraphs()
	originalExec := newConvBlocksExec(original)
	optimizedExec := newConvBlocksExec(optimized)
	defer originalExec.Finalize()
	defer optimizedExec.Finalize()

	// Check that both graphs compute the same values during warm-up.
	for _, batchSize := range convBlocksBatchSizes {
		images := randomImages(batchSize)
		want := originalExec.MustExec1(images)
		got := optimizedExec.MustExec1(images)
		wantFlat, gotFlat := tensors.MustCopyFlatData[float32](want), tensors.MustCopyFlatData[float32](got)
		for i := range wantFlat {
			if math32.Abs(wantFlat[i]-gotFlat[i]) > 1e-3*max(1, math32.Abs(wantFlat[i])) {
				exceptions.Panicf("batch size %d: optimized graph output #%d is %f, wanted %f", batchSize, i, gotFlat[i], wantFlat[i])
			}
		}
		want.FinalizeAll()
		got.FinalizeAll()
	}
	b.ResetTimer()

	for _, batchSize := range convBlocksBatchSizes {
		images := randomImages(batchSize)
		for _, variant := range []struct {
			name string
			exec *context.Exec
		}{{"Original", originalExec}, {"Optimized", optimizedExec}} {
			b.Run(fmt.Sprintf("%s/batchSize=%02d", variant.name, batchSize), func(b *testing.B) {
				for range b.N {
					variant.exec.MustExec1(images).FinalizeAll()
				}
			})
		}
	}
}
