package optimize

import (
	"sort"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/inferopt/graphdef"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Rewrite is a detected optimization opportunity: it claims some existing nodes and tells what to
// emit in their place.
type Rewrite interface {
	// Name returns the rewrite type name (e.g. "FoldBatchNorm", "FuseResizePadConv").
	Name() string
	// Score returns the priority of this rewrite. Higher scores are preferred when rewrites overlap.
	Score() float32
	// Claims returns the names of the existing nodes this rewrite replaces or depends on being unchanged.
	Claims() []string
	// NewNames returns the names of the nodes this rewrite adds to the graph.
	NewNames() []string
	// Emit returns the nodes to emit in place of the claimed node n, see graphdef.Graph.Rewrite.
	Emit(n *graphdef.Node) []*graphdef.Node
}

// Detector scans a graph and returns the rewrites it finds. Preconditions that don't hold are not
// errors: the detector simply doesn't return a rewrite for that subgraph.
type Detector func(g *graphdef.Graph, consumers *graphdef.ConsumerIndex, cfg *detectConfig) []Rewrite

// detectConfig is what detectors are allowed to know about the pipeline.
type detectConfig struct {
	// dtype required from rewritten nodes, or dtypes.InvalidDType.
	dtype dtypes.DType
	// keep holds names whose values must remain observable unchanged.
	keep sets.Set[string]
}

// skipf logs why a rewrite candidate was not applied.
func skipf(pass, nodeName, format string, args ...any) {
	if klog.V(2).Enabled() {
		args = append([]any{pass, nodeName}, args...)
		klog.Infof("%s: skipping %q: "+format, args...)
	}
}

// applyDetectors runs the detectors, sorts the candidates by score descending, greedily selects
// non-overlapping rewrites, and emits the resulting graph.
//
// It returns the new graph and the number of rewrites applied.
func applyDetectors(g *graphdef.Graph, cfg *detectConfig, detectors ...Detector) (*graphdef.Graph, int, error) {
	consumers := g.Consumers()
	var candidates []Rewrite
	for _, detector := range detectors {
		candidates = append(candidates, detector(g, consumers, cfg)...)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score() > candidates[j].Score()
	})

	claimed := sets.Make[string]()
	owners := make(map[string]Rewrite)
	var applied int
	for _, cand := range candidates {
		overlap := false
		for _, name := range cand.Claims() {
			if claimed.Has(name) {
				overlap = true
				break
			}
		}
		for _, name := range cand.NewNames() {
			if claimed.Has(name) || g.Has(name) {
				overlap = true
				break
			}
		}
		if overlap {
			skipf(cand.Name(), cand.Claims()[0], "overlaps with a higher priority rewrite")
			continue
		}
		for _, name := range cand.Claims() {
			claimed.Insert(name)
			owners[name] = cand
		}
		for _, name := range cand.NewNames() {
			claimed.Insert(name)
		}
		applied++
	}
	if applied == 0 {
		return g.Clone(), 0, nil
	}

	out, err := g.Rewrite(func(n *graphdef.Node) []*graphdef.Node {
		if owner, found := owners[n.Name]; found {
			return owner.Emit(n)
		}
		return []*graphdef.Node{n}
	})
	if err != nil {
		return nil, 0, errors.WithMessage(err, "failed to apply rewrites")
	}
	return out, applied, nil
}
