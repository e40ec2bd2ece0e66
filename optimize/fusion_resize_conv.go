package optimize

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/inferopt/graphdef"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const fusionPassName = "FuseResizePadConv"

var fusionDetectors = []Detector{detectResizePadConv}

// FuseResizePadConv fuses the chains
//
//	ResizeBilinear -> MirrorPad -> Conv2D   into FusedResizeAndPadConv2D
//	ResizeBilinear -> Conv2D                into FusedResizeAndPadConv2D (with zero paddings)
//	MirrorPad -> Conv2D                     into FusedPadConv2D
//
// The fused node takes the name of the convolution, reads the input of the head of the chain and
// the convolution filter, and carries the resize and pad parameters as attributes. The bypassed
// ResizeBilinear/MirrorPad nodes are left without consumers, for the next PruneToOutputs to drop.
//
// A chain is only fused if every intermediate node is consumed only by the next node of the chain
// and is not in keep, the convolution is a VALID NHWC convolution with unit batch and channel
// strides (and of type dtype, if valid), the MirrorPad pads only the spatial axes, and the resize
// doesn't use half pixel centers. Otherwise the chain is left unchanged.
func FuseResizePadConv(g *graphdef.Graph, dtype dtypes.DType, keep ...string) (*graphdef.Graph, error) {
	cfg := &detectConfig{dtype: dtype, keep: keepSet(keep)}
	out, count, err := applyDetectors(g, cfg, fusionDetectors...)
	if err != nil {
		return nil, errors.WithMessage(err, fusionPassName)
	}
	klog.V(1).Infof("%s: fused %d chains", fusionPassName, count)
	return out, nil
}

// resizePadConvFusion implements Rewrite.
type resizePadConvFusion struct {
	resize, pad, conv *graphdef.Node // resize or pad may be nil, but not both.
	fused             *graphdef.Node
}

func (f *resizePadConvFusion) Name() string { return "FuseResizePadConv" }

// Score prefers the longer chains.
func (f *resizePadConvFusion) Score() float32 {
	if f.resize != nil && f.pad != nil {
		return 3
	}
	return 2
}

func (f *resizePadConvFusion) Claims() []string {
	claims := []string{f.conv.Name}
	if f.pad != nil {
		claims = append(claims, f.pad.Name)
	}
	if f.resize != nil {
		claims = append(claims, f.resize.Name)
	}
	return claims
}

// NewNames is empty: the fused node reuses the name of the convolution.
func (f *resizePadConvFusion) NewNames() []string { return nil }

func (f *resizePadConvFusion) Emit(n *graphdef.Node) []*graphdef.Node {
	if n.Name == f.conv.Name {
		return []*graphdef.Node{f.fused.Clone()}
	}
	// Intermediate nodes are kept as they are, without consumers.
	return []*graphdef.Node{n}
}

// detectResizePadConv is a Detector for the chains ending in a Conv2D.
func detectResizePadConv(g *graphdef.Graph, consumers *graphdef.ConsumerIndex, cfg *detectConfig) []Rewrite {
	var rewrites []Rewrite
	for _, n := range g.Nodes() {
		if n.Op != graphdef.OpConv2D {
			continue
		}
		head := g.Lookup(n.Inputs[0].Node)
		if head == nil || (head.Op != graphdef.OpMirrorPad && head.Op != graphdef.OpResizeBilinear) {
			continue
		}
		fusion, reason := matchResizePadConv(g, consumers, cfg, n, head)
		if fusion == nil {
			skipf(fusionPassName, n.Name, "%s", reason)
			continue
		}
		rewrites = append(rewrites, fusion)
	}
	return rewrites
}

// matchResizePadConv checks the preconditions in order, and builds the fused node.
// If the chain can't be fused it returns nil and the reason.
func matchResizePadConv(g *graphdef.Graph, consumers *graphdef.ConsumerIndex, cfg *detectConfig, conv, head *graphdef.Node) (*resizePadConvFusion, string) {
	f := &resizePadConvFusion{conv: conv}
	if head.Op == graphdef.OpMirrorPad {
		f.pad = head
		if resize := g.Lookup(head.Inputs[0].Node); resize != nil && resize.Op == graphdef.OpResizeBilinear {
			f.resize = resize
		}
	} else {
		f.resize = head
	}

	// 1. Each intermediate node is consumed only by the next node in the chain.
	if f.pad != nil {
		if reason := soleChainConsumer(consumers, cfg, f.pad, conv); reason != "" {
			return nil, reason
		}
	}
	if f.resize != nil {
		next := conv
		if f.pad != nil {
			next = f.pad
		}
		if reason := soleChainConsumer(consumers, cfg, f.resize, next); reason != "" {
			if f.pad == nil {
				return nil, reason
			}
			// The pad can still be fused alone.
			skipf(fusionPassName, conv.Name, "not fusing resize %q: %s", f.resize.Name, reason)
			f.resize = nil
		}
	}

	// 2. Padding compatibility.
	if reason := checkConvForFusion(g, conv, cfg); reason != "" {
		return nil, reason
	}
	paddings := make([]int64, 8)
	mode := "REFLECT"
	if f.pad != nil {
		paddings = f.pad.IntsAttr("paddings")
		mode = f.pad.StringAttr("mode", "")
		if reason := checkPaddings(paddings, mode); reason != "" {
			return nil, reason
		}
	}

	// 3. Resize parameters must be representable in the fused node.
	if f.resize != nil {
		if reason := checkResizeForFusion(f.resize); reason != "" {
			if f.pad == nil {
				return nil, reason
			}
			skipf(fusionPassName, conv.Name, "not fusing resize %q: %s", f.resize.Name, reason)
			f.resize = nil
		}
	}

	fused := &graphdef.Node{
		Name: conv.Name,
		Attrs: graphdef.Attrs{
			"paddings": graphdef.IntsAttr(paddings...),
			"mode":     graphdef.StringAttr(mode),
		},
	}
	for name, value := range conv.Attrs {
		if name == "strides" || name == "padding" || name == "T" || strings.HasPrefix(name, "_") {
			fused.Attrs[name] = value
		}
	}
	chainHead := head
	if f.resize != nil {
		chainHead = f.resize
		fused.Op = graphdef.OpFusedResizeAndPadConv2D
		fused.Attrs["size"] = graphdef.IntsAttr(f.resize.IntsAttr("size")...)
		fused.Attrs["resize_align_corners"] = graphdef.BoolAttr(f.resize.BoolAttr("align_corners", false))
	} else {
		fused.Op = graphdef.OpFusedPadConv2D
	}
	fused.Inputs = []graphdef.Input{chainHead.Inputs[0], conv.Inputs[1]}

	// Ordering constraints of the bypassed nodes move to the fused node.
	fused.ControlInputs = append(fused.ControlInputs, conv.ControlInputs...)
	if f.pad != nil {
		fused.ControlInputs = append(fused.ControlInputs, f.pad.ControlInputs...)
	}
	if f.resize != nil {
		fused.ControlInputs = append(fused.ControlInputs, f.resize.ControlInputs...)
	}
	f.fused = fused
	return f, ""
}

// soleChainConsumer returns a non-empty reason if n has any consumer other than a single data edge
// to next, or if n must remain observable.
func soleChainConsumer(consumers *graphdef.ConsumerIndex, cfg *detectConfig, n, next *graphdef.Node) string {
	if cfg.keep.Has(n.Name) {
		return n.Name + " is a requested input/output"
	}
	if consumers.SoleDataConsumer(n.Name) != next || len(consumers.Control(n.Name)) > 0 {
		return n.Name + " has other consumers"
	}
	return ""
}

// checkResizeForFusion checks the resize attributes the fused op can represent.
func checkResizeForFusion(resize *graphdef.Node) string {
	if resize.BoolAttr("half_pixel_centers", false) {
		return "resize with half_pixel_centers can't be fused"
	}
	if size := resize.IntsAttr("size"); len(size) != 2 || size[0] <= 0 || size[1] <= 0 {
		return fmt.Sprintf("invalid resize size %v", size)
	}
	return ""
}

// checkConvForFusion checks the convolution attributes supported by the fused ops.
func checkConvForFusion(g *graphdef.Graph, conv *graphdef.Node, cfg *detectConfig) string {
	if padding := conv.StringAttr("padding", ""); padding != "VALID" {
		return "convolution padding " + padding + " is not VALID"
	}
	if format := conv.StringAttr("data_format", "NHWC"); format != "NHWC" {
		return "convolution data_format " + format + " not supported"
	}
	strides := conv.IntsAttr("strides")
	if len(strides) != 4 || strides[0] != 1 || strides[3] != 1 || strides[1] <= 0 || strides[2] <= 0 {
		return fmt.Sprintf("convolution strides %v not supported", strides)
	}
	if cfg.dtype == dtypes.InvalidDType {
		return ""
	}
	dtype := conv.DTypeAttr("T")
	if dtype == dtypes.InvalidDType {
		// Without T the filter constant tells the type.
		if filter := g.Lookup(conv.Inputs[1].Node); filter != nil {
			if shape, ok := graphdef.ConstShape(filter); ok {
				dtype = shape.DType
			}
		}
	}
	if dtype != dtypes.InvalidDType && dtype != cfg.dtype {
		return "convolution is " + dtype.String() + ", not " + cfg.dtype.String()
	}
	return ""
}

// checkPaddings accepts only non-negative paddings of the spatial axes of an NHWC tensor.
func checkPaddings(paddings []int64, mode string) string {
	if mode != "REFLECT" && mode != "SYMMETRIC" {
		return "pad mode " + mode + " not supported"
	}
	if len(paddings) != 8 {
		return fmt.Sprintf("paddings %v are not for a rank-4 tensor", paddings)
	}
	for ii, p := range paddings {
		if p < 0 {
			return fmt.Sprintf("negative paddings %v", paddings)
		}
		axis := ii / 2
		if (axis == 0 || axis == 3) && p != 0 {
			return fmt.Sprintf("paddings %v pad the batch or channel axes", paddings)
		}
	}
	return ""
}
