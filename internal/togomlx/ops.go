package togomlx

import (
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
)

// broadcastOperands applies numpy-style broadcasting to the operands of a binary op: the lower rank
// operand is prepended with axes of dimension 1, and axes of dimension 1 are broadcast.
func broadcastOperands(lhs, rhs *Node) (*Node, *Node) {
	if lhs.Shape().Equal(rhs.Shape()) {
		return lhs, rhs
	}
	rank := max(lhs.Rank(), rhs.Rank())
	lhs, rhs = expandLeft(lhs, rank), expandLeft(rhs, rank)
	lhsDims, rhsDims := lhs.Shape().Dimensions, rhs.Shape().Dimensions
	dims := make([]int, rank)
	for axis := range rank {
		switch {
		case lhsDims[axis] == rhsDims[axis]:
			dims[axis] = lhsDims[axis]
		case lhsDims[axis] == 1:
			dims[axis] = rhsDims[axis]
		case rhsDims[axis] == 1:
			dims[axis] = lhsDims[axis]
		default:
			exceptions.Panicf("operands shaped %s and %s can't be broadcast together", lhs.Shape(), rhs.Shape())
		}
	}
	if !slices.Equal(lhsDims, dims) {
		lhs = BroadcastToDims(lhs, dims...)
	}
	if !slices.Equal(rhsDims, dims) {
		rhs = BroadcastToDims(rhs, dims...)
	}
	return lhs, rhs
}

// expandLeft reshapes x to the given rank by prepending axes of dimension 1.
func expandLeft(x *Node, rank int) *Node {
	if x.Rank() == rank {
		return x
	}
	dims := make([]int, rank)
	for axis := range dims {
		dims[axis] = 1
	}
	copy(dims[rank-x.Rank():], x.Shape().Dimensions)
	return Reshape(x, dims...)
}

// conv2D converts an NHWC convolution with an HWIO kernel.
func conv2D(x, kernel *Node, strides []int64, padding, dataFormat string) *Node {
	if dataFormat != "NHWC" {
		exceptions.Panicf("Conv2D: data_format %q not supported", dataFormat)
	}
	if len(strides) != 4 || strides[0] != 1 || strides[3] != 1 {
		exceptions.Panicf("Conv2D: strides %v not supported", strides)
	}
	conv := Convolve(x, kernel).StridePerAxis(int(strides[1]), int(strides[2]))
	switch padding {
	case "SAME":
		conv = conv.PadSame()
	case "VALID":
		conv = conv.NoPadding()
	default:
		exceptions.Panicf("Conv2D: padding %q not supported", padding)
	}
	return conv.Done()
}

// resizeBilinear resizes the spatial axes of an NHWC image to size (height, width).
//
// With both flags false it samples input position out*in/out, the legacy TensorFlow behavior: [0 1]
// resized to 4 is [0 .5 1 1].
func resizeBilinear(x *Node, size []int64, alignCorners, halfPixelCenters bool) *Node {
	if x.Rank() != 4 || len(size) != 2 {
		exceptions.Panicf("ResizeBilinear: image shaped %s and size %v not supported", x.Shape(), size)
	}
	if alignCorners && halfPixelCenters {
		exceptions.Panicf("ResizeBilinear: align_corners and half_pixel_centers can't both be set")
	}
	dims := x.Shape().Dimensions
	return Interpolate(x, dims[0], int(size[0]), int(size[1]), dims[3]).
		Bilinear().
		AlignCorner(alignCorners).
		HalfPixelCenters(halfPixelCenters).
		Done()
}

// mirrorPad pads every axis of x by mirroring its values. paddings holds the (before, after) amounts
// for each axis.
//
// REFLECT mode doesn't repeat the edge values ([1 2 3] padded by 2 is [3 2 1 2 3 2 1]), SYMMETRIC
// mode does ([2 1 1 2 3 3 2]).
func mirrorPad(x *Node, paddings []int64, mode string) *Node {
	rank := x.Rank()
	if len(paddings) != 2*rank {
		exceptions.Panicf("MirrorPad: %d paddings given for a rank %d operand", len(paddings), rank)
	}
	var offset int
	switch mode {
	case "REFLECT":
		offset = 1
	case "SYMMETRIC":
		offset = 0
	default:
		exceptions.Panicf("MirrorPad: mode %q not supported", mode)
	}
	for axis := range rank {
		before, after := int(paddings[2*axis]), int(paddings[2*axis+1])
		if before == 0 && after == 0 {
			continue
		}
		dim := x.Shape().Dimensions[axis]
		if before < 0 || after < 0 || before+offset > dim || after+offset > dim {
			exceptions.Panicf("MirrorPad: paddings (%d, %d) invalid for axis %d of dimension %d in %s mode",
				before, after, axis, dim, mode)
		}
		parts := make([]*Node, 0, before+after+1)
		for idx := before - 1 + offset; idx >= offset; idx-- {
			parts = append(parts, sliceAxis(x, axis, idx))
		}
		parts = append(parts, x)
		for k := range after {
			parts = append(parts, sliceAxis(x, axis, dim-1-offset-k))
		}
		x = Concatenate(parts, axis)
	}
	return x
}

// sliceAxis takes element idx of the given axis, keeping the axis with dimension 1.
func sliceAxis(x *Node, axis, idx int) *Node {
	specs := make([]SliceAxisSpec, x.Rank())
	for ii := range specs {
		if ii == axis {
			specs[ii] = AxisRange(idx, idx+1)
		} else {
			specs[ii] = AxisRange()
		}
	}
	return Slice(x, specs...)
}

// batchNorm normalizes the last axis of x with the given per-channel statistics:
//
//	(x - mean) * gamma / sqrt(variance + epsilon) + beta
//
// gamma may be nil, in which case it is taken as 1.
func batchNorm(x, mean, variance, beta, gamma *Node, epsilon float64) *Node {
	scale := Rsqrt(AddScalar(variance, epsilon))
	if gamma != nil {
		scale = Mul(scale, gamma)
	}
	centered, mean := broadcastOperands(x, mean)
	normalized, scale := broadcastOperands(Sub(centered, mean), scale)
	normalized, beta = broadcastOperands(Mul(normalized, scale), beta)
	return Add(normalized, beta)
}
