package graphdef

import (
	"fmt"

	"github.com/pkg/errors"
)

// OpKind enumerates the operations the optimizer knows about.
//
// The set is closed: a node with an OpKind not listed here fails validation.
type OpKind int

const (
	OpInvalid OpKind = iota
	OpPlaceholder
	OpConst
	OpIdentity
	OpCheckNumerics
	OpAdd
	OpConv2D
	OpResizeBilinear
	OpMirrorPad
	OpBatchNormWithGlobalNormalization
	OpFusedBatchNorm
	OpFusedResizeAndPadConv2D
	OpFusedPadConv2D
)

// attrSpec describes one attribute of an op.
type attrSpec struct {
	kind     AttrKind
	required bool
}

// opSchema is the static description of an OpKind.
type opSchema struct {
	name       string
	numInputs  int
	numOutputs int
	attrs      map[string]attrSpec
}

func req(kind AttrKind) attrSpec { return attrSpec{kind: kind, required: true} }
func opt(kind AttrKind) attrSpec { return attrSpec{kind: kind} }

// Names follow the TensorFlow op names, so graphs round-trip through loaders that use them.
var opSchemas = map[OpKind]opSchema{
	OpPlaceholder: {
		name: "Placeholder", numInputs: 0, numOutputs: 1,
		attrs: map[string]attrSpec{"dtype": req(AttrDType), "shape": opt(AttrInts)},
	},
	OpConst: {
		name: "Const", numInputs: 0, numOutputs: 1,
		attrs: map[string]attrSpec{"value": req(AttrTensor), "dtype": opt(AttrDType)},
	},
	OpIdentity: {
		name: "Identity", numInputs: 1, numOutputs: 1,
		attrs: map[string]attrSpec{"T": opt(AttrDType)},
	},
	OpCheckNumerics: {
		name: "CheckNumerics", numInputs: 1, numOutputs: 1,
		attrs: map[string]attrSpec{"T": opt(AttrDType), "message": opt(AttrString)},
	},
	OpAdd: {
		name: "Add", numInputs: 2, numOutputs: 1,
		attrs: map[string]attrSpec{"T": opt(AttrDType)},
	},
	OpConv2D: {
		name: "Conv2D", numInputs: 2, numOutputs: 1,
		attrs: map[string]attrSpec{
			"T":           opt(AttrDType),
			"strides":     req(AttrInts),
			"padding":     req(AttrString),
			"data_format": opt(AttrString),
		},
	},
	OpResizeBilinear: {
		name: "ResizeBilinear", numInputs: 1, numOutputs: 1,
		attrs: map[string]attrSpec{
			"T":                  opt(AttrDType),
			"size":               req(AttrInts),
			"align_corners":      opt(AttrBool),
			"half_pixel_centers": opt(AttrBool),
		},
	},
	OpMirrorPad: {
		name: "MirrorPad", numInputs: 1, numOutputs: 1,
		attrs: map[string]attrSpec{
			"T":        opt(AttrDType),
			"paddings": req(AttrInts),
			"mode":     req(AttrString),
		},
	},
	OpBatchNormWithGlobalNormalization: {
		name: "BatchNormWithGlobalNormalization", numInputs: 5, numOutputs: 1,
		attrs: map[string]attrSpec{
			"T":                         opt(AttrDType),
			"variance_epsilon":          req(AttrFloat),
			"scale_after_normalization": req(AttrBool),
		},
	},
	OpFusedBatchNorm: {
		name: "FusedBatchNorm", numInputs: 5, numOutputs: 5,
		attrs: map[string]attrSpec{
			"T":           opt(AttrDType),
			"epsilon":     req(AttrFloat),
			"is_training": opt(AttrBool),
			"data_format": opt(AttrString),
		},
	},
	OpFusedResizeAndPadConv2D: {
		name: "FusedResizeAndPadConv2D", numInputs: 2, numOutputs: 1,
		attrs: map[string]attrSpec{
			"T":                    opt(AttrDType),
			"size":                 req(AttrInts),
			"resize_align_corners": req(AttrBool),
			"paddings":             req(AttrInts),
			"mode":                 req(AttrString),
			"strides":              req(AttrInts),
			"padding":              req(AttrString),
		},
	},
	OpFusedPadConv2D: {
		name: "FusedPadConv2D", numInputs: 2, numOutputs: 1,
		attrs: map[string]attrSpec{
			"T":        opt(AttrDType),
			"paddings": req(AttrInts),
			"mode":     req(AttrString),
			"strides":  req(AttrInts),
			"padding":  req(AttrString),
		},
	},
}

var opsByName = func() map[string]OpKind {
	m := make(map[string]OpKind, len(opSchemas))
	for op, schema := range opSchemas {
		m[schema.name] = op
	}
	return m
}()

// String returns the op name, e.g. "Conv2D".
func (op OpKind) String() string {
	if schema, found := opSchemas[op]; found {
		return schema.name
	}
	return fmt.Sprintf("OpKind(%d)", int(op))
}

// NumInputs returns the number of data inputs op takes.
func (op OpKind) NumInputs() int {
	return opSchemas[op].numInputs
}

// NumOutputs returns the number of data outputs op produces. It is 0 for unknown ops.
func (op OpKind) NumOutputs() int {
	return opSchemas[op].numOutputs
}

// IsPassThrough reports whether op forwards its only input unchanged at inference time.
func (op OpKind) IsPassThrough() bool {
	return op == OpIdentity || op == OpCheckNumerics
}

// ParseOpKind converts an op name (e.g. "MirrorPad") to its OpKind.
func ParseOpKind(name string) (OpKind, error) {
	op, found := opsByName[name]
	if !found {
		return OpInvalid, errors.Errorf("unknown op %q", name)
	}
	return op, nil
}

// validateSchema checks the node against the static schema of its op.
func (n *Node) validateSchema() error {
	schema, found := opSchemas[n.Op]
	if !found {
		return errors.Wrapf(ErrInvalidNode, "node %q has unknown op %s", n.Name, n.Op)
	}
	if n.Name == "" {
		return errors.Wrapf(ErrInvalidNode, "%s node without a name", n.Op)
	}
	if len(n.Inputs) != n.Op.NumInputs() {
		return errors.Wrapf(ErrInvalidNode, "node %q (%s) takes %d data inputs, got %d",
			n.Name, n.Op, n.Op.NumInputs(), len(n.Inputs))
	}
	for ii, input := range n.Inputs {
		if input.Node == "" || input.Output < 0 {
			return errors.Wrapf(ErrInvalidNode, "node %q (%s) has invalid input #%d %q", n.Name, n.Op, ii, input)
		}
	}
	for _, control := range n.ControlInputs {
		if control == "" {
			return errors.Wrapf(ErrInvalidNode, "node %q (%s) has an empty control input", n.Name, n.Op)
		}
	}
	for attrName, spec := range schema.attrs {
		value, found := n.Attrs[attrName]
		if !found {
			if spec.required {
				return errors.Wrapf(ErrInvalidNode, "node %q (%s) is missing attribute %q", n.Name, n.Op, attrName)
			}
			continue
		}
		if value.Kind != spec.kind {
			return errors.Wrapf(ErrInvalidNode, "node %q (%s) attribute %q must be %s, got %s",
				n.Name, n.Op, attrName, spec.kind, value.Kind)
		}
	}
	if n.Op == OpConst {
		value := n.Attrs["value"]
		if value.Tensor == nil {
			return errors.Wrapf(ErrInvalidNode, "Const node %q has a nil tensor", n.Name)
		}
		if dtypeAttr, found := n.Attrs["dtype"]; found && dtypeAttr.DType != value.Tensor.DType() {
			return errors.Wrapf(ErrInvalidNode, "Const node %q has dtype %s but its value is %s",
				n.Name, dtypeAttr.DType, value.Tensor.DType())
		}
	}
	return nil
}
