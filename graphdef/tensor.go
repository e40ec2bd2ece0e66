package graphdef

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Number is the set of Go types accepted for constant tensor payloads.
type Number interface {
	float32 | float64 | int32 | int64
}

// NewTensor creates a tensor payload shaped dims from flat data (row-major).
//
// The data is copied, so the caller may reuse flat.
func NewTensor[T Number](flat []T, dims ...int) (*tensors.Tensor, error) {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dims...)
	if len(flat) != shape.Size() {
		return nil, errors.Errorf("tensor shaped %s has size %d, but %d values were given", shape, shape.Size(), len(flat))
	}
	data := make([]T, len(flat))
	copy(data, flat)
	return tensors.FromFlatDataAndDimensions[T](data, dims...), nil
}

// ConstNode returns a Const node holding t.
func ConstNode(name string, t *tensors.Tensor) *Node {
	return &Node{
		Name: name,
		Op:   OpConst,
		Attrs: Attrs{
			"value": TensorAttr(t),
			"dtype": DTypeAttr(t.DType()),
		},
	}
}

// NewConst creates a Const node from flat data, see NewTensor.
func NewConst[T Number](name string, flat []T, dims ...int) (*Node, error) {
	t, err := NewTensor(flat, dims...)
	if err != nil {
		return nil, errors.WithMessagef(err, "Const node %q", name)
	}
	return ConstNode(name, t), nil
}

// FlatData returns a copy of the flat data of the tensor payload of a Const node.
//
// It fails if n is not a Const or if its dtype is not T.
func FlatData[T Number](n *Node) ([]T, error) {
	t := n.Tensor()
	if t == nil {
		return nil, errors.Errorf("node %q (%s) is not a constant", n.Name, n.Op)
	}
	if t.DType() != dtypes.FromGenericsType[T]() {
		return nil, errors.Errorf("constant %q is %s, not %s", n.Name, t.DType(), dtypes.FromGenericsType[T]())
	}
	var flat []T
	tensors.ConstFlatData(t, func(data []T) {
		flat = make([]T, len(data))
		copy(flat, data)
	})
	return flat, nil
}

// ConstShape returns the shape of the payload of a Const node, and false for any other node.
func ConstShape(n *Node) (shapes.Shape, bool) {
	t := n.Tensor()
	if t == nil {
		return shapes.Shape{}, false
	}
	return t.Shape(), true
}
