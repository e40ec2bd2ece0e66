package graphdef

import (
	"fmt"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// AttrKind is the type tag of an AttrValue.
type AttrKind int

const (
	AttrInvalid AttrKind = iota
	AttrFloat
	AttrBool
	AttrString
	AttrInts
	AttrDType
	AttrTensor
)

var attrKindNames = []string{"invalid", "float", "bool", "string", "ints", "dtype", "tensor"}

func (k AttrKind) String() string {
	if int(k) < 0 || int(k) >= len(attrKindNames) {
		return fmt.Sprintf("AttrKind(%d)", int(k))
	}
	return attrKindNames[k]
}

// AttrValue is a typed attribute value. Only the field matching Kind is meaningful.
type AttrValue struct {
	Kind   AttrKind
	F      float64
	B      bool
	S      string
	Ints   []int64
	DType  dtypes.DType
	Tensor *tensors.Tensor
}

// Attrs maps attribute names to values.
type Attrs map[string]AttrValue

func FloatAttr(v float64) AttrValue { return AttrValue{Kind: AttrFloat, F: v} }
func BoolAttr(v bool) AttrValue     { return AttrValue{Kind: AttrBool, B: v} }
func StringAttr(v string) AttrValue { return AttrValue{Kind: AttrString, S: v} }

// IntsAttr creates a list of ints attribute. The slice is copied.
func IntsAttr[T int | int32 | int64](values ...T) AttrValue {
	ints := make([]int64, len(values))
	for ii, v := range values {
		ints[ii] = int64(v)
	}
	return AttrValue{Kind: AttrInts, Ints: ints}
}

func DTypeAttr(dtype dtypes.DType) AttrValue { return AttrValue{Kind: AttrDType, DType: dtype} }

// TensorAttr wraps a tensor payload. The tensor must not be modified afterwards.
func TensorAttr(t *tensors.Tensor) AttrValue { return AttrValue{Kind: AttrTensor, Tensor: t} }

// clone returns a copy that doesn't share the Ints slice. Tensors are immutable and are shared.
func (v AttrValue) clone() AttrValue {
	if v.Ints != nil {
		v.Ints = slices.Clone(v.Ints)
	}
	return v
}

// Equal compares two attribute values. Tensors are compared by identity.
func (v AttrValue) Equal(other AttrValue) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case AttrFloat:
		return v.F == other.F
	case AttrBool:
		return v.B == other.B
	case AttrString:
		return v.S == other.S
	case AttrInts:
		return slices.Equal(v.Ints, other.Ints)
	case AttrDType:
		return v.DType == other.DType
	case AttrTensor:
		return v.Tensor == other.Tensor
	}
	return true
}

func (v AttrValue) String() string {
	switch v.Kind {
	case AttrFloat:
		return fmt.Sprintf("%g", v.F)
	case AttrBool:
		return fmt.Sprintf("%t", v.B)
	case AttrString:
		return fmt.Sprintf("%q", v.S)
	case AttrInts:
		return fmt.Sprintf("%v", v.Ints)
	case AttrDType:
		return v.DType.String()
	case AttrTensor:
		if v.Tensor == nil {
			return "<nil tensor>"
		}
		return v.Tensor.Shape().String()
	}
	return "<invalid>"
}

// Clone returns a copy of the attributes map.
func (a Attrs) Clone() Attrs {
	if a == nil {
		return nil
	}
	c := make(Attrs, len(a))
	for name, v := range a {
		c[name] = v.clone()
	}
	return c
}
