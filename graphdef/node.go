package graphdef

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Input is a data edge: it references output #Output of the node named Node.
type Input struct {
	Node   string
	Output int
}

// In returns a reference to the first output of the named node.
func In(name string) Input { return Input{Node: name} }

// String returns "name" for output 0, or "name:idx" otherwise.
func (in Input) String() string {
	if in.Output == 0 {
		return in.Node
	}
	return fmt.Sprintf("%s:%d", in.Node, in.Output)
}

// ParseInput parses the text form of an edge: "^name" is a control input, "name:1" references
// output 1 of name, and a bare "name" references output 0.
func ParseInput(text string) (input Input, control bool) {
	if strings.HasPrefix(text, "^") {
		return Input{Node: text[1:]}, true
	}
	if colon := strings.LastIndexByte(text, ':'); colon > 0 {
		if idx, err := strconv.Atoi(text[colon+1:]); err == nil && idx >= 0 {
			return Input{Node: text[:colon], Output: idx}, false
		}
	}
	return Input{Node: text}, false
}

// Node is one operation of a Graph.
//
// Data and control edges are kept separately: Inputs carry tensors, ControlInputs only impose an
// execution order ("run after").
type Node struct {
	Name          string
	Op            OpKind
	Inputs        []Input
	ControlInputs []string
	Attrs         Attrs
}

// NewNode creates a node from the text form of its inputs (see ParseInput).
func NewNode(name string, op OpKind, inputs []string, attrs Attrs) *Node {
	n := &Node{Name: name, Op: op, Attrs: attrs}
	for _, text := range inputs {
		input, control := ParseInput(text)
		if control {
			n.ControlInputs = append(n.ControlInputs, input.Node)
		} else {
			n.Inputs = append(n.Inputs, input)
		}
	}
	if n.Attrs == nil {
		n.Attrs = make(Attrs)
	}
	return n
}

// Clone returns a deep copy of the node, except for tensor payloads which are immutable and shared.
func (n *Node) Clone() *Node {
	return &Node{
		Name:          n.Name,
		Op:            n.Op,
		Inputs:        slices.Clone(n.Inputs),
		ControlInputs: slices.Clone(n.ControlInputs),
		Attrs:         n.Attrs.Clone(),
	}
}

// InputStrings returns the text form of all inputs, data inputs first and then "^"-prefixed control inputs.
func (n *Node) InputStrings() []string {
	texts := make([]string, 0, len(n.Inputs)+len(n.ControlInputs))
	for _, input := range n.Inputs {
		texts = append(texts, input.String())
	}
	for _, control := range n.ControlInputs {
		texts = append(texts, "^"+control)
	}
	return texts
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s = %s(%s)", n.Name, n.Op, strings.Join(n.InputStrings(), ", "))
	if len(n.Attrs) > 0 {
		names := make([]string, 0, len(n.Attrs))
		for name := range n.Attrs {
			names = append(names, name)
		}
		slices.Sort(names)
		sb.WriteString(" {")
		for ii, name := range names {
			if ii > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%s", name, n.Attrs[name])
		}
		sb.WriteString("}")
	}
	return sb.String()
}

// normalizeControlInputs drops control inputs that duplicate each other or name a node already used
// as a data input: those add no ordering constraint.
func (n *Node) normalizeControlInputs() {
	if len(n.ControlInputs) == 0 {
		return
	}
	seen := make(map[string]bool, len(n.Inputs)+len(n.ControlInputs))
	for _, input := range n.Inputs {
		seen[input.Node] = true
	}
	controls := n.ControlInputs[:0]
	for _, control := range n.ControlInputs {
		if seen[control] {
			continue
		}
		seen[control] = true
		controls = append(controls, control)
	}
	n.ControlInputs = controls
	if len(n.ControlInputs) == 0 {
		n.ControlInputs = nil
	}
}

// Attr returns the named attribute.
func (n *Node) Attr(name string) (AttrValue, bool) {
	v, found := n.Attrs[name]
	return v, found
}

// IntsAttr returns the named list of ints, or nil if missing or of a different kind.
func (n *Node) IntsAttr(name string) []int64 {
	v, found := n.Attrs[name]
	if !found || v.Kind != AttrInts {
		return nil
	}
	return v.Ints
}

// StringAttr returns the named string attribute, or defaultValue.
func (n *Node) StringAttr(name, defaultValue string) string {
	v, found := n.Attrs[name]
	if !found || v.Kind != AttrString {
		return defaultValue
	}
	return v.S
}

// BoolAttr returns the named bool attribute, or defaultValue.
func (n *Node) BoolAttr(name string, defaultValue bool) bool {
	v, found := n.Attrs[name]
	if !found || v.Kind != AttrBool {
		return defaultValue
	}
	return v.B
}

// FloatAttr returns the named float attribute, or defaultValue.
func (n *Node) FloatAttr(name string, defaultValue float64) float64 {
	v, found := n.Attrs[name]
	if !found || v.Kind != AttrFloat {
		return defaultValue
	}
	return v.F
}

// DTypeAttr returns the named dtype attribute, or dtypes.InvalidDType.
func (n *Node) DTypeAttr(name string) dtypes.DType {
	v, found := n.Attrs[name]
	if !found || v.Kind != AttrDType {
		return dtypes.InvalidDType
	}
	return v.DType
}

// Tensor returns the payload of a Const node, or nil for any other node.
func (n *Node) Tensor() *tensors.Tensor {
	if n.Op != OpConst {
		return nil
	}
	return n.Attrs["value"].Tensor
}
