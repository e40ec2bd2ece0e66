package graphdef

import "github.com/pkg/errors"

// Error kinds returned by the graph model and by the optimization passes.
//
// They are always wrapped with context (see github.com/pkg/errors), so test for them with errors.Is.
var (
	ErrNotFound          = errors.New("node not found")
	ErrDuplicateName     = errors.New("duplicate node name")
	ErrDanglingReference = errors.New("dangling reference")
	ErrCycle             = errors.New("cycle detected")
	ErrInvalidNode       = errors.New("invalid node")
	ErrUnknownInput      = errors.New("unknown input")
	ErrUnknownOutput     = errors.New("unknown output")
	ErrNoOutputs         = errors.New("no outputs requested")
)
