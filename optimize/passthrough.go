package optimize

import (
	"github.com/gomlx/inferopt/graphdef"
	"k8s.io/klog/v2"
)

// EliminatePassThroughs bypasses the nodes that only forward their input at inference time
// (Identity and CheckNumerics).
//
// For a pass-through node V with data input X and control inputs C1..Cn, consumers reading V read X
// instead, and consumers with a control dependency on V get control dependencies on X's node and on
// C1..Cn. V itself is left in place without consumers, for the next PruneToOutputs to drop.
//
// Nodes named in keep (the requested inputs and outputs) are never bypassed: callers may look them
// up by name.
func EliminatePassThroughs(g *graphdef.Graph, keep ...string) (*graphdef.Graph, error) {
	keepNames := keepSet(keep)
	out := g.Clone()
	var count int
	for _, n := range out.Nodes() {
		if !n.Op.IsPassThrough() || len(n.Inputs) != 1 {
			continue
		}
		if keepNames.Has(n.Name) {
			klog.V(2).Infof("EliminatePassThroughs: keeping %s %q, it is a requested input/output", n.Op, n.Name)
			continue
		}
		// The node's own inputs may have been rewired by a previous elimination.
		source := n.Inputs[0]
		controls := make([]string, 0, 1+len(n.ControlInputs))
		controls = append(controls, source.Node)
		controls = append(controls, n.ControlInputs...)
		out.RewireConsumers(n.Name, source, controls...)
		count++
	}
	klog.V(1).Infof("EliminatePassThroughs: bypassed %d nodes", count)
	return out, nil
}
