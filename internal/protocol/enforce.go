package protocol

import (
	"fmt"

	"github.com/kingrea/stageflow/internal/workflow"
)

// PolicyView is the slice of workflow state EnforcePolicy reads.
type PolicyView struct {
	DAG          workflow.DAG
	ActiveStages []workflow.StageID
	// Retries is the number of recedes already spent on the stage.
	Retries int
	// MaxRetries is the stage's retry ceiling.
	MaxRetries int
}

// RecedeTarget returns the stage a FAIL on stage recedes to, if the graph
// has it.
func RecedeTarget(dag workflow.DAG, stage workflow.StageID) (workflow.StageID, bool) {
	node, ok := dag[stage]
	if !ok || node.OnFail == nil {
		return workflow.StageID{}, false
	}
	if !dag.Has(*node.OnFail) {
		return workflow.StageID{}, false
	}
	return *node.OnFail, true
}

// EnforcePolicy applies workflow rules to an already validated route and
// returns one annotation per forced change. Violations are corrected, never
// rejected.
func EnforcePolicy(r Route, view PolicyView, stage workflow.StageID) (Route, []string) {
	var notes []string
	force := func(kind Kind, format string, args ...any) {
		notes = append(notes, fmt.Sprintf(format, args...))
		r.Route = kind
	}
	node, inGraph := view.DAG[stage]

	if inGraph && node.Barrier != nil {
		if r.Route != RouteBarrier && siblingActive(node.Barrier, stage, view.ActiveStages) {
			force(RouteBarrier, "barrier siblings of %s still active, forcing BARRIER", stage)
		}
		if r.Route == RouteBarrier && r.BarrierGroup != node.Barrier.Group {
			if r.BarrierGroup != "" && r.BarrierGroup != DefaultBarrierGroup {
				notes = append(notes, fmt.Sprintf("barrier group %q replaced with %q", r.BarrierGroup, node.Barrier.Group))
			}
			r.BarrierGroup = node.Barrier.Group
		}
		return r, notes
	}
	if r.Route == RouteBarrier {
		kind := RouteNext
		if r.Verdict.Failed() {
			kind = RouteDev
		}
		force(kind, "%s is not in a barrier, forcing %s", stage, kind)
		r.BarrierGroup = ""
	}
	if r.Verdict.Failed() && r.Route == RouteComplete {
		force(RouteDev, "FAIL cannot complete the workflow, forcing DEV")
	}
	if r.Route != RouteDev {
		return r, notes
	}
	if r.Passed() {
		force(RouteNext, "PASS with recede is contradictory, forcing NEXT")
		return r, notes
	}
	if view.MaxRetries >= 0 && view.Retries >= view.MaxRetries {
		force(RouteNext, "retry ceiling %d reached for %s, forcing NEXT", view.MaxRetries, stage)
		return r, notes
	}
	if _, ok := RecedeTarget(view.DAG, stage); !ok {
		force(RouteNext, "FAIL but no recede available, forcing continue")
	}
	return r, notes
}

func siblingActive(cfg *workflow.BarrierConfig, stage workflow.StageID, active []workflow.StageID) bool {
	for _, sibling := range cfg.Siblings {
		if sibling != stage && workflow.ContainsStage(active, sibling) {
			return true
		}
	}
	return false
}
