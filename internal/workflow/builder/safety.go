package builder

import (
	"fmt"

	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/topology"
)

// SafetyNetGroup names the barrier formed by injected quality stages.
const SafetyNetGroup = "safety-net"

// needsSafetyNet reports whether the graph has implementation work with no
// quality gate at all. A lone FIX stage is exempt.
func needsSafetyNet(dag workflow.DAG) bool {
	if !dag.HasKind(workflow.KindImplementation) || dag.HasKind(workflow.KindQuality) {
		return false
	}
	if len(dag) == 1 {
		for id := range dag {
			if id.Base == workflow.StageFix {
				return false
			}
		}
	}
	return true
}

// applySafetyNet injects REVIEW and TEST after the final implementation stage
// when the graph has no quality stage. The injected pair forms a barrier and
// the former dependents of the implementation stage wait on it.
func applySafetyNet(dag workflow.DAG) (workflow.DAG, []string) {
	if !needsSafetyNet(dag) {
		return dag, nil
	}
	order, err := topology.TopologicalSort(dag)
	if err != nil {
		return dag, nil
	}
	var last workflow.StageID
	for _, id := range order {
		if id.Base.IsImplementation() {
			last = id
		}
	}
	out := dag.Clone()
	review := out.NextInstance(workflow.StageReview)
	test := out.NextInstance(workflow.StageTest)
	siblings := []workflow.StageID{review, test}

	dependents := out.Dependents(last)
	for _, dependent := range dependents {
		node := out[dependent]
		node.Deps = workflow.MergeDependencies(node.Deps, siblings)
		out[dependent] = node
	}
	next := out[last].Next
	for _, sid := range siblings {
		node := workflow.Node{
			Deps:   []workflow.StageID{last},
			OnFail: workflow.StageRef(last),
		}
		if next != nil {
			node.Next = workflow.StageRef(*next)
		}
		out[sid] = node
	}
	attachBarrier(out, uniqueGroup(out, SafetyNetGroup), siblings, next)
	note := fmt.Sprintf("added %s and %s after %s: graph had no quality stage", review, test, last)
	return out, []string{note}
}

func uniqueGroup(dag workflow.DAG, base string) string {
	groups := dag.BarrierGroups()
	if _, taken := groups[base]; !taken {
		return base
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s-%d", base, n)
		if _, taken := groups[candidate]; !taken {
			return candidate
		}
	}
}
