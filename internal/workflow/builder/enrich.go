package builder

import (
	"fmt"
	"strings"

	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/topology"
)

// AutoGroupPrefix prefixes barrier groups inferred from ad hoc graphs.
const AutoGroupPrefix = "auto-"

// EnrichCustomDAG completes a structurally valid ad hoc graph: the quality
// safety net is applied, quality stages that share identical deps are
// clustered into barrier groups, and missing onFail/next hints are inferred
// from the topological order. It returns notes describing each addition.
func EnrichCustomDAG(dag workflow.DAG) (workflow.DAG, []string) {
	out, notes := applySafetyNet(dag.Clone())
	order, err := topology.TopologicalSort(out)
	if err != nil {
		return out, notes
	}

	for _, cluster := range qualityClusters(out, order) {
		group := nextAutoGroup(out)
		rewireSiblings(out, cluster)
		attachBarrier(out, group, cluster, nil)
		notes = append(notes, fmt.Sprintf("grouped %s into barrier %s", strings.Join(workflow.StageStrings(cluster), ", "), group))
	}

	// rewiring may add edges, so routing uses a fresh order
	order, err = topology.TopologicalSort(out)
	if err != nil {
		return out, notes
	}
	inferRouting(out, order)
	return out, notes
}

// qualityClusters returns groups of two or more barrier-free quality stages
// with identical deps, each in topological order.
func qualityClusters(dag workflow.DAG, order []workflow.StageID) [][]workflow.StageID {
	index := map[string]int{}
	var clusters [][]workflow.StageID
	for _, id := range order {
		node := dag[id]
		if !id.Base.IsQuality() || node.Barrier != nil {
			continue
		}
		key := strings.Join(workflow.StageStrings(workflow.MergeDependencies(node.Deps, nil)), ",")
		if i, ok := index[key]; ok {
			clusters[i] = append(clusters[i], id)
			continue
		}
		index[key] = len(clusters)
		clusters = append(clusters, []workflow.StageID{id})
	}
	out := clusters[:0]
	for _, cluster := range clusters {
		if len(cluster) >= 2 {
			out = append(out, cluster)
		}
	}
	return out
}

func nextAutoGroup(dag workflow.DAG) string {
	groups := dag.BarrierGroups()
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s%d", AutoGroupPrefix, n)
		if _, taken := groups[candidate]; !taken {
			return candidate
		}
	}
}

// inferRouting fills missing onFail and next hints. onFail prefers the
// latest implementation ancestor and falls back to the nearest preceding
// implementation stage in order; next is the nearest following stage outside
// any barrier. Barrier configs without a next get the first non-barrier
// stage after their last sibling.
func inferRouting(dag workflow.DAG, order []workflow.StageID) {
	position := make(map[workflow.StageID]int, len(order))
	inBarrier := map[workflow.StageID]string{}
	for i, id := range order {
		position[id] = i
		if b := dag[id].Barrier; b != nil {
			inBarrier[id] = b.Group
		}
	}
	for i, id := range order {
		node := dag[id]
		if node.OnFail == nil && id.Base.IsQuality() {
			if target, ok := implementationAncestor(dag, id, position); ok {
				node.OnFail = workflow.StageRef(target)
			} else if target, ok := precedingImplementation(order, i); ok {
				node.OnFail = workflow.StageRef(target)
			}
		}
		if node.Next == nil {
			if next, ok := nextNonBarrier(order, i, inBarrier); ok {
				node.Next = workflow.StageRef(next)
			}
		}
		dag[id] = node
	}
	for group, siblings := range dag.BarrierGroups() {
		last := -1
		for _, sibling := range siblings {
			if p, ok := position[sibling]; ok && p > last {
				last = p
			}
		}
		if last < 0 {
			continue
		}
		next, ok := nextNonBarrier(order, last, inBarrier)
		if !ok {
			continue
		}
		for _, sibling := range siblings {
			node, exists := dag[sibling]
			if !exists || node.Barrier == nil || node.Barrier.Group != group || node.Barrier.Next != nil {
				continue
			}
			node.Barrier.Next = workflow.StageRef(next)
			dag[sibling] = node
		}
	}
}

func implementationAncestor(dag workflow.DAG, id workflow.StageID, position map[workflow.StageID]int) (workflow.StageID, bool) {
	best := workflow.StageID{}
	bestPos := -1
	for _, ancestor := range topology.Ancestors(dag, id) {
		if !ancestor.Base.IsImplementation() {
			continue
		}
		if p := position[ancestor]; p > bestPos {
			best, bestPos = ancestor, p
		}
	}
	return best, bestPos >= 0
}
