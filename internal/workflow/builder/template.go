package builder

import (
	"fmt"

	"github.com/kingrea/stageflow/internal/workflow"
)

// TemplateToDAG expands a template (or an explicit stage override) into a
// graph. Repeated bases are qualified (DEV, DEV:2), each stage is chained on
// its predecessor, barrier siblings are rewired to launch together, and
// routing hints are filled from the linear order.
func TemplateToDAG(templates workflow.TemplateSet, templateID string, stages []workflow.StageType) (workflow.DAG, error) {
	tpl, err := templates.Lookup(templateID)
	if err != nil {
		return nil, err
	}
	types := stages
	if len(types) == 0 {
		types, err = tpl.StageTypes()
		if err != nil {
			return nil, err
		}
	}
	if len(types) == 0 {
		return nil, fmt.Errorf("builder: template %s has no stages", tpl.ID)
	}
	order := qualify(types)
	for _, id := range order {
		if !id.Known() {
			return nil, fmt.Errorf("builder: template %s: %w: %s", tpl.ID, workflow.ErrUnknownStage, id.Base)
		}
	}

	dag := make(workflow.DAG, len(order))
	for i, id := range order {
		node := workflow.Node{Deps: []workflow.StageID{}}
		if i > 0 {
			node.Deps = []workflow.StageID{order[i-1]}
		}
		dag[id] = node
	}

	position := make(map[workflow.StageID]int, len(order))
	for i, id := range order {
		position[id] = i
	}
	claimed := map[workflow.StageID]string{}
	var groups []barrierGroup
	for _, tb := range tpl.Barriers {
		siblings := make([]workflow.StageID, 0, len(tb.Stages))
		for _, raw := range tb.Stages {
			sid, err := workflow.ParseStageID(raw)
			if err != nil {
				continue
			}
			if _, ok := position[sid]; !ok {
				continue
			}
			if _, taken := claimed[sid]; taken || workflow.ContainsStage(siblings, sid) {
				continue
			}
			siblings = append(siblings, sid)
		}
		if len(siblings) < 2 {
			continue
		}
		sortByPosition(siblings, position)
		for _, sid := range siblings {
			claimed[sid] = tb.Group
		}
		groups = append(groups, barrierGroup{name: tb.Group, siblings: siblings})
	}
	for _, group := range groups {
		rewireSiblings(dag, group.siblings)
	}

	for i, id := range order {
		node := dag[id]
		if next, ok := nextNonBarrier(order, i, claimed); ok {
			node.Next = workflow.StageRef(next)
		}
		if id.Base.IsQuality() {
			if target, ok := precedingImplementation(order, i); ok {
				node.OnFail = workflow.StageRef(target)
			}
		}
		dag[id] = node
	}
	for _, group := range groups {
		last := position[group.siblings[len(group.siblings)-1]]
		var next *workflow.StageID
		if target, ok := nextNonBarrier(order, last, claimed); ok {
			next = workflow.StageRef(target)
		}
		attachBarrier(dag, group.name, group.siblings, next)
	}

	dag, _ = applySafetyNet(dag)
	return dag, nil
}

type barrierGroup struct {
	name     string
	siblings []workflow.StageID
}

// qualify assigns instance qualifiers to repeated bases in order.
func qualify(types []workflow.StageType) []workflow.StageID {
	seen := map[workflow.StageType]int{}
	out := make([]workflow.StageID, 0, len(types))
	for _, t := range types {
		seen[t]++
		out = append(out, workflow.NewStageID(t).WithInstance(seen[t]))
	}
	return out
}

func sortByPosition(ids []workflow.StageID, position map[workflow.StageID]int) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && position[ids[j]] < position[ids[j-1]]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

// rewireSiblings gives every sibling the first sibling's dependencies and
// makes every other dependent of a sibling wait on all of them.
func rewireSiblings(dag workflow.DAG, siblings []workflow.StageID) {
	shared := dag[siblings[0]].Deps
	shared = removeStages(shared, siblings)
	for _, sid := range siblings {
		node := dag[sid]
		node.Deps = append([]workflow.StageID{}, shared...)
		dag[sid] = node
	}
	for id, node := range dag {
		if workflow.ContainsStage(siblings, id) {
			continue
		}
		if !dependsOnAny(node, siblings) {
			continue
		}
		node.Deps = workflow.MergeDependencies(node.Deps, siblings)
		dag[id] = node
	}
}

func attachBarrier(dag workflow.DAG, group string, siblings []workflow.StageID, next *workflow.StageID) {
	for _, sid := range siblings {
		node := dag[sid]
		node.Barrier = &workflow.BarrierConfig{
			Group:    group,
			Total:    len(siblings),
			Siblings: append([]workflow.StageID(nil), siblings...),
		}
		if next != nil {
			node.Barrier.Next = workflow.StageRef(*next)
		}
		dag[sid] = node
	}
}

func nextNonBarrier(order []workflow.StageID, from int, claimed map[workflow.StageID]string) (workflow.StageID, bool) {
	for j := from + 1; j < len(order); j++ {
		if _, inBarrier := claimed[order[j]]; inBarrier {
			continue
		}
		return order[j], true
	}
	return workflow.StageID{}, false
}

func precedingImplementation(order []workflow.StageID, from int) (workflow.StageID, bool) {
	for j := from - 1; j >= 0; j-- {
		if order[j].Base.IsImplementation() {
			return order[j], true
		}
	}
	return workflow.StageID{}, false
}

func dependsOnAny(node workflow.Node, ids []workflow.StageID) bool {
	for _, id := range ids {
		if node.DependsOn(id) {
			return true
		}
	}
	return false
}

func removeStages(values, drop []workflow.StageID) []workflow.StageID {
	out := make([]workflow.StageID, 0, len(values))
	for _, v := range values {
		if !workflow.ContainsStage(drop, v) {
			out = append(out, v)
		}
	}
	return out
}
