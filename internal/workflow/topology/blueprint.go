package topology

import (
	"github.com/kingrea/stageflow/internal/workflow"
)

// Step is one sequential phase of a blueprint. Stages in the same step have
// no dependency on each other and may be delegated together.
type Step struct {
	Index    int                `json:"index"`
	Stages   []workflow.StageID `json:"stages"`
	Parallel bool               `json:"parallel"`
}

// Blueprint is the graph grouped into sequential steps.
type Blueprint struct {
	Order []workflow.StageID `json:"order"`
	Steps []Step             `json:"steps"`
}

// Depth returns the number of sequential steps.
func (b Blueprint) Depth() int {
	return len(b.Steps)
}

// StepOf returns the index of the step containing id, or -1.
func (b Blueprint) StepOf(id workflow.StageID) int {
	for _, step := range b.Steps {
		if workflow.ContainsStage(step.Stages, id) {
			return step.Index
		}
	}
	return -1
}

// BuildBlueprint groups the topological order by longest-path level: a stage
// lands one step after its deepest dependency.
func BuildBlueprint(dag workflow.DAG) (Blueprint, error) {
	order, err := TopologicalSort(dag)
	if err != nil {
		return Blueprint{}, err
	}
	level := make(map[workflow.StageID]int, len(order))
	depth := 0
	for _, id := range order {
		lvl := 0
		for _, dep := range dag[id].Deps {
			if depLevel, ok := level[dep]; ok && depLevel+1 > lvl {
				lvl = depLevel + 1
			}
		}
		level[id] = lvl
		if lvl+1 > depth {
			depth = lvl + 1
		}
	}
	steps := make([]Step, depth)
	for i := range steps {
		steps[i].Index = i
	}
	for _, id := range order {
		lvl := level[id]
		steps[lvl].Stages = append(steps[lvl].Stages, id)
	}
	for i := range steps {
		workflow.SortStageIDs(steps[i].Stages)
		steps[i].Parallel = len(steps[i].Stages) > 1
	}
	return Blueprint{Order: order, Steps: steps}, nil
}
