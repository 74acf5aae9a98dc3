package builder

import (
	"errors"
	"fmt"
	"sort"

	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/topology"
)

// ErrEmptyDAG is reported for a graph without nodes.
var ErrEmptyDAG = errors.New("builder: graph has no stages")

// StageError describes a structural problem with one stage.
type StageError struct {
	Stage   workflow.StageID
	Field   string
	Message string
}

func (e *StageError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("stage %s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("stage %s: %s: %s", e.Stage, e.Field, e.Message)
}

// ValidateDAG runs the structural checks and cycle detection, returning
// every problem found. An empty result means the graph is valid.
func ValidateDAG(dag workflow.DAG) []error {
	if len(dag) == 0 {
		return []error{ErrEmptyDAG}
	}
	var errs []error
	report := func(id workflow.StageID, field, format string, args ...any) {
		errs = append(errs, &StageError{Stage: id, Field: field, Message: fmt.Sprintf(format, args...)})
	}

	checkedGroups := map[string]bool{}
	for _, id := range dag.IDs() {
		node := dag[id]
		if !id.Known() {
			report(id, "", "unknown stage type %q", id.Base)
		}
		seen := map[workflow.StageID]bool{}
		for _, dep := range node.Deps {
			switch {
			case dep == id:
				report(id, "deps", "depends on itself")
			case !dag.Has(dep):
				report(id, "deps", "references missing stage %s", dep)
			case seen[dep]:
				report(id, "deps", "duplicate dependency %s", dep)
			}
			seen[dep] = true
		}
		if node.OnFail != nil {
			switch {
			case !dag.Has(*node.OnFail):
				report(id, "onFail", "references missing stage %s", *node.OnFail)
			case !node.OnFail.Base.IsImplementation():
				report(id, "onFail", "%s is not an implementation stage", *node.OnFail)
			}
		}
		if node.Next != nil && !dag.Has(*node.Next) {
			report(id, "next", "references missing stage %s", *node.Next)
		}
		if node.MaxRetries != nil && *node.MaxRetries < 0 {
			report(id, "maxRetries", "must not be negative (got %d)", *node.MaxRetries)
		}
		if node.Barrier != nil {
			errs = append(errs, validateBarrier(dag, id, *node.Barrier, checkedGroups)...)
		}
	}

	if _, err := topology.TopologicalSort(dag); err != nil {
		errs = append(errs, err)
	}
	return errs
}

func validateBarrier(dag workflow.DAG, id workflow.StageID, cfg workflow.BarrierConfig, checked map[string]bool) []error {
	var errs []error
	report := func(format string, args ...any) {
		errs = append(errs, &StageError{Stage: id, Field: "barrier", Message: fmt.Sprintf(format, args...)})
	}
	if cfg.Group == "" {
		report("group name is required")
		return errs
	}
	if !workflow.ContainsStage(cfg.Siblings, id) {
		report("group %s does not list the stage as a sibling", cfg.Group)
	}
	if checked[cfg.Group] {
		return errs
	}
	checked[cfg.Group] = true
	if len(cfg.Siblings) < 2 {
		report("group %s needs at least two siblings", cfg.Group)
	}
	if cfg.Total != len(cfg.Siblings) {
		report("group %s total %d does not match %d siblings", cfg.Group, cfg.Total, len(cfg.Siblings))
	}
	if cfg.Next != nil && !dag.Has(*cfg.Next) {
		report("group %s next references missing stage %s", cfg.Group, *cfg.Next)
	}
	var first []workflow.StageID
	for i, sibling := range cfg.Siblings {
		node, ok := dag[sibling]
		if !ok {
			report("group %s sibling %s does not exist", cfg.Group, sibling)
			continue
		}
		if node.Barrier == nil || node.Barrier.Group != cfg.Group {
			report("group %s sibling %s does not carry the group", cfg.Group, sibling)
		}
		if i == 0 {
			first = node.Deps
			continue
		}
		if !workflow.SameDependencies(first, node.Deps) {
			report("group %s siblings %s and %s have different deps", cfg.Group, cfg.Siblings[0], sibling)
		}
	}
	// group members that are not listed as siblings
	var strays []workflow.StageID
	for other, node := range dag {
		if node.Barrier != nil && node.Barrier.Group == cfg.Group && !workflow.ContainsStage(cfg.Siblings, other) {
			strays = append(strays, other)
		}
	}
	sort.Slice(strays, func(i, j int) bool { return strays[i].Less(strays[j]) })
	for _, stray := range strays {
		report("group %s is carried by %s which is not a listed sibling", cfg.Group, stray)
	}
	return errs
}
