package topology

import (
	"errors"
	"strings"
	"testing"

	"github.com/kingrea/stageflow/internal/workflow"
)

func id(s string) workflow.StageID { return workflow.MustParseStageID(s) }

func ids(values ...string) []workflow.StageID {
	out := make([]workflow.StageID, len(values))
	for i, v := range values {
		out[i] = id(v)
	}
	return out
}

func verifyDAG() workflow.DAG {
	return workflow.DAG{
		id("PLAN"):   {Deps: []workflow.StageID{}},
		id("DEV"):    {Deps: ids("PLAN")},
		id("REVIEW"): {Deps: ids("DEV")},
		id("TEST"):   {Deps: ids("DEV")},
		id("DOCS"):   {Deps: ids("REVIEW", "TEST")},
	}
}

func joined(values []workflow.StageID) string {
	return strings.Join(workflow.StageStrings(values), ",")
}

func TestTopologicalSortIsDeterministic(t *testing.T) {
	order, err := TopologicalSort(verifyDAG())
	if err != nil {
		t.Fatalf("TopologicalSort: %v", err)
	}
	if got := joined(order); got != "PLAN,DEV,REVIEW,TEST,DOCS" {
		t.Fatalf("unexpected order %s", got)
	}
}

func TestTopologicalSortReportsCycleWitness(t *testing.T) {
	dag := workflow.DAG{
		id("DEV"):    {Deps: ids("TEST")},
		id("REVIEW"): {Deps: ids("DEV")},
		id("TEST"):   {Deps: ids("REVIEW")},
		id("DOCS"):   {Deps: []workflow.StageID{}},
	}
	_, err := TopologicalSort(dag)
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if len(cycle.Path) != 4 || cycle.Path[0] != cycle.Path[len(cycle.Path)-1] {
		t.Fatalf("witness should be a closed path, got %v", cycle.Path)
	}
	if !strings.Contains(err.Error(), "DEV -> REVIEW -> TEST -> DEV") {
		t.Fatalf("unexpected cycle message %q", err.Error())
	}
}

func TestReadyStagesRequiresFinishedDeps(t *testing.T) {
	dag := verifyDAG()
	status := map[workflow.StageID]workflow.StageStatus{
		id("PLAN"):   workflow.StatusCompleted,
		id("DEV"):    workflow.StatusCompleted,
		id("REVIEW"): workflow.StatusActive,
		id("TEST"):   workflow.StatusPending,
		id("DOCS"):   workflow.StatusPending,
	}
	if got := joined(ReadyStages(dag, status)); got != "TEST" {
		t.Fatalf("ready = %s, want TEST", got)
	}
	status[id("REVIEW")] = workflow.StatusSkipped
	status[id("TEST")] = workflow.StatusCompleted
	if got := joined(ReadyStages(dag, status)); got != "DOCS" {
		t.Fatalf("ready = %s, want DOCS", got)
	}
	status[id("REVIEW")] = workflow.StatusFailed
	if got := ReadyStages(dag, status); len(got) != 0 {
		t.Fatalf("a failed dependency must block, got %v", got)
	}
}

func TestReadyStagesNeverReturnsBlockedStage(t *testing.T) {
	dag := verifyDAG()
	statuses := []workflow.StageStatus{
		workflow.StatusPending, workflow.StatusActive, workflow.StatusCompleted,
		workflow.StatusFailed, workflow.StatusSkipped,
	}
	nodes := dag.IDs()
	total := 1
	for range nodes {
		total *= len(statuses)
	}
	for combo := 0; combo < total; combo++ {
		status := map[workflow.StageID]workflow.StageStatus{}
		n := combo
		for _, node := range nodes {
			status[node] = statuses[n%len(statuses)]
			n /= len(statuses)
		}
		for _, ready := range ReadyStages(dag, status) {
			if status[ready] != workflow.StatusPending {
				t.Fatalf("ready stage %s is %s", ready, status[ready])
			}
			for _, dep := range dag[ready].Deps {
				if !status[dep].Done() {
					t.Fatalf("ready stage %s has unfinished dep %s (%s)", ready, dep, status[dep])
				}
			}
		}
	}
}

func TestBuildBlueprintGroupsParallelSteps(t *testing.T) {
	bp, err := BuildBlueprint(verifyDAG())
	if err != nil {
		t.Fatalf("BuildBlueprint: %v", err)
	}
	if bp.Depth() != 4 {
		t.Fatalf("depth = %d, want 4", bp.Depth())
	}
	step := bp.Steps[2]
	if !step.Parallel || joined(step.Stages) != "REVIEW,TEST" {
		t.Fatalf("unexpected parallel step %+v", step)
	}
	if bp.Steps[0].Parallel || bp.StepOf(id("DOCS")) != 3 || bp.StepOf(id("FIX")) != -1 {
		t.Fatalf("unexpected blueprint %+v", bp)
	}
}

func TestBuildBlueprintUsesLongestPath(t *testing.T) {
	dag := workflow.DAG{
		id("DEV"):    {Deps: []workflow.StageID{}},
		id("REVIEW"): {Deps: ids("DEV")},
		id("TEST"):   {Deps: ids("DEV", "REVIEW")},
	}
	bp, err := BuildBlueprint(dag)
	if err != nil {
		t.Fatalf("BuildBlueprint: %v", err)
	}
	if bp.StepOf(id("TEST")) != 2 {
		t.Fatalf("TEST should follow REVIEW, got step %d", bp.StepOf(id("TEST")))
	}
}

func TestDescendantsAndAncestors(t *testing.T) {
	dag := verifyDAG()
	if got := joined(Descendants(dag, id("DEV"))); got != "DOCS,REVIEW,TEST" {
		t.Fatalf("descendants = %s", got)
	}
	if got := Descendants(dag, id("DOCS")); len(got) != 0 {
		t.Fatalf("DOCS has no descendants, got %v", got)
	}
	if got := joined(Ancestors(dag, id("DOCS"))); got != "DEV,PLAN,REVIEW,TEST" {
		t.Fatalf("ancestors = %s", got)
	}
}
