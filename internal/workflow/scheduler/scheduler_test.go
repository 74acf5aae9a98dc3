package scheduler

import (
	"testing"

	"github.com/kingrea/stageflow/internal/workflow"
)

func id(s string) workflow.StageID { return workflow.MustParseStageID(s) }

func verifyGraph() workflow.DAG {
	return workflow.DAG{
		id("DEV"):      {Deps: []workflow.StageID{}},
		id("REVIEW"):   {Deps: []workflow.StageID{id("DEV")}},
		id("SECURITY"): {Deps: []workflow.StageID{id("DEV")}},
		id("TEST"):     {Deps: []workflow.StageID{id("DEV")}},
		id("DOCS"):     {Deps: []workflow.StageID{id("REVIEW"), id("SECURITY"), id("TEST")}},
	}
}

func buildScheduler(t *testing.T, dag workflow.DAG) *Scheduler {
	t.Helper()
	sched, err := New(dag)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return sched
}

func TestSchedulerReturnsConcurrentReadyStages(t *testing.T) {
	sched := buildScheduler(t, verifyGraph())
	batch, err := sched.Runnable(RunnableRequest{
		Status:    map[workflow.StageID]workflow.StageStatus{id("DEV"): workflow.StatusCompleted},
		BatchSize: 2,
	})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if len(batch.Stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(batch.Stages))
	}
	if batch.Stages[0] != id("REVIEW") || batch.Stages[1] != id("SECURITY") {
		t.Fatalf("unexpected order: %v", workflow.StageStrings(batch.Stages))
	}
	if reason := batch.Skipped[id("TEST")]; reason.Reason != SkipReasonConcurrency {
		t.Fatalf("TEST should be deferred for concurrency, got %+v", reason)
	}
}

func TestSchedulerHonoursMaxParallel(t *testing.T) {
	sched := buildScheduler(t, verifyGraph())
	status := map[workflow.StageID]workflow.StageStatus{
		id("DEV"):    workflow.StatusCompleted,
		id("REVIEW"): workflow.StatusActive,
	}
	batch, err := sched.Runnable(RunnableRequest{Status: status, MaxParallel: 2})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if len(batch.Stages) != 1 || batch.Stages[0] != id("SECURITY") {
		t.Fatalf("expected only SECURITY, got %v", workflow.StageStrings(batch.Stages))
	}
	batch, _ = sched.Runnable(RunnableRequest{Status: status, MaxParallel: 1})
	if len(batch.Stages) != 0 || batch.Skipped[id("SECURITY")].Reason != SkipReasonConcurrency {
		t.Fatalf("max parallel reached should yield an empty batch, got %+v", batch)
	}
}

func TestSchedulerSkipsRunningStages(t *testing.T) {
	sched := buildScheduler(t, verifyGraph())
	batch, err := sched.Runnable(RunnableRequest{
		Status:  map[workflow.StageID]workflow.StageStatus{},
		Running: []workflow.StageID{id("DEV")},
	})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if len(batch.Stages) != 0 {
		t.Fatalf("expected no stages, got %v", workflow.StageStrings(batch.Stages))
	}
	if batch.Skipped[id("DEV")].Reason != SkipReasonActive {
		t.Fatalf("DEV should be skipped as already running, got %+v", batch.Skipped)
	}
}

func TestSchedulerCascadeSkipPredicate(t *testing.T) {
	sched := buildScheduler(t, verifyGraph())
	skipSecurity := func(stage workflow.StageID, _ workflow.DAG, _ map[workflow.StageID]workflow.StageStatus) (bool, string) {
		return stage.Base == workflow.StageSecurity, "no security-sensitive files changed"
	}
	batch, err := sched.Runnable(RunnableRequest{
		Status: map[workflow.StageID]workflow.StageStatus{id("DEV"): workflow.StatusCompleted},
		Skip:   skipSecurity,
	})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if len(batch.Cascade) != 1 || batch.Cascade[0] != id("SECURITY") {
		t.Fatalf("expected SECURITY cascade, got %v", workflow.StageStrings(batch.Cascade))
	}
	if len(batch.Stages) != 2 {
		t.Fatalf("expected REVIEW and TEST, got %v", workflow.StageStrings(batch.Stages))
	}
	if reason := batch.Skipped[id("SECURITY")]; reason.Reason != SkipReasonCascade || reason.Detail == "" {
		t.Fatalf("unexpected skip reason %+v", reason)
	}
}

func TestNewRejectsEmptyGraph(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatalf("expected error for empty graph")
	}
}
