package engine

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/kingrea/stageflow/internal/store"
	"github.com/kingrea/stageflow/internal/workflow"
)

func linearDAG() workflow.DAG {
	return workflow.DAG{
		id("DEV"):    {Deps: []workflow.StageID{}},
		id("REVIEW"): {Deps: []workflow.StageID{id("DEV")}, OnFail: workflow.StageRef(id("DEV"))},
	}
}

func TestDerivePhase(t *testing.T) {
	completed := NewState("s", epoch)
	completed.DAG = linearDAG()
	completed.update(id("DEV"), func(r *StageRecord) { r.Status = workflow.StatusCompleted })

	active := completed.Clone()
	active.PipelineActive = true
	active.activate(id("REVIEW"))

	retrying := active.Clone()
	retrying.PendingRetry = &PendingRetry{Stage: id("REVIEW"), Target: id("DEV")}

	classified := completed.Clone()
	classified.PipelineActive = true

	inactiveFresh := NewState("s", epoch)
	inactiveFresh.DAG = linearDAG()

	cases := []struct {
		name  string
		state WorkflowState
		want  Phase
	}{
		{"idle", NewState("s", epoch), PhaseIdle},
		{"complete", completed, PhaseComplete},
		{"retrying wins over active", retrying, PhaseRetrying},
		{"delegating", active, PhaseDelegating},
		{"classified", classified, PhaseClassified},
		{"inactive graph with nothing done", inactiveFresh, PhaseClassified},
	}
	for _, tc := range cases {
		if got := DerivePhase(tc.state); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestStateCloneIsDeep(t *testing.T) {
	s := NewState("s", epoch)
	s.DAG = linearDAG()
	s.update(id("DEV"), func(r *StageRecord) { r.Status = workflow.StatusActive })
	s.activate(id("DEV"))
	increment(&s.Retries, id("REVIEW"))
	s.PendingRetry = &PendingRetry{Stage: id("REVIEW"), Failed: []workflow.StageID{id("REVIEW")}, Target: id("DEV")}

	clone := s.Clone()
	clone.update(id("DEV"), func(r *StageRecord) { r.Status = workflow.StatusCompleted })
	clone.deactivate(id("DEV"))
	clone.Retries[id("REVIEW")] = 9
	clone.PendingRetry.Failed[0] = id("TEST")

	if s.Status(id("DEV")) != workflow.StatusActive || !s.IsActive(id("DEV")) {
		t.Fatalf("original stage mutated through clone")
	}
	if s.Retries[id("REVIEW")] != 1 || s.PendingRetry.Failed[0] != id("REVIEW") {
		t.Fatalf("original counters mutated through clone")
	}
}

func TestAnnotationsAreBounded(t *testing.T) {
	s := NewState("s", epoch)
	for i := 0; i < maxAnnotations+10; i++ {
		s.annotate("note")
	}
	if len(s.Annotations) != maxAnnotations {
		t.Fatalf("expected %d annotations, got %d", maxAnnotations, len(s.Annotations))
	}
}

func TestViewListsReadyStagesNotActive(t *testing.T) {
	s := NewState("s", epoch)
	s.DAG = workflow.DAG{
		id("REVIEW"): {Deps: []workflow.StageID{}},
		id("TEST"):   {Deps: []workflow.StageID{}},
	}
	s.PipelineActive = true
	s.update(id("REVIEW"), func(r *StageRecord) { r.Status = workflow.StatusActive })
	s.activate(id("REVIEW"))
	view := NewView(s)
	if got := workflow.StageStrings(view.ReadyStages); len(got) != 1 || got[0] != "TEST" {
		t.Fatalf("expected only TEST ready, got %v", got)
	}
	if len(view.Order) != 2 || view.Phase != PhaseDelegating {
		t.Fatalf("unexpected view: %+v", view)
	}
}

func TestEvaluateToolUse(t *testing.T) {
	tools := DefaultToolPolicy()
	active := View{Phase: PhaseDelegating, PipelineActive: true, ActiveStages: []workflow.StageID{id("DEV")}}
	retrying := View{
		Phase:          PhaseRetrying,
		PipelineActive: true,
		PendingRetry:   &PendingRetry{Stage: id("REVIEW"), Failed: []workflow.StageID{id("REVIEW")}, Target: id("DEV")},
	}

	cases := []struct {
		name   string
		view   View
		req    ToolRequest
		allow  bool
		reason string
	}{
		{"idle allows writes", View{Phase: PhaseIdle}, ToolRequest{Tool: "Edit"}, true, ""},
		{"complete allows writes", View{Phase: PhaseComplete}, ToolRequest{Tool: "Write"}, true, ""},
		{"cancelled allows writes", View{Phase: PhaseClassified, Cancelled: true}, ToolRequest{Tool: "Edit"}, true, ""},
		{"active blocks writes", active, ToolRequest{Tool: "edit"}, false, "waiting on DEV"},
		{"active allows reads", active, ToolRequest{Tool: "Read"}, true, ""},
		{"active allows delegation", active, ToolRequest{Tool: "Task", Stage: id("REVIEW")}, true, ""},
		{"retry blocks writes", retrying, ToolRequest{Tool: "MultiEdit"}, false, "delegate DEV to fix REVIEW"},
		{"retry allows target", retrying, ToolRequest{Tool: "Task", Stage: id("DEV")}, true, ""},
		{"retry blocks other delegation", retrying, ToolRequest{Tool: "Task", Stage: id("TEST")}, false, "retry pending"},
	}
	for _, tc := range cases {
		got := EvaluateToolUse(tc.view, tc.req, tools)
		if got.Allow != tc.allow {
			t.Fatalf("%s: expected allow=%v, got %+v", tc.name, tc.allow, got)
		}
		if tc.reason != "" && !strings.Contains(got.Reason, tc.reason) {
			t.Fatalf("%s: expected reason containing %q, got %q", tc.name, tc.reason, got.Reason)
		}
	}
}

func TestRepositoryRoundTrip(t *testing.T) {
	ctx := t.Context()
	repo := NewRepository(store.NewMemory())
	s := NewState("s1", epoch)
	s.DAG = linearDAG()
	s.PipelineActive = true
	s.update(id("DEV"), func(r *StageRecord) { r.Status = workflow.StatusCompleted })
	increment(&s.Retries, id("REVIEW"))
	if err := repo.Save(ctx, s); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := repo.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Version != SchemaVersion || !loaded.PipelineActive {
		t.Fatalf("unexpected loaded state: %+v", loaded)
	}
	if loaded.Status(id("DEV")) != workflow.StatusCompleted || loaded.Retries[id("REVIEW")] != 1 {
		t.Fatalf("stage data lost in round trip: %+v", loaded)
	}
	if onFail := loaded.DAG[id("REVIEW")].OnFail; onFail == nil || *onFail != id("DEV") {
		t.Fatalf("expected onFail preserved, got %v", onFail)
	}
	sessions, err := repo.Sessions(ctx)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0] != "s1" {
		t.Fatalf("unexpected sessions %v", sessions)
	}
	if err := repo.Save(ctx, WorkflowState{}); err == nil {
		t.Fatalf("expected save without session to fail")
	}
}

func TestRepositoryRejectsOtherVersionsAndCorruption(t *testing.T) {
	ctx := t.Context()
	mem := store.NewMemory()
	repo := NewRepository(mem)

	if _, err := repo.Load(ctx, "missing"); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("expected ErrStateNotFound, got %v", err)
	}
	old, _ := json.Marshal(map[string]any{"version": SchemaVersion - 1, "sessionId": "old"})
	if err := mem.Put(ctx, StateKey("old"), old); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := repo.Load(ctx, "old"); !errors.Is(err, ErrSchemaVersion) {
		t.Fatalf("expected ErrSchemaVersion, got %v", err)
	}
	if err := mem.Put(ctx, StateKey("bad"), []byte(`{"version":2,"stages":{"DEV:x":{}}}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := repo.Load(ctx, "bad"); !errors.Is(err, ErrCorruptState) {
		t.Fatalf("expected ErrCorruptState for malformed stage key, got %v", err)
	}
}

func TestPolicyAdvanceAppliesCascadeSkips(t *testing.T) {
	policy := DefaultPolicy()
	policy.Skip = func(id workflow.StageID, _ workflow.DAG, _ map[workflow.StageID]workflow.StageStatus) (bool, string) {
		return id.Base == workflow.StageReview, "review not requested"
	}
	s := NewState("s", epoch)
	s.DAG = workflow.DAG{
		id("DEV"):    {Deps: []workflow.StageID{}},
		id("REVIEW"): {Deps: []workflow.StageID{id("DEV")}},
		id("TEST"):   {Deps: []workflow.StageID{id("REVIEW")}},
	}
	s.PipelineActive = true
	s.update(id("DEV"), func(r *StageRecord) { r.Status = workflow.StatusCompleted })

	next, action := policy.Advance(s, epoch)
	expectAction(t, action, ActionDelegate, "TEST")
	rec := next.Stages[id("REVIEW")]
	if rec.Status != workflow.StatusSkipped || rec.Annotation != "review not requested" {
		t.Fatalf("expected REVIEW cascade-skipped, got %+v", rec)
	}
	if s.Status(id("REVIEW")) != workflow.StatusPending {
		t.Fatalf("Advance mutated its input")
	}
}

func TestPolicyAdvanceHonoursMaxParallel(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxParallel = 1
	s := NewState("s", epoch)
	s.DAG = workflow.DAG{
		id("REVIEW"): {Deps: []workflow.StageID{}},
		id("TEST"):   {Deps: []workflow.StageID{}},
	}
	s.PipelineActive = true
	_, action := policy.Advance(s, epoch)
	expectAction(t, action, ActionDelegate, "REVIEW")
}

func TestPolicyForcesStalledFailuresForward(t *testing.T) {
	s := NewState("s", epoch)
	s.DAG = linearDAG()
	s.PipelineActive = true
	s.update(id("DEV"), func(r *StageRecord) { r.Status = workflow.StatusCompleted })
	s.update(id("REVIEW"), func(r *StageRecord) { r.Status = workflow.StatusFailed })

	next, action := DefaultPolicy().Advance(s, epoch)
	expectAction(t, action, ActionComplete)
	if next.Status(id("REVIEW")) != workflow.StatusCompleted {
		t.Fatalf("expected stalled REVIEW forced to completed, got %s", next.Status(id("REVIEW")))
	}
	found := false
	for _, note := range action.Annotations {
		if strings.Contains(note, "stalled on REVIEW") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected stall annotation, got %v", action.Annotations)
	}
}

func TestEventNormalizeAndValidate(t *testing.T) {
	evt := Event{Type: " Finish ", SessionID: " s1 ", Stage: "review:2"}
	evt.Normalize()
	if evt.EventID == "" || evt.Version != EventSchemaVersion {
		t.Fatalf("expected defaults applied, got %+v", evt)
	}
	if evt.Type != EventFinish || evt.SessionID != "s1" || evt.Stage != "REVIEW:2" {
		t.Fatalf("unexpected normalisation: %+v", evt)
	}
	if err := evt.Validate(); err != nil {
		t.Fatalf("expected valid event, got %v", err)
	}
	if evt.stageID() != id("REVIEW:2") {
		t.Fatalf("unexpected stage id %s", evt.stageID())
	}
	evt.Version = 99
	if err := evt.Validate(); err == nil {
		t.Fatalf("expected version error")
	}
	bad := Event{Type: EventDelegate, SessionID: "s1", Stages: []string{"NOPE"}}
	bad.Normalize()
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected unknown stage error")
	}
}
