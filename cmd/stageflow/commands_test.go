package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/engine"
)

func execute(t *testing.T, dir, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--project", dir}, args...))
	err := root.ExecuteContext(t.Context())
	return out.String(), err
}

func mustExecute(t *testing.T, dir, stdin string, args ...string) string {
	t.Helper()
	out, err := execute(t, dir, stdin, args...)
	if err != nil {
		t.Fatalf("%v: %v\n%s", args, err, out)
	}
	return out
}

func TestInitAndTemplates(t *testing.T) {
	dir := t.TempDir()
	out := mustExecute(t, dir, "", "init")
	if !strings.Contains(out, "initialized .stageflow") {
		t.Fatalf("unexpected init output: %q", out)
	}
	if _, err := os.Stat(filepath.Join(dir, ".stageflow", "config.yaml")); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	out = mustExecute(t, dir, "", "templates", "--json")
	var templates workflow.TemplateSet
	if err := json.Unmarshal([]byte(out), &templates); err != nil {
		t.Fatalf("templates output is not JSON: %v\n%s", err, out)
	}
	if _, ok := templates[workflow.TemplateFullDev]; !ok {
		t.Fatalf("full-dev missing from %v", templates.IDs())
	}

	mustExecute(t, dir, "", "templates", "--set-default", "full-dev")
	out = mustExecute(t, dir, "", "templates")
	if !strings.Contains(out, "* full-dev") {
		t.Fatalf("expected full-dev marked default:\n%s", out)
	}
	if _, err := execute(t, dir, "", "templates", "--set-default", "nope"); err == nil {
		t.Fatalf("expected unknown template to fail")
	}
}

func TestValidateRepairsGraph(t *testing.T) {
	dir := t.TempDir()
	graph := filepath.Join(dir, "graph.yaml")
	if err := os.WriteFile(graph, []byte("DEV: {}\nREVIEW:\n  deps: DEV\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	repaired := filepath.Join(dir, "repaired.yaml")
	out := mustExecute(t, dir, "", "validate", graph, "--write", repaired)
	if !strings.Contains(out, "source: adhoc") {
		t.Fatalf("expected ad hoc source:\n%s", out)
	}
	if !strings.Contains(out, "fixes:") {
		t.Fatalf("expected scalar deps fix:\n%s", out)
	}
	raw, err := workflow.LoadRawDAGFile(repaired)
	if err != nil {
		t.Fatalf("repaired graph unreadable: %v", err)
	}
	if _, ok := raw["REVIEW"]; !ok {
		t.Fatalf("repaired graph lost REVIEW: %v", raw)
	}
}

func TestValidateRejectsCyclicGraph(t *testing.T) {
	dir := t.TempDir()
	graph := filepath.Join(dir, "graph.json")
	body := `{"DEV": {"deps": ["REVIEW"]}, "REVIEW": {"deps": ["DEV"]}}`
	if err := os.WriteFile(graph, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, dir, "", "validate", graph)
	if err == nil {
		t.Fatalf("expected cyclic graph to fail:\n%s", out)
	}
	if !strings.Contains(err.Error(), "fell back") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBlueprintShowsParallelBarrier(t *testing.T) {
	dir := t.TempDir()
	out := mustExecute(t, dir, "", "blueprint", "full-dev")
	for _, want := range []string{"full-dev", "PLAN", "REVIEW", "TEST", "barrier verify", "(parallel)"} {
		if !strings.Contains(out, want) {
			t.Fatalf("blueprint missing %q:\n%s", want, out)
		}
	}
	if _, err := execute(t, dir, "", "blueprint", "--stages", "DEV,DEPLOY"); err == nil {
		t.Fatalf("expected unknown stage to fail")
	}
}

func TestEventStatusSweepCancel(t *testing.T) {
	dir := t.TempDir()
	out := mustExecute(t, dir, `{"type":"classify","session_id":"s1","template_id":"quick-dev"}`, "event")
	var action engine.Action
	if err := json.Unmarshal([]byte(out), &action); err != nil {
		t.Fatalf("event output is not JSON: %v\n%s", err, out)
	}
	if action.Kind != engine.ActionDelegate || len(action.Directives) != 1 {
		t.Fatalf("unexpected classify action: %+v", action)
	}
	if action.Directives[0].Worker != "developer" {
		t.Fatalf("expected developer directive, got %+v", action.Directives[0])
	}

	out = mustExecute(t, dir, "", "status", "--json")
	var views []engine.View
	if err := json.Unmarshal([]byte(out), &views); err != nil {
		t.Fatalf("status output is not JSON: %v\n%s", err, out)
	}
	if len(views) != 1 || views[0].SessionID != "s1" || !views[0].PipelineActive {
		t.Fatalf("unexpected views: %+v", views)
	}

	out = mustExecute(t, dir, "", "status", "s1")
	if !strings.Contains(out, "DEV") || !strings.Contains(out, "ready") {
		t.Fatalf("expected DEV ready in status:\n%s", out)
	}

	out = mustExecute(t, dir, "", "sweep", "--json")
	var results []sweepResult
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("sweep output is not JSON: %v\n%s", err, out)
	}
	if len(results) != 1 || results[0].SessionID != "s1" {
		t.Fatalf("unexpected sweep results: %+v", results)
	}

	out = mustExecute(t, dir, "", "cancel", "s1")
	if !strings.Contains(out, "s1: cancelled") {
		t.Fatalf("unexpected cancel output: %q", out)
	}

	out = mustExecute(t, dir, "", "log", "-n", "50")
	if !strings.Contains(out, "classify") || !strings.Contains(out, "cancel") {
		t.Fatalf("work log missing entries:\n%s", out)
	}
}

func TestEventRejectsInvalidPayload(t *testing.T) {
	dir := t.TempDir()
	if _, err := execute(t, dir, `{"type":"finish","session_id":"s1"}`, "event"); err == nil {
		t.Fatalf("expected finish without stage to fail")
	}
	if _, err := execute(t, dir, `not json`, "event"); err == nil {
		t.Fatalf("expected decode failure")
	}
}
