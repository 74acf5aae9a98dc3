package builder

import (
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/topology"
)

func id(s string) workflow.StageID { return workflow.MustParseStageID(s) }

func joined(values []workflow.StageID) string {
	return strings.Join(workflow.StageStrings(values), ",")
}

func ref(s string) *workflow.StageID { return workflow.StageRef(id(s)) }

func refString(r *workflow.StageID) string {
	if r == nil {
		return "<nil>"
	}
	return r.String()
}

func TestEveryBuiltInTemplateValidates(t *testing.T) {
	templates := workflow.DefaultTemplates()
	for _, templateID := range templates.IDs() {
		dag, err := TemplateToDAG(templates, templateID, nil)
		if err != nil {
			t.Fatalf("TemplateToDAG(%s): %v", templateID, err)
		}
		if errs := ValidateDAG(dag); len(errs) != 0 {
			t.Fatalf("template %s invalid: %v", templateID, errs)
		}
	}
}

func TestTemplateToDAGQuickDevChainsStages(t *testing.T) {
	dag, err := TemplateToDAG(workflow.DefaultTemplates(), workflow.TemplateQuickDev, nil)
	if err != nil {
		t.Fatalf("TemplateToDAG: %v", err)
	}
	if len(dag) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(dag))
	}
	if deps := dag[id("DEV")].Deps; len(deps) != 0 {
		t.Fatalf("DEV should have no deps, got %v", deps)
	}
	review := dag[id("REVIEW")]
	if joined(review.Deps) != "DEV" || refString(review.OnFail) != "DEV" || refString(review.Next) != "TEST" {
		t.Fatalf("unexpected REVIEW node %+v", review)
	}
	test := dag[id("TEST")]
	if joined(test.Deps) != "REVIEW" || refString(test.OnFail) != "DEV" || test.Next != nil {
		t.Fatalf("unexpected TEST node %+v", test)
	}
	if dag[id("DEV")].OnFail != nil {
		t.Fatalf("implementation stages have no onFail")
	}
}

func TestTemplateToDAGBarrierUsesSharedPredecessors(t *testing.T) {
	dag, err := TemplateToDAG(workflow.DefaultTemplates(), workflow.TemplateFullDev, nil)
	if err != nil {
		t.Fatalf("TemplateToDAG: %v", err)
	}
	for _, sibling := range []string{"REVIEW", "TEST"} {
		node := dag[id(sibling)]
		if joined(node.Deps) != "DEV" {
			t.Fatalf("%s deps = %s, want DEV", sibling, joined(node.Deps))
		}
		if node.Barrier == nil || node.Barrier.Group != "verify" || node.Barrier.Total != 2 {
			t.Fatalf("%s barrier = %+v", sibling, node.Barrier)
		}
		if joined(node.Barrier.Siblings) != "REVIEW,TEST" || refString(node.Barrier.Next) != "DOCS" {
			t.Fatalf("%s barrier routing = %+v", sibling, node.Barrier)
		}
	}
	if joined(dag[id("DOCS")].Deps) != "REVIEW,TEST" {
		t.Fatalf("DOCS should wait on every sibling, got %s", joined(dag[id("DOCS")].Deps))
	}
	if refString(dag[id("DEV")].Next) != "DOCS" || refString(dag[id("PLAN")].Next) != "DEV" {
		t.Fatalf("next should skip barrier siblings")
	}
	bp, err := topology.BuildBlueprint(dag)
	if err != nil {
		t.Fatalf("BuildBlueprint: %v", err)
	}
	if step := bp.Steps[bp.StepOf(id("REVIEW"))]; !step.Parallel || joined(step.Stages) != "REVIEW,TEST" {
		t.Fatalf("siblings should share a parallel step, got %+v", step)
	}
}

func TestTemplateToDAGQualifiesRepeatedStages(t *testing.T) {
	dag, err := TemplateToDAG(workflow.DefaultTemplates(), workflow.TemplateIterate, nil)
	if err != nil {
		t.Fatalf("TemplateToDAG: %v", err)
	}
	if got := joined(dag.IDs()); got != "DEV,DEV:2,REVIEW,REVIEW:2,TEST" {
		t.Fatalf("ids = %s", got)
	}
	if refString(dag[id("REVIEW:2")].OnFail) != "DEV:2" || refString(dag[id("REVIEW")].OnFail) != "DEV" {
		t.Fatalf("onFail should target the nearest preceding implementation stage")
	}
	if joined(dag[id("DEV:2")].Deps) != "REVIEW" {
		t.Fatalf("DEV:2 deps = %s", joined(dag[id("DEV:2")].Deps))
	}
}

func TestTemplateToDAGUnknownTemplate(t *testing.T) {
	_, err := TemplateToDAG(workflow.DefaultTemplates(), "does-not-exist", nil)
	if !errors.Is(err, workflow.ErrUnknownTemplate) {
		t.Fatalf("expected ErrUnknownTemplate, got %v", err)
	}
}

func TestSafetyNetInjectsQualityStages(t *testing.T) {
	dag, err := TemplateToDAG(workflow.DefaultTemplates(), workflow.TemplateQuickDev, []workflow.StageType{workflow.StageDev, workflow.StageDocs})
	if err != nil {
		t.Fatalf("TemplateToDAG: %v", err)
	}
	for _, injected := range []string{"REVIEW", "TEST"} {
		node, ok := dag[id(injected)]
		if !ok {
			t.Fatalf("%s not injected: %s", injected, joined(dag.IDs()))
		}
		if joined(node.Deps) != "DEV" || refString(node.OnFail) != "DEV" {
			t.Fatalf("%s = %+v", injected, node)
		}
		if node.Barrier == nil || node.Barrier.Group != SafetyNetGroup {
			t.Fatalf("%s barrier = %+v", injected, node.Barrier)
		}
	}
	if joined(dag[id("DOCS")].Deps) != "DEV,REVIEW,TEST" {
		t.Fatalf("DOCS deps = %s", joined(dag[id("DOCS")].Deps))
	}
	if errs := ValidateDAG(dag); len(errs) != 0 {
		t.Fatalf("safety net graph invalid: %v", errs)
	}
}

func TestSafetyNetSkipsSingleFix(t *testing.T) {
	dag, err := TemplateToDAG(workflow.DefaultTemplates(), workflow.TemplateFix, nil)
	if err != nil {
		t.Fatalf("TemplateToDAG: %v", err)
	}
	if len(dag) != 1 {
		t.Fatalf("fix template should stay a single stage, got %s", joined(dag.IDs()))
	}
	docs, _ := TemplateToDAG(workflow.DefaultTemplates(), workflow.TemplateDocs, nil)
	if len(docs) != 1 {
		t.Fatalf("docs template has no implementation stage, got %s", joined(docs.IDs()))
	}
}

func TestSafetyNetFollowsLastImplementation(t *testing.T) {
	dag := workflow.DAG{
		id("DEV"):  {Deps: []workflow.StageID{}},
		id("DOCS"): {Deps: []workflow.StageID{id("DEV")}},
		id("FIX"):  {Deps: []workflow.StageID{id("DOCS")}},
		id("PLAN"): {Deps: []workflow.StageID{}},
	}
	out, notes := applySafetyNet(dag)
	if len(notes) != 1 || !out.Has(id("REVIEW")) || joined(out[id("TEST")].Deps) != "FIX" {
		t.Fatalf("unexpected safety net output %s (%v)", joined(out.IDs()), notes)
	}
	if len(dag) != 4 {
		t.Fatalf("input graph mutated")
	}
}

func TestRepairDAGFixesMalformedGraph(t *testing.T) {
	raw := workflow.RawDAG{
		"dev":      nil,
		"PLAN":     "not an object",
		"REVIEW":   map[string]any{"deps": "DEV", "onFail": "DEV", "next": "GHOST"},
		"TEST":     map[string]any{"deps": []any{"REVIEW", "REVIEW", 7, "GHOST", "TEST"}, "maxRetries": -1},
		"SECURITY": map[string]any{"onFail": "REVIEW", "maxRetries": 2},
		"DEPLOY":   map[string]any{"deps": []any{}},
		"DOCS":     map[string]any{"deps": []any{"TEST"}, "barrier": map[string]any{"group": "verify"}},
	}
	repair, ok := RepairDAG(raw)
	if !ok {
		t.Fatalf("RepairDAG failed: %v", repair.Fixes)
	}
	if got := joined(repair.DAG.IDs()); got != "DEV,DOCS,PLAN,REVIEW,SECURITY,TEST" {
		t.Fatalf("ids = %s", got)
	}
	if joined(repair.DAG[id("REVIEW")].Deps) != "DEV" || repair.DAG[id("REVIEW")].Next != nil {
		t.Fatalf("REVIEW = %+v", repair.DAG[id("REVIEW")])
	}
	test := repair.DAG[id("TEST")]
	if joined(test.Deps) != "REVIEW" || test.MaxRetries != nil {
		t.Fatalf("TEST = %+v", test)
	}
	if docs := repair.DAG[id("DOCS")]; docs.Barrier != nil || joined(docs.Deps) != "TEST" {
		t.Fatalf("DOCS = %+v", docs)
	}
	security := repair.DAG[id("SECURITY")]
	if security.OnFail != nil || security.MaxRetries == nil || *security.MaxRetries != 2 || security.Deps == nil {
		t.Fatalf("SECURITY = %+v", security)
	}
	expect := []string{
		`dropped unknown stage "DEPLOY"`,
		"DEV: null config",
		"PLAN: config is not an object",
		`REVIEW: scalar dep "DEV"`,
		`REVIEW: next "GHOST" does not exist`,
		"TEST: dropped duplicate dep REVIEW",
		"TEST: dropped non-string dep 7",
		`TEST: dropped dangling dep "GHOST"`,
		"TEST: dropped self dependency",
		"TEST: negative maxRetries -1 cleared",
		"SECURITY: missing deps",
		"SECURITY: onFail REVIEW is not an implementation stage",
		"DOCS: barrier config dropped, re-inferred from shared deps",
	}
	all := strings.Join(repair.Fixes, "\n")
	for _, want := range expect {
		if !strings.Contains(all, want) {
			t.Fatalf("missing fix %q in:\n%s", want, all)
		}
	}
}

func TestRepairDAGIsIdempotent(t *testing.T) {
	raw := workflow.RawDAG{
		"DEV":    map[string]any{"deps": nil},
		"REVIEW": map[string]any{"deps": "dev", "onFail": "DEV", "maxRetries": 1.0},
		"TEST":   map[string]any{"deps": []any{"REVIEW", "MISSING"}, "next": "DOCS"},
	}
	first, ok := RepairDAG(raw)
	if !ok || len(first.Fixes) == 0 {
		t.Fatalf("first repair: ok=%v fixes=%v", ok, first.Fixes)
	}
	second, ok := RepairDAG(first.DAG.Raw())
	if !ok {
		t.Fatalf("second repair failed: %v", second.Fixes)
	}
	if len(second.Fixes) != 0 {
		t.Fatalf("second repair should be a no-op, got %v", second.Fixes)
	}
	if joined(second.DAG.IDs()) != joined(first.DAG.IDs()) || *second.DAG[id("REVIEW")].MaxRetries != 1 {
		t.Fatalf("second repair changed the graph")
	}
}

func TestRepairDAGRejectsEmptyOrCyclic(t *testing.T) {
	if _, ok := RepairDAG(workflow.RawDAG{}); ok {
		t.Fatalf("empty graph should not repair")
	}
	if _, ok := RepairDAG(workflow.RawDAG{"DEPLOY": nil}); ok {
		t.Fatalf("graph with only unknown stages should not repair")
	}
	cyclic := workflow.RawDAG{
		"DEV":    map[string]any{"deps": []any{"TEST"}},
		"REVIEW": map[string]any{"deps": []any{"DEV"}},
		"TEST":   map[string]any{"deps": []any{"REVIEW"}},
	}
	repair, ok := RepairDAG(cyclic)
	if ok {
		t.Fatalf("cyclic graph should not repair")
	}
	if !strings.Contains(strings.Join(repair.Fixes, "\n"), "cycle detected") {
		t.Fatalf("expected cycle note, got %v", repair.Fixes)
	}
}

func TestEnrichCustomDAGClustersQualityStages(t *testing.T) {
	dag := workflow.DAG{
		id("DEV"):      {Deps: []workflow.StageID{}},
		id("REVIEW"):   {Deps: []workflow.StageID{id("DEV")}},
		id("SECURITY"): {Deps: []workflow.StageID{id("DEV")}},
		id("DOCS"):     {Deps: []workflow.StageID{id("REVIEW")}},
	}
	out, notes := EnrichCustomDAG(dag)
	if len(notes) != 1 || !strings.Contains(notes[0], "auto-1") {
		t.Fatalf("unexpected notes %v", notes)
	}
	for _, sibling := range []string{"REVIEW", "SECURITY"} {
		node := out[id(sibling)]
		if node.Barrier == nil || node.Barrier.Group != "auto-1" || node.Barrier.Total != 2 {
			t.Fatalf("%s barrier = %+v", sibling, node.Barrier)
		}
		if refString(node.OnFail) != "DEV" || refString(node.Barrier.Next) != "DOCS" {
			t.Fatalf("%s routing = %+v / %+v", sibling, node, node.Barrier)
		}
	}
	if joined(out[id("DOCS")].Deps) != "REVIEW,SECURITY" {
		t.Fatalf("DOCS deps = %s", joined(out[id("DOCS")].Deps))
	}
	if refString(out[id("DEV")].Next) != "DOCS" {
		t.Fatalf("DEV next = %s", refString(out[id("DEV")].Next))
	}
	if errs := ValidateDAG(out); len(errs) != 0 {
		t.Fatalf("enriched graph invalid: %v", errs)
	}
	if dag[id("REVIEW")].Barrier != nil {
		t.Fatalf("input graph mutated")
	}
}

func TestEnrichCustomDAGKeepsExplicitRouting(t *testing.T) {
	dag := workflow.DAG{
		id("DEV"):    {Deps: []workflow.StageID{}},
		id("FIX"):    {Deps: []workflow.StageID{id("DEV")}},
		id("REVIEW"): {Deps: []workflow.StageID{id("FIX")}, OnFail: ref("DEV")},
	}
	out, _ := EnrichCustomDAG(dag)
	if refString(out[id("REVIEW")].OnFail) != "DEV" {
		t.Fatalf("explicit onFail overwritten: %s", refString(out[id("REVIEW")].OnFail))
	}
	dag[id("REVIEW")] = workflow.Node{Deps: []workflow.StageID{id("FIX")}}
	out, _ = EnrichCustomDAG(dag)
	if refString(out[id("REVIEW")].OnFail) != "FIX" {
		t.Fatalf("inferred onFail = %s, want FIX", refString(out[id("REVIEW")].OnFail))
	}
}

func TestValidateDAGReportsEveryProblem(t *testing.T) {
	dag := workflow.DAG{
		id("DEV"):    {Deps: []workflow.StageID{id("DEV"), id("GHOST")}},
		id("REVIEW"): {Deps: []workflow.StageID{id("DEV"), id("DEV")}, OnFail: ref("TEST"), MaxRetries: workflow.IntRef(-2)},
		id("TEST"): {
			Deps:    []workflow.StageID{id("REVIEW")},
			Next:    ref("DOCS"),
			Barrier: &workflow.BarrierConfig{Group: "solo", Total: 3, Siblings: []workflow.StageID{id("TEST")}},
		},
		id("DEPLOY"): {Deps: []workflow.StageID{}},
	}
	errs := ValidateDAG(dag)
	all := make([]string, len(errs))
	for i, err := range errs {
		all[i] = err.Error()
	}
	text := strings.Join(all, "\n")
	for _, want := range []string{
		"stage DEPLOY: unknown stage type",
		"stage DEV: deps: depends on itself",
		"stage DEV: deps: references missing stage GHOST",
		"stage REVIEW: deps: duplicate dependency DEV",
		"stage REVIEW: onFail: TEST is not an implementation stage",
		"stage REVIEW: maxRetries: must not be negative",
		"stage TEST: next: references missing stage DOCS",
		"group solo needs at least two siblings",
		"group solo total 3 does not match 1 siblings",
		"cycle detected",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("missing %q in:\n%s", want, text)
		}
	}
	if errs := ValidateDAG(nil); len(errs) != 1 || !errors.Is(errs[0], ErrEmptyDAG) {
		t.Fatalf("expected ErrEmptyDAG, got %v", errs)
	}
}

func TestValidateDAGBarrierSiblingsMustShareDeps(t *testing.T) {
	siblings := []workflow.StageID{id("REVIEW"), id("TEST")}
	dag := workflow.DAG{
		id("DEV"):    {Deps: []workflow.StageID{}},
		id("REVIEW"): {Deps: []workflow.StageID{id("DEV")}, Barrier: &workflow.BarrierConfig{Group: "g", Total: 2, Siblings: siblings}},
		id("TEST"):   {Deps: []workflow.StageID{}, Barrier: &workflow.BarrierConfig{Group: "g", Total: 2, Siblings: siblings}},
	}
	errs := ValidateDAG(dag)
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "have different deps") {
		t.Fatalf("unexpected errors %v", errs)
	}
}

func TestBuildFallsBackOnUnusableRequests(t *testing.T) {
	b := New(nil)
	res := b.Build(Request{TemplateID: "nope"})
	if res.Source != SourceFallback || res.TemplateID != workflow.TemplateQuickDev || len(res.Annotations) != 1 {
		t.Fatalf("unexpected fallback result %+v", res)
	}
	if !strings.Contains(res.Annotations[0], "unknown template") {
		t.Fatalf("annotation should carry the cause, got %q", res.Annotations[0])
	}
	cyclic := workflow.RawDAG{
		"DEV":    map[string]any{"deps": "REVIEW"},
		"REVIEW": map[string]any{"deps": "DEV"},
	}
	res = b.Build(Request{Graph: cyclic})
	if res.Source != SourceFallback || len(res.DAG) != 3 {
		t.Fatalf("cyclic graph should fall back, got %+v", res)
	}
	broken := New(workflow.TemplateSet{"broken": {ID: "broken", Stages: []string{"DOCS"}}}, WithFallback("missing"))
	res = broken.Build(Request{})
	if res.TemplateID != workflow.TemplateQuickDev || !strings.Contains(res.Annotations[0], "built-in") {
		t.Fatalf("unusable fallback should use the built-in catalog, got %+v", res)
	}
}

func TestBuildAdHocGraph(t *testing.T) {
	raw, err := workflow.ParseRawDAG([]byte(`
DEV: {deps: []}
FIX: {deps: DEV}
`))
	if err != nil {
		t.Fatalf("ParseRawDAG: %v", err)
	}
	res := New(nil).Build(Request{Graph: raw, TemplateID: workflow.TemplateFullDev})
	if res.Source != SourceAdHoc {
		t.Fatalf("ad hoc graph should win over template, got %+v", res)
	}
	if len(res.Fixes) != 1 || len(res.Notes) != 1 {
		t.Fatalf("expected scalar-dep fix and safety-net note, got fixes=%v notes=%v", res.Fixes, res.Notes)
	}
	if joined(res.DAG[id("REVIEW")].Deps) != "FIX" {
		t.Fatalf("safety net should follow the last implementation stage, got %s", joined(res.DAG[id("REVIEW")].Deps))
	}
}

func TestTemplateBarrierMergeIsStableAcrossShuffles(t *testing.T) {
	tpl := workflow.Template{
		ID:       "wide",
		Stages:   []string{"DEV", "REVIEW", "SECURITY", "TEST", "DOCS"},
		Barriers: []workflow.TemplateBarrier{{Group: "verify", Stages: []string{"TEST", "REVIEW", "SECURITY"}}},
	}
	rng := rand.New(rand.NewSource(7))
	var want string
	for i := 0; i < 5; i++ {
		shuffled := tpl.Clone()
		rng.Shuffle(len(shuffled.Barriers[0].Stages), func(a, b int) {
			shuffled.Barriers[0].Stages[a], shuffled.Barriers[0].Stages[b] = shuffled.Barriers[0].Stages[b], shuffled.Barriers[0].Stages[a]
		})
		dag, err := TemplateToDAG(workflow.TemplateSet{"wide": shuffled}, "wide", nil)
		if err != nil {
			t.Fatalf("TemplateToDAG: %v", err)
		}
		got := joined(dag[id("SECURITY")].Barrier.Siblings)
		if want == "" {
			want = got
		}
		if got != want || got != "REVIEW,SECURITY,TEST" {
			t.Fatalf("siblings should follow stage order, got %s", got)
		}
	}
}
