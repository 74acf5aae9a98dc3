package engine

import (
	"fmt"
	"strings"

	"github.com/kingrea/stageflow/internal/protocol"
	"github.com/kingrea/stageflow/internal/workflow"
)

// Directive tells the host which worker runs a stage and what it must emit.
type Directive struct {
	Stage       workflow.StageID `json:"stage"`
	Worker      string           `json:"worker"`
	Instruction string           `json:"instruction"`
	Strict      bool             `json:"strict,omitempty"`
}

// directives builds one directive per stage in action.
func directives(state WorkflowState, action Action, roster workflow.Roster) []Directive {
	if !action.Delegates() {
		return nil
	}
	out := make([]Directive, 0, len(action.Stages))
	for _, id := range action.Stages {
		strict := workflow.ContainsStage(action.Strict, id)
		out = append(out, Directive{
			Stage:       id,
			Worker:      roster.WorkerFor(id),
			Instruction: instruction(state, id, strict),
			Strict:      strict,
		})
	}
	return out
}

func instruction(state WorkflowState, id workflow.StageID, strict bool) string {
	node := state.DAG[id]
	var b strings.Builder
	if spec, ok := workflow.LookupStage(id.Base); ok {
		fmt.Fprintf(&b, "Stage %s: %s.\n", id, spec.Description)
	} else {
		fmt.Fprintf(&b, "Stage %s.\n", id)
	}
	if retry := state.PendingRetry; retry != nil && retry.Target == id {
		fmt.Fprintf(&b, "This is retry round %d: %s failed with severity %s.\n",
			retry.Round, strings.Join(workflow.StageStrings(retry.Failed), ", "), retry.Severity)
		if hint := lastHint(state, retry.Failed); hint != "" {
			fmt.Fprintf(&b, "Reported issue: %s\n", hint)
		}
		for _, failed := range retry.Failed {
			if ctx := state.record(failed).ContextFile; ctx != "" {
				fmt.Fprintf(&b, "Details from %s: %s\n", failed, ctx)
			}
		}
	}

	example := protocol.Route{Verdict: workflow.VerdictPass, Route: protocol.RouteNext}
	if node.Barrier != nil {
		example.Route = protocol.RouteBarrier
		example.BarrierGroup = node.Barrier.Group
		fmt.Fprintf(&b, "This stage runs in parallel with %s in barrier group %q.\n",
			strings.Join(workflow.StageStrings(otherSiblings(*node.Barrier, id)), ", "), node.Barrier.Group)
	}
	if strict {
		b.WriteString("Your previous run produced output without a result marker. ")
		b.WriteString("You MUST end your final message with exactly one result marker on its own line, ")
		b.WriteString("and nothing after it:\n")
	} else {
		b.WriteString("End your final message with a result marker:\n")
	}
	b.WriteString(example.Marker())
	b.WriteString("\n")
	if id.Base.IsQuality() {
		b.WriteString("On failure use verdict FAIL, route DEV and a severity of LOW, MEDIUM, HIGH or CRITICAL, with a short hint.\n")
	}
	return b.String()
}

func otherSiblings(cfg workflow.BarrierConfig, id workflow.StageID) []workflow.StageID {
	out := make([]workflow.StageID, 0, len(cfg.Siblings))
	for _, sibling := range cfg.Siblings {
		if sibling != id {
			out = append(out, sibling)
		}
	}
	return out
}

func lastHint(state WorkflowState, failed []workflow.StageID) string {
	for i := len(state.RetryHistory) - 1; i >= 0; i-- {
		entry := state.RetryHistory[i]
		if workflow.ContainsStage(failed, entry.Stage) && entry.Hint != "" {
			return entry.Hint
		}
	}
	return ""
}
