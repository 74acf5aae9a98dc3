package engine

import (
	"fmt"
	"strings"

	"github.com/kingrea/stageflow/internal/workflow"
)

// ToolPolicy names the host tools the engine gates.
type ToolPolicy struct {
	// Write tools modify the workspace directly and are blocked while a
	// pipeline is active.
	Write []string
	// Delegate tools hand a stage to a worker.
	Delegate []string
}

// DefaultToolPolicy returns the built-in tool names.
func DefaultToolPolicy() ToolPolicy {
	return ToolPolicy{
		Write:    []string{"Edit", "Write", "MultiEdit", "NotebookEdit"},
		Delegate: []string{"Task"},
	}
}

func (p ToolPolicy) isWrite(tool string) bool    { return containsFold(p.Write, tool) }
func (p ToolPolicy) isDelegate(tool string) bool { return containsFold(p.Delegate, tool) }

func containsFold(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), strings.TrimSpace(want)) {
			return true
		}
	}
	return false
}

// ToolRequest is a host's request to run a tool.
type ToolRequest struct {
	Tool string
	// Stage is the stage a delegation targets, when known.
	Stage workflow.StageID
}

// ToolDecision is the verdict of EvaluateToolUse.
type ToolDecision struct {
	Allow  bool
	Reason string
}

// EvaluateToolUse decides whether req may run. It reads only the phase, the
// active stages and the pipeline flag of view.
func EvaluateToolUse(view View, req ToolRequest, tools ToolPolicy) ToolDecision {
	switch view.Phase {
	case PhaseIdle, PhaseComplete:
		return ToolDecision{Allow: true}
	}
	if view.Cancelled || !view.PipelineActive {
		return ToolDecision{Allow: true}
	}
	if tools.isDelegate(req.Tool) {
		if view.Phase != PhaseRetrying || view.PendingRetry == nil {
			return ToolDecision{Allow: true}
		}
		target := view.PendingRetry.Target
		if req.Stage.IsZero() || req.Stage == target {
			return ToolDecision{Allow: true}
		}
		return ToolDecision{Reason: fmt.Sprintf("retry pending: delegate %s before %s", target, req.Stage)}
	}
	if tools.isWrite(req.Tool) {
		return ToolDecision{Reason: blockReason(view)}
	}
	return ToolDecision{Allow: true}
}

func blockReason(view View) string {
	switch {
	case view.Phase == PhaseRetrying && view.PendingRetry != nil:
		return fmt.Sprintf("workflow is retrying: delegate %s to fix %s",
			view.PendingRetry.Target, strings.Join(workflow.StageStrings(view.PendingRetry.Failed), ", "))
	case len(view.ActiveStages) > 0:
		return fmt.Sprintf("workflow active: waiting on %s", strings.Join(workflow.StageStrings(view.ActiveStages), ", "))
	case len(view.ReadyStages) > 0:
		return fmt.Sprintf("workflow active: delegate %s", strings.Join(workflow.StageStrings(view.ReadyStages), ", "))
	default:
		return "workflow active: direct edits are blocked"
	}
}
