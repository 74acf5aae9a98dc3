package engine

import "github.com/kingrea/stageflow/internal/workflow"

// ActionKind tells the host what to do next.
type ActionKind string

const (
	// ActionNone means no workflow is loaded.
	ActionNone ActionKind = "none"
	// ActionDelegate asks the host to delegate Stages.
	ActionDelegate ActionKind = "delegate"
	// ActionRetry asks the host to delegate the recede target in Stages.
	ActionRetry ActionKind = "retry"
	// ActionWait means delegated stages are still running.
	ActionWait ActionKind = "wait"
	// ActionComplete means the workflow finished.
	ActionComplete ActionKind = "complete"
	// ActionTerminate means the workflow stopped after repeated crashes.
	ActionTerminate ActionKind = "terminate"
	// ActionAllow and ActionBlock answer tool-use checks.
	ActionAllow ActionKind = "allow"
	ActionBlock ActionKind = "block"
)

// Action is the engine's answer to every lifecycle call.
type Action struct {
	Kind      ActionKind         `json:"kind"`
	SessionID string             `json:"sessionId"`
	Phase     Phase              `json:"phase"`
	Stages    []workflow.StageID `json:"stages,omitempty"`
	// Strict lists stages that must be redelegated with the strict
	// output contract after a crash.
	Strict      []workflow.StageID `json:"strict,omitempty"`
	Directives  []Directive        `json:"directives,omitempty"`
	Annotations []string           `json:"annotations,omitempty"`
	Reason      string             `json:"reason,omitempty"`
}

// Delegates reports whether the host should start stages.
func (a Action) Delegates() bool {
	return a.Kind == ActionDelegate || a.Kind == ActionRetry
}
