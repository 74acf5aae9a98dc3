package engine

import (
	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/topology"
)

// Phase is the lifecycle phase derived from a WorkflowState. It is never
// stored.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseClassified Phase = "classified"
	PhaseDelegating Phase = "delegating"
	PhaseRetrying   Phase = "retrying"
	PhaseComplete   Phase = "complete"
)

// DerivePhase computes the phase of s. Rules apply in order: no graph and
// inactive is Idle; an inactive graph with a completed stage is Complete; a
// pending retry is Retrying; active stages mean Delegating; anything else is
// Classified.
func DerivePhase(s WorkflowState) Phase {
	switch {
	case !s.HasDAG() && !s.PipelineActive:
		return PhaseIdle
	case s.HasDAG() && !s.PipelineActive && len(s.StagesWith(workflow.StatusCompleted)) > 0:
		return PhaseComplete
	case s.PendingRetry != nil:
		return PhaseRetrying
	case len(s.ActiveStages) > 0:
		return PhaseDelegating
	default:
		return PhaseClassified
	}
}

// View is a read-only summary of a session's workflow.
type View struct {
	SessionID      string                                    `json:"sessionId"`
	RunID          string                                    `json:"runId,omitempty"`
	TemplateID     string                                    `json:"templateId,omitempty"`
	Phase          Phase                                     `json:"phase"`
	PipelineActive bool                                      `json:"pipelineActive"`
	Cancelled      bool                                      `json:"cancelled,omitempty"`
	Terminated     bool                                      `json:"terminated,omitempty"`
	ActiveStages   []workflow.StageID                        `json:"activeStages,omitempty"`
	ReadyStages    []workflow.StageID                        `json:"readyStages,omitempty"`
	PendingRetry   *PendingRetry                             `json:"pendingRetry,omitempty"`
	Stages         map[workflow.StageID]workflow.StageStatus `json:"stages,omitempty"`
	Order          []workflow.StageID                        `json:"order,omitempty"`
	Annotations    []string                                  `json:"annotations,omitempty"`
}

// NewView summarises s.
func NewView(s WorkflowState) View {
	v := View{
		SessionID:      s.SessionID,
		RunID:          s.RunID,
		TemplateID:     s.TemplateID,
		Phase:          DerivePhase(s),
		PipelineActive: s.PipelineActive,
		Cancelled:      s.Cancelled,
		Terminated:     s.Terminated,
		ActiveStages:   append([]workflow.StageID(nil), s.ActiveStages...),
		PendingRetry:   s.PendingRetry.clone(),
		Annotations:    append([]string(nil), s.Annotations...),
	}
	if !s.HasDAG() {
		return v
	}
	v.Stages = s.StatusMap()
	for _, id := range topology.ReadyStages(s.DAG, v.Stages) {
		if !s.IsActive(id) {
			v.ReadyStages = append(v.ReadyStages, id)
		}
	}
	if order, err := topology.TopologicalSort(s.DAG); err == nil {
		v.Order = order
	}
	return v
}
