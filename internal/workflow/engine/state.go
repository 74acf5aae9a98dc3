package engine

import (
	"time"

	"github.com/kingrea/stageflow/internal/workflow"
)

// SchemaVersion is the only persisted state version Load accepts.
const SchemaVersion = 2

// StageRecord is the runtime record of one stage.
type StageRecord struct {
	Status      workflow.StageStatus `json:"status"`
	Agent       string               `json:"agent,omitempty"`
	Verdict     workflow.Verdict     `json:"verdict,omitempty"`
	Severity    workflow.Severity    `json:"severity,omitempty"`
	ContextFile string               `json:"contextFile,omitempty"`
	Annotation  string               `json:"annotation,omitempty"`
	Attempts    int                  `json:"attempts,omitempty"`
	StartedAt   *time.Time           `json:"startedAt,omitempty"`
	FinishedAt  *time.Time           `json:"finishedAt,omitempty"`
}

// PendingRetry records an outstanding recede: Target must complete before
// the Failed stages run again.
type PendingRetry struct {
	Stage    workflow.StageID   `json:"stage"`
	Failed   []workflow.StageID `json:"failed"`
	Target   workflow.StageID   `json:"target"`
	Severity workflow.Severity  `json:"severity"`
	Round    int                `json:"round"`
}

func (p *PendingRetry) clone() *PendingRetry {
	if p == nil {
		return nil
	}
	out := *p
	out.Failed = append([]workflow.StageID(nil), p.Failed...)
	return &out
}

// RetryEntry is one line of the rolling failure log.
type RetryEntry struct {
	Stage    workflow.StageID  `json:"stage"`
	Target   workflow.StageID  `json:"target"`
	Severity workflow.Severity `json:"severity"`
	Round    int               `json:"round"`
	Hint     string            `json:"hint,omitempty"`
	At       time.Time         `json:"at"`
}

// WorkflowState is the persisted per-session workflow record.
type WorkflowState struct {
	Version        int                              `json:"version"`
	SessionID      string                           `json:"sessionId"`
	RunID          string                           `json:"runId,omitempty"`
	TemplateID     string                           `json:"templateId,omitempty"`
	Classification string                           `json:"classification,omitempty"`
	DAG            workflow.DAG                     `json:"dag,omitempty"`
	Stages         map[workflow.StageID]StageRecord `json:"stages,omitempty"`
	PipelineActive bool                             `json:"pipelineActive"`
	Cancelled      bool                             `json:"cancelled,omitempty"`
	Terminated     bool                             `json:"terminated,omitempty"`
	// TerminationReason explains why the workflow stopped early.
	TerminationReason string                   `json:"terminationReason,omitempty"`
	ActiveStages      []workflow.StageID       `json:"activeStages,omitempty"`
	Retries           map[workflow.StageID]int `json:"retries,omitempty"`
	PendingRetry      *PendingRetry            `json:"pendingRetry,omitempty"`
	RetryHistory      []RetryEntry             `json:"retryHistory,omitempty"`
	Crashes           map[workflow.StageID]int `json:"crashes,omitempty"`
	Annotations       []string                 `json:"annotations,omitempty"`
	CreatedAt         time.Time                `json:"createdAt"`
	UpdatedAt         time.Time                `json:"updatedAt"`
}

// NewState returns an empty state for session.
func NewState(session string, now time.Time) WorkflowState {
	return WorkflowState{
		Version:   SchemaVersion,
		SessionID: session,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// HasDAG reports whether a workflow graph is loaded.
func (s WorkflowState) HasDAG() bool {
	return len(s.DAG) > 0
}

// Clone returns a deep copy.
func (s WorkflowState) Clone() WorkflowState {
	out := s
	out.DAG = s.DAG.Clone()
	if s.Stages != nil {
		out.Stages = make(map[workflow.StageID]StageRecord, len(s.Stages))
		for id, rec := range s.Stages {
			out.Stages[id] = rec.clone()
		}
	}
	out.ActiveStages = append([]workflow.StageID(nil), s.ActiveStages...)
	out.Retries = cloneCounts(s.Retries)
	out.Crashes = cloneCounts(s.Crashes)
	out.PendingRetry = s.PendingRetry.clone()
	out.RetryHistory = append([]RetryEntry(nil), s.RetryHistory...)
	out.Annotations = append([]string(nil), s.Annotations...)
	return out
}

func (r StageRecord) clone() StageRecord {
	out := r
	if r.StartedAt != nil {
		at := *r.StartedAt
		out.StartedAt = &at
	}
	if r.FinishedAt != nil {
		at := *r.FinishedAt
		out.FinishedAt = &at
	}
	return out
}

func cloneCounts(values map[workflow.StageID]int) map[workflow.StageID]int {
	if len(values) == 0 {
		return nil
	}
	out := make(map[workflow.StageID]int, len(values))
	for id, n := range values {
		out[id] = n
	}
	return out
}

// Status returns the stage's status; unknown stages are pending.
func (s WorkflowState) Status(id workflow.StageID) workflow.StageStatus {
	if rec, ok := s.Stages[id]; ok && rec.Status != "" {
		return rec.Status
	}
	return workflow.StatusPending
}

// StatusMap returns the status of every DAG stage.
func (s WorkflowState) StatusMap() map[workflow.StageID]workflow.StageStatus {
	out := make(map[workflow.StageID]workflow.StageStatus, len(s.DAG))
	for id := range s.DAG {
		out[id] = s.Status(id)
	}
	return out
}

// StagesWith lists DAG stages in the given statuses, sorted.
func (s WorkflowState) StagesWith(statuses ...workflow.StageStatus) []workflow.StageID {
	var out []workflow.StageID
	for _, id := range s.DAG.IDs() {
		status := s.Status(id)
		for _, want := range statuses {
			if status == want {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// IsActive reports whether id is currently delegated.
func (s WorkflowState) IsActive(id workflow.StageID) bool {
	return workflow.ContainsStage(s.ActiveStages, id)
}

func (s *WorkflowState) record(id workflow.StageID) StageRecord {
	if s.Stages == nil {
		s.Stages = map[workflow.StageID]StageRecord{}
	}
	rec, ok := s.Stages[id]
	if !ok {
		rec = StageRecord{Status: workflow.StatusPending}
	}
	return rec
}

func (s *WorkflowState) update(id workflow.StageID, fn func(*StageRecord)) {
	rec := s.record(id)
	fn(&rec)
	s.Stages[id] = rec
}

func (s *WorkflowState) activate(id workflow.StageID) {
	if !s.IsActive(id) {
		s.ActiveStages = append(s.ActiveStages, id)
		workflow.SortStageIDs(s.ActiveStages)
	}
}

func (s *WorkflowState) deactivate(ids ...workflow.StageID) {
	if len(s.ActiveStages) == 0 {
		return
	}
	kept := s.ActiveStages[:0:0]
	for _, id := range s.ActiveStages {
		if !workflow.ContainsStage(ids, id) {
			kept = append(kept, id)
		}
	}
	s.ActiveStages = kept
}

func increment(counts *map[workflow.StageID]int, id workflow.StageID) int {
	if *counts == nil {
		*counts = map[workflow.StageID]int{}
	}
	(*counts)[id]++
	return (*counts)[id]
}

func (s *WorkflowState) annotate(note string) {
	s.Annotations = append(s.Annotations, note)
	if len(s.Annotations) > maxAnnotations {
		s.Annotations = s.Annotations[len(s.Annotations)-maxAnnotations:]
	}
}

const maxAnnotations = 50
