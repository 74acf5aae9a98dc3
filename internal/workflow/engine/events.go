package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/stageflow/internal/protocol"
	"github.com/kingrea/stageflow/internal/workflow"
)

// EventSchemaVersion is the supported inbound event version.
const EventSchemaVersion = 1

// EventType names a lifecycle event from the host.
type EventType string

const (
	EventClassify EventType = "classify"
	EventDelegate EventType = "delegate"
	EventFinish   EventType = "finish"
	EventLiveness EventType = "liveness"
	EventCancel   EventType = "cancel"
	EventNext     EventType = "next"
	EventTool     EventType = "tool"
)

func (t EventType) valid() bool {
	switch t {
	case EventClassify, EventDelegate, EventFinish, EventLiveness, EventCancel, EventNext, EventTool:
		return true
	}
	return false
}

// Event is one lifecycle notification from the host.
type Event struct {
	Version        int                 `json:"version"`
	EventID        string              `json:"event_id"`
	Type           EventType           `json:"type"`
	SessionID      string              `json:"session_id"`
	Stage          string              `json:"stage,omitempty"`
	TemplateID     string              `json:"template_id,omitempty"`
	Classification string              `json:"classification,omitempty"`
	Stages         []string            `json:"stages,omitempty"`
	Graph          workflow.RawDAG     `json:"graph,omitempty"`
	Transcript     protocol.Transcript `json:"transcript,omitempty"`
	Tool           string              `json:"tool,omitempty"`
	OccurredAt     time.Time           `json:"occurred_at"`
}

// Normalize applies defaults and canonical formatting before validation.
func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Version == 0 {
		e.Version = EventSchemaVersion
	}
	e.EventID = strings.TrimSpace(e.EventID)
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	e.Type = EventType(strings.ToLower(strings.TrimSpace(string(e.Type))))
	e.SessionID = strings.TrimSpace(e.SessionID)
	e.Stage = strings.ToUpper(strings.TrimSpace(e.Stage))
	e.TemplateID = strings.TrimSpace(e.TemplateID)
	e.Tool = strings.TrimSpace(e.Tool)
	for i, stage := range e.Stages {
		e.Stages[i] = strings.ToUpper(strings.TrimSpace(stage))
	}
}

// Validate enforces baseline schema requirements for incoming events.
func (e Event) Validate() error {
	if e.Version != EventSchemaVersion {
		return fmt.Errorf("version %d not supported", e.Version)
	}
	if e.EventID == "" {
		return errors.New("event_id is required")
	}
	if !e.Type.valid() {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.SessionID == "" {
		return errors.New("session_id is required")
	}
	switch e.Type {
	case EventFinish:
		if e.Stage == "" {
			return errors.New("stage is required for finish events")
		}
	case EventTool:
		if e.Tool == "" {
			return errors.New("tool is required for tool events")
		}
	}
	if e.Stage != "" {
		if err := checkStage(e.Stage); err != nil {
			return err
		}
	}
	for _, stage := range e.Stages {
		if err := checkStage(stage); err != nil {
			return err
		}
	}
	return nil
}

func checkStage(value string) error {
	id, err := workflow.ParseStageID(value)
	if err != nil {
		return err
	}
	if !id.Known() {
		return fmt.Errorf("%w: %q", workflow.ErrUnknownStage, value)
	}
	return nil
}

func (e Event) stageID() workflow.StageID {
	id, err := workflow.ParseStageID(e.Stage)
	if err != nil {
		return workflow.StageID{}
	}
	return id
}

func (e Event) stageIDs() []workflow.StageID {
	ids := make([]workflow.StageID, 0, len(e.Stages))
	for _, stage := range e.Stages {
		if id, err := workflow.ParseStageID(stage); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func (e Event) stageTypes() []workflow.StageType {
	types := make([]workflow.StageType, 0, len(e.Stages))
	for _, stage := range e.Stages {
		if id, err := workflow.ParseStageID(stage); err == nil {
			types = append(types, id.Base)
		}
	}
	return types
}

// Notice is what the engine reports to an EventSink after each transition.
type Notice struct {
	SessionID   string
	RunID       string
	Operation   string
	Stage       workflow.StageID
	Outcome     Outcome
	Action      ActionKind
	Phase       Phase
	Annotations []string
	At          time.Time
}

// Summary renders n as one log line.
func (n Notice) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", n.SessionID, n.Operation)
	if !n.Stage.IsZero() {
		fmt.Fprintf(&b, " %s", n.Stage)
	}
	if n.Outcome != "" {
		fmt.Fprintf(&b, " %s", n.Outcome)
	}
	fmt.Fprintf(&b, " -> %s (%s)", n.Action, n.Phase)
	if len(n.Annotations) > 0 {
		fmt.Fprintf(&b, ": %s", strings.Join(n.Annotations, "; "))
	}
	return b.String()
}

// Forced reports whether the notice carries a terminal or corrective outcome.
func (n Notice) Forced() bool {
	switch n.Outcome {
	case OutcomeForced, OutcomeCrashed, OutcomeTerminated, OutcomeTimedOut:
		return true
	}
	return false
}

// EventSink receives a Notice per engine transition.
type EventSink interface {
	Notify(Notice)
}

// EventSinkFunc adapts a function into an EventSink.
type EventSinkFunc func(Notice)

// Notify executes f(n).
func (f EventSinkFunc) Notify(n Notice) {
	if f == nil {
		return
	}
	f(n)
}

type nopSink struct{}

func (nopSink) Notify(Notice) {}
