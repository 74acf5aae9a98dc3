package eventbridge

import (
	"context"
	"time"

	"github.com/kingrea/stageflow/internal/workflow/engine"
)

// ProtocolVersion identifies the bridge contract version exposed via /health.
const ProtocolVersion = "1.0.0"

// EventProcessor consumes validated lifecycle events and answers with the
// engine's next action.
type EventProcessor interface {
	HandleEvent(ctx context.Context, evt engine.Event) (engine.Action, error)
}

// EventProcessorFunc adapts a function into an EventProcessor.
type EventProcessorFunc func(context.Context, engine.Event) (engine.Action, error)

// HandleEvent executes f(ctx, evt).
func (f EventProcessorFunc) HandleEvent(ctx context.Context, evt engine.Event) (engine.Action, error) {
	if f == nil {
		return engine.Action{Kind: engine.ActionNone, SessionID: evt.SessionID}, nil
	}
	return f(ctx, evt)
}

// ForEngine routes events into e.Handle.
func ForEngine(e *engine.Engine) EventProcessor {
	return EventProcessorFunc(e.Handle)
}

// ViewSource reads the host-facing view of a session.
type ViewSource interface {
	View(ctx context.Context, session string) (engine.View, error)
}

// Logger records bridge status information. It matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	RouterReady   bool   `json:"router_ready"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type eventResponse struct {
	Status     string        `json:"status"`
	EventID    string        `json:"event_id"`
	Duplicate  bool          `json:"duplicate,omitempty"`
	Action     engine.Action `json:"action"`
	ServerTime time.Time     `json:"server_time"`
}
