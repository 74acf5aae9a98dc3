// Package protocol reads and normalises the result a worker reports at the
// end of a stage.
//
// Workers are asked to finish with a structured marker:
//
//	<!-- ROUTE: {"verdict":"FAIL","route":"DEV","severity":"HIGH","hint":"..."} -->
//
// ParseRoute falls back to the legacy single-token form (PASS, FAIL:HIGH)
// and then to content inference over long reports. ValidateRoute repairs
// malformed values and EnforcePolicy applies workflow rules the worker
// cannot see, such as the retry ceiling.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kingrea/stageflow/internal/workflow"
)

// Marker delimiters.
const (
	MarkerOpen  = "<!-- ROUTE:"
	MarkerClose = "-->"
)

// DefaultBarrierGroup names the group of a BARRIER route that omitted one.
const DefaultBarrierGroup = "default"

// Kind is the routing instruction that accompanies a verdict.
type Kind string

const (
	// RouteNext continues to the next stage.
	RouteNext Kind = "NEXT"
	// RouteDev recedes to the stage's implementation stage.
	RouteDev Kind = "DEV"
	// RouteBarrier reports into the stage's barrier group.
	RouteBarrier Kind = "BARRIER"
	// RouteComplete finishes the workflow early.
	RouteComplete Kind = "COMPLETE"
)

// ParseKind normalises a route name, reporting false for unknown values.
func ParseKind(value string) (Kind, bool) {
	switch k := Kind(strings.ToUpper(strings.TrimSpace(value))); k {
	case RouteNext, RouteDev, RouteBarrier, RouteComplete:
		return k, true
	}
	return "", false
}

// Route is a worker's structured result.
type Route struct {
	Verdict      workflow.Verdict  `json:"verdict"`
	Route        Kind              `json:"route"`
	Severity     workflow.Severity `json:"severity,omitempty"`
	BarrierGroup string            `json:"barrierGroup,omitempty"`
	Hint         string            `json:"hint,omitempty"`
	ContextFile  string            `json:"context_file,omitempty"`
}

// Passed reports whether the verdict is PASS.
func (r Route) Passed() bool {
	return r.Verdict == workflow.VerdictPass
}

// Marker renders r in the structured marker form.
func (r Route) Marker() string {
	encoded, err := json.Marshal(r)
	if err != nil {
		// Route holds only strings.
		panic(fmt.Sprintf("protocol: encode route: %v", err))
	}
	return fmt.Sprintf("%s %s %s", MarkerOpen, encoded, MarkerClose)
}

// Source records how a route was obtained.
type Source string

const (
	SourceStructured Source = "structured"
	SourceLegacy     Source = "legacy"
	SourceInferred   Source = "inferred"
	SourceNone       Source = "none"
)

// Result is the outcome of parsing a transcript.
type Result struct {
	Route  Route
	Source Source
	// HasOutput reports whether the worker produced any output at all. A
	// result with output but SourceNone is a crash.
	HasOutput bool
}

// Found reports whether a route was recovered.
func (r Result) Found() bool {
	return r.Source != SourceNone && r.Source != ""
}

// Crashed reports output without any recoverable result.
func (r Result) Crashed() bool {
	return r.HasOutput && !r.Found()
}

// Message roles.
const (
	RoleWorker = "assistant"
	RoleUser   = "user"
	RoleTool   = "tool"
)

// Message is one entry of a worker session transcript.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Transcript is a worker session in chronological order.
type Transcript []Message

// LastWorkerOutput returns the text of the most recent worker message.
func (t Transcript) LastWorkerOutput() (string, bool) {
	for i := len(t) - 1; i >= 0; i-- {
		if t[i].Role != RoleWorker {
			continue
		}
		if strings.TrimSpace(t[i].Text) == "" {
			continue
		}
		return t[i].Text, true
	}
	return "", false
}

// WorkerText wraps a single block of worker output as a transcript.
func WorkerText(text string) Transcript {
	return Transcript{{Role: RoleWorker, Text: text}}
}
