// Package barrier synchronises sibling stages that must all report before the
// workflow moves past them.
//
// The core is pure: Groups holds one session's group runtime state and every
// operation is a transform over it. Coordinator adds read-modify-write
// persistence through a Repository.
//
// Merge policy is worst-case-wins: any FAIL beats PASS and among FAILs the
// highest severity wins. The merge depends only on the set of reports, never
// on their arrival order.
package barrier

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/kingrea/stageflow/internal/workflow"
)

// DefaultTimeout is the window after which an unresolved group is force-filled.
const DefaultTimeout = 5 * time.Minute

// TimeoutHint is attached to synthetic results for siblings that never reported.
const TimeoutHint = "barrier timeout"

var (
	// ErrUnknownGroup is returned when a report names a group that was never created.
	ErrUnknownGroup = errors.New("barrier: unknown group")
	// ErrNotSibling is returned when a report comes from a stage outside the group.
	ErrNotSibling = errors.New("barrier: stage is not a sibling of the group")
)

// Report is one sibling's result.
type Report struct {
	Stage       workflow.StageID  `json:"stage"`
	Verdict     workflow.Verdict  `json:"verdict"`
	Severity    workflow.Severity `json:"severity,omitempty"`
	Hint        string            `json:"hint,omitempty"`
	ContextFile string            `json:"contextFile,omitempty"`
	// Synthetic marks results filled in by a timeout sweep.
	Synthetic  bool      `json:"synthetic,omitempty"`
	ReportedAt time.Time `json:"reportedAt"`
}

// Group is the runtime state of one barrier group.
type Group struct {
	Group      string                      `json:"group"`
	Total      int                         `json:"total"`
	Completed  []workflow.StageID          `json:"completed"`
	Results    map[workflow.StageID]Report `json:"results"`
	Next       *workflow.StageID           `json:"next"`
	Siblings   []workflow.StageID          `json:"siblings"`
	Resolved   bool                        `json:"resolved"`
	CreatedAt  time.Time                   `json:"createdAt"`
	ResolvedAt *time.Time                  `json:"resolvedAt,omitempty"`
}

// Merged is the combined verdict of a complete group.
type Merged struct {
	Group        string             `json:"group"`
	Verdict      workflow.Verdict   `json:"verdict"`
	Severity     workflow.Severity  `json:"severity,omitempty"`
	FailedStages []workflow.StageID `json:"failedStages,omitempty"`
	Hints        []string           `json:"hints,omitempty"`
	ContextFiles []string           `json:"contextFiles,omitempty"`
	TimedOut     []workflow.StageID `json:"timedOut,omitempty"`
	Next         *workflow.StageID  `json:"next,omitempty"`
}

// Outcome describes the effect of recording one report.
type Outcome struct {
	Group       string
	AllComplete bool
	Merged      *Merged
	// Stale is set when the group had already resolved; the report is ignored.
	Stale bool
	// Duplicate is set when the sibling had reported before; its result was replaced.
	Duplicate bool
	Completed int
	Total     int
}

// Timeout describes one group force-resolved by a sweep.
type Timeout struct {
	Group   string
	Missing []workflow.StageID
	Merged  Merged
}

// Groups maps group names to their runtime state for one session.
type Groups map[string]*Group

// Clone returns a deep copy.
func (gs Groups) Clone() Groups {
	out := make(Groups, len(gs))
	for name, g := range gs {
		out[name] = g.Clone()
	}
	return out
}

// Clone returns a deep copy of the group.
func (g *Group) Clone() *Group {
	if g == nil {
		return nil
	}
	clone := *g
	clone.Completed = append([]workflow.StageID(nil), g.Completed...)
	clone.Siblings = append([]workflow.StageID(nil), g.Siblings...)
	clone.Results = make(map[workflow.StageID]Report, len(g.Results))
	for id, r := range g.Results {
		clone.Results[id] = r
	}
	if g.Next != nil {
		clone.Next = workflow.StageRef(*g.Next)
	}
	if g.ResolvedAt != nil {
		at := *g.ResolvedAt
		clone.ResolvedAt = &at
	}
	return &clone
}

// Create initialises a group. An existing group is returned unchanged.
func (gs Groups) Create(name string, total int, next *workflow.StageID, siblings []workflow.StageID, now time.Time) *Group {
	if existing, ok := gs[name]; ok {
		return existing
	}
	if total <= 0 {
		total = len(siblings)
	}
	g := &Group{
		Group:     name,
		Total:     total,
		Completed: []workflow.StageID{},
		Results:   map[workflow.StageID]Report{},
		Siblings:  append([]workflow.StageID(nil), siblings...),
		CreatedAt: now,
	}
	if next != nil {
		g.Next = workflow.StageRef(*next)
	}
	gs[name] = g
	return g
}

// CreateFromConfig initialises a group from a node's barrier config.
func (gs Groups) CreateFromConfig(cfg workflow.BarrierConfig, now time.Time) *Group {
	return gs.Create(cfg.Group, cfg.Total, cfg.Next, cfg.Siblings, now)
}

// Record stores one sibling's report. A repeat report from the same sibling
// replaces its earlier result without counting twice. Once every sibling has
// reported the group resolves and the merged result is returned. Reports to
// a resolved group are ignored and flagged Stale.
func (gs Groups) Record(name string, report Report) (Outcome, error) {
	g, ok := gs[name]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownGroup, name)
	}
	out := Outcome{Group: name, Total: g.Total}
	if g.Resolved {
		out.Stale = true
		out.Completed = len(g.Completed)
		return out, nil
	}
	if len(g.Siblings) > 0 && !workflow.ContainsStage(g.Siblings, report.Stage) {
		return Outcome{}, fmt.Errorf("%w: %s not in %s", ErrNotSibling, report.Stage, name)
	}
	if g.Results == nil {
		g.Results = map[workflow.StageID]Report{}
	}
	if _, seen := g.Results[report.Stage]; seen {
		out.Duplicate = true
	} else {
		g.Completed = append(g.Completed, report.Stage)
	}
	g.Results[report.Stage] = normalizeReport(report)
	out.Completed = len(g.Completed)
	if len(g.Completed) >= g.Total {
		resolvedAt := report.ReportedAt
		g.Resolved = true
		g.ResolvedAt = &resolvedAt
		merged := g.Merge()
		out.AllComplete = true
		out.Merged = &merged
	}
	return out, nil
}

// Merge combines the recorded results worst-case-wins. Siblings are visited
// in declared order and failed stages are sorted, so the result does not
// depend on arrival order.
func (g *Group) Merge() Merged {
	merged := Merged{Group: g.Group, Verdict: workflow.VerdictPass}
	if g.Next != nil {
		merged.Next = workflow.StageRef(*g.Next)
	}
	for _, id := range g.memberOrder() {
		r, ok := g.Results[id]
		if !ok {
			continue
		}
		if r.Synthetic {
			merged.TimedOut = append(merged.TimedOut, id)
		}
		if !r.Verdict.Failed() {
			continue
		}
		merged.Verdict = workflow.VerdictFail
		merged.Severity = workflow.MaxSeverity(merged.Severity, r.Severity)
		merged.FailedStages = append(merged.FailedStages, id)
		if r.Hint != "" {
			merged.Hints = append(merged.Hints, fmt.Sprintf("%s: %s", id, r.Hint))
		}
		if r.ContextFile != "" {
			merged.ContextFiles = append(merged.ContextFiles, r.ContextFile)
		}
	}
	workflow.SortStageIDs(merged.FailedStages)
	workflow.SortStageIDs(merged.TimedOut)
	return merged
}

// memberOrder returns declared siblings followed by any other reporters in
// canonical order.
func (g *Group) memberOrder() []workflow.StageID {
	order := append([]workflow.StageID(nil), g.Siblings...)
	var extra []workflow.StageID
	for id := range g.Results {
		if !workflow.ContainsStage(order, id) {
			extra = append(extra, id)
		}
	}
	workflow.SortStageIDs(extra)
	return append(order, extra...)
}

// Missing lists siblings that have not reported.
func (g *Group) Missing() []workflow.StageID {
	var missing []workflow.StageID
	for _, id := range g.Siblings {
		if _, ok := g.Results[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// Sweep force-resolves every unresolved group older than window: missing
// siblings get a synthetic FAIL/HIGH result and the group merges as if
// complete. Groups are visited by name. A second sweep finds nothing to do.
func (gs Groups) Sweep(now time.Time, window time.Duration) []Timeout {
	if window <= 0 {
		window = DefaultTimeout
	}
	names := make([]string, 0, len(gs))
	for name := range gs {
		names = append(names, name)
	}
	sort.Strings(names)
	var timeouts []Timeout
	for _, name := range names {
		g := gs[name]
		if g.Resolved || now.Sub(g.CreatedAt) <= window {
			continue
		}
		missing := g.Missing()
		if g.Results == nil {
			g.Results = map[workflow.StageID]Report{}
		}
		for _, id := range missing {
			g.Results[id] = Report{
				Stage:      id,
				Verdict:    workflow.VerdictFail,
				Severity:   workflow.SeverityHigh,
				Hint:       TimeoutHint,
				Synthetic:  true,
				ReportedAt: now,
			}
			g.Completed = append(g.Completed, id)
		}
		resolvedAt := now
		g.Resolved = true
		g.ResolvedAt = &resolvedAt
		timeouts = append(timeouts, Timeout{Group: name, Missing: missing, Merged: g.Merge()})
	}
	return timeouts
}

// Replace makes gs hold exactly the groups of other.
func (gs Groups) Replace(other Groups) {
	for name := range gs {
		if _, ok := other[name]; !ok {
			delete(gs, name)
		}
	}
	for name, g := range other {
		gs[name] = g
	}
}

// Reset deletes a group so the next report starts it fresh.
func (gs Groups) Reset(name string) {
	delete(gs, name)
}

// ResetTouching deletes every group with a sibling in stages and returns the
// deleted names.
func (gs Groups) ResetTouching(stages []workflow.StageID) []string {
	var removed []string
	for name, g := range gs {
		for _, sibling := range g.Siblings {
			if workflow.ContainsStage(stages, sibling) {
				removed = append(removed, name)
				break
			}
		}
	}
	sort.Strings(removed)
	for _, name := range removed {
		delete(gs, name)
	}
	return removed
}

// RecedeTarget returns the stage a failed group recedes to: the onFail of
// its first sibling. When the first sibling is a later instance (REVIEW:2)
// and the graph has the matching instance of the target (DEV:2), that
// instance is used.
func RecedeTarget(dag workflow.DAG, siblings []workflow.StageID) (workflow.StageID, bool) {
	if len(siblings) == 0 {
		return workflow.StageID{}, false
	}
	first := siblings[0]
	node, ok := dag[first]
	if !ok || node.OnFail == nil {
		return workflow.StageID{}, false
	}
	target := *node.OnFail
	if first.Instance() > 1 && target.Instance() == 1 {
		if qualified := target.WithInstance(first.Instance()); dag.Has(qualified) {
			target = qualified
		}
	}
	if !dag.Has(target) {
		return workflow.StageID{}, false
	}
	return target, true
}

func normalizeReport(r Report) Report {
	if r.Verdict.Failed() {
		if !r.Severity.Valid() {
			r.Severity = workflow.SeverityMedium
		}
		return r
	}
	r.Verdict = workflow.VerdictPass
	r.Severity = workflow.SeverityNone
	return r
}
