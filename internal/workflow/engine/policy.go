package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/stageflow/internal/barrier"
	"github.com/kingrea/stageflow/internal/protocol"
	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/scheduler"
	"github.com/kingrea/stageflow/internal/workflow/topology"
)

const (
	// DefaultMaxRetries is the recede ceiling per stage.
	DefaultMaxRetries = 3
	// DefaultMaxCrashRetries is how often a crashed stage is redelegated
	// before the workflow terminates.
	DefaultMaxCrashRetries = 3
	// DefaultRetryHistoryLimit bounds the rolling failure log.
	DefaultRetryHistoryLimit = 20
)

// Outcome labels what a policy transition did.
type Outcome string

const (
	OutcomePassed     Outcome = "passed"
	OutcomeReceded    Outcome = "receded"
	OutcomeForced     Outcome = "forced"
	OutcomeWaiting    Outcome = "waiting"
	OutcomeCrashed    Outcome = "crashed"
	OutcomeTerminated Outcome = "terminated"
	OutcomeIgnored    Outcome = "ignored"
	OutcomeTimedOut   Outcome = "timed-out"
	OutcomeUnchanged  Outcome = "unchanged"
)

// Policy holds the retry and crash rules. Its methods are pure: they take a
// state snapshot and return a new one.
type Policy struct {
	MaxRetries      int
	MaxCrashRetries int
	HistoryLimit    int
	// MaxParallel caps concurrently active stages; zero disables the cap.
	MaxParallel int
	// Skip marks ready stages for cascade-skip.
	Skip   scheduler.SkipPredicate
	Parser *protocol.Parser
}

// DefaultPolicy returns the built-in limits.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      DefaultMaxRetries,
		MaxCrashRetries: DefaultMaxCrashRetries,
		HistoryLimit:    DefaultRetryHistoryLimit,
	}
}

func (p Policy) ceiling(node workflow.Node) int {
	if node.MaxRetries != nil && *node.MaxRetries >= 0 {
		return *node.MaxRetries
	}
	if p.MaxRetries < 0 {
		return 0
	}
	return p.MaxRetries
}

func (p Policy) parser() *protocol.Parser {
	if p.Parser != nil {
		return p.Parser
	}
	return protocol.New(protocol.DefaultConfig())
}

// Resolution is the result of a policy transition.
type Resolution struct {
	State   WorkflowState
	Groups  barrier.Groups
	Action  Action
	Outcome Outcome
	// Forced lists corrections applied to the worker's route.
	Forced   []string
	Timeouts []barrier.Timeout
}

type transition struct {
	policy  Policy
	state   WorkflowState
	groups  barrier.Groups
	now     time.Time
	notes   []string
	forced  []string
	strict  []workflow.StageID
	outcome Outcome
}

func (p Policy) begin(state WorkflowState, groups barrier.Groups, now time.Time) *transition {
	gs := groups.Clone()
	if gs == nil {
		gs = barrier.Groups{}
	}
	return &transition{policy: p, state: state.Clone(), groups: gs, now: now, outcome: OutcomeUnchanged}
}

func (t *transition) note(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	t.notes = append(t.notes, msg)
	t.state.annotate(msg)
}

func (t *transition) resolution() Resolution {
	action := t.advance()
	action.Annotations = append(append([]string(nil), t.notes...), action.Annotations...)
	return Resolution{
		State:   t.state,
		Groups:  t.groups,
		Action:  action,
		Outcome: t.outcome,
		Forced:  t.forced,
	}
}

// Resolve applies a finished stage's parsed result.
func (p Policy) Resolve(state WorkflowState, groups barrier.Groups, stage workflow.StageID, result protocol.Result, now time.Time) Resolution {
	t := p.begin(state, groups, now)
	t.finish(stage, result)
	return t.resolution()
}

// Sweep force-resolves timed-out barrier groups and reroutes the workflow
// as if every missing sibling had failed.
func (p Policy) Sweep(state WorkflowState, groups barrier.Groups, now time.Time, window time.Duration) Resolution {
	t := p.begin(state, groups, now)
	timeouts := t.groups.Sweep(now, window)
	for _, timeout := range timeouts {
		t.outcome = OutcomeTimedOut
		t.note("barrier %s timed out waiting for %s", timeout.Group,
			strings.Join(workflow.StageStrings(timeout.Missing), ", "))
		g := t.groups[timeout.Group]
		if !t.state.PipelineActive || g == nil {
			continue
		}
		cfg := workflow.BarrierConfig{Group: g.Group, Total: g.Total, Next: g.Next, Siblings: g.Siblings}
		t.applyMerged(cfg, timeout.Merged)
	}
	res := t.resolution()
	res.Timeouts = timeouts
	return res
}

// Advance cascade-skips newly ready stages and computes the next action
// without applying any result.
func (p Policy) Advance(state WorkflowState, now time.Time) (WorkflowState, Action) {
	t := p.begin(state, nil, now)
	res := t.resolution()
	return res.State, res.Action
}

func (t *transition) finish(stage workflow.StageID, result protocol.Result) {
	st := &t.state
	node, ok := st.DAG[stage]
	if !ok || !st.PipelineActive {
		t.outcome = OutcomeIgnored
		t.note("%s is not part of an active workflow, result ignored", stage)
		return
	}
	if !st.IsActive(stage) {
		t.outcome = OutcomeIgnored
		t.note("%s is not active, result ignored", stage)
		return
	}
	st.deactivate(stage)

	if result.Crashed() {
		t.crash(stage)
		return
	}
	delete(st.Crashes, stage)

	route := protocol.Route{Verdict: workflow.VerdictPass, Route: protocol.RouteNext}
	if result.Found() {
		route = result.Route
	} else {
		t.note("%s produced no output, treating as PASS", stage)
	}
	route, warnings := t.policy.parser().ValidateRoute(route)
	for _, w := range warnings {
		t.note("%s: %s", stage, w)
	}
	route, forced := protocol.EnforcePolicy(route, protocol.PolicyView{
		DAG:          st.DAG,
		ActiveStages: st.ActiveStages,
		Retries:      st.Retries[stage],
		MaxRetries:   t.policy.ceiling(node),
	}, stage)
	for _, f := range forced {
		t.force("%s: %s", stage, f)
	}

	st.update(stage, func(rec *StageRecord) {
		rec.Verdict = route.Verdict
		rec.Severity = route.Severity
		rec.ContextFile = route.ContextFile
		rec.Annotation = strings.Join(forced, "; ")
		finished := t.now
		rec.FinishedAt = &finished
	})

	if node.Barrier != nil {
		t.reportBarrier(stage, *node.Barrier, route)
		return
	}
	switch route.Route {
	case protocol.RouteComplete:
		t.complete(stage)
		t.completeEarly(stage)
	case protocol.RouteDev:
		target, _ := protocol.RecedeTarget(st.DAG, stage)
		t.recede([]workflow.StageID{stage}, target, route.Severity, route.Hint)
	default:
		t.complete(stage)
	}
}

func (t *transition) force(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	t.forced = append(t.forced, msg)
	t.note("%s", msg)
}

// complete marks stage completed and releases a pending retry it was the
// target of.
func (t *transition) complete(stage workflow.StageID) {
	st := &t.state
	var verdict workflow.Verdict
	st.update(stage, func(rec *StageRecord) {
		rec.Status = workflow.StatusCompleted
		if rec.Verdict == "" {
			rec.Verdict = workflow.VerdictPass
		}
		verdict = rec.Verdict
	})
	if verdict.Failed() {
		t.outcome = OutcomeForced
	} else {
		delete(st.Retries, stage)
		if t.outcome == OutcomeUnchanged || t.outcome == OutcomeWaiting {
			t.outcome = OutcomePassed
		}
	}
	if retry := st.PendingRetry; retry != nil && retry.Target == stage {
		for _, failed := range retry.Failed {
			if st.Status(failed) == workflow.StatusFailed {
				st.update(failed, func(rec *StageRecord) { rec.Status = workflow.StatusPending })
			}
		}
		t.note("retry target %s completed, rerunning %s", stage,
			strings.Join(workflow.StageStrings(retry.Failed), ", "))
		st.PendingRetry = nil
	}
}

// completeEarly skips everything still waiting after a COMPLETE route.
func (t *transition) completeEarly(by workflow.StageID) {
	st := &t.state
	skipped := st.StagesWith(workflow.StatusPending, workflow.StatusFailed)
	for _, id := range skipped {
		st.update(id, func(rec *StageRecord) {
			rec.Status = workflow.StatusSkipped
			rec.Annotation = fmt.Sprintf("skipped: workflow completed early by %s", by)
		})
	}
	st.PendingRetry = nil
	if len(skipped) > 0 {
		t.note("%s completed the workflow early, skipped %s", by,
			strings.Join(workflow.StageStrings(skipped), ", "))
	}
}

// recede fails the given stages and resets the target and its descendants
// so the target runs again.
func (t *transition) recede(failed []workflow.StageID, target workflow.StageID, severity workflow.Severity, hint string) {
	st := &t.state
	round := 0
	for _, id := range failed {
		if n := increment(&st.Retries, id); n > round {
			round = n
		}
		st.update(id, func(rec *StageRecord) { rec.Status = workflow.StatusFailed })
	}

	reset := append([]workflow.StageID{target}, topology.Descendants(st.DAG, target)...)
	for _, id := range reset {
		if workflow.ContainsStage(failed, id) {
			continue
		}
		if st.IsActive(id) {
			st.deactivate(id)
			t.note("%s was still running and is reset by the recede to %s", id, target)
		}
		if st.Status(id) == workflow.StatusPending {
			continue
		}
		st.update(id, func(rec *StageRecord) {
			rec.Status = workflow.StatusPending
			rec.Verdict = ""
			rec.Severity = ""
			rec.FinishedAt = nil
		})
	}
	for _, name := range t.groups.ResetTouching(append(reset, failed...)) {
		t.note("barrier %s reset by recede", name)
	}

	st.PendingRetry = &PendingRetry{
		Stage:    failed[0],
		Failed:   append([]workflow.StageID(nil), failed...),
		Target:   target,
		Severity: severity,
		Round:    round,
	}
	for _, id := range failed {
		st.RetryHistory = append(st.RetryHistory, RetryEntry{
			Stage: id, Target: target, Severity: severity, Round: st.Retries[id], Hint: hint, At: t.now,
		})
	}
	if limit := t.policy.HistoryLimit; limit > 0 && len(st.RetryHistory) > limit {
		st.RetryHistory = st.RetryHistory[len(st.RetryHistory)-limit:]
	}
	t.outcome = OutcomeReceded
	t.note("%s failed (%s), receding to %s (round %d)",
		strings.Join(workflow.StageStrings(failed), ", "), severity, target, round)
}

func (t *transition) crash(stage workflow.StageID) {
	st := &t.state
	n := increment(&st.Crashes, stage)
	if n > t.policy.MaxCrashRetries {
		st.update(stage, func(rec *StageRecord) {
			rec.Status = workflow.StatusFailed
			rec.Annotation = "crashed without a parsable result"
		})
		st.PipelineActive = false
		st.Terminated = true
		st.TerminationReason = fmt.Sprintf("%s crashed %d times without a parsable result", stage, n)
		t.outcome = OutcomeTerminated
		t.note("terminating workflow: %s", st.TerminationReason)
		return
	}
	st.update(stage, func(rec *StageRecord) {
		rec.Status = workflow.StatusPending
		rec.Annotation = fmt.Sprintf("crash %d/%d: output without a parsable result", n, t.policy.MaxCrashRetries)
	})
	t.strict = append(t.strict, stage)
	t.outcome = OutcomeCrashed
	t.note("%s produced output without a result, redelegating with strict contract (%d/%d)",
		stage, n, t.policy.MaxCrashRetries)
}

func (t *transition) reportBarrier(stage workflow.StageID, cfg workflow.BarrierConfig, route protocol.Route) {
	report := barrier.Report{
		Stage:       stage,
		Verdict:     route.Verdict,
		Severity:    route.Severity,
		Hint:        route.Hint,
		ContextFile: route.ContextFile,
		ReportedAt:  t.now,
	}
	t.groups.CreateFromConfig(cfg, t.now)
	out, err := t.groups.Record(cfg.Group, report)
	if err == nil && out.Stale {
		// a new round after an earlier resolution
		t.groups.Reset(cfg.Group)
		t.groups.CreateFromConfig(cfg, t.now)
		out, err = t.groups.Record(cfg.Group, report)
	}
	if err != nil {
		t.note("%s: %v, continuing without barrier", stage, err)
		t.complete(stage)
		return
	}
	t.state.update(stage, func(rec *StageRecord) { rec.Status = workflow.StatusCompleted })
	if !out.AllComplete {
		t.outcome = OutcomeWaiting
		t.note("%s reported to barrier %s (%d/%d)", stage, cfg.Group, out.Completed, out.Total)
		return
	}
	t.applyMerged(cfg, *out.Merged)
}

// applyMerged routes a resolved barrier group.
func (t *transition) applyMerged(cfg workflow.BarrierConfig, merged barrier.Merged) {
	st := &t.state
	st.deactivate(cfg.Siblings...)
	for _, id := range merged.TimedOut {
		st.update(id, func(rec *StageRecord) {
			rec.Status = workflow.StatusCompleted
			rec.Verdict = workflow.VerdictFail
			rec.Severity = workflow.SeverityHigh
			rec.Annotation = barrier.TimeoutHint
		})
	}
	if !merged.Verdict.Failed() {
		for _, id := range cfg.Siblings {
			t.complete(id)
		}
		t.note("barrier %s passed", cfg.Group)
		return
	}

	t.note("barrier %s failed (%s): %s", cfg.Group, merged.Severity,
		strings.Join(workflow.StageStrings(merged.FailedStages), ", "))
	for _, id := range merged.FailedStages {
		if st.Retries[id] >= t.policy.ceiling(st.DAG[id]) {
			t.force("retry ceiling reached for barrier %s, forcing NEXT", cfg.Group)
			t.completeSiblings(cfg)
			return
		}
	}
	target, ok := barrier.RecedeTarget(st.DAG, cfg.Siblings)
	if !ok {
		t.force("barrier %s: FAIL but no recede available, forcing continue", cfg.Group)
		t.completeSiblings(cfg)
		return
	}
	t.recede(merged.FailedStages, target, merged.Severity, strings.Join(merged.Hints, "; "))
}

func (t *transition) completeSiblings(cfg workflow.BarrierConfig) {
	for _, id := range cfg.Siblings {
		t.complete(id)
	}
	t.outcome = OutcomeForced
}

// advance cascade-skips ready stages and picks the next action.
func (t *transition) advance() (action Action) {
	st := &t.state
	action = Action{SessionID: st.SessionID}
	defer func() { action.Phase = DerivePhase(*st) }()

	if !st.PipelineActive {
		switch {
		case st.Terminated:
			action.Kind = ActionTerminate
			action.Reason = st.TerminationReason
		case st.HasDAG():
			action.Kind = ActionComplete
		default:
			action.Kind = ActionNone
		}
		return action
	}

	for attempt := 0; attempt <= len(st.DAG); attempt++ {
		batch := t.runnable()
		if len(batch.Cascade) > 0 {
			for _, id := range batch.Cascade {
				reason := batch.Skipped[id].Detail
				st.update(id, func(rec *StageRecord) {
					rec.Status = workflow.StatusSkipped
					rec.Annotation = reason
				})
				t.note("%s skipped: %s", id, reason)
			}
			continue
		}

		if len(st.StagesWith(workflow.StatusPending, workflow.StatusActive, workflow.StatusFailed)) == 0 && len(st.ActiveStages) == 0 {
			st.PipelineActive = false
			st.PendingRetry = nil
			action.Kind = ActionComplete
			return action
		}

		if retry := st.PendingRetry; retry != nil {
			target := retry.Target
			switch {
			case st.IsActive(target):
				action.Kind = ActionWait
				action.Stages = append([]workflow.StageID(nil), st.ActiveStages...)
				return action
			case st.Status(target) == workflow.StatusPending && t.ready(target):
				action.Kind = ActionRetry
				action.Stages = []workflow.StageID{target}
				action.Strict = t.strictFor(action.Stages)
				return action
			case st.Status(target) == workflow.StatusPending:
				// target still blocked by its own deps; run those first
			default:
				t.note("retry target %s is %s, releasing %s", target, st.Status(target),
					strings.Join(workflow.StageStrings(retry.Failed), ", "))
				for _, id := range retry.Failed {
					st.update(id, func(rec *StageRecord) { rec.Status = workflow.StatusPending })
				}
				st.PendingRetry = nil
				continue
			}
		}

		if len(batch.Stages) > 0 {
			action.Kind = ActionDelegate
			action.Stages = batch.Stages
			action.Strict = t.strictFor(batch.Stages)
			return action
		}
		if len(st.ActiveStages) > 0 {
			action.Kind = ActionWait
			action.Stages = append([]workflow.StageID(nil), st.ActiveStages...)
			return action
		}

		stalled := st.StagesWith(workflow.StatusFailed)
		if len(stalled) == 0 {
			break
		}
		for _, id := range stalled {
			st.update(id, func(rec *StageRecord) {
				rec.Status = workflow.StatusCompleted
				rec.Annotation = "stalled after failure, forcing continue"
			})
		}
		t.force("stalled on %s, forcing continue", strings.Join(workflow.StageStrings(stalled), ", "))
		st.PendingRetry = nil
	}
	action.Kind = ActionWait
	action.Reason = "no stage is runnable"
	return action
}

func (t *transition) runnable() scheduler.RunnableBatch {
	sched, err := scheduler.New(t.state.DAG)
	if err != nil {
		return scheduler.RunnableBatch{}
	}
	batch, err := sched.Runnable(scheduler.RunnableRequest{
		Status:      t.state.StatusMap(),
		MaxParallel: t.policy.MaxParallel,
		Running:     t.state.ActiveStages,
		Skip:        t.policy.Skip,
	})
	if err != nil {
		return scheduler.RunnableBatch{}
	}
	if retry := t.state.PendingRetry; retry != nil {
		// only the target and its prerequisites run while a retry is pending
		allowed := append(topology.Ancestors(t.state.DAG, retry.Target), retry.Target)
		kept := batch.Stages[:0:0]
		for _, id := range batch.Stages {
			if workflow.ContainsStage(allowed, id) {
				kept = append(kept, id)
			}
		}
		batch.Stages = kept
	}
	return batch
}

func (t *transition) ready(id workflow.StageID) bool {
	for _, ready := range topology.ReadyStages(t.state.DAG, t.state.StatusMap()) {
		if ready == id {
			return true
		}
	}
	return false
}

func (t *transition) strictFor(stages []workflow.StageID) []workflow.StageID {
	var out []workflow.StageID
	for _, id := range stages {
		if workflow.ContainsStage(t.strict, id) || t.state.Crashes[id] > 0 {
			out = append(out, id)
		}
	}
	return out
}
