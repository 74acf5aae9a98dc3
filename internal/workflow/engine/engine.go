package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kingrea/stageflow/internal/barrier"
	"github.com/kingrea/stageflow/internal/protocol"
	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/builder"
	"github.com/kingrea/stageflow/internal/workflow/topology"
)

var (
	// ErrNoWorkflow is returned when an operation needs an active workflow.
	ErrNoWorkflow = errors.New("workflow engine: no active workflow")
	// ErrStageNotReady is returned when delegating a stage that cannot run yet.
	ErrStageNotReady = errors.New("workflow engine: stage not ready")
)

// Engine applies lifecycle events to persisted workflow state. Every call is
// a read-modify-write of the session's state and barrier records.
type Engine struct {
	states   StateStore
	barriers *barrier.Coordinator
	builder  *builder.Builder
	policy   Policy
	roster   workflow.Roster
	tools    ToolPolicy
	sink     EventSink
	clock    func() time.Time
	logger   *slog.Logger

	mu sync.Mutex
}

// Option customizes the engine instance.
type Option func(*Engine)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithPolicy replaces the retry and crash policy.
func WithPolicy(policy Policy) Option {
	return func(e *Engine) {
		e.policy = policy
	}
}

// WithRoster sets the worker roster used for directives.
func WithRoster(roster workflow.Roster) Option {
	return func(e *Engine) {
		e.roster = roster
	}
}

// WithTools overrides the gated tool names.
func WithTools(tools ToolPolicy) Option {
	return func(e *Engine) {
		e.tools = tools
	}
}

// WithSink receives a Notice after every transition.
func WithSink(sink EventSink) Option {
	return func(e *Engine) {
		if sink != nil {
			e.sink = sink
		}
	}
}

// New wires an engine to its state store, barrier coordinator and graph
// builder.
func New(states StateStore, barriers *barrier.Coordinator, b *builder.Builder, opts ...Option) (*Engine, error) {
	if states == nil {
		return nil, fmt.Errorf("workflow engine: state store is required")
	}
	if barriers == nil {
		return nil, fmt.Errorf("workflow engine: barrier coordinator is required")
	}
	if b == nil {
		b = builder.New(nil)
	}
	engine := &Engine{
		states:   states,
		barriers: barriers,
		builder:  b,
		policy:   DefaultPolicy(),
		roster:   workflow.DefaultRoster(),
		tools:    DefaultToolPolicy(),
		sink:     nopSink{},
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}

// ClassifyRequest starts or upgrades a session's workflow.
type ClassifyRequest struct {
	SessionID      string
	Classification string
	TemplateID     string
	Stages         []workflow.StageType
	// Graph is an ad hoc graph; it takes precedence over TemplateID.
	Graph workflow.RawDAG
}

// DelegateRequest marks stages as handed to workers. An empty Stages list
// delegates the current runnable batch.
type DelegateRequest struct {
	SessionID string
	Stages    []workflow.StageID
}

// FinishRequest reports a worker's transcript for a stage.
type FinishRequest struct {
	SessionID  string
	Stage      workflow.StageID
	Transcript protocol.Transcript
}

// Classify builds the graph and starts the pipeline. An active workflow is
// upgraded in place: finished stages that survive in the new graph keep
// their records.
func (e *Engine) Classify(ctx context.Context, req ClassifyRequest) (action Action, err error) {
	ctx, end := e.trace(ctx, "classify", req.SessionID)
	defer func() { end(err) }()
	if strings.TrimSpace(req.SessionID) == "" {
		return Action{}, errors.New("workflow engine: session id is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	built := e.builder.Build(builder.Request{TemplateID: req.TemplateID, Stages: req.Stages, Graph: req.Graph})
	current, err := e.load(ctx, req.SessionID)
	if err != nil {
		return Action{}, err
	}
	now := e.now()
	var state WorkflowState
	upgrading := current.PipelineActive && current.HasDAG()
	if upgrading {
		state = upgrade(current, built.DAG)
		state.annotate(fmt.Sprintf("workflow upgraded to %s", describeBuild(built)))
	} else {
		state = NewState(req.SessionID, now)
		state.RunID = uuid.NewString()
		state.RetryHistory = current.RetryHistory
		state.DAG = built.DAG.Clone()
		state.annotate(fmt.Sprintf("workflow classified as %s", describeBuild(built)))
	}
	state.TemplateID = built.TemplateID
	state.Classification = req.Classification
	state.PipelineActive = true
	for _, note := range append(append(append([]string(nil), built.Fixes...), built.Notes...), built.Annotations...) {
		state.annotate(note)
	}
	if upgrading {
		err = e.barriers.Apply(ctx, req.SessionID, func(groups barrier.Groups) error {
			for _, note := range reconcileBarriers(&state, groups, now) {
				state.annotate(note)
			}
			return nil
		})
	} else {
		err = e.barriers.Clear(ctx, req.SessionID)
	}
	if err != nil {
		return Action{}, err
	}
	state, action = e.policy.Advance(state, now)
	return e.commit(ctx, "classify", workflow.StageID{}, Resolution{State: state, Action: action})
}

func describeBuild(res builder.Result) string {
	if res.TemplateID != "" {
		return fmt.Sprintf("%s (%s)", res.TemplateID, res.Source)
	}
	return string(res.Source)
}

// upgrade moves current onto dag, keeping records of stages present in both.
func upgrade(current WorkflowState, dag workflow.DAG) WorkflowState {
	state := current.Clone()
	state.DAG = dag.Clone()
	for id := range state.Stages {
		if !dag.Has(id) {
			delete(state.Stages, id)
		}
	}
	var active []workflow.StageID
	for _, id := range state.ActiveStages {
		if dag.Has(id) {
			active = append(active, id)
		}
	}
	state.ActiveStages = active
	for id := range state.Retries {
		if !dag.Has(id) {
			delete(state.Retries, id)
		}
	}
	for id := range state.Crashes {
		if !dag.Has(id) {
			delete(state.Crashes, id)
		}
	}
	if retry := state.PendingRetry; retry != nil && !dag.Has(retry.Target) {
		state.PendingRetry = nil
	}
	return state
}

// reconcileBarriers fits the session's barrier groups to an upgraded graph.
// A group whose name and siblings are unchanged is kept. A changed group is
// rebuilt from the records of siblings that already reported, so finished
// work is never counted as missing. A group the graph no longer declares is
// dropped, and its reported siblings go back to pending unless it had
// already resolved.
func reconcileBarriers(state *WorkflowState, groups barrier.Groups, now time.Time) []string {
	configs := map[string]workflow.BarrierConfig{}
	for _, id := range state.DAG.IDs() {
		if cfg := state.DAG[id].Barrier; cfg != nil {
			if _, seen := configs[cfg.Group]; !seen {
				configs[cfg.Group] = *cfg
			}
		}
	}
	var notes []string
	createdAt := map[string]time.Time{}
	for _, name := range sortedNames(groups) {
		g := groups[name]
		cfg, declared := configs[name]
		if declared && sameStages(g.Siblings, cfg.Siblings) {
			if cfg.Total > 0 {
				g.Total = cfg.Total
			}
			g.Next = nil
			if cfg.Next != nil {
				g.Next = workflow.StageRef(*cfg.Next)
			}
			continue
		}
		groups.Reset(name)
		if declared {
			createdAt[name] = g.CreatedAt
			continue
		}
		if g.Resolved {
			notes = append(notes, fmt.Sprintf("barrier %s dropped by upgrade", name))
			continue
		}
		var reopened []workflow.StageID
		for _, id := range g.Completed {
			if !state.DAG.Has(id) || state.Status(id) != workflow.StatusCompleted {
				continue
			}
			state.update(id, func(rec *StageRecord) {
				rec.Status = workflow.StatusPending
				rec.Verdict = ""
				rec.Severity = ""
				rec.FinishedAt = nil
			})
			reopened = append(reopened, id)
		}
		note := fmt.Sprintf("barrier %s dropped by upgrade", name)
		if len(reopened) > 0 {
			note += ", rerunning " + strings.Join(workflow.StageStrings(reopened), ", ")
		}
		notes = append(notes, note)
	}

	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, kept := groups[name]; kept {
			continue
		}
		cfg := configs[name]
		var reports []barrier.Report
		for _, id := range cfg.Siblings {
			rec, ok := state.Stages[id]
			if !ok || rec.Status != workflow.StatusCompleted || rec.Verdict == "" {
				continue
			}
			at := now
			if rec.FinishedAt != nil {
				at = *rec.FinishedAt
			}
			reports = append(reports, barrier.Report{
				Stage:       id,
				Verdict:     rec.Verdict,
				Severity:    rec.Severity,
				ContextFile: rec.ContextFile,
				ReportedAt:  at,
			})
		}
		if len(reports) == 0 {
			// created on first delegation
			continue
		}
		start, ok := createdAt[name]
		if !ok {
			start = now
		}
		groups.CreateFromConfig(cfg, start)
		for _, report := range reports {
			if _, err := groups.Record(name, report); err != nil {
				notes = append(notes, fmt.Sprintf("barrier %s: %v", name, err))
			}
		}
		notes = append(notes, fmt.Sprintf("barrier %s rebuilt from %d reported sibling(s)", name, len(reports)))
	}
	return notes
}

func sortedNames(groups barrier.Groups) []string {
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sameStages(a, b []workflow.StageID) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]workflow.StageID(nil), a...)
	y := append([]workflow.StageID(nil), b...)
	workflow.SortStageIDs(x)
	workflow.SortStageIDs(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

// Delegate marks stages active and returns their directives.
func (e *Engine) Delegate(ctx context.Context, req DelegateRequest) (action Action, err error) {
	ctx, end := e.trace(ctx, "delegate", req.SessionID)
	defer func() { end(err) }()
	e.mu.Lock()
	defer e.mu.Unlock()

	state, err := e.load(ctx, req.SessionID)
	if err != nil {
		return Action{}, err
	}
	if !state.PipelineActive || !state.HasDAG() {
		return Action{}, ErrNoWorkflow
	}
	now := e.now()
	stages := req.Stages
	if len(stages) == 0 {
		var next Action
		state, next = e.policy.Advance(state, now)
		if !next.Delegates() {
			return e.commit(ctx, "delegate", workflow.StageID{}, Resolution{State: state, Action: next})
		}
		stages = next.Stages
	}
	if err := delegable(state, stages); err != nil {
		return Action{}, err
	}

	var barriers []workflow.BarrierConfig
	var strict []workflow.StageID
	for _, id := range stages {
		started := now
		state.update(id, func(rec *StageRecord) {
			rec.Status = workflow.StatusActive
			rec.Agent = e.roster.WorkerFor(id)
			rec.Attempts++
			rec.StartedAt = &started
			rec.FinishedAt = nil
		})
		state.activate(id)
		if state.Crashes[id] > 0 {
			strict = append(strict, id)
		}
		if cfg := state.DAG[id].Barrier; cfg != nil {
			barriers = append(barriers, *cfg)
		}
	}
	if len(barriers) > 0 {
		err := e.barriers.Apply(ctx, req.SessionID, func(groups barrier.Groups) error {
			for _, cfg := range barriers {
				groups.CreateFromConfig(cfg, now)
			}
			return nil
		})
		if err != nil {
			return Action{}, err
		}
	}
	kind := ActionDelegate
	if retry := state.PendingRetry; retry != nil && workflow.ContainsStage(stages, retry.Target) {
		kind = ActionRetry
	}
	action = Action{
		Kind:      kind,
		SessionID: state.SessionID,
		Phase:     DerivePhase(state),
		Stages:    append([]workflow.StageID(nil), stages...),
		Strict:    strict,
	}
	return e.commit(ctx, "delegate", workflow.StageID{}, Resolution{State: state, Action: action})
}

func delegable(state WorkflowState, stages []workflow.StageID) error {
	ready := topology.ReadyStages(state.DAG, state.StatusMap())
	var allowed []workflow.StageID
	if retry := state.PendingRetry; retry != nil {
		allowed = append(topology.Ancestors(state.DAG, retry.Target), retry.Target)
	}
	for _, id := range stages {
		switch {
		case !state.DAG.Has(id):
			return fmt.Errorf("%w: %s is not in the workflow", ErrStageNotReady, id)
		case state.IsActive(id):
			return fmt.Errorf("%w: %s is already active", ErrStageNotReady, id)
		case !workflow.ContainsStage(ready, id):
			return fmt.Errorf("%w: %s is %s with unfinished dependencies", ErrStageNotReady, id, state.Status(id))
		case allowed != nil && !workflow.ContainsStage(allowed, id):
			return fmt.Errorf("%w: retry pending for %s", ErrStageNotReady, state.PendingRetry.Target)
		}
	}
	return nil
}

// Finish parses a stage's transcript and applies the retry and crash policy.
func (e *Engine) Finish(ctx context.Context, req FinishRequest) (action Action, err error) {
	ctx, end := e.trace(ctx, "finish", req.SessionID)
	defer func() { end(err) }()
	e.mu.Lock()
	defer e.mu.Unlock()

	state, err := e.load(ctx, req.SessionID)
	if err != nil {
		return Action{}, err
	}
	result := e.policy.parser().ParseRoute(req.Transcript)
	var res Resolution
	err = e.barriers.Apply(ctx, req.SessionID, func(groups barrier.Groups) error {
		res = e.policy.Resolve(state, groups, req.Stage, result, e.now())
		groups.Replace(res.Groups)
		return nil
	})
	if err != nil {
		return Action{}, err
	}
	finishTotal.WithLabelValues(string(res.Outcome)).Inc()
	e.logger.Info("stage finished",
		"session", req.SessionID,
		"stage", req.Stage.String(),
		"source", string(result.Source),
		"outcome", string(res.Outcome))
	return e.commit(ctx, "finish", req.Stage, res)
}

// CheckLiveness sweeps timed-out barrier groups and reroutes the workflow as
// if the missing siblings had failed.
func (e *Engine) CheckLiveness(ctx context.Context, session string) (action Action, err error) {
	ctx, end := e.trace(ctx, "liveness", session)
	defer func() { end(err) }()
	e.mu.Lock()
	defer e.mu.Unlock()

	state, found, err := e.lookup(ctx, session)
	if err != nil {
		return Action{}, err
	}
	if !found {
		return idleAction(state), nil
	}
	var res Resolution
	err = e.barriers.Apply(ctx, session, func(groups barrier.Groups) error {
		res = e.policy.Sweep(state, groups, e.now(), e.barriers.Timeout())
		if len(res.Timeouts) > 0 {
			groups.Replace(res.Groups)
		}
		return nil
	})
	if err != nil {
		return Action{}, err
	}
	for _, timeout := range res.Timeouts {
		e.logger.Warn("barrier timed out",
			"session", session,
			"group", timeout.Group,
			"missing", strings.Join(workflow.StageStrings(timeout.Missing), ","))
	}
	return e.commit(ctx, "liveness", workflow.StageID{}, res)
}

// Cancel stops the pipeline. Retry history and annotations are kept.
func (e *Engine) Cancel(ctx context.Context, session string) (action Action, err error) {
	ctx, end := e.trace(ctx, "cancel", session)
	defer func() { end(err) }()
	e.mu.Lock()
	defer e.mu.Unlock()

	state, err := e.load(ctx, session)
	if err != nil {
		return Action{}, err
	}
	wasActive := state.PipelineActive
	state.DAG = nil
	state.Stages = nil
	state.ActiveStages = nil
	state.PendingRetry = nil
	state.Retries = nil
	state.Crashes = nil
	state.PipelineActive = false
	state.Cancelled = true
	if wasActive {
		state.annotate("workflow cancelled")
	}
	if err := e.barriers.Clear(ctx, session); err != nil {
		return Action{}, err
	}
	action = Action{Kind: ActionNone, SessionID: session, Phase: DerivePhase(state), Reason: "cancelled"}
	return e.commit(ctx, "cancel", workflow.StageID{}, Resolution{State: state, Action: action})
}

// Next returns the action for the current state, applying cascade skips.
func (e *Engine) Next(ctx context.Context, session string) (action Action, err error) {
	ctx, end := e.trace(ctx, "next", session)
	defer func() { end(err) }()
	e.mu.Lock()
	defer e.mu.Unlock()

	state, found, err := e.lookup(ctx, session)
	if err != nil {
		return Action{}, err
	}
	if !found {
		return idleAction(state), nil
	}
	state, action = e.policy.Advance(state, e.now())
	return e.commit(ctx, "next", workflow.StageID{}, Resolution{State: state, Action: action})
}

// EvaluateTool decides whether the host may run a tool. It never mutates
// state.
func (e *Engine) EvaluateTool(ctx context.Context, session string, req ToolRequest) (decision ToolDecision, err error) {
	ctx, end := e.trace(ctx, "tool", session)
	defer func() { end(err) }()
	view, err := e.View(ctx, session)
	if err != nil {
		return ToolDecision{}, err
	}
	decision = EvaluateToolUse(view, req, e.tools)
	if !decision.Allow {
		e.logger.Info("tool blocked", "session", session, "tool", req.Tool, "reason", decision.Reason)
	}
	return decision, nil
}

// View summarises the session's persisted state.
func (e *Engine) View(ctx context.Context, session string) (View, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, err := e.load(ctx, session)
	if err != nil {
		return View{}, err
	}
	return NewView(state), nil
}

// State returns a copy of the session's persisted state.
func (e *Engine) State(ctx context.Context, session string) (WorkflowState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.load(ctx, session)
}

// Sessions lists every session with persisted state.
func (e *Engine) Sessions(ctx context.Context) ([]string, error) {
	return e.states.Sessions(ctx)
}

// Handle dispatches a host event to the matching operation.
func (e *Engine) Handle(ctx context.Context, evt Event) (Action, error) {
	evt.Normalize()
	if err := evt.Validate(); err != nil {
		return Action{}, fmt.Errorf("workflow engine: invalid event: %w", err)
	}
	switch evt.Type {
	case EventClassify:
		return e.Classify(ctx, ClassifyRequest{
			SessionID:      evt.SessionID,
			Classification: evt.Classification,
			TemplateID:     evt.TemplateID,
			Stages:         evt.stageTypes(),
			Graph:          evt.Graph,
		})
	case EventDelegate:
		stages := evt.stageIDs()
		if id := evt.stageID(); !id.IsZero() {
			stages = append(stages, id)
		}
		return e.Delegate(ctx, DelegateRequest{SessionID: evt.SessionID, Stages: stages})
	case EventFinish:
		return e.Finish(ctx, FinishRequest{SessionID: evt.SessionID, Stage: evt.stageID(), Transcript: evt.Transcript})
	case EventLiveness:
		return e.CheckLiveness(ctx, evt.SessionID)
	case EventCancel:
		return e.Cancel(ctx, evt.SessionID)
	case EventNext:
		return e.Next(ctx, evt.SessionID)
	case EventTool:
		decision, err := e.EvaluateTool(ctx, evt.SessionID, ToolRequest{Tool: evt.Tool, Stage: evt.stageID()})
		if err != nil {
			return Action{}, err
		}
		action := Action{Kind: ActionAllow, SessionID: evt.SessionID, Reason: decision.Reason}
		if !decision.Allow {
			action.Kind = ActionBlock
		}
		return action, nil
	}
	return Action{}, fmt.Errorf("workflow engine: unhandled event type %q", evt.Type)
}

// load reads the session's state. Missing, outdated and corrupt records all
// start a fresh state.
func (e *Engine) load(ctx context.Context, session string) (WorkflowState, error) {
	state, _, err := e.lookup(ctx, session)
	return state, err
}

// lookup is load that also reports whether a usable record existed.
func (e *Engine) lookup(ctx context.Context, session string) (WorkflowState, bool, error) {
	state, err := e.states.Load(ctx, session)
	switch {
	case err == nil:
		return state, true, nil
	case errors.Is(err, ErrStateNotFound):
		return NewState(session, e.now()), false, nil
	case errors.Is(err, ErrSchemaVersion), errors.Is(err, ErrCorruptState):
		e.logger.Warn("discarding unusable workflow state", "session", session, "error", err.Error())
		return NewState(session, e.now()), false, nil
	default:
		return WorkflowState{}, false, fmt.Errorf("workflow engine: load %s: %w", session, err)
	}
}

// idleAction answers for a session with nothing persisted, without writing.
func idleAction(state WorkflowState) Action {
	return Action{Kind: ActionNone, SessionID: state.SessionID, Phase: DerivePhase(state), Reason: "no workflow"}
}

// commit persists res and reports it. Barrier groups are written by the
// caller before commit.
func (e *Engine) commit(ctx context.Context, op string, stage workflow.StageID, res Resolution) (Action, error) {
	state := res.State
	state.UpdatedAt = e.now()
	if err := e.states.Save(ctx, state); err != nil {
		return Action{}, fmt.Errorf("workflow engine: save %s: %w", state.SessionID, err)
	}
	observe(op, res)
	for _, forced := range res.Forced {
		e.logger.Warn("forced route", "session", state.SessionID, "operation", op, "correction", forced)
	}
	if state.Terminated && res.Outcome == OutcomeTerminated {
		e.logger.Warn("workflow terminated", "session", state.SessionID, "reason", state.TerminationReason)
	}
	action := res.Action
	action.SessionID = state.SessionID
	action.Directives = directives(state, action, e.roster)
	e.sink.Notify(Notice{
		SessionID:   state.SessionID,
		RunID:       state.RunID,
		Operation:   op,
		Stage:       stage,
		Outcome:     res.Outcome,
		Action:      action.Kind,
		Phase:       action.Phase,
		Annotations: action.Annotations,
		At:          state.UpdatedAt,
	})
	return action, nil
}

func (e *Engine) trace(ctx context.Context, op, session string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "engine."+op, trace.WithAttributes(
		attribute.String("session.id", session),
	))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		span.End()
	}
}

func (e *Engine) now() time.Time {
	if e.clock == nil {
		return time.Now()
	}
	return e.clock()
}
