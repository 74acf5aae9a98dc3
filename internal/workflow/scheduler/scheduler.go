package scheduler

import (
	"fmt"

	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/topology"
)

// Selector exposes the minimal contract the workflow engine needs to request
// delegation batches.
type Selector interface {
	Runnable(RunnableRequest) (RunnableBatch, error)
}

// Scheduler implements Selector on top of a workflow graph. It computes the
// ready set, filters stages that are already delegated, and enforces any
// configured constraints.
type Scheduler struct {
	dag workflow.DAG
}

// New wires a Scheduler to a graph snapshot.
func New(dag workflow.DAG) (*Scheduler, error) {
	if len(dag) == 0 {
		return nil, fmt.Errorf("workflow: scheduler requires a graph")
	}
	return &Scheduler{dag: dag}, nil
}

// SkipPredicate decides whether a ready stage should be skipped instead of
// delegated (for example DOCS when the change touched no public surface).
// It returns the reason when skip is true.
type SkipPredicate func(id workflow.StageID, dag workflow.DAG, status map[workflow.StageID]workflow.StageStatus) (skip bool, reason string)

// RunnableRequest captures the current runtime state plus any scheduling
// constraints. The Scheduler produces batches that satisfy these constraints.
type RunnableRequest struct {
	// Status is the per-stage runtime status; missing stages count as pending.
	Status map[workflow.StageID]workflow.StageStatus
	// BatchSize limits how many stages are returned at once. Values <= 0 are
	// treated as "no limit" (subject to MaxParallel enforcement).
	BatchSize int
	// MaxParallel caps how many stages may be active at once, including the
	// stages listed in Running. Values <= 0 disable the limit.
	MaxParallel int
	// Running lists stages currently delegated so the scheduler won't dispatch
	// them twice.
	Running []workflow.StageID
	// Skip optionally marks ready stages for cascade-skip.
	Skip SkipPredicate
}

// RunnableBatch describes the scheduler's decision.
type RunnableBatch struct {
	Stages []workflow.StageID
	// Cascade lists ready stages the skip predicate excluded; callers mark
	// them skipped and ask again, since skipping may ready more stages.
	Cascade []workflow.StageID
	Skipped map[workflow.StageID]SkipReason
}

// SkipReason explains why a stage was excluded from the runnable set.
type SkipReason struct {
	Reason SkipReasonCode
	Detail string
}

// SkipReasonCode enumerates scheduler skip reasons.
type SkipReasonCode string

const (
	SkipReasonConcurrency SkipReasonCode = "concurrency"
	SkipReasonActive      SkipReasonCode = "already-running"
	SkipReasonCascade     SkipReasonCode = "cascade-skip"
)

// Runnable returns a batch of delegatable stages constrained by the request.
func (s *Scheduler) Runnable(req RunnableRequest) (RunnableBatch, error) {
	ready := topology.ReadyStages(s.dag, req.Status)
	rq := newRunnableQueue(ready)
	running := req.runningSet()
	maxBatch := req.batchLimit(rq.Len(), len(running))
	result := RunnableBatch{}
	for rq.Len() > 0 {
		id := rq.Pop()
		if _, runningAlready := running[id]; runningAlready {
			result.addSkip(id, SkipReason{Reason: SkipReasonActive, Detail: "stage already delegated"})
			continue
		}
		if req.Skip != nil {
			if skip, reason := req.Skip(id, s.dag, req.Status); skip {
				if reason == "" {
					reason = "skipped by predicate"
				}
				result.Cascade = append(result.Cascade, id)
				result.addSkip(id, SkipReason{Reason: SkipReasonCascade, Detail: reason})
				continue
			}
		}
		if len(result.Stages) >= maxBatch {
			result.addSkip(id, SkipReason{Reason: SkipReasonConcurrency, Detail: fmt.Sprintf("max parallel %d reached", req.MaxParallel)})
			continue
		}
		result.Stages = append(result.Stages, id)
	}
	return result, nil
}

func (req RunnableRequest) runningSet() map[workflow.StageID]struct{} {
	set := make(map[workflow.StageID]struct{}, len(req.Running))
	for _, id := range req.Running {
		if id.IsZero() {
			continue
		}
		set[id] = struct{}{}
	}
	for id, status := range req.Status {
		if status == workflow.StatusActive {
			set[id] = struct{}{}
		}
	}
	return set
}

func (req RunnableRequest) batchLimit(queueLen int, runningCount int) int {
	limit := req.BatchSize
	if limit <= 0 || limit > queueLen {
		limit = queueLen
	}
	if req.MaxParallel > 0 {
		remaining := req.MaxParallel - runningCount
		if remaining <= 0 {
			return 0
		}
		if limit == 0 || limit > remaining {
			limit = remaining
		}
	}
	return limit
}

func (b *RunnableBatch) addSkip(id workflow.StageID, reason SkipReason) {
	if id.IsZero() {
		return
	}
	if b.Skipped == nil {
		b.Skipped = make(map[workflow.StageID]SkipReason)
	}
	b.Skipped[id] = reason
}

type runnableQueue struct {
	ids []workflow.StageID
}

func newRunnableQueue(ids []workflow.StageID) *runnableQueue {
	if len(ids) == 0 {
		return &runnableQueue{}
	}
	copyIDs := make([]workflow.StageID, len(ids))
	copy(copyIDs, ids)
	return &runnableQueue{ids: copyIDs}
}

func (q *runnableQueue) Len() int {
	return len(q.ids)
}

func (q *runnableQueue) Pop() workflow.StageID {
	if len(q.ids) == 0 {
		return workflow.StageID{}
	}
	id := q.ids[0]
	q.ids = q.ids[1:]
	return id
}
