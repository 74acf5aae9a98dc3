package barrier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kingrea/stageflow/internal/workflow"
)

// Coordinator applies barrier operations to persisted per-session groups.
//
// Every call is a single read-modify-write through the Repository; waiting
// for a sibling is just an unresolved group observed on a later call.
//
// The workflow engine drives groups through Apply so a barrier transition and
// the routing it causes are computed from one snapshot. CreateBarrierGroup,
// UpdateBarrier, SweepTimedOutGroups and ResetGroup are the standalone
// operations for hosts that synchronise siblings without the engine.
type Coordinator struct {
	repo    Repository
	clock   func() time.Time
	timeout time.Duration
	logger  *slog.Logger
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithClock injects a deterministic clock.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithTimeout overrides the sweep window. Non-positive values are ignored.
func WithTimeout(window time.Duration) Option {
	return func(c *Coordinator) {
		if window > 0 {
			c.timeout = window
		}
	}
}

// WithLogger sets the logger used for timeouts and stale reports.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCoordinator wires a coordinator to repo.
func NewCoordinator(repo Repository, opts ...Option) (*Coordinator, error) {
	if repo == nil {
		return nil, errors.New("barrier: repository is required")
	}
	c := &Coordinator{
		repo:    repo,
		clock:   time.Now,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Timeout returns the sweep window.
func (c *Coordinator) Timeout() time.Duration {
	return c.timeout
}

// Now returns the coordinator clock's current time.
func (c *Coordinator) Now() time.Time {
	return c.clock()
}

// Groups returns a snapshot of the session's groups.
func (c *Coordinator) Groups(ctx context.Context, session string) (Groups, error) {
	return c.repo.Load(ctx, session)
}

// Apply runs fn over the session's groups inside one read-modify-write.
// Whatever fn leaves in the map is persisted; an error discards the change.
func (c *Coordinator) Apply(ctx context.Context, session string, fn func(Groups) error) error {
	if err := c.repo.Update(ctx, session, fn); err != nil {
		return fmt.Errorf("barrier: apply %s: %w", session, err)
	}
	return nil
}

// CreateBarrierGroup initialises a group. Creating an existing group is a no-op.
func (c *Coordinator) CreateBarrierGroup(ctx context.Context, session, group string, total int, next *workflow.StageID, siblings []workflow.StageID) (*Group, error) {
	if group == "" {
		return nil, errors.New("barrier: group name is required")
	}
	var created *Group
	err := c.repo.Update(ctx, session, func(groups Groups) error {
		created = groups.Create(group, total, next, siblings, c.clock()).Clone()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("barrier: create %s: %w", group, err)
	}
	return created, nil
}

// UpdateBarrier records one sibling's verdict and reports whether the group
// is now complete. The report time defaults to the coordinator clock.
func (c *Coordinator) UpdateBarrier(ctx context.Context, session, group string, report Report) (Outcome, error) {
	if report.ReportedAt.IsZero() {
		report.ReportedAt = c.clock()
	}
	var out Outcome
	err := c.repo.Update(ctx, session, func(groups Groups) error {
		var err error
		out, err = groups.Record(group, report)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}
	if out.Stale {
		c.logger.Warn("ignoring report for resolved barrier",
			"session", session, "group", group, "stage", report.Stage.String())
	}
	return out, nil
}

// SweepTimedOutGroups force-resolves the session's groups older than the
// window. A repeat sweep returns nothing.
func (c *Coordinator) SweepTimedOutGroups(ctx context.Context, session string) ([]Timeout, error) {
	var timeouts []Timeout
	err := c.repo.Update(ctx, session, func(groups Groups) error {
		timeouts = groups.Sweep(c.clock(), c.timeout)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, t := range timeouts {
		c.logger.Warn("barrier timed out",
			"session", session, "group", t.Group,
			"missing", workflow.StageStrings(t.Missing))
	}
	return timeouts, nil
}

// ResetGroup deletes a group so its siblings rerun fresh.
func (c *Coordinator) ResetGroup(ctx context.Context, session, group string) error {
	return c.repo.Update(ctx, session, func(groups Groups) error {
		groups.Reset(group)
		return nil
	})
}

// Clear deletes every group of the session.
func (c *Coordinator) Clear(ctx context.Context, session string) error {
	return c.repo.Delete(ctx, session)
}
