package barrier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/stageflow/internal/workflow"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func id(s string) workflow.StageID { return workflow.MustParseStageID(s) }

func ids(values ...string) []workflow.StageID {
	out := make([]workflow.StageID, len(values))
	for i, v := range values {
		out[i] = id(v)
	}
	return out
}

func pass(stage string) Report {
	return Report{Stage: id(stage), Verdict: workflow.VerdictPass, ReportedAt: epoch}
}

func fail(stage string, sev workflow.Severity, hint string) Report {
	return Report{Stage: id(stage), Verdict: workflow.VerdictFail, Severity: sev, Hint: hint, ReportedAt: epoch}
}

func TestMergeWorstCaseWins(t *testing.T) {
	groups := Groups{}
	groups.Create("verify", 2, workflow.StageRef(id("DOCS")), ids("REVIEW", "TEST"), epoch)

	out, err := groups.Record("verify", pass("REVIEW"))
	require.NoError(t, err)
	assert.False(t, out.AllComplete)
	assert.Equal(t, 1, out.Completed)

	out, err = groups.Record("verify", fail("TEST", workflow.SeverityCritical, "nil deref in handler"))
	require.NoError(t, err)
	require.True(t, out.AllComplete)
	require.NotNil(t, out.Merged)

	merged := out.Merged
	assert.Equal(t, workflow.VerdictFail, merged.Verdict)
	assert.Equal(t, workflow.SeverityCritical, merged.Severity)
	assert.Equal(t, ids("TEST"), merged.FailedStages)
	assert.Equal(t, []string{"TEST: nil deref in handler"}, merged.Hints)
	assert.Equal(t, id("DOCS"), *merged.Next)
	assert.True(t, groups["verify"].Resolved)
	assert.NotNil(t, groups["verify"].ResolvedAt)
}

func TestMergeAllPass(t *testing.T) {
	groups := Groups{}
	groups.Create("verify", 2, nil, ids("REVIEW", "TEST"), epoch)
	_, err := groups.Record("verify", pass("TEST"))
	require.NoError(t, err)
	out, err := groups.Record("verify", pass("REVIEW"))
	require.NoError(t, err)
	require.True(t, out.AllComplete)
	assert.Equal(t, workflow.VerdictPass, out.Merged.Verdict)
	assert.Equal(t, workflow.SeverityNone, out.Merged.Severity)
	assert.Empty(t, out.Merged.FailedStages)
}

func TestMergeIsOrderIndependent(t *testing.T) {
	reports := []Report{
		pass("REVIEW"),
		fail("SECURITY", workflow.SeverityHigh, "token logged"),
		fail("TEST", workflow.SeverityLow, "flaky assertion"),
	}
	reports[1].ContextFile = "security.md"
	siblings := ids("REVIEW", "SECURITY", "TEST")

	var want *Merged
	for _, perm := range permutations(len(reports)) {
		groups := Groups{}
		groups.Create("verify", 3, workflow.StageRef(id("DOCS")), siblings, epoch)
		var last Outcome
		for _, i := range perm {
			var err error
			last, err = groups.Record("verify", reports[i])
			require.NoError(t, err)
		}
		require.True(t, last.AllComplete, "permutation %v", perm)
		if want == nil {
			want = last.Merged
			continue
		}
		assert.Equal(t, *want, *last.Merged, "permutation %v", perm)
	}
	assert.Equal(t, workflow.SeverityHigh, want.Severity)
	assert.Equal(t, ids("SECURITY", "TEST"), want.FailedStages)
	assert.Equal(t, []string{"security.md"}, want.ContextFiles)
}

func permutations(n int) [][]int {
	if n == 1 {
		return [][]int{{0}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for pos := 0; pos <= len(p); pos++ {
			next := make([]int, 0, n)
			next = append(next, p[:pos]...)
			next = append(next, n-1)
			next = append(next, p[pos:]...)
			out = append(out, next)
		}
	}
	return out
}

func TestRecordDuplicateReplacesWithoutDoubleCounting(t *testing.T) {
	groups := Groups{}
	groups.Create("verify", 2, nil, ids("REVIEW", "TEST"), epoch)
	_, err := groups.Record("verify", fail("REVIEW", workflow.SeverityHigh, "first"))
	require.NoError(t, err)
	out, err := groups.Record("verify", pass("REVIEW"))
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.False(t, out.AllComplete)
	assert.Equal(t, 1, out.Completed)

	out, err = groups.Record("verify", pass("TEST"))
	require.NoError(t, err)
	require.True(t, out.AllComplete)
	assert.Equal(t, workflow.VerdictPass, out.Merged.Verdict)
}

func TestRecordErrorsAndStaleReports(t *testing.T) {
	groups := Groups{}
	_, err := groups.Record("missing", pass("TEST"))
	assert.ErrorIs(t, err, ErrUnknownGroup)

	groups.Create("verify", 2, nil, ids("REVIEW", "TEST"), epoch)
	_, err = groups.Record("verify", pass("DOCS"))
	assert.ErrorIs(t, err, ErrNotSibling)

	_, _ = groups.Record("verify", pass("REVIEW"))
	_, _ = groups.Record("verify", pass("TEST"))
	out, err := groups.Record("verify", fail("TEST", workflow.SeverityCritical, "late"))
	require.NoError(t, err)
	assert.True(t, out.Stale)
	assert.Nil(t, out.Merged)
	assert.Equal(t, workflow.VerdictPass, groups["verify"].Results[id("TEST")].Verdict)
}

func TestRecordNormalisesSeverity(t *testing.T) {
	groups := Groups{}
	groups.Create("verify", 2, nil, ids("REVIEW", "TEST"), epoch)
	_, _ = groups.Record("verify", Report{Stage: id("REVIEW"), Verdict: workflow.VerdictPass, Severity: workflow.SeverityHigh})
	out, err := groups.Record("verify", Report{Stage: id("TEST"), Verdict: workflow.VerdictFail})
	require.NoError(t, err)
	assert.Equal(t, workflow.SeverityNone, groups["verify"].Results[id("REVIEW")].Severity)
	assert.Equal(t, workflow.SeverityMedium, out.Merged.Severity)
}

func TestCreateIsIdempotent(t *testing.T) {
	groups := Groups{}
	first := groups.Create("verify", 2, nil, ids("REVIEW", "TEST"), epoch)
	_, _ = groups.Record("verify", pass("REVIEW"))
	again := groups.Create("verify", 5, nil, ids("TEST"), epoch.Add(time.Hour))
	assert.Same(t, first, again)
	assert.Equal(t, 2, again.Total)
	assert.Equal(t, epoch, again.CreatedAt)
	assert.Len(t, again.Completed, 1)
}

func TestSweepForceFillsTimedOutGroups(t *testing.T) {
	groups := Groups{}
	groups.Create("verify", 2, workflow.StageRef(id("DOCS")), ids("REVIEW", "TEST"), epoch.Add(-10*time.Minute))
	groups.Create("fresh", 2, nil, ids("REVIEW:2", "TEST:2"), epoch.Add(-time.Minute))
	_, err := groups.Record("verify", pass("REVIEW"))
	require.NoError(t, err)

	timeouts := groups.Sweep(epoch, 5*time.Minute)
	require.Len(t, timeouts, 1)
	timeout := timeouts[0]
	assert.Equal(t, "verify", timeout.Group)
	assert.Equal(t, ids("TEST"), timeout.Missing)
	assert.Equal(t, workflow.VerdictFail, timeout.Merged.Verdict)
	assert.Equal(t, workflow.SeverityHigh, timeout.Merged.Severity)
	assert.Equal(t, ids("TEST"), timeout.Merged.FailedStages)
	assert.Equal(t, ids("TEST"), timeout.Merged.TimedOut)

	g := groups["verify"]
	assert.True(t, g.Resolved)
	synthetic := g.Results[id("TEST")]
	assert.True(t, synthetic.Synthetic)
	assert.Equal(t, TimeoutHint, synthetic.Hint)
	assert.False(t, groups["fresh"].Resolved)

	assert.Empty(t, groups.Sweep(epoch, 5*time.Minute), "a second sweep must be a no-op")
}

func TestResetTouchingAndClone(t *testing.T) {
	groups := Groups{}
	groups.Create("verify", 2, nil, ids("REVIEW", "TEST"), epoch)
	groups.Create("verify-2", 2, nil, ids("REVIEW:2", "TEST:2"), epoch)

	clone := groups.Clone()
	_, _ = clone.Record("verify", pass("REVIEW"))
	assert.Empty(t, groups["verify"].Completed, "clone must not share state")

	removed := groups.ResetTouching(ids("TEST:2", "DOCS"))
	assert.Equal(t, []string{"verify-2"}, removed)
	assert.Contains(t, groups, "verify")
	groups.Reset("verify")
	assert.Empty(t, groups)
}

func TestRecedeTarget(t *testing.T) {
	dag := workflow.DAG{
		id("DEV"):      {Deps: []workflow.StageID{}},
		id("REVIEW"):   {Deps: ids("DEV"), OnFail: workflow.StageRef(id("DEV"))},
		id("DEV:2"):    {Deps: ids("REVIEW")},
		id("REVIEW:2"): {Deps: ids("DEV:2"), OnFail: workflow.StageRef(id("DEV"))},
		id("TEST"):     {Deps: ids("DEV:2")},
	}
	target, ok := RecedeTarget(dag, ids("REVIEW", "TEST"))
	require.True(t, ok)
	assert.Equal(t, id("DEV"), target)

	target, ok = RecedeTarget(dag, ids("REVIEW:2", "TEST"))
	require.True(t, ok)
	assert.Equal(t, id("DEV:2"), target)

	_, ok = RecedeTarget(dag, ids("TEST", "REVIEW"))
	assert.False(t, ok, "first sibling without onFail has no target")
	_, ok = RecedeTarget(dag, nil)
	assert.False(t, ok)
}
