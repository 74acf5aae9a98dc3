package tui

import (
	"context"
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/engine"
)

type fakeSource struct {
	views    map[string]engine.View
	err      error
	swept    []string
	sweepErr error
}

func (f *fakeSource) Sessions(context.Context) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	ids := make([]string, 0, len(f.views))
	for id := range f.views {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeSource) View(_ context.Context, session string) (engine.View, error) {
	view, ok := f.views[session]
	if !ok {
		return engine.View{}, engine.ErrNoWorkflow
	}
	return view, nil
}

func (f *fakeSource) CheckLiveness(_ context.Context, session string) (engine.Action, error) {
	if f.sweepErr != nil {
		return engine.Action{}, f.sweepErr
	}
	f.swept = append(f.swept, session)
	return engine.Action{Kind: engine.ActionWait, SessionID: session, Reason: "barrier pending"}, nil
}

func newFakeSource() *fakeSource {
	dev := workflow.StageID{Base: workflow.StageDev}
	review := workflow.StageID{Base: workflow.StageReview}
	return &fakeSource{views: map[string]engine.View{
		"alpha": {
			SessionID:  "alpha",
			TemplateID: "quick-dev",
			Phase:      engine.PhaseDelegating,
			Order:      []workflow.StageID{dev, review},
			Stages: map[workflow.StageID]workflow.StageStatus{
				dev:    workflow.StatusCompleted,
				review: workflow.StatusPending,
			},
			ReadyStages: []workflow.StageID{review},
		},
		"beta": {SessionID: "beta", Phase: engine.PhaseIdle},
	}}
}

// runCmd executes cmd and feeds its message back into the board, skipping
// tick commands which would block on the timer.
func runCmd(t *testing.T, b *Board, cmd tea.Cmd) {
	t.Helper()
	if cmd == nil {
		return
	}
	msg := cmd()
	if _, ok := msg.(boardTickMsg); ok {
		return
	}
	b.Update(msg)
}

func keyPress(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}

func TestBoardLoadsSortedSessions(t *testing.T) {
	board := NewBoard(newFakeSource(), WithContext(t.Context()))
	if !strings.Contains(board.View(), "Loading sessions") {
		t.Fatalf("expected loading text before first refresh")
	}
	runCmd(t, board, board.Init())
	if len(board.views) != 2 || board.views[0].SessionID != "alpha" {
		t.Fatalf("unexpected views: %+v", board.views)
	}
	out := board.View()
	for _, want := range []string{"> alpha", "Delegating", "quick-dev", "DEV", "REVIEW", "ready", "  beta"} {
		if !strings.Contains(out, want) {
			t.Fatalf("view missing %q:\n%s", want, out)
		}
	}
}

func TestBoardSelectionSurvivesRefresh(t *testing.T) {
	source := newFakeSource()
	board := NewBoard(source, WithContext(t.Context()))
	runCmd(t, board, board.Init())
	board.Update(keyPress('j'))
	if board.selectedSession() != "beta" {
		t.Fatalf("expected beta selected, got %q", board.selectedSession())
	}
	board.Update(keyPress('j'))
	if board.selection != 1 {
		t.Fatalf("selection moved past the end: %d", board.selection)
	}
	source.views["aardvark"] = engine.View{SessionID: "aardvark", Phase: engine.PhaseClassified}
	_, cmd := board.Update(keyPress('r'))
	runCmd(t, board, cmd)
	if board.selectedSession() != "beta" {
		t.Fatalf("refresh lost selection, got %q", board.selectedSession())
	}
}

func TestBoardSweepsSelectedSession(t *testing.T) {
	source := newFakeSource()
	board := NewBoard(source, WithContext(t.Context()))
	runCmd(t, board, board.Init())
	_, cmd := board.Update(keyPress('s'))
	if cmd == nil {
		t.Fatalf("expected sweep command")
	}
	runCmd(t, board, cmd)
	if len(source.swept) != 1 || source.swept[0] != "alpha" {
		t.Fatalf("unexpected sweeps: %v", source.swept)
	}
	if !strings.Contains(board.View(), "Swept alpha: wait (barrier pending)") {
		t.Fatalf("missing sweep status:\n%s", board.View())
	}

	source.sweepErr = errors.New("store offline")
	_, cmd = board.Update(keyPress('s'))
	runCmd(t, board, cmd)
	if !strings.Contains(board.statusMsg, "store offline") {
		t.Fatalf("expected sweep error in status, got %q", board.statusMsg)
	}
}

func TestBoardShowsRefreshError(t *testing.T) {
	source := &fakeSource{err: errors.New("disk gone")}
	board := NewBoard(source, WithContext(t.Context()))
	runCmd(t, board, board.Init())
	if !strings.Contains(board.View(), "Refresh failed: disk gone") {
		t.Fatalf("expected refresh error:\n%s", board.View())
	}
}

func TestBoardQuitKey(t *testing.T) {
	board := NewBoard(newFakeSource())
	_, cmd := board.Update(keyPress('q'))
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected tea.QuitMsg")
	}
}
