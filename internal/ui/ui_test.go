package ui

import (
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/desertthunder/ytsync/internal/models"
	"github.com/desertthunder/ytsync/internal/tasks"
)

// stubEngine replays a fixed list of updates and returns result.
type stubEngine struct {
	updates   []tasks.ProgressUpdate
	result    *tasks.SyncRunResult
	cancelled bool
}

func (s *stubEngine) Run(ctx context.Context, identity string, targets []*models.Target, token *tasks.CancelToken, onProgress tasks.ProgressFunc) *tasks.SyncRunResult {
	for _, u := range s.updates {
		onProgress(u)
	}
	return s.result
}

func (s *stubEngine) StartRun(ctx context.Context, identity string, targets []*models.Target, onProgress tasks.ProgressFunc, onDone func(*tasks.SyncRunResult)) *tasks.RunHandle {
	return nil
}

func (s *stubEngine) Cancel(h *tasks.RunHandle) { s.cancelled = true }

func newTestModel(engine tasks.SyncEngine) *Model {
	targets := []*models.Target{
		models.NewTarget(1, "alice", "UC1", "First Channel"),
		models.NewTarget(2, "alice", "UC2", ""),
	}
	m := NewModel(context.Background(), engine, "alice", targets)
	m.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	return m
}

func TestTargetList(t *testing.T) {
	m := newTestModel(&stubEngine{})
	view := m.View()

	if !strings.Contains(view, "First Channel") {
		t.Errorf("expected channel name in list, got:\n%s", view)
	}
	if !strings.Contains(view, "UC2") {
		t.Errorf("expected channel id fallback in list, got:\n%s", view)
	}
}

func TestSyncProgress(t *testing.T) {
	m := newTestModel(&stubEngine{})
	m.view = SyncView

	steps := []struct {
		update  tasks.ProgressUpdate
		percent float64
		want    string
	}{
		{
			update:  tasks.ProgressUpdate{Phase: tasks.PhaseQueue, Step: 3, Message: "Waiting in queue (position 3)...", Data: 3},
			percent: 0,
			want:    "position 3",
		},
		{
			update:  tasks.ProgressUpdate{Phase: tasks.PhaseFetch, Total: 2, Message: "[0/2] Fetching 2 channels..."},
			percent: 0,
			want:    "Fetching channels",
		},
		{
			update:  tasks.ProgressUpdate{Phase: tasks.PhaseFetch, Step: 1, Total: 2, Message: "[1/2] First Channel"},
			percent: 0.5,
			want:    "• First Channel",
		},
		{
			update:  tasks.ProgressUpdate{Phase: tasks.PhaseCommit, Message: "Saving 10 videos in 1 batches..."},
			percent: 1,
			want:    "Saving videos",
		},
	}

	for _, s := range steps {
		m.Update(progressUpdateMsg(s.update))
		if m.percent != s.percent {
			t.Errorf("after %q expected percent %v, got %v", s.update.Message, s.percent, m.percent)
		}
		if view := m.View(); !strings.Contains(view, s.want) {
			t.Errorf("after %q expected %q in view, got:\n%s", s.update.Message, s.want, view)
		}
	}
}

func TestSyncCancel(t *testing.T) {
	engine := &stubEngine{}
	m := newTestModel(engine)
	m.view = SyncView
	m.handle = &tasks.RunHandle{}

	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	if !engine.cancelled || !m.cancelling {
		t.Fatal("expected c to cancel the run")
	}
	if !strings.Contains(m.View(), "Cancelling") {
		t.Errorf("expected cancelling notice, got:\n%s", m.View())
	}
}

func TestResultView(t *testing.T) {
	tests := []struct {
		name   string
		result *tasks.SyncRunResult
		want   []string
	}{
		{
			name: "completed",
			result: &tasks.SyncRunResult{
				Outcome:     tasks.OutcomeCompleted,
				Success:     true,
				Message:     "Committed 130 videos from 22 of 25 channels; 3 rate-limited",
				Fetched:     22,
				RateLimited: 3,
				Committed:   130,
			},
			want: []string{"Sync complete", "3 rate-limited", "Videos saved: 130"},
		},
		{
			name: "rejected with retry",
			result: &tasks.SyncRunResult{
				Outcome:    tasks.OutcomeRejected,
				Message:    "last sync finished 1m ago; wait 4m",
				RetryAfter: 4 * time.Minute,
			},
			want: []string{"Sync rejected", "Try again in 4m"},
		},
		{
			name:   "timed out",
			result: &tasks.SyncRunResult{Outcome: tasks.OutcomeTimedOut, Message: "Sync queue is busy"},
			want:   []string{"Sync timed out"},
		},
		{
			name: "every channel rate limited",
			result: &tasks.SyncRunResult{
				Outcome:     tasks.OutcomeRateLimited,
				Message:     "All 4 channels were rate-limited; try again later",
				RateLimited: 4,
			},
			want: []string{"! Sync rate limited", "4 rate-limited"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestModel(&stubEngine{})
			m.view = SyncView
			m.Update(syncCompleteMsg(tt.result))

			if m.view != ResultView || m.Result() != tt.result {
				t.Fatalf("expected result view with result, got view %d", m.view)
			}
			view := m.View()
			for _, want := range tt.want {
				if !strings.Contains(view, want) {
					t.Errorf("expected %q in view, got:\n%s", want, view)
				}
			}

			m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
			if m.view != TargetListView {
				t.Errorf("expected r to return to the channel list, got view %d", m.view)
			}
		})
	}
}
