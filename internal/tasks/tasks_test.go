package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/desertthunder/ytsync/internal/admission"
	"github.com/desertthunder/ytsync/internal/models"
	"github.com/desertthunder/ytsync/internal/services"
	"github.com/desertthunder/ytsync/internal/shared"
	tu "github.com/desertthunder/ytsync/internal/testing"
	"github.com/desertthunder/ytsync/internal/throttle"
)

type testRig struct {
	engine *Engine
	guard  *throttle.Guard
	queue  *admission.Queue
	writer *tu.MemoryWriter
}

type rigOpts struct {
	policy         throttle.Policy
	maxConcurrency int
	batchSize      int
	acquireTimeout time.Duration
}

func newTestRig(src services.ChannelSource, opts rigOpts) *testRig {
	logger := shared.NewLogger(io.Discard)
	guard := throttle.NewGuard(throttle.NewMemoryStore(), opts.policy, logger)
	queue := admission.NewQueue(admission.NewMemoryStore(), admission.Config{
		Slot:                "sync",
		BypassThreshold:     3,
		TTL:                 time.Minute,
		WaiterTTL:           time.Minute,
		PollInterval:        5 * time.Millisecond,
		ContentionThreshold: 100,
		FIFO:                true,
		RenewInterval:       -1,
	}, logger)
	writer := tu.NewMemoryWriter()

	if opts.maxConcurrency == 0 {
		opts.maxConcurrency = 8
	}
	engine := NewEngine(guard, queue, src, writer, EngineOpts{
		MaxConcurrency: opts.maxConcurrency,
		BatchSize:      opts.batchSize,
		AcquireTimeout: opts.acquireTimeout,
	}, logger)

	return &testRig{engine: engine, guard: guard, queue: queue, writer: writer}
}

func (r *testRig) assertReleased(t *testing.T) {
	t.Helper()
	snap, err := r.queue.Status(context.Background())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if snap.Held(time.Now()) {
		t.Errorf("expected admission slot to be released, held by %s", snap.HolderIdentity)
	}
}

type recorder struct {
	mu   sync.Mutex
	runs []*models.SyncRun
}

func (r *recorder) RecordRun(ctx context.Context, run *models.SyncRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func TestEngine_Run(t *testing.T) {
	ctx := context.Background()

	t.Run("rate limited targets do not abort the run", func(t *testing.T) {
		targets := tu.MakeTargets("alice", 25)
		responses := map[string]tu.MockResponse{}
		for i, target := range targets {
			id := target.ChannelID()
			switch {
			case i < 3:
				responses[id] = tu.MockResponse{Err: fmt.Errorf("%w: quota exceeded", shared.ErrRateLimited)}
			case i < 23:
				responses[id] = tu.MockResponse{Videos: tu.MakeVideos("alice", id, 6), Delay: 2 * time.Millisecond}
			default:
				responses[id] = tu.MockResponse{Videos: tu.MakeVideos("alice", id, 5)}
			}
		}
		src := tu.NewMockSource(responses)
		rig := newTestRig(src, rigOpts{maxConcurrency: 8})
		rec := &recorder{}
		rig.engine.WithRecorder(rec)

		result := rig.engine.Run(ctx, "alice", targets, nil, nil)

		if !result.Success || result.Outcome != OutcomeCompleted {
			t.Fatalf("expected successful run, got %s: %s", result.Outcome, result.Message)
		}
		if result.Committed != 130 {
			t.Errorf("expected 130 committed, got %d", result.Committed)
		}
		if result.RateLimited != 3 {
			t.Errorf("expected 3 rate limited, got %d", result.RateLimited)
		}
		if !strings.Contains(result.Message, "3 rate-limited") {
			t.Errorf("expected message to mention rate limiting, got %q", result.Message)
		}
		if result.Err != nil {
			t.Errorf("expected no error, got %v", result.Err)
		}
		if src.MaxInFlight() > 8 {
			t.Errorf("expected at most 8 fetches in flight, saw %d", src.MaxInFlight())
		}
		rig.assertReleased(t)

		if len(rec.runs) != 1 || rec.runs[0].Committed() != 130 || rec.runs[0].State() != string(OutcomeCompleted) {
			t.Errorf("expected the run to be recorded, got %+v", rec.runs)
		}
	})

	t.Run("second run inside the window is rejected", func(t *testing.T) {
		src := tu.NewMockSource(nil)
		src.Default = tu.MockResponse{Videos: tu.MakeVideos("alice", "UC1", 2)}
		rig := newTestRig(src, rigOpts{policy: throttle.Policy{Window: 5 * time.Minute, MaxPerWindow: 1}})
		targets := tu.MakeTargets("alice", 1)

		if first := rig.engine.Run(ctx, "alice", targets, nil, nil); !first.Success {
			t.Fatalf("expected first run to succeed, got %s", first.Message)
		}

		second := rig.engine.Run(ctx, "alice", targets, nil, nil)
		if second.Success || second.Outcome != OutcomeRejected {
			t.Fatalf("expected rejection, got %s", second.Outcome)
		}
		if !strings.Contains(second.Message, "next sync allowed in") {
			t.Errorf("expected a human reason, got %q", second.Message)
		}
		if second.Err != nil {
			t.Errorf("expected rejection without error, got %v", second.Err)
		}
		if len(src.Calls()) != 1 {
			t.Errorf("expected rejected run not to fetch, got %d calls", len(src.Calls()))
		}

		if other := rig.engine.Run(ctx, "bob", tu.MakeTargets("bob", 1), nil, nil); !other.Success {
			t.Errorf("expected another identity to be unaffected, got %s", other.Message)
		}
	})

	t.Run("cancel before dispatch commits nothing", func(t *testing.T) {
		tests := []struct {
			name    string
			targets int
		}{
			{"bypassed run", 2},
			{"queued run", 10},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				src := tu.NewMockSource(nil)
				src.Default = tu.MockResponse{Videos: tu.MakeVideos("alice", "UC1", 3)}
				rig := newTestRig(src, rigOpts{policy: throttle.Policy{Window: time.Hour, MaxPerWindow: 1}})

				token := NewCancelToken(ctx)
				token.Cancel()

				result := rig.engine.Run(ctx, "alice", tu.MakeTargets("alice", tt.targets), token, nil)

				if !result.Cancelled || result.Success {
					t.Errorf("expected cancelled unsuccessful run, got %+v", result)
				}
				if result.Committed != 0 || rig.writer.Len() != 0 {
					t.Errorf("expected nothing committed, got %d", result.Committed)
				}
				if result.Err != nil {
					t.Errorf("expected cancellation without error, got %v", result.Err)
				}
				if len(src.Calls()) != 0 {
					t.Errorf("expected no fetches, got %v", src.Calls())
				}
				rig.assertReleased(t)

				if d, _ := rig.guard.CheckThrottle(ctx, "alice"); !d.Allowed {
					t.Error("expected cancelled run not to count against the throttle")
				}
			})
		}
	})

	t.Run("admission timeout", func(t *testing.T) {
		rig := newTestRig(tu.NewMockSource(nil), rigOpts{acquireTimeout: 40 * time.Millisecond})

		held, _, err := rig.queue.Acquire(ctx, "bob", 10, admission.AcquireOpts{})
		if err != nil || held == nil {
			t.Fatalf("failed to pre-acquire slot: %v", err)
		}
		defer rig.queue.Release(ctx, held)

		var positions []int
		result := rig.engine.Run(ctx, "alice", tu.MakeTargets("alice", 5), nil, func(u ProgressUpdate) {
			if u.Phase == PhaseQueue {
				if p, ok := u.Data.(int); ok {
					positions = append(positions, p)
				}
			}
		})

		if result.Outcome != OutcomeTimedOut || result.Success {
			t.Fatalf("expected timeout, got %s", result.Outcome)
		}
		if result.Err != nil {
			t.Errorf("expected timeout without error, got %v", result.Err)
		}
		if !strings.Contains(result.Message, "busy") {
			t.Errorf("unexpected timeout message %q", result.Message)
		}
		if len(positions) == 0 || positions[0] != 1 {
			t.Errorf("expected queue position 1 to be reported, got %v", positions)
		}
	})

	t.Run("blocked source stops the run with an error", func(t *testing.T) {
		targets := tu.MakeTargets("alice", 6)
		src := tu.NewMockSource(map[string]tu.MockResponse{
			"UC000": {Videos: tu.MakeVideos("alice", "UC000", 4)},
			"UC001": {Err: fmt.Errorf("%w: captcha", shared.ErrBlocked)},
		})
		rig := newTestRig(src, rigOpts{maxConcurrency: 1, policy: throttle.Policy{Window: time.Hour, MaxPerWindow: 1}})

		result := rig.engine.Run(ctx, "alice", targets, nil, nil)

		if result.Success || result.Outcome != OutcomeBlocked {
			t.Fatalf("expected blocked run, got %s", result.Outcome)
		}
		if !errors.Is(result.Err, shared.ErrBlocked) {
			t.Errorf("expected ErrBlocked, got %v", result.Err)
		}
		if result.Committed != 4 {
			t.Errorf("expected fetched videos to still be committed, got %d", result.Committed)
		}
		if result.Skipped != 4 {
			t.Errorf("expected 4 skipped targets, got %d", result.Skipped)
		}
		rig.assertReleased(t)

		if d, _ := rig.guard.CheckThrottle(ctx, "alice"); !d.Allowed {
			t.Error("expected blocked run not to count against the throttle")
		}
	})

	t.Run("failed commit batch is reported as partial", func(t *testing.T) {
		src := tu.NewMockSource(nil)
		src.Default = tu.MockResponse{Videos: tu.MakeVideos("alice", "same", 5)}
		rig := newTestRig(src, rigOpts{batchSize: 2})
		rig.writer.FailBatch = func(batch []models.Video) error {
			if len(batch) == 1 {
				return errors.New("database is locked")
			}
			return nil
		}

		result := rig.engine.Run(ctx, "alice", tu.MakeTargets("alice", 1), nil, nil)

		if result.Success || result.Outcome != OutcomePartial {
			t.Fatalf("expected partial run, got %s", result.Outcome)
		}
		if result.Committed != 4 || result.FailedBatches != 1 {
			t.Errorf("expected 4 committed and 1 failed batch, got %d and %d", result.Committed, result.FailedBatches)
		}
		if !strings.Contains(result.Message, "1 of 3 batches failed") {
			t.Errorf("unexpected message %q", result.Message)
		}
	})

	t.Run("every target failing is not a success", func(t *testing.T) {
		src := tu.NewMockSource(nil)
		src.Default = tu.MockResponse{Err: errors.New("connection refused")}
		rig := newTestRig(src, rigOpts{})

		result := rig.engine.Run(ctx, "alice", tu.MakeTargets("alice", 4), nil, nil)
		if result.Success || result.Outcome != OutcomeFailed || result.Failed != 4 {
			t.Errorf("expected failed run, got %s with %d failures", result.Outcome, result.Failed)
		}
	})

	t.Run("every target rate limited is not an error", func(t *testing.T) {
		src := tu.NewMockSource(nil)
		src.Default = tu.MockResponse{Err: fmt.Errorf("%w: quota exceeded", shared.ErrRateLimited)}
		rig := newTestRig(src, rigOpts{policy: throttle.Policy{Window: time.Hour, MaxPerWindow: 1}})

		result := rig.engine.Run(ctx, "alice", tu.MakeTargets("alice", 4), nil, nil)

		if result.Outcome != OutcomeRateLimited || result.Success {
			t.Fatalf("expected rate limited run, got %s: %s", result.Outcome, result.Message)
		}
		if result.Err != nil {
			t.Errorf("expected no error, got %v", result.Err)
		}
		if result.RateLimited != 4 || result.Failed != 0 {
			t.Errorf("expected 4 rate limited and no failures, got %d and %d", result.RateLimited, result.Failed)
		}
		if !strings.Contains(result.Message, "All 4 channels were rate-limited") {
			t.Errorf("unexpected message %q", result.Message)
		}
		rig.assertReleased(t)

		if d, _ := rig.guard.CheckThrottle(ctx, "alice"); !d.Allowed {
			t.Error("expected rate limited run not to count against the throttle")
		}
	})

	t.Run("ordinary errors behind the circuit breaker do not block the run", func(t *testing.T) {
		targets := tu.MakeTargets("alice", 10)
		responses := map[string]tu.MockResponse{}
		for i, target := range targets {
			id := target.ChannelID()
			if i < 3 {
				responses[id] = tu.MockResponse{Err: errors.New("channel not found")}
				continue
			}
			responses[id] = tu.MockResponse{Videos: tu.MakeVideos("alice", id, 2)}
		}
		breaker := services.NewBreakerSource(tu.NewMockSource(responses), shared.BreakerConfig{
			MaxFailures: 3,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     time.Hour,
		}, shared.NewLogger(io.Discard))
		rig := newTestRig(breaker, rigOpts{maxConcurrency: 1})

		result := rig.engine.Run(ctx, "alice", targets, nil, nil)

		if result.Blocked || result.Outcome == OutcomeBlocked {
			t.Fatalf("expected the run not to be blocked, got %s: %s", result.Outcome, result.Message)
		}
		if result.Failed != 3 || result.Fetched != 7 || result.Skipped != 0 {
			t.Errorf("expected 3 failed and 7 fetched, got %d failed, %d fetched, %d skipped", result.Failed, result.Fetched, result.Skipped)
		}
		if result.Committed != 14 {
			t.Errorf("expected 14 committed, got %d", result.Committed)
		}
		if result.Err != nil {
			t.Errorf("expected no error, got %v", result.Err)
		}
	})

	t.Run("panicking source fails the run without crashing", func(t *testing.T) {
		src := tu.NewMockSource(nil)
		src.Default = tu.MockResponse{Panic: "decoder bug"}
		rig := newTestRig(src, rigOpts{maxConcurrency: 2})
		rec := &recorder{}
		rig.engine.WithRecorder(rec)

		result := rig.engine.Run(ctx, "alice", tu.MakeTargets("alice", 3), nil, nil)

		if result.Success || result.Outcome != OutcomeFailed || result.Failed != 3 {
			t.Errorf("expected failed run with 3 failures, got %s with %d", result.Outcome, result.Failed)
		}
		rig.assertReleased(t)
		if len(rec.runs) != 1 {
			t.Errorf("expected the run to be recorded, got %d", len(rec.runs))
		}
	})

	t.Run("panic during fetching still reports and releases", func(t *testing.T) {
		src := tu.NewMockSource(nil)
		src.Default = tu.MockResponse{Videos: tu.MakeVideos("alice", "UC1", 1)}
		rig := newTestRig(src, rigOpts{})
		m := newMachine(shared.NewLogger(io.Discard))

		var done *SyncRunResult
		result := rig.engine.run(ctx, "run-1", m, "alice", tu.MakeTargets("alice", 2), NewCancelToken(ctx), func(u ProgressUpdate) {
			switch u.Phase {
			case PhaseFetch:
				panic("render bug")
			case PhaseDone:
				done, _ = u.Data.(*SyncRunResult)
			}
		})

		if result.Outcome != OutcomeFailed || result.Err == nil || !strings.Contains(result.Err.Error(), "render bug") {
			t.Fatalf("expected failed run carrying the panic, got %s: %v", result.Outcome, result.Err)
		}
		if m.current() != StateIdle {
			t.Errorf("expected the machine to return to idle, got %s", m.current())
		}
		if done != result {
			t.Error("expected the final update to carry the result")
		}
		rig.assertReleased(t)
	})

	t.Run("no targets", func(t *testing.T) {
		rig := newTestRig(tu.NewMockSource(nil), rigOpts{})
		if result := rig.engine.Run(ctx, "alice", nil, nil, nil); !result.Success || result.Committed != 0 {
			t.Errorf("expected empty successful run, got %+v", result)
		}
	})

	t.Run("progress reports phases in order", func(t *testing.T) {
		src := tu.NewMockSource(nil)
		src.Default = tu.MockResponse{Videos: tu.MakeVideos("alice", "UC1", 1)}
		rig := newTestRig(src, rigOpts{})

		var phases []Phase
		var lastFetch int
		rig.engine.Run(ctx, "alice", tu.MakeTargets("alice", 4), nil, func(u ProgressUpdate) {
			if len(phases) == 0 || phases[len(phases)-1] != u.Phase {
				phases = append(phases, u.Phase)
			}
			if u.Phase == PhaseFetch {
				done, total, ok := ParseCounter(u.Message)
				if !ok || total != 4 || done < lastFetch {
					t.Errorf("unexpected fetch counter in %q", u.Message)
				}
				lastFetch = done
			}
		})

		want := []Phase{PhaseThrottle, PhaseQueue, PhaseFetch, PhaseCommit, PhaseDone}
		if fmt.Sprint(phases) != fmt.Sprint(want) {
			t.Errorf("expected phases %v, got %v", want, phases)
		}
		if lastFetch != 4 {
			t.Errorf("expected fetch progress to reach 4, got %d", lastFetch)
		}
	})
}

func TestEngine_StartRun(t *testing.T) {
	ctx := context.Background()

	t.Run("runs in the background", func(t *testing.T) {
		src := tu.NewMockSource(nil)
		src.Default = tu.MockResponse{Videos: tu.MakeVideos("alice", "UC1", 2), Delay: 5 * time.Millisecond}
		rig := newTestRig(src, rigOpts{})

		progress := make(chan ProgressUpdate)
		var fromDone *SyncRunResult
		h := rig.engine.StartRun(ctx, "alice", tu.MakeTargets("alice", 3), ChannelProgress(progress), func(r *SyncRunResult) {
			fromDone = r
		})

		select {
		case <-h.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("run blocked on an unread progress channel")
		}

		result := h.Wait()
		if !result.Success || result.Committed != 2 {
			t.Errorf("expected success with 2 committed, got %+v", result)
		}
		if fromDone != result {
			t.Error("expected onDone to receive the result")
		}
		if result.RunID != h.ID {
			t.Errorf("expected run id %s, got %s", h.ID, result.RunID)
		}
		if h.State() != StateIdle {
			t.Errorf("expected idle after reporting, got %s", h.State())
		}
	})

	t.Run("cancel while queued", func(t *testing.T) {
		rig := newTestRig(tu.NewMockSource(nil), rigOpts{})

		held, _, err := rig.queue.Acquire(ctx, "bob", 10, admission.AcquireOpts{})
		if err != nil || held == nil {
			t.Fatalf("failed to pre-acquire slot: %v", err)
		}
		defer rig.queue.Release(ctx, held)

		queued := make(chan struct{})
		var once sync.Once
		h := rig.engine.StartRun(ctx, "alice", tu.MakeTargets("alice", 5), func(u ProgressUpdate) {
			if u.Phase == PhaseQueue && u.Data != nil {
				once.Do(func() { close(queued) })
			}
		}, nil)

		select {
		case <-queued:
		case <-time.After(5 * time.Second):
			t.Fatal("run never reported a queue position")
		}
		if h.State() != StateAdmitting {
			t.Errorf("expected admitting state, got %s", h.State())
		}

		rig.engine.Cancel(h)
		result := h.Wait()

		if !result.Cancelled || result.Outcome != OutcomeCancelled || result.Success {
			t.Errorf("expected cancelled result, got %+v", result)
		}
		if result.Err != nil {
			t.Errorf("expected no error, got %v", result.Err)
		}

		snap, err := rig.queue.Status(ctx)
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if snap.Waiting != 0 {
			t.Errorf("expected cancelled waiter to leave the queue, %d waiting", snap.Waiting)
		}
	})
}

func TestStateMachine(t *testing.T) {
	m := newMachine(shared.NewLogger(io.Discard))

	if m.transition(StateFetching) {
		t.Error("expected Idle -> Fetching to be rejected")
	}
	if m.current() != StateIdle {
		t.Errorf("expected state to stay idle, got %s", m.current())
	}

	paths := [][]State{
		{StateThrottleCheck, StateAdmitting, StateAdmitted, StateFetching, StateCommitting, StateReporting, StateIdle},
		{StateThrottleCheck, StateAdmitting, StateAdmitted, StateFetching, StateReporting, StateIdle},
	}
	for _, path := range paths {
		for _, next := range path {
			if !m.transition(next) {
				t.Fatalf("expected transition to %s to be allowed", next)
			}
		}
	}
}
