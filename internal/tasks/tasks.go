// package tasks implements the sync run pipeline.
//
// The core abstraction is SyncEngine, which takes a run from the throttle check through admission, fetch and commit.
// Runs emit progress updates through non-blocking callbacks for status reporting to CLI/UI layers.
package tasks

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/ytsync/internal/admission"
	"github.com/desertthunder/ytsync/internal/metrics"
	"github.com/desertthunder/ytsync/internal/models"
	"github.com/desertthunder/ytsync/internal/services"
	"github.com/desertthunder/ytsync/internal/shared"
	"github.com/desertthunder/ytsync/internal/throttle"
)

// Outcome is the terminal classification of a run.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomePartial   Outcome = "partial"
	OutcomeRejected  Outcome = "rejected"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeFailed    Outcome = "failed"
	// OutcomeRateLimited means every target that was tried came back rate limited.
	OutcomeRateLimited Outcome = "rate_limited"
)

// SyncRunResult is the immutable summary handed back when a run ends.
//
// Err is set only for blocked runs and unexpected store failures. Rejections,
// timeouts, cancellations and fully rate-limited runs are ordinary results with a Message.
type SyncRunResult struct {
	RunID         string        `json:"run_id"`
	Identity      string        `json:"identity"`
	Outcome       Outcome       `json:"outcome"`
	Success       bool          `json:"success"`
	Cancelled     bool          `json:"cancelled"`
	Message       string        `json:"message"`
	Committed     int           `json:"committed"`
	Targets       int           `json:"targets"`
	Fetched       int           `json:"fetched"`
	Empty         int           `json:"empty"`
	RateLimited   int           `json:"rate_limited"`
	Failed        int           `json:"failed"`
	Skipped       int           `json:"skipped"`
	Blocked       bool          `json:"blocked"`
	Batches       int           `json:"batches"`
	FailedBatches int           `json:"failed_batches"`
	Bypassed      bool          `json:"bypassed"`
	Waited        time.Duration `json:"waited"`
	RetryAfter    time.Duration `json:"retry_after,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
	Err           error         `json:"-"`
}

// Duration is the wall time of the run.
func (r *SyncRunResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *SyncRunResult) fail(err error) {
	r.Outcome = OutcomeFailed
	r.Success = false
	r.Err = err
	r.Message = "Sync failed: " + err.Error()
}

// ThrottleGuard decides whether an identity may start a run.
type ThrottleGuard interface {
	CheckThrottle(ctx context.Context, identity string) (throttle.Decision, error)
	RecordCompletion(ctx context.Context, identity string) error
}

// Admitter hands out the shared admission slot.
type Admitter interface {
	Acquire(ctx context.Context, identity string, weight int, opts admission.AcquireOpts) (*admission.Ticket, bool, error)
	Release(ctx context.Context, t *admission.Ticket) error
}

// RunRecorder appends finished runs to a history store.
type RunRecorder interface {
	RecordRun(ctx context.Context, run *models.SyncRun) error
}

// SyncEngine defines operations for running syncs.
type SyncEngine interface {
	// Run executes one sync synchronously and returns its result.
	Run(ctx context.Context, identity string, targets []*models.Target, token *CancelToken, onProgress ProgressFunc) *SyncRunResult

	// StartRun executes one sync in the background.
	StartRun(ctx context.Context, identity string, targets []*models.Target, onProgress ProgressFunc, onDone func(*SyncRunResult)) *RunHandle

	// Cancel requests cancellation of a run started with StartRun.
	Cancel(h *RunHandle)
}

// EngineOpts tunes an [Engine].
type EngineOpts struct {
	MaxConcurrency int           // concurrent fetches
	BatchSize      int           // videos per commit batch
	AcquireTimeout time.Duration // admission deadline, zero waits until cancelled
}

// EngineOptsFromShared maps the [fetch], [commit] and [admission] config sections.
func EngineOptsFromShared(c *shared.Config) EngineOpts {
	return EngineOpts{
		MaxConcurrency: c.Fetch.MaxConcurrency,
		BatchSize:      c.Commit.BatchSize,
		AcquireTimeout: c.Admission.AcquireTimeout,
	}
}

// Engine implements [SyncEngine].
// Contains the throttle guard, admission queue, fetch orchestrator and committer.
type Engine struct {
	guard     ThrottleGuard
	queue     Admitter
	fetcher   *Orchestrator
	committer *Committer
	recorder  RunRecorder
	opts      EngineOpts
	logger    *log.Logger
	now       func() time.Time
}

// NewEngine creates a new Engine with the provided pipeline stages.
func NewEngine(
	guard ThrottleGuard,
	queue Admitter,
	source services.ChannelSource,
	writer VideoWriter,
	opts EngineOpts,
	logger *log.Logger,
) *Engine {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}

	return &Engine{
		guard:     guard,
		queue:     queue,
		fetcher:   NewOrchestrator(source, logger),
		committer: NewCommitter(writer, logger),
		opts:      opts,
		logger:    logger.WithPrefix("engine"),
		now:       time.Now,
	}
}

// WithRecorder appends every finished run to r. Recording failures are logged and ignored.
func (e *Engine) WithRecorder(r RunRecorder) *Engine {
	e.recorder = r
	return e
}

// RunHandle tracks a run started with [Engine.StartRun].
type RunHandle struct {
	ID      string
	token   *CancelToken
	machine *machine
	done    chan struct{}
	result  *SyncRunResult
}

// Cancel requests cooperative cancellation.
func (h *RunHandle) Cancel() { h.token.Cancel() }

// Done is closed once the run has reported.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// State returns the run's current pipeline state.
func (h *RunHandle) State() State { return h.machine.current() }

// Wait blocks until the run finishes and returns its result.
func (h *RunHandle) Wait() *SyncRunResult {
	<-h.done
	return h.result
}

// StartRun executes a run in its own goroutine. onDone, when set, is called with
// the result before [RunHandle.Wait] returns.
func (e *Engine) StartRun(
	ctx context.Context,
	identity string,
	targets []*models.Target,
	onProgress ProgressFunc,
	onDone func(*SyncRunResult),
) *RunHandle {
	h := &RunHandle{
		ID:      shared.GenerateID(),
		token:   NewCancelToken(ctx),
		machine: newMachine(e.logger),
		done:    make(chan struct{}),
	}

	go func() {
		defer close(h.done)
		h.result = e.run(ctx, h.ID, h.machine, identity, targets, h.token, onProgress)
		if onDone != nil {
			onDone(h.result)
		}
	}()
	return h
}

// Cancel requests cancellation of h.
func (e *Engine) Cancel(h *RunHandle) {
	if h != nil {
		h.Cancel()
	}
}

// Run executes a run on the calling goroutine. A nil token is derived from ctx.
func (e *Engine) Run(
	ctx context.Context,
	identity string,
	targets []*models.Target,
	token *CancelToken,
	onProgress ProgressFunc,
) *SyncRunResult {
	if token == nil {
		token = NewCancelToken(ctx)
	}
	return e.run(ctx, shared.GenerateID(), newMachine(e.logger), identity, targets, token, onProgress)
}

func (e *Engine) run(
	ctx context.Context,
	runID string,
	m *machine,
	identity string,
	targets []*models.Target,
	token *CancelToken,
	onProgress ProgressFunc,
) (result *SyncRunResult) {
	emit := func(u ProgressUpdate) {
		if onProgress != nil {
			onProgress(u)
		}
	}

	result = &SyncRunResult{RunID: runID, Identity: identity, Targets: len(targets), StartedAt: e.now()}
	if len(targets) == 0 {
		result.Outcome = OutcomeCompleted
		result.Success = true
		result.Message = "No channels to sync"
		result.FinishedAt = result.StartedAt
		emit(doneUpdate(result))
		return result
	}

	logger := shared.WithLogger(e.logger, "run", runID, "identity", identity)
	logger.Info("sync run started", "targets", len(targets))

	defer e.finish(ctx, m, result, logger, emit)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("sync run panicked", "panic", r)
			result.fail(fmt.Errorf("unexpected panic: %v", r))
		}
	}()

	m.transition(StateThrottleCheck)
	emit(throttleCheckUpdate(identity))

	decision, err := e.guard.CheckThrottle(ctx, identity)
	if err != nil {
		result.fail(err)
		return result
	}
	if !decision.Allowed {
		m.transition(StateRejected)
		result.Outcome = OutcomeRejected
		result.Message = decision.Reason
		result.RetryAfter = decision.RetryAfter
		emit(rejectedUpdate(decision.Reason))
		return result
	}

	m.transition(StateAdmitting)
	emit(queueJoinUpdate(len(targets)))

	ticket, err := e.admit(ctx, identity, len(targets), token, emit, result)
	if ticket == nil {
		switch {
		case token.Cancelled():
			result.Outcome = OutcomeCancelled
			result.Cancelled = true
			result.Message = "Sync cancelled before fetching started"
		case err != nil:
			result.fail(err)
		default:
			m.transition(StateTimedOut)
			result.Outcome = OutcomeTimedOut
			result.Message = fmt.Sprintf("Sync queue is busy; gave up after %s, try again later", shared.HumanDuration(result.Waited))
		}
		return result
	}
	defer e.release(ctx, ticket, logger)

	m.transition(StateAdmitted)
	emit(admittedUpdate(ticket.Bypassed, result.Waited))

	m.transition(StateFetching)
	emit(fetchStartUpdate(len(targets)))

	fetched := e.fetcher.RunFetch(ctx, targets, e.opts.MaxConcurrency, token.Cancelled, func(done, total int, label string) {
		emit(fetchProgressUpdate(done, total, label))
	})
	items := result.tally(fetched)
	result.Cancelled = token.Cancelled()

	// Fetched work is committed even when the run was cancelled.
	m.transition(StateCommitting)
	commitCtx := context.WithoutCancel(ctx)
	if len(items) > 0 {
		emit(commitStartUpdate(len(items), (len(items)+e.opts.BatchSize-1)/e.opts.BatchSize))
	}

	commit := e.committer.Commit(commitCtx, items, e.opts.BatchSize)
	result.Committed = commit.Committed
	result.Batches = commit.Batches
	result.FailedBatches = commit.FailedBatches
	if commit.Batches > 0 {
		emit(commitDoneUpdate(commit))
	}

	result.classify(fetched)
	if result.Success {
		if err := e.guard.RecordCompletion(commitCtx, identity); err != nil {
			logger.Warn("failed to record completion", "err", err)
		}
	}
	return result
}

// admit waits for the admission slot. A nil ticket with a nil error means the deadline passed.
func (e *Engine) admit(
	ctx context.Context,
	identity string,
	weight int,
	token *CancelToken,
	emit ProgressFunc,
	result *SyncRunResult,
) (*admission.Ticket, error) {
	if token.Cancelled() {
		return nil, token.Context().Err()
	}

	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(token.Context(), cancel)
	defer stop()

	opts := admission.AcquireOpts{
		OnPosition: func(position int) { emit(queuePositionUpdate(position)) },
		OnJitter:   func(delay time.Duration) { emit(jitterUpdate(delay)) },
	}
	if e.opts.AcquireTimeout > 0 {
		opts.Deadline = e.now().Add(e.opts.AcquireTimeout)
	}

	start := e.now()
	ticket, timedOut, err := e.queue.Acquire(acquireCtx, identity, weight, opts)
	result.Waited = e.now().Sub(start)
	if err != nil || timedOut {
		return nil, err
	}
	result.Bypassed = ticket.Bypassed
	return ticket, nil
}

func (e *Engine) release(ctx context.Context, ticket *admission.Ticket, logger *log.Logger) {
	if err := e.queue.Release(context.WithoutCancel(ctx), ticket); err != nil {
		logger.Warn("failed to release admission slot", "err", err)
	}
}

func (e *Engine) finish(ctx context.Context, m *machine, result *SyncRunResult, logger *log.Logger, emit ProgressFunc) {
	m.transition(StateReporting)
	result.FinishedAt = e.now()
	if result.Message == "" {
		result.Message = result.summary()
	}

	metrics.RecordRun(string(result.Outcome), result.Duration())
	e.record(context.WithoutCancel(ctx), result, logger)

	logger.Info("sync run finished",
		"outcome", result.Outcome,
		"committed", result.Committed,
		"took", shared.HumanDuration(result.Duration()),
	)
	emit(doneUpdate(result))
	m.transition(StateIdle)
}

func (e *Engine) record(ctx context.Context, result *SyncRunResult, logger *log.Logger) {
	if e.recorder == nil {
		return
	}

	run := models.NewSyncRun(0, result.Identity, result.Targets)
	run.SetID(result.RunID)
	run.SetState(string(result.Outcome))
	run.SetSuccess(result.Success)
	run.SetCancelled(result.Cancelled)
	run.SetCommitted(result.Committed)
	run.SetRateLimited(result.RateLimited)
	run.SetFailed(result.Failed)
	run.SetMessage(result.Message)
	run.SetStartedAt(result.StartedAt)
	finished := result.FinishedAt
	run.SetFinishedAt(&finished)

	if err := e.recorder.RecordRun(ctx, run); err != nil {
		logger.Warn("failed to record sync run", "err", err)
	}
}

// tally counts fetch statuses and returns the videos to commit.
func (r *SyncRunResult) tally(results []FetchResult) []models.Video {
	var items []models.Video
	for _, res := range results {
		switch res.Status {
		case FetchOK:
			r.Fetched++
			items = append(items, res.Videos...)
		case FetchEmpty:
			r.Empty++
		case FetchRateLimited:
			r.RateLimited++
		case FetchBlocked:
			r.Blocked = true
			r.Failed++
			if r.Err == nil {
				r.Err = res.Err
			}
		case FetchFailed:
			r.Failed++
		case FetchSkipped:
			r.Skipped++
		}
	}
	return items
}

// classify settles the outcome once fetch and commit are done.
func (r *SyncRunResult) classify(results []FetchResult) {
	reached := r.Fetched + r.Empty
	switch {
	case r.Blocked:
		r.Outcome = OutcomeBlocked
	case r.Cancelled:
		r.Outcome = OutcomeCancelled
	case r.FailedBatches > 0:
		r.Outcome = OutcomePartial
	case reached == 0 && r.Failed == 0 && r.RateLimited > 0:
		r.Outcome = OutcomeRateLimited
		r.Message = fmt.Sprintf("All %d channels were rate-limited; try again later", r.RateLimited)
	case reached == 0 && len(results) > 0:
		r.Outcome = OutcomeFailed
	default:
		r.Outcome = OutcomeCompleted
		r.Success = true
	}
}

func (r *SyncRunResult) summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Committed %d videos from %d of %d channels", r.Committed, r.Fetched+r.Empty, r.Targets)

	var notes []string
	if r.RateLimited > 0 {
		notes = append(notes, fmt.Sprintf("%d rate-limited", r.RateLimited))
	}
	if r.Failed > 0 {
		notes = append(notes, fmt.Sprintf("%d failed", r.Failed))
	}
	if r.Skipped > 0 {
		notes = append(notes, fmt.Sprintf("%d skipped", r.Skipped))
	}
	if r.FailedBatches > 0 {
		notes = append(notes, fmt.Sprintf("%d of %d batches failed to save", r.FailedBatches, r.Batches))
	}
	if r.Blocked {
		notes = append(notes, "stopped early: the video source is blocking requests")
	}
	if r.Cancelled {
		notes = append(notes, "cancelled")
	}

	if len(notes) > 0 {
		b.WriteString("; ")
		b.WriteString(strings.Join(notes, "; "))
	}
	return b.String()
}

// State is a pipeline state of one run.
type State int

const (
	StateIdle State = iota
	StateThrottleCheck
	StateRejected
	StateAdmitting
	StateTimedOut
	StateAdmitted
	StateFetching
	StateCommitting
	StateReporting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateThrottleCheck:
		return "throttle_check"
	case StateRejected:
		return "rejected"
	case StateAdmitting:
		return "admitting"
	case StateTimedOut:
		return "timed_out"
	case StateAdmitted:
		return "admitted"
	case StateFetching:
		return "fetching"
	case StateCommitting:
		return "committing"
	case StateReporting:
		return "reporting"
	default:
		return ""
	}
}

var transitions = map[State][]State{
	StateIdle:          {StateThrottleCheck},
	StateThrottleCheck: {StateRejected, StateAdmitting, StateReporting},
	StateRejected:      {StateReporting},
	StateAdmitting:     {StateTimedOut, StateAdmitted, StateReporting},
	StateTimedOut:      {StateReporting},
	StateAdmitted:      {StateFetching, StateReporting},
	StateFetching:      {StateCommitting, StateReporting},
	StateCommitting:    {StateReporting},
	StateReporting:     {StateIdle},
}

type machine struct {
	mu     sync.Mutex
	state  State
	logger *log.Logger
}

func newMachine(logger *log.Logger) *machine {
	return &machine{state: StateIdle, logger: logger}
}

// transition moves to next. Illegal moves are logged and ignored.
func (m *machine) transition(next State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.logger.Debug("run state", "from", m.state, "to", next)
			m.state = next
			return true
		}
	}
	m.logger.Error("illegal run state transition", "from", m.state, "to", next)
	return false
}

func (m *machine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
