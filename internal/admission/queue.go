package admission

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/ytsync/internal/metrics"
	"github.com/desertthunder/ytsync/internal/shared"
)

// Config tunes a [Queue].
type Config struct {
	Slot                string
	BypassThreshold     int
	TTL                 time.Duration
	WaiterTTL           time.Duration
	PollInterval        time.Duration
	ContentionThreshold int
	JitterBase          time.Duration
	JitterMax           time.Duration
	// FIFO makes a waiter attempt the slot only when no live waiter arrived before it.
	FIFO bool
	// RenewInterval is how often a held slot is extended. Zero means TTL/3; negative disables renewal.
	RenewInterval time.Duration
}

// ConfigFromShared maps the [admission] config section.
func ConfigFromShared(c shared.AdmissionConfig) Config {
	return Config{
		Slot:                c.Slot,
		BypassThreshold:     c.BypassThreshold,
		TTL:                 c.TTL,
		WaiterTTL:           c.WaiterTTL,
		PollInterval:        c.PollInterval,
		ContentionThreshold: c.ContentionThreshold,
		JitterBase:          c.JitterBase,
		JitterMax:           c.JitterMax,
		FIFO:                c.FIFO,
	}
}

// AcquireOpts carries per-call options for [Queue.Acquire].
type AcquireOpts struct {
	// Deadline bounds the wait. The zero value waits until ctx is done.
	Deadline time.Time
	// OnPosition receives the caller's 1-based queue position whenever it changes:
	// the number of waiters ahead of it plus one, so 1 means next in line.
	OnPosition func(position int)
	// OnJitter receives each contention delay before it is slept.
	OnJitter func(delay time.Duration)
}

// Queue grants the admission slot to one ticket at a time.
type Queue struct {
	store   SlotStore
	cfg     Config
	backoff Backoff
	logger  *log.Logger
	rand    func() float64
}

// NewQueue creates a Queue over store.
func NewQueue(store SlotStore, cfg Config, logger *log.Logger) *Queue {
	if cfg.Slot == "" {
		cfg.Slot = "default"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.WaiterTTL <= 0 {
		cfg.WaiterTTL = 10 * cfg.PollInterval
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Minute
	}
	if cfg.RenewInterval == 0 {
		cfg.RenewInterval = cfg.TTL / 3
	}
	if logger == nil {
		logger = shared.NewLogger(nil)
	}

	return &Queue{
		store:   store,
		cfg:     cfg,
		backoff: Backoff{Base: cfg.JitterBase, Max: cfg.JitterMax, Threshold: cfg.ContentionThreshold},
		logger:  logger.WithPrefix("admission"),
		rand:    rand.Float64,
	}
}

// Acquire waits for the slot on behalf of identity.
//
// A weight below the bypass threshold returns a bypassed ticket at once. When the
// deadline passes first it returns timedOut with no ticket and no error. When ctx
// is cancelled it returns ctx's error. The waiter registration is removed on every
// path that does not return a held ticket.
func (q *Queue) Acquire(ctx context.Context, identity string, weight int, opts AcquireOpts) (*Ticket, bool, error) {
	t := newTicket(q.cfg.Slot, identity, weight)
	t.EnqueuedAt = time.Now()

	if weight < q.cfg.BypassThreshold {
		t.Bypassed = true
		metrics.AdmissionBypassTotal.Inc()
		q.logger.Debug("bypassing admission queue", "identity", identity, "weight", weight)
		return t, false, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	if err := q.store.Enqueue(ctx, t, q.cfg.WaiterTTL); err != nil {
		return nil, false, fmt.Errorf("failed to join admission queue: %w", err)
	}

	acquired := false
	defer func() {
		if acquired {
			return
		}
		if err := q.store.Dequeue(context.WithoutCancel(ctx), t); err != nil {
			q.logger.Warn("failed to leave admission queue", "ticket", t.ID, "error", err)
		}
	}()

	lastPosition := 0
	for attempt := 0; ; attempt++ {
		ahead, waiting, err := q.store.Position(ctx, t, q.cfg.WaiterTTL)
		if errors.Is(err, shared.ErrNotFound) {
			q.logger.Warn("admission registration expired, rejoining", "ticket", t.ID)
			if err = q.store.Enqueue(ctx, t, q.cfg.WaiterTTL); err == nil {
				ahead, waiting, err = q.store.Position(ctx, t, q.cfg.WaiterTTL)
			}
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, false, ctxErr
			}
			return nil, false, fmt.Errorf("failed to read admission position: %w", err)
		}

		if ahead == 0 || !q.cfg.FIFO {
			ok, err := q.store.TryAcquire(ctx, t, q.cfg.TTL)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, false, ctxErr
				}
				return nil, false, fmt.Errorf("failed to claim admission slot: %w", err)
			}
			if ok {
				acquired = true
				t.AcquiredAt = time.Now()
				metrics.AdmissionWaitSeconds.Observe(t.AcquiredAt.Sub(t.EnqueuedAt).Seconds())
				q.logger.Debug("admission slot acquired", "ticket", t.ID, "identity", identity, "generation", t.Generation, "attempts", attempt+1)
				q.startRenewal(t)
				return t, false, nil
			}
		}

		if position := ahead + 1; position != lastPosition {
			lastPosition = position
			if opts.OnPosition != nil {
				opts.OnPosition(position)
			}
		}

		delay := q.cfg.PollInterval
		if waiting > q.cfg.ContentionThreshold {
			if d := q.backoff.Delay(waiting, attempt, q.rand()); d > 0 {
				delay = d
				metrics.AdmissionJitterTotal.Inc()
				if opts.OnJitter != nil {
					opts.OnJitter(delay)
				}
			}
		}

		if !opts.Deadline.IsZero() {
			remaining := time.Until(opts.Deadline)
			if remaining <= 0 {
				metrics.AdmissionTimeoutsTotal.Inc()
				q.logger.Info("admission wait timed out", "identity", identity, "position", lastPosition)
				return nil, true, nil
			}
			delay = min(delay, remaining)
		}

		if err := sleep(ctx, delay); err != nil {
			return nil, false, err
		}
	}
}

// Release frees the slot held by t. Bypassed and nil tickets are a no-op.
func (q *Queue) Release(ctx context.Context, t *Ticket) error {
	if t == nil || t.Bypassed {
		return nil
	}
	if t.stop != nil {
		t.stop()
		t.stop = nil
	}

	if err := q.store.Release(ctx, t); err != nil {
		if errors.Is(err, shared.ErrSlotNotHeld) {
			q.logger.Warn("admission slot was reclaimed before release", "ticket", t.ID, "generation", t.Generation)
		}
		return fmt.Errorf("failed to release admission slot: %w", err)
	}

	q.logger.Debug("admission slot released", "ticket", t.ID, "held", time.Since(t.AcquiredAt))
	return nil
}

// Status reports the current holder and live waiter count.
func (q *Queue) Status(ctx context.Context) (Snapshot, error) {
	snap, err := q.store.Snapshot(ctx, q.cfg.Slot)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read admission slot: %w", err)
	}
	return snap, nil
}

// ForceRelease clears the slot whoever holds it.
func (q *Queue) ForceRelease(ctx context.Context) error {
	if err := q.store.ForceRelease(ctx, q.cfg.Slot); err != nil {
		return fmt.Errorf("failed to force release admission slot: %w", err)
	}
	q.logger.Warn("admission slot force released", "slot", q.cfg.Slot)
	return nil
}

// startRenewal keeps a held slot alive until Release stops it.
func (q *Queue) startRenewal(t *Ticket) {
	if q.cfg.RenewInterval < 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.stop = func() {
		cancel()
		<-done
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(q.cfg.RenewInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := q.store.Extend(ctx, t, q.cfg.TTL)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					q.logger.Warn("failed to extend admission slot", "ticket", t.ID, "error", err)
					continue
				}
				if !ok {
					q.logger.Warn("admission slot lost while held", "ticket", t.ID, "generation", t.Generation)
					return
				}
			}
		}
	}()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
