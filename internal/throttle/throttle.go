// Package throttle decides whether an identity may start another sync run.
//
// A [Guard] reads the identity's [models.ThrottleRecord] and applies a [Policy].
// Completions are recorded through compare-and-swap on the record version, so
// concurrent clients never lose each other's updates.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/ytsync/internal/metrics"
	"github.com/desertthunder/ytsync/internal/models"
	"github.com/desertthunder/ytsync/internal/shared"
)

// Store persists throttle records.
type Store interface {
	// GetThrottle returns the record for identity or shared.ErrNotFound.
	GetThrottle(ctx context.Context, identity string) (models.ThrottleRecord, error)
	// SwapThrottle writes next if the stored version still equals expected.
	// expected == 0 means the record must not exist yet. next.Version is expected+1.
	SwapThrottle(ctx context.Context, next models.ThrottleRecord, expected int64) (bool, error)
	// DeleteThrottle removes the record for identity.
	DeleteThrottle(ctx context.Context, identity string) error
}

// Policy limits how often an identity may run. Zero fields are disabled.
type Policy struct {
	MinInterval  time.Duration
	Window       time.Duration
	MaxPerWindow int
	AllowList    []string
}

// PolicyFromShared maps the [throttle] config section.
func PolicyFromShared(c shared.ThrottleConfig) Policy {
	return Policy{
		MinInterval:  c.MinInterval,
		Window:       c.Window,
		MaxPerWindow: c.MaxPerWindow,
		AllowList:    c.AllowList,
	}
}

// Decision is the outcome of [Guard.CheckThrottle].
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

const maxSwapAttempts = 8

// Guard applies a Policy to stored completion history.
type Guard struct {
	store  Store
	policy Policy
	logger *log.Logger
	now    func() time.Time
}

// NewGuard creates a Guard.
func NewGuard(store Store, policy Policy, logger *log.Logger) *Guard {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &Guard{store: store, policy: policy, logger: logger.WithPrefix("throttle"), now: time.Now}
}

// CheckThrottle reports whether identity may start a run now.
//
// It reads state only. A rejection carries a human-readable reason and the wait
// until the identity is allowed again.
func (g *Guard) CheckThrottle(ctx context.Context, identity string) (Decision, error) {
	if slices.Contains(g.policy.AllowList, identity) {
		return Decision{Allowed: true, Reason: "identity is allow-listed"}, nil
	}

	rec, err := g.store.GetThrottle(ctx, identity)
	if errors.Is(err, shared.ErrNotFound) {
		return Decision{Allowed: true}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("failed to read throttle record: %w", err)
	}

	d := g.policy.evaluate(rec, g.now())
	if !d.Allowed {
		metrics.ThrottleRejectionsTotal.Inc()
		g.logger.Info("sync throttled", "identity", identity, "retry_after", d.RetryAfter)
	}
	return d, nil
}

func (p Policy) evaluate(rec models.ThrottleRecord, now time.Time) Decision {
	var (
		wait   time.Duration
		reason string
	)

	if p.MinInterval > 0 && !rec.LastCompletedAt.IsZero() {
		since := now.Sub(rec.LastCompletedAt)
		if since < p.MinInterval {
			wait = p.MinInterval - since
			reason = fmt.Sprintf("last sync finished %s ago; next sync allowed in %s",
				shared.HumanDuration(since), shared.HumanDuration(wait))
		}
	}

	if p.MaxPerWindow > 0 && p.Window > 0 {
		recent := rec.CompletionsSince(now.Add(-p.Window))
		if len(recent) >= p.MaxPerWindow {
			// The oldest counted completion leaves the window first.
			slices.SortFunc(recent, func(a, b time.Time) int { return a.Compare(b) })
			oldest := recent[len(recent)-p.MaxPerWindow]
			if w := oldest.Add(p.Window).Sub(now); w > wait {
				wait = w
				reason = fmt.Sprintf("sync limit reached (%d per %s); next sync allowed in %s",
					p.MaxPerWindow, shared.HumanDuration(p.Window), shared.HumanDuration(wait))
			}
		}
	}

	if wait > 0 {
		return Decision{Allowed: false, Reason: reason, RetryAfter: wait}
	}
	return Decision{Allowed: true}
}

// RecordCompletion appends a completion for identity.
//
// Call exactly once per successful run. Conflicting writers are retried against
// the fresh record.
func (g *Guard) RecordCompletion(ctx context.Context, identity string) error {
	for attempt := range maxSwapAttempts {
		rec, err := g.store.GetThrottle(ctx, identity)
		switch {
		case errors.Is(err, shared.ErrNotFound):
			rec = models.ThrottleRecord{Identity: identity}
		case err != nil:
			return fmt.Errorf("failed to read throttle record: %w", err)
		}

		now := g.now()
		next := models.ThrottleRecord{
			Identity:        identity,
			LastCompletedAt: now,
			Completions:     g.policy.retain(rec.Completions, now),
			Version:         rec.Version + 1,
		}

		ok, err := g.store.SwapThrottle(ctx, next, rec.Version)
		if err != nil {
			return fmt.Errorf("failed to write throttle record: %w", err)
		}
		if ok {
			return nil
		}
		g.logger.Debug("throttle record changed concurrently, retrying", "identity", identity, "attempt", attempt+1)
	}
	return fmt.Errorf("%w: throttle record for %s", shared.ErrConflict, identity)
}

// retain keeps the completions still inside the window plus now.
func (p Policy) retain(completions []time.Time, now time.Time) []time.Time {
	var kept []time.Time
	if p.Window > 0 {
		cutoff := now.Add(-p.Window)
		for _, c := range completions {
			if c.After(cutoff) {
				kept = append(kept, c)
			}
		}
	}
	return append(kept, now)
}

// Reset clears the history for identity.
func (g *Guard) Reset(ctx context.Context, identity string) error {
	if err := g.store.DeleteThrottle(ctx, identity); err != nil && !errors.Is(err, shared.ErrNotFound) {
		return fmt.Errorf("failed to reset throttle record: %w", err)
	}
	return nil
}

// Status returns the stored record for identity along with the current decision.
func (g *Guard) Status(ctx context.Context, identity string) (models.ThrottleRecord, Decision, error) {
	rec, err := g.store.GetThrottle(ctx, identity)
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		return rec, Decision{}, fmt.Errorf("failed to read throttle record: %w", err)
	}
	if slices.Contains(g.policy.AllowList, identity) {
		return rec, Decision{Allowed: true, Reason: "identity is allow-listed"}, nil
	}
	return rec, g.policy.evaluate(rec, g.now()), nil
}
