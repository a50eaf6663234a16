package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/ytsync/internal/metrics"
	"github.com/desertthunder/ytsync/internal/shared"
	"github.com/desertthunder/ytsync/internal/ui"
)

// throttleStatus is the JSON shape of `throttle status`.
type throttleStatus struct {
	Identity        string        `json:"identity"`
	Allowed         bool          `json:"allowed"`
	Reason          string        `json:"reason,omitempty"`
	RetryAfter      time.Duration `json:"retry_after,omitempty"`
	LastCompletedAt *time.Time    `json:"last_completed_at,omitempty"`
	Completions     int           `json:"completions"`
}

// lockStatus is the JSON shape of `lock status`.
type lockStatus struct {
	Slot       string     `json:"slot"`
	Held       bool       `json:"held"`
	HolderID   string     `json:"holder_id,omitempty"`
	Identity   string     `json:"identity,omitempty"`
	Weight     int        `json:"weight,omitempty"`
	Generation int64      `json:"generation"`
	AcquiredAt *time.Time `json:"acquired_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Waiting    int        `json:"waiting"`
}

// ThrottleStatus reports whether the owner may sync now.
func (r *Runner) ThrottleStatus(ctx context.Context, cmd *cli.Command) error {
	owner, err := r.owner(cmd)
	if err != nil {
		return err
	}

	st, err := r.open(ctx)
	if err != nil {
		return err
	}

	rec, decision, err := r.guard(st).Status(ctx, owner)
	if err != nil {
		return err
	}

	status := throttleStatus{
		Identity:    owner,
		Allowed:     decision.Allowed,
		Reason:      decision.Reason,
		RetryAfter:  decision.RetryAfter,
		Completions: len(rec.Completions),
	}
	if !rec.LastCompletedAt.IsZero() {
		status.LastCompletedAt = &rec.LastCompletedAt
	}

	if cmd.Bool("json") {
		return r.writeJSON(status, true)
	}

	if decision.Allowed {
		r.writePlain("%s\n", ui.Success("✓ "+owner+" may sync now"))
	} else {
		r.writePlain("%s\n", ui.Warning("! "+decision.Reason))
	}
	if status.LastCompletedAt != nil {
		r.writePlain("Last completed: %s (%s ago)\n",
			status.LastCompletedAt.Local().Format("2006-01-02 15:04:05"),
			shared.HumanDuration(time.Since(*status.LastCompletedAt)))
	} else {
		r.writePlain("No completed syncs recorded\n")
	}
	return nil
}

// ThrottleReset clears the owner's completion history.
func (r *Runner) ThrottleReset(ctx context.Context, cmd *cli.Command) error {
	owner, err := r.owner(cmd)
	if err != nil {
		return err
	}

	st, err := r.open(ctx)
	if err != nil {
		return err
	}

	if err := r.guard(st).Reset(ctx, owner); err != nil {
		return err
	}
	r.logger.Info("throttle reset", "identity", owner)
	return r.writePlain("✓ Cleared sync history limits for %s\n", owner)
}

// LockStatus shows the admission slot holder and the queue length.
func (r *Runner) LockStatus(ctx context.Context, cmd *cli.Command) error {
	st, err := r.open(ctx)
	if err != nil {
		return err
	}

	snap, err := r.queue(st).Status(ctx)
	if err != nil {
		return err
	}

	status := lockStatus{
		Slot:       snap.Slot,
		Held:       snap.Held(time.Now()),
		Generation: snap.Generation,
		Waiting:    snap.Waiting,
	}
	if status.Held {
		status.HolderID = snap.HolderID
		status.Identity = snap.HolderIdentity
		status.Weight = snap.Weight
		status.AcquiredAt = &snap.AcquiredAt
		status.ExpiresAt = &snap.ExpiresAt
	}

	if cmd.Bool("json") {
		return r.writeJSON(status, true)
	}

	r.writePlainHeader("Admission slot " + snap.Slot)
	if !status.Held {
		r.writePlain("Free (generation %d)\n", snap.Generation)
	} else {
		r.writePlain("Held by %s for %d channels (ticket %s, generation %d)\n",
			snap.HolderIdentity, snap.Weight, snap.HolderID, snap.Generation)
		r.writePlain("Acquired %s ago, lease expires in %s\n",
			shared.HumanDuration(time.Since(snap.AcquiredAt)),
			shared.HumanDuration(time.Until(snap.ExpiresAt)))
	}
	return r.writePlain("Waiting: %d\n", snap.Waiting)
}

// LockRelease clears the slot when its holder died without releasing.
func (r *Runner) LockRelease(ctx context.Context, cmd *cli.Command) error {
	if !cmd.Bool("force") {
		return fmt.Errorf("%w: refusing to release the slot without --force; an expired lease is reclaimed automatically", shared.ErrInvalidFlag)
	}

	st, err := r.open(ctx)
	if err != nil {
		return err
	}

	if err := r.queue(st).ForceRelease(ctx); err != nil {
		return err
	}
	r.logger.Warn("admission slot force-released", "slot", r.config.Admission.Slot)
	return r.writePlain("✓ Released slot %s\n", r.config.Admission.Slot)
}

// MetricsServe exposes Prometheus metrics until interrupted.
func (r *Runner) MetricsServe(ctx context.Context, cmd *cli.Command) error {
	addr := cmd.String("addr")
	if addr == "" {
		addr = r.config.Metrics.Addr
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	r.logger.Info("serving metrics", "addr", addr, "path", r.config.Metrics.Path)
	return metrics.Serve(sigCtx, addr, r.config.Metrics.Path, r.logger)
}
