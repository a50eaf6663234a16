package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/desertthunder/ytsync/internal/admission"
	"github.com/desertthunder/ytsync/internal/shared"
)

// Durations are passed as milliseconds and turned into intervals server side.
const msInterval = `interval '1 millisecond'`

func (s *Store) Enqueue(ctx context.Context, t *admission.Ticket, ttl time.Duration) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Re-registration moves the ticket to the back of the line.
	if _, err := tx.Exec(ctx, `DELETE FROM admission_waiters WHERE ticket_id = $1`, t.ID); err != nil {
		return fmt.Errorf("failed to clear waiter: %w", err)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO admission_waiters (ticket_id, slot, identity, weight, expires_at)
		VALUES ($1, $2, $3, $4, now() + $5 * `+msInterval+`)
		RETURNING arrival
	`, t.ID, t.Slot, t.Identity, t.Weight, ttl.Milliseconds()).Scan(&t.Arrival)
	if err != nil {
		return fmt.Errorf("failed to insert waiter: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit waiter: %w", err)
	}
	return nil
}

func (s *Store) Position(ctx context.Context, t *admission.Ticket, ttl time.Duration) (int, int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE admission_waiters SET expires_at = now() + $1 * `+msInterval+`
		WHERE ticket_id = $2 AND expires_at > now()
	`, ttl.Milliseconds(), t.ID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to refresh waiter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, 0, fmt.Errorf("%w: waiter %s", shared.ErrNotFound, t.ID)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM admission_waiters WHERE slot = $1 AND expires_at <= now()`, t.Slot,
	); err != nil {
		return 0, 0, fmt.Errorf("failed to purge waiters: %w", err)
	}

	var ahead, waiting int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE arrival < $1), COUNT(*)
		FROM admission_waiters WHERE slot = $2
	`, t.Arrival, t.Slot).Scan(&ahead, &waiting)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count waiters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("failed to commit position: %w", err)
	}
	return ahead, waiting, nil
}

func (s *Store) TryAcquire(ctx context.Context, t *admission.Ticket, ttl time.Duration) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO admission_slots (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, t.Slot,
	); err != nil {
		return false, fmt.Errorf("failed to ensure slot: %w", err)
	}

	var (
		generation int64
		acquiredAt time.Time
		expiresAt  time.Time
	)
	err = tx.QueryRow(ctx, `
		UPDATE admission_slots
		SET holder_id = $1, holder_identity = $2, weight = $3, generation = generation + 1,
			acquired_at = now(), expires_at = now() + $4 * `+msInterval+`
		WHERE name = $5 AND (holder_id IS NULL OR expires_at <= now())
		RETURNING generation, acquired_at, expires_at
	`, t.ID, t.Identity, t.Weight, ttl.Milliseconds(), t.Slot).Scan(&generation, &acquiredAt, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim slot: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM admission_waiters WHERE ticket_id = $1`, t.ID); err != nil {
		return false, fmt.Errorf("failed to remove waiter: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit slot claim: %w", err)
	}

	t.Generation = generation
	t.ExpiresAt = expiresAt.UTC()
	return true, nil
}

func (s *Store) Extend(ctx context.Context, t *admission.Ticket, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE admission_slots SET expires_at = now() + $1 * `+msInterval+`
		WHERE name = $2 AND holder_id = $3 AND generation = $4
	`, ttl.Milliseconds(), t.Slot, t.ID, t.Generation)
	if err != nil {
		return false, fmt.Errorf("failed to extend slot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Release(ctx context.Context, t *admission.Ticket) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM admission_waiters WHERE ticket_id = $1`, t.ID); err != nil {
		return fmt.Errorf("failed to remove waiter: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE admission_slots
		SET holder_id = NULL, holder_identity = NULL, weight = 0, expires_at = NULL
		WHERE name = $1 AND holder_id = $2 AND generation = $3
	`, t.Slot, t.ID, t.Generation)
	if err != nil {
		return fmt.Errorf("failed to release slot: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit release: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", shared.ErrSlotNotHeld, t.ID)
	}
	return nil
}

func (s *Store) Dequeue(ctx context.Context, t *admission.Ticket) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM admission_waiters WHERE ticket_id = $1`, t.ID); err != nil {
		return fmt.Errorf("failed to remove waiter: %w", err)
	}
	return nil
}

func (s *Store) Snapshot(ctx context.Context, slot string) (admission.Snapshot, error) {
	snap := admission.Snapshot{Slot: slot}

	var (
		holderID       *string
		holderIdentity *string
		weight         int
		acquiredAt     *time.Time
		expiresAt      *time.Time
		live           bool
	)
	err := s.pool.QueryRow(ctx, `
		SELECT holder_id, holder_identity, weight, generation, acquired_at, expires_at,
			COALESCE(holder_id IS NOT NULL AND expires_at > now(), false)
		FROM admission_slots
		WHERE name = $1
	`, slot).Scan(&holderID, &holderIdentity, &weight, &snap.Generation, &acquiredAt, &expiresAt, &live)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return snap, fmt.Errorf("failed to query slot: %w", err)
	case live && holderID != nil && expiresAt != nil:
		snap.HolderID = *holderID
		if holderIdentity != nil {
			snap.HolderIdentity = *holderIdentity
		}
		snap.Weight = weight
		snap.ExpiresAt = expiresAt.UTC()
		if acquiredAt != nil {
			snap.AcquiredAt = acquiredAt.UTC()
		}
	}

	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM admission_waiters WHERE slot = $1 AND expires_at > now()`, slot,
	).Scan(&snap.Waiting); err != nil {
		return snap, fmt.Errorf("failed to count waiters: %w", err)
	}
	return snap, nil
}

func (s *Store) ForceRelease(ctx context.Context, slot string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE admission_slots
		SET holder_id = NULL, holder_identity = NULL, weight = 0, expires_at = NULL
		WHERE name = $1
	`, slot)
	if err != nil {
		return fmt.Errorf("failed to clear slot: %w", err)
	}
	return nil
}
