package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/desertthunder/ytsync/internal/admission"
	"github.com/desertthunder/ytsync/internal/shared"
)

// SlotRepository implements [admission.SlotStore] on SQLite.
//
// Expiry is computed from the client clock and stored as unix milliseconds, so
// clients sharing a database file must keep their clocks roughly in sync.
type SlotRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSlotRepository creates a new [SlotRepository] with the given database connection
func NewSlotRepository(db *sql.DB) *SlotRepository {
	return &SlotRepository{db: db, now: time.Now}
}

func (r *SlotRepository) Enqueue(ctx context.Context, t *admission.Ticket, ttl time.Duration) error {
	// Re-registration moves the ticket to the back of the line.
	if _, err := r.db.ExecContext(ctx, `DELETE FROM admission_waiters WHERE ticket_id = ?`, t.ID); err != nil {
		return fmt.Errorf("failed to clear waiter: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO admission_waiters (ticket_id, slot, identity, weight, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, t.ID, t.Slot, t.Identity, t.Weight, r.now().Add(ttl).UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert waiter: %w", err)
	}

	arrival, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read waiter arrival: %w", err)
	}
	t.Arrival = arrival
	return nil
}

func (r *SlotRepository) Position(ctx context.Context, t *admission.Ticket, ttl time.Duration) (int, int, error) {
	now := r.now()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE admission_waiters SET expires_at = ?
		WHERE ticket_id = ? AND expires_at > ?
	`, now.Add(ttl).UnixMilli(), t.ID, now.UnixMilli())
	if err != nil {
		return 0, 0, fmt.Errorf("failed to refresh waiter: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil || n == 0 {
		return 0, 0, fmt.Errorf("%w: waiter %s", shared.ErrNotFound, t.ID)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM admission_waiters WHERE slot = ? AND expires_at <= ?`,
		t.Slot, now.UnixMilli(),
	); err != nil {
		return 0, 0, fmt.Errorf("failed to purge waiters: %w", err)
	}

	var ahead, waiting int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN arrival < ? THEN 1 ELSE 0 END), 0), COUNT(*)
		FROM admission_waiters WHERE slot = ?
	`, t.Arrival, t.Slot).Scan(&ahead, &waiting)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count waiters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit position: %w", err)
	}
	return ahead, waiting, nil
}

func (r *SlotRepository) TryAcquire(ctx context.Context, t *admission.Ticket, ttl time.Duration) (bool, error) {
	now := r.now()
	expires := now.Add(ttl)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO admission_slots (name) VALUES (?)`, t.Slot); err != nil {
		return false, fmt.Errorf("failed to ensure slot: %w", err)
	}

	var generation int64
	err = tx.QueryRowContext(ctx, `
		UPDATE admission_slots
		SET holder_id = ?, holder_identity = ?, weight = ?, generation = generation + 1,
			acquired_at = ?, expires_at = ?
		WHERE name = ? AND (holder_id IS NULL OR expires_at <= ?)
		RETURNING generation
	`, t.ID, t.Identity, t.Weight, now.UnixMilli(), expires.UnixMilli(), t.Slot, now.UnixMilli()).Scan(&generation)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim slot: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM admission_waiters WHERE ticket_id = ?`, t.ID); err != nil {
		return false, fmt.Errorf("failed to remove waiter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit slot claim: %w", err)
	}

	t.Generation = generation
	t.ExpiresAt = expires
	return true, nil
}

func (r *SlotRepository) Extend(ctx context.Context, t *admission.Ticket, ttl time.Duration) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE admission_slots SET expires_at = ?
		WHERE name = ? AND holder_id = ? AND generation = ?
	`, r.now().Add(ttl).UnixMilli(), t.Slot, t.ID, t.Generation)
	if err != nil {
		return false, fmt.Errorf("failed to extend slot: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n == 1, nil
}

func (r *SlotRepository) Release(ctx context.Context, t *admission.Ticket) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM admission_waiters WHERE ticket_id = ?`, t.ID); err != nil {
		return fmt.Errorf("failed to remove waiter: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE admission_slots
		SET holder_id = NULL, holder_identity = NULL, weight = 0, expires_at = 0
		WHERE name = ? AND holder_id = ? AND generation = ?
	`, t.Slot, t.ID, t.Generation)
	if err != nil {
		return fmt.Errorf("failed to release slot: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit release: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", shared.ErrSlotNotHeld, t.ID)
	}
	return nil
}

func (r *SlotRepository) Dequeue(ctx context.Context, t *admission.Ticket) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM admission_waiters WHERE ticket_id = ?`, t.ID); err != nil {
		return fmt.Errorf("failed to remove waiter: %w", err)
	}
	return nil
}

func (r *SlotRepository) Snapshot(ctx context.Context, slot string) (admission.Snapshot, error) {
	now := r.now().UnixMilli()
	snap := admission.Snapshot{Slot: slot}

	var (
		holderID       sql.NullString
		holderIdentity sql.NullString
		acquiredAt     int64
		expiresAt      int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT holder_id, holder_identity, weight, generation, acquired_at, expires_at
		FROM admission_slots WHERE name = ?
	`, slot).Scan(&holderID, &holderIdentity, &snap.Weight, &snap.Generation, &acquiredAt, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return snap, fmt.Errorf("failed to query slot: %w", err)
	case holderID.Valid && expiresAt > now:
		snap.HolderID = holderID.String
		snap.HolderIdentity = holderIdentity.String
		snap.AcquiredAt = fromMillis(acquiredAt)
		snap.ExpiresAt = fromMillis(expiresAt)
	default:
		snap.Weight = 0
	}

	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM admission_waiters WHERE slot = ? AND expires_at > ?`, slot, now,
	).Scan(&snap.Waiting); err != nil {
		return snap, fmt.Errorf("failed to count waiters: %w", err)
	}
	return snap, nil
}

func (r *SlotRepository) ForceRelease(ctx context.Context, slot string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE admission_slots
		SET holder_id = NULL, holder_identity = NULL, weight = 0, expires_at = 0
		WHERE name = ?
	`, slot)
	if err != nil {
		return fmt.Errorf("failed to clear slot: %w", err)
	}
	return nil
}

var _ admission.SlotStore = (*SlotRepository)(nil)
