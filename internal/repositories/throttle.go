package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/desertthunder/ytsync/internal/models"
	"github.com/desertthunder/ytsync/internal/shared"
)

// ThrottleRepository stores [models.ThrottleRecord] rows with optimistic versioning.
//
// Completion times are kept as a JSON array of unix milliseconds.
type ThrottleRepository struct {
	db *sql.DB
}

// NewThrottleRepository creates a new [ThrottleRepository] with the given database connection
func NewThrottleRepository(db *sql.DB) *ThrottleRepository {
	return &ThrottleRepository{db: db}
}

// GetThrottle returns the record for identity or [shared.ErrNotFound].
func (r *ThrottleRepository) GetThrottle(ctx context.Context, identity string) (models.ThrottleRecord, error) {
	var (
		rec         = models.ThrottleRecord{Identity: identity}
		last        int64
		completions string
	)

	err := r.db.QueryRowContext(ctx,
		`SELECT last_completed_at, completions, version FROM throttle_records WHERE identity = ?`,
		identity,
	).Scan(&last, &completions, &rec.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("%w: throttle record %s", shared.ErrNotFound, identity)
	}
	if err != nil {
		return rec, fmt.Errorf("failed to query throttle record: %w", err)
	}

	var ms []int64
	if err := json.Unmarshal([]byte(completions), &ms); err != nil {
		return rec, fmt.Errorf("failed to decode completions: %w", err)
	}

	rec.LastCompletedAt = fromMillis(last)
	rec.Completions = make([]time.Time, 0, len(ms))
	for _, m := range ms {
		rec.Completions = append(rec.Completions, fromMillis(m))
	}
	return rec, nil
}

// SwapThrottle writes next only if the stored version equals expected.
func (r *ThrottleRepository) SwapThrottle(ctx context.Context, next models.ThrottleRecord, expected int64) (bool, error) {
	ms := make([]int64, 0, len(next.Completions))
	for _, c := range next.Completions {
		ms = append(ms, millis(c))
	}
	completions, err := json.Marshal(ms)
	if err != nil {
		return false, fmt.Errorf("failed to encode completions: %w", err)
	}

	var result sql.Result
	if expected == 0 {
		result, err = r.db.ExecContext(ctx, `
			INSERT INTO throttle_records (identity, last_completed_at, completions, version)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (identity) DO NOTHING
		`, next.Identity, millis(next.LastCompletedAt), string(completions), next.Version)
	} else {
		result, err = r.db.ExecContext(ctx, `
			UPDATE throttle_records
			SET last_completed_at = ?, completions = ?, version = ?
			WHERE identity = ? AND version = ?
		`, millis(next.LastCompletedAt), string(completions), next.Version, next.Identity, expected)
	}
	if err != nil {
		return false, fmt.Errorf("failed to write throttle record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return rows == 1, nil
}

// DeleteThrottle removes the record for identity.
func (r *ThrottleRepository) DeleteThrottle(ctx context.Context, identity string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM throttle_records WHERE identity = ?`, identity); err != nil {
		return fmt.Errorf("failed to delete throttle record: %w", err)
	}
	return nil
}
