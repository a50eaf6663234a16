package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/desertthunder/ytsync/internal/models"
	"github.com/desertthunder/ytsync/internal/shared"
)

// GetThrottle returns the record for identity or [shared.ErrNotFound].
func (s *Store) GetThrottle(ctx context.Context, identity string) (models.ThrottleRecord, error) {
	rec := models.ThrottleRecord{Identity: identity}

	err := s.pool.QueryRow(ctx,
		`SELECT last_completed_at, completions, version FROM throttle_records WHERE identity = $1`,
		identity,
	).Scan(&rec.LastCompletedAt, &rec.Completions, &rec.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, fmt.Errorf("%w: throttle record %s", shared.ErrNotFound, identity)
	}
	if err != nil {
		return rec, fmt.Errorf("failed to query throttle record: %w", err)
	}

	rec.LastCompletedAt = rec.LastCompletedAt.UTC()
	for i, c := range rec.Completions {
		rec.Completions[i] = c.UTC()
	}
	return rec, nil
}

// SwapThrottle writes next only if the stored version equals expected.
func (s *Store) SwapThrottle(ctx context.Context, next models.ThrottleRecord, expected int64) (bool, error) {
	completions := next.Completions
	if completions == nil {
		completions = []time.Time{}
	}

	var (
		tag pgconn.CommandTag
		err error
	)
	if expected == 0 {
		tag, err = s.pool.Exec(ctx, `
			INSERT INTO throttle_records (identity, last_completed_at, completions, version)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (identity) DO NOTHING
		`, next.Identity, next.LastCompletedAt, completions, next.Version)
	} else {
		tag, err = s.pool.Exec(ctx, `
			UPDATE throttle_records
			SET last_completed_at = $1, completions = $2, version = $3
			WHERE identity = $4 AND version = $5
		`, next.LastCompletedAt, completions, next.Version, next.Identity, expected)
	}
	if err != nil {
		return false, fmt.Errorf("failed to write throttle record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteThrottle removes the record for identity.
func (s *Store) DeleteThrottle(ctx context.Context, identity string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM throttle_records WHERE identity = $1`, identity); err != nil {
		return fmt.Errorf("failed to delete throttle record: %w", err)
	}
	return nil
}
