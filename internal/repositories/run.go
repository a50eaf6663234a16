package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/desertthunder/ytsync/internal/models"
	"github.com/desertthunder/ytsync/internal/shared"
)

// SyncRunRepository implements [models.Repository] for [models.SyncRun] history.
type SyncRunRepository struct {
	db *sql.DB
}

// NewSyncRunRepository creates a new [SyncRunRepository] with the given database connection
func NewSyncRunRepository(db *sql.DB) *SyncRunRepository {
	return &SyncRunRepository{db: db}
}

const runColumns = `
	id, sequence, identity, state, success, cancelled, committed, targets,
	rate_limited, failed, message, started_at, finished_at, created_at, updated_at, deleted_at
`

// Create inserts a run with generated ID and sequence
func (r *SyncRunRepository) Create(ctx context.Context, run *models.SyncRun) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	sequence, err := NextSequence(ctx, r.db, "sync_runs")
	if err != nil {
		return fmt.Errorf("failed to generate sequence: %w", err)
	}

	if run.ID() == "" {
		run.SetID(shared.GenerateID())
	}
	run.SetSequence(sequence)

	query := `
		INSERT INTO sync_runs (
			id, sequence, identity, state, success, cancelled, committed, targets,
			rate_limited, failed, message, started_at, finished_at, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, query,
		run.ID(),
		sequence,
		run.Identity(),
		run.State(),
		run.Success(),
		run.Cancelled(),
		run.Committed(),
		run.Targets(),
		run.RateLimited(),
		run.Failed(),
		run.Message(),
		run.StartedAt().UTC(),
		nullTime(run.FinishedAt()),
		run.CreatedAt().UTC(),
		run.UpdatedAt().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert sync run: %w", err)
	}

	return nil
}

// RecordRun appends a finished run to the history.
func (r *SyncRunRepository) RecordRun(ctx context.Context, run *models.SyncRun) error {
	return r.Create(ctx, run)
}

// Get retrieves a run by ID, excluding soft-deleted runs
func (r *SyncRunRepository) Get(ctx context.Context, id string) (*models.SyncRun, error) {
	query := `SELECT ` + runColumns + ` FROM sync_runs WHERE id = ? AND deleted_at IS NULL`
	return r.scan(r.db.QueryRowContext(ctx, query, id))
}

// Update modifies a run's outcome fields
func (r *SyncRunRepository) Update(ctx context.Context, run *models.SyncRun) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	now := time.Now().UTC()
	run.SetUpdatedAt(now)

	query := `
		UPDATE sync_runs
		SET state = ?, success = ?, cancelled = ?, committed = ?, rate_limited = ?,
			failed = ?, message = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query,
		run.State(),
		run.Success(),
		run.Cancelled(),
		run.Committed(),
		run.RateLimited(),
		run.Failed(),
		run.Message(),
		nullTime(run.FinishedAt()),
		now,
		run.ID(),
	)
	if err != nil {
		return fmt.Errorf("failed to update sync run: %w", err)
	}

	return expectOneRow(result, "sync run", run.ID())
}

// Delete soft-deletes a run by ID
func (r *SyncRunRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sync_runs SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete sync run: %w", err)
	}

	return expectOneRow(result, "sync run", id)
}

// List retrieves runs matching criteria ("identity", "state", "limit"), newest first
func (r *SyncRunRepository) List(ctx context.Context, criteria map[string]any) ([]*models.SyncRun, error) {
	query := `SELECT ` + runColumns + ` FROM sync_runs WHERE deleted_at IS NULL`
	args := []any{}

	if identity, ok := criteria["identity"].(string); ok && identity != "" {
		query += " AND identity = ?"
		args = append(args, identity)
	}

	if state, ok := criteria["state"].(string); ok && state != "" {
		query += " AND state = ?"
		args = append(args, state)
	}

	query += " ORDER BY sequence DESC"

	if limit, ok := criteria["limit"].(int); ok && limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.SyncRun
	for rows.Next() {
		run, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return runs, nil
}

func (r *SyncRunRepository) scan(row scanner) (*models.SyncRun, error) {
	var (
		id          string
		sequence    int
		identity    string
		state       string
		success     bool
		cancelled   bool
		committed   int
		targets     int
		rateLimited int
		failed      int
		message     string
		startedAt   time.Time
		finishedAt  sql.NullTime
		createdAt   time.Time
		updatedAt   time.Time
		deletedAt   sql.NullTime
	)

	err := row.Scan(
		&id, &sequence, &identity, &state, &success, &cancelled, &committed, &targets,
		&rateLimited, &failed, &message, &startedAt, &finishedAt, &createdAt, &updatedAt, &deletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: sync run", shared.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan sync run: %w", err)
	}

	run := models.NewSyncRun(sequence, identity, targets)
	run.SetID(id)
	run.SetState(state)
	run.SetSuccess(success)
	run.SetCancelled(cancelled)
	run.SetCommitted(committed)
	run.SetRateLimited(rateLimited)
	run.SetFailed(failed)
	run.SetMessage(message)
	run.SetStartedAt(startedAt)
	run.SetFinishedAt(timePtr(finishedAt))
	run.SetCreatedAt(createdAt)
	run.SetUpdatedAt(updatedAt)
	run.SetDeletedAt(timePtr(deletedAt))

	return run, nil
}
