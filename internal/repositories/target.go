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

// TargetRepository implements [models.Repository] for [models.Target] persistence.
type TargetRepository struct {
	db *sql.DB
}

// NewTargetRepository creates a new [TargetRepository] with the given database connection
func NewTargetRepository(db *sql.DB) *TargetRepository {
	return &TargetRepository{db: db}
}

const targetColumns = `
	id, sequence, owner_id, platform, channel_id, name, last_video_count,
	last_synced_at, created_at, updated_at, deleted_at
`

// Create inserts a new target with generated ID and sequence
func (r *TargetRepository) Create(ctx context.Context, target *models.Target) error {
	if err := target.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	sequence, err := NextSequence(ctx, r.db, "targets")
	if err != nil {
		return fmt.Errorf("failed to generate sequence: %w", err)
	}

	id := shared.GenerateID()
	target.SetID(id)
	target.SetSequence(sequence)

	query := `
		INSERT INTO targets (
			id, sequence, owner_id, platform, channel_id, name, last_video_count,
			last_synced_at, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, query,
		id,
		sequence,
		target.OwnerID(),
		target.Platform(),
		target.ChannelID(),
		target.Name(),
		target.LastVideoCount(),
		nullTime(target.LastSyncedAt()),
		target.CreatedAt().UTC(),
		target.UpdatedAt().UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: channel %s is already a target for %s", shared.ErrInvalidInput, target.ChannelID(), target.OwnerID())
		}
		return fmt.Errorf("failed to insert target: %w", err)
	}

	return nil
}

// Get retrieves a target by ID, excluding soft-deleted targets
func (r *TargetRepository) Get(ctx context.Context, id string) (*models.Target, error) {
	query := `SELECT ` + targetColumns + ` FROM targets WHERE id = ? AND deleted_at IS NULL`
	return r.scan(r.db.QueryRowContext(ctx, query, id))
}

// GetByChannel retrieves an owner's target by channel id
func (r *TargetRepository) GetByChannel(ctx context.Context, ownerID, channelID string) (*models.Target, error) {
	query := `
		SELECT ` + targetColumns + ` FROM targets
		WHERE owner_id = ? AND platform = ? AND channel_id = ? AND deleted_at IS NULL
	`
	return r.scan(r.db.QueryRowContext(ctx, query, ownerID, models.PlatformYouTube, channelID))
}

// Update modifies an existing target's name and sync bookkeeping
func (r *TargetRepository) Update(ctx context.Context, target *models.Target) error {
	if err := target.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	now := time.Now().UTC()
	target.SetUpdatedAt(now)

	query := `
		UPDATE targets
		SET name = ?, last_video_count = ?, last_synced_at = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query,
		target.Name(),
		target.LastVideoCount(),
		nullTime(target.LastSyncedAt()),
		now,
		target.ID(),
	)
	if err != nil {
		return fmt.Errorf("failed to update target: %w", err)
	}

	return expectOneRow(result, "target", target.ID())
}

// Delete soft-deletes a target by ID
func (r *TargetRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE targets SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete target: %w", err)
	}

	return expectOneRow(result, "target", id)
}

// List retrieves targets matching criteria ("owner_id", "platform"), oldest first
func (r *TargetRepository) List(ctx context.Context, criteria map[string]any) ([]*models.Target, error) {
	query := `SELECT ` + targetColumns + ` FROM targets WHERE deleted_at IS NULL`
	args := []any{}

	if ownerID, ok := criteria["owner_id"].(string); ok && ownerID != "" {
		query += " AND owner_id = ?"
		args = append(args, ownerID)
	}

	if platform, ok := criteria["platform"].(string); ok && platform != "" {
		query += " AND platform = ?"
		args = append(args, platform)
	}

	query += " ORDER BY sequence ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query targets: %w", err)
	}
	defer rows.Close()

	var targets []*models.Target
	for rows.Next() {
		target, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, target)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return targets, nil
}

// ListByOwner is List filtered to ownerID.
func (r *TargetRepository) ListByOwner(ctx context.Context, ownerID string) ([]*models.Target, error) {
	return r.List(ctx, map[string]any{"owner_id": ownerID})
}

// MarkSynced stores the video count and sync time seen by a run.
func (r *TargetRepository) MarkSynced(ctx context.Context, id string, videoCount int, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE targets SET last_video_count = ?, last_synced_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		videoCount, at.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark target synced: %w", err)
	}
	return expectOneRow(result, "target", id)
}

func (r *TargetRepository) scan(row scanner) (*models.Target, error) {
	var (
		id             string
		sequence       int
		ownerID        string
		platform       string
		channelID      string
		name           string
		lastVideoCount int
		lastSyncedAt   sql.NullTime
		createdAt      time.Time
		updatedAt      time.Time
		deletedAt      sql.NullTime
	)

	err := row.Scan(
		&id, &sequence, &ownerID, &platform, &channelID, &name, &lastVideoCount,
		&lastSyncedAt, &createdAt, &updatedAt, &deletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: target", shared.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan target: %w", err)
	}

	target := models.NewTarget(sequence, ownerID, channelID, name)
	target.SetID(id)
	target.SetPlatform(platform)
	target.SetLastVideoCount(lastVideoCount)
	target.SetLastSyncedAt(timePtr(lastSyncedAt))
	target.SetCreatedAt(createdAt)
	target.SetUpdatedAt(updatedAt)
	target.SetDeletedAt(timePtr(deletedAt))

	return target, nil
}

func expectOneRow(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s %s not found or already deleted", shared.ErrNotFound, kind, id)
	}
	return nil
}
