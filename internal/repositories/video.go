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

// VideoRepository stores fetched videos keyed by (owner_id, platform, external_id).
type VideoRepository struct {
	db *sql.DB
}

// NewVideoRepository creates a new [VideoRepository] with the given database connection
func NewVideoRepository(db *sql.DB) *VideoRepository {
	return &VideoRepository{db: db}
}

// upsertVideoQuery only touches a row when a mutable field changed, so
// re-committing identical items leaves the table byte-for-byte the same.
const upsertVideoQuery = `
	INSERT INTO videos (
		id, owner_id, platform, external_id, channel_id, title, description,
		thumbnail_url, duration, view_count, published_at, created_at, updated_at
	)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (owner_id, platform, external_id) DO UPDATE SET
		channel_id = excluded.channel_id,
		title = excluded.title,
		description = excluded.description,
		thumbnail_url = excluded.thumbnail_url,
		duration = excluded.duration,
		view_count = excluded.view_count,
		published_at = excluded.published_at,
		updated_at = excluded.updated_at
	WHERE videos.channel_id IS NOT excluded.channel_id
		OR videos.title IS NOT excluded.title
		OR videos.description IS NOT excluded.description
		OR videos.thumbnail_url IS NOT excluded.thumbnail_url
		OR videos.duration IS NOT excluded.duration
		OR videos.view_count IS NOT excluded.view_count
		OR videos.published_at IS NOT excluded.published_at
`

// UpsertVideos writes videos in one transaction and returns how many items it stored.
//
// Any failure rolls the whole batch back and reports zero.
func (r *VideoRepository) UpsertVideos(ctx context.Context, videos []models.Video) (int, error) {
	if len(videos) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertVideoQuery)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, v := range videos {
		if err := v.Validate(); err != nil {
			return 0, fmt.Errorf("validation failed: %w", err)
		}

		updatedAt := v.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = now
		}

		_, err := stmt.ExecContext(ctx,
			shared.GenerateID(),
			v.OwnerID,
			v.Platform,
			v.ExternalID,
			v.ChannelID,
			v.Title,
			v.Description,
			v.ThumbnailURL,
			v.Duration,
			v.ViewCount,
			v.PublishedAt.UTC(),
			updatedAt.UTC(),
			updatedAt.UTC(),
		)
		if err != nil {
			return 0, fmt.Errorf("failed to upsert video %s: %w", v.NaturalKey(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit videos: %w", err)
	}

	return len(videos), nil
}

// Get retrieves a video by natural key
func (r *VideoRepository) Get(ctx context.Context, key models.NaturalKey) (models.Video, error) {
	query := `
		SELECT owner_id, platform, external_id, channel_id, title, description,
			thumbnail_url, duration, view_count, published_at, updated_at
		FROM videos
		WHERE owner_id = ? AND platform = ? AND external_id = ?
	`
	return r.scan(r.db.QueryRowContext(ctx, query, key.OwnerID, key.Platform, key.ExternalID))
}

// ListByOwner returns an owner's videos, newest first. A limit <= 0 returns all.
func (r *VideoRepository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]models.Video, error) {
	query := `
		SELECT owner_id, platform, external_id, channel_id, title, description,
			thumbnail_url, duration, view_count, published_at, updated_at
		FROM videos
		WHERE owner_id = ?
		ORDER BY published_at DESC, external_id ASC
	`
	args := []any{ownerID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query videos: %w", err)
	}
	defer rows.Close()

	var videos []models.Video
	for rows.Next() {
		v, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		videos = append(videos, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return videos, nil
}

// CountByOwner returns how many videos an owner has stored.
func (r *VideoRepository) CountByOwner(ctx context.Context, ownerID string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM videos WHERE owner_id = ?`, ownerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count videos: %w", err)
	}
	return n, nil
}

func (r *VideoRepository) scan(row scanner) (models.Video, error) {
	var v models.Video
	var publishedAt sql.NullTime

	err := row.Scan(
		&v.OwnerID, &v.Platform, &v.ExternalID, &v.ChannelID, &v.Title, &v.Description,
		&v.ThumbnailURL, &v.Duration, &v.ViewCount, &publishedAt, &v.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return v, fmt.Errorf("%w: video", shared.ErrNotFound)
	}
	if err != nil {
		return v, fmt.Errorf("failed to scan video: %w", err)
	}
	if publishedAt.Valid {
		v.PublishedAt = publishedAt.Time
	}
	return v, nil
}
