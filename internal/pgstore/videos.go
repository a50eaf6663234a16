package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/desertthunder/ytsync/internal/models"
	"github.com/desertthunder/ytsync/internal/shared"
)

// upsertVideo leaves unchanged rows untouched so repeated commits are no-ops.
const upsertVideo = `
	INSERT INTO videos (
		id, owner_id, platform, external_id, channel_id, title, description,
		thumbnail_url, duration, view_count, published_at, created_at, updated_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	ON CONFLICT (owner_id, platform, external_id) DO UPDATE SET
		channel_id = EXCLUDED.channel_id,
		title = EXCLUDED.title,
		description = EXCLUDED.description,
		thumbnail_url = EXCLUDED.thumbnail_url,
		duration = EXCLUDED.duration,
		view_count = EXCLUDED.view_count,
		published_at = EXCLUDED.published_at,
		updated_at = EXCLUDED.updated_at
	WHERE (videos.channel_id, videos.title, videos.description, videos.thumbnail_url,
		videos.duration, videos.view_count, videos.published_at)
		IS DISTINCT FROM
		(EXCLUDED.channel_id, EXCLUDED.title, EXCLUDED.description, EXCLUDED.thumbnail_url,
		EXCLUDED.duration, EXCLUDED.view_count, EXCLUDED.published_at)
`

// UpsertVideos sends the batch in one round trip inside a transaction and
// returns how many items it stored. Any failure rolls the batch back.
func (s *Store) UpsertVideos(ctx context.Context, videos []models.Video) (int, error) {
	if len(videos) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, v := range videos {
		if err := v.Validate(); err != nil {
			return 0, fmt.Errorf("validation failed: %w", err)
		}
		updatedAt := v.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = now
		}
		batch.Queue(upsertVideo,
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
			nullTime(v.PublishedAt),
			updatedAt,
		)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	br := tx.SendBatch(ctx, batch)
	for _, v := range videos {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return 0, fmt.Errorf("failed to upsert video %s: %w", v.NaturalKey(), err)
		}
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit videos: %w", err)
	}
	return len(videos), nil
}

// ListByOwner returns an owner's videos, newest first. A limit <= 0 returns all.
func (s *Store) ListByOwner(ctx context.Context, ownerID string, limit int) ([]models.Video, error) {
	query := `
		SELECT owner_id, platform, external_id, channel_id, title, description,
			thumbnail_url, duration, view_count, published_at, updated_at
		FROM videos
		WHERE owner_id = $1
		ORDER BY published_at DESC NULLS LAST, external_id ASC
	`
	args := []any{ownerID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query videos: %w", err)
	}

	videos, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Video, error) {
		var (
			v         models.Video
			published *time.Time
		)
		err := row.Scan(
			&v.OwnerID, &v.Platform, &v.ExternalID, &v.ChannelID, &v.Title, &v.Description,
			&v.ThumbnailURL, &v.Duration, &v.ViewCount, &published, &v.UpdatedAt,
		)
		if published != nil {
			v.PublishedAt = published.UTC()
		}
		v.UpdatedAt = v.UpdatedAt.UTC()
		return v, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan videos: %w", err)
	}
	return videos, nil
}

// CountByOwner returns how many videos an owner has stored.
func (s *Store) CountByOwner(ctx context.Context, ownerID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM videos WHERE owner_id = $1`, ownerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count videos: %w", err)
	}
	return n, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
