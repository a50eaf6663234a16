package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"github.com/desertthunder/ytsync/internal/admission"
	"github.com/desertthunder/ytsync/internal/models"
	"github.com/desertthunder/ytsync/internal/pgstore"
	"github.com/desertthunder/ytsync/internal/repositories"
	"github.com/desertthunder/ytsync/internal/shared"
	"github.com/desertthunder/ytsync/internal/tasks"
	"github.com/desertthunder/ytsync/internal/throttle"
)

// videoStore is what the CLI needs from either video backend.
type videoStore interface {
	tasks.VideoWriter
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]models.Video, error)
	CountByOwner(ctx context.Context, ownerID string) (int, error)
}

var (
	_ videoStore = (*repositories.VideoRepository)(nil)
	_ videoStore = (*pgstore.Store)(nil)
)

// stores bundles the backends selected by [database] and [admission].
//
// Targets and run history always live in the local SQLite file.
type stores struct {
	db       *sql.DB
	pg       *pgstore.Store
	rdb      *redis.Client
	targets  *repositories.TargetRepository
	runs     *repositories.SyncRunRepository
	videos   videoStore
	throttle throttle.Store
	slots    admission.SlotStore
}

func openStores(ctx context.Context, config *shared.Config, logger *log.Logger) (*stores, error) {
	db, err := shared.NewDatabase(config.Database.Path)
	if err != nil {
		return nil, err
	}
	shared.ConfigureDatabase(db, config.Database.MaxOpenConns, config.Database.MaxIdleConns)

	applied, err := shared.RunMigrations(ctx, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if applied > 0 {
		logger.Info("applied database migrations", "count", applied)
	}

	st := &stores{
		db:      db,
		targets: repositories.NewTargetRepository(db),
		runs:    repositories.NewSyncRunRepository(db),
	}

	switch config.Database.Driver {
	case "postgres":
		pg, err := pgstore.Open(ctx, config.Database.URL, config.Database.MaxOpenConns, logger)
		if err != nil {
			st.Close()
			return nil, err
		}
		st.pg = pg
		if err := pg.Migrate(ctx); err != nil {
			st.Close()
			return nil, err
		}
		st.videos = pg
		st.throttle = pg
	default:
		st.videos = repositories.NewVideoRepository(db)
		st.throttle = repositories.NewThrottleRepository(db)
	}

	switch config.Admission.Backend {
	case "redis":
		rdb, err := admission.NewRedisClient(ctx, config.Redis)
		if err != nil {
			st.Close()
			return nil, err
		}
		st.rdb = rdb
		st.slots = admission.NewRedisStore(rdb, config.Redis.Prefix)
	case "memory":
		st.slots = admission.NewMemoryStore()
	default:
		if st.pg != nil {
			st.slots = st.pg
		} else {
			st.slots = repositories.NewSlotRepository(db)
		}
	}

	logger.Debug("stores ready", "driver", config.Database.Driver, "admission", config.Admission.Backend)
	return st, nil
}

// Close releases every open connection.
func (s *stores) Close() error {
	var errs []error
	if s.rdb != nil {
		errs = append(errs, s.rdb.Close())
	}
	if s.pg != nil {
		s.pg.Close()
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

// trackingWriter counts committed videos per channel so targets can be stamped after a run.
type trackingWriter struct {
	tasks.VideoWriter

	mu     sync.Mutex
	counts map[string]int
}

func newTrackingWriter(w tasks.VideoWriter) *trackingWriter {
	return &trackingWriter{VideoWriter: w, counts: make(map[string]int)}
}

func (w *trackingWriter) UpsertVideos(ctx context.Context, videos []models.Video) (int, error) {
	n, err := w.VideoWriter.UpsertVideos(ctx, videos)
	if err != nil {
		return n, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, v := range videos {
		w.counts[v.ChannelID]++
	}
	return n, nil
}

// Counts returns the committed videos per channel id.
func (w *trackingWriter) Counts() map[string]int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return maps.Clone(w.counts)
}

// markSynced stamps every target that had videos committed.
func markSynced(ctx context.Context, repo *repositories.TargetRepository, targets []*models.Target, counts map[string]int, at time.Time) error {
	var errs []error
	for _, t := range targets {
		n, ok := counts[t.ChannelID()]
		if !ok {
			continue
		}
		if err := repo.MarkSynced(ctx, t.ID(), n, at); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
