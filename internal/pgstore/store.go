// Package pgstore keeps the state shared between sync clients in PostgreSQL.
//
// One [Store] serves three roles: the video table written by the committer, the
// per-identity throttle records and the admission slot with its waiter list.
// Expiry and queue times come from the database clock, so clients on different
// machines agree on when a slot has lapsed.
package pgstore

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/desertthunder/ytsync/internal/admission"
	"github.com/desertthunder/ytsync/internal/shared"
	"github.com/desertthunder/ytsync/internal/throttle"
)

//go:embed schema.sql
var schema string

// Store is a pgxpool-backed store.
type Store struct {
	pool   *pgxpool.Pool
	logger *log.Logger
}

// Open connects to url and checks the connection.
//
// maxConns of zero keeps the pgxpool default.
func Open(ctx context.Context, url string, maxConns int, logger *log.Logger) (*Store, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: database.url is required for the postgres driver", shared.ErrMissingConfig)
	}
	if logger == nil {
		logger = shared.NewLogger(nil)
	}

	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse database url: %v", shared.ErrInvalidConfig, err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	return &Store{pool: pool, logger: logger.WithPrefix("pgstore")}, nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	s.logger.Debug("schema verified")
	return nil
}

// Close releases every pooled connection.
func (s *Store) Close() {
	s.pool.Close()
}

var (
	_ admission.SlotStore = (*Store)(nil)
	_ throttle.Store      = (*Store)(nil)
)
