package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/ytsync/internal/pgstore"
	"github.com/desertthunder/ytsync/internal/shared"
)

// SetupDatabase initializes the database and runs migrations.
//
// A missing config file is created from the template first.
func (r *Runner) SetupDatabase(ctx context.Context, cmd *cli.Command) error {
	if _, err := os.Stat(r.configPath); err != nil {
		r.logger.Info("config file not found, creating from template", "path", r.configPath)
		if err := shared.CreateConfigFile(r.configPath); err != nil {
			r.logger.Warn("failed to create config file, using defaults", "error", err)
		} else if config, err := shared.LoadConfig(r.configPath); err != nil {
			r.logger.Warn("failed to load created config, using defaults", "error", err)
		} else {
			r.config = config
		}
	}

	r.logger.Info("initializing database", "path", r.config.Database.Path)

	db, err := shared.NewDatabase(r.config.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	defer db.Close()

	shared.ConfigureDatabase(db, r.config.Database.MaxOpenConns, r.config.Database.MaxIdleConns)

	r.logger.Info("running database migrations")
	applied, err := shared.RunMigrations(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	r.writePlain("✓ SQLite ready at %s (%d migrations applied)\n", r.config.Database.Path, applied)

	if r.config.Database.Driver == "postgres" {
		pg, err := pgstore.Open(ctx, r.config.Database.URL, r.config.Database.MaxOpenConns, r.logger)
		if err != nil {
			return err
		}
		defer pg.Close()

		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		r.writePlain("✓ Postgres schema ready\n")
	}

	r.logger.Infof("setup complete for database: %v", r.config.Database.Path)
	return nil
}

// SetupConfig writes the embedded default config to the --config path.
func (r *Runner) SetupConfig(ctx context.Context, cmd *cli.Command) error {
	if err := shared.CreateConfigFile(r.configPath); err != nil {
		return err
	}
	r.writePlain("✓ Config written to %s\n", r.configPath)
	r.writePlainln("Next steps:")
	r.writePlain("1. Set source.base_url and sync.owner in %s\n", r.configPath)
	r.writePlain("2. Run 'ytsync targets add <channel-id>' to follow a channel\n")
	return nil
}

// SetupMigrations lists applied migrations without applying pending ones.
func (r *Runner) SetupMigrations(ctx context.Context, cmd *cli.Command) error {
	db, err := shared.NewDatabase(r.config.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	applied, err := shared.AppliedMigrations(ctx, db)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return r.writePlain("No migrations applied to %s\n", r.config.Database.Path)
	}

	r.writePlainHeader("Migrations applied to " + r.config.Database.Path)
	for _, m := range applied {
		r.writePlain("%04d  %s\n", m.Version, m.AppliedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

// SetupRollback reverts the newest migration. Its down script drops data, so --force is required.
func (r *Runner) SetupRollback(ctx context.Context, cmd *cli.Command) error {
	if !cmd.Bool("force") {
		return fmt.Errorf("%w: rollback drops tables; pass --force to continue", shared.ErrInvalidFlag)
	}

	db, err := shared.NewDatabase(r.config.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := shared.RollbackMigration(ctx, db); err != nil {
		return err
	}
	r.logger.Warn("rolled back migration", "path", r.config.Database.Path)
	return r.writePlain("✓ Rolled back the latest migration in %s\n", r.config.Database.Path)
}
