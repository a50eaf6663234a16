// submodule cmd contains command definitions
package main

import "github.com/urfave/cli/v3"

func ownerFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "owner",
		Aliases: []string{"o"},
		Usage:   "Identity whose channels and videos to use (default: sync.owner)",
		Sources: cli.EnvVars("YTSYNC_OWNER"),
	}
}

func formatFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: txt, json, csv or markdown",
		Value:   "txt",
	}
}

// setupCommand handles setup operations for the database and config file.
func setupCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "setup",
		Usage: "Setup and configuration commands",
		Commands: []*cli.Command{
			{
				Name:   "database",
				Usage:  "Initialize the database and run migrations",
				Action: r.SetupDatabase,
			},
			{
				Name:   "config",
				Usage:  "Write the default config file to --config",
				Action: r.SetupConfig,
			},
			{
				Name:   "migrations",
				Usage:  "List the SQLite migrations that have been applied",
				Action: r.SetupMigrations,
			},
			{
				Name:  "rollback",
				Usage: "Roll back the most recent SQLite migration",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Confirm dropping the tables the migration created",
					},
				},
				Action: r.SetupRollback,
			},
		},
	}
}

// targetsCommand manages followed channels.
func targetsCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:    "targets",
		Aliases: []string{"channels"},
		Usage:   "Manage the channels a sync refreshes",
		Commands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Follow a channel",
				Arguments: []cli.Argument{
					&cli.StringArg{Name: "channel-id"},
				},
				Flags: []cli.Flag{
					ownerFlag(),
					&cli.StringFlag{
						Name:  "name",
						Usage: "Display name for progress output",
					},
				},
				Action: r.TargetsAdd,
			},
			{
				Name:  "list",
				Usage: "List followed channels",
				Flags: []cli.Flag{
					ownerFlag(),
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output raw JSON",
					},
				},
				Action: r.TargetsList,
			},
			{
				Name:  "remove",
				Usage: "Stop following a channel",
				Arguments: []cli.Argument{
					&cli.StringArg{Name: "channel-id"},
				},
				Flags:  []cli.Flag{ownerFlag()},
				Action: r.TargetsRemove,
			},
		},
	}
}

// videosCommand reads the synced video store.
func videosCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "videos",
		Usage: "Inspect synced videos",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List stored videos, newest first",
				Flags: []cli.Flag{
					ownerFlag(),
					formatFlag(),
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of videos, 0 for all",
						Value: 50,
					},
					&cli.StringFlag{
						Name:  "output",
						Usage: "Write to this file instead of stdout",
					},
				},
				Action: r.VideosList,
			},
		},
	}
}

// syncCommand runs the pipeline and reads its history.
func syncCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Fetch new videos for every followed channel",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Run one sync",
				Flags: []cli.Flag{
					ownerFlag(),
					&cli.BoolFlag{
						Name:  "tui",
						Usage: "Show the interactive progress view",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Print the run result as JSON",
					},
					&cli.BoolFlag{
						Name:  "serve-metrics",
						Usage: "Expose Prometheus metrics on metrics.addr while the run is in progress",
					},
				},
				Action: r.SyncRun,
			},
			{
				Name:  "history",
				Usage: "Show recent sync runs",
				Flags: []cli.Flag{
					ownerFlag(),
					formatFlag(),
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of runs",
						Value: 20,
					},
				},
				Action: r.SyncHistory,
			},
		},
	}
}

// throttleCommand inspects and clears per-identity throttle records.
func throttleCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "throttle",
		Usage: "Inspect the per-identity sync limits",
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "Show whether a sync would be allowed now",
				Flags: []cli.Flag{
					ownerFlag(),
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output raw JSON",
					},
				},
				Action: r.ThrottleStatus,
			},
			{
				Name:   "reset",
				Usage:  "Forget recorded completions",
				Flags:  []cli.Flag{ownerFlag()},
				Action: r.ThrottleReset,
			},
		},
	}
}

// lockCommand inspects the shared admission slot.
func lockCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:    "lock",
		Aliases: []string{"queue"},
		Usage:   "Inspect the shared admission slot",
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "Show the slot holder and queue length",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output raw JSON",
					},
				},
				Action: r.LockStatus,
			},
			{
				Name:  "release",
				Usage: "Clear the slot regardless of holder",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Confirm the holder is gone",
					},
				},
				Action: r.LockRelease,
			},
		},
	}
}

// metricsCommand exposes Prometheus metrics.
func metricsCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "metrics",
		Usage: "Prometheus metrics",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Serve metrics until interrupted",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "Listen address (default: metrics.addr)",
					},
				},
				Action: r.MetricsServe,
			},
		},
	}
}
