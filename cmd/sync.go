package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/urfave/cli/v3"

	"github.com/desertthunder/ytsync/internal/formatter"
	"github.com/desertthunder/ytsync/internal/metrics"
	"github.com/desertthunder/ytsync/internal/models"
	"github.com/desertthunder/ytsync/internal/shared"
	"github.com/desertthunder/ytsync/internal/tasks"
	"github.com/desertthunder/ytsync/internal/ui"
)

// tuiLogPath receives logs while the progress view owns the terminal.
const tuiLogPath = "./tmp/ytsync-tui.log"

// SyncRun runs one sync for the owner's targets.
//
// Ctrl+C cancels the run; videos already fetched are still saved.
func (r *Runner) SyncRun(ctx context.Context, cmd *cli.Command) error {
	owner, err := r.owner(cmd)
	if err != nil {
		return err
	}

	if cmd.Bool("tui") {
		if err := r.useFileLogger(); err != nil {
			return err
		}
	}

	st, err := r.open(ctx)
	if err != nil {
		return err
	}

	targets, err := st.targets.ListByOwner(ctx, owner)
	if err != nil {
		return err
	}

	if cmd.Bool("serve-metrics") {
		stop := r.serveMetrics(ctx)
		defer stop()
	}

	writer := newTrackingWriter(st.videos)
	engine := r.engine(st, writer)

	var result *tasks.SyncRunResult
	if cmd.Bool("tui") {
		result, err = r.runTUI(ctx, engine, owner, targets)
		if err != nil {
			return err
		}
	} else {
		result = r.runPlain(ctx, engine, owner, targets, cmd.Bool("json"))
	}
	if result == nil {
		return nil
	}

	if err := markSynced(context.WithoutCancel(ctx), st.targets, targets, writer.Counts(), result.FinishedAt); err != nil {
		r.logger.Warn("failed to update target sync times", "err", err)
	}

	if cmd.Bool("json") {
		if err := r.writeJSON(result, true); err != nil {
			return err
		}
	} else if !cmd.Bool("tui") {
		r.printResult(result)
	}
	return resultError(result)
}

// runPlain runs in the foreground, streaming progress lines unless JSON output was requested.
func (r *Runner) runPlain(ctx context.Context, engine tasks.SyncEngine, owner string, targets []*models.Target, quiet bool) *tasks.SyncRunResult {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var onProgress tasks.ProgressFunc
	if !quiet {
		onProgress = func(u tasks.ProgressUpdate) {
			if u.Phase == tasks.PhaseDone {
				return
			}
			r.writePlain("%s\n", ui.Muted(u.Message))
		}
	}

	return engine.Run(ctx, owner, targets, tasks.NewCancelToken(sigCtx), onProgress)
}

// runTUI hands the terminal to the progress view and returns the last finished run.
func (r *Runner) runTUI(ctx context.Context, engine tasks.SyncEngine, owner string, targets []*models.Target) (*tasks.SyncRunResult, error) {
	model := ui.NewModel(ctx, engine, owner, targets)
	p := tea.NewProgram(model)

	if _, err := p.Run(); err != nil {
		return nil, fmt.Errorf("error running TUI: %w", err)
	}
	return model.Result(), nil
}

// serveMetrics exposes metrics in the background until the returned func is called.
func (r *Runner) serveMetrics(ctx context.Context) func() {
	metricsCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := metrics.Serve(metricsCtx, r.config.Metrics.Addr, r.config.Metrics.Path, r.logger); err != nil {
			r.logger.Warn("metrics server stopped", "err", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (r *Runner) useFileLogger() error {
	path := r.config.Log.File
	if path == "" {
		path = tuiLogPath
	}
	fileLogger, closer, err := shared.NewFileLogger(path)
	if err != nil {
		return fmt.Errorf("failed to create file logger: %w", err)
	}
	shared.SetLogLevel(fileLogger, shared.ParseLogLevel(r.config.Log.Level))
	r.closers = append(r.closers, closer)
	r.SetLogger(fileLogger)
	return nil
}

func (r *Runner) printResult(result *tasks.SyncRunResult) {
	var headline string
	switch result.Outcome {
	case tasks.OutcomeCompleted:
		headline = ui.Success("✓ " + result.Message)
	case tasks.OutcomePartial, tasks.OutcomeRateLimited, tasks.OutcomeRejected, tasks.OutcomeTimedOut, tasks.OutcomeCancelled:
		headline = ui.Warning("! " + result.Message)
	default:
		headline = ui.Failure("✗ " + result.Message)
	}
	r.writePlainln("%s", headline)

	if result.RetryAfter > 0 {
		r.writePlain("Try again in %s\n", shared.HumanDuration(result.RetryAfter))
	}
	if result.Targets > 0 && result.Outcome != tasks.OutcomeRejected {
		r.writePlain("Took %s", shared.HumanDuration(result.Duration()))
		if !result.Bypassed && result.Waited > 0 {
			r.writePlain(" (waited %s for a sync slot)", shared.HumanDuration(result.Waited))
		}
		r.writePlain("\n")
	}
}

// resultError maps outcomes that should fail the process to sentinel errors.
func resultError(result *tasks.SyncRunResult) error {
	switch result.Outcome {
	case tasks.OutcomeRejected:
		return fmt.Errorf("%w: %s", shared.ErrThrottled, result.Message)
	case tasks.OutcomeTimedOut:
		return fmt.Errorf("%w: %s", shared.ErrAdmissionTimeout, result.Message)
	case tasks.OutcomeBlocked, tasks.OutcomeFailed:
		if result.Err != nil {
			return result.Err
		}
		return fmt.Errorf("sync %s: %s", result.Outcome, result.Message)
	default:
		return nil
	}
}

// SyncHistory renders recent runs.
func (r *Runner) SyncHistory(ctx context.Context, cmd *cli.Command) error {
	format, err := formatter.ParseFormat(cmd.String("format"))
	if err != nil {
		return err
	}

	st, err := r.open(ctx)
	if err != nil {
		return err
	}

	criteria := map[string]any{"limit": int(cmd.Int("limit"))}
	if owner, err := r.owner(cmd); err == nil {
		criteria["identity"] = owner
	}

	runs, err := st.runs.List(ctx, criteria)
	if err != nil {
		return err
	}

	data, err := formatter.ExportRuns(format, runs)
	if err != nil {
		return err
	}
	_, err = r.output.Write(data)
	return err
}
