package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/desertthunder/ytsync/internal/admission"
	"github.com/desertthunder/ytsync/internal/services"
	"github.com/desertthunder/ytsync/internal/shared"
	"github.com/desertthunder/ytsync/internal/tasks"
	"github.com/desertthunder/ytsync/internal/throttle"
)

// Runner holds all dependencies for CLI commands and provides methods for each command action.
type Runner struct {
	config     *shared.Config
	configPath string
	source     services.ChannelSource
	httpClient *http.Client
	logger     *log.Logger
	output     io.Writer
	stores     *stores
	closers    []io.Closer
}

// RunnerOpts contains configuration options for creating a Runner.
type RunnerOpts struct {
	Config     *shared.Config
	ConfigPath string
	Source     services.ChannelSource
	HTTPClient *http.Client
	Logger     *log.Logger
	Output     io.Writer
}

// NewRunner creates a new Runner with the provided configuration
func NewRunner(opts RunnerOpts) *Runner {
	if opts.Config == nil {
		opts.Config = shared.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}

	return &Runner{
		config:     opts.Config,
		configPath: opts.ConfigPath,
		source:     opts.Source,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		output:     opts.Output,
	}
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range [](func(*Runner) *cli.Command){
		setupCommand, targetsCommand, videosCommand, syncCommand, throttleCommand, lockCommand, metricsCommand,
	} {
		commands = append(commands, fn(r))
	}

	return commands
}

// Before loads the config named by --config when it exists and applies the log settings.
//
// A missing file keeps the defaults so `setup` can run before any config is written.
func (r *Runner) Before(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	if path := cmd.String("config"); path != "" {
		r.configPath = path
	}

	if _, err := os.Stat(r.configPath); err == nil {
		config, err := shared.LoadConfig(r.configPath)
		if err != nil {
			return ctx, err
		}
		r.config = config
	}

	if r.config.Log.File != "" {
		fileLogger, closer, err := shared.NewFileLogger(r.config.Log.File)
		if err != nil {
			return ctx, err
		}
		r.closers = append(r.closers, closer)
		r.logger = fileLogger
	}

	shared.SetLogLevel(r.logger, shared.ParseLogLevel(r.config.Log.Level))
	return ctx, nil
}

// SetLogger replaces the logger for every component built afterwards.
func (r *Runner) SetLogger(logger *log.Logger) {
	r.logger = logger
}

// Close releases the stores and any log files the runner opened.
func (r *Runner) Close() {
	if r.stores != nil {
		if err := r.stores.Close(); err != nil {
			r.logger.Warn("failed to close stores", "err", err)
		}
		r.stores = nil
	}
	for _, c := range r.closers {
		c.Close()
	}
	r.closers = nil
}

// open connects the stores selected by the config on first use.
func (r *Runner) open(ctx context.Context) (*stores, error) {
	if r.stores != nil {
		return r.stores, nil
	}
	st, err := openStores(ctx, r.config, r.logger)
	if err != nil {
		return nil, err
	}
	r.stores = st
	return st, nil
}

// videoSource returns the injected source or the configured YouTube client behind a circuit breaker.
func (r *Runner) videoSource() services.ChannelSource {
	if r.source == nil {
		yt := services.NewYouTubeService(r.config.Source, r.httpClient)
		breaker := r.config.Source.Breaker
		if breaker.MaxRequests == 0 {
			breaker.MaxRequests = uint32(max(r.config.Fetch.MaxConcurrency, 1))
		}
		r.source = services.NewBreakerSource(yt, breaker, r.logger)
	}
	return r.source
}

func (r *Runner) guard(st *stores) *throttle.Guard {
	return throttle.NewGuard(st.throttle, throttle.PolicyFromShared(r.config.Throttle), r.logger)
}

func (r *Runner) queue(st *stores) *admission.Queue {
	return admission.NewQueue(st.slots, admission.ConfigFromShared(r.config.Admission), r.logger)
}

// engine assembles the sync pipeline over st. writer receives every committed batch.
func (r *Runner) engine(st *stores, writer tasks.VideoWriter) *tasks.Engine {
	return tasks.NewEngine(
		r.guard(st),
		r.queue(st),
		r.videoSource(),
		writer,
		tasks.EngineOptsFromShared(r.config),
		r.logger,
	).WithRecorder(st.runs)
}

// owner resolves --owner, falling back to sync.owner from the config.
func (r *Runner) owner(cmd *cli.Command) (string, error) {
	if owner := cmd.String("owner"); owner != "" {
		return owner, nil
	}
	if r.config.Sync.Owner != "" {
		return r.config.Sync.Owner, nil
	}
	return "", fmt.Errorf("%w: --owner (or sync.owner in the config)", shared.ErrMissingArgument)
}

func (r *Runner) writeJSON(data any, pretty bool) error {
	var output []byte
	var err error

	if pretty {
		output, err = json.MarshalIndent(data, "", "  ")
	} else {
		output, err = json.Marshal(data)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if _, err := r.output.Write(output); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	if _, err := r.output.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return nil
}

func (r *Runner) writePlain(format string, args ...any) error {
	text := fmt.Sprintf(format, args...)
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writePlainln(format string, args ...any) error {
	text := "\n" + fmt.Sprintf(format, args...) + "\n"
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writePlainHeader(title string) {
	r.writePlain("═══════════════════════════════════════\n")
	r.writePlain("%v\n", title)
	r.writePlain("═══════════════════════════════════════\n")
}
