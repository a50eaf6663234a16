package shared

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed config.example.toml
var exampleConf []byte

// Config represents the application configuration loaded from a TOML file.
type Config struct {
	Database  DatabaseConfig  `toml:"database"`
	Source    SourceConfig    `toml:"source"`
	Throttle  ThrottleConfig  `toml:"throttle"`
	Admission AdmissionConfig `toml:"admission"`
	Fetch     FetchConfig     `toml:"fetch"`
	Commit    CommitConfig    `toml:"commit"`
	Redis     RedisConfig     `toml:"redis"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Log       LogConfig       `toml:"log"`
	Sync      SyncConfig      `toml:"sync"`
}

// DatabaseConfig contains database connection settings.
//
// Targets and run history always live in the SQLite file at Path. Driver selects where
// videos, throttle records and the admission slot are shared between clients.
type DatabaseConfig struct {
	Driver       string `toml:"driver"`
	Path         string `toml:"path"`
	URL          string `toml:"url"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

// SourceConfig describes the public video API.
type SourceConfig struct {
	BaseURL   string        `toml:"base_url"`
	PageSize  int           `toml:"page_size"`
	RateLimit float64       `toml:"rate_limit"`
	Burst     int           `toml:"burst"`
	Timeout   time.Duration `toml:"timeout"`
	UserAgent string        `toml:"user_agent"`
	Breaker   BreakerConfig `toml:"breaker"`
}

// BreakerConfig tunes the circuit breaker around the video API.
type BreakerConfig struct {
	MaxFailures uint32        `toml:"max_failures"`
	MaxRequests uint32        `toml:"max_requests"`
	Interval    time.Duration `toml:"interval"`
	Timeout     time.Duration `toml:"timeout"`
}

// ThrottleConfig is the per-identity run policy. Zero values disable a rule.
type ThrottleConfig struct {
	MinInterval  time.Duration `toml:"min_interval"`
	Window       time.Duration `toml:"window"`
	MaxPerWindow int           `toml:"max_per_window"`
	AllowList    []string      `toml:"allow_list"`
}

// AdmissionConfig tunes the shared admission queue.
type AdmissionConfig struct {
	Backend             string        `toml:"backend"`
	Slot                string        `toml:"slot"`
	BypassThreshold     int           `toml:"bypass_threshold"`
	TTL                 time.Duration `toml:"ttl"`
	WaiterTTL           time.Duration `toml:"waiter_ttl"`
	PollInterval        time.Duration `toml:"poll_interval"`
	ContentionThreshold int           `toml:"contention_threshold"`
	JitterBase          time.Duration `toml:"jitter_base"`
	JitterMax           time.Duration `toml:"jitter_max"`
	AcquireTimeout      time.Duration `toml:"acquire_timeout"`
	FIFO                bool          `toml:"fifo"`
}

// FetchConfig bounds the fetch fan-out.
type FetchConfig struct {
	MaxConcurrency int `toml:"max_concurrency"`
}

// CommitConfig sizes the write batches.
type CommitConfig struct {
	BatchSize int `toml:"batch_size"`
}

// RedisConfig contains the connection settings for the redis admission backend.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

// MetricsConfig contains the Prometheus listener settings.
type MetricsConfig struct {
	Addr string `toml:"addr"`
	Path string `toml:"path"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// SyncConfig holds defaults for `sync run`.
type SyncConfig struct {
	Owner string `toml:"owner"`
}

// LoadConfig reads and parses a TOML configuration file from the specified path.
//
// Keys missing from the file keep the embedded defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// DefaultConfig returns a Config with sensible defaults loaded from the embedded example config.
func DefaultConfig() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &config
}

// Validate reports the first setting that cannot drive a sync.
func (c *Config) Validate() error {
	if !slices.Contains([]string{"sqlite", "postgres"}, c.Database.Driver) {
		return fmt.Errorf("%w: database.driver must be sqlite or postgres, got %q", ErrInvalidConfig, c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("%w: database.url is required for postgres", ErrInvalidConfig)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("%w: database.path is required", ErrInvalidConfig)
	}
	if !slices.Contains([]string{"database", "redis", "memory"}, c.Admission.Backend) {
		return fmt.Errorf("%w: admission.backend must be database, redis or memory, got %q", ErrInvalidConfig, c.Admission.Backend)
	}
	if c.Admission.Backend == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("%w: redis.addr is required for the redis admission backend", ErrInvalidConfig)
	}
	if c.Admission.TTL <= 0 || c.Admission.WaiterTTL <= 0 || c.Admission.PollInterval <= 0 {
		return fmt.Errorf("%w: admission ttl, waiter_ttl and poll_interval must be positive", ErrInvalidConfig)
	}
	if c.Fetch.MaxConcurrency < 1 {
		return fmt.Errorf("%w: fetch.max_concurrency must be at least 1", ErrInvalidConfig)
	}
	if c.Commit.BatchSize < 1 {
		return fmt.Errorf("%w: commit.batch_size must be at least 1", ErrInvalidConfig)
	}
	if c.Source.BaseURL == "" {
		return fmt.Errorf("%w: source.base_url is required", ErrInvalidConfig)
	}
	if c.Throttle.MaxPerWindow > 0 && c.Throttle.Window <= 0 {
		return fmt.Errorf("%w: throttle.window is required with max_per_window", ErrInvalidConfig)
	}
	return nil
}

// CreateConfigFile creates a config.toml file at the specified path using the embedded example config.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := os.WriteFile(path, exampleConf, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
