// Package config loads and validates the pagebuilder service configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the service configuration.
type Config struct {
	Paths       PathsConfig       `yaml:"paths"`
	Compiler    CompilerConfig    `yaml:"compiler"`
	Cache       CacheConfig       `yaml:"cache"`
	Queue       QueueConfig       `yaml:"queue"`
	PostProcess PostProcessConfig `yaml:"postprocess"`
	Events      EventsConfig      `yaml:"events"`
	HTTP        HTTPConfig        `yaml:"http"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// PathsConfig locates the project template and the directories the service owns.
type PathsConfig struct {
	ProjectDir   string `yaml:"project_dir"`   // Site project copied into every working directory
	WorkspaceDir string `yaml:"workspace_dir"` // Parent of per-build working directories
	OutputDir    string `yaml:"output_dir"`    // Parent of build artifacts
	CacheDir     string `yaml:"cache_dir"`     // Holds the cache index
}

// CompilerConfig describes the external static-site compiler invocation.
type CompilerConfig struct {
	Command       string            `yaml:"command"`
	Args          []string          `yaml:"args,omitempty"`
	Env           map[string]string `yaml:"env,omitempty"`
	RequiredFiles []string          `yaml:"required_files,omitempty"` // Relative to ProjectDir
	PublishDir    string            `yaml:"publish_dir,omitempty"`    // Compiler output dir inside the working dir
}

// CacheConfig controls build result caching.
type CacheConfig struct {
	MaxAge        string `yaml:"max_age"`
	SweepInterval string `yaml:"sweep_interval"`
	Watch         bool   `yaml:"watch"` // Invalidate entries when artifacts are removed externally
}

// QueueConfig controls admission, concurrency and retry.
type QueueConfig struct {
	MaxConcurrent int              `yaml:"max_concurrent"`
	MaxRetries    int              `yaml:"max_retries"`
	RetryDelay    string           `yaml:"retry_delay"`
	RetryMaxDelay string           `yaml:"retry_max_delay,omitempty"`
	RetryBackoff  RetryBackoffMode `yaml:"retry_backoff,omitempty"`
	PumpInterval  string           `yaml:"pump_interval"`
}

// PostProcessConfig overrides the tags injected by the per-type strategies.
type PostProcessConfig struct {
	TrackerScripts   []string `yaml:"tracker_scripts,omitempty"`
	AnalyticsScripts []string `yaml:"analytics_scripts,omitempty"`
	ThemeStylesheet  string   `yaml:"theme_stylesheet,omitempty"`
}

// EventsConfig configures lifecycle event publishing. Empty NATSURL disables NATS.
type EventsConfig struct {
	NATSURL string `yaml:"nats_url,omitempty"`
	Subject string `yaml:"subject,omitempty"`
}

// HTTPConfig configures the HTTP surface.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig configures the default slog logger.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

// Load loads configuration from the specified file. A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	if err := loadEnvFile(); err != nil {
		fmt.Fprintf(os.Stderr, "Note: .env file not found or couldn't be loaded: %v\n", err)
	}

	cfg := &Config{Queue: QueueConfig{MaxRetries: DefaultMaxRetries}}
	// #nosec G304 - configPath is an operator-supplied CLI flag
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	case os.IsNotExist(err):
		// defaults only
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultMaxRetries applies when the file does not set queue.max_retries.
const DefaultMaxRetries = 3

// Default returns a configuration populated with defaults only.
func Default() *Config {
	cfg := &Config{Queue: QueueConfig{MaxRetries: DefaultMaxRetries}}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Paths.ProjectDir == "" {
		cfg.Paths.ProjectDir = "./project"
	}
	if cfg.Paths.WorkspaceDir == "" {
		cfg.Paths.WorkspaceDir = "./data/work"
	}
	if cfg.Paths.OutputDir == "" {
		cfg.Paths.OutputDir = "./data/artifacts"
	}
	if cfg.Paths.CacheDir == "" {
		cfg.Paths.CacheDir = "./data/cache"
	}
	if cfg.Compiler.Command == "" {
		cfg.Compiler.Command = "hugo"
	}
	if cfg.Compiler.PublishDir == "" {
		cfg.Compiler.PublishDir = "public"
	}
	if cfg.Cache.MaxAge == "" {
		cfg.Cache.MaxAge = "24h"
	}
	if cfg.Cache.SweepInterval == "" {
		cfg.Cache.SweepInterval = "10m"
	}
	if cfg.Queue.MaxConcurrent <= 0 {
		cfg.Queue.MaxConcurrent = 3
	}
	if cfg.Queue.RetryDelay == "" {
		cfg.Queue.RetryDelay = "5s"
	}
	if cfg.Queue.RetryBackoff == "" {
		cfg.Queue.RetryBackoff = RetryBackoffFixed
	}
	if cfg.Queue.PumpInterval == "" {
		cfg.Queue.PumpInterval = "2s"
	}
	if cfg.Events.Subject == "" {
		cfg.Events.Subject = "pagebuilder.builds"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	cfg.Logging.Level = NormalizeLogLevel(string(cfg.Logging.Level))
	cfg.Logging.Format = NormalizeLogFormat(string(cfg.Logging.Format))
}

// CacheMaxAge returns the parsed cache TTL.
func (c *Config) CacheMaxAge() time.Duration {
	d, _ := time.ParseDuration(c.Cache.MaxAge)
	return d
}

// CacheSweepInterval returns the parsed sweep interval.
func (c *Config) CacheSweepInterval() time.Duration {
	d, _ := time.ParseDuration(c.Cache.SweepInterval)
	return d
}

// QueuePumpInterval returns the parsed queue pump interval.
func (c *Config) QueuePumpInterval() time.Duration {
	d, _ := time.ParseDuration(c.Queue.PumpInterval)
	return d
}

// Init writes an example configuration file.
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configPath)
	}

	example := Default()
	example.Compiler.Args = []string{"--quiet"}
	example.Compiler.RequiredFiles = []string{"hugo.toml"}
	example.PostProcess.TrackerScripts = []string{"/static/js/tracker.js"}

	data, err := yaml.Marshal(example)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
