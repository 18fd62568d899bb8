package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Noma-Machiko/image-chooser-classic/pkg/types"
)

// Config represents the complete configuration for the chooser service
type Config struct {
	APIServer    APIServerConfig    `json:"api_server" yaml:"api_server"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
	Broker       BrokerConfig       `json:"broker" yaml:"broker"`
	Chooser      ChooserConfig      `json:"chooser" yaml:"chooser"`
	Event        EventConfig        `json:"event" yaml:"event"`
	Metrics      MetricsConfig      `json:"metrics" yaml:"metrics"`
	Tracing      TracingConfig      `json:"tracing" yaml:"tracing"`
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`
}

// APIServerConfig contains HTTP transport configuration
type APIServerConfig struct {
	Host         string        `json:"host" yaml:"host"`
	Port         int           `json:"port" yaml:"port"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
	Output string `json:"output" yaml:"output"` // stdout, stderr, file path
}

// BrokerConfig contains selection broker configuration
type BrokerConfig struct {
	// PollInterval bounds how long a paused node blocks before re-checking
	// for interruption.
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	// SelectionRetention is how long a last selection is remembered; 0 keeps it
	// for the life of the process.
	SelectionRetention       time.Duration `json:"selection_retention" yaml:"selection_retention"`
	SelectionCleanupInterval time.Duration `json:"selection_cleanup_interval" yaml:"selection_cleanup_interval"`
}

// ChooserConfig contains chooser node configuration
type ChooserConfig struct {
	PreviewDir   string `json:"preview_dir" yaml:"preview_dir"`
	DefaultCount int    `json:"default_count" yaml:"default_count"`
	MaxCount     int    `json:"max_count" yaml:"max_count"`
}

// EventConfig contains event bus configuration
type EventConfig struct {
	QueueSize      int           `json:"queue_size" yaml:"queue_size"`
	PublishTimeout time.Duration `json:"publish_timeout" yaml:"publish_timeout"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// TracingConfig contains distributed tracing configuration
type TracingConfig struct {
	Enabled          bool    `json:"enabled" yaml:"enabled"`
	SampleRate       float64 `json:"sample_rate" yaml:"sample_rate"`
	Exporter         string  `json:"exporter" yaml:"exporter"` // none, stdout, otlp
	ExporterEndpoint string  `json:"exporter_endpoint,omitempty" yaml:"exporter_endpoint,omitempty"`
	ServiceName      string  `json:"service_name" yaml:"service_name"`
}

// OrchestratorConfig contains service lifecycle configuration
type OrchestratorConfig struct {
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	ReloadOnChanges bool          `json:"reload_on_changes" yaml:"reload_on_changes"`
}

// applyDefaults fills in zero-valued config fields with their defaults
// This is called after loading from YAML to ensure partial configs have sensible defaults
func applyDefaults(cfg *Config) {
	defaultAPI := DefaultAPIServerConfig()
	if cfg.APIServer.Host == "" {
		cfg.APIServer.Host = defaultAPI.Host
	}
	if cfg.APIServer.Port == 0 {
		cfg.APIServer.Port = defaultAPI.Port
	}
	if cfg.APIServer.ReadTimeout == 0 {
		cfg.APIServer.ReadTimeout = defaultAPI.ReadTimeout
	}
	if cfg.APIServer.WriteTimeout == 0 {
		cfg.APIServer.WriteTimeout = defaultAPI.WriteTimeout
	}
	if cfg.APIServer.IdleTimeout == 0 {
		cfg.APIServer.IdleTimeout = defaultAPI.IdleTimeout
	}

	defaultLogging := DefaultLoggingConfig()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaultLogging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = defaultLogging.Output
	}

	defaultBroker := DefaultBrokerConfig()
	if cfg.Broker.PollInterval == 0 {
		cfg.Broker.PollInterval = defaultBroker.PollInterval
	}
	if cfg.Broker.SelectionCleanupInterval == 0 {
		cfg.Broker.SelectionCleanupInterval = defaultBroker.SelectionCleanupInterval
	}

	defaultChooser := DefaultChooserConfig()
	if cfg.Chooser.PreviewDir == "" {
		cfg.Chooser.PreviewDir = defaultChooser.PreviewDir
	}
	if cfg.Chooser.DefaultCount == 0 {
		cfg.Chooser.DefaultCount = defaultChooser.DefaultCount
	}
	if cfg.Chooser.MaxCount == 0 {
		cfg.Chooser.MaxCount = defaultChooser.MaxCount
	}

	defaultEvent := DefaultEventConfig()
	if cfg.Event.QueueSize == 0 {
		cfg.Event.QueueSize = defaultEvent.QueueSize
	}
	if cfg.Event.PublishTimeout == 0 {
		cfg.Event.PublishTimeout = defaultEvent.PublishTimeout
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}

	defaultTracing := DefaultTracingConfig()
	if cfg.Tracing.Exporter == "" {
		cfg.Tracing.Exporter = defaultTracing.Exporter
	}
	if cfg.Tracing.SampleRate == 0 {
		cfg.Tracing.SampleRate = defaultTracing.SampleRate
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = defaultTracing.ServiceName
	}

	if cfg.Orchestrator.ShutdownTimeout == 0 {
		cfg.Orchestrator.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// parseBool accepts the same truthy spellings as the rest of the environment handling
func parseBool(v string) bool {
	return strings.ToLower(v) == "true" || v == "1"
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// This is used by both Load() and the config reloader.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvAPIServerHost); v != "" {
		cfg.APIServer.Host = v
	}
	if v := os.Getenv(EnvAPIServerPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvAPIServerPort, err)
		}
		cfg.APIServer.Port = port
	}

	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(EnvLogOutput); v != "" {
		cfg.Logging.Output = v
	}

	if v := os.Getenv(EnvPollInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvPollInterval, err)
		}
		cfg.Broker.PollInterval = d
	}
	if v := os.Getenv(EnvSelectionRetention); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvSelectionRetention, err)
		}
		cfg.Broker.SelectionRetention = d
	}

	if v := os.Getenv(EnvPreviewDir); v != "" {
		cfg.Chooser.PreviewDir = v
	}

	if v := os.Getenv(EnvEventQueueSize); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			cfg.Event.QueueSize = size
		}
	}

	if v := os.Getenv(EnvMetricsEnabled); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}

	if v := os.Getenv(EnvTraceEnabled); v != "" {
		cfg.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv(EnvTraceExporter); v != "" {
		cfg.Tracing.Exporter = v
	}
	if v := os.Getenv(EnvTraceEndpoint); v != "" {
		cfg.Tracing.ExporterEndpoint = v
	}

	if v := os.Getenv(EnvShutdownTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Orchestrator.ShutdownTimeout = d
		}
	}

	return nil
}

// Load builds a Config from defaults, the YAML file at path (or the default
// config path when path is empty and that file exists) and environment overrides.
func Load(path string) (*Config, error) {
	var cfg *Config

	if path == "" {
		defaultPath, err := GetDefaultConfigPath()
		if err == nil {
			if _, statErr := os.Stat(defaultPath); statErr == nil {
				path = defaultPath
			} else if !os.IsNotExist(statErr) {
				return nil, fmt.Errorf("failed to check config file: %w", statErr)
			}
		}
	}

	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if cfg == nil {
		cfg = DefaultConfig()
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for validity
func (c *Config) Validate() error {
	// 0 asks the OS for a free port
	if c.APIServer.Port < 0 || c.APIServer.Port > 65535 {
		return types.NewError(types.ErrCodeInvalidArgument, "api server port must be between 0 and 65535")
	}
	if c.APIServer.ReadTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "api server read timeout must be positive")
	}
	if c.APIServer.WriteTimeout < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "api server write timeout cannot be negative")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log format: %s (must be json or text)", c.Logging.Format))
	}

	if c.Broker.PollInterval <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "broker poll interval must be positive")
	}
	if c.Broker.SelectionRetention < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "broker selection retention cannot be negative")
	}

	if c.Chooser.MaxCount < 1 {
		return types.NewError(types.ErrCodeInvalidArgument, "chooser max count must be at least 1")
	}
	if c.Chooser.DefaultCount < 1 || c.Chooser.DefaultCount > c.Chooser.MaxCount {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("chooser default count must be between 1 and %d", c.Chooser.MaxCount))
	}

	if c.Event.QueueSize < 1 {
		return types.NewError(types.ErrCodeInvalidArgument, "event queue size must be positive")
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return types.NewError(types.ErrCodeInvalidArgument, "metrics path must start with /")
	}

	if c.Tracing.Enabled {
		validExporters := map[string]bool{
			"none":   true,
			"stdout": true,
			"otlp":   true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return types.NewError(types.ErrCodeInvalidArgument,
				fmt.Sprintf("invalid tracing exporter: %s (must be none, stdout, or otlp)", c.Tracing.Exporter))
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return types.NewError(types.ErrCodeInvalidArgument, "tracing sample rate must be between 0 and 1")
		}
	}

	if c.Orchestrator.ShutdownTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "shutdown timeout must be positive")
	}

	return nil
}

// APIAddress returns the API server address in host:port format
func (c *Config) APIAddress() string {
	return fmt.Sprintf("%s:%d", c.APIServer.Host, c.APIServer.Port)
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf("Config{API: %s, Logging: %s, Broker: %s, Chooser: %s, Event: %s, Metrics: %s, Tracing: %s, Orchestrator: %s}",
		c.APIServer.String(),
		c.Logging.String(),
		c.Broker.String(),
		c.Chooser.String(),
		c.Event.String(),
		c.Metrics.String(),
		c.Tracing.String(),
		c.Orchestrator.String(),
	)
}

// ApplyOverrides applies CLI flag-style overrides to the configuration.
// This is used by the cmd package to apply CLI flag values after loading from
// defaults, YAML file, and environment variables.
func (c *Config) ApplyOverrides(opts OverrideOptions) {
	if opts.APIServerHost != "" {
		c.APIServer.Host = opts.APIServerHost
	}
	if opts.APIServerPort > 0 {
		c.APIServer.Port = opts.APIServerPort
	}

	if opts.LogLevel != "" {
		c.Logging.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		c.Logging.Format = opts.LogFormat
	}
	if opts.LogOutput != "" {
		c.Logging.Output = opts.LogOutput
	}

	if opts.PollInterval > 0 {
		c.Broker.PollInterval = opts.PollInterval
	}
	if opts.PreviewDir != "" {
		c.Chooser.PreviewDir = opts.PreviewDir
	}
	if opts.MetricsEnabled {
		c.Metrics.Enabled = true
	}
}

// OverrideOptions contains override options typically set via CLI flags
type OverrideOptions struct {
	APIServerHost string
	APIServerPort int

	LogLevel  string
	LogFormat string
	LogOutput string

	PollInterval   time.Duration
	PreviewDir     string
	MetricsEnabled bool
}

func (c APIServerConfig) String() string {
	return fmt.Sprintf("APIServerConfig{Host: %s, Port: %d}", c.Host, c.Port)
}

func (c LoggingConfig) String() string {
	return fmt.Sprintf("LoggingConfig{Level: %s, Format: %s, Output: %s}", c.Level, c.Format, c.Output)
}

func (c BrokerConfig) String() string {
	return fmt.Sprintf("BrokerConfig{PollInterval: %s, SelectionRetention: %s}", c.PollInterval, c.SelectionRetention)
}

func (c ChooserConfig) String() string {
	return fmt.Sprintf("ChooserConfig{PreviewDir: %s, DefaultCount: %d, MaxCount: %d}", c.PreviewDir, c.DefaultCount, c.MaxCount)
}

func (c EventConfig) String() string {
	return fmt.Sprintf("EventConfig{QueueSize: %d, PublishTimeout: %s}", c.QueueSize, c.PublishTimeout)
}

func (c MetricsConfig) String() string {
	return fmt.Sprintf("MetricsConfig{Enabled: %v, Path: %s}", c.Enabled, c.Path)
}

func (c TracingConfig) String() string {
	return fmt.Sprintf("TracingConfig{Enabled: %v, Exporter: %s, SampleRate: %.2f}", c.Enabled, c.Exporter, c.SampleRate)
}

func (c OrchestratorConfig) String() string {
	return fmt.Sprintf("OrchestratorConfig{ShutdownTimeout: %s, ReloadOnChanges: %v}", c.ShutdownTimeout, c.ReloadOnChanges)
}
