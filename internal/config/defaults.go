package config

import (
	"os"
	"path/filepath"
	"time"
)

// testConfigPath is an override for the default config path used in testing
// If set, GetDefaultConfigPath will return this value instead of the standard path
var testConfigPath string

// SetTestConfigPath sets a custom config path for testing purposes
// This should only be called from tests
func SetTestConfigPath(path string) {
	testConfigPath = path
}

// GetConfigDir returns the image chooser configuration directory
// Uses ~/.config/image-chooser/ on Unix systems
func GetConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "image-chooser"), nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() (string, error) {
	if testConfigPath != "" {
		return testConfigPath, nil
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

const (
	// Environment variable names
	EnvAPIServerHost      = "CHOOSER_API_HOST"
	EnvAPIServerPort      = "CHOOSER_API_PORT"
	EnvLogLevel           = "CHOOSER_LOG_LEVEL"
	EnvLogFormat          = "CHOOSER_LOG_FORMAT"
	EnvLogOutput          = "CHOOSER_LOG_OUTPUT"
	EnvPollInterval       = "CHOOSER_POLL_INTERVAL"
	EnvSelectionRetention = "CHOOSER_SELECTION_RETENTION"
	EnvPreviewDir         = "CHOOSER_PREVIEW_DIR"
	EnvEventQueueSize     = "CHOOSER_EVENT_QUEUE_SIZE"
	EnvMetricsEnabled     = "CHOOSER_METRICS_ENABLED"
	EnvTraceEnabled       = "CHOOSER_TRACE_ENABLED"
	EnvTraceExporter      = "CHOOSER_TRACE_EXPORTER"
	EnvTraceEndpoint      = "CHOOSER_TRACE_ENDPOINT"
	EnvShutdownTimeout    = "CHOOSER_SHUTDOWN_TIMEOUT"
)

const (
	// Default API Server settings
	DefaultAPIServerHost = "127.0.0.1"
	DefaultAPIServerPort = 8189

	// Default Logging settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	// Default Broker settings
	DefaultPollInterval             = 100 * time.Millisecond
	DefaultSelectionRetention       = time.Duration(0) // never expire
	DefaultSelectionCleanupInterval = 10 * time.Minute

	// Default Chooser settings
	DefaultChooserCount    = 1
	DefaultChooserMaxCount = 999

	// Default Event settings
	DefaultEventQueueSize      = 1000
	DefaultEventPublishTimeout = 5 * time.Second

	// Default Metrics settings
	DefaultMetricsEnabled = false
	DefaultMetricsPath    = "/metrics"

	// Default Tracing settings
	DefaultTraceEnabled     = false
	DefaultTraceExporter    = "stdout"
	DefaultTraceServiceName = "image-chooser"

	// Default Orchestrator settings
	DefaultShutdownTimeout = 30 * time.Second
)

// DefaultAPIServerConfig returns the default API server configuration
func DefaultAPIServerConfig() APIServerConfig {
	return APIServerConfig{
		Host:         DefaultAPIServerHost,
		Port:         DefaultAPIServerPort,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  DefaultLogLevel,
		Format: DefaultLogFormat,
		Output: "stdout",
	}
}

// DefaultBrokerConfig returns the default broker configuration
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		PollInterval:             DefaultPollInterval,
		SelectionRetention:       DefaultSelectionRetention,
		SelectionCleanupInterval: DefaultSelectionCleanupInterval,
	}
}

// DefaultChooserConfig returns the default chooser node configuration
func DefaultChooserConfig() ChooserConfig {
	previewDir := filepath.Join(os.TempDir(), "image-chooser", "previews")
	return ChooserConfig{
		PreviewDir:   previewDir,
		DefaultCount: DefaultChooserCount,
		MaxCount:     DefaultChooserMaxCount,
	}
}

// DefaultEventConfig returns the default event bus configuration
func DefaultEventConfig() EventConfig {
	return EventConfig{
		QueueSize:      DefaultEventQueueSize,
		PublishTimeout: DefaultEventPublishTimeout,
	}
}

// DefaultMetricsConfig returns the default metrics configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled: DefaultMetricsEnabled,
		Path:    DefaultMetricsPath,
	}
}

// DefaultTracingConfig returns the default tracing configuration
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		Enabled:     DefaultTraceEnabled,
		SampleRate:  1.0,
		Exporter:    DefaultTraceExporter,
		ServiceName: DefaultTraceServiceName,
	}
}

// DefaultOrchestratorConfig returns the default orchestrator configuration
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		ShutdownTimeout: DefaultShutdownTimeout,
		ReloadOnChanges: true,
	}
}

// DefaultConfig returns a configuration populated entirely with defaults
func DefaultConfig() *Config {
	return &Config{
		APIServer:    DefaultAPIServerConfig(),
		Logging:      DefaultLoggingConfig(),
		Broker:       DefaultBrokerConfig(),
		Chooser:      DefaultChooserConfig(),
		Event:        DefaultEventConfig(),
		Metrics:      DefaultMetricsConfig(),
		Tracing:      DefaultTracingConfig(),
		Orchestrator: DefaultOrchestratorConfig(),
	}
}
