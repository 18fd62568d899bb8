package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Noma-Machiko/image-chooser-classic/internal/config"
	"github.com/Noma-Machiko/image-chooser-classic/internal/logger"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/orchestrator"
)

var (
	// CLI flags
	cfgFile      string
	envFile      string
	logLevel     string
	logFormat    string
	logOutput    string
	apiHost      string
	apiPort      int
	pollInterval time.Duration
	previewDir   string
	metricsFlag  bool

	// Set up by the persistent pre-run
	rootLog *logger.Logger
	cfg     *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "image-chooser",
	Short: "Image chooser broker - pause a pipeline until a human picks images",
	Long: `image-chooser runs the selection broker behind the image chooser nodes.

A chooser node that needs a human decision publishes its previews and pauses.
The observer posts the picked indices to /image_chooser_classic_message and
the node resumes with only those images. Running without a subcommand starts
the server.`,
	Version:           orchestrator.Version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	RunE:              runServe,
}

// setup loads the .env file, the configuration and the logger
func setup(cmd *cobra.Command, args []string) error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load env file %s: %w", envFile, err)
	}

	loaded, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	loaded.ApplyOverrides(config.OverrideOptions{
		APIServerHost:  apiHost,
		APIServerPort:  apiPort,
		LogLevel:       logLevel,
		LogFormat:      logFormat,
		LogOutput:      logOutput,
		PollInterval:   pollInterval,
		PreviewDir:     previewDir,
		MetricsEnabled: metricsFlag,
	})
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg = loaded

	if err := logger.InitGlobal(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	rootLog = logger.Global()
	return nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if rootLog != nil {
			rootLog.Error("Command execution failed", "error", err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path (default: ~/.config/image-chooser/config.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env",
		"Dotenv file loaded before configuration; missing files are ignored")

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "",
		"Log output: stdout, stderr, or file path (default: from config or env)")

	rootCmd.PersistentFlags().StringVar(&apiHost, "api-host", "",
		"API server host (default: 127.0.0.1)")
	rootCmd.PersistentFlags().IntVar(&apiPort, "api-port", 0,
		"API server port (default: from config or env)")

	rootCmd.PersistentFlags().DurationVar(&pollInterval, "poll-interval", 0,
		"How often a paused node re-checks for interruption")
	rootCmd.PersistentFlags().StringVar(&previewDir, "preview-dir", "",
		"Directory preview images are written to")
	rootCmd.PersistentFlags().BoolVar(&metricsFlag, "metrics", false,
		"Expose Prometheus metrics")
}
