package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/Noma-Machiko/image-chooser-classic/internal/config"
	"github.com/Noma-Machiko/image-chooser-classic/internal/logger"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/types"
)

// Build information, overridden with -ldflags at release time
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// BootstrapResult contains the result of a bootstrap operation
type BootstrapResult struct {
	Orchestrator *Orchestrator
	StartedAt    time.Time
	Version      string
	Error        error
}

// BootstrapConfig contains configuration for the bootstrap process
type BootstrapConfig struct {
	Config            config.Config
	Logger            *logger.Logger
	Version           string
	EnableHealthCheck bool
}

// NewDefaultBootstrapConfig creates a bootstrap configuration from the
// default config file and environment
func NewDefaultBootstrapConfig() BootstrapConfig {
	cfg, err := config.Load("")
	if err != nil {
		cfg = config.DefaultConfig()
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		log = nil
	}

	return BootstrapConfig{
		Config:            *cfg,
		Logger:            log,
		Version:           Version,
		EnableHealthCheck: true,
	}
}

// Bootstrap creates and initializes an orchestrator:
// validate the configuration, create, initialize, then health check if enabled.
func Bootstrap(ctx context.Context, cfg BootstrapConfig) (*BootstrapResult, error) {
	startedAt := time.Now()

	result := &BootstrapResult{
		StartedAt: startedAt,
		Version:   cfg.Version,
	}

	if err := cfg.Config.Validate(); err != nil {
		result.Error = types.WrapError(types.ErrCodeInvalidArgument, "invalid configuration", err)
		return result, result.Error
	}

	orch, err := New(cfg.Config, cfg.Logger)
	if err != nil {
		result.Error = types.WrapError(types.ErrCodeInternal, "failed to create orchestrator", err)
		return result, result.Error
	}
	result.Orchestrator = orch

	if err := orch.Initialize(ctx); err != nil {
		result.Error = types.WrapError(types.ErrCodeInternal, "failed to initialize orchestrator", err)
		_ = orch.Close()
		return result, result.Error
	}

	if cfg.EnableHealthCheck {
		healthCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		unhealthy := false
		for subsystem, status := range orch.HealthCheck(healthCtx) {
			if status != types.Healthy {
				orch.Logger().Error("Subsystem health check failed",
					"subsystem", subsystem,
					"status", status)
				unhealthy = true
			}
		}

		if unhealthy {
			result.Error = types.NewError(types.ErrCodeInternal, "orchestrator health check failed")
			_ = orch.Close()
			return result, result.Error
		}
	}

	orch.Logger().Info("Orchestrator bootstrapped successfully",
		"version", cfg.Version,
		"duration", time.Since(startedAt))

	return result, nil
}

// IsReady checks if the orchestrator is ready to accept requests
func IsReady(ctx context.Context, orch *Orchestrator) bool {
	if orch == nil {
		return false
	}

	if !orch.IsStarted() || orch.IsClosed() {
		return false
	}

	for _, status := range orch.HealthCheck(ctx) {
		if status != types.Healthy {
			return false
		}
	}

	return true
}

// WaitForReady waits for the orchestrator to be ready with a timeout
func WaitForReady(ctx context.Context, orch *Orchestrator, timeout time.Duration, checkInterval time.Duration) error {
	if orch == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "orchestrator is nil")
	}

	if checkInterval == 0 {
		checkInterval = 100 * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		if IsReady(ctx, orch) {
			return nil
		}
		select {
		case <-ctx.Done():
			return types.WrapError(types.ErrCodeTimeout, "orchestrator not ready within timeout", ctx.Err())
		case <-ticker.C:
		}
	}
}

// GetVersionInfo returns detailed version information
func GetVersionInfo() map[string]interface{} {
	return map[string]interface{}{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	}
}

// String returns a string representation of the bootstrap result
func (r *BootstrapResult) String() string {
	if r.Error != nil {
		return fmt.Sprintf("BootstrapResult{version: %s, error: %v}", r.Version, r.Error)
	}
	return fmt.Sprintf("BootstrapResult{version: %s, started_at: %s, orchestrator: %v}",
		r.Version, r.StartedAt.Format(time.RFC3339), r.Orchestrator != nil)
}

// IsSuccessful returns true if the bootstrap was successful
func (r *BootstrapResult) IsSuccessful() bool {
	return r.Error == nil && r.Orchestrator != nil
}

// Duration returns the duration of the bootstrap process
func (r *BootstrapResult) Duration() time.Duration {
	return time.Since(r.StartedAt)
}
