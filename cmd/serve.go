package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Noma-Machiko/image-chooser-classic/pkg/orchestrator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the selection broker and its HTTP API",
	Long: `Start the broker, the chooser nodes and the HTTP API, then block until
SIGINT or SIGTERM. On shutdown any paused node is cancelled and observers
receive run.cancelled before the event stream closes. SIGHUP reloads the
configuration file.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := rootLog.With("component", "serve")

	result, err := orchestrator.Bootstrap(cmd.Context(), orchestrator.BootstrapConfig{
		Config:            *cfg,
		Logger:            rootLog,
		Version:           orchestrator.Version,
		EnableHealthCheck: true,
	})
	if err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}
	orch := result.Orchestrator

	if err := orch.WatchConfig(cfgFile); err != nil {
		_ = orch.Close()
		return fmt.Errorf("failed to watch config: %w", err)
	}

	sm := orchestrator.NewShutdownManager(orch, cfg.Orchestrator.ShutdownTimeout, rootLog)
	sm.OnDrain(orch.CancelRun)
	sm.OnStopped(func(ctx context.Context) error {
		log.Info("Image chooser stopped", "reason", sm.Reason())
		return rootLog.Close()
	})
	sm.Start()
	defer sm.Stop()

	log.Info("Image chooser ready",
		"address", orch.Addr(),
		"version", orchestrator.Version,
		"bootstrap", result.Duration())

	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		if err := orch.Serve(); err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		err := sm.WaitCompletion(gctx)
		if err != nil && !sm.IsShuttingDown() {
			// the server goroutine failed before any signal arrived
			return sm.Shutdown(context.Background(), "api server failed")
		}
		return nil
	})

	return g.Wait()
}
