package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Noma-Machiko/image-chooser-classic/internal/config"
	"github.com/Noma-Machiko/image-chooser-classic/internal/logger"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/broker"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/chooser"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/events"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/metrics"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/server"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/tracing"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/types"
)

// Orchestrator wires the chooser service together: tracing, metrics, the
// event bus and its router, the broker, the chooser nodes and the HTTP API.
type Orchestrator struct {
	mu     sync.RWMutex
	cfg    config.Config
	logger *logger.Logger
	closed bool

	// Core subsystems
	tracing   *tracing.Provider
	metrics   *metrics.Metrics
	eventBus  *events.Bus
	router    *events.Router
	broker    *broker.Broker
	previewer *chooser.FilePreviewer
	nodes     map[chooser.Kind]*chooser.Node
	handler   *server.Handler
	server    *server.Server
	reloader  *config.Reloader

	// Lifecycle management
	started        bool
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

// New creates a new Orchestrator with the specified configuration
func New(cfg config.Config, log *logger.Logger) (*Orchestrator, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "invalid configuration", err)
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		cfg:            cfg,
		logger:         log.With("component", "orchestrator"),
		nodes:          make(map[chooser.Kind]*chooser.Node),
		shutdownCtx:    shutdownCtx,
		shutdownCancel: shutdownCancel,
	}

	o.logger.Info("Orchestrator created",
		"api_address", cfg.APIAddress(),
		"poll_interval", cfg.Broker.PollInterval.String(),
		"metrics_enabled", cfg.Metrics.Enabled,
		"tracing_enabled", cfg.Tracing.Enabled)

	return o, nil
}

// Initialize initializes all subsystems in dependency order:
// tracing, metrics, event bus, broker, event router, chooser nodes, then the
// API server.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return types.NewError(types.ErrCodeUnavailable, "orchestrator is closed")
	}
	if o.started {
		return types.NewError(types.ErrCodeFailedPrecondition, "orchestrator already initialized")
	}

	o.logger.Info("Initializing orchestrator subsystems")

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"tracing", o.initTracing},
		{"metrics", o.initMetrics},
		{"event bus", o.initEventBus},
		{"broker", o.initBroker},
		{"event router", o.initRouter},
		{"chooser nodes", o.initChooser},
		{"api server", o.initServer},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			o.closeSubsystems(ctx)
			return types.WrapError(types.ErrCodeInternal, "failed to initialize "+step.name, err)
		}
	}

	o.started = true
	o.logger.Info("Orchestrator initialized", "api_address", o.server.Addr())
	return nil
}

func (o *Orchestrator) initTracing(ctx context.Context) error {
	provider, err := tracing.NewProvider(ctx, o.cfg.Tracing)
	if err != nil {
		return err
	}
	o.tracing = provider
	o.logger.Debug("Tracing initialized", "enabled", provider.Enabled(), "exporter", o.cfg.Tracing.Exporter)
	return nil
}

func (o *Orchestrator) initMetrics(ctx context.Context) error {
	if !o.cfg.Metrics.Enabled {
		return nil
	}
	o.metrics = metrics.New()
	o.logger.Debug("Metrics initialized", "path", o.cfg.Metrics.Path)
	return nil
}

func (o *Orchestrator) initEventBus(ctx context.Context) error {
	bus, err := events.New(o.cfg.Event, o.logger)
	if err != nil {
		return err
	}
	o.eventBus = bus
	return nil
}

func (o *Orchestrator) initBroker(ctx context.Context) error {
	opts := []broker.Option{broker.WithTracer(o.tracing.Tracer())}
	if o.metrics != nil {
		opts = append(opts, broker.WithRecorder(o.metrics))
	}
	b, err := broker.New(o.cfg.Broker, o.logger, opts...)
	if err != nil {
		return err
	}
	o.broker = b
	return nil
}

// initRouter subscribes a router to the bus that counts every event and logs
// run, selection and system activity
func (o *Orchestrator) initRouter(ctx context.Context) error {
	router, err := events.NewRouter(o.logger)
	if err != nil {
		return err
	}
	router.Use(
		events.NewValidationMiddleware(),
		events.NewDeduplicationMiddleware(time.Minute),
		events.NewEnrichmentMiddleware(map[string]string{"version": Version}, o.broker.Generation),
	)

	activity, err := events.NewLoggingHandler(o.logger, nil, "info")
	if err != nil {
		return err
	}
	notices, err := events.NewLoggingHandler(o.logger, nil, "debug")
	if err != nil {
		return err
	}
	m := o.metrics
	counter := events.NewRecoverHandler(types.EventFunc(func(ctx context.Context, event types.Event) error {
		m.EventRouted(string(event.Type))
		return nil
	}))

	routes := []struct {
		pattern string
		handler types.EventHandler
	}{
		{"*", counter},
		{"run.*", activity},
		{"selection.*", activity},
		{"system.*", activity},
		{string(types.EventTypeChooserOpen), notices},
		{string(types.EventTypeChooserWidget), notices},
	}
	for _, r := range routes {
		if _, err := router.AddRoute(r.pattern, r.handler); err != nil {
			return err
		}
	}

	if _, err := o.eventBus.Subscribe(ctx, types.EventFilter{}, router); err != nil {
		return err
	}
	o.router = router
	return nil
}

func (o *Orchestrator) initChooser(ctx context.Context) error {
	previewer, err := chooser.NewFilePreviewer(o.cfg.Chooser.PreviewDir)
	if err != nil {
		return err
	}
	o.previewer = previewer

	opts := chooser.Options{
		Previewer: previewer,
		Notifier:  chooser.NewBusNotifier(o.eventBus),
		Tracer:    o.tracing.Tracer(),
		MaxCount:  o.cfg.Chooser.MaxCount,
	}
	if o.metrics != nil {
		opts.Recorder = o.metrics
	}
	for _, kind := range chooser.Kinds {
		node, err := chooser.New(kind, o.broker, opts, o.logger)
		if err != nil {
			return err
		}
		o.nodes[kind] = node
	}
	return nil
}

func (o *Orchestrator) initServer(ctx context.Context) error {
	handler, err := server.NewHandler(server.HandlerConfig{
		Broker:      o.broker,
		Bus:         o.eventBus,
		Metrics:     o.metrics,
		MetricsPath: o.cfg.Metrics.Path,
		PreviewDir:  o.cfg.Chooser.PreviewDir,
		Logger:      o.logger,
	})
	if err != nil {
		return err
	}
	srv, err := server.NewServer(o.cfg.APIServer, handler, o.logger)
	if err != nil {
		return err
	}
	o.handler = handler
	o.server = srv
	return nil
}

// Serve runs the API server until it is stopped by Close
func (o *Orchestrator) Serve() error {
	o.mu.RLock()
	srv := o.server
	o.mu.RUnlock()
	if srv == nil {
		return types.NewError(types.ErrCodeFailedPrecondition, "orchestrator not initialized")
	}

	if err := o.eventBus.Publish(o.shutdownCtx, types.Event{
		Type:   types.EventTypeSystemStartup,
		Source: "orchestrator",
		Data:   map[string]interface{}{"address": srv.Addr()},
	}); err != nil {
		o.logger.Warn("Failed to publish startup event", "error", err)
	}
	return srv.Start()
}

// WatchConfig reloads configuration from path on SIGHUP and, when enabled in
// the configuration, whenever the file changes.
func (o *Orchestrator) WatchConfig(path string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return types.NewError(types.ErrCodeUnavailable, "orchestrator is closed")
	}
	if o.reloader != nil {
		return types.NewError(types.ErrCodeFailedPrecondition, "config watch already started")
	}

	cfg := o.cfg
	r := config.NewReloader(path, &cfg)
	if path != "" && o.cfg.Orchestrator.ReloadOnChanges {
		r.WatchFile(500 * time.Millisecond)
	}
	r.AddCallback(func(ctx context.Context, newConfig *config.Config) error {
		return o.UpdateConfig(*newConfig)
	})
	if err := r.Start(); err != nil {
		return err
	}
	o.reloader = r
	return nil
}

// Close stops the API server and releases every subsystem
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil
	}

	o.logger.Info("Closing orchestrator")
	if o.shutdownCancel != nil {
		o.shutdownCancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Orchestrator.ShutdownTimeout)
	defer cancel()
	o.closeSubsystems(ctx)

	o.closed = true
	o.started = false
	o.logger.Info("Orchestrator closed")
	return nil
}

// CancelRun aborts every paused node and announces run.cancelled while the
// bus is still open, so observers learn the run ended before their stream
// closes.
func (o *Orchestrator) CancelRun(ctx context.Context) error {
	o.mu.RLock()
	b, bus := o.broker, o.eventBus
	o.mu.RUnlock()
	if b == nil {
		return types.NewError(types.ErrCodeFailedPrecondition, "orchestrator not initialized")
	}

	paused := b.Pending()
	b.AddMessage("-1", broker.MessageCancel)
	o.logger.Info("Run cancelled for shutdown", "paused_nodes", len(paused))

	if bus == nil {
		return nil
	}
	return bus.Publish(ctx, types.Event{
		Type:   types.EventTypeRunCancelled,
		Source: "shutdown",
		Data:   map[string]interface{}{"paused": paused},
	})
}

// closeSubsystems releases subsystems in reverse order; callers hold o.mu
func (o *Orchestrator) closeSubsystems(ctx context.Context) {
	if o.reloader != nil {
		o.reloader.Stop()
		o.reloader = nil
	}

	if o.server != nil {
		if err := o.server.Stop(ctx); err != nil {
			o.logger.Error("Failed to stop API server", "error", err)
		}
		o.server = nil
	}

	if o.broker != nil {
		// release any node still paused
		o.broker.AddMessage("", broker.MessageCancel)
	}

	if o.eventBus != nil {
		_ = o.eventBus.PublishSync(ctx, types.Event{Type: types.EventTypeSystemShutdown, Source: "orchestrator"})
		if err := o.eventBus.Close(); err != nil {
			o.logger.Error("Failed to close event bus", "error", err)
		}
	}

	if o.router != nil {
		_ = o.router.Close()
	}

	if o.tracing != nil {
		if err := o.tracing.Shutdown(ctx); err != nil {
			o.logger.Error("Failed to shut down tracing", "error", err)
		}
	}
}

// IsStarted returns true if the orchestrator has been initialized
func (o *Orchestrator) IsStarted() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.started
}

// IsClosed returns true if the orchestrator has been closed
func (o *Orchestrator) IsClosed() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.closed
}

// Config returns the orchestrator configuration
func (o *Orchestrator) Config() config.Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

// UpdateConfig applies a reloaded configuration. The poll interval and log
// level take effect immediately; listener and subsystem settings need a restart.
func (o *Orchestrator) UpdateConfig(cfg config.Config) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return types.NewError(types.ErrCodeUnavailable, "orchestrator is closed")
	}
	if err := cfg.Validate(); err != nil {
		return types.WrapError(types.ErrCodeInvalidArgument, "invalid configuration", err)
	}

	if o.broker != nil && cfg.Broker.PollInterval != o.cfg.Broker.PollInterval {
		if err := o.broker.SetPollInterval(cfg.Broker.PollInterval); err != nil {
			return err
		}
	}
	if cfg.Logging.Level != o.cfg.Logging.Level {
		if err := o.logger.SetLevelString(cfg.Logging.Level); err != nil {
			return err
		}
	}
	if cfg.APIServer != o.cfg.APIServer {
		o.logger.Warn("API server settings changed; restart to apply", "api_address", cfg.APIAddress())
	}

	o.cfg = cfg
	o.logger.Info("Configuration updated",
		"poll_interval", cfg.Broker.PollInterval.String(),
		"log_level", cfg.Logging.Level)
	return nil
}

// Logger returns the orchestrator logger
func (o *Orchestrator) Logger() *logger.Logger {
	return o.logger
}

// Broker returns the selection broker
func (o *Orchestrator) Broker() *broker.Broker {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.broker
}

// EventBus returns the event bus
func (o *Orchestrator) EventBus() *events.Bus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.eventBus
}

// Node returns the chooser node of the given kind
func (o *Orchestrator) Node(kind chooser.Kind) (*chooser.Node, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	node, ok := o.nodes[kind]
	if !ok {
		return nil, types.NewError(types.ErrCodeNotFound, fmt.Sprintf("no chooser node %q", kind))
	}
	return node, nil
}

// Metrics returns the metrics registry, nil when disabled
func (o *Orchestrator) Metrics() *metrics.Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.metrics
}

// Addr returns the API listener address, empty before initialization
func (o *Orchestrator) Addr() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.server == nil {
		return ""
	}
	return o.server.Addr()
}

// ShutdownContext is cancelled when the orchestrator closes
func (o *Orchestrator) ShutdownContext() context.Context {
	return o.shutdownCtx
}

// HealthCheck returns the health status of all subsystems
func (o *Orchestrator) HealthCheck(ctx context.Context) map[string]types.Health {
	o.mu.RLock()
	defer o.mu.RUnlock()

	check := func(present bool) types.Health {
		if present && !o.closed {
			return types.Healthy
		}
		return types.Unhealthy
	}

	return map[string]types.Health{
		"event_bus":    check(o.eventBus != nil),
		"event_router": check(o.router != nil),
		"broker":       check(o.broker != nil),
		"chooser":      check(len(o.nodes) == len(chooser.Kinds)),
		"api_server":   check(o.server != nil),
	}
}

// Stats returns statistics for all subsystems
func (o *Orchestrator) Stats(ctx context.Context) map[string]interface{} {
	o.mu.RLock()
	defer o.mu.RUnlock()

	stats := make(map[string]interface{})
	if o.broker != nil {
		stats["broker"] = o.broker.Stats()
	}
	if o.eventBus != nil {
		stats["event_bus"] = o.eventBus.Stats()
	}
	if o.router != nil {
		stats["event_router"] = o.router.Stats()
	}
	stats["tracing_enabled"] = o.tracing != nil && o.tracing.Enabled()
	stats["metrics_enabled"] = o.metrics != nil
	return stats
}

// String returns a string representation of the orchestrator
func (o *Orchestrator) String() string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return fmt.Sprintf("Orchestrator{started: %t, closed: %t, broker: %v, nodes: %d, metrics: %v}",
		o.started, o.closed, o.broker != nil, len(o.nodes), o.metrics != nil)
}
