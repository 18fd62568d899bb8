package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Noma-Machiko/image-chooser-classic/internal/logger"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/types"
)

// Phase is where the service is in its shutdown sequence
type Phase string

const (
	// PhaseServing accepts selections normally
	PhaseServing Phase = "serving"
	// PhaseDraining runs drain hooks while the broker and bus are still live
	PhaseDraining Phase = "draining"
	// PhaseClosing closes the orchestrator
	PhaseClosing Phase = "closing"
	// PhaseStopped means every hook has run and the orchestrator is closed
	PhaseStopped Phase = "stopped"
)

func (p Phase) String() string {
	return string(p)
}

// Hook is a step run during shutdown
type Hook func(ctx context.Context) error

const hookTimeout = 5 * time.Second

// ShutdownManager drives the shutdown sequence: drain hooks, then
// Orchestrator.Close, then stopped hooks. SIGINT and SIGTERM start it once
// Start has been called.
type ShutdownManager struct {
	mu          sync.RWMutex
	orch        *Orchestrator
	phase       Phase
	timeout     time.Duration
	drain       []Hook
	stopped     []Hook
	logger      *logger.Logger
	signals     chan os.Signal
	ctx         context.Context
	cancel      context.CancelFunc
	listening   bool
	done        chan struct{}
	reason      string
	initiatedAt time.Time
}

// NewShutdownManager creates a shutdown manager for orch
func NewShutdownManager(orch *Orchestrator, timeout time.Duration, log *logger.Logger) *ShutdownManager {
	if log == nil {
		log = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ShutdownManager{
		orch:    orch,
		phase:   PhaseServing,
		timeout: timeout,
		logger:  log.With("component", "shutdown"),
		signals: make(chan os.Signal, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// ShutdownWhenDone returns a manager that shuts orch down once ctx is done
func ShutdownWhenDone(ctx context.Context, orch *Orchestrator, log *logger.Logger) (*ShutdownManager, error) {
	if orch == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "orchestrator is nil")
	}
	sm := NewShutdownManager(orch, orch.Config().Orchestrator.ShutdownTimeout, log)
	go func() {
		select {
		case <-ctx.Done():
		case <-sm.done:
			return
		}
		reason := fmt.Sprintf("context done: %v", ctx.Err())
		if err := sm.ShutdownAndWait(context.Background(), reason); err != nil && !types.IsErrCode(err, types.ErrCodeFailedPrecondition) {
			sm.logger.Error("Shutdown failed", "error", err)
		}
	}()
	return sm, nil
}

// Start listens for SIGINT and SIGTERM
func (sm *ShutdownManager) Start() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.listening {
		return
	}
	signal.Notify(sm.signals, syscall.SIGINT, syscall.SIGTERM)
	sm.listening = true
	sm.logger.Debug("Listening for shutdown signals", "timeout", sm.timeout)
	go sm.handleSignals()
}

// Stop stops listening for signals. It does not shut anything down.
func (sm *ShutdownManager) Stop() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if !sm.listening {
		return
	}
	signal.Stop(sm.signals)
	sm.cancel()
	sm.listening = false
}

// OnDrain registers a hook run before the orchestrator closes, while paused
// nodes can still be released and observers still receive events
func (sm *ShutdownManager) OnDrain(hook Hook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.drain = append(sm.drain, hook)
}

// OnStopped registers a hook run after the orchestrator has closed
func (sm *ShutdownManager) OnStopped(hook Hook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.stopped = append(sm.stopped, hook)
}

// Shutdown runs the sequence once. Hook failures are logged and do not stop
// the orchestrator from closing; a second call fails with FAILED_PRECONDITION.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	sm.mu.Lock()
	if sm.phase != PhaseServing {
		sm.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "shutdown already initiated")
	}
	sm.phase = PhaseDraining
	sm.reason = reason
	sm.initiatedAt = time.Now()
	drain := append([]Hook(nil), sm.drain...)
	stopped := append([]Hook(nil), sm.stopped...)
	sm.mu.Unlock()

	sm.logger.Info("Shutting down", "reason", reason, "drain_hooks", len(drain))

	ctx, cancel := context.WithTimeout(ctx, sm.timeout)
	defer cancel()

	if err := sm.runHooks(ctx, PhaseDraining, drain); err != nil {
		sm.logger.Warn("Drain incomplete", "error", err)
	}

	sm.setPhase(PhaseClosing)
	if err := sm.orch.Close(); err != nil {
		sm.logger.Error("Orchestrator close failed", "error", err)
	}

	if err := sm.runHooks(ctx, PhaseStopped, stopped); err != nil {
		sm.logger.Warn("Stopped hooks failed", "error", err)
	}

	sm.setPhase(PhaseStopped)
	close(sm.done)
	sm.logger.Info("Shutdown complete", "reason", reason, "duration", time.Since(sm.initiatedAt))
	return nil
}

// ShutdownAndWait shuts down, returning early if ctx ends first
func (sm *ShutdownManager) ShutdownAndWait(ctx context.Context, reason string) error {
	errc := make(chan error, 1)
	go func() { errc <- sm.Shutdown(ctx, reason) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "shutdown wait canceled", ctx.Err())
	}
}

// WaitCompletion blocks until the sequence has finished or ctx ends
func (sm *ShutdownManager) WaitCompletion(ctx context.Context) error {
	select {
	case <-sm.done:
		return nil
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "wait for completion canceled", ctx.Err())
	}
}

// Phase returns the current phase
func (sm *ShutdownManager) Phase() Phase {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.phase
}

// IsShuttingDown reports whether the sequence has started
func (sm *ShutdownManager) IsShuttingDown() bool {
	return sm.Phase() != PhaseServing
}

// Reason returns why shutdown started, or "" while serving
func (sm *ShutdownManager) Reason() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.reason
}

// Context is cancelled when signal handling stops
func (sm *ShutdownManager) Context() context.Context {
	return sm.ctx
}

func (sm *ShutdownManager) handleSignals() {
	for {
		select {
		case sig := <-sm.signals:
			sm.logger.Info("Shutdown signal received", "signal", sig)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
				defer cancel()
				err := sm.ShutdownAndWait(ctx, fmt.Sprintf("signal received: %s", sig))
				if err != nil && !types.IsErrCode(err, types.ErrCodeFailedPrecondition) {
					sm.logger.Error("Shutdown failed", "error", err)
				}
			}()
		case <-sm.ctx.Done():
			return
		}
	}
}

// runHooks runs every hook with its own deadline and joins the failures. It
// stops early only when ctx itself expires.
func (sm *ShutdownManager) runHooks(ctx context.Context, phase Phase, hooks []Hook) error {
	var errs []error
	for i, hook := range hooks {
		hookCtx, cancel := context.WithTimeout(ctx, hookTimeout)
		err := hook(hookCtx)
		cancel()
		if err != nil {
			sm.logger.Error("Shutdown hook failed", "phase", phase, "hook", i, "error", err)
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			errs = append(errs, types.WrapError(types.ErrCodeTimeout,
				fmt.Sprintf("%s hooks cut short after %d of %d", phase, i+1, len(hooks)), ctx.Err()))
			break
		}
	}
	if len(errs) > 0 {
		return types.WrapError(types.ErrCodePartialFailure, fmt.Sprintf("%s hooks failed", phase), errors.Join(errs...))
	}
	return nil
}

func (sm *ShutdownManager) setPhase(p Phase) {
	sm.mu.Lock()
	sm.phase = p
	sm.mu.Unlock()
	sm.logger.Debug("Shutdown phase", "phase", p)
}

func (sm *ShutdownManager) String() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return fmt.Sprintf("ShutdownManager{phase: %s, timeout: %v, hooks: %d, listening: %t}",
		sm.phase, sm.timeout, len(sm.drain)+len(sm.stopped), sm.listening)
}
