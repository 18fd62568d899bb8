package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadState represents the current state of the config reloader
type ReloadState string

const (
	// ReloadStateIdle indicates the reloader is idle
	ReloadStateIdle ReloadState = "idle"
	// ReloadStateReloading indicates a reload is in progress
	ReloadStateReloading ReloadState = "reloading"
	// ReloadStateStopped indicates the reloader is stopped
	ReloadStateStopped ReloadState = "stopped"
)

// DefaultReloadDebounce coalesces bursts of editor writes into one reload
const DefaultReloadDebounce = 250 * time.Millisecond

// reloadTimeout bounds how long callbacks may run for a triggered reload
const reloadTimeout = 30 * time.Second

// ReloadCallback is a function that is called when configuration is reloaded
// The new config is passed as an argument, allowing the caller to apply it
type ReloadCallback func(ctx context.Context, newConfig *Config) error

// Reloader reloads configuration on SIGHUP and, when watching is enabled,
// whenever the config file changes on disk.
type Reloader struct {
	mu            sync.RWMutex
	configPath    string
	currentConfig *Config
	state         ReloadState
	signalChan    chan os.Signal
	reloadCtx     context.Context
	reloadCancel  context.CancelFunc
	started       bool
	watchFile     bool
	debounce      time.Duration
	fsWatcher     *fsnotify.Watcher
	callbacks     []ReloadCallback
}

// NewReloader creates a new config reloader
func NewReloader(configPath string, initialConfig *Config) *Reloader {
	ctx, cancel := context.WithCancel(context.Background())

	return &Reloader{
		configPath:    configPath,
		currentConfig: initialConfig,
		state:         ReloadStateIdle,
		signalChan:    make(chan os.Signal, 1),
		reloadCtx:     ctx,
		reloadCancel:  cancel,
		debounce:      DefaultReloadDebounce,
		callbacks:     make([]ReloadCallback, 0),
	}
}

// WatchFile enables reloading when the config file is written. It must be
// called before Start and has no effect without a config path.
func (r *Reloader) WatchFile(debounce time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.configPath == "" {
		return
	}
	r.watchFile = true
	if debounce > 0 {
		r.debounce = debounce
	}
}

// Start begins listening for SIGHUP signals (and file changes if enabled)
func (r *Reloader) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}

	// Reset context and state if restarting
	if r.state == ReloadStateStopped {
		ctx, cancel := context.WithCancel(context.Background())
		r.reloadCtx = ctx
		r.reloadCancel = cancel
		r.state = ReloadStateIdle
	}

	if r.watchFile {
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("creating fsnotify watcher: %w", err)
		}
		// Watch the directory so editors that replace the file are still seen
		dir := filepath.Dir(r.configPath)
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return fmt.Errorf("watching directory %s: %w", dir, err)
		}
		r.fsWatcher = fsw
		go r.watchLoop(r.reloadCtx, fsw)
	}

	signal.Notify(r.signalChan, syscall.SIGHUP)

	r.started = true
	log.Printf("[config_reloader] started, config_path=%s, watch_file=%v", r.configPath, r.watchFile)

	go r.handleSignals(r.reloadCtx)
	return nil
}

// Stop stops the config reloader (cancels signal handling and file watching)
func (r *Reloader) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return
	}

	signal.Stop(r.signalChan)
	r.reloadCancel()
	if r.fsWatcher != nil {
		_ = r.fsWatcher.Close()
		r.fsWatcher = nil
	}
	r.started = false
	r.state = ReloadStateStopped

	log.Print("[config_reloader] stopped")
}

// Reload reloads the configuration from the file
func (r *Reloader) Reload(ctx context.Context) error {
	r.mu.Lock()

	if r.state == ReloadStateReloading {
		r.mu.Unlock()
		log.Print("[config_reloader] reload already in progress, skipping")
		return nil
	}

	r.state = ReloadStateReloading
	log.Printf("[config_reloader] configuration reload initiated, config_path=%s", r.configPath)
	r.mu.Unlock()

	// Same path as the initial load so environment overrides still apply
	newConfig, err := Load(r.configPath)
	if err != nil {
		r.setState(ReloadStateIdle)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := r.executeCallbacks(ctx, newConfig); err != nil {
		log.Printf("[config_reloader] reload callbacks failed: %v", err)
		r.setState(ReloadStateIdle)
		return fmt.Errorf("reload callbacks failed: %w", err)
	}

	r.mu.Lock()
	r.currentConfig = newConfig
	r.state = ReloadStateIdle
	r.mu.Unlock()

	log.Print("[config_reloader] configuration reloaded successfully")

	return nil
}

// AddCallback adds a callback that will be called when config is reloaded
func (r *Reloader) AddCallback(callback ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.callbacks = append(r.callbacks, callback)
}

// GetConfig returns the current configuration
func (r *Reloader) GetConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentConfig
}

// State returns the current reload state
func (r *Reloader) State() ReloadState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// IsReloading returns true if a reload is in progress
func (r *Reloader) IsReloading() bool {
	return r.State() == ReloadStateReloading
}

func (r *Reloader) triggerReload(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
	defer cancel()
	if err := r.Reload(ctx); err != nil {
		log.Printf("[config_reloader] configuration reload failed, reason=%s: %v", reason, err)
	}
}

// handleSignals handles incoming SIGHUP signals
func (r *Reloader) handleSignals(ctx context.Context) {
	for {
		select {
		case sig := <-r.signalChan:
			log.Printf("[config_reloader] reload signal received, signal=%v", sig)
			go r.triggerReload("signal")

		case <-ctx.Done():
			return
		}
	}
}

// watchLoop debounces writes to the config file into single reloads
func (r *Reloader) watchLoop(ctx context.Context, fsw *fsnotify.Watcher) {
	target := filepath.Clean(r.configPath)

	var timer *time.Timer
	timerC := func() <-chan time.Time {
		if timer != nil {
			return timer.C
		}
		return nil
	}

	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(r.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(r.debounce)
			}

		case <-timerC():
			timer = nil
			go r.triggerReload("file_changed")

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			log.Printf("[config_reloader] watcher error: %v", err)

		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// executeCallbacks executes all registered reload callbacks
func (r *Reloader) executeCallbacks(ctx context.Context, newConfig *Config) error {
	r.mu.RLock()
	callbacks := make([]ReloadCallback, len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.RUnlock()

	for i, callback := range callbacks {
		if err := callback(ctx, newConfig); err != nil {
			log.Printf("[config_reloader] reload callback failed, callback=callback-%d, error=%v", i, err)
			return err
		}
	}

	return nil
}

// setState sets the reload state
func (r *Reloader) setState(state ReloadState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
}

// String returns a string representation of the reload state
func (s ReloadState) String() string {
	return string(s)
}

// String returns a string representation of the reloader
func (r *Reloader) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return fmt.Sprintf("Reloader{state: %s, config_path: %s, callbacks: %d}",
		r.state, r.configPath, len(r.callbacks))
}
