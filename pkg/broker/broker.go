package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/Noma-Machiko/image-chooser-classic/internal/config"
	"github.com/Noma-Machiko/image-chooser-classic/internal/logger"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/tracing"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/types"
)

// Control payloads understood by AddMessage
const (
	MessageStart  = "__start__"
	MessageCancel = "__cancel__"
)

// Wait outcomes reported to a Recorder
const (
	OutcomeBuffered    = "buffered"
	OutcomeDelivered   = "delivered"
	OutcomeCancelled   = "cancelled"
	OutcomeInterrupted = "interrupted"
)

// Message kinds reported to a Recorder
const (
	KindStart     = "start"
	KindCancel    = "cancel"
	KindSelection = "selection"
)

// Recorder receives broker activity for metrics
type Recorder interface {
	MessageReceived(kind string)
	WaitFinished(outcome string, d time.Duration)
	WaitersChanged(n int)
	RunReset()
}

// InterruptCheck reports a non-nil error once the surrounding pipeline run has
// been aborted. It is polled on every iteration of a wait.
type InterruptCheck func() error

// Broker coordinates paused chooser nodes with the selection messages that
// resume them. One mutex guards every map; it is never held while a node blocks.
type Broker struct {
	mu           sync.Mutex
	pending      map[string]string
	waiters      map[string]*waiter
	aliases      aliasTable
	stash        map[string]*StashEntry
	cancelled    bool
	generation   uint64
	selections   *selectionStore
	pollInterval time.Duration
	logger       *logger.Logger
	tracer       trace.Tracer
	recorder     Recorder
	stats        Stats
}

// Stats counts broker activity since construction
type Stats struct {
	MessagesReceived  int64  `json:"messages_received"` // control payloads included
	MessagesBuffered  int64  `json:"messages_buffered"`
	MessagesDelivered int64  `json:"messages_delivered"`
	Cancellations     int64  `json:"cancellations"`
	Resets            int64  `json:"resets"`
	WaitsCompleted    int64  `json:"waits_completed"`
	WaitsCancelled    int64  `json:"waits_cancelled"`
	WaitsInterrupted  int64  `json:"waits_interrupted"`
	ActiveWaiters     int    `json:"active_waiters"`
	BufferedMessages  int    `json:"buffered_messages"`
	StashedNodes      int    `json:"stashed_nodes"`
	RememberedNodes   int    `json:"remembered_nodes"`
	Generation        uint64 `json:"generation"`
}

// String returns a string representation of the stats
func (s Stats) String() string {
	return fmt.Sprintf("BrokerStats{Received: %d, Delivered: %d, Buffered: %d, Cancellations: %d, Resets: %d, ActiveWaiters: %d, Generation: %d}",
		s.MessagesReceived, s.MessagesDelivered, s.MessagesBuffered, s.Cancellations, s.Resets, s.ActiveWaiters, s.Generation)
}

// Option configures a Broker
type Option func(*Broker)

// WithTracer traces waits with t
func WithTracer(t trace.Tracer) Option {
	return func(b *Broker) {
		if t != nil {
			b.tracer = t
		}
	}
}

// WithRecorder reports activity to r
func WithRecorder(r Recorder) Option {
	return func(b *Broker) {
		b.recorder = r
	}
}

// New creates a broker
func New(cfg config.BrokerConfig, log *logger.Logger, opts ...Option) (*Broker, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	if cfg.PollInterval <= 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "poll interval must be positive")
	}

	b := &Broker{
		pending:      make(map[string]string),
		waiters:      make(map[string]*waiter),
		aliases:      make(aliasTable),
		stash:        make(map[string]*StashEntry),
		selections:   newSelectionStore(cfg.SelectionRetention, cfg.SelectionCleanupInterval),
		pollInterval: cfg.PollInterval,
		logger:       log.With("component", "broker"),
		tracer:       noop.NewTracerProvider().Tracer("broker"),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.logger.Info("Broker initialized",
		"poll_interval", cfg.PollInterval.String(),
		"selection_retention", cfg.SelectionRetention.String())

	return b, nil
}

// NewDefault creates a broker with the default configuration
func NewDefault(log *logger.Logger) (*Broker, error) {
	return New(config.DefaultBrokerConfig(), log)
}

// SetPollInterval changes the default poll interval for subsequent waits
func (b *Broker) SetPollInterval(d time.Duration) error {
	if d <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "poll interval must be positive")
	}
	b.mu.Lock()
	b.pollInterval = d
	b.mu.Unlock()
	b.logger.Info("Poll interval updated", "poll_interval", d.String())
	return nil
}

// Resolve returns the canonical id for token, or token itself when no alias is known
func (b *Broker) Resolve(token string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.aliases.resolve(token)
}

// Bind maps every token to canonical. Messages already buffered under a token
// move to canonical unless canonical already holds one; if a node is already
// waiting on canonical the moved message goes straight to it.
func (b *Broker) Bind(tokens []string, canonical string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.aliases.bind(tokens, canonical, func(token string) {
		msg, ok := b.pending[token]
		if !ok {
			return
		}
		if w, waiting := b.waiters[canonical]; waiting {
			delete(b.pending, token)
			w.deliver(msg)
			b.stats.MessagesDelivered++
			return
		}
		if _, exists := b.pending[canonical]; exists {
			return
		}
		delete(b.pending, token)
		b.pending[canonical] = msg
	})
}

// BindIdentity binds every alias of id to its logical id
func (b *Broker) BindIdentity(id NodeIdentity) {
	b.Bind(id.Aliases(), id.LogicalID())
}

// BindDisplayID binds displayID and the segments of logicalID to logicalID
func (b *Broker) BindDisplayID(displayID, logicalID string) {
	id := ParseNodeIdentity(logicalID, displayID)
	b.Bind(id.Aliases(), logicalID)
}

// AddMessage accepts an inbound payload for id. MessageStart resets the run,
// MessageCancel aborts every paused node, anything else is a selection.
func (b *Broker) AddMessage(id, payload string) {
	b.mu.Lock()
	b.stats.MessagesReceived++
	b.mu.Unlock()

	switch payload {
	case MessageStart:
		b.record(func(r Recorder) { r.MessageReceived(KindStart) })
		b.ResetForRun()
		return
	case MessageCancel:
		b.record(func(r Recorder) { r.MessageReceived(KindCancel) })
		b.cancelAll()
		return
	}

	b.record(func(r Recorder) { r.MessageReceived(KindSelection) })

	b.mu.Lock()
	key := b.aliases.resolve(id)
	if w, ok := b.waiters[key]; ok {
		w.deliver(payload)
		b.stats.MessagesDelivered++
		b.mu.Unlock()
		b.logger.Debug("Message delivered to waiting node", "node_id", key, "from", id)
		return
	}
	b.pending[key] = payload
	b.stats.MessagesBuffered++
	b.mu.Unlock()

	b.logger.Debug("Message buffered", "node_id", key, "from", id)
}

func (b *Broker) cancelAll() {
	b.mu.Lock()
	b.cancelled = true
	b.stats.Cancellations++
	n := len(b.waiters)
	for _, w := range b.waiters {
		w.deliver(MessageCancel)
	}
	b.mu.Unlock()

	b.logger.Info("Run cancelled", "waiting_nodes", n)
}

// ResetForRun starts a new run generation: buffered messages, waiters,
// aliases, the cancellation flag and stashes are dropped. Last selections are
// kept. Waiters from the previous generation are abandoned.
func (b *Broker) ResetForRun() {
	b.mu.Lock()
	b.pending = make(map[string]string)
	b.waiters = make(map[string]*waiter)
	b.aliases = make(aliasTable)
	b.stash = make(map[string]*StashEntry)
	b.cancelled = false
	b.generation++
	b.stats.Resets++
	gen := b.generation
	b.mu.Unlock()

	b.record(func(r Recorder) {
		r.RunReset()
		r.WaitersChanged(0)
	})
	b.logger.Info("Run reset", "generation", gen)
}

// Generation returns the current run generation
func (b *Broker) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}

type waitOptions struct {
	pollInterval time.Duration
	interrupt    InterruptCheck
}

// WaitOption configures a single wait
type WaitOption func(*waitOptions)

// WithPollInterval overrides how often the wait re-checks for interruption
func WithPollInterval(d time.Duration) WaitOption {
	return func(o *waitOptions) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithInterrupter polls check on every iteration of the wait
func WithInterrupter(check InterruptCheck) WaitOption {
	return func(o *waitOptions) {
		o.interrupt = check
	}
}

// WaitForMessage blocks until a message for id arrives, the run is cancelled
// (ErrCodeCanceled) or ctx / the interrupter aborts the wait
// (ErrCodeInterrupted). A message buffered before the call is returned at once.
func (b *Broker) WaitForMessage(ctx context.Context, id string, opts ...WaitOption) (string, error) {
	b.mu.Lock()
	o := waitOptions{pollInterval: b.pollInterval}
	key := b.aliases.resolve(id)
	b.mu.Unlock()
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := b.tracer.Start(ctx, "broker.wait",
		trace.WithAttributes(
			attribute.String(tracing.AttrNodeID, key),
			attribute.String(tracing.AttrRequestedID, id),
		))
	defer span.End()

	start := time.Now()
	msg, outcome, err := b.waitLoop(ctx, key, o)
	elapsed := time.Since(start)

	span.SetAttributes(attribute.String(tracing.AttrWaitOutcome, outcome))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	b.record(func(r Recorder) { r.WaitFinished(outcome, elapsed) })

	switch outcome {
	case OutcomeCancelled:
		b.logger.Info("Wait cancelled", "node_id", key, "waited", elapsed.String())
	case OutcomeInterrupted:
		b.logger.Info("Wait interrupted", "node_id", key, "waited", elapsed.String(), "error", err)
	default:
		b.logger.Debug("Wait finished", "node_id", key, "outcome", outcome, "waited", elapsed.String())
	}
	return msg, err
}

func (b *Broker) waitLoop(ctx context.Context, key string, o waitOptions) (string, string, error) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		if err := checkInterrupt(ctx, o.interrupt); err != nil {
			b.abandon(key)
			return "", OutcomeInterrupted, err
		}

		b.mu.Lock()
		// a waiter woken by the broadcast fails without consuming the flag,
		// so nodes that pause later in the same run are cancelled too
		if w, ok := b.waiters[key]; ok && w.filled && w.message == MessageCancel {
			w.take()
			b.dropWaiter(key, w)
			b.stats.WaitsCancelled++
			b.mu.Unlock()
			return "", OutcomeCancelled, errCancelled(key)
		}

		if b.cancelled {
			b.cancelled = false
			b.dropWaiter(key, nil)
			b.stats.WaitsCancelled++
			b.mu.Unlock()
			return "", OutcomeCancelled, errCancelled(key)
		}

		if msg, ok := b.pending[key]; ok {
			delete(b.pending, key)
			b.stats.WaitsCompleted++
			b.mu.Unlock()
			return msg, OutcomeBuffered, nil
		}

		w, ok := b.waiters[key]
		if !ok {
			w = newWaiter()
			b.waiters[key] = w
			b.reportWaitersLocked()
		}
		if msg, filled := w.take(); filled {
			b.dropWaiter(key, w)
			b.stats.WaitsCompleted++
			b.mu.Unlock()
			return msg, OutcomeDelivered, nil
		}
		b.mu.Unlock()

		select {
		case <-w.signal:
		case <-ticker.C:
		case <-ctx.Done():
		}
	}
}

// dropWaiter removes the waiter for key if it is w (or any waiter when w is nil).
// Must be called with b.mu held.
func (b *Broker) dropWaiter(key string, w *waiter) {
	cur, ok := b.waiters[key]
	if !ok || (w != nil && cur != w) {
		return
	}
	delete(b.waiters, key)
	b.reportWaitersLocked()
}

// abandon removes an empty or cancel-only waiter left by an interrupted wait
// so later messages buffer instead of landing in a slot nobody reads.
func (b *Broker) abandon(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.WaitsInterrupted++
	w, ok := b.waiters[key]
	if !ok {
		return
	}
	if !w.filled || w.message == MessageCancel {
		b.dropWaiter(key, w)
		return
	}
	// keep the undelivered selection for the next wait on this id
	msg, _ := w.take()
	b.dropWaiter(key, w)
	b.pending[key] = msg
}

func (b *Broker) reportWaitersLocked() {
	if b.recorder != nil {
		b.recorder.WaitersChanged(len(b.waiters))
	}
}

func checkInterrupt(ctx context.Context, check InterruptCheck) error {
	if err := ctx.Err(); err != nil {
		return types.WrapError(types.ErrCodeInterrupted, "wait interrupted", err)
	}
	if check != nil {
		if err := check(); err != nil {
			return types.WrapError(types.ErrCodeInterrupted, "processing interrupted", err)
		}
	}
	return nil
}

func errCancelled(key string) error {
	return types.NewError(types.ErrCodeCanceled, "selection cancelled for node "+key)
}

// WaitForSelection waits like WaitForMessage and parses the payload as a
// selection. A malformed payload is logged and yields an empty selection.
func (b *Broker) WaitForSelection(ctx context.Context, id string, opts ...WaitOption) (types.Selection, error) {
	msg, err := b.WaitForMessage(ctx, id, opts...)
	if err != nil {
		return nil, err
	}
	sel, err := ParseSelection(msg)
	if err != nil {
		b.logger.Warn("Failed to parse selection", "node_id", id, "payload", msg, "error", err)
		return types.Selection{}, nil
	}
	return sel, nil
}

// StashFor returns the stash entry for id, creating it on first use. The same
// entry is returned until the next reset or ClearStash.
func (b *Broker) StashFor(id string) *StashEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.stash[id]
	if !ok {
		e = newStashEntry()
		b.stash[id] = e
	}
	return e
}

// ClearStash drops the stash entry for id
func (b *Broker) ClearStash(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.stash, id)
}

// SetLastSelection records sel as the last selection for id
func (b *Broker) SetLastSelection(id string, sel types.Selection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.selections.set(id, sel)
}

// LastSelection returns the last selection recorded for id
func (b *Broker) LastSelection(id string) (types.Selection, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.selections.get(id)
}

// ClearLastSelection forgets the last selection for id
func (b *Broker) ClearLastSelection(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.selections.delete(id)
}

// Pending returns the ids of nodes currently waiting for a selection, sorted
func (b *Broker) Pending() []string {
	b.mu.Lock()
	ids := make([]string, 0, len(b.waiters))
	for id := range b.waiters {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Stats returns a snapshot of broker statistics
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.ActiveWaiters = len(b.waiters)
	s.BufferedMessages = len(b.pending)
	s.StashedNodes = len(b.stash)
	s.RememberedNodes = b.selections.count()
	s.Generation = b.generation
	return s
}

// String returns a string representation of the broker
func (b *Broker) String() string {
	return fmt.Sprintf("Broker{%s}", b.Stats())
}

func (b *Broker) record(fn func(Recorder)) {
	if b.recorder != nil {
		fn(b.recorder)
	}
}

// IsCancelled reports whether err is an explicit cancel of the run
func IsCancelled(err error) bool {
	return types.IsErrCode(err, types.ErrCodeCanceled)
}

// IsInterrupted reports whether err is an external abort of the run
func IsInterrupted(err error) bool {
	return types.IsErrCode(err, types.ErrCodeInterrupted)
}
