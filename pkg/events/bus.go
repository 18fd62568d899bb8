package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Noma-Machiko/image-chooser-classic/internal/config"
	"github.com/Noma-Machiko/image-chooser-classic/internal/logger"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/types"
)

// handlerTimeout bounds a single handler invocation
const handlerTimeout = 30 * time.Second

// Bus implements a publish-subscribe event bus. It carries the notifications
// a paused chooser sends to its observers.
type Bus struct {
	mu             sync.RWMutex
	subscriptions  map[types.ID]*types.EventSubscription
	logger         *logger.Logger
	closed         bool
	wg             sync.WaitGroup
	publishCh      chan *publishRequest
	closeCh        chan struct{}
	publishTimeout time.Duration
	published      int64
	dropped        int64
}

// publishRequest represents an event publish request
type publishRequest struct {
	ctx   context.Context
	event types.Event
}

// New creates a new event bus
func New(cfg config.EventConfig, log *logger.Logger) (*Bus, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	if cfg.QueueSize < 1 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "event queue size must be positive")
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = config.DefaultEventPublishTimeout
	}

	b := &Bus{
		subscriptions:  make(map[types.ID]*types.EventSubscription),
		logger:         log.With("component", "event_bus"),
		publishCh:      make(chan *publishRequest, cfg.QueueSize),
		closeCh:        make(chan struct{}),
		publishTimeout: cfg.PublishTimeout,
	}

	b.wg.Add(1)
	go b.publishWorker()

	b.logger.Info("Event bus initialized", "queue_size", cfg.QueueSize)
	return b, nil
}

// NewDefault creates an event bus with the default configuration
func NewDefault(log *logger.Logger) (*Bus, error) {
	return New(config.DefaultEventConfig(), log)
}

// Subscribe registers a handler for events matching the filter
func (b *Bus) Subscribe(ctx context.Context, filter types.EventFilter, handler types.EventHandler) (types.ID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", types.NewError(types.ErrCodeUnavailable, "event bus is closed")
	}

	if handler == nil {
		return "", types.NewError(types.ErrCodeInvalid, "handler cannot be nil")
	}

	subID := types.GenerateID()
	b.subscriptions[subID] = &types.EventSubscription{
		ID:        subID,
		Filter:    filter,
		Handler:   handler,
		Active:    true,
		CreatedAt: types.NewTimestamp(),
	}

	b.logger.Debug("Subscription created",
		"subscription_id", subID,
		"filter_type", filter.Type,
		"filter_node", filter.NodeID)

	return subID, nil
}

// Unsubscribe removes a subscription
func (b *Bus) Unsubscribe(subID types.ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return types.NewError(types.ErrCodeUnavailable, "event bus is closed")
	}

	if _, exists := b.subscriptions[subID]; !exists {
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("subscription not found: %s", subID))
	}
	delete(b.subscriptions, subID)

	b.logger.Debug("Subscription removed", "subscription_id", subID)
	return nil
}

// Stream subscribes a buffered channel to events matching filter. Events that
// do not fit in the buffer are dropped rather than stalling the bus. The
// returned function unsubscribes; the channel is never closed by the bus.
func (b *Bus) Stream(ctx context.Context, filter types.EventFilter, buffer int) (<-chan types.Event, func(), error) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan types.Event, buffer)
	handler := types.EventFunc(func(ctx context.Context, event types.Event) error {
		select {
		case ch <- event:
		default:
			b.mu.Lock()
			b.dropped++
			b.mu.Unlock()
			b.logger.Warn("Stream subscriber too slow, event dropped",
				"event_id", event.ID,
				"event_type", event.Type)
		}
		return nil
	})

	subID, err := b.Subscribe(ctx, filter, handler)
	if err != nil {
		return nil, nil, err
	}
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			if err := b.Unsubscribe(subID); err != nil && !types.IsErrCode(err, types.ErrCodeUnavailable) {
				b.logger.Debug("Stream unsubscribe failed", "subscription_id", subID, "error", err)
			}
		})
	}
	return ch, cancel, nil
}

func stamp(event *types.Event) {
	if event.ID == "" {
		event.ID = types.GenerateID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = types.NewTimestamp()
	}
}

// Publish queues an event for delivery to all matching subscribers. It does
// not wait for handlers; the notification is fire-and-forget.
func (b *Bus) Publish(ctx context.Context, event types.Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return types.NewError(types.ErrCodeUnavailable, "event bus is closed")
	}
	b.mu.RUnlock()

	stamp(&event)

	timer := time.NewTimer(b.publishTimeout)
	defer timer.Stop()

	select {
	case b.publishCh <- &publishRequest{ctx: context.WithoutCancel(ctx), event: event}:
		return nil
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "publish canceled", ctx.Err())
	case <-timer.C:
		return types.NewError(types.ErrCodeTimeout, "publish timeout - event bus buffer full")
	}
}

// PublishSync publishes an event synchronously, waiting for all handlers to complete
func (b *Bus) PublishSync(ctx context.Context, event types.Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return types.NewError(types.ErrCodeUnavailable, "event bus is closed")
	}
	b.mu.RUnlock()

	stamp(&event)
	return b.dispatchEvent(ctx, event)
}

// publishWorker processes events from the publish channel
func (b *Bus) publishWorker() {
	defer b.wg.Done()

	for {
		select {
		case req := <-b.publishCh:
			if err := b.dispatchEvent(req.ctx, req.event); err != nil {
				b.logger.Error("Failed to dispatch event",
					"event_id", req.event.ID,
					"event_type", req.event.Type,
					"error", err)
			}
		case <-b.closeCh:
			// Drain remaining events
			for {
				select {
				case req := <-b.publishCh:
					_ = b.dispatchEvent(req.ctx, req.event)
				default:
					return
				}
			}
		}
	}
}

// dispatchEvent sends an event to all matching subscribers
func (b *Bus) dispatchEvent(ctx context.Context, event types.Event) error {
	b.mu.Lock()
	b.published++
	var handlers []types.EventHandler
	var subIDs []types.ID
	for subID, sub := range b.subscriptions {
		if !sub.Active {
			continue
		}
		if matchesFilter(event, sub.Filter) && sub.Handler.CanHandle(event.Type) {
			handlers = append(handlers, sub.Handler)
			subIDs = append(subIDs, subID)
		}
	}
	b.mu.Unlock()

	if len(handlers) == 0 {
		b.logger.Debug("No handlers for event", "event_type", event.Type, "event_id", event.ID)
		return nil
	}

	b.logger.Debug("Dispatching event",
		"event_type", event.Type,
		"event_id", event.ID,
		"handler_count", len(handlers))

	var wg sync.WaitGroup
	errCh := make(chan error, len(handlers))

	for i, handler := range handlers {
		wg.Add(1)
		go func(h types.EventHandler, sid types.ID) {
			defer wg.Done()

			handlerCtx, cancel := context.WithTimeout(ctx, handlerTimeout)
			defer cancel()

			if err := h.Handle(handlerCtx, event); err != nil {
				b.logger.Error("Handler failed",
					"subscription_id", sid,
					"event_id", event.ID,
					"event_type", event.Type,
					"error", err)
				errCh <- types.WrapError(types.ErrCodeHandlerFailed,
					fmt.Sprintf("handler %s failed", sid), err)
			}
		}(handler, subIDs[i])
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return types.WrapError(types.ErrCodePartialFailure,
			fmt.Sprintf("%d handler(s) failed", len(errs)),
			errors.Join(errs...))
	}

	return nil
}

// matchesFilter checks if an event matches the subscription filter
func matchesFilter(event types.Event, filter types.EventFilter) bool {
	if filter.Type != nil && event.Type != *filter.Type {
		return false
	}

	if filter.Source != nil && event.Source != *filter.Source {
		return false
	}

	if filter.NodeID != nil && event.Metadata.NodeID != *filter.NodeID {
		return false
	}

	for k, v := range filter.Labels {
		if event.Metadata.Labels == nil || event.Metadata.Labels[k] != v {
			return false
		}
	}

	return true
}

// Close gracefully shuts down the event bus, delivering queued events first
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return types.NewError(types.ErrCodeInvalid, "event bus already closed")
	}
	b.closed = true
	b.mu.Unlock()

	close(b.closeCh)
	b.wg.Wait()

	b.logger.Info("Event bus closed")
	return nil
}

// Stats returns statistics about the event bus
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	activeCount := 0
	for _, sub := range b.subscriptions {
		if sub.Active {
			activeCount++
		}
	}

	return BusStats{
		TotalSubscriptions:  len(b.subscriptions),
		ActiveSubscriptions: activeCount,
		PendingEvents:       len(b.publishCh),
		PublishedEvents:     b.published,
		DroppedEvents:       b.dropped,
	}
}

// BusStats represents event bus statistics
type BusStats struct {
	TotalSubscriptions  int   `json:"total_subscriptions"`
	ActiveSubscriptions int   `json:"active_subscriptions"`
	PendingEvents       int   `json:"pending_events"`
	PublishedEvents     int64 `json:"published_events"`
	DroppedEvents       int64 `json:"dropped_events"`
}

// String returns a string representation of the stats
func (s BusStats) String() string {
	return fmt.Sprintf("BusStats{Total: %d, Active: %d, Pending: %d, Published: %d, Dropped: %d}",
		s.TotalSubscriptions, s.ActiveSubscriptions, s.PendingEvents, s.PublishedEvents, s.DroppedEvents)
}
