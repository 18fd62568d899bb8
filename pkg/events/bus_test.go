package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Noma-Machiko/image-chooser-classic/internal/config"
	"github.com/Noma-Machiko/image-chooser-classic/internal/logger"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/types"
)

// mockEventHandler is a test handler that records events
type mockEventHandler struct {
	mu          sync.Mutex
	events      []types.Event
	callCount   int32
	canHandleFn func(types.EventType) bool
	handleFn    func(context.Context, types.Event) error
}

func newMockEventHandler() *mockEventHandler {
	return &mockEventHandler{events: make([]types.Event, 0)}
}

func (m *mockEventHandler) Handle(ctx context.Context, event types.Event) error {
	atomic.AddInt32(&m.callCount, 1)
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()

	if m.handleFn != nil {
		return m.handleFn(ctx, event)
	}
	return nil
}

func (m *mockEventHandler) CanHandle(eventType types.EventType) bool {
	if m.canHandleFn != nil {
		return m.canHandleFn(eventType)
	}
	return true
}

func (m *mockEventHandler) getEventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *mockEventHandler) getEvents() []types.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Event{}, m.events...)
}

func createTestBus(t *testing.T) *Bus {
	t.Helper()
	bus, err := New(config.DefaultEventConfig(), logger.Nop())
	if err != nil {
		t.Fatalf("Failed to create event bus: %v", err)
	}
	t.Cleanup(func() {
		_ = bus.Close()
	})
	return bus
}

func openEvent(nodeID string) types.Event {
	return types.Event{
		Type:   types.EventTypeChooserOpen,
		Source: "chooser",
		Data: types.OpenContext{
			UniqueID:   nodeID,
			DisplayID:  nodeID,
			Mode:       types.ModeAlwaysPause,
			ImageCount: 4,
		}.Map(),
		Metadata: types.EventMetadata{NodeID: nodeID},
	}
}

func waitForCount(t *testing.T, h *mockEventHandler, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if h.getEventCount() >= want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Expected %d events, got %d", want, h.getEventCount())
}

func TestNewEventBus(t *testing.T) {
	bus := createTestBus(t)
	if bus.closed {
		t.Error("Expected bus to be open")
	}

	if _, err := New(config.EventConfig{QueueSize: 0}, logger.Nop()); err == nil {
		t.Error("Expected error for zero queue size")
	}
}

func TestSubscribeAndPublish(t *testing.T) {
	bus := createTestBus(t)
	handler := newMockEventHandler()

	eventType := types.EventTypeChooserOpen
	if _, err := bus.Subscribe(context.Background(), types.EventFilter{Type: &eventType}, handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := bus.Publish(context.Background(), openEvent("7")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	// a widget event does not match the filter
	widget := openEvent("7")
	widget.Type = types.EventTypeChooserWidget
	if err := bus.Publish(context.Background(), widget); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitForCount(t, handler, 1)
	time.Sleep(20 * time.Millisecond)

	events := handler.getEvents()
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if events[0].ID.IsEmpty() {
		t.Error("Expected generated event ID")
	}
	if events[0].Timestamp.IsZero() {
		t.Error("Expected generated timestamp")
	}
	if events[0].Data["unique_id"] != "7" {
		t.Errorf("unique_id = %v, want 7", events[0].Data["unique_id"])
	}
}

func TestPublishSyncCollectsHandlerErrors(t *testing.T) {
	bus := createTestBus(t)

	failing := newMockEventHandler()
	failing.handleFn = func(ctx context.Context, e types.Event) error {
		return errors.New("observer gone")
	}
	ok := newMockEventHandler()

	if _, err := bus.Subscribe(context.Background(), types.EventFilter{}, failing); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := bus.Subscribe(context.Background(), types.EventFilter{}, ok); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	err := bus.PublishSync(context.Background(), openEvent("1"))
	if !types.IsErrCode(err, types.ErrCodePartialFailure) {
		t.Fatalf("Expected PARTIAL_FAILURE, got %v", err)
	}
	if ok.getEventCount() != 1 {
		t.Errorf("Healthy handler got %d events, want 1", ok.getEventCount())
	}
}

func TestFilterMatching(t *testing.T) {
	node := "12:abc"
	source := "chooser"
	other := "other"

	tests := []struct {
		name   string
		filter types.EventFilter
		want   bool
	}{
		{"empty filter", types.EventFilter{}, true},
		{"node match", types.EventFilter{NodeID: &node}, true},
		{"node mismatch", types.EventFilter{NodeID: &other}, false},
		{"source match", types.EventFilter{Source: &source}, true},
		{"source mismatch", types.EventFilter{Source: &other}, false},
		{"label match", types.EventFilter{Labels: map[string]string{"variant": "single"}}, true},
		{"label mismatch", types.EventFilter{Labels: map[string]string{"variant": "double"}}, false},
	}

	event := openEvent(node)
	event.Metadata.Labels = map[string]string{"variant": "single"}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesFilter(event, tt.filter); got != tt.want {
				t.Errorf("matchesFilter() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCanHandleRespected(t *testing.T) {
	bus := createTestBus(t)
	handler := newMockEventHandler()
	handler.canHandleFn = func(et types.EventType) bool { return et == types.EventTypeRunStarted }

	if _, err := bus.Subscribe(context.Background(), types.EventFilter{}, handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	_ = bus.PublishSync(context.Background(), openEvent("1"))
	_ = bus.PublishSync(context.Background(), types.Event{Type: types.EventTypeRunStarted})

	if handler.getEventCount() != 1 {
		t.Errorf("Expected 1 event, got %d", handler.getEventCount())
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := createTestBus(t)
	handler := newMockEventHandler()

	subID, err := bus.Subscribe(context.Background(), types.EventFilter{}, handler)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := bus.Unsubscribe(subID); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if err := bus.Unsubscribe(subID); !types.IsErrCode(err, types.ErrCodeNotFound) {
		t.Errorf("Expected NOT_FOUND on second unsubscribe, got %v", err)
	}

	_ = bus.PublishSync(context.Background(), openEvent("1"))
	if handler.getEventCount() != 0 {
		t.Errorf("Expected no events after unsubscribe, got %d", handler.getEventCount())
	}
}

func TestStream(t *testing.T) {
	bus := createTestBus(t)

	node := "4"
	ch, cancel, err := bus.Stream(context.Background(), types.EventFilter{NodeID: &node}, 1)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	defer cancel()

	_ = bus.PublishSync(context.Background(), openEvent("4"))
	_ = bus.PublishSync(context.Background(), openEvent("5"))
	// buffer is full now, this one is dropped
	_ = bus.PublishSync(context.Background(), openEvent("4"))

	select {
	case e := <-ch:
		if e.Metadata.NodeID != "4" {
			t.Errorf("NodeID = %s, want 4", e.Metadata.NodeID)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected a streamed event")
	}

	stats := bus.Stats()
	if stats.DroppedEvents != 1 {
		t.Errorf("DroppedEvents = %d, want 1", stats.DroppedEvents)
	}
	if stats.PublishedEvents != 3 {
		t.Errorf("PublishedEvents = %d, want 3", stats.PublishedEvents)
	}

	cancel()
	cancel() // idempotent
	if bus.Stats().TotalSubscriptions != 0 {
		t.Error("Expected stream subscription removed")
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	bus, err := New(config.DefaultEventConfig(), logger.Nop())
	if err != nil {
		t.Fatalf("Failed to create event bus: %v", err)
	}
	handler := newMockEventHandler()
	if _, err := bus.Subscribe(context.Background(), types.EventFilter{}, handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		if err := bus.Publish(context.Background(), openEvent("1")); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if handler.getEventCount() != 10 {
		t.Errorf("Expected 10 delivered events after close, got %d", handler.getEventCount())
	}

	if err := bus.Publish(context.Background(), openEvent("1")); !types.IsErrCode(err, types.ErrCodeUnavailable) {
		t.Errorf("Expected UNAVAILABLE after close, got %v", err)
	}
	if _, err := bus.Subscribe(context.Background(), types.EventFilter{}, handler); !types.IsErrCode(err, types.ErrCodeUnavailable) {
		t.Errorf("Expected UNAVAILABLE subscribe after close, got %v", err)
	}
	if err := bus.Close(); err == nil {
		t.Error("Expected error on double close")
	}
}

func TestPublishCanceledContext(t *testing.T) {
	bus, err := New(config.EventConfig{QueueSize: 1, PublishTimeout: time.Second}, logger.Nop())
	if err != nil {
		t.Fatalf("Failed to create event bus: %v", err)
	}
	defer bus.Close()

	block := make(chan struct{})
	handler := newMockEventHandler()
	handler.handleFn = func(ctx context.Context, e types.Event) error {
		<-block
		return nil
	}
	if _, err := bus.Subscribe(context.Background(), types.EventFilter{}, handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// first event occupies the worker, second fills the queue
	_ = bus.Publish(context.Background(), openEvent("1"))
	waitForCount(t, handler, 1)
	_ = bus.Publish(context.Background(), openEvent("2"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = bus.Publish(ctx, openEvent("3"))
	close(block)
	if !types.IsErrCode(err, types.ErrCodeCanceled) {
		t.Errorf("Expected CANCELED, got %v", err)
	}
}
