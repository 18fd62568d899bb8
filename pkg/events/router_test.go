package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Noma-Machiko/image-chooser-classic/internal/logger"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/types"
)

func createTestRouter(t *testing.T) *Router {
	t.Helper()
	r, err := NewRouter(logger.Nop())
	if err != nil {
		t.Fatalf("Failed to create router: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func runEvent(eventType types.EventType) types.Event {
	return types.Event{
		ID:     types.GenerateID(),
		Type:   eventType,
		Source: "test",
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		topic   string
		pattern string
		want    bool
	}{
		{"run.started", "run.started", true},
		{"run.started", "run.*", true},
		{"run.cancelled", "run.*", true},
		{"runner.started", "run.*", false},
		{"run", "run.*", false},
		{"selection.made", "*", true},
		{string(types.EventTypeChooserOpen), string(types.EventTypeChooserOpen), true},
		{"run.started", "run.cancelled", false},
	}

	for _, tt := range tests {
		if got := matchPattern(tt.topic, tt.pattern); got != tt.want {
			t.Errorf("matchPattern(%q, %q) = %v, want %v", tt.topic, tt.pattern, got, tt.want)
		}
	}
}

func TestAddRouteValidation(t *testing.T) {
	r := createTestRouter(t)
	handler := newMockEventHandler()

	for _, pattern := range []string{"", "run*", "*.started", "run..x.*", ".run", "run.*.*"} {
		if _, err := r.AddRoute(pattern, handler); !types.IsErrCode(err, types.ErrCodeInvalid) {
			t.Errorf("AddRoute(%q) expected INVALID, got %v", pattern, err)
		}
	}
	if _, err := r.AddRoute("run.*", nil); !types.IsErrCode(err, types.ErrCodeInvalid) {
		t.Errorf("expected INVALID for nil handler, got %v", err)
	}
	for _, pattern := range []string{"*", "run.*", "run.started", string(types.EventTypeChooserWidget)} {
		if _, err := r.AddRoute(pattern, handler); err != nil {
			t.Errorf("AddRoute(%q) failed: %v", pattern, err)
		}
	}
	if got := r.Stats().Routes; got != 4 {
		t.Errorf("expected 4 routes, got %d", got)
	}
}

func TestRouteOrdersExactBeforeWildcard(t *testing.T) {
	r := createTestRouter(t)

	var order []string
	record := func(name string) types.EventHandler {
		return types.EventFunc(func(context.Context, types.Event) error {
			order = append(order, name)
			return nil
		})
	}
	for pattern, name := range map[string]string{"*": "all", "run.*": "run", "run.started": "exact"} {
		if _, err := r.AddRoute(pattern, record(name)); err != nil {
			t.Fatal(err)
		}
	}

	if err := r.Route(context.Background(), runEvent(types.EventTypeRunStarted)); err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	want := []string{"exact", "run", "all"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("handler %d: expected %s, got %s", i, want[i], order[i])
		}
	}

	order = nil
	if err := r.Route(context.Background(), runEvent(types.EventTypeSelectionMade)); err != nil {
		t.Fatal(err)
	}
	if len(order) != 1 || order[0] != "all" {
		t.Errorf("expected only the catch-all, got %v", order)
	}
}

func TestRouteJoinsHandlerFailures(t *testing.T) {
	r := createTestRouter(t)

	boom := errors.New("boom")
	failing := newMockEventHandler()
	failing.handleFn = func(context.Context, types.Event) error { return boom }
	ok := newMockEventHandler()

	if _, err := r.AddRoute("run.*", failing); err != nil {
		t.Fatal(err)
	}
	if _, err := r.AddRoute("*", ok); err != nil {
		t.Fatal(err)
	}

	err := r.Route(context.Background(), runEvent(types.EventTypeRunCancelled))
	if !types.IsErrCode(err, types.ErrCodePartialFailure) {
		t.Fatalf("expected PARTIAL_FAILURE, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected the handler error in the chain, got %v", err)
	}
	if ok.getEventCount() != 1 {
		t.Error("a failing handler must not stop the others")
	}
	if stats := r.Stats(); stats.Routed != 1 || stats.Failed != 1 {
		t.Errorf("unexpected stats: %s", stats)
	}
}

func TestRouteSkipsHandlersThatDecline(t *testing.T) {
	r := createTestRouter(t)
	handler := newMockEventHandler()
	handler.canHandleFn = func(et types.EventType) bool { return et == types.EventTypeRunStarted }
	if _, err := r.AddRoute("run.*", handler); err != nil {
		t.Fatal(err)
	}

	_ = r.Route(context.Background(), runEvent(types.EventTypeRunCancelled))
	_ = r.Route(context.Background(), runEvent(types.EventTypeRunStarted))

	if handler.getEventCount() != 1 {
		t.Errorf("expected 1 handled event, got %d", handler.getEventCount())
	}
}

func TestRemoveRoute(t *testing.T) {
	r := createTestRouter(t)
	handler := newMockEventHandler()

	id, err := r.AddRoute("*", handler)
	if err != nil {
		t.Fatal(err)
	}
	if !r.CanHandle(types.EventTypeRunStarted) {
		t.Error("expected router to accept events while a route exists")
	}
	if err := r.RemoveRoute(id); err != nil {
		t.Fatalf("RemoveRoute failed: %v", err)
	}
	if r.CanHandle(types.EventTypeRunStarted) {
		t.Error("expected router to decline events with no routes")
	}
	if err := r.RemoveRoute(id); !types.IsErrCode(err, types.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestMiddlewareRejectsBeforeHandlers(t *testing.T) {
	r := createTestRouter(t)
	handler := newMockEventHandler()
	if _, err := r.AddRoute("*", handler); err != nil {
		t.Fatal(err)
	}
	r.Use(NewValidationMiddleware(), NewDeduplicationMiddleware(time.Minute))

	event := runEvent(types.EventTypeRunStarted)
	if err := r.Route(context.Background(), event); err != nil {
		t.Fatal(err)
	}
	// same id again
	if err := r.Route(context.Background(), event); err != nil {
		t.Fatal(err)
	}
	if err := r.Route(context.Background(), types.Event{ID: "x", Type: types.EventTypeRunStarted}); err != nil {
		t.Fatal(err)
	}

	if handler.getEventCount() != 1 {
		t.Errorf("expected 1 delivered event, got %d", handler.getEventCount())
	}
	if stats := r.Stats(); stats.Rejected != 2 || stats.Middleware != 2 {
		t.Errorf("unexpected stats: %s", stats)
	}
}

// A router subscribed to the bus sees published events.
func TestRouterOnBus(t *testing.T) {
	bus := createTestBus(t)
	r := createTestRouter(t)
	r.Use(NewEnrichmentMiddleware(map[string]string{"service": "chooser"}, func() uint64 { return 3 }))

	handler := newMockEventHandler()
	if _, err := r.AddRoute("selection.*", handler); err != nil {
		t.Fatal(err)
	}
	if _, err := bus.Subscribe(context.Background(), types.EventFilter{}, r); err != nil {
		t.Fatal(err)
	}

	if err := bus.PublishSync(context.Background(), types.Event{
		Type:     types.EventTypeSelectionMade,
		Source:   "test",
		Metadata: types.EventMetadata{NodeID: "7"},
	}); err != nil {
		t.Fatalf("PublishSync failed: %v", err)
	}

	events := handler.getEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Metadata.Generation != 3 || events[0].Metadata.Labels["service"] != "chooser" {
		t.Errorf("event was not enriched: %+v", events[0].Metadata)
	}
}

func TestClosedRouter(t *testing.T) {
	r := createTestRouter(t)
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	if _, err := r.AddRoute("*", newMockEventHandler()); !types.IsErrCode(err, types.ErrCodeUnavailable) {
		t.Errorf("expected UNAVAILABLE, got %v", err)
	}
	if err := r.Route(context.Background(), runEvent(types.EventTypeRunStarted)); !types.IsErrCode(err, types.ErrCodeUnavailable) {
		t.Errorf("expected UNAVAILABLE, got %v", err)
	}
	if !r.Stats().Closed {
		t.Error("expected stats to report closed")
	}
}
