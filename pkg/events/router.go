package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Noma-Machiko/image-chooser-classic/internal/logger"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/types"
)

// Router dispatches bus events to handlers by topic. Topics are event types;
// patterns are exact ("run.started"), prefixed ("run.*") or the catch-all "*".
// A Router is itself an EventHandler, so it is attached with Bus.Subscribe.
type Router struct {
	mu         sync.RWMutex
	routes     map[types.ID]*routeEntry
	middleware []Middleware
	logger     *logger.Logger
	closed     bool
	routed     int64
	rejected   int64
	failed     int64
}

type routeEntry struct {
	id      types.ID
	pattern string
	handler types.EventHandler
}

// NewRouter creates an empty router
func NewRouter(log *logger.Logger) (*Router, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	return &Router{
		routes: make(map[types.ID]*routeEntry),
		logger: log.With("component", "event_router"),
	}, nil
}

// Use appends middleware. Middleware runs in order before any handler; an
// error from one drops the event.
func (r *Router) Use(mw ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw...)
}

// AddRoute registers a handler for events whose type matches pattern
func (r *Router) AddRoute(pattern string, handler types.EventHandler) (types.ID, error) {
	if handler == nil {
		return "", types.NewError(types.ErrCodeInvalid, "handler cannot be nil")
	}
	if err := validatePattern(pattern); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", types.NewError(types.ErrCodeUnavailable, "router is closed")
	}

	id := types.GenerateID()
	r.routes[id] = &routeEntry{id: id, pattern: pattern, handler: handler}

	r.logger.Debug("Route added", "route_id", id, "pattern", pattern)
	return id, nil
}

// RemoveRoute removes a route by ID
func (r *Router) RemoveRoute(id types.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.routes[id]; !ok {
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("route not found: %s", id))
	}
	delete(r.routes, id)
	return nil
}

// Route runs the middleware and then every matching handler in pattern order.
// Handler failures are joined; one failing handler does not stop the others.
func (r *Router) Route(ctx context.Context, event types.Event) error {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return types.NewError(types.ErrCodeUnavailable, "router is closed")
	}
	middleware := r.middleware
	entries := r.match(string(event.Type))
	r.mu.RUnlock()

	for _, mw := range middleware {
		var err error
		event, err = mw.Process(ctx, event)
		if err != nil {
			r.count(&r.rejected)
			r.logger.Debug("Event rejected by middleware",
				"event_id", event.ID,
				"event_type", event.Type,
				"reason", err)
			return nil
		}
	}

	var errs []error
	for _, entry := range entries {
		if !entry.handler.CanHandle(event.Type) {
			continue
		}
		if err := entry.handler.Handle(ctx, event); err != nil {
			r.logger.Error("Route handler failed",
				"route_id", entry.id,
				"pattern", entry.pattern,
				"event_id", event.ID,
				"error", err)
			errs = append(errs, err)
		}
	}
	r.count(&r.routed)

	if len(errs) > 0 {
		r.count(&r.failed)
		return types.WrapError(types.ErrCodePartialFailure,
			fmt.Sprintf("%d route handler(s) failed", len(errs)),
			errors.Join(errs...))
	}
	return nil
}

// Handle implements types.EventHandler
func (r *Router) Handle(ctx context.Context, event types.Event) error {
	return r.Route(ctx, event)
}

// CanHandle implements types.EventHandler
func (r *Router) CanHandle(eventType types.EventType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.closed && len(r.match(string(eventType))) > 0
}

// match returns the entries for topic, exact patterns first. Callers hold mu.
func (r *Router) match(topic string) []*routeEntry {
	var out []*routeEntry
	for _, entry := range r.routes {
		if matchPattern(topic, entry.pattern) {
			out = append(out, entry)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := patternRank(out[i].pattern), patternRank(out[j].pattern)
		if ri != rj {
			return ri < rj
		}
		return out[i].pattern < out[j].pattern
	})
	return out
}

func (r *Router) count(n *int64) {
	r.mu.Lock()
	*n++
	r.mu.Unlock()
}

func matchPattern(topic, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(topic, prefix+".")
	}
	return topic == pattern
}

// patternRank orders exact before prefix before catch-all
func patternRank(pattern string) int {
	switch {
	case pattern == "*":
		return 2
	case strings.HasSuffix(pattern, ".*"):
		return 1
	default:
		return 0
	}
}

func validatePattern(pattern string) error {
	if pattern == "" {
		return types.NewError(types.ErrCodeInvalid, "pattern cannot be empty")
	}
	if pattern == "*" {
		return nil
	}
	body := strings.TrimSuffix(pattern, ".*")
	if body == "" || strings.Contains(body, "*") {
		return types.NewError(types.ErrCodeInvalid,
			fmt.Sprintf("invalid pattern %q: '*' is only allowed alone or as a final segment", pattern))
	}
	if strings.HasPrefix(body, ".") || strings.HasSuffix(body, ".") || strings.Contains(body, "..") {
		return types.NewError(types.ErrCodeInvalid, fmt.Sprintf("invalid pattern %q: empty segment", pattern))
	}
	return nil
}

// Stats returns router statistics
func (r *Router) Stats() RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RouterStats{
		Routes:     len(r.routes),
		Middleware: len(r.middleware),
		Routed:     r.routed,
		Rejected:   r.rejected,
		Failed:     r.failed,
		Closed:     r.closed,
	}
}

// Close stops routing; later events are refused
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.routes = make(map[types.ID]*routeEntry)
	r.logger.Debug("Event router closed")
	return nil
}

// RouterStats contains statistics about the router
type RouterStats struct {
	Routes     int   `json:"routes"`
	Middleware int   `json:"middleware"`
	Routed     int64 `json:"routed"`
	Rejected   int64 `json:"rejected"`
	Failed     int64 `json:"failed"`
	Closed     bool  `json:"closed"`
}

// String returns a string representation of the stats
func (s RouterStats) String() string {
	return fmt.Sprintf("RouterStats{routes: %d, routed: %d, rejected: %d, failed: %d, closed: %v}",
		s.Routes, s.Routed, s.Rejected, s.Failed, s.Closed)
}
