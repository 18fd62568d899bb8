package events

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/Noma-Machiko/image-chooser-classic/pkg/types"
)

// Middleware inspects or rewrites an event before the router hands it to
// handlers. Returning an error drops the event.
type Middleware interface {
	Process(ctx context.Context, event types.Event) (types.Event, error)
}

// MiddlewareFunc adapts a function to Middleware
type MiddlewareFunc func(ctx context.Context, event types.Event) (types.Event, error)

// Process implements Middleware
func (f MiddlewareFunc) Process(ctx context.Context, event types.Event) (types.Event, error) {
	return f(ctx, event)
}

// ValidationMiddleware rejects events missing an ID, a type or a source
type ValidationMiddleware struct {
	validators []func(types.Event) error
}

// NewValidationMiddleware creates a validation middleware
func NewValidationMiddleware(validators ...func(types.Event) error) *ValidationMiddleware {
	return &ValidationMiddleware{validators: validators}
}

// Process validates the event
func (m *ValidationMiddleware) Process(ctx context.Context, event types.Event) (types.Event, error) {
	switch {
	case event.ID == "":
		return event, types.NewError(types.ErrCodeInvalid, "event id is required")
	case event.Type == "":
		return event, types.NewError(types.ErrCodeInvalid, "event type is required")
	case event.Source == "":
		return event, types.NewError(types.ErrCodeInvalid, "event source is required")
	}
	for _, validate := range m.validators {
		if err := validate(event); err != nil {
			return event, types.WrapError(types.ErrCodeInvalid, "event failed validation", err)
		}
	}
	return event, nil
}

// DeduplicationMiddleware drops an event whose ID was already seen within ttl
type DeduplicationMiddleware struct {
	seen *cache.Cache
	ttl  time.Duration
}

// NewDeduplicationMiddleware creates a deduplication middleware
func NewDeduplicationMiddleware(ttl time.Duration) *DeduplicationMiddleware {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &DeduplicationMiddleware{
		seen: cache.New(ttl, 2*ttl),
		ttl:  ttl,
	}
}

// Process drops duplicates. cache.Add fails when the key is present, which
// makes check-and-mark a single step.
func (m *DeduplicationMiddleware) Process(ctx context.Context, event types.Event) (types.Event, error) {
	if err := m.seen.Add(string(event.ID), struct{}{}, m.ttl); err != nil {
		return event, types.NewError(types.ErrCodeInvalid, fmt.Sprintf("duplicate event %s", event.ID))
	}
	return event, nil
}

// Seen returns how many event IDs are currently remembered
func (m *DeduplicationMiddleware) Seen() int {
	return m.seen.ItemCount()
}

// EnrichmentMiddleware stamps events with static labels and the current run
// generation
type EnrichmentMiddleware struct {
	labels     map[string]string
	generation func() uint64
}

// NewEnrichmentMiddleware creates an enrichment middleware. generation may be
// nil.
func NewEnrichmentMiddleware(labels map[string]string, generation func() uint64) *EnrichmentMiddleware {
	copied := make(map[string]string, len(labels))
	for k, v := range labels {
		copied[k] = v
	}
	return &EnrichmentMiddleware{labels: copied, generation: generation}
}

// Process adds labels the event does not already carry
func (m *EnrichmentMiddleware) Process(ctx context.Context, event types.Event) (types.Event, error) {
	if len(m.labels) > 0 {
		merged := make(map[string]string, len(m.labels)+len(event.Metadata.Labels))
		for k, v := range m.labels {
			merged[k] = v
		}
		for k, v := range event.Metadata.Labels {
			merged[k] = v
		}
		event.Metadata.Labels = merged
	}
	if m.generation != nil && event.Metadata.Generation == 0 {
		event.Metadata.Generation = m.generation()
	}
	return event, nil
}
