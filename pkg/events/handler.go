package events

import (
	"context"
	"fmt"
	"time"

	"github.com/Noma-Machiko/image-chooser-classic/internal/logger"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/types"
)

// HandlerChain runs handlers in sequence and stops at the first error
type HandlerChain struct {
	handlers []types.EventHandler
}

// NewHandlerChain creates a handler chain
func NewHandlerChain(handlers ...types.EventHandler) (*HandlerChain, error) {
	if len(handlers) == 0 {
		return nil, types.NewError(types.ErrCodeInvalid, "at least one handler required")
	}
	for i, h := range handlers {
		if h == nil {
			return nil, types.NewError(types.ErrCodeInvalid, fmt.Sprintf("handler at index %d is nil", i))
		}
	}
	return &HandlerChain{handlers: handlers}, nil
}

// Handle executes all handlers in the chain
func (c *HandlerChain) Handle(ctx context.Context, event types.Event) error {
	for i, handler := range c.handlers {
		if !handler.CanHandle(event.Type) {
			continue
		}
		if err := handler.Handle(ctx, event); err != nil {
			return types.WrapError(types.ErrCodeHandlerFailed,
				fmt.Sprintf("handler at index %d failed", i), err)
		}
	}
	return nil
}

// CanHandle returns true if any handler in the chain can handle the event
func (c *HandlerChain) CanHandle(eventType types.EventType) bool {
	for _, handler := range c.handlers {
		if handler.CanHandle(eventType) {
			return true
		}
	}
	return false
}

// TypeHandler restricts a handler to a set of event types
type TypeHandler struct {
	handler types.EventHandler
	allowed map[types.EventType]bool
}

// NewTypeHandler creates a type-restricted handler
func NewTypeHandler(handler types.EventHandler, eventTypes ...types.EventType) *TypeHandler {
	allowed := make(map[types.EventType]bool, len(eventTypes))
	for _, et := range eventTypes {
		allowed[et] = true
	}
	return &TypeHandler{handler: handler, allowed: allowed}
}

// Handle delegates to the wrapped handler
func (h *TypeHandler) Handle(ctx context.Context, event types.Event) error {
	return h.handler.Handle(ctx, event)
}

// CanHandle reports whether eventType is allowed and the wrapped handler accepts it
func (h *TypeHandler) CanHandle(eventType types.EventType) bool {
	return h.allowed[eventType] && h.handler.CanHandle(eventType)
}

// RecoverHandler turns a handler panic into an INTERNAL error
type RecoverHandler struct {
	handler types.EventHandler
}

// NewRecoverHandler wraps handler
func NewRecoverHandler(handler types.EventHandler) *RecoverHandler {
	return &RecoverHandler{handler: handler}
}

// Handle runs the wrapped handler
func (h *RecoverHandler) Handle(ctx context.Context, event types.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.NewError(types.ErrCodeInternal, fmt.Sprintf("handler panic: %v", r))
		}
	}()
	return h.handler.Handle(ctx, event)
}

// CanHandle delegates to the wrapped handler
func (h *RecoverHandler) CanHandle(eventType types.EventType) bool {
	return h.handler.CanHandle(eventType)
}

// LoggingHandler logs each event at the configured level, then delegates
type LoggingHandler struct {
	handler types.EventHandler
	logger  *logger.Logger
	level   logger.Level
}

// NewLoggingHandler creates a logging handler. A nil handler only logs.
func NewLoggingHandler(log *logger.Logger, handler types.EventHandler, level string) (*LoggingHandler, error) {
	if log == nil {
		log = logger.Nop()
	}
	if level == "" {
		level = "info"
	}
	lvl, err := logger.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if handler == nil {
		handler = types.EventFunc(func(context.Context, types.Event) error { return nil })
	}
	return &LoggingHandler{
		handler: handler,
		logger:  log.With("component", "event_log"),
		level:   lvl,
	}, nil
}

// Handle logs the event and the outcome of the wrapped handler
func (h *LoggingHandler) Handle(ctx context.Context, event types.Event) error {
	start := time.Now()
	args := []any{
		"event_type", event.Type,
		"event_id", event.ID,
		"source", event.Source,
	}
	if event.Metadata.NodeID != "" {
		args = append(args, "node_id", event.Metadata.NodeID)
	}
	if event.Metadata.Generation != 0 {
		args = append(args, "generation", event.Metadata.Generation)
	}

	err := h.handler.Handle(ctx, event)
	args = append(args, "duration", time.Since(start))
	if err != nil {
		h.logger.ErrorCtx(ctx, "Event handler failed", append(args, "error", err)...)
		return err
	}

	switch h.level {
	case logger.LevelDebug:
		h.logger.DebugCtx(ctx, "Event handled", args...)
	case logger.LevelInfo:
		h.logger.InfoCtx(ctx, "Event handled", args...)
	default:
		h.logger.WarnCtx(ctx, "Event handled", args...)
	}
	return nil
}

// CanHandle delegates to the wrapped handler
func (h *LoggingHandler) CanHandle(eventType types.EventType) bool {
	return h.handler.CanHandle(eventType)
}
