// Package server exposes the broker over HTTP: the message route the observer
// posts selections to, an SSE stream of chooser notifications and the
// operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/Noma-Machiko/image-chooser-classic/internal/logger"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/broker"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/events"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/metrics"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/types"
)

// Route paths
const (
	MessagePath  = "/image_chooser_classic_message"
	EventsPath   = "/image_chooser_classic/events"
	PendingPath  = "/image_chooser_classic/pending"
	PreviewsPath = "/image_chooser_classic/previews/"
	HealthPath   = "/health"
)

const (
	streamBuffer      = 64
	heartbeatInterval = 30 * time.Second
)

// Handler provides the HTTP endpoints
type Handler struct {
	broker      *broker.Broker
	bus         *events.Bus
	metrics     *metrics.Metrics
	metricsPath string
	previewDir  string
	heartbeat   time.Duration
	logger      *logger.Logger
}

// HandlerConfig configures the handler
type HandlerConfig struct {
	// Broker receives posted messages (required).
	Broker *broker.Broker
	// Bus feeds the event stream (required).
	Bus *events.Bus
	// Metrics is optional; nil disables the metrics route.
	Metrics     *metrics.Metrics
	MetricsPath string
	// PreviewDir is served under PreviewsPath when set.
	PreviewDir string
	Logger     *logger.Logger
}

// NewHandler creates a handler
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Broker == nil || cfg.Bus == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "broker and event bus are required")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	path := cfg.MetricsPath
	if path == "" {
		path = "/metrics"
	}
	return &Handler{
		broker:      cfg.Broker,
		bus:         cfg.Bus,
		metrics:     cfg.Metrics,
		metricsPath: path,
		previewDir:  cfg.PreviewDir,
		heartbeat:   heartbeatInterval,
		logger:      log.With("component", "api"),
	}, nil
}

// Routes returns an http.Handler with all routes registered
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST "+MessagePath, h.Message)
	mux.HandleFunc("GET "+EventsPath, h.StreamEvents)
	mux.HandleFunc("GET "+PendingPath, h.Pending)
	mux.HandleFunc("GET "+PreviewsPath+"{filename}", h.Preview)
	mux.HandleFunc("GET "+HealthPath, h.Health)

	if h.metrics != nil {
		mux.Handle("GET "+h.metricsPath, h.metrics.Handler())
	}

	return instrument(mux, h.metrics)
}

// PendingResponse lists the nodes currently paused
type PendingResponse struct {
	Pending []string `json:"pending"`
	Total   int      `json:"total"`
}

// HealthResponse is the response body for the health endpoint
type HealthResponse struct {
	Status string          `json:"status"`
	Broker broker.Stats    `json:"broker"`
	Events events.BusStats `json:"events"`
}

// ErrorResponse is the response body for errors
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Message accepts a selection or control message for a node. The body is a
// form (urlencoded or multipart) with fields id and message, both forwarded
// as-is.
// POST /image_chooser_classic_message
func (h *Handler) Message(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_form", "Invalid form body")
		return
	}
	// absent fields read as "", which for message means nothing was selected
	id := r.PostForm.Get("id")
	message := r.PostForm.Get("message")
	h.broker.AddMessage(id, message)
	h.publishMessage(r.Context(), id, message)

	h.writeJSON(w, http.StatusOK, struct{}{})
}

// publishMessage announces an accepted message on the bus. Delivery to the
// broker has already happened, so a failed publish is only logged.
func (h *Handler) publishMessage(ctx context.Context, id, message string) {
	event := types.Event{
		Source: "api",
		Data:   map[string]interface{}{"id": id, "message": message},
	}
	switch message {
	case broker.MessageStart:
		event.Type = types.EventTypeRunStarted
	case broker.MessageCancel:
		event.Type = types.EventTypeRunCancelled
	default:
		event.Type = types.EventTypeSelectionMade
		event.Metadata.NodeID = id
	}
	if err := h.bus.Publish(ctx, event); err != nil {
		h.logger.Warn("Failed to publish message event", "event_type", event.Type, "error", err)
	}
}

func parseForm(r *http.Request) error {
	err := r.ParseMultipartForm(1 << 20)
	if err == http.ErrNotMultipart {
		return r.ParseForm()
	}
	return err
}

// Pending lists paused nodes
// GET /image_chooser_classic/pending
func (h *Handler) Pending(w http.ResponseWriter, r *http.Request) {
	ids := h.broker.Pending()
	h.writeJSON(w, http.StatusOK, PendingResponse{Pending: ids, Total: len(ids)})
}

// Preview serves a saved preview image
// GET /image_chooser_classic/previews/{filename}
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	if h.previewDir == "" || name == "" || name != filepath.Base(name) {
		h.writeError(w, http.StatusNotFound, "not_found", "Preview not found")
		return
	}
	path := filepath.Join(h.previewDir, name)
	if _, err := os.Stat(path); err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Preview not found")
		return
	}
	http.ServeFile(w, r, path)
}

// Health reports broker and bus state
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Broker: h.broker.Stats(),
		Events: h.bus.Stats(),
	})
}

// StreamEvents streams chooser notifications as server-sent events. The
// optional type query parameter restricts the stream to one event type.
// GET /image_chooser_classic/events
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	var filter types.EventFilter
	if t := r.URL.Query().Get("type"); t != "" {
		et := types.EventType(t)
		filter.Type = &et
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming not supported")
		return
	}

	stream, stop, err := h.bus.Stream(r.Context(), filter, streamBuffer)
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, types.GetErrorCode(err), "Event stream unavailable")
		return
	}
	defer stop()

	// streams outlive the server write timeout
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	_, _ = fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case event := <-stream:
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("Failed to marshal event", "event_id", event.ID, "error", err)
				continue
			}
			_, _ = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)
			flusher.Flush()
		}
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
