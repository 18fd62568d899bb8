package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Noma-Machiko/image-chooser-classic/internal/config"
	"github.com/Noma-Machiko/image-chooser-classic/internal/logger"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/broker"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/events"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/metrics"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/types"
)

type testEnv struct {
	broker  *broker.Broker
	bus     *events.Bus
	metrics *metrics.Metrics
	handler *Handler
	dir     string
}

func createTestHandler(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.DefaultBrokerConfig()
	cfg.PollInterval = 5 * time.Millisecond
	b, err := broker.New(cfg, logger.Nop())
	require.NoError(t, err)

	bus, err := events.New(config.DefaultEventConfig(), logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	m := metrics.New()
	dir := t.TempDir()

	h, err := NewHandler(HandlerConfig{
		Broker:     b,
		Bus:        bus,
		Metrics:    m,
		PreviewDir: dir,
		Logger:     logger.Nop(),
	})
	require.NoError(t, err)

	return &testEnv{broker: b, bus: bus, metrics: m, handler: h, dir: dir}
}

func postForm(t *testing.T, h http.Handler, values url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, MessagePath, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestNewHandler_RequiresBrokerAndBus(t *testing.T) {
	_, err := NewHandler(HandlerConfig{})
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestHandler_Message(t *testing.T) {
	env := createTestHandler(t)

	w := postForm(t, env.handler.Routes(), url.Values{"id": {"7"}, "message": {"1,3"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{}`, w.Body.String())

	sel, err := env.broker.WaitForSelection(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, types.Selection{1, 3}, sel)
}

func TestHandler_MessageMultipart(t *testing.T) {
	env := createTestHandler(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("id", "12"))
	require.NoError(t, mw.WriteField("message", "0"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, MessagePath, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	env.handler.Routes().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	msg, err := env.broker.WaitForMessage(context.Background(), "12")
	require.NoError(t, err)
	assert.Equal(t, "0", msg)
}

func TestHandler_MessageMissingFields(t *testing.T) {
	env := createTestHandler(t)
	routes := env.handler.Routes()

	// no message field means nothing was selected
	res := startSelection(t, env, "7")
	w := postForm(t, routes, url.Values{"id": {"7"}})
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case r := <-res:
		require.NoError(t, r.err)
		assert.Empty(t, r.sel)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not released by the empty message")
	}

	// no id is buffered under the empty id
	w = postForm(t, routes, url.Values{"message": {"1"}})
	require.Equal(t, http.StatusOK, w.Code)
	msg, err := env.broker.WaitForMessage(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "1", msg)
}

type selectionResult struct {
	sel types.Selection
	err error
}

func startSelection(t *testing.T, env *testEnv, id string) <-chan selectionResult {
	t.Helper()
	out := make(chan selectionResult, 1)
	go func() {
		sel, err := env.broker.WaitForSelection(context.Background(), id)
		out <- selectionResult{sel: sel, err: err}
	}()
	require.Eventually(t, func() bool {
		return env.broker.Stats().ActiveWaiters == 1
	}, time.Second, time.Millisecond)
	return out
}

func TestHandler_MessageMethodNotAllowed(t *testing.T) {
	env := createTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, MessagePath, nil)
	w := httptest.NewRecorder()
	env.handler.Routes().ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandler_ControlMessages(t *testing.T) {
	env := createTestHandler(t)
	routes := env.handler.Routes()

	postForm(t, routes, url.Values{"id": {"7"}, "message": {"2"}})
	require.Equal(t, http.StatusOK, postForm(t, routes, url.Values{"id": {"-1"}, "message": {broker.MessageStart}}).Code)
	assert.Equal(t, uint64(1), env.broker.Generation())
	assert.Zero(t, env.broker.Stats().BufferedMessages, "start clears buffered messages")

	require.Equal(t, http.StatusOK, postForm(t, routes, url.Values{"id": {"-1"}, "message": {broker.MessageCancel}}).Code)
	_, err := env.broker.WaitForMessage(context.Background(), "7")
	assert.True(t, broker.IsCancelled(err))
}

func TestHandler_Pending(t *testing.T) {
	env := createTestHandler(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _, _ = env.broker.WaitForMessage(ctx, "5") }()
	require.Eventually(t, func() bool { return len(env.broker.Pending()) == 1 }, time.Second, 2*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, PendingPath, nil)
	w := httptest.NewRecorder()
	env.handler.Routes().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp PendingResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"5"}, resp.Pending)
	assert.Equal(t, 1, resp.Total)
}

func TestHandler_Health(t *testing.T) {
	env := createTestHandler(t)
	env.broker.AddMessage("3", "0")

	req := httptest.NewRequest(http.MethodGet, HealthPath, nil)
	w := httptest.NewRecorder()
	env.handler.Routes().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Broker.BufferedMessages)
}

func TestHandler_Preview(t *testing.T) {
	env := createTestHandler(t)
	require.NoError(t, os.WriteFile(filepath.Join(env.dir, "chooser_temp_1.png"), []byte("png"), 0o644))

	req := httptest.NewRequest(http.MethodGet, PreviewsPath+"chooser_temp_1.png", nil)
	w := httptest.NewRecorder()
	env.handler.Routes().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "png", w.Body.String())

	req = httptest.NewRequest(http.MethodGet, PreviewsPath+"missing.png", nil)
	w = httptest.NewRecorder()
	env.handler.Routes().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_Metrics(t *testing.T) {
	env := createTestHandler(t)
	routes := env.handler.Routes()

	postForm(t, routes, url.Values{"id": {"7"}, "message": {"1"}})
	postForm(t, routes, url.Values{"id": {"7"}})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	routes.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, `image_chooser_http_requests_total{code="2xx",route="POST /image_chooser_classic_message"} 1`)
	assert.Contains(t, body, `image_chooser_http_requests_total{code="4xx",route="POST /image_chooser_classic_message"} 1`)
}

func TestHandler_StreamEvents(t *testing.T) {
	env := createTestHandler(t)
	srv := httptest.NewServer(env.handler.Routes())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+EventsPath+"?type="+url.QueryEscape(string(types.EventTypeChooserOpen)), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	require.Equal(t, "event: connected", readLine(t, reader))

	err = env.bus.Publish(context.Background(), types.Event{Type: types.EventTypeSelectionMade, Source: "test"})
	require.NoError(t, err)
	err = env.bus.Publish(context.Background(), types.Event{
		Type:   types.EventTypeChooserOpen,
		Source: "chooser",
		Data:   types.OpenContext{UniqueID: "7", DisplayID: "7", ImageCount: 2}.Map(),
	})
	require.NoError(t, err)

	var eventLine, dataLine string
	for eventLine == "" || dataLine == "" {
		line := readLine(t, reader)
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = line
		case strings.HasPrefix(line, "data: ") && eventLine != "":
			dataLine = line
		}
	}
	assert.Equal(t, "event: "+string(types.EventTypeChooserOpen), eventLine, "filtered events are not streamed")

	var ev types.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &ev))
	assert.Equal(t, "7", ev.Data["unique_id"])
}

func TestHandler_MessagePublishesEvents(t *testing.T) {
	env := createTestHandler(t)
	routes := env.handler.Routes()

	stream, stop, err := env.bus.Stream(context.Background(), types.EventFilter{}, 8)
	require.NoError(t, err)
	defer stop()

	postForm(t, routes, url.Values{"id": {"-1"}, "message": {broker.MessageStart}})
	postForm(t, routes, url.Values{"id": {"12"}, "message": {"0,2"}})
	postForm(t, routes, url.Values{"id": {"-1"}, "message": {broker.MessageCancel}})

	want := []types.EventType{types.EventTypeRunStarted, types.EventTypeSelectionMade, types.EventTypeRunCancelled}
	for i, wantType := range want {
		select {
		case ev := <-stream:
			assert.Equal(t, wantType, ev.Type, "event %d", i)
			assert.Equal(t, "api", ev.Source)
			if wantType == types.EventTypeSelectionMade {
				assert.Equal(t, "12", ev.Metadata.NodeID)
				assert.Equal(t, "0,2", ev.Data["message"])
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", wantType)
		}
	}
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		for {
			line, err := r.ReadString('\n')
			line = strings.TrimRight(line, "\n")
			if err != nil || line != "" {
				ch <- result{line, err}
				return
			}
		}
	}()
	select {
	case res := <-ch:
		if res.err != nil && res.err != io.EOF {
			t.Fatalf("read failed: %v", res.err)
		}
		return res.line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out reading event stream")
		return ""
	}
}
