package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Noma-Machiko/image-chooser-classic/pkg/broker"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/types"
)

// Client talks to a running server the way the observer does
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for baseURL, e.g. http://127.0.0.1:8189
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// SendMessage posts a message for node id
func (c *Client) SendMessage(ctx context.Context, id, message string) error {
	form := url.Values{}
	form.Set("id", id)
	form.Set("message", message)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+MessagePath, strings.NewReader(form.Encode()))
	if err != nil {
		return types.WrapError(types.ErrCodeInvalidArgument, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.do(req, nil)
}

// SendSelection posts a selection for node id
func (c *Client) SendSelection(ctx context.Context, id string, sel types.Selection) error {
	return c.SendMessage(ctx, id, sel.String())
}

// Start announces a new run
func (c *Client) Start(ctx context.Context) error {
	return c.SendMessage(ctx, "-1", broker.MessageStart)
}

// Cancel aborts every paused node
func (c *Client) Cancel(ctx context.Context) error {
	return c.SendMessage(ctx, "-1", broker.MessageCancel)
}

// Pending returns the ids of paused nodes
func (c *Client) Pending(ctx context.Context) ([]string, error) {
	var resp PendingResponse
	if err := c.get(ctx, PendingPath, &resp); err != nil {
		return nil, err
	}
	return resp.Pending, nil
}

// Health returns the server health report
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, HealthPath, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return types.WrapError(types.ErrCodeInvalidArgument, "failed to build request", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		var e ErrorResponse
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return types.NewError(types.ErrCodeFailedPrecondition,
				fmt.Sprintf("server returned %d: %s", resp.StatusCode, e.Error))
		}
		return types.NewError(types.ErrCodeFailedPrecondition,
			fmt.Sprintf("server returned %d", resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to decode response", err)
	}
	return nil
}
