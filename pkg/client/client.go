// Package client is a small SDK for the Switchyard gateway: enqueue and
// inspect messages over the REST API, stream delivery events over
// WebSocket. It is what the switchyard send and tail commands use.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/switchyardhq/switchyard/pkg/protocol"
)

// Client talks to one gateway instance.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken authenticates every request with the gateway bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default HTTP client (30s timeout).
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) { c.httpc = httpc }
}

// New creates a client for the gateway at baseURL (e.g. "http://127.0.0.1:18890").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enqueue submits a message for delivery. A non-empty idempotencyKey makes
// resubmission safe: the gateway returns the original message instead of
// queuing a duplicate.
func (c *Client) Enqueue(ctx context.Context, req protocol.EnqueueRequest, idempotencyKey string) (protocol.EnqueueResponse, error) {
	var out protocol.EnqueueResponse

	body, err := json.Marshal(req)
	if err != nil {
		return out, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/messages", bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	err = c.do(httpReq, &out)
	return out, err
}

// Status fetches the current delivery state of a message.
func (c *Client) Status(ctx context.Context, messageID string) (protocol.MessageStatus, error) {
	var out protocol.MessageStatus
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/messages/"+messageID, nil)
	if err != nil {
		return out, err
	}
	err = c.do(req, &out)
	return out, err
}

// Cancel withdraws a still-queued message. Fails once delivery has started.
func (c *Client) Cancel(ctx context.Context, messageID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/messages/"+messageID, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// Stats fetches pipeline totals and queue depths.
func (c *Client) Stats(ctx context.Context) (protocol.Stats, error) {
	var out protocol.Stats
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/stats", nil)
	if err != nil {
		return out, err
	}
	err = c.do(req, &out)
	return out, err
}

func (c *Client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr protocol.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("gateway: %s (%d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("gateway: unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// EventStream is a live WebSocket subscription to gateway delivery events.
type EventStream struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Events opens the gateway's WebSocket event stream. The gateway token, when
// configured, is passed as a query parameter since browser-style WS clients
// cannot set headers.
func (c *Client) Events(ctx context.Context) (*EventStream, error) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/ws"
	if c.token != "" {
		wsURL += "?token=" + c.token
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial event stream: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	return &EventStream{conn: conn}, nil
}

// Next blocks until the next event arrives, the context is cancelled, or
// the connection closes.
func (s *EventStream) Next(ctx context.Context) (protocol.EventFrame, error) {
	var frame protocol.EventFrame
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return frame, err
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return frame, fmt.Errorf("decode event: %w", err)
	}
	return frame, nil
}

// Close shuts the stream down.
func (s *EventStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
