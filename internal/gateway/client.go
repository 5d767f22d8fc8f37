package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/switchyardhq/switchyard/pkg/protocol"
)

const (
	// clientSendBuffer is the per-client outgoing event buffer. A client
	// that cannot keep up loses events rather than stalling the broadcast.
	clientSendBuffer = 64

	clientWriteWait = 10 * time.Second
	clientPongWait  = 60 * time.Second
)

// Client is one connected event-stream consumer. Events are fanned out by
// the server; the client connection is read only to detect disconnects.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan protocol.EventFrame

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient wraps an upgraded WebSocket connection.
func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		id:     uuid.NewString()[:8],
		conn:   conn,
		send:   make(chan protocol.EventFrame, clientSendBuffer),
		closed: make(chan struct{}),
	}
}

// ID returns the client's connection id, used in log lines.
func (c *Client) ID() string { return c.id }

// SendEvent queues an event for delivery. Never blocks; a full buffer drops
// the event for this client only.
func (c *Client) SendEvent(event protocol.EventFrame) {
	select {
	case <-c.closed:
	case c.send <- event:
	default:
		slog.Debug("event client buffer full, dropping event", "id", c.id, "type", event.Type)
	}
}

// Run pumps queued events to the connection until the client disconnects or
// ctx ends. Blocks; the caller owns connection cleanup via Close.
func (c *Client) Run(ctx context.Context) {
	go c.readLoop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case event := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.conn.WriteJSON(event); err != nil {
				slog.Debug("event client write failed", "id", c.id, "error", err)
				return
			}
		}
	}
}

// readLoop drains inbound frames. Clients are not expected to send anything;
// reading is what surfaces close frames and dead connections.
func (c *Client) readLoop() {
	c.conn.SetReadLimit(1 << 16)
	c.conn.SetReadDeadline(time.Now().Add(clientPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(clientPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.Close()
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(clientPongWait))
	}
}

// Close shuts the connection down. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
	})
}
