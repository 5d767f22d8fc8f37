// Package webchat delivers outbound messages to browser chat clients
// connected over WebSocket. Clients attach through the gateway; a message
// addressed to a client ID goes to that client only, a message without one
// is broadcast to every connected client.
package webchat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/switchyardhq/switchyard/internal/channels"
	"github.com/switchyardhq/switchyard/internal/config"
	"github.com/switchyardhq/switchyard/internal/outbound"
)

const (
	// DefaultSendBuffer is the per-client outbound frame buffer.
	DefaultSendBuffer = 32

	writeWait = 10 * time.Second
)

// frame is the wire format pushed to webchat clients.
type frame struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id,omitempty"`
	ID       string `json:"id,omitempty"`
	Text     string `json:"text,omitempty"`
	Caption  string `json:"caption,omitempty"`
	MediaURL string `json:"media_url,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
}

// client is one connected webchat browser session.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub is the webchat channel. It is also the http.Handler the gateway
// mounts for webchat WebSocket upgrades.
type Hub struct {
	*channels.BaseChannel
	config   config.WebChatConfig
	upgrader websocket.Upgrader
	clients  map[string]*client
	mu       sync.RWMutex
}

// NewHub creates the webchat hub. checkOrigin is supplied by the gateway so
// webchat shares its origin policy; nil allows all origins.
func NewHub(cfg config.WebChatConfig, checkOrigin func(r *http.Request) bool) *Hub {
	h := &Hub{
		BaseChannel: channels.NewBaseChannel("webchat", nil),
		config:      cfg,
		clients:     make(map[string]*client),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}
	return h
}

// Start marks the hub ready. Clients connect on their own schedule.
func (h *Hub) Start(_ context.Context) error {
	h.SetRunning(true)
	slog.Info("webchat channel ready")
	return nil
}

// Stop disconnects all clients.
func (h *Hub) Stop(_ context.Context) error {
	slog.Info("stopping webchat channel")
	h.SetRunning(false)

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for _, c := range h.clients {
		conns = append(conns, c.conn)
	}
	h.mu.RUnlock()

	// Closing the conns unwinds the read pumps, which unregister.
	for _, conn := range conns {
		conn.Close()
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Send delivers one outbound message to a named client or broadcasts it.
func (h *Hub) Send(_ context.Context, msg outbound.OutboundMessage) error {
	frames, err := buildFrames(msg.ID, msg.Content)
	if err != nil {
		return err
	}

	if target := msg.Metadata.ChatID; target != "" {
		return h.sendTo(target, frames)
	}
	return h.broadcast(frames)
}

// sendTo pushes frames to one client. A full buffer is a transient
// condition; a missing client is permanent because client IDs are minted
// per connection and never reused.
func (h *Hub) sendTo(target string, frames [][]byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.clients[target]
	if !ok {
		return fmt.Errorf("%w: webchat client %s is not connected", channels.ErrNoRecipient, target)
	}

	for _, data := range frames {
		select {
		case c.send <- data:
		default:
			return fmt.Errorf("webchat client %s send buffer full", target)
		}
	}
	return nil
}

// broadcast pushes frames to every connected client, skipping clients whose
// buffers are full. With nobody connected the message is held for retry.
func (h *Hub) broadcast(frames [][]byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.clients) == 0 {
		return fmt.Errorf("no webchat clients connected")
	}

	for id, c := range h.clients {
		for _, data := range frames {
			select {
			case c.send <- data:
			default:
				slog.Warn("webchat client send buffer full, dropping frame", "id", id)
			}
		}
	}
	return nil
}

// ServeHTTP upgrades the connection and serves it until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("webchat upgrade failed", "error", err)
		return
	}

	buffer := h.config.SendBuffer
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}

	c := &client{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, buffer),
	}

	h.register(c)
	defer h.unregister(c)

	go c.writePump()

	// Tell the client its ID so callers can address it via chat_id.
	welcome, _ := json.Marshal(frame{Type: "connected", ClientID: c.id})
	select {
	case c.send <- welcome:
	default:
	}

	// Read pump: webchat is delivery-only, inbound frames are drained so
	// close handshakes and disconnects are noticed.
	conn.SetReadLimit(1024)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
	slog.Info("webchat client connected", "id", c.id, "clients", len(h.clients))
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	c.conn.Close()
	slog.Info("webchat client disconnected", "id", c.id, "clients", len(h.clients))
}

// writePump drains the send buffer to the socket until it closes.
func (c *client) writePump() {
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// buildFrames flattens message content into wire frames, one per part.
func buildFrames(msgID string, content outbound.MessageContent) ([][]byte, error) {
	var frames [][]byte

	var walk func(node outbound.MessageContent) error
	walk = func(node outbound.MessageContent) error {
		switch v := node.(type) {
		case outbound.TextContent:
			data, err := json.Marshal(frame{Type: "message", ID: msgID, Text: v.Text})
			if err != nil {
				return err
			}
			frames = append(frames, data)
		case outbound.MediaContent:
			data, err := json.Marshal(frame{
				Type:     "message",
				ID:       msgID,
				Caption:  v.Caption,
				MediaURL: v.MediaRef,
				MIMEType: v.MIMEType,
			})
			if err != nil {
				return err
			}
			frames = append(frames, data)
		case outbound.CompositeContent:
			for _, part := range v.Parts {
				if err := walk(part); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("webchat: unsupported content type %T", node)
		}
		return nil
	}

	if err := walk(content); err != nil {
		return nil, err
	}
	return frames, nil
}
