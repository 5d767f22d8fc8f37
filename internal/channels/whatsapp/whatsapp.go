// Package whatsapp delivers outbound messages through a WhatsApp bridge.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/switchyardhq/switchyard/internal/channels"
	"github.com/switchyardhq/switchyard/internal/config"
	"github.com/switchyardhq/switchyard/internal/outbound"
)

// Channel connects to a WhatsApp bridge via WebSocket.
// The bridge (e.g. whatsapp-web.js based) handles the actual WhatsApp
// protocol; this channel just pushes JSON message frames over WS.
type Channel struct {
	*channels.BaseChannel
	conn   *websocket.Conn
	config config.WhatsAppConfig
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new WhatsApp channel from config.
func New(cfg config.WhatsAppConfig) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel("whatsapp", cfg.AllowTo),
		config:      cfg,
	}, nil
}

// Start connects to the WhatsApp bridge WebSocket and begins watching the
// connection. The channel reports running only while the bridge is
// reachable, so queued messages are held across bridge outages.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting whatsapp channel", "bridge_url", c.config.BridgeURL)

	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.connect(); err != nil {
		// Don't fail hard — reconnect loop will keep trying
		slog.Warn("initial whatsapp bridge connection failed, will retry", "error", err)
	}

	go c.watchLoop()

	return nil
}

// Stop gracefully shuts down the WhatsApp channel.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping whatsapp channel")

	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.SetRunning(false)

	return nil
}

// Send delivers one outbound message to the WhatsApp bridge.
func (c *Channel) Send(_ context.Context, msg outbound.OutboundMessage) error {
	to := msg.Metadata.ChatID
	if to == "" {
		to = c.config.DefaultTo
	}
	if to == "" {
		return fmt.Errorf("%w: message %s has no chat_id and no default_to is configured",
			channels.ErrNoRecipient, msg.ID)
	}
	if !c.AllowsRecipient(to) {
		return fmt.Errorf("%w: recipient %s", channels.ErrRecipientNotAllowed, to)
	}

	return c.sendContent(to, msg.Content)
}

// sendContent pushes one frame per content part to the bridge.
func (c *Channel) sendContent(to string, content outbound.MessageContent) error {
	switch v := content.(type) {
	case outbound.TextContent:
		return c.writeFrame(map[string]interface{}{
			"type":    "message",
			"to":      to,
			"content": v.Text,
		})
	case outbound.MediaContent:
		return c.writeFrame(map[string]interface{}{
			"type":    "message",
			"to":      to,
			"content": v.Caption,
			"media":   []string{v.MediaRef},
		})
	case outbound.CompositeContent:
		for _, part := range v.Parts {
			if err := c.sendContent(to, part); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("whatsapp: unsupported content type %T", content)
	}
}

// writeFrame marshals and writes one JSON frame under the connection lock.
func (c *Channel) writeFrame(payload map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal whatsapp message: %w", err)
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send whatsapp message: %w", err)
	}

	return nil
}

// connect establishes the WebSocket connection to the bridge.
func (c *Channel) connect() error {
	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.Dial(c.config.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", c.config.BridgeURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.SetRunning(true)
	slog.Info("whatsapp bridge connected", "url", c.config.BridgeURL)
	return nil
}

// watchLoop drains bridge frames and reconnects with backoff when the
// connection drops. Delivery status frames from the bridge are logged only.
func (c *Channel) watchLoop() {
	backoff := time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			// Not connected — attempt reconnect with backoff
			slog.Info("attempting whatsapp bridge reconnect", "backoff", backoff)

			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}

			if err := c.connect(); err != nil {
				slog.Warn("whatsapp bridge reconnect failed", "error", err)
				backoff = min(backoff*2, 30*time.Second)
				continue
			}

			backoff = time.Second // reset on success
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("whatsapp read error, will reconnect", "error", err)

			c.mu.Lock()
			if c.conn != nil {
				_ = c.conn.Close()
				c.conn = nil
			}
			c.mu.Unlock()
			c.SetRunning(false)

			continue
		}

		var frame map[string]interface{}
		if err := json.Unmarshal(message, &frame); err != nil {
			slog.Warn("invalid whatsapp bridge frame", "error", err)
			continue
		}

		if frameType, _ := frame["type"].(string); frameType == "error" {
			slog.Warn("whatsapp bridge reported error", "detail", frame["detail"])
		}
	}
}
