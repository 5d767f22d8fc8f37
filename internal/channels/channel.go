// Package channels provides the delivery layer for outbound messaging.
// Channel implementations connect the pipeline to external platforms
// (Telegram, Discord, WhatsApp, WebChat); the Manager runs one delivery
// worker per channel that drains its queue in FIFO order.
package channels

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/switchyardhq/switchyard/internal/outbound"
)

// Delivery errors the manager treats as permanent: the message is failed
// immediately instead of being retried.
var (
	ErrNoRecipient         = errors.New("no recipient for message")
	ErrRecipientNotAllowed = errors.New("recipient not allowed")
)

// IsPermanent reports whether a delivery error should never be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNoRecipient) || errors.Is(err, ErrRecipientNotAllowed)
}

// Channel defines the interface that all channel implementations must satisfy.
type Channel interface {
	// Name returns the channel identifier (e.g., "telegram", "discord").
	Name() string

	// Start connects to the platform. Should be non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Send delivers one outbound message. Blocking; the manager applies
	// the per-attempt timeout via ctx.
	Send(ctx context.Context, msg outbound.OutboundMessage) error

	// IsRunning returns whether the channel is connected and able to send.
	IsRunning() bool
}

// BaseChannel provides shared functionality for all channel implementations.
// Channel implementations should embed this struct.
type BaseChannel struct {
	name    string
	running atomic.Bool
	allowTo []string
}

// NewBaseChannel creates a new BaseChannel with the given parameters.
func NewBaseChannel(name string, allowTo []string) *BaseChannel {
	return &BaseChannel{
		name:    name,
		allowTo: allowTo,
	}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

// HasAllowList returns true if a recipient allowlist is configured (non-empty).
func (c *BaseChannel) HasAllowList() bool { return len(c.allowTo) > 0 }

// AllowsRecipient checks if a recipient is permitted by the allowlist.
// Empty allowlist means all recipients are allowed. Leading "@" is ignored
// on both sides so channel usernames match with or without it.
func (c *BaseChannel) AllowsRecipient(to string) bool {
	if len(c.allowTo) == 0 {
		return true
	}
	trimmed := strings.TrimPrefix(to, "@")
	for _, allowed := range c.allowTo {
		if to == allowed || trimmed == strings.TrimPrefix(allowed, "@") {
			return true
		}
	}
	return false
}

// Truncate shortens a string to at most maxLen bytes, replacing the tail
// with "..." when it does not fit. The ellipsis counts against the limit
// and the cut never splits a rune.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	keep := maxLen - len("...")
	// Back up to a rune boundary for the cut.
	for keep > 0 && s[keep]&0xC0 == 0x80 {
		keep--
	}
	if keep <= 0 {
		if maxLen < len("...") {
			return ""
		}
		return "..."
	}
	return s[:keep] + "..."
}
