package outbound

import (
	"errors"
	"fmt"
)

// Pipeline error taxonomy. Callers match with errors.Is; operations wrap
// these with context (%w) so log lines keep the specifics.
var (
	ErrChannelNotFound     = errors.New("channel not found")
	ErrChannelNotConnected = errors.New("channel not connected")
	ErrMessageNotFound     = errors.New("message not found")
	ErrQueueFull           = errors.New("queue full")
	ErrInvalidMessage      = errors.New("invalid message")
	ErrDeliveryFailed      = errors.New("delivery failed")
)

func errQueueFull(channelID string, capacity int) error {
	return fmt.Errorf("%w: channel %q at capacity %d", ErrQueueFull, channelID, capacity)
}

func errMessageNotFound(id string) error {
	return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
}

func errInvalidMessage(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, fmt.Sprintf(format, args...))
}
