// Package protocol defines the wire types shared by the gateway and its
// clients: WebSocket event frames, REST request/response bodies and the
// delivery callback payload.
package protocol

import "encoding/json"

// ProtocolVersion is bumped on breaking wire changes.
const ProtocolVersion = 1

// WebSocket event names pushed from server to client.
const (
	EventMessageQueued    = "message.queued"
	EventMessageSending   = "message.sending"
	EventMessageSent      = "message.sent"
	EventMessageFailed    = "message.failed"
	EventMessageRetrying  = "message.retrying"
	EventMessageCancelled = "message.cancelled"
	EventMessageExpired   = "message.expired"

	EventHealth   = "health"
	EventShutdown = "shutdown"
)

// EventFrame is the envelope for every WebSocket event.
type EventFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds a frame with the payload marshaled in place. A payload
// that cannot marshal yields a frame with an empty payload rather than an
// error; event delivery is best-effort.
func NewEvent(eventType string, payload interface{}) EventFrame {
	data, err := json.Marshal(payload)
	if err != nil {
		data = nil
	}
	return EventFrame{Type: eventType, Payload: data}
}

// MessageEventPrefix is the shared prefix of all message lifecycle events.
const MessageEventPrefix = "message."
