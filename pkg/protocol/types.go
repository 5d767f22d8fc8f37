package protocol

import (
	"encoding/json"
	"time"
)

// Delivery status values as they appear on the wire.
const (
	StatusQueued    = "queued"
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

// Metadata carries channel routing hints for a message.
type Metadata struct {
	ReplyTo     string          `json:"reply_to,omitempty"`
	ThreadID    string          `json:"thread_id,omitempty"`
	ChatID      string          `json:"chat_id,omitempty"`
	RecipientID string          `json:"recipient_id,omitempty"`
	Extra       json.RawMessage `json:"extra,omitempty"`
	Priority    int             `json:"priority,omitempty"`
	TTLMillis   int64           `json:"ttl_ms,omitempty"`
}

// DeliveryContext carries per-message delivery options. Pointer fields
// distinguish "absent" from explicit zero values: an absent retry_enabled
// means retries stay on.
type DeliveryContext struct {
	TraceID      string `json:"trace_id,omitempty"`
	Source       string `json:"source,omitempty"`
	RetryEnabled *bool  `json:"retry_enabled,omitempty"`
	MaxRetries   *int   `json:"max_retries,omitempty"`
	CallbackURL  string `json:"callback_url,omitempty"`
}

// EnqueueRequest is the POST /api/messages body. Content is the tagged
// content object ({"type":"text",...}, {"type":"media",...} or
// {"type":"composite",...}).
type EnqueueRequest struct {
	ChannelID string           `json:"channel_id"`
	Content   json.RawMessage  `json:"content"`
	Metadata  *Metadata        `json:"metadata,omitempty"`
	Context   *DeliveryContext `json:"context,omitempty"`
}

// EnqueueResponse is the POST /api/messages response. For a deduplicated
// request it reports the original message's current state and no queue
// position.
type EnqueueResponse struct {
	MessageID     string `json:"message_id"`
	Status        string `json:"status"`
	QueuePosition *int   `json:"queue_position,omitempty"`
	Delivered     *bool  `json:"delivered,omitempty"`
	Error         string `json:"error,omitempty"`
}

// MessageStatus is the GET /api/messages/{id} response.
type MessageStatus struct {
	MessageID string    `json:"message_id"`
	ChannelID string    `json:"channel_id"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	Source    string    `json:"source,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stats is the GET /api/stats response.
type Stats struct {
	TotalQueued     uint64         `json:"total_queued"`
	TotalSent       uint64         `json:"total_sent"`
	TotalFailed     uint64         `json:"total_failed"`
	QueueTotal      int            `json:"queue_total"`
	QueueSizes      map[string]int `json:"queue_sizes"`
	TrackedMessages int            `json:"tracked_messages"`
}

// MessageEvent is the payload carried by message.* WebSocket events.
type MessageEvent struct {
	MessageID string    `json:"message_id"`
	ChannelID string    `json:"channel_id"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// DeliveryCallback is the JSON body POSTed to a message's callback_url when
// the message reaches a terminal status. Delivery of the callback itself is
// best-effort and never retried.
type DeliveryCallback struct {
	MessageID   string    `json:"message_id"`
	ChannelID   string    `json:"channel_id"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error,omitempty"`
	TraceID     string    `json:"trace_id,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// ErrorResponse is the body of every non-2xx REST response.
type ErrorResponse struct {
	Error string `json:"error"`
}
