package outbound

import "time"

// EventKind identifies a lifecycle transition.
type EventKind string

const (
	EventQueued    EventKind = "queued"
	EventSending   EventKind = "sending"
	EventSent      EventKind = "sent"
	EventFailed    EventKind = "failed"
	EventRetrying  EventKind = "retrying"
	EventCancelled EventKind = "cancelled"
	EventExpired   EventKind = "expired"
)

// Event describes one record transition. The pipeline invokes the OnEvent
// hook outside its locks, in transition order per message but with no
// ordering guarantee across messages.
type Event struct {
	Kind      EventKind      `json:"kind"`
	MessageID string         `json:"message_id"`
	ChannelID string         `json:"channel_id"`
	Status    DeliveryStatus `json:"status"`
	Attempts  int            `json:"attempts"`
	Error     string         `json:"error,omitempty"`
	At        time.Time      `json:"at"`
}

// Attempt outcome labels as recorded in the delivery history.
const (
	AttemptSent     = "sent"
	AttemptFailed   = "failed"
	AttemptRetrying = "retrying"
)

// Attempt describes the outcome of a single delivery attempt as observed by
// a delivery worker. Unlike Event it carries the attempt duration, so it is
// the record of choice for the history log.
type Attempt struct {
	MessageID string        `json:"message_id"`
	ChannelID string        `json:"channel_id"`
	Attempt   int           `json:"attempt"`
	Status    string        `json:"status"` // AttemptSent, AttemptFailed or AttemptRetrying
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	At        time.Time     `json:"at"`
}
