package outbound

import "time"

// DeliveryStatus is the lifecycle state of a tracked message.
type DeliveryStatus string

const (
	StatusQueued    DeliveryStatus = "queued"
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusFailed    DeliveryStatus = "failed"
	StatusCancelled DeliveryStatus = "cancelled"
	StatusExpired   DeliveryStatus = "expired"
)

// Terminal reports whether no further transition is possible from s.
// Terminal records are off their channel queue and eligible for cleanup.
func (s DeliveryStatus) Terminal() bool {
	switch s {
	case StatusSent, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// OutboundContext is the per-submission delivery policy, supplied alongside
// the envelope at queue time. It is not part of the envelope identity.
type OutboundContext struct {
	TraceID      string `json:"trace_id,omitempty"`
	Source       string `json:"source,omitempty"`
	RetryEnabled bool   `json:"retry_enabled"`
	MaxRetries   int    `json:"max_retries"`
	CallbackURL  string `json:"callback_url,omitempty"`
}

// DefaultContext returns the policy used when a producer supplies none:
// retries enabled, three attempts beyond the first.
func DefaultContext() OutboundContext {
	return OutboundContext{RetryEnabled: true, MaxRetries: 3}
}

// QueuedMessage is the mutable delivery record for one envelope. The
// pipeline's arena holds the only authoritative copy; methods returning a
// *QueuedMessage hand out snapshots, so retry decisions must go through
// Pipeline.CanRetry rather than a held snapshot.
type QueuedMessage struct {
	Message   OutboundMessage `json:"message"`
	Context   OutboundContext `json:"context"`
	Status    DeliveryStatus  `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (q *QueuedMessage) clone() *QueuedMessage {
	c := *q
	return &c
}

func (q *QueuedMessage) canRetry() bool {
	return q.Context.RetryEnabled && q.Attempts < q.Context.MaxRetries
}

// QueueResult reports the outcome of a queue operation. QueuePosition is
// set only for fresh enqueues; an idempotency hit leaves it nil and carries
// the original message's id and current status instead.
type QueueResult struct {
	MessageID      string          `json:"message_id"`
	Status         DeliveryStatus  `json:"status"`
	QueuePosition  *int            `json:"queue_position,omitempty"`
	DeliveryResult *DeliveryResult `json:"delivery_result,omitempty"`
}

// DeliveryResult summarizes a completed delivery, attached to idempotent
// replays of messages that already reached a terminal status.
type DeliveryResult struct {
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}
