// Package outbound implements the outbound message delivery pipeline: the
// queuing, deduplication, and status-tracking layer every channel adapter
// delivers through. Producers enqueue immutable envelopes; per-channel
// workers claim them, attempt delivery, and report outcomes back.
package outbound

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageMetadata carries delivery-context attributes for an envelope.
// Priority is accepted and surfaced but does not influence queue ordering,
// which stays strictly FIFO per channel. TTLMillis of 0 means the message
// never expires.
type MessageMetadata struct {
	ReplyTo     string          `json:"reply_to,omitempty"`
	ThreadID    string          `json:"thread_id,omitempty"`
	ChatID      string          `json:"chat_id,omitempty"`
	RecipientID string          `json:"recipient_id,omitempty"`
	Extra       json.RawMessage `json:"extra,omitempty"`
	Priority    int             `json:"priority,omitempty"`
	TTLMillis   int64           `json:"ttl_ms,omitempty"`
}

// OutboundMessage is the immutable envelope describing one message to
// deliver. Builder methods return modified copies; the pipeline never
// mutates an envelope after Queue accepts it.
type OutboundMessage struct {
	ID        string          `json:"id"`
	ChannelID string          `json:"channel_id"`
	Content   MessageContent  `json:"content"`
	Metadata  MessageMetadata `json:"metadata"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewMessage creates an envelope with a fresh id for the given channel.
func NewMessage(channelID string, content MessageContent) OutboundMessage {
	return OutboundMessage{
		ID:        uuid.New().String(),
		ChannelID: channelID,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// NewTextMessage creates a plain text envelope.
func NewTextMessage(channelID, text string) OutboundMessage {
	return NewMessage(channelID, TextContent{Text: text})
}

// NewMediaMessage creates a media envelope.
func NewMediaMessage(channelID, mediaRef, mimeType, caption string) OutboundMessage {
	return NewMessage(channelID, MediaContent{Caption: caption, MediaRef: mediaRef, MIMEType: mimeType})
}

// WithReplyTo returns a copy replying to the given channel-native message id.
func (m OutboundMessage) WithReplyTo(messageID string) OutboundMessage {
	m.Metadata.ReplyTo = messageID
	return m
}

// InThread returns a copy targeted at a thread.
func (m OutboundMessage) InThread(threadID string) OutboundMessage {
	m.Metadata.ThreadID = threadID
	return m
}

// ToChat returns a copy targeted at a chat/room/conversation.
func (m OutboundMessage) ToChat(chatID string) OutboundMessage {
	m.Metadata.ChatID = chatID
	return m
}

// ToRecipient returns a copy targeted at a single user.
func (m OutboundMessage) ToRecipient(recipientID string) OutboundMessage {
	m.Metadata.RecipientID = recipientID
	return m
}

// WithExtra returns a copy carrying opaque channel-specific JSON.
func (m OutboundMessage) WithExtra(extra json.RawMessage) OutboundMessage {
	m.Metadata.Extra = extra
	return m
}

// WithPriority returns a copy with the priority hint set.
func (m OutboundMessage) WithPriority(priority int) OutboundMessage {
	m.Metadata.Priority = priority
	return m
}

// WithTTL returns a copy that expires the given duration after creation.
func (m OutboundMessage) WithTTL(ttl time.Duration) OutboundMessage {
	m.Metadata.TTLMillis = ttl.Milliseconds()
	return m
}

// IsExpired reports whether the envelope's TTL has elapsed.
func (m OutboundMessage) IsExpired() bool {
	return m.expiredAt(time.Now())
}

func (m OutboundMessage) expiredAt(now time.Time) bool {
	if m.Metadata.TTLMillis == 0 {
		return false
	}
	return now.Sub(m.CreatedAt) > time.Duration(m.Metadata.TTLMillis)*time.Millisecond
}

// Validate checks the envelope is well-formed enough to queue.
func (m OutboundMessage) Validate() error {
	if m.ID == "" {
		return errInvalidMessage("missing message id")
	}
	if m.ChannelID == "" {
		return errInvalidMessage("missing channel id")
	}
	if m.Content == nil {
		return errInvalidMessage("missing content")
	}
	if err := m.Content.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if m.Metadata.TTLMillis < 0 {
		return errInvalidMessage("negative ttl_ms")
	}
	return nil
}

// UnmarshalJSON decodes an envelope, resolving the content variant through
// its type discriminator.
func (m *OutboundMessage) UnmarshalJSON(data []byte) error {
	var wire struct {
		ID        string          `json:"id"`
		ChannelID string          `json:"channel_id"`
		Content   json.RawMessage `json:"content"`
		Metadata  MessageMetadata `json:"metadata"`
		CreatedAt time.Time       `json:"created_at"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	var content MessageContent
	if len(wire.Content) > 0 {
		c, err := UnmarshalContent(wire.Content)
		if err != nil {
			return err
		}
		content = c
	}

	m.ID = wire.ID
	m.ChannelID = wire.ChannelID
	m.Content = content
	m.Metadata = wire.Metadata
	m.CreatedAt = wire.CreatedAt
	return nil
}
