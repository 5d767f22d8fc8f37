package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/switchyardhq/switchyard/internal/outbound"
	"github.com/switchyardhq/switchyard/pkg/protocol"
)

// CallbackNotifier posts delivery outcomes to the callback URL attached to
// a message's delivery context. Wire it into the pipeline's OnEvent hook;
// it reacts to terminal transitions only. Callbacks are best-effort: a
// failed POST is logged and never retried.
type CallbackNotifier struct {
	pipe    *outbound.Pipeline
	client  *http.Client
	timeout time.Duration
}

// NewCallbackNotifier creates a notifier reading message state from pipe.
func NewCallbackNotifier(pipe *outbound.Pipeline, timeout time.Duration) *CallbackNotifier {
	return &CallbackNotifier{
		pipe:    pipe,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// HandleEvent posts a callback when evt marks a terminal status. Safe to
// call from the pipeline's OnEvent hook: the hook path never touches the
// pipeline, the lookup and POST run on their own goroutine.
func (n *CallbackNotifier) HandleEvent(evt outbound.Event) {
	switch evt.Kind {
	case outbound.EventSent, outbound.EventFailed, outbound.EventCancelled, outbound.EventExpired:
	default:
		return
	}

	go n.notify(evt.MessageID)
}

func (n *CallbackNotifier) notify(messageID string) {
	// Terminal records stay in the arena until the cleanup sweep, so the
	// lookup is safe off the hot path.
	rec, err := n.pipe.GetMessage(messageID)
	if err != nil {
		return
	}
	if rec.Context.CallbackURL == "" {
		return
	}
	n.post(rec)
}

func (n *CallbackNotifier) post(rec *outbound.QueuedMessage) {
	payload := protocol.DeliveryCallback{
		MessageID:   rec.Message.ID,
		ChannelID:   rec.Message.ChannelID,
		Status:      string(rec.Status),
		Attempts:    rec.Attempts,
		Error:       rec.LastError,
		TraceID:     rec.Context.TraceID,
		CompletedAt: rec.UpdatedAt.UTC(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}

	url := rec.Context.CallbackURL
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		slog.Debug("delivery callback request failed", "url", url, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		slog.Debug("delivery callback failed",
			"url", url, "message_id", payload.MessageID, "error", err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		slog.Debug("delivery callback rejected",
			"url", url, "message_id", payload.MessageID, "status", resp.StatusCode)
	}
}
