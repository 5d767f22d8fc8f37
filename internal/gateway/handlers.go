package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/switchyardhq/switchyard/internal/outbound"
	"github.com/switchyardhq/switchyard/pkg/protocol"
)

// auth wraps a handler with bearer-token authentication. An empty configured
// token leaves the API open (loopback/dev mode).
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.Snapshot().Gateway.Token
		if token != "" && extractBearerToken(r) != token {
			writeJSON(w, http.StatusUnauthorized, protocol.ErrorResponse{Error: "unauthorized"})
			return
		}
		next(w, r)
	}
}

func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return after
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, protocol.ErrorResponse{Error: fmt.Sprintf(format, args...)})
}

// pipelineStatus maps a pipeline error to the HTTP status that reports it.
func pipelineStatus(err error) int {
	switch {
	case errors.Is(err, outbound.ErrMessageNotFound), errors.Is(err, outbound.ErrChannelNotFound):
		return http.StatusNotFound
	case errors.Is(err, outbound.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, outbound.ErrInvalidMessage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// handleEnqueue accepts a message for delivery. A fresh enqueue answers
// 202 Accepted with the queue position; an Idempotency-Key replay answers
// 200 OK with the original message's state and no position.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if s.rateLimiter.Enabled() && !s.rateLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	gw := s.cfg.Snapshot().Gateway
	maxBody := gw.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)

	var req protocol.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: %v", err)
		return
	}
	if req.ChannelID == "" {
		writeError(w, http.StatusBadRequest, "missing channel_id")
		return
	}
	if !s.manager.HasChannel(req.ChannelID) {
		writeError(w, http.StatusNotFound, "unknown channel %q", req.ChannelID)
		return
	}
	if len(req.Content) == 0 {
		writeError(w, http.StatusBadRequest, "missing content")
		return
	}

	content, err := outbound.UnmarshalContent(req.Content)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	msg := outbound.NewMessage(req.ChannelID, content)
	if req.Metadata != nil {
		msg.Metadata = outbound.MessageMetadata{
			ReplyTo:     req.Metadata.ReplyTo,
			ThreadID:    req.Metadata.ThreadID,
			ChatID:      req.Metadata.ChatID,
			RecipientID: req.Metadata.RecipientID,
			Extra:       req.Metadata.Extra,
			Priority:    req.Metadata.Priority,
			TTLMillis:   req.Metadata.TTLMillis,
		}
	}

	octx := outbound.DefaultContext()
	octx.Source = "api"
	if req.Context != nil {
		octx.TraceID = req.Context.TraceID
		if req.Context.Source != "" {
			octx.Source = req.Context.Source
		}
		if req.Context.RetryEnabled != nil {
			octx.RetryEnabled = *req.Context.RetryEnabled
		}
		if req.Context.MaxRetries != nil && *req.Context.MaxRetries >= 0 {
			octx.MaxRetries = *req.Context.MaxRetries
		}
		octx.CallbackURL = req.Context.CallbackURL
	}

	key := r.Header.Get("Idempotency-Key")
	res, err := s.pipe.QueueWithIdempotency(msg, octx, key)
	if err != nil {
		writeError(w, pipelineStatus(err), "%v", err)
		return
	}

	resp := protocol.EnqueueResponse{
		MessageID:     res.MessageID,
		Status:        string(res.Status),
		QueuePosition: res.QueuePosition,
	}
	if res.DeliveryResult != nil {
		resp.Delivered = &res.DeliveryResult.Delivered
		resp.Error = res.DeliveryResult.Error
	}

	status := http.StatusAccepted
	if res.QueuePosition == nil {
		// Idempotency hit: reporting existing state, not accepting new work.
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleMessageStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.pipe.GetMessage(r.PathValue("id"))
	if err != nil {
		writeError(w, pipelineStatus(err), "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.MessageStatus{
		MessageID: rec.Message.ID,
		ChannelID: rec.Message.ChannelID,
		Status:    string(rec.Status),
		Attempts:  rec.Attempts,
		LastError: rec.LastError,
		Source:    rec.Context.Source,
		TraceID:   rec.Context.TraceID,
		CreatedAt: rec.Message.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	})
}

// handleCancel withdraws a queued message. A message that is already being
// delivered (or done) answers 409; cancellation is only legal before claim.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.pipe.Cancel(id); err != nil {
		status := pipelineStatus(err)
		if errors.Is(err, outbound.ErrInvalidMessage) {
			status = http.StatusConflict
		}
		writeError(w, status, "%v", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessageAttempts(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "delivery history is disabled")
		return
	}
	attempts, err := s.history.MessageAttempts(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query attempts: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.pipe.Stats()
	writeJSON(w, http.StatusOK, protocol.Stats{
		TotalQueued:     stats.TotalQueued,
		TotalSent:       stats.TotalSent,
		TotalFailed:     stats.TotalFailed,
		QueueTotal:      stats.QueueTotal,
		QueueSizes:      stats.QueueSizes,
		TrackedMessages: stats.TrackedMessages,
	})
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"queues":                 s.pipe.QueueSizes(),
		"channels_with_messages": s.pipe.ChannelsWithMessages(),
	})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	removed := s.pipe.CleanupCompleted()
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.GetStatus())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "delivery history is disabled")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit %q", v)
			return
		}
		limit = n
	}

	attempts, err := s.history.RecentAttempts(r.Context(), r.URL.Query().Get("channel"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query history: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

// handleConfig returns the running config with secrets masked.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.MaskedCopy())
}
