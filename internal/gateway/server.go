// Package gateway exposes the outbound pipeline over HTTP: a REST API for
// submitting and inspecting messages, a WebSocket stream of delivery
// events, and the operational endpoints (health, metrics, config).
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/switchyardhq/switchyard/internal/channels"
	"github.com/switchyardhq/switchyard/internal/config"
	"github.com/switchyardhq/switchyard/internal/history"
	"github.com/switchyardhq/switchyard/internal/outbound"
	"github.com/switchyardhq/switchyard/pkg/protocol"
)

// Server is the gateway server handling REST and WebSocket connections.
type Server struct {
	cfg     *config.Config
	pipe    *outbound.Pipeline
	manager *channels.Manager

	history history.Store // nil when history is disabled
	webchat http.Handler  // nil when webchat is disabled
	metrics http.Handler  // nil when metrics are not exposed

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter
	clients     map[string]*Client
	mu          sync.RWMutex

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a gateway over the given pipeline and channel manager.
func NewServer(cfg *config.Config, pipe *outbound.Pipeline, manager *channels.Manager) *Server {
	s := &Server{
		cfg:     cfg,
		pipe:    pipe,
		manager: manager,
		clients: make(map[string]*Client),
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.CheckOrigin,
	}

	// rate_limit_rpm > 0 → enabled at that RPM, anything else disables.
	s.rateLimiter = NewRateLimiter(cfg.Snapshot().Gateway.RateLimitRPM)

	return s
}

// SetHistory wires the delivery history store into the query endpoints.
func (s *Server) SetHistory(store history.Store) { s.history = store }

// SetWebChat mounts the webchat WebSocket handler.
func (s *Server) SetWebChat(h http.Handler) { s.webchat = h }

// SetMetricsHandler mounts a metrics scrape handler at /metrics.
func (s *Server) SetMetricsHandler(h http.Handler) { s.metrics = h }

// CheckOrigin validates connection origins against the allowed origins
// whitelist. No configured origins allows all; an empty Origin header
// (non-browser clients like the CLI and SDK) is always allowed.
func (s *Server) CheckOrigin(r *http.Request) bool {
	allowed := s.cfg.Snapshot().Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered.
// Call this before Start() if the mux is needed for additional listeners
// (e.g. Tailscale).
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()

	// WebSocket event stream
	mux.HandleFunc("/ws", s.handleWebSocket)

	// Operational endpoints
	mux.HandleFunc("/health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	if s.webchat != nil {
		mux.Handle("/webchat/ws", s.webchat)
	}

	// Message API
	mux.HandleFunc("POST /api/messages", s.auth(s.handleEnqueue))
	mux.HandleFunc("GET /api/messages/{id}", s.auth(s.handleMessageStatus))
	mux.HandleFunc("DELETE /api/messages/{id}", s.auth(s.handleCancel))
	mux.HandleFunc("GET /api/messages/{id}/attempts", s.auth(s.handleMessageAttempts))

	// Pipeline API
	mux.HandleFunc("GET /api/stats", s.auth(s.handleStats))
	mux.HandleFunc("GET /api/queues", s.auth(s.handleQueues))
	mux.HandleFunc("POST /api/cleanup", s.auth(s.handleCleanup))
	mux.HandleFunc("GET /api/channels", s.auth(s.handleChannels))
	mux.HandleFunc("GET /api/history", s.auth(s.handleHistory))
	mux.HandleFunc("GET /api/config", s.auth(s.handleConfig))

	s.mux = mux
	return mux
}

// Start begins listening for connections, blocking until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	gw := s.cfg.Snapshot().Gateway
	addr := fmt.Sprintf("%s:%d", gw.Host, gw.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleWebSocket upgrades HTTP to WebSocket and streams delivery events.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.wsAuthorized(r) {
		writeJSON(w, http.StatusUnauthorized, protocol.ErrorResponse{Error: "unauthorized"})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn)
	s.registerClient(client)

	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

// wsAuthorized accepts the gateway token as a bearer header or, for
// browsers that cannot set WS headers, a token query parameter.
func (s *Server) wsAuthorized(r *http.Request) bool {
	token := s.cfg.Snapshot().Gateway.Token
	if token == "" {
		return true
	}
	if extractBearerToken(r) == token {
		return true
	}
	return r.URL.Query().Get("token") == token
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

// HandleEvent translates a pipeline transition into a WebSocket event and
// fans it out to connected clients. Wire it into the pipeline's OnEvent.
func (s *Server) HandleEvent(evt outbound.Event) {
	s.BroadcastEvent(protocol.NewEvent(
		protocol.MessageEventPrefix+string(evt.Kind),
		protocol.MessageEvent{
			MessageID: evt.MessageID,
			ChannelID: evt.ChannelID,
			Status:    string(evt.Status),
			Attempts:  evt.Attempts,
			Error:     evt.Error,
			At:        evt.At,
		},
	))
}

// BroadcastEvent sends an event to all connected clients.
func (s *Server) BroadcastEvent(event protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.SendEvent(event)
	}
}

// ClientCount returns the number of connected event-stream clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
	slog.Info("client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	slog.Info("client disconnected", "id", c.id)
}
