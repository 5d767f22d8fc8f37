package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/switchyardhq/switchyard/internal/channels"
	"github.com/switchyardhq/switchyard/internal/config"
	"github.com/switchyardhq/switchyard/internal/outbound"
	"github.com/switchyardhq/switchyard/pkg/protocol"
)

// stubChannel satisfies channels.Channel without talking to any platform.
type stubChannel struct {
	*channels.BaseChannel
}

func newStubChannel(name string) *stubChannel {
	c := &stubChannel{BaseChannel: channels.NewBaseChannel(name, nil)}
	c.SetRunning(true)
	return c
}

func (c *stubChannel) Start(ctx context.Context) error { c.SetRunning(true); return nil }
func (c *stubChannel) Stop(ctx context.Context) error  { c.SetRunning(false); return nil }
func (c *stubChannel) Send(ctx context.Context, msg outbound.OutboundMessage) error {
	return nil
}

// newTestServer builds a gateway over a fresh pipeline with one registered
// stub channel and no auth. Workers are not started, so enqueued messages
// stay Queued for the duration of a test.
func newTestServer(t *testing.T, opts outbound.Options) (*httptest.Server, *Server, *outbound.Pipeline) {
	t.Helper()

	cfg := config.Default()
	cfg.Gateway.Token = ""
	cfg.Gateway.RateLimitRPM = 0

	pipe := outbound.New(opts)
	mgr := channels.NewManager(pipe, cfg.Delivery.ToWorkerConfig())
	mgr.RegisterChannel("telegram", newStubChannel("telegram"))

	s := NewServer(cfg, pipe, mgr)

	ts := httptest.NewServer(s.BuildMux())
	t.Cleanup(ts.Close)
	return ts, s, pipe
}

func enqueueBody(channel, text string) []byte {
	body, _ := json.Marshal(protocol.EnqueueRequest{
		ChannelID: channel,
		Content:   json.RawMessage(fmt.Sprintf(`{"type":"text","text":%q}`, text)),
	})
	return body
}

func postJSON(t *testing.T, url string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeEnqueue(t *testing.T, resp *http.Response) protocol.EnqueueResponse {
	t.Helper()
	defer resp.Body.Close()
	var out protocol.EnqueueResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode enqueue response: %v", err)
	}
	return out
}

func TestEnqueueAndStatus(t *testing.T) {
	ts, _, _ := newTestServer(t, outbound.Options{})

	resp := postJSON(t, ts.URL+"/api/messages", enqueueBody("telegram", "hello"), nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("enqueue status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	out := decodeEnqueue(t, resp)
	if out.Status != protocol.StatusQueued {
		t.Errorf("status = %q, want %q", out.Status, protocol.StatusQueued)
	}
	if out.QueuePosition == nil || *out.QueuePosition != 1 {
		t.Errorf("queue_position = %v, want 1", out.QueuePosition)
	}

	statusResp, err := http.Get(ts.URL + "/api/messages/" + out.MessageID)
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer statusResp.Body.Close()
	if statusResp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d, want 200", statusResp.StatusCode)
	}
	var st protocol.MessageStatus
	if err := json.NewDecoder(statusResp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.ChannelID != "telegram" || st.Status != protocol.StatusQueued || st.Attempts != 0 {
		t.Errorf("status = %+v, want queued telegram with 0 attempts", st)
	}
}

func TestEnqueueIdempotencyReplay(t *testing.T) {
	ts, _, pipe := newTestServer(t, outbound.Options{})
	headers := map[string]string{"Idempotency-Key": "flow-42"}

	first := decodeEnqueue(t, postJSON(t, ts.URL+"/api/messages", enqueueBody("telegram", "once"), headers))

	resp := postJSON(t, ts.URL+"/api/messages", enqueueBody("telegram", "once"), headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replay status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	second := decodeEnqueue(t, resp)

	if second.MessageID != first.MessageID {
		t.Errorf("replay message_id = %s, want %s", second.MessageID, first.MessageID)
	}
	if second.QueuePosition != nil {
		t.Errorf("replay queue_position = %d, want none", *second.QueuePosition)
	}
	if got := pipe.QueueSize("telegram"); got != 1 {
		t.Errorf("QueueSize = %d after replay, want 1", got)
	}
	if stats := pipe.Stats(); stats.TotalQueued != 1 {
		t.Errorf("TotalQueued = %d after replay, want 1", stats.TotalQueued)
	}
}

func TestEnqueueUnknownChannel(t *testing.T) {
	ts, _, _ := newTestServer(t, outbound.Options{})

	resp := postJSON(t, ts.URL+"/api/messages", enqueueBody("matrix", "hi"), nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown channel status = %d, want 404", resp.StatusCode)
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	ts, _, _ := newTestServer(t, outbound.Options{MaxQueueSize: 1})

	if resp := postJSON(t, ts.URL+"/api/messages", enqueueBody("telegram", "one"), nil); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first enqueue status = %d, want 202", resp.StatusCode)
	}
	resp := postJSON(t, ts.URL+"/api/messages", enqueueBody("telegram", "two"), nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("overflow status = %d, want 429", resp.StatusCode)
	}
}

func TestCancelOnlyFromQueued(t *testing.T) {
	ts, _, pipe := newTestServer(t, outbound.Options{})

	out := decodeEnqueue(t, postJSON(t, ts.URL+"/api/messages", enqueueBody("telegram", "bye"), nil))

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/messages/"+out.MessageID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("cancel status = %d, want 204", resp.StatusCode)
	}
	if status, _ := pipe.GetStatus(out.MessageID); status != outbound.StatusCancelled {
		t.Errorf("status after cancel = %s, want cancelled", status)
	}

	// Cancelling again is no longer legal — the record is terminal.
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE again: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", resp.StatusCode)
	}

	// Same for a message already claimed by a worker.
	claimed := decodeEnqueue(t, postJSON(t, ts.URL+"/api/messages", enqueueBody("telegram", "inflight"), nil))
	if err := pipe.MarkSending(claimed.MessageID); err != nil {
		t.Fatalf("MarkSending: %v", err)
	}
	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/api/messages/"+claimed.MessageID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE in-flight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("in-flight cancel status = %d, want 409", resp.StatusCode)
	}
}

func TestAuthToken(t *testing.T) {
	ts, s, _ := newTestServer(t, outbound.Options{})
	s.cfg.Gateway.Token = "secret"

	resp := postJSON(t, ts.URL+"/api/messages", enqueueBody("telegram", "hi"), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/api/messages", enqueueBody("telegram", "hi"),
		map[string]string{"Authorization": "Bearer secret"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("bearer token status = %d, want 202", resp.StatusCode)
	}
}

func TestStatsAndQueues(t *testing.T) {
	ts, _, pipe := newTestServer(t, outbound.Options{})

	decodeEnqueue(t, postJSON(t, ts.URL+"/api/messages", enqueueBody("telegram", "count me"), nil))

	resp, err := http.Get(ts.URL + "/api/stats")
	if err != nil {
		t.Fatalf("GET stats: %v", err)
	}
	defer resp.Body.Close()
	var stats protocol.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.TotalQueued != 1 || stats.QueueSizes["telegram"] != 1 {
		t.Errorf("stats = %+v, want 1 queued on telegram", stats)
	}
	if got := pipe.QueueSize("telegram"); got != 1 {
		t.Errorf("QueueSize = %d, want 1", got)
	}
}

func TestWebSocketEventStream(t *testing.T) {
	ts, s, _ := newTestServer(t, outbound.Options{})

	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	// Give the server a moment to register the client before broadcasting.
	deadline := time.Now().Add(2 * time.Second)
	for s.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.ClientCount() == 0 {
		t.Fatal("client never registered")
	}

	s.HandleEvent(outbound.Event{
		Kind:      outbound.EventQueued,
		MessageID: "m-1",
		ChannelID: "telegram",
		Status:    outbound.StatusQueued,
		At:        time.Now(),
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame protocol.EventFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if frame.Type != protocol.EventMessageQueued {
		t.Errorf("event type = %q, want %q", frame.Type, protocol.EventMessageQueued)
	}
	var payload protocol.MessageEvent
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.MessageID != "m-1" || payload.ChannelID != "telegram" {
		t.Errorf("payload = %+v, want m-1 on telegram", payload)
	}
}
