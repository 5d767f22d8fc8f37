package channels

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/switchyardhq/switchyard/internal/config"
	"github.com/switchyardhq/switchyard/internal/outbound"
	"github.com/switchyardhq/switchyard/internal/telemetry"
)

// Manager manages all registered channels, handling their lifecycle and
// running one delivery worker per channel. Each worker drains its channel's
// queue in FIFO order: claim the head record, deliver it, report the outcome
// back to the pipeline. Retry decisions stay with the worker — the pipeline
// itself never re-queues anything.
type Manager struct {
	pipe      *outbound.Pipeline
	cfg       config.WorkerConfig
	channels  map[string]Channel
	onAttempt func(outbound.Attempt)
	workers   *asyncTask
	workerCtx context.Context
	wg        sync.WaitGroup
	mu        sync.RWMutex
}

type asyncTask struct {
	cancel context.CancelFunc
}

// NewManager creates a new channel manager.
// Channels are registered externally via RegisterChannel.
func NewManager(pipe *outbound.Pipeline, cfg config.WorkerConfig) *Manager {
	return &Manager{
		pipe:     pipe,
		cfg:      cfg,
		channels: make(map[string]Channel),
	}
}

// OnAttempt registers a handler invoked after every delivery attempt,
// successful or not. Used to feed the history log. Must be set before
// StartAll.
func (m *Manager) OnAttempt(fn func(outbound.Attempt)) {
	m.onAttempt = fn
}

// RegisterChannel adds a channel to the manager. If the workers are already
// running, a delivery worker for the new channel starts immediately.
func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
	if m.workers != nil {
		m.spawnWorker(m.workerCtx, channel)
	}
}

// UnregisterChannel removes a channel from the manager. Its worker keeps
// running until StopAll but finds no channel to deliver through.
func (m *Manager) UnregisterChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
}

// GetChannel returns a channel by name.
func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[name]
	return channel, ok
}

// HasChannel reports whether a channel is registered under name.
func (m *Manager) HasChannel(name string) bool {
	_, ok := m.GetChannel(name)
	return ok
}

// GetStatus returns the running status and queue depth of all channels.
func (m *Manager) GetStatus() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]interface{})
	for name, channel := range m.channels {
		status[name] = map[string]interface{}{
			"running": channel.IsRunning(),
			"queued":  m.pipe.QueueSize(name),
		}
	}
	return status
}

// GetEnabledChannels returns the names of all registered channels.
func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// StartAll starts all registered channels and their delivery workers.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	runCtx, cancel := context.WithCancel(ctx)
	m.workers = &asyncTask{cancel: cancel}
	m.workerCtx = runCtx
	chans := make(map[string]Channel, len(m.channels))
	for name, channel := range m.channels {
		chans[name] = channel
		m.spawnWorker(runCtx, channel)
	}
	m.mu.Unlock()

	if len(chans) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	slog.Info("starting all channels")

	for name, channel := range chans {
		slog.Info("starting channel", "channel", name)
		if err := channel.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
		}
	}

	slog.Info("all channels started")
	return nil
}

// StopAll stops the delivery workers, waits for in-flight sends to finish,
// then gracefully stops all channels.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	if m.workers != nil {
		m.workers.cancel()
		m.workers = nil
	}
	chans := make(map[string]Channel, len(m.channels))
	for name, channel := range m.channels {
		chans[name] = channel
	}
	m.mu.Unlock()

	m.wg.Wait()

	slog.Info("stopping all channels")
	for name, channel := range chans {
		slog.Info("stopping channel", "channel", name)
		if err := channel.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}
	slog.Info("all channels stopped")
	return nil
}

// spawnWorker launches the delivery worker for one channel.
// Caller must hold m.mu.
func (m *Manager) spawnWorker(ctx context.Context, channel Channel) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runWorker(ctx, channel)
	}()
}

// runWorker is the per-channel delivery loop. It wakes on pipeline signals
// for its channel and additionally polls, so messages queued while the
// channel was disconnected are picked up once it comes back.
func (m *Manager) runWorker(ctx context.Context, channel Channel) {
	name := channel.Name()
	wake := m.pipe.Subscribe(name)
	limiter := rate.NewLimiter(rate.Limit(m.cfg.RatePerSecond), m.cfg.RateBurst)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	slog.Debug("delivery worker started", "channel", name)
	for {
		for m.deliverNext(ctx, channel, limiter) {
			if ctx.Err() != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			slog.Debug("delivery worker stopped", "channel", name)
			return
		case <-wake:
		case <-ticker.C:
		}
	}
}

// deliverNext claims and delivers the head of the channel's queue.
// Returns true if a record was processed (delivered, requeued or failed)
// and the loop should immediately look for more work.
func (m *Manager) deliverNext(ctx context.Context, channel Channel, limiter *rate.Limiter) bool {
	name := channel.Name()

	rec, ok := m.pipe.NextForChannel(name)
	if !ok {
		return false
	}
	if !channel.IsRunning() {
		// Leave the record queued; the poll ticker retries after reconnect.
		return false
	}
	if err := limiter.Wait(ctx); err != nil {
		return false
	}

	id := rec.Message.ID
	if err := m.pipe.MarkSending(id); err != nil {
		// Lost the record between peek and claim (e.g. cancelled); move on.
		return true
	}
	attempt := rec.Attempts + 1

	start := time.Now()
	sendCtx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	spanCtx, span := telemetry.StartDeliverySpan(sendCtx, name, id, attempt)
	err := channel.Send(spanCtx, rec.Message)
	telemetry.EndDeliverySpan(span, err)
	cancel()
	elapsed := time.Since(start)

	if err == nil {
		if markErr := m.pipe.MarkSent(id); markErr != nil {
			slog.Warn("mark sent failed", "message_id", id, "error", markErr)
		}
		slog.Debug("message delivered",
			"channel", name, "message_id", id, "attempt", attempt, "duration", elapsed)
		m.reportAttempt(id, name, attempt, outbound.AttemptSent, "", elapsed)
		return true
	}

	if !IsPermanent(err) && m.pipe.CanRetry(id) {
		if markErr := m.pipe.MarkRetry(id, err); markErr != nil {
			slog.Warn("mark retry failed", "message_id", id, "error", markErr)
		}
		slog.Warn("delivery failed, will retry",
			"channel", name, "message_id", id, "attempt", attempt, "error", err)
		m.reportAttempt(id, name, attempt, outbound.AttemptRetrying, err.Error(), elapsed)
		m.backoff(ctx, attempt)
		return true
	}

	if markErr := m.pipe.MarkFailed(id, err); markErr != nil {
		slog.Warn("mark failed failed", "message_id", id, "error", markErr)
	}
	slog.Error("delivery failed",
		"channel", name, "message_id", id, "attempt", attempt, "error", err)
	m.reportAttempt(id, name, attempt, outbound.AttemptFailed, err.Error(), elapsed)
	return true
}

func (m *Manager) reportAttempt(id, channel string, attempt int, status, errMsg string, elapsed time.Duration) {
	if m.onAttempt == nil {
		return
	}
	m.onAttempt(outbound.Attempt{
		MessageID: id,
		ChannelID: channel,
		Attempt:   attempt,
		Status:    status,
		Error:     errMsg,
		Duration:  elapsed,
		At:        time.Now(),
	})
}

// backoff sleeps before the retried record is claimed again. The retried
// record kept its FIFO slot, so sleeping here is what actually spaces the
// attempts out — the next deliverNext would otherwise re-claim it instantly.
func (m *Manager) backoff(ctx context.Context, attempt int) {
	delay := m.cfg.RetryBaseDelay
	for i := 1; i < attempt && delay < m.cfg.RetryMaxDelay; i++ {
		delay *= 2
	}
	if delay > m.cfg.RetryMaxDelay {
		delay = m.cfg.RetryMaxDelay
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
