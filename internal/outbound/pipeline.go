package outbound

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/switchyardhq/switchyard/internal/metrics"
)

const (
	// DefaultMaxQueueSize bounds each channel's queue.
	DefaultMaxQueueSize = 1000

	// defaultCompletedThreshold is the arena size that auto-triggers a
	// cleanup sweep after a completion.
	defaultCompletedThreshold = 10000

	// defaultCompletedRetention keeps terminal records visible for status
	// lookups before cleanup may reclaim them.
	defaultCompletedRetention = time.Hour

	// defaultIdempotencyTTL is the dedup-key lifetime.
	defaultIdempotencyTTL = 24 * time.Hour
)

// Options configures a Pipeline. Zero values select the defaults above.
type Options struct {
	MaxQueueSize       int
	CompletedRetention time.Duration
	CompletedThreshold int
	IdempotencyTTL     time.Duration

	// Recorder receives transition counts in addition to the pipeline's
	// own totals (e.g. a Prometheus recorder).
	Recorder metrics.Recorder

	// OnEvent, when set, is invoked outside pipeline locks for every
	// record transition. The hook must not call back into the pipeline
	// synchronously from a transition it caused, and should return fast.
	OnEvent func(Event)
}

// Pipeline is the synchronized facade over the outbound delivery state:
// one arena of records keyed by message id (the single source of truth)
// plus per-channel FIFO lists of ids. Every mutation touches one record
// under one mutex, so the arena and the queues cannot diverge.
//
// The idempotency store and the subscriber registry carry their own locks;
// no two locks are ever held at the same time.
type Pipeline struct {
	mu      sync.RWMutex
	records map[string]*QueuedMessage
	queues  map[string][]string

	idem *idempotencyStore

	maxQueue  int
	retention time.Duration
	threshold int

	counters *metrics.Counters
	recorder metrics.Recorder
	onEvent  func(Event)

	notifyCh chan struct{}

	submu sync.Mutex
	subs  map[string][]chan struct{}
}

// New creates a pipeline with the given options.
func New(opts Options) *Pipeline {
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = DefaultMaxQueueSize
	}
	if opts.CompletedRetention <= 0 {
		opts.CompletedRetention = defaultCompletedRetention
	}
	if opts.CompletedThreshold <= 0 {
		opts.CompletedThreshold = defaultCompletedThreshold
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = defaultIdempotencyTTL
	}

	counters := metrics.NewCounters()
	var recorder metrics.Recorder = counters
	if opts.Recorder != nil {
		recorder = metrics.Multi(counters, opts.Recorder)
	}

	return &Pipeline{
		records:   make(map[string]*QueuedMessage),
		queues:    make(map[string][]string),
		idem:      newIdempotencyStore(opts.IdempotencyTTL),
		maxQueue:  opts.MaxQueueSize,
		retention: opts.CompletedRetention,
		threshold: opts.CompletedThreshold,
		counters:  counters,
		recorder:  recorder,
		onEvent:   opts.OnEvent,
		notifyCh:  make(chan struct{}, 1),
		subs:      make(map[string][]chan struct{}),
	}
}

// Queue accepts an envelope for delivery. On success the message is Queued
// at the back of its channel's FIFO and workers are woken.
func (p *Pipeline) Queue(msg OutboundMessage, octx OutboundContext) (QueueResult, error) {
	if err := msg.Validate(); err != nil {
		return QueueResult{}, err
	}

	now := time.Now()
	p.mu.Lock()
	if _, exists := p.records[msg.ID]; exists {
		p.mu.Unlock()
		return QueueResult{}, errInvalidMessage("message %s already tracked", msg.ID)
	}
	if len(p.queues[msg.ChannelID]) >= p.maxQueue {
		p.mu.Unlock()
		return QueueResult{}, errQueueFull(msg.ChannelID, p.maxQueue)
	}

	rec := &QueuedMessage{
		Message:   msg,
		Context:   octx,
		Status:    StatusQueued,
		UpdatedAt: now,
	}
	p.records[msg.ID] = rec
	p.queues[msg.ChannelID] = append(p.queues[msg.ChannelID], msg.ID)
	position := len(p.queues[msg.ChannelID])
	p.mu.Unlock()

	p.recorder.MessageQueued(msg.ChannelID)
	p.signal(msg.ChannelID)
	p.emit(Event{Kind: EventQueued, MessageID: msg.ID, ChannelID: msg.ChannelID, Status: StatusQueued, At: now})

	return QueueResult{MessageID: msg.ID, Status: StatusQueued, QueuePosition: &position}, nil
}

// QueueWithIdempotency behaves like Queue, except that a non-empty key
// deduplicates resubmissions: a live key returns the original message's id
// and current status without creating a record, counting a queued message,
// or reporting a queue position. If the original record was already
// cleaned up, the reply approximates its status as Sent — a duplicate
// submission must never re-trigger delivery.
//
// The key lookup happens outside the arena lock; two submissions racing on
// the same key at the same instant may both enqueue. That relaxation is
// deliberate (see the idempotency store).
func (p *Pipeline) QueueWithIdempotency(msg OutboundMessage, octx OutboundContext, key string) (QueueResult, error) {
	if key == "" {
		return p.Queue(msg, octx)
	}

	now := time.Now()
	if originalID, ok := p.idem.lookup(key, now); ok {
		p.mu.RLock()
		rec, exists := p.records[originalID]
		var status DeliveryStatus
		var result *DeliveryResult
		if exists {
			status = rec.Status
			result = deliveryResult(rec)
		}
		p.mu.RUnlock()

		if exists {
			return QueueResult{MessageID: originalID, Status: status, DeliveryResult: result}, nil
		}
		// Record already garbage-collected; the key alone proves the
		// message was accepted, so report it delivered.
		return QueueResult{
			MessageID:      originalID,
			Status:         StatusSent,
			DeliveryResult: &DeliveryResult{Delivered: true},
		}, nil
	}

	res, err := p.Queue(msg, octx)
	if err != nil {
		return res, err
	}
	p.idem.record(key, res.MessageID, now)
	return res, nil
}

func deliveryResult(rec *QueuedMessage) *DeliveryResult {
	switch rec.Status {
	case StatusSent:
		return &DeliveryResult{Delivered: true}
	case StatusFailed, StatusCancelled, StatusExpired:
		return &DeliveryResult{Delivered: false, Error: rec.LastError}
	default:
		return nil
	}
}

// NextForChannel returns a snapshot of the first Queued, non-expired record
// in the channel's FIFO, without claiming it; callers claim via MarkSending.
// Expired records encountered during the scan transition to Expired and
// leave the queue, keeping their arena entry for status lookups until
// cleanup reclaims it.
func (p *Pipeline) NextForChannel(channelID string) (*QueuedMessage, bool) {
	now := time.Now()

	var snap *QueuedMessage
	var expired []Event

	p.mu.Lock()
	for _, id := range p.queues[channelID] {
		rec := p.records[id]
		if rec.Status != StatusQueued {
			continue
		}
		if rec.Message.expiredAt(now) {
			rec.Status = StatusExpired
			rec.LastError = "expired before delivery"
			rec.UpdatedAt = now
			expired = append(expired, Event{
				Kind:      EventExpired,
				MessageID: id,
				ChannelID: channelID,
				Status:    StatusExpired,
				Attempts:  rec.Attempts,
				At:        now,
			})
			continue
		}
		snap = rec.clone()
		break
	}
	if len(expired) > 0 {
		ids := make([]string, len(expired))
		for i, evt := range expired {
			ids[i] = evt.MessageID
		}
		p.dropFromQueueLocked(channelID, ids...)
	}
	p.mu.Unlock()

	for _, evt := range expired {
		p.emit(evt)
	}
	return snap, snap != nil
}

// MarkSending claims a Queued record for delivery, incrementing its attempt
// counter. This is the only transition that touches attempts, which is what
// keeps two workers from delivering the same record concurrently.
func (p *Pipeline) MarkSending(id string) error {
	now := time.Now()

	p.mu.Lock()
	rec, ok := p.records[id]
	if !ok {
		p.mu.Unlock()
		return errMessageNotFound(id)
	}
	if rec.Status != StatusQueued {
		status := rec.Status
		p.mu.Unlock()
		return errInvalidMessage("cannot mark sending from status %q", status)
	}
	rec.Status = StatusSending
	rec.Attempts++
	rec.UpdatedAt = now
	evt := Event{Kind: EventSending, MessageID: id, ChannelID: rec.Message.ChannelID, Status: StatusSending, Attempts: rec.Attempts, At: now}
	p.mu.Unlock()

	p.emit(evt)
	return nil
}

// MarkSent completes a Sending record successfully. The record leaves its
// channel queue and stays in the arena for status lookups until cleanup.
func (p *Pipeline) MarkSent(id string) error {
	return p.complete(id, StatusSent, nil)
}

// MarkFailed completes a Sending record unsuccessfully, recording the cause.
func (p *Pipeline) MarkFailed(id string, cause error) error {
	return p.complete(id, StatusFailed, cause)
}

func (p *Pipeline) complete(id string, status DeliveryStatus, cause error) error {
	now := time.Now()

	p.mu.Lock()
	rec, ok := p.records[id]
	if !ok {
		p.mu.Unlock()
		return errMessageNotFound(id)
	}
	if rec.Status != StatusSending {
		current := rec.Status
		p.mu.Unlock()
		return errInvalidMessage("cannot mark %s from status %q", status, current)
	}
	rec.Status = status
	if cause != nil {
		rec.LastError = cause.Error()
	}
	rec.UpdatedAt = now
	channelID := rec.Message.ChannelID
	attempts := rec.Attempts
	p.dropFromQueueLocked(channelID, id)
	reclaimed := 0
	if len(p.records) > p.threshold {
		reclaimed = p.cleanupLocked(now)
	}
	p.mu.Unlock()

	if status == StatusSent {
		p.recorder.MessageSent(channelID)
	} else {
		p.recorder.MessageFailed(channelID)
	}
	if reclaimed > 0 {
		slog.Debug("outbound cleanup triggered by completion", "removed", reclaimed)
	}

	evt := Event{Kind: EventSent, MessageID: id, ChannelID: channelID, Status: status, Attempts: attempts, At: now}
	if status == StatusFailed {
		evt.Kind = EventFailed
		if cause != nil {
			evt.Error = cause.Error()
		}
	}
	p.emit(evt)
	return nil
}

// MarkRetry returns a Sending record to Queued after a failed attempt,
// recording the cause. Attempts stay untouched (only MarkSending counts
// them) and the record keeps its original FIFO slot.
func (p *Pipeline) MarkRetry(id string, cause error) error {
	now := time.Now()

	p.mu.Lock()
	rec, ok := p.records[id]
	if !ok {
		p.mu.Unlock()
		return errMessageNotFound(id)
	}
	if rec.Status != StatusSending {
		status := rec.Status
		p.mu.Unlock()
		return errInvalidMessage("cannot mark retry from status %q", status)
	}
	rec.Status = StatusQueued
	if cause != nil {
		rec.LastError = cause.Error()
	}
	rec.UpdatedAt = now
	channelID := rec.Message.ChannelID
	attempts := rec.Attempts
	p.mu.Unlock()

	p.signal(channelID)
	evt := Event{Kind: EventRetrying, MessageID: id, ChannelID: channelID, Status: StatusQueued, Attempts: attempts, At: now}
	if cause != nil {
		evt.Error = cause.Error()
	}
	p.emit(evt)
	return nil
}

// Cancel withdraws a record that has not been claimed yet. Only a Queued
// record may be cancelled; anything else fails with ErrInvalidMessage so
// callers can tell "too late" apart from "gone".
func (p *Pipeline) Cancel(id string) error {
	now := time.Now()

	p.mu.Lock()
	rec, ok := p.records[id]
	if !ok {
		p.mu.Unlock()
		return errMessageNotFound(id)
	}
	if rec.Status != StatusQueued {
		status := rec.Status
		p.mu.Unlock()
		return errInvalidMessage("cannot cancel message in status %q", status)
	}
	rec.Status = StatusCancelled
	rec.UpdatedAt = now
	channelID := rec.Message.ChannelID
	p.dropFromQueueLocked(channelID, id)
	p.mu.Unlock()

	p.emit(Event{Kind: EventCancelled, MessageID: id, ChannelID: channelID, Status: StatusCancelled, At: now})
	return nil
}

// CanRetry reports whether another delivery attempt is allowed, computed
// from the authoritative record — never trust an earlier snapshot, another
// worker may have changed attempts since.
func (p *Pipeline) CanRetry(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rec, ok := p.records[id]
	return ok && rec.canRetry()
}

// GetStatus returns the current status of a tracked message.
func (p *Pipeline) GetStatus(id string) (DeliveryStatus, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rec, ok := p.records[id]
	if !ok {
		return "", errMessageNotFound(id)
	}
	return rec.Status, nil
}

// GetMessage returns a snapshot of a tracked record.
func (p *Pipeline) GetMessage(id string) (*QueuedMessage, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rec, ok := p.records[id]
	if !ok {
		return nil, errMessageNotFound(id)
	}
	return rec.clone(), nil
}

// QueueSize returns the number of active records in a channel's queue.
func (p *Pipeline) QueueSize(channelID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.queues[channelID])
}

// QueueSizes returns the per-channel queue depths.
func (p *Pipeline) QueueSizes() map[string]int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	sizes := make(map[string]int, len(p.queues))
	for channelID, q := range p.queues {
		sizes[channelID] = len(q)
	}
	return sizes
}

// ChannelsWithMessages lists channels with a non-empty queue, sorted.
func (p *Pipeline) ChannelsWithMessages() []string {
	p.mu.RLock()
	channels := make([]string, 0, len(p.queues))
	for channelID, q := range p.queues {
		if len(q) > 0 {
			channels = append(channels, channelID)
		}
	}
	p.mu.RUnlock()

	sort.Strings(channels)
	return channels
}

// PipelineStats is a point-in-time view of pipeline accounting.
type PipelineStats struct {
	TotalQueued     uint64         `json:"total_queued"`
	TotalSent       uint64         `json:"total_sent"`
	TotalFailed     uint64         `json:"total_failed"`
	QueueTotal      int            `json:"queue_total"`
	QueueSizes      map[string]int `json:"queue_sizes"`
	TrackedMessages int            `json:"tracked_messages"`
}

// Stats returns cumulative totals plus current queue depths.
func (p *Pipeline) Stats() PipelineStats {
	queued, sent, failed := p.counters.Totals()

	p.mu.RLock()
	sizes := make(map[string]int, len(p.queues))
	total := 0
	for channelID, q := range p.queues {
		sizes[channelID] = len(q)
		total += len(q)
	}
	tracked := len(p.records)
	p.mu.RUnlock()

	return PipelineStats{
		TotalQueued:     queued,
		TotalSent:       sent,
		TotalFailed:     failed,
		QueueTotal:      total,
		QueueSizes:      sizes,
		TrackedMessages: tracked,
	}
}

// CleanupCompleted removes terminal records past the retention window and
// prunes expired idempotency entries. Active (Queued/Sending) records are
// never touched regardless of age. Returns the number of records removed.
func (p *Pipeline) CleanupCompleted() int {
	now := time.Now()

	p.mu.Lock()
	removed := p.cleanupLocked(now)
	p.mu.Unlock()

	pruned := p.idem.prune(now)
	if removed > 0 || pruned > 0 {
		slog.Debug("outbound cleanup completed", "records_removed", removed, "idempotency_pruned", pruned)
	}
	return removed
}

// cleanupLocked reaps terminal records older than the retention window.
// Terminal records are already off their channel queue, so only the arena
// needs touching. Caller holds the write lock.
func (p *Pipeline) cleanupLocked(now time.Time) int {
	removed := 0
	for id, rec := range p.records {
		if rec.Status.Terminal() && now.Sub(rec.UpdatedAt) > p.retention {
			delete(p.records, id)
			removed++
		}
	}
	return removed
}

// Clear drops every record, queue, and idempotency entry. Cumulative
// counters are preserved; Clear resets work, not history.
func (p *Pipeline) Clear() {
	p.mu.Lock()
	p.records = make(map[string]*QueuedMessage)
	p.queues = make(map[string][]string)
	p.mu.Unlock()

	p.idem.clear()
}

// Notifier returns the shared wake-up channel, signalled at least once per
// enqueue and retry. Receiving drains the signal for everyone, so workers
// must poll for work rather than expect one wakeup per message.
func (p *Pipeline) Notifier() <-chan struct{} {
	return p.notifyCh
}

// Subscribe returns a wake-up channel signalled whenever the given channel
// may have new work. Subscriptions live for the pipeline's lifetime.
func (p *Pipeline) Subscribe(channelID string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	p.submu.Lock()
	p.subs[channelID] = append(p.subs[channelID], ch)
	p.submu.Unlock()
	return ch
}

// dropFromQueueLocked removes ids from a channel's FIFO, preserving the
// order of what remains. Caller holds the write lock.
func (p *Pipeline) dropFromQueueLocked(channelID string, ids ...string) {
	q := p.queues[channelID]
	if len(q) == 0 {
		return
	}

	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	kept := q[:0]
	for _, id := range q {
		if _, skip := drop[id]; !skip {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		delete(p.queues, channelID)
	} else {
		p.queues[channelID] = kept
	}
}

func (p *Pipeline) signal(channelID string) {
	select {
	case p.notifyCh <- struct{}{}:
	default:
	}

	p.submu.Lock()
	for _, ch := range p.subs[channelID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	p.submu.Unlock()
}

func (p *Pipeline) emit(evt Event) {
	if p.onEvent != nil {
		p.onEvent(evt)
	}
}
