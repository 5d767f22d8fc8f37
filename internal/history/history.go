// Package history persists per-attempt delivery records so operators can
// answer "what happened to message X" after the pipeline has pruned it.
// Stores are append-mostly: workers record attempts, the gateway queries
// them, a prune pass caps growth.
package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/switchyardhq/switchyard/internal/outbound"
)

// DefaultBufferSize is the Writer queue depth when config leaves it unset.
const DefaultBufferSize = 256

const recordTimeout = 5 * time.Second

// Store persists and queries delivery attempts.
type Store interface {
	// RecordAttempt appends one attempt record.
	RecordAttempt(ctx context.Context, attempt outbound.Attempt) error

	// MessageAttempts returns every recorded attempt for a message, oldest
	// first.
	MessageAttempts(ctx context.Context, messageID string) ([]outbound.Attempt, error)

	// RecentAttempts returns the newest attempts, newest first, optionally
	// filtered by channel. A non-positive limit applies a default.
	RecentAttempts(ctx context.Context, channelID string, limit int) ([]outbound.Attempt, error)

	// Prune deletes records older than the cutoff and reports how many went.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}

// Writer decouples delivery workers from storage latency. Record never
// blocks; a single goroutine drains the buffer into the store, and a full
// buffer drops records rather than stalling delivery.
type Writer struct {
	store Store
	queue chan outbound.Attempt
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewWriter starts a writer draining into store. buffer <= 0 uses
// DefaultBufferSize.
func NewWriter(store Store, buffer int) *Writer {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	w := &Writer{
		store: store,
		queue: make(chan outbound.Attempt, buffer),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go w.drain()
	return w
}

// Record enqueues one attempt for persistence. Safe to call from any
// goroutine, including after Close (late records are dropped).
func (w *Writer) Record(attempt outbound.Attempt) {
	select {
	case w.queue <- attempt:
	default:
		slog.Warn("history buffer full, dropping attempt record",
			"message_id", attempt.MessageID, "channel_id", attempt.ChannelID)
	}
}

// Close flushes buffered records and closes the underlying store.
func (w *Writer) Close() error {
	w.once.Do(func() { close(w.stop) })
	<-w.done
	return w.store.Close()
}

func (w *Writer) drain() {
	defer close(w.done)
	for {
		select {
		case attempt := <-w.queue:
			w.persist(attempt)
		case <-w.stop:
			// Flush whatever is buffered, then exit.
			for {
				select {
				case attempt := <-w.queue:
					w.persist(attempt)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) persist(attempt outbound.Attempt) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := w.store.RecordAttempt(ctx, attempt); err != nil {
		slog.Warn("record delivery attempt",
			"message_id", attempt.MessageID, "error", err)
	}
}
