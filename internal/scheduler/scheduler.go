// Package scheduler enqueues recurring outbound messages defined in config.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/switchyardhq/switchyard/internal/config"
	"github.com/switchyardhq/switchyard/internal/outbound"
)

// Scheduler fires config-defined cron entries into the pipeline on minute
// boundaries. Enqueues are idempotent per entry per minute within one
// process lifetime; the dedup keys live in the pipeline's in-memory store,
// so a gateway restart inside the same minute may enqueue an entry again.
type Scheduler struct {
	pipe    *outbound.Pipeline
	entries []config.ScheduledMessage
	gron    *gronx.Gronx
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a scheduler from config, dropping entries that cannot fire.
func New(pipe *outbound.Pipeline, cfg config.SchedulerConfig) *Scheduler {
	s := &Scheduler{pipe: pipe, gron: gronx.New()}

	for i, entry := range cfg.Messages {
		if entry.Name == "" {
			entry.Name = fmt.Sprintf("entry-%d", i)
		}
		if !s.gron.IsValid(entry.Cron) {
			slog.Warn("skipping scheduled message with invalid cron",
				"name", entry.Name, "cron", entry.Cron)
			continue
		}
		if entry.Channel == "" || entry.Text == "" {
			slog.Warn("skipping scheduled message missing channel or text", "name", entry.Name)
			continue
		}
		s.entries = append(s.entries, entry)
	}
	return s
}

// Entries returns how many runnable entries the scheduler carries.
func (s *Scheduler) Entries() int { return len(s.entries) }

// Start begins the minute loop. With no runnable entries it is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	if len(s.entries) == 0 {
		slog.Debug("scheduler idle, no entries configured")
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(runCtx)

	slog.Info("scheduler started", "entries", len(s.entries))
	return nil
}

// Stop halts the minute loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// run wakes on minute boundaries so cron matching sees each minute exactly
// once regardless of when the gateway started.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	for {
		next := time.Now().Truncate(time.Minute).Add(time.Minute)

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}

		s.fireDue(next)
	}
}

// fireDue enqueues every entry whose expression matches the given minute.
func (s *Scheduler) fireDue(minute time.Time) {
	for _, entry := range s.entries {
		due, err := s.gron.IsDue(entry.Cron, minute)
		if err != nil || !due {
			continue
		}
		s.enqueue(entry, minute)
	}
}

func (s *Scheduler) enqueue(entry config.ScheduledMessage, minute time.Time) {
	msg := outbound.NewTextMessage(entry.Channel, entry.Text)
	if entry.To != "" {
		msg = msg.ToChat(entry.To)
	}

	octx := outbound.DefaultContext()
	octx.Source = "scheduler"

	key := fmt.Sprintf("sched:%s:%s", entry.Name, minute.Format("200601021504"))
	res, err := s.pipe.QueueWithIdempotency(msg, octx, key)
	if err != nil {
		slog.Warn("scheduled message not queued",
			"name", entry.Name, "channel", entry.Channel, "error", err)
		return
	}
	if res.QueuePosition == nil {
		slog.Debug("scheduled message already queued this minute", "name", entry.Name)
		return
	}

	slog.Info("scheduled message queued",
		"name", entry.Name, "channel", entry.Channel, "message_id", res.MessageID)
}
