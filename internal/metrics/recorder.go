// Package metrics decouples delivery accounting from the pipeline itself.
// The pipeline reports transitions into a Recorder; callers choose the
// implementation (in-memory counters, Prometheus, or both), so independent
// pipeline instances never share process-wide state.
package metrics

import "sync/atomic"

// Recorder receives one call per pipeline transition worth counting.
// Implementations must be safe for concurrent use.
type Recorder interface {
	MessageQueued(channel string)
	MessageSent(channel string)
	MessageFailed(channel string)
}

// Counters is the default in-memory Recorder: three lock-free totals.
type Counters struct {
	queued atomic.Uint64
	sent   atomic.Uint64
	failed atomic.Uint64
}

func NewCounters() *Counters { return &Counters{} }

func (c *Counters) MessageQueued(string) { c.queued.Add(1) }
func (c *Counters) MessageSent(string)   { c.sent.Add(1) }
func (c *Counters) MessageFailed(string) { c.failed.Add(1) }

// Totals returns the current counter values.
func (c *Counters) Totals() (queued, sent, failed uint64) {
	return c.queued.Load(), c.sent.Load(), c.failed.Load()
}

// Nop discards all reports.
type Nop struct{}

func (Nop) MessageQueued(string) {}
func (Nop) MessageSent(string)   {}
func (Nop) MessageFailed(string) {}

// Multi fans every report out to all wrapped recorders.
func Multi(recorders ...Recorder) Recorder { return multi(recorders) }

type multi []Recorder

func (m multi) MessageQueued(channel string) {
	for _, r := range m {
		r.MessageQueued(channel)
	}
}

func (m multi) MessageSent(channel string) {
	for _, r := range m {
		r.MessageSent(channel)
	}
}

func (m multi) MessageFailed(channel string) {
	for _, r := range m {
		r.MessageFailed(channel)
	}
}
