package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prom is a Recorder backed by Prometheus counter vectors, labelled by
// channel. Metrics are registered on the given registerer so tests and
// multiple gateway instances stay isolated from the default registry.
type Prom struct {
	queued *prometheus.CounterVec
	sent   *prometheus.CounterVec
	failed *prometheus.CounterVec
}

func NewProm(reg prometheus.Registerer) *Prom {
	factory := promauto.With(reg)
	return &Prom{
		queued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchyard_messages_queued_total",
				Help: "Total number of messages accepted into the outbound pipeline",
			},
			[]string{"channel"},
		),
		sent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchyard_messages_sent_total",
				Help: "Total number of messages delivered successfully",
			},
			[]string{"channel"},
		),
		failed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchyard_messages_failed_total",
				Help: "Total number of messages that exhausted delivery",
			},
			[]string{"channel"},
		),
	}
}

func (p *Prom) MessageQueued(channel string) { p.queued.WithLabelValues(channel).Inc() }
func (p *Prom) MessageSent(channel string)   { p.sent.WithLabelValues(channel).Inc() }
func (p *Prom) MessageFailed(channel string) { p.failed.WithLabelValues(channel).Inc() }

// QueueDepthCollector exports per-channel queue depth as a gauge, sampled
// at scrape time from the sizes func instead of being pushed on every
// transition.
type QueueDepthCollector struct {
	desc  *prometheus.Desc
	sizes func() map[string]int
}

func NewQueueDepthCollector(sizes func() map[string]int) *QueueDepthCollector {
	return &QueueDepthCollector{
		desc: prometheus.NewDesc(
			"switchyard_queue_depth",
			"Number of active records in a channel's outbound queue",
			[]string{"channel"}, nil,
		),
		sizes: sizes,
	}
}

func (c *QueueDepthCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *QueueDepthCollector) Collect(ch chan<- prometheus.Metric) {
	for channel, depth := range c.sizes() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(depth), channel)
	}
}
