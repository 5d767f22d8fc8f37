package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/switchyardhq/switchyard/internal/outbound"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Contains reports whether s is in the slice. An empty slice matches nothing;
// callers that treat empty as "allow all" must check len() themselves.
func (f FlexibleStringSlice) Contains(s string) bool {
	for _, v := range f {
		if v == s {
			return true
		}
	}
	return false
}

// Config is the root configuration for the Switchyard gateway.
type Config struct {
	Channels  ChannelsConfig  `json:"channels"`
	Gateway   GatewayConfig   `json:"gateway"`
	Pipeline  PipelineConfig  `json:"pipeline,omitempty"`
	Delivery  DeliveryConfig  `json:"delivery,omitempty"`
	History   HistoryConfig   `json:"history,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
	mu        sync.RWMutex
}

// PipelineConfig tunes the outbound message pipeline.
type PipelineConfig struct {
	MaxQueueSize       int    `json:"max_queue_size,omitempty"`      // per-channel queue capacity (default 1000)
	CompletedRetention string `json:"completed_retention,omitempty"` // keep completed records this long (default "1h", Go duration)
	IdempotencyTTL     string `json:"idempotency_ttl,omitempty"`     // idempotency key lifetime (default "24h", Go duration)
	CleanupInterval    string `json:"cleanup_interval,omitempty"`    // background sweep period (default "10m", Go duration)
}

// ToOptions converts PipelineConfig to outbound.Options with defaults applied.
// The caller wires Recorder and OnEvent separately.
func (pc PipelineConfig) ToOptions() outbound.Options {
	var opts outbound.Options
	if pc.MaxQueueSize > 0 {
		opts.MaxQueueSize = pc.MaxQueueSize
	}
	if pc.CompletedRetention != "" {
		if d, err := time.ParseDuration(pc.CompletedRetention); err == nil && d > 0 {
			opts.CompletedRetention = d
		}
	}
	if pc.IdempotencyTTL != "" {
		if d, err := time.ParseDuration(pc.IdempotencyTTL); err == nil && d > 0 {
			opts.IdempotencyTTL = d
		}
	}
	return opts
}

// CleanupEvery returns the background cleanup period (default 10m).
func (pc PipelineConfig) CleanupEvery() time.Duration {
	if pc.CleanupInterval != "" {
		if d, err := time.ParseDuration(pc.CleanupInterval); err == nil && d > 0 {
			return d
		}
	}
	return 10 * time.Minute
}

// DeliveryConfig tunes the per-channel delivery workers.
type DeliveryConfig struct {
	SendTimeout     string  `json:"send_timeout,omitempty"`     // per-attempt send timeout (default "30s", Go duration)
	RetryBaseDelay  string  `json:"retry_base_delay,omitempty"` // initial retry backoff (default "1s", Go duration)
	RetryMaxDelay   string  `json:"retry_max_delay,omitempty"`  // retry backoff ceiling (default "30s", Go duration)
	PollInterval    string  `json:"poll_interval,omitempty"`    // queue poll fallback period (default "1s", Go duration)
	CallbackTimeout string  `json:"callback_timeout,omitempty"` // delivery callback POST timeout (default "10s", Go duration)
	RatePerSecond   float64 `json:"rate_per_second,omitempty"`  // per-channel send rate (default 1.0)
	RateBurst       int     `json:"rate_burst,omitempty"`       // token bucket burst (default 5)
}

// WorkerConfig is DeliveryConfig with durations parsed and defaults applied.
type WorkerConfig struct {
	SendTimeout     time.Duration
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	PollInterval    time.Duration
	CallbackTimeout time.Duration
	RatePerSecond   float64
	RateBurst       int
}

// ToWorkerConfig converts DeliveryConfig to a WorkerConfig with defaults applied.
func (dc DeliveryConfig) ToWorkerConfig() WorkerConfig {
	cfg := WorkerConfig{
		SendTimeout:     30 * time.Second,
		RetryBaseDelay:  time.Second,
		RetryMaxDelay:   30 * time.Second,
		PollInterval:    time.Second,
		CallbackTimeout: 10 * time.Second,
		RatePerSecond:   1.0,
		RateBurst:       5,
	}
	parse := func(s string, dst *time.Duration) {
		if s == "" {
			return
		}
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			*dst = d
		}
	}
	parse(dc.SendTimeout, &cfg.SendTimeout)
	parse(dc.RetryBaseDelay, &cfg.RetryBaseDelay)
	parse(dc.RetryMaxDelay, &cfg.RetryMaxDelay)
	parse(dc.PollInterval, &cfg.PollInterval)
	parse(dc.CallbackTimeout, &cfg.CallbackTimeout)
	if dc.RatePerSecond > 0 {
		cfg.RatePerSecond = dc.RatePerSecond
	}
	if dc.RateBurst > 0 {
		cfg.RateBurst = dc.RateBurst
	}
	return cfg
}

// HistoryConfig configures the delivery attempt log.
// PostgresDSN is NEVER read from config.json (secret) — only from env SWITCHYARD_POSTGRES_DSN.
type HistoryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Backend     string `json:"backend,omitempty"`     // "sqlite" (default) or "postgres"
	SQLitePath  string `json:"sqlite_path,omitempty"` // default ~/.switchyard/history.db
	PostgresDSN string `json:"-"`                     // from env SWITCHYARD_POSTGRES_DSN only
	BufferSize  int    `json:"buffer_size,omitempty"` // async write buffer (default 256)
}

// UsesPostgres returns true if the attempt log is backed by Postgres.
func (c *Config) UsesPostgres() bool {
	return c.History.Backend == "postgres" && c.History.PostgresDSN != ""
}

// SchedulerConfig configures recurring outbound messages.
type SchedulerConfig struct {
	Enabled  bool               `json:"enabled,omitempty"`
	Messages []ScheduledMessage `json:"messages,omitempty"`
}

// ScheduledMessage queues a text message whenever its cron expression fires.
type ScheduledMessage struct {
	Name    string `json:"name"`         // unique name, used to build idempotency keys
	Cron    string `json:"cron"`         // standard 5-field cron expression
	Channel string `json:"channel"`      // target channel ID
	To      string `json:"to,omitempty"` // recipient / chat ID override
	Text    string `json:"text"`         // message body
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
// When enabled, spans are exported to an OTLP-compatible backend
// (Jaeger, Tempo, Datadog, etc.).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317", "https://otel.example.com:4318")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS verification (default false, set true for local dev)
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "switchyard-gateway")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens for cloud backends)
}

// TailscaleConfig configures the optional Tailscale tsnet listener.
// Requires building with -tags tsnet. Auth key from env only (never persisted).
type TailscaleConfig struct {
	Hostname  string `json:"hostname"`             // Tailscale machine name (e.g. "switchyard")
	StateDir  string `json:"state_dir,omitempty"`  // persistent state directory (default: os.UserConfigDir/tsnet-switchyard)
	AuthKey   string `json:"-"`                    // from env SWITCHYARD_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`  // remove node on exit (default false)
	EnableTLS bool   `json:"enable_tls,omitempty"` // use ListenTLS for auto HTTPS certs
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Channels = src.Channels
	c.Gateway = src.Gateway
	c.Pipeline = src.Pipeline
	c.Delivery = src.Delivery
	c.History = src.History
	c.Scheduler = src.Scheduler
	c.Telemetry = src.Telemetry
	c.Tailscale = src.Tailscale
}

// Snapshot returns a copy of the config data under the read lock.
// Callers get a consistent view even while a reload is in flight.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Config{
		Channels:  c.Channels,
		Gateway:   c.Gateway,
		Pipeline:  c.Pipeline,
		Delivery:  c.Delivery,
		History:   c.History,
		Scheduler: c.Scheduler,
		Telemetry: c.Telemetry,
		Tailscale: c.Tailscale,
	}
}
