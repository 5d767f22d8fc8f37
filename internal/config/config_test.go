package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gateway.Port != 18890 {
		t.Errorf("Gateway.Port = %d, want 18890", cfg.Gateway.Port)
	}
	if !cfg.Channels.WebChat.Enabled {
		t.Error("WebChat.Enabled = false, want true by default")
	}
	if cfg.History.Backend != "sqlite" {
		t.Errorf("History.Backend = %q, want %q", cfg.History.Backend, "sqlite")
	}
	if cfg.Pipeline.MaxQueueSize != 1000 {
		t.Errorf("Pipeline.MaxQueueSize = %d, want 1000", cfg.Pipeline.MaxQueueSize)
	}
}

func TestLoadParsesJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		// gateway settings
		gateway: {
			host: "127.0.0.1",
			port: 9999,
		},
		channels: {
			telegram: {
				enabled: true,
				token: "tg-token",
				allow_to: [123456789, "987654321"],
			},
		},
		pipeline: {
			max_queue_size: 50,
			completed_retention: "30m",
		},
	}`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gateway.Host != "127.0.0.1" || cfg.Gateway.Port != 9999 {
		t.Errorf("Gateway = %s:%d, want 127.0.0.1:9999", cfg.Gateway.Host, cfg.Gateway.Port)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.Token != "tg-token" {
		t.Errorf("Telegram = %+v, want enabled with token", cfg.Channels.Telegram)
	}
	want := []string{"123456789", "987654321"}
	got := cfg.Channels.Telegram.AllowTo
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Telegram.AllowTo = %v, want %v", got, want)
	}
	if cfg.Pipeline.MaxQueueSize != 50 {
		t.Errorf("Pipeline.MaxQueueSize = %d, want 50", cfg.Pipeline.MaxQueueSize)
	}
	// Unset sections keep their defaults.
	if cfg.History.Backend != "sqlite" {
		t.Errorf("History.Backend = %q, want default %q", cfg.History.Backend, "sqlite")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SWITCHYARD_TELEGRAM_TOKEN", "env-token")
	t.Setenv("SWITCHYARD_PORT", "4242")
	t.Setenv("SWITCHYARD_POSTGRES_DSN", "postgres://u:p@localhost/switchyard")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Channels.Telegram.Token != "env-token" {
		t.Errorf("Telegram.Token = %q, want %q", cfg.Channels.Telegram.Token, "env-token")
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Error("Telegram.Enabled = false, want auto-enable when token set via env")
	}
	if cfg.Gateway.Port != 4242 {
		t.Errorf("Gateway.Port = %d, want 4242", cfg.Gateway.Port)
	}
	if cfg.History.PostgresDSN == "" {
		t.Error("History.PostgresDSN empty, want value from env")
	}
}

func TestPostgresDSNNeverSerialized(t *testing.T) {
	cfg := Default()
	cfg.History.PostgresDSN = "postgres://secret"
	cfg.Tailscale.AuthKey = "tskey-secret"

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	for _, secret := range []string{"postgres://secret", "tskey-secret"} {
		if containsStr(string(data), secret) {
			t.Errorf("serialized config contains secret %q", secret)
		}
	}
}

func containsStr(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Token = "gw-secret"
	cfg.Channels.Telegram.Token = "tg-secret"
	cfg.Channels.Telegram.DefaultChatID = "12345"

	cp := cfg.MaskedCopy()
	if cp.Gateway.Token != secretMask {
		t.Errorf("Gateway.Token = %q, want masked", cp.Gateway.Token)
	}
	if cp.Channels.Telegram.Token != secretMask {
		t.Errorf("Telegram.Token = %q, want masked", cp.Channels.Telegram.Token)
	}
	if cp.Channels.Telegram.DefaultChatID != "12345" {
		t.Errorf("Telegram.DefaultChatID = %q, want preserved", cp.Channels.Telegram.DefaultChatID)
	}
	// Original untouched.
	if cfg.Gateway.Token != "gw-secret" {
		t.Errorf("original Gateway.Token = %q, want unchanged", cfg.Gateway.Token)
	}
}

func TestToWorkerConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		wc := DeliveryConfig{}.ToWorkerConfig()
		if wc.SendTimeout != 30*time.Second {
			t.Errorf("SendTimeout = %v, want 30s", wc.SendTimeout)
		}
		if wc.RetryBaseDelay != time.Second {
			t.Errorf("RetryBaseDelay = %v, want 1s", wc.RetryBaseDelay)
		}
		if wc.RatePerSecond != 1.0 || wc.RateBurst != 5 {
			t.Errorf("rate = %v burst %d, want 1.0 burst 5", wc.RatePerSecond, wc.RateBurst)
		}
	})

	t.Run("overrides", func(t *testing.T) {
		dc := DeliveryConfig{
			SendTimeout:   "5s",
			RatePerSecond: 10,
			RateBurst:     20,
		}
		wc := dc.ToWorkerConfig()
		if wc.SendTimeout != 5*time.Second {
			t.Errorf("SendTimeout = %v, want 5s", wc.SendTimeout)
		}
		if wc.RatePerSecond != 10 || wc.RateBurst != 20 {
			t.Errorf("rate = %v burst %d, want 10 burst 20", wc.RatePerSecond, wc.RateBurst)
		}
	})

	t.Run("invalid duration keeps default", func(t *testing.T) {
		wc := DeliveryConfig{SendTimeout: "soon"}.ToWorkerConfig()
		if wc.SendTimeout != 30*time.Second {
			t.Errorf("SendTimeout = %v, want default 30s on parse failure", wc.SendTimeout)
		}
	})
}

func TestPipelineToOptions(t *testing.T) {
	pc := PipelineConfig{
		MaxQueueSize:       25,
		CompletedRetention: "15m",
		IdempotencyTTL:     "2h",
	}
	opts := pc.ToOptions()
	if opts.MaxQueueSize != 25 {
		t.Errorf("MaxQueueSize = %d, want 25", opts.MaxQueueSize)
	}
	if opts.CompletedRetention != 15*time.Minute {
		t.Errorf("CompletedRetention = %v, want 15m", opts.CompletedRetention)
	}
	if opts.IdempotencyTTL != 2*time.Hour {
		t.Errorf("IdempotencyTTL = %v, want 2h", opts.IdempotencyTTL)
	}
	if got := (PipelineConfig{}).CleanupEvery(); got != 10*time.Minute {
		t.Errorf("CleanupEvery() = %v, want default 10m", got)
	}
}

func TestReplaceFromAndSnapshot(t *testing.T) {
	cfg := Default()
	src := Default()
	src.Gateway.Port = 7777
	src.Channels.Discord.Enabled = true

	cfg.ReplaceFrom(src)

	snap := cfg.Snapshot()
	if snap.Gateway.Port != 7777 {
		t.Errorf("Snapshot().Gateway.Port = %d, want 7777", snap.Gateway.Port)
	}
	if !snap.Channels.Discord.Enabled {
		t.Error("Snapshot().Channels.Discord.Enabled = false, want true")
	}
}

func TestHashChangesWithData(t *testing.T) {
	a := Default()
	b := Default()
	if a.Hash() != b.Hash() {
		t.Error("identical configs hash differently")
	}
	b.Gateway.Port = 1
	if a.Hash() == b.Hash() {
		t.Error("different configs hash identically")
	}
}

// TestWatchReloadsOnChange exercises the fsnotify-driven hot reload path
// end to end with a real file.
func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{gateway: {port: 1111}}`), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan struct{}, 1)
	go func() {
		_ = Watch(ctx, path, cfg, func(*Config) {
			select {
			case reloaded <- struct{}{}:
			default:
			}
		})
	}()

	// Give the watcher a moment to register before rewriting.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{gateway: {port: 2222}}`), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}

	if got := cfg.Snapshot().Gateway.Port; got != 2222 {
		t.Errorf("Gateway.Port after reload = %d, want 2222", got)
	}
}
