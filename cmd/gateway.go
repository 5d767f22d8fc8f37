package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/switchyardhq/switchyard/internal/channels"
	"github.com/switchyardhq/switchyard/internal/channels/discord"
	"github.com/switchyardhq/switchyard/internal/channels/telegram"
	"github.com/switchyardhq/switchyard/internal/channels/webchat"
	"github.com/switchyardhq/switchyard/internal/channels/whatsapp"
	"github.com/switchyardhq/switchyard/internal/config"
	"github.com/switchyardhq/switchyard/internal/gateway"
	"github.com/switchyardhq/switchyard/internal/history"
	"github.com/switchyardhq/switchyard/internal/metrics"
	"github.com/switchyardhq/switchyard/internal/outbound"
	"github.com/switchyardhq/switchyard/internal/scheduler"
	"github.com/switchyardhq/switchyard/internal/telemetry"
	"github.com/switchyardhq/switchyard/pkg/protocol"
)

// historyRetention bounds how long delivery attempt records are kept.
const historyRetention = 7 * 24 * time.Hour

// eventFan dispatches pipeline events to every registered sink. Sinks are
// added during startup, before the pipeline sees any traffic.
type eventFan struct {
	mu    sync.RWMutex
	sinks []func(outbound.Event)
}

func (f *eventFan) add(sink func(outbound.Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, sink)
}

func (f *eventFan) dispatch(evt outbound.Event) {
	f.mu.RLock()
	sinks := f.sinks
	f.mu.RUnlock()
	for _, sink := range sinks {
		sink(evt)
	}
}

func runGateway() {
	// Setup structured logging
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	// Load config
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	snap := cfg.Snapshot()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Telemetry (no-op when disabled)
	telemetryShutdown, err := telemetry.Setup(ctx, snap.Telemetry)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		telemetryShutdown(shutdownCtx)
	}()

	// Metrics: a private registry so tests and parallel instances stay
	// isolated from the default one.
	promReg := prometheus.NewRegistry()
	recorder := metrics.NewProm(promReg)

	// Outbound pipeline with event fan-out (gateway WS, delivery callbacks)
	fan := &eventFan{}
	opts := snap.Pipeline.ToOptions()
	opts.Recorder = recorder
	opts.OnEvent = fan.dispatch
	pipe := outbound.New(opts)

	promReg.MustRegister(metrics.NewQueueDepthCollector(pipe.QueueSizes))

	// Channel manager + delivery workers
	workerCfg := snap.Delivery.ToWorkerConfig()
	mgr := channels.NewManager(pipe, workerCfg)

	// Gateway server
	server := gateway.NewServer(cfg, pipe, mgr)
	server.SetMetricsHandler(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	fan.add(server.HandleEvent)

	// Delivery callbacks
	callbacks := channels.NewCallbackNotifier(pipe, workerCfg.CallbackTimeout)
	fan.add(callbacks.HandleEvent)

	// Channels
	if snap.Channels.Telegram.Enabled {
		ch, err := telegram.New(snap.Channels.Telegram)
		if err != nil {
			slog.Error("telegram channel init failed", "error", err)
		} else {
			mgr.RegisterChannel("telegram", ch)
		}
	}
	if snap.Channels.Discord.Enabled {
		ch, err := discord.New(snap.Channels.Discord)
		if err != nil {
			slog.Error("discord channel init failed", "error", err)
		} else {
			mgr.RegisterChannel("discord", ch)
		}
	}
	if snap.Channels.WhatsApp.Enabled {
		ch, err := whatsapp.New(snap.Channels.WhatsApp)
		if err != nil {
			slog.Error("whatsapp channel init failed", "error", err)
		} else {
			mgr.RegisterChannel("whatsapp", ch)
		}
	}
	if snap.Channels.WebChat.Enabled {
		hub := webchat.NewHub(snap.Channels.WebChat, server.CheckOrigin)
		mgr.RegisterChannel("webchat", hub)
		server.SetWebChat(hub)
	}

	// Delivery history (audit log, not recovery)
	var histStore history.Store
	if snap.History.Enabled {
		histStore, err = openHistory(snap.History)
		if err != nil {
			slog.Error("history store init failed", "error", err)
			os.Exit(1)
		}
		writer := history.NewWriter(histStore, snap.History.BufferSize)
		defer writer.Close()
		mgr.OnAttempt(writer.Record)
		server.SetHistory(histStore)
		slog.Info("delivery history enabled", "backend", snap.History.Backend)
	}

	// Scheduler
	sched := scheduler.New(pipe, snap.Scheduler)
	if snap.Scheduler.Enabled && sched.Entries() > 0 {
		if err := sched.Start(ctx); err != nil {
			slog.Error("scheduler start failed", "error", err)
		}
		defer sched.Stop()
	}

	// Channels + delivery workers
	if err := mgr.StartAll(ctx); err != nil {
		slog.Error("channel startup failed", "error", err)
	}

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		server.BroadcastEvent(protocol.NewEvent(protocol.EventShutdown, nil))
		mgr.StopAll(context.Background())
		cancel()
	}()

	slog.Info("switchyard gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"channels", mgr.GetEnabledChannels(),
		"history", snap.History.Enabled,
	)

	// Tailscale listener: build the mux first, then pass it to initTailscale
	// so the same routes are served on both listeners.
	// Compiled via build tags: `go build -tags tsnet` to enable.
	mux := server.BuildMux()
	tsCleanup := initTailscale(ctx, cfg, mux)
	if tsCleanup != nil {
		defer tsCleanup()
	}

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(runCtx) })
	g.Go(func() error {
		return config.Watch(runCtx, cfgPath, cfg, func(c *config.Config) {
			// Secrets never live in the file; restore them from env.
			c.ApplyEnvOverrides()
			slog.Info("config reloaded; structural changes (channels, listeners) need a restart")
		})
	})
	g.Go(func() error {
		runCleanupLoop(runCtx, pipe, histStore, snap.Pipeline.CleanupEvery())
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

func openHistory(cfg config.HistoryConfig) (history.Store, error) {
	if cfg.Backend == "postgres" && cfg.PostgresDSN != "" {
		return history.OpenPostgres(cfg.PostgresDSN)
	}
	path := config.ExpandHome(cfg.SQLitePath)
	if path == "" {
		path = config.ExpandHome("~/.switchyard/history.db")
	}
	return history.OpenSQLite(path)
}

// runCleanupLoop periodically reclaims terminal pipeline records and prunes
// old history rows. Expiry of queued messages stays lazy; this sweep only
// touches completed work.
func runCleanupLoop(ctx context.Context, pipe *outbound.Pipeline, hist history.Store, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if removed := pipe.CleanupCompleted(); removed > 0 {
			slog.Debug("pipeline cleanup", "removed", removed)
		}
		if hist != nil {
			pruneCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if n, err := hist.Prune(pruneCtx, time.Now().Add(-historyRetention)); err != nil {
				slog.Warn("history prune failed", "error", err)
			} else if n > 0 {
				slog.Debug("history pruned", "rows", n)
			}
			cancel()
		}
	}
}
