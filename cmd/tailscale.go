//go:build tsnet

package cmd

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"tailscale.com/tsnet"

	"github.com/switchyardhq/switchyard/internal/config"
)

// initTailscale serves the gateway mux on a tsnet listener so the API is
// reachable over the tailnet without exposing a public port. Returns a
// cleanup function, or nil when Tailscale is not configured.
func initTailscale(ctx context.Context, cfg *config.Config, mux *http.ServeMux) func() {
	ts := cfg.Snapshot().Tailscale
	if ts.Hostname == "" {
		return nil
	}

	stateDir := ts.StateDir
	if stateDir == "" {
		if confDir, err := os.UserConfigDir(); err == nil {
			stateDir = filepath.Join(confDir, "tsnet-switchyard")
		}
	}

	srv := &tsnet.Server{
		Hostname:  ts.Hostname,
		Dir:       stateDir,
		AuthKey:   ts.AuthKey,
		Ephemeral: ts.Ephemeral,
	}

	var (
		ln  net.Listener
		err error
	)
	if ts.EnableTLS {
		ln, err = srv.ListenTLS("tcp", ":443")
	} else {
		ln, err = srv.Listen("tcp", ":80")
	}
	if err != nil {
		slog.Error("tailscale listener failed", "hostname", ts.Hostname, "error", err)
		srv.Close()
		return nil
	}

	httpServer := &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()
	go func() {
		slog.Info("tailscale listener ready", "hostname", ts.Hostname, "tls", ts.EnableTLS)
		if serveErr := httpServer.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Warn("tailscale serve stopped", "error", serveErr)
		}
	}()

	return func() {
		httpServer.Close()
		srv.Close()
	}
}
