//go:build !tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/switchyardhq/switchyard/internal/config"
)

// initTailscale is a no-op unless built with -tags tsnet.
func initTailscale(_ context.Context, cfg *config.Config, _ *http.ServeMux) func() {
	if cfg.Snapshot().Tailscale.Hostname != "" {
		slog.Warn("tailscale configured but this binary was built without tsnet support; rebuild with -tags tsnet")
	}
	return nil
}
