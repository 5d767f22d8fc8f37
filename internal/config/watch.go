package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 250 * time.Millisecond

// Watch reloads the config whenever the file at path changes, replacing the
// data in cfg and invoking onReload afterwards. The parent directory is
// watched rather than the file itself so atomic saves (write temp + rename)
// are picked up. Blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, cfg *Config, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	base := filepath.Base(path)
	lastHash := cfg.Hash()

	var debounce *time.Timer
	var pending <-chan time.Time

	reload := func() {
		next, err := Load(path)
		if err != nil {
			slog.Warn("config reload failed, keeping previous config", "path", path, "error", err)
			return
		}
		h := next.Hash()
		if h == lastHash {
			return
		}
		lastHash = h
		cfg.ReplaceFrom(next)
		slog.Info("config reloaded", "path", path, "hash", h)
		if onReload != nil {
			onReload(cfg)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Editors fire bursts of events per save; collapse them.
			if debounce == nil {
				debounce = time.NewTimer(debounceDelay)
				pending = debounce.C
			} else {
				debounce.Reset(debounceDelay)
			}
		case <-pending:
			debounce = nil
			pending = nil
			reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}
