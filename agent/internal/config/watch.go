package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce collapses the burst of events an editor save produces.
const reloadDebounce = 250 * time.Millisecond

// Watch calls onChange with the reloaded Config whenever the file at path
// changes. The parent directory is watched so that rename-based saves keep
// being observed. Invalid files are logged and skipped. Watch returns when ctx
// is cancelled.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: resolve %q: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: new watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config: watch %q: %w", filepath.Dir(abs), err)
	}
	slog.Info("agent config: watching for changes", "path", abs)

	timer := time.NewTimer(reloadDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				timer.Reset(reloadDebounce)
			}

		case <-timer.C:
			cfg, err := Load(abs)
			if err != nil {
				slog.Error("agent config: reload failed, keeping previous config", "path", abs, "err", err)
				continue
			}
			slog.Info("agent config: reloaded", "path", abs, "sources", len(cfg.Agent.Sources))
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("agent config: watcher error", "err", err)
		}
	}
}
