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

// Watch monitors path and calls onChange with the newly loaded Config each
// time the file changes. It runs until ctx is cancelled.
//
// The parent directory is watched, so atomic saves (write to a temp file,
// rename over path) keep being observed. If a reload fails the error is
// logged and onChange is not called, so the previous config stays in effect.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("server config: resolve %q: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("server config: new watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("server config: watch %q: %w", filepath.Dir(abs), err)
	}

	slog.Info("server config: watching for changes", "path", abs)

	pending := time.NewTimer(reloadDebounce)
	pending.Stop()
	defer pending.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			// Atomic saves arrive as Create after a rename.
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				pending.Reset(reloadDebounce)
			}

		case <-pending.C:
			cfg, err := Load(abs)
			if err != nil {
				slog.Error("server config: reload failed, keeping previous config",
					"path", abs, "err", err)
				continue
			}
			slog.Info("server config: reloaded", "path", abs)
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("server config: watcher error", "err", err)
		}
	}
}
