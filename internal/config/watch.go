package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadSettle collapses the burst of events editors produce when saving.
const reloadSettle = 250 * time.Millisecond

// Watch reloads the config whenever the file changes and, when the result
// is valid, stores it in h and calls onChange. load re-resolves the config;
// nil means LoadOrDefault of the held path. Invalid files are logged and
// ignored; the previous config stays in effect. The parent directory is
// watched so atomic-rename saves are seen. Watch blocks until ctx ends.
func Watch(
	ctx context.Context, h *Holder, load func() (*Config, error), logger *slog.Logger, onChange func(*Config),
) error {
	path := h.Path()
	if path == "" {
		return fmt.Errorf("config: watch: no config path")
	}

	if load == nil {
		load = func() (*Config, error) { return LoadOrDefault(path) }
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("config: watching %s: %w", dir, err)
	}

	logger.Debug("watching config file", slog.String("path", path))

	name := filepath.Clean(path)
	timer := time.NewTimer(reloadSettle)
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

			if filepath.Clean(ev.Name) != name {
				continue
			}

			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				timer.Reset(reloadSettle)
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Warn("config watcher error", slog.String("error", werr.Error()))
		case <-timer.C:
			reload(h, load, logger, onChange)
		}
	}
}

func reload(h *Holder, load func() (*Config, error), logger *slog.Logger, onChange func(*Config)) {
	cfg, err := load()
	if err != nil {
		logger.Warn("config reload rejected, keeping previous config",
			slog.String("path", h.Path()),
			slog.String("error", err.Error()),
		)

		return
	}

	h.Update(cfg)
	logger.Info("config reloaded", slog.String("path", h.Path()))

	if onChange != nil {
		onChange(cfg)
	}
}
