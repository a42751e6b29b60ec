package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay coalesces the burst of events an editor produces on save.
const reloadDelay = 200 * time.Millisecond

// Watch reloads the config at path whenever it changes and passes every
// valid result to onChange. An invalid file is logged and ignored. It blocks
// until ctx ends.
func Watch(ctx context.Context, path, envFile string, log *slog.Logger, onChange func(*Config)) error {
	log = log.With(slog.String("item", "ConfigWatcher"), slog.String("path", path))

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("cannot watch config: %w", err)
	}
	defer w.Close()

	target := filepath.Clean(path)
	// The directory is watched since editors often replace the file.
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("cannot watch config: %w", err)
	}

	reload := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("Watcher error", slog.Any("error", err))
		case <-reload:
			cfg, err := Load(path, envFile)
			if err != nil {
				log.Warn("Config change ignored", slog.Any("error", err))
				continue
			}
			log.Info("Config reloaded")
			onChange(cfg)
		}
	}
}
