package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the config file whenever it changes and passes the new
// config to onChange. Editors often write via rename, so the directory is
// watched rather than the file. Events are debounced.
func Watch(ctx context.Context, path string, logger *zap.Logger, onChange func(*Config)) error {
	if path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config dir: %w", err)
	}

	target := filepath.Clean(path)
	const debounce = 250 * time.Millisecond

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		fire := make(chan struct{}, 1)

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			case <-fire:
				cfg, err := Load(path)
				if err != nil {
					logger.Warn("Config reload failed, keeping previous", zap.Error(err))
					continue
				}
				logger.Info("Config reloaded", zap.String("path", path))
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("Watcher error", zap.Error(err))
			}
		}
	}()

	logger.Info("Config hot-reload watching started", zap.String("path", path))
	return nil
}
