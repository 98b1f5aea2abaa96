package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watcherDebounce = 500 * time.Millisecond

// Watch observes the config file for modifications and invokes onChange
// (debounced) for each change. The running configuration is immutable, so
// the callback typically just tells the user a restart is needed. Watch
// blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory rather than the file so editors that replace the
	// file (rename-over) keep being observed.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	logger := slog.With("component", "config", "path", path)
	logger.Debug("watching config file for changes")

	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			logger.Debug("config file changed", "op", event.Op)

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watcherDebounce, onChange)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("config watcher error", "error", err)
		}
	}
}
