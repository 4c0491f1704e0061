package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/exp/slog"
)

const debounceDelay = 100 * time.Millisecond

// WatchPolicy reloads the policy at path whenever the file is written or
// recreated and passes every valid version to onChange. Invalid versions are
// logged and skipped. Watching stops when ctx is done.
func WatchPolicy(ctx context.Context, path string, onChange func(Policy), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve policy path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	// Watch the directory so editors that replace the file are still seen.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(absPath), err)
	}

	reload := func() {
		p, err := LoadPolicy(absPath)
		if err != nil {
			logger.Error("policy reload failed, keeping previous policy", slog.Any("error", err))
			return
		}
		logger.Info("policy reloaded", slog.String("path", absPath))
		onChange(p)
	}

	go func() {
		defer watcher.Close()

		var debounce *time.Timer
		defer func() {
			if debounce != nil {
				debounce.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != absPath {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDelay, reload)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("policy watcher error", slog.Any("error", err))
			}
		}
	}()

	logger.Info("watching policy file", slog.String("path", absPath))
	return nil
}
