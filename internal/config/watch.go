package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of file events into one reload.
const DefaultDebounce = 200 * time.Millisecond

// Watch reloads the config file at path whenever it changes and passes
// every valid result to onChange. Invalid files are logged and skipped. The
// directory is watched rather than the file so editors that replace the
// file on save are seen. Watch returns when ctx is done.
func Watch(ctx context.Context, path string, debounce time.Duration, logger *slog.Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		return err
	}

	var (
		mu     sync.Mutex
		timer  *time.Timer
		closed bool
	)
	reload := func() {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		cfg, err := Load(absPath)
		if err != nil {
			logger.Warn("config.reload.failed", "path", absPath, "error", err)
			return
		}
		logger.Info("config.reload", "path", absPath, "providers", len(cfg.Providers), "servers", len(cfg.Servers))
		onChange(cfg)
	}
	defer func() {
		mu.Lock()
		closed = true
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != absPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, reload)
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config.watch.error", "error", err)
		}
	}
}
