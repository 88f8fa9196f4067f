package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/WynonnaSR/hypr-opaque-media/internal/util"
)

const debounceWindow = 250 * time.Millisecond

// newConfigWatcher watches the directory holding path, so editors that
// replace the file by rename are still seen.
func newConfigWatcher(path string, logger *util.Logger) (*fsnotify.Watcher, string, error) {
	full, err := filepath.Abs(path)
	if err != nil {
		return nil, "", fmt.Errorf("resolve config path: %w", err)
	}
	full = filepath.Clean(full)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, "", fmt.Errorf("watch config: %w", err)
	}
	if err := watcher.Add(filepath.Dir(full)); err != nil {
		watcher.Close()
		return nil, "", fmt.Errorf("watch config dir: %w", err)
	}
	if err := watcher.Add(full); err != nil {
		logger.Debugf("unable to watch config file directly: %v", err)
	}
	return watcher, full, nil
}

// watchConfig turns file events for target into reload requests, coalescing
// bursts within debounceWindow. It returns when ctx is done or the watcher
// closes.
func watchConfig(ctx context.Context, logger *util.Logger, watcher *fsnotify.Watcher, target string, queue func(reason string)) {
	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
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
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerCh = timer.C
			} else {
				timer.Reset(debounceWindow)
			}
		case <-timerCh:
			timer = nil
			timerCh = nil
			logger.Debugf("config file event for %s", target)
			queue("config file updated")
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("config watcher error: %v", err)
		}
	}
}
