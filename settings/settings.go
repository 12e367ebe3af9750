// Package settings exposes the user settings the trackers consult at flush
// time.
package settings

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"codepercent/config"
	"codepercent/logger"

	"github.com/fsnotify/fsnotify"
)

// Provider answers whether telemetry may be emitted.
type Provider interface {
	TelemetryEnabled() bool
}

// Static is a fixed setting.
type Static bool

func (s Static) TelemetryEnabled() bool { return bool(s) }

// Watcher keeps TelemetryEnabled in sync with a config file.
type Watcher struct {
	path     string
	enabled  atomic.Bool
	debounce time.Duration
	watcher  *fsnotify.Watcher
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewWatcher starts watching path. initial is used until the first reload and
// whenever the file is missing or invalid.
func NewWatcher(path string, initial bool) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors replace files by rename, so the directory is watched instead of
	// the file itself.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:     filepath.Clean(path),
		debounce: 100 * time.Millisecond,
		watcher:  fsw,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	w.enabled.Store(initial)

	go w.processEvents()
	return w, nil
}

// TelemetryEnabled implements Provider.
func (w *Watcher) TelemetryEnabled() bool {
	return w.enabled.Load()
}

// Reload re-reads the config file immediately.
func (w *Watcher) Reload() {
	cfg, err := config.LoadFromPath(w.path)
	if err != nil {
		logger.Warn("settings: keeping telemetry_enabled=%v: %v", w.enabled.Load(), err)
		return
	}
	if old := w.enabled.Swap(cfg.TelemetryEnabled); old != cfg.TelemetryEnabled {
		logger.Info("settings: telemetry_enabled changed to %v", cfg.TelemetryEnabled)
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) processEvents() {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("settings watcher panic recovered: %v", r)
		}
	}()

	var reload <-chan time.Time
	var timer *time.Timer
	for {
		select {
		case <-w.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			reload = timer.C

		case <-reload:
			reload = nil
			w.Reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("settings watcher error: %v", err)
		}
	}
}
