// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/ManuGH/sdrd/internal/log"
	"github.com/ManuGH/sdrd/internal/metrics"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDebounce = 500 * time.Millisecond

// Holder holds the current configuration and swaps it atomically on reload.
// A failed reload keeps the previous configuration.
type Holder struct {
	mu      sync.RWMutex
	current Config
	loader  *Loader
	logger  zerolog.Logger

	listenersMu sync.RWMutex
	listeners   []chan<- Config

	watchMu  sync.Mutex
	watcher  *fsnotify.Watcher
	watchWG  sync.WaitGroup
	debounce time.Duration
}

// NewHolder creates a holder around an already loaded configuration.
func NewHolder(initial Config, loader *Loader) *Holder {
	return &Holder{
		current:  initial,
		loader:   loader,
		logger:   log.WithComponent("config"),
		debounce: reloadDebounce,
	}
}

// Get returns the current configuration.
func (h *Holder) Get() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload loads and validates the file again. Either the whole new
// configuration is applied or the old one stays in place.
func (h *Holder) Reload(_ context.Context) error {
	h.logger.Info().Str(log.FieldEvent, "config.reload_start").Msg("reloading configuration")

	next, err := h.loader.Load()
	if err != nil {
		metrics.ConfigReloads.WithLabelValues("failed").Inc()
		h.logger.Error().
			Err(err).
			Str(log.FieldEvent, "config.reload_failed").
			Msg("configuration reload rejected, keeping previous configuration")
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	prev := h.current
	h.current = next
	h.mu.Unlock()

	metrics.ConfigReloads.WithLabelValues("ok").Inc()
	h.logChanges(prev, next)
	h.notify(next)
	h.logger.Info().Str(log.FieldEvent, "config.reload_success").Msg("configuration reloaded")
	return nil
}

// Subscribe registers ch for successful reloads. Sends never block; a full
// channel misses the update.
func (h *Holder) Subscribe(ch chan<- Config) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	h.listeners = append(h.listeners, ch)
}

func (h *Holder) notify(cfg Config) {
	h.listenersMu.RLock()
	defer h.listenersMu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- cfg:
		default:
			h.logger.Warn().Str(log.FieldEvent, "config.listener_skip").Msg("skipped notifying listener (channel full)")
		}
	}
}

// StartWatcher reloads the configuration whenever its file changes. The
// directory is watched so editors that replace the file by rename are seen.
// It is a no-op without a file.
func (h *Holder) StartWatcher(ctx context.Context) error {
	path := h.loader.Path()
	if path == "" {
		h.logger.Info().Str(log.FieldEvent, "config.watcher_disabled").Msg("no config file, watcher disabled")
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}

	h.watchMu.Lock()
	h.watcher = w
	h.watchMu.Unlock()

	h.logger.Info().Str(log.FieldEvent, "config.watcher_started").Str("path", path).Msg("watching config file for changes")

	h.watchWG.Add(1)
	go func() {
		defer h.watchWG.Done()
		h.watchLoop(ctx, w, filepath.Clean(path))
	}()
	return nil
}

func (h *Holder) watchLoop(ctx context.Context, w *fsnotify.Watcher, path string) {
	var timer *time.Timer
	fire := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Str(log.FieldEvent, "config.watcher_stopped").Msg("config watcher stopped")
			_ = w.Close()
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			h.logger.Debug().Str(log.FieldEvent, "config.file_changed").Str("op", ev.Op.String()).Msg("config file changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(h.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			if err := h.Reload(ctx); err != nil {
				h.logger.Error().Err(err).Str(log.FieldEvent, "config.auto_reload_failed").Msg("automatic config reload failed")
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Str(log.FieldEvent, "config.watcher_error").Msg("config watcher error")
		}
	}
}

// Stop closes the watcher and waits for its goroutine.
func (h *Holder) Stop() {
	h.watchMu.Lock()
	w := h.watcher
	h.watcher = nil
	h.watchMu.Unlock()
	if w != nil {
		_ = w.Close()
	}
	h.watchWG.Wait()
}

func (h *Holder) logChanges(prev, next Config) {
	if prev.LogLevel != next.LogLevel {
		h.logger.Info().Str("old", prev.LogLevel).Str("new", next.LogLevel).Msg("config changed: log_level")
	}
	if prev.PerStageTimeout != next.PerStageTimeout {
		h.logger.Info().Dur("old", prev.PerStageTimeout).Dur("new", next.PerStageTimeout).Msg("config changed: per_stage_timeout")
	}
	for _, name := range next.ModeNames() {
		old, existed := prev.Modes[name]
		switch {
		case !existed:
			h.logger.Info().Str(log.FieldMode, name).Msg("config changed: mode added")
		case !reflect.DeepEqual(old, next.Modes[name]):
			h.logger.Info().Str(log.FieldMode, name).Msg("config changed: mode updated, applies to the next session")
		}
	}
	for _, name := range prev.ModeNames() {
		if _, ok := next.Modes[name]; !ok {
			h.logger.Info().Str(log.FieldMode, name).Msg("config changed: mode removed")
		}
	}
}
