package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/disputesync/internal/log"
)

const defaultDebounce = 250 * time.Millisecond

// ReloadFunc receives the previous and the freshly loaded configuration.
type ReloadFunc func(prev, next Config)

// Holder keeps the current configuration and swaps it when the file
// changes. A reload that fails to load or validate keeps the old value.
type Holder struct {
	path     string
	debounce time.Duration
	logger   zerolog.Logger

	mu        sync.RWMutex
	current   Config
	listeners []ReloadFunc
}

func NewHolder(initial Config, path string) *Holder {
	return &Holder{
		path:     path,
		debounce: defaultDebounce,
		logger:   log.WithComponent("config"),
		current:  initial,
	}
}

func (h *Holder) Get() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// OnReload registers fn to run after every successful reload.
func (h *Holder) OnReload(fn ReloadFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

func (h *Holder) Reload() error {
	next, err := Load(h.path)
	if err != nil {
		h.logger.Error().Err(err).Str(log.FieldEvent, "config.reload_failed").Msg("configuration reload rejected")
		return err
	}
	h.mu.Lock()
	prev := h.current
	h.current = next
	listeners := append([]ReloadFunc(nil), h.listeners...)
	h.mu.Unlock()

	for _, fn := range listeners {
		fn(prev, next)
	}
	h.logger.Info().
		Str(log.FieldEvent, "config.reloaded").
		Int("connections", len(next.Connections)).
		Msg("configuration reloaded")
	return nil
}

// Watch reloads on writes to the config file until ctx is done. The
// directory is watched so editors that replace the file by rename are
// picked up too.
func (h *Holder) Watch(ctx context.Context) error {
	if h.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(h.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", h.path, err)
	}
	target := filepath.Clean(h.path)
	h.logger.Info().Str(log.FieldEvent, "config.watch_started").Str("path", target).Msg("watching configuration")

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(h.debounce, func() {
					if ctx.Err() != nil {
						return
					}
					_ = h.Reload()
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				h.logger.Warn().Err(err).Str(log.FieldEvent, "config.watch_error").Msg("configuration watcher error")
			}
		}
	}()
	return nil
}
