package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay collapses a burst of file events into one reload
const reloadDelay = 100 * time.Millisecond

// LoaderFunc produces a validated configuration from the file at path
type LoaderFunc func(path string) (*Config, error)

// Watcher reloads the configuration file whenever it changes on disk.
//
// The parent directory is watched rather than the file, so saves that replace
// the file through a rename keep being noticed.
type Watcher struct {
	path     string
	load     LoaderFunc
	logger   *slog.Logger
	fsw      *fsnotify.Watcher
	onChange func(*Config)

	mu  sync.RWMutex
	cfg *Config

	closeOnce sync.Once
	closeErr  error
}

// NewWatcher loads path once and prepares to watch it. A nil load uses Load;
// the entry point passes its own loader so command line overrides survive reloads.
func NewWatcher(path string, load LoaderFunc, logger *slog.Logger) (*Watcher, error) {
	if load == nil {
		load = Load
	}

	cfg, err := load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	path = filepath.Clean(path)
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	return &Watcher{
		path:   path,
		load:   load,
		logger: logger,
		fsw:    fsw,
		cfg:    cfg,
	}, nil
}

// Config returns the configuration most recently loaded
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// OnChange sets the function called after each successful reload.
// Must be called before Start.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.onChange = fn
}

// Start watches the configuration file until ctx is done. A file that fails
// to load is reported and the previous configuration stays in effect.
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("Watching config file", "path", w.path)

	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Config watcher stopped")
			return w.Close()

		case event, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("config watcher event stream closed")
			}
			if w.touches(event) {
				reload = time.After(reloadDelay)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("config watcher error stream closed")
			}
			w.logger.Error("Config watcher error", "error", err)

		case <-reload:
			reload = nil
			cfg, err := w.reload()
			if err != nil {
				w.logger.Error("Keeping previous config", "path", w.path, "error", err)
				continue
			}
			w.logger.Info("Config reloaded", "path", w.path)
			if w.onChange != nil {
				w.onChange(cfg)
			}
		}
	}
}

// touches reports whether event may have changed the watched file's content
func (w *Watcher) touches(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create)
}

func (w *Watcher) reload() (*Config, error) {
	cfg, err := w.load(w.path)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.cfg = cfg
	w.mu.Unlock()
	return cfg, nil
}

// Close stops watching. It is safe to call more than once.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.fsw.Close()
	})
	return w.closeErr
}
