package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ReloadCallback is invoked after a successful reload with the previous
// and the new configuration. Returning an error rejects the new config
// and keeps the previous one active.
type ReloadCallback func(old, new *Config) error

// ConfigReloader watches the config file and SIGHUP and swaps in a
// revalidated configuration at runtime. Only settings the callback
// consumers apply dynamically take effect; everything else needs a
// restart.
type ConfigReloader struct {
	path     string
	logger   *logrus.Logger
	watcher  *fsnotify.Watcher
	sigCh    chan os.Signal
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	current  *Config
	onReload ReloadCallback
}

// NewConfigReloader starts watching path for changes. With an empty path
// only SIGHUP triggers reloads.
func NewConfigReloader(path string, initial *Config, logger *logrus.Logger) (*ConfigReloader, error) {
	if initial == nil {
		return nil, fmt.Errorf("config: initial configuration is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("config: logger is required")
	}

	r := &ConfigReloader{
		path:    path,
		logger:  logger,
		current: initial,
		sigCh:   make(chan os.Signal, 1),
		done:    make(chan struct{}),
	}

	if path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("config: failed to create file watcher: %w", err)
		}
		// Watch the directory, not the file: editors and config-map
		// updates replace the file, which drops a file-level watch.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("config: failed to watch %s: %w", filepath.Dir(path), err)
		}
		r.watcher = watcher
	}

	signal.Notify(r.sigCh, syscall.SIGHUP)
	go r.loop()
	return r, nil
}

// SetOnReloadCallback registers the function invoked on each successful
// reload.
func (r *ConfigReloader) SetOnReloadCallback(cb ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = cb
}

// GetConfig returns the currently active configuration.
func (r *ConfigReloader) GetConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Stop ends watching. Safe to call more than once.
func (r *ConfigReloader) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		signal.Stop(r.sigCh)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

func (r *ConfigReloader) loop() {
	for {
		if r.watcher != nil {
			select {
			case <-r.done:
				return
			case <-r.sigCh:
				r.logger.Info("received SIGHUP, reloading configuration")
				r.reload()
			case event, ok := <-r.watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(r.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				r.logger.WithField("event", event.Op.String()).Debug("config file changed, reloading")
				r.reload()
			case err, ok := <-r.watcher.Errors:
				if !ok {
					return
				}
				r.logger.WithError(err).Warn("config watcher error")
			}
			continue
		}

		select {
		case <-r.done:
			return
		case <-r.sigCh:
			r.logger.Info("received SIGHUP, reloading configuration")
			r.reload()
		}
	}
}

func (r *ConfigReloader) reload() {
	newCfg, err := LoadConfig(r.path)
	if err != nil {
		r.logger.WithError(err).Error("config reload failed, keeping previous configuration")
		return
	}

	r.mu.Lock()
	old := r.current
	cb := r.onReload
	r.mu.Unlock()

	if cb != nil {
		if err := cb(old, newCfg); err != nil {
			r.logger.WithError(err).Error("config reload rejected by callback, keeping previous configuration")
			return
		}
	}

	r.mu.Lock()
	r.current = newCfg
	r.mu.Unlock()
	r.logger.Info("configuration reloaded")
}
