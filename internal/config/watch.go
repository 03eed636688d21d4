package config

import (
	"errors"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

var errNoConfFile = errors.New("config has no backing file to watch")

// ConfigWatcher reloads a Config whenever its backing file changes on
// disk, mirroring the cmd/pulse/main.go call shape
// (config.NewConfigWatcher(cfg), then Start/Stop, with ReloadConfig
// exposed for a manual SIGHUP-triggered refresh). The teacher's own
// watcher source wasn't part of the retrieved tree, so the fsnotify
// plumbing below follows the library's documented usage rather than a
// specific file.
type ConfigWatcher struct {
	mu      sync.RWMutex
	path    string
	current *Config
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewConfigWatcher builds a watcher for cfg's backing file.
func NewConfigWatcher(cfg *Config) (*ConfigWatcher, error) {
	if cfg.ConfFile == "" {
		return nil, errNoConfFile
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dirOf(cfg.ConfFile)); err != nil {
		fw.Close()
		return nil, err
	}
	return &ConfigWatcher{
		path:    cfg.ConfFile,
		current: cfg,
		watcher: fw,
	}, nil
}

// Current returns the most recently loaded configuration.
func (w *ConfigWatcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start launches the background watch loop.
func (w *ConfigWatcher) Start() error {
	w.done = make(chan struct{})
	go w.loop()
	return nil
}

// Stop ends the background watch loop and releases the OS watch.
func (w *ConfigWatcher) Stop() {
	if w.done != nil {
		close(w.done)
	}
	w.watcher.Close()
}

// ReloadConfig forces an immediate reload, independent of any filesystem
// event, for SIGHUP-driven refreshes.
func (w *ConfigWatcher) ReloadConfig() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("config reload failed")
		return
	}
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
}

func (w *ConfigWatcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.ReloadConfig()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
