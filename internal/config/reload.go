package config

import (
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/framepacer/core/internal/log"
)

// Holder serves the current EngineConfig to concurrent readers via an
// atomic pointer, and watches a YAML file for changes to hot-swap it.
// NumStages is locked to the value the Holder was constructed with: a
// num_stages key in the file is ignored on every reload, while the other
// tunables in the same edit still take effect.
type Holder struct {
	current   atomic.Pointer[EngineConfig]
	path      string
	numStages int
	watcher   *fsnotify.Watcher
	done      chan struct{}
}

// NewHolder loads path once (see LoadFile) and starts watching it for
// subsequent changes. Call Close to stop watching.
func NewHolder(path string, numStages int) (*Holder, error) {
	cfg, err := LoadFile(path, numStages)
	if err != nil {
		return nil, err
	}

	h := &Holder{path: path, numStages: numStages, done: make(chan struct{})}
	h.current.Store(&cfg)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}
	h.watcher = watcher

	go h.watch()
	return h, nil
}

// Get returns the current snapshot. Safe for concurrent use; the returned
// pointer is never mutated in place, so callers may hold onto it.
func (h *Holder) Get() *EngineConfig {
	return h.current.Load()
}

// Close stops the file watcher.
func (h *Holder) Close() error {
	close(h.done)
	return h.watcher.Close()
}

func (h *Holder) watch() {
	logger := log.WithComponent("config")
	for {
		select {
		case <-h.done:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := LoadFile(h.path, h.numStages)
			if err != nil {
				logger.Warn().Str(log.FieldEvent, "config.reload_failed").Err(err).Msg("keeping previous config snapshot")
				continue
			}
			h.current.Store(&cfg)
			logger.Info().Str(log.FieldEvent, "config.reloaded").Msg("config reloaded from disk")
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn().Str(log.FieldEvent, "config.watch_error").Err(err).Msg("fsnotify watch error")
		}
	}
}
