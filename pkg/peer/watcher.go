package peer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher monitors a peers.d directory of JSON config files and keeps
// the supervisor's catalog in sync. Dropping a file registers or
// replaces a peer; deleting one deregisters it. The peer name defaults
// to the file's base name when the config omits it.
type Watcher struct {
	watcher            *fsnotify.Watcher
	dir                string
	sup                *Supervisor
	logger             zerolog.Logger
	stabilityThreshold time.Duration

	done           chan struct{}
	stopOnce       sync.Once
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer
}

// NewWatcher creates a watcher bound to one directory and supervisor.
func NewWatcher(dir string, sup *Supervisor, logger zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		watcher:            fw,
		dir:                dir,
		sup:                sup,
		logger:             logger,
		stabilityThreshold: 100 * time.Millisecond,
		done:               make(chan struct{}),
		debounceTimers:     make(map[string]*time.Timer),
	}, nil
}

// Start loads every config already present, then watches for changes.
func (w *Watcher) Start() error {
	if err := w.loadExisting(); err != nil {
		return err
	}

	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	go w.eventLoop()

	w.logger.Info().Str("dir", w.dir).Msg("Peer config watcher started")
	return nil
}

// Stop ends the event loop and cancels pending debounce timers.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.debounceMu.Lock()
	for _, timer := range w.debounceTimers {
		timer.Stop()
	}
	clear(w.debounceTimers)
	w.debounceMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	w.logger.Info().Msg("Peer config watcher stopped")
	return nil
}

func (w *Watcher) loadExisting() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", w.dir, err)
	}

	for _, entry := range entries {
		path := filepath.Join(w.dir, entry.Name())
		if entry.IsDir() || !isPeerConfig(path) {
			continue
		}
		if err := w.loadFile(path); err != nil {
			w.logger.Error().Err(err).Str("path", path).Msg("Skipping invalid peer config")
		}
	}
	return nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isPeerConfig(event.Name) {
				continue
			}
			w.debounceEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-w.done:
			return
		}
	}
}

// debounceEvent coalesces rapid events for the same file; editors often
// write a config in several bursts.
func (w *Watcher) debounceEvent(event fsnotify.Event) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.debounceTimers[event.Name]; exists {
		timer.Stop()
	}

	eventCopy := event
	w.debounceTimers[event.Name] = time.AfterFunc(w.stabilityThreshold, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, eventCopy.Name)
		w.debounceMu.Unlock()

		select {
		case <-w.done:
			return
		default:
			w.processEvent(eventCopy)
		}
	})
}

func (w *Watcher) processEvent(event fsnotify.Event) {
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create,
		event.Op&fsnotify.Write == fsnotify.Write:
		if err := w.loadFile(event.Name); err != nil {
			w.logger.Error().Err(err).Str("path", event.Name).Msg("Failed to load peer config")
		}

	case event.Op&fsnotify.Remove == fsnotify.Remove,
		event.Op&fsnotify.Rename == fsnotify.Rename:
		name := peerNameFromPath(event.Name)
		w.sup.Deregister(name)
	}
}

func (w *Watcher) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if cfg.Name == "" {
		cfg.Name = peerNameFromPath(path)
	}

	return w.sup.Replace(cfg)
}

func isPeerConfig(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return strings.HasSuffix(base, ".json")
}

func peerNameFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".json")
}
