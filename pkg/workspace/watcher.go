package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ChangeFunc receives the path of a file that was created, written, removed
// or renamed, after the debounce window settled.
type ChangeFunc func(path string)

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	Dir                string
	StabilityThreshold time.Duration
	OnChange           ChangeFunc
	Logger             zerolog.Logger
}

// Watcher reports debounced file changes below a directory.
type Watcher struct {
	watcher   *fsnotify.Watcher
	dir       string
	threshold time.Duration
	onChange  ChangeFunc
	logger    zerolog.Logger

	done     chan struct{}
	timersMu sync.Mutex
	timers   map[string]*time.Timer
	stopOnce sync.Once
}

// NewWatcher creates a stopped watcher.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.OnChange == nil {
		return nil, fmt.Errorf("change callback is required")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if cfg.StabilityThreshold == 0 {
		cfg.StabilityThreshold = 100 * time.Millisecond
	}
	return &Watcher{
		watcher:   w,
		dir:       cfg.Dir,
		threshold: cfg.StabilityThreshold,
		onChange:  cfg.OnChange,
		logger:    cfg.Logger.With().Str("component", "workspace_watcher").Logger(),
		done:      make(chan struct{}),
		timers:    make(map[string]*time.Timer),
	}, nil
}

// Start watches the directory tree.
func (w *Watcher) Start() error {
	if err := w.addRecursive(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	go w.loop()
	w.logger.Info().Str("path", w.dir).Msg("Watcher started")
	return nil
}

// Stop is idempotent.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		w.timersMu.Lock()
		for _, t := range w.timers {
			t.Stop()
		}
		clear(w.timers)
		w.timersMu.Unlock()
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ignored(ev.Name) {
				continue
			}
			w.debounce(ev)
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

func (w *Watcher) debounce(ev fsnotify.Event) {
	w.timersMu.Lock()
	defer w.timersMu.Unlock()

	if t, ok := w.timers[ev.Name]; ok {
		t.Stop()
	}
	w.timers[ev.Name] = time.AfterFunc(w.threshold, func() {
		w.timersMu.Lock()
		delete(w.timers, ev.Name)
		w.timersMu.Unlock()

		select {
		case <-w.done:
			return
		default:
		}
		if ev.Op&fsnotify.Create == fsnotify.Create {
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				_ = w.addRecursive(ev.Name)
			}
		}
		w.onChange(ev.Name)
	})
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if p != root && ignored(p) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			w.logger.Warn().Err(err).Str("path", p).Msg("Failed to watch path")
		}
		return nil
	})
}

// ignored filters dotfiles, VCS metadata and dependency trees.
func ignored(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || base == "node_modules" {
		return true
	}
	return strings.HasSuffix(base, ".env") || strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp")
}
