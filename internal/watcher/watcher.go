package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"

	"github.com/juev/hledger-cache/internal/invalidation"
	"github.com/juev/hledger-cache/internal/metrics"
)

const (
	defaultDebounce  = 250 * time.Millisecond
	defaultMaxEvents = 100
)

// Config describes which files the watcher observes and how aggressively it
// coalesces notifications.
type Config struct {
	// Patterns are include globs; each contributes its base directory (plus
	// subdirectories when Recursive) to the watch set.
	Patterns        []string
	ExcludePatterns []string
	// Debounce is the per-path quiet window before an event is emitted.
	Debounce time.Duration
	// MaxEvents bounds the in-flight debounce queue; excess raw events are
	// dropped and logged, never fatal.
	MaxEvents int
	Recursive bool
}

// FileWatcher turns raw fsnotify activity into a filtered, debounced stream
// of invalidation events. It implements invalidation.EventSource.
type FileWatcher struct {
	cfg      Config
	logger   *slog.Logger
	recorder *metrics.Recorder

	mu          sync.Mutex
	active      bool
	fsw         *fsnotify.Watcher
	includes    []glob.Glob
	excludes    []glob.Glob
	watchedDirs map[string]struct{}
	pending     map[string]*time.Timer
	listeners   map[int]func(invalidation.Event)
	nextID      int
	cancel      context.CancelFunc
	done        chan struct{}
}

// New constructs an inactive watcher. Start installs the watches.
func New(cfg Config, logger *slog.Logger, recorder *metrics.Recorder) *FileWatcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = defaultMaxEvents
	}
	if logger != nil {
		logger = logger.With(slog.String("subsystem", "watcher"))
	}
	return &FileWatcher{
		cfg:         cfg,
		logger:      logger,
		recorder:    recorder,
		watchedDirs: make(map[string]struct{}),
		pending:     make(map[string]*time.Timer),
		listeners:   make(map[int]func(invalidation.Event)),
	}
}

// Start compiles the patterns and installs one watch set per pattern. It is
// a fatal error when no watch can be installed at all.
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active {
		return fmt.Errorf("watcher: already started")
	}
	if len(w.cfg.Patterns) == 0 {
		return fmt.Errorf("watcher: no patterns configured")
	}

	excludes := make([]glob.Glob, 0, len(w.cfg.ExcludePatterns))
	for _, pattern := range w.cfg.ExcludePatterns {
		compiled, err := glob.Compile(pattern, '/')
		if err != nil {
			return fmt.Errorf("watcher: malformed exclude pattern %q: %w", pattern, err)
		}
		excludes = append(excludes, compiled)
	}
	includes := make([]glob.Glob, 0, len(w.cfg.Patterns))
	for _, pattern := range w.cfg.Patterns {
		compiled, err := glob.Compile(pattern, '/')
		if err != nil {
			return fmt.Errorf("watcher: malformed pattern %q: %w", pattern, err)
		}
		includes = append(includes, compiled)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: create substrate: %w", err)
	}

	watchedDirs := make(map[string]struct{})
	addDir := func(dir string) {
		dir = filepath.Clean(dir)
		if _, ok := watchedDirs[dir]; ok {
			return
		}
		if err := fsw.Add(dir); err != nil {
			if w.logger != nil {
				w.logger.Warn("watch install failed", slog.String("dir", dir), slog.Any("error", err))
			}
			return
		}
		watchedDirs[dir] = struct{}{}
	}

	for _, pattern := range w.cfg.Patterns {
		base := globBase(pattern)
		info, err := os.Stat(base)
		if err != nil {
			if w.logger != nil {
				w.logger.Warn("pattern base missing", slog.String("pattern", pattern), slog.String("base", base))
			}
			continue
		}
		if !info.IsDir() {
			addDir(filepath.Dir(base))
			continue
		}
		addDir(base)
		if w.cfg.Recursive {
			_ = filepath.WalkDir(base, func(path string, d os.DirEntry, walkErr error) error {
				if walkErr != nil {
					return nil
				}
				if d.IsDir() {
					addDir(path)
				}
				return nil
			})
		}
	}

	if len(watchedDirs) == 0 {
		if closeErr := fsw.Close(); closeErr != nil && w.logger != nil {
			w.logger.Warn("substrate close failed", slog.Any("error", closeErr))
		}
		return fmt.Errorf("watcher: no watches could be installed for patterns %v", w.cfg.Patterns)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	w.fsw = fsw
	w.includes = includes
	w.excludes = excludes
	w.watchedDirs = watchedDirs
	w.pending = make(map[string]*time.Timer)
	w.cancel = cancel
	w.done = done
	w.active = true

	go w.run(watchCtx, fsw, done)

	if w.logger != nil {
		w.logger.Info("watching",
			slog.Int("dirs", len(watchedDirs)),
			slog.Int("patterns", len(w.cfg.Patterns)),
			slog.Duration("debounce", w.cfg.Debounce))
	}
	return nil
}

// Stop cancels pending debounce timers and disposes the watches. Safe to
// call when already inactive, and more than once.
func (w *FileWatcher) Stop() {
	w.mu.Lock()
	if !w.active {
		w.mu.Unlock()
		return
	}
	w.active = false
	for key, timer := range w.pending {
		timer.Stop()
		delete(w.pending, key)
	}
	cancel := w.cancel
	done := w.done
	fsw := w.fsw
	w.cancel = nil
	w.done = nil
	w.fsw = nil
	w.mu.Unlock()

	cancel()
	if err := fsw.Close(); err != nil && w.logger != nil {
		w.logger.Warn("substrate close failed", slog.Any("error", err))
	}
	<-done

	if w.logger != nil {
		w.logger.Info("watcher stopped")
	}
}

// Subscribe registers a listener for emitted events and returns its disposer.
// Each listener runs inside its own error boundary so one misbehaving
// consumer cannot block the others.
func (w *FileWatcher) Subscribe(fn func(invalidation.Event)) (cancel func()) {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.listeners[id] = fn
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		delete(w.listeners, id)
		w.mu.Unlock()
	}
}

func (w *FileWatcher) run(ctx context.Context, fsw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleRaw(raw)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn("substrate error", slog.Any("error", err))
			}
		}
	}
}

// handleRaw filters one raw notification and arms (or re-arms) the debounce
// timer for its (type, path) key.
func (w *FileWatcher) handleRaw(raw fsnotify.Event) {
	name := filepath.Clean(raw.Name)

	slashed := filepath.ToSlash(name)
	for _, exclude := range w.excludes {
		if exclude.Match(slashed) {
			w.recorder.ObserveWatcherEvent(metrics.WatcherEventExcluded)
			return
		}
	}

	eventType, oldPath := w.classify(raw, name)
	if eventType == "" {
		return
	}

	isDirEvent := eventType == invalidation.EventDirCreated || eventType == invalidation.EventDirDeleted
	if !isDirEvent {
		if !IsLedgerFile(name) {
			w.recorder.ObserveWatcherEvent(metrics.WatcherEventUnsupported)
			return
		}
		matched := false
		for _, include := range w.includes {
			if include.Match(slashed) {
				matched = true
				break
			}
		}
		if !matched {
			w.recorder.ObserveWatcherEvent(metrics.WatcherEventExcluded)
			return
		}
	}

	key := string(eventType) + "|" + name

	w.mu.Lock()
	if !w.active {
		w.mu.Unlock()
		return
	}
	if _, queued := w.pending[key]; !queued && len(w.pending) >= w.cfg.MaxEvents {
		w.mu.Unlock()
		w.recorder.ObserveWatcherEvent(metrics.WatcherEventDropped)
		if w.logger != nil {
			w.logger.Warn("debounce queue full, dropping event", slog.String("path", name), slog.String("type", string(eventType)))
		}
		return
	}
	if timer, ok := w.pending[key]; ok {
		timer.Stop()
	}
	w.pending[key] = time.AfterFunc(w.cfg.Debounce, func() {
		w.fire(key, eventType, name, oldPath)
	})
	w.mu.Unlock()
}

// classify maps a raw fsnotify op to the normalized event type. Directory
// creations extend the watch set when recursion is on.
func (w *FileWatcher) classify(raw fsnotify.Event, name string) (invalidation.EventType, string) {
	switch {
	case raw.Op&fsnotify.Create != 0:
		if info, err := os.Stat(name); err == nil && info.IsDir() {
			w.mu.Lock()
			if w.cfg.Recursive && w.fsw != nil {
				if err := w.fsw.Add(name); err == nil {
					w.watchedDirs[name] = struct{}{}
				}
			}
			w.mu.Unlock()
			return invalidation.EventDirCreated, ""
		}
		return invalidation.EventCreated, ""
	case raw.Op&fsnotify.Remove != 0:
		w.mu.Lock()
		_, wasDir := w.watchedDirs[name]
		if wasDir {
			delete(w.watchedDirs, name)
		}
		w.mu.Unlock()
		if wasDir {
			return invalidation.EventDirDeleted, ""
		}
		return invalidation.EventDeleted, ""
	case raw.Op&fsnotify.Rename != 0:
		return invalidation.EventRenamed, name
	case raw.Op&(fsnotify.Write|fsnotify.Chmod) != 0:
		return invalidation.EventModified, ""
	default:
		return "", ""
	}
}

// fire emits the debounced event to every listener.
func (w *FileWatcher) fire(key string, eventType invalidation.EventType, name, oldPath string) {
	w.mu.Lock()
	if !w.active {
		w.mu.Unlock()
		return
	}
	delete(w.pending, key)
	listeners := make([]func(invalidation.Event), 0, len(w.listeners))
	for _, fn := range w.listeners {
		listeners = append(listeners, fn)
	}
	w.mu.Unlock()

	var event invalidation.Event
	if eventType == invalidation.EventRenamed {
		event = invalidation.NewRenameEvent(oldPath, name)
	} else {
		event = invalidation.NewEvent(eventType, name)
	}

	w.recorder.ObserveWatcherEvent(metrics.WatcherEventEmitted)
	for _, fn := range listeners {
		w.dispatch(fn, event)
	}
}

func (w *FileWatcher) dispatch(fn func(invalidation.Event), event invalidation.Event) {
	defer func() {
		if r := recover(); r != nil && w.logger != nil {
			w.logger.Error("listener paniced", slog.String("event_id", event.ID), slog.Any("panic", r))
		}
	}()
	fn(event)
}

// globBase returns the longest literal directory prefix of a glob pattern;
// the pattern "." when the glob starts with a wildcard.
func globBase(pattern string) string {
	pattern = filepath.ToSlash(pattern)
	segments := strings.Split(pattern, "/")
	var literal []string
	for _, segment := range segments {
		if strings.ContainsAny(segment, "*?[{") {
			break
		}
		literal = append(literal, segment)
	}
	if len(literal) == 0 {
		return "."
	}
	base := strings.Join(literal, "/")
	if base == "" {
		// Absolute pattern whose first variable segment sits at the root.
		return string(filepath.Separator)
	}
	return filepath.FromSlash(base)
}
