package invalidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/juev/hledger-cache/internal/metrics"
)

// ErrNotInitialized is reported when the manager is used before Initialize.
var ErrNotInitialized = errors.New("invalidation: manager not initialized")

// Target is the store surface the manager drives. The manager is the only
// component that calls Delete and Clear in response to invalidation;
// application code keeps using the stores directly and must tolerate entries
// disappearing underneath it.
type Target interface {
	Name() string
	Delete(key string) bool
	Clear()
	Len() int
	InvalidateByDependencies(files []string) []string
	DependencyGraph() map[string][]string
}

// EventSource feeds change events into the manager. The file watcher
// implements it; tests substitute stubs.
type EventSource interface {
	Start(ctx context.Context) error
	Stop()
	Subscribe(fn func(Event)) (cancel func())
}

// DependencyResolver lets the application supply a real include graph for a
// set of changed files. Without one the manager projects a graph from the
// registered stores' dependency indexes.
type DependencyResolver func(files []string) map[string][]string

// ManagerConfig tunes batching and strategy availability.
type ManagerConfig struct {
	Debounce     time.Duration
	MaxBatchSize int
	// EnableSmartInvalidation starts the event source; without it the
	// manager only reacts to explicit ProcessEvent and Invalidate calls.
	EnableSmartInvalidation bool
	EnableCascading         bool
	// MaxCacheAge is carried for store construction convenience; the manager
	// itself does not expire entries.
	MaxCacheAge time.Duration
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.Debounce <= 0 {
		c.Debounce = 100 * time.Millisecond
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 50
	}
	return c
}

// Manager orchestrates invalidation: it batches incoming events behind a
// debounce window, selects a strategy per event group, and applies the
// resulting key set to every registered store.
type Manager struct {
	logger   *slog.Logger
	recorder *metrics.Recorder
	source   EventSource

	mu            sync.Mutex
	cfg           ManagerConfig
	registry      *Registry
	initialized   bool
	sourceRunning bool
	unsubscribe   func()
	processing    bool
	queue         []Event
	debounce      *time.Timer
	stores        map[string]Target
	resolver      DependencyResolver

	stats statsTracker
}

// NewManager constructs an uninitialized manager. The source may be nil when
// no file watching is wanted.
func NewManager(logger *slog.Logger, recorder *metrics.Recorder, source EventSource) *Manager {
	if logger != nil {
		logger = logger.With(slog.String("subsystem", "invalidation"))
	}
	return &Manager{
		logger:   logger,
		recorder: recorder,
		source:   source,
		stores:   make(map[string]Target),
	}
}

// Initialize prepares the manager. It is idempotent: a second call disposes
// the previous state first. The event source is started only when smart
// invalidation is enabled.
func (m *Manager) Initialize(ctx context.Context, cfg ManagerConfig) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		m.Dispose(ctx)
		m.mu.Lock()
	}
	m.cfg = cfg.withDefaults()
	m.registry = NewRegistry(RegistryOptions{Logger: m.logger, EnableCascading: cfg.EnableCascading})
	m.initialized = true
	m.queue = nil
	m.stats.reset()
	m.mu.Unlock()

	if cfg.EnableSmartInvalidation && m.source != nil {
		cancel := m.source.Subscribe(func(event Event) {
			if _, err := m.ProcessEvent(context.Background(), event); err != nil {
				if m.logger != nil {
					m.logger.Error("event processing failed", slog.String("event_id", event.ID), slog.Any("error", err))
				}
				m.stats.recordError()
			}
		})
		if err := m.source.Start(ctx); err != nil {
			cancel()
			m.mu.Lock()
			m.initialized = false
			m.mu.Unlock()
			return fmt.Errorf("invalidation: start event source: %w", err)
		}
		m.mu.Lock()
		m.unsubscribe = cancel
		m.sourceRunning = true
		m.mu.Unlock()
	}

	if m.logger != nil {
		m.logger.Info("manager initialized",
			slog.Duration("debounce", m.cfg.Debounce),
			slog.Int("max_batch", m.cfg.MaxBatchSize),
			slog.Bool("smart", cfg.EnableSmartInvalidation),
			slog.Bool("cascading", cfg.EnableCascading))
	}
	return nil
}

// Registry exposes the strategy registry so applications can add custom
// strategies after initialization.
func (m *Manager) Registry() *Registry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry
}

// RegisterCache tracks a store by name; registering the same name again
// replaces the previous entry.
func (m *Manager) RegisterCache(target Target) {
	m.mu.Lock()
	m.stores[target.Name()] = target
	m.mu.Unlock()
	if m.logger != nil {
		m.logger.Debug("cache registered", slog.String("store", target.Name()))
	}
}

// UnregisterCache stops tracking the named store.
func (m *Manager) UnregisterCache(name string) {
	m.mu.Lock()
	delete(m.stores, name)
	m.mu.Unlock()
}

// SetDependencyResolver installs the application's include-graph builder.
func (m *Manager) SetDependencyResolver(resolver DependencyResolver) {
	m.mu.Lock()
	m.resolver = resolver
	m.mu.Unlock()
}

// ProcessEvent queues one event. Configuration and manual events flush the
// batch immediately, as does a full queue; anything else (re)arms the
// debounce timer and returns a zero-effect placeholder result, so callers
// must not assume the event was already applied.
func (m *Manager) ProcessEvent(ctx context.Context, event Event) (Result, error) {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return Result{}, fmt.Errorf("%w: dropping event %s", ErrNotInitialized, event.ID)
	}
	m.queue = append(m.queue, event)
	immediate := event.Type == EventConfigChanged || event.Type == EventManual || len(m.queue) >= m.cfg.MaxBatchSize
	if !immediate {
		if m.debounce != nil {
			m.debounce.Stop()
		}
		m.debounce = time.AfterFunc(m.cfg.Debounce, func() {
			m.processBatch(context.Background())
		})
		m.mu.Unlock()
		return Result{}, nil
	}
	m.mu.Unlock()

	return m.processBatch(ctx), nil
}

// processBatch drains the queue, runs one strategy per event group, and
// applies the merged key set to every registered store. Only one batch runs
// at a time; events arriving mid-batch wait for the next debounce firing.
func (m *Manager) processBatch(ctx context.Context) Result {
	m.mu.Lock()
	if !m.initialized || m.processing || len(m.queue) == 0 {
		if m.processing && len(m.queue) > 0 {
			// A batch is in flight; make sure the leftovers get their turn.
			if m.debounce != nil {
				m.debounce.Stop()
			}
			m.debounce = time.AfterFunc(m.cfg.Debounce, func() {
				m.processBatch(context.Background())
			})
		}
		m.mu.Unlock()
		return Result{}
	}
	m.processing = true
	events := m.queue
	m.queue = nil
	if m.debounce != nil {
		m.debounce.Stop()
		m.debounce = nil
	}
	registry := m.registry
	resolver := m.resolver
	targets := make([]Target, 0, len(m.stores))
	for _, target := range m.stores {
		targets = append(targets, target)
	}
	m.mu.Unlock()

	combined := m.runGroups(ctx, registry, resolver, targets, groupEvents(events))

	m.stats.record(combined.Strategy, combined.Elapsed, len(combined.Errors))
	m.recorder.ObserveInvalidation(combined.Strategy, len(combined.InvalidatedKeys), combined.Elapsed)

	m.mu.Lock()
	m.processing = false
	rearm := len(m.queue) > 0 && m.initialized
	if rearm {
		if m.debounce != nil {
			m.debounce.Stop()
		}
		m.debounce = time.AfterFunc(m.cfg.Debounce, func() {
			m.processBatch(context.Background())
		})
	}
	m.mu.Unlock()

	return combined
}

// groupEvents collapses the queue by (path, type): bursts of edits to one
// file act as a single change carrying the latest timestamp.
func groupEvents(events []Event) []Event {
	grouped := make(map[string]Event, len(events))
	var order []string
	for _, event := range events {
		key := event.FilePath + "|" + string(event.Type)
		if existing, ok := grouped[key]; ok {
			if event.Timestamp.After(existing.Timestamp) {
				grouped[key] = event
			}
			continue
		}
		grouped[key] = event
		order = append(order, key)
	}
	result := make([]Event, 0, len(order))
	for _, key := range order {
		result = append(result, grouped[key])
	}
	return result
}

// runGroups executes one strategy per event group and merges the results.
// The merged result's strategy label is the highest merge-ranked strategy
// seen, so a Full group dominates a Smart one.
func (m *Manager) runGroups(ctx context.Context, registry *Registry, resolver DependencyResolver, targets []Target, groups []Event) Result {
	start := time.Now()
	combined := Result{Strategy: StrategyPartial}

	totalSize := 0
	for _, target := range targets {
		totalSize += target.Len()
	}

	for _, event := range groups {
		select {
		case <-ctx.Done():
			combined.Errors = append(combined.Errors, ctx.Err())
			combined.Elapsed = time.Since(start)
			return combined
		default:
		}

		ictx := m.buildContext(event, resolver, targets, totalSize)
		strategy, err := registry.FindBestStrategy(ictx)
		if err != nil {
			combined.Errors = append(combined.Errors, err)
			continue
		}
		result, err := strategy.Execute(ictx)
		if err != nil {
			combined.Errors = append(combined.Errors, fmt.Errorf("invalidation: execute %s: %w", strategy.Name(), err))
			continue
		}

		applied, applyErrs := m.apply(targets, result.InvalidatedKeys, ictx.AffectedFiles)
		result.InvalidatedKeys = dedupe(append(result.InvalidatedKeys, applied...))
		combined.Errors = append(combined.Errors, applyErrs...)

		combined.InvalidatedKeys = append(combined.InvalidatedKeys, result.InvalidatedKeys...)
		combined.CascadedFiles = append(combined.CascadedFiles, result.CascadedFiles...)
		if mergeRank(result.Strategy) > mergeRank(combined.Strategy) {
			combined.Strategy = result.Strategy
		}
	}

	combined.InvalidatedKeys = dedupe(combined.InvalidatedKeys)
	combined.CascadedFiles = dedupe(combined.CascadedFiles)
	combined.Elapsed = time.Since(start)

	if m.logger != nil {
		m.logger.Info("batch invalidated",
			slog.String("strategy", combined.Strategy),
			slog.Int("groups", len(groups)),
			slog.Int("keys", len(combined.InvalidatedKeys)),
			slog.Int("errors", len(combined.Errors)),
			slog.Duration("elapsed", combined.Elapsed))
	}
	return combined
}

func (m *Manager) buildContext(event Event, resolver DependencyResolver, targets []Target, totalSize int) *Context {
	var affected []string
	if event.FilePath != "" {
		affected = append(affected, event.FilePath)
	}
	if event.OldPath != "" {
		affected = append(affected, event.OldPath)
	}
	if event.NewPath != "" {
		affected = append(affected, event.NewPath)
	}
	affected = dedupe(affected)

	var graph map[string][]string
	if resolver != nil {
		graph = resolver(affected)
	} else {
		graph = make(map[string][]string)
		for _, target := range targets {
			for file, related := range target.DependencyGraph() {
				for _, other := range related {
					graph[file] = appendUnique(graph[file], other)
				}
				if _, ok := graph[file]; !ok {
					graph[file] = nil
				}
			}
		}
	}

	since := time.Duration(math.MaxInt64)
	if last := m.stats.last(); !last.IsZero() {
		since = time.Since(last)
	}

	return &Context{
		Event:                 event,
		AffectedFiles:         affected,
		TotalCacheSize:        totalSize,
		SinceLastInvalidation: since,
		DependencyGraph:       graph,
	}
}

// apply pushes one result's keys into every target. The wildcard clears a
// store outright; otherwise keys are deleted individually and the affected
// files additionally run through the dependency index. A failing store never
// stops the sweep over the others.
func (m *Manager) apply(targets []Target, keys []string, affectedFiles []string) (removed []string, errs []error) {
	wildcard := false
	for _, key := range keys {
		if key == wildcardKey {
			wildcard = true
			break
		}
	}

	for _, target := range targets {
		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("invalidation: cache %s paniced: %v", target.Name(), r)
				}
			}()
			if wildcard {
				target.Clear()
				return nil
			}
			for _, key := range keys {
				target.Delete(key)
			}
			removed = append(removed, target.InvalidateByDependencies(affectedFiles)...)
			return nil
		}()
		if err != nil {
			errs = append(errs, err)
			if m.logger != nil {
				m.logger.Error("cache apply failed", slog.String("store", target.Name()), slog.Any("error", err))
			}
		}
	}
	return removed, errs
}

// Invalidate is the synchronous manual path: it bypasses the queue and
// applies the keys to every registered store immediately.
func (m *Manager) Invalidate(ctx context.Context, keys []string, strategy string) (Result, error) {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return Result{}, ErrNotInitialized
	}
	targets := make([]Target, 0, len(m.stores))
	for _, target := range m.stores {
		targets = append(targets, target)
	}
	m.mu.Unlock()

	if strategy == "" {
		strategy = StrategySmart
	}
	start := time.Now()
	removed, errs := m.apply(targets, keys, nil)

	result := Result{
		Strategy:        strategy,
		InvalidatedKeys: dedupe(append(append([]string(nil), keys...), removed...)),
		Elapsed:         time.Since(start),
		Errors:          errs,
	}
	m.stats.record(strategy, result.Elapsed, len(errs))
	m.recorder.ObserveInvalidation(strategy, len(result.InvalidatedKeys), result.Elapsed)
	return result, nil
}

// GetStats returns a read-only snapshot of the running statistics.
func (m *Manager) GetStats() Stats {
	return m.stats.snapshot()
}

// Dispose flushes any pending batch, stops the event source, cancels timers,
// and clears the registered stores. Safe to call multiple times.
func (m *Manager) Dispose(ctx context.Context) {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return
	}
	if m.debounce != nil {
		m.debounce.Stop()
		m.debounce = nil
	}
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	sourceRunning := m.sourceRunning
	m.sourceRunning = false
	m.mu.Unlock()

	// Stop new events before the final flush so nothing lands in a cleared
	// queue.
	if unsubscribe != nil {
		unsubscribe()
	}
	if sourceRunning && m.source != nil {
		m.source.Stop()
	}

	m.processBatch(ctx)

	m.mu.Lock()
	m.initialized = false
	m.queue = nil
	m.stores = make(map[string]Target)
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Info("manager disposed")
	}
}

func appendUnique(list []string, value string) []string {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}
