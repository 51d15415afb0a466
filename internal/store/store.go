package store

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/juev/hledger-cache/internal/metrics"
)

const (
	defaultMaxSize       = 1000
	defaultSweepInterval = 4 * time.Minute

	// evictionFraction governs batch LRU eviction: when the store hits
	// capacity the lowest tenth of entries is removed at once so the sort
	// cost amortizes across many inserts.
	evictionFraction = 10

	accessSampleWindow = 100
)

// ValidationError reports a payload-level failure for a single entry, such as
// a serializer rejecting the value being stored.
type ValidationError struct {
	Key string
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("store: entry %q failed validation: %v", e.Key, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Config describes one entry store. The zero value is usable apart from Name.
type Config[T any] struct {
	Name    string
	MaxSize int
	// MaxAge is the TTL applied to every entry; zero disables expiry.
	MaxAge time.Duration
	// EnableCompression and EnablePersistence are accepted for configuration
	// compatibility; neither changes stored bytes today.
	EnableCompression bool
	EnablePersistence bool
	// Validator, when set, vetoes entries on read and during Validate scans.
	Validator Validator
	// ValidatorExpr is a CEL boolean expression compiled at construction and
	// applied in addition to Validator.
	ValidatorExpr string
	// Serializer is used for checksum and size accounting; JSON by default.
	Serializer Serializer[T]
	// SweepInterval overrides the background expiry sweep cadence. The
	// production default keeps at least four minutes between runs.
	SweepInterval time.Duration
}

// Store is a named key→entry cache with TTL expiry, dependency and tag
// inverted indexes, and batch LRU eviction. It makes no invalidation
// decisions itself; the invalidation manager drives Delete and Clear.
//
// All operations are safe for concurrent use. The mutex covers the multi-step
// entry/index mutations so no caller ever observes a partially indexed entry.
type Store[T any] struct {
	name       string
	maxSize    int
	maxAge     time.Duration
	serializer Serializer[T]
	validator  Validator

	logger   *slog.Logger
	recorder *metrics.Recorder

	mu      sync.Mutex
	entries map[string]*Entry[T]
	byFile  map[string]map[string]struct{}
	byTag   map[string]map[string]struct{}

	hits          int64
	misses        int64
	accessSamples [accessSampleWindow]float64
	sampleCount   int
	sampleNext    int

	sweepStop chan struct{}
	closeOnce sync.Once
}

// New constructs a store and, when a TTL is configured, starts the background
// expiry sweep. Close must be called to stop the sweep.
func New[T any](cfg Config[T], logger *slog.Logger, recorder *metrics.Recorder) (*Store[T], error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("store: a store requires a name")
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultMaxSize
	}
	if cfg.Serializer == nil {
		cfg.Serializer = JSONSerializer[T]{}
	}

	validator := cfg.Validator
	if cfg.ValidatorExpr != "" {
		compiled, err := CompileValidator(cfg.ValidatorExpr)
		if err != nil {
			return nil, err
		}
		exprFn := compiled.Func()
		if inner := validator; inner != nil {
			validator = func(info EntryInfo) bool {
				return inner(info) && exprFn(info)
			}
		} else {
			validator = exprFn
		}
	}

	if logger != nil {
		logger = logger.With(slog.String("store", cfg.Name))
	}

	s := &Store[T]{
		name:       cfg.Name,
		maxSize:    cfg.MaxSize,
		maxAge:     cfg.MaxAge,
		serializer: cfg.Serializer,
		validator:  validator,
		logger:     logger,
		recorder:   recorder,
		entries:    make(map[string]*Entry[T]),
		byFile:     make(map[string]map[string]struct{}),
		byTag:      make(map[string]map[string]struct{}),
		sweepStop:  make(chan struct{}),
	}

	if cfg.MaxAge > 0 {
		interval := cfg.SweepInterval
		if interval <= 0 {
			interval = defaultSweepInterval
		}
		go s.sweep(interval)
	}

	return s, nil
}

// Name identifies the store inside the invalidation manager's registry.
func (s *Store[T]) Name() string { return s.name }

// Get returns the cached value for key unless it expired or fails the
// configured validator, in which case the entry is deleted as a side effect.
func (s *Store[T]) Get(key string) (T, bool) {
	var zero T
	start := time.Now()

	s.mu.Lock()
	entry, ok := s.entries[key]
	if !ok {
		s.misses++
		s.recordAccessLocked(start)
		s.mu.Unlock()
		s.recorder.ObserveStoreOperation(s.name, metrics.StoreOperationGet, metrics.StoreOutcomeMiss, time.Since(start))
		return zero, false
	}
	now := time.Now()
	if entry.Expired(now) {
		s.removeLocked(key, entry)
		s.misses++
		s.recordAccessLocked(start)
		count := len(s.entries)
		s.mu.Unlock()
		s.recorder.ObserveStoreOperation(s.name, metrics.StoreOperationExpire, metrics.StoreOutcomeOK, 0)
		s.recorder.ObserveStoreOperation(s.name, metrics.StoreOperationGet, metrics.StoreOutcomeMiss, time.Since(start))
		s.recorder.SetStoreEntries(s.name, count)
		return zero, false
	}
	if s.validator != nil && !s.validator(entry.Info(now)) {
		s.removeLocked(key, entry)
		s.misses++
		s.recordAccessLocked(start)
		count := len(s.entries)
		s.mu.Unlock()
		if s.logger != nil {
			s.logger.Debug("entry rejected by validator", slog.String("key", key))
		}
		s.recorder.ObserveStoreOperation(s.name, metrics.StoreOperationGet, metrics.StoreOutcomeMiss, time.Since(start))
		s.recorder.SetStoreEntries(s.name, count)
		return zero, false
	}

	entry.AccessCount++
	entry.LastAccessedAt = now
	value := entry.Data
	s.hits++
	s.recordAccessLocked(start)
	s.mu.Unlock()

	s.recorder.ObserveStoreOperation(s.name, metrics.StoreOperationGet, metrics.StoreOutcomeHit, time.Since(start))
	return value, true
}

// Has reports whether key resolves to a live entry. It shares Get's side
// effects: expired or invalid entries are dropped and counters move.
func (s *Store[T]) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Set stores value under key, replacing any prior entry and its index
// bookkeeping. Dependencies and tags feed the inverted indexes used by
// invalidation. Insertion past capacity triggers batch LRU eviction first.
func (s *Store[T]) Set(key string, value T, dependencies []string, tags []string) error {
	start := time.Now()

	data, err := s.serializer.Serialize(value)
	if err != nil {
		s.recorder.ObserveStoreOperation(s.name, metrics.StoreOperationSet, metrics.StoreOutcomeError, time.Since(start))
		return &ValidationError{Key: key, Err: err}
	}

	now := time.Now()
	entry := &Entry[T]{
		Key:            key,
		Data:           value,
		CreatedAt:      now,
		Dependencies:   append([]string(nil), dependencies...),
		Tags:           append([]string(nil), tags...),
		LastAccessedAt: now,
		Metadata: Metadata{
			Checksum:      checksum(data),
			SizeBytes:     int64(len(data)),
			LastModified:  now,
			SchemaVersion: 1,
		},
	}
	if s.maxAge > 0 {
		entry.ExpiresAt = now.Add(s.maxAge)
	}

	s.mu.Lock()
	if prior, ok := s.entries[key]; ok {
		s.unindexLocked(prior)
	} else if len(s.entries) >= s.maxSize {
		s.evictLocked()
	}
	s.entries[key] = entry
	s.indexLocked(entry)
	count := len(s.entries)
	s.mu.Unlock()

	s.recorder.ObserveStoreOperation(s.name, metrics.StoreOperationSet, metrics.StoreOutcomeOK, time.Since(start))
	s.recorder.SetStoreEntries(s.name, count)
	return nil
}

// Delete removes one entry and its index bookkeeping, reporting whether
// anything was removed.
func (s *Store[T]) Delete(key string) bool {
	start := time.Now()

	s.mu.Lock()
	entry, ok := s.entries[key]
	if ok {
		s.removeLocked(key, entry)
	}
	count := len(s.entries)
	s.mu.Unlock()

	outcome := metrics.StoreOutcomeOK
	if !ok {
		outcome = metrics.StoreOutcomeMiss
	}
	s.recorder.ObserveStoreOperation(s.name, metrics.StoreOperationDelete, outcome, time.Since(start))
	s.recorder.SetStoreEntries(s.name, count)
	return ok
}

// Clear drops every entry and index and resets the hit/miss counters.
func (s *Store[T]) Clear() {
	s.mu.Lock()
	s.entries = make(map[string]*Entry[T])
	s.byFile = make(map[string]map[string]struct{})
	s.byTag = make(map[string]map[string]struct{})
	s.hits = 0
	s.misses = 0
	s.sampleCount = 0
	s.sampleNext = 0
	s.mu.Unlock()

	s.recorder.SetStoreEntries(s.name, 0)
	if s.logger != nil {
		s.logger.Debug("store cleared")
	}
}

// InvalidateByDependencies deletes every entry that lists one of the given
// files as a dependency and returns the removed keys.
func (s *Store[T]) InvalidateByDependencies(files []string) []string {
	return s.invalidateByIndex(s.byFileBuckets, files)
}

// InvalidateByTags deletes every entry carrying one of the given tags and
// returns the removed keys.
func (s *Store[T]) InvalidateByTags(tags []string) []string {
	return s.invalidateByIndex(s.byTagBuckets, tags)
}

func (s *Store[T]) byFileBuckets() map[string]map[string]struct{} { return s.byFile }
func (s *Store[T]) byTagBuckets() map[string]map[string]struct{}  { return s.byTag }

func (s *Store[T]) invalidateByIndex(buckets func() map[string]map[string]struct{}, refs []string) []string {
	var removed []string

	s.mu.Lock()
	for _, ref := range refs {
		bucket, ok := buckets()[ref]
		if !ok {
			continue
		}
		keys := make([]string, 0, len(bucket))
		for key := range bucket {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if entry, ok := s.entries[key]; ok {
				s.removeLocked(key, entry)
				removed = append(removed, key)
			}
		}
	}
	count := len(s.entries)
	s.mu.Unlock()

	if len(removed) > 0 {
		s.recorder.SetStoreEntries(s.name, count)
		if s.logger != nil {
			s.logger.Debug("index invalidation", slog.Int("removed", len(removed)))
		}
	}
	return removed
}

// Len reports the current number of live entries.
func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Keys returns a sorted snapshot of the stored keys.
func (s *Store[T]) Keys() []string {
	s.mu.Lock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	s.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// DependencyGraph projects the file index into file→file edges: files that
// back the same cached entry are considered related. The invalidation manager
// uses this as the default dependency graph when the application supplies no
// resolver of its own.
func (s *Store[T]) DependencyGraph() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	graph := make(map[string][]string, len(s.byFile))
	for _, entry := range s.entries {
		for _, file := range entry.Dependencies {
			for _, other := range entry.Dependencies {
				if other == file {
					continue
				}
				graph[file] = appendUnique(graph[file], other)
			}
			if _, ok := graph[file]; !ok {
				graph[file] = nil
			}
		}
	}
	return graph
}

// Metrics is the read-only introspection snapshot.
type Metrics struct {
	HitRate           float64
	MissRate          float64
	TotalHits         int64
	TotalMisses       int64
	AvgAccessTimeMs   float64
	ApproxMemoryBytes int64
	EntryCount        int
}

// GetMetrics returns the current counters and derived rates.
func (s *Store[T]) GetMetrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := Metrics{
		TotalHits:   s.hits,
		TotalMisses: s.misses,
		EntryCount:  len(s.entries),
	}
	if total := s.hits + s.misses; total > 0 {
		m.HitRate = float64(s.hits) / float64(total)
		m.MissRate = float64(s.misses) / float64(total)
	}
	if s.sampleCount > 0 {
		var sum float64
		for i := 0; i < s.sampleCount; i++ {
			sum += s.accessSamples[i]
		}
		m.AvgAccessTimeMs = sum / float64(s.sampleCount)
	}
	for _, entry := range s.entries {
		m.ApproxMemoryBytes += entry.Metadata.SizeBytes
	}
	return m
}

// Close stops the background sweep. Safe to call more than once.
func (s *Store[T]) Close() {
	s.closeOnce.Do(func() {
		close(s.sweepStop)
	})
}

// removeLocked deletes the entry and its index references. Callers hold the
// mutex.
func (s *Store[T]) removeLocked(key string, entry *Entry[T]) {
	s.unindexLocked(entry)
	delete(s.entries, key)
}

func (s *Store[T]) indexLocked(entry *Entry[T]) {
	for _, file := range entry.Dependencies {
		bucket, ok := s.byFile[file]
		if !ok {
			bucket = make(map[string]struct{})
			s.byFile[file] = bucket
		}
		bucket[entry.Key] = struct{}{}
	}
	for _, tag := range entry.Tags {
		bucket, ok := s.byTag[tag]
		if !ok {
			bucket = make(map[string]struct{})
			s.byTag[tag] = bucket
		}
		bucket[entry.Key] = struct{}{}
	}
}

func (s *Store[T]) unindexLocked(entry *Entry[T]) {
	for _, file := range entry.Dependencies {
		if bucket, ok := s.byFile[file]; ok {
			delete(bucket, entry.Key)
			if len(bucket) == 0 {
				delete(s.byFile, file)
			}
		}
	}
	for _, tag := range entry.Tags {
		if bucket, ok := s.byTag[tag]; ok {
			delete(bucket, entry.Key)
			if len(bucket) == 0 {
				delete(s.byTag, tag)
			}
		}
	}
}

// evictLocked removes the least valuable tenth of the store, never fewer than
// one entry. Entries are ranked by access count, then by last access time, so
// never-read entries leave first.
func (s *Store[T]) evictLocked() {
	batch := s.maxSize / evictionFraction
	if batch < 1 {
		batch = 1
	}

	candidates := make([]*Entry[T], 0, len(s.entries))
	for _, entry := range s.entries {
		candidates = append(candidates, entry)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].AccessCount != candidates[j].AccessCount {
			return candidates[i].AccessCount < candidates[j].AccessCount
		}
		return candidates[i].LastAccessedAt.Before(candidates[j].LastAccessedAt)
	})

	if batch > len(candidates) {
		batch = len(candidates)
	}
	for _, entry := range candidates[:batch] {
		s.removeLocked(entry.Key, entry)
		s.recorder.ObserveStoreOperation(s.name, metrics.StoreOperationEvict, metrics.StoreOutcomeOK, 0)
	}
	if s.logger != nil {
		s.logger.Debug("evicted entries", slog.Int("count", batch))
	}
}

// recordAccessLocked pushes one latency sample into the rolling window.
func (s *Store[T]) recordAccessLocked(start time.Time) {
	ms := float64(time.Since(start).Microseconds()) / 1000.0
	s.accessSamples[s.sampleNext] = ms
	s.sampleNext = (s.sampleNext + 1) % accessSampleWindow
	if s.sampleCount < accessSampleWindow {
		s.sampleCount++
	}
}

// sweep proactively reclaims expired entries so memory frees up even for keys
// nobody reads again.
func (s *Store[T]) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

func (s *Store[T]) sweepExpired() {
	now := time.Now()

	s.mu.Lock()
	var removed int
	for key, entry := range s.entries {
		if entry.Expired(now) {
			s.removeLocked(key, entry)
			removed++
		}
	}
	count := len(s.entries)
	s.mu.Unlock()

	if removed > 0 {
		s.recorder.SetStoreEntries(s.name, count)
		for i := 0; i < removed; i++ {
			s.recorder.ObserveStoreOperation(s.name, metrics.StoreOperationExpire, metrics.StoreOutcomeOK, 0)
		}
		if s.logger != nil {
			s.logger.Debug("sweep reclaimed expired entries", slog.Int("count", removed))
		}
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
