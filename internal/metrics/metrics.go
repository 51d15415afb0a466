package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StoreOperation identifies the entry-store method being instrumented.
type StoreOperation string

const (
	// StoreOperationGet records entry lookups (get and has).
	StoreOperationGet StoreOperation = "get"
	// StoreOperationSet records entry writes.
	StoreOperationSet StoreOperation = "set"
	// StoreOperationDelete records single-key deletions.
	StoreOperationDelete StoreOperation = "delete"
	// StoreOperationEvict records capacity evictions.
	StoreOperationEvict StoreOperation = "evict"
	// StoreOperationExpire records TTL expirations, lazy or swept.
	StoreOperationExpire StoreOperation = "expire"
)

// StoreOutcome captures the result of a store operation.
type StoreOutcome string

const (
	// StoreOutcomeHit indicates a lookup returned a live entry.
	StoreOutcomeHit StoreOutcome = "hit"
	// StoreOutcomeMiss indicates a lookup found nothing usable.
	StoreOutcomeMiss StoreOutcome = "miss"
	// StoreOutcomeOK indicates a mutation completed.
	StoreOutcomeOK StoreOutcome = "ok"
	// StoreOutcomeError indicates the operation failed.
	StoreOutcomeError StoreOutcome = "error"
)

// WatcherEventResult classifies what the file watcher did with a raw
// filesystem notification.
type WatcherEventResult string

const (
	// WatcherEventEmitted means the event survived filtering and debounce.
	WatcherEventEmitted WatcherEventResult = "emitted"
	// WatcherEventExcluded means an exclude pattern rejected the path.
	WatcherEventExcluded WatcherEventResult = "excluded"
	// WatcherEventUnsupported means the extension is not a ledger file type.
	WatcherEventUnsupported WatcherEventResult = "unsupported"
	// WatcherEventDropped means the pending queue was full.
	WatcherEventDropped WatcherEventResult = "dropped"
)

// Recorder publishes Prometheus metrics for cache and invalidation activity.
// A nil Recorder is a valid no-op implementation so components can run
// unobserved in tests.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	storeOperations *prometheus.CounterVec
	storeLatency    *prometheus.HistogramVec
	storeEntries    *prometheus.GaugeVec

	invalidations       *prometheus.CounterVec
	invalidatedKeys     *prometheus.CounterVec
	invalidationLatency *prometheus.HistogramVec

	watcherEvents *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	storeOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgercache",
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Entry store operations grouped by outcome.",
	}, []string{"store", "operation", "outcome"})

	storeLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ledgercache",
		Subsystem: "store",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for entry store operations.",
		Buckets:   []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	}, []string{"store", "operation"})

	storeEntries := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ledgercache",
		Subsystem: "store",
		Name:      "entries",
		Help:      "Current number of live entries per store.",
	}, []string{"store"})

	invalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgercache",
		Subsystem: "invalidation",
		Name:      "runs_total",
		Help:      "Invalidation executions grouped by reported strategy.",
	}, []string{"strategy"})

	invalidatedKeys := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgercache",
		Subsystem: "invalidation",
		Name:      "keys_total",
		Help:      "Cache keys removed by invalidation runs.",
	}, []string{"strategy"})

	invalidationLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ledgercache",
		Subsystem: "invalidation",
		Name:      "duration_seconds",
		Help:      "Latency distribution for strategy execution and apply.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"strategy"})

	watcherEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgercache",
		Subsystem: "watcher",
		Name:      "events_total",
		Help:      "Raw filesystem notifications grouped by disposition.",
	}, []string{"result"})

	reg.MustRegister(storeOperations, storeLatency, storeEntries, invalidations, invalidatedKeys, invalidationLatency, watcherEvents)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:            reg,
		handler:             handler,
		storeOperations:     storeOperations,
		storeLatency:        storeLatency,
		storeEntries:        storeEntries,
		invalidations:       invalidations,
		invalidatedKeys:     invalidatedKeys,
		invalidationLatency: invalidationLatency,
		watcherEvents:       watcherEvents,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveStoreOperation records one entry-store call.
func (r *Recorder) ObserveStoreOperation(store string, op StoreOperation, outcome StoreOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	storeLabel := normalizeLabel(store)
	opLabel := string(op)
	if opLabel == "" {
		opLabel = string(StoreOperationGet)
	}
	outcomeLabel := string(outcome)
	if outcomeLabel == "" {
		outcomeLabel = string(StoreOutcomeOK)
	}
	r.storeOperations.WithLabelValues(storeLabel, opLabel, outcomeLabel).Inc()
	r.storeLatency.WithLabelValues(storeLabel, opLabel).Observe(duration.Seconds())
}

// SetStoreEntries publishes the current entry count for a store.
func (r *Recorder) SetStoreEntries(store string, count int) {
	if r == nil {
		return
	}
	r.storeEntries.WithLabelValues(normalizeLabel(store)).Set(float64(count))
}

// ObserveInvalidation records one completed invalidation run.
func (r *Recorder) ObserveInvalidation(strategy string, keys int, duration time.Duration) {
	if r == nil {
		return
	}
	strategyLabel := normalizeLabel(strategy)
	r.invalidations.WithLabelValues(strategyLabel).Inc()
	r.invalidatedKeys.WithLabelValues(strategyLabel).Add(float64(keys))
	r.invalidationLatency.WithLabelValues(strategyLabel).Observe(duration.Seconds())
}

// ObserveWatcherEvent records the disposition of one raw filesystem event.
func (r *Recorder) ObserveWatcherEvent(result WatcherEventResult) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(WatcherEventEmitted)
	}
	r.watcherEvents.WithLabelValues(resultLabel).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
