package invalidation

import (
	"sync"
	"time"
)

const executionSampleWindow = 100

// Stats is the read-only statistics snapshot per manager. Counters accumulate
// from initialization and reset only on re-initialization.
type Stats struct {
	TotalInvalidations   int64
	PartialInvalidations int64
	CascadeInvalidations int64
	FullInvalidations    int64
	SmartInvalidations   int64
	// AverageExecutionMs is a rolling average over the last hundred runs.
	AverageExecutionMs float64
	ErrorCount         int64
	LastInvalidation   time.Time
}

// statsTracker accumulates the manager's running statistics.
type statsTracker struct {
	mu               sync.Mutex
	total            int64
	partial          int64
	cascade          int64
	full             int64
	smart            int64
	errorCount       int64
	lastInvalidation time.Time

	samples     [executionSampleWindow]float64
	sampleCount int
	sampleNext  int
}

func (t *statsTracker) record(strategy string, elapsed time.Duration, errs int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total++
	switch strategy {
	case StrategyPartial:
		t.partial++
	case StrategyCascade:
		t.cascade++
	case StrategyFull:
		t.full++
	case StrategySmart:
		t.smart++
	}
	t.errorCount += int64(errs)
	t.lastInvalidation = time.Now()

	t.samples[t.sampleNext] = float64(elapsed.Microseconds()) / 1000.0
	t.sampleNext = (t.sampleNext + 1) % executionSampleWindow
	if t.sampleCount < executionSampleWindow {
		t.sampleCount++
	}
}

func (t *statsTracker) recordError() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorCount++
}

func (t *statsTracker) last() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastInvalidation
}

func (t *statsTracker) snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := Stats{
		TotalInvalidations:   t.total,
		PartialInvalidations: t.partial,
		CascadeInvalidations: t.cascade,
		FullInvalidations:    t.full,
		SmartInvalidations:   t.smart,
		ErrorCount:           t.errorCount,
		LastInvalidation:     t.lastInvalidation,
	}
	if t.sampleCount > 0 {
		var sum float64
		for i := 0; i < t.sampleCount; i++ {
			sum += t.samples[i]
		}
		stats.AverageExecutionMs = sum / float64(t.sampleCount)
	}
	return stats
}

func (t *statsTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total, t.partial, t.cascade, t.full, t.smart = 0, 0, 0, 0, 0
	t.errorCount = 0
	t.lastInvalidation = time.Time{}
	t.samples = [executionSampleWindow]float64{}
	t.sampleCount = 0
	t.sampleNext = 0
}
