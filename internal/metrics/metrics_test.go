package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func findMetric(t *testing.T, r *Recorder, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := r.Gatherer().Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			matched := true
			for key, want := range labels {
				found := false
				for _, pair := range metric.GetLabel() {
					if pair.GetName() == key && pair.GetValue() == want {
						found = true
						break
					}
				}
				if !found {
					matched = false
					break
				}
			}
			if matched {
				return metric
			}
		}
	}
	return nil
}

func TestNilRecorderIsNoOp(t *testing.T) {
	var r *Recorder
	r.ObserveStoreOperation("journals", StoreOperationGet, StoreOutcomeHit, time.Millisecond)
	r.SetStoreEntries("journals", 12)
	r.ObserveInvalidation("smart", 3, time.Millisecond)
	r.ObserveWatcherEvent(WatcherEventEmitted)
	require.NotNil(t, r.Gatherer())
	require.NotNil(t, r.Handler())
}

func TestNilRecorderHandlerAnswers(t *testing.T) {
	var r *Recorder
	server := httptest.NewServer(r.Handler())
	defer server.Close()

	e := httpexpect.Default(t, server.URL)
	e.GET("/").Expect().Status(http.StatusServiceUnavailable)
}

func TestObserveStoreOperation(t *testing.T) {
	r := NewRecorder(nil)
	r.ObserveStoreOperation("journals", StoreOperationGet, StoreOutcomeHit, time.Millisecond)
	r.ObserveStoreOperation("journals", StoreOperationGet, StoreOutcomeHit, time.Millisecond)
	r.ObserveStoreOperation("journals", StoreOperationGet, StoreOutcomeMiss, time.Millisecond)

	hits := findMetric(t, r, "ledgercache_store_operations_total", map[string]string{
		"store": "journals", "operation": "get", "outcome": "hit",
	})
	require.NotNil(t, hits)
	require.Equal(t, float64(2), hits.GetCounter().GetValue())

	latency := findMetric(t, r, "ledgercache_store_operation_duration_seconds", map[string]string{
		"store": "journals", "operation": "get",
	})
	require.NotNil(t, latency)
	require.Equal(t, uint64(3), latency.GetHistogram().GetSampleCount())
}

func TestEmptyLabelsFallBack(t *testing.T) {
	r := NewRecorder(nil)
	r.ObserveStoreOperation("", "", "", 0)

	metric := findMetric(t, r, "ledgercache_store_operations_total", map[string]string{
		"store": "unknown", "operation": "get", "outcome": "ok",
	})
	require.NotNil(t, metric)
	require.Equal(t, float64(1), metric.GetCounter().GetValue())
}

func TestSetStoreEntries(t *testing.T) {
	r := NewRecorder(nil)
	r.SetStoreEntries("journals", 41)
	r.SetStoreEntries("journals", 17)

	metric := findMetric(t, r, "ledgercache_store_entries", map[string]string{"store": "journals"})
	require.NotNil(t, metric)
	require.Equal(t, float64(17), metric.GetGauge().GetValue())
}

func TestObserveInvalidation(t *testing.T) {
	r := NewRecorder(nil)
	r.ObserveInvalidation("smart", 5, 2*time.Millisecond)
	r.ObserveInvalidation("smart", 3, time.Millisecond)
	r.ObserveInvalidation("full", 100, 10*time.Millisecond)

	runs := findMetric(t, r, "ledgercache_invalidation_runs_total", map[string]string{"strategy": "smart"})
	require.NotNil(t, runs)
	require.Equal(t, float64(2), runs.GetCounter().GetValue())

	keys := findMetric(t, r, "ledgercache_invalidation_keys_total", map[string]string{"strategy": "smart"})
	require.NotNil(t, keys)
	require.Equal(t, float64(8), keys.GetCounter().GetValue())
}

func TestObserveWatcherEvent(t *testing.T) {
	r := NewRecorder(nil)
	r.ObserveWatcherEvent(WatcherEventEmitted)
	r.ObserveWatcherEvent(WatcherEventDropped)
	r.ObserveWatcherEvent(WatcherEventDropped)

	dropped := findMetric(t, r, "ledgercache_watcher_events_total", map[string]string{"result": "dropped"})
	require.NotNil(t, dropped)
	require.Equal(t, float64(2), dropped.GetCounter().GetValue())
}

func TestHandlerServesExposition(t *testing.T) {
	r := NewRecorder(nil)
	r.ObserveStoreOperation("journals", StoreOperationSet, StoreOutcomeOK, time.Millisecond)

	server := httptest.NewServer(r.Handler())
	defer server.Close()

	e := httpexpect.Default(t, server.URL)
	body := e.GET("/").Expect().Status(http.StatusOK).Body()
	body.Contains("ledgercache_store_operations_total")
	body.Contains(`store="journals"`)
}
