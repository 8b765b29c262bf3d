package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func counterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if want, ok := labels[label.GetName()]; ok && want != label.GetValue() {
					continue metrics
				}
			}
			if counter := metric.GetCounter(); counter != nil {
				return counter.GetValue()
			}
			if gauge := metric.GetGauge(); gauge != nil {
				return gauge.GetValue()
			}
		}
	}
	return 0
}

func TestRecordDeliveryCountsPerResult(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.RecordDelivery(118, 2, 1)
	m.RecordDelivery(2, 0, 0)

	if got := counterValue(t, registry, "ema_broadcast_utterances_delivered_total", nil); got != 2 {
		t.Fatalf("expected 2 delivered utterances, got %v", got)
	}
	if got := counterValue(t, registry, "ema_broadcast_listener_deliveries_total", map[string]string{"result": "queued"}); got != 120 {
		t.Fatalf("expected 120 queued deliveries, got %v", got)
	}
	if got := counterValue(t, registry, "ema_broadcast_listener_deliveries_total", map[string]string{"result": "dropped"}); got != 2 {
		t.Fatalf("expected 2 dropped deliveries, got %v", got)
	}
}

func TestRecordStageAndCacheLookups(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.RecordStage(StageSynthesis, OutcomeTimeout, 2)
	m.RecordCacheLookup(true)
	m.RecordCacheLookup(true)
	m.RecordCacheLookup(false)
	m.SetActive(3, 7)

	if got := counterValue(t, registry, "ema_broadcast_pipeline_stage_outcomes_total", map[string]string{"stage": StageSynthesis, "outcome": OutcomeTimeout}); got != 1 {
		t.Fatalf("expected one synthesis timeout, got %v", got)
	}
	if got := counterValue(t, registry, "ema_broadcast_synthesis_cache_lookups_total", map[string]string{"result": "hit"}); got != 2 {
		t.Fatalf("expected 2 cache hits, got %v", got)
	}
	if got := counterValue(t, registry, "ema_broadcast_active_listeners", nil); got != 7 {
		t.Fatalf("expected 7 active listeners, got %v", got)
	}
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	m.RecordSessionCreated()
	m.RecordDelivery(1, 1, 1)
	m.RecordStage(StageTranslation, OutcomeFailure, 1)
	m.RecordCacheLookup(false)
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.RecordSessionCreated()

	recorder := httptest.NewRecorder()
	m.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))

	if !strings.Contains(recorder.Body.String(), "ema_broadcast_sessions_created_total 1") {
		t.Fatalf("expected sessions created counter in output, got %s", recorder.Body.String())
	}
}
