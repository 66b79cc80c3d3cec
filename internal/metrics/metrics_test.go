package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func findFamily(t *testing.T, reg *Registry, name string) *dto.MetricFamily {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func hasLabel(m *dto.Metric, name, value string) bool {
	for _, label := range m.GetLabel() {
		if label.GetName() == name && label.GetValue() == value {
			return true
		}
	}
	return false
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	if reg == nil {
		t.Fatal("expected non-nil registry")
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	// Should have go runtime metrics at minimum
	if len(mfs) == 0 {
		t.Error("expected some metrics to be registered")
	}
}

func TestRegistry_RecordRequest_StatusCodes(t *testing.T) {
	tests := []struct {
		status   int
		expected string
	}{
		{0, "error"},
		{100, "1xx"},
		{200, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{429, "4xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			reg := NewRegistry()
			reg.RecordRequest("api.example.com", tt.status, 0.01)

			mf := findFamily(t, reg, "http_client_requests_total")
			if mf == nil {
				t.Fatal("expected http_client_requests_total metric")
			}
			found := false
			for _, m := range mf.GetMetric() {
				if hasLabel(m, "status", tt.expected) {
					found = true
				}
			}
			if !found {
				t.Errorf("expected status label %s for status code %d", tt.expected, tt.status)
			}
		})
	}
}

func TestRegistry_InFlight(t *testing.T) {
	reg := NewRegistry()

	reg.InFlightInc()
	reg.InFlightInc()
	reg.InFlightDec()

	mf := findFamily(t, reg, "http_client_requests_in_flight")
	if mf == nil {
		t.Fatal("expected http_client_requests_in_flight metric")
	}
	if got := mf.GetMetric()[0].GetGauge().GetValue(); got != 1 {
		t.Errorf("expected in-flight gauge to be 1, got %v", got)
	}
}

func TestRegistry_RecordFetch(t *testing.T) {
	reg := NewRegistry()

	reg.RecordFetch("dexscreener", "ok")
	reg.RecordFetch("dexscreener", "ok")
	reg.RecordFetch("birdeye", "rate_limited")

	mf := findFamily(t, reg, "trenchcoat_fetches_total")
	if mf == nil {
		t.Fatal("expected trenchcoat_fetches_total metric")
	}
	for _, m := range mf.GetMetric() {
		switch {
		case hasLabel(m, "provider", "dexscreener"):
			if m.GetCounter().GetValue() != 2 {
				t.Errorf("expected 2 dexscreener fetches, got %v", m.GetCounter().GetValue())
			}
		case hasLabel(m, "provider", "birdeye"):
			if !hasLabel(m, "outcome", "rate_limited") {
				t.Error("expected rate_limited outcome for birdeye")
			}
		}
	}
}

func TestRegistry_RecordEnrichment(t *testing.T) {
	reg := NewRegistry()

	reg.RecordEnrichment(0.75, 1.2)
	reg.RecordEnrichment(0, 0.3)

	mf := findFamily(t, reg, "trenchcoat_enrichment_completeness")
	if mf == nil {
		t.Fatal("expected trenchcoat_enrichment_completeness metric")
	}
	hist := mf.GetMetric()[0].GetHistogram()
	if hist.GetSampleCount() != 2 {
		t.Errorf("expected sample count 2, got %d", hist.GetSampleCount())
	}
	if hist.GetSampleSum() < 0.74 || hist.GetSampleSum() > 0.76 {
		t.Errorf("expected sample sum ~0.75, got %v", hist.GetSampleSum())
	}

	results := findFamily(t, reg, "trenchcoat_enrichments_total")
	if results == nil || len(results.GetMetric()) != 2 {
		t.Error("expected enriched and empty result series")
	}
}

func TestRegistry_BatchMetrics(t *testing.T) {
	reg := NewRegistry()

	reg.RecordTask("completed")
	reg.RecordTask("failed")
	reg.RecordRetry()
	reg.RecordRetry()
	reg.SetTasksInFlight(3)
	reg.RecordBatch(12)

	mf := findFamily(t, reg, "trenchcoat_batch_retries_total")
	if mf == nil {
		t.Fatal("expected trenchcoat_batch_retries_total metric")
	}
	if got := mf.GetMetric()[0].GetCounter().GetValue(); got != 2 {
		t.Errorf("expected 2 retries, got %v", got)
	}

	inflight := findFamily(t, reg, "trenchcoat_batch_tasks_in_flight")
	if got := inflight.GetMetric()[0].GetGauge().GetValue(); got != 3 {
		t.Errorf("expected 3 in flight, got %v", got)
	}
}

func TestRegistry_NilSafe(t *testing.T) {
	var reg *Registry

	// None of these may panic
	reg.RecordRequest("host", 200, 0.1)
	reg.InFlightInc()
	reg.InFlightDec()
	reg.RecordFetch("p", "ok")
	reg.RecordCacheLookup("p", true)
	reg.RecordLimiterWait("p", 0.5)
	reg.RecordCooldown("p")
	reg.RecordBreakerState("p", "open")
	reg.RecordEnrichment(1, 1)
	reg.RecordTask("completed")
	reg.RecordRetry()
	reg.SetTasksInFlight(1)
	reg.RecordBatch(1)
}

// Ensure the registry implements prometheus.Gatherer interface
func TestRegistry_ImplementsGatherer(t *testing.T) {
	reg := NewRegistry()
	var _ prometheus.Gatherer = reg
}
