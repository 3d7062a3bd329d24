package monitor

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordExecution(t *testing.T) {
	m := NewMetrics()

	m.RecordExecution("success", "", 0.01)
	m.RecordExecution("failure", "TimeoutError", 5)
	m.RecordExecution("failure", "TimeoutError", 5)

	if got := testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("failure", "TimeoutError")); got != 2 {
		t.Errorf("timeouts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("success", "")); got != 1 {
		t.Errorf("successes = %v, want 1", got)
	}
}

func TestRecordCache(t *testing.T) {
	m := NewMetrics()

	m.RecordCache("hit")
	m.RecordCache("miss")
	m.RecordCache("miss")

	if got := testutil.ToFloat64(m.CacheLookups.WithLabelValues("miss")); got != 2 {
		t.Errorf("misses = %v, want 2", got)
	}
}

func TestRegisterPoolSize(t *testing.T) {
	m := NewMetrics()
	size := 3
	m.RegisterPoolSize(func() int { return size })

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == "jsbox_pool_idle_services" {
			if got := f.GetMetric()[0].GetGauge().GetValue(); got != 3 {
				t.Errorf("pool gauge = %v, want 3", got)
			}
			return
		}
	}
	t.Error("jsbox_pool_idle_services not registered")
}
