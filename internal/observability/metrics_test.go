package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	t.Run("NewMetrics", func(t *testing.T) {
		if m == nil {
			t.Fatal("NewMetrics returned nil")
		}
		if m.DocumentsAdded == nil {
			t.Error("DocumentsAdded not initialized")
		}
		if m.SearchesTotal == nil {
			t.Error("SearchesTotal not initialized")
		}
		if m.IndexSize == nil {
			t.Error("IndexSize not initialized")
		}
	})

	t.Run("RecordSearch", func(t *testing.T) {
		m.RecordSearch("plaid", "ok", 50*time.Millisecond)
		m.RecordSearch("xtr", "rate_limited", 1*time.Millisecond)

		got := counterVecValue(t, m.SearchesTotal, "plaid", "ok")
		if got != 1 {
			t.Errorf("SearchesTotal{plaid,ok} = %v, want 1", got)
		}
	})

	t.Run("RecordRetrievalShape", func(t *testing.T) {
		m.RecordRetrievalShape(16, 400, 400, 10)
	})

	t.Run("UpdateIndexSize", func(t *testing.T) {
		m.UpdateIndexSize("tenant-a", 1000)
		m.UpdateIndexSize("tenant-a", 1500)
		m.UpdateIndexSize("tenant-b", 1)
	})

	t.Run("UpdateTenantQuota", func(t *testing.T) {
		m.UpdateTenantQuota("tenant-a", "vectors", 0.75)
		m.UpdateTenantQuota("tenant-a", "dimensions", 1.0)
	})

	t.Run("RecordRateLimited", func(t *testing.T) {
		m.RecordRateLimited("tenant-a")
		m.RecordRateLimited("tenant-a")

		got := counterVecValue(t, m.TenantRateLimited, "tenant-a")
		if got != 2 {
			t.Errorf("TenantRateLimited{tenant-a} = %v, want 2", got)
		}
	})

	t.Run("RecordStorageError", func(t *testing.T) {
		m.RecordStorageError("posting", "io")
	})
}

// TestPrivateRegistryAvoidsDuplicateRegistration guards against a classic
// promauto footgun: two Metrics instances in the same process must not
// panic on duplicate collector registration, since pkg/index constructs
// one per Index and a single process legitimately opens more than one.
func TestPrivateRegistryAvoidsDuplicateRegistration(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()
	a.DocumentsAdded.Inc()
	b.DocumentsAdded.Inc()

	if a.Registry == b.Registry {
		t.Fatal("expected distinct private registries per Metrics instance")
	}
}

func counterVecValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetCounter().GetValue()
}
