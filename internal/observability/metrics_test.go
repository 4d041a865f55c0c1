package observability_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/statsdengine/statsdengine/internal/observability"
)

func TestNewMetricsRegistersCountersGatherableByName(t *testing.T) {
	m := observability.NewMetrics()

	m.EventsIngestedTotal.WithLabelValues("10").Inc()
	m.EventsIngestedTotal.WithLabelValues("10").Inc()

	if got := testutil.ToFloat64(m.EventsIngestedTotal.WithLabelValues("10")); got != 2 {
		t.Fatalf("events_total{atom_id=10} = %v, want 2", got)
	}
}

func TestBroadcastsSentTotalIsAPlainCounter(t *testing.T) {
	m := observability.NewMetrics()
	m.BroadcastsSentTotal.Inc()
	m.BroadcastsSentTotal.Inc()
	m.BroadcastsSentTotal.Inc()

	if got := testutil.ToFloat64(m.BroadcastsSentTotal); got != 3 {
		t.Fatalf("broadcasts_sent_total = %v, want 3", got)
	}
}

// TestMergeRegistryFoldsOtherRegistryIntoGatherers covers
// observability.Metrics.MergeRegistry surfacing a second package's
// dedicated registry through the same Gatherers used by ServeMetrics.
func TestMergeRegistryFoldsOtherRegistryIntoGatherers(t *testing.T) {
	m := observability.NewMetrics()

	other := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "other_total", Help: "test"})
	c.Inc()
	other.MustRegister(c)

	m.MergeRegistry(other)

	families, err := m.Gatherers().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var found bool
	for _, fam := range families {
		if fam.GetName() == "other_total" {
			found = true
		}
	}
	if !found {
		t.Fatal("merged registry's other_total metric not present in gathered families")
	}
}
