package metric_test

import (
	"testing"

	"github.com/statsdengine/statsdengine/internal/event"
	"github.com/statsdengine/statsdengine/internal/metric"
	"github.com/statsdengine/statsdengine/internal/predicate"
)

var gaugeField = event.FieldPath{Field: 3}

// TestGaugeSampleFirstNKeepsOnlyFirstN covers the keep-first-N sampling
// policy (spec §4.4.4).
func TestGaugeSampleFirstNKeepsOnlyFirstN(t *testing.T) {
	base := newBase(nil)
	base.SetCachedCondition(predicate.StateTrue)
	g := metric.NewGauge(base, []event.FieldPath{gaugeField}, metric.SampleFirstN, 2)

	for _, n := range []int32{1, 2, 3} {
		e := event.NewEvent(42, 10, 0, []event.Value{event.Int32Value(gaugeField, n)})
		if err := g.OnMatchedLogEvent(0, e); err != nil {
			t.Fatalf("OnMatchedLogEvent: %v", err)
		}
	}

	report := g.DumpReport(2000)
	for _, bs := range report {
		if len(bs) != 1 {
			t.Fatalf("got %d buckets, want 1", len(bs))
		}
		b := bs[0]
		if len(b.Gauge) != 2 {
			t.Fatalf("Gauge snapshots = %d, want 2 (capped at N)", len(b.Gauge))
		}
		if b.Gauge[0].Int32 != 1 || b.Gauge[1].Int32 != 2 {
			t.Fatalf("Gauge values = %v, want [1 2]", b.Gauge)
		}
	}
}

// TestGaugeSampleRandomOneKeepsExactlyOne covers the reservoir-sampling
// policy always retaining exactly one snapshot.
func TestGaugeSampleRandomOneKeepsExactlyOne(t *testing.T) {
	base := newBase(nil)
	base.SetCachedCondition(predicate.StateTrue)
	g := metric.NewGauge(base, []event.FieldPath{gaugeField}, metric.SampleRandomOne, 0)
	g.RandFloat = func() float64 { return 0.99 } // never replace after the first

	for _, n := range []int32{1, 2, 3} {
		e := event.NewEvent(42, 10, 0, []event.Value{event.Int32Value(gaugeField, n)})
		g.OnMatchedLogEvent(0, e)
	}

	report := g.DumpReport(2000)
	for _, bs := range report {
		if len(bs) != 1 {
			t.Fatalf("got %d buckets, want 1", len(bs))
		}
		b := bs[0]
		if len(b.Gauge) != 1 {
			t.Fatalf("Gauge snapshots = %d, want 1", len(b.Gauge))
		}
		if b.Gauge[0].Int32 != 1 {
			t.Fatalf("Gauge value = %d, want 1 (first sample retained, RandFloat never wins replacement)", b.Gauge[0].Int32)
		}
	}
}

// TestGaugeDumpReportClearsState covers DumpReport resetting bucket state
// so a second dump with no new events returns nothing for that key.
func TestGaugeDumpReportClearsState(t *testing.T) {
	base := newBase(nil)
	base.SetCachedCondition(predicate.StateTrue)
	g := metric.NewGauge(base, []event.FieldPath{gaugeField}, metric.SampleFirstN, 5)
	g.OnMatchedLogEvent(0, event.NewEvent(42, 10, 0, []event.Value{event.Int32Value(gaugeField, 1)}))

	first := g.DumpReport(2000)
	if len(first) != 1 {
		t.Fatalf("first DumpReport len = %d, want 1", len(first))
	}
	second := g.DumpReport(3000)
	if len(second) != 0 {
		t.Fatalf("second DumpReport len = %d, want 0 (state cleared)", len(second))
	}
}
