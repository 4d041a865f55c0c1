package metric_test

import (
	"testing"

	"github.com/statsdengine/statsdengine/internal/dimension"
	"github.com/statsdengine/statsdengine/internal/event"
	"github.com/statsdengine/statsdengine/internal/guardrail"
	"github.com/statsdengine/statsdengine/internal/metric"
	"github.com/statsdengine/statsdengine/internal/predicate"
)

func newBase(guard *guardrail.Registry) metric.Base {
	return metric.InitBase(1, "1:1", 0, 1000, false, 0, nil, dimension.Spec{}, dimension.Spec{}, nil, guard)
}

func atomEvent(elapsedNs uint64) *event.Event {
	return event.NewEvent(42, elapsedNs, 0, nil)
}

// TestCountOnMatchedLogEventDropsWhenConditionNotTrue covers spec §9's
// preserved "condition unknown drops events" behavior.
func TestCountOnMatchedLogEventDropsWhenConditionNotTrue(t *testing.T) {
	base := newBase(nil)
	c := metric.NewCount(base)
	if err := c.OnMatchedLogEvent(0, atomEvent(10)); err != nil {
		t.Fatalf("OnMatchedLogEvent: %v", err)
	}
	if n := c.Current(dimension.MetricDimensionKey{What: dimension.KeyFromValues(nil), Condition: dimension.KeyFromValues(nil)}); n != 0 {
		t.Fatalf("Current = %d, want 0 (condition never resolved true)", n)
	}
}

// TestCountOnMatchedLogEventIncrementsOnTrueCondition covers the basic
// increment path (spec §4.4.1).
func TestCountOnMatchedLogEventIncrementsOnTrueCondition(t *testing.T) {
	base := newBase(nil)
	base.SetCachedCondition(predicate.StateTrue)
	c := metric.NewCount(base)

	for i := 0; i < 3; i++ {
		if err := c.OnMatchedLogEvent(0, atomEvent(10)); err != nil {
			t.Fatalf("OnMatchedLogEvent: %v", err)
		}
	}
	mk := dimension.MetricDimensionKey{What: dimension.KeyFromValues(nil), Condition: dimension.KeyFromValues(nil)}
	if n := c.Current(mk); n != 3 {
		t.Fatalf("Current = %d, want 3", n)
	}
}

// TestCountFlushBoundaryFoldsIntoCarryThenResets covers SPEC_FULL.md §12.1's
// carry mechanism: FlushBoundary closes the interval, folds it into the
// carry, and resets the open counter.
func TestCountFlushBoundaryFoldsIntoCarryThenResets(t *testing.T) {
	base := newBase(nil)
	base.SetCachedCondition(predicate.StateTrue)
	c := metric.NewCount(base)
	c.OnMatchedLogEvent(0, atomEvent(10))
	c.OnMatchedLogEvent(0, atomEvent(10))

	window := metric.BucketWindow{StartNs: 0, EndNs: 1000, BucketNum: 0}
	c.FlushBoundary(window)

	mk := dimension.MetricDimensionKey{What: dimension.KeyFromValues(nil), Condition: dimension.KeyFromValues(nil)}
	if n := c.Current(mk); n != 0 {
		t.Fatalf("Current after FlushBoundary = %d, want 0 (reset)", n)
	}

	c.OnMatchedLogEvent(0, atomEvent(1500))
	buckets := c.DumpReport(2000)
	if len(buckets) != 1 {
		t.Fatalf("DumpReport returned %d dimension keys, want 1", len(buckets))
	}
	for _, bs := range buckets {
		if len(bs) != 2 {
			t.Fatalf("got %d buckets, want 2 (one from the explicit FlushBoundary, one from DumpReport crossing the 2000 boundary)", len(bs))
		}
		if bs[0].Count != 2 {
			t.Fatalf("first bucket Count = %d, want 2", bs[0].Count)
		}
		if bs[1].Count != 1 {
			t.Fatalf("second bucket Count = %d, want 1", bs[1].Count)
		}
	}
}

// TestCountGuardrailDropsOverCardinalityCap covers a dimension-cardinality
// drop at the Count producer.
func TestCountGuardrailDropsOverCardinalityCap(t *testing.T) {
	limits := guardrail.DefaultLimits()
	limits.HardDimensionCardinality = 1
	guard := guardrail.NewRegistry(limits)
	base := metric.InitBase(1, "1:1", 0, 1000, false, 0, nil,
		dimension.Spec{Paths: []event.FieldPath{{Field: 1}}}, dimension.Spec{}, nil, guard)
	base.SetCachedCondition(predicate.StateTrue)
	c := metric.NewCount(base)

	e1 := event.NewEvent(42, 10, 0, []event.Value{event.Int32Value(event.FieldPath{Field: 1}, 1)})
	e2 := event.NewEvent(42, 10, 0, []event.Value{event.Int32Value(event.FieldPath{Field: 1}, 2)})
	c.OnMatchedLogEvent(0, e1)
	c.OnMatchedLogEvent(0, e2)

	buckets := c.DumpReport(2000)
	if len(buckets) != 1 {
		t.Fatalf("got %d dimension keys after cap=1, want 1 (second key dropped)", len(buckets))
	}
}
