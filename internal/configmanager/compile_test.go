package configmanager_test

import (
	"testing"

	"github.com/statsdengine/statsdengine/internal/alarm"
	"github.com/statsdengine/statsdengine/internal/configmanager"
	"github.com/statsdengine/statsdengine/internal/engerr"
	"github.com/statsdengine/statsdengine/internal/guardrail"
)

// TestCompileMatcherCycleRejected covers a combination matcher referencing
// itself transitively, rejected with KindConfigInvalid rather than
// stack-overflowing.
func TestCompileMatcherCycleRejected(t *testing.T) {
	spec := configmanager.ConfigSpec{
		Owner:    1,
		ConfigID: 1,
		Matchers: []configmanager.MatcherSpec{
			{ID: 1, CombinationOp: "and", Children: []int64{2}},
			{ID: 2, CombinationOp: "and", Children: []int64{1}},
		},
		Metrics: []configmanager.MetricSpec{{ID: 1, Kind: "count", MatcherID: 1}},
	}

	_, err := configmanager.Compile(spec, nil, nil, 1000, 1_000_000_000)
	if err == nil {
		t.Fatal("expected cycle detection to reject the config")
	}
	if !engerr.Is(err, engerr.KindConfigInvalid) {
		t.Fatalf("err = %v, want KindConfigInvalid", err)
	}
}

// TestCompileTruncatesOverMaxMatchersPerConfig covers spec §4.9's
// drop-and-count policy on a per-config hard cap: excess matchers are
// dropped rather than the whole config rejected.
func TestCompileTruncatesOverMaxMatchersPerConfig(t *testing.T) {
	limits := guardrail.DefaultLimits()
	limits.MaxMatchersPerConfig = 1
	guard := guardrail.NewRegistry(limits)

	spec := configmanager.ConfigSpec{
		Owner:    1,
		ConfigID: 1,
		Matchers: []configmanager.MatcherSpec{
			{ID: 1, AtomID: 10},
			{ID: 2, AtomID: 11},
		},
		Metrics: []configmanager.MetricSpec{{ID: 1, Kind: "count", MatcherID: 1}},
	}

	cfg, err := configmanager.Compile(spec, guard, nil, 1000, 1_000_000_000)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(cfg.Matchers) != 1 {
		t.Fatalf("got %d matchers, want 1 (second dropped)", len(cfg.Matchers))
	}
	if snap := guard.Snapshot(); snap.MatchersDropped != 1 {
		t.Fatalf("MatchersDropped = %d, want 1", snap.MatchersDropped)
	}
}

// TestCompileDurationMetricWithAlert covers a Duration metric with an
// attached AlertSpec wiring a DurationTracker through alarm.Monitor.
func TestCompileDurationMetricWithAlert(t *testing.T) {
	monitor := alarm.NewMonitor()
	spec := configmanager.ConfigSpec{
		Owner:    1,
		ConfigID: 1,
		Matchers: []configmanager.MatcherSpec{
			{ID: 1, AtomID: 10},
			{ID: 2, AtomID: 11},
		},
		Metrics: []configmanager.MetricSpec{
			{
				ID: 1, Kind: "duration",
				StartMatcherID: 1, StopMatcherID: 2,
				Alert: &configmanager.AlertSpec{ID: 1, TriggerIfSumGT: 10, NumBuckets: 3, RefractoryPeriodSecs: 60},
			},
		},
	}

	cfg, err := configmanager.Compile(spec, nil, monitor, 1000, 1_000_000_000)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(cfg.Metrics) != 1 {
		t.Fatalf("got %d metrics, want 1", len(cfg.Metrics))
	}
	bm := cfg.Metrics[0]
	if bm.Duration == nil {
		t.Fatal("Duration handle not set")
	}
	if bm.AnomalyDuration == nil {
		t.Fatal("AnomalyDuration tracker not attached")
	}
}
