package logprocessor_test

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/statsdengine/statsdengine/internal/alarm"
	"github.com/statsdengine/statsdengine/internal/configmanager"
	"github.com/statsdengine/statsdengine/internal/event"
	"github.com/statsdengine/statsdengine/internal/guardrail"
	"github.com/statsdengine/statsdengine/internal/logprocessor"
	"github.com/statsdengine/statsdengine/internal/metric"
	"github.com/statsdengine/statsdengine/internal/observability"
	"github.com/statsdengine/statsdengine/internal/puller"
	"github.com/statsdengine/statsdengine/internal/uidmap"
)

func newTestProcessor(t *testing.T) (*logprocessor.Processor, *alarm.Monitor) {
	t.Helper()
	guard := guardrail.NewRegistry(guardrail.DefaultLimits())
	uMap := uidmap.New(guard)
	monitor := alarm.NewMonitor()
	pm := puller.NewManager(func() uint64 { return 1000 })
	proc := logprocessor.New(logprocessor.DefaultOptions(), guard, uMap, pm, observability.NewMetrics(), zap.NewNop(), monitor,
		func(logprocessor.ConfigKey) {})
	return proc, monitor
}

// TestOnLogEventCountMetricAggregatesAcrossEvents covers a Count metric
// accumulating several matched events within a single bucket and
// DumpReport reporting the running total.
func TestOnLogEventCountMetricAggregatesAcrossEvents(t *testing.T) {
	proc, _ := newTestProcessor(t)
	spec := configmanager.ConfigSpec{
		Owner:    1000,
		ConfigID: 1,
		Matchers: []configmanager.MatcherSpec{{ID: 1, AtomID: 10}},
		Metrics:  []configmanager.MetricSpec{{ID: 1, Kind: "count", MatcherID: 1}},
	}
	cfg, err := configmanager.Compile(spec, nil, nil, 1000, 1_000_000_000)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	key := logprocessor.ConfigKey{Owner: 1000, ConfigID: 1}
	proc.Install(cfg)

	for i := 0; i < 5; i++ {
		if err := proc.OnLogEvent(event.NewEvent(10, 1000, 0, nil)); err != nil {
			t.Fatalf("OnLogEvent: %v", err)
		}
	}

	report, err := proc.DumpReport(context.Background(), key, 2000)
	if err != nil {
		t.Fatalf("DumpReport: %v", err)
	}
	buckets, ok := report[1]
	if !ok {
		t.Fatal("no buckets for metric id 1")
	}
	var total int64
	for _, bs := range buckets {
		for _, b := range bs {
			total += b.Count
		}
	}
	if total != 5 {
		t.Fatalf("total count = %d, want 5", total)
	}
}

// TestOnLogEventCountMetricSplitsAcrossBucketBoundaries covers scenario
// C1: matched events at ts=0, 30e9, 65e9, 90e9 against 60-second buckets,
// dumped at ts=130e9, must close as two separate buckets of count=2 each
// ([0,60e9) and [60e9,120e9)) rather than lumping all four matches into
// one bucket stamped with only the last window's bounds.
func TestOnLogEventCountMetricSplitsAcrossBucketBoundaries(t *testing.T) {
	const bucketSizeNs = 60_000_000_000
	proc, _ := newTestProcessor(t)
	spec := configmanager.ConfigSpec{
		Owner:    1000,
		ConfigID: 1,
		Matchers: []configmanager.MatcherSpec{{ID: 1, AtomID: 10}},
		Metrics:  []configmanager.MetricSpec{{ID: 1, Kind: "count", MatcherID: 1}},
	}
	cfg, err := configmanager.Compile(spec, nil, nil, 0, bucketSizeNs)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	key := logprocessor.ConfigKey{Owner: 1000, ConfigID: 1}
	proc.Install(cfg)

	for _, ts := range []uint64{0, 30_000_000_000, 65_000_000_000, 90_000_000_000} {
		if err := proc.OnLogEvent(event.NewEvent(10, ts, 0, nil)); err != nil {
			t.Fatalf("OnLogEvent at ts=%d: %v", ts, err)
		}
	}

	report, err := proc.DumpReport(context.Background(), key, 130_000_000_000)
	if err != nil {
		t.Fatalf("DumpReport: %v", err)
	}
	buckets, ok := report[1]
	if !ok {
		t.Fatal("no buckets for metric id 1")
	}
	var flat []metric.Bucket
	for _, bs := range buckets {
		flat = append(flat, bs...)
	}
	if len(flat) != 2 {
		t.Fatalf("got %d buckets, want 2 (one per bucket boundary crossed)", len(flat))
	}
	for _, b := range flat {
		if b.Count != 2 {
			t.Fatalf("bucket %+v Count = %d, want 2", b.Window, b.Count)
		}
	}
	if flat[0].Window.StartNs != 0 || flat[0].Window.EndNs != bucketSizeNs {
		t.Fatalf("first bucket window = %+v, want [0,%d)", flat[0].Window, bucketSizeNs)
	}
	if flat[1].Window.StartNs != bucketSizeNs || flat[1].Window.EndNs != 2*bucketSizeNs {
		t.Fatalf("second bucket window = %+v, want [%d,%d)", flat[1].Window, bucketSizeNs, 2*bucketSizeNs)
	}
}

// TestDurationMetricNestedOverlappingStartStop covers scenario D1: two
// overlapping attribution-chain holders of a duration metric (e.g. two
// uids holding one wakelock) under "any of" nesting semantics.
func TestDurationMetricNestedOverlappingStartStop(t *testing.T) {
	proc, _ := newTestProcessor(t)
	spec := configmanager.ConfigSpec{
		Owner:    1000,
		ConfigID: 1,
		Matchers: []configmanager.MatcherSpec{
			{ID: 1, AtomID: 20}, // acquire
			{ID: 2, AtomID: 21}, // release
		},
		Metrics: []configmanager.MetricSpec{
			{ID: 1, Kind: "duration", StartMatcherID: 1, StopMatcherID: 2, DurationAnyOf: true, DurationNesting: true},
		},
	}
	cfg, err := configmanager.Compile(spec, nil, nil, 0, 1_000_000_000)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	key := logprocessor.ConfigKey{Owner: 1000, ConfigID: 1}
	proc.Install(cfg)

	chain := event.FieldPath{Field: 1}
	acquireA := event.NewEvent(20, 0, 0, []event.Value{event.StringValue(chain, "uidA")})
	acquireB := event.NewEvent(20, 100, 0, []event.Value{event.StringValue(chain, "uidB")})
	releaseA := event.NewEvent(21, 200, 0, []event.Value{event.StringValue(chain, "uidA")})
	releaseB := event.NewEvent(21, 500, 0, []event.Value{event.StringValue(chain, "uidB")})

	proc.OnLogEvent(acquireA)
	proc.OnLogEvent(acquireB)
	proc.OnLogEvent(releaseA) // still held via B
	proc.OnLogEvent(releaseB) // now fully released: accumulate 500-0

	report, err := proc.DumpReport(context.Background(), key, 1_000_000_000)
	if err != nil {
		t.Fatalf("DumpReport: %v", err)
	}
	var totalNs uint64
	for _, bs := range report[1] {
		for _, b := range bs {
			totalNs += b.Duration.TotalNs
		}
	}
	if totalNs != 500 {
		t.Fatalf("accumulated duration = %d, want 500 (one continuous overlapping interval)", totalNs)
	}
}

// TestRemoveReleasesDimensionAccountingAndCancelsAlarms covers Remove
// cancelling a Duration metric's outstanding alarm registrations and
// releasing guardrail dimension accounting.
func TestRemoveReleasesDimensionAccountingAndCancelsAlarms(t *testing.T) {
	proc, monitor := newTestProcessor(t)
	spec := configmanager.ConfigSpec{
		Owner:    1000,
		ConfigID: 1,
		Matchers: []configmanager.MatcherSpec{{ID: 1, AtomID: 20}, {ID: 2, AtomID: 21}},
		Metrics: []configmanager.MetricSpec{
			{ID: 1, Kind: "duration", StartMatcherID: 1, StopMatcherID: 2,
				Alert: &configmanager.AlertSpec{ID: 1, TriggerIfSumGT: 1_000_000_000, NumBuckets: 3, RefractoryPeriodSecs: 60}},
		},
	}
	cfg, err := configmanager.Compile(spec, nil, monitor, 0, 1_000_000_000)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	key := logprocessor.ConfigKey{Owner: 1000, ConfigID: 1}
	proc.Install(cfg)

	proc.OnLogEvent(event.NewEvent(20, 10, 0, nil)) // opens interval, schedules alarm
	if monitor.Len() == 0 {
		t.Fatal("expected an outstanding alarm after opening a duration interval")
	}

	proc.Remove(key)
	if monitor.Len() != 0 {
		t.Fatalf("Monitor.Len() = %d after Remove, want 0 (alarm cancelled)", monitor.Len())
	}
	if _, ok := proc.Get(key); ok {
		t.Fatal("config still present after Remove")
	}
}

// TestKeysListsEveryInstalledConfig covers the enumerate-all-configs
// command-surface verb's backing method.
func TestKeysListsEveryInstalledConfig(t *testing.T) {
	proc, _ := newTestProcessor(t)
	spec1 := configmanager.ConfigSpec{Owner: 1, ConfigID: 1, Matchers: []configmanager.MatcherSpec{{ID: 1, AtomID: 10}}, Metrics: []configmanager.MetricSpec{{ID: 1, Kind: "count", MatcherID: 1}}}
	spec2 := configmanager.ConfigSpec{Owner: 1, ConfigID: 2, Matchers: []configmanager.MatcherSpec{{ID: 1, AtomID: 10}}, Metrics: []configmanager.MetricSpec{{ID: 1, Kind: "count", MatcherID: 1}}}
	cfg1, _ := configmanager.Compile(spec1, nil, nil, 0, 1_000_000_000)
	cfg2, _ := configmanager.Compile(spec2, nil, nil, 0, 1_000_000_000)
	proc.Install(cfg1)
	proc.Install(cfg2)

	keys := proc.Keys()
	if len(keys) != 2 {
		t.Fatalf("Keys() returned %d entries, want 2", len(keys))
	}
}

// TestForceBroadcastInvokesCallbackBypassingDebounce covers ForceBroadcast
// firing immediately regardless of the byte-threshold/debounce state.
func TestForceBroadcastInvokesCallbackBypassingDebounce(t *testing.T) {
	guard := guardrail.NewRegistry(guardrail.DefaultLimits())
	uMap := uidmap.New(guard)
	monitor := alarm.NewMonitor()
	pm := puller.NewManager(func() uint64 { return 1000 })
	var called []logprocessor.ConfigKey
	proc := logprocessor.New(logprocessor.DefaultOptions(), guard, uMap, pm, observability.NewMetrics(), zap.NewNop(), monitor,
		func(key logprocessor.ConfigKey) { called = append(called, key) })

	spec := configmanager.ConfigSpec{Owner: 1, ConfigID: 1, Matchers: []configmanager.MatcherSpec{{ID: 1, AtomID: 10}}, Metrics: []configmanager.MetricSpec{{ID: 1, Kind: "count", MatcherID: 1}}}
	cfg, _ := configmanager.Compile(spec, nil, nil, 0, 1_000_000_000)
	key := logprocessor.ConfigKey{Owner: 1, ConfigID: 1}
	proc.Install(cfg)

	if ok := proc.ForceBroadcast(key); !ok {
		t.Fatal("ForceBroadcast returned false for an installed config")
	}
	if len(called) != 1 || called[0] != key {
		t.Fatalf("called = %+v, want one entry for %+v", called, key)
	}

	if ok := proc.ForceBroadcast(logprocessor.ConfigKey{Owner: 99, ConfigID: 99}); ok {
		t.Fatal("ForceBroadcast returned true for a config that was never installed")
	}
}

// TestMaybeUpdateUidMapAppliesBeforeMatcherEvaluation covers spec §4.8 step
// 1: a uid-map meta-event updates the UidMap synchronously before any
// config's matchers evaluate it.
func TestMaybeUpdateUidMapAppliesBeforeMatcherEvaluation(t *testing.T) {
	guard := guardrail.NewRegistry(guardrail.DefaultLimits())
	uMap := uidmap.New(guard)
	pm := puller.NewManager(func() uint64 { return 1000 })
	proc := logprocessor.New(logprocessor.DefaultOptions(), guard, uMap, pm, observability.NewMetrics(), zap.NewNop(), nil, nil)

	snapshot := event.NewEvent(logprocessor.AtomUidMapSnapshot, 10, 0, []event.Value{
		event.Int32Value(event.FieldPath{Field: 1}, 1000),
		event.StringValue(event.FieldPath{Field: 2}, "com.example.app"),
		event.Int64Value(event.FieldPath{Field: 3}, 5),
	})
	if err := proc.OnLogEvent(snapshot); err != nil {
		t.Fatalf("OnLogEvent: %v", err)
	}

	info, ok := uMap.Resolve(1000)
	if !ok {
		t.Fatal("uid 1000 not resolved after snapshot event")
	}
	if info.PackageName != "com.example.app" || info.VersionCode != 5 {
		t.Fatalf("AppInfo = %+v, want package com.example.app version 5", info)
	}
}
