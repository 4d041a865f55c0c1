package guardrail_test

import (
	"testing"

	"github.com/statsdengine/statsdengine/internal/guardrail"
)

// TestCheckDimensionScenarioG1 covers scenario G1: the 501st distinct
// dimension key for a metric reports ordinal 501 while being dropped, and
// nothing before the cap is.
func TestCheckDimensionScenarioG1(t *testing.T) {
	limits := guardrail.DefaultLimits()
	limits.HardDimensionCardinality = 500
	r := guardrail.NewRegistry(limits)

	for i := 1; i <= 500; i++ {
		ordinal, drop := r.CheckDimension(1)
		if drop {
			t.Fatalf("key %d dropped, want accepted below the cap", i)
		}
		if ordinal != i {
			t.Fatalf("ordinal = %d, want %d", ordinal, i)
		}
	}

	ordinal, drop := r.CheckDimension(1)
	if !drop {
		t.Fatal("501st key accepted, want dropped")
	}
	if ordinal != 501 {
		t.Fatalf("ordinal = %d, want 501", ordinal)
	}
	if snap := r.Snapshot(); snap.DimensionHardDrops != 1 {
		t.Fatalf("DimensionHardDrops = %d, want 1", snap.DimensionHardDrops)
	}
}

// TestReleaseDimensionNeverGoesNegative covers releasing more than was
// checked clamping at zero rather than underflowing.
func TestReleaseDimensionNeverGoesNegative(t *testing.T) {
	r := guardrail.NewRegistry(guardrail.DefaultLimits())
	r.CheckDimension(1)
	r.ReleaseDimension(1, 5)
	if n := r.DimensionCount(1); n != 0 {
		t.Fatalf("DimensionCount = %d, want 0 (clamped)", n)
	}
}

// TestReportConfigBytesSoftThenHard covers the soft/hard threshold
// transition on a config's serialized metrics size.
func TestReportConfigBytesSoftThenHard(t *testing.T) {
	limits := guardrail.DefaultLimits()
	limits.SoftMetricsBytes = 100
	limits.HardMetricsBytes = 200
	r := guardrail.NewRegistry(limits)

	if overSoft, overHard := r.ReportConfigBytes("1:1", 50); overSoft || overHard {
		t.Fatalf("50 bytes: overSoft=%v overHard=%v, want both false", overSoft, overHard)
	}
	if overSoft, overHard := r.ReportConfigBytes("1:1", 150); !overSoft || overHard {
		t.Fatalf("150 bytes: overSoft=%v overHard=%v, want soft only", overSoft, overHard)
	}
	if overSoft, overHard := r.ReportConfigBytes("1:1", 250); !overSoft || !overHard {
		t.Fatalf("250 bytes: overSoft=%v overHard=%v, want both true", overSoft, overHard)
	}
	if snap := r.Snapshot(); snap.BytesHardDrops != 1 {
		t.Fatalf("BytesHardDrops = %d, want 1", snap.BytesHardDrops)
	}
}

// TestSetLimitsAppliesToSubsequentChecks covers the config-reload path
// (cmd/statsdengine's SIGHUP handler): a cap change only affects checks
// made after the swap.
func TestSetLimitsAppliesToSubsequentChecks(t *testing.T) {
	limits := guardrail.DefaultLimits()
	limits.HardDimensionCardinality = 1
	r := guardrail.NewRegistry(limits)

	if _, drop := r.CheckDimension(1); drop {
		t.Fatal("first key dropped under cap 1, want accepted")
	}
	if _, drop := r.CheckDimension(1); !drop {
		t.Fatal("second key accepted under cap 1, want dropped")
	}

	widened := r.Limits()
	widened.HardDimensionCardinality = 10
	r.SetLimits(widened)

	if _, drop := r.CheckDimension(1); drop {
		t.Fatal("third key dropped after widening the cap, want accepted")
	}
}
