package metric_test

import (
	"testing"

	"github.com/statsdengine/statsdengine/internal/dimension"
	"github.com/statsdengine/statsdengine/internal/event"
	"github.com/statsdengine/statsdengine/internal/metric"
)

// TestOringTrackerAccumulatesOnlyWhileAnyOpen covers the "any of" semantics
// (spec §4.4.3): overlapping starts share one accumulating interval.
func TestOringTrackerAccumulatesOnlyWhileAnyOpen(t *testing.T) {
	tr := metric.NewOringTracker(false)()
	tr.NoteStart("a", 0)
	tr.NoteStart("b", 100) // overlaps; does not reset last_start_ns
	tr.NoteStop("a", 200)  // still open via "b"
	if got := tr.Peek(200).TotalNs; got != 0 {
		t.Fatalf("Peek mid-overlap = %d, want 0 (interval still open)", got)
	}
	tr.NoteStop("b", 300) // now empty: accumulate 300-0
	if got := tr.Peek(300).TotalNs; got != 300 {
		t.Fatalf("Peek after close = %d, want 300", got)
	}
}

// TestOringTrackerCloseBoundaryReopensForStillOpenKeys covers spec §4.4.3's
// "a new interval with last_start_ns := bucket_end begins".
func TestOringTrackerCloseBoundaryReopensForStillOpenKeys(t *testing.T) {
	tr := metric.NewOringTracker(false)()
	tr.NoteStart("a", 0)
	payload := tr.CloseBoundary(1000)
	if payload.TotalNs != 1000 {
		t.Fatalf("CloseBoundary TotalNs = %d, want 1000", payload.TotalNs)
	}
	// still open: a second close 500ns later should report only 500, not
	// double-count the first segment.
	payload = tr.CloseBoundary(1500)
	if payload.TotalNs != 500 {
		t.Fatalf("second CloseBoundary TotalNs = %d, want 500", payload.TotalNs)
	}
}

// TestMaxTrackerReportsMaxCompletedDuration covers the max-of-completed
// semantics (spec §4.4.3).
func TestMaxTrackerReportsMaxCompletedDuration(t *testing.T) {
	tr := metric.NewMaxTracker()()
	tr.NoteStart("a", 0)
	tr.NoteStop("a", 100)
	tr.NoteStart("b", 200)
	tr.NoteStop("b", 1000) // longer: 800ns
	payload := tr.Peek(1000)
	if payload.MaxNs != 800 {
		t.Fatalf("MaxNs = %d, want 800", payload.MaxNs)
	}
}

// TestMaxTrackerCloseBoundaryCarriesOpenIntervalForward covers an interval
// still open at bucket close reopening at the boundary rather than losing
// its elapsed time.
func TestMaxTrackerCloseBoundaryCarriesOpenIntervalForward(t *testing.T) {
	tr := metric.NewMaxTracker()()
	tr.NoteStart("a", 0)
	payload := tr.CloseBoundary(500)
	if payload.MaxNs != 500 {
		t.Fatalf("CloseBoundary MaxNs = %d, want 500", payload.MaxNs)
	}
	tr.NoteStop("a", 700)
	payload = tr.Peek(700)
	if payload.MaxNs != 200 {
		t.Fatalf("MaxNs after boundary carry = %d, want 200 (500->700 reopened at 500)", payload.MaxNs)
	}
}

// TestDurationProducerOnOpenOnCloseFireOnZeroToOneTransitions covers
// SPEC_FULL.md §12.2's wake-path hook: OnOpen/OnClose fire only on the
// refcounted 0<->1 transition across possibly several dim_in_what matches.
func TestDurationProducerOnOpenOnCloseFireOnZeroToOneTransitions(t *testing.T) {
	base := newBase(nil)
	var opens, closes int
	d := metric.NewDuration(base, metric.NewOringTracker(false), false)
	d.OnOpen = func(dimension.Key, uint64) { opens++ }
	d.OnClose = func(dimension.Key) { closes++ }

	startA := event.NewEvent(42, 10, 0, nil)
	startB := event.NewEvent(42, 20, 0, nil)
	d.NoteStart("a", startA)
	d.NoteStart("b", startB)
	if opens != 1 {
		t.Fatalf("opens = %d, want 1 (second start should not re-fire OnOpen)", opens)
	}

	d.NoteStop("a", event.NewEvent(42, 30, 0, nil))
	if closes != 0 {
		t.Fatalf("closes = %d, want 0 (still open via b)", closes)
	}
	d.NoteStop("b", event.NewEvent(42, 40, 0, nil))
	if closes != 1 {
		t.Fatalf("closes = %d, want 1", closes)
	}
}

// TestDurationProducerCloseBoundaryEmitsNonZeroOnly covers CloseBoundary
// skipping dimension keys whose accumulated duration is zero.
func TestDurationProducerCloseBoundaryEmitsNonZeroOnly(t *testing.T) {
	base := newBase(nil)
	d := metric.NewDuration(base, metric.NewOringTracker(false), false)
	d.NoteStart("a", event.NewEvent(42, 10, 0, nil))
	d.NoteStop("a", event.NewEvent(42, 510, 0, nil))

	out := d.CloseBoundary(1000)
	if len(out) != 1 {
		t.Fatalf("got %d dimension keys, want 1", len(out))
	}
	for _, bs := range out {
		if len(bs) != 1 {
			t.Fatalf("got %d buckets, want 1", len(bs))
		}
		if bs[0].Duration.TotalNs != 500 {
			t.Fatalf("TotalNs = %d, want 500", bs[0].Duration.TotalNs)
		}
	}
}
