package predicate_test

import (
	"testing"

	"github.com/statsdengine/statsdengine/internal/dimension"
	"github.com/statsdengine/statsdengine/internal/predicate"
)

var noKey = dimension.KeyFromValues(nil)

// TestSimpleTrackerNonNestingStartStop covers the basic boolean flip with no
// nesting: OnStart always sets true, OnStop always sets false, regardless of
// how many starts preceded it.
func TestSimpleTrackerNonNestingStartStop(t *testing.T) {
	tr := predicate.NewSimpleTracker(1, 10, 11, predicate.NoMatcher, dimension.Spec{}, predicate.StateFalse, false)

	if _, changed := tr.OnStart(nil); !changed {
		t.Fatal("first OnStart should report a change from Initial")
	}
	if s := tr.Query(noKey); s != predicate.StateTrue {
		t.Fatalf("Query after OnStart = %v, want StateTrue", s)
	}
	if _, changed := tr.OnStart(nil); changed {
		t.Fatal("second consecutive OnStart should be idempotent, no change")
	}
	if _, changed := tr.OnStop(nil); !changed {
		t.Fatal("OnStop should report a change back to false")
	}
	if s := tr.Query(noKey); s != predicate.StateFalse {
		t.Fatalf("Query after OnStop = %v, want StateFalse", s)
	}
}

// TestSimpleTrackerNestingCounts covers spec §4.3's nesting-mode counter:
// state goes false only once the nesting count returns to zero.
func TestSimpleTrackerNestingCounts(t *testing.T) {
	tr := predicate.NewSimpleTracker(1, 10, 11, predicate.NoMatcher, dimension.Spec{}, predicate.StateFalse, true)

	tr.OnStart(nil)
	tr.OnStart(nil)
	if n := tr.Nesting(noKey); n != 2 {
		t.Fatalf("Nesting = %d, want 2", n)
	}
	if _, changed := tr.OnStop(nil); changed {
		t.Fatal("stop with nesting 2->1 should not flip state")
	}
	if s := tr.Query(noKey); s != predicate.StateTrue {
		t.Fatalf("Query after partial stop = %v, want StateTrue", s)
	}
	if _, changed := tr.OnStop(nil); !changed {
		t.Fatal("stop with nesting 1->0 should flip state to false")
	}
	if s := tr.Query(noKey); s != predicate.StateFalse {
		t.Fatalf("Query after final stop = %v, want StateFalse", s)
	}
}

// TestSimpleTrackerOnStopAllClearsSlots covers the stopAll matcher resetting
// every tracked dimension slot back to its initial state.
func TestSimpleTrackerOnStopAllClearsSlots(t *testing.T) {
	tr := predicate.NewSimpleTracker(1, 10, 11, 12, dimension.Spec{}, predicate.StateFalse, false)

	if changed := tr.OnStopAll(); changed {
		t.Fatal("OnStopAll on a fresh tracker should be a no-op")
	}
	tr.OnStart(nil)
	if changed := tr.OnStopAll(); !changed {
		t.Fatal("OnStopAll after a start should report a change")
	}
	if s := tr.Query(noKey); s != predicate.StateFalse {
		t.Fatalf("Query after OnStopAll = %v, want StateFalse (Initial)", s)
	}
}

// TestSimpleTrackerQueryUnobservedKeyReturnsInitial covers an unobserved
// dimension key returning the tracker's configured Initial state.
func TestSimpleTrackerQueryUnobservedKeyReturnsInitial(t *testing.T) {
	tr := predicate.NewSimpleTracker(1, 10, 11, predicate.NoMatcher, dimension.Spec{}, predicate.StateUnknown, false)
	if s := tr.Query(dimension.KeyFromHash("never-seen")); s != predicate.StateUnknown {
		t.Fatalf("Query(unobserved) = %v, want StateUnknown (Initial)", s)
	}
}

type constTracker struct{ s predicate.State }

func (c constTracker) Query(dimension.Key) predicate.State { return c.s }

// TestCombinationTrackerKleeneLogic covers the Kleene three-valued AND/OR/
// NOT/NAND/NOR evaluation spec §4.3 describes for predicate combinations.
func TestCombinationTrackerKleeneLogic(t *testing.T) {
	tr, fa, unk := constTracker{predicate.StateTrue}, constTracker{predicate.StateFalse}, constTracker{predicate.StateUnknown}

	cases := []struct {
		name     string
		op       predicate.CombOp
		children []predicate.Tracker
		want     predicate.State
	}{
		{"and all true", predicate.CombAnd, []predicate.Tracker{tr, tr}, predicate.StateTrue},
		{"and short circuits on false", predicate.CombAnd, []predicate.Tracker{fa, unk}, predicate.StateFalse},
		{"and unknown dominates absent false", predicate.CombAnd, []predicate.Tracker{tr, unk}, predicate.StateUnknown},
		{"or short circuits on true", predicate.CombOr, []predicate.Tracker{tr, unk}, predicate.StateTrue},
		{"or all false", predicate.CombOr, []predicate.Tracker{fa, fa}, predicate.StateFalse},
		{"or unknown dominates absent true", predicate.CombOr, []predicate.Tracker{fa, unk}, predicate.StateUnknown},
		{"not true", predicate.CombNot, []predicate.Tracker{tr}, predicate.StateFalse},
		{"not unknown", predicate.CombNot, []predicate.Tracker{unk}, predicate.StateUnknown},
		{"nand of all true", predicate.CombNand, []predicate.Tracker{tr, tr}, predicate.StateFalse},
		{"nor of all false", predicate.CombNor, []predicate.Tracker{fa, fa}, predicate.StateTrue},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ct := &predicate.CombinationTracker{ID: 1, Op: c.op, Children: c.children}
			if got := ct.Query(noKey); got != c.want {
				t.Fatalf("%s: got %v, want %v", c.name, got, c.want)
			}
		})
	}
}

// TestWizardQueryDispatchesByIndex covers the ConditionWizard resolving a
// predicate handle to its state and, only on StateTrue, its matching key.
func TestWizardQueryDispatchesByIndex(t *testing.T) {
	simple := predicate.NewSimpleTracker(1, 10, 11, predicate.NoMatcher, dimension.Spec{}, predicate.StateFalse, false)
	simple.OnStart(nil)
	w := predicate.NewWizard([]predicate.Tracker{simple})

	state, keys := w.Query(0, noKey)
	if state != predicate.StateTrue {
		t.Fatalf("state = %v, want StateTrue", state)
	}
	if len(keys) != 1 || keys[0].String() != noKey.String() {
		t.Fatalf("keys = %+v, want [noKey]", keys)
	}

	if state, keys := w.Query(5, noKey); state != predicate.StateUnknown || keys != nil {
		t.Fatalf("out-of-range index: state=%v keys=%+v, want StateUnknown/nil", state, keys)
	}
}
