// wizard.go — CombinationTracker and the ConditionWizard read-side oracle.
//
// Grounded on spec §4.3 and spec §9's "stable integer handles into arenas"
// design note: rather than ref-counted weak-reference observers, the
// processor owns every predicate in one arena and dispatches queries by
// index. A Tracker is anything queryable by dimension key; SimpleTracker
// and CombinationTracker both satisfy it.
package predicate

import (
	"github.com/statsdengine/statsdengine/internal/dimension"
)

// Tracker is satisfied by SimpleTracker and CombinationTracker.
type Tracker interface {
	Query(key dimension.Key) State
}

// CombinationTracker recomputes lazily from child states using Kleene
// three-valued logic (spec §4.3: "recompute lazily from child states").
type CombinationTracker struct {
	ID       int64
	Op       CombOp
	Children []Tracker
}

// CombOp mirrors matcher.CombinationOp for predicates.
type CombOp int

const (
	CombAnd CombOp = iota
	CombOr
	CombNot
	CombNand
	CombNor
)

// Query evaluates the combination at the given dimension key.
func (c *CombinationTracker) Query(key dimension.Key) State {
	switch c.Op {
	case CombNot:
		return negate(c.Children[0].Query(key))
	case CombAnd:
		return foldKleene(c.Children, key, true)
	case CombNand:
		return negate(foldKleene(c.Children, key, true))
	case CombOr:
		return foldKleene(c.Children, key, false)
	case CombNor:
		return negate(foldKleene(c.Children, key, false))
	default:
		return StateUnknown
	}
}

// foldKleene implements AND (isAnd=true) / OR (isAnd=false) under Kleene
// logic: unknown dominates unless the result is already decided by a
// short-circuiting child (false for AND, true for OR).
func foldKleene(children []Tracker, key dimension.Key, isAnd bool) State {
	sawUnknown := false
	for _, c := range children {
		s := c.Query(key)
		if s == StateUnknown {
			sawUnknown = true
			continue
		}
		if isAnd && s == StateFalse {
			return StateFalse
		}
		if !isAnd && s == StateTrue {
			return StateTrue
		}
	}
	if sawUnknown {
		return StateUnknown
	}
	if isAnd {
		return StateTrue
	}
	return StateFalse
}

func negate(s State) State {
	switch s {
	case StateTrue:
		return StateFalse
	case StateFalse:
		return StateTrue
	default:
		return StateUnknown
	}
}

// Wizard is the ConditionWizard: the read-side oracle metrics use to
// resolve their condition predicate without holding a reference to it
// directly (spec §4.3).
type Wizard struct {
	trackers []Tracker // indexed by stable predicate handle
}

// NewWizard builds a Wizard over an arena of trackers, indexed by their
// position (their stable handle).
func NewWizard(trackers []Tracker) *Wizard {
	return &Wizard{trackers: trackers}
}

// Query resolves predicateIdx's state for the dimension key the caller has
// already derived (via metric links) for that predicate, returning the
// state and, when true, the single matching condition dimension key. Spec
// §9's open question on dim_in_condition/anomaly interaction is treated as
// source-defined here: each metric supplies exactly the condition key its
// own links produce, rather than the wizard fanning out across every
// dimension the predicate currently tracks.
func (w *Wizard) Query(predicateIdx int, conditionKey dimension.Key) (State, []dimension.Key) {
	if predicateIdx < 0 || predicateIdx >= len(w.trackers) {
		return StateUnknown, nil
	}
	s := w.trackers[predicateIdx].Query(conditionKey)
	if s == StateTrue {
		return s, []dimension.Key{conditionKey}
	}
	return s, nil
}
