// Package predicate implements ConditionTracker: a state machine over
// pairs of start/stop matchers producing a boolean-or-unknown state,
// optionally sliced by a dimension tuple (spec §4.3).
//
// The per-key mutex-protected state struct and start/stop transition-table
// shape are grounded on the escalation-ladder state machine pattern
// (a per-key state struct with Escalate/Decay-style transition methods
// returning (newState, changed bool)), adapted here from a multi-step
// isolation ladder down to the three-value state plus nesting counter the
// spec defines.
package predicate

import (
	"sync"

	"github.com/statsdengine/statsdengine/internal/dimension"
	"github.com/statsdengine/statsdengine/internal/event"
)

// State is a predicate's tri-valued condition.
type State int

const (
	StateUnknown State = iota
	StateFalse
	StateTrue
)

// NoMatcher marks an unset optional matcher id (stop_all_matcher_id).
const NoMatcher = int64(-1)

type slot struct {
	state   State
	nesting int32
}

// SimpleTracker is a simple predicate: start_matcher_id / stop_matcher_id /
// optional stop_all_matcher_id, sliced by DimSpec, with optional nesting
// counting (spec §3, §4.3).
type SimpleTracker struct {
	ID                int64
	StartMatcherID    int64
	StopMatcherID     int64
	StopAllMatcherID  int64 // NoMatcher if unset
	DimSpec           dimension.Spec
	Initial           State
	CountNesting      bool

	mu    sync.Mutex
	slots map[string]*slot
}

// NewSimpleTracker constructs a SimpleTracker with the given configuration.
func NewSimpleTracker(id, startID, stopID, stopAllID int64, dimSpec dimension.Spec, initial State, countNesting bool) *SimpleTracker {
	return &SimpleTracker{
		ID:               id,
		StartMatcherID:   startID,
		StopMatcherID:    stopID,
		StopAllMatcherID: stopAllID,
		DimSpec:          dimSpec,
		Initial:          initial,
		CountNesting:     countNesting,
		slots:            make(map[string]*slot),
	}
}

func (t *SimpleTracker) keyFor(e *event.Event) dimension.Key {
	return dimension.Project(e, t.DimSpec)
}

func (t *SimpleTracker) slotFor(key dimension.Key) *slot {
	k := key.String()
	s, ok := t.slots[k]
	if !ok {
		s = &slot{state: t.Initial}
		t.slots[k] = s
	}
	return s
}

// OnStart applies the start-matcher-fired transition table (spec §4.3):
// nesting mode increments a counter and sets true; non-nesting mode is
// idempotent. Returns the dimension key and whether the slot's externally
// visible state changed.
func (t *SimpleTracker) OnStart(e *event.Event) (dimension.Key, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := t.keyFor(e)
	s := t.slotFor(key)
	before := s.state
	if t.CountNesting {
		s.nesting++
	}
	s.state = StateTrue
	return key, s.state != before
}

// OnStop applies the stop-matcher-fired transition table.
func (t *SimpleTracker) OnStop(e *event.Event) (dimension.Key, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := t.keyFor(e)
	s := t.slotFor(key)
	before := s.state
	if t.CountNesting {
		if s.nesting > 0 {
			s.nesting--
		}
		if s.nesting == 0 {
			s.state = StateFalse
		}
	} else {
		s.state = StateFalse
	}
	return key, s.state != before
}

// OnStopAll drops every dimension-keyed slot, resetting the predicate to
// its initial state for any key subsequently queried. Returns whether any
// slot previously held a non-initial state (i.e. this was not a no-op).
func (t *SimpleTracker) OnStopAll() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := false
	for _, s := range t.slots {
		if s.state != t.Initial || s.nesting != 0 {
			changed = true
		}
	}
	t.slots = make(map[string]*slot)
	return changed
}

// Query returns the current state for a dimension key, or Initial if the
// key has never been observed.
func (t *SimpleTracker) Query(key dimension.Key) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[key.String()]
	if !ok {
		return t.Initial
	}
	return s.state
}

// Nesting returns the current nesting counter for a key (test/debug use).
func (t *SimpleTracker) Nesting(key dimension.Key) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[key.String()]
	if !ok {
		return 0
	}
	return s.nesting
}
