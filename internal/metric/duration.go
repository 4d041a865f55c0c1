// duration.go — DurationTracker base contract and the Duration metric
// producer delegating to one tracker per dim_in_what key (spec §4.4.3).
package metric

import (
	"sync"

	"github.com/statsdengine/statsdengine/internal/dimension"
	"github.com/statsdengine/statsdengine/internal/event"
	"github.com/statsdengine/statsdengine/internal/predicate"
)

// DurationTracker is satisfied by OringTracker and MaxTracker (spec
// §4.4.3). nowNs is always the caller's current event or bucket-boundary
// timestamp; trackers hold no timer of their own.
type DurationTracker interface {
	NoteStart(subKey string, nowNs uint64)
	NoteStop(subKey string, nowNs uint64)
	NoteStopAll(nowNs uint64)
	// CloseBoundary closes the open interval at boundaryNs (the outgoing
	// bucket's duration), then begins a fresh interval starting at
	// boundaryNs for any sub-keys still open (spec §4.4.3: "a new interval
	// with last_start_ns := bucket_end begins").
	CloseBoundary(boundaryNs uint64) DurationPayload
	// Peek reports the current accumulated duration as of nowNs without
	// closing or resetting any interval, for the duration-alarm wake path
	// (SPEC_FULL.md §12.2's currentPartial).
	Peek(nowNs uint64) DurationPayload
}

// Duration is the Duration metric producer: one DurationTracker per
// dim_in_what key (spec §4.4.3).
type Duration struct {
	Base

	NewTracker func() DurationTracker // factory: oring or max, per config
	ConditionGated bool               // condition-sliced trackers only count wall-time while true

	// OnOpen/OnClose fire when a dim_in_what key's interval transitions
	// from closed to open (first concurrent start) or open to closed (last
	// concurrent stop), driving DurationAnomalyTracker's alarm scheduling
	// (SPEC_FULL.md §12.2) without exposing tracker internals.
	OnOpen  func(key dimension.Key, startNs uint64)
	OnClose func(key dimension.Key)

	mu        sync.Mutex
	trackers  map[string]DurationTracker
	keyByHash map[string]dimension.Key
	openCount map[string]int
	past      map[string][]Bucket
}

// NewDuration constructs a Duration producer with the given tracker
// factory (NewOringTracker or NewMaxTracker).
func NewDuration(base Base, newTracker func() DurationTracker, conditionGated bool) *Duration {
	return &Duration{Base: base, NewTracker: newTracker, ConditionGated: conditionGated,
		trackers: make(map[string]DurationTracker), keyByHash: make(map[string]dimension.Key),
		openCount: make(map[string]int), past: make(map[string][]Bucket)}
}

func (d *Duration) trackerFor(key dimension.Key) DurationTracker {
	k := key.String()
	t, ok := d.trackers[k]
	if !ok {
		t = d.NewTracker()
		d.trackers[k] = t
		d.keyByHash[k] = key
	}
	return t
}

// flushCrossedLocked closes every tracker's open interval at each crossed
// window's end, accumulating the result into past (spec §4.4.3): a gap
// between two start/stop events spanning several bucket boundaries yields
// one closed bucket per real window, not one bucket lumped at dump time.
// Caller must hold d.mu.
func (d *Duration) flushCrossedLocked(crossed []BucketWindow) {
	for _, w := range crossed {
		for k, t := range d.trackers {
			payload := t.CloseBoundary(w.EndNs)
			if payload.TotalNs == 0 && payload.MaxNs == 0 {
				continue
			}
			d.past[k] = append(d.past[k], Bucket{Window: w, Kind: KindDuration, Duration: payload})
		}
	}
}

// noteOpenLocked/noteCloseLocked maintain the open-interval refcount per
// key and fire OnOpen/OnClose on 0<->1 transitions. Caller must hold d.mu.
func (d *Duration) noteOpenLocked(key dimension.Key, nowNs uint64) {
	if d.OnOpen == nil {
		return
	}
	k := key.String()
	d.openCount[k]++
	if d.openCount[k] == 1 {
		d.OnOpen(key, nowNs)
	}
}

func (d *Duration) noteCloseLocked(key dimension.Key) {
	if d.OnClose == nil {
		return
	}
	k := key.String()
	if d.openCount[k] == 0 {
		return
	}
	d.openCount[k]--
	if d.openCount[k] == 0 {
		d.OnClose(key)
	}
}

// NoteStart and NoteStop are driven by the processor when the duration
// metric's start/stop matcher fires for an event (separate from
// OnMatchedLogEvent's single-matcher callback since duration metrics
// react to two distinct matchers).
func (d *Duration) NoteStart(subKey string, e *event.Event) {
	_, crossed := d.AdvanceTo(e.ElapsedNs)
	if len(crossed) > 0 {
		d.mu.Lock()
		d.flushCrossedLocked(crossed)
		d.mu.Unlock()
	}

	if d.ConditionGated {
		condState, _, ok := d.resolveCondition(e)
		if !ok || condState != predicate.StateTrue {
			return
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range d.whatKeys(e) {
		d.trackerFor(w).NoteStart(subKey, e.ElapsedNs)
		d.noteOpenLocked(w, e.ElapsedNs)
	}
}

// NoteStop mirrors NoteStart for the stop matcher.
func (d *Duration) NoteStop(subKey string, e *event.Event) {
	_, crossed := d.AdvanceTo(e.ElapsedNs)
	if len(crossed) > 0 {
		d.mu.Lock()
		d.flushCrossedLocked(crossed)
		d.mu.Unlock()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range d.whatKeys(e) {
		d.trackerFor(w).NoteStop(subKey, e.ElapsedNs)
		d.noteCloseLocked(w)
	}
}

// NoteStopAll closes every open interval across every dim_in_what key,
// driven by the optional stop_all matcher (spec §4.4.3).
func (d *Duration) NoteStopAll(e *event.Event) {
	_, crossed := d.AdvanceTo(e.ElapsedNs)
	if len(crossed) > 0 {
		d.mu.Lock()
		d.flushCrossedLocked(crossed)
		d.mu.Unlock()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range d.whatKeys(e) {
		d.trackerFor(w).NoteStopAll(e.ElapsedNs)
		for d.openCount[w.String()] > 0 {
			d.noteCloseLocked(w)
		}
	}
}

// Peek returns the current accumulated duration for a dim_in_what key
// without mutating tracker state (SPEC_FULL.md §12.2's currentPartial).
func (d *Duration) Peek(key dimension.Key, nowNs uint64) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.trackers[key.String()]
	if !ok {
		return 0
	}
	return float64(t.Peek(nowNs).TotalNs)
}

// CloseBoundary closes every tracker's open interval into a Bucket at
// nowNs, returning every bucket collected since the last close (one per
// real bucket boundary crossed in between, plus the current partial) (spec
// §4.4.3).
func (d *Duration) CloseBoundary(nowNs uint64) map[string][]Bucket {
	window, crossed := d.AdvanceTo(nowNs)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushCrossedLocked(crossed)
	for k, t := range d.trackers {
		payload := t.CloseBoundary(nowNs)
		if payload.TotalNs == 0 && payload.MaxNs == 0 {
			continue
		}
		partial := BucketWindow{StartNs: window.StartNs, EndNs: nowNs, BucketNum: window.BucketNum}
		d.past[k] = append(d.past[k], Bucket{Window: partial, Kind: KindDuration, Duration: payload})
	}
	out := make(map[string][]Bucket, len(d.past))
	for k, bs := range d.past {
		out[k] = bs
		delete(d.past, k)
	}
	return out
}
