// oring.go — OringDurationTracker: "any of" semantics (spec §4.4.3).
package metric

import "sync"

// OringTracker maintains a set of currently-started sub-keys and a
// last_start_ns; total duration accumulates now-last_start_ns whenever the
// set transitions from non-empty to empty, or at bucket close.
type OringTracker struct {
	nesting bool

	mu            sync.Mutex
	open          map[string]int32
	lastStartNs   uint64
	accumulatedNs uint64
}

// NewOringTracker returns a factory-shaped constructor matching
// Duration.NewTracker's signature.
func NewOringTracker(nesting bool) func() DurationTracker {
	return func() DurationTracker {
		return &OringTracker{nesting: nesting, open: make(map[string]int32)}
	}
}

// NoteStart inserts subKey; if the set was empty, sets last_start_ns := now
// (spec §4.4.3).
func (o *OringTracker) NoteStart(subKey string, now uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	wasEmpty := len(o.open) == 0
	if o.nesting {
		o.open[subKey]++
	} else {
		o.open[subKey] = 1
	}
	if wasEmpty {
		o.lastStartNs = now
	}
}

// NoteStop decrements or removes subKey; on transition to empty, adds
// now-last_start_ns to the accumulated duration (spec §4.4.3).
func (o *OringTracker) NoteStop(subKey string, now uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n, ok := o.open[subKey]
	if !ok {
		return
	}
	if o.nesting {
		n--
		if n <= 0 {
			delete(o.open, subKey)
		} else {
			o.open[subKey] = n
		}
	} else {
		delete(o.open, subKey)
	}
	if len(o.open) == 0 {
		o.accumulatedNs += now - o.lastStartNs
	}
}

// NoteStopAll empties the set and closes the interval (spec §4.4.3).
func (o *OringTracker) NoteStopAll(now uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.open) > 0 {
		o.accumulatedNs += now - o.lastStartNs
	}
	o.open = make(map[string]int32)
}

// Peek returns the accumulated duration as of nowNs without closing or
// resetting the open interval.
func (o *OringTracker) Peek(nowNs uint64) DurationPayload {
	o.mu.Lock()
	defer o.mu.Unlock()
	total := o.accumulatedNs
	if len(o.open) > 0 {
		total += nowNs - o.lastStartNs
	}
	return DurationPayload{TotalNs: total}
}

// CloseBoundary closes any still-open interval into the outgoing bucket,
// then begins a fresh interval at boundaryNs for sub-keys left open (spec
// §4.4.3).
func (o *OringTracker) CloseBoundary(boundaryNs uint64) DurationPayload {
	o.mu.Lock()
	defer o.mu.Unlock()
	total := o.accumulatedNs
	if len(o.open) > 0 {
		total += boundaryNs - o.lastStartNs
		o.lastStartNs = boundaryNs
	}
	o.accumulatedNs = 0
	return DurationPayload{TotalNs: total}
}
