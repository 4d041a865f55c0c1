// eventlist.go — the EventList metric variant: named in spec §2 item 6 but
// not detailed further in spec §4.4. Implemented as the minimal consistent
// member of the tagged variant: an append-only per-dimension capture of
// the raw matched events, flushed at the same bucket boundary as the other
// variants.
package metric

import (
	"sync"

	"github.com/statsdengine/statsdengine/internal/event"
	"github.com/statsdengine/statsdengine/internal/predicate"
)

// EventList captures every matched event verbatim per dimension key.
type EventList struct {
	Base

	mu     sync.Mutex
	events map[string][]*event.Event
	past   map[string][]Bucket
}

// NewEventList constructs an EventList producer.
func NewEventList(base Base) *EventList {
	return &EventList{Base: base, events: make(map[string][]*event.Event), past: make(map[string][]Bucket)}
}

// OnMatchedLogEvent appends e to every matching dimension key's list. The
// bucket clock advances and any fully-crossed boundary is flushed before
// the event is appended, so captured events stay scoped to the real bucket
// window they arrived in.
func (l *EventList) OnMatchedLogEvent(matcherIdx int, e *event.Event) error {
	_, crossed := l.AdvanceTo(e.ElapsedNs)
	for _, w := range crossed {
		l.FlushBoundary(w)
	}

	condState, condKeys, ok := l.resolveCondition(e)
	if !ok {
		return nil
	}
	if condState != predicate.StateTrue {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, mk := range l.fanout(e, condKeys) {
		k := mk.String()
		l.events[k] = append(l.events[k], e)
	}
	return nil
}

// FlushBoundary closes every dimension key's captured events into past at a
// genuine bucket-size boundary and clears them.
func (l *EventList) FlushBoundary(window BucketWindow) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushLocked(window)
}

func (l *EventList) flushLocked(window BucketWindow) {
	for k, evs := range l.events {
		if len(evs) == 0 {
			continue
		}
		l.past[k] = append(l.past[k], Bucket{Window: window, Kind: KindEventList, Events: evs})
		delete(l.events, k)
	}
}

// DumpReport closes the current bucket at nowNs, returning every bucket of
// captured events collected since the last dump (one per real bucket
// boundary crossed in between, plus the current partial) and clearing them
// (spec §4.8).
func (l *EventList) DumpReport(nowNs uint64) map[string][]Bucket {
	window, crossed := l.AdvanceTo(nowNs)
	for _, w := range crossed {
		l.FlushBoundary(w)
	}
	l.FlushBoundary(BucketWindow{StartNs: window.StartNs, EndNs: nowNs, BucketNum: window.BucketNum})

	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string][]Bucket, len(l.past))
	for k, bs := range l.past {
		out[k] = bs
		delete(l.past, k)
	}
	return out
}
