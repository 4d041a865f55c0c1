// count.go — the Count metric variant (spec §4.4.1).
//
// Grounded on original_source/cmds/statsd/src/metrics/CountMetricProducer.cpp:
// onMatchedLogEventInternalLocked (increment + carry notification),
// flushCurrentBucketLocked (bucket-boundary close, not every partial
// flush), hitGuardRailLocked (soft/hard dimension cardinality check). See
// SPEC_FULL.md §12.1 for the exact carry mechanism this preserves.
package metric

import (
	"sync"

	"github.com/statsdengine/statsdengine/internal/dimension"
	"github.com/statsdengine/statsdengine/internal/event"
	"github.com/statsdengine/statsdengine/internal/predicate"
)

type countSlot struct {
	current int64 // count accumulated in the currently open bucket
	carry   int64 // mCurrentFullCounters: folded in only at a full boundary crossing
}

// Count is the Count metric producer.
type Count struct {
	Base

	mu    sync.Mutex
	slots map[string]*countSlot
	past  map[string][]Bucket
}

// NewCount constructs a Count producer over an already-initialized Base.
func NewCount(base Base) *Count {
	return &Count{Base: base, slots: make(map[string]*countSlot), past: make(map[string][]Bucket)}
}

func (c *Count) slotFor(key dimension.MetricDimensionKey) (*countSlot, bool) {
	k := key.String()
	s, existed := c.slots[k]
	if !existed {
		ordinal, drop := 0, false
		if c.Guard != nil {
			ordinal, drop = c.Guard.CheckDimension(c.MetricID)
		}
		_ = ordinal
		if drop {
			return nil, false
		}
		s = &countSlot{}
		c.slots[k] = s
	}
	return s, true
}

// OnMatchedLogEvent applies one matched event (spec §4.4.1). The bucket
// clock is advanced first and any fully-crossed boundary is flushed
// (mirroring the original's flushIfNeededLocked), regardless of whether
// this particular event ends up contributing: time passes whether or not
// the event is ultimately dropped. Events whose condition resolves to
// anything but true are then dropped, per the source's "condition unknown
// drops events" behavior (spec §9 open question, preserved).
func (c *Count) OnMatchedLogEvent(matcherIdx int, e *event.Event) error {
	window, crossed := c.AdvanceTo(e.ElapsedNs)
	for _, w := range crossed {
		c.FlushBoundary(w)
	}

	condState, condKeys, ok := c.resolveCondition(e)
	if !ok {
		return nil // stale event
	}
	if condState != predicate.StateTrue {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, mk := range c.fanout(e, condKeys) {
		slot, kept := c.slotFor(mk)
		if !kept {
			continue
		}
		slot.current++
		whole := float64(slot.current + slot.carry)
		c.notifyAnomalies(e.ElapsedNs, window.BucketNum, mk.What, whole)
	}
	return nil
}

// FlushPartial closes the currently open interval into past without
// folding it into the anomaly carry (a mid-bucket flush: condition toggle,
// dump-report, or app-upgrade split). Per SPEC_FULL.md §12.1 the carry
// folds in only at a real bucket-boundary crossing, which AdvanceTo/
// FlushBoundary drive.
func (c *Count) FlushPartial(nowNs uint64, window BucketWindow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, s := range c.slots {
		if s.current == 0 {
			continue
		}
		c.past[k] = append(c.past[k], Bucket{
			Window: BucketWindow{StartNs: window.StartNs, EndNs: nowNs, BucketNum: window.BucketNum},
			Kind:   KindCount,
			Count:  s.current,
		})
		s.current = 0
	}
}

// FlushBoundary closes the interval at a genuine bucket-size boundary,
// folding the closed count into the anomaly carry before resetting it
// (SPEC_FULL.md §12.1).
func (c *Count) FlushBoundary(window BucketWindow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, s := range c.slots {
		if s.current != 0 {
			c.past[k] = append(c.past[k], Bucket{
				Window: BucketWindow{StartNs: window.StartNs, EndNs: window.EndNs, BucketNum: window.BucketNum},
				Kind:   KindCount,
				Count:  s.current,
			})
			s.carry += s.current
			s.current = 0
		}
	}
}

// DumpReport closes the current bucket at nowNs and returns every past
// bucket across all dimension keys, then clears past buckets, retaining
// the open bucket's running state (spec §4.8 dump_report).
func (c *Count) DumpReport(nowNs uint64) map[string][]Bucket {
	window, crossed := c.AdvanceTo(nowNs)
	for _, w := range crossed {
		c.FlushBoundary(w)
	}
	c.FlushPartial(nowNs, window)

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]Bucket, len(c.past))
	for k, bs := range c.past {
		out[k] = bs
		delete(c.past, k)
	}
	return out
}

// Current returns the currently open count for a dimension key (tests).
func (c *Count) Current(key dimension.MetricDimensionKey) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[key.String()]
	if !ok {
		return 0
	}
	return s.current
}
