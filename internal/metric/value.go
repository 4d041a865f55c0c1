// value.go — the Value metric variant (spec §4.4.2): pulled atoms sampled
// periodically via PullerManager, or pushed atoms accumulated as they
// arrive. Per-dimension Interval tracks start_updated/tainted/sum/
// start_value exactly as spec §4.4.2 names them.
package metric

import (
	"sync"

	"github.com/statsdengine/statsdengine/internal/dimension"
	"github.com/statsdengine/statsdengine/internal/event"
	"github.com/statsdengine/statsdengine/internal/predicate"
)

// Interval is the per-dimension pulled/pushed accumulator state (spec
// §4.4.2).
type Interval struct {
	StartUpdated bool
	Tainted      bool
	Sum          float64
	StartValue   float64
	SampleCount  int64
	Min, Max     float64
}

// Value is the Value metric producer.
type Value struct {
	Base

	AtomID     uint32
	ValueField event.FieldPath
	Pulled     bool

	mu        sync.Mutex
	intervals map[string]*Interval
	past      map[string][]Bucket
}

// NewValue constructs a Value producer.
func NewValue(base Base, atomID uint32, valueField event.FieldPath, pulled bool) *Value {
	return &Value{Base: base, AtomID: atomID, ValueField: valueField, Pulled: pulled,
		intervals: make(map[string]*Interval), past: make(map[string][]Bucket)}
}

func (v *Value) intervalFor(key dimension.MetricDimensionKey) *Interval {
	k := key.String()
	iv, ok := v.intervals[k]
	if !ok {
		iv = &Interval{}
		v.intervals[k] = iv
	}
	return iv
}

// OnMatchedLogEvent handles pushed-mode accumulation (spec §4.4.2: "every
// matched event contributes event.value_field to an accumulator"). The
// bucket clock advances and any fully-crossed boundary is flushed to past
// before the condition is even resolved, since time passes regardless of
// whether this event ends up tainting or contributing to the interval.
func (v *Value) OnMatchedLogEvent(matcherIdx int, e *event.Event) error {
	if v.Pulled {
		return nil // pulled-mode values only update via PullAndClose
	}
	_, crossed := v.AdvanceTo(e.ElapsedNs)
	for _, w := range crossed {
		v.FlushBoundary(w)
	}

	condState, condKeys, ok := v.resolveCondition(e)
	if !ok {
		return nil
	}
	if condState != predicate.StateTrue {
		v.markToggledTainted(e, condKeys)
		return nil
	}

	fv, isNum := fieldFloat(e, v.ValueField)
	if !isNum {
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	for _, mk := range v.fanout(e, condKeys) {
		iv := v.intervalFor(mk)
		if iv.SampleCount == 0 {
			iv.Min, iv.Max = fv, fv
		} else {
			if fv < iv.Min {
				iv.Min = fv
			}
			if fv > iv.Max {
				iv.Max = fv
			}
		}
		iv.Sum += fv
		iv.SampleCount++
	}
	return nil
}

// markToggledTainted flags every already-touched interval as tainted when
// the condition is observed false/unknown mid-collection (spec §4.4.2:
// "tainted is set ... when a required condition toggled during
// collection").
func (v *Value) markToggledTainted(e *event.Event, condKeys []dimension.Key) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, mk := range v.fanout(e, condKeys) {
		if iv, ok := v.intervals[mk.String()]; ok {
			iv.Tainted = true
		}
	}
}

func fieldFloat(e *event.Event, path event.FieldPath) (float64, bool) {
	val, ok := e.Field(path.Field, path.Position)
	if !ok {
		return 0, false
	}
	return val.AsFloat64()
}

// PullAndClose handles pulled-mode bucket close (spec §4.4.2): pulls fresh
// events, computes sum(value_field) - previous_start per dimension key,
// emits a Bucket, and records the new starts.
func (v *Value) PullAndClose(nowNs uint64, window BucketWindow, pulled []*event.Event) map[string]Bucket {
	v.mu.Lock()
	defer v.mu.Unlock()

	sums := make(map[string]float64)
	for _, e := range pulled {
		fv, ok := fieldFloat(e, v.ValueField)
		if !ok {
			continue
		}
		for _, mk := range v.whatKeysMDK(e) {
			sums[mk.String()] += fv
		}
	}

	out := make(map[string]Bucket)
	for k, total := range sums {
		iv := v.intervals[k]
		if iv == nil {
			iv = &Interval{}
			v.intervals[k] = iv
		}
		if !iv.StartUpdated {
			iv.StartValue = total
			iv.StartUpdated = true
			continue
		}
		delta := total - iv.StartValue
		tainted := iv.Tainted
		if delta < 0 {
			tainted = true // counter reset
		}
		if !tainted {
			out[k] = Bucket{
				Window: window,
				Kind:   KindValue,
				Value:  ValuePayload{Sum: delta, SampleCount: 1},
			}
		} else {
			out[k] = Bucket{Window: window, Kind: KindValue, Tainted: true}
		}
		iv.StartValue = total
		iv.Tainted = false
	}
	return out
}

// whatKeysMDK pairs each dim_in_what key from a pulled event with the
// zero-value condition key (pulled atoms are not condition-sliced in the
// spec's pull model).
func (v *Value) whatKeysMDK(e *event.Event) []dimension.MetricDimensionKey {
	out := make([]dimension.MetricDimensionKey, 0, 1)
	for _, w := range v.whatKeys(e) {
		out = append(out, dimension.MetricDimensionKey{What: w, Condition: dimension.KeyFromValues(nil)})
	}
	return out
}

// FlushBoundary closes every pushed-mode interval with samples into past at
// a genuine bucket-size boundary and resets it, so an idle gap spanning
// several bucket boundaries between matched events still yields one bucket
// per real window instead of one lumped bucket at dump time.
func (v *Value) FlushBoundary(window BucketWindow) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.flushLocked(window)
}

// FlushPartial closes the currently accumulating interval into past at
// nowNs without it being a genuine bucket-size boundary (dump-report time),
// mirroring Count's FlushPartial/FlushBoundary split.
func (v *Value) FlushPartial(nowNs uint64, window BucketWindow) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.flushLocked(BucketWindow{StartNs: window.StartNs, EndNs: nowNs, BucketNum: window.BucketNum})
}

func (v *Value) flushLocked(window BucketWindow) {
	for k, iv := range v.intervals {
		if iv.SampleCount == 0 {
			continue
		}
		v.past[k] = append(v.past[k], Bucket{
			Window:  window,
			Kind:    KindValue,
			Value:   ValuePayload{Sum: iv.Sum, Min: iv.Min, Max: iv.Max, SampleCount: iv.SampleCount},
			Tainted: iv.Tainted,
		})
		iv.Sum, iv.SampleCount, iv.Min, iv.Max, iv.Tainted = 0, 0, 0, 0, false
	}
}

// DumpReport closes pushed-mode accumulators at nowNs and returns every
// bucket collected since the last dump — one per real bucket boundary
// crossed in between, plus the current partial — clearing past state but
// retaining the live interval (spec §4.8). Pulled-mode producers are
// closed via PullAndClose by the caller instead, so DumpReport here only
// flushes pushed accumulation.
func (v *Value) DumpReport(nowNs uint64) map[string][]Bucket {
	window, crossed := v.AdvanceTo(nowNs)
	for _, w := range crossed {
		v.FlushBoundary(w)
	}
	v.FlushPartial(nowNs, window)

	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string][]Bucket, len(v.past))
	for k, bs := range v.past {
		out[k] = bs
		delete(v.past, k)
	}
	return out
}
