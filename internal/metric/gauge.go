// gauge.go — the Gauge metric variant (spec §4.4.4): captures configured
// value fields as a snapshot into the current bucket on each matched event
// or pull, subject to a sampling policy.
package metric

import (
	"math/rand"
	"sync"

	"github.com/statsdengine/statsdengine/internal/dimension"
	"github.com/statsdengine/statsdengine/internal/event"
	"github.com/statsdengine/statsdengine/internal/predicate"
)

func defaultRandFloat() float64 { return rand.Float64() }

// SamplePolicy selects how a Gauge retains snapshots within a bucket (spec
// §4.4.4).
type SamplePolicy int

const (
	SampleFirstN SamplePolicy = iota
	SampleRandomOne
)

// Gauge is the Gauge metric producer.
type Gauge struct {
	Base

	Fields []event.FieldPath
	Policy SamplePolicy
	N      int // keep-first-N count; ignored under SampleRandomOne

	// RandFloat returns a uniform value in [0,1); injectable for
	// deterministic tests. Defaults to a package-level source if nil.
	RandFloat func() float64

	mu      sync.Mutex
	samples map[string][][]event.Value
	seen    map[string]int64
	past    map[string][]Bucket
}

// NewGauge constructs a Gauge producer.
func NewGauge(base Base, fields []event.FieldPath, policy SamplePolicy, n int) *Gauge {
	return &Gauge{Base: base, Fields: fields, Policy: policy, N: n,
		samples: make(map[string][][]event.Value), seen: make(map[string]int64),
		past: make(map[string][]Bucket)}
}

func (g *Gauge) snapshot(e *event.Event) []event.Value {
	out := make([]event.Value, 0, len(g.Fields))
	for _, p := range g.Fields {
		if v, ok := e.Field(p.Field, p.Position); ok {
			out = append(out, v)
		}
	}
	return out
}

// OnMatchedLogEvent captures a snapshot per dim_in_what key (spec §4.4.4).
// The bucket clock advances and any fully-crossed boundary is flushed
// before the snapshot is recorded, so retained samples are always scoped
// to the real bucket window they were observed in.
func (g *Gauge) OnMatchedLogEvent(matcherIdx int, e *event.Event) error {
	_, crossed := g.AdvanceTo(e.ElapsedNs)
	for _, w := range crossed {
		g.FlushBoundary(w)
	}

	condState, condKeys, ok := g.resolveCondition(e)
	if !ok {
		return nil
	}
	if condState != predicate.StateTrue {
		return nil
	}
	snap := g.snapshot(e)

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, mk := range g.fanout(e, condKeys) {
		g.recordLocked(mk, snap)
	}
	return nil
}

func (g *Gauge) recordLocked(key dimension.MetricDimensionKey, snap []event.Value) {
	k := key.String()
	g.seen[k]++
	switch g.Policy {
	case SampleFirstN:
		if len(g.samples[k]) < g.N {
			g.samples[k] = append(g.samples[k], snap)
		}
	case SampleRandomOne:
		r := g.randFloat()
		if len(g.samples[k]) == 0 {
			g.samples[k] = [][]event.Value{snap}
			return
		}
		// Reservoir sampling of size 1: keep the new sample with
		// probability 1/seen.
		if r < 1.0/float64(g.seen[k]) {
			g.samples[k][0] = snap
		}
	}
}

func (g *Gauge) randFloat() float64 {
	if g.RandFloat != nil {
		return g.RandFloat()
	}
	return defaultRandFloat()
}

// FlushBoundary closes every dimension key's retained samples into past at
// a genuine bucket-size boundary, resetting the sampling state for the
// window ahead (a fresh reservoir/first-N count per real bucket).
func (g *Gauge) FlushBoundary(window BucketWindow) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.flushLocked(window)
}

func (g *Gauge) flushLocked(window BucketWindow) {
	for k, snaps := range g.samples {
		if len(snaps) == 0 {
			continue
		}
		flat := make([]event.Value, 0)
		for _, s := range snaps {
			flat = append(flat, s...)
		}
		g.past[k] = append(g.past[k], Bucket{Window: window, Kind: KindGauge, Gauge: flat})
		delete(g.samples, k)
		delete(g.seen, k)
	}
}

// DumpReport closes the current bucket at nowNs, returning every bucket
// collected since the last dump (one per real bucket boundary crossed in
// between, plus the current partial) and clearing bucket state (spec
// §4.8).
func (g *Gauge) DumpReport(nowNs uint64) map[string][]Bucket {
	window, crossed := g.AdvanceTo(nowNs)
	for _, w := range crossed {
		g.FlushBoundary(w)
	}
	g.FlushBoundary(BucketWindow{StartNs: window.StartNs, EndNs: nowNs, BucketNum: window.BucketNum})

	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string][]Bucket, len(g.past))
	for k, bs := range g.past {
		out[k] = bs
		delete(g.past, k)
	}
	return out
}
