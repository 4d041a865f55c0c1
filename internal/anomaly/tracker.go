// Package anomaly implements AnomalyTracker: a sliding-window sum over the
// last N buckets per dimension, declaring an anomaly when the sum crosses
// a threshold, subject to a refractory period (spec §4.5).
//
// Structurally follows a param-struct-plus-Score()-style API (a
// mutex-protected map-of-state with a pure compute method); the actual
// math here — sliding-window-sum-vs-threshold — is the spec's own rule,
// not borrowed from any statistical-distance scorer.
package anomaly

import (
	"sync"

	"github.com/statsdengine/statsdengine/internal/dimension"
)

const nsPerSec = 1_000_000_000

// Config is one configured anomaly alert (spec §4.5).
type Config struct {
	ID                   int64
	MetricID             int64
	TriggerIfSumGT       float64
	NumBuckets           int
	RefractoryPeriodSecs uint32
}

// Subscriber is notified when an anomaly is declared.
type Subscriber interface {
	OnAnomalyDeclared(cfg Config, key dimension.Key, tsNs uint64)
}

type dimState struct {
	ring               []float64 // length NumBuckets-1, indexed by absolute bucket number modulo len(ring) (spec §9: preserve absolute indexing)
	refractoryUntilSec uint32
}

// Tracker is one AnomalyTracker instance, keyed by dimension.
type Tracker struct {
	Cfg         Config
	Subscribers []Subscriber

	mu     sync.Mutex
	states map[string]*dimState
}

// NewTracker constructs a Tracker for the given config.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{Cfg: cfg, states: make(map[string]*dimState)}
}

func (t *Tracker) stateFor(key dimension.Key) *dimState {
	k := key.String()
	s, ok := t.states[k]
	if !ok {
		ringLen := t.Cfg.NumBuckets - 1
		if ringLen < 0 {
			ringLen = 0
		}
		s = &dimState{ring: make([]float64, ringLen)}
		t.states[k] = s
	}
	return s
}

// AddPastBucket rotates a just-closed bucket's value into the ring at the
// slot the bucket number's absolute index maps to (spec §4.5, §9).
func (t *Tracker) AddPastBucket(key dimension.Key, bucketNum int64, value float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateFor(key)
	if len(s.ring) == 0 {
		return
	}
	idx := bucketNum % int64(len(s.ring))
	if idx < 0 {
		idx += int64(len(s.ring))
	}
	s.ring[idx] = value
}

// SumOverPastBuckets returns the current ring sum for a dimension
// (read-only, for tests per spec §4.5).
func (t *Tracker) SumOverPastBuckets(key dimension.Key) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateFor(key)
	var sum float64
	for _, v := range s.ring {
		sum += v
	}
	return sum
}

// NotifyPartial satisfies metric.AnomalyHook: forwards the whole-bucket-
// so-far value straight into DetectAndDeclare (spec §4.4.1, §4.5).
func (t *Tracker) NotifyPartial(nowNs uint64, bucketNum int64, key dimension.Key, partial float64) {
	t.DetectAndDeclare(nowNs, bucketNum, key, partial)
}

// DetectAndDeclare sums the ring plus the current partial value; if the
// sum exceeds the threshold and the dimension is out of its refractory
// period, declares an anomaly (spec §4.5).
func (t *Tracker) DetectAndDeclare(tsNs uint64, bucketNum int64, key dimension.Key, currentPartial float64) bool {
	t.mu.Lock()
	s := t.stateFor(key)
	var sum float64
	for _, v := range s.ring {
		sum += v
	}
	sum += currentPartial

	nowSec := uint32(tsNs / nsPerSec)
	if sum <= t.Cfg.TriggerIfSumGT || nowSec <= s.refractoryUntilSec {
		t.mu.Unlock()
		return false
	}
	s.refractoryUntilSec = nowSec + t.Cfg.RefractoryPeriodSecs
	subs := append([]Subscriber(nil), t.Subscribers...)
	t.mu.Unlock()

	for _, sub := range subs {
		sub.OnAnomalyDeclared(t.Cfg, key, tsNs)
	}
	return true
}

// RefractoryUntilSec returns the current refractory deadline for a
// dimension (tests and the duration-alarm scheduling code in duration.go).
func (t *Tracker) RefractoryUntilSec(key dimension.Key) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateFor(key).refractoryUntilSec
}

// PushRefractoryUntil forcibly advances a dimension's refractory deadline,
// used by DurationAnomalyTracker when a scheduled alarm would otherwise
// land inside the current window (spec §4.5, SPEC_FULL.md §12.2).
func (t *Tracker) PushRefractoryUntil(key dimension.Key, sec uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateFor(key)
	if sec > s.refractoryUntilSec {
		s.refractoryUntilSec = sec
	}
}
