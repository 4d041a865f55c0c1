// Package metric implements MetricProducer: spec §4.4's per-dimension,
// per-bucket aggregator, restated per spec §9's design note as a tagged
// variant over five kinds (Count, Value, Duration, Gauge, EventList) with
// a common outer struct for shared fields, rather than the source's
// duck-typed virtual base.
package metric

import (
	"sync"

	"github.com/statsdengine/statsdengine/internal/dimension"
	"github.com/statsdengine/statsdengine/internal/event"
	"github.com/statsdengine/statsdengine/internal/guardrail"
	"github.com/statsdengine/statsdengine/internal/predicate"
)

// Link maps one field of the condition's dimension key to a field taken
// from the triggering ("what") event, so each firing event yields a
// concrete condition lookup (spec §3).
type Link struct {
	ConditionField event.FieldPath
	SourceField    event.FieldPath
}

// BucketWindow identifies one aggregation window (spec §3).
type BucketWindow struct {
	StartNs   uint64
	EndNs     uint64
	BucketNum int64
}

// Kind tags which of the five MetricProducer variants a Bucket/producer
// belongs to.
type Kind int

const (
	KindCount Kind = iota
	KindValue
	KindDuration
	KindGauge
	KindEventList
)

// Bucket is the spec §3 output payload. Only the field matching the
// producer's Kind is populated.
type Bucket struct {
	Window   BucketWindow
	Kind     Kind
	Count    int64
	Value    ValuePayload
	Duration DurationPayload
	Gauge    []event.Value
	Events   []*event.Event
	Tainted  bool
}

// ValuePayload is the value-metric bucket payload (spec §3).
type ValuePayload struct {
	Sum, Min, Max float64
	SampleCount   int64
}

// DurationPayload is the duration-metric bucket payload (spec §3).
type DurationPayload struct {
	TotalNs uint64
	MaxNs   uint64
}

// AnomalyHook is notified with the whole-bucket-so-far value after every
// matched increment (spec §4.4.1), and is satisfied by
// *anomaly.Tracker.DetectAndDeclare bound to a dimension key.
type AnomalyHook interface {
	NotifyPartial(nowNs uint64, bucketNum int64, key dimension.Key, partial float64)
}

// Base carries every field shared by all five producer kinds (spec §4.4).
type Base struct {
	MetricID  int64
	ConfigKey string

	StartTimeNs  uint64
	BucketSizeNs uint64

	ConditionSliced bool
	ConditionIdx    int
	Links           []Link
	DimInWhat       dimension.Spec
	DimInCondition  dimension.Spec

	Wizard *predicate.Wizard
	Guard  *guardrail.Registry

	Anomalies []AnomalyHook

	mu                   sync.Mutex
	cachedCondition      predicate.State
	currentBucketStartNs uint64
	bucketNum            int64
}

// InitBase fills in the fields every variant's constructor needs.
func InitBase(metricID int64, configKey string, startTimeNs, bucketSizeNs uint64, conditionSliced bool, conditionIdx int, links []Link, dimInWhat, dimInCondition dimension.Spec, wizard *predicate.Wizard, guard *guardrail.Registry) Base {
	return Base{
		MetricID:             metricID,
		ConfigKey:            configKey,
		StartTimeNs:          startTimeNs,
		BucketSizeNs:         bucketSizeNs,
		ConditionSliced:      conditionSliced,
		ConditionIdx:         conditionIdx,
		Links:                links,
		DimInWhat:            dimInWhat,
		DimInCondition:       dimInCondition,
		Wizard:               wizard,
		Guard:                guard,
		cachedCondition:      predicate.StateUnknown,
		currentBucketStartNs: startTimeNs,
		bucketNum:            0,
	}
}

// SetCachedCondition updates the non-sliced condition cache; called by the
// processor when the underlying (unsliced) predicate changes.
func (b *Base) SetCachedCondition(s predicate.State) {
	b.mu.Lock()
	b.cachedCondition = s
	b.mu.Unlock()
}

// bucketWindowLocked returns the window containing nowNs, advancing the
// producer's own bucket clock as a side effect if nowNs has crossed one or
// more boundaries. crossed lists, in ascending order, every bucket window
// that was fully closed by this advance (i.e. boundaries strictly between
// the clock's prior position and nowNs) — the caller must flush each one
// through the variant's own boundary-close method before applying a new
// increment, mirroring the original's flushIfNeededLocked. Caller must
// hold b.mu (see AdvanceTo).
func (b *Base) bucketWindowLocked(nowNs uint64) (window BucketWindow, crossed []BucketWindow) {
	for b.currentBucketStartNs+b.BucketSizeNs <= nowNs {
		crossed = append(crossed, BucketWindow{StartNs: b.currentBucketStartNs, EndNs: b.currentBucketStartNs + b.BucketSizeNs, BucketNum: b.bucketNum})
		b.currentBucketStartNs += b.BucketSizeNs
		b.bucketNum++
	}
	return BucketWindow{StartNs: b.currentBucketStartNs, EndNs: b.currentBucketStartNs + b.BucketSizeNs, BucketNum: b.bucketNum}, crossed
}

// conditionKeyFromLinks projects the triggering event's linked fields into
// a dimension.Key over DimInCondition, per spec §3's links[] mechanism.
func conditionKeyFromLinks(e *event.Event, links []Link, spec dimension.Spec) dimension.Key {
	values := make([]event.Value, 0, len(spec.Paths))
	for _, path := range spec.Paths {
		for _, l := range links {
			if l.ConditionField != path {
				continue
			}
			if v, ok := e.Field(l.SourceField.Field, l.SourceField.Position); ok {
				v.Path = path
				values = append(values, v)
			}
		}
	}
	return dimension.KeyFromValues(values)
}

// resolveCondition implements spec §4.4 steps 1-3: staleness rejection,
// condition-key computation, and condition-state resolution (sliced via
// the wizard, or the cached unsliced state).
//
// Returns ok=false when the event must be rejected outright (stale).
func (b *Base) resolveCondition(e *event.Event) (condState predicate.State, condKeys []dimension.Key, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e.ElapsedNs < b.StartTimeNs {
		return predicate.StateUnknown, nil, false
	}
	if !b.ConditionSliced {
		return b.cachedCondition, nil, true
	}
	key := conditionKeyFromLinks(e, b.Links, b.DimInCondition)
	state, keys := b.Wizard.Query(b.ConditionIdx, key)
	return state, keys, true
}

// whatKeys computes the set of dim_in_what keys for an event: a single
// default key when DimInWhat is empty (spec §4.4 step 4).
func (b *Base) whatKeys(e *event.Event) []dimension.Key {
	return []dimension.Key{dimension.Project(e, b.DimInWhat)}
}

// checkCardinality enforces the per-metric dimension guardrail (spec
// §4.4.1, §4.9): returns false if this brand-new key must be dropped.
func (b *Base) checkCardinality(isNewKey bool) bool {
	if !isNewKey || b.Guard == nil {
		return true
	}
	_, drop := b.Guard.CheckDimension(b.MetricID)
	return !drop
}

// notifyAnomalies forwards the whole-bucket-so-far value to every attached
// anomaly hook (spec §4.4.1).
func (b *Base) notifyAnomalies(nowNs uint64, bucketNum int64, key dimension.Key, partial float64) {
	for _, h := range b.Anomalies {
		h.NotifyPartial(nowNs, bucketNum, key, partial)
	}
}

// fanout forms the cross product of dim_in_what keys and matching
// condition dimension keys (spec §4.4 step 5). When condKeys is empty
// (non-sliced condition), a single zero-value condition key is used.
func (b *Base) fanout(e *event.Event, condKeys []dimension.Key) []dimension.MetricDimensionKey {
	whats := b.whatKeys(e)
	if len(condKeys) == 0 {
		condKeys = []dimension.Key{dimension.KeyFromValues(nil)}
	}
	out := make([]dimension.MetricDimensionKey, 0, len(whats)*len(condKeys))
	for _, w := range whats {
		for _, c := range condKeys {
			out = append(out, dimension.MetricDimensionKey{What: w, Condition: c})
		}
	}
	return out
}

// CurrentBucketNum returns the producer's current bucket number (test use).
func (b *Base) CurrentBucketNum() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bucketNum
}

// AdvanceTo rolls the bucket clock forward to cover nowNs and returns the
// resulting window plus every bucket window fully crossed in the process,
// without closing any bucket itself (variants decide what "closing" means
// for their payload, and must flush each crossed window through their own
// boundary-close method).
func (b *Base) AdvanceTo(nowNs uint64) (BucketWindow, []BucketWindow) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bucketWindowLocked(nowNs)
}
