// Package guardrail implements StatsdStats: the process-wide resource caps
// named in spec §4.9, with drop-and-count policy on every hard limit. A
// breach is never fatal; the offending increment or insertion is skipped
// and a counter is incremented so the condition is visible in the debug
// dump and in Prometheus.
package guardrail

import "sync"

// Limits holds the soft/hard cap pairs spec §4.9 fixes. Soft limits trigger
// a broadcast (handled by logprocessor); hard limits drop data.
type Limits struct {
	MaxActiveConfigs        int
	MaxAlertsPerConfig      int
	MaxConditionsPerConfig  int
	MaxMetricsPerConfig     int
	MaxMatchersPerConfig    int
	SoftMetricsBytes        int64
	HardMetricsBytes        int64
	SoftDimensionCardinality int
	HardDimensionCardinality int
	MaxUidMapBytes          int64
	IceboxCapacity          int
}

// DefaultLimits returns the spec §4.9 cap values.
func DefaultLimits() Limits {
	return Limits{
		MaxActiveConfigs:         10,
		MaxAlertsPerConfig:       100,
		MaxConditionsPerConfig:   200,
		MaxMetricsPerConfig:      300,
		MaxMatchersPerConfig:     500,
		SoftMetricsBytes:         128 * 1024,
		HardMetricsBytes:         256 * 1024,
		SoftDimensionCardinality: 300,
		HardDimensionCardinality: 500,
		MaxUidMapBytes:           50 * 1024,
		IceboxCapacity:           20,
	}
}

// Counters is the dumpable set of drop counters StatsdStats tracks.
type Counters struct {
	ConfigsDropped             int64
	AlertsDropped              int64
	ConditionsDropped          int64
	MetricsDropped             int64
	MatchersDropped            int64
	BytesHardDrops             int64
	DimensionHardDrops         int64
	UidMapBytesDrops           int64
	IceboxEvictions            int64
}

// Registry is the process-wide StatsdStats singleton, passed explicitly as
// a context object rather than held as global mutable state (spec §9).
type Registry struct {
	limits Limits

	mu       sync.Mutex
	counters Counters

	// per-metric dimension cardinality, keyed by metric id.
	cardinality map[int64]int
	// per-config current byte usage, keyed by config key string.
	configBytes map[string]int64
}

// NewRegistry creates a Registry with the given limits.
func NewRegistry(limits Limits) *Registry {
	return &Registry{
		limits:      limits,
		cardinality: make(map[int64]int),
		configBytes: make(map[string]int64),
	}
}

// CheckDimension reports whether inserting one more distinct dimension key
// for metricID should be dropped, and the key's ordinal count (used by
// scenario G1: the 501st key reports count 501 while being dropped).
// Crossing the soft limit never drops; the count is observable via
// DimensionCount.
func (r *Registry) CheckDimension(metricID int64) (ordinal int, drop bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cardinality[metricID]++
	n := r.cardinality[metricID]
	if n > r.limits.HardDimensionCardinality {
		r.counters.DimensionHardDrops++
		return n, true
	}
	return n, false
}

// ReleaseDimension decrements the cardinality counter, used when a
// dimension key is evicted (config removed, bucket cleared on dump and the
// key goes cold). Kept separate from CheckDimension since not every caller
// wants to shrink the count (dump-report retains the current key set).
func (r *Registry) ReleaseDimension(metricID int64, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cardinality[metricID] -= n
	if r.cardinality[metricID] < 0 {
		r.cardinality[metricID] = 0
	}
}

// DimensionCount returns the current observed cardinality for a metric
// (for the debug dump and tests).
func (r *Registry) DimensionCount(metricID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cardinality[metricID]
}

// ReportConfigBytes records the current serialized size of a config's
// metrics and reports whether it has crossed the soft or hard threshold.
// Crossing the hard threshold increments BytesHardDrops; no data is
// dropped here or by the logprocessor, which ignores the result.
func (r *Registry) ReportConfigBytes(configKey string, bytes int64) (overSoft, overHard bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configBytes[configKey] = bytes
	if bytes > r.limits.HardMetricsBytes {
		r.counters.BytesHardDrops++
		return true, true
	}
	return bytes > r.limits.SoftMetricsBytes, false
}

// DropMatcher, DropCondition, DropAlert, DropMetric record hard-limit
// drops for the corresponding per-config arena (spec §4.9).
func (r *Registry) DropMatcher()   { r.mu.Lock(); r.counters.MatchersDropped++; r.mu.Unlock() }
func (r *Registry) DropCondition() { r.mu.Lock(); r.counters.ConditionsDropped++; r.mu.Unlock() }
func (r *Registry) DropAlert()     { r.mu.Lock(); r.counters.AlertsDropped++; r.mu.Unlock() }
func (r *Registry) DropMetric()    { r.mu.Lock(); r.counters.MetricsDropped++; r.mu.Unlock() }
func (r *Registry) DropConfig()    { r.mu.Lock(); r.counters.ConfigsDropped++; r.mu.Unlock() }

// IceboxEvict records a configuration evicted from a full icebox.
func (r *Registry) IceboxEvict() { r.mu.Lock(); r.counters.IceboxEvictions++; r.mu.Unlock() }

// UidMapBytesDropped records a UidMap insertion refused over the byte cap.
func (r *Registry) UidMapBytesDropped() { r.mu.Lock(); r.counters.UidMapBytesDrops++; r.mu.Unlock() }

// Snapshot returns a copy of the current counters for the debug proto dump.
func (r *Registry) Snapshot() Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters
}

// Limits returns the configured cap values.
func (r *Registry) Limits() Limits {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limits
}

// SetLimits swaps in new cap values, for config hot-reload (SIGHUP). Cap
// changes apply only to checks made after the swap; cardinality and byte
// usage already recorded are left as-is.
func (r *Registry) SetLimits(limits Limits) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limits = limits
}
