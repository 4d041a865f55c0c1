// metrics.go — Prometheus exposition for the guardrail registry.
//
// Adapted from observability/metrics.go: a dedicated, non-global
// prometheus.Registry (never prometheus.DefaultRegisterer) plus Go/process
// collectors. This file serves nothing itself: the registry is merged into
// observability.Metrics, whose ServeMetrics exposes /metrics and /healthz.
package guardrail

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics wires Registry counters into Prometheus gauges and counters.
type Metrics struct {
	reg *prometheus.Registry
	src *Registry

	configsDropped   prometheus.Counter
	alertsDropped    prometheus.Counter
	conditionsDrop   prometheus.Counter
	metricsDropped   prometheus.Counter
	matchersDropped  prometheus.Counter
	bytesHardDrops   prometheus.Counter
	dimHardDrops     prometheus.Counter
	uidMapDrops      prometheus.Counter
	iceboxEvictions  prometheus.Counter
	dimensionGauge   *prometheus.GaugeVec

	lastConfigsDropped    int64
	lastAlertsDropped     int64
	lastConditionsDropped int64
	lastMetricsDropped    int64
	lastMatchersDropped   int64
	lastBytesHardDrops    int64
	lastDimHardDrops      int64
	lastUidMapDrops       int64
	lastIceboxEvictions   int64
}

// NewMetrics registers every guardrail series against a fresh registry.
func NewMetrics(src *Registry) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		src: src,
		configsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "statsdengine", Subsystem: "guardrail", Name: "configs_dropped_total",
			Help: "Configurations dropped after hitting the active-config cap.",
		}),
		alertsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "statsdengine", Subsystem: "guardrail", Name: "alerts_dropped_total",
			Help: "Anomaly alerts dropped after hitting the per-config cap.",
		}),
		conditionsDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "statsdengine", Subsystem: "guardrail", Name: "conditions_dropped_total",
			Help: "Conditions dropped after hitting the per-config cap.",
		}),
		metricsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "statsdengine", Subsystem: "guardrail", Name: "metrics_dropped_total",
			Help: "Metrics dropped after hitting the per-config cap.",
		}),
		matchersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "statsdengine", Subsystem: "guardrail", Name: "matchers_dropped_total",
			Help: "Matchers dropped after hitting the per-config cap.",
		}),
		bytesHardDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "statsdengine", Subsystem: "guardrail", Name: "bytes_hard_drops_total",
			Help: "Reports of a config's estimated size exceeding the hard byte cap.",
		}),
		dimHardDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "statsdengine", Subsystem: "guardrail", Name: "dimension_hard_drops_total",
			Help: "Dimension keys dropped after a metric exceeded the hard cardinality cap.",
		}),
		uidMapDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "statsdengine", Subsystem: "guardrail", Name: "uidmap_bytes_drops_total",
			Help: "UidMap insertions refused after exceeding the byte cap.",
		}),
		iceboxEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "statsdengine", Subsystem: "guardrail", Name: "icebox_evictions_total",
			Help: "Configurations evicted from a full icebox.",
		}),
		dimensionGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "statsdengine", Subsystem: "guardrail", Name: "dimension_cardinality",
			Help: "Current observed dimension cardinality per metric id.",
		}, []string{"metric_id"}),
	}
	reg.MustRegister(
		m.configsDropped, m.alertsDropped, m.conditionsDrop, m.metricsDropped,
		m.matchersDropped, m.bytesHardDrops, m.dimHardDrops, m.uidMapDrops,
		m.iceboxEvictions, m.dimensionGauge,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Sample copies the current Registry counters into the Prometheus series.
// Called on a short ticker by the entry point rather than wiring live
// callbacks, since Counters is a plain value snapshot.
func (m *Metrics) Sample() {
	c := m.src.Snapshot()
	addDelta := func(counter prometheus.Counter, total *int64, value int64) {
		if d := value - *total; d > 0 {
			counter.Add(float64(d))
		}
		*total = value
	}
	addDelta(m.configsDropped, &m.lastConfigsDropped, c.ConfigsDropped)
	addDelta(m.alertsDropped, &m.lastAlertsDropped, c.AlertsDropped)
	addDelta(m.conditionsDrop, &m.lastConditionsDropped, c.ConditionsDropped)
	addDelta(m.metricsDropped, &m.lastMetricsDropped, c.MetricsDropped)
	addDelta(m.matchersDropped, &m.lastMatchersDropped, c.MatchersDropped)
	addDelta(m.bytesHardDrops, &m.lastBytesHardDrops, c.BytesHardDrops)
	addDelta(m.dimHardDrops, &m.lastDimHardDrops, c.DimensionHardDrops)
	addDelta(m.uidMapDrops, &m.lastUidMapDrops, c.UidMapBytesDrops)
	addDelta(m.iceboxEvictions, &m.lastIceboxEvictions, c.IceboxEvictions)
}

// Registry returns the dedicated registry guardrail series are registered
// against, for merging into the engine-wide exposition
// (observability.ServeMetrics) via prometheus.Gatherers.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}
