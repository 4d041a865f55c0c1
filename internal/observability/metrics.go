// Package observability — metrics.go
//
// Engine-wide Prometheus metrics for statsd-engine: event ingest, bucket
// close latency, dump-report count/latency, anomaly declarations, and
// pull success/failure. Guardrail-specific counters live in
// internal/guardrail and are merged into this package's exposition via
// prometheus.Gatherers rather than duplicated here.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Bind: loopback only by default — no external exposure.
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the engine-level Prometheus descriptors.
type Metrics struct {
	registry  *prometheus.Registry
	gatherers prometheus.Gatherers

	// EventsIngestedTotal counts events accepted into LogProcessor,
	// by atom id.
	EventsIngestedTotal *prometheus.CounterVec

	// BucketCloseLatency records how long a bucket-boundary flush across
	// all metric producers of a config took.
	BucketCloseLatency prometheus.Histogram

	// DumpReportsTotal counts dump-report invocations, by owner/config.
	DumpReportsTotal *prometheus.CounterVec

	// DumpReportLatency records dump-report (wire-encode + compact)
	// latency.
	DumpReportLatency prometheus.Histogram

	// BroadcastsSentTotal counts "fetch your data" broadcasts emitted.
	BroadcastsSentTotal prometheus.Counter

	// AnomaliesDeclaredTotal counts anomaly declarations, by metric_id.
	AnomaliesDeclaredTotal *prometheus.CounterVec

	// PullsTotal counts PullerManager invocations, by atom id and
	// outcome (ok, error).
	PullsTotal *prometheus.CounterVec

	// PullLatency records external puller round-trip latency.
	PullLatency prometheus.Histogram

	// UptimeSeconds is the number of seconds since the process started.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers every engine-level Prometheus metric.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		EventsIngestedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statsdengine",
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Total events accepted into the ingest loop, by atom id.",
		}, []string{"atom_id"}),

		BucketCloseLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "statsdengine",
			Subsystem: "metric",
			Name:      "bucket_close_latency_seconds",
			Help:      "Latency of a full bucket-boundary flush across a config's metric producers.",
			Buckets:   prometheus.DefBuckets,
		}),

		DumpReportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statsdengine",
			Subsystem: "report",
			Name:      "dump_reports_total",
			Help:      "Total dump-report invocations, by owner and config id.",
		}, []string{"owner", "config_id"}),

		DumpReportLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "statsdengine",
			Subsystem: "report",
			Name:      "dump_report_latency_seconds",
			Help:      "Latency of wire-encoding and compacting a dump report.",
			Buckets:   prometheus.DefBuckets,
		}),

		BroadcastsSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "statsdengine",
			Subsystem: "report",
			Name:      "broadcasts_sent_total",
			Help:      "Total \"fetch your data\" broadcasts emitted to config receivers.",
		}),

		AnomaliesDeclaredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statsdengine",
			Subsystem: "anomaly",
			Name:      "declared_total",
			Help:      "Total anomalies declared, by metric id.",
		}, []string{"metric_id"}),

		PullsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statsdengine",
			Subsystem: "puller",
			Name:      "pulls_total",
			Help:      "Total puller invocations, by atom id and outcome.",
		}, []string{"atom_id", "outcome"}),

		PullLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "statsdengine",
			Subsystem: "puller",
			Name:      "pull_latency_seconds",
			Help:      "External puller round-trip latency.",
			Buckets:   prometheus.DefBuckets,
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "statsdengine",
			Subsystem: "process",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the process started.",
		}),
	}

	reg.MustRegister(
		m.EventsIngestedTotal,
		m.BucketCloseLatency,
		m.DumpReportsTotal,
		m.DumpReportLatency,
		m.BroadcastsSentTotal,
		m.AnomaliesDeclaredTotal,
		m.PullsTotal,
		m.PullLatency,
		m.UptimeSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m.gatherers = prometheus.Gatherers{reg}
	return m
}

// MergeRegistry folds another package's dedicated registry (e.g.
// guardrail.Metrics.Registry()) into this package's /metrics exposition,
// so the process only ever runs one metrics HTTP server.
func (m *Metrics) MergeRegistry(other *prometheus.Registry) {
	m.gatherers = append(m.gatherers, other)
}

// Gatherers returns the combined set of registries this Metrics exposes,
// for tests and callers that need to gather without starting the HTTP
// server.
func (m *Metrics) Gatherers() prometheus.Gatherers {
	return m.gatherers
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr, blocking
// until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.gatherers, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		log.Error("metrics server stopped", zap.Error(err))
		return err
	}
}

// updateUptime periodically updates the UptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
