// Package main — cmd/statsdengine/main.go
//
// statsd-engine entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/statsdengine/config.yaml.
//  2. Initialise structured logger (zap, JSON or console format).
//  3. Open the persist store (bbolt manifest + checkpoint directory).
//  4. Construct the guardrail registry, uid map, alarm monitor, puller
//     manager, and Prometheus metrics (engine + guardrail registries
//     merged into one exposition).
//  5. Rehydrate checkpointed state and the icebox from the persist store
//     before any event is accepted (spec §6).
//  6. Start the Prometheus metrics HTTP server.
//  7. Start the command-surface Unix domain socket server.
//  8. Start PullerManager's periodic alarm and the duration-alarm pump.
//  9. Start the SIGHUP guardrail-limits reload goroutine.
//  10. Run the event-ingress reader on stdin until EOF or shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel the root context (propagates to every goroutine).
//  2. Stop the puller manager's periodic alarm goroutine.
//  3. Close the persist store.
//  4. Flush the logger.
//  5. Exit 0.
//
// On config validation failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/statsdengine/statsdengine/internal/alarm"
	"github.com/statsdengine/statsdengine/internal/cmdserver"
	"github.com/statsdengine/statsdengine/internal/config"
	"github.com/statsdengine/statsdengine/internal/configmanager"
	"github.com/statsdengine/statsdengine/internal/guardrail"
	"github.com/statsdengine/statsdengine/internal/ingress"
	"github.com/statsdengine/statsdengine/internal/logprocessor"
	"github.com/statsdengine/statsdengine/internal/observability"
	"github.com/statsdengine/statsdengine/internal/persist"
	"github.com/statsdengine/statsdengine/internal/puller"
	"github.com/statsdengine/statsdengine/internal/uidmap"
)

func main() {
	configPath := flag.String("config", "/etc/statsdengine/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("statsdengine %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("statsdengine starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nowFn := monotonicWallNs

	store, err := persist.Open(cfg.Persist.Dir, nowFn)
	if err != nil {
		log.Fatal("persist store open failed", zap.Error(err), zap.String("dir", cfg.Persist.Dir))
	}
	defer store.Close() //nolint:errcheck
	log.Info("persist store opened", zap.String("dir", cfg.Persist.Dir))

	guard := guardrail.NewRegistry(guardrail.Limits{
		MaxActiveConfigs:         cfg.Guardrail.MaxActiveConfigs,
		MaxAlertsPerConfig:       cfg.Guardrail.MaxAlertsPerConfig,
		MaxConditionsPerConfig:   cfg.Guardrail.MaxConditionsPerConfig,
		MaxMetricsPerConfig:      cfg.Guardrail.MaxMetricsPerConfig,
		MaxMatchersPerConfig:     cfg.Guardrail.MaxMatchersPerConfig,
		SoftMetricsBytes:         cfg.Guardrail.SoftMetricsBytes,
		HardMetricsBytes:         cfg.Guardrail.HardMetricsBytes,
		SoftDimensionCardinality: cfg.Guardrail.SoftDimensionCardinality,
		HardDimensionCardinality: cfg.Guardrail.HardDimensionCardinality,
		MaxUidMapBytes:           cfg.Guardrail.MaxUidMapBytes,
		IceboxCapacity:           cfg.Guardrail.IceboxCapacity,
	})
	guardMetrics := guardrail.NewMetrics(guard)

	uidMap := uidmap.New(guard)
	monitor := alarm.NewMonitor()
	pm := puller.NewManager(nowFn)

	metrics := observability.NewMetrics()
	metrics.MergeRegistry(guardMetrics.Registry())
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr, log); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))
	go sampleGuardrailMetrics(ctx, guardMetrics, cfg.Observability.SampleInterval)

	broadcast := func(key logprocessor.ConfigKey) {
		log.Info("broadcast: fetch your data",
			zap.Int64("owner", key.Owner), zap.Int64("config_id", key.ConfigID))
	}

	procOpts := logprocessor.Options{
		MinBroadcastPeriodNs:     uint64(cfg.Engine.MinBroadcastPeriod),
		MaxMetricsBytesPerConfig: cfg.Engine.MaxMetricsBytesPerConfig,
		BytesPerMatchedEvent:     logprocessor.DefaultOptions().BytesPerMatchedEvent,
	}
	proc := logprocessor.New(procOpts, guard, uidMap, pm, metrics, log, monitor, broadcast)

	manager := configmanager.NewManager(proc, guard, monitor, uint64(cfg.Engine.DefaultBucketDuration), nowFn, store)

	// Rehydrate persisted state before any new event is accepted (spec §6).
	if err := manager.LoadIcebox(); err != nil {
		log.Warn("icebox rehydration failed", zap.Error(err))
	}
	checkpoints, err := store.Rehydrate()
	if err != nil {
		log.Warn("checkpoint rehydration failed", zap.Error(err))
	} else {
		log.Info("checkpoints rehydrated", zap.Int("count", len(checkpoints)))
		// Rehydrated configs are reinstalled by their owning caller via
		// config_update once the command surface is up; this engine does
		// not persist the ConfigSpec itself (only the runtime bucket
		// state), matching spec §6's "persisted state" scope (config
		// definitions are the caller's responsibility to resupply).
	}

	if cfg.Operator.Enabled {
		srv := cmdserver.NewServer(cfg.Operator.SocketPath, log, manager, proc, guard, monitor, uidMap, pm, store, nowFn)
		go func() {
			if err := srv.ListenAndServe(ctx); err != nil {
				log.Error("command surface server error", zap.Error(err))
			}
		}()
		log.Info("command surface listening", zap.String("socket", cfg.Operator.SocketPath))
	} else {
		log.Info("command surface disabled")
	}

	// No receiver is registered against this tick: every pulled Value
	// metric in this engine refreshes on demand at dump-report time via
	// its own cooldown cache (Processor.DumpReport -> PullerManager.Pull),
	// so the periodic alarm here only exists to keep the cooldown cache
	// from going stale indefinitely between dumps.
	pm.StartPeriodicAlarm(cfg.Engine.PullerAlarmInterval, func(nowNs uint64) {})
	go pumpAlarmsLoop(ctx, proc, nowFn)
	log.Info("puller periodic alarm and duration-alarm pump started")

	go reloadOnSighup(ctx, *configPath, guard, log)

	ingressDone := make(chan struct{})
	go func() {
		defer close(ingressDone)
		reader := ingress.NewReader(proc, log)
		if err := reader.Run(os.Stdin); err != nil {
			log.Error("ingress reader error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case <-ingressDone:
		log.Info("event ingress stream ended")
	}

	cancel()
	pm.Close()
	log.Info("statsdengine shutdown complete")
}

// pumpAlarmsLoop drives Processor.PumpAlarms on a fixed tick, independent
// of PullerManager's own periodic alarm (spec §9's "a second thread drives
// periodic and anomaly alarm callbacks").
func pumpAlarmsLoop(ctx context.Context, proc *logprocessor.Processor, nowFn func() uint64) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			proc.PumpAlarms(nowFn())
		}
	}
}

// reloadOnSighup re-reads config.yaml on SIGHUP and applies the guardrail
// caps it finds, leaving every other already-constructed component alone.
// Matcher/predicate/metric definitions are never reloaded this way; those
// only ever come in through a fresh config_update on the command surface.
func reloadOnSighup(ctx context.Context, configPath string, guard *guardrail.Registry, log *zap.Logger) {
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sighup:
			log.Info("SIGHUP received, reloading config")
			newCfg, err := config.Load(configPath)
			if err != nil {
				log.Error("config reload failed, retaining prior limits", zap.Error(err))
				continue
			}
			guard.SetLimits(guardrail.Limits{
				MaxActiveConfigs:         newCfg.Guardrail.MaxActiveConfigs,
				MaxAlertsPerConfig:       newCfg.Guardrail.MaxAlertsPerConfig,
				MaxConditionsPerConfig:   newCfg.Guardrail.MaxConditionsPerConfig,
				MaxMetricsPerConfig:      newCfg.Guardrail.MaxMetricsPerConfig,
				MaxMatchersPerConfig:     newCfg.Guardrail.MaxMatchersPerConfig,
				SoftMetricsBytes:         newCfg.Guardrail.SoftMetricsBytes,
				HardMetricsBytes:         newCfg.Guardrail.HardMetricsBytes,
				SoftDimensionCardinality: newCfg.Guardrail.SoftDimensionCardinality,
				HardDimensionCardinality: newCfg.Guardrail.HardDimensionCardinality,
				MaxUidMapBytes:           newCfg.Guardrail.MaxUidMapBytes,
				IceboxCapacity:           newCfg.Guardrail.IceboxCapacity,
			})
			log.Info("guardrail limits reloaded")
		}
	}
}

// sampleGuardrailMetrics periodically copies guardrail.Registry counters
// into their Prometheus series (guardrail.Metrics.Sample is a plain value
// snapshot, not a live callback).
func sampleGuardrailMetrics(ctx context.Context, m *guardrail.Metrics, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// monotonicWallNs returns the current wall-clock time in unix nanoseconds,
// the nowFn every clock-injected component in this process shares.
func monotonicWallNs() uint64 {
	return uint64(time.Now().UnixNano())
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
