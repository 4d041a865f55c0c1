// Package logprocessor implements LogProcessor: the ingest dispatch loop
// driving every active configuration's matchers, predicates, metric
// producers, and anomaly trackers for each incoming event, plus the
// dump-report and "fetch your data" broadcast checks (spec §4.8).
//
// Grounded on original_source/cmds/statsd/src/StatsLogProcessor.cpp's
// per-event step ordering (OnLogEvent walks every active config's matcher
// vector, feeds predicates, then drives metrics) and
// original_source/cmds/statsd/src/StatsService.cpp's OnLogEvent/getData
// thin-dispatch shape, adapted to an explicit Processor value instead of a
// singleton service object.
package logprocessor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/statsdengine/statsdengine/internal/alarm"
	"github.com/statsdengine/statsdengine/internal/anomaly"
	"github.com/statsdengine/statsdengine/internal/dimension"
	"github.com/statsdengine/statsdengine/internal/engerr"
	"github.com/statsdengine/statsdengine/internal/event"
	"github.com/statsdengine/statsdengine/internal/guardrail"
	"github.com/statsdengine/statsdengine/internal/matcher"
	"github.com/statsdengine/statsdengine/internal/metric"
	"github.com/statsdengine/statsdengine/internal/observability"
	"github.com/statsdengine/statsdengine/internal/predicate"
	"github.com/statsdengine/statsdengine/internal/puller"
	"github.com/statsdengine/statsdengine/internal/uidmap"
)

// ConfigKey identifies one active configuration by owner uid and config id
// (spec §3's "owner, config_id" pair).
type ConfigKey struct {
	Owner    int64
	ConfigID int64
}

// MetricHandle is satisfied by the Count, Value, Gauge, and EventList
// producers: every variant but Duration, which is instead driven by
// explicit NoteStart/NoteStop calls since it reacts to two distinct
// matchers rather than one (spec §4.4.3).
type MetricHandle interface {
	OnMatchedLogEvent(matcherIdx int, e *event.Event) error
	SetCachedCondition(s predicate.State)
}

// BoundMetric binds one configured metric producer to the matcher/predicate
// handles of its owning config.
type BoundMetric struct {
	ID   int64
	Kind metric.Kind

	// Handle is set for Count/Value/Gauge/EventList producers.
	Handle MetricHandle
	// Duration is set instead when Kind == metric.KindDuration.
	Duration *metric.Duration

	// MatcherIdx is the "what" matcher index this metric listens on
	// (Count/Value-pushed/Gauge/EventList). -1 for pulled Value metrics
	// and for Duration metrics, which use Start/StopMatcherIdx instead.
	MatcherIdx int
	// StartMatcherIdx/StopMatcherIdx/StopAllMatcherIdx apply to Duration
	// metrics only; StopAllMatcherIdx is predicate.NoMatcher if unset.
	StartMatcherIdx   int
	StopMatcherIdx    int
	StopAllMatcherIdx int64

	ConditionSliced bool
	ConditionIdx    int

	// PullAtomID is set for pulled Value metrics; periodic dump calls
	// PullerManager.Pull(PullAtomID) before Value.PullAndClose.
	Pulled     bool
	PullAtomID uint32

	// Anomaly is the bucket-close sliding-window detector attached by an
	// AlertSpec, if any (spec §4.5). Populated for Count metrics, which
	// also wire it inline via metric.Base.Anomalies for the "every matched
	// increment" detection path; Duration metrics use AnomalyDuration.
	Anomaly *anomaly.Tracker
	// AnomalyDuration is set instead of Anomaly when the attached alert
	// belongs to a Duration metric, adding live alarm-scheduling on top of
	// bucket-close detection (SPEC_FULL.md §12.2).
	AnomalyDuration *anomaly.DurationTracker
}

// Config is one installed configuration's compiled arena: its matcher
// vector, predicate trackers, condition wizard, and bound metrics (spec
// §4.2's "installing a config compiles it into arenas of matchers,
// trackers, and producers").
type Config struct {
	Key ConfigKey

	Matchers       []*matcher.Matcher
	SimpleTrackers []*predicate.SimpleTracker
	Wizard         *predicate.Wizard
	Metrics        []*BoundMetric

	mu              sync.Mutex
	byteEstimate    int64
	lastBroadcastNs uint64
}

// BroadcastFunc notifies a config's receiver that fresh data is available
// to fetch (spec §4.8 step 5, SPEC_FULL.md §13's send-broadcast verb).
type BroadcastFunc func(key ConfigKey)

// Options configures a Processor's engine-wide thresholds (SPEC_FULL.md
// §10.2's engine config fields).
type Options struct {
	MinBroadcastPeriodNs       uint64
	MaxMetricsBytesPerConfig   int64
	// BytesPerMatchedEvent approximates the serialized-size growth one
	// matched event contributes to a config's dump, avoiding a full
	// wire-encode on every event just to check the broadcast threshold.
	BytesPerMatchedEvent int64
}

// DefaultOptions mirrors config.Defaults()'s engine section.
func DefaultOptions() Options {
	return Options{
		MinBroadcastPeriodNs:     uint64(10 * time.Minute),
		MaxMetricsBytesPerConfig: 256 * 1024,
		BytesPerMatchedEvent:     48,
	}
}

// Processor is the LogProcessor.
type Processor struct {
	opts    Options
	guard   *guardrail.Registry
	uidMap  *uidmap.Map
	puller  *puller.Manager
	obs     *observability.Metrics
	log     *zap.Logger
	monitor *alarm.Monitor

	broadcast BroadcastFunc

	mu                  sync.RWMutex
	configs             map[ConfigKey]*Config
	durationByTrackerID map[int64]*BoundMetric
}

// New constructs a Processor. monitor may be nil if no configuration will
// ever attach a Duration-metric alert.
func New(opts Options, guard *guardrail.Registry, uidMap *uidmap.Map, pm *puller.Manager, obs *observability.Metrics, log *zap.Logger, monitor *alarm.Monitor, broadcast BroadcastFunc) *Processor {
	return &Processor{
		opts: opts, guard: guard, uidMap: uidMap, puller: pm, obs: obs, log: log, monitor: monitor,
		broadcast: broadcast, configs: make(map[ConfigKey]*Config),
		durationByTrackerID: make(map[int64]*BoundMetric),
	}
}

// Install registers a compiled config, replacing any prior config at the
// same key (spec §4.8, driven by ConfigManager).
func (p *Processor) Install(cfg *Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs[cfg.Key] = cfg
	for _, bm := range cfg.Metrics {
		if bm.AnomalyDuration != nil {
			p.durationByTrackerID[bm.AnomalyDuration.TrackerID] = bm
		}
	}
}

// Remove drops a config, releasing its dimension-cardinality accounting
// and cancelling any outstanding duration-alarm registrations.
func (p *Processor) Remove(key ConfigKey) {
	p.mu.Lock()
	cfg, ok := p.configs[key]
	delete(p.configs, key)
	if ok {
		for _, bm := range cfg.Metrics {
			if bm.AnomalyDuration != nil {
				bm.AnomalyDuration.StopAllAlarms()
				delete(p.durationByTrackerID, bm.AnomalyDuration.TrackerID)
			}
		}
	}
	p.mu.Unlock()
	if !ok || p.guard == nil {
		return
	}
	for _, bm := range cfg.Metrics {
		p.guard.ReleaseDimension(bm.ID, p.guard.DimensionCount(bm.ID))
	}
}

// PumpAlarms pops every duration-alarm entry due at or before nowNs and
// routes each to its owning DurationTracker, which declares an anomaly for
// the intersection it still recognizes as outstanding (spec §4.5,
// SPEC_FULL.md §12.2). Intended to be driven by a periodic tick alongside
// PullerManager's own alarm (they are independent clocks).
func (p *Processor) PumpAlarms(nowNs uint64) {
	if p.monitor == nil {
		return
	}
	nowSec := uint32(nowNs / 1_000_000_000)
	fired := p.monitor.PopSoonerThan(nowSec)
	if len(fired) == 0 {
		return
	}

	byTracker := make(map[int64][]*alarm.Entry)
	for _, e := range fired {
		byTracker[e.TrackerID] = append(byTracker[e.TrackerID], e)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for trackerID, entries := range byTracker {
		bm, ok := p.durationByTrackerID[trackerID]
		if !ok || bm.AnomalyDuration == nil || bm.Duration == nil {
			continue
		}
		bm.AnomalyDuration.InformAlarmsFired(entries, nowNs, bm.Duration.CurrentBucketNum(), func(key dimension.Key) float64 {
			return bm.Duration.Peek(key, nowNs)
		})
	}
}

// ConfigCount returns the number of currently installed configs, for
// ConfigManager's MaxActiveConfigs check (spec §4.9).
func (p *Processor) ConfigCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.configs)
}

// Get returns the installed config at key, if any (dump-report, tests).
func (p *Processor) Get(key ConfigKey) (*Config, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cfg, ok := p.configs[key]
	return cfg, ok
}

// Keys returns every currently installed config key, for command-surface
// verbs that enumerate all active configs ("config remove" with no
// arguments, "write-to-disk").
func (p *Processor) Keys() []ConfigKey {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ConfigKey, 0, len(p.configs))
	for k := range p.configs {
		out = append(out, k)
	}
	return out
}

// ForceBroadcast invokes the broadcast callback for key immediately,
// bypassing the byte-threshold/debounce check maybeBroadcast applies on
// the matched-event path (SPEC_FULL.md §13's send-broadcast verb).
func (p *Processor) ForceBroadcast(key ConfigKey) bool {
	if _, ok := p.Get(key); !ok || p.broadcast == nil {
		return false
	}
	p.broadcast(key)
	if p.obs != nil {
		p.obs.BroadcastsSentTotal.Inc()
	}
	return true
}

// OnLogEvent is the ingress entry point: every incoming Event is dispatched
// to every active config in turn (spec §4.8).
func (p *Processor) OnLogEvent(e *event.Event) error {
	p.maybeUpdateUidMap(e)

	p.mu.RLock()
	active := make([]*Config, 0, len(p.configs))
	for _, c := range p.configs {
		active = append(active, c)
	}
	p.mu.RUnlock()

	if p.obs != nil {
		p.obs.EventsIngestedTotal.WithLabelValues(atomLabel(e.AtomID)).Inc()
	}

	for _, cfg := range active {
		p.dispatch(cfg, e)
	}
	return nil
}

// dispatch implements spec §4.8 steps 2-5 for one config.
func (p *Processor) dispatch(cfg *Config, e *event.Event) {
	fired := make([]bool, len(cfg.Matchers))
	anyFired := false
	for i, m := range cfg.Matchers {
		if m.Matches(e) {
			fired[i] = true
			anyFired = true
		}
	}
	if !anyFired {
		return
	}

	for _, st := range cfg.SimpleTrackers {
		if inRange(fired, st.StartMatcherID) && fired[st.StartMatcherID] {
			st.OnStart(e)
		}
		if inRange(fired, st.StopMatcherID) && fired[st.StopMatcherID] {
			st.OnStop(e)
		}
		if st.StopAllMatcherID != predicate.NoMatcher && inRange(fired, st.StopAllMatcherID) && fired[st.StopAllMatcherID] {
			st.OnStopAll()
		}
	}

	matched := false
	for _, bm := range cfg.Metrics {
		if !bm.ConditionSliced && cfg.Wizard != nil {
			state, _ := cfg.Wizard.Query(bm.ConditionIdx, dimension.KeyFromValues(nil))
			if bm.Handle != nil {
				bm.Handle.SetCachedCondition(state)
			} else if bm.Duration != nil {
				bm.Duration.SetCachedCondition(state)
			}
		}

		switch bm.Kind {
		case metric.KindDuration:
			if bm.Duration == nil {
				continue
			}
			if inRange(fired, int64(bm.StartMatcherIdx)) && fired[bm.StartMatcherIdx] {
				bm.Duration.NoteStart(durationSubKey(e), e)
				matched = true
			}
			if inRange(fired, int64(bm.StopMatcherIdx)) && fired[bm.StopMatcherIdx] {
				bm.Duration.NoteStop(durationSubKey(e), e)
				matched = true
			}
			if bm.StopAllMatcherIdx != predicate.NoMatcher && inRange(fired, bm.StopAllMatcherIdx) && fired[bm.StopAllMatcherIdx] {
				bm.Duration.NoteStopAll(e)
				matched = true
			}
		default:
			if bm.Handle == nil || bm.Pulled || bm.MatcherIdx < 0 {
				continue
			}
			if inRange(fired, int64(bm.MatcherIdx)) && fired[bm.MatcherIdx] {
				if err := bm.Handle.OnMatchedLogEvent(bm.MatcherIdx, e); err != nil && p.log != nil {
					p.log.Warn("metric OnMatchedLogEvent failed", zap.Int64("metric_id", bm.ID), zap.Error(err))
				}
				matched = true
			}
		}
	}

	if matched {
		p.maybeBroadcast(cfg)
	}
}

// durationSubKey derives the sub-identity OringTracker/MaxTracker nest on
// (spec §4.4.3's "any of" semantics need to distinguish concurrent
// overlapping start/stop pairs, e.g. multiple uids holding one wakelock).
// Source-defined per spec §9; this engine uses the event's attribution
// chain string when present, else a fixed key.
func durationSubKey(e *event.Event) string {
	chain := e.AttributionChain(1)
	if len(chain) == 0 {
		return "_"
	}
	s := ""
	for _, v := range chain {
		s += v.Str + ","
	}
	return s
}

func inRange(fired []bool, idx int64) bool {
	return idx >= 0 && int(idx) < len(fired)
}

// maybeBroadcast implements spec §4.8 step 5: after a matched event, if the
// config's estimated dump size exceeds half the configured maximum and the
// last broadcast was long enough ago, notify the config's receiver.
func (p *Processor) maybeBroadcast(cfg *Config) {
	cfg.mu.Lock()
	cfg.byteEstimate += p.opts.BytesPerMatchedEvent
	estimate := cfg.byteEstimate
	over := estimate > p.opts.MaxMetricsBytesPerConfig/2
	cfg.mu.Unlock()

	if p.guard != nil {
		p.guard.ReportConfigBytes(configKeyString(cfg.Key), estimate)
	}
	if !over || p.broadcast == nil {
		return
	}

	nowNs := monotonicNowNs()
	cfg.mu.Lock()
	due := nowNs-cfg.lastBroadcastNs > p.opts.MinBroadcastPeriodNs
	if due {
		cfg.lastBroadcastNs = nowNs
	}
	cfg.mu.Unlock()

	if due {
		p.broadcast(cfg.Key)
		if p.obs != nil {
			p.obs.BroadcastsSentTotal.Inc()
		}
	}
}

// DumpReport flushes every metric in cfg and returns its buckets keyed by
// metric id, resetting cfg's broadcast byte estimate (spec §4.8 dump_report,
// SPEC_FULL.md §13's dump-report verb).
func (p *Processor) DumpReport(ctx context.Context, key ConfigKey, nowNs uint64) (map[int64]map[string][]metric.Bucket, error) {
	cfg, ok := p.Get(key)
	if !ok {
		return nil, engerr.New(engerr.KindConfigInvalid, "no such config")
	}

	out := make(map[int64]map[string][]metric.Bucket, len(cfg.Metrics))
	for _, bm := range cfg.Metrics {
		switch bm.Kind {
		case metric.KindCount:
			c := bm.Handle.(*metric.Count)
			buckets := c.DumpReport(nowNs)
			out[bm.ID] = buckets
			if bm.Anomaly != nil {
				for k, bs := range buckets {
					dimKey := dimension.KeyFromHash(k)
					for _, b := range bs {
						bm.Anomaly.AddPastBucket(dimKey, b.Window.BucketNum, float64(b.Count))
					}
				}
			}
		case metric.KindDuration:
			flat := make(map[string][]metric.Bucket)
			for k, bs := range bm.Duration.CloseBoundary(nowNs) {
				flat[k] = append(flat[k], bs...)
				if bm.AnomalyDuration != nil {
					dimKey := dimension.KeyFromHash(k)
					for _, b := range bs {
						bm.AnomalyDuration.AddPastBucket(dimKey, b.Window.BucketNum, float64(b.Duration.TotalNs))
						bm.AnomalyDuration.DetectAndDeclare(nowNs, b.Window.BucketNum, dimKey, 0)
					}
				}
			}
			out[bm.ID] = flat
		case metric.KindValue:
			v := bm.Handle.(*metric.Value)
			flat := make(map[string][]metric.Bucket)
			if bm.Pulled && p.puller != nil {
				events, err := p.puller.Pull(ctx, bm.PullAtomID)
				if err != nil {
					if p.log != nil {
						p.log.Warn("pull failed, metric omitted from report", zap.Uint32("atom_id", bm.PullAtomID), zap.Error(err))
					}
					continue
				}
				window := metric.BucketWindow{StartNs: nowNs, EndNs: nowNs}
				for k, b := range v.PullAndClose(nowNs, window, events) {
					flat[k] = append(flat[k], b)
				}
			} else {
				for k, bs := range v.DumpReport(nowNs) {
					flat[k] = append(flat[k], bs...)
				}
			}
			out[bm.ID] = flat
		case metric.KindGauge:
			g := bm.Handle.(*metric.Gauge)
			flat := make(map[string][]metric.Bucket)
			for k, bs := range g.DumpReport(nowNs) {
				flat[k] = append(flat[k], bs...)
			}
			out[bm.ID] = flat
		case metric.KindEventList:
			l := bm.Handle.(*metric.EventList)
			flat := make(map[string][]metric.Bucket)
			for k, bs := range l.DumpReport(nowNs) {
				flat[k] = append(flat[k], bs...)
			}
			out[bm.ID] = flat
		}
	}

	cfg.mu.Lock()
	cfg.byteEstimate = 0
	cfg.mu.Unlock()

	if p.obs != nil {
		p.obs.DumpReportsTotal.WithLabelValues(ownerLabel(key.Owner), configIDLabel(key.ConfigID)).Inc()
	}
	return out, nil
}

func monotonicNowNs() uint64 {
	return uint64(time.Now().UnixNano())
}

func configKeyString(k ConfigKey) string {
	return ownerLabel(k.Owner) + ":" + configIDLabel(k.ConfigID)
}
