// compile.go — compiles one ConfigSpec into a logprocessor.Config arena:
// matcher tree, predicate trackers, condition wizard, and bound metric
// producers, enforcing the guardrail caps spec §4.9 names at install time.
//
// Grounded on original_source/cmds/statsd/src/StatsService.cpp's
// addConfiguration (validate, compile, install-or-reject) and
// metrics_manager/MetricsManager.cpp's arena-construction-from-proto shape,
// adapted from a single monolithic proto walk to this package's own
// ConfigSpec schema (see spec.go's doc comment on why no real
// StatsdConfig.proto decode is possible here).
package configmanager

import (
	"fmt"

	"github.com/statsdengine/statsdengine/internal/alarm"
	"github.com/statsdengine/statsdengine/internal/anomaly"
	"github.com/statsdengine/statsdengine/internal/dimension"
	"github.com/statsdengine/statsdengine/internal/engerr"
	"github.com/statsdengine/statsdengine/internal/event"
	"github.com/statsdengine/statsdengine/internal/guardrail"
	"github.com/statsdengine/statsdengine/internal/logprocessor"
	"github.com/statsdengine/statsdengine/internal/matcher"
	"github.com/statsdengine/statsdengine/internal/metric"
	"github.com/statsdengine/statsdengine/internal/predicate"
)

// constTracker is an always-true predicate.Tracker. It occupies slot 0 of
// every compiled config's Wizard arena, giving unconditioned metrics a
// valid ConditionIdx without special-casing logprocessor.dispatch's
// unconditional Wizard.Query for every non-sliced BoundMetric.
type constTracker struct{}

func (constTracker) Query(dimension.Key) predicate.State { return predicate.StateTrue }

// nextTrackerID hands out process-wide unique DurationTracker ids, since
// alarm.Entry.TrackerID must be unique across every config sharing one
// alarm.Monitor, not just within one config.
var nextTrackerID = newIDSource()

type compiler struct {
	spec      ConfigSpec
	guard     *guardrail.Registry
	monitor   *alarm.Monitor
	startNs   uint64
	bucketNs  uint64
	configKey string

	matcherByID map[int64]MatcherSpec
	matcherObj  map[int64]*matcher.Matcher
	matcherIdx  map[int64]int
	matchers    []*matcher.Matcher
	building    map[int64]bool

	predByID   map[int64]PredicateSpec
	trackerIdx map[int64]int
	trackers   []predicate.Tracker
	simple     []*predicate.SimpleTracker
	predBuild  map[int64]bool

	alertCount int
}

// Compile builds a logprocessor.Config from spec, ready for
// logprocessor.Processor.Install. Guardrail hard caps truncate rather than
// reject: excess matchers/predicates/metrics/alerts are dropped and
// counted (spec §4.9), while a structural error (unknown id reference,
// cycle, unsupported kind) rejects the whole config with
// engerr.KindConfigInvalid, leaving any prior installed config untouched.
func Compile(spec ConfigSpec, guard *guardrail.Registry, monitor *alarm.Monitor, wallStartNs, bucketSizeNs uint64) (*logprocessor.Config, error) {
	c := &compiler{
		spec:        spec,
		guard:       guard,
		monitor:     monitor,
		startNs:     wallStartNs,
		bucketNs:    bucketSizeNs,
		configKey:   fmt.Sprintf("%d:%d", spec.Owner, spec.ConfigID),
		matcherByID: make(map[int64]MatcherSpec),
		matcherObj:  make(map[int64]*matcher.Matcher),
		matcherIdx:  make(map[int64]int),
		building:    make(map[int64]bool),
		predByID:    make(map[int64]PredicateSpec),
		trackerIdx:  make(map[int64]int),
		predBuild:   make(map[int64]bool),
	}

	limits := limitsOrDefault(guard)

	matcherSpecs := spec.Matchers
	if len(matcherSpecs) > limits.MaxMatchersPerConfig {
		for range matcherSpecs[limits.MaxMatchersPerConfig:] {
			c.dropMatcher()
		}
		matcherSpecs = matcherSpecs[:limits.MaxMatchersPerConfig]
	}
	for _, ms := range matcherSpecs {
		c.matcherByID[ms.ID] = ms
	}

	predSpecs := spec.Predicates
	if len(predSpecs) > limits.MaxConditionsPerConfig {
		for range predSpecs[limits.MaxConditionsPerConfig:] {
			c.dropCondition()
		}
		predSpecs = predSpecs[:limits.MaxConditionsPerConfig]
	}
	for _, ps := range predSpecs {
		c.predByID[ps.ID] = ps
	}

	// Slot 0 is always the const-true tracker (see constTracker's doc).
	c.trackers = append(c.trackers, constTracker{})

	for _, ps := range predSpecs {
		if _, err := c.resolveTracker(ps.ID); err != nil {
			return nil, err
		}
	}

	metricSpecs := spec.Metrics
	if len(metricSpecs) > limits.MaxMetricsPerConfig {
		for range metricSpecs[limits.MaxMetricsPerConfig:] {
			c.dropMetric()
		}
		metricSpecs = metricSpecs[:limits.MaxMetricsPerConfig]
	}

	wizard := predicate.NewWizard(c.trackers)

	bound := make([]*logprocessor.BoundMetric, 0, len(metricSpecs))
	for _, ms := range metricSpecs {
		bm, err := c.compileMetric(ms, wizard, limits)
		if err != nil {
			return nil, err
		}
		if bm != nil {
			bound = append(bound, bm)
		}
	}

	return &logprocessor.Config{
		Key:            logprocessor.ConfigKey{Owner: spec.Owner, ConfigID: spec.ConfigID},
		Matchers:       c.matchers,
		SimpleTrackers: c.simple,
		Wizard:         wizard,
		Metrics:        bound,
	}, nil
}

func (c *compiler) dropMatcher()   { if c.guard != nil { c.guard.DropMatcher() } }
func (c *compiler) dropCondition() { if c.guard != nil { c.guard.DropCondition() } }
func (c *compiler) dropMetric()    { if c.guard != nil { c.guard.DropMetric() } }
func (c *compiler) dropAlert()     { if c.guard != nil { c.guard.DropAlert() } }

func limitsOrDefault(guard *guardrail.Registry) guardrail.Limits {
	if guard == nil {
		return guardrail.DefaultLimits()
	}
	return guard.Limits()
}

// resolveMatcher builds (or returns the cached) *matcher.Matcher for id,
// appending it to c.matchers on first build and recording its stable
// dispatch index. Cycles and unknown ids reject with KindConfigInvalid.
func (c *compiler) resolveMatcher(id int64) (int, error) {
	if idx, ok := c.matcherIdx[id]; ok {
		return idx, nil
	}
	if c.building[id] {
		return 0, engerr.New(engerr.KindConfigInvalid, fmt.Sprintf("matcher %d: cycle detected", id))
	}
	ms, ok := c.matcherByID[id]
	if !ok {
		return 0, engerr.New(engerr.KindConfigInvalid, fmt.Sprintf("matcher %d: unknown id", id))
	}
	c.building[id] = true
	defer delete(c.building, id)

	var m *matcher.Matcher
	if ms.CombinationOp == "" {
		constraints := make([]matcher.FieldConstraint, 0, len(ms.Constraints))
		for _, fc := range ms.Constraints {
			constraints = append(constraints, matcher.FieldConstraint{
				Path:        event.FieldPath{Field: fc.Field, Position: fc.Position},
				Op:          matcherFieldOp(fc.Op),
				IntLit:      fc.IntLit,
				FloatLit:    fc.FloatLit,
				StrLit:      fc.StrLit,
				BoolLit:     fc.BoolLit,
				Attribution: fc.Attribution,
				Pos:         matcherPosition(fc.Pos),
			})
		}
		m = matcher.NewSimple(ms.ID, ms.AtomID, constraints)
	} else {
		children := make([]*matcher.Matcher, 0, len(ms.Children))
		for _, childID := range ms.Children {
			if _, err := c.resolveMatcher(childID); err != nil {
				return 0, err
			}
			children = append(children, c.matcherObj[childID])
		}
		var err error
		m, err = matcher.NewCombination(ms.ID, matcherOp(ms.CombinationOp), children)
		if err != nil {
			return 0, engerr.Wrap(engerr.KindConfigInvalid, "combination matcher", err)
		}
	}

	idx := len(c.matchers)
	c.matchers = append(c.matchers, m)
	c.matcherObj[id] = m
	c.matcherIdx[id] = idx
	return idx, nil
}

// resolveTracker mirrors resolveMatcher for predicate trackers, appending
// to the Wizard's flat arena (trackerIdx doubles as each tracker's stable
// handle).
func (c *compiler) resolveTracker(id int64) (int, error) {
	if idx, ok := c.trackerIdx[id]; ok {
		return idx, nil
	}
	if c.predBuild[id] {
		return 0, engerr.New(engerr.KindConfigInvalid, fmt.Sprintf("predicate %d: cycle detected", id))
	}
	ps, ok := c.predByID[id]
	if !ok {
		return 0, engerr.New(engerr.KindConfigInvalid, fmt.Sprintf("predicate %d: unknown id", id))
	}
	c.predBuild[id] = true
	defer delete(c.predBuild, id)

	var t predicate.Tracker
	if ps.Op == "" {
		startIdx, err := c.resolveMatcher(ps.StartMatcherID)
		if err != nil {
			return 0, err
		}
		stopIdx, err := c.resolveMatcher(ps.StopMatcherID)
		if err != nil {
			return 0, err
		}
		stopAllIdx := predicate.NoMatcher
		if ps.HasStopAll {
			idx, err := c.resolveMatcher(ps.StopAllMatcherID)
			if err != nil {
				return 0, err
			}
			stopAllIdx = int64(idx)
		}
		initial := predicate.StateFalse
		if ps.InitialTrue {
			initial = predicate.StateTrue
		}
		st := predicate.NewSimpleTracker(ps.ID, int64(startIdx), int64(stopIdx), stopAllIdx,
			toDimSpec(ps.DimSpec), initial, ps.CountNesting)
		c.simple = append(c.simple, st)
		t = st
	} else {
		children := make([]predicate.Tracker, 0, len(ps.Children))
		for _, childID := range ps.Children {
			if _, err := c.resolveTracker(childID); err != nil {
				return 0, err
			}
			children = append(children, c.trackers[c.trackerIdx[childID]])
		}
		t = &predicate.CombinationTracker{ID: ps.ID, Op: predicateOp(ps.Op), Children: children}
	}

	idx := len(c.trackers)
	c.trackers = append(c.trackers, t)
	c.trackerIdx[id] = idx
	return idx, nil
}

func toDimSpec(d DimensionSpec) dimension.Spec {
	paths := make([]event.FieldPath, 0, len(d.Paths))
	for _, p := range d.Paths {
		paths = append(paths, event.FieldPath{Field: p.Field, Position: p.Position})
	}
	return dimension.Spec{Paths: paths}
}

func toLinks(ls []LinkSpec) []metric.Link {
	out := make([]metric.Link, 0, len(ls))
	for _, l := range ls {
		out = append(out, metric.Link{
			ConditionField: event.FieldPath{Field: l.ConditionField.Field, Position: l.ConditionField.Position},
			SourceField:    event.FieldPath{Field: l.SourceField.Field, Position: l.SourceField.Position},
		})
	}
	return out
}

func predicateOp(s string) predicate.CombOp {
	switch s {
	case "or":
		return predicate.CombOr
	case "not":
		return predicate.CombNot
	case "nand":
		return predicate.CombNand
	case "nor":
		return predicate.CombNor
	default:
		return predicate.CombAnd
	}
}

// compileMetric builds one BoundMetric, resolving its condition (slot 0 if
// unattached), its matcher references, and any attached AlertSpec.
func (c *compiler) compileMetric(ms MetricSpec, wizard *predicate.Wizard, limits guardrail.Limits) (*logprocessor.BoundMetric, error) {
	conditionIdx := 0
	conditionSliced := false
	if ms.ConditionID != 0 {
		idx, err := c.resolveTracker(ms.ConditionID)
		if err != nil {
			return nil, err
		}
		conditionIdx = idx
		conditionSliced = ms.ConditionSliced
	}

	base := metric.InitBase(ms.ID, c.configKey, c.startNs, c.bucketNs, conditionSliced, conditionIdx,
		toLinks(ms.Links), toDimSpec(ms.DimInWhat), toDimSpec(ms.DimInCondition), wizard, c.guard)

	bm := &logprocessor.BoundMetric{ID: ms.ID, ConditionSliced: conditionSliced, ConditionIdx: conditionIdx}

	switch ms.Kind {
	case "count":
		bm.Kind = metric.KindCount
		cnt := metric.NewCount(base)
		if tr, ok := c.attachAlert(ms, limits); ok {
			cnt.Anomalies = append(cnt.Anomalies, tr)
			bm.Anomaly = tr
		}
		bm.Handle = cnt
		idx, err := c.resolveMatcher(ms.MatcherID)
		if err != nil {
			return nil, err
		}
		bm.MatcherIdx = idx

	case "value":
		bm.Kind = metric.KindValue
		v := metric.NewValue(base, ms.PullAtomID, event.FieldPath{Field: ms.ValueField.Field, Position: ms.ValueField.Position}, ms.Pulled)
		bm.Handle = v
		bm.Pulled = ms.Pulled
		bm.PullAtomID = ms.PullAtomID
		if !ms.Pulled {
			idx, err := c.resolveMatcher(ms.MatcherID)
			if err != nil {
				return nil, err
			}
			bm.MatcherIdx = idx
		} else {
			bm.MatcherIdx = -1
		}

	case "gauge":
		bm.Kind = metric.KindGauge
		policy := metric.SampleFirstN
		if ms.SampleRandom {
			policy = metric.SampleRandomOne
		}
		fields := make([]event.FieldPath, 0, len(ms.GaugeFields))
		for _, f := range ms.GaugeFields {
			fields = append(fields, event.FieldPath{Field: f.Field, Position: f.Position})
		}
		bm.Handle = metric.NewGauge(base, fields, policy, ms.SampleFirstN)
		idx, err := c.resolveMatcher(ms.MatcherID)
		if err != nil {
			return nil, err
		}
		bm.MatcherIdx = idx

	case "event_list":
		bm.Kind = metric.KindEventList
		bm.Handle = metric.NewEventList(base)
		idx, err := c.resolveMatcher(ms.MatcherID)
		if err != nil {
			return nil, err
		}
		bm.MatcherIdx = idx

	case "duration":
		bm.Kind = metric.KindDuration
		var factory func() metric.DurationTracker
		if ms.DurationAnyOf {
			factory = metric.NewOringTracker(ms.DurationNesting)
		} else {
			factory = metric.NewMaxTracker()
		}
		d := metric.NewDuration(base, factory, ms.ConditionGated)

		startIdx, err := c.resolveMatcher(ms.StartMatcherID)
		if err != nil {
			return nil, err
		}
		stopIdx, err := c.resolveMatcher(ms.StopMatcherID)
		if err != nil {
			return nil, err
		}
		bm.StartMatcherIdx = startIdx
		bm.StopMatcherIdx = stopIdx
		bm.StopAllMatcherIdx = predicate.NoMatcher
		if ms.HasStopAll {
			idx, err := c.resolveMatcher(ms.StopAllMatcherID)
			if err != nil {
				return nil, err
			}
			bm.StopAllMatcherIdx = int64(idx)
		}
		bm.MatcherIdx = -1

		if ms.Alert != nil && c.monitor != nil {
			if c.alertCount >= limits.MaxAlertsPerConfig {
				c.dropAlert()
			} else {
				c.alertCount++
				dt := anomaly.NewDurationTracker(toAnomalyConfig(ms.Alert, ms.ID), nextTrackerID(), c.monitor)
				d.OnOpen = func(key dimension.Key, startNs uint64) { dt.ScheduleAlarm(key, startNs) }
				d.OnClose = func(key dimension.Key) { dt.StopAlarm(key) }
				bm.AnomalyDuration = dt
			}
		}
		bm.Duration = d

	default:
		return nil, engerr.New(engerr.KindConfigInvalid, fmt.Sprintf("metric %d: unknown kind %q", ms.ID, ms.Kind))
	}

	return bm, nil
}

// attachAlert builds an anomaly.Tracker for a non-duration metric's
// AlertSpec, enforcing the per-config alert cap.
func (c *compiler) attachAlert(ms MetricSpec, limits guardrail.Limits) (*anomaly.Tracker, bool) {
	if ms.Alert == nil {
		return nil, false
	}
	if c.alertCount >= limits.MaxAlertsPerConfig {
		c.dropAlert()
		return nil, false
	}
	c.alertCount++
	return anomaly.NewTracker(toAnomalyConfig(ms.Alert, ms.ID)), true
}

func toAnomalyConfig(a *AlertSpec, metricID int64) anomaly.Config {
	return anomaly.Config{
		ID:                   a.ID,
		MetricID:             metricID,
		TriggerIfSumGT:       a.TriggerIfSumGT,
		NumBuckets:           a.NumBuckets,
		RefractoryPeriodSecs: a.RefractoryPeriodSecs,
	}
}
