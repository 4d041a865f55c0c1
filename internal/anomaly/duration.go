// duration.go — DurationAnomalyTracker: schedules a future wake-up alarm
// so a running duration that hasn't yet produced a new event still
// triggers its anomaly on time (spec §4.5).
//
// Grounded on AlarmTracker.h / DurationAnomalyTracker.cpp: alarms are
// stored as rounded-up target-seconds, pushed past the current refractory
// window when a naive deadline would land inside it, and on fire the
// tracker intersects its own outstanding-alarm map against the monitor's
// fired set — since one Monitor is shared by every tracker — before
// declaring anything (SPEC_FULL.md §12.2).
package anomaly

import (
	"sync"

	"github.com/statsdengine/statsdengine/internal/alarm"
	"github.com/statsdengine/statsdengine/internal/dimension"
)

// DurationTracker extends Tracker with alarm scheduling for duration
// metrics, whose value only grows between events.
type DurationTracker struct {
	*Tracker

	TrackerID int64
	monitor   *alarm.Monitor

	mu          sync.Mutex
	outstanding map[string]*alarm.Entry
}

// NewDurationTracker constructs a DurationTracker sharing the given
// AlarmMonitor with any other tracker registered against it.
func NewDurationTracker(cfg Config, trackerID int64, monitor *alarm.Monitor) *DurationTracker {
	return &DurationTracker{
		Tracker:     NewTracker(cfg),
		TrackerID:   trackerID,
		monitor:     monitor,
		outstanding: make(map[string]*alarm.Entry),
	}
}

// ScheduleAlarm computes the deadline at which dim's running duration,
// started at startNs, would cross the threshold given its past-bucket
// sum, and registers it with the AlarmMonitor (spec §4.5).
//
// deadline_sec = ceil((t0 + (threshold - past_sum)) / 1e9); if that falls
// inside the current refractory period it is pushed to
// refractory_until_sec+1 (SPEC_FULL.md §12.2).
func (d *DurationTracker) ScheduleAlarm(key dimension.Key, startNs uint64) {
	pastSum := d.SumOverPastBuckets(key)
	remaining := d.Cfg.TriggerIfSumGT - pastSum
	if remaining <= 0 {
		return // already over threshold from past buckets alone; DetectAndDeclare handles this on the next event
	}
	deadlineNs := startNs + uint64(remaining)
	deadlineSec := uint32((deadlineNs + nsPerSec - 1) / nsPerSec) // ceil

	refUntil := d.RefractoryUntilSec(key)
	if deadlineSec <= refUntil {
		deadlineSec = refUntil + 1
	}

	entry := &alarm.Entry{TargetSecond: deadlineSec, Owner: alarm.OwnerAnomalyTracker, Key: key, TrackerID: d.TrackerID}

	d.mu.Lock()
	if old, ok := d.outstanding[key.String()]; ok {
		d.monitor.Remove(old)
	}
	d.outstanding[key.String()] = entry
	d.mu.Unlock()

	d.monitor.Add(entry)
}

// StopAlarm cancels dim's outstanding alarm, if any (e.g. the duration
// interval closed before the deadline).
func (d *DurationTracker) StopAlarm(key dimension.Key) {
	d.mu.Lock()
	e, ok := d.outstanding[key.String()]
	if ok {
		delete(d.outstanding, key.String())
	}
	d.mu.Unlock()
	if ok {
		d.monitor.Remove(e)
	}
}

// StopAllAlarms cancels every outstanding alarm this tracker owns (config
// removal, stop-all).
func (d *DurationTracker) StopAllAlarms() {
	d.mu.Lock()
	entries := make([]*alarm.Entry, 0, len(d.outstanding))
	for _, e := range d.outstanding {
		entries = append(entries, e)
	}
	d.outstanding = make(map[string]*alarm.Entry)
	d.mu.Unlock()
	for _, e := range entries {
		d.monitor.Remove(e)
	}
}

// InformAlarmsFired intersects the tracker's own outstanding-alarm map
// against the fired set the Monitor reported — the monitor is shared, so
// fired may include entries belonging to other trackers, which are left
// untouched here. currentPartial resolves the live running duration value
// for a dimension key at fire time (supplied by the caller, since the
// underlying DurationTracker state lives in internal/metric).
func (d *DurationTracker) InformAlarmsFired(fired []*alarm.Entry, tsNs uint64, bucketNum int64, currentPartial func(dimension.Key) float64) {
	d.mu.Lock()
	var mine []*alarm.Entry
	for _, e := range fired {
		if e.TrackerID != d.TrackerID {
			continue
		}
		if cur, ok := d.outstanding[e.Key.String()]; ok && cur == e {
			mine = append(mine, e)
			delete(d.outstanding, e.Key.String())
		}
	}
	d.mu.Unlock()

	for _, e := range mine {
		d.Tracker.DetectAndDeclare(tsNs, bucketNum, e.Key, currentPartial(e.Key))
	}
}
