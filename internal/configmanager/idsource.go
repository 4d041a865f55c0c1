package configmanager

import "sync/atomic"

// newIDSource hands out process-wide unique int64 ids, starting at 1, for
// DurationTracker registrations shared across every compiled config on one
// alarm.Monitor.
func newIDSource() func() int64 {
	var next int64
	return func() int64 { return atomic.AddInt64(&next, 1) }
}
