package puller_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/statsdengine/statsdengine/internal/event"
	"github.com/statsdengine/statsdengine/internal/puller"
)

type countingPuller struct {
	mu    sync.Mutex
	calls int
}

func (p *countingPuller) Pull(ctx context.Context, atomID uint32) ([]*event.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return []*event.Event{event.NewEvent(atomID, 0, 0, nil)}, nil
}

func (p *countingPuller) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// TestPullReturnsCachedResultWithinCooldown covers spec §4.7's cooldown
// cache: a second Pull before minCooldown has elapsed must not re-invoke
// the underlying Puller.
func TestPullReturnsCachedResultWithinCooldown(t *testing.T) {
	now := uint64(1000)
	m := puller.NewManager(func() uint64 { return now })
	cp := &countingPuller{}
	m.Register(42, cp, 100*time.Millisecond)

	if _, err := m.Pull(context.Background(), 42); err != nil {
		t.Fatalf("first Pull: %v", err)
	}
	if _, err := m.Pull(context.Background(), 42); err != nil {
		t.Fatalf("second Pull: %v", err)
	}
	if cp.callCount() != 1 {
		t.Fatalf("underlying Pull calls = %d, want 1 (second call served from cache)", cp.callCount())
	}
}

// TestPullRefetchesAfterCooldownElapses covers the cache expiring once
// minCooldownNs has passed.
func TestPullRefetchesAfterCooldownElapses(t *testing.T) {
	now := uint64(1000)
	m := puller.NewManager(func() uint64 { return now })
	cp := &countingPuller{}
	m.Register(42, cp, 100*time.Millisecond)

	m.Pull(context.Background(), 42)
	now += uint64(200 * time.Millisecond)
	m.Pull(context.Background(), 42)

	if cp.callCount() != 2 {
		t.Fatalf("underlying Pull calls = %d, want 2", cp.callCount())
	}
}

// TestPullUnregisteredAtomReturnsNil covers an atom id with no registered
// puller returning (nil, nil) rather than erroring.
func TestPullUnregisteredAtomReturnsNil(t *testing.T) {
	m := puller.NewManager(func() uint64 { return 0 })
	events, err := m.Pull(context.Background(), 999)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if events != nil {
		t.Fatalf("events = %+v, want nil", events)
	}
}

// TestClearCacheForcesNextPullToRefetch covers the clear-puller-cache
// command surface verb (spec §6).
func TestClearCacheForcesNextPullToRefetch(t *testing.T) {
	now := uint64(1000)
	m := puller.NewManager(func() uint64 { return now })
	cp := &countingPuller{}
	m.Register(42, cp, time.Hour)

	m.Pull(context.Background(), 42)
	m.ClearCache()
	m.Pull(context.Background(), 42)

	if cp.callCount() != 2 {
		t.Fatalf("underlying Pull calls = %d, want 2 (cache cleared between)", cp.callCount())
	}
}

// TestStartPeriodicAlarmFiresOnTickerAndStopsOnClose covers the
// periodic-alarm goroutine invoking fn repeatedly until Close.
func TestStartPeriodicAlarmFiresOnTickerAndStopsOnClose(t *testing.T) {
	m := puller.NewManager(func() uint64 { return 0 })
	var ticks int32
	done := make(chan struct{})
	m.StartPeriodicAlarm(5*time.Millisecond, func(nowNs uint64) {
		if atomic.AddInt32(&ticks, 1) == 2 {
			close(done)
		}
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("periodic alarm did not fire at least twice within 2s")
	}
	m.Close()
	if atomic.LoadInt32(&ticks) < 2 {
		t.Fatalf("ticks = %d, want >= 2", ticks)
	}
}
