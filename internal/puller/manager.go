// Package puller implements PullerManager: a registry of pull-capable atom
// ids with per-id cooldown caches, invoked on a periodic alarm to refresh
// value/gauge metrics (spec §4.7).
//
// Grounded on original_source's StatsPullerManager.h for the cooldown-cache
// contract, and on a ticker-goroutine-plus-stop-channel shape (mirroring a
// token-bucket refill loop) for the periodic-alarm half (SPEC_FULL.md
// §12.5).
package puller

import (
	"context"
	"sync"
	"time"

	"github.com/statsdengine/statsdengine/internal/event"
)

// Puller is implemented by whatever external source can be synchronously
// solicited for a given atom id (spec glossary: "Pull").
type Puller interface {
	Pull(ctx context.Context, atomID uint32) ([]*event.Event, error)
}

type registration struct {
	puller         Puller
	minCooldownNs  uint64

	mu         sync.Mutex
	lastPullNs uint64
	cached     []*event.Event
	hasCached  bool
}

// Manager is the PullerManager.
type Manager struct {
	nowFn func() uint64

	mu    sync.RWMutex
	atoms map[uint32]*registration

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewManager constructs a Manager. nowFn supplies the current monotonic
// nanosecond clock, injectable for tests.
func NewManager(nowFn func() uint64) *Manager {
	return &Manager{nowFn: nowFn, atoms: make(map[uint32]*registration), stop: make(chan struct{})}
}

// Register adds a puller for atomID with the given cooldown.
func (m *Manager) Register(atomID uint32, p Puller, minCooldown time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.atoms[atomID] = &registration{puller: p, minCooldownNs: uint64(minCooldown.Nanoseconds())}
}

// Pull returns cached results if the cooldown hasn't elapsed, else invokes
// the registered puller, caches, and returns the fresh result (spec §4.7).
func (m *Manager) Pull(ctx context.Context, atomID uint32) ([]*event.Event, error) {
	m.mu.RLock()
	r, ok := m.atoms[atomID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := m.nowFn()
	if r.hasCached && now-r.lastPullNs < r.minCooldownNs {
		return r.cached, nil
	}
	events, err := r.puller.Pull(ctx, atomID)
	if err != nil {
		return nil, err
	}
	r.cached = events
	r.hasCached = true
	r.lastPullNs = now
	return events, nil
}

// ClearCache drops every cached pull result (the "clear-puller-cache"
// command surface verb, spec §6).
func (m *Manager) ClearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.atoms {
		r.mu.Lock()
		r.cached = nil
		r.hasCached = false
		r.mu.Unlock()
	}
}

// StartPeriodicAlarm runs fn on every tick of interval until Close is
// called, on its own goroutine (spec §4.7: "a periodic alarm wakes
// registered receivers").
func (m *Manager) StartPeriodicAlarm(interval time.Duration, fn func(nowNs uint64)) {
	ticker := time.NewTicker(interval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				fn(m.nowFn())
			}
		}
	}()
}

// Close stops every periodic alarm goroutine and waits for them to exit.
func (m *Manager) Close() {
	close(m.stop)
	m.wg.Wait()
}
