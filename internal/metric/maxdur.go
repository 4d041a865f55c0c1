// maxdur.go — MaxDurationTracker: independent per-sub-key start/stop; the
// bucket value is the maximum completed duration in that bucket (spec
// §4.4.3).
package metric

import "sync"

// MaxTracker tracks each sub-key's own start/stop independently.
type MaxTracker struct {
	mu           sync.Mutex
	startNs      map[string]uint64
	maxCompleted uint64
}

// NewMaxTracker returns a factory matching Duration.NewTracker's signature.
func NewMaxTracker() func() DurationTracker {
	return func() DurationTracker {
		return &MaxTracker{startNs: make(map[string]uint64)}
	}
}

// NoteStart records subKey's start time, ignoring a redundant start while
// already open.
func (m *MaxTracker) NoteStart(subKey string, now uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.startNs[subKey]; !ok {
		m.startNs[subKey] = now
	}
}

// NoteStop closes subKey's interval and folds its duration into the
// running maximum if it exceeds it.
func (m *MaxTracker) NoteStop(subKey string, now uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start, ok := m.startNs[subKey]
	if !ok {
		return
	}
	delete(m.startNs, subKey)
	if d := now - start; d > m.maxCompleted {
		m.maxCompleted = d
	}
}

// NoteStopAll closes every open interval.
func (m *MaxTracker) NoteStopAll(now uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, start := range m.startNs {
		if d := now - start; d > m.maxCompleted {
			m.maxCompleted = d
		}
		delete(m.startNs, k)
	}
}

// Peek returns the current maximum (completed or still running) as of
// nowNs without closing or resetting any interval.
func (m *MaxTracker) Peek(nowNs uint64) DurationPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.maxCompleted
	for _, start := range m.startNs {
		if d := nowNs - start; d > out {
			out = d
		}
	}
	return DurationPayload{MaxNs: out, TotalNs: out}
}

// CloseBoundary closes any still-open interval into the outgoing bucket,
// then reopens it starting at boundaryNs (spec §4.4.3).
func (m *MaxTracker) CloseBoundary(boundaryNs uint64) DurationPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, start := range m.startNs {
		if d := boundaryNs - start; d > m.maxCompleted {
			m.maxCompleted = d
		}
		m.startNs[k] = boundaryNs
	}
	out := m.maxCompleted
	m.maxCompleted = 0
	return DurationPayload{MaxNs: out, TotalNs: out}
}
