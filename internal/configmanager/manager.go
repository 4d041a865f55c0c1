// manager.go — ConfigManager: the install/remove/quarantine surface
// logprocessor.Processor sits behind. Grounded on
// original_source/cmds/statsd/src/StatsService.cpp's addConfiguration /
// removeConfiguration entry points and SPEC_FULL.md §12.3's icebox
// semantics, adapted from a single global service object to an explicit
// Manager value.
package configmanager

import (
	"sync"

	"github.com/statsdengine/statsdengine/internal/alarm"
	"github.com/statsdengine/statsdengine/internal/engerr"
	"github.com/statsdengine/statsdengine/internal/guardrail"
	"github.com/statsdengine/statsdengine/internal/logprocessor"
	"github.com/statsdengine/statsdengine/internal/persist"
)

// IceboxEntry is one retired configuration record (spec §4.9, SPEC_FULL.md
// §12.3).
type IceboxEntry struct {
	Key          logprocessor.ConfigKey
	Reason       string
	QuarantinedAtNs uint64
}

// Manager is the ConfigManager: compiles and installs configs into a
// Processor, and quarantines ones that fail an internal invariant into a
// bounded icebox ring.
type Manager struct {
	proc     *logprocessor.Processor
	guard    *guardrail.Registry
	monitor  *alarm.Monitor
	bucketNs uint64
	nowFn    func() uint64
	store    *persist.Store // optional: durable icebox mirror

	mu      sync.Mutex
	icebox  []IceboxEntry
}

// NewManager constructs a Manager over an already-constructed Processor.
// nowFn supplies wall-clock nanoseconds for new configs' bucket epoch and
// for icebox timestamps; tests inject a fixed or stepped clock. store may
// be nil, in which case the icebox ring is in-memory only.
func NewManager(proc *logprocessor.Processor, guard *guardrail.Registry, monitor *alarm.Monitor, bucketNs uint64, nowFn func() uint64, store *persist.Store) *Manager {
	return &Manager{proc: proc, guard: guard, monitor: monitor, bucketNs: bucketNs, nowFn: nowFn, store: store}
}

// LoadIcebox seeds the in-memory icebox ring from the durable store, for
// startup rehydration before new events are accepted (spec §6).
func (m *Manager) LoadIcebox() error {
	if m.store == nil {
		return nil
	}
	recs, err := m.store.ListIcebox()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		m.icebox = append(m.icebox, IceboxEntry{
			Key:             logprocessor.ConfigKey{Owner: r.Owner, ConfigID: r.ConfigID},
			Reason:          r.Reason,
			QuarantinedAtNs: uint64(r.QuarantinedAt),
		})
	}
	return nil
}

// Install compiles spec and installs it, replacing any prior config at the
// same key and clearing any icebox entry for that key (SPEC_FULL.md
// §12.3: "re-installing a key present in the icebox clears the icebox
// entry rather than erroring"). A KindConfigInvalid compile error leaves
// any prior installed config at that key untouched. A KindGuardrail error
// (MaxActiveConfigs exceeded for a brand-new key) is likewise non-fatal to
// the caller but the config is not installed.
func (m *Manager) Install(spec ConfigSpec) error {
	key := logprocessor.ConfigKey{Owner: spec.Owner, ConfigID: spec.ConfigID}

	if _, exists := m.proc.Get(key); !exists && m.guard != nil {
		if m.activeConfigCount() >= m.guard.Limits().MaxActiveConfigs {
			m.guard.DropConfig()
			return engerr.New(engerr.KindGuardrail, "MaxActiveConfigs reached, config not installed")
		}
	}

	cfg, err := Compile(spec, m.guard, m.monitor, m.nowFn(), m.bucketNs)
	if err != nil {
		return err
	}

	m.clearIcebox(key)
	m.proc.Install(cfg)
	return nil
}

// Remove drops an installed config.
func (m *Manager) Remove(key logprocessor.ConfigKey) {
	m.proc.Remove(key)
}

// Quarantine retires key into the icebox, evicting the oldest entry if the
// ring is already at the guardrail's IceboxCapacity (spec §4.9). It runs
// only when called explicitly; no code path calls it on a
// KindInternalInvariant error.
func (m *Manager) Quarantine(key logprocessor.ConfigKey, reason string) {
	m.proc.Remove(key)

	capacity := 20
	if m.guard != nil {
		capacity = m.guard.Limits().IceboxCapacity
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.icebox {
		if e.Key == key {
			m.icebox = append(m.icebox[:i], m.icebox[i+1:]...)
			break
		}
	}
	if len(m.icebox) >= capacity {
		m.icebox = m.icebox[1:]
		if m.guard != nil {
			m.guard.IceboxEvict()
		}
	}
	m.icebox = append(m.icebox, IceboxEntry{Key: key, Reason: reason, QuarantinedAtNs: m.nowFn()})

	if m.store != nil {
		_ = m.store.PutIcebox(persist.IceboxRecord{
			Owner: key.Owner, ConfigID: key.ConfigID, Reason: reason, QuarantinedAt: int64(m.nowFn()),
		})
	}
}

// Icebox returns a snapshot of the currently quarantined keys, oldest
// first, for the debug dump (SPEC_FULL.md §13's print-stats verb).
func (m *Manager) Icebox() []IceboxEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]IceboxEntry, len(m.icebox))
	copy(out, m.icebox)
	return out
}

func (m *Manager) clearIcebox(key logprocessor.ConfigKey) {
	m.mu.Lock()
	found := false
	for i, e := range m.icebox {
		if e.Key == key {
			m.icebox = append(m.icebox[:i], m.icebox[i+1:]...)
			found = true
			break
		}
	}
	m.mu.Unlock()
	if found && m.store != nil {
		_ = m.store.RemoveIcebox(key.Owner, key.ConfigID)
	}
}

func (m *Manager) activeConfigCount() int {
	return m.proc.ConfigCount()
}
