// Package uidmap implements UidMap: a read-heavy, write-rare uid->AppInfo
// map with a generation counter bumped on every mutation, used to resolve
// isolated uids to their owning app (SPEC_FULL.md §12.4).
//
// Grounded on original_source's UidMap.h for the generation-counter and
// isolated-uid-parent concepts, and on the teacher's RWMutex-guarded
// read-heavy-structure idiom.
package uidmap

import (
	"sync"

	"github.com/statsdengine/statsdengine/internal/guardrail"
)

// AppInfo is the per-uid identity record an atom's uid field resolves to.
type AppInfo struct {
	PackageName string
	VersionCode int64
	VersionName string
}

// Map is the UidMap.
type Map struct {
	guard *guardrail.Registry

	mu         sync.RWMutex
	apps       map[int32]AppInfo
	isolated   map[int32]int32 // isolated uid -> parent (host) uid
	generation int64
	bytes      int64
}

// New constructs an empty Map.
func New(guard *guardrail.Registry) *Map {
	return &Map{guard: guard, apps: make(map[int32]AppInfo), isolated: make(map[int32]int32)}
}

func estimateBytes(info AppInfo) int64 {
	return int64(len(info.PackageName) + len(info.VersionName) + 16)
}

// UpdateApp installs or replaces uid's AppInfo, dropping the write and
// counting it if it would exceed the UidMap byte guardrail (spec §4.9).
func (m *Map) UpdateApp(uid int32, info AppInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delta := estimateBytes(info)
	if old, ok := m.apps[uid]; ok {
		delta -= estimateBytes(old)
	}
	if m.bytes+delta > m.guard.Limits().MaxUidMapBytes {
		m.guard.UidMapBytesDropped()
		return
	}
	m.bytes += delta
	m.apps[uid] = info
	m.generation++
}

// RemoveApp drops uid's record (app uninstalled).
func (m *Map) RemoveApp(uid int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.apps[uid]; ok {
		m.bytes -= estimateBytes(old)
		delete(m.apps, uid)
		m.generation++
	}
}

// NoteIsolatedUid records that isolatedUid is a child of parentUid, so
// atoms tagged with the isolated uid resolve to the parent's AppInfo.
func (m *Map) NoteIsolatedUid(isolatedUid, parentUid int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isolated[isolatedUid] = parentUid
	m.generation++
}

// RemoveIsolatedUid drops a previously noted isolated-uid mapping (the
// isolated process exited).
func (m *Map) RemoveIsolatedUid(isolatedUid int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.isolated, isolatedUid)
	m.generation++
}

// Resolve returns the AppInfo for uid, following one isolated-uid
// indirection if present.
func (m *Map) Resolve(uid int32) (AppInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if parent, ok := m.isolated[uid]; ok {
		uid = parent
	}
	info, ok := m.apps[uid]
	return info, ok
}

// Generation returns the current mutation counter, for cheap
// change-detection by callers that cache derived views.
func (m *Map) Generation() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// Dump returns a snapshot of every known uid mapping, for the
// "print-uid-map" command (spec §6).
func (m *Map) Dump() map[int32]AppInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int32]AppInfo, len(m.apps))
	for k, v := range m.apps {
		out[k] = v
	}
	return out
}
