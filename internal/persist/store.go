// Package persist implements the persisted-state half of spec §6:
// write-to-disk checkpoints of every active config's buckets, a bbolt
// manifest tracking those checkpoint files for eviction, and the icebox
// manifest of quarantined config keys (SPEC_FULL.md §11.3, §12.3, §14).
//
// Grounded on the teacher's internal/storage.DB: a bbolt-backed store with
// typed JSON-value-under-a-derived-key accessors, a retention sweep run on
// open and periodically, and a dedicated bucket per logical record kind.
// Adapted here from process-baseline/audit-ledger records to
// checkpoint-manifest/icebox records.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/statsdengine/statsdengine/internal/logprocessor"
	"github.com/statsdengine/statsdengine/internal/metric"
)

const (
	bucketManifest = "manifest"
	bucketIcebox   = "icebox"

	// DefaultMaxAgeDays, DefaultMaxFiles, DefaultMaxBytes are the three
	// eviction caps spec's persisted-state paragraph and SPEC_FULL.md
	// §11.3 name for the checkpoint directory.
	DefaultMaxAgeDays = 30
	DefaultMaxFiles   = 1000
	DefaultMaxBytes   = 50 * 1024 * 1024
)

// ManifestEntry records one checkpoint file (§11.3's manifest bucket
// value).
type ManifestEntry struct {
	Size      int64 `json:"size"`
	CreatedAt int64 `json:"created_at"` // unix nanos
	Owner     int64 `json:"owner"`
	ConfigID  int64 `json:"config_id"`
}

// IceboxRecord is the durable form of configmanager.IceboxEntry (§12.3's
// icebox bucket value).
type IceboxRecord struct {
	Owner         int64  `json:"owner"`
	ConfigID      int64  `json:"config_id"`
	Reason        string `json:"reason"`
	QuarantinedAt int64  `json:"quarantined_at"`
}

// CheckpointState is what gets marshaled into one checkpoint file: every
// metric's current partial bucket plus any undispatched past buckets, for
// one config. Checkpoints are an internal recovery format (not a client-
// facing wire payload, unlike dump-report's --proto form), so a plain
// JSON encoding is used rather than internal/wire's EncodedBuffer, which
// this package has no client-compatibility reason to reuse here (see
// DESIGN.md).
type CheckpointState struct {
	Owner    int64                               `json:"owner"`
	ConfigID int64                                `json:"config_id"`
	SavedAt  int64                                `json:"saved_at"`
	Metrics  map[int64]map[string][]metric.Bucket `json:"metrics"`
}

// Store is the persist.Store: a checkpoint directory plus a bbolt database
// holding the manifest and icebox buckets.
type Store struct {
	dir string
	db  *bolt.DB

	maxAgeDays int
	maxFiles   int
	maxBytes   int64

	nowFn func() uint64
}

// Open opens (or creates) the bbolt manifest database at
// <dir>/manifest.db, creating dir if needed.
func Open(dir string, nowFn func() uint64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("persist: mkdir %q: %w", dir, err)
	}
	db, err := bolt.Open(filepath.Join(dir, "manifest.db"), 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("persist: bolt.Open: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketManifest, bucketIcebox} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("persist: init buckets: %w", err)
	}
	return &Store{
		dir: dir, db: db,
		maxAgeDays: DefaultMaxAgeDays, maxFiles: DefaultMaxFiles, maxBytes: DefaultMaxBytes,
		nowFn: nowFn,
	}, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error { return s.db.Close() }

func checkpointFileName(owner, configID int64, nowNs uint64) string {
	return fmt.Sprintf("%d_%d_%d", owner, configID, nowNs)
}

// Checkpoint writes state to <dir>/<owner>_<config_id>_<checkpoint_ns>,
// records it in the manifest, and applies the eviction caps (spec §6,
// SPEC_FULL.md §14).
func (s *Store) Checkpoint(key logprocessor.ConfigKey, metrics map[int64]map[string][]metric.Bucket) error {
	nowNs := s.nowFn()
	state := CheckpointState{Owner: key.Owner, ConfigID: key.ConfigID, SavedAt: int64(nowNs), Metrics: metrics}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("persist: marshal checkpoint: %w", err)
	}

	name := checkpointFileName(key.Owner, key.ConfigID, nowNs)
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("persist: write %q: %w", path, err)
	}

	entry := ManifestEntry{Size: int64(len(data)), CreatedAt: int64(nowNs), Owner: key.Owner, ConfigID: key.ConfigID}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketManifest))
		v, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(name), v)
	}); err != nil {
		return fmt.Errorf("persist: record manifest entry: %w", err)
	}

	return s.Evict()
}

// Rehydrate lists the manifest and returns, per (owner, config_id) key,
// the most recently created checkpoint's decoded state, for
// ConfigManager to hand to each metric producer before the command server
// or event ingress starts accepting traffic (spec §6, SPEC_FULL.md §14).
func (s *Store) Rehydrate() (map[logprocessor.ConfigKey]CheckpointState, error) {
	type named struct {
		name string
		e    ManifestEntry
	}
	latest := make(map[logprocessor.ConfigKey]named)

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketManifest))
		return b.ForEach(func(k, v []byte) error {
			var e ManifestEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			key := logprocessor.ConfigKey{Owner: e.Owner, ConfigID: e.ConfigID}
			if cur, ok := latest[key]; !ok || e.CreatedAt > cur.e.CreatedAt {
				latest[key] = named{name: string(k), e: e}
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("persist: scan manifest: %w", err)
	}

	out := make(map[logprocessor.ConfigKey]CheckpointState, len(latest))
	for key, n := range latest {
		data, err := os.ReadFile(filepath.Join(s.dir, n.name))
		if err != nil {
			continue // file missing (evicted, disk issue); skip, not fatal to startup
		}
		var state CheckpointState
		if err := json.Unmarshal(data, &state); err != nil {
			continue
		}
		out[key] = state
	}
	return out, nil
}

// Evict applies the three eviction caps (30-day age, 1000-file count, 50
// MiB aggregate, oldest first), scanning the manifest with a cursor rather
// than a directory readdir on every write (SPEC_FULL.md §11.3).
func (s *Store) Evict() error {
	type named struct {
		name string
		e    ManifestEntry
	}
	var all []named
	var totalBytes int64

	if err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketManifest))
		return b.ForEach(func(k, v []byte) error {
			var e ManifestEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			all = append(all, named{name: string(k), e: e})
			totalBytes += e.Size
			return nil
		})
	}); err != nil {
		return err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].e.CreatedAt < all[j].e.CreatedAt })

	nowNs := int64(s.nowFn())
	cutoffNs := nowNs - int64(s.maxAgeDays)*24*int64(time.Hour)

	var toEvict []named
	for _, n := range all {
		if n.e.CreatedAt < cutoffNs {
			toEvict = append(toEvict, n)
			totalBytes -= n.e.Size
		}
	}
	remaining := all[len(toEvict):]
	for len(remaining) > s.maxFiles {
		toEvict = append(toEvict, remaining[0])
		totalBytes -= remaining[0].e.Size
		remaining = remaining[1:]
	}
	for totalBytes > s.maxBytes && len(remaining) > 0 {
		toEvict = append(toEvict, remaining[0])
		totalBytes -= remaining[0].e.Size
		remaining = remaining[1:]
	}

	if len(toEvict) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketManifest))
		for _, n := range toEvict {
			_ = os.Remove(filepath.Join(s.dir, n.name))
			if err := b.Delete([]byte(n.name)); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutIcebox records a quarantined config key durably (SPEC_FULL.md
// §12.3), keyed by "<owner>_<config_id>" so re-quarantining the same key
// overwrites rather than duplicates.
func (s *Store) PutIcebox(rec IceboxRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := iceboxKey(rec.Owner, rec.ConfigID)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketIcebox)).Put([]byte(key), data)
	})
}

// RemoveIcebox clears a durable icebox record (Install clearing an
// icebox entry, spec §12.3).
func (s *Store) RemoveIcebox(owner, configID int64) error {
	key := iceboxKey(owner, configID)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketIcebox)).Delete([]byte(key))
	})
}

// ListIcebox returns every durable icebox record, for rehydrating
// configmanager.Manager's in-memory ring on startup.
func (s *Store) ListIcebox() ([]IceboxRecord, error) {
	var out []IceboxRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketIcebox)).ForEach(func(_, v []byte) error {
			var rec IceboxRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func iceboxKey(owner, configID int64) string {
	return strings.Join([]string{fmt.Sprint(owner), fmt.Sprint(configID)}, "_")
}
