// Package cache implements the per-route read caching layer: a persistent
// snapshot store split into namespaces, a quota governor bounding its size,
// and the three read strategies applied by the gateway.
package cache

import (
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"offsync/internal/store"
)

// Namespace separates resource classes so eviction and purges act on each
// independently.
type Namespace string

const (
	NamespaceAssets Namespace = "assets"
	NamespaceAPI    Namespace = "api"
)

var namespaces = []Namespace{NamespaceAssets, NamespaceAPI}

// schemaVersion prefixes every cache key. Bumped when the Snapshot encoding
// changes; activation drops entries written under older versions.
const schemaVersion = "v1"

// Snapshot is a stored response: enough to answer the same read again
// without the network.
type Snapshot struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds, capture time
	Hash32   uint32
}

type meta struct {
	Size     int64
	StoredAt int64
}

// Inventory is the per-namespace aggregate the quota governor works from.
type Inventory struct {
	EntryCount    int   `json:"entryCount"`
	EstimatedSize int64 `json:"estimatedSize"`
}

// Store holds response snapshots in the shared database. All sizes are
// estimates from the encoded entry length; the quota check is deliberately
// coarse.
type Store struct {
	quota         int64
	highWater     float64
	evictFraction float64

	root    store.Bucket // whole cache keyspace, for schema purges
	entries map[Namespace]store.Bucket
	metas   map[Namespace]store.Bucket

	mu    sync.Mutex
	index map[Namespace]map[string]meta
	total int64

	writeLog *rateLimitedLogger
}

func NewStore(db *store.DB, quotaBytes int64, highWater, evictFraction float64) (*Store, error) {
	s := &Store{
		quota:         quotaBytes,
		highWater:     highWater,
		evictFraction: evictFraction,
		root:          db.Bucket("c:"),
		entries:       map[Namespace]store.Bucket{},
		metas:         map[Namespace]store.Bucket{},
		index:         map[Namespace]map[string]meta{},
		writeLog:      newRateLimitedLogger(1 * time.Minute),
	}
	for _, ns := range namespaces {
		s.entries[ns] = db.Bucket("c:" + schemaVersion + ":" + string(ns) + ":e:")
		s.metas[ns] = db.Bucket("c:" + schemaVersion + ":" + string(ns) + ":m:")
		if err := s.loadIndex(ns); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) loadIndex(ns Namespace) error {
	idx := map[string]meta{}
	var total int64
	err := s.metas[ns].Range(func(k string, raw []byte) bool {
		var m meta
		if err := store.Decode(raw, &m); err != nil {
			return true // skip undecodable metadata, entry becomes invisible
		}
		idx[k] = m
		total += m.Size
		return true
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.index[ns] = idx
	s.total += total
	s.mu.Unlock()
	return nil
}

func (s *Store) Get(ns Namespace, key string) (Snapshot, bool) {
	var snap Snapshot
	if err := s.entries[ns].Get(key, &snap); err != nil {
		return Snapshot{}, false
	}
	return snap, true
}

// Put stores a snapshot and runs the quota check. Write failures are logged
// and swallowed: a response that could not be cached is still a response.
func (s *Store) Put(ns Namespace, key string, snap Snapshot) {
	size, err := store.EncodedSize(snap)
	if err != nil {
		s.writeLog.Printf("cache: encode %s/%s: %v", ns, key, err)
		return
	}
	if err := s.entries[ns].Put(key, snap); err != nil {
		s.writeLog.Printf("cache: write %s/%s: %v", ns, key, err)
		return
	}
	m := meta{Size: size, StoredAt: snap.StoredAt}
	if err := s.metas[ns].Put(key, m); err != nil {
		s.writeLog.Printf("cache: write meta %s/%s: %v", ns, key, err)
	}

	s.mu.Lock()
	if old, ok := s.index[ns][key]; ok {
		s.total -= old.Size
	}
	s.index[ns][key] = m
	s.total += size
	s.mu.Unlock()

	s.enforceQuota()
}

func (s *Store) Delete(ns Namespace, key string) {
	_ = s.entries[ns].Delete(key)
	_ = s.metas[ns].Delete(key)
	s.mu.Lock()
	if old, ok := s.index[ns][key]; ok {
		s.total -= old.Size
		delete(s.index[ns], key)
	}
	s.mu.Unlock()
}

func (s *Store) Inventory() map[Namespace]Inventory {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Namespace]Inventory, len(s.index))
	for ns, idx := range s.index {
		inv := Inventory{EntryCount: len(idx)}
		for _, m := range idx {
			inv.EstimatedSize += m.Size
		}
		out[ns] = inv
	}
	return out
}

func (s *Store) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// enforceQuota drops the oldest entries, by capture time, from every
// namespace once estimated usage crosses the high-water fraction of the
// quota. Each pass removes evictFraction of each namespace's entries.
func (s *Store) enforceQuota() {
	if s.quota <= 0 {
		return
	}
	s.mu.Lock()
	over := float64(s.total) > s.highWater*float64(s.quota)
	s.mu.Unlock()
	if !over {
		return
	}

	removed := 0
	for _, ns := range namespaces {
		for _, key := range s.oldestKeys(ns) {
			s.Delete(ns, key)
			removed++
		}
	}
	slog.Info("cache: quota cleanup", "removed", removed, "total", s.TotalSize(), "quota", s.quota)
}

func (s *Store) oldestKeys(ns Namespace) []string {
	s.mu.Lock()
	items := make([]struct {
		key string
		m   meta
	}, 0, len(s.index[ns]))
	for k, m := range s.index[ns] {
		items = append(items, struct {
			key string
			m   meta
		}{k, m})
	}
	s.mu.Unlock()

	if len(items) == 0 {
		return nil
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].m.StoredAt < items[j].m.StoredAt
	})
	n := int(float64(len(items)) * s.evictFraction)
	if n < 1 {
		n = 1
	}
	keys := make([]string, 0, n)
	for i := 0; i < n && i < len(items); i++ {
		keys = append(keys, items[i].key)
	}
	return keys
}

// DropOldVersions removes cache entries written under a different schema
// version. Called once on lifecycle activation.
func (s *Store) DropOldVersions() (int, error) {
	return s.root.DeleteRange(func(k string) bool {
		return strings.HasPrefix(k, schemaVersion+":")
	})
}
