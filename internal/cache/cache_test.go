package cache

import (
	"bytes"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offsync/internal/store"
)

func openTestStore(t *testing.T, quota int64) *Store {
	t.Helper()
	db, err := store.Open(t.TempDir() + "/db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewStore(db, quota, 0.8, 0.25)
	require.NoError(t, err)
	return s
}

func snapOf(body []byte, storedAt int64) Snapshot {
	return Snapshot{
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": {"text/plain"}},
		Body:     body,
		StoredAt: storedAt,
	}
}

func TestStorePutGet(t *testing.T) {
	s := openTestStore(t, 1<<20)

	s.Put(NamespaceAPI, "GET /api/v1/sessions", snapOf([]byte("hello"), 100))

	got, ok := s.Get(NamespaceAPI, "GET /api/v1/sessions")
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, got.Status)
	assert.Equal(t, []byte("hello"), got.Body)
	assert.Equal(t, "text/plain", got.Header.Get("Content-Type"))

	_, ok = s.Get(NamespaceAssets, "GET /api/v1/sessions")
	assert.False(t, ok, "namespaces are separate")

	inv := s.Inventory()
	assert.Equal(t, 1, inv[NamespaceAPI].EntryCount)
	assert.Positive(t, inv[NamespaceAPI].EstimatedSize)
	assert.Zero(t, inv[NamespaceAssets].EntryCount)
}

func TestIndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir() + "/db"
	db, err := store.Open(dir)
	require.NoError(t, err)
	s, err := NewStore(db, 1<<20, 0.8, 0.25)
	require.NoError(t, err)
	s.Put(NamespaceAssets, "GET /", snapOf([]byte("index"), 1))
	require.NoError(t, db.Close())

	db, err = store.Open(dir)
	require.NoError(t, err)
	defer db.Close()
	s, err = NewStore(db, 1<<20, 0.8, 0.25)
	require.NoError(t, err)

	got, ok := s.Get(NamespaceAssets, "GET /")
	require.True(t, ok)
	assert.Equal(t, []byte("index"), got.Body)
	assert.Equal(t, 1, s.Inventory()[NamespaceAssets].EntryCount)
	assert.Positive(t, s.TotalSize())
}

func TestQuotaCleanupEvictsOldest(t *testing.T) {
	// 100kb quota, 10kb bodies: the 8th put crosses the 80% high-water
	// mark and triggers a pass removing the oldest 25% per namespace.
	s := openTestStore(t, 100*1024)
	body := bytes.Repeat([]byte("x"), 10*1024)

	keys := []string{"GET /a0", "GET /a1", "GET /a2", "GET /a3", "GET /a4", "GET /a5", "GET /a6", "GET /a7"}
	for i, k := range keys {
		s.Put(NamespaceAssets, k, snapOf(body, int64(i+1)))
	}

	inv := s.Inventory()
	assert.Equal(t, 6, inv[NamespaceAssets].EntryCount, "25% of 8 entries evicted")

	_, ok := s.Get(NamespaceAssets, "GET /a0")
	assert.False(t, ok, "oldest entry evicted")
	_, ok = s.Get(NamespaceAssets, "GET /a1")
	assert.False(t, ok, "second oldest evicted")
	_, ok = s.Get(NamespaceAssets, "GET /a7")
	assert.True(t, ok, "newest entry kept")
}

func TestQuotaCleanupSpansNamespaces(t *testing.T) {
	s := openTestStore(t, 100*1024)
	body := bytes.Repeat([]byte("x"), 10*1024)

	for i := 0; i < 4; i++ {
		s.Put(NamespaceAssets, "GET /asset"+string(rune('0'+i)), snapOf(body, int64(i+1)))
	}
	for i := 0; i < 3; i++ {
		s.Put(NamespaceAPI, "GET /api/r"+string(rune('0'+i)), snapOf(body, int64(i+10)))
	}
	// 8th put crosses the threshold; both namespaces give up their oldest.
	s.Put(NamespaceAPI, "GET /api/r3", snapOf(body, 14))

	inv := s.Inventory()
	assert.Equal(t, 3, inv[NamespaceAssets].EntryCount)
	assert.Equal(t, 3, inv[NamespaceAPI].EntryCount)

	_, ok := s.Get(NamespaceAssets, "GET /asset0")
	assert.False(t, ok)
	_, ok = s.Get(NamespaceAPI, "GET /api/r0")
	assert.False(t, ok)
}

func TestDelete(t *testing.T) {
	s := openTestStore(t, 1<<20)
	s.Put(NamespaceAPI, "GET /api/x", snapOf([]byte("x"), 1))
	before := s.TotalSize()
	require.Positive(t, before)

	s.Delete(NamespaceAPI, "GET /api/x")
	_, ok := s.Get(NamespaceAPI, "GET /api/x")
	assert.False(t, ok)
	assert.Zero(t, s.TotalSize())
}

func TestDropOldVersions(t *testing.T) {
	db, err := store.Open(t.TempDir() + "/db")
	require.NoError(t, err)
	defer db.Close()

	// an entry left behind by a previous schema version
	legacy := db.Bucket("c:v0:assets:e:")
	require.NoError(t, legacy.Put("GET /old", snapOf([]byte("old"), 1)))

	s, err := NewStore(db, 1<<20, 0.8, 0.25)
	require.NoError(t, err)
	s.Put(NamespaceAssets, "GET /new", snapOf([]byte("new"), 2))

	n, err := s.DropOldVersions()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var tmp Snapshot
	assert.ErrorIs(t, legacy.Get("GET /old", &tmp), store.ErrNotFound)
	_, ok := s.Get(NamespaceAssets, "GET /new")
	assert.True(t, ok)
}
