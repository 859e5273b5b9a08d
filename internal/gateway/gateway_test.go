package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offsync/internal/cache"
	"offsync/internal/config"
	"offsync/internal/lifecycle"
	"offsync/internal/queue"
	"offsync/internal/store"
	"offsync/internal/syncer"
)

// unreachableOrigin refuses connections immediately.
const unreachableOrigin = "http://127.0.0.1:1"

type env struct {
	gw     *Gateway
	q      *queue.Queue
	cstore *cache.Store
}

func newEnv(t *testing.T, origin string) *env {
	t.Helper()
	db, err := store.Open(t.TempDir() + "/db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cstore, err := cache.NewStore(db, 1<<20, 0.8, 0.25)
	require.NoError(t, err)
	engine := cache.NewEngine(cstore)
	t.Cleanup(engine.Close)

	client := &http.Client{Timeout: 2 * time.Second}
	q, err := queue.Open(db, client, queue.Options{
		Max:         100,
		MaxAttempts: 3,
		Backoff:     []time.Duration{time.Second},
		Retention:   time.Hour,
	})
	require.NoError(t, err)

	coord := syncer.New(q, client, syncer.Options{
		ProbeURL:   origin + "/api/health",
		ProbeEvery: time.Hour,
		PollEvery:  time.Hour,
	})
	t.Cleanup(coord.Stop)

	lm := lifecycle.New(db, "test", nil, 30*time.Second, nil, nil)
	lm.ForceActivate()

	cfg := config.Default(origin)
	gw := New(&cfg, &Fetcher{Client: client, Origin: origin}, engine, q, coord, lm)
	return &env{gw: gw, q: q, cstore: cstore}
}

func do(gw *Gateway, method, target string, body string, header http.Header) *httptest.ResponseRecorder {
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, target, rd)
	for k, vs := range header {
		r.Header[k] = vs
	}
	w := httptest.NewRecorder()
	gw.ServeHTTP(w, r)
	return w
}

func TestClassify(t *testing.T) {
	cfg := config.Default("http://backend")
	cases := []struct {
		method, path string
		kind         Kind
		ns           cache.Namespace
		policy       config.Policy
	}{
		{http.MethodGet, "/app.js", KindRead, cache.NamespaceAssets, config.PolicyCacheFirst},
		{http.MethodHead, "/", KindRead, cache.NamespaceAssets, config.PolicyCacheFirst},
		{http.MethodGet, "/api/v1/items", KindRead, cache.NamespaceAPI, config.PolicyNetworkFirst},
		{http.MethodPost, "/api/v1/items", KindMutation, "", ""},
		{http.MethodDelete, "/api/v1/items/7", KindMutation, "", ""},
		{http.MethodPost, "/login", KindBypass, "", ""},
	}
	for _, c := range cases {
		r := httptest.NewRequest(c.method, "http://x"+c.path, nil)
		d := Classify(r, &cfg)
		assert.Equal(t, c.kind, d.Kind, "%s %s", c.method, c.path)
		if c.kind == KindRead {
			assert.Equal(t, c.ns, d.Namespace, "%s %s", c.method, c.path)
			assert.Equal(t, c.policy, d.Policy, "%s %s", c.method, c.path)
			assert.Equal(t, c.method+" "+c.path, d.Key)
		}
	}
}

func TestClassifyRouteOverride(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/offsync.yaml"
	yaml := "server:\n  origin: http://backend\nroutes:\n  - match: PathPrefix(/api/v1/feed)\n    policy: stale-while-revalidate\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "http://x/api/v1/feed", nil)
	d := Classify(r, &cfg)
	assert.Equal(t, config.PolicyStaleWhileRevalidate, d.Policy)
	assert.Equal(t, cache.NamespaceAPI, d.Namespace)
}

func TestReadServedFromCacheWhileOffline(t *testing.T) {
	e := newEnv(t, unreachableOrigin)
	e.cstore.Put(cache.NamespaceAssets, "GET /app.js", cache.Snapshot{
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": {"text/javascript"}},
		Body:     []byte("console.log(1)"),
		StoredAt: time.Now().Unix(),
	})

	w := do(e.gw, http.MethodGet, "http://x/app.js", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "console.log(1)", w.Body.String())
	assert.Equal(t, "hit", w.Header().Get("X-Offsync"))
	assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), "X-Offsync")
}

func TestAPIReadOfflineFallbackJSON(t *testing.T) {
	e := newEnv(t, unreachableOrigin)

	w := do(e.gw, http.MethodGet, "http://x/api/v1/items", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "offline", w.Header().Get("X-Offsync"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["offline"])
	assert.NotEmpty(t, body["error"])
}

func TestPageReadOfflineFallbackHTML(t *testing.T) {
	e := newEnv(t, unreachableOrigin)

	w := do(e.gw, http.MethodGet, "http://x/dashboard", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))

	g := goldie.New(t)
	g.Assert(t, "offline_page", w.Body.Bytes())
}

func TestStaleAPIReadAfterNetworkLoss(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[1,2]}`))
	}))
	e := newEnv(t, srv.URL)

	w := do(e.gw, http.MethodGet, "http://x/api/v1/items", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "network", w.Header().Get("X-Offsync"))

	srv.Close()

	w = do(e.gw, http.MethodGet, "http://x/api/v1/items", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"items":[1,2]}`, w.Body.String())
	assert.Equal(t, "stale", w.Header().Get("X-Offsync"))
}

func TestMutationQueuedWhenOriginDown(t *testing.T) {
	e := newEnv(t, unreachableOrigin)

	w := do(e.gw, http.MethodPost, "http://x/api/v1/vault/save", `{"note":"x"}`,
		http.Header{"Content-Type": {"application/json"}})
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "queued", w.Header().Get("X-Offsync"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["queued"])
	assert.Contains(t, body, "id")

	require.Equal(t, 1, e.q.Len())
	m := e.q.List()[0]
	assert.Equal(t, unreachableOrigin+"/api/v1/vault/save", m.URL)
	assert.Equal(t, http.MethodPost, m.Method)
}

func TestUnreplayableMutationDropped(t *testing.T) {
	e := newEnv(t, unreachableOrigin)

	w := do(e.gw, http.MethodPost, "http://x/api/v1/blob", "\x00\x01\x02",
		http.Header{"Content-Type": {"application/octet-stream"}})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Zero(t, e.q.Len(), "unreplayable payloads are never queued")
}

func TestMutationBackendErrorPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "validation failed", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()
	e := newEnv(t, srv.URL)

	w := do(e.gw, http.MethodPost, "http://x/api/v1/vault/save", `{"note":"x"}`,
		http.Header{"Content-Type": {"application/json"}})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "network", w.Header().Get("X-Offsync"))
	assert.Zero(t, e.q.Len(), "a reached backend is authoritative, errors included")
}

func TestNonAPIWriteBypasses(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()
	e := newEnv(t, srv.URL)

	w := do(e.gw, http.MethodPost, "http://x/login", "user=a", nil)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "bypass", w.Header().Get("X-Offsync"))
	assert.Equal(t, "/login", gotPath)
	assert.Zero(t, e.q.Len())
}

func TestBypassBadGateway(t *testing.T) {
	e := newEnv(t, unreachableOrigin)

	w := do(e.gw, http.MethodPost, "http://x/login", "user=a", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "bad-gateway", w.Header().Get("X-Offsync"))
}

func TestAdminStatus(t *testing.T) {
	e := newEnv(t, unreachableOrigin)

	w := do(e.gw, http.MethodGet, "http://x/offsync/status", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var p statusPayload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.False(t, p.Degraded)
	assert.Equal(t, "test", p.Lifecycle.Version)
	assert.Equal(t, lifecycle.StateActive, p.Lifecycle.State)
}

func TestAdminQueueListAndRetry(t *testing.T) {
	e := newEnv(t, unreachableOrigin)
	do(e.gw, http.MethodPost, "http://x/api/v1/vault/save", `{}`,
		http.Header{"Content-Type": {"application/json"}})
	require.Equal(t, 1, e.q.Len())

	w := do(e.gw, http.MethodGet, "http://x/offsync/queue", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []queue.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)

	// retry only applies to failed entries
	w = do(e.gw, http.MethodPost, "http://x/offsync/queue/retry?id=999", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(e.gw, http.MethodPost, "http://x/offsync/queue/retry", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminTriggers(t *testing.T) {
	e := newEnv(t, unreachableOrigin)

	assert.Equal(t, http.StatusAccepted, do(e.gw, http.MethodPost, "http://x/offsync/flush", "", nil).Code)
	assert.Equal(t, http.StatusNoContent, do(e.gw, http.MethodPost, "http://x/offsync/visible", "", nil).Code)
	assert.Equal(t, http.StatusNoContent, do(e.gw, http.MethodPost, "http://x/offsync/register-sync", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(e.gw, http.MethodGet, "http://x/offsync/nope", "", nil).Code)

	w := do(e.gw, http.MethodPost, "http://x/offsync/notify", `{"url":""}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(e.gw, http.MethodPost, "http://x/offsync/notify", `{"url":"http://hook/sync"}`, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestDegradedModeProxiesEverything(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("from backend"))
	}))
	defer srv.Close()

	cfg := config.Default(srv.URL)
	gw := NewDegraded(&cfg, &Fetcher{Client: srv.Client(), Origin: srv.URL})

	w := do(gw, http.MethodGet, "http://x/app.js", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "from backend", w.Body.String())
	assert.Equal(t, "bypass", w.Header().Get("X-Offsync"))

	// status still answers, every other admin op reports unavailability
	w = do(gw, http.MethodGet, "http://x/offsync/status", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var p statusPayload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.True(t, p.Degraded)

	w = do(gw, http.MethodPost, "http://x/offsync/flush", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestEnsureExposedHeaderMerges(t *testing.T) {
	h := http.Header{}
	ensureExposedHeader(h, "X-Offsync")
	assert.Equal(t, "X-Offsync", h.Get("Access-Control-Expose-Headers"))

	h = http.Header{"Access-Control-Expose-Headers": {"ETag, Link"}}
	ensureExposedHeader(h, "X-Offsync")
	assert.Equal(t, "ETag, Link, X-Offsync", h.Get("Access-Control-Expose-Headers"))

	// already exposed, any case
	h = http.Header{"Access-Control-Expose-Headers": {"x-offsync"}}
	ensureExposedHeader(h, "X-Offsync")
	assert.Equal(t, "x-offsync", h.Get("Access-Control-Expose-Headers"))
}
