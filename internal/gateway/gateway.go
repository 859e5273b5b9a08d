// Package gateway intercepts every request the hosted application sends and
// applies the offline layer: reads go through a per-route cache strategy,
// API writes fall back to the durable queue when the network is down, and an
// admin surface under /offsync/ carries triggers and status out-of-band.
package gateway

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"offsync/internal/cache"
	"offsync/internal/config"
	"offsync/internal/lifecycle"
	"offsync/internal/queue"
	"offsync/internal/syncer"
)

type Gateway struct {
	cfg     *config.Config
	fetcher *Fetcher
	engine  *cache.Engine
	q       *queue.Queue
	coord   *syncer.Coordinator
	lm      *lifecycle.Manager

	// degraded means persistent storage could not be opened: the layer
	// failed to install and the app runs foreground-only, everything
	// proxied straight through.
	degraded bool

	stats *statsCollector

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg *config.Config, fetcher *Fetcher, engine *cache.Engine, q *queue.Queue, coord *syncer.Coordinator, lm *lifecycle.Manager) *Gateway {
	return &Gateway{
		cfg:     cfg,
		fetcher: fetcher,
		engine:  engine,
		q:       q,
		coord:   coord,
		lm:      lm,
		stats:   newStatsCollector(),
		stopCh:  make(chan struct{}),
	}
}

// NewDegraded builds the pass-through gateway used when the store failed to
// open.
func NewDegraded(cfg *config.Config, fetcher *Fetcher) *Gateway {
	return &Gateway{
		cfg:      cfg,
		fetcher:  fetcher,
		degraded: true,
		stats:    newStatsCollector(),
		stopCh:   make(chan struct{}),
	}
}

func (g *Gateway) Degraded() bool { return g.degraded }

// Start launches the periodic stats log line.
func (g *Gateway) Start() {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.statsLoop(5 * time.Minute)
	}()
}

func (g *Gateway) Stop() {
	close(g.stopCh)
	g.wg.Wait()
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if adminPath(r.URL.Path) {
		g.serveAdmin(w, r)
		return
	}
	if g.degraded {
		g.passThrough(w, r)
		return
	}

	d := Classify(r, g.cfg)
	switch d.Kind {
	case KindRead:
		g.serveRead(w, r, d)
	case KindMutation:
		g.serveMutation(w, r)
	default:
		g.passThrough(w, r)
	}
}

func (g *Gateway) serveRead(w http.ResponseWriter, r *http.Request, d Decision) {
	fetch := g.fetcher.ReadFunc(r.Method, r.URL.RequestURI(), r.Header)

	var (
		snap cache.Snapshot
		tag  string
		err  error
	)
	switch d.Policy {
	case config.PolicyCacheFirst:
		snap, tag, err = g.engine.CacheFirst(r.Context(), d.Namespace, d.Key, fetch)
	case config.PolicyStaleWhileRevalidate:
		snap, tag, err = g.engine.StaleWhileRevalidate(r.Context(), d.Namespace, d.Key, fetch)
	default:
		snap, tag, err = g.engine.NetworkFirst(r.Context(), d.Namespace, d.Key, fetch)
	}
	if err != nil {
		g.stats.ObserveTag("offline", 0)
		if d.API {
			writeOfflineJSON(w, err.Error())
			return
		}
		writeOfflinePage(w)
		return
	}
	g.stats.ObserveTag(tag, len(snap.Body))
	writeSnapshot(w, snap, tag)
}

// serveMutation forwards a write. The body is captured up front so a
// transport failure can still queue it; a consumed request body cannot be
// read twice.
func (g *Gateway) serveMutation(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if len(raw) == 0 {
		raw = nil
	}
	uri := r.URL.RequestURI()

	snap, _, err := g.fetcher.Do(r.Context(), r.Method, uri, r.Header, raw)
	if err == nil {
		// Reached the backend; whatever it answered passes through,
		// including its error statuses.
		g.stats.ObserveTag("network", len(snap.Body))
		writeSnapshot(w, snap, "network")
		return
	}

	body, perr := queue.ParseBody(r.Header.Get("Content-Type"), raw)
	if perr != nil {
		if errors.Is(perr, queue.ErrNotReplayable) {
			slog.Warn("dropping unreplayable mutation", "method", r.Method, "uri", uri, "err", perr)
		}
		writeOfflineJSON(w, perr.Error())
		return
	}

	id, qerr := g.q.Enqueue(queue.Mutation{
		URL:    g.fetcher.Origin + uri,
		Method: r.Method,
		Header: mutationHeader(r.Header),
		Body:   body,
	})
	if qerr != nil {
		slog.Warn("enqueue failed", "method", r.Method, "uri", uri, "err", qerr)
		writeOfflineJSON(w, err.Error())
		return
	}
	g.stats.ObserveTag("queued", 0)
	g.coord.BacklogChanged()
	writeQueued(w, err.Error(), id)
}

func (g *Gateway) passThrough(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if len(raw) == 0 {
		raw = nil
	}
	snap, _, err := g.fetcher.Do(r.Context(), r.Method, r.URL.RequestURI(), r.Header, raw)
	if err != nil {
		setOffsyncHeader(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	writeSnapshot(w, snap, "bypass")
}

// mutationHeader snapshots the headers worth replaying. Hop-by-hop and
// length headers are rebuilt at replay time.
func mutationHeader(h http.Header) http.Header {
	out := cloneHeader(h)
	out.Del("Host")
	out.Del("Content-Length")
	out.Del("Connection")
	return out
}
