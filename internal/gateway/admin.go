package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"offsync/internal/cache"
	"offsync/internal/config"
	"offsync/internal/lifecycle"
	"offsync/internal/queue"
	"offsync/internal/syncer"
)

const adminPrefix = "/offsync/"

func adminPath(p string) bool { return strings.HasPrefix(p, adminPrefix) }

// statusPayload is the point-in-time view served on /offsync/status.
type statusPayload struct {
	Degraded  bool                                `json:"degraded"`
	Sync      syncer.Status                       `json:"sync"`
	Queue     queue.Stats                         `json:"queue"`
	Cache     map[cache.Namespace]cache.Inventory `json:"cache,omitempty"`
	CacheSize string                              `json:"cacheSize,omitempty"`
	Lifecycle lifecycle.Status                    `json:"lifecycle,omitempty"`
	RSS       string                              `json:"rss,omitempty"`
}

func (g *Gateway) serveAdmin(w http.ResponseWriter, r *http.Request) {
	op := strings.TrimPrefix(r.URL.Path, adminPrefix)

	if g.degraded && op != "status" {
		writeOfflineJSON(w, "offline layer unavailable, running foreground-only")
		return
	}

	switch {
	case op == "status" && r.Method == http.MethodGet:
		g.serveStatus(w)
	case op == "events" && r.Method == http.MethodGet:
		g.serveEvents(w, r)
	case op == "flush" && r.Method == http.MethodPost:
		g.coord.FlushNow()
		w.WriteHeader(http.StatusAccepted)
	case op == "visible" && r.Method == http.MethodPost:
		g.coord.OnVisible()
		w.WriteHeader(http.StatusNoContent)
	case op == "register-sync" && r.Method == http.MethodPost:
		g.coord.RegisterDeferred()
		w.WriteHeader(http.StatusNoContent)
	case op == "notify" && r.Method == http.MethodPost:
		g.serveNotify(w, r)
	case op == "update" && r.Method == http.MethodPost:
		g.lm.ForceActivate()
		w.WriteHeader(http.StatusNoContent)
	case op == "queue" && r.Method == http.MethodGet:
		writeJSON(w, g.q.List())
	case op == "queue/retry" && r.Method == http.MethodPost:
		g.serveRetry(w, r)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (g *Gateway) serveStatus(w http.ResponseWriter) {
	p := statusPayload{Degraded: g.degraded}
	if !g.degraded {
		p.Sync = g.coord.Current()
		p.Queue = g.q.Stats()
		p.Cache = g.engine.Store().Inventory()
		p.CacheSize = config.FormatBytes(uint64(g.engine.Store().TotalSize()))
		p.Lifecycle = g.lm.Status()
	}
	if rss, ok := processRSSBytes(); ok {
		p.RSS = config.FormatBytes(rss)
	}
	writeJSON(w, p)
}

// serveEvents streams status updates as newline-delimited JSON until the
// client goes away.
func (g *Gateway) serveEvents(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sub, cancel := g.coord.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-g.stopCh:
			return
		case st := <-sub:
			if err := enc.Encode(st); err != nil {
				return
			}
			fl.Flush()
		}
	}
}

func (g *Gateway) serveNotify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		http.Error(w, "url required", http.StatusBadRequest)
		return
	}
	g.coord.EnableNotifications(req.URL)
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) serveRetry(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.URL.Query().Get("id"), 10, 64)
	if err != nil {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}
	if err := g.q.Retry(id); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	g.coord.FlushNow()
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
