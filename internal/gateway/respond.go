package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"offsync/internal/cache"
)

const offlinePage = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>Offline</title></head>
<body>
<h1>You are offline</h1>
<p>This page is not available offline. It will load once the connection returns.</p>
</body>
</html>
`

func writeSnapshot(w http.ResponseWriter, snap cache.Snapshot, tag string) {
	for k, vs := range snap.Header {
		if strings.EqualFold(k, "x-offsync") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOffsyncHeader(w.Header(), tag)
	w.WriteHeader(snap.Status)
	_, _ = w.Write(snap.Body)
}

// writeOfflineJSON is the read fallback for undeliverable API requests.
func writeOfflineJSON(w http.ResponseWriter, msg string) {
	setOffsyncHeader(w.Header(), "offline")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(map[string]any{"offline": true, "error": msg})
}

func writeOfflinePage(w http.ResponseWriter) {
	setOffsyncHeader(w.Header(), "offline")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(offlinePage))
}

// writeQueued acknowledges a mutation accepted for later delivery: neither
// success nor hard failure.
func writeQueued(w http.ResponseWriter, msg string, id uint64) {
	setOffsyncHeader(w.Header(), "queued")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"queued": true, "error": msg, "id": id})
}

func setOffsyncHeader(h http.Header, tag string) {
	if tag != "" {
		h.Set("X-Offsync", tag)
	}
	// If this is used from a browser in a CORS context, custom headers are not
	// readable by JS unless explicitly exposed.
	ensureExposedHeader(h, "X-Offsync")
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	// Merge into a single comma-separated value.
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
