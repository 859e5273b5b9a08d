package gateway

import (
	"net/http"
	"strings"

	"offsync/internal/cache"
	"offsync/internal/config"
)

type Kind int

const (
	// KindRead flows through a cache strategy.
	KindRead Kind = iota
	// KindMutation is forwarded, and queued if the network is unreachable.
	KindMutation
	// KindBypass is forwarded untouched, never cached or queued.
	KindBypass
)

type Decision struct {
	Kind      Kind
	API       bool
	Namespace cache.Namespace
	Policy    config.Policy
	Key       string
}

// Classify routes a request to its handling path: application-asset reads
// default to cache-first, backend API reads to network-first, API writes to
// network-first-with-queue-fallback. Configured routes override the read
// policy.
func Classify(r *http.Request, cfg *config.Config) Decision {
	path := r.URL.Path
	api := strings.HasPrefix(path, "/api/")

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		d := Decision{
			Kind: KindRead,
			API:  api,
			Key:  r.Method + " " + r.URL.RequestURI(),
		}
		if api {
			d.Namespace = cache.NamespaceAPI
			d.Policy = config.PolicyNetworkFirst
		} else {
			d.Namespace = cache.NamespaceAssets
			d.Policy = config.PolicyCacheFirst
		}
		if rt := cfg.PickRoute(path); rt != nil {
			d.Policy = rt.Policy
		}
		return d
	default:
		if api {
			return Decision{Kind: KindMutation, API: true}
		}
		return Decision{Kind: KindBypass}
	}
}
