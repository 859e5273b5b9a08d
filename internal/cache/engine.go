package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// FetchFunc performs the network half of a strategy. cacheable is false for
// responses that must not be stored (non-2xx, no-store); err is a transport
// failure only — an HTTP error status is still a delivered response.
type FetchFunc func(ctx context.Context) (snap Snapshot, cacheable bool, err error)

// Engine applies a read strategy per request. Background refreshes are
// bounded by a semaphore and run on their own timeout, detached from the
// caller's context so an abandoned foreground read does not cancel them.
type Engine struct {
	store *Store

	bgSem          chan struct{}
	refreshTimeout time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewEngine(s *Store) *Engine {
	return &Engine{
		store:          s,
		bgSem:          make(chan struct{}, 32),
		refreshTimeout: 30 * time.Second,
		stopCh:         make(chan struct{}),
	}
}

func (e *Engine) Store() *Store { return e.store }

// Close waits for in-flight background refreshes.
func (e *Engine) Close() {
	close(e.stopCh)
	e.wg.Wait()
}

// CacheFirst serves a warm entry without waiting on the network and
// refreshes it in the background. A miss falls through to the network.
func (e *Engine) CacheFirst(ctx context.Context, ns Namespace, key string, fetch FetchFunc) (Snapshot, string, error) {
	if snap, ok := e.store.Get(ns, key); ok {
		e.refreshAsync(ns, key, fetch)
		return snap, "hit", nil
	}
	return e.fetchAndStore(ctx, ns, key, fetch)
}

// NetworkFirst tries the network and only consults the cache after an
// observed transport failure.
func (e *Engine) NetworkFirst(ctx context.Context, ns Namespace, key string, fetch FetchFunc) (Snapshot, string, error) {
	snap, cacheable, err := fetch(ctx)
	if err == nil {
		if cacheable {
			e.store.Put(ns, key, snap)
		}
		return snap, "network", nil
	}
	if cached, ok := e.store.Get(ns, key); ok {
		return cached, "stale", nil
	}
	return Snapshot{}, "", err
}

// StaleWhileRevalidate returns whatever is cached, always kicking off a
// refresh. With nothing cached the caller waits on the network.
func (e *Engine) StaleWhileRevalidate(ctx context.Context, ns Namespace, key string, fetch FetchFunc) (Snapshot, string, error) {
	if snap, ok := e.store.Get(ns, key); ok {
		e.refreshAsync(ns, key, fetch)
		return snap, "hit", nil
	}
	return e.fetchAndStore(ctx, ns, key, fetch)
}

// Warm populates an entry synchronously. Used by lifecycle precaching.
func (e *Engine) Warm(ctx context.Context, ns Namespace, key string, fetch FetchFunc) error {
	_, _, err := e.fetchAndStore(ctx, ns, key, fetch)
	return err
}

func (e *Engine) fetchAndStore(ctx context.Context, ns Namespace, key string, fetch FetchFunc) (Snapshot, string, error) {
	snap, cacheable, err := fetch(ctx)
	if err != nil {
		return Snapshot{}, "", err
	}
	if cacheable {
		e.store.Put(ns, key, snap)
	}
	return snap, "miss", nil
}

// refreshAsync revalidates an entry off the request path. Errors are
// swallowed: the caller already has its answer.
func (e *Engine) refreshAsync(ns Namespace, key string, fetch FetchFunc) {
	select {
	case <-e.stopCh:
		return
	default:
	}
	select {
	case e.bgSem <- struct{}{}:
	default:
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() { <-e.bgSem }()

		ctx, cancel := context.WithTimeout(context.Background(), e.refreshTimeout)
		defer cancel()

		snap, cacheable, err := fetch(ctx)
		if err != nil {
			slog.Debug("cache: refresh failed", "ns", ns, "key", key, "err", err)
			return
		}
		if !cacheable {
			e.store.Delete(ns, key)
			return
		}
		if cur, ok := e.store.Get(ns, key); ok && cur.Hash32 == snap.Hash32 {
			return
		}
		e.store.Put(ns, key, snap)
	}()
}
