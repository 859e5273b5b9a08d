// Package queue makes mutation requests survive process restarts and
// eventually be delivered: a persistent store of typed write operations with
// capacity bounding, retry backoff and an age-based sweep.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"offsync/internal/store"
)

var ErrNotFound = errors.New("queue: entry not found")

type Options struct {
	Max         int
	MaxAttempts int
	Backoff     []time.Duration
	Retention   time.Duration
}

type Queue struct {
	bucket store.Bucket
	client *http.Client
	opts   Options

	mu     sync.Mutex
	nextID uint64
	count  int

	now func() time.Time
}

func Open(db *store.DB, client *http.Client, opts Options) (*Queue, error) {
	q := &Queue{
		bucket: db.Bucket("q:"),
		client: client,
		opts:   opts,
		now:    time.Now,
	}
	err := q.bucket.Range(func(k string, raw []byte) bool {
		id, err := strconv.ParseUint(k, 16, 64)
		if err != nil {
			return true
		}
		if id > q.nextID {
			q.nextID = id
		}
		q.count++
		return true
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

func idKey(id uint64) string { return fmt.Sprintf("%016x", id) }

// Enqueue persists a mutation with status pending. At capacity the single
// oldest entry by enqueue time is evicted first: a new mutation is never
// rejected in favor of preserving an older one.
func (q *Queue) Enqueue(m Mutation) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count >= q.opts.Max {
		if victim, ok := q.oldestLocked(); ok {
			if err := q.bucket.Delete(idKey(victim.ID)); err != nil {
				return 0, err
			}
			q.count--
			slog.Warn("queue: at capacity, evicted oldest", "evicted", victim.ID, "url", victim.URL)
		}
	}

	q.nextID++
	m.ID = q.nextID
	m.EnqueuedAt = q.now().Unix()
	m.Attempts = 0
	m.NextRetryAt = 0
	m.Status = StatusPending
	if err := q.bucket.Put(idKey(m.ID), m); err != nil {
		return 0, err
	}
	q.count++
	return m.ID, nil
}

func (q *Queue) oldestLocked() (Mutation, bool) {
	var victim Mutation
	found := false
	_ = q.bucket.Range(func(k string, raw []byte) bool {
		var m Mutation
		if err := store.Decode(raw, &m); err != nil {
			return true
		}
		if !found || m.EnqueuedAt < victim.EnqueuedAt {
			victim = m
			found = true
		}
		return true
	})
	return victim, found
}

// Process replays every eligible entry in enqueue order. Outcomes are
// independent: one entry's failure neither blocks nor rolls back another's
// success. The caller serializes passes; Process itself does not guard
// against overlap.
func (q *Queue) Process(ctx context.Context) (Result, error) {
	now := q.now().Unix()
	var eligible []Mutation
	q.mu.Lock()
	err := q.bucket.Range(func(k string, raw []byte) bool {
		var m Mutation
		if err := store.Decode(raw, &m); err != nil {
			return true
		}
		if m.Status == StatusFailed || m.Attempts >= q.opts.MaxAttempts || m.NextRetryAt > now {
			return true
		}
		eligible = append(eligible, m)
		return true
	})
	q.mu.Unlock()
	if err != nil {
		return Result{}, err
	}

	res := Result{Total: len(eligible)}
	for i := range eligible {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		m := eligible[i]
		if q.replayOne(ctx, &m) {
			q.remove(m.ID)
			res.Success++
		} else {
			q.recordFailure(&m)
			res.Failed++
		}
	}
	return res, nil
}

// replayOne reconstructs and sends one mutation. Success is any 2xx; a
// transport error or non-success status is a failed attempt. An already
// started replay runs to the transport's own timeout, it is not cancellable
// mid-flight.
func (q *Queue) replayOne(ctx context.Context, m *Mutation) bool {
	req, err := m.BuildRequest(ctx)
	if err != nil {
		slog.Warn("queue: rebuild failed", "id", m.ID, "err", err)
		return false
	}
	resp, err := q.client.Do(req)
	if err != nil {
		slog.Debug("queue: replay failed", "id", m.ID, "url", m.URL, "err", err)
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (q *Queue) remove(id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.bucket.Delete(idKey(id)); err != nil {
		slog.Warn("queue: delete failed", "id", id, "err", err)
		return
	}
	q.count--
}

// recordFailure bumps the attempt count and either schedules the next retry
// from the backoff table (last delay reused past the table's end) or marks
// the entry failed once attempts hit the maximum. Failed entries are
// retained: they stay visible to stats and the age sweep.
func (q *Queue) recordFailure(m *Mutation) {
	m.Attempts++
	if m.Attempts >= q.opts.MaxAttempts {
		m.Status = StatusFailed
		m.NextRetryAt = 0
		slog.Warn("queue: giving up", "id", m.ID, "url", m.URL, "attempts", m.Attempts)
	} else {
		m.Status = StatusRetrying
		m.NextRetryAt = q.now().Add(q.backoffFor(m.Attempts)).Unix()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.bucket.Put(idKey(m.ID), *m); err != nil {
		slog.Warn("queue: persist failure state", "id", m.ID, "err", err)
	}
}

func (q *Queue) backoffFor(attempts int) time.Duration {
	i := attempts - 1
	if i >= len(q.opts.Backoff) {
		i = len(q.opts.Backoff) - 1
	}
	if i < 0 {
		i = 0
	}
	return q.opts.Backoff[i]
}

// Sweep removes entries older than the retention window regardless of
// status, bounding growth from mutations that stay undeliverable forever.
func (q *Queue) Sweep() (int, error) {
	cutoff := q.now().Add(-q.opts.Retention).Unix()
	var stale []uint64
	q.mu.Lock()
	defer q.mu.Unlock()
	err := q.bucket.Range(func(k string, raw []byte) bool {
		var m Mutation
		if err := store.Decode(raw, &m); err != nil {
			return true
		}
		if m.EnqueuedAt < cutoff {
			stale = append(stale, m.ID)
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	for _, id := range stale {
		if err := q.bucket.Delete(idKey(id)); err != nil {
			return 0, err
		}
		q.count--
	}
	return len(stale), nil
}

// Retry resets a terminally failed entry for another round of delivery.
func (q *Queue) Retry(id uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var m Mutation
	if err := q.bucket.Get(idKey(id), &m); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if m.Status != StatusFailed {
		return fmt.Errorf("queue: entry %d is %s, only failed entries can be resubmitted", id, m.Status)
	}
	m.Status = StatusPending
	m.Attempts = 0
	m.NextRetryAt = 0
	return q.bucket.Put(idKey(id), m)
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var st Stats
	_ = q.bucket.Range(func(k string, raw []byte) bool {
		var m Mutation
		if err := store.Decode(raw, &m); err != nil {
			return true
		}
		switch m.Status {
		case StatusPending:
			st.Pending++
		case StatusRetrying:
			st.Retrying++
		case StatusFailed:
			st.Failed++
		}
		st.Total++
		return true
	})
	return st
}

// List returns summaries in enqueue order for the admin surface.
func (q *Queue) List() []Summary {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Summary
	_ = q.bucket.Range(func(k string, raw []byte) bool {
		var m Mutation
		if err := store.Decode(raw, &m); err != nil {
			return true
		}
		out = append(out, m.summary())
		return true
	})
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}
