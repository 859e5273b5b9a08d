// Package syncer decides when to drain the mutation queue: on connectivity
// regained, on the app returning to the foreground, on explicit request, or
// on a periodic fallback timer for hosts without event-driven deferred
// execution.
package syncer

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"offsync/internal/queue"
)

type Options struct {
	ProbeURL   string // origin health endpoint
	ProbeEvery time.Duration
	PollEvery  time.Duration
	SweepEvery time.Duration
}

type Coordinator struct {
	q      *queue.Queue
	client *http.Client
	opts   Options

	// inProgress serializes flushes; the queue's state is not designed for
	// two simultaneous drains. Triggers during a running pass are coalesced.
	inProgress atomic.Bool
	online     atomic.Bool
	deferred   atomic.Bool

	status   *broadcaster
	notifier *webhookNotifier

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(q *queue.Queue, client *http.Client, opts Options) *Coordinator {
	if opts.SweepEvery == 0 {
		opts.SweepEvery = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		q:        q,
		client:   client,
		opts:     opts,
		status:   newBroadcaster(),
		notifier: newWebhookNotifier(client),
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
	}
	c.online.Store(true)
	return c
}

func (c *Coordinator) Start() {
	c.wg.Add(3)
	go func() { defer c.wg.Done(); c.probeLoop() }()
	go func() { defer c.wg.Done(); c.pollLoop() }()
	go func() { defer c.wg.Done(); c.sweepLoop() }()
}

func (c *Coordinator) Stop() {
	c.cancel()
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Coordinator) Online() bool    { return c.online.Load() }
func (c *Coordinator) Current() Status { return c.status.Current() }

func (c *Coordinator) Subscribe() (<-chan Status, func()) { return c.status.Subscribe() }

// RegisterDeferred records that the host platform provides event-driven
// deferred execution. The periodic fallback timer stays idle for the rest of
// the session; flushes happen only on events.
func (c *Coordinator) RegisterDeferred() {
	if c.deferred.CompareAndSwap(false, true) {
		slog.Info("deferred execution registered, periodic fallback disabled")
	}
}

// EnableNotifications installs the summary webhook. Called only after the
// host reports the user granted notification permission.
func (c *Coordinator) EnableNotifications(url string) {
	c.notifier.SetURL(url)
}

// OnVisible handles the app regaining foreground visibility.
func (c *Coordinator) OnVisible() {
	if c.Online() {
		c.flushAsync("visible")
	}
}

// FlushNow handles an explicit user- or application-initiated sync request.
func (c *Coordinator) FlushNow() {
	c.flushAsync("manual")
}

// BacklogChanged republishes the current status with a fresh pending count.
// The gateway calls this after queueing a mutation.
func (c *Coordinator) BacklogChanged() {
	cur := c.status.Current()
	st := c.q.Stats()
	cur.Pending = st.Pending + st.Retrying
	cur.Online = c.Online()
	if !cur.Online {
		cur.State = StateOffline
	}
	c.status.publish(cur)
}

func (c *Coordinator) flushAsync(reason string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.flush(reason)
	}()
}

// flush runs one queue pass. An empty queue surfaces nothing at all.
func (c *Coordinator) flush(reason string) {
	if !c.inProgress.CompareAndSwap(false, true) {
		slog.Debug("sync trigger coalesced", "reason", reason)
		return
	}
	defer c.inProgress.Store(false)

	st := c.q.Stats()
	if st.Pending+st.Retrying == 0 {
		return
	}

	slog.Info("sync pass starting", "reason", reason, "pending", st.Pending, "retrying", st.Retrying)
	c.status.publish(Status{State: StateSyncing, Online: c.Online(), Pending: st.Pending + st.Retrying})

	res, err := c.q.Process(c.ctx)
	after := c.q.Stats()
	remaining := after.Pending + after.Retrying
	if err != nil {
		slog.Warn("sync pass aborted", "reason", reason, "err", err)
		c.status.publish(Status{State: StateError, Online: c.Online(), Pending: remaining, LastResult: &res})
		return
	}
	c.status.publish(Status{State: StateCompleted, Online: c.Online(), Pending: remaining, LastResult: &res})
	c.notifier.Notify(c.ctx, res)
}

// probeLoop watches origin reachability. The offline→online edge is the
// highest-priority flush trigger.
func (c *Coordinator) probeLoop() {
	t := time.NewTicker(c.opts.ProbeEvery)
	defer t.Stop()
	for {
		c.probeOnce()
		select {
		case <-c.stopCh:
			return
		case <-t.C:
		}
	}
}

func (c *Coordinator) probeOnce() {
	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	ok := false
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.ProbeURL, nil)
	if err == nil {
		resp, err := c.client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			ok = resp.StatusCode >= 200 && resp.StatusCode < 300
		}
	}

	was := c.online.Swap(ok)
	switch {
	case ok && !was:
		slog.Info("origin reachable again")
		cur := c.status.Current()
		cur.State = StateIdle
		cur.Online = true
		c.status.publish(cur)
		c.flushAsync("online")
	case !ok && was:
		slog.Info("origin unreachable, going offline")
		st := c.q.Stats()
		c.status.publish(Status{State: StateOffline, Online: false, Pending: st.Pending + st.Retrying})
	}
}

// pollLoop is the passive fallback used only while no event-driven deferred
// execution is registered.
func (c *Coordinator) pollLoop() {
	t := time.NewTicker(c.opts.PollEvery)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			if c.deferred.Load() || !c.Online() {
				continue
			}
			c.flush("poll")
		}
	}
}

func (c *Coordinator) sweepLoop() {
	t := time.NewTicker(c.opts.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			n, err := c.q.Sweep()
			if err != nil {
				slog.Warn("queue sweep failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("queue sweep", "removed", n)
			}
		}
	}
}
