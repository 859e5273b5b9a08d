package syncer

import (
	"sync"
	"time"

	"offsync/internal/queue"
)

type State string

const (
	StateIdle      State = "idle"
	StateSyncing   State = "syncing"
	StateCompleted State = "completed"
	StateError     State = "error"
	StateOffline   State = "offline"
)

// Status is the message published to the foreground so it can render a
// non-blocking sync indicator.
type Status struct {
	State      State         `json:"state"`
	Online     bool          `json:"online"`
	Pending    int           `json:"pending"`
	LastResult *queue.Result `json:"lastResult,omitempty"`
	ChangedAt  time.Time     `json:"changedAt"`
}

// broadcaster fans Status out to subscribers. Slow subscribers lose updates
// instead of blocking the coordinator.
type broadcaster struct {
	mu   sync.Mutex
	cur  Status
	subs map[chan Status]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{
		cur:  Status{State: StateIdle, Online: true},
		subs: map[chan Status]struct{}{},
	}
}

func (b *broadcaster) Current() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur
}

func (b *broadcaster) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 8)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	ch <- b.cur
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
}

func (b *broadcaster) publish(s Status) {
	s.ChangedAt = time.Now()
	b.mu.Lock()
	b.cur = s
	for ch := range b.subs {
		select {
		case ch <- s:
		default:
		}
	}
	b.mu.Unlock()
}
