// Package lifecycle governs install, update and activation of the layer
// itself. A new build registers, precaches its assets, and only takes over
// once no elder build is still serving — or when the user explicitly asks.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"offsync/internal/store"
)

type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActive     State = "active"
)

// Record is one deployed version's registry entry. UpdatedAt is the
// heartbeat; an active version whose heartbeat goes stale for longer than
// the idle window is treated as gone.
type Record struct {
	Version     string
	State       State
	InstalledAt int64
	UpdatedAt   int64
}

// WarmFunc populates one asset path into the cache during install.
type WarmFunc func(ctx context.Context, path string) error

type Status struct {
	Version     string `json:"version"`
	State       State  `json:"state"`
	UpdateReady bool   `json:"updateReady"`
}

type Manager struct {
	bucket   store.Bucket
	version  string
	precache []string
	idle     time.Duration
	warm     WarmFunc

	// onActivate runs exactly once, after this version takes over.
	onActivate func()
	activated  atomic.Bool

	mu    sync.Mutex
	state State

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(db *store.DB, version string, precache []string, idle time.Duration, warm WarmFunc, onActivate func()) *Manager {
	if version == "" {
		version = uuid.NewString()
	}
	return &Manager{
		bucket:     db.Bucket("l:"),
		version:    version,
		precache:   precache,
		idle:       idle,
		warm:       warm,
		onActivate: onActivate,
		stopCh:     make(chan struct{}),
	}
}

func (m *Manager) Version() string { return m.version }

// Install registers this version and precaches its asset paths. Per-path
// failures are logged and don't fail the install; a version with a half-warm
// cache is still better than no version. Activation follows unless an elder
// version is still live, in which case this version waits.
func (m *Manager) Install(ctx context.Context) error {
	now := time.Now().Unix()
	m.setState(StateInstalling)
	if err := m.putRecord(Record{Version: m.version, State: StateInstalling, InstalledAt: now, UpdatedAt: now}); err != nil {
		return err
	}

	stored, failed := 0, 0
	for _, p := range m.precache {
		if err := m.warm(ctx, p); err != nil {
			slog.Warn("precache failed", "path", p, "err", err)
			failed++
			continue
		}
		stored++
	}
	slog.Info("precache done", "stored", stored, "failed", failed)

	m.setState(StateInstalled)
	if err := m.putRecord(Record{Version: m.version, State: StateInstalled, InstalledAt: now, UpdatedAt: time.Now().Unix()}); err != nil {
		return err
	}

	if m.TryActivate() {
		return nil
	}
	slog.Info("elder version still active, waiting", "version", m.version)
	return nil
}

// TryActivate activates unless another live version holds the active state.
// Returns whether this version is (now) active.
func (m *Manager) TryActivate() bool {
	if m.activated.Load() {
		return true
	}
	if m.elderActive() {
		return false
	}
	m.activate()
	return true
}

// ForceActivate is the user-consent path ("update now"): take over even if
// an elder version is still live.
func (m *Manager) ForceActivate() {
	m.activate()
}

// activate transitions every consumer to this version exactly once; the
// guard absorbs duplicate activation signals.
func (m *Manager) activate() {
	if !m.activated.CompareAndSwap(false, true) {
		return
	}
	if _, err := m.bucket.DeleteRange(func(k string) bool { return k == m.version }); err != nil {
		slog.Warn("purging elder version records failed", "err", err)
	}
	now := time.Now().Unix()
	if err := m.putRecord(Record{Version: m.version, State: StateActive, InstalledAt: now, UpdatedAt: now}); err != nil {
		slog.Warn("persist active record failed", "err", err)
	}
	m.setState(StateActive)
	if m.onActivate != nil {
		m.onActivate()
	}
	slog.Info("version activated", "version", m.version)
}

func (m *Manager) elderActive() bool {
	cutoff := time.Now().Add(-m.idle).Unix()
	live := false
	_ = m.bucket.Range(func(k string, raw []byte) bool {
		if k == m.version {
			return true
		}
		var r Record
		if err := store.Decode(raw, &r); err != nil {
			return true
		}
		if r.State == StateActive && r.UpdatedAt >= cutoff {
			live = true
			return false
		}
		return true
	})
	return live
}

// Start runs the heartbeat loop: an active version refreshes its record, a
// waiting one re-checks whether the elder has gone away. Check failures are
// logged and retried on the next beat, never fatal.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTicker(m.idle / 3)
		defer t.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-t.C:
				m.beat()
			}
		}
	}()
}

func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) beat() {
	if !m.activated.Load() {
		m.TryActivate()
		return
	}
	var r Record
	if err := m.bucket.Get(m.version, &r); err != nil {
		slog.Warn("heartbeat read failed", "err", err)
		return
	}
	r.UpdatedAt = time.Now().Unix()
	if err := m.putRecord(r); err != nil {
		slog.Warn("heartbeat write failed", "err", err)
	}
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	st := m.state
	m.mu.Unlock()
	return Status{
		Version:     m.version,
		State:       st,
		UpdateReady: st == StateInstalled, // installed but not active: takeover is one consent away
	}
}

func (m *Manager) putRecord(r Record) error {
	return m.bucket.Put(r.Version, r)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}
