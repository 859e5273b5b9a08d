package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy selects how a read route interacts with the cache.
type Policy string

const (
	PolicyCacheFirst           Policy = "cache-first"
	PolicyNetworkFirst         Policy = "network-first"
	PolicyStaleWhileRevalidate Policy = "stale-while-revalidate"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Storage struct {
		Path          string  `yaml:"path"`
		Quota         string  `yaml:"quota"`
		HighWater     float64 `yaml:"highWater"`
		EvictFraction float64 `yaml:"evictFraction"`

		// compiled
		QuotaBytes int64 `yaml:"-"`
	} `yaml:"storage"`

	Queue struct {
		Max         int      `yaml:"max"`
		MaxAttempts int      `yaml:"maxAttempts"`
		Backoff     []string `yaml:"backoff"`
		Retention   string   `yaml:"retention"`

		// compiled
		BackoffDurs  []time.Duration `yaml:"-"`
		RetentionDur time.Duration   `yaml:"-"`
	} `yaml:"queue"`

	Sync struct {
		PollEvery  string `yaml:"pollEvery"`
		ProbeEvery string `yaml:"probeEvery"`
		ProbePath  string `yaml:"probePath"`

		// compiled
		PollDur  time.Duration `yaml:"-"`
		ProbeDur time.Duration `yaml:"-"`
	} `yaml:"sync"`

	Lifecycle struct {
		Version        string   `yaml:"version"`
		Precache       []string `yaml:"precache"`
		ActivateOnIdle string   `yaml:"activateOnIdle"`

		// compiled
		IdleDur time.Duration `yaml:"-"`
	} `yaml:"lifecycle"`

	Routes []Route `yaml:"routes"`
}

type Route struct {
	Match    string `yaml:"match"`
	Policy   Policy `yaml:"policy"`
	Priority int    `yaml:"priority"`

	// compiled
	matchers []pathPrefixMatcher
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

// pollCeiling bounds the periodic fallback interval. Longer intervals make
// the queue effectively undeliverable on hosts without event-driven sync.
const pollCeiling = 24 * time.Hour

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns a config with every field at its default, origin excepted.
// Used by tests and by hosts that configure programmatically.
func Default(origin string) Config {
	var cfg Config
	cfg.Server.Origin = origin
	if err := cfg.compile(); err != nil {
		panic(err) // defaults are static, cannot fail
	}
	return cfg
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8370
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/offsync"
	}
	if cfg.Storage.Quota == "" {
		cfg.Storage.Quota = "50mb"
	}
	quota, err := ParseBytes(cfg.Storage.Quota)
	if err != nil {
		return fmt.Errorf("storage.quota: %w", err)
	}
	cfg.Storage.QuotaBytes = quota
	if cfg.Storage.HighWater == 0 {
		cfg.Storage.HighWater = 0.8
	}
	if cfg.Storage.HighWater <= 0 || cfg.Storage.HighWater > 1 {
		return fmt.Errorf("storage.highWater must be in (0, 1]")
	}
	if cfg.Storage.EvictFraction == 0 {
		cfg.Storage.EvictFraction = 0.25
	}
	if cfg.Storage.EvictFraction <= 0 || cfg.Storage.EvictFraction > 1 {
		return fmt.Errorf("storage.evictFraction must be in (0, 1]")
	}

	if cfg.Queue.Max == 0 {
		cfg.Queue.Max = 100
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if len(cfg.Queue.Backoff) == 0 {
		cfg.Queue.Backoff = []string{"1s", "5s", "15s"}
	}
	cfg.Queue.BackoffDurs = cfg.Queue.BackoffDurs[:0]
	for i, s := range cfg.Queue.Backoff {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("queue.backoff[%d]: %w", i, err)
		}
		cfg.Queue.BackoffDurs = append(cfg.Queue.BackoffDurs, d)
	}
	if cfg.Queue.Retention == "" {
		cfg.Queue.Retention = "168h"
	}
	cfg.Queue.RetentionDur, err = time.ParseDuration(cfg.Queue.Retention)
	if err != nil {
		return fmt.Errorf("queue.retention: %w", err)
	}

	if cfg.Sync.PollEvery == "" {
		cfg.Sync.PollEvery = "5m"
	}
	cfg.Sync.PollDur, err = time.ParseDuration(cfg.Sync.PollEvery)
	if err != nil {
		return fmt.Errorf("sync.pollEvery: %w", err)
	}
	if cfg.Sync.PollDur > pollCeiling {
		return fmt.Errorf("sync.pollEvery: %s exceeds ceiling %s", cfg.Sync.PollDur, pollCeiling)
	}
	if cfg.Sync.ProbeEvery == "" {
		cfg.Sync.ProbeEvery = "15s"
	}
	cfg.Sync.ProbeDur, err = time.ParseDuration(cfg.Sync.ProbeEvery)
	if err != nil {
		return fmt.Errorf("sync.probeEvery: %w", err)
	}
	if cfg.Sync.ProbePath == "" {
		cfg.Sync.ProbePath = "/api/health"
	}

	if cfg.Lifecycle.ActivateOnIdle == "" {
		cfg.Lifecycle.ActivateOnIdle = "30s"
	}
	cfg.Lifecycle.IdleDur, err = time.ParseDuration(cfg.Lifecycle.ActivateOnIdle)
	if err != nil {
		return fmt.Errorf("lifecycle.activateOnIdle: %w", err)
	}

	for i := range cfg.Routes {
		r := &cfg.Routes[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("routes[%d].match: %w", i, err)
		}
		r.matchers = ms
		switch r.Policy {
		case PolicyCacheFirst, PolicyNetworkFirst, PolicyStaleWhileRevalidate:
		default:
			return fmt.Errorf("routes[%d].policy: unknown policy %q", i, r.Policy)
		}
	}

	sort.SliceStable(cfg.Routes, func(i, j int) bool {
		return cfg.Routes[i].Priority < cfg.Routes[j].Priority
	})

	return nil
}

func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathPrefixMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")")
		inside = strings.TrimSpace(inside)
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func (r *Route) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}

// PickRoute returns the first configured route matching path, or nil.
// Routes are already sorted by priority.
func (cfg *Config) PickRoute(path string) *Route {
	for i := range cfg.Routes {
		r := &cfg.Routes[i]
		if r.Matches(path) {
			return r
		}
	}
	return nil
}
