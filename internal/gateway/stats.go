package gateway

import (
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"offsync/internal/config"
)

type statsCollector struct {
	hits    atomic.Uint64
	misses  atomic.Uint64
	queued  atomic.Uint64
	offline atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) ObserveTag(tag string, respBytes int) {
	switch tag {
	case "hit", "stale":
		s.hits.Add(1)
	case "miss", "network":
		s.misses.Add(1)
	case "queued":
		s.queued.Add(1)
		return
	case "offline":
		s.offline.Add(1)
		return
	default:
		return
	}

	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)
	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur {
			break
		}
		if s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur {
			break
		}
		if s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Hits           uint64
	Misses         uint64
	Queued         uint64
	Offline        uint64
	TotalResponses uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		Hits:           s.hits.Load(),
		Misses:         s.misses.Load(),
		Queued:         s.queued.Load(),
		Offline:        s.offline.Load(),
		TotalResponses: s.totalResponses.Load(),
		MinRespBytes:   s.minRespBytes.Load(),
		MaxRespBytes:   s.maxRespBytes.Load(),
	}
	if out.TotalResponses == 0 {
		out.MinRespBytes = 0
		return out
	}
	if out.MinRespBytes == math.MaxUint64 {
		out.MinRespBytes = 0
	}
	out.AvgRespBytes = s.totalRespBytes.Load() / out.TotalResponses
	return out
}

func (g *Gateway) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-t.C:
			ss := g.stats.Snapshot()
			args := []any{
				"hits", ss.Hits,
				"misses", ss.Misses,
				"queued", ss.Queued,
				"offline", ss.Offline,
				"respMin", config.FormatBytes(ss.MinRespBytes),
				"respAvg", config.FormatBytes(ss.AvgRespBytes),
				"respMax", config.FormatBytes(ss.MaxRespBytes),
			}
			if !g.degraded {
				args = append(args,
					"cacheSize", config.FormatBytes(uint64(g.engine.Store().TotalSize())),
					"backlog", g.q.Len(),
				)
			}
			if rss, ok := processRSSBytes(); ok {
				args = append(args, "rss", config.FormatBytes(rss))
			}
			slog.Info("gateway stats", args...)
		}
	}
}
