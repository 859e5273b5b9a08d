package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"offsync/internal/cache"
	"offsync/internal/config"
	"offsync/internal/gateway"
	"offsync/internal/lifecycle"
	"offsync/internal/queue"
	"offsync/internal/store"
	"offsync/internal/syncer"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the interception gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return serve(cfg)
		},
	}
}

func serve(cfg config.Config) error {
	client := &http.Client{Timeout: 30 * time.Second}
	fetcher := &gateway.Fetcher{Client: client, Origin: cfg.Server.Origin}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, teardown, err := buildGateway(ctx, &cfg, client, fetcher)
	if err != nil {
		return err
	}
	defer teardown()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           gw,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("offsync listening", "addr", addr, "origin", cfg.Server.Origin, "degraded", gw.Degraded())
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return nil
}

// buildGateway wires the layer. A storage failure is the degraded path: the
// app still runs foreground-only through a plain pass-through proxy, and the
// condition is reported, not fatal.
func buildGateway(ctx context.Context, cfg *config.Config, client *http.Client, fetcher *gateway.Fetcher) (*gateway.Gateway, func(), error) {
	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		slog.Warn("storage unavailable, running foreground-only", "path", cfg.Storage.Path, "err", err)
		gw := gateway.NewDegraded(cfg, fetcher)
		gw.Start()
		return gw, gw.Stop, nil
	}

	cstore, err := cache.NewStore(db, cfg.Storage.QuotaBytes, cfg.Storage.HighWater, cfg.Storage.EvictFraction)
	if err != nil {
		_ = db.Close()
		slog.Warn("cache index unreadable, running foreground-only", "err", err)
		gw := gateway.NewDegraded(cfg, fetcher)
		gw.Start()
		return gw, gw.Stop, nil
	}
	engine := cache.NewEngine(cstore)

	q, err := queue.Open(db, client, queue.Options{
		Max:         cfg.Queue.Max,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Backoff:     cfg.Queue.BackoffDurs,
		Retention:   cfg.Queue.RetentionDur,
	})
	if err != nil {
		engine.Close()
		_ = db.Close()
		return nil, nil, fmt.Errorf("open queue: %w", err)
	}

	coord := syncer.New(q, client, syncer.Options{
		ProbeURL:   cfg.Server.Origin + cfg.Sync.ProbePath,
		ProbeEvery: cfg.Sync.ProbeDur,
		PollEvery:  cfg.Sync.PollDur,
	})

	warm := func(ctx context.Context, path string) error {
		key := http.MethodGet + " " + path
		return engine.Warm(ctx, cache.NamespaceAssets, key, fetcher.ReadFunc(http.MethodGet, path, nil))
	}
	onActivate := func() {
		n, err := cstore.DropOldVersions()
		if err != nil {
			slog.Warn("dropping old cache versions failed", "err", err)
			return
		}
		if n > 0 {
			slog.Info("dropped old cache versions", "entries", n)
		}
	}
	lm := lifecycle.New(db, cfg.Lifecycle.Version, cfg.Lifecycle.Precache, cfg.Lifecycle.IdleDur, warm, onActivate)

	gw := gateway.New(cfg, fetcher, engine, q, coord, lm)

	if err := lm.Install(ctx); err != nil {
		slog.Warn("install incomplete", "err", err)
	}
	lm.Start()
	coord.Start()
	gw.Start()

	teardown := func() {
		gw.Stop()
		coord.Stop()
		lm.Stop()
		engine.Close()
		_ = db.Close()
	}
	return gw, teardown, nil
}
