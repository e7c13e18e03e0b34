// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shiftcam/shiftcam/internal/api"
	"github.com/shiftcam/shiftcam/internal/auth"
	"github.com/shiftcam/shiftcam/internal/bus"
	"github.com/shiftcam/shiftcam/internal/command"
	"github.com/shiftcam/shiftcam/internal/config"
	"github.com/shiftcam/shiftcam/internal/directory"
	sclog "github.com/shiftcam/shiftcam/internal/log"
	"github.com/shiftcam/shiftcam/internal/metrics"
	"github.com/shiftcam/shiftcam/internal/presence"
	"github.com/shiftcam/shiftcam/internal/session"
	"github.com/shiftcam/shiftcam/internal/token"
)

var (
	version = "dev"
	commit  = "none"
)

const shutdownTimeout = 10 * time.Second

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("shiftcamd %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	sclog.Configure(sclog.Config{
		Level:   "info",
		Service: "shiftcam",
		Version: version,
	})
	logger := sclog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", *configPath).
			Msg("failed to load configuration")
	}

	sclog.Configure(sclog.Config{
		Level:   cfg.LogLevel,
		Service: "shiftcam",
		Version: version,
	})

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "startup.datadir_failed").
			Str("path", cfg.DataDir).
			Msg("cannot create data directory")
	}

	store, err := session.NewSqliteStore(filepath.Join(cfg.DataDir, "shiftcam.db"))
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "startup.store_failed").
			Msg("cannot open session store")
	}
	defer func() { _ = store.Close() }()

	// Sessions survive restarts, so the gauge must be seeded from the store.
	if n, err := store.ActiveCount(ctx); err == nil {
		metrics.ActiveStreams.Set(float64(n))
	}

	pingers := []api.Pinger{
		pingFunc(func(ctx context.Context) error { return store.DB.PingContext(ctx) }),
	}

	// An empty Redis address selects the in-process bus and ledger,
	// which only works for single-instance deployments.
	var (
		msgBus bus.Bus
		ledger bus.Ledger
	)
	if cfg.Redis.Addr != "" {
		client, err := bus.NewRedisClient(bus.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, sclog.WithComponent("redis"))
		if err != nil {
			logger.Fatal().
				Err(err).
				Str("event", "startup.redis_failed").
				Str("addr", cfg.Redis.Addr).
				Msg("cannot connect to redis")
		}
		defer func() { _ = client.Close() }()

		msgBus = bus.NewRedisBus(client, sclog.WithComponent("bus"))
		ledger = bus.NewRedisLedger(client, sclog.WithComponent("ledger"))
		pingers = append(pingers, pingFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
	} else {
		logger.Warn().
			Str("event", "startup.memory_bus").
			Msg("no redis configured, using in-process bus")
		msgBus = bus.NewMemoryBus(sclog.WithComponent("bus"))
		ledger = bus.NewMemoryLedger()
	}

	dispatcher := command.NewDispatcher(msgBus, ledger, directory.NewStatic(cfg.Employees))
	dispatcher.PendingTTL = cfg.PendingTTL

	srv := api.NewServer(api.Options{
		Auth:        auth.NewStaticAuthenticator(cfg.Users),
		Dispatcher:  dispatcher,
		Ledger:      ledger,
		Sessions:    store,
		Broadcaster: presence.NewBroadcaster(msgBus),
		Hub:         presence.NewHub(msgBus, cfg.HeartbeatInterval),
		Issuer:      token.NewHMACIssuer(cfg.Livekit.Secret, cfg.Livekit.URL, cfg.Livekit.TTL),
		Pingers:     pingers,
	})

	httpServer := &http.Server{
		Addr: cfg.Listen,
		Handler: srv.Router(api.RouterConfig{
			RateLimitRPS:   cfg.RateLimit.RPS,
			RateLimitBurst: cfg.RateLimit.Burst,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info().
		Str("event", "startup").
		Str("version", version).
		Str("addr", cfg.Listen).
		Bool("redis", cfg.Redis.Addr != "").
		Msg("starting shiftcamd")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		sweeper := &bus.Sweeper{Ledger: ledger, Interval: cfg.SweepInterval}
		sweeper.Run(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().
			Err(err).
			Str("event", "shutdown.error").
			Msg("daemon exited with error")
		os.Exit(1)
	}

	logger.Info().
		Str("event", "shutdown").
		Msg("shiftcamd stopped")
}
