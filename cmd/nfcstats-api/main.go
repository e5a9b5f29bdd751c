package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"example.com/nfcstats/internal/cache"
	"example.com/nfcstats/internal/clients"
	"example.com/nfcstats/internal/config"
	"example.com/nfcstats/internal/counter"
	"example.com/nfcstats/internal/docstore"
	"example.com/nfcstats/internal/domain"
	"example.com/nfcstats/internal/ingest"
	"example.com/nfcstats/internal/logging"
	"example.com/nfcstats/internal/metrics"
	"example.com/nfcstats/internal/profile"
	"example.com/nfcstats/internal/reports"
	"example.com/nfcstats/internal/stats"
	spg "example.com/nfcstats/internal/storage/postgres"
	"example.com/nfcstats/internal/storage/sqlite"
	transport "example.com/nfcstats/internal/transport/http"
)

func main() {
	cfg := config.Parse()
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logger := logging.New(os.Stdout, cfg.LogFormat, level)

	if err := run(cfg, logger); err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	clock := quartz.NewReal()
	store, err := openStore(ctx, cfg, clock, logging.Component(logger, "store"))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	tagCache := cache.New[domain.Tag](cache.Options{
		Name: "tags", TTL: cfg.TagCacheTTL, MaxEntries: cfg.CacheMaxEntries, Clock: clock, Metrics: m,
	})

	deps := &transport.ServerDeps{
		Cfg:      cfg,
		Store:    store,
		Logger:   logging.Component(logger, "http"),
		Clock:    clock,
		Gatherer: reg,
		Metrics:  m,
		Ingest: ingest.New(store, ingest.Options{
			BatchMaxSize:      cfg.BatchMaxSize,
			FanoutConcurrency: cfg.FanoutConcurrency,
			ClockSkew:         cfg.ClockSkew,
			Sampler:           ingest.NewRateSampler(cfg.SampleRate, nil),
			Clock:             clock,
			Logger:            logging.Component(logger, "ingest"),
			Metrics:           m,
		}),
		Counter: counter.New(store, counter.Options{
			Clock: clock, Logger: logging.Component(logger, "counter"), Metrics: m, Cache: tagCache,
		}),
		Stats: stats.New(store, stats.Options{
			Clock: clock, Logger: logging.Component(logger, "stats"), Metrics: m,
			CacheTTL: cfg.CacheTTL, MaxEntries: cfg.CacheMaxEntries,
		}),
		Clients: clients.New(store, clock, logging.Component(logger, "clients")),
		Profiles: profile.New(store, profile.Options{
			Clock: clock, Logger: logging.Component(logger, "profile"), Metrics: m,
			CacheTTL: cfg.CacheTTL, MaxEntries: cfg.CacheMaxEntries,
		}),
		Reports: reports.New(store, clock, logging.Component(logger, "reports")),
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           deps.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr, "store", cfg.StoreDriver, "sampleRate", cfg.SampleRate)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err, ok := <-errc:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.Config, clock quartz.Clock, log *slog.Logger) (docstore.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath, clock, cfg.TxMaxAttempts)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		log.Info("sqlite store opened", "path", cfg.SQLitePath)
		return s, nil
	default:
		db, err := spg.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		if err := db.RunMigrations(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		log.Info("postgres store ready")
		return spg.NewDocuments(db, clock, cfg.TxMaxAttempts), nil
	}
}
