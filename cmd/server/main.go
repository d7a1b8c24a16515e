// Command server runs the audit trail service: a tamper-evident, append-only
// event ledger with hash chaining, best-effort Kafka fan-out, chronological
// queries, and an anomaly scanner.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"rcm-audit/internal/audit/chain"
	"rcm-audit/internal/audit/handler"
	"rcm-audit/internal/audit/metrics"
	"rcm-audit/internal/audit/query"
	"rcm-audit/internal/audit/retention"
	"rcm-audit/internal/audit/scanner"
	"rcm-audit/internal/audit/service"
	"rcm-audit/internal/audit/store"
	"rcm-audit/internal/audit/store/memory"
	storepg "rcm-audit/internal/audit/store/postgres"
	"rcm-audit/internal/audit/stream"
	"rcm-audit/internal/platform/config"
	"rcm-audit/internal/platform/httpserver"
	"rcm-audit/internal/platform/logger"
	"rcm-audit/internal/platform/middleware"
	"rcm-audit/internal/platform/postgres"
	"rcm-audit/internal/platform/redis"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("audit service exited", "error", err)
		os.Exit(1)
	}
	log.Info("audit service stopped")
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	ledger, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	cache, err := redis.New(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	if cache != nil {
		defer cache.Close()
		log.Info("timeline cache enabled")
	}

	m := metrics.New()

	publisher, err := stream.New(stream.Config{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
		Timeout: cfg.PublishTimeout,
	}, log, m)
	if err != nil {
		return err
	}
	if publisher != nil {
		defer publisher.Close()
		log.Info("stream fan-out enabled", "topic", cfg.KafkaTopic)
	}

	// A nil *Publisher must stay a nil interface so the disabled stream is
	// skipped instead of dereferenced.
	var fanout service.StreamPublisher
	var streamHealth handler.StreamHealth
	if publisher != nil {
		fanout = publisher
		streamHealth = publisher
	}

	ingestion := service.New(ledger, chain.NewEngine(ledger), fanout, log, m)
	reader := query.New(ledger, cache, cfg.TimelineCacheTTL, log)

	scanOpts := []scanner.Option{}
	if cfg.EmitScannerAlerts {
		scanOpts = append(scanOpts, scanner.WithRecorder(ingestion))
	}
	scan := scanner.New(ledger, scanner.Config{
		Window: cfg.ScanWindow,
		Thresholds: scanner.Thresholds{
			FailedLogins: cfg.FailedLoginLimit,
			Exports:      cfg.ExportLimit,
			DistinctIPs:  cfg.DistinctIPLimit,
		},
		EmitAlerts: cfg.EmitScannerAlerts,
	}, log, m, scanOpts...)

	sweeper := retention.New(ledger, retention.Config{
		Horizon:  cfg.RetentionHorizon(),
		Interval: cfg.SweepInterval,
	}, log, m)

	router := chi.NewRouter()
	router.Use(
		middleware.Recovery(log),
		middleware.RequestID,
		middleware.RequestTime,
		middleware.ClientMetadata,
		middleware.Logger(log),
		middleware.Timeout(cfg.RequestTimeout),
	)
	handler.New(ingestion, reader, scan, ledger, streamHealth, log).Register(router)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	server := httpserver.New(cfg.Addr, router)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("audit service listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		return sweeper.Run(groupCtx)
	})
	if publisher != nil {
		group.Go(func() error {
			return publisher.Run(groupCtx)
		})
	}

	return group.Wait()
}

// openStore selects the ledger backend: postgres when a DSN is configured,
// otherwise the in-memory store for local development.
func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (store.Store, func(), error) {
	if cfg.PostgresDSN == "" {
		log.Warn("no postgres DSN configured, using in-memory ledger")
		return memory.NewInMemoryStore(), func() {}, nil
	}

	db, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := storepg.EnsureSchema(ctx, db); err != nil {
		db.Close()
		return nil, nil, err
	}
	log.Info("postgres ledger ready")
	return storepg.New(db), func() { db.Close() }, nil
}
