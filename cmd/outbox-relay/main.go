// Package main provides the outbox relay entry point. It publishes the
// events the API and ingest services commit to the Postgres outbox.
package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/app"
	"github.com/drfirst/go-dosewatch/internal/config"
	"github.com/drfirst/go-dosewatch/internal/infrastructure/postgres"
	"github.com/drfirst/go-dosewatch/internal/infrastructure/redpanda"
	"github.com/drfirst/go-dosewatch/internal/observability/metrics"
)

func main() {
	cfg, err := config.Load("outbox-relay")
	if err != nil {
		panic(err)
	}
	logger, err := app.NewLogger(cfg)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if !cfg.UsesPostgres() {
		logger.Fatal("outbox relay requires DATABASE_URL")
	}

	ctx := context.Background()
	tp, err := app.InitTracing(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	stores, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer stores.Close()

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	topicCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := admin.EnsureTopics(topicCtx); err != nil {
		logger.Warn("could not ensure topics", zap.Error(err))
	}
	cancel()
	admin.Close()

	m := metrics.New(nil)
	broker, err := app.OpenBroker(cfg, m, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer broker.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	ocfg := postgres.DefaultRelayConfig()
	ocfg.BatchSize = cfg.OutboxBatchSize
	ocfg.PollInterval = cfg.OutboxPollInterval
	outbox := postgres.NewRelay(stores.Pool, broker, ocfg, m, logger)

	ready := func(ctx context.Context) error {
		if err := stores.Ready(ctx); err != nil {
			return err
		}
		return redpanda.HealthCheck(ctx, cfg.KafkaBrokers)
	}
	ops := app.ServeOps(cfg.Port, cfg.ServiceName, ready, logger)
	outbox.Start()

	sig := app.WaitForSignal()
	logger.Info("shutting down", zap.String("signal", sig.String()))
	outbox.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if stats, err := outbox.Stats(shutdownCtx); err == nil {
		logger.Info("outbox stats",
			zap.Int64("pending", stats.Pending),
			zap.Int64("delivered_24h", stats.Delivered),
			zap.Int64("retrying", stats.Retrying))
	}
	if err := ops.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops server shutdown failed", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", zap.Error(err))
	}
	logger.Info("outbox relay stopped")
}
