// Package main provides the dose command consumer entry point.
package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/app"
	"github.com/drfirst/go-dosewatch/internal/clock"
	"github.com/drfirst/go-dosewatch/internal/config"
	"github.com/drfirst/go-dosewatch/internal/infrastructure/redpanda"
	"github.com/drfirst/go-dosewatch/internal/ingest"
	"github.com/drfirst/go-dosewatch/internal/inventory"
	"github.com/drfirst/go-dosewatch/internal/ledger"
	"github.com/drfirst/go-dosewatch/internal/observability/metrics"
	"github.com/drfirst/go-dosewatch/pkg/idempotency"
)

func main() {
	cfg, err := config.Load("dose-ingest")
	if err != nil {
		panic(err)
	}
	logger, err := app.NewLogger(cfg)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

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

	m := metrics.New(nil)
	var clk clock.Clock = clock.System{}

	broker, err := app.OpenBroker(cfg, m, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer broker.Close()

	var inboxStore idempotency.Store = idempotency.NewMemoryStore()
	if stores.Pool != nil {
		inboxStore = idempotency.NewPGStore(stores.Pool)
	}
	icfg := idempotency.DefaultConfig()
	icfg.IsTerminal = ingest.IsTerminal
	inbox := idempotency.NewInbox(inboxStore, icfg, logger)
	inbox.Start()

	projector := inventory.NewProjector(stores.Store, clk, m, logger)
	doseLedger := ledger.New(stores.Store, projector, clk, m, logger)
	handler := ingest.NewHandler(doseLedger, inbox, broker, logger)

	ccfg := redpanda.DefaultConsumerConfig()
	ccfg.Brokers = cfg.KafkaBrokers
	ccfg.GroupID = cfg.ConsumerGroup
	consumer, err := redpanda.NewConsumer(ccfg, handler.Handle, m, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	defer admin.Close()

	bgCtx, stopBackground := context.WithCancel(ctx)
	lagDone := make(chan struct{})
	go func() {
		defer close(lagDone)
		reportLag(bgCtx, admin, ccfg.GroupID, m, time.Minute, logger)
	}()
	relayDone := make(chan struct{})
	if stores.Memory != nil {
		go func() {
			defer close(relayDone)
			app.RelayMemoryEvents(bgCtx, stores.Memory, broker, cfg.OutboxPollInterval, logger)
		}()
	} else {
		close(relayDone)
	}

	ops := app.ServeOps(cfg.Port, cfg.ServiceName, stores.Ready, logger)
	consumer.Start()
	logger.Info("dose ingest running",
		zap.Strings("brokers", ccfg.Brokers),
		zap.String("group", ccfg.GroupID),
		zap.Strings("topics", ccfg.Topics))

	sig := app.WaitForSignal()
	logger.Info("shutting down", zap.String("signal", sig.String()))

	if err := consumer.Stop(); err != nil {
		logger.Warn("consumer stop failed", zap.Error(err))
	}
	stopBackground()
	<-relayDone
	<-lagDone
	inbox.Stop()

	stats := consumer.Stats()
	logger.Info("consumer stats",
		zap.Int64("messages_read", stats.MessagesRead),
		zap.Int64("errors", stats.ErrorCount))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if st, err := inbox.Stats(shutdownCtx); err == nil {
		logger.Info("inbox stats",
			zap.Int64("done", st.Done),
			zap.Int64("retry", st.Retry),
			zap.Int64("failed", st.Failed),
			zap.Int64("claimed", st.Claimed))
	}
	if err := ops.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops server shutdown failed", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", zap.Error(err))
	}
	logger.Info("dose ingest stopped")
}

// reportLag publishes the consumer group's lag per topic until ctx ends
func reportLag(ctx context.Context, admin *redpanda.Admin, group string, m *metrics.Metrics, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lag, err := admin.ConsumerGroupLag(ctx, group)
			if err != nil {
				logger.Warn("consumer lag unavailable", zap.Error(err))
				continue
			}
			for topic, n := range lag {
				m.SetConsumerLag(topic, n)
			}
		}
	}
}
