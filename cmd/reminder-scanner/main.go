// Package main provides the reminder scanner entry point.
package main

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/app"
	"github.com/drfirst/go-dosewatch/internal/clock"
	"github.com/drfirst/go-dosewatch/internal/config"
	"github.com/drfirst/go-dosewatch/internal/observability/metrics"
	"github.com/drfirst/go-dosewatch/internal/reminder"
)

func main() {
	cfg, err := config.Load("reminder-scanner")
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

	// Reminders go through the outbox when there is one, otherwise straight
	// to the broker.
	var publisher reminder.Publisher = reminder.OutboxPublisher{Store: stores.Store}
	if stores.Memory != nil {
		broker, err := app.OpenBroker(cfg, m, logger)
		if err != nil {
			logger.Fatal("producer creation failed", zap.Error(err))
		}
		defer broker.Close()
		publisher = broker
	}

	scfg := reminder.DefaultConfig()
	scfg.Schedule = cfg.ReminderSchedule
	scfg.Lookahead = cfg.ReminderLookahead
	scfg.DueWindow = cfg.DueWindow
	scfg.Workers = cfg.ReminderWorkers

	scanner, err := reminder.NewScanner(stores.Store, publisher, clock.System{}, scfg, m, logger)
	if err != nil {
		logger.Fatal("scanner creation failed", zap.Error(err))
	}

	ready := func(ctx context.Context) error {
		if !scanner.Healthy() {
			return errors.New("reminder queue saturated")
		}
		return stores.Ready(ctx)
	}
	ops := app.ServeOps(cfg.Port, cfg.ServiceName, ready, logger)
	scanner.Start()
	logger.Info("reminder scanner running",
		zap.String("schedule", scfg.Schedule),
		zap.Duration("lookahead", scfg.Lookahead),
		zap.Int("workers", scfg.Workers))

	sig := app.WaitForSignal()
	logger.Info("shutting down", zap.String("signal", sig.String()))

	scanner.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ops.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops server shutdown failed", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", zap.Error(err))
	}
	logger.Info("reminder scanner stopped")
}
