// Package main provides the dosewatch HTTP API entry point.
package main

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/adherence"
	"github.com/drfirst/go-dosewatch/internal/api/handlers"
	"github.com/drfirst/go-dosewatch/internal/api/middleware"
	"github.com/drfirst/go-dosewatch/internal/app"
	"github.com/drfirst/go-dosewatch/internal/clock"
	"github.com/drfirst/go-dosewatch/internal/config"
	"github.com/drfirst/go-dosewatch/internal/domain/prescription"
	"github.com/drfirst/go-dosewatch/internal/fhir/mapper"
	"github.com/drfirst/go-dosewatch/internal/inventory"
	"github.com/drfirst/go-dosewatch/internal/ledger"
	"github.com/drfirst/go-dosewatch/internal/observability/metrics"
	"github.com/drfirst/go-dosewatch/internal/status"
)

func main() {
	cfg, err := config.Load("dosewatch-api")
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

	projector := inventory.NewProjector(stores.Store, clk, m, logger)
	doseLedger := ledger.New(stores.Store, projector, clk, m, logger)
	fhirMapper := mapper.New(mapper.Options{
		DefaultTimezone: cfg.DefaultTimezone,
		LowStockDays:    cfg.LowStockDays,
		RefillLeadDays:  cfg.RefillLeadDays,
	})

	prescriptions := prescription.NewRepository(stores.Store, fhirMapper, clk, logger)
	catalog, err := app.LoadCatalog(cfg, logger)
	if err != nil {
		logger.Fatal("failed to load medication catalog", zap.Error(err))
	}
	if catalog != nil {
		prescriptions.UseCatalog(catalog)
	}

	router := handlers.NewRouter(handlers.Deps{
		ServiceName:    cfg.ServiceName,
		Version:        app.Version,
		Store:          stores.Store,
		Prescriptions:  prescriptions,
		Ledger:         doseLedger,
		Classifier:     status.NewClassifier(clk, cfg.DueWindow),
		Adherence:      adherence.NewAggregator(stores.Store, clk, cfg.DueWindow, m, logger),
		Inventory:      projector,
		Clock:          clk,
		APIKeys:        middleware.ParseAPIKeys(cfg.APIKeys),
		Ready:          stores.Ready,
		Metrics:        m,
		MetricsHandler: metrics.Handler(),
		Logger:         logger,
	})

	// With Postgres the outbox relay publishes; in memory mode this process
	// has to.
	relayCtx, stopRelay := context.WithCancel(ctx)
	relayDone := make(chan struct{})
	if stores.Memory != nil {
		broker, err := app.OpenBroker(cfg, m, logger)
		if err != nil {
			logger.Fatal("producer creation failed", zap.Error(err))
		}
		defer broker.Close()
		go func() {
			defer close(relayDone)
			app.RelayMemoryEvents(relayCtx, stores.Memory, broker, cfg.OutboxPollInterval, logger)
		}()
	} else {
		close(relayDone)
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sig := app.WaitForSignal()
		logger.Info("shutting down server", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting dosewatch API",
		zap.String("port", cfg.Port),
		zap.Bool("postgres", cfg.UsesPostgres()),
		zap.Bool("auth", len(cfg.APIKeys) > 0))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	stopRelay()
	<-relayDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", zap.Error(err))
	}
	logger.Info("server stopped")
}
