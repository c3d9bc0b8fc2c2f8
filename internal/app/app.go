// Package app holds the process wiring shared by the dosewatch binaries.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/drfirst/go-dosewatch/internal/config"
	"github.com/drfirst/go-dosewatch/internal/domain/medication"
	"github.com/drfirst/go-dosewatch/internal/infrastructure/postgres"
	"github.com/drfirst/go-dosewatch/internal/infrastructure/redpanda"
	"github.com/drfirst/go-dosewatch/internal/observability/metrics"
	"github.com/drfirst/go-dosewatch/internal/observability/tracing"
	"github.com/drfirst/go-dosewatch/internal/store"
	"github.com/drfirst/go-dosewatch/internal/store/memory"
	"github.com/drfirst/go-dosewatch/pkg/circuitbreaker"
)

// Version is stamped at build time with -ldflags
var Version = "dev"

// NewLogger builds a production logger, or a development one in dev mode,
// at the configured level.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	zc := zap.NewProductionConfig()
	if cfg.IsDev() {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", cfg.ServiceName)), nil
}

// InitTracing installs the global tracer provider
func InitTracing(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*tracing.Provider, error) {
	tc := tracing.DefaultConfig(cfg.ServiceName)
	tc.ServiceVersion = Version
	tc.Environment = cfg.Env
	tc.OTLPEndpoint = cfg.OTLPEndpoint
	tc.SampleRate = cfg.TraceSampleRate
	return tracing.Init(ctx, tc, logger)
}

// Stores is the opened persistence layer. Exactly one of Pool and Memory
// is set.
type Stores struct {
	Store  store.Store
	Pool   *pgxpool.Pool
	Memory *memory.Store
}

// OpenStore connects to Postgres and migrates it when DATABASE_URL is set,
// and otherwise returns an in-memory store.
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Stores, error) {
	if !cfg.UsesPostgres() {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		mem := memory.New()
		return &Stores{Store: mem, Memory: mem}, nil
	}

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		return nil, err
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("connected to database")
	return &Stores{Store: postgres.NewStore(pool, logger), Pool: pool}, nil
}

// Ready pings the database
func (s *Stores) Ready(ctx context.Context) error {
	if s.Pool == nil {
		return nil
	}
	return s.Pool.Ping(ctx)
}

// Close releases the pool
func (s *Stores) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

// LoadCatalog reads MEDICATION_CATALOG. It returns nil when none is set.
func LoadCatalog(cfg *config.Config, logger *zap.Logger) (*medication.Catalog, error) {
	if cfg.MedicationCatalog == "" {
		return nil, nil
	}
	f, err := os.Open(cfg.MedicationCatalog)
	if err != nil {
		return nil, fmt.Errorf("open medication catalog: %w", err)
	}
	defer f.Close()
	catalog, err := medication.LoadCatalog(f)
	if err != nil {
		return nil, err
	}
	logger.Info("medication catalog loaded",
		zap.String("path", cfg.MedicationCatalog),
		zap.Int("medications", catalog.Len()))
	return catalog, nil
}

// NewBreaker creates a breaker that reports its state to m
func NewBreaker(name string, m *metrics.Metrics, logger *zap.Logger) (*circuitbreaker.CircuitBreaker, error) {
	cfg := circuitbreaker.DefaultConfig(name)
	cfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.SetBreakerState(name, int(to))
	}
	cb, err := circuitbreaker.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create circuit breaker %s: %w", name, err)
	}
	m.SetBreakerState(name, int(circuitbreaker.StateClosed))
	return cb, nil
}

// Broker is a producer behind the "redpanda" circuit breaker
type Broker struct {
	Producer *redpanda.Producer
	*redpanda.GuardedPublisher
}

// OpenBroker creates a producer for the configured brokers. The client
// connects lazily, so a broker that is down surfaces on first publish.
func OpenBroker(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*Broker, error) {
	pc := redpanda.DefaultProducerConfig()
	pc.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(pc, m, logger)
	if err != nil {
		return nil, err
	}
	cb, err := NewBreaker("redpanda", m, logger)
	if err != nil {
		producer.Close()
		return nil, err
	}
	return &Broker{Producer: producer, GuardedPublisher: redpanda.Guard(producer, cb)}, nil
}

// Close flushes and closes the producer
func (b *Broker) Close() {
	b.Producer.Close()
}

// EventPublisher publishes domain events
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *medication.Event) error
}

// RelayMemoryEvents publishes the events the in-memory store collects until
// ctx ends. Events that fail to publish are dropped; the in-memory store
// has no durable outbox.
func RelayMemoryEvents(ctx context.Context, mem *memory.Store, pub EventPublisher, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, e := range mem.DrainEvents() {
				if err := pub.PublishEvent(ctx, e); err != nil {
					logger.Warn("dropping event",
						zap.String("event_type", string(e.EventType)),
						zap.String("aggregate_id", e.AggregateID),
						zap.Error(err))
				}
			}
		}
	}
}

// OpsHandler serves /health, /ready and /metrics for the background workers
func OpsHandler(service string, ready func(ctx context.Context) error) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, map[string]string{"status": "healthy", "service": service, "version": Version})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			if err := ready(r.Context()); err != nil {
				writeStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
				return
			}
		}
		writeStatus(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	r.Handle("/metrics", metrics.Handler())
	return r
}

// ServeOps starts the ops endpoints on port in the background. Shut the
// returned server down on exit.
func ServeOps(port, service string, ready func(ctx context.Context) error, logger *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           OpsHandler(service, ready),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ops server error", zap.Error(err))
		}
	}()
	return srv
}

func writeStatus(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// WaitForSignal blocks until SIGINT or SIGTERM
func WaitForSignal() os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	return <-sigChan
}
