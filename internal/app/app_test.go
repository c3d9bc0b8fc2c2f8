package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/config"
	"github.com/drfirst/go-dosewatch/internal/domain/medication"
	"github.com/drfirst/go-dosewatch/internal/observability/metrics"
	"github.com/drfirst/go-dosewatch/internal/store"
	"github.com/drfirst/go-dosewatch/internal/store/memory"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(&config.Config{LogLevel: "debug", Env: "development", ServiceName: "test"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	logger, err = NewLogger(&config.Config{LogLevel: "warn", Env: "production"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))

	_, err = NewLogger(&config.Config{LogLevel: "loud"})
	assert.Error(t, err)
}

func TestOpenStore_MemoryWithoutDatabase(t *testing.T) {
	s, err := OpenStore(context.Background(), &config.Config{}, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()
	assert.NotNil(t, s.Memory)
	assert.Nil(t, s.Pool)
	assert.NoError(t, s.Ready(context.Background()))
}

func TestNewBreaker_ReportsState(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	cb, err := NewBreaker("redpanda", m, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("redpanda")))

	for i := 0; i < 10 && !cb.IsOpen(); i++ {
		_ = cb.Do(context.Background(), func(context.Context) error { return errors.New("broker down") })
	}
	require.True(t, cb.IsOpen())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("redpanda")))
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*medication.Event
}

func (p *recordingPublisher) PublishEvent(_ context.Context, e *medication.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func TestRelayMemoryEvents(t *testing.T) {
	mem := memory.New()
	event, err := medication.NewEvent("rx-1", medication.EventDoseTaken, medication.DoseRecordedData{PrescriptionID: "rx-1"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, mem.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.AppendEvent(ctx, event)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	pub := &recordingPublisher{}
	done := make(chan struct{})
	go func() {
		RelayMemoryEvents(ctx, mem, pub, 5*time.Millisecond, zap.NewNop())
		close(done)
	}()

	assert.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Empty(t, mem.Events())
}

func TestLoadCatalog(t *testing.T) {
	catalog, err := LoadCatalog(&config.Config{}, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, catalog)

	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"med-1","name":"Lisinopril","form":"tablet","default_strength":{"amount":10,"unit":"mg"}}]`), 0o600))
	catalog, err = LoadCatalog(&config.Config{MedicationCatalog: path}, zap.NewNop())
	require.NoError(t, err)
	med, ok := catalog.Get("med-1")
	require.True(t, ok)
	assert.Equal(t, "Lisinopril", med.Name)

	_, err = LoadCatalog(&config.Config{MedicationCatalog: filepath.Join(t.TempDir(), "missing.json")}, zap.NewNop())
	assert.Error(t, err)
}

func TestOpenBroker_ConnectsLazily(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	b, err := OpenBroker(&config.Config{KafkaBrokers: []string{"127.0.0.1:1"}}, m, zap.NewNop())
	require.NoError(t, err)
	defer b.Close()
	assert.NotNil(t, b.GuardedPublisher)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("redpanda")))
}

func TestOpsHandler(t *testing.T) {
	var down error
	h := OpsHandler("reminder-scanner", func(context.Context) error { return down })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "reminder-scanner")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	down = errors.New("pool closed")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "pool closed")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
