// Package reminder periodically classifies upcoming and missed doses and
// publishes reminder events for the external notification service.
package reminder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/clock"
	"github.com/drfirst/go-dosewatch/internal/domain/medication"
	"github.com/drfirst/go-dosewatch/internal/observability/metrics"
	"github.com/drfirst/go-dosewatch/internal/schedule"
	"github.com/drfirst/go-dosewatch/internal/status"
	"github.com/drfirst/go-dosewatch/internal/store"
	"github.com/drfirst/go-dosewatch/pkg/workerpool"
)

// Publisher delivers reminder events
type Publisher interface {
	PublishEvent(ctx context.Context, event *medication.Event) error
}

// Config holds scanner configuration
type Config struct {
	// Schedule is a cron spec, e.g. "@every 1m" or "*/5 * * * *"
	Schedule string
	// Lookahead bounds how far ahead Due doses are searched
	Lookahead time.Duration
	// OverdueLookback bounds how far back Overdue doses are reminded
	OverdueLookback time.Duration
	DueWindow       time.Duration
	Workers         int
}

// DefaultConfig returns scanner defaults
func DefaultConfig() Config {
	return Config{
		Schedule:        "@every 1m",
		Lookahead:       30 * time.Minute,
		OverdueLookback: 4 * time.Hour,
		DueWindow:       status.DefaultDueWindow,
		Workers:         8,
	}
}

// ScanResult summarizes one scan
type ScanResult struct {
	Patients  int
	Reminders int
	Failed    int
}

// Scanner finds Due and Overdue doses and publishes one reminder per dose
// and status.
type Scanner struct {
	store      store.Store
	publisher  Publisher
	classifier *status.Classifier
	clock      clock.Clock
	config     Config
	metrics    *metrics.Metrics
	logger     *zap.Logger
	tracer     trace.Tracer

	cron *cron.Cron
	pool *workerpool.Pool[time.Time, int]

	mu   sync.Mutex
	sent map[string]time.Time
}

// NewScanner creates a scanner
func NewScanner(s store.Store, p Publisher, c clock.Clock, cfg Config, m *metrics.Metrics, logger *zap.Logger) (*Scanner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if c == nil {
		c = clock.System{}
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = DefaultConfig().Lookahead
	}
	if cfg.OverdueLookback <= 0 {
		cfg.OverdueLookback = DefaultConfig().OverdueLookback
	}

	sc := &Scanner{
		store:      s,
		publisher:  p,
		classifier: status.NewClassifier(c, cfg.DueWindow),
		clock:      c,
		config:     cfg,
		metrics:    m,
		logger:     logger,
		tracer:     otel.Tracer("reminder-scanner"),
		sent:       make(map[string]time.Time),
	}

	pool, err := workerpool.New(workerpool.Config{
		Workers:    cfg.Workers,
		MaxRetries: 1,
		RetryDelay: 200 * time.Millisecond,
	}, sc.scanPatient, logger)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	sc.pool = pool

	sc.cron = cron.New(
		cron.WithLogger(cronLogger{logger.Sugar()}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger.Sugar()})),
	)
	if _, err := sc.cron.AddFunc(cfg.Schedule, sc.runScheduled); err != nil {
		return nil, fmt.Errorf("invalid reminder schedule %q: %w", cfg.Schedule, err)
	}
	return sc, nil
}

// Start launches the workers and the cron schedule
func (s *Scanner) Start() {
	s.pool.Start()
	s.cron.Start()
	s.logger.Info("reminder scanner started", zap.String("schedule", s.config.Schedule))
}

// Stop waits for a running scan to finish and stops the workers
func (s *Scanner) Stop() {
	<-s.cron.Stop().Done()
	s.pool.Stop()
	s.logger.Info("reminder scanner stopped")
}

// Healthy reports whether the worker queue has room for another scan
func (s *Scanner) Healthy() bool {
	return s.pool.Healthy()
}

func (s *Scanner) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	res, err := s.ScanOnce(ctx)
	if err != nil {
		s.logger.Error("reminder scan failed", zap.Error(err))
		return
	}
	s.logger.Info("reminder scan completed",
		zap.Int("patients", res.Patients),
		zap.Int("reminders", res.Reminders),
		zap.Int("failed", res.Failed))
}

// ScanOnce scans every patient with an active prescription. The pool must
// have been started.
func (s *Scanner) ScanOnce(ctx context.Context) (*ScanResult, error) {
	ctx, span := s.tracer.Start(ctx, "reminder_scan")
	defer span.End()

	patients, err := s.store.ListPatientIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}

	now := s.clock.Now()
	s.prune(now)

	jobs := make([]workerpool.Job[time.Time], len(patients))
	for i, patientID := range patients {
		jobs[i] = workerpool.Job[time.Time]{Key: patientID, Input: now}
	}
	outcomes, err := s.pool.Run(ctx, jobs)

	res := &ScanResult{Patients: len(patients)}
	for _, o := range outcomes {
		if o.Err != nil {
			res.Failed++
			continue
		}
		res.Reminders += o.Value
	}
	if err != nil {
		return res, err
	}

	span.SetAttributes(
		attribute.Int("patients", res.Patients),
		attribute.Int("reminders", res.Reminders))
	return res, nil
}

func (s *Scanner) scanPatient(ctx context.Context, patientID string, now time.Time) (int, error) {
	prescriptions, err := s.store.LoadPrescriptions(ctx, patientID)
	if err != nil {
		return 0, fmt.Errorf("load prescriptions: %w", err)
	}

	start := now.Add(-s.config.OverdueLookback)
	end := now.Add(s.config.Lookahead)
	sent := 0
	for _, rx := range prescriptions {
		if !rx.Active {
			continue
		}
		doses, err := schedule.Expand(rx, start, end)
		if err != nil {
			s.logger.Warn("skipping prescription with invalid schedule",
				zap.String("prescription_id", rx.ID),
				zap.Error(err))
			continue
		}
		if len(doses) == 0 {
			continue
		}
		entries, err := s.store.LoadDoseLog(ctx, rx.ID, start, end)
		if err != nil {
			return sent, fmt.Errorf("load dose log of %s: %w", rx.ID, err)
		}
		idx := status.IndexEntries(entries)
		for _, d := range doses {
			st := status.Classify(d, idx[d.Key()], now, s.classifier.DueWindow)
			if st != status.Due && st != status.Overdue {
				continue
			}
			if !s.markSent(d.Key(), st) {
				continue
			}
			if err := s.publish(ctx, rx, d, st, now); err != nil {
				s.unmark(d.Key(), st)
				return sent, err
			}
			sent++
		}
	}
	return sent, nil
}

func (s *Scanner) publish(ctx context.Context, rx *medication.Prescription, d medication.ScheduledDose, st status.Status, now time.Time) error {
	event, err := medication.NewEvent(rx.ID, medication.EventDoseReminder, medication.DoseReminderData{
		PrescriptionID: rx.ID,
		PatientID:      rx.PatientID,
		MedicationName: rx.MedicationName,
		Dosage:         rx.Dosage.String(),
		ScheduledAt:    d.ScheduledAt.UTC(),
		Status:         string(st),
	}, now)
	if err != nil {
		return fmt.Errorf("build reminder: %w", err)
	}
	if err := s.publisher.PublishEvent(ctx, event.WithPatient(rx.PatientID)); err != nil {
		return fmt.Errorf("publish reminder for %s: %w", d.Key(), err)
	}
	s.metrics.ReminderPublished(string(st))
	s.logger.Debug("reminder published",
		zap.String("prescription_id", rx.ID),
		zap.Time("scheduled_at", d.ScheduledAt),
		zap.String("status", string(st)))
	return nil
}

func dedupKey(k medication.DoseKey, st status.Status) string {
	return k.String() + "|" + string(st)
}

// markSent records the reminder and reports whether it is new
func (s *Scanner) markSent(k medication.DoseKey, st status.Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dedupKey(k, st)
	if _, ok := s.sent[key]; ok {
		return false
	}
	s.sent[key] = k.ScheduledAt
	return true
}

func (s *Scanner) unmark(k medication.DoseKey, st status.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sent, dedupKey(k, st))
}

// prune forgets doses that fell out of the lookback
func (s *Scanner) prune(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.config.OverdueLookback)
	for k, at := range s.sent {
		if at.Before(cutoff) {
			delete(s.sent, k)
		}
	}
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
