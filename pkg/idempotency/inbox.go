// Package idempotency applies each message at most once to completion,
// keyed by a deterministic idempotency key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the processing state of a key
type Status string

const (
	StatusClaimed Status = "claimed"
	StatusDone    Status = "done"
	StatusRetry   Status = "retry"
	StatusFailed  Status = "failed"
)

// Entry is the stored record of one key
type Entry struct {
	Key       string
	Handler   string
	Status    Status
	Payload   json.RawMessage
	Result    json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt *time.Time
}

var (
	// ErrClaimed means another consumer claimed the key first
	ErrClaimed = errors.New("idempotency key already claimed")
	// ErrInProgress means the key is claimed and the claim is not stale yet
	ErrInProgress = errors.New("idempotency key is being processed")
	// ErrFailed means the key failed terminally before
	ErrFailed = errors.New("idempotency key failed permanently")
)

// Stats counts entries by status
type Stats struct {
	Claimed int64
	Done    int64
	Retry   int64
	Failed  int64
}

// Store persists entries
type Store interface {
	// Get returns the entry for key, or nil when none exists
	Get(ctx context.Context, key string) (*Entry, error)
	// Claim inserts a claimed entry, or reclaims one marked retry. Any
	// other existing entry yields ErrClaimed.
	Claim(ctx context.Context, key, handler string, payload json.RawMessage, expiresAt time.Time) error
	// Mark sets the status of key, and its result when result is not nil
	Mark(ctx context.Context, key string, status Status, result json.RawMessage) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	Stats(ctx context.Context) (Stats, error)
}

// Config tunes an Inbox
type Config struct {
	// TTL is how long a key is remembered
	TTL             time.Duration
	CleanupInterval time.Duration
	// StaleAfter is when a claim without progress may be taken over
	StaleAfter time.Duration
	// IsTerminal reports handler errors that must not be retried
	IsTerminal func(error) bool
}

// DefaultConfig remembers keys for a week
func DefaultConfig() Config {
	return Config{
		TTL:             7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		StaleAfter:      5 * time.Minute,
		IsTerminal:      func(error) bool { return false },
	}
}

// Func handles a claimed message
type Func func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Result describes a successful Process call
type Result struct {
	// Replayed is set when the key finished earlier; Output is the stored
	// result and the handler did not run.
	Replayed bool
	// Recovered is set when a retry or stale claim was taken over
	Recovered bool
	Output    json.RawMessage
}

// Inbox runs handlers at most once to completion per key
type Inbox struct {
	store  Store
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
	tracer trace.Tracer

	started  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewInbox creates an inbox over store
func NewInbox(store Store, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.IsTerminal == nil {
		cfg.IsTerminal = DefaultConfig().IsTerminal
	}
	return &Inbox{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

type claimState int

const (
	claimedNew claimState = iota
	claimedRecovered
	alreadyDone
)

// Process claims key and runs fn. A key that finished before returns its
// stored result without running fn; one that failed terminally returns
// ErrFailed.
func (i *Inbox) Process(ctx context.Context, key, handler string, payload json.RawMessage, fn Func) (*Result, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handler)))
	defer span.End()

	state, stored, err := i.claim(ctx, key, handler, payload)
	if err != nil {
		return nil, err
	}
	if state == alreadyDone {
		span.SetAttributes(attribute.Bool("replayed", true))
		return &Result{Replayed: true, Output: stored}, nil
	}

	out, runErr := fn(ctx, payload)
	i.settle(ctx, key, out, runErr)
	if runErr != nil {
		span.RecordError(runErr)
		return nil, runErr
	}
	span.SetAttributes(attribute.Bool("recovered", state == claimedRecovered))
	return &Result{Recovered: state == claimedRecovered, Output: out}, nil
}

func (i *Inbox) claim(ctx context.Context, key, handler string, payload json.RawMessage) (claimState, json.RawMessage, error) {
	prev, err := i.store.Get(ctx, key)
	if err != nil {
		return 0, nil, fmt.Errorf("read inbox entry: %w", err)
	}
	if prev != nil {
		switch prev.Status {
		case StatusDone:
			return alreadyDone, prev.Result, nil
		case StatusFailed:
			return 0, nil, fmt.Errorf("%w: %s", ErrFailed, key)
		case StatusClaimed:
			if i.now().Sub(prev.UpdatedAt) <= i.cfg.StaleAfter {
				return 0, nil, ErrInProgress
			}
			i.logger.Warn("taking over stale claim",
				zap.String("idempotency_key", key),
				zap.Time("claimed_at", prev.UpdatedAt))
			if err := i.store.Mark(ctx, key, StatusRetry, nil); err != nil {
				return 0, nil, fmt.Errorf("release stale claim: %w", err)
			}
		}
	}

	if err := i.store.Claim(ctx, key, handler, payload, i.now().Add(i.cfg.TTL)); err != nil {
		if errors.Is(err, ErrClaimed) {
			return 0, nil, err
		}
		return 0, nil, fmt.Errorf("claim %s: %w", key, err)
	}
	if prev != nil {
		return claimedRecovered, nil, nil
	}
	return claimedNew, nil, nil
}

func (i *Inbox) settle(ctx context.Context, key string, out json.RawMessage, runErr error) {
	status, result := StatusDone, out
	if runErr != nil {
		status = StatusRetry
		if i.cfg.IsTerminal(runErr) {
			status = StatusFailed
		}
		result, _ = json.Marshal(map[string]string{"error": runErr.Error()})
	}
	if err := i.store.Mark(ctx, key, status, result); err != nil {
		// the claim goes stale and a redelivery takes it over
		i.logger.Error("failed to settle idempotency key",
			zap.String("idempotency_key", key),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

// Stats counts the stored entries by status
func (i *Inbox) Stats(ctx context.Context) (Stats, error) {
	return i.store.Stats(ctx)
}

// Key hashes parts, joined with "|", into a hex SHA-256 key
func Key(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Start purges expired entries every CleanupInterval until Stop
func (i *Inbox) Start() {
	if !i.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(i.done)
		ticker := time.NewTicker(i.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-i.stop:
				return
			case <-ticker.C:
				i.purge()
			}
		}
	}()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.cfg.CleanupInterval))
}

// Stop ends the cleanup loop
func (i *Inbox) Stop() {
	i.stopOnce.Do(func() { close(i.stop) })
	if i.started.Load() {
		<-i.done
	}
}

func (i *Inbox) purge() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := i.store.DeleteExpired(ctx, i.now())
	if err != nil {
		i.logger.Error("inbox cleanup failed", zap.Error(err))
		return
	}
	if n > 0 {
		i.logger.Info("expired inbox entries deleted", zap.Int64("deleted", n))
	}
}
