// Package circuitbreaker guards calls to the broker and other remote
// dependencies with sony/gobreaker, counting outcomes on the global
// OpenTelemetry meter.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State is the breaker state. Its integer value is what the state gauge reports.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// ErrOpen is returned without calling the guarded function while the
// circuit is open or the half-open probe budget is spent.
var ErrOpen = errors.New("circuit open")

// Config tunes a breaker
type Config struct {
	Name string
	// HalfOpenProbes is how many calls may run while half-open
	HalfOpenProbes uint32
	// Window is the period after which closed-state counts reset
	Window time.Duration
	// CoolDown is how long the circuit stays open before probing
	CoolDown time.Duration
	// ConsecutiveFailures opens the circuit while fewer than MinRequests
	// calls have been seen in the window
	ConsecutiveFailures uint32
	// FailureRatio opens the circuit once MinRequests calls have been seen
	FailureRatio float64
	MinRequests  uint32
	// Ignore reports errors that say nothing about the dependency's
	// health. They are returned but not counted as failures.
	Ignore func(err error) bool
	// OnStateChange is called after every transition
	OnStateChange func(name string, to State)
}

// DefaultConfig returns defaults for broker publishing. Context
// cancellation is ignored.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		HalfOpenProbes:      3,
		Window:              time.Minute,
		CoolDown:            15 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.6,
		MinRequests:         10,
		Ignore: func(err error) bool {
			return errors.Is(err, context.Canceled)
		},
	}
}

func (cfg Config) trips(counts gobreaker.Counts) bool {
	if counts.Requests < cfg.MinRequests {
		return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
	}
	return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
}

// CircuitBreaker guards one dependency
type CircuitBreaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	tracer trace.Tracer
	calls  metric.Int64Counter
	ignore func(err error) bool
}

// New creates a breaker
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	calls, err := otel.Meter("circuit-breaker").Int64Counter("circuit_breaker_calls_total",
		metric.WithDescription("Calls through the circuit breaker by outcome"))
	if err != nil {
		return nil, fmt.Errorf("create call counter: %w", err)
	}

	c := &CircuitBreaker{
		name:   cfg.Name,
		tracer: otel.Tracer("circuit-breaker"),
		calls:  calls,
		ignore: cfg.Ignore,
	}
	if c.ignore == nil {
		c.ignore = func(error) bool { return false }
	}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenProbes,
		Interval:    cfg.Window,
		Timeout:     cfg.CoolDown,
		ReadyToTrip: cfg.trips,
		IsSuccessful: func(err error) bool {
			return err == nil || c.ignore(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", stateOf(from)),
				zap.Stringer("to", stateOf(to)))
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, stateOf(to))
			}
		},
	})
	return c, nil
}

// Do runs fn through the breaker. While open it returns ErrOpen.
func (c *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, span := c.tracer.Start(ctx, "circuit_breaker_call",
		trace.WithAttributes(
			attribute.String("breaker", c.name),
			attribute.Stringer("state", c.State())))
	defer span.End()

	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})

	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		outcome = "rejected"
		err = fmt.Errorf("%s: %w", c.name, ErrOpen)
	case c.ignore(err):
		outcome = "ignored"
	default:
		outcome = "failure"
		span.RecordError(err)
	}
	c.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", c.name),
		attribute.String("outcome", outcome)))
	return err
}

// State returns the current state
func (c *CircuitBreaker) State() State {
	return stateOf(c.cb.State())
}

// IsOpen returns true if the circuit is open
func (c *CircuitBreaker) IsOpen() bool {
	return c.State() == StateOpen
}

// Counts returns the calls seen in the current window
func (c *CircuitBreaker) Counts() gobreaker.Counts {
	return c.cb.Counts()
}

// Name returns the breaker name
func (c *CircuitBreaker) Name() string {
	return c.name
}

func stateOf(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
