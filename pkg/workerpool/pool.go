// Package workerpool runs keyed jobs on a fixed set of goroutines with
// bounded queueing and linear retry backoff.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned by Submit once Stop has been called
var ErrStopped = errors.New("worker pool stopped")

// Func processes one job. A returned error is retried up to MaxRetries times.
type Func[In, Out any] func(ctx context.Context, key string, in In) (Out, error)

// Job is one unit of work. Key names it in logs and outcomes.
type Job[In any] struct {
	Key   string
	Input In
}

// Outcome is the final result of a job after retries
type Outcome[Out any] struct {
	Key      string
	Value    Out
	Err      error
	Attempts int
}

// Config sizes the pool
type Config struct {
	Workers    int
	QueueSize  int
	MaxRetries int
	// RetryDelay is multiplied by the attempt number
	RetryDelay   time.Duration
	DrainTimeout time.Duration
}

// DefaultConfig returns defaults sized for per-patient reminder scans
func DefaultConfig() Config {
	return Config{
		Workers:      8,
		QueueSize:    1024,
		MaxRetries:   2,
		RetryDelay:   100 * time.Millisecond,
		DrainTimeout: 30 * time.Second,
	}
}

type queued[In, Out any] struct {
	ctx  context.Context
	job  Job[In]
	done func(Outcome[Out])
}

// Pool runs jobs of one kind
type Pool[In, Out any] struct {
	cfg    Config
	fn     Func[In, Out]
	logger *zap.Logger

	queue   chan queued[In, Out]
	workers sync.WaitGroup

	base  context.Context
	abort context.CancelFunc

	mu       sync.RWMutex
	stopped  bool
	stopOnce sync.Once

	submitted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	depth     atomic.Int64
}

// New creates a pool. Zero sizes fall back to DefaultConfig.
func New[In, Out any](cfg Config, fn Func[In, Out], logger *zap.Logger) (*Pool[In, Out], error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}

	base, abort := context.WithCancel(context.Background())
	return &Pool[In, Out]{
		cfg:    cfg,
		fn:     fn,
		logger: logger,
		queue:  make(chan queued[In, Out], cfg.QueueSize),
		base:   base,
		abort:  abort,
	}, nil
}

// Start launches the workers
func (p *Pool[In, Out]) Start() {
	p.workers.Add(p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		go p.work()
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize))
}

// Submit queues job, blocking while the queue is full. done is called once
// from a worker goroutine with the job's outcome. A nil ctx runs the job
// under the pool's own context.
func (p *Pool[In, Out]) Submit(ctx context.Context, job Job[In], done func(Outcome[Out])) error {
	if ctx == nil {
		ctx = p.base
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.queue <- queued[In, Out]{ctx: ctx, job: job, done: done}:
		p.submitted.Add(1)
		p.depth.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.base.Done():
		return ErrStopped
	}
}

// Run submits every job and waits for all of them. Outcomes are in job
// order. If a submit fails, Run waits for the jobs already queued and
// returns their outcomes with the error.
func (p *Pool[In, Out]) Run(ctx context.Context, jobs []Job[In]) ([]Outcome[Out], error) {
	outcomes := make([]Outcome[Out], len(jobs))
	var wg sync.WaitGroup
	for i, job := range jobs {
		wg.Add(1)
		err := p.Submit(ctx, job, func(o Outcome[Out]) {
			outcomes[i] = o
			wg.Done()
		})
		if err != nil {
			wg.Done()
			wg.Wait()
			return outcomes[:i], fmt.Errorf("submit %s: %w", job.Key, err)
		}
	}
	wg.Wait()
	return outcomes, nil
}

// Stop refuses new jobs and waits up to DrainTimeout for queued ones
func (p *Pool[In, Out]) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.queue)
		p.mu.Unlock()

		drained := make(chan struct{})
		go func() {
			p.workers.Wait()
			close(drained)
		}()
		select {
		case <-drained:
			p.logger.Info("worker pool stopped")
		case <-time.After(p.cfg.DrainTimeout):
			p.logger.Warn("worker pool drain timed out", zap.Int64("queued", p.depth.Load()))
		}
		p.abort()
	})
}

func (p *Pool[In, Out]) work() {
	defer p.workers.Done()
	for q := range p.queue {
		p.depth.Add(-1)
		o := p.attempt(q.ctx, q.job)
		if q.done != nil {
			q.done(o)
		}
	}
}

func (p *Pool[In, Out]) attempt(ctx context.Context, job Job[In]) Outcome[Out] {
	o := Outcome[Out]{Key: job.Key}
	for {
		if err := ctx.Err(); err != nil {
			o.Err = err
			break
		}
		o.Attempts++
		o.Value, o.Err = p.fn(ctx, job.Key, job.Input)
		if o.Err == nil || o.Attempts > p.cfg.MaxRetries {
			break
		}

		p.retried.Add(1)
		p.logger.Debug("retrying job",
			zap.String("key", job.Key),
			zap.Int("attempt", o.Attempts),
			zap.Error(o.Err))
		select {
		case <-ctx.Done():
		case <-time.After(p.cfg.RetryDelay * time.Duration(o.Attempts)):
		}
	}

	if o.Err != nil {
		p.failed.Add(1)
		p.logger.Error("job failed",
			zap.String("key", job.Key),
			zap.Int("attempts", o.Attempts),
			zap.Error(o.Err))
	} else {
		p.succeeded.Add(1)
	}
	return o
}

// Stats is a snapshot of the pool counters
type Stats struct {
	Submitted     int64
	Succeeded     int64
	Failed        int64
	Retried       int64
	Queued        int64
	QueueCapacity int
	Workers       int
}

// Stats returns the current counters
func (p *Pool[In, Out]) Stats() Stats {
	return Stats{
		Submitted:     p.submitted.Load(),
		Succeeded:     p.succeeded.Load(),
		Failed:        p.failed.Load(),
		Retried:       p.retried.Load(),
		Queued:        p.depth.Load(),
		QueueCapacity: p.cfg.QueueSize,
		Workers:       p.cfg.Workers,
	}
}

// Healthy reports whether the queue is under 90% full
func (p *Pool[In, Out]) Healthy() bool {
	return float64(p.depth.Load()) < 0.9*float64(p.cfg.QueueSize)
}
