// Package dispatch serializes calls to a rate-limited external service. One
// job runs at a time, job starts are spaced out, and jobs that hit the
// provider's rate limit back off and retry before giving up quietly.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sosmesh/internal/clock"
)

// ErrRateLimited marks an error as a rate-limit response. Jobs may return it
// directly, wrap it, or return an error implementing RateLimitError.
var ErrRateLimited = errors.New("dispatch: rate limited")

var errShutdown = errors.New("dispatch: shut down")

// RateLimitError is implemented by provider errors that can tell a
// rate-limit response apart from other failures.
type RateLimitError interface {
	error
	IsRateLimited() bool
}

// IsRateLimited reports whether err asks the caller to slow down.
func IsRateLimited(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var rl RateLimitError
	return errors.As(err, &rl) && rl.IsRateLimited()
}

// Job is one call to the external service.
type Job[T any] func(ctx context.Context) (T, error)

// Result is the outcome of a job. OK is false when no value is available,
// which callers treat as an expected outcome rather than a fault. Err holds
// the last error seen, if any.
type Result[T any] struct {
	Value    T
	OK       bool
	Attempts int
	// Err is the last error seen, for logging only.
	Err error
}

// Config holds dispatcher settings. Zero values select the defaults.
type Config struct {
	Name           string
	Spacing        time.Duration // default 4s between job starts
	MaxAttempts    int           // default 3
	InitialBackoff time.Duration // default 2s, doubled after each rate-limited attempt
	Clock          clock.Clock
	Logger         *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "dispatch"
	}
	if c.Spacing <= 0 {
		c.Spacing = 4 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 2 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

type queuedJob[T any] struct {
	ctx        context.Context
	fn         Job[T]
	result     chan Result[T]
	enqueuedAt time.Time
}

func (j *queuedJob[T]) resolve(r Result[T]) {
	j.result <- r
}

// Stats describes the dispatcher queue.
type Stats struct {
	Queued      int  `json:"queued"`
	Busy        bool `json:"busy"`
	Completed   int  `json:"completed"`
	Unavailable int  `json:"unavailable"`
}

// Dispatcher runs jobs one at a time in submission order. Every call to the
// service takes a token from a limiter refilled once per Spacing, so job
// starts are at least Spacing apart. Retries are paced by the backoff
// instead and leave the limiter in debt, which delays the next job.
type Dispatcher[T any] struct {
	cfg     Config
	clock   clock.Clock
	logger  *slog.Logger
	limiter *rate.Limiter

	mu          sync.Mutex
	queue       []*queuedJob[T]
	busy        bool
	closed      bool
	completed   int
	unavailable int

	wake     chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New starts a dispatcher worker.
func New[T any](cfg Config) *Dispatcher[T] {
	cfg.applyDefaults()
	d := &Dispatcher[T]{
		cfg:      cfg,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With("component", cfg.Name),
		limiter:  rate.NewLimiter(rate.Every(cfg.Spacing), 1),
		wake:     make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Submit queues fn and returns a channel that receives exactly one Result.
func (d *Dispatcher[T]) Submit(ctx context.Context, fn Job[T]) <-chan Result[T] {
	j := &queuedJob[T]{
		ctx:        ctx,
		fn:         fn,
		result:     make(chan Result[T], 1),
		enqueuedAt: d.clock.Now(),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		j.resolve(Result[T]{Err: errShutdown})
		return j.result
	}
	d.queue = append(d.queue, j)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return j.result
}

// Do submits fn and waits for its result or for ctx to end.
func (d *Dispatcher[T]) Do(ctx context.Context, fn Job[T]) Result[T] {
	select {
	case r := <-d.Submit(ctx, fn):
		return r
	case <-ctx.Done():
		return Result[T]{Err: ctx.Err()}
	}
}

func (d *Dispatcher[T]) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Queued:      len(d.queue),
		Busy:        d.busy,
		Completed:   d.completed,
		Unavailable: d.unavailable,
	}
}

func (d *Dispatcher[T]) run() {
	defer d.wg.Done()
	for {
		j, ok := d.next()
		if !ok {
			return
		}
		r := d.execute(j)
		j.resolve(r)

		d.mu.Lock()
		d.busy = false
		if r.OK {
			d.completed++
		} else {
			d.unavailable++
		}
		d.mu.Unlock()
	}
}

func (d *Dispatcher[T]) next() (*queuedJob[T], bool) {
	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return nil, false
		}
		if len(d.queue) > 0 {
			j := d.queue[0]
			d.queue[0] = nil
			d.queue = d.queue[1:]
			d.busy = true
			d.mu.Unlock()
			return j, true
		}
		d.mu.Unlock()

		select {
		case <-d.wake:
		case <-d.stopChan:
			return nil, false
		}
	}
}

// wait blocks for delay unless the job is cancelled or the dispatcher stops.
func (d *Dispatcher[T]) wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-d.clock.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stopChan:
		return errShutdown
	}
}

func (d *Dispatcher[T]) execute(j *queuedJob[T]) Result[T] {
	var r Result[T]
	if err := j.ctx.Err(); err != nil {
		r.Err = err
		return r
	}

	now := d.clock.Now()
	reservation := d.limiter.ReserveN(now, 1)
	if err := d.wait(j.ctx, reservation.DelayFrom(now)); err != nil {
		reservation.CancelAt(d.clock.Now())
		r.Err = err
		return r
	}

	backoff := d.cfg.InitialBackoff
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := d.wait(j.ctx, backoff); err != nil {
				r.Err = err
				return r
			}
			backoff *= 2
			d.limiter.ReserveN(d.clock.Now(), 1)
		}

		r.Attempts = attempt
		value, err := j.fn(j.ctx)
		if err == nil {
			r.Value = value
			r.OK = true
			r.Err = nil
			return r
		}
		r.Err = err
		if !IsRateLimited(err) {
			d.logger.Warn("job failed", "attempt", attempt, "error", err)
			return r
		}
		d.logger.Info("job rate limited", "attempt", attempt, "max_attempts", d.cfg.MaxAttempts)
	}
	d.logger.Warn("job gave up after rate limiting", "attempts", r.Attempts,
		"queued_for", d.clock.Now().Sub(j.enqueuedAt))
	return r
}

// Shutdown stops the worker after the job in flight, if any, finishes.
// Queued jobs resolve as unavailable. Safe to call more than once.
func (d *Dispatcher[T]) Shutdown() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		queued := d.queue
		d.queue = nil
		d.mu.Unlock()

		close(d.stopChan)
		d.wg.Wait()
		for _, j := range queued {
			j.resolve(Result[T]{Err: errShutdown})
		}
	})
}
