// Package ratelimit serializes outbound work through a single worker that
// spaces task starts by a fixed interval.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/catalogue-rag/internal/metrics"
)

// ErrClosed is returned for tasks submitted after Close.
var ErrClosed = errors.New("ratelimit: limiter closed")

// Config holds rate limiter configuration.
type Config struct {
	// RequestsPerSecond bounds task starts. Zero or less disables spacing.
	RequestsPerSecond float64
}

// Task is one unit of outbound work.
type Task func(ctx context.Context) error

type job struct {
	ctx      context.Context
	task     Task
	enqueued time.Time
	done     chan error
}

// Limiter runs tasks one at a time in submission order.
type Limiter struct {
	limiter *rate.Limiter

	mu      sync.Mutex
	queue   []*job
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
}

// New starts a Limiter worker. Call Close to stop it.
func New(cfg Config) *Limiter {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Every(time.Duration(float64(time.Second) / cfg.RequestsPerSecond))
	}
	l := &Limiter{
		limiter: rate.NewLimiter(limit, 1),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go l.run()
	return l
}

// Execute queues task and blocks until it has run or ctx is done. A task
// whose context ends while queued is never started.
func (l *Limiter) Execute(ctx context.Context, task Task) error {
	j := &job{ctx: ctx, task: task, enqueued: time.Now(), done: make(chan error, 1)}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.queue = append(l.queue, j)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("rate limited task canceled: %w", ctx.Err())
	}
}

// Do runs fn through l and returns its value. When ctx ends before fn
// returns, Do returns the zero value and fn's result is dropped.
func Do[T any](ctx context.Context, l *Limiter, fn func(ctx context.Context) (T, error)) (T, error) {
	if l == nil {
		return fn(ctx)
	}
	result := make(chan T, 1)
	err := l.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		result <- v
		return err
	})
	select {
	case out := <-result:
		return out, err
	default:
		var zero T
		return zero, err
	}
}

// pending reports the number of queued tasks.
func (l *Limiter) pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Close stops the worker after it drains tasks already queued.
func (l *Limiter) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.stopped
}

func (l *Limiter) run() {
	defer close(l.stopped)
	for {
		j, ok := l.next()
		if !ok {
			return
		}
		if j == nil {
			<-l.wake
			continue
		}
		j.done <- l.runJob(j)
	}
}

// next pops the head of the queue. A nil job with ok means the queue is empty.
func (l *Limiter) next() (*job, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, !l.closed
	}
	j := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return j, true
}

func (l *Limiter) runJob(j *job) error {
	if err := j.ctx.Err(); err != nil {
		return fmt.Errorf("rate limited task canceled: %w", err)
	}
	if err := l.limiter.Wait(j.ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	metrics.ObserveRateLimitWait(time.Since(j.enqueued))
	return j.task(j.ctx)
}
