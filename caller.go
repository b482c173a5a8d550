package asynccaller

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/egorkaBurkenya/asynccaller"

// Operation is a call run by a Caller. It may be invoked several times.
type Operation func(ctx context.Context) (any, error)

// Stats holds request counters and a snapshot of the scheduler state.
type Stats struct {
	Calls        uint64
	Attempts     uint64
	Retries      uint64
	RateLimited  uint64
	ClientErrors uint64
	Exhausted    uint64
	Succeeded    uint64

	Running int
	Queued  int
	Tokens  int
	Paused  bool
}

// StatsProvider exposes metrics for external collectors.
type StatsProvider interface {
	Stats() Stats
}

// Compile-time interface check.
var _ StatsProvider = (*Caller)(nil)

type admission struct {
	ready    chan struct{}
	admitted bool
}

// Caller runs operations under a shared token bucket, a concurrency limit and
// a retry policy. Operations are admitted in submission order.
// It is safe for concurrent use.
type Caller struct {
	cfg        *config
	bucket     *TokenBucket
	ownsBucket bool
	logger     *slog.Logger
	tracer     trace.Tracer
	waitLog    rate.Sometimes

	mu      sync.Mutex
	running int
	queue   *list.List
	closed  bool

	calls        atomic.Uint64
	attempts     atomic.Uint64
	retries      atomic.Uint64
	rateLimited  atomic.Uint64
	clientErrors atomic.Uint64
	exhausted    atomic.Uint64
	succeeded    atomic.Uint64
}

// New creates a Caller. It fails with a *ConfigError when an option is out of
// range.
func New(opts ...Option) (*Caller, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	bucket, owns := cfg.bucket, false
	if bucket == nil {
		var err error
		if bucket, err = NewTokenBucket(cfg.bucketOpts); err != nil {
			return nil, err
		}
		owns = true
	}

	return &Caller{
		cfg:        cfg,
		bucket:     bucket,
		ownsBucket: owns,
		logger:     cfg.newLogger(),
		tracer:     cfg.newTracer(),
		waitLog:    rate.Sometimes{Interval: time.Second},
		queue:      list.New(),
	}, nil
}

// Bucket returns the token bucket the caller draws from.
func (c *Caller) Bucket() *TokenBucket { return c.bucket }

// Close rejects queued calls with ErrClosed and stops the caller's own bucket.
// Calls already running finish their current attempt.
func (c *Caller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for e := c.queue.Front(); e != nil; e = e.Next() {
		close(e.Value.(*admission).ready)
	}
	c.queue.Init()
	c.mu.Unlock()

	if c.ownsBucket {
		c.bucket.Close()
	}
}

// Stats returns a snapshot of call statistics.
func (c *Caller) Stats() Stats {
	c.mu.Lock()
	running, queued := c.running, c.queue.Len()
	c.mu.Unlock()
	return Stats{
		Calls:        c.calls.Load(),
		Attempts:     c.attempts.Load(),
		Retries:      c.retries.Load(),
		RateLimited:  c.rateLimited.Load(),
		ClientErrors: c.clientErrors.Load(),
		Exhausted:    c.exhausted.Load(),
		Succeeded:    c.succeeded.Load(),
		Running:      running,
		Queued:       queued,
		Tokens:       c.bucket.Tokens(),
		Paused:       c.bucket.Paused(),
	}
}

// Call waits for a concurrency slot and then runs op until it succeeds, fails
// with a client error, or runs out of retries.
//
// A result classified as a client error is returned as a *ResponseError; an
// error classified as one is returned unchanged. Running out of retries
// returns an *ExhaustedError. ctx bounds the waits for a slot, a token and a
// retry delay; it is passed to op but an attempt in progress is never
// interrupted.
func (c *Caller) Call(ctx context.Context, op Operation) (any, error) {
	id := uuid.NewString()
	c.calls.Add(1)

	ctx, span := c.tracer.Start(ctx, "asynccaller.Call", trace.WithAttributes(attribute.String("call.id", id)))
	defer span.End()
	log := c.logger.With(slog.String("call_id", id))

	if err := c.acquireSlot(ctx); err != nil {
		span.SetStatus(codes.Error, "not admitted")
		span.RecordError(err)
		return nil, fmt.Errorf("asynccaller: wait for slot: %w", err)
	}
	defer c.releaseSlot()
	log.Debug("call admitted")

	res, err := c.attemptLoop(ctx, id, op, log, span)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return nil, err
	}
	c.succeeded.Add(1)
	span.SetStatus(codes.Ok, "")
	return res, nil
}

// Do is the typed form of Call.
func Do[T any](ctx context.Context, c *Caller, op func(ctx context.Context) (T, error)) (T, error) {
	res, err := c.Call(ctx, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	v, _ := res.(T)
	return v, nil
}

func (c *Caller) attemptLoop(ctx context.Context, id string, op Operation, log *slog.Logger, span trace.Span) (any, error) {
	var (
		lastErr    error
		lastResult any
		haveResult bool
		maxAttempt = c.cfg.retry.MaxRetries + 1
	)

	for attempt := 1; ; attempt++ {
		if err := c.acquireToken(ctx, log); err != nil {
			return nil, err
		}
		if attempt > maxAttempt {
			return nil, c.exhaust(attempt-1, lastErr, lastResult, haveResult, log)
		}

		c.attempts.Add(1)
		span.AddEvent("attempt", trace.WithAttributes(attribute.Int("attempt", attempt)))
		res, err := op(ctx)

		if err == nil {
			class, status := classifyCodes(c.cfg.extractStatus(res))
			switch class {
			case ClassRateLimited:
				lastResult, haveResult = res, true
				if err := c.wait(ctx, RetryEvent{CallID: id, Attempt: attempt, Class: class}, res, log); err != nil {
					return nil, err
				}
				continue
			case ClassClientError:
				c.clientErrors.Add(1)
				log.Debug("client error result", slog.Int("status", status), slog.Int("attempt", attempt))
				return nil, &ResponseError{StatusCode: status, Result: res}
			default:
				log.Debug("call succeeded", slog.Int("attempt", attempt))
				return res, nil
			}
		}

		if attempt == maxAttempt {
			return nil, c.exhaust(attempt, err, lastResult, haveResult, log)
		}
		class, status := classifyCodes(c.cfg.extractStatus(err))
		if class == ClassClientError {
			c.clientErrors.Add(1)
			log.Debug("client error", slog.Int("status", status), slog.Int("attempt", attempt), slog.Any("error", err))
			return nil, err
		}
		if class == ClassOK {
			class = ClassTransient
		}
		lastErr = err
		if err := c.wait(ctx, RetryEvent{CallID: id, Attempt: attempt, Class: class, Err: err}, err, log); err != nil {
			return nil, err
		}
	}
}

// wait sleeps before the next attempt. A rate-limited outcome with a readable
// Retry-After pauses the shared bucket for the same duration; everything else
// uses the exponential backoff.
func (c *Caller) wait(ctx context.Context, ev RetryEvent, outcome any, log *slog.Logger) error {
	if ev.Class == ClassRateLimited {
		c.rateLimited.Add(1)
		if d, ok := RetryAfter(outcome, c.cfg.lookupHeader); ok {
			ev.Delay, ev.ServerDirected = d, true
			c.bucket.ForceWaitUntil(d)
		}
	}
	if !ev.ServerDirected {
		ev.Delay = c.cfg.retry.DefaultDelay(ev.Attempt)
	}
	c.retries.Add(1)

	if ev.Class == ClassRateLimited {
		log.Info("rate limited",
			slog.Int("attempt", ev.Attempt),
			slog.Duration("delay", ev.Delay),
			slog.Bool("retry_after", ev.ServerDirected))
		if c.cfg.onRateLimited != nil {
			c.cfg.onRateLimited(ev)
		}
	} else {
		log.Debug("retrying after error",
			slog.Int("attempt", ev.Attempt),
			slog.Duration("delay", ev.Delay),
			slog.Any("error", ev.Err))
	}
	if c.cfg.onRetry != nil {
		c.cfg.onRetry(ev)
	}

	timer := time.NewTimer(ev.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("asynccaller: retry delay after attempt %d: %w", ev.Attempt, ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (c *Caller) exhaust(attempts int, lastErr error, lastResult any, haveResult bool, log *slog.Logger) error {
	c.exhausted.Add(1)
	e := &ExhaustedError{Attempts: attempts, Err: lastErr}
	if lastErr == nil && haveResult {
		e.Message = ExtractMessage(lastResult)
	}
	log.Warn("retries exhausted", slog.Int("attempts", attempts), slog.String("error", e.Error()))
	return e
}

func (c *Caller) acquireToken(ctx context.Context, log *slog.Logger) error {
	if c.bucket.Consume(1) {
		return nil
	}
	c.waitLog.Do(func() {
		log.Debug("waiting for token", slog.Int("waiting", c.bucket.Waiting()), slog.Bool("paused", c.bucket.Paused()))
	})
	ok, err := c.bucket.ConsumeAsync(ctx, 1)
	if err != nil {
		return fmt.Errorf("asynccaller: wait for token: %w", err)
	}
	if !ok {
		return fmt.Errorf("asynccaller: wait for token: %w", ErrClosed)
	}
	return nil
}

func (c *Caller) acquireSlot(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.running < c.cfg.concurrency && c.queue.Len() == 0 {
		c.running++
		c.mu.Unlock()
		return nil
	}
	a := &admission{ready: make(chan struct{})}
	elem := c.queue.PushBack(a)
	c.mu.Unlock()

	select {
	case <-a.ready:
	case <-ctx.Done():
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if a.admitted {
		return nil
	}
	if c.closed {
		return ErrClosed
	}
	c.queue.Remove(elem)
	return ctx.Err()
}

func (c *Caller) releaseSlot() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running--
	c.dispatchLocked()
}

// dispatchLocked admits queued calls in order while slots are free.
func (c *Caller) dispatchLocked() {
	for c.running < c.cfg.concurrency && c.queue.Len() > 0 {
		a := c.queue.Remove(c.queue.Front()).(*admission)
		a.admitted = true
		c.running++
		close(a.ready)
	}
}
