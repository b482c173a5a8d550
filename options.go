package asynccaller

import (
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Option configures a Caller.
type Option func(*config)

type config struct {
	bucketOpts  BucketOptions
	bucket      *TokenBucket
	retry       RetryPolicy
	concurrency int
	verbose     bool
	logger      *slog.Logger

	tracerProvider trace.TracerProvider
	extractStatus  StatusExtractor
	lookupHeader   HeaderLookup

	onRetry       func(RetryEvent)
	onRateLimited func(RetryEvent)
}

// RetryEvent describes a retry the caller is about to wait for.
type RetryEvent struct {
	CallID string
	// Attempt is the attempt that just failed, starting at 1.
	Attempt int
	Class   Class
	Delay   time.Duration
	// ServerDirected is set when Delay came from a Retry-After header.
	ServerDirected bool
	// Err is the error the attempt returned, nil for a rate-limited result.
	Err error
}

func defaultConfig() *config {
	return &config{
		bucketOpts:    DefaultBucketOptions(),
		retry:         DefaultRetryPolicy(),
		concurrency:   10,
		extractStatus: ExtractStatus,
		lookupHeader:  LookupHeader,
	}
}

func (c *config) validate() error {
	if c.concurrency <= 0 {
		return &ConfigError{Field: "concurrency", Reason: "must be greater than 0"}
	}
	if err := c.retry.Validate(); err != nil {
		return err
	}
	if c.bucket == nil {
		return c.bucketOpts.Validate()
	}
	return nil
}

func (c *config) newLogger() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	if c.verbose {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (c *config) newTracer() trace.Tracer {
	tp := c.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(tracerName)
}

// WithTokenBucket sets the options for the caller's own token bucket.
func WithTokenBucket(opts BucketOptions) Option {
	return func(c *config) { c.bucketOpts = opts }
}

// WithSharedBucket makes the caller draw tokens from b instead of creating its
// own bucket. Close on the caller leaves a shared bucket running.
func WithSharedBucket(b *TokenBucket) Option {
	return func(c *config) { c.bucket = b }
}

// WithRetry sets the retry policy.
func WithRetry(p RetryPolicy) Option {
	return func(c *config) { c.retry = p }
}

// WithMaxRetries overrides only the retry count of the current policy.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.retry.MaxRetries = n }
}

// WithConcurrency sets the maximum number of operations in flight at once.
func WithConcurrency(n int) Option {
	return func(c *config) { c.concurrency = n }
}

// WithVerbose enables debug logging to stderr when no logger is set.
func WithVerbose(v bool) Option {
	return func(c *config) { c.verbose = v }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithTracerProvider sets the OpenTelemetry tracer provider. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) { c.tracerProvider = tp }
}

// WithStatusExtractor replaces the default status probing. Use it when results
// carry their status somewhere ExtractStatus does not look.
func WithStatusExtractor(fn StatusExtractor) Option {
	return func(c *config) {
		if fn != nil {
			c.extractStatus = fn
		}
	}
}

// WithHeaderLookup replaces the default Retry-After header lookup.
func WithHeaderLookup(fn HeaderLookup) Option {
	return func(c *config) {
		if fn != nil {
			c.lookupHeader = fn
		}
	}
}

// WithOnRetry sets a callback invoked before every retry delay.
func WithOnRetry(fn func(RetryEvent)) Option {
	return func(c *config) { c.onRetry = fn }
}

// WithOnRateLimited sets a callback invoked when an attempt is rate limited.
func WithOnRateLimited(fn func(RetryEvent)) Option {
	return func(c *config) { c.onRateLimited = fn }
}
