package asynccaller

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryPolicy controls how many times a call is retried and how long to wait
// between attempts.
type RetryPolicy struct {
	MaxRetries    int
	MinDelay      time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy returns 3 retries starting at 1s, doubling, capped at 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		MinDelay:      time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2,
	}
}

// Validate checks the policy bounds.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return &ConfigError{Field: "max retries", Reason: "must not be negative"}
	}
	if p.MinDelay < 0 {
		return &ConfigError{Field: "min delay", Reason: "must not be negative"}
	}
	if p.MaxDelay < p.MinDelay {
		return &ConfigError{Field: "max delay", Reason: "must be >= min delay"}
	}
	if p.BackoffFactor <= 0 {
		return &ConfigError{Field: "backoff factor", Reason: "must be greater than 0"}
	}
	return nil
}

// DefaultDelay returns the exponential backoff after n completed attempts:
// MinDelay * BackoffFactor^(n-1), capped at MaxDelay.
func (p RetryPolicy) DefaultDelay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.MinDelay) * math.Pow(p.BackoffFactor, float64(n-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// RetryAfter reads the Retry-After header from v using lookup. An integer value
// is taken as seconds; an HTTP date yields the time remaining until it,
// floored at zero. ok is false when the header is missing or unparseable.
func RetryAfter(v any, lookup HeaderLookup) (time.Duration, bool) {
	if lookup == nil {
		lookup = LookupHeader
	}
	return parseRetryAfter(lookup(v, "Retry-After"), time.Now())
}

// maxRetryAfterSeconds is the largest whole-second delay a time.Duration holds.
const maxRetryAfterSeconds = math.MaxInt64 / int64(time.Second)

func parseRetryAfter(val string, now time.Time) (time.Duration, bool) {
	val = strings.TrimSpace(val)
	if val == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(val); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(min(int64(secs), maxRetryAfterSeconds)) * time.Second, true
	}
	// http.ParseTime accepts RFC 1123, RFC 850 and ANSI C dates.
	if t, err := http.ParseTime(val); err == nil {
		return max(t.Sub(now), 0), true
	}
	return 0, false
}
