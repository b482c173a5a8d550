package asynccaller

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrInvalidConfig   = errors.New("asynccaller: invalid configuration")
	ErrClosed          = errors.New("asynccaller: closed")
	ErrExceedsCapacity = errors.New("asynccaller: requested tokens exceed bucket capacity")
	ErrInvalidAmount   = errors.New("asynccaller: token amount must be positive")
	ErrMaxRetries      = errors.New("asynccaller: max retries exceeded")
)

// ConfigError reports an invalid option. It is returned at construction and
// is never retried.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("asynccaller: invalid %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrInvalidConfig) hold for every ConfigError.
func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// ResponseError is returned when an operation resolved with a client-error
// status (4xx other than 429). Result holds the value the operation returned.
type ResponseError struct {
	StatusCode int
	Result     any
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("asynccaller: client error status %d", e.StatusCode)
}

// HTTPStatusCode lets the classifier read the status back off the error.
func (e *ResponseError) HTTPStatusCode() int { return e.StatusCode }

// ExhaustedError is returned once the attempt budget is spent. Err is the last
// error the operation returned; when the last outcome was a response instead,
// Err is nil and Message carries text extracted from its body.
type ExhaustedError struct {
	Attempts int
	Err      error
	Message  string
}

func (e *ExhaustedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("asynccaller: max retries exceeded after %d attempts: %v", e.Attempts, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("asynccaller: max retries exceeded after %d attempts: %s", e.Attempts, e.Message)
	}
	return fmt.Sprintf("asynccaller: max retries exceeded after %d attempts", e.Attempts)
}

func (e *ExhaustedError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrMaxRetries, e.Err}
	}
	return []error{ErrMaxRetries}
}

// IsExhausted reports whether err ended because the retry budget ran out.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrMaxRetries)
}
