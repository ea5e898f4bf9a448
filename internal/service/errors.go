package service

import (
	"errors"
	"fmt"
)

var (
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrFormTriggerMissing = errors.New("form trigger is not installed")
	ErrUnknownJobType     = errors.New("unknown job type")
	// ErrLeaseExpired is recorded on a row whose final attempt never finished
	ErrLeaseExpired = errors.New("lease expired after final attempt")
)

// ValidationError reports a row whose input can never succeed. The runner
// writes SKIP without claiming the row.
type ValidationError struct {
	Reason string
	// Idempotent marks a skip because the row already carries its result.
	Idempotent bool
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Invalid returns a ValidationError with a formatted reason
func Invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// PartialError is a failure after the handler already created the
// external resource ID. The runner keeps ID in resultId so the next
// attempt can resume with it.
type PartialError struct {
	ID  string
	Err error
}

func (e *PartialError) Error() string {
	return e.Err.Error()
}

func (e *PartialError) Unwrap() error {
	return e.Err
}

// ConfigError is fatal for an invocation and never touches a row
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %v", e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
