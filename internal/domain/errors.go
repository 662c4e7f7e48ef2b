package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the engine and its adapters.
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrAlreadyRunning is returned by StartJob when the job already has a
	// non-terminal execution.
	ErrAlreadyRunning = errors.New("job already has an active execution")

	// ErrExecutionTerminal is returned by the store when an update targets
	// an execution whose persisted status is already terminal. Callers must
	// re-check execution state instead of retrying the write.
	ErrExecutionTerminal = errors.New("execution already in terminal state")
)

// ErrorClass partitions pipeline failures for the retry manager.
type ErrorClass string

const (
	// ClassConfig marks invalid source, destination, or rule configuration.
	// Never retried.
	ClassConfig ErrorClass = "config"

	// ClassTransient marks transient I/O failures (network, rate limits).
	ClassTransient ErrorClass = "transient"

	// ClassTimeout marks a per-execution timeout. The attempt is dead but
	// a fresh one may succeed.
	ClassTimeout ErrorClass = "timeout"

	// ClassUnknown marks unclassified failures. Treated as non-retryable so
	// an operator inspects them instead of the engine looping.
	ClassUnknown ErrorClass = "unknown"
)

// Retryable reports whether the retry manager may schedule another attempt.
func (c ErrorClass) Retryable() bool {
	return c == ClassTransient || c == ClassTimeout
}

// ClassifiedError attaches an ErrorClass to an underlying failure.
type ClassifiedError struct {
	Class ErrorClass
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// ConfigErrorf builds a non-retryable configuration error.
func ConfigErrorf(format string, args ...any) error {
	return &ClassifiedError{Class: ClassConfig, Err: fmt.Errorf(format, args...)}
}

// TransientError wraps err as a retryable transient failure.
func TransientError(err error) error {
	return &ClassifiedError{Class: ClassTransient, Err: err}
}

// TimeoutError wraps err as a per-execution timeout.
func TimeoutError(err error) error {
	return &ClassifiedError{Class: ClassTimeout, Err: err}
}

// Classify extracts the ErrorClass from err, defaulting to ClassUnknown.
func Classify(err error) ErrorClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassUnknown
}
