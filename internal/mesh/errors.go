package mesh

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a processing failure so that retry and escalation
// decisions are data-driven instead of hanging off error string matching.
type ErrorKind string

const (
	// KindTimeout marks a process() call that exceeded its deadline.
	KindTimeout ErrorKind = "timeout"

	// KindTransient marks recoverable upstream faults (LLM/API failures).
	KindTransient ErrorKind = "transient"

	// KindContext marks a context-retrieval failure; recovery continues the
	// route with a degraded context instead of synthesizing a fallback.
	KindContext ErrorKind = "context_error"

	// KindValidation marks business-rule rejection of generated content.
	// Validation failures are never retried.
	KindValidation ErrorKind = "validation"

	// KindFatal marks everything that is neither transient nor retryable.
	KindFatal ErrorKind = "fatal"
)

// StageError is the explicit failure result a processor returns.
type StageError struct {
	Kind ErrorKind
	Err  error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError wraps err with an explicit kind.
func NewStageError(kind ErrorKind, err error) *StageError {
	return &StageError{Kind: kind, Err: err}
}

// Errorf builds a StageError from a format string.
func Errorf(kind ErrorKind, format string, args ...any) *StageError {
	return &StageError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the ErrorKind from err. Unclassified errors are fatal,
// context.DeadlineExceeded-style classification is the runtime's job.
func KindOf(err error) ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindFatal
}
