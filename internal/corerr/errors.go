// Package corerr defines the core's error-kind taxonomy. Kinds are
// coarse classifications used by callers (transport layers, tests) to
// decide retry/response behavior; they are not a type switch.
package corerr

import (
	"errors"
	"fmt"
)

// Kind classifies a CoreError. See spec §7.
type Kind string

const (
	Unauthorized         Kind = "unauthorized"
	Forbidden            Kind = "forbidden"
	NotFound             Kind = "not_found"
	QueueFull            Kind = "queue_full"
	RetrievalUnavailable Kind = "retrieval_unavailable"
	EmbeddingUnavailable Kind = "embedding_unavailable"
	LLMUnavailable       Kind = "llm_unavailable"
	DimensionMismatch    Kind = "dimension_mismatch"
	SessionBusy          Kind = "session_busy"
	DeadlineExceeded     Kind = "deadline_exceeded"
	Internal             Kind = "internal"
)

// CoreError is the concrete error type carried across component
// boundaries. It wraps an underlying cause so errors.Is/errors.As keep
// working through the chain.
type CoreError struct {
	Kind      Kind
	Op        string // component/operation that raised it, e.g. "vectordb.Search"
	Message   string
	Cause     error
}

func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Cause }

// New constructs a CoreError with no underlying cause.
func New(kind Kind, op, message string) *CoreError {
	return &CoreError{Kind: kind, Op: op, Message: message}
}

// Wrap constructs a CoreError wrapping cause. If cause is already a
// *CoreError its Kind is preserved unless kind is explicitly overridden
// by the caller (pass the same kind to keep it, or a new one to
// reclassify at a higher layer).
func Wrap(kind Kind, op, message string, cause error) *CoreError {
	return &CoreError{Kind: kind, Op: op, Message: message, Cause: cause}
}

// Is reports whether the first *CoreError in err's chain has the given
// kind; *CoreErrors further down the chain are not consulted.
func Is(err error, kind Kind) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Internal when err is
// not a *CoreError.
func KindOf(err error) Kind {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if err == nil {
		return ""
	}
	return Internal
}
