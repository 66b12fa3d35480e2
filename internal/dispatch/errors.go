package dispatch

import (
	"errors"
	"fmt"
)

// Kind classifies orchestrator failures for callers.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindRateLimited      Kind = "rate_limited"
	KindNotFound         Kind = "not_found"
	KindAlreadyProcessed Kind = "already_processed"
	KindDispatchFailure  Kind = "dispatch_failure"
	KindInternal         Kind = "internal"
)

// Error is returned by every Service operation. Scope names the rate limit
// identifier for KindRateLimited.
type Error struct {
	Kind    Kind
	Message string
	Scope   string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}
