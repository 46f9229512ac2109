// Package jobs manages the lifecycle of asynchronous optimization jobs:
// submission, a bounded worker pool, cancellation, persistence and the
// terminal error taxonomy exposed over the API.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"schoolbus/backend/optimize"
)

// Terminal error codes surfaced to API clients.
const (
	CodeInvalidInput        = "INVALID_INPUT"
	CodeInfeasible          = "INFEASIBLE"
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeTimeout             = "TIMEOUT"
	CodeCancelled           = "CANCELLED"
	CodeInterrupted         = "INTERRUPTED"
	CodeInternal            = "INTERNAL"
)

// ErrNotFound is returned by lookups of unknown job ids.
var ErrNotFound = errors.New("job not found")

// Error pairs a taxonomy code with its cause.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a coded error with a formatted message.
func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Classify maps a pipeline failure onto the terminal taxonomy.
func Classify(err error) *Error {
	var coded *Error
	if errors.As(err, &coded) {
		return coded
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: CodeTimeout, Message: "job exceeded its time limit", Err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Code: CodeCancelled, Message: "job was cancelled", Err: err}
	}
	var infeasible *optimize.Infeasibility
	if errors.As(err, &infeasible) {
		return &Error{Code: CodeInfeasible, Message: infeasible.Error(), Err: err}
	}
	if strings.Contains(err.Error(), "invalid routes") {
		return &Error{Code: CodeInvalidInput, Message: err.Error(), Err: err}
	}
	return &Error{Code: CodeInternal, Message: err.Error(), Err: err}
}

// Transient reports whether a failure is worth retrying.
func Transient(code string) bool {
	return code == CodeProviderUnavailable
}
