package swarm

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrEmptyMessages indicates that the messages array is empty when making a request.
	ErrEmptyMessages = errors.New("messages cannot be empty")

	// ErrInvalidToolCall indicates that a tool call request was malformed or invalid.
	ErrInvalidToolCall = errors.New("invalid tool call")

	// ErrInvalidInstruction is returned when an agent's instructions are neither a
	// string nor a supported instruction function.
	ErrInvalidInstruction = errors.New("invalid instructions type")

	// ErrNotFound is returned when a named agent, tool or workflow is not registered.
	ErrNotFound = errors.New("not found")

	// ErrPlanInvalid is returned when a plan fails structural validation.
	ErrPlanInvalid = errors.New("invalid plan")

	// ErrPatchConflict is returned when a patch was built against a stale plan version.
	ErrPatchConflict = errors.New("patch conflicts with plan version")

	// ErrCapabilityMissing is returned when a plan references agents or tools that do not exist.
	ErrCapabilityMissing = errors.New("capability missing")

	// ErrEscalated is returned when a run was halted by an escalation.
	ErrEscalated = errors.New("run escalated")

	// ErrBudgetExceeded is returned when a run exhausts its budget.
	ErrBudgetExceeded = errors.New("budget exceeded")
)

// ErrorKind classifies errors raised while routing and executing requests.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindExecution  ErrorKind = "execution"
	KindTimeout    ErrorKind = "timeout"
	KindPolicy     ErrorKind = "policy"
	KindBudget     ErrorKind = "budget"
	KindInternal   ErrorKind = "internal"
)

// Error carries structured context for a failed operation.
type Error struct {
	Kind   ErrorKind
	Op     string
	Target string
	Err    error
}

// NewError wraps err with a kind, the failing operation and its target.
func NewError(kind ErrorKind, op, target string, err error) *Error {
	return &Error{Kind: kind, Op: op, Target: target, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Target != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Target)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Target == "" && t.Err == nil
}

// KindOf returns the kind of the first *Error in err's chain.
// Context deadline errors map to KindTimeout; anything else unclassified is KindExecution.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrBudgetExceeded):
		return KindBudget
	case errors.Is(err, ErrPlanInvalid), errors.Is(err, ErrInvalidToolCall):
		return KindValidation
	}
	return KindExecution
}

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindExecution, KindTimeout:
		return true
	}
	return false
}
