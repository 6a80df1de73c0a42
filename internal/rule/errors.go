package rule

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes engine errors.
type ErrorKind string

const (
	// ErrInvalidArgument indicates the caller passed malformed data.
	ErrInvalidArgument ErrorKind = "INVALID_ARGUMENT"

	// ErrConflict indicates a duplicate rule, group or timer id.
	ErrConflict ErrorKind = "CONFLICT"

	// ErrNotFound indicates an unknown id on read, update or delete.
	ErrNotFound ErrorKind = "NOT_FOUND"

	// ErrValidation indicates a rule schema or group reference problem;
	// the error carries the issue list.
	ErrValidation ErrorKind = "VALIDATION"

	// ErrActionFailed indicates a single action raised during a firing.
	ErrActionFailed ErrorKind = "ACTION_FAILED"

	// ErrCascadeDepth indicates a derived event exceeded the cascade
	// depth bound.
	ErrCascadeDepth ErrorKind = "CASCADE_DEPTH_EXCEEDED"

	// ErrTimeout indicates a per-action timeout elapsed.
	ErrTimeout ErrorKind = "TIMEOUT"

	// ErrStorage indicates a persistence adapter failure after retries.
	ErrStorage ErrorKind = "STORAGE"

	// ErrStopped indicates the engine is not accepting work.
	ErrStopped ErrorKind = "ENGINE_STOPPED"
)

// Error is the engine's error type. Code identifies the category; the
// remaining fields carry diagnostics for the failure site.
type Error struct {
	// Code identifies the error category.
	Code ErrorKind

	// Message is a human-readable description.
	Message string

	// RuleID identifies the affected rule, when known.
	RuleID string

	// Key identifies the affected fact key, timer name or storage key.
	Key string

	// CorrelationID identifies the affected cascade.
	CorrelationID string

	// Issues carries validation findings for ErrValidation.
	Issues []Issue

	// Err is the wrapped cause, when any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.RuleID != "" && e.Key != "":
		return fmt.Sprintf("%s: %s (rule=%s, key=%s)", e.Code, e.Message, e.RuleID, e.Key)
	case e.RuleID != "":
		return fmt.Sprintf("%s: %s (rule=%s)", e.Code, e.Message, e.RuleID)
	case e.Key != "":
		return fmt.Sprintf("%s: %s (key=%s)", e.Code, e.Message, e.Key)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the category of err, or "" for non-engine errors.
// Uses errors.As to handle wrapped errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsInvalidArgument returns true for ErrInvalidArgument errors.
func IsInvalidArgument(err error) bool { return KindOf(err) == ErrInvalidArgument }

// IsConflict returns true for ErrConflict errors.
func IsConflict(err error) bool { return KindOf(err) == ErrConflict }

// IsNotFound returns true for ErrNotFound errors.
func IsNotFound(err error) bool { return KindOf(err) == ErrNotFound }

// IsValidation returns true for ErrValidation errors.
func IsValidation(err error) bool { return KindOf(err) == ErrValidation }

// IsActionFailed returns true for ErrActionFailed and ErrTimeout errors;
// timeouts are handled with action-failure policy.
func IsActionFailed(err error) bool {
	k := KindOf(err)
	return k == ErrActionFailed || k == ErrTimeout
}

// IsCascadeDepth returns true for ErrCascadeDepth errors.
func IsCascadeDepth(err error) bool { return KindOf(err) == ErrCascadeDepth }

// IsTimeout returns true for ErrTimeout errors.
func IsTimeout(err error) bool { return KindOf(err) == ErrTimeout }

// IsStorage returns true for ErrStorage errors.
func IsStorage(err error) bool { return KindOf(err) == ErrStorage }

// IsStopped returns true for ErrStopped errors.
func IsStopped(err error) bool { return KindOf(err) == ErrStopped }

// ValidationIssues extracts the issue list from an ErrValidation error.
func ValidationIssues(err error) []Issue {
	var e *Error
	if errors.As(err, &e) && e.Code == ErrValidation {
		return e.Issues
	}
	return nil
}

// NewInvalidArgument creates an ErrInvalidArgument error.
func NewInvalidArgument(format string, args ...any) *Error {
	return &Error{Code: ErrInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// NewConflict creates an ErrConflict error for a duplicate id.
func NewConflict(resource, id string) *Error {
	return &Error{
		Code:    ErrConflict,
		Message: fmt.Sprintf("%s %q already exists", resource, id),
		Key:     id,
	}
}

// NewNotFound creates an ErrNotFound error.
func NewNotFound(resource, id string) *Error {
	return &Error{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s %q not found", resource, id),
		Key:     id,
	}
}

// NewValidationError creates an ErrValidation error carrying issues.
func NewValidationError(issues []Issue) *Error {
	msg := "validation failed"
	if len(issues) > 0 {
		msg = fmt.Sprintf("validation failed: %s", issues[0])
	}
	if len(issues) > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, len(issues)-1)
	}
	return &Error{Code: ErrValidation, Message: msg, Issues: issues}
}

// NewActionFailed creates an ErrActionFailed error for a rule's action.
func NewActionFailed(ruleID string, actionIndex int, cause error) *Error {
	return &Error{
		Code:    ErrActionFailed,
		Message: fmt.Sprintf("action %d failed: %v", actionIndex, cause),
		RuleID:  ruleID,
		Err:     cause,
	}
}

// NewCascadeDepthExceeded creates an ErrCascadeDepth error.
func NewCascadeDepthExceeded(correlationID string, depth, max int) *Error {
	return &Error{
		Code:          ErrCascadeDepth,
		Message:       fmt.Sprintf("cascade depth %d exceeds limit %d", depth, max),
		CorrelationID: correlationID,
	}
}

// NewTimeout creates an ErrTimeout error for a rule's action.
func NewTimeout(ruleID string, actionIndex int) *Error {
	return &Error{
		Code:    ErrTimeout,
		Message: fmt.Sprintf("action %d timed out", actionIndex),
		RuleID:  ruleID,
	}
}

// NewStorageError creates an ErrStorage error for a failed adapter
// operation.
func NewStorageError(op, key string, cause error) *Error {
	return &Error{
		Code:    ErrStorage,
		Message: fmt.Sprintf("storage %s failed: %v", op, cause),
		Key:     key,
		Err:     cause,
	}
}

// NewStopped creates an ErrStopped error for the named operation.
func NewStopped(op string) *Error {
	return &Error{Code: ErrStopped, Message: fmt.Sprintf("engine stopped; %s rejected", op)}
}
