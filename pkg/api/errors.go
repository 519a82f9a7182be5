package api

import (
	"context"
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error code carried by runs and
// returned by the control surface.
type Code string

const (
	CodeRunNotFound          Code = "RUN_NOT_FOUND"
	CodeRunNotApprovable     Code = "RUN_NOT_APPROVABLE"
	CodeRunTerminal          Code = "RUN_TERMINAL"
	CodeIdempotencyKeyReused Code = "IDEMPOTENCY_KEY_REUSED"
	CodeArtifactNotFound     Code = "ARTIFACT_NOT_FOUND"
	CodeInvalidRequest       Code = "INVALID_REQUEST"

	CodeIRValidationFailed  Code = "IR_VALIDATION_FAILED"
	CodeLayoutSlotUnmatched Code = "LAYOUT_SLOT_UNMATCHED"
	CodeLayoutZeroArea      Code = "LAYOUT_ZERO_AREA"
	CodeLayoutPresetUnknown Code = "LAYOUT_PRESET_UNKNOWN"

	CodePolicyDenied      Code = "POLICY_DENIED"
	CodeStepTimeout       Code = "STEP_TIMEOUT"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeTransientIO       Code = "TRANSIENT_IO"
	CodeRetryExhausted    Code = "RETRY_EXHAUSTED"
	CodeRepairIneffective Code = "REPAIR_INEFFECTIVE"
	CodeAgentUnavailable  Code = "AGENT_UNAVAILABLE"

	CodeWorkflowInvalid    Code = "WORKFLOW_INVALID"
	CodeWorkflowNotFound   Code = "WORKFLOW_NOT_FOUND"
	CodeWorkflowIncomplete Code = "WORKFLOW_INCOMPLETE"
	CodeHandlerNotFound    Code = "HANDLER_NOT_FOUND"
	CodeCancelled          Code = "RUN_CANCELLED"
	CodeInternal           Code = "INTERNAL"
)

// Class is the failure taxonomy used by the retry policy engine.
type Class string

const (
	// ClassValidation: the produced IR failed its schema. Routed to a repair
	// step, never retried with identical input.
	ClassValidation Class = "validation"

	// Transient classes, retried with backoff while attempts remain.
	ClassTimeout     Class = "timeout"
	ClassRateLimit   Class = "rate_limit"
	ClassTransientIO Class = "transient_io"

	// ClassPolicy: the action is disallowed by the run's policy snapshot.
	ClassPolicy Class = "policy"

	// ClassFatal: non-retryable.
	ClassFatal Class = "fatal"

	// ClassCancelled is a terminal outcome, not an error.
	ClassCancelled Class = "cancelled"
)

// Transient reports whether the class is one of the retryable transient
// classes.
func (c Class) Transient() bool {
	switch c {
	case ClassTimeout, ClassRateLimit, ClassTransientIO:
		return true
	}
	return false
}

// Error is a structured error with a stable code and a failure class.
type Error struct {
	Code    Code
	Class   Class
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates an *Error with a formatted message.
func NewError(code Code, class Class, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Class:   class,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapError creates an *Error wrapping cause.
func WrapError(code Code, class Class, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Class:   class,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// ValidationError is shorthand for an IR validation failure.
func ValidationError(cause error, format string, args ...any) *Error {
	return WrapError(CodeIRValidationFailed, ClassValidation, cause, format, args...)
}

// TransientError marks an error as retryable transient I/O.
func TransientError(cause error, format string, args ...any) *Error {
	return WrapError(CodeTransientIO, ClassTransientIO, cause, format, args...)
}

// PolicyError marks an action as denied by the active policy snapshot.
func PolicyError(format string, args ...any) *Error {
	return NewError(CodePolicyDenied, ClassPolicy, format, args...)
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf extracts the code from err. Context errors map to their
// respective codes; anything else is CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeStepTimeout
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	}
	return CodeInternal
}

// ClassOf extracts the failure class from err. Deadline errors are
// timeouts; unknown errors are fatal.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Class != "" {
		return e.Class
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, context.Canceled):
		return ClassCancelled
	}
	return ClassFatal
}
