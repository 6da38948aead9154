// Package apperror defines the error taxonomy shared by every pipeline stage.
//
// Each failure class is a sentinel error. Stages return an *AppError that wraps
// the sentinel, so callers classify with errors.Is and still get a readable
// message through Error(). The HTTP layer is the only place that turns these
// into status codes.
package apperror

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is the InvalidRequest class: a caller error, never retried.
	ErrValidation = errors.New("invalid request")

	ErrVaultUnavailable = errors.New("vault unavailable")
	ErrAccessDenied     = errors.New("access denied")
	ErrSynthesisFailed  = errors.New("synthesis failed")
	ErrSandboxLaunch    = errors.New("sandbox launch error")
	ErrExecution        = errors.New("execution error")

	// ErrPolicyViolation marks a connection refused by the isolation fabric.
	ErrPolicyViolation = errors.New("network policy violation")
)

type AppError struct {
	Err     error  // sentinel class
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
	Cause   error  // Optional: underlying error from a library or the OS
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap exposes both the sentinel and the cause to errors.Is / errors.As.
func (e *AppError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Err, e.Cause}
	}
	return []error{e.Err}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func VaultUnavailable(ref string, cause error) *AppError {
	return &AppError{
		Err:     ErrVaultUnavailable,
		Message: fmt.Sprintf("vault unavailable reading %s", ref),
		Cause:   cause,
	}
}

func AccessDenied(role, ref string) *AppError {
	return &AppError{
		Err:     ErrAccessDenied,
		Message: fmt.Sprintf("role %s may not read %s", role, ref),
	}
}

func SynthesisFailed(message string, cause error) *AppError {
	return &AppError{
		Err:     ErrSynthesisFailed,
		Message: message,
		Cause:   cause,
	}
}

func SandboxLaunch(message string, cause error) *AppError {
	return &AppError{
		Err:     ErrSandboxLaunch,
		Message: message,
		Cause:   cause,
	}
}

func Execution(message string, cause error) *AppError {
	return &AppError{
		Err:     ErrExecution,
		Message: message,
		Cause:   cause,
	}
}

// Message returns the human-readable message of the first AppError in err's
// chain, or err.Error() when there is none.
func Message(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
