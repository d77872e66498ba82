// Package validation decides whether a single proposed agent action may be
// auto-approved. It holds the pure sanitizer functions (injection, traversal,
// log-injection, secret redaction) and the ToolValidator that combines them
// with the loaded policy snapshot.
package validation

import (
	"errors"
	"fmt"
)

// Error codes for the gate's failure taxonomy.
const (
	// ErrCodeMalformed indicates the request parameters could not be interpreted.
	ErrCodeMalformed = 1

	// ErrCodeUnsupportedTool indicates the tool has no parameter mapping.
	ErrCodeUnsupportedTool = 2

	// ErrCodePolicyLoad indicates the policy document was missing or corrupt.
	ErrCodePolicyLoad = 3

	// ErrCodePersistence indicates a state or audit write failed after retry.
	ErrCodePersistence = 4
)

// ValidationError represents a malformed request. It is always converted into
// a deny verdict and never returned past the gate.
type ValidationError struct {
	// Code is one of the ErrCode* constants.
	Code int

	// Message is safe to show to the human reviewing the denial.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error %d: %s", e.Code, e.Message)
}

// NewValidationError creates a new ValidationError with the given code and message.
func NewValidationError(code int, message string) *ValidationError {
	return &ValidationError{
		Code:    code,
		Message: message,
	}
}

// PolicyLoadError records why a policy document could not be used. The store
// substitutes a deny-everything snapshot and keeps this error on it.
type PolicyLoadError struct {
	Path string
	Err  error
}

func (e *PolicyLoadError) Error() string {
	return fmt.Sprintf("load policy %s: %v", e.Path, e.Err)
}

func (e *PolicyLoadError) Unwrap() error { return e.Err }

// PersistenceError wraps a durable write failure (consent state or audit log)
// that persisted after the retry budget was spent.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPersistenceError reports whether err wraps a PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// Result is the verdict for one proposed action. It is produced once and
// passed by value; nothing mutates it after Validate returns.
type Result struct {
	// Approved is true when the action may run without human confirmation.
	Approved bool

	// Reason is a human-readable explanation, always set.
	Reason string

	// MatchedPattern is the policy pattern that decided the verdict, if any.
	MatchedPattern string

	// SecurityRisk marks verdicts caused by an attack signature (injection,
	// traversal, blacklist hit, symlink escape) or an internal failure.
	SecurityRisk bool
}

func deny(reason string) Result {
	return Result{Reason: reason}
}

func denyRisk(reason string) Result {
	return Result{Reason: reason, SecurityRisk: true}
}

// denyInvalid turns a malformed-input error into a deny verdict.
func denyInvalid(err error) Result {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return deny(ve.Message)
	}
	return deny(err.Error())
}
