package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies run-level failures.
type ErrorKind string

const (
	ErrConfiguration     ErrorKind = "configuration"
	ErrValidation        ErrorKind = "validation"
	ErrUnknownTool       ErrorKind = "unknown_tool"
	ErrToolExecution     ErrorKind = "tool_execution"
	ErrProvider          ErrorKind = "provider"
	ErrSafetyViolation   ErrorKind = "safety_violation"
	ErrTurnLimitExceeded ErrorKind = "turn_limit_exceeded"
	ErrCancelled         ErrorKind = "cancelled"
)

// RunError is the typed error used across the runtime. Transient is only
// meaningful for provider errors.
type RunError struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	Transient  bool      `json:"transient,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Err        error     `json:"-"`
}

func (e *RunError) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RunError) Unwrap() error { return e.Err }

// Terminal reports whether this kind of error ends a run.
func (e *RunError) Terminal() bool {
	switch e.Kind {
	case ErrConfiguration, ErrProvider, ErrSafetyViolation, ErrTurnLimitExceeded, ErrCancelled:
		return true
	}
	return false
}

func NewConfigurationError(format string, args ...interface{}) *RunError {
	return &RunError{Kind: ErrConfiguration, Message: fmt.Sprintf(format, args...)}
}

func NewSafetyViolation(reason string) *RunError {
	return &RunError{Kind: ErrSafetyViolation, Message: reason}
}

func NewProviderError(status int, transient bool, err error) *RunError {
	return &RunError{Kind: ErrProvider, StatusCode: status, Transient: transient, Err: err}
}

func NewTurnLimitExceeded(limit int) *RunError {
	return &RunError{Kind: ErrTurnLimitExceeded, Message: fmt.Sprintf("model still requested tools after %d tool rounds", limit)}
}

func NewCancelled(err error) *RunError {
	return &RunError{Kind: ErrCancelled, Message: "run cancelled", Err: err}
}

// AsRunError extracts a *RunError from an error chain.
func AsRunError(err error) (*RunError, bool) {
	var re *RunError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// IsKind reports whether err carries a RunError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	re, ok := AsRunError(err)
	return ok && re.Kind == kind
}

// IsTransient reports whether err is a transient provider error.
func IsTransient(err error) bool {
	re, ok := AsRunError(err)
	return ok && re.Kind == ErrProvider && re.Transient
}
