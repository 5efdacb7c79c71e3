package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeConfiguration      = "CONFIGURATION_ERROR"
	ErrCodeDispatch           = "DISPATCH_FAILURE"
	ErrCodeWebhookValidation  = "WEBHOOK_VALIDATION_ERROR"
	ErrCodeUnknownCorrelation = "UNKNOWN_CORRELATION"
	ErrCodeDeadlineExpired    = "DEADLINE_EXPIRED"

	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeVault             = "VAULT_ERROR"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
)

// HITLError is the structured error type for all coordinator operations.
type HITLError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Node    string         `json:"node,omitempty"`
	Cause   error          `json:"-"`
}

func (e *HITLError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.Node, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *HITLError) Unwrap() error {
	return e.Cause
}

// NewError creates a new HITLError.
func NewError(code, message string) *HITLError {
	return &HITLError{Code: code, Message: message}
}

// NewErrorf creates a new HITLError with a formatted message.
func NewErrorf(code, format string, args ...any) *HITLError {
	return &HITLError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches the node name to the error.
func (e *HITLError) WithNode(node string) *HITLError {
	e.Node = node
	return e
}

// WithCause attaches an underlying cause.
func (e *HITLError) WithCause(err error) *HITLError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *HITLError) WithDetails(details map[string]any) *HITLError {
	e.Details = details
	return e
}

// HasCode reports whether err is (or wraps) a HITLError with the given code.
func HasCode(err error, code string) bool {
	var he *HITLError
	if errors.As(err, &he) {
		return he.Code == code
	}
	return false
}
