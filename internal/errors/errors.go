package errors

import (
	stderrors "errors"
	"fmt"
)

// VecError is the structured error type for vecdest.
// It carries enough context to decide between aborting and retrying a sync,
// and to show an operator an actionable message.
type VecError struct {
	// Code is the unique error code (e.g., "ERR_505_INDEX_FAILED").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Network, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the operator.
	Suggestion string
}

// Error implements the error interface.
func (e *VecError) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *VecError) Unwrap() error {
	return e.Cause
}

// Is matches another VecError by code, so errors.Is works on codes.
func (e *VecError) Is(target error) bool {
	if t, ok := target.(*VecError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *VecError) WithDetail(key, value string) *VecError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the operator.
func (e *VecError) WithSuggestion(suggestion string) *VecError {
	e.Suggestion = suggestion
	return e
}

// New creates a new VecError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *VecError {
	return &VecError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a VecError from an existing error.
// The error's message becomes the VecError message.
func Wrap(code string, err error) *VecError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError reports that a destination is not usable as configured.
// It is the only error kind an indexer's Check returns.
func ConfigError(message string, cause error) *VecError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// UnreachableError reports a configured backend that cannot be contacted.
func UnreachableError(message string, cause error) *VecError {
	return New(ErrCodeBackendUnreachable, message, cause).
		WithSuggestion("Verify the backend address and that the service is running")
}

// WriteError reports that an insert or delete could not be guaranteed
// to have been applied.
func WriteError(message string, cause error) *VecError {
	return New(ErrCodeIndexFailed, message, cause)
}

// IOError creates an I/O-related error.
func IOError(message string, cause error) *VecError {
	return New(ErrCodeFileNotFound, message, cause)
}

// NetworkError creates a network-related error.
// Network errors are retryable.
func NetworkError(message string, cause error) *VecError {
	return New(ErrCodeNetworkUnavailable, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *VecError {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *VecError {
	return New(ErrCodeInternal, message, cause)
}

// As finds the first VecError in err's chain.
func As(err error) (*VecError, bool) {
	var ve *VecError
	if stderrors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// IsRetryable checks if any VecError in the chain is retryable.
func IsRetryable(err error) bool {
	if ve, ok := As(err); ok {
		return ve.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
// Fatal errors should abort the current sync.
func IsFatal(err error) bool {
	if ve, ok := As(err); ok {
		return ve.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from a VecError.
// Returns empty string if the chain holds no VecError.
func GetCode(err error) string {
	if ve, ok := As(err); ok {
		return ve.Code
	}
	return ""
}

// GetCategory extracts the category from a VecError.
func GetCategory(err error) Category {
	if ve, ok := As(err); ok {
		return ve.Category
	}
	return ""
}
