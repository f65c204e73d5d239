package workflow

import "fmt"

// ErrorKind is the workflow subsystem's error taxonomy.
type ErrorKind string

const (
	ErrValidation  ErrorKind = "validation"
	ErrNotFound    ErrorKind = "not_found"
	ErrConflict    ErrorKind = "conflict"
	ErrUnauthorized ErrorKind = "unauthorized"
	ErrForbidden   ErrorKind = "forbidden"
	ErrRateLimited ErrorKind = "rate_limited"
	ErrInternal    ErrorKind = "internal"
)

// AppError is the single error sum type returned across the workflow
// subsystem's ports. Callers inspect Kind rather than matching on string
// messages or sentinel values.
type AppError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func newAppError(kind ErrorKind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

// NewValidationError builds a validation AppError.
func NewValidationError(message string) *AppError { return newAppError(ErrValidation, message) }

// NewNotFoundError builds a not-found AppError.
func NewNotFoundError(message string) *AppError { return newAppError(ErrNotFound, message) }

// NewConflictError builds a conflict AppError (e.g. fencing token mismatch).
func NewConflictError(message string) *AppError { return newAppError(ErrConflict, message) }

// NewUnauthorizedError builds an unauthorized AppError.
func NewUnauthorizedError(message string) *AppError { return newAppError(ErrUnauthorized, message) }

// NewForbiddenError builds a forbidden AppError (authorization gate denial).
func NewForbiddenError(message string) *AppError { return newAppError(ErrForbidden, message) }

// NewRateLimitedError builds a rate-limited AppError.
func NewRateLimitedError(message string) *AppError { return newAppError(ErrRateLimited, message) }

// WrapInternal wraps an unexpected lower-layer error (driver error, I/O
// failure) as an internal AppError, preserving it for errors.As/errors.Is.
func WrapInternal(message string, cause error) *AppError {
	return &AppError{Kind: ErrInternal, Message: message, Cause: cause}
}

// KindOf extracts the ErrorKind of err, defaulting to ErrInternal for
// errors that did not originate as an *AppError.
func KindOf(err error) ErrorKind {
	var appErr *AppError
	if ok := asAppError(err, &appErr); ok {
		return appErr.Kind
	}
	return ErrInternal
}

func asAppError(err error, target **AppError) bool {
	for err != nil {
		if ae, ok := err.(*AppError); ok {
			*target = ae
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
