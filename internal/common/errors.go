package common

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Error taxonomy shared by every component.
var (
	ErrValidation            = errors.New("validation failed")
	ErrNotFound              = errors.New("resource not found")
	ErrExternalService       = errors.New("external service error")
	ErrPersistence           = errors.New("persistence error")
	ErrSignatureVerification = errors.New("signature verification failed")
	ErrConflict              = errors.New("concurrent modification")
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func ValidationErrorf(format string, args ...any) error {
	return NewAppError("VALIDATION_ERROR", fmt.Sprintf(format, args...), ErrValidation)
}

func NotFoundErrorf(format string, args ...any) error {
	return NewAppError("NOT_FOUND", fmt.Sprintf(format, args...), ErrNotFound)
}

// PersistenceError wraps a storage failure while keeping the driver error reachable.
func PersistenceError(message string, err error) error {
	if err == nil {
		return nil
	}
	return NewAppError("PERSISTENCE_ERROR", message, errors.Join(ErrPersistence, err))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// HTTPStatus maps the taxonomy to the status code surrounding HTTP layers reply with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrSignatureVerification):
		return http.StatusUnauthorized
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrExternalService):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
