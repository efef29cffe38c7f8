// Package apperrors defines the error taxonomy shared by the store, the
// mutation service and the HTTP layer.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinels for errors.Is checks.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrInvariant  = errors.New("invariant violation")
	ErrStorage    = errors.New("storage failure")
)

// ValidationError represents malformed or missing input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// Is implements errors.Is support
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NotFoundError represents a referenced entity that is absent or belongs to
// another parent.
type NotFoundError struct {
	Resource string
	ID       int64
	Message  string
}

func (e *NotFoundError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s with ID %d not found", e.Resource, e.ID)
}

// Is implements errors.Is support
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFoundError creates a new NotFoundError
func NewNotFoundError(resource string, id int64, message string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id, Message: message}
}

// InvariantViolation is returned when a mutation would break a data
// invariant, e.g. removing the last counter of an event.
type InvariantViolation struct {
	Rule    string
	Message string
}

func (e *InvariantViolation) Error() string {
	return e.Message
}

// Is implements errors.Is support
func (e *InvariantViolation) Is(target error) bool {
	return target == ErrInvariant
}

// NewInvariantViolation creates a new InvariantViolation
func NewInvariantViolation(rule, message string) *InvariantViolation {
	return &InvariantViolation{Rule: rule, Message: message}
}

// StorageError wraps a store or transaction failure. The transaction has
// already been rolled back when this error is returned.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap implements errors.Unwrap
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is support
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// NewStorageError wraps err. A nil err yields nil.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// HTTPStatus maps an error from the taxonomy to its response status.
// Unknown errors are treated as server failures.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvariant):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the client-facing message for err. Validation, not-found
// and invariant errors carry their own text; everything else is prefixed by
// fallback so store details stay out of the response prefix.
func Message(err error, fallback string) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Message
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return nf.Error()
	}
	var iv *InvariantViolation
	if errors.As(err, &iv) {
		return iv.Message
	}
	if fallback == "" {
		return err.Error()
	}
	return fmt.Sprintf("%s: %v", fallback, err)
}
