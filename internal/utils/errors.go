package utils

import (
	"errors"
	"fmt"
)

// ValidationError reports bad or missing request parameters. It is raised
// before any query executes and is reported to the user directly.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// NewValidationError constructs a ValidationError from a format string.
func NewValidationError(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// InsufficientDataError signals that a required group is too small for a
// statistic with meaningful confidence. Callers fall back to a descriptive
// SQL answer rather than failing hard.
type InsufficientDataError struct {
	Msg string
}

func (e *InsufficientDataError) Error() string { return e.Msg }

// NewInsufficientDataError constructs an InsufficientDataError.
func NewInsufficientDataError(format string, args ...any) error {
	return &InsufficientDataError{Msg: fmt.Sprintf(format, args...)}
}

// DataAccessError wraps a data-store failure (unreachable or timed out).
// It is surfaced verbatim; the engine never retries store access.
type DataAccessError struct {
	Op  string
	Err error
}

func (e *DataAccessError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: data store error", e.Op)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DataAccessError) Unwrap() error { return e.Err }

// NewDataAccessError wraps err with the failing operation name.
func NewDataAccessError(op string, err error) error {
	return &DataAccessError{Op: op, Err: err}
}

// TruncatedResponseError reports reasoning-service text that stayed
// structurally broken after repair. The caller retries once with a stricter
// prompt before surfacing it.
type TruncatedResponseError struct {
	Msg string
}

func (e *TruncatedResponseError) Error() string { return e.Msg }

// NewTruncatedResponseError constructs a TruncatedResponseError.
func NewTruncatedResponseError(format string, args ...any) error {
	return &TruncatedResponseError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a request for an unregistered analysis type. This is
// a mapping bug, never user error: it is logged and falls back to the SQL path.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("unknown %s: %s", e.Kind, e.Name)
}

// NewNotFoundError constructs a NotFoundError for the given kind and name.
func NewNotFoundError(kind, name string) error {
	return &NotFoundError{Kind: kind, Name: name}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsInsufficientData reports whether err is an InsufficientDataError.
func IsInsufficientData(err error) bool {
	var target *InsufficientDataError
	return errors.As(err, &target)
}

// IsDataAccess reports whether err is a DataAccessError.
func IsDataAccess(err error) bool {
	var target *DataAccessError
	return errors.As(err, &target)
}

// IsTruncatedResponse reports whether err is a TruncatedResponseError.
func IsTruncatedResponse(err error) bool {
	var target *TruncatedResponseError
	return errors.As(err, &target)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}
