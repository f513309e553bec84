package domain

import "errors"

// ErrNotFound marks a referenced entity as absent. The HTTP layer maps it
// to 404 NOT_FOUND.
var ErrNotFound = errors.New("not found")

// ConflictError is raised by the approval and execution services when a
// request violates the locked state of a draft or its frozen plan.
// The HTTP layer maps it to 409 CONFLICT.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return e.Reason }

// Conflict builds a ConflictError.
func Conflict(reason string) error { return &ConflictError{Reason: reason} }

// InvalidError marks client input that fails structural or path validation.
// The HTTP layer maps it to 400 INVALID_REQUEST.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string { return e.Reason }

// Invalid builds an InvalidError.
func Invalid(reason string) error { return &InvalidError{Reason: reason} }
