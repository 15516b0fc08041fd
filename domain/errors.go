package domain

import (
	"errors"
	"sort"
	"strings"
)

var (
	ErrUnauthenticated     = errors.New("could not validate credentials")
	ErrInvalidCredentials  = errors.New("incorrect username or password")
	ErrInactiveUser        = errors.New("inactive user")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrGenerationExhausted = errors.New("unable to generate unique custom id")
	ErrInvalidCustomID     = errors.New("Invalid task ID format. Please enter a 6-character ID or RE-XXXXXX format.")
	// ErrDuplicateCustomID is returned by inserts rejected by the custom_id
	// unique constraint.
	ErrDuplicateCustomID   = errors.New("duplicate custom id")
)

// InactiveError rejects a mutation attempted by an inactive account. It
// matches ErrInactiveUser.
type InactiveError struct {
	Action string
}

func (e *InactiveError) Error() string {
	return "Inactive users cannot " + e.Action + " tasks"
}

func (e *InactiveError) Is(target error) bool {
	return target == ErrInactiveUser
}

// ValidationError carries field level detail for malformed input.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return "validation failed"
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records a problem for field and returns the receiver for chaining.
func (e *ValidationError) Add(field, msg string) *ValidationError {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = msg
	return e
}

// OrNil returns nil when no fields were recorded.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// NewValidationError builds a single-field validation error.
func NewValidationError(field, msg string) *ValidationError {
	return (&ValidationError{}).Add(field, msg)
}
