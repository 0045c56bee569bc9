package shared

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound indicates a referenced record is absent.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed or missing input.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidTransition indicates a status graph violation.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidOperation indicates the operation is not permitted in the current state.
	ErrInvalidOperation = errors.New("operation not permitted")
	// ErrDependency indicates a storage or collaborator call failed.
	ErrDependency = errors.New("dependency failure")
	// ErrUnauthorized indicates the caller identity is missing or invalid.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden indicates the caller lacks the required capability.
	ErrForbidden = errors.New("forbidden")
)

// ValidationError collects per-field problems.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError returns a ValidationError with one field set.
func NewValidationError(field, message string) *ValidationError {
	v := &ValidationError{}
	v.Add(field, message)
	return v
}

// Add records a message for field, keeping the first message per field.
func (v *ValidationError) Add(field, message string) {
	if v.Fields == nil {
		v.Fields = make(map[string]string)
	}
	if _, exists := v.Fields[field]; exists {
		return
	}
	v.Fields[field] = message
}

// Err returns nil when nothing was recorded.
func (v *ValidationError) Err() error {
	if v == nil || len(v.Fields) == 0 {
		return nil
	}
	return v
}

func (v *ValidationError) Error() string {
	keys := make([]string, 0, len(v.Fields))
	for k := range v.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+v.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (v *ValidationError) Unwrap() error { return ErrValidation }

// TransitionError names both ends of a rejected status change.
type TransitionError struct {
	Current string
	Target  string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %q to %q", e.Current, e.Target)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// OperationError describes an operation refused by the current state.
type OperationError struct {
	Op     string
	Reason string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s not permitted: %s", e.Op, e.Reason)
}

func (e *OperationError) Unwrap() error { return ErrInvalidOperation }

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// DependencyError wraps a failed storage or collaborator call.
type DependencyError struct {
	Dependency string
	Err        error
}

// Dependency wraps err as a DependencyError unless it already carries a
// classified domain error.
func Dependency(dependency string, err error) error {
	if err == nil {
		return nil
	}
	if IsClassified(err) {
		return err
	}
	return &DependencyError{Dependency: dependency, Err: err}
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() []error { return []error{ErrDependency, e.Err} }

// IsClassified reports whether err already belongs to the error taxonomy.
func IsClassified(err error) bool {
	for _, target := range []error{ErrNotFound, ErrValidation, ErrInvalidTransition, ErrInvalidOperation, ErrDependency, ErrUnauthorized, ErrForbidden} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
