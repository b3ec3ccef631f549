package shared

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState indicates the entity lifecycle does not allow the operation.
	ErrInvalidState = errors.New("invalid state")
	// ErrConsistency indicates a detected invariant violation in stored data.
	ErrConsistency = errors.New("consistency violation")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")
)

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

// Is lets errors.Is match ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFound builds a NotFoundError.
func NewNotFound(entity string, id int64) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// InvalidStateError reports an operation attempted on an entity in the wrong lifecycle state.
type InvalidStateError struct {
	Entity  string
	ID      int64
	State   string
	Allowed []string
}

func (e *InvalidStateError) Error() string {
	if len(e.Allowed) == 0 {
		return fmt.Sprintf("%s %d is %s", e.Entity, e.ID, e.State)
	}
	return fmt.Sprintf("%s %d is %s, expected one of %s", e.Entity, e.ID, e.State, strings.Join(e.Allowed, ", "))
}

// Is lets errors.Is match ErrInvalidState.
func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

// ConsistencyError lists invariant violations detected for one entity.
type ConsistencyError struct {
	Entity     string
	ID         int64
	Violations []string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("%s %d inconsistent: %s", e.Entity, e.ID, strings.Join(e.Violations, "; "))
}

// Is lets errors.Is match ErrConsistency.
func (e *ConsistencyError) Is(target error) bool {
	return target == ErrConsistency
}

// ValidationError wraps an input problem so it maps to ErrValidation.
func ValidationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
