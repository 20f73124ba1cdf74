package engine

import (
	"errors"
	"fmt"

	"featurepilot/internal/domain"
)

// ErrInvalidState is returned when an operation is not allowed in the
// orchestration's current status.
var ErrInvalidState = errors.New("invalid orchestration state")

// ValidationError reports bad caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func invalidState(op string, status domain.OrchestrationStatus) error {
	return fmt.Errorf("%w: cannot %s while %s", ErrInvalidState, op, status)
}
