// Package models contains shared data models used across the faultline codebase.
package models

import (
	"errors"
	"fmt"
)

// ErrValidation is returned when an entity fails its invariants. Callers should
// not retry the same input.
var ErrValidation = errors.New("validation failed")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
