package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity is not found
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when attempting to create a duplicate entity
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrInvalidInput is returned when input validation fails
	ErrInvalidInput = errors.New("invalid input")

	// ErrTaskAlreadyActive is returned when a (result, column) already has
	// a pending, running or retrying task
	ErrTaskAlreadyActive = errors.New("task already active for this column")

	// ErrNoEnabledItems is returned when a full evaluation is requested
	// against a dataset without enabled items
	ErrNoEnabledItems = errors.New("启用数据集项为空")

	// ErrLastColumnNotBoolean is returned when the pipeline's final column
	// cannot produce a pass/fail verdict
	ErrLastColumnNotBoolean = errors.New("最后一列必须为布尔评估列")
)

// ValidationError wraps field-specific validation errors
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
