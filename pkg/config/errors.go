package config

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidValue indicates a configuration field has an invalid value
	ErrInvalidValue = errors.New("invalid field value")

	// ErrOverlapTooLarge indicates chunk_overlap is negative or not smaller than chunk_size
	ErrOverlapTooLarge = errors.New("chunk_overlap must satisfy 0 <= overlap < chunk_size")

	// ErrMissingEnv indicates one or more required environment variables are unset
	ErrMissingEnv = errors.New("missing required environment variables")
)

// ValidationError wraps configuration validation errors with field context
type ValidationError struct {
	Field string
	Err   error
}

// Error returns formatted error message
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config field '%s': %v", e.Field, e.Err)
}

// Unwrap returns the underlying error
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a new validation error
func NewValidationError(field string, err error) *ValidationError {
	return &ValidationError{Field: field, Err: err}
}

// MissingEnvError reports required environment variables that are unset
type MissingEnvError struct {
	Names []string
}

// Error returns formatted error message
func (e *MissingEnvError) Error() string {
	return fmt.Sprintf("missing required environment variables: %s", strings.Join(e.Names, ", "))
}

// Unwrap returns the sentinel ErrMissingEnv
func (e *MissingEnvError) Unwrap() error {
	return ErrMissingEnv
}

// NewMissingEnvError creates a new missing-environment error
func NewMissingEnvError(names ...string) *MissingEnvError {
	return &MissingEnvError{Names: names}
}
