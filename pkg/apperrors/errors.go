package apperrors

import "errors"

var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrValidation  = errors.New("validation failed")
	ErrLockTimeout = errors.New("file lock timeout")
	ErrDependency  = errors.New("dependency not satisfied")
)
