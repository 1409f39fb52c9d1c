package core

import (
	"errors"
	"regexp"
)

// ErrNotFound is a sentinel error for "not found" cases
var ErrNotFound = errors.New("not found")

// ErrConflict is returned by conditional writes when the stored row
// changed since it was read
var ErrConflict = errors.New("conflict: record was modified concurrently")

var notFoundPattern = regexp.MustCompile(`(?i)not found`)

// IsNotFoundError checks if an error is a "not found" error.
// Handles both the ErrNotFound sentinel and string-based errors from drivers.
func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return true
	}
	return notFoundPattern.MatchString(err.Error())
}

// IsConflictError checks if an error is an optimistic-lock conflict
func IsConflictError(err error) bool {
	return err != nil && errors.Is(err, ErrConflict)
}
