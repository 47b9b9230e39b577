package domain

import "errors"

var (
	// ErrValidation marks malformed or incomplete caller input. It is
	// rejected at the API boundary and never counted as a dependency failure.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks a missing delivery record.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks an operation rejected because the record already
	// reached a terminal state.
	ErrConflict = errors.New("conflict")
)
