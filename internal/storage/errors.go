package storage

import "errors"

// Storage errors.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when a record with the same key was
	// already stored.
	ErrDuplicateKey = errors.New("duplicate key")
)
