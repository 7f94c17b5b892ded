package store

import "github.com/pkg/errors"

var (
	// ErrNotFound is returned by mutations addressed at a row that does not exist.
	// Lookups report absence as a nil result instead.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique constraint rejects a write.
	ErrConflict = errors.New("conflict")
	// ErrInvalidTransition is returned when a status change is not allowed from the current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrProtectedField is returned when a generic update touches a field that only a
	// dedicated transition method may change.
	ErrProtectedField = errors.New("field can only be changed through a dedicated method")
	// ErrInvalidArgument is returned for values outside the declared range of a field.
	ErrInvalidArgument = errors.New("invalid argument")
)
