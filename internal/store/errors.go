package store

import "errors"

// ErrNotFound indicates a missing record lookup.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when a write violates a uniqueness constraint, most
// notably a second busy block for the same (calendar, source event) pair.
var ErrConflict = errors.New("record already exists")

// ErrInvalidEvent is returned when an event violates a row invariant.
var ErrInvalidEvent = errors.New("invalid event")
