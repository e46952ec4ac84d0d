// Package uuidv7 generates the time-ordered identifiers assigned to holds.
package uuidv7

import "github.com/google/uuid"

// New returns a fresh UUIDv7. Generation only fails when the OS entropy
// source is broken, which is not recoverable here, so New panics instead of
// returning an error.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns the canonical string form of a fresh UUIDv7.
func NewString() string {
	return New().String()
}
