package session

import "errors"

// Sentinel errors returned by the Store and Manager. Callers should compare
// against these with errors.Is rather than matching on string content.
var (
	// ErrNotFound indicates no session exists for the given id.
	ErrNotFound = errors.New("session: not found")

	// ErrInvalidID indicates an empty or otherwise malformed session id.
	ErrInvalidID = errors.New("session: invalid id")

	// ErrInvalidSession indicates a nil or structurally incomplete *types.Session
	// was passed to a Store or Manager method.
	ErrInvalidSession = errors.New("session: invalid session")

	// ErrClosed indicates an operation was attempted on a Manager that has
	// already been shut down.
	ErrClosed = errors.New("session: manager closed")
)
