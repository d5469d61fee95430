package reply

import "errors"

var (
	// ErrNotFound means the reply id is unknown to the store.
	ErrNotFound = errors.New("reply: not found")

	// ErrInvalidTransition means a terminal write raced with another
	// writer or targeted an already-terminal reply. The row is unchanged.
	ErrInvalidTransition = errors.New("reply: invalid status transition")
)
