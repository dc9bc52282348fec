package dedup

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidFinding is wrapped by every InputError.
	ErrInvalidFinding = errors.New("invalid finding")
	// ErrHashCollision marks a fingerprint match whose identity fields differ.
	// It is recorded and logged, never returned from Apply.
	ErrHashCollision = errors.New("fingerprint collision")
)

// InputError describes one rejected raw finding. The rest of the batch is
// still processed.
type InputError struct {
	Index  int
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("finding %d: %s: %s", e.Index, e.Field, e.Reason)
}

func (e *InputError) Unwrap() error {
	return ErrInvalidFinding
}
