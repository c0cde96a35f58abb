package gencache

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a key does not exist in a store, or the
// entry it names has expired.
var ErrNotFound = errors.New("not found")

// GenerationError wraps a failure from a caller-supplied generator. The
// failure is propagated unchanged and nothing is cached.
type GenerationError struct {
	Category Category
	Key      Key
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generating %s/%s: %v", e.Category, e.Key, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// PersistenceError wraps a persistence failure that is not covered by the
// degradation policy. Generation succeeded, but the freshly generated
// artifact is discarded on this path.
type PersistenceError struct {
	Op  string // "blob" or "durable"
	Key Key
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting %s for %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
