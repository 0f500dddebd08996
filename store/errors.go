package store

import (
	"errors"
	"fmt"
)

// ErrKeyNotFound is returned when a key is not found in the store.
type ErrKeyNotFound struct {
	Table string
	Key   string
}

func (e *ErrKeyNotFound) Error() string {
	return fmt.Sprintf("key not found: %s/%s", e.Table, e.Key)
}

// ErrInternal is returned when an internal error occurs.
type ErrInternal struct {
	Err error
}

func (e *ErrInternal) Error() string {
	return fmt.Sprintf("internal error: %v", e.Err)
}

func (e *ErrInternal) Unwrap() error {
	return e.Err
}

func IsErrKeyNotFound(err error) bool {
	var notFound *ErrKeyNotFound
	return errors.As(err, &notFound)
}
