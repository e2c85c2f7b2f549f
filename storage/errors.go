package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrStorage is matched by every StorageError
	ErrStorage = errors.New("index store failure")

	// ErrIndexSealed is returned when BulkInsert is called on a store that already holds a built index
	ErrIndexSealed = errors.New("index already built")

	// ErrMalformedRecord marks a record rejected before it reaches the database
	ErrMalformedRecord = errors.New("malformed index record")
)

// StorageError is a fatal failure to create, open or write the index database.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is reports whether target is ErrStorage, so callers need not know the concrete type.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}
