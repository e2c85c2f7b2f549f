package search

import "errors"

var (
	// ErrInvalidQuery is returned for a table or column outside the allow-list.
	// Nothing is sent to the database.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrNotFound is returned for a document that is missing, outside the corpus
	// root, or not a rule file.
	ErrNotFound = errors.New("document not found")

	// ErrIO is returned when a document exists but cannot be read
	ErrIO = errors.New("document read failed")

	// ErrNotReady is returned when the service has no built index
	ErrNotReady = errors.New("index not ready")
)
