package store

import "errors"

var (
	// ErrNotFound is returned by Get when no record exists for the
	// requested (type, document, id) triple. Delete treats the same
	// condition as a no-op.
	ErrNotFound = errors.New("docsync: record not found")

	// ErrConflict is returned when a Create collides with an existing
	// record, or a CompareAndSet loses to a concurrent writer. The store
	// never retries internally; callers decide whether to retry or
	// surface the conflict.
	ErrConflict = errors.New("docsync: concurrent write conflict")

	// ErrUnavailable is returned when the backing store is unreachable
	// or a call exceeded its deadline. The write is considered
	// not-applied.
	ErrUnavailable = errors.New("docsync: backend unavailable")

	// ErrUnknownType is returned when a record names a type that was
	// never registered.
	ErrUnknownType = errors.New("docsync: unregistered record type")

	// ErrNoDocument is returned for records without a document id.
	// Every record belongs to exactly one document.
	ErrNoDocument = errors.New("docsync: record has no document id")
)
