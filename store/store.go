package store

import "context"

// Backend is the transactional key/value contract every storage
// implementation satisfies. Records are addressed by the (type, document,
// id) triple; writes are all-or-nothing at per-record granularity.
//
// Three implementations ship with the package:
//
//   - [MemoryBackend]: mutex-guarded maps; single process, lost on restart.
//   - [BadgerBackend]: embedded BadgerDB; survives restart, single writer
//     process.
//   - [DynamoBackend]: DynamoDB conditional writes; the only backend safe
//     for multiple concurrent writer processes.
type Backend interface {
	// Get returns the record for the triple, or ErrNotFound.
	Get(ctx context.Context, typeName, docID, id string) (*Record, error)

	// List returns every record of a document, optionally filtered by
	// type. An empty typeName means all types.
	List(ctx context.Context, docID, typeName string) ([]*Record, error)

	// Create stores a new record, failing with ErrConflict if an
	// equally-keyed record already exists. The stored record's Version
	// is 1.
	Create(ctx context.Context, rec *Record) error

	// Update upserts a record unconditionally (last writer wins) and
	// bumps its Version. Callers needing conflict detection use Create
	// or CompareAndSet.
	Update(ctx context.Context, rec *Record) error

	// CompareAndSet stores the record only if the persisted version
	// still equals expectedVersion, failing with ErrConflict otherwise.
	CompareAndSet(ctx context.Context, rec *Record, expectedVersion int64) error

	// Delete removes a record. Deleting an absent record is a no-op,
	// never an error.
	Delete(ctx context.Context, typeName, docID, id string) error

	// Close releases backend resources.
	Close() error
}
