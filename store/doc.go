// Package store provides the versioned, document-scoped model store that
// backs docsync.
//
// The atomic unit of storage is the [Record]: a typed bag of named
// attributes with a stable identifier, belonging to exactly one document.
// Attribute values may be scalars, sequences, nested mappings, or
// references: mappings of the shape {"type": ..., "id": ...} denoting a
// lookup link to another record (see [AsRef]).
//
// # Backends
//
// All backends implement the same [Backend] contract and are
// interchangeable:
//
//   - [MemoryBackend]: mutex-guarded maps; single-process and test use.
//   - [BadgerBackend]: embedded BadgerDB; survives restart, single
//     writer process.
//   - [DynamoBackend]: DynamoDB conditional writes; the only backend
//     safe for multiple concurrent writer processes.
//
// Optimistic concurrency is an explicit part of the contract: Create
// fails with [ErrConflict] when the key already exists, and CompareAndSet
// fails with [ErrConflict] when the persisted version moved. Plain Update
// is an unconditional last-writer-wins upsert.
//
// # Record kinds
//
// The set of record kinds is closed. Register each kind once:
//
//	reg := store.NewRegistry()
//	newPlot := reg.Register("Plot", store.KindSpec{
//	    HiddenFields: []string{"session_token"},
//	})
//	rec := newPlot("doc-1", map[string]any{"title": "x"})
//
// Unregistered type names fail with [ErrUnknownType] instead of falling
// back to a generic bag.
//
// # Errors
//
//   - [ErrNotFound]: record absent (Get errors; Delete is a no-op)
//   - [ErrConflict]: concurrent create or compare-and-set collision
//   - [ErrUnavailable]: backend unreachable or timed out
//   - [ErrUnknownType]: unregistered record kind
//   - [ErrNoDocument]: record without a document id
package store
