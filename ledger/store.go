/*
store.go - Persistence contract for versioned records and the journal

PURPOSE:
  Defines the interface between the engines and the database. The Store has
  no business logic: it offers per-key optimistic read-modify-write plus an
  append-only journal. TxStore groups the writes of one business operation
  so that they commit together or not at all.

OPTIMISTIC CONCURRENCY:
  Get returns a record with its version. PutIf writes only when the stored
  version still equals the expected one, otherwise ErrVersionConflict.
  Callers retry the whole operation with fresh reads (see retry.go).

JOURNAL:
  Append never updates or deletes. Entries carrying an idempotency key are
  unique on that key: a second Append returns ErrDuplicateIdempotencyKey.

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory with JSON snapshots
  - store/sqlite/sqlite.go: SQLite

SEE ALSO:
  - records.go: typed JSON helpers over Store
  - retry.go: RunTx
*/
package ledger

import "context"

// =============================================================================
// STORE
// =============================================================================

// Store is the single source of truth for engine state.
type Store interface {
	// Get returns the record for key. found is false when absent.
	Get(ctx context.Context, key Key) (rec Record, found bool, err error)

	// Create inserts a new record at version 1. ErrAlreadyExists if present.
	Create(ctx context.Context, key Key, data []byte) error

	// PutIf replaces the record when its version equals expected.
	// ErrVersionConflict on mismatch, ErrNotFound when absent.
	PutIf(ctx context.Context, key Key, expected int64, data []byte) error

	// List returns records whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix Key) ([]Record, error)

	// Append adds a journal entry.
	Append(ctx context.Context, e Entry) error

	// Entries returns matching journal entries in append order.
	Entries(ctx context.Context, f EntryFilter) ([]Entry, error)
}

// TxStore runs fn against a transactional view. If fn returns an error
// nothing it wrote becomes visible. A commit that loses an optimistic race
// returns ErrVersionConflict.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
