package txmap

import "errors"

// Sentinel errors for typed handling on the caller side: one var per
// distinct failure mode, checked with errors.Is rather than a generic
// error code type.
var (
	// ErrTransactionLocked is returned by set/put when a foreign,
	// even-id (locally authoritative) transaction holds the key
	// uncommitted. Recoverable: the caller retries with backoff.
	ErrTransactionLocked = errors.New("txmap: transaction locked")

	// ErrTransactionCorrupt is raised by getValue when the undo entry
	// for an operation id has disappeared while the stored
	// VersionedValue still bears that id, and by Commit when a logged
	// entry has vanished or been overwritten by another transaction.
	// Fatal to the transaction, not to the engine.
	ErrTransactionCorrupt = errors.New("txmap: transaction corrupt")

	// ErrTransactionClosed guards every write operation on a
	// Transaction whose status is no longer OPEN.
	ErrTransactionClosed = errors.New("txmap: transaction closed")

	// ErrCommitConflict marks a failed CAS during commit of a
	// transaction's own writes — a corruption-class error, since a
	// transaction's own uncommitted entries must never be touched by
	// anyone else.
	ErrCommitConflict = errors.New("txmap: commit conflict")

	// ErrNullValue is raised immediately (illegal argument, no
	// rollback attempted) when put is called with a nil value; use
	// Remove for tombstones.
	ErrNullValue = errors.New("txmap: put value must not be nil")

	// ErrDuplicateKey and ErrConcurrentUpdate are the storage-layer
	// errors MergeProcessor reclassifies between: a duplicate key raised
	// by a unique index whose columns are a prefix of (or equal to) the
	// declared key columns usually means another committer's insert
	// just won the race, while one raised by any other index is a real
	// conflict.
	ErrDuplicateKey     = errors.New("txmap: duplicate key")
	ErrConcurrentUpdate = errors.New("txmap: concurrent update")
)
