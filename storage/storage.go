// Package storage defines the ordered persistent map contract the
// transactional layer is built on, plus a concrete in-memory
// implementation used by tests and by callers that don't need
// page-level durability.
package storage

import "errors"

// ErrChunkNotFound is raised by a Cursor when the page backing its
// current position has been compacted away mid-iteration. Callers
// (the txmap iterators) must tolerate it and reseek; it must never
// escape to the statement layer.
var ErrChunkNotFound = errors.New("storage: chunk not found")

// VersionedValue is the opaque payload every StorageMap stores. The
// business value lives in Value as any; Value == nil encodes a
// tombstone (logical delete). OperationID == 0 means the entry is
// committed.
type VersionedValue struct {
	OperationID uint64
	Value       any
}

// Map is the ordered, concurrency-providing key/value store the
// transactional layer sits on. K must be ordered so that navigation
// (FirstKey/LastKey/HigherKey/...) has a well defined meaning.
//
// Implementations must give Get, PutIfAbsent and Replace atomic,
// linearizable semantics with respect to each other on a single key;
// Replace is the compare-and-swap primitive transaction writers use
// to serialize on a key.
type Map[K any] interface {
	Get(key K) (VersionedValue, bool)

	// Put installs v unconditionally, returning the previous value if any.
	Put(key K, v VersionedValue) (prev VersionedValue, had bool)

	// PutIfAbsent installs v only if key is absent. It returns the
	// value that is present after the call and whether it was v itself
	// (inserted == true) or a pre-existing value (inserted == false).
	PutIfAbsent(key K, v VersionedValue) (current VersionedValue, inserted bool)

	// Replace is a compare-and-swap: it installs newV iff the current
	// value for key is value-equal (AreValuesEqual) to oldV.
	Replace(key K, oldV, newV VersionedValue) bool

	// RemoveKey deletes a single key unconditionally. Used by rollback
	// to undo an insert that has no prior value.
	RemoveKey(key K)

	// Remove destroys the whole map. Non-transactional.
	Remove()

	Clear()

	SizeAsLong() int64
	IsClosed() bool
	SetVolatile(volatile bool)

	AreValuesEqual(a, b VersionedValue) bool

	KeyType() string

	FirstKey() (K, bool)
	LastKey() (K, bool)
	HigherKey(key K) (K, bool)
	LowerKey(key K) (K, bool)
	CeilingKey(key K) (K, bool)
	FloorKey(key K) (K, bool)

	// GetKey returns the key at the given rank (0-based) in iteration
	// order, used by relativeKey's unfiltered index seek.
	GetKey(index int64) (K, bool)
	// GetKeyIndex returns the rank of key, or the rank it would have if
	// inserted (negative-encoded the way a binary search would, per
	// the original contract); implementations here return -1 if absent.
	GetKeyIndex(key K) int64

	// Cursor returns a forward ordered cursor starting at or after
	// fromKey (nil means start at the first key).
	Cursor(fromKey *K) Cursor[K]
}

// Cursor walks a Map in ascending key order.
type Cursor[K any] interface {
	HasNext() bool
	// Next advances the cursor and returns the new current key. It may
	// return ErrChunkNotFound if the underlying page disappeared.
	Next() (K, error)
	GetValue() VersionedValue
}
