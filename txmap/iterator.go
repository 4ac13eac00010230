package txmap

import (
	"cmp"
	"errors"

	"github.com/laura-db/txmap/storage"
)

// Entry is one (key, value) pair yielded by an EntryIterator.
type Entry[K any, V any] struct {
	Key   K
	Value V
}

// KeyIterator wraps a raw storage.Cursor, skipping keys that are not
// visible to this map's transaction unless includeUncommitted is set.
// It reflects a weakly consistent snapshot over the raw map and is not
// required to observe writes made after creation. Remove is
// intentionally not supported.
type KeyIterator[K cmp.Ordered, V any] struct {
	m                  *TransactionMap[K, V]
	cursor             storage.Cursor[K]
	includeUncommitted bool

	lastKey *K

	hasPending bool
	pendingKey K
	pendingVal VersionedValue
	err        error
}

// KeyIterator starts a forward ordered iterator at or after from (nil
// = from the first key).
func (m *TransactionMap[K, V]) KeyIterator(from *K, includeUncommitted bool) *KeyIterator[K, V] {
	return &KeyIterator[K, V]{m: m, cursor: m.storage.Cursor(from), includeUncommitted: includeUncommitted}
}

func (it *KeyIterator[K, V]) fill() {
	if it.hasPending || it.err != nil {
		return
	}
	for it.cursor.HasNext() {
		k, err := it.cursor.Next()
		if err != nil {
			if errors.Is(err, storage.ErrChunkNotFound) {
				// Storage compacted the page away mid-iteration: reseek
				// from the last observed key. The new cursor starts
				// at-or-after lastKey, so if it reproduces lastKey we
				// advance past it once to avoid yielding it twice.
				it.cursor = it.m.storage.Cursor(it.lastKey)
				if it.lastKey != nil && it.cursor.HasNext() {
					if peeked, perr := it.cursor.Next(); perr == nil && peeked != *it.lastKey {
						k, err = peeked, nil
					} else {
						continue
					}
				} else {
					continue
				}
			} else {
				continue
			}
		}

		kk := k
		it.lastKey = &kk
		raw := it.cursor.GetValue()

		if it.includeUncommitted {
			if raw.Value != nil || raw.OperationID != uint64(Committed) {
				it.pendingKey, it.pendingVal, it.hasPending = k, raw, true
				return
			}
			continue
		}

		vv, verr := it.m.resolveVisible(k, it.m.readLogID)
		if verr != nil {
			continue
		}
		if vv != nil && vv.Value != nil {
			it.pendingKey, it.pendingVal, it.hasPending = k, *vv, true
			return
		}
	}
}

// HasNext reports whether Next would yield another key.
func (it *KeyIterator[K, V]) HasNext() bool {
	it.fill()
	return it.hasPending
}

// Next returns the next visible key in ascending order.
func (it *KeyIterator[K, V]) Next() (K, bool) {
	it.fill()
	if !it.hasPending {
		var zero K
		return zero, false
	}
	k := it.pendingKey
	it.hasPending = false
	return k, true
}

// EntryIterator pairs KeyIterator with value resolution, yielding
// (key, value) pairs in key order.
type EntryIterator[K cmp.Ordered, V any] struct {
	keys *KeyIterator[K, V]
}

// EntryIterator starts a forward ordered (key, value) iterator at or
// after from. It walks the keys present in the raw map at creation
// time and yields (k, get(k)) for each key visible to this map's
// transaction, skipping keys whose visible value is absent or
// tombstoned. Visibility is resolved when the iterator reaches a key,
// not at creation, so a write committed in between can be reflected.
func (m *TransactionMap[K, V]) EntryIterator(from *K) *EntryIterator[K, V] {
	return &EntryIterator[K, V]{keys: m.KeyIterator(from, false)}
}

func (it *EntryIterator[K, V]) HasNext() bool { return it.keys.HasNext() }

func (it *EntryIterator[K, V]) Next() (Entry[K, V], bool) {
	it.keys.fill()
	if !it.keys.hasPending {
		return Entry[K, V]{}, false
	}
	k := it.keys.pendingKey
	raw := it.keys.pendingVal
	it.keys.hasPending = false
	v, _ := raw.Value.(V)
	return Entry[K, V]{Key: k, Value: v}, true
}
