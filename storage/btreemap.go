package storage

import (
	"cmp"
	"reflect"
	"sync"

	"github.com/tidwall/btree"
)

// entry is the item type stored in the underlying btree.BTreeG; it
// carries both the ordering key and the payload so a single generic
// tree gives us ordered navigation and value storage together.
type entry[K cmp.Ordered] struct {
	key   K
	value VersionedValue
}

// BTreeMap is an in-memory Map backed by github.com/tidwall/btree's
// generic B-tree. A single mutex guards every operation; Replace and
// PutIfAbsent read-then-write under that same lock, which is what
// gives them their compare-and-swap semantics — equivalent in effect
// to a lock-free CAS but simpler to reason about for an in-memory
// reference implementation.
type BTreeMap[K cmp.Ordered] struct {
	mu       sync.Mutex
	tr       *btree.BTreeG[entry[K]]
	less     func(a, b entry[K]) bool
	closed   bool
	volatile bool
	keyType  string
	equal    func(a, b any) bool
}

// NewBTreeMap creates an empty ordered map for keys of type K. equal,
// if nil, defaults to reflect.DeepEqual: two VersionedValues are equal
// iff both their operation id and their value compare equal under it.
func NewBTreeMap[K cmp.Ordered](keyType string, equal func(a, b any) bool) *BTreeMap[K] {
	if equal == nil {
		equal = reflect.DeepEqual
	}
	less := func(a, b entry[K]) bool { return a.key < b.key }
	return &BTreeMap[K]{
		tr:      btree.NewBTreeG(less),
		less:    less,
		keyType: keyType,
		equal:   equal,
	}
}

func (m *BTreeMap[K]) Get(key K) (VersionedValue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tr.Get(entry[K]{key: key})
	return e.value, ok
}

func (m *BTreeMap[K]) Put(key K, v VersionedValue) (VersionedValue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, had := m.tr.Set(entry[K]{key: key, value: v})
	return prev.value, had
}

func (m *BTreeMap[K]) PutIfAbsent(key K, v VersionedValue) (VersionedValue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.tr.Get(entry[K]{key: key}); ok {
		return existing.value, false
	}
	m.tr.Set(entry[K]{key: key, value: v})
	return v, true
}

func (m *BTreeMap[K]) Replace(key K, oldV, newV VersionedValue) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.tr.Get(entry[K]{key: key})
	if !ok {
		return false
	}
	if current.value.OperationID != oldV.OperationID || !m.equal(current.value.Value, oldV.Value) {
		return false
	}
	m.tr.Set(entry[K]{key: key, value: newV})
	return true
}

func (m *BTreeMap[K]) RemoveKey(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tr.Delete(entry[K]{key: key})
}

func (m *BTreeMap[K]) Remove() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tr = btree.NewBTreeG(m.less)
	m.closed = true
}

func (m *BTreeMap[K]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tr = btree.NewBTreeG(m.less)
}

func (m *BTreeMap[K]) SizeAsLong() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(m.tr.Len())
}

func (m *BTreeMap[K]) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *BTreeMap[K]) SetVolatile(volatile bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volatile = volatile
}

func (m *BTreeMap[K]) AreValuesEqual(a, b VersionedValue) bool {
	return a.OperationID == b.OperationID && m.equal(a.Value, b.Value)
}

func (m *BTreeMap[K]) KeyType() string { return m.keyType }

func (m *BTreeMap[K]) FirstKey() (K, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tr.Min()
	return e.key, ok
}

func (m *BTreeMap[K]) LastKey() (K, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tr.Max()
	return e.key, ok
}

func (m *BTreeMap[K]) HigherKey(key K) (K, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result K
	found := false
	m.tr.Ascend(entry[K]{key: key}, func(e entry[K]) bool {
		if e.key > key {
			result, found = e.key, true
			return false
		}
		return true
	})
	return result, found
}

func (m *BTreeMap[K]) LowerKey(key K) (K, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result K
	found := false
	m.tr.Descend(entry[K]{key: key}, func(e entry[K]) bool {
		if e.key < key {
			result, found = e.key, true
			return false
		}
		return true
	})
	return result, found
}

func (m *BTreeMap[K]) CeilingKey(key K) (K, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result K
	found := false
	m.tr.Ascend(entry[K]{key: key}, func(e entry[K]) bool {
		result, found = e.key, true
		return false
	})
	return result, found
}

func (m *BTreeMap[K]) FloorKey(key K) (K, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result K
	found := false
	m.tr.Descend(entry[K]{key: key}, func(e entry[K]) bool {
		result, found = e.key, true
		return false
	})
	return result, found
}

// GetKey returns the key at the given rank by walking the tree. This
// is O(index), not O(log n) — intentionally: callers use it for
// statistical sampling via relativeKey, not for hot-path lookups.
func (m *BTreeMap[K]) GetKey(index int64) (K, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 {
		var zero K
		return zero, false
	}
	var i int64
	var result K
	found := false
	m.tr.Scan(func(e entry[K]) bool {
		if i == index {
			result, found = e.key, true
			return false
		}
		i++
		return true
	})
	return result, found
}

func (m *BTreeMap[K]) GetKeyIndex(key K) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var i int64 = -1
	var rank int64
	m.tr.Scan(func(e entry[K]) bool {
		if e.key == key {
			i = rank
			return false
		}
		rank++
		return true
	})
	return i
}

// Cursor returns a weakly consistent forward cursor snapshotting the
// keys present at creation time; it never raises ErrChunkNotFound
// because this in-memory implementation has no pageable chunks, but
// the interface keeps that possibility open for a durable backend.
func (m *BTreeMap[K]) Cursor(fromKey *K) Cursor[K] {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]entry[K], 0, m.tr.Len())
	collect := func(e entry[K]) bool {
		keys = append(keys, e)
		return true
	}
	if fromKey != nil {
		m.tr.Ascend(entry[K]{key: *fromKey}, collect)
	} else {
		m.tr.Scan(collect)
	}
	return &sliceCursor[K]{entries: keys, pos: -1}
}

type sliceCursor[K cmp.Ordered] struct {
	entries []entry[K]
	pos     int
}

func (c *sliceCursor[K]) HasNext() bool {
	return c.pos+1 < len(c.entries)
}

func (c *sliceCursor[K]) Next() (K, error) {
	c.pos++
	return c.entries[c.pos].key, nil
}

func (c *sliceCursor[K]) GetValue() VersionedValue {
	return c.entries[c.pos].value
}
