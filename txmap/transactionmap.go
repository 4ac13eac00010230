package txmap

import (
	"cmp"
	"context"
	"errors"
	"reflect"

	"github.com/laura-db/txmap/storage"
)

// MaxLogID is the "no savepoint" read point: a TransactionMap opened
// fresh reads as of logId = MAX, i.e. the most recent committed-or-own
// value.
const MaxLogID = ^uint32(0)

// TransactionMap is a per-transaction view over one underlying ordered
// StorageMap. Several TransactionMaps — possibly bound to different
// Transactions — share one StorageMap per mapID; mapID is the identity
// used to register the raw bridge with the owning TransactionEngine.
type TransactionMap[K cmp.Ordered, V any] struct {
	mapID     string
	storage   storage.Map[K]
	tx        *Transaction
	readLogID uint32
}

// storageMapAdapter bridges a concretely typed storage.Map[K] to the
// engine's non-generic rawMapAdapter, asserting `any` keys back to K.
// Safe because only this package ever constructs the `any` keys that
// flow into the undo log, and it always does so from a K of the same
// instantiation as the adapter registered for that mapID.
type storageMapAdapter[K cmp.Ordered] struct {
	sm storage.Map[K]
}

func (a storageMapAdapter[K]) getRaw(key any) (VersionedValue, bool) {
	return a.sm.Get(key.(K))
}

func (a storageMapAdapter[K]) replaceRaw(key any, oldV, newV VersionedValue) bool {
	return a.sm.Replace(key.(K), oldV, newV)
}

func (a storageMapAdapter[K]) putRaw(key any, v VersionedValue) {
	a.sm.Put(key.(K), v)
}

func (a storageMapAdapter[K]) removeRawKey(key any) {
	a.sm.RemoveKey(key.(K))
}

// OpenMap returns a TransactionMap bound to tx over underlying, with
// readLogId = MAX so it starts out seeing the latest committed-or-own
// state. It is a free function, not a Transaction method, because Go
// methods cannot introduce type parameters beyond their receiver's.
func OpenMap[K cmp.Ordered, V any](tx *Transaction, mapID string, underlying storage.Map[K]) *TransactionMap[K, V] {
	tx.engine.registerMap(mapID, storageMapAdapter[K]{sm: underlying})
	return &TransactionMap[K, V]{mapID: mapID, storage: underlying, tx: tx, readLogID: MaxLogID}
}

// GetInstance clones m, binding the clone to a new transaction and
// read point. The two instances keep sharing the same underlying
// StorageMap, so writes made through one are visible to the other
// according to the usual visibility rules.
func (m *TransactionMap[K, V]) GetInstance(tx *Transaction, readLogID uint32) *TransactionMap[K, V] {
	tx.engine.registerMap(m.mapID, storageMapAdapter[K]{sm: m.storage})
	return &TransactionMap[K, V]{mapID: m.mapID, storage: m.storage, tx: tx, readLogID: readLogID}
}

// Name returns this TransactionMap's mapID.
func (m *TransactionMap[K, V]) Name() string { return m.mapID }

// SetSavepoint pins subsequent reads to logId: values written after
// logId by this same transaction become invisible again, as if the
// transaction had been rolled back to that point without actually
// undoing the writes.
func (m *TransactionMap[K, V]) SetSavepoint(logID uint32) {
	m.readLogID = logID
}

// resolveVisible walks the chain of prior values for key — starting
// from whatever is currently stored and following the undo log
// backwards through foreign writers — until it finds the
// VersionedValue that was effective at maxLog from tx's viewpoint: a
// committed value, or one of this transaction's own writes logged
// before maxLog. Returns nil if no such entry exists. In-doubt
// foreign writers are validated along the way and flattened to
// committed if they turn out to have gone through.
func (m *TransactionMap[K, V]) resolveVisible(key K, maxLog uint32) (*VersionedValue, error) {
	current, ok := m.storage.Get(key)
	for {
		if !ok {
			return nil, nil
		}
		id := OperationID(current.OperationID)
		if id.IsCommitted() {
			v := current
			return &v, nil
		}
		if id.TxID() == m.tx.id && id.LogID() < maxLog {
			v := current
			return &v, nil
		}
		if id.IsInDoubt() {
			ctx, cancel := context.WithTimeout(context.Background(), m.tx.engine.cfg.validationTimeout)
			valid := m.tx.engine.validateTransaction(ctx, m.tx.validator, id.TxID())
			cancel()
			if valid {
				if err := m.tx.engine.commitAfterValidate(id.TxID()); err != nil {
					return nil, err
				}
				current, ok = m.storage.Get(key)
				continue
			}
		}
		// Foreign-uncommitted (or self-but-too-recent, or an in-doubt
		// writer that failed validation): resolve through the undo log.
		entry, found := m.tx.engine.undo.Get(OperationID(current.OperationID))
		if found {
			if entry.Prior == nil {
				ok = false
			} else {
				current, ok = *entry.Prior, true
			}
			continue
		}
		reloaded, stillOk := m.storage.Get(key)
		if stillOk && reloaded.OperationID == current.OperationID {
			return nil, ErrTransactionCorrupt
		}
		current, ok = reloaded, stillOk
	}
}

func isNilValue[V any](v V) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface, reflect.UnsafePointer:
		return rv.IsNil()
	default:
		return false
	}
}

// Get returns the value visible at readLogId; the zero value and
// false if absent or tombstoned.
func (m *TransactionMap[K, V]) Get(key K) (V, bool, error) {
	return m.getAt(key, m.readLogID)
}

// GetLatest returns the value visible at logId = MAX: the most recent
// committed-or-own write.
func (m *TransactionMap[K, V]) GetLatest(key K) (V, bool, error) {
	return m.getAt(key, MaxLogID)
}

func (m *TransactionMap[K, V]) getAt(key K, maxLog uint32) (V, bool, error) {
	var zero V
	vv, err := m.resolveVisible(key, maxLog)
	if err != nil {
		return zero, false, err
	}
	if vv == nil || vv.Value == nil {
		return zero, false, nil
	}
	v, _ := vv.Value.(V)
	return v, true, nil
}

// trySetRaw is the non-blocking optimistic writer: it never waits for
// a conflicting writer to finish, instead returning false immediately
// if the key is locked by someone else. value is `any` rather than V
// so Remove can install a nil tombstone without needing V to be
// nilable.
func (m *TransactionMap[K, V]) trySetRaw(key K, value any, onlyIfUnchanged bool) (bool, error) {
	if err := m.tx.checkNotClosed(); err != nil {
		return false, err
	}
	for {
		current, currentOK := m.storage.Get(key)

		if onlyIfUnchanged {
			old, err := m.resolveVisible(key, m.readLogID)
			if err != nil {
				return false, err
			}
			oldOK := old != nil
			same := oldOK == currentOK
			if same && currentOK {
				same = m.storage.AreValuesEqual(*old, current)
			}
			if !same {
				if !currentOK || OperationID(current.OperationID).TxID() != m.tx.id {
					return false, nil
				}
				// Divergence caused by this transaction's own earlier
				// write in the same statement: removing an
				// already-added/changed entry collapses to success with
				// no undo entry appended — there is nothing new to undo
				// beyond what the earlier write already logged.
				// Re-adding a self-removed entry goes on to the write
				// below; any other change returns false.
				if value == nil {
					return true, nil
				}
				if current.Value != nil {
					return false, nil
				}
			}
		}

		switch {
		case !currentOK:
			id := m.tx.log(m.mapID, key, nil)
			newValue := VersionedValue{OperationID: uint64(id), Value: value}
			_, inserted := m.storage.PutIfAbsent(key, newValue)
			if !inserted {
				m.tx.logUndo()
				return false, nil
			}
			return true, nil

		case OperationID(current.OperationID).IsCommitted():
			prior := current
			id := m.tx.log(m.mapID, key, &prior)
			newValue := VersionedValue{OperationID: uint64(id), Value: value}
			if !m.storage.Replace(key, current, newValue) {
				m.tx.logUndo()
				return false, nil
			}
			return true, nil

		case OperationID(current.OperationID).TxID() == m.tx.id:
			prior := current
			id := m.tx.log(m.mapID, key, &prior)
			newValue := VersionedValue{OperationID: uint64(id), Value: value}
			if !m.storage.Replace(key, current, newValue) {
				m.tx.logUndo()
				m.tx.engine.logger().Warn("trySet: unexpected CAS failure on own entry", "tx", m.tx.id, "map", m.mapID)
				return false, nil
			}
			return true, nil

		case OperationID(current.OperationID).IsInDoubt():
			foreignTx := OperationID(current.OperationID).TxID()
			ctx, cancel := context.WithTimeout(context.Background(), m.tx.engine.cfg.validationTimeout)
			valid := m.tx.engine.validateTransaction(ctx, m.tx.validator, foreignTx)
			cancel()
			if valid {
				if err := m.tx.engine.commitAfterValidate(foreignTx); err != nil {
					return false, err
				}
				continue // restart trySet with the original arguments
			}
			return false, nil // still foreign-uncommitted: locked

		default: // foreign uncommitted, even id
			return false, nil
		}
	}
}

// TrySet is the public non-blocking optimistic write: it returns
// (false, nil) rather than blocking when the key is locked by another
// transaction.
func (m *TransactionMap[K, V]) TrySet(key K, value V, onlyIfUnchanged bool) (bool, error) {
	return m.trySetRaw(key, value, onlyIfUnchanged)
}

// Set is the blocking convenience wrapper: it raises
// ErrTransactionLocked instead of returning false.
func (m *TransactionMap[K, V]) Set(key K, value V) error {
	ok, err := m.trySetRaw(key, value, false)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTransactionLocked
	}
	return nil
}

// Put installs v, failing with ErrTransactionLocked if another
// transaction holds the key.
func (m *TransactionMap[K, V]) Put(key K, value V) error {
	if isNilValue(value) {
		return ErrNullValue
	}
	return m.Set(key, value)
}

// Remove installs a tombstone, following the same locking rules as Put.
func (m *TransactionMap[K, V]) Remove(key K) error {
	ok, err := m.trySetRaw(key, nil, false)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTransactionLocked
	}
	return nil
}

// PutCommitted bypasses MVCC entirely and writes a committed entry
// directly; used for bulk load / initialization.
func (m *TransactionMap[K, V]) PutCommitted(key K, value V) {
	m.storage.Put(key, VersionedValue{OperationID: uint64(Committed), Value: value})
}

// IsSameTransaction reports whether the latest write to key belongs to
// this map's transaction.
func (m *TransactionMap[K, V]) IsSameTransaction(key K) bool {
	current, ok := m.storage.Get(key)
	if !ok {
		return false
	}
	id := OperationID(current.OperationID)
	return !id.IsCommitted() && id.TxID() == m.tx.id
}

// SizeAsLongMax is the raw, uncorrected map size: every physical
// entry in the underlying StorageMap, including ones masked by an
// in-flight or tombstoning write. SizeAsLong never exceeds this.
func (m *TransactionMap[K, V]) SizeAsLongMax() int64 {
	return m.storage.SizeAsLong()
}

// SizeAsLong estimates the number of keys visible to this transaction.
// With no pending entries it returns the raw count. When the undo log
// is no larger than the raw map, it corrects the raw count by
// subtracting, once per key, undo-logged entries for this map that no
// longer resolve to a visible value; otherwise it falls back to a full
// visibility scan, which is cheaper once pending writes exceed the
// size of the map itself. The raw count and the undo-log snapshot are
// read at different moments, so concurrent writers can make the
// correction overshoot; any underflow is clamped to 0 rather than
// returned as a negative count.
func (m *TransactionMap[K, V]) SizeAsLong() (int64, error) {
	r := m.storage.SizeAsLong()
	u := m.tx.engine.undo.SizeAsLong()
	if u == 0 {
		return r, nil
	}
	if u > r {
		var count int64
		cur := m.storage.Cursor(nil)
		for cur.HasNext() {
			k, err := cur.Next()
			if err != nil {
				if errors.Is(err, storage.ErrChunkNotFound) {
					cur = m.storage.Cursor(&k)
					continue
				}
				continue
			}
			vv, verr := m.resolveVisible(k, m.readLogID)
			if verr != nil {
				continue
			}
			if vv != nil && vv.Value != nil {
				count++
			}
		}
		return count, nil
	}

	temp := m.tx.engine.createTempMap()
	result := r
	for _, le := range m.tx.engine.undo.Entries() {
		if le.Entry.MapID != m.mapID {
			continue
		}
		key, ok := le.Entry.Key.(K)
		if !ok {
			continue
		}
		if temp.seenBefore(key) {
			continue
		}
		vv, verr := m.resolveVisible(key, m.readLogID)
		if verr != nil {
			continue
		}
		if vv == nil || vv.Value == nil {
			result--
		}
	}
	if result < 0 {
		result = 0
	}
	return result, nil
}

func (m *TransactionMap[K, V]) isVisible(key K) bool {
	vv, err := m.resolveVisible(key, m.readLogID)
	return err == nil && vv != nil && vv.Value != nil
}

// FirstKey returns the first visible key in ascending order.
func (m *TransactionMap[K, V]) FirstKey() (K, bool) {
	k, ok := m.storage.FirstKey()
	for ok {
		if m.isVisible(k) {
			return k, true
		}
		k, ok = m.storage.HigherKey(k)
	}
	var zero K
	return zero, false
}

// LastKey returns the last visible key in descending order.
func (m *TransactionMap[K, V]) LastKey() (K, bool) {
	k, ok := m.storage.LastKey()
	for ok {
		if m.isVisible(k) {
			return k, true
		}
		k, ok = m.storage.LowerKey(k)
	}
	var zero K
	return zero, false
}

// HigherKey returns the smallest visible key strictly greater than key.
func (m *TransactionMap[K, V]) HigherKey(key K) (K, bool) {
	k, ok := m.storage.HigherKey(key)
	for ok {
		if m.isVisible(k) {
			return k, true
		}
		k, ok = m.storage.HigherKey(k)
	}
	var zero K
	return zero, false
}

// LowerKey returns the largest visible key strictly less than key.
func (m *TransactionMap[K, V]) LowerKey(key K) (K, bool) {
	k, ok := m.storage.LowerKey(key)
	for ok {
		if m.isVisible(k) {
			return k, true
		}
		k, ok = m.storage.LowerKey(k)
	}
	var zero K
	return zero, false
}

// RelativeKey seeks by raw index in the underlying map and does NOT
// apply the visibility filter. It is meant for statistical sampling
// over the key space (e.g. picking a split point), not for
// transactional reads — callers that need a visible value should
// follow up with Get.
func (m *TransactionMap[K, V]) RelativeKey(key K, offset int64) (K, bool) {
	idx := m.storage.GetKeyIndex(key)
	if idx < 0 {
		var zero K
		return zero, false
	}
	return m.storage.GetKey(idx + offset)
}

// Clear empties the underlying map. Destructive, non-transactional.
func (m *TransactionMap[K, V]) Clear() {
	m.storage.Clear()
}

// RemoveMap destroys the underlying map entirely. Destructive,
// non-transactional.
func (m *TransactionMap[K, V]) RemoveMap() {
	m.storage.Remove()
}
