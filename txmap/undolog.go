package txmap

import "sync"

// UndoEntry records one reversible write: the map and key it touched,
// and the VersionedValue that was there before the write (nil if the
// key was previously absent). One entry per write; entries for a
// given transaction are assigned strictly increasing log ids because
// Transaction.log reserves them monotonically.
type UndoEntry struct {
	MapID string
	Key   any
	Prior *VersionedValue
}

// UndoLog is the map from OperationID to UndoEntry shared by every
// transaction of one TransactionEngine: any transaction resolving
// visibility through a foreign writer's operation id looks it up here.
// It has a single mutex that is always leaf-level — no other lock may
// be held while holding it, since lookups happen on the read hot path.
type UndoLog struct {
	mu sync.Mutex

	entries map[OperationID]UndoEntry
	order   []OperationID       // live ids in roughly-append order; compacted on Remove
	index   map[OperationID]int // id -> position in order, for O(1) Remove
}

// NewUndoLog creates an empty undo log.
func NewUndoLog() *UndoLog {
	return &UndoLog{
		entries: make(map[OperationID]UndoEntry),
		index:   make(map[OperationID]int),
	}
}

// Append records one undo entry under id. O(1) amortized.
func (u *UndoLog) Append(id OperationID, mapID string, key any, prior *VersionedValue) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.entries[id] = UndoEntry{MapID: mapID, Key: key, Prior: prior}
	u.index[id] = len(u.order)
	u.order = append(u.order, id)
}

// Remove deletes the entry at id, used both by Transaction.logUndo
// (failed CAS immediately after logging) and by commit/rollback
// draining applied writes. It also compacts order/index by swapping
// the removed id with the last live one, so a long-lived engine never
// retains a growing list of ids for transactions that finished long
// ago — only currently-live entries are kept.
func (u *UndoLog) Remove(id OperationID) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.entries, id)
	pos, ok := u.index[id]
	if !ok {
		return
	}
	delete(u.index, id)
	last := len(u.order) - 1
	if pos != last {
		moved := u.order[last]
		u.order[pos] = moved
		u.index[moved] = pos
	}
	u.order = u.order[:last]
}

// Get looks up a single entry. Readers doing visibility resolution
// take the mutex only for this single-entry lookup, not for the
// subsequent chain-walk.
func (u *UndoLog) Get(id OperationID) (UndoEntry, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	e, ok := u.entries[id]
	return e, ok
}

// LoggedEntry pairs an OperationID with its UndoEntry, as returned by
// UndoLog.Entries.
type LoggedEntry struct {
	ID    OperationID
	Entry UndoEntry
}

// Entries returns a coherent snapshot of all currently-live entries.
// Their relative order is not guaranteed to reflect original append
// order once removals have happened (Remove compacts by swapping in
// the last live id), which no caller relies on: TransactionMap's size
// correction pass only dedups by key, and commitAfterValidate matches
// each entry against the current stored operation id regardless of
// scan order. The mutex is held only for the copy; scanning the result
// happens lock-free.
func (u *UndoLog) Entries() []LoggedEntry {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]LoggedEntry, 0, len(u.order))
	for _, id := range u.order {
		out = append(out, LoggedEntry{ID: id, Entry: u.entries[id]})
	}
	return out
}

// SizeAsLong returns the number of live undo entries.
func (u *UndoLog) SizeAsLong() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return int64(len(u.entries))
}
