package txmap

import (
	"context"
	"log/slog"
	"sync"
)

// rawMapAdapter bridges the generic TransactionMap[K,V] world to the
// engine's non-generic bookkeeping: the undo log and commit/rollback
// paths only ever see mapIDs and `any` keys, since one engine's undo
// log is shared across TransactionMaps of unrelated key types. Each
// TransactionMap registers one adapter for its underlying StorageMap
// the first time it is opened.
type rawMapAdapter interface {
	getRaw(key any) (VersionedValue, bool)
	replaceRaw(key any, oldV, newV VersionedValue) bool
	putRaw(key any, v VersionedValue)
	removeRawKey(key any)
}

// TransactionEngine allocates transaction ids and log ids, owns the
// undo log, validates remote in-doubt transactions, and commits or
// rolls back on their behalf. It is passed explicitly rather than kept
// as package-level state so multiple independent engines can coexist
// in one process (e.g. in tests).
type TransactionEngine struct {
	cfg config

	idMu          sync.Mutex
	nextLocalTxID uint32 // even ids, locally authoritative
	nextDoubtTxID uint32 // odd ids, in-doubt / remotely coordinated

	undo *UndoLog

	mapsMu sync.RWMutex
	maps   map[string]rawMapAdapter

	txMu sync.RWMutex
	open map[uint32]*Transaction
}

// NewEngine creates a TransactionEngine ready to issue transactions.
func NewEngine(opts ...Option) *TransactionEngine {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &TransactionEngine{
		cfg:  cfg,
		undo: NewUndoLog(),
		maps: make(map[string]rawMapAdapter),
		open: make(map[uint32]*Transaction),
	}
}

// NewTransaction allocates a new, locally authoritative (even id)
// transaction. validator may be nil if this engine never needs to
// resolve in-doubt foreign writers.
func (e *TransactionEngine) NewTransaction(validator TransactionValidator) *Transaction {
	e.idMu.Lock()
	e.nextLocalTxID += 2
	id := e.nextLocalTxID
	e.idMu.Unlock()
	return e.register(id, validator)
}

// NewInDoubtTransaction allocates an odd-id transaction representing a
// remotely coordinated writer. Exercised by validation tests and by
// callers embedding a two-phase coordinator above this layer.
func (e *TransactionEngine) NewInDoubtTransaction(validator TransactionValidator) *Transaction {
	e.idMu.Lock()
	e.nextDoubtTxID += 2
	id := e.nextDoubtTxID | 1
	e.idMu.Unlock()
	return e.register(id, validator)
}

func (e *TransactionEngine) register(id uint32, validator TransactionValidator) *Transaction {
	tx := &Transaction{
		id:        id,
		status:    StatusOpen,
		validator: validator,
		engine:    e,
	}
	e.txMu.Lock()
	e.open[id] = tx
	e.txMu.Unlock()
	return tx
}

func (e *TransactionEngine) unregister(id uint32) {
	e.txMu.Lock()
	delete(e.open, id)
	e.txMu.Unlock()
}

func (e *TransactionEngine) registerMap(mapID string, adapter rawMapAdapter) {
	e.mapsMu.Lock()
	defer e.mapsMu.Unlock()
	if _, exists := e.maps[mapID]; !exists {
		e.maps[mapID] = adapter
	}
}

func (e *TransactionEngine) mapFor(mapID string) (rawMapAdapter, bool) {
	e.mapsMu.RLock()
	defer e.mapsMu.RUnlock()
	a, ok := e.maps[mapID]
	return a, ok
}

func (e *TransactionEngine) logger() *slog.Logger { return e.cfg.logger }

// validateTransaction asks the observing transaction's pluggable
// validator to resolve a foreign in-doubt transaction id. A nil
// validator reports false. Flattening a valid transaction's writes is
// left to the caller (see commitAfterValidate).
func (e *TransactionEngine) validateTransaction(ctx context.Context, validator TransactionValidator, foreignTxID uint32) bool {
	if validator == nil {
		return false
	}
	valid := validator.Validate(ctx, foreignTxID)
	e.logger().Debug("validated in-doubt transaction", "foreignTx", foreignTxID, "valid", valid)
	return valid
}

// commitAfterValidate atomically retires every undo entry belonging to
// foreignTxID: each target VersionedValue is replaced by a committed
// clone and its undo entry purged. Scanning the whole undo log is
// acceptable here — this runs once per validated foreign transaction,
// not on the read hot path.
func (e *TransactionEngine) commitAfterValidate(foreignTxID uint32) error {
	for _, le := range e.undo.Entries() {
		if le.ID.TxID() != foreignTxID {
			continue
		}
		adapter, ok := e.mapFor(le.Entry.MapID)
		if !ok {
			continue
		}
		current, ok := adapter.getRaw(le.Entry.Key)
		if !ok || current.OperationID != uint64(le.ID) {
			// Another goroutine already resolved this entry; skip.
			e.undo.Remove(le.ID)
			continue
		}
		committed := VersionedValue{OperationID: uint64(Committed), Value: current.Value}
		if !adapter.replaceRaw(le.Entry.Key, current, committed) {
			e.cfg.logger.Error("commitAfterValidate: CAS failed", "foreignTx", foreignTxID, "operation", le.ID)
			return ErrCommitConflict
		}
		e.undo.Remove(le.ID)
	}
	return nil
}

// tempSet is a throwaway, unshared dedup set used only by
// TransactionMap.SizeAsLong's undo-log correction pass. id is a
// generated handle purely for log correlation; the set itself is
// never registered with the engine and never outlives the SizeAsLong
// call that created it.
type tempSet struct {
	id   string
	seen map[any]struct{}
}

func (e *TransactionEngine) createTempMap() *tempSet {
	id := NewMapID()
	e.logger().Debug("creating scratch dedup set for sizeAsLong correction", "id", id)
	return &tempSet{id: id, seen: make(map[any]struct{})}
}

func (s *tempSet) seenBefore(key any) bool {
	if _, ok := s.seen[key]; ok {
		return true
	}
	s.seen[key] = struct{}{}
	return false
}
