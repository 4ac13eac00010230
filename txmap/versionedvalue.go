package txmap

import (
	"context"

	"github.com/laura-db/txmap/storage"
)

// VersionedValue is the physical entry stored in the StorageMap: the
// identity of the transaction that last wrote it, plus the value
// itself. OperationID == 0 means committed; Value == nil is a
// tombstone.
type VersionedValue = storage.VersionedValue

// TransactionValidator resolves whether a foreign in-doubt (odd id)
// transaction has actually committed. It is supplied per-Transaction
// at creation time; ctx carries whatever deadline/cancellation the
// observing transaction wants to impose on the round trip, since
// validation may need to talk to a remote coordinator rather than
// answer from purely local state.
type TransactionValidator interface {
	Validate(ctx context.Context, foreignTxID uint32) bool
}

// NopValidator always treats in-doubt transactions as invalid, the
// same outcome as creating a transaction with a nil validator. It
// suits engines that never see odd (remotely coordinated) transaction
// ids.
type NopValidator struct{}

func (NopValidator) Validate(context.Context, uint32) bool { return false }
