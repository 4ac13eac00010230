package txmap_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laura-db/txmap/storage"
	"github.com/laura-db/txmap/txmap"
)

func newEngineAndMap(t *testing.T) (*txmap.TransactionEngine, *storage.BTreeMap[string]) {
	t.Helper()
	engine := txmap.NewEngine()
	sm := storage.NewBTreeMap[string]("VARCHAR", nil)
	return engine, sm
}

// scenario 1: insert-then-read in same tx, then visible after commit.
func TestInsertThenReadSameTransaction(t *testing.T) {
	engine, sm := newEngineAndMap(t)

	t1 := engine.NewTransaction(nil)
	m1 := txmap.OpenMap[string, int](t1, "M", sm)
	require.NoError(t, m1.Put("a", 1))

	v, ok, err := m1.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, v)

	require.NoError(t, t1.Commit())

	t2 := engine.NewTransaction(nil)
	m2 := txmap.OpenMap[string, int](t2, "M", sm)
	v2, ok2, err := m2.Get("a")
	require.NoError(t, err)
	require.True(t, ok2)
	assert.Equal(t, 1, v2)
}

// scenario 2: write-write conflict and retry after commit.
func TestWriteWriteConflictThenRetry(t *testing.T) {
	engine, sm := newEngineAndMap(t)

	t1 := engine.NewTransaction(nil)
	m1 := txmap.OpenMap[string, int](t1, "M", sm)
	require.NoError(t, m1.Put("a", 1))

	t2 := engine.NewTransaction(nil)
	m2 := txmap.OpenMap[string, int](t2, "M", sm)

	ok, err := m2.TrySet("a", 2, false)
	require.NoError(t, err)
	assert.False(t, ok, "concurrent tryPut on a foreign uncommitted entry must fail")

	_, exists, err := m2.Get("a")
	require.NoError(t, err)
	assert.False(t, exists, "t2 must not see t1's uncommitted write")

	require.NoError(t, t1.Commit())

	ok2, err := m2.TrySet("a", 2, false)
	require.NoError(t, err)
	assert.True(t, ok2, "retry after commit must succeed")
}

// scenario 3: a foreign transaction's uncommitted write is invisible,
// but once it commits the new value becomes immediately visible — this
// layer gives read-committed-plus-own-writes visibility, not
// repeatable-read snapshot isolation across foreign commits (readLogId
// only tie-breaks against this transaction's own writes).
func TestForeignWriteVisibilityTracksCommit(t *testing.T) {
	engine, sm := newEngineAndMap(t)

	t1 := engine.NewTransaction(nil)
	m1 := txmap.OpenMap[string, int](t1, "M", sm)
	require.NoError(t, m1.Put("a", 1))
	require.NoError(t, t1.Commit())

	t2 := engine.NewTransaction(nil)
	m2 := txmap.OpenMap[string, int](t2, "M", sm)
	v, ok, err := m2.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, v)

	t3 := engine.NewTransaction(nil)
	m3 := txmap.OpenMap[string, int](t3, "M", sm)
	require.NoError(t, m3.Put("a", 2))

	_, _, err = m2.Get("a")
	require.NoError(t, err)

	require.NoError(t, t3.Commit())

	v3, ok3, err := m2.Get("a")
	require.NoError(t, err)
	require.True(t, ok3)
	assert.Equal(t, 2, v3, "a foreign commit is visible as soon as it lands, even to an older open transaction")
}

// scenario 4: savepoint rollback.
func TestSavepointRollback(t *testing.T) {
	engine, sm := newEngineAndMap(t)

	t1 := engine.NewTransaction(nil)
	m1 := txmap.OpenMap[string, int](t1, "M", sm)

	require.NoError(t, m1.Put("x", 10))
	sp := t1.SetSavepoint("s1")
	require.NoError(t, m1.Put("x", 11))
	require.NoError(t, m1.Put("y", 20))

	t1.RollbackToSavepoint(sp)

	v, ok, err := m1.Get("x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 10, v)

	_, ok2, err := m1.Get("y")
	require.NoError(t, err)
	assert.False(t, ok2)
}

// in-doubt validation: a foreign odd-id transaction's write becomes
// visible once the reader's validator accepts it, and falls back to the
// undo prior otherwise.

func TestInDoubtValidationValid(t *testing.T) {
	engine, sm := newEngineAndMap(t)

	base := engine.NewTransaction(nil)
	mb := txmap.OpenMap[string, int](base, "M", sm)
	require.NoError(t, mb.Put("k", 1))
	require.NoError(t, base.Commit())

	inDoubt := engine.NewInDoubtTransaction(alwaysValid{})
	mid := txmap.OpenMap[string, int](inDoubt, "M", sm)
	require.NoError(t, mid.Put("k", 7))

	reader := engine.NewTransaction(alwaysValid{})
	mr := txmap.OpenMap[string, int](reader, "M", sm)
	v, ok, err := mr.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 7, v, "validated in-doubt write must become visible")
}

func TestInDoubtValidationInvalid(t *testing.T) {
	engine, sm := newEngineAndMap(t)

	base := engine.NewTransaction(nil)
	mb := txmap.OpenMap[string, int](base, "M", sm)
	require.NoError(t, mb.Put("k", 1))
	require.NoError(t, base.Commit())

	inDoubt := engine.NewInDoubtTransaction(alwaysInvalid{})
	mid := txmap.OpenMap[string, int](inDoubt, "M", sm)
	require.NoError(t, mid.Put("k", 7))

	reader := engine.NewTransaction(alwaysInvalid{})
	mr := txmap.OpenMap[string, int](reader, "M", sm)
	v, ok, err := mr.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, v, "invalid in-doubt transaction must fall back to the undo prior")
}

type alwaysValid struct{}

func (alwaysValid) Validate(context.Context, uint32) bool { return true }

type alwaysInvalid struct{}

func (alwaysInvalid) Validate(context.Context, uint32) bool { return false }

// At-most-one-writer: of concurrent trySet calls on a committed entry,
// exactly one succeeds. Transactions finish only after every attempt
// has been made, so no attempt can see the winner's commit.
func TestAtMostOneWriter(t *testing.T) {
	engine, sm := newEngineAndMap(t)

	setup := engine.NewTransaction(nil)
	ms := txmap.OpenMap[string, int](setup, "M", sm)
	require.NoError(t, ms.Put("k", 0))
	require.NoError(t, setup.Commit())

	const n = 16
	results := make([]bool, n)
	txs := make([]*txmap.Transaction, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx := engine.NewTransaction(nil)
			txs[i] = tx
			m := txmap.OpenMap[string, int](tx, "M", sm)
			ok, err := m.TrySet("k", i, false)
			results[i] = err == nil && ok
		}(i)
	}
	wg.Wait()
	for i, tx := range txs {
		if results[i] {
			_ = tx.Commit()
		} else {
			tx.Rollback()
		}
	}

	winners := 0
	for _, ok := range results {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one concurrent writer should win")
}

func TestRemoveThenGetIsNil(t *testing.T) {
	engine, sm := newEngineAndMap(t)

	t1 := engine.NewTransaction(nil)
	m1 := txmap.OpenMap[string, int](t1, "M", sm)
	require.NoError(t, m1.Put("a", 1))
	require.NoError(t, t1.Commit())

	t2 := engine.NewTransaction(nil)
	m2 := txmap.OpenMap[string, int](t2, "M", sm)
	require.NoError(t, m2.Remove("a"))

	_, ok, err := m2.Get("a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSizeBounds(t *testing.T) {
	engine, sm := newEngineAndMap(t)

	t1 := engine.NewTransaction(nil)
	m1 := txmap.OpenMap[string, int](t1, "M", sm)
	require.NoError(t, m1.Put("a", 1))
	require.NoError(t, m1.Put("b", 2))

	size, err := m1.SizeAsLong()
	require.NoError(t, err)
	assert.LessOrEqual(t, size, m1.SizeAsLongMax())

	t1.Rollback()

	t2 := engine.NewTransaction(nil)
	m2 := txmap.OpenMap[string, int](t2, "M", sm)
	size2, err := m2.SizeAsLong()
	require.NoError(t, err)
	assert.Equal(t, m2.SizeAsLongMax(), size2, "after a full rollback of the only active transaction, size and max agree")
}
