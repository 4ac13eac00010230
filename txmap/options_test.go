package txmap_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laura-db/txmap/storage"
	"github.com/laura-db/txmap/txmap"
)

func TestWithLoggerReceivesCommitLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	engine := txmap.NewEngine(txmap.WithLogger(logger))
	sm := storage.NewBTreeMap[string]("VARCHAR", nil)

	tx := engine.NewTransaction(nil)
	m := txmap.OpenMap[string, int](tx, "M", sm)
	require.NoError(t, m.Put("a", 1))
	require.NoError(t, tx.Commit())

	assert.Contains(t, buf.String(), "committed transaction")
}

func TestWithValidationTimeoutBoundsSlowValidator(t *testing.T) {
	engine := txmap.NewEngine(txmap.WithValidationTimeout(10 * time.Millisecond))
	sm := storage.NewBTreeMap[string]("VARCHAR", nil)

	base := engine.NewTransaction(nil)
	mb := txmap.OpenMap[string, int](base, "M", sm)
	require.NoError(t, mb.Put("k", 1))
	require.NoError(t, base.Commit())

	inDoubt := engine.NewInDoubtTransaction(slowValidator{})
	mid := txmap.OpenMap[string, int](inDoubt, "M", sm)
	require.NoError(t, mid.Put("k", 9))

	reader := engine.NewTransaction(slowValidator{})
	mr := txmap.OpenMap[string, int](reader, "M", sm)
	v, ok, err := mr.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, v, "a validator that never returns within the deadline must not block the reader forever")
}

type slowValidator struct{}

func (slowValidator) Validate(ctx context.Context, _ uint32) bool {
	<-ctx.Done()
	return false
}
