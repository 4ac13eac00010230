package storage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laura-db/txmap/storage"
)

func TestPutIfAbsent(t *testing.T) {
	m := storage.NewBTreeMap[string]("VARCHAR", nil)

	cur, inserted := m.PutIfAbsent("a", storage.VersionedValue{OperationID: 1, Value: "x"})
	assert.True(t, inserted)
	assert.Equal(t, "x", cur.Value)

	cur2, inserted2 := m.PutIfAbsent("a", storage.VersionedValue{OperationID: 2, Value: "y"})
	assert.False(t, inserted2)
	assert.Equal(t, "x", cur2.Value, "PutIfAbsent must report the pre-existing value on failure")
}

func TestReplaceIsCompareAndSwap(t *testing.T) {
	m := storage.NewBTreeMap[string]("VARCHAR", nil)
	orig := storage.VersionedValue{OperationID: 1, Value: "x"}
	m.Put("a", orig)

	stale := storage.VersionedValue{OperationID: 2, Value: "x"}
	ok := m.Replace("a", stale, storage.VersionedValue{OperationID: 3, Value: "z"})
	assert.False(t, ok, "Replace must fail when oldV doesn't match the current entry")

	ok2 := m.Replace("a", orig, storage.VersionedValue{OperationID: 3, Value: "z"})
	assert.True(t, ok2)

	got, _ := m.Get("a")
	assert.Equal(t, "z", got.Value)
}

func TestNavigation(t *testing.T) {
	m := storage.NewBTreeMap[int]("INT", nil)
	for _, k := range []int{5, 1, 3, 9, 7} {
		m.Put(k, storage.VersionedValue{OperationID: 0, Value: k})
	}

	first, ok := m.FirstKey()
	require.True(t, ok)
	assert.Equal(t, 1, first)

	last, ok := m.LastKey()
	require.True(t, ok)
	assert.Equal(t, 9, last)

	h, ok := m.HigherKey(3)
	require.True(t, ok)
	assert.Equal(t, 5, h)

	l, ok := m.LowerKey(5)
	require.True(t, ok)
	assert.Equal(t, 3, l)

	_, ok = m.HigherKey(9)
	assert.False(t, ok)

	c, ok := m.CeilingKey(4)
	require.True(t, ok)
	assert.Equal(t, 5, c)

	f, ok := m.FloorKey(4)
	require.True(t, ok)
	assert.Equal(t, 3, f)
}

func TestGetKeyIndexAndGetKey(t *testing.T) {
	m := storage.NewBTreeMap[int]("INT", nil)
	for _, k := range []int{10, 20, 30} {
		m.Put(k, storage.VersionedValue{OperationID: 0, Value: k})
	}

	assert.Equal(t, int64(1), m.GetKeyIndex(20))
	assert.Equal(t, int64(-1), m.GetKeyIndex(99))

	k, ok := m.GetKey(2)
	require.True(t, ok)
	assert.Equal(t, 30, k)

	_, ok = m.GetKey(5)
	assert.False(t, ok)
}

func TestCursorWalksInOrderFromKey(t *testing.T) {
	m := storage.NewBTreeMap[int]("INT", nil)
	for _, k := range []int{1, 2, 3, 4, 5} {
		m.Put(k, storage.VersionedValue{OperationID: 0, Value: k * 10})
	}

	two := 2
	cur := m.Cursor(&two)
	var got []int
	for cur.HasNext() {
		k, err := cur.Next()
		require.NoError(t, err)
		got = append(got, k)
		assert.Equal(t, k*10, cur.GetValue().Value)
	}
	assert.Equal(t, []int{2, 3, 4, 5}, got)
}

func TestRemoveKeyAndClear(t *testing.T) {
	m := storage.NewBTreeMap[string]("VARCHAR", nil)
	m.Put("a", storage.VersionedValue{OperationID: 0, Value: 1})
	m.Put("b", storage.VersionedValue{OperationID: 0, Value: 2})

	m.RemoveKey("a")
	_, ok := m.Get("a")
	assert.False(t, ok)
	assert.Equal(t, int64(1), m.SizeAsLong())

	m.Clear()
	assert.Equal(t, int64(0), m.SizeAsLong())
}

func TestRemoveClosesTheMap(t *testing.T) {
	m := storage.NewBTreeMap[string]("VARCHAR", nil)
	m.Put("a", storage.VersionedValue{OperationID: 0, Value: 1})
	assert.False(t, m.IsClosed())

	m.Remove()
	assert.True(t, m.IsClosed())
	assert.Equal(t, int64(0), m.SizeAsLong())
}

func TestAreValuesEqualUsesCustomEquality(t *testing.T) {
	equal := func(a, b any) bool {
		as, aok := a.(string)
		bs, bok := b.(string)
		return aok && bok && len(as) == len(bs)
	}
	m := storage.NewBTreeMap[string]("VARCHAR", equal)

	a := storage.VersionedValue{OperationID: 1, Value: "abc"}
	b := storage.VersionedValue{OperationID: 1, Value: "xyz"}
	assert.True(t, m.AreValuesEqual(a, b), "custom equality should treat same-length strings as equal")
}
