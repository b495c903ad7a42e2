package heap

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestHeap(t *testing.T) *Heap {
	t.Helper()
	h, err := Open(filepath.Join(t.TempDir(), "dh.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestMallocWriteReadCommit(t *testing.T) {
	h := openTestHeap(t)

	txn, err := h.Begin()
	require.NoError(t, err)
	loc, err := txn.Malloc(5)
	require.NoError(t, err)
	require.NoError(t, txn.Write(loc, []byte("hello")))
	require.NoError(t, txn.End())

	buf := make([]byte, 5)
	n, err := h.Snap(loc, buf)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))
}

func TestCancelRestoresPreState(t *testing.T) {
	h := openTestHeap(t)

	txn, err := h.Begin()
	require.NoError(t, err)
	loc, err := txn.Malloc(5)
	require.NoError(t, err)
	require.NoError(t, txn.Write(loc, []byte("first")))
	require.NoError(t, txn.End())

	txn2, err := h.Begin()
	require.NoError(t, err)
	require.NoError(t, txn2.Write(loc, []byte("SECON")))
	require.NoError(t, txn2.Cancel())

	buf := make([]byte, 5)
	_, err = h.Snap(loc, buf)
	require.NoError(t, err)
	require.Equal(t, "first", string(buf))
}

func TestCatalogFind(t *testing.T) {
	h := openTestHeap(t)
	txn, err := h.Begin()
	require.NoError(t, err)
	loc, err := txn.Malloc(4)
	require.NoError(t, err)
	require.NoError(t, txn.Catlg("zcodb", loc))
	require.NoError(t, txn.End())

	txn2, err := h.Begin()
	require.NoError(t, err)
	found, err := txn2.Find("zcodb")
	require.NoError(t, err)
	require.Equal(t, loc, found)
	require.NoError(t, txn2.End())

	txn3, err := h.Begin()
	require.NoError(t, err)
	_, err = txn3.Find("missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, txn3.Cancel())
}

func TestTypedList(t *testing.T) {
	h := openTestHeap(t)
	txn, err := h.Begin()
	require.NoError(t, err)

	list, err := txn.ListCreate()
	require.NoError(t, err)

	n1, err := txn.ListInsertLast(list, Location(100), []byte("a"))
	require.NoError(t, err)
	n2, err := txn.ListInsertLast(list, Location(200), []byte("b"))
	require.NoError(t, err)
	n3, err := txn.ListInsertBefore(list, n2, Location(150), []byte("c"))
	require.NoError(t, err)

	length, err := txn.ListLength(list)
	require.NoError(t, err)
	require.Equal(t, 3, length)

	first, err := txn.ListFirst(list)
	require.NoError(t, err)
	require.Equal(t, n1, first)

	second, err := txn.ListNext(list, first)
	require.NoError(t, err)
	require.Equal(t, n3, second)

	data, err := txn.ListData(list, n3)
	require.NoError(t, err)
	require.Equal(t, Location(150), data)

	require.NoError(t, txn.ListDelete(list, n3))
	length, err = txn.ListLength(list)
	require.NoError(t, err)
	require.Equal(t, 2, length)

	require.NoError(t, txn.End())
}
