package zco

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-dtn/ion/internal/heap"
)

func openTestHeap(t *testing.T) *heap.Heap {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dh.db")
	h, err := heap.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestAppendExtentHeapAccumulatesLength(t *testing.T) {
	h := openTestHeap(t)
	occ := NewOccupancyDB(1<<20, 1<<20)

	txn, err := h.Begin()
	require.NoError(t, err)

	z, err := Create(txn, occ, nil)
	require.NoError(t, err)

	require.NoError(t, z.AppendExtentHeap(txn, []byte("hello ")))
	require.NoError(t, z.AppendExtentHeap(txn, []byte("world")))
	require.NoError(t, txn.End())

	require.EqualValues(t, 11, z.TotalLength())
	require.EqualValues(t, 11, z.SourceLength())
}

func TestAppendExtentRejectsZeroLength(t *testing.T) {
	h := openTestHeap(t)
	occ := NewOccupancyDB(1<<20, 1<<20)
	txn, err := h.Begin()
	require.NoError(t, err)
	defer txn.Cancel()

	z, err := Create(txn, occ, nil)
	require.NoError(t, err)

	err = z.AppendExtent(txn, MediumHeap, nil, nil, 0, 0)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestHeaderTrailerRoundTrip(t *testing.T) {
	h := openTestHeap(t)
	occ := NewOccupancyDB(1<<20, 1<<20)
	txn, err := h.Begin()
	require.NoError(t, err)

	z, err := Create(txn, occ, nil)
	require.NoError(t, err)
	require.NoError(t, z.AppendExtentHeap(txn, []byte("payload")))

	z.PrependHeader([]byte("HDR"))
	z.AppendTrailer([]byte("TRL"))
	require.EqualValues(t, 13, z.TotalLength())

	z.DiscardFirstHeader()
	z.DiscardLastTrailer()
	require.EqualValues(t, 7, z.TotalLength())
	require.NoError(t, txn.End())
}

func TestTransmitReadsHeadersSourceTrailers(t *testing.T) {
	h := openTestHeap(t)
	occ := NewOccupancyDB(1<<20, 1<<20)
	txn, err := h.Begin()
	require.NoError(t, err)

	z, err := Create(txn, occ, nil)
	require.NoError(t, err)
	require.NoError(t, z.AppendExtentHeap(txn, []byte("BODY")))
	z.PrependHeader([]byte("H1"))
	z.AppendTrailer([]byte("T1"))
	require.NoError(t, txn.End())

	r := NewReader(z, ModeTransmit)
	rtxn, err := h.Begin()
	require.NoError(t, err)
	defer rtxn.Cancel()

	buf := make([]byte, 8)
	n, err := r.Transmit(rtxn, buf)
	require.NoError(t, err)
	require.Equal(t, 8, n)
	require.Equal(t, "H1BODYT1", string(buf))
}

func TestCloneIncrementsRefcountAndShareBytes(t *testing.T) {
	h := openTestHeap(t)
	occ := NewOccupancyDB(1<<20, 1<<20)
	txn, err := h.Begin()
	require.NoError(t, err)

	z, err := Create(txn, occ, nil)
	require.NoError(t, err)
	require.NoError(t, z.AppendExtentHeap(txn, []byte("0123456789")))
	require.NoError(t, txn.End())

	clone, err := z.Clone(nil, 2, 5)
	require.NoError(t, err)
	require.EqualValues(t, 5, clone.TotalLength())

	r := NewReader(clone, ModeReceiveSource)
	rtxn, err := h.Begin()
	require.NoError(t, err)
	defer rtxn.Cancel()

	buf := make([]byte, 5)
	n, err := r.ReceiveSource(rtxn, buf)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "23456", string(buf))
}

func TestCloneOutOfRangeFails(t *testing.T) {
	h := openTestHeap(t)
	occ := NewOccupancyDB(1<<20, 1<<20)
	txn, err := h.Begin()
	require.NoError(t, err)

	z, err := Create(txn, occ, nil)
	require.NoError(t, err)
	require.NoError(t, z.AppendExtentHeap(txn, []byte("short")))
	require.NoError(t, txn.End())

	_, err = z.Clone(nil, 0, 100)
	require.Error(t, err)
}

func TestFileRefDegradedReadOnInodeChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "src.bin")
	require.NoError(t, os.WriteFile(path, []byte("abcdefgh"), 0o600))

	occ := NewOccupancyDB(1<<20, 1<<20)
	fr, err := CreateFileRef(occ, path, nil)
	require.NoError(t, err)

	n, ok := fr.degradedRead(0, make([]byte, 4))
	require.True(t, ok)
	require.Equal(t, 4, n)

	// Replace the file in place (new inode on most filesystems via rename).
	require.NoError(t, os.WriteFile(path+".tmp", []byte("zzzzzzzz"), 0o600))
	require.NoError(t, os.Rename(path+".tmp", path))

	_, ok = fr.degradedRead(0, make([]byte, 4))
	require.False(t, ok)
}

func TestFileExtentTransmitWithCleanupScript(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	require.NoError(t, os.WriteFile(path, []byte("zerocopybytes"), 0o600))

	markerPath := filepath.Join(dir, "cleaned")
	script := "touch " + markerPath

	occ := NewOccupancyDB(1<<20, 1<<20)
	fr, err := CreateFileRef(occ, path, &script)
	require.NoError(t, err)

	h := openTestHeap(t)
	txn, err := h.Begin()
	require.NoError(t, err)

	z, err := Create(txn, occ, nil)
	require.NoError(t, err)
	require.NoError(t, z.AppendExtentFileRef(txn, fr, 0, 13))
	require.NoError(t, txn.End())

	r := NewReader(z, ModeReceiveSource)
	rtxn, err := h.Begin()
	require.NoError(t, err)
	buf := make([]byte, 13)
	n, err := r.ReceiveSource(rtxn, buf)
	require.NoError(t, err)
	require.Equal(t, 13, n)
	require.Equal(t, "zerocopybytes", string(buf))
	require.NoError(t, rtxn.Cancel())

	dtxn, err := h.Begin()
	require.NoError(t, err)
	require.NoError(t, z.Destroy(dtxn))
	require.NoError(t, dtxn.End())

	fr.DestroyFileRef(occ)
	_, err = os.Stat(markerPath)
	require.NoError(t, err)
}

// TestReceiveSourceDegradedReadStopsShortOfFillBytes exercises the
// Reader-level byte-count contract a degraded file extent must honor
// (§4.2.2): bytes read from extents preceding the degraded one are
// counted, the degraded extent's span is filled with fillChar, but those
// fill bytes themselves are never added to the returned count, so the
// caller sees a short read rather than a false full-length transfer.
func TestReceiveSourceDegradedReadStopsShortOfFillBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "src.bin")
	require.NoError(t, os.WriteFile(path, []byte("11112222"), 0o600))

	occ := NewOccupancyDB(1<<20, 1<<20)
	fr, err := CreateFileRef(occ, path, nil)
	require.NoError(t, err)

	h := openTestHeap(t)
	txn, err := h.Begin()
	require.NoError(t, err)

	z, err := Create(txn, occ, nil)
	require.NoError(t, err)
	require.NoError(t, z.AppendExtentHeap(txn, []byte("ABCDE")))
	require.NoError(t, z.AppendExtentFileRef(txn, fr, 0, 8))
	require.NoError(t, txn.End())

	// Replace the file in place so its backing extent degrades (new inode).
	require.NoError(t, os.WriteFile(path+".tmp", []byte("zzzzzzzz"), 0o600))
	require.NoError(t, os.Rename(path+".tmp", path))

	r := NewReader(z, ModeReceiveSource)
	rtxn, err := h.Begin()
	require.NoError(t, err)
	defer rtxn.Cancel()

	buf := make([]byte, 13)
	n, err := r.ReceiveSource(rtxn, buf)
	require.NoError(t, err)
	require.Equal(t, 5, n, "only the heap extent's bytes should count as transferred")
	require.Equal(t, "ABCDE", string(buf[:5]))
	for _, c := range buf[5:] {
		require.Equal(t, byte(fillChar), c)
	}
}

func TestOccupancyCapsEnforced(t *testing.T) {
	occ := NewOccupancyDB(10, 10)
	require.True(t, occ.EnoughHeapSpace(10))
	require.False(t, occ.EnoughHeapSpace(11))
	occ.AddHeap(5)
	require.EqualValues(t, 5, occ.HeapOccupancy())
	require.True(t, occ.EnoughHeapSpace(5))
	require.False(t, occ.EnoughHeapSpace(6))
}
