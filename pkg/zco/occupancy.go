// Package zco implements the Zero-Copy Object engine of §4.2: composite
// buffers layered over file extents and heap extents, with per-reference
// counts, header/trailer capsule chains, independent reader cursors, and
// space-accounting against configurable caps.
package zco

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-dtn/ion/internal/heap"
)

// occupancyCatalogName is the DH catalog entry an OccupancyDB mirrors its
// two running totals under, so a restarted engine resumes accounting
// against the same caps instead of trusting an in-process zero (§6
// "Persisted state layout").
const occupancyCatalogName = "zcodb"

// OccupancyDB tracks the two running totals the spec calls out — heap
// bytes and file bytes consumed by all live ZCOs — against independently
// configurable caps. Int64 plays the role of the spec's "wide-integer
// (scalar) representation": at a cap above 2^31 (the case the spec flags
// as needing extra width) int64 still has 61 bits of headroom, which is
// enough for any file-system- or heap-file-backed cap a single host could
// actually reach.
//
// When dh is non-nil, AddHeapTxn/AddFileTxn additionally write the updated
// totals to the "zcodb" record inside the caller's transaction; AddHeap/
// AddFile (no txn in scope at their call sites) do the same inside a
// transaction they open themselves.
type OccupancyDB struct {
	mu sync.Mutex

	heapOccupancy int64
	heapCap       int64
	fileOccupancy int64
	fileCap       int64

	dh  *heap.Heap
	loc heap.Location
}

// NewOccupancyDB creates an in-process-only OccupancyDB with the given
// caps. A cap of 0 means unlimited (treated as 2^62-1 internally).
func NewOccupancyDB(heapCap, fileCap int64) *OccupancyDB {
	if heapCap == 0 {
		heapCap = 1<<62 - 1
	}
	if fileCap == 0 {
		fileCap = 1<<62 - 1
	}
	return &OccupancyDB{heapCap: heapCap, fileCap: fileCap}
}

// OpenOccupancyDB creates an OccupancyDB backed by dh's "zcodb" catalog
// entry: an existing record is loaded as the starting occupancy (picking
// up where a prior run left off), otherwise a fresh zeroed 16-byte record
// (heapOccupancy int64 big-endian, fileOccupancy int64 big-endian) is
// allocated and catalogued.
func OpenOccupancyDB(dh *heap.Heap, heapCap, fileCap int64) (*OccupancyDB, error) {
	o := NewOccupancyDB(heapCap, fileCap)
	o.dh = dh

	txn, err := dh.Begin()
	if err != nil {
		return nil, err
	}
	loc, err := txn.Find(occupancyCatalogName)
	if err == heap.ErrNotFound {
		loc, err = txn.Malloc(16)
		if err != nil {
			txn.Cancel()
			return nil, err
		}
		if err := txn.Write(loc, make([]byte, 16)); err != nil {
			txn.Cancel()
			return nil, err
		}
		if err := txn.Catlg(occupancyCatalogName, loc); err != nil {
			txn.Cancel()
			return nil, err
		}
	} else if err != nil {
		txn.Cancel()
		return nil, err
	} else {
		b := make([]byte, 16)
		if _, err := txn.Read(loc, b); err != nil {
			txn.Cancel()
			return nil, err
		}
		o.heapOccupancy = int64(binary.BigEndian.Uint64(b[0:8]))
		o.fileOccupancy = int64(binary.BigEndian.Uint64(b[8:16]))
	}
	o.loc = loc
	if err := txn.End(); err != nil {
		return nil, err
	}
	return o, nil
}

var ErrOutOfSpace = errors.New("zco: out of space")

func (o *OccupancyDB) EnoughHeapSpace(n int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.heapOccupancy+n <= o.heapCap
}

func (o *OccupancyDB) EnoughFileSpace(n int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fileOccupancy+n <= o.fileCap
}

// persistLocked writes the current totals to the "zcodb" record inside
// txn. Called with o.mu held; a nil dh (never opened against a heap) is a
// no-op.
func (o *OccupancyDB) persistLocked(txn *heap.Txn) error {
	if o.dh == nil {
		return nil
	}
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], uint64(o.heapOccupancy))
	binary.BigEndian.PutUint64(b[8:16], uint64(o.fileOccupancy))
	return txn.Write(o.loc, b)
}

// AddHeapTxn adjusts the heap occupancy total and, if this OccupancyDB is
// DH-backed, writes the new total inside the caller's already-open txn.
// Used by call sites that already hold a transaction for the ZCO mutation
// the occupancy change accompanies.
func (o *OccupancyDB) AddHeapTxn(txn *heap.Txn, n int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.heapOccupancy += n
	return o.persistLocked(txn)
}

// AddFileTxn is AddHeapTxn for the file occupancy total.
func (o *OccupancyDB) AddFileTxn(txn *heap.Txn, n int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fileOccupancy += n
	return o.persistLocked(txn)
}

// AddHeap is AddHeapTxn for call sites with no transaction already open;
// it begins and ends its own when DH-backed.
func (o *OccupancyDB) AddHeap(n int64) error {
	if o.dh == nil {
		o.mu.Lock()
		o.heapOccupancy += n
		o.mu.Unlock()
		return nil
	}
	txn, err := o.dh.Begin()
	if err != nil {
		return err
	}
	if err := o.AddHeapTxn(txn, n); err != nil {
		txn.Cancel()
		return err
	}
	return txn.End()
}

// AddFile is AddHeap for the file occupancy total.
func (o *OccupancyDB) AddFile(n int64) error {
	if o.dh == nil {
		o.mu.Lock()
		o.fileOccupancy += n
		o.mu.Unlock()
		return nil
	}
	txn, err := o.dh.Begin()
	if err != nil {
		return err
	}
	if err := o.AddFileTxn(txn, n); err != nil {
		txn.Cancel()
		return err
	}
	return txn.End()
}

func (o *OccupancyDB) HeapOccupancy() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.heapOccupancy
}

func (o *OccupancyDB) FileOccupancy() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fileOccupancy
}
