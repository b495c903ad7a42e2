package zco

import (
	"sync"

	"github.com/go-dtn/ion/internal/heap"
)

// SdrRef is a reference-counted descriptor of a heap byte array (§3.2): a
// location, its length, and how many extents across all live ZCOs cite it.
type SdrRef struct {
	mu       sync.Mutex
	Location heap.Location
	Length   int
	RefCount int
}

// newSdrRef allocates a heap object holding data and wraps it with an
// initial reference count of 1, accounting its size against heap
// occupancy (§4.2.1, "Medium Heap (first reference)").
func newSdrRef(txn *heap.Txn, occ *OccupancyDB, data []byte) (*SdrRef, error) {
	loc, err := txn.Malloc(len(data))
	if err != nil {
		return nil, err
	}
	if err := txn.Write(loc, data); err != nil {
		return nil, err
	}
	if err := occ.AddHeapTxn(txn, int64(len(data))); err != nil {
		return nil, err
	}
	return &SdrRef{Location: loc, Length: len(data), RefCount: 1}, nil
}

func (s *SdrRef) incRef() {
	s.mu.Lock()
	s.RefCount++
	s.mu.Unlock()
}

// decRef decrements the reference count and, when it reaches zero, frees
// the backing heap object and reduces heap occupancy by its size (§4.2.3,
// invariant 3).
func (s *SdrRef) decRef(txn *heap.Txn, occ *OccupancyDB) error {
	s.mu.Lock()
	s.RefCount--
	shouldFree := s.RefCount == 0
	length := s.Length
	loc := s.Location
	s.mu.Unlock()
	if !shouldFree {
		return nil
	}
	if err := txn.Free(loc); err != nil {
		return err
	}
	return occ.AddHeapTxn(txn, int64(-length))
}

func (s *SdrRef) read(txn *heap.Txn, buf []byte) (int, error) {
	return txn.Read(s.Location, buf)
}

func (s *SdrRef) snap(h *heap.Heap, buf []byte) (int, error) {
	return h.Snap(s.Location, buf)
}
