package zco

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/go-dtn/ion/internal/heap"
)

// ErrInvalid and ErrOutOfSpace are the two boundary-behavior errors §4.2.1
// calls out for AppendExtent.
var ErrInvalid = errors.New("zco: invalid append (zero location xor zero length)")

// Zco is the composite buffer graph of §3.2: ordered header capsules,
// ordered source extents, ordered trailer capsules, plus the counters that
// partition the concatenated extent bytes into header/source/trailer
// regions as discovered by DelimitSource.
//
// Capsule bytes, unlike FileRef/SdrRef payload bytes, are kept as an
// in-process copy rather than a separate durable-heap location: capsules
// are protocol headers/trailers the spec expects to be small relative to
// source payload, so the per-allocation bookkeeping a heap.Location would
// add buys little, while still being accounted against OccupancyDB's heap
// total so the space-accounting invariants hold regardless of which form
// a given byte took.
type Zco struct {
	mu sync.Mutex

	headers  []*Capsule
	extents  []*Extent
	trailers []*Capsule

	headersLength          int64
	sourceLength           int64
	trailersLength         int64
	aggregateCapsuleLength int64
	totalLength            int64

	occ *OccupancyDB
}

// Create allocates an empty Zco. If initial is non-nil it is appended
// atomically as the first extent (§4.2.1).
func Create(txn *heap.Txn, occ *OccupancyDB, initial *Extent) (*Zco, error) {
	z := &Zco{occ: occ}
	if initial == nil {
		return z, nil
	}
	if err := z.AppendExtent(txn, initial.Medium, initial.File, initial.Sdr, initial.Offset, initial.Length); err != nil {
		return nil, err
	}
	return z, nil
}

// TotalLength returns sum(capsule lengths) + sum(extent lengths) — the
// invariant §8.1 requires holding at every transaction boundary.
func (z *Zco) TotalLength() int64 {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.totalLength
}

func (z *Zco) HeadersLength() int64 {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.headersLength
}

func (z *Zco) SourceLength() int64 {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.sourceLength
}

func (z *Zco) TrailersLength() int64 {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.trailersLength
}

func (z *Zco) extentBytesTotal() int64 {
	var total int64
	for _, e := range z.extents {
		total += e.Length
	}
	return total
}

// AppendExtentFileRef appends a File-medium extent citing fr.
func (z *Zco) AppendExtentFileRef(txn *heap.Txn, fr *FileRef, offset, length int64) error {
	return z.AppendExtent(txn, MediumFile, fr, nil, offset, length)
}

// AppendExtentHeap appends a Heap-medium extent by copying data into a
// fresh SdrRef.
func (z *Zco) AppendExtentHeap(txn *heap.Txn, data []byte) error {
	sdr, err := newSdrRef(txn, z.occ, data)
	if err != nil {
		return err
	}
	return z.AppendExtent(txn, MediumHeap, nil, sdr, 0, int64(len(data)))
}

// AppendExtentHeapClone appends a Heap-medium extent that shares an
// existing SdrRef (the "cloned" case of §4.2.1), incrementing its
// reference count instead of allocating new bytes.
func (z *Zco) AppendExtentHeapClone(sdr *SdrRef, offset, length int64) error {
	return z.AppendExtent(nil, MediumHeap, nil, sdr, offset, length)
}

// AppendExtent is the general form behind the convenience wrappers above,
// matching §4.2.1's append_extent(zco, medium, location, offset, length).
func (z *Zco) AppendExtent(txn *heap.Txn, medium Medium, fr *FileRef, sdr *SdrRef, offset, length int64) error {
	if length == 0 {
		return ErrInvalid
	}
	if medium == MediumFile && fr == nil {
		return ErrInvalid
	}
	if medium == MediumHeap && sdr == nil {
		return ErrInvalid
	}

	z.mu.Lock()
	defer z.mu.Unlock()

	switch medium {
	case MediumFile:
		fr.incRef()
		if txn != nil {
			if err := z.occ.AddFileTxn(txn, length); err != nil {
				return err
			}
		} else if err := z.occ.AddFile(length); err != nil {
			return err
		}
	case MediumHeap:
		// newSdrRef already leaves a fresh SdrRef at RefCount 1; a clone
		// of an existing one (no txn, since no new heap object is being
		// written) must bump the count itself.
		if txn == nil {
			sdr.incRef()
		}
	}

	ext := &Extent{Medium: medium, File: fr, Sdr: sdr, Offset: offset, Length: length}
	z.extents = append(z.extents, ext)
	z.sourceLength += length
	z.totalLength += length
	return nil
}

// PrependHeader allocates a Capsule with a fresh copy of data and links it
// to the head of the header list (§4.2.1).
func (z *Zco) PrependHeader(data []byte) {
	z.mu.Lock()
	defer z.mu.Unlock()
	cp := append([]byte(nil), data...)
	capsule := &Capsule{bytes: cp}
	z.headers = append([]*Capsule{capsule}, z.headers...)
	z.aggregateCapsuleLength += int64(len(cp))
	z.totalLength += int64(len(cp))
	_ = z.occ.AddHeap(int64(len(cp)))
}

// AppendTrailer allocates a Capsule with a fresh copy of data and links it
// to the tail of the trailer list.
func (z *Zco) AppendTrailer(data []byte) {
	z.mu.Lock()
	defer z.mu.Unlock()
	cp := append([]byte(nil), data...)
	capsule := &Capsule{bytes: cp}
	z.trailers = append(z.trailers, capsule)
	z.aggregateCapsuleLength += int64(len(cp))
	z.totalLength += int64(len(cp))
	_ = z.occ.AddHeap(int64(len(cp)))
}

// DiscardFirstHeader unlinks and frees the first header capsule. Paired
// with PrependHeader it is the identity on a Zco (§8 invariant 5).
func (z *Zco) DiscardFirstHeader() {
	z.mu.Lock()
	defer z.mu.Unlock()
	if len(z.headers) == 0 {
		return
	}
	h := z.headers[0]
	z.headers = z.headers[1:]
	z.aggregateCapsuleLength -= int64(len(h.bytes))
	z.totalLength -= int64(len(h.bytes))
	_ = z.occ.AddHeap(int64(-len(h.bytes)))
}

// DiscardLastTrailer unlinks and frees the last trailer capsule.
func (z *Zco) DiscardLastTrailer() {
	z.mu.Lock()
	defer z.mu.Unlock()
	n := len(z.trailers)
	if n == 0 {
		return
	}
	t := z.trailers[n-1]
	z.trailers = z.trailers[:n-1]
	z.aggregateCapsuleLength -= int64(len(t.bytes))
	z.totalLength -= int64(len(t.bytes))
	_ = z.occ.AddHeap(int64(-len(t.bytes)))
}

// DelimitSource declares the header/source/trailer partition of the
// concatenated extent bytes (§4.2.1). Fails if offset+length exceeds the
// total extent byte count.
func (z *Zco) DelimitSource(offset, length int64) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	total := z.extentBytesTotal()
	if offset+length > total {
		return errors.Errorf("zco: delimit_source out of range (offset=%d length=%d total=%d)", offset, length, total)
	}
	z.headersLength = offset
	z.sourceLength = length
	z.trailersLength = total - offset - length
	return nil
}

// Strip collapses extents to contain only source bytes: header/trailer
// regions (as declared by DelimitSource) are excised from the extent
// list, extents that become fully empty are dropped, and
// headersLength/trailersLength reset to zero.
func (z *Zco) Strip(txn *heap.Txn) error {
	z.mu.Lock()
	defer z.mu.Unlock()

	var pos int64
	newExtents := make([]*Extent, 0, len(z.extents))
	for _, e := range z.extents {
		extStart := pos
		extEnd := pos + e.Length
		pos = extEnd

		srcStart := z.headersLength
		srcEnd := z.headersLength + z.sourceLength

		lo := maxI64(extStart, srcStart)
		hi := minI64(extEnd, srcEnd)
		if lo >= hi {
			// Entirely outside the source region: drop it, releasing its
			// backing reference.
			if err := z.releaseExtent(txn, e); err != nil {
				return err
			}
			continue
		}
		trimFront := lo - extStart
		newLen := hi - lo
		e.Offset += trimFront
		e.Length = newLen
		newExtents = append(newExtents, e)
	}
	z.extents = newExtents
	z.headersLength = 0
	z.trailersLength = 0
	z.totalLength = z.aggregateCapsuleLength + z.extentBytesTotal()
	return nil
}

func (z *Zco) releaseExtent(txn *heap.Txn, e *Extent) error {
	switch e.Medium {
	case MediumFile:
		if e.File.decRef(z.occ) {
			_ = e.File // destroyed; nothing further to do here
		}
		if txn != nil {
			return z.occ.AddFileTxn(txn, -e.Length)
		}
		return z.occ.AddFile(-e.Length)
	case MediumHeap:
		if txn != nil {
			return e.Sdr.decRef(txn, z.occ)
		}
	}
	return nil
}

// Clone creates a new Zco whose extents reference the same backing objects
// as the contiguous [offset, offset+length) slice of the original's
// extent bytes, incrementing refcounts of everything it cites (§4.2.1).
func (z *Zco) Clone(txn *heap.Txn, offset, length int64) (*Zco, error) {
	z.mu.Lock()
	defer z.mu.Unlock()

	limit := z.sourceLength + z.headersLength + z.trailersLength
	if offset+length > limit {
		return nil, errors.Errorf("zco: clone range exceeds extent bytes (offset=%d length=%d limit=%d)", offset, length, limit)
	}

	out := &Zco{occ: z.occ}
	var pos int64
	remaining := length
	skip := offset
	for _, e := range z.extents {
		if remaining <= 0 {
			break
		}
		extStart := pos
		extLen := e.Length
		pos += extLen

		if skip >= extLen {
			skip -= extLen
			continue
		}
		thisOffset := e.Offset + skip
		avail := extLen - skip
		skip = 0
		take := avail
		if take > remaining {
			take = remaining
		}
		remaining -= take

		switch e.Medium {
		case MediumFile:
			e.File.incRef()
			out.extents = append(out.extents, &Extent{Medium: MediumFile, File: e.File, Offset: thisOffset, Length: take})
			if txn != nil {
				if err := out.occ.AddFileTxn(txn, take); err != nil {
					return nil, err
				}
			} else if err := out.occ.AddFile(take); err != nil {
				return nil, err
			}
		case MediumHeap:
			e.Sdr.incRef()
			out.extents = append(out.extents, &Extent{Medium: MediumHeap, Sdr: e.Sdr, Offset: thisOffset, Length: take})
		}
		_ = extStart
	}
	out.sourceLength = length
	out.totalLength = length
	return out, nil
}

// Destroy releases every reference the Zco holds: heap SdrRefs (freeing
// backing bytes when their count hits zero), file FileRefs (destroying
// when eligible), and capsule bytes, then accounts the occupancy drop
// (§4.2.3, §8 invariant 3).
func (z *Zco) Destroy(txn *heap.Txn) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	for _, e := range z.extents {
		if err := z.releaseExtent(txn, e); err != nil {
			return err
		}
	}
	for _, c := range z.headers {
		if err := z.occ.AddHeapTxn(txn, int64(-len(c.bytes))); err != nil {
			return err
		}
	}
	for _, c := range z.trailers {
		if err := z.occ.AddHeapTxn(txn, int64(-len(c.bytes))); err != nil {
			return err
		}
	}
	z.extents = nil
	z.headers = nil
	z.trailers = nil
	z.headersLength, z.sourceLength, z.trailersLength = 0, 0, 0
	z.aggregateCapsuleLength, z.totalLength = 0, 0
	return nil
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
