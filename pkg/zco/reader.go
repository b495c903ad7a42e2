package zco

import (
	"github.com/go-dtn/ion/internal/heap"
)

// fillChar is returned in place of unreadable file bytes during a
// degraded read (§4.2.2, §7): a space, matching the teacher's convention
// of never returning garbage memory to a caller on a partial failure.
const fillChar = 0x20

// ReadMode selects which region of a Zco a Reader walks (§4.2.2).
type ReadMode int

const (
	ModeTransmit ReadMode = iota
	ModeReceiveHeaders
	ModeReceiveSource
	ModeReceiveTrailers
)

// Reader is a cursor over one region of a Zco. Transmit mode walks
// headers, then source extents, then trailers, in order, as one
// concatenated stream; the three Receive modes each walk a single region
// independently, so a protocol engine can read headers and trailers
// separately from the source octets they frame.
type Reader struct {
	z    *Zco
	mode ReadMode
	pos  int64 // byte offset within the selected region
}

// NewReader creates a Reader positioned at the start of the given region.
func NewReader(z *Zco, mode ReadMode) *Reader {
	return &Reader{z: z, mode: mode}
}

func capsulesLength(capsules []*Capsule) int64 {
	var n int64
	for _, c := range capsules {
		n += int64(len(c.bytes))
	}
	return n
}

func (r *Reader) regionLength() int64 {
	switch r.mode {
	case ModeReceiveHeaders:
		return capsulesLength(r.z.headers)
	case ModeReceiveSource:
		return r.z.extentBytesTotal()
	case ModeReceiveTrailers:
		return capsulesLength(r.z.trailers)
	default:
		return capsulesLength(r.z.headers) + r.z.extentBytesTotal() + capsulesLength(r.z.trailers)
	}
}

// Transmit reads up to len(buf) bytes starting at the current cursor,
// walking capsules then extents in transmit order, advancing the cursor
// by the number of bytes actually transferred. A degraded file read
// stops the transfer at the start of the unreadable extent: the caller
// gets a short read (no error) and must retry once the source recovers,
// per §4.2.2 — the fill bytes themselves are never counted as
// transferred, so a caller can't mistake filler for real payload.
func (r *Reader) Transmit(txn *heap.Txn, buf []byte) (int, error) {
	r.mode = ModeTransmit
	z := r.z

	z.mu.Lock()
	headers := append([]*Capsule(nil), z.headers...)
	extents := append([]*Extent(nil), z.extents...)
	trailers := append([]*Capsule(nil), z.trailers...)
	z.mu.Unlock()

	hLen := capsulesLength(headers)
	eLen := extentsLength(extents)

	var total int
	remaining := buf
	pos := r.pos

	if pos < hLen {
		n := readCapsulesAt(headers, pos, remaining)
		total += n
		remaining = remaining[n:]
		pos += int64(n)
	}
	if len(remaining) > 0 && pos >= hLen && pos < hLen+eLen {
		n, err := readExtentsAt(txn, extents, pos-hLen, remaining, true)
		if err != nil {
			r.pos += int64(total)
			return total, err
		}
		total += n
		remaining = remaining[n:]
		pos += int64(n)
	}
	if len(remaining) > 0 && pos >= hLen+eLen {
		n := readCapsulesAt(trailers, pos-hLen-eLen, remaining)
		total += n
		pos += int64(n)
	}
	r.pos = pos
	return total, nil
}

// ReceiveHeaders reads up to len(buf) header bytes from the current
// cursor.
func (r *Reader) ReceiveHeaders(buf []byte) (int, error) {
	r.mode = ModeReceiveHeaders
	n := readCapsulesAt(r.z.headers, r.pos, buf)
	r.pos += int64(n)
	return n, nil
}

// ReceiveTrailers reads up to len(buf) trailer bytes from the current
// cursor.
func (r *Reader) ReceiveTrailers(buf []byte) (int, error) {
	r.mode = ModeReceiveTrailers
	n := readCapsulesAt(r.z.trailers, r.pos, buf)
	r.pos += int64(n)
	return n, nil
}

// ReceiveSource reads up to len(buf) source-extent bytes from the
// current cursor, degrading gracefully on file mutation exactly as
// Transmit does.
func (r *Reader) ReceiveSource(txn *heap.Txn, buf []byte) (int, error) {
	r.mode = ModeReceiveSource
	z := r.z
	z.mu.Lock()
	extents := append([]*Extent(nil), z.extents...)
	z.mu.Unlock()

	n, err := readExtentsAt(txn, extents, r.pos, buf, true)
	r.pos += int64(n)
	return n, err
}

func extentsLength(extents []*Extent) int64 {
	var n int64
	for _, e := range extents {
		n += e.Length
	}
	return n
}

// readCapsulesAt copies up to len(buf) bytes starting at byte offset pos
// within the concatenation of capsules, without mutating any cursor.
func readCapsulesAt(capsules []*Capsule, pos int64, buf []byte) int {
	var written int
	for _, c := range capsules {
		if written >= len(buf) {
			break
		}
		clen := int64(len(c.bytes))
		if pos >= clen {
			pos -= clen
			continue
		}
		n := copy(buf[written:], c.bytes[pos:])
		written += n
		pos = 0
	}
	return written
}

// readExtentsAt copies up to len(buf) bytes starting at byte offset pos
// within the concatenation of extents, degrading a mutated file source
// to fillChar rather than failing outright.
func readExtentsAt(txn *heap.Txn, extents []*Extent, pos int64, buf []byte, degrade bool) (int, error) {
	var written int
	for _, e := range extents {
		if written >= len(buf) {
			break
		}
		if pos >= e.Length {
			pos -= e.Length
			continue
		}
		avail := e.Length - pos
		want := int64(len(buf) - written)
		if want > avail {
			want = avail
		}
		dst := buf[written : written+int(want)]

		switch e.Medium {
		case MediumHeap:
			obj := make([]byte, e.Sdr.Length)
			n, err := e.Sdr.read(txn, obj)
			if err != nil {
				return written, err
			}
			start := e.Offset + pos
			if start > int64(n) {
				start = int64(n)
			}
			written += copy(dst, obj[start:n])
		case MediumFile:
			n, ok := e.File.degradedRead(e.Offset+pos, dst)
			if !ok && degrade {
				// Fill the caller's buffer so it never carries stale or
				// uninitialized memory, but do not count the fill bytes
				// as transferred: the caller must see a short read and
				// treat the source as degraded rather than complete.
				for i := range dst {
					dst[i] = fillChar
				}
				return written, nil
			}
			written += n
		}
		pos = 0
	}
	return written, nil
}

// Remaining reports how many bytes are left to read in the selected
// region from the current cursor.
func (r *Reader) Remaining() int64 {
	total := r.regionLength()
	if r.pos >= total {
		return 0
	}
	return total - r.pos
}

// Seek repositions the cursor within the selected region.
func (r *Reader) Seek(offset int64) {
	r.pos = offset
}
