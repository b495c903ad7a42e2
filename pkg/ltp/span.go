package ltp

import (
	"sync"

	"github.com/go-dtn/ion/internal/ipc"
)

// Span is the per-peer configuration and outbound queue described in
// §3.3: everything an engine needs to talk to one remote LTP engine over
// one convergence-layer link.
type Span struct {
	RemoteEngine      uint64
	MaxSegmentSize    int
	MaxExportSessions int
	MaxImportSessions int

	// AggregationSizeLimit flushes the span's pending export block via
	// EOB as soon as it reaches this many bytes; zero disables the
	// size-triggered flush (only an explicit EOB/Aggregate-driven flush
	// applies).
	AggregationSizeLimit int64

	// AggregationTimeoutSec flushes the span's pending export block
	// after this many seconds with no new Aggregate call, even below
	// AggregationSizeLimit (ION's ltpclock.c idle flush, §C.2 of the
	// expanded spec). Zero disables the idle-triggered flush.
	AggregationTimeoutSec int64

	RemoteMaxBlock int64

	mu       sync.Mutex
	outbound [][]byte
	ready    *ipc.Semaphore
}

// NewSpan creates a Span with an initially-empty outbound queue and its
// own segment-ready semaphore (§3.3).
func NewSpan(remoteEngine uint64, maxSegmentSize int) *Span {
	return &Span{
		RemoteEngine:      remoteEngine,
		MaxSegmentSize:    maxSegmentSize,
		MaxExportSessions: 1,
		MaxImportSessions: 1,
		ready:             ipc.NewSemaphore("", 0, ipc.FIFO),
	}
}

// EnqueueOutboundSegment appends an already-encoded segment to the
// span's FIFO and signals the LSO. Ordering within one span is FIFO
// (§5, "Ordering").
func (sp *Span) EnqueueOutboundSegment(encoded []byte) error {
	if len(encoded) > sp.MaxSegmentSize {
		return ErrSegmentTooLarge
	}
	sp.mu.Lock()
	sp.outbound = append(sp.outbound, encoded)
	sp.mu.Unlock()
	sp.ready.Give()
	return nil
}

// DequeueOutboundSegment blocks on the span's segment-ready semaphore
// until a segment is available or the semaphore is ended, mirroring
// `dequeue_outbound_segment` (§4.3.4): ok is false when the span is
// shutting down.
func (sp *Span) DequeueOutboundSegment() (segment []byte, ok bool) {
	if sp.ready.Take() == ipc.Ended {
		return nil, false
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if len(sp.outbound) == 0 {
		return nil, false
	}
	seg := sp.outbound[0]
	sp.outbound = sp.outbound[1:]
	return seg, true
}

// Shutdown ends the segment-ready semaphore, waking the LSO with an
// ended indication so it can drain and exit (§5, "Cancellation").
func (sp *Span) Shutdown() {
	sp.ready.End()
}
