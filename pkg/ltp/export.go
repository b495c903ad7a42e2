package ltp

import (
	"sync"

	"github.com/go-dtn/ion/internal/heap"
	"github.com/go-dtn/ion/pkg/zco"
)

// ExportState is one of the sender-side states of §4.3.2.
type ExportState int

const (
	ExportIdle ExportState = iota
	ExportFilling
	ExportAwaitingReport
	ExportTransmitting
	ExportClosed
	ExportCancelled
)

// redFragment is one outstanding red-part data segment the sender has
// emitted (or re-emitted), tracked so the sender can answer a report's
// gap list with exactly the missing bytes.
type redFragment struct {
	offset uint64
	length uint64
}

// ExportSession is the sender side of one LTP block transfer (§3.3).
type ExportSession struct {
	mu sync.Mutex

	Session  SessionID
	ClientID uint64
	Span     *Span

	block *zco.Zco // client service data, source-delimited

	redFragments   []redFragment
	greenSent      bool
	checkpointSer  uint64
	nextSerial     uint64
	retransmits    int
	maxRetransmit  int
	expectedRTTSec int64

	State ExportState

	// Notices is how the engine tells its client about terminal events
	// (§4.3.2: ExportSessionComplete, ExportSessionCanceled).
	Notices chan ExportNotice

	// recList/recNode locate this session's "ltpSessions" DH record, set
	// by the engine right after creation; retireSession deletes that
	// record on a terminal transition and leaves these fields as they are.
	recList heap.ListID
	recNode heap.NodeID
}

// ExportNoticeKind distinguishes the two terminal notices a client can
// receive for an ExportSession.
type ExportNoticeKind int

const (
	ExportSessionComplete ExportNoticeKind = iota
	ExportSessionCanceled
)

type ExportNotice struct {
	Kind    ExportNoticeKind
	Session SessionID
	Reason  CancelReason
}

// NewExportSession creates a session in state Filling, ready to accept
// client service data into block via further Zco appends performed by
// the caller before calling EOB.
func NewExportSession(session SessionID, clientID uint64, span *Span, block *zco.Zco, maxRetransmit int, expectedRTTSec int64) *ExportSession {
	return &ExportSession{
		Session:        session,
		ClientID:       clientID,
		Span:           span,
		block:          block,
		maxRetransmit:  maxRetransmit,
		expectedRTTSec: expectedRTTSec,
		State:          ExportFilling,
		Notices:        make(chan ExportNotice, 1),
	}
}

// EOB marks the end of the block: emits all red-part data segments, the
// last one as a checkpoint with a fresh serial, then any green-part
// segments, and enters Awaiting-Report (§4.3.2).
func (es *ExportSession) EOB(txn *heap.Txn, now int64, timers *timerSet, redLength, totalLength uint64) error {
	es.mu.Lock()
	defer es.mu.Unlock()

	maxSeg := uint64(es.Span.MaxSegmentSize)
	var offset uint64
	for offset < redLength {
		length := minU64(maxSeg, redLength-offset)
		last := offset+length >= redLength
		seg := &Segment{
			Type:     SegRedData,
			Session:  es.Session,
			ClientID: es.ClientID,
			Offset:   offset,
			Length:   length,
		}
		if last {
			seg.Type = SegRedCheckpoint
			es.nextSerial++
			seg.IsCheckpoint = true
			seg.CheckpointSerial = es.nextSerial
			es.checkpointSer = es.nextSerial
		}
		payload, err := es.readBlockRange(txn, offset, length)
		if err != nil {
			return err
		}
		seg.Payload = payload
		es.redFragments = append(es.redFragments, redFragment{offset, length})
		if err := es.Span.EnqueueOutboundSegment(seg.Encode()); err != nil {
			return err
		}
		offset += length
	}

	for offset < totalLength {
		length := minU64(maxSeg, totalLength-offset)
		last := offset+length >= totalLength
		seg := &Segment{
			Type:     SegGreenData,
			Session:  es.Session,
			ClientID: es.ClientID,
			Offset:   offset,
			Length:   length,
		}
		if last {
			seg.Type = SegGreenEOB
			seg.IsEOB = true
		}
		payload, err := es.readBlockRange(txn, offset, length)
		if err != nil {
			return err
		}
		seg.Payload = payload
		if err := es.Span.EnqueueOutboundSegment(seg.Encode()); err != nil {
			return err
		}
		offset += length
	}
	es.greenSent = true
	es.State = ExportAwaitingReport
	timers.Set(es.Session, es.checkpointSer, TimerCheckpoint, now+es.expectedRTTSec)
	return nil
}

func (es *ExportSession) readBlockRange(txn *heap.Txn, offset, length uint64) ([]byte, error) {
	r := zco.NewReader(es.block, zco.ModeReceiveSource)
	r.Seek(int64(offset))
	buf := make([]byte, length)
	n, err := r.ReceiveSource(txn, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// HandleReport processes a report segment: acks it, retransmits any
// gapped fragments, and either rearms the timer with a fresh checkpoint
// or completes the session (§4.3.2).
func (es *ExportSession) HandleReport(txn *heap.Txn, now int64, timers *timerSet, seg *Segment) error {
	es.mu.Lock()
	defer es.mu.Unlock()

	ack := &Segment{Type: SegReportAck, Session: es.Session, AckSerial: seg.RptSerial}
	if err := es.Span.EnqueueOutboundSegment(ack.Encode()); err != nil {
		return err
	}

	gaps := invertClaims(seg.LowerBound, seg.UpperBound, seg.Claims)
	if len(gaps) == 0 {
		es.State = ExportClosed
		timers.CancelSession(es.Session)
		if err := es.destroyLocked(txn); err != nil {
			return err
		}
		es.Notices <- ExportNotice{Kind: ExportSessionComplete, Session: es.Session}
		return nil
	}

	maxSeg := uint64(es.Span.MaxSegmentSize)
	for _, g := range gaps {
		offset := g.offset
		for offset < g.offset+g.length {
			length := minU64(maxSeg, g.offset+g.length-offset)
			payload, err := es.readBlockRange(txn, offset, length)
			if err != nil {
				return err
			}
			rseg := &Segment{Type: SegRedData, Session: es.Session, ClientID: es.ClientID, Offset: offset, Length: length, Payload: payload}
			if err := es.Span.EnqueueOutboundSegment(rseg.Encode()); err != nil {
				return err
			}
			offset += length
		}
	}

	es.nextSerial++
	es.checkpointSer = es.nextSerial
	last := gaps[len(gaps)-1]
	ckpt := &Segment{
		Type: SegRedCheckpoint, Session: es.Session, ClientID: es.ClientID,
		Offset: last.offset, Length: last.length, IsCheckpoint: true,
		CheckpointSerial: es.nextSerial, ReportSerial: seg.RptSerial,
	}
	payload, err := es.readBlockRange(txn, last.offset, last.length)
	if err != nil {
		return err
	}
	ckpt.Payload = payload
	if err := es.Span.EnqueueOutboundSegment(ckpt.Encode()); err != nil {
		return err
	}
	timers.Set(es.Session, es.checkpointSer, TimerCheckpoint, now+es.expectedRTTSec)
	return nil
}

// HandleTimerExpiry re-emits the outstanding checkpoint or gives up and
// cancels the session once max-retransmit is exceeded (§4.3.2, §8
// invariant 7).
func (es *ExportSession) HandleTimerExpiry(txn *heap.Txn, now int64, timers *timerSet) error {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.State == ExportClosed || es.State == ExportCancelled {
		return nil
	}
	es.retransmits++
	if es.retransmits > es.maxRetransmit {
		return es.cancelLocked(txn, timers, ReasonRLEXC)
	}
	seg := &Segment{
		Type: SegRedCheckpoint, Session: es.Session, ClientID: es.ClientID,
		IsCheckpoint: true, CheckpointSerial: es.checkpointSer,
	}
	if err := es.Span.EnqueueOutboundSegment(seg.Encode()); err != nil {
		return err
	}
	timers.Set(es.Session, es.checkpointSer, TimerCheckpoint, now+es.expectedRTTSec)
	return nil
}

// HandleCancelByReceiver acks the cancellation and transitions to
// Cancelled (§4.3.2).
func (es *ExportSession) HandleCancelByReceiver(txn *heap.Txn, timers *timerSet, reason CancelReason) error {
	es.mu.Lock()
	defer es.mu.Unlock()
	ack := &Segment{Type: SegCancelAck, Session: es.Session}
	if err := es.Span.EnqueueOutboundSegment(ack.Encode()); err != nil {
		return err
	}
	es.State = ExportCancelled
	timers.CancelSession(es.Session)
	if err := es.destroyLocked(txn); err != nil {
		return err
	}
	es.Notices <- ExportNotice{Kind: ExportSessionCanceled, Session: es.Session, Reason: reason}
	return nil
}

func (es *ExportSession) cancelLocked(txn *heap.Txn, timers *timerSet, reason CancelReason) error {
	seg := &Segment{Type: SegCancelSender, Session: es.Session, Reason: reason}
	if err := es.Span.EnqueueOutboundSegment(seg.Encode()); err != nil {
		return err
	}
	es.State = ExportCancelled
	timers.CancelSession(es.Session)
	if err := es.destroyLocked(txn); err != nil {
		return err
	}
	es.Notices <- ExportNotice{Kind: ExportSessionCanceled, Session: es.Session, Reason: reason}
	return nil
}

// destroyLocked releases the session's block (§4.2.3 semantics apply to
// the underlying Zco). Called with es.mu already held, on every
// transition into ExportClosed or ExportCancelled, so a session's ZCO
// occupancy is always released at the same point its state goes
// terminal.
func (es *ExportSession) destroyLocked(txn *heap.Txn) error {
	if es.block == nil {
		return nil
	}
	err := es.block.Destroy(txn)
	es.block = nil
	return err
}

type gap struct {
	offset uint64
	length uint64
}

// invertClaims turns a report's reception claim list into the gaps it
// implies over [lowerBound, upperBound).
func invertClaims(lower, upper uint64, claims []ReceptionClaim) []gap {
	var gaps []gap
	pos := lower
	for _, c := range claims {
		if c.Offset > pos {
			gaps = append(gaps, gap{offset: pos, length: c.Offset - pos})
		}
		if c.Offset+c.Length > pos {
			pos = c.Offset + c.Length
		}
	}
	if pos < upper {
		gaps = append(gaps, gap{offset: pos, length: upper - pos})
	}
	return gaps
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
