package ltp

import (
	"sort"
	"sync"

	"github.com/go-dtn/ion/internal/heap"
	"github.com/go-dtn/ion/pkg/zco"
)

// ImportState is one of the receiver-side states of §4.3.3.
type ImportState int

const (
	ImportIdle ImportState = iota
	ImportReceiving
	ImportComplete
	ImportCancelled
)

// interval is a half-open [Begin, End) byte range.
type interval struct {
	Begin uint64
	End   uint64
}

type redFragmentData struct {
	offset uint64
	data   []byte
}

// ImportSession is the receiver side of one LTP block transfer (§3.3).
// Red fragments are held offset-tagged until the red part is complete,
// then assembled into a single Zco in byte order — segments can and do
// arrive out of order (retransmission fills an earlier gap after later
// segments have already been seen), and Zco's extent list is append-only,
// so the final ordering can only be established once reassembly is known
// to be done.
type ImportSession struct {
	mu sync.Mutex

	Session      SessionID
	ClientID     uint64
	Span         *Span
	SourceEngine uint64

	occ *zco.OccupancyDB

	fragments []redFragmentData
	gaps      []interval // sorted, disjoint, over [0, eobSize) once known
	eobSeen   bool
	eobSize   uint64

	// greenEOBSeen tracks the green-part EOB offset separately from the
	// red part's, since green segments can race ahead of or lag behind
	// red ones (ION's ltpei.c); a GreenPartComplete notice fires off of
	// it independently of RecvRedPart/ImportComplete, which still gate
	// only on the red part per §4.3.3.
	greenEOBSeen bool

	reportSerial   uint64
	retransmits    int
	maxRetransmit  int
	expectedRTTSec int64

	State ImportState

	Notices chan ImportNotice

	// recList/recNode locate this session's "ltpSessions" DH record, set
	// by the engine right after creation; retireSession deletes that
	// record on a terminal transition and leaves these fields as they are.
	recList heap.ListID
	recNode heap.NodeID
}

type ImportNoticeKind int

const (
	RecvRedPart ImportNoticeKind = iota
	RecvGreenSegment
	ImportSessionCanceled
	// GreenPartComplete fires once the green-part EOB segment has been
	// seen, independently of red-part reassembly (§C.1 of the expanded
	// spec): a client that cares whether any more green segments are
	// still in flight watches for this rather than inferring it from
	// RecvRedPart.
	GreenPartComplete
)

type ImportNotice struct {
	Kind    ImportNoticeKind
	Session SessionID
	Data    *zco.Zco
	Payload []byte
	Reason  CancelReason
}

// NewImportSession opens a session on the first data segment received
// for (sourceEngine, sessionNumber) (§4.3.3).
func NewImportSession(session SessionID, clientID uint64, sourceEngine uint64, span *Span, occ *zco.OccupancyDB, maxRetransmit int, expectedRTTSec int64) *ImportSession {
	return &ImportSession{
		Session:        session,
		ClientID:       clientID,
		SourceEngine:   sourceEngine,
		Span:           span,
		occ:            occ,
		gaps:           []interval{{Begin: 0, End: ^uint64(0)}},
		maxRetransmit:  maxRetransmit,
		expectedRTTSec: expectedRTTSec,
		State:          ImportReceiving,
		Notices:        make(chan ImportNotice, 1),
	}
}

// HandleDataSegment inserts a red fragment into the gap set or delivers
// a green segment opportunistically (§4.3.3).
func (is *ImportSession) HandleDataSegment(txn *heap.Txn, timers *timerSet, now int64, seg *Segment) error {
	is.mu.Lock()
	defer is.mu.Unlock()

	if isGreen(seg.Type) {
		is.Notices <- ImportNotice{Kind: RecvGreenSegment, Session: is.Session, Payload: seg.Payload}
		if seg.IsEOB {
			is.greenEOBSeen = true
			is.Notices <- ImportNotice{Kind: GreenPartComplete, Session: is.Session}
		}
		return nil
	}

	is.fragments = append(is.fragments, redFragmentData{offset: seg.Offset, data: seg.Payload})
	is.fillGap(seg.Offset, seg.Offset+seg.Length)
	if seg.IsCheckpoint {
		is.eobSeen = true
		is.eobSize = seg.Offset + seg.Length
		return is.emitReport(txn, timers, now, seg.CheckpointSerial)
	}
	return nil
}

// fillGap removes [begin, end) from the outstanding gap set.
func (is *ImportSession) fillGap(begin, end uint64) {
	var out []interval
	for _, g := range is.gaps {
		if end <= g.Begin || begin >= g.End {
			out = append(out, g)
			continue
		}
		if begin > g.Begin {
			out = append(out, interval{Begin: g.Begin, End: begin})
		}
		if end < g.End {
			out = append(out, interval{Begin: end, End: g.End})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Begin < out[j].Begin })
	is.gaps = out
}

// gapsBelow reports the outstanding gaps with End capped at bound,
// dropping the open-ended sentinel once EOB establishes a real bound.
func (is *ImportSession) gapsBelow(bound uint64) []interval {
	var out []interval
	for _, g := range is.gaps {
		if g.Begin >= bound {
			continue
		}
		e := g.End
		if e > bound {
			e = bound
		}
		out = append(out, interval{Begin: g.Begin, End: e})
	}
	return out
}

func (is *ImportSession) emitReport(txn *heap.Txn, timers *timerSet, now int64, checkpointSerial uint64) error {
	bound := is.eobSize
	if !is.eobSeen {
		bound = ^uint64(0)
	}
	gaps := is.gapsBelow(bound)

	is.reportSerial++
	report := &Segment{
		Type: SegReport, Session: is.Session,
		RptSerial: is.reportSerial, RptCkptSerial: checkpointSerial,
		LowerBound: 0, UpperBound: bound,
	}
	for _, g := range gaps {
		report.Claims = append(report.Claims, ReceptionClaim{Offset: g.Begin, Length: g.End - g.Begin})
	}
	if err := is.Span.EnqueueOutboundSegment(report.Encode()); err != nil {
		return err
	}

	if len(gaps) == 0 && is.eobSeen {
		block, err := is.assembleLocked(txn)
		if err != nil {
			return err
		}
		is.State = ImportComplete
		timers.CancelSession(is.Session)
		is.Notices <- ImportNotice{Kind: RecvRedPart, Session: is.Session, Data: block}
		return nil
	}
	timers.Set(is.Session, is.reportSerial, TimerReport, now+is.expectedRTTSec)
	return nil
}

// assembleLocked builds the final reassembled Zco from the session's red
// fragments in byte order. Called with is.mu held.
func (is *ImportSession) assembleLocked(txn *heap.Txn) (*zco.Zco, error) {
	sort.Slice(is.fragments, func(i, j int) bool { return is.fragments[i].offset < is.fragments[j].offset })
	z, err := zco.Create(txn, is.occ, nil)
	if err != nil {
		return nil, err
	}
	for _, f := range is.fragments {
		if err := z.AppendExtentHeap(txn, f.data); err != nil {
			return nil, err
		}
	}
	return z, nil
}

// HandleReportAckTimerExpiry re-emits the most recent report or gives up
// past max-retransmit (§4.3.3).
func (is *ImportSession) HandleReportAckTimerExpiry(txn *heap.Txn, now int64, timers *timerSet) error {
	is.mu.Lock()
	defer is.mu.Unlock()
	if is.State != ImportReceiving {
		return nil
	}
	is.retransmits++
	if is.retransmits > is.maxRetransmit {
		seg := &Segment{Type: SegCancelReceiver, Session: is.Session, Reason: ReasonRLEXC}
		if err := is.Span.EnqueueOutboundSegment(seg.Encode()); err != nil {
			return err
		}
		is.State = ImportCancelled
		timers.CancelSession(is.Session)
		return nil
	}
	return is.emitReport(txn, timers, now, is.reportSerial)
}

// HandleCancelBySender acks and releases any partial reassembly state
// (§4.3.3); nothing has been committed to a Zco yet, so there is nothing
// further to destroy beyond discarding the fragment buffer.
func (is *ImportSession) HandleCancelBySender(txn *heap.Txn, timers *timerSet, reason CancelReason) error {
	is.mu.Lock()
	defer is.mu.Unlock()
	ack := &Segment{Type: SegCancelAck, Session: is.Session}
	if err := is.Span.EnqueueOutboundSegment(ack.Encode()); err != nil {
		return err
	}
	is.State = ImportCancelled
	timers.CancelSession(is.Session)
	is.fragments = nil
	is.Notices <- ImportNotice{Kind: ImportSessionCanceled, Session: is.Session, Reason: reason}
	return nil
}
