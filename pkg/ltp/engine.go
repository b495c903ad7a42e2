package ltp

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/go-dtn/ion/internal/errmsg"
	"github.com/go-dtn/ion/internal/heap"
	"github.com/go-dtn/ion/pkg/zco"
)

func errNoSpan(remoteEngine uint64) error {
	return errors.Errorf("ltp: no span to engine %d", remoteEngine)
}

func errUnknownSession(session SessionID) error {
	return errors.Errorf("ltp: unknown session %+v", session)
}

// Engine is identified by a 64-bit engine id and owns spans to peer
// engines (§3.3). It multiplexes inbound segments to the export/import
// session they belong to, spawning import sessions on first contact, and
// runs the once-a-second clock task that scans for expired timers
// (§4.3.5).
type Engine struct {
	ID  uint64
	DH  *heap.Heap
	Occ *zco.OccupancyDB

	mu      sync.Mutex
	spans   map[uint64]*Span
	exports map[SessionID]*ExportSession
	imports map[SessionID]*ImportSession

	nextSessionNumber uint64

	timers *timerSet
	agg    *aggregationTable

	MaxRetransmit  int
	ExpectedRTTSec int64

	inbound chan inboundSegment

	// Delivered carries every import session's reassembled red part once
	// complete, so a client (e.g. a BP convergence-layer bridge) can
	// consume completed blocks from one place instead of reaching into
	// individual ImportSession.Notices channels.
	Delivered chan Delivery

	// Errs collects diagnostic context alongside the plain error returns
	// below, for a shutting-down engine to drain and log in one place.
	Errs *errmsg.Ring

	metrics engineMetrics
}

// Delivery is one reassembled block handed to Engine.Delivered.
type Delivery struct {
	SourceEngine uint64
	ClientID     uint64
	Data         *zco.Zco
}

// engineMetrics mirrors pkg/bp's forwarderMetrics shape: plain
// prometheus collectors kept unregistered by default so a caller that
// wants them exported just calls Engine.Register, without NewEngine needing a Registerer parameter.
type engineMetrics struct {
	segmentRetransmits prometheus.Counter
	sessionsCancelled  prometheus.Counter
	sessionsCompleted  prometheus.Counter
	importsReassembled prometheus.Counter
}

func newEngineMetrics() engineMetrics {
	return engineMetrics{
		segmentRetransmits: prometheus.NewCounter(prometheus.CounterOpts{Name: "ltp_segment_retransmits_total", Help: "data/report segments re-emitted after a timer expiry"}),
		sessionsCancelled:  prometheus.NewCounter(prometheus.CounterOpts{Name: "ltp_sessions_cancelled_total", Help: "export or import sessions that ended in CancelBySender/CancelByReceiver"}),
		sessionsCompleted:  prometheus.NewCounter(prometheus.CounterOpts{Name: "ltp_sessions_completed_total", Help: "export sessions that received a gap-free report"}),
		importsReassembled: prometheus.NewCounter(prometheus.CounterOpts{Name: "ltp_imports_reassembled_total", Help: "import sessions that delivered RecvRedPart"}),
	}
}

// Register attaches the engine's counters to reg, for a caller that
// exposes a Prometheus registry (mirrors bp.NewForwarder's optional
// Registerer argument, without requiring every existing NewEngine call
// site to pass one).
func (e *Engine) Register(reg prometheus.Registerer) {
	reg.MustRegister(e.metrics.segmentRetransmits, e.metrics.sessionsCancelled, e.metrics.sessionsCompleted, e.metrics.importsReassembled)
}

type inboundSegment struct {
	remoteEngine uint64
	raw          []byte
}

// NewEngine creates an Engine with no spans yet attached.
func NewEngine(id uint64, dh *heap.Heap, occ *zco.OccupancyDB) *Engine {
	return &Engine{
		ID:             id,
		DH:             dh,
		Occ:            occ,
		spans:          make(map[uint64]*Span),
		exports:        make(map[SessionID]*ExportSession),
		imports:        make(map[SessionID]*ImportSession),
		timers:         newTimerSet(),
		agg:            newAggregationTable(),
		MaxRetransmit:  5,
		ExpectedRTTSec: 10,
		inbound:        make(chan inboundSegment, 64),
		Delivered:      make(chan Delivery, 64),
		Errs:           errmsg.New(),
		metrics:        newEngineMetrics(),
	}
}

// AddSpan registers span as the engine's link to remoteEngine.
func (e *Engine) AddSpan(remoteEngine uint64, span *Span) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spans[remoteEngine] = span
}

func (e *Engine) span(remoteEngine uint64) (*Span, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sp, ok := e.spans[remoteEngine]
	return sp, ok
}

// StartExport begins a new ExportSession over the span to remoteEngine,
// carrying block (already built and source-delimited by the caller) as
// the client service data, split redLength bytes red / the remainder
// green (§4.3.2, "Filling").
func (e *Engine) StartExport(txn *heap.Txn, remoteEngine, clientID uint64, block *zco.Zco, redLength, totalLength uint64) (*ExportSession, error) {
	sp, ok := e.span(remoteEngine)
	if !ok {
		return nil, errNoSpan(remoteEngine)
	}
	e.mu.Lock()
	e.nextSessionNumber++
	session := SessionID{SourceEngine: e.ID, Number: e.nextSessionNumber}
	e.mu.Unlock()

	es := NewExportSession(session, clientID, sp, block, e.MaxRetransmit, e.ExpectedRTTSec)
	list, node, err := persistSession(txn, sessionKindExport, session, clientID)
	if err != nil {
		return nil, err
	}
	es.recList, es.recNode = list, node

	e.mu.Lock()
	e.exports[session] = es
	e.mu.Unlock()

	if err := es.EOB(txn, nowSeconds(), e.timers, redLength, totalLength); err != nil {
		return nil, err
	}
	return es, nil
}

// Deliver hands a raw segment received over a convergence layer to the
// engine for dispatch. remoteEngine is the peer the segment arrived
// from, used to find the associated span for newly-created import
// sessions.
func (e *Engine) Deliver(remoteEngine uint64, raw []byte) {
	e.inbound <- inboundSegment{remoteEngine: remoteEngine, raw: raw}
}

// Process runs the engine's dispatch loop: decode inbound segments and
// apply them to the right session, scanning timers once a second,
// matching the teacher's Process(ctx) shape of a select over an RX
// channel plus a periodic timeout (pkg/sdo/server.go).
func (e *Engine) Process(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case in := <-e.inbound:
			if err := e.handleInbound(in); err != nil {
				e.Errs.Put("Engine.handleInbound", err)
				log.Warnf("ltp: engine %d dropped inbound segment: %v", e.ID, err)
			}
		case <-ticker.C:
			e.scanTimers()
			e.sweepAggregation(nowSeconds())
		}
	}
}

func (e *Engine) handleInbound(in inboundSegment) error {
	seg, err := DecodeSegment(in.raw)
	if err != nil {
		return err
	}

	txn, err := e.DH.Begin()
	if err != nil {
		return err
	}
	defer txn.Cancel()

	switch {
	case isData(seg.Type):
		err = e.handleData(txn, in.remoteEngine, seg)
	case seg.Type == SegReport:
		err = e.handleReport(txn, seg)
	case seg.Type == SegReportAck:
		e.timers.Cancel(seg.Session, seg.AckSerial, TimerReport)
		err = nil
	case seg.Type == SegCancelSender:
		err = e.handleCancelBySender(txn, seg)
	case seg.Type == SegCancelReceiver:
		err = e.handleCancelByReceiver(txn, seg)
	case seg.Type == SegCancelAck:
		e.timers.CancelSession(seg.Session)
		err = nil
	}
	if err != nil {
		return err
	}
	return txn.End()
}

func (e *Engine) handleData(txn *heap.Txn, remoteEngine uint64, seg *Segment) error {
	e.mu.Lock()
	is, ok := e.imports[seg.Session]
	if !ok {
		sp, spanOK := e.spans[remoteEngine]
		if !spanOK {
			e.mu.Unlock()
			return errNoSpan(remoteEngine)
		}
		is = NewImportSession(seg.Session, seg.ClientID, remoteEngine, sp, e.Occ, e.MaxRetransmit, e.ExpectedRTTSec)
		list, node, err := persistSession(txn, sessionKindImport, seg.Session, seg.ClientID)
		if err != nil {
			e.mu.Unlock()
			return err
		}
		is.recList, is.recNode = list, node
		e.imports[seg.Session] = is
	}
	e.mu.Unlock()
	if err := is.HandleDataSegment(txn, e.timers, nowSeconds(), seg); err != nil {
		return err
	}
	if is.State == ImportComplete {
		e.metrics.importsReassembled.Inc()
		if err := retireSession(txn, is.recList, is.recNode); err != nil {
			return err
		}
		e.mu.Lock()
		delete(e.imports, seg.Session)
		e.mu.Unlock()
		notice := <-is.Notices
		if notice.Kind == RecvRedPart {
			e.Delivered <- Delivery{SourceEngine: remoteEngine, ClientID: is.ClientID, Data: notice.Data}
		}
	}
	return nil
}

func (e *Engine) handleReport(txn *heap.Txn, seg *Segment) error {
	e.mu.Lock()
	es, ok := e.exports[seg.Session]
	e.mu.Unlock()
	if !ok {
		return errUnknownSession(seg.Session)
	}
	if err := es.HandleReport(txn, nowSeconds(), e.timers, seg); err != nil {
		return err
	}
	if es.State == ExportClosed {
		e.metrics.sessionsCompleted.Inc()
		if err := retireSession(txn, es.recList, es.recNode); err != nil {
			return err
		}
		e.mu.Lock()
		delete(e.exports, seg.Session)
		e.mu.Unlock()
	}
	return nil
}

func (e *Engine) handleCancelBySender(txn *heap.Txn, seg *Segment) error {
	e.mu.Lock()
	is, ok := e.imports[seg.Session]
	e.mu.Unlock()
	if !ok {
		return errUnknownSession(seg.Session)
	}
	if err := is.HandleCancelBySender(txn, e.timers, seg.Reason); err != nil {
		return err
	}
	e.metrics.sessionsCancelled.Inc()
	if err := retireSession(txn, is.recList, is.recNode); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.imports, seg.Session)
	e.mu.Unlock()
	return nil
}

func (e *Engine) handleCancelByReceiver(txn *heap.Txn, seg *Segment) error {
	e.mu.Lock()
	es, ok := e.exports[seg.Session]
	e.mu.Unlock()
	if !ok {
		return errUnknownSession(seg.Session)
	}
	if err := es.HandleCancelByReceiver(txn, e.timers, seg.Reason); err != nil {
		return err
	}
	e.metrics.sessionsCancelled.Inc()
	if err := retireSession(txn, es.recList, es.recNode); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.exports, seg.Session)
	e.mu.Unlock()
	return nil
}

func (e *Engine) scanTimers() {
	expired := e.timers.Scan(nowSeconds())
	if len(expired) == 0 {
		return
	}
	txn, err := e.DH.Begin()
	if err != nil {
		e.Errs.Put("Engine.scanTimers", err)
		log.Errorf("ltp: engine %d could not begin timer-scan transaction: %v", e.ID, err)
		return
	}
	defer txn.Cancel()

	for _, r := range expired {
		switch r.kind {
		case TimerCheckpoint:
			e.mu.Lock()
			es, ok := e.exports[r.session]
			e.mu.Unlock()
			if ok {
				e.metrics.segmentRetransmits.Inc()
				if err := es.HandleTimerExpiry(txn, nowSeconds(), e.timers); err != nil {
					e.Errs.Put("ExportSession.HandleTimerExpiry", err)
					log.Warnf("ltp: export timer handling failed: %v", err)
				}
				if es.State == ExportCancelled {
					e.metrics.sessionsCancelled.Inc()
					if err := retireSession(txn, es.recList, es.recNode); err != nil {
						e.Errs.Put("Engine.scanTimers", err)
						log.Warnf("ltp: export session record retire failed: %v", err)
					}
					e.mu.Lock()
					delete(e.exports, r.session)
					e.mu.Unlock()
				}
			}
		case TimerReport:
			e.mu.Lock()
			is, ok := e.imports[r.session]
			e.mu.Unlock()
			if ok {
				e.metrics.segmentRetransmits.Inc()
				if err := is.HandleReportAckTimerExpiry(txn, nowSeconds(), e.timers); err != nil {
					e.Errs.Put("ImportSession.HandleReportAckTimerExpiry", err)
					log.Warnf("ltp: import timer handling failed: %v", err)
				}
				if is.State == ImportCancelled {
					e.metrics.sessionsCancelled.Inc()
					if err := retireSession(txn, is.recList, is.recNode); err != nil {
						e.Errs.Put("Engine.scanTimers", err)
						log.Warnf("ltp: import session record retire failed: %v", err)
					}
					e.mu.Lock()
					delete(e.imports, r.session)
					e.mu.Unlock()
				}
			}
		}
	}
	if err := txn.End(); err != nil {
		e.Errs.Put("Engine.scanTimers", err)
		log.Errorf("ltp: engine %d failed to commit timer scan: %v", e.ID, err)
	}
}

// nowSeconds is the engine's clock source. Kept as a single indirection
// point so callers needing determinism (tests) could substitute it.
var nowSeconds = func() int64 { return time.Now().Unix() }
