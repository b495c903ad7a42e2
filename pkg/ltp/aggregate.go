package ltp

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/go-dtn/ion/internal/heap"
	"github.com/go-dtn/ion/pkg/zco"
)

// pendingAggregation accumulates client service data for one span ahead
// of EOB, per ION's ltpclock.c: a block is flushed either when the
// caller explicitly closes it, once it reaches the span's
// AggregationSizeLimit, or after AggregationTimeoutSec of inactivity,
// whichever comes first (§C.2 of the expanded spec).
type pendingAggregation struct {
	clientID      uint64
	block         *zco.Zco
	redLength     uint64
	greenLength   uint64
	lastAppendSec int64
}

type aggregationTable struct {
	mu      sync.Mutex
	pending map[uint64]*pendingAggregation // keyed by remote engine id
}

func newAggregationTable() *aggregationTable {
	return &aggregationTable{pending: make(map[uint64]*pendingAggregation)}
}

// Aggregate appends data to the span's in-progress block, starting one
// if none is pending, then flushes immediately via EOB if the span's
// AggregationSizeLimit is reached. Matches the spec's "Filling" state
// (§4.3.2) generalized to accept data incrementally rather than as one
// pre-built block.
func (e *Engine) Aggregate(txn *heap.Txn, remoteEngine, clientID uint64, data []byte, red bool) (*ExportSession, error) {
	sp, ok := e.span(remoteEngine)
	if !ok {
		return nil, errNoSpan(remoteEngine)
	}

	e.agg.mu.Lock()
	pa, exists := e.agg.pending[remoteEngine]
	if !exists {
		block, err := zco.Create(txn, e.Occ, nil)
		if err != nil {
			e.agg.mu.Unlock()
			return nil, err
		}
		pa = &pendingAggregation{clientID: clientID}
		pa.block = block
		e.agg.pending[remoteEngine] = pa
	}
	e.agg.mu.Unlock()

	if err := pa.block.AppendExtentHeap(txn, data); err != nil {
		return nil, err
	}
	e.agg.mu.Lock()
	if red {
		pa.redLength += uint64(len(data))
	} else {
		pa.greenLength += uint64(len(data))
	}
	pa.lastAppendSec = nowSeconds()
	e.agg.mu.Unlock()

	if sp.AggregationSizeLimit > 0 && pa.block.TotalLength() >= sp.AggregationSizeLimit {
		return e.flushAggregation(txn, remoteEngine)
	}
	return nil, nil
}

// flushAggregation closes out the span's pending block with EOB,
// starting an ExportSession over it (§4.3.2's EOB transition, entered
// here instead of by the caller directly).
func (e *Engine) flushAggregation(txn *heap.Txn, remoteEngine uint64) (*ExportSession, error) {
	sp, ok := e.span(remoteEngine)
	if !ok {
		return nil, errNoSpan(remoteEngine)
	}

	e.agg.mu.Lock()
	pa, exists := e.agg.pending[remoteEngine]
	if exists {
		delete(e.agg.pending, remoteEngine)
	}
	e.agg.mu.Unlock()
	if !exists {
		return nil, nil
	}

	e.mu.Lock()
	e.nextSessionNumber++
	session := SessionID{SourceEngine: e.ID, Number: e.nextSessionNumber}
	e.mu.Unlock()

	es := NewExportSession(session, pa.clientID, sp, pa.block, e.MaxRetransmit, e.ExpectedRTTSec)
	list, node, err := persistSession(txn, sessionKindExport, session, pa.clientID)
	if err != nil {
		return nil, err
	}
	es.recList, es.recNode = list, node

	e.mu.Lock()
	e.exports[session] = es
	e.mu.Unlock()

	total := pa.redLength + pa.greenLength
	if err := es.EOB(txn, nowSeconds(), e.timers, pa.redLength, total); err != nil {
		return nil, err
	}
	return es, nil
}

// Flush closes out remoteEngine's pending aggregation block immediately,
// via EOB, regardless of AggregationSizeLimit/AggregationTimeoutSec.
// Exported for callers (e.g. a BP convergence-layer bridge) that need
// every client-service submission to become its own LTP block rather
// than waiting for a size or idle-timeout trigger.
func (e *Engine) Flush(txn *heap.Txn, remoteEngine uint64) (*ExportSession, error) {
	return e.flushAggregation(txn, remoteEngine)
}

// sweepAggregation flushes any span whose pending block has sat idle
// past its AggregationTimeoutSec, called once per clock tick alongside
// timer expiry scanning (§C.2).
func (e *Engine) sweepAggregation(now int64) {
	e.agg.mu.Lock()
	var due []uint64
	for remoteEngine, pa := range e.agg.pending {
		sp, ok := e.span(remoteEngine)
		if !ok || sp.AggregationTimeoutSec <= 0 {
			continue
		}
		if now-pa.lastAppendSec >= sp.AggregationTimeoutSec {
			due = append(due, remoteEngine)
		}
	}
	e.agg.mu.Unlock()
	if len(due) == 0 {
		return
	}

	txn, err := e.DH.Begin()
	if err != nil {
		e.Errs.Put("Engine.sweepAggregation", err)
		log.Errorf("ltp: engine %d could not begin aggregation-sweep transaction: %v", e.ID, err)
		return
	}
	defer txn.Cancel()
	for _, remoteEngine := range due {
		if _, err := e.flushAggregation(txn, remoteEngine); err != nil {
			e.Errs.Put("Engine.sweepAggregation", err)
			log.Warnf("ltp: engine %d idle-timeout flush for span %d failed: %v", e.ID, remoteEngine, err)
		}
	}
	if err := txn.End(); err != nil {
		e.Errs.Put("Engine.sweepAggregation", err)
		log.Errorf("ltp: engine %d aggregation-sweep commit failed: %v", e.ID, err)
	}
}
