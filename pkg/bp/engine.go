package bp

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/go-dtn/ion/internal/errmsg"
	"github.com/go-dtn/ion/internal/heap"
	"github.com/go-dtn/ion/internal/ipc"
	"github.com/go-dtn/ion/pkg/zco"
)

// Engine ties the endpoint table, forwarder, and ZCO occupancy accounting
// together into the single object applications construct at startup
// (Design Notes, "Global mutable state": thread handles through a shared
// context rather than hidden package statics).
type Engine struct {
	DH        *heap.Heap
	Endpoints *EndpointTable
	Forwarder *Forwarder
	Occ       *zco.OccupancyDB
	Tasks     *ipc.TaskTable
	Errs      *errmsg.Ring
}

// NewEngine wires a fresh Engine around the given durable heap and
// occupancy accounting handle; tasks and forwarder are created internally
// so callers only need to supply what's process-wide (both handles are
// typically shared with the ZCO and LTP engines in the same process).
func NewEngine(dh *heap.Heap, occ *zco.OccupancyDB) *Engine {
	tasks := ipc.NewTaskTable()
	f := NewForwarder(nil)
	if err := f.SetHeap(dh); err != nil {
		log.Errorf("bp: forwarder could not attach heap: %v", err)
	}
	e := &Engine{
		DH:        dh,
		Endpoints: NewEndpointTable(tasks),
		Forwarder: f,
		Occ:       occ,
		Tasks:     tasks,
		Errs:      errmsg.New(),
	}
	if err := e.recoverBundles(); err != nil {
		log.Errorf("bp: bundle record recovery failed: %v", err)
	}
	return e
}

// Open is a thin pass-through to Endpoints.Open, kept on Engine so
// application code has one entry point (§4.4.1).
func (e *Engine) Open(eid string) (*SAP, error) {
	return e.Endpoints.Open(eid)
}

// Send builds a Bundle from sap's source EID and the given parameters,
// admits it (enqueuing to the forwarder or delivering locally), and
// returns the bundle's handle (§4.4.1).
//
// priority must be 0, 1 or 2; ordinal 255 is silently demoted to 254
// (§8 property 8).
func (e *Engine) Send(sap *SAP, dest, reportTo EID, ttlSec uint64, priority uint8, custody CustodyRequirement, srr SRRFlags, ecos ECOSFlags, ordinal uint8, adu *zco.Zco) (*Bundle, error) {
	if priority > 2 {
		return nil, fmt.Errorf("bp: priority %d exceeds 2", priority)
	}
	b := &Bundle{
		id:       newBundleID(),
		Source:   sap.endpoint.EID,
		Dest:     dest,
		ReportTo: reportTo,
		Creation: Timestamp{Seconds: uint64(nowSeconds())},
		TTLSec:   ttlSec,
		COS: ClassOfService{
			Custody:    custody,
			Priority:   priority,
			Ordinal:    clampOrdinal(ordinal),
			Critical:   ecos&ECOSCritical != 0,
			Unreliable: ecos&ECOSUnreliable != 0,
		},
		SRR:     srr,
		Payload: adu,
	}

	txn, err := e.DH.Begin()
	if err != nil {
		return nil, err
	}
	if err := e.persistBundle(txn, b); err != nil {
		txn.Cancel()
		return nil, err
	}
	if err := txn.End(); err != nil {
		return nil, err
	}

	reportIfRequested(b, IndicationReceived, DeletionReasonNone, b.Creation)

	if e.Endpoints.Deliver(dest, b) {
		return b, nil
	}
	if err := e.Forwarder.Forward(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Tick drives the per-engine clock task: limbo resweep, custody-due
// timer scan, and bundle lifetime expiry, intended to be called once a
// second by a caller-owned ticker (mirroring pkg/ltp.Engine.Process's
// select-loop shape, but BP's clock has no segment channel to
// multiplex — callers drive it directly).
func (e *Engine) Tick(nowSec int64) {
	for _, b := range e.Forwarder.custody.ScanExpired(nowSec) {
		if err := e.Forwarder.Forward(b); err != nil {
			e.Errs.Put("Engine.Tick", err)
		}
	}
	for _, b := range e.Forwarder.SweepExpired(nowSec) {
		reportIfRequested(b, IndicationDeleted, DeletionReasonLifetimeExpired, Timestamp{Seconds: uint64(nowSec)})
		b.retire()
	}
	e.Forwarder.MaybeSweepLimbo(time.Now())
}
