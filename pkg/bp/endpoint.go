package bp

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-dtn/ion/internal/ipc"
)

// reportDelivered fires the delivery status report and retires b's
// "bpBundleDB" record. The payload ZCO is detached around retire so it is
// not destroyed: it stays on b for the receiving application to read.
func reportDelivered(b *Bundle) {
	reportIfRequested(b, IndicationDelivered, DeletionReasonNone, Timestamp{Seconds: uint64(nowSeconds())})
	payload := b.Payload
	b.Payload = nil
	b.retire()
	b.Payload = payload
}

// Endpoint is a named, singly-owned receive queue (§3.4, Glossary).
type Endpoint struct {
	EID EID

	mu       sync.Mutex
	owner    ipc.TaskID
	delivery []*Bundle
	ready    *ipc.Semaphore
}

func newEndpoint(eid EID) *Endpoint {
	return &Endpoint{EID: eid, ready: ipc.NewSemaphore(string(eid), 0, ipc.FIFO)}
}

// SAP is the service access point bp_open hands back: an Endpoint bound
// to the calling task (§4.4.1).
type SAP struct {
	endpoint *Endpoint
	task     ipc.TaskID
}

// EndpointTable is the process-wide registry of named endpoints, backing
// bp_open's "refuse if another live task already owns it" admission rule.
type EndpointTable struct {
	mu        sync.Mutex
	endpoints map[EID]*Endpoint
	tasks     *ipc.TaskTable
}

func NewEndpointTable(tasks *ipc.TaskTable) *EndpointTable {
	return &EndpointTable{endpoints: make(map[EID]*Endpoint), tasks: tasks}
}

// Open parses and validates eid, then binds it to a fresh task in the
// table's task registry, refusing if a still-live task already owns it
// (§4.4.1, §7 "Concurrency").
func (t *EndpointTable) Open(eid string) (*SAP, error) {
	parsed, err := ParseEID(eid)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	ep, exists := t.endpoints[parsed]
	if !exists {
		ep = newEndpoint(parsed)
		t.endpoints[parsed] = ep
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.owner != ipc.NoTask && t.tasks.Exists(ep.owner) {
		return nil, fmt.Errorf("bp: endpoint %s already owned by a live task", parsed)
	}
	task := t.tasks.Self("bp-sap:" + string(parsed))
	ep.owner = task
	return &SAP{endpoint: ep, task: task}, nil
}

// Close releases the SAP's ownership of its endpoint.
func (t *EndpointTable) Close(sap *SAP) {
	sap.endpoint.mu.Lock()
	if sap.endpoint.owner == sap.task {
		sap.endpoint.owner = ipc.NoTask
	}
	sap.endpoint.mu.Unlock()
	t.tasks.Delete(sap.task)
}

// lookup finds the endpoint for dest without opening a SAP, used by
// delivery after forwarding decides the bundle is locally destined.
func (t *EndpointTable) lookup(dest EID) (*Endpoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ep, ok := t.endpoints[dest]
	return ep, ok
}

// Deliver enqueues bundle on dest's delivery list and wakes one blocked
// receiver, or returns false without touching the bundle if no such
// endpoint is open locally, leaving it to the caller (§4.4.1, "Ordering":
// delivered bundles are in admission order).
func (t *EndpointTable) Deliver(dest EID, b *Bundle) bool {
	ep, ok := t.lookup(dest)
	if !ok {
		return false
	}
	ep.mu.Lock()
	ep.delivery = append(ep.delivery, b)
	ep.mu.Unlock()
	ep.ready.Give()
	return true
}

// ReceiveResult is the discriminated result code bp_receive returns
// (§4.4.1, §7 Propagation).
type ReceiveResult int

const (
	PayloadPresent ReceiveResult = iota
	ReceptionTimedOut
	ReceptionInterrupted
	EndpointStopped
)

// BPPoll and BPBlocking are the two sentinel timeoutSec values §5
// "Timeouts" singles out; any other non-negative value spawns a one-shot
// timer.
const (
	BPPoll     = -1
	BPBlocking = -2
)

// Receive blocks the calling goroutine per timeoutSec's meaning and
// returns the next delivered bundle, if any (§4.4.1, §5 "Timeouts").
// Before returning PayloadPresent it fires the delivery status report and
// removes the bundle's "bpBundleDB" record (reportDelivered); the payload
// ZCO is handed back with the bundle, one bundle per successful call, and
// is not destroyed here.
func (sap *SAP) Receive(timeoutSec int) (ReceiveResult, *Bundle) {
	ep := sap.endpoint

	switch timeoutSec {
	case BPPoll:
		ep.mu.Lock()
		if len(ep.delivery) == 0 {
			ep.mu.Unlock()
			return ReceptionTimedOut, nil
		}
		b := ep.delivery[0]
		ep.delivery = ep.delivery[1:]
		ep.mu.Unlock()
		reportDelivered(b)
		return PayloadPresent, b
	case BPBlocking:
		return takeOne(ep)
	default:
		return receiveWithTimeout(ep, timeoutSec)
	}
}

func takeOne(ep *Endpoint) (ReceiveResult, *Bundle) {
	res := ep.ready.Take()
	if res == ipc.Ended {
		return EndpointStopped, nil
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if len(ep.delivery) == 0 {
		return ReceptionInterrupted, nil
	}
	b := ep.delivery[0]
	ep.delivery = ep.delivery[1:]
	reportDelivered(b)
	return PayloadPresent, b
}

// receiveWithTimeout spawns a one-shot timer goroutine that gives the
// endpoint's semaphore after the deadline, distinguishing a real
// delivery from a timeout-induced wakeup with an auxiliary flag written
// by the timer before it signals, exactly as §4.4.1 describes.
func receiveWithTimeout(ep *Endpoint, timeoutSec int) (ReceiveResult, *Bundle) {
	var timedOut boolFlag
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		select {
		case <-time.After(time.Duration(timeoutSec) * time.Second):
			timedOut.set()
			ep.ready.Give()
		case <-stop:
		}
		close(done)
	}()
	defer func() { close(stop); <-done }()

	res := ep.ready.Take()
	if res == ipc.Ended {
		return EndpointStopped, nil
	}
	ep.mu.Lock()
	hasBundle := len(ep.delivery) > 0
	var b *Bundle
	if hasBundle {
		b = ep.delivery[0]
		ep.delivery = ep.delivery[1:]
	}
	ep.mu.Unlock()
	if hasBundle {
		reportDelivered(b)
		return PayloadPresent, b
	}
	if timedOut.get() {
		return ReceptionTimedOut, nil
	}
	return ReceptionInterrupted, nil
}

// boolFlag is a tiny mutex-guarded flag, standing in for the spec's
// "auxiliary flag written by the timer thread before signalling".
type boolFlag struct {
	mu  sync.Mutex
	val bool
}

func (f *boolFlag) set() {
	f.mu.Lock()
	f.val = true
	f.mu.Unlock()
}

func (f *boolFlag) get() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.val
}
