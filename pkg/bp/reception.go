package bp

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/go-dtn/ion/internal/heap"
	"github.com/go-dtn/ion/pkg/zco"
)

const acquisitionPoolSize = 32

// AcquisitionWorkArea holds the state of one in-progress bundle parse,
// tagged with the sender's claimed EID (§4.4.4).
type AcquisitionWorkArea struct {
	SenderEID EID
	conn      net.Conn
}

// Close satisfies Closer so the acquisition pool can evict it.
func (a *AcquisitionWorkArea) Close() error {
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

// CLInput is a convergence-layer input daemon (stcpcli, §4.4.4): it
// accepts connections, and for each one spawns a receiver goroutine that
// reads one length-delimited bundle at a time and hands it to bpEndAcq.
// Acquisition work areas are pooled with 32-entry LRU eviction.
type CLInput struct {
	engine *Engine
	senderEID EID

	mu       sync.Mutex
	listener net.Listener
	pool     *LRUPool
	stopped  bool
}

// NewCLInput creates an input daemon bound to engine, assuming all
// connections on this listener originate from senderEID (stcpcli's
// single-remote-engine model; a multi-peer listener would tag each
// connection individually after a handshake, which this transport does
// not implement).
func NewCLInput(engine *Engine, senderEID EID) *CLInput {
	return &CLInput{engine: engine, senderEID: senderEID, pool: NewLRUPool(acquisitionPoolSize)}
}

// Listen binds addr and begins accepting connections.
func (c *CLInput) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.listener = ln
	c.mu.Unlock()
	go c.acceptLoop(ln)
	return nil
}

// Shutdown closes the listener and every pooled connection, the Go
// equivalent of the spec's self-connect EOF-injection shutdown idiom
// (§5 "Cancellation"): closing the listener directly unblocks Accept.
func (c *CLInput) Shutdown() {
	c.mu.Lock()
	c.stopped = true
	ln := c.listener
	c.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	c.pool.mu.Lock()
	areas := make([]Closer, 0, len(c.pool.entries))
	for _, el := range c.pool.entries {
		areas = append(areas, el.Value.(*poolEntry).value)
	}
	c.pool.mu.Unlock()
	for _, a := range areas {
		_ = a.Close()
	}
}

func (c *CLInput) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			c.mu.Lock()
			stopped := c.stopped
			c.mu.Unlock()
			if stopped {
				return
			}
			c.engine.Errs.Put("CLInput.acceptLoop", err)
			log.Warnf("bp: stcpcli accept error: %v", err)
			continue
		}
		area := &AcquisitionWorkArea{SenderEID: c.senderEID, conn: conn}
		c.pool.Put(conn.RemoteAddr().String(), area)
		go c.receiveLoop(conn, area)
	}
}

func (c *CLInput) receiveLoop(conn net.Conn, area *AcquisitionWorkArea) {
	defer func() {
		c.pool.Remove(conn.RemoteAddr().String())
		_ = conn.Close()
	}()
	header := make([]byte, 2)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		length := binary.BigEndian.Uint16(header)
		body := make([]byte, length)
		if _, err := io.ReadFull(conn, body); err != nil {
			c.engine.Errs.Put("CLInput.receiveLoop", err)
			log.Warnf("bp: stcpcli short bundle read from %s: %v", area.SenderEID, err)
			return
		}
		if err := c.bpEndAcq(area, body); err != nil {
			c.engine.Errs.Put("CLInput.bpEndAcq", err)
			log.Warnf("bp: bundle acquisition from %s failed: %v", area.SenderEID, err)
		}
	}
}

// bpEndAcq decodes the primary block from raw, builds a heap-backed ZCO
// over the application data unit that follows it, and either delivers
// the bundle to a local endpoint or hands it to the forwarder,
// mirroring ION's bpEndAcq: "parse headers, apply security/extension
// blocks, enqueue" (§4.4.4, §6 External Interfaces).
func (c *CLInput) bpEndAcq(area *AcquisitionWorkArea, raw []byte) error {
	b, hdrLen, err := DecodeBundle(raw)
	if err != nil {
		return errors.Wrap(err, "bp: decode primary block")
	}
	b.id = newBundleID()
	if b.Source == "" {
		b.Source = area.SenderEID
	}

	txn, err := c.dhBegin()
	if err != nil {
		return err
	}
	defer txn.Cancel()

	z, err := zco.Create(txn, c.engine.Occ, nil)
	if err != nil {
		return err
	}
	if err := z.AppendExtentHeap(txn, raw[hdrLen:]); err != nil {
		return err
	}
	b.Payload = z

	if err := c.engine.persistBundle(txn, b); err != nil {
		return err
	}
	if err := txn.End(); err != nil {
		return err
	}
	reportIfRequested(b, IndicationReceived, DeletionReasonNone, b.Creation)
	if !c.engine.Endpoints.Deliver(b.Dest, b) {
		return c.engine.Forwarder.Forward(b)
	}
	return nil
}

func (c *CLInput) dhBegin() (*heap.Txn, error) {
	if c.engine.DH == nil {
		return nil, fmt.Errorf("bp: no durable heap attached to engine")
	}
	return c.engine.DH.Begin()
}
