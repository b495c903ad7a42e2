package bp

import (
	log "github.com/sirupsen/logrus"

	"github.com/go-dtn/ion/pkg/ltp"
	"github.com/go-dtn/ion/pkg/zco"
)

// LTPBridge runs LTP as the convergence layer under one Outduct, closing
// the loop spec.md's data-flow diagram describes: "outduct queue ->
// convergence layer -> LTP outbound -> link -> LTP inbound ->
// convergence layer -> BP" (§5). It owns neither Outduct nor Engine;
// RunOutbound and RunInbound are meant to be started as goroutines
// alongside whichever LSO/LSI pair (cmd/udplso, cmd/pmqlso, or a custom
// link) actually moves the LTP engine's segments over the wire.
type LTPBridge struct {
	bp        *Engine
	ltpEngine *ltp.Engine
	out       *Outduct
	remote    uint64
	clientID  uint64
}

// NewLTPBridge couples out (a BP outduct whose Protocol is expected to
// be "ltp") to span remoteEngine on ltpEngine, tagging every block it
// aggregates with clientID.
func NewLTPBridge(bpEngine *Engine, ltpEngine *ltp.Engine, out *Outduct, remoteEngine, clientID uint64) *LTPBridge {
	return &LTPBridge{bp: bpEngine, ltpEngine: ltpEngine, out: out, remote: remoteEngine, clientID: clientID}
}

// RunOutbound drains the outduct and hands each bundle to the LTP
// engine as its own block (one Aggregate call immediately followed by
// Flush, rather than letting several bundles share a block), until the
// outduct is shut down.
func (br *LTPBridge) RunOutbound() {
	for {
		b, ok := br.out.DequeueBlocking()
		if !ok {
			return
		}
		if err := br.exportBundle(b); err != nil {
			br.bp.Errs.Put("LTPBridge.RunOutbound", err)
			log.Warnf("bp: ltp bridge failed to export bundle %s: %v", b.ID(), err)
		}
	}
}

func (br *LTPBridge) exportBundle(b *Bundle) error {
	wire := EncodeBundle(b)

	txn, err := br.bp.DH.Begin()
	if err != nil {
		return err
	}
	defer txn.Cancel()

	payload := make([]byte, 0)
	if b.Payload != nil {
		r := zco.NewReader(b.Payload, zco.ModeReceiveSource)
		buf := make([]byte, b.Payload.TotalLength())
		n, err := r.ReceiveSource(txn, buf)
		if err != nil {
			return err
		}
		payload = buf[:n]
	}
	data := append(wire, payload...)

	if _, err := br.ltpEngine.Aggregate(txn, br.remote, br.clientID, data, true); err != nil {
		return err
	}
	if _, err := br.ltpEngine.Flush(txn, br.remote); err != nil {
		return err
	}
	if err := txn.End(); err != nil {
		return err
	}

	if b.COS.Custody == SourceCustodyRequired {
		br.bp.Forwarder.custody.Accept(b)
	}
	b.retire()
	return nil
}

// RunInbound consumes the LTP engine's Delivered channel, decoding each
// reassembled block back into a Bundle and handing it to the BP engine
// exactly as CLInput.bpEndAcq does for a direct convergence layer, until
// the channel is closed.
func (br *LTPBridge) RunInbound() {
	for d := range br.ltpEngine.Delivered {
		if err := br.importBlock(d); err != nil {
			br.bp.Errs.Put("LTPBridge.RunInbound", err)
			log.Warnf("bp: ltp bridge failed to import block from engine %d: %v", d.SourceEngine, err)
		}
	}
}

func (br *LTPBridge) importBlock(d ltp.Delivery) error {
	txn, err := br.bp.DH.Begin()
	if err != nil {
		return err
	}
	defer txn.Cancel()

	raw := make([]byte, d.Data.TotalLength())
	r := zco.NewReader(d.Data, zco.ModeReceiveSource)
	n, err := r.ReceiveSource(txn, raw)
	if err != nil {
		return err
	}
	raw = raw[:n]

	b, hdrLen, err := DecodeBundle(raw)
	if err != nil {
		return err
	}
	b.id = newBundleID()

	z, err := zco.Create(txn, br.bp.Occ, nil)
	if err != nil {
		return err
	}
	if err := z.AppendExtentHeap(txn, raw[hdrLen:]); err != nil {
		return err
	}
	b.Payload = z

	if err := br.bp.persistBundle(txn, b); err != nil {
		return err
	}
	if err := d.Data.Destroy(txn); err != nil {
		return err
	}
	if err := txn.End(); err != nil {
		return err
	}

	reportIfRequested(b, IndicationReceived, DeletionReasonNone, b.Creation)
	if !br.bp.Endpoints.Deliver(b.Dest, b) {
		return br.bp.Forwarder.Forward(b)
	}
	return nil
}
