// ltpbridge runs LTP as the convergence layer under a single outduct, the
// process-level wiring spec.md's data-flow diagram describes ("outduct
// queue -> convergence layer -> LTP outbound -> link -> LTP inbound ->
// convergence layer -> BP", §5): it owns a bp.Engine and an ltp.Engine in
// one process, routes every bundle destined for remoteNode through one
// Outduct/Span pair named "ltp", and carries LTP segments over UDP in both
// directions.
//
//	ltpbridge -heap <path> -local <localEid> -remote <remoteNode> \
//	    -engine <localEngineId> -remoteEngine <remoteEngineId> \
//	    -listen <host:port> -peer <host:port>
//
// Argv parsing beyond this minimal form is out of scope per spec.md §1;
// this wrapper exists only to exercise pkg/bp.LTPBridge end to end, the
// way cmd/udplso exercises pkg/ltp.Span alone.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/go-dtn/ion/internal/heap"
	"github.com/go-dtn/ion/pkg/bp"
	"github.com/go-dtn/ion/pkg/ltp"
	"github.com/go-dtn/ion/pkg/ltp/cl"
	"github.com/go-dtn/ion/pkg/zco"
)

func main() {
	heapPath := flag.String("heap", "ltpbridge.dh", "durable heap file")
	localEid := flag.String("local", "", "local bp eid, e.g. ipn:1.0")
	remoteNode := flag.Uint64("remote", 0, "remote ipn node number routed through this outduct")
	localEngine := flag.Uint64("engine", 0, "local ltp engine id")
	remoteEngine := flag.Uint64("remoteEngine", 0, "remote ltp engine id")
	listenAddr := flag.String("listen", "", "local udp address to receive ltp segments on")
	peerAddr := flag.String("peer", "", "remote udp address to send ltp segments to")
	flag.Parse()

	if *localEid == "" || *remoteNode == 0 || *localEngine == 0 || *remoteEngine == 0 || *listenAddr == "" || *peerAddr == "" {
		fmt.Fprintln(os.Stderr, "usage: ltpbridge -heap <path> -local <eid> -remote <node> -engine <id> -remoteEngine <id> -listen <addr> -peer <addr>")
		os.Exit(2)
	}

	dh, err := heap.Open(*heapPath)
	if err != nil {
		log.Fatalf("ltpbridge: open heap: %v", err)
	}
	defer dh.Close()

	occ := zco.NewOccupancyDB(1<<30, 1<<30)

	bpEngine := bp.NewEngine(dh, occ)
	if _, err := bpEngine.Open(*localEid); err != nil {
		log.Fatalf("ltpbridge: open %s: %v", *localEid, err)
	}

	out := bp.NewOutduct("ltp", "ltp", 0)
	bpEngine.Forwarder.AddOutduct(out)
	if err := bpEngine.Forwarder.AddGroup(&bp.Group{
		First:   *remoteNode,
		Last:    *remoteNode,
		Default: &bp.Directive{OutductName: "ltp"},
	}); err != nil {
		log.Fatalf("ltpbridge: add group: %v", err)
	}

	ltpEngine := ltp.NewEngine(*localEngine, dh, occ)
	span := ltp.NewSpan(*remoteEngine, cl.MaxUDPSegmentSize())
	ltpEngine.AddSpan(*remoteEngine, span)

	link, err := cl.NewLink("udp", *peerAddr)
	if err != nil {
		log.Fatalf("ltpbridge: new link: %v", err)
	}
	udpOut := link.(*cl.UDPLink)
	if err := udpOut.Connect(); err != nil {
		log.Fatalf("ltpbridge: connect to %s: %v", *peerAddr, err)
	}
	defer udpOut.Disconnect()

	inLink, err := cl.NewLink("udp", *listenAddr)
	if err != nil {
		log.Fatalf("ltpbridge: new listen link: %v", err)
	}
	udpIn := inLink.(*cl.UDPLink)
	if err := udpIn.Listen(); err != nil {
		log.Fatalf("ltpbridge: listen on %s: %v", *listenAddr, err)
	}
	defer udpIn.Disconnect()
	if err := udpIn.Subscribe(cl.SegmentListenerFunc(func(segment []byte) {
		ltpEngine.Deliver(*remoteEngine, segment)
	})); err != nil {
		log.Fatalf("ltpbridge: subscribe: %v", err)
	}

	bridge := bp.NewLTPBridge(bpEngine, ltpEngine, out, *remoteEngine, 0)

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Infof("ltpbridge: shutting down")
		out.Shutdown()
		span.Shutdown()
		cancel()
	}()

	go bridge.RunOutbound()
	go bridge.RunInbound()
	go func() {
		for {
			segment, ok := span.DequeueOutboundSegment()
			if !ok {
				return
			}
			if err := udpOut.Send(segment); err != nil {
				log.Warnf("ltpbridge: send failed: %v", err)
			}
		}
	}()

	log.Infof("ltpbridge: node %s routing node %d over ltp engine %d <-> %d", *localEid, *remoteNode, *localEngine, *remoteEngine)
	if err := ltpEngine.Process(ctx); err != nil {
		log.Errorf("ltpbridge: process loop exited: %v", err)
	}
}
