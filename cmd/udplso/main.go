// udplso is the UDP LTP link-service output daemon: it drains one
// Span's outbound segment queue and writes each segment as one datagram
// to the remote engine, honoring an optional transmit-rate throttle
// (§4.3.4, §6):
//
//	udplso <host[:port]> <txbps> <remoteEngineId>
//
// txbps of 0 disables throttling. Argv parsing beyond this minimal form,
// and daemon supervision, are out of scope per spec.md §1; this wrapper
// exists only to exercise pkg/ltp.Span and pkg/ltp/cl.UDPLink together.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/go-dtn/ion/internal/ipc"
	"github.com/go-dtn/ion/pkg/ltp"
	"github.com/go-dtn/ion/pkg/ltp/cl"
)

func main() {
	flag.Parse()
	if flag.NArg() < 3 {
		fmt.Fprintln(os.Stderr, "usage: udplso <host[:port]> <txbps> <remoteEngineId>")
		os.Exit(2)
	}
	channel := flag.Arg(0)
	txbps, err := strconv.ParseUint(flag.Arg(1), 10, 64)
	if err != nil {
		log.Fatalf("udplso: bad txbps %q: %v", flag.Arg(1), err)
	}
	remoteEngine, err := strconv.ParseUint(flag.Arg(2), 10, 64)
	if err != nil {
		log.Fatalf("udplso: bad remoteEngineId %q: %v", flag.Arg(2), err)
	}

	link, err := cl.NewLink("udp", channel)
	if err != nil {
		log.Fatalf("udplso: new link: %v", err)
	}
	udp := link.(*cl.UDPLink)
	udp.RateBitsPerSec = txbps
	if err := udp.Connect(); err != nil {
		log.Fatalf("udplso: connect %s: %v", channel, err)
	}
	defer udp.Disconnect()

	tasks := ipc.NewTaskTable()
	self := tasks.Self("udplso")
	defer tasks.Delete(self)

	span := ltp.NewSpan(remoteEngine, cl.MaxUDPSegmentSize())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Infof("udplso: shutting down")
		span.Shutdown()
	}()

	log.Infof("udplso: draining span for engine %d onto %s (rate=%d bps)", remoteEngine, channel, txbps)
	for {
		segment, ok := span.DequeueOutboundSegment()
		if !ok {
			return
		}
		if err := udp.Send(segment); err != nil {
			log.Warnf("udplso: send failed: %v", err)
		}
	}
}
