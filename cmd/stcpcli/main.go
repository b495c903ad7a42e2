// stcpcli is the STCP convergence-layer input daemon: it listens on
// host[:port], accepts connections from one remote engine, and hands
// each length-prefixed bundle it reads to bp.CLInput (§4.4.4, §6). Argv
// parsing and the daemon-supervision surface around it are out of scope
// per spec.md §1; this is the minimal wrapper that wires net.Listener to
// the library, mirroring the teacher's cmd/canopen daemons.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/go-dtn/ion/internal/heap"
	"github.com/go-dtn/ion/pkg/bp"
	"github.com/go-dtn/ion/pkg/zco"
)

func main() {
	heapPath := flag.String("heap", "stcpcli.dh", "durable heap file")
	senderEid := flag.String("sender", "ipn:0.0", "EID all inbound connections are attributed to")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: stcpcli <host[:port]>")
		os.Exit(2)
	}
	addr := flag.Arg(0)

	dh, err := heap.Open(*heapPath)
	if err != nil {
		log.Fatalf("stcpcli: open heap: %v", err)
	}
	defer dh.Close()

	occ := zco.NewOccupancyDB(1<<30, 1<<30)
	engine := bp.NewEngine(dh, occ)

	sender, err := bp.ParseEID(*senderEid)
	if err != nil {
		log.Fatalf("stcpcli: %v", err)
	}

	in := bp.NewCLInput(engine, sender)
	if err := in.Listen(addr); err != nil {
		log.Fatalf("stcpcli: listen %s: %v", addr, err)
	}
	log.Infof("stcpcli: listening on %s", addr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Infof("stcpcli: shutting down")
	in.Shutdown()
}
