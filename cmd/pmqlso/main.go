// pmqlso is the POSIX-MQ LTP link-service output daemon: it drains one
// Span's outbound segment queue and writes each segment, length-prefixed,
// to the named queue (§4.3.4, §6):
//
//	pmqlso <mqName> <remoteEngineId>
//
// See cmd/udplso's doc comment for the scope this wrapper is deliberately
// kept within.
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
	if flag.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "usage: pmqlso <mqName> <remoteEngineId>")
		os.Exit(2)
	}
	mqName := flag.Arg(0)
	remoteEngine, err := strconv.ParseUint(flag.Arg(1), 10, 64)
	if err != nil {
		log.Fatalf("pmqlso: bad remoteEngineId %q: %v", flag.Arg(1), err)
	}

	link, err := cl.NewLink("pmq", mqName)
	if err != nil {
		log.Fatalf("pmqlso: new link: %v", err)
	}
	if err := link.Connect(); err != nil {
		log.Fatalf("pmqlso: connect %s: %v", mqName, err)
	}
	defer link.Disconnect()

	tasks := ipc.NewTaskTable()
	self := tasks.Self("pmqlso")
	defer tasks.Delete(self)

	span := ltp.NewSpan(remoteEngine, 4096)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Infof("pmqlso: shutting down")
		span.Shutdown()
	}()

	log.Infof("pmqlso: draining span for engine %d onto %s", remoteEngine, mqName)
	for {
		segment, ok := span.DequeueOutboundSegment()
		if !ok {
			return
		}
		if err := link.Send(segment); err != nil {
			log.Warnf("pmqlso: send failed: %v", err)
		}
	}
}
