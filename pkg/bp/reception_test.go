package bp

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/go-dtn/ion/pkg/zco"
)

func TestCLInputDeliversLengthPrefixedBundle(t *testing.T) {
	dh := openTestHeap(t)
	occ := zco.NewOccupancyDB(1<<20, 1<<20)
	engine := NewEngine(dh, occ)
	if _, err := engine.Open("ipn:1.1"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	in := NewCLInput(engine, "ipn:9.1")
	if err := in.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer in.Shutdown()

	conn, err := net.Dial("tcp", in.listener.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	payload := append(EncodeBundle(&Bundle{Dest: "ipn:9.1", TTLSec: 3600}), []byte("hello bundle")...)
	header := make([]byte, 2)
	binary.BigEndian.PutUint16(header, uint16(len(payload)))
	if _, err := conn.Write(header); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for in.pool.Len() == 0 || engine.Forwarder.LimboDepth() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("bundle never reached the forwarder's limbo queue (no plan is configured for %q)", "ipn:9.1")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
