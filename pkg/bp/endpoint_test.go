package bp

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/go-dtn/ion/internal/heap"
	"github.com/go-dtn/ion/pkg/zco"
)

func openTestHeap(t *testing.T) *heap.Heap {
	t.Helper()
	h, err := heap.Open(filepath.Join(t.TempDir(), "dh.db"))
	if err != nil {
		t.Fatalf("heap.Open: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

// TestLoopbackDeliversPayload exercises S1: a heap-backed ZCO of "hello"
// sent to a locally opened endpoint is delivered back via a blocking
// receive with the same 5 source bytes.
func TestLoopbackDeliversPayload(t *testing.T) {
	dh := openTestHeap(t)
	occ := zco.NewOccupancyDB(1<<20, 1<<20)
	engine := NewEngine(dh, occ)

	sap, err := engine.Open("ipn:1.1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	txn, err := dh.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	z, err := zco.Create(txn, occ, nil)
	if err != nil {
		t.Fatalf("zco.Create: %v", err)
	}
	if err := z.AppendExtentHeap(txn, []byte("hello")); err != nil {
		t.Fatalf("AppendExtentHeap: %v", err)
	}
	if err := txn.End(); err != nil {
		t.Fatalf("End: %v", err)
	}

	if _, err := engine.Send(sap, "ipn:1.1", "", 3600, 1, NoCustodyRequested, 0, 0, 0, z); err != nil {
		t.Fatalf("Send: %v", err)
	}

	res, b := sap.Receive(BPBlocking)
	if res != PayloadPresent {
		t.Fatalf("expected PayloadPresent, got %v", res)
	}
	if b.Payload.TotalLength() != 5 {
		t.Fatalf("expected 5 bytes, got %d", b.Payload.TotalLength())
	}

	readTxn, err := dh.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer readTxn.Cancel()
	buf := make([]byte, 5)
	r := zco.NewReader(b.Payload, zco.ModeReceiveSource)
	n, err := r.ReceiveSource(readTxn, buf)
	if err != nil {
		t.Fatalf("ReceiveSource: %v", err)
	}
	if n != 5 || string(buf) != "hello" {
		t.Fatalf("got %q", buf[:n])
	}
}

// TestReceiveTimesOut exercises S4: bp_receive(sap, 2) with no pending
// bundle returns ReceptionTimedOut within [2s, 3s].
func TestReceiveTimesOut(t *testing.T) {
	dh := openTestHeap(t)
	occ := zco.NewOccupancyDB(1<<20, 1<<20)
	engine := NewEngine(dh, occ)
	sap, err := engine.Open("ipn:2.1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	start := time.Now()
	res, b := sap.Receive(2)
	elapsed := time.Since(start)
	if res != ReceptionTimedOut || b != nil {
		t.Fatalf("expected ReceptionTimedOut, got %v", res)
	}
	if elapsed < 2*time.Second || elapsed > 3*time.Second {
		t.Fatalf("expected 2s-3s elapsed, got %v", elapsed)
	}
}

func TestOpenRefusesSecondOwner(t *testing.T) {
	dh := openTestHeap(t)
	occ := zco.NewOccupancyDB(1<<20, 1<<20)
	engine := NewEngine(dh, occ)

	if _, err := engine.Open("ipn:3.1"); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := engine.Open("ipn:3.1"); err == nil {
		t.Fatal("expected second Open to be refused")
	}
}
