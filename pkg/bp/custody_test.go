package bp

import "testing"

func TestCustodyDueTimerReforwards(t *testing.T) {
	orig := nowSeconds
	var fakeNow int64 = 1000
	nowSeconds = func() int64 { return fakeNow }
	defer func() { nowSeconds = orig }()

	f := NewForwarder(nil)
	out := NewOutduct("ltp-2", "ltp", 0)
	f.AddOutduct(out)
	f.AddPlan(&Plan{NodeNbr: 2, Default: &Directive{OutductName: "ltp-2", ExpectedRTTSec: 5}})

	b := &Bundle{id: newBundleID(), Source: "ipn:1.1", Dest: "ipn:2.1", COS: ClassOfService{Custody: SourceCustodyRequired}}
	if err := f.Forward(b); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	out.Dequeue() // simulate the CL draining it before custody is due

	if due := f.custody.ScanExpired(fakeNow + 4); len(due) != 0 {
		t.Fatalf("expected no reforward before expected RTT, got %d", len(due))
	}
	due := f.custody.ScanExpired(fakeNow + 5)
	if len(due) != 1 || due[0] != b {
		t.Fatalf("expected custody-due reforward of the bundle, got %v", due)
	}
}

func TestCustodyAcceptCancelsTimer(t *testing.T) {
	f := NewForwarder(nil)
	out := NewOutduct("ltp-2", "ltp", 0)
	f.AddOutduct(out)
	f.AddPlan(&Plan{NodeNbr: 2, Default: &Directive{OutductName: "ltp-2", ExpectedRTTSec: 5}})

	b := &Bundle{id: newBundleID(), Source: "ipn:1.1", Dest: "ipn:2.1", COS: ClassOfService{Custody: SourceCustodyRequired}}
	if err := f.Forward(b); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	f.custody.Accept(b)
	if due := f.custody.ScanExpired(nowSeconds() + 100); len(due) != 0 {
		t.Fatalf("expected accepted custody to clear the timer, got %d", len(due))
	}
}
