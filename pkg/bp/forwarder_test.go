package bp

import "testing"

func TestForwardUsesPlanThenGroupThenLimbo(t *testing.T) {
	f := NewForwarder(nil)
	out := NewOutduct("ltp-2", "ltp", 0)
	f.AddOutduct(out)
	f.AddPlan(&Plan{NodeNbr: 2, Default: &Directive{OutductName: "ltp-2", ExpectedRTTSec: 5}})

	b := &Bundle{id: newBundleID(), Source: "ipn:1.1", Dest: "ipn:2.1"}
	if err := f.Forward(b); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if got := out.Dequeue(); got != b {
		t.Fatalf("expected bundle to reach plan's outduct")
	}

	groupOut := NewOutduct("ltp-group", "ltp", 0)
	f.AddOutduct(groupOut)
	f.AddGroup(&Group{First: 100, Last: 200, Default: &Directive{OutductName: "ltp-group"}})
	b2 := &Bundle{id: newBundleID(), Source: "ipn:1.1", Dest: "ipn:150.1"}
	if err := f.Forward(b2); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if got := groupOut.Dequeue(); got != b2 {
		t.Fatal("expected bundle to reach group's outduct")
	}

	b3 := &Bundle{id: newBundleID(), Source: "ipn:1.1", Dest: "ipn:999.1"}
	if err := f.Forward(b3); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if f.LimboDepth() != 1 {
		t.Fatalf("expected unmatched bundle to sit in limbo, depth=%d", f.LimboDepth())
	}
}

func TestRuleOverridesPlanDirective(t *testing.T) {
	f := NewForwarder(nil)
	planOut := NewOutduct("ltp-2", "ltp", 0)
	ruleOut := NewOutduct("ltp-2-fast", "ltp", 0)
	f.AddOutduct(planOut)
	f.AddOutduct(ruleOut)
	f.AddPlan(&Plan{NodeNbr: 2, Default: &Directive{OutductName: "ltp-2"}})
	f.AddRule(&Rule{SourceNode: 9, SourceService: "1", Default: &Directive{OutductName: "ltp-2-fast"}})

	b := &Bundle{id: newBundleID(), Source: "ipn:9.1", Dest: "ipn:2.1"}
	if err := f.Forward(b); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if got := ruleOut.Dequeue(); got != b {
		t.Fatal("expected rule override to route to ltp-2-fast")
	}
	if planOut.Depth() != 0 {
		t.Fatal("plan's own outduct should not have received the bundle")
	}
}

func TestSuspendRefusesCriticalBundle(t *testing.T) {
	f := NewForwarder(nil)
	out := NewOutduct("ltp-2", "ltp", 0)
	f.AddOutduct(out)
	f.AddPlan(&Plan{NodeNbr: 2, Default: &Directive{OutductName: "ltp-2"}})

	b := &Bundle{id: newBundleID(), Source: "ipn:1.1", Dest: "ipn:2.1", COS: ClassOfService{Critical: true}}
	if err := f.Forward(b); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if err := Suspend(f, out, b); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if b.Suspended {
		t.Fatal("critical bundle must not be marked suspended")
	}
	if out.Depth() != 1 {
		t.Fatal("critical bundle must remain queued, not moved to limbo")
	}
	if f.LimboDepth() != 0 {
		t.Fatal("critical bundle must not enter the limbo queue")
	}
}

func TestSuspendResumeMovesBundle(t *testing.T) {
	f := NewForwarder(nil)
	out := NewOutduct("ltp-2", "ltp", 0)
	f.AddOutduct(out)
	f.AddPlan(&Plan{NodeNbr: 2, Default: &Directive{OutductName: "ltp-2"}})

	b := &Bundle{id: newBundleID(), Source: "ipn:1.1", Dest: "ipn:2.1"}
	if err := f.Forward(b); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if err := Suspend(f, out, b); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if !b.Suspended || f.LimboDepth() != 1 || out.Depth() != 0 {
		t.Fatalf("expected bundle suspended into limbo, got suspended=%v limbo=%d outduct=%d", b.Suspended, f.LimboDepth(), out.Depth())
	}
	if err := Resume(f, b); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if b.Suspended || f.LimboDepth() != 0 || out.Depth() != 1 {
		t.Fatalf("expected bundle resumed back onto its outduct, got suspended=%v limbo=%d outduct=%d", b.Suspended, f.LimboDepth(), out.Depth())
	}
}

func TestResolveLockedFallsBackToDefaultWhenPreferredOutductIsGone(t *testing.T) {
	f := NewForwarder(nil)
	defOut := NewOutduct("ltp-2", "ltp", 0)
	f.AddOutduct(defOut)
	f.AddPlan(&Plan{
		NodeNbr:  2,
		Default:  &Directive{OutductName: "ltp-2"},
		RealTime: &Directive{OutductName: "ltp-2-realtime"},
	})

	b := &Bundle{id: newBundleID(), Source: "ipn:1.1", Dest: "ipn:2.1"}
	if err := f.Forward(b); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if got := defOut.Dequeue(); got != b {
		t.Fatal("expected bundle routed to the default outduct when the real-time directive's outduct was never registered")
	}
	if f.LimboDepth() != 0 {
		t.Fatalf("expected no limbo entry, got depth=%d", f.LimboDepth())
	}
}

func TestSweepExpiredRemovesFromLimboAndOutducts(t *testing.T) {
	f := NewForwarder(nil)
	out := NewOutduct("ltp-2", "ltp", 0)
	f.AddOutduct(out)
	f.AddPlan(&Plan{NodeNbr: 2, Default: &Directive{OutductName: "ltp-2"}})

	live := &Bundle{id: newBundleID(), Source: "ipn:1.1", Dest: "ipn:2.1", Creation: Timestamp{Seconds: 1000}, TTLSec: 3600}
	if err := f.Forward(live); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	dead := &Bundle{id: newBundleID(), Source: "ipn:1.1", Dest: "ipn:2.1", Creation: Timestamp{Seconds: 1000}, TTLSec: 10}
	if err := f.Forward(dead); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	limboed := &Bundle{id: newBundleID(), Source: "ipn:1.1", Dest: "ipn:999.1", Creation: Timestamp{Seconds: 1000}, TTLSec: 10}
	if err := f.Forward(limboed); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if f.LimboDepth() != 1 {
		t.Fatalf("expected unroutable bundle in limbo, depth=%d", f.LimboDepth())
	}

	expired := f.SweepExpired(1020)
	if len(expired) != 2 {
		t.Fatalf("expected 2 expired bundles, got %d", len(expired))
	}
	if out.Depth() != 1 {
		t.Fatalf("expected the live bundle to remain queued, depth=%d", out.Depth())
	}
	if f.LimboDepth() != 0 {
		t.Fatalf("expected the limbo bundle to be swept, depth=%d", f.LimboDepth())
	}
}
