package bp

import "testing"

func TestEncodeDecodeBundleRoundTrip(t *testing.T) {
	b := &Bundle{
		Source:      "ipn:1.1",
		Dest:        "ipn:2.1",
		ReportTo:    "ipn:1.1",
		ProxNodeEID: "ipn:7.0",
		Creation:    Timestamp{Seconds: 1000, SequenceCnt: 3},
		TTLSec:      3600,
		COS: ClassOfService{
			Custody:    SourceCustodyRequired,
			Priority:   2,
			Ordinal:    17,
			Unreliable: true,
			Critical:   false,
			FlowLabel:  42,
		},
		SRR:      SRRReceived | SRRDelivered,
		AckToken: true,
		Age:      AgeBlock{Enabled: true, AgeMs: 500},
	}

	payload := []byte("hello bundle")
	wire := append(EncodeBundle(b), payload...)

	got, hdrLen, err := DecodeBundle(wire)
	if err != nil {
		t.Fatalf("DecodeBundle: %v", err)
	}
	if string(wire[hdrLen:]) != string(payload) {
		t.Fatalf("expected hdrLen to delimit the payload, got tail %q", wire[hdrLen:])
	}
	if got.Source != b.Source || got.Dest != b.Dest || got.ReportTo != b.ReportTo || got.ProxNodeEID != b.ProxNodeEID {
		t.Fatalf("eid mismatch: got %+v", got)
	}
	if got.Creation != b.Creation || got.TTLSec != b.TTLSec {
		t.Fatalf("timestamp/ttl mismatch: got %+v", got)
	}
	if got.COS != b.COS {
		t.Fatalf("cos mismatch: got %+v want %+v", got.COS, b.COS)
	}
	if got.SRR != b.SRR || got.AckToken != b.AckToken {
		t.Fatalf("srr/ack mismatch: got srr=%v ack=%v", got.SRR, got.AckToken)
	}
	if got.Age != b.Age {
		t.Fatalf("age mismatch: got %+v", got.Age)
	}
}

func TestDecodeBundleRejectsWrongVersion(t *testing.T) {
	_, _, err := DecodeBundle([]byte{5, 0, 0, 0, 0})
	if err == nil {
		t.Fatal("expected an error decoding an unsupported primary block version")
	}
}

func TestDecodeBundleRejectsTruncated(t *testing.T) {
	_, _, err := DecodeBundle([]byte{primaryBlockVersion, 0})
	if err == nil {
		t.Fatal("expected an error decoding a truncated primary block")
	}
}

func TestCustodyFromProcFlags(t *testing.T) {
	if custodyFromProcFlags(0) != NoCustodyRequested {
		t.Fatal("expected no custody requested when the flag is unset")
	}
	if custodyFromProcFlags(procFlagCustodyRequested) != SourceCustodyRequired {
		t.Fatal("expected custody required when the flag is set")
	}
}
