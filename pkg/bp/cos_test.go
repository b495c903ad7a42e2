package bp

import "testing"

func TestParseCOSToken(t *testing.T) {
	cos, err := ParseCOSToken("1.2.3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cos.Custody != SourceCustodyRequired || cos.Priority != 2 || cos.Ordinal != 3 {
		t.Fatalf("got %+v", cos)
	}

	if _, err := ParseCOSToken("0.3.0"); err == nil {
		t.Fatal("expected priority>2 to be rejected")
	}

	cos, err = ParseCOSToken("1.1.254.0.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cos.MinimumLatency() {
		t.Fatal("expected MINIMUM_LATENCY set")
	}

	cos, err = ParseCOSToken("1.1.255")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cos.Ordinal != 255 {
		t.Fatalf("ParseCOSToken should not itself clamp ordinal, got %d", cos.Ordinal)
	}
	if clampOrdinal(cos.Ordinal) != 254 {
		t.Fatalf("expected bp_send to store ordinal 254, got %d", clampOrdinal(cos.Ordinal))
	}
}

func TestParseCOSTokenRejectsFourFields(t *testing.T) {
	if _, err := ParseCOSToken("1.2.3.4"); err == nil {
		t.Fatal("expected 4-field token to be rejected")
	}
}
