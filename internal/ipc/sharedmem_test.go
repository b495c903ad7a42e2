package ipc

import "testing"

func TestSharedMemoryAttachIsIdempotentByKey(t *testing.T) {
	seg1, created1 := Attach("dtn-test-segment", 64)
	if !created1 {
		t.Fatalf("first Attach should report created=true")
	}
	seg2, created2 := Attach("dtn-test-segment", 64)
	if created2 {
		t.Fatalf("second Attach of the same key should report created=false")
	}
	if seg1 != seg2 {
		t.Fatalf("Attach of the same key should return the same segment")
	}

	seg1.Bytes[0] = 0xAB
	if seg2.Bytes[0] != 0xAB {
		t.Fatalf("both attachments should see the same backing bytes")
	}

	Detach("dtn-test-segment")
	Destroy("dtn-test-segment")

	seg3, created3 := Attach("dtn-test-segment", 64)
	if !created3 {
		t.Fatalf("Attach after Destroy should create a fresh segment")
	}
	if seg3.Bytes[0] != 0 {
		t.Fatalf("a fresh segment after Destroy should not carry over old bytes")
	}
	Destroy("dtn-test-segment")
}

func TestSharedMemoryAttachAutoGeneratesDistinctKeys(t *testing.T) {
	seg1, key1 := AttachAuto(8)
	seg2, key2 := AttachAuto(8)
	if key1 == key2 {
		t.Fatalf("AttachAuto should mint distinct keys, got %q twice", key1)
	}
	if seg1 == seg2 {
		t.Fatalf("distinct auto-keyed segments should not alias")
	}
	Destroy(key1)
	Destroy(key2)
}
