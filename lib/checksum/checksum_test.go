package checksum

import "testing"

func TestSumIsStable(t *testing.T) {
	a := Sum([]byte("hello"))
	b := Sum([]byte("hello"))

	if a != b {
		t.Errorf("same input produced %#x and %#x", a, b)
	}
}

func TestSumDiffers(t *testing.T) {
	if Sum([]byte("hello")) == Sum([]byte("hellp")) {
		t.Error("expected different checksums for different content")
	}
}

func TestSumEmpty(t *testing.T) {
	// fingerprint of no content must still be deterministic
	if Sum(nil) != Sum([]byte{}) {
		t.Error("nil and empty slice must agree")
	}
}
