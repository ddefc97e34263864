package token

import "testing"

func TestNewProducesUniqueTokens(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a == b {
		t.Error("two tokens should not collide")
	}
	if len(a) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(a))
	}
}

func TestVerify(t *testing.T) {
	raw, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	digest := Digest(raw)

	if !Verify(raw, digest) {
		t.Error("token should verify against its own digest")
	}
	if Verify("wrong", digest) {
		t.Error("wrong token should not verify")
	}
	if Verify(raw, Digest("other")) {
		t.Error("token should not verify against another digest")
	}
}

func TestVerifyEmptyDigest(t *testing.T) {
	// A cleared digest (terminal task, unregistered runner) never
	// verifies, even against an empty token.
	if Verify("", "") {
		t.Error("empty digest must never verify")
	}
	if Verify("anything", "") {
		t.Error("empty digest must never verify")
	}
}
