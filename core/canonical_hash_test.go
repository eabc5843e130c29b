package core

import (
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func generateTestKey() (*secp256k1.PrivateKey, error) {
	return secp256k1.GeneratePrivateKey()
}

func TestCanonicalHashOrderIndependent(t *testing.T) {
	a := map[string]any{"b": 1.0, "a": 2.0, "hash": "x", "signature": "y"}
	b := map[string]any{"a": 2.0, "b": 1.0}

	h1, err := CanonicalHash(a)
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	h2, err := CanonicalHash(b)
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected identical hashes regardless of key order / hash+signature presence, got %s vs %s", h1, h2)
	}
}

func TestCanonicalHashDiffersOnContentChange(t *testing.T) {
	a := map[string]any{"amount": "10.5"}
	b := map[string]any{"amount": "10.6"}
	h1, _ := CanonicalHash(a)
	h2, _ := CanonicalHash(b)
	if h1 == h2 {
		t.Fatalf("expected different hashes for different content")
	}
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	priv, err := generateTestKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	digest, _ := CanonicalHash(map[string]any{"x": 1.0})

	sig, err := SignDigest(priv, digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ok, err := VerifyDigest(priv.PubKey(), digest, sig)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatalf("expected signature to verify")
	}
}
