package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/mr-tron/base58"
)

// canonicalize walks an arbitrary JSON-decoded value and rebuilds it
// with map keys ordered ascending by Unicode code point, matching the
// hash contract in spec.md §7: two structurally-equal objects must
// serialize identically regardless of field insertion order.
func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			out = append(out, kv{k, canonicalize(t[k])})
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return t
	}
}

type kv struct {
	K string
	V any
}

// orderedMap marshals to JSON preserving insertion order, which by
// construction is already sorted ascending by key.
type orderedMap []kv

func (m orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, e := range m {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(e.K)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(e.V)
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// CanonicalHash computes the sidechain hash contract: SHA-256 of the
// UTF-8 canonical JSON encoding of obj, with the "hash" and "signature"
// top-level fields stripped beforehand. obj is typically a struct
// already round-tripped through json.Marshal/Unmarshal into a
// map[string]any by the caller.
func CanonicalHash(obj map[string]any) (string, error) {
	stripped := make(map[string]any, len(obj))
	for k, v := range obj {
		if k == "hash" || k == "signature" {
			continue
		}
		stripped[k] = v
	}
	canon := canonicalize(stripped)
	b, err := json.Marshal(canon)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// HashBlock computes a block's canonical hash by round-tripping it
// through JSON so map-ordering and amount formatting go through the
// same path as any external verifier would use.
func HashBlock(b Block) (string, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("marshal block: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", fmt.Errorf("unmarshal block: %w", err)
	}
	return CanonicalHash(m)
}

// SignDigest signs a hex-encoded SHA-256 digest with a secp256k1
// private key and returns the compact r‖s signature base58-encoded
// with the Bitcoin alphabet, matching the witness signature format in
// spec.md §4.G.
func SignDigest(priv *secp256k1.PrivateKey, digestHex string) (string, error) {
	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return "", fmt.Errorf("decode digest: %w", err)
	}
	if len(digest) != 32 {
		return "", fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	sig := ecdsa.Sign(priv, digest)
	r := sig.R().Bytes()
	s := sig.S().Bytes()
	compact := make([]byte, 0, 64)
	compact = append(compact, leftPad32(r)...)
	compact = append(compact, leftPad32(s)...)
	return base58.Encode(compact), nil
}

// VerifyDigest verifies a base58-encoded compact signature against a
// hex-encoded digest and a secp256k1 public key.
func VerifyDigest(pub *secp256k1.PublicKey, digestHex, sigB58 string) (bool, error) {
	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return false, fmt.Errorf("decode digest: %w", err)
	}
	raw, err := base58.Decode(sigB58)
	if err != nil {
		return false, fmt.Errorf("decode signature: %w", err)
	}
	if len(raw) != 64 {
		return false, fmt.Errorf("signature must be 64 bytes, got %d", len(raw))
	}
	r := new(secp256k1.ModNScalar)
	r.SetByteSlice(raw[:32])
	s := new(secp256k1.ModNScalar)
	s.SetByteSlice(raw[32:])
	sig := ecdsa.NewSignature(r, s)
	return sig.Verify(digest, pub), nil
}

func leftPad32(b []byte) []byte {
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}
