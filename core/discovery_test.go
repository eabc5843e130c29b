package core

import (
	"testing"
	"time"
)

func TestDiscoveryConfigMinPeersAndOptimal(t *testing.T) {
	cfg := DiscoveryConfig{TotalWitnesses: 21, MaxPeers: 30}
	if got := cfg.MinPeers(); got != 13 { // ceil(0.6*21) = 13
		t.Fatalf("expected min_peers 13, got %d", got)
	}
	if got := cfg.Optimal(); got != 20 { // min(21-1, 30)
		t.Fatalf("expected optimal 20, got %d", got)
	}
}

func TestDiscoveryRewritesToCanonicalPort(t *testing.T) {
	got := rewriteToCanonicalPort("ws://1.2.3.4:55123", "4200")
	want := "ws://1.2.3.4:4200"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestDiscoveryHandlePeerListRespectsEmergencyRateLimit(t *testing.T) {
	node := NewNode(time.Hour, time.Hour, nil, nil)
	var dialed []string
	d := NewDiscovery(
		DiscoveryConfig{TotalWitnesses: 10, MaxPeers: 20, CanonicalP2PPort: "4200", RateLimitEmergency: time.Hour, RateLimitNormal: time.Minute},
		node, nil,
		func(addr string) error { dialed = append(dialed, addr); return nil },
		nil,
	)
	candidates := []PeerCandidate{{Addr: "ws://5.5.5.5:1111", IP: "5.5.5.5"}}
	d.HandlePeerListResponse(candidates)
	if len(dialed) != 1 {
		t.Fatalf("expected 1 dial on first emergency call, got %d", len(dialed))
	}
	d.HandlePeerListResponse(candidates)
	if len(dialed) != 1 {
		t.Fatalf("expected second call within rate limit window to be suppressed, got %d dials", len(dialed))
	}
}
