package core

import (
	"testing"
	"time"
)

func newTestRecovery(t *testing.T) (*Recovery, *BlockStore) {
	t.Helper()
	dir := t.TempDir()
	bs, err := OpenBlockStore(dir, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	node := NewNode(time.Hour, time.Hour, nil, nil)
	r := NewRecovery(RecoveryConfig{WindowSize: 5, BackoffThreshold: 3, RequestTimeout: time.Second}, bs, node, func() []NodeID { return nil }, nil)
	return r, bs
}

func TestRecoveryBuffersAndAppliesSequentially(t *testing.T) {
	r, bs := newTestRecovery(t)
	defer bs.Close()

	genesis, _ := bs.Read(0)
	b1 := Block{ID: 1, PHash: genesis.Hash, Hash: "h1", Dist: "0"}
	b2 := Block{ID: 2, PHash: "h1", Hash: "h2", Dist: "0"}

	// Out of order arrival: b2 before b1.
	r.OnBlockReply(b2)
	applied := r.Refresh(false, func(Block) bool { return true }, func(b Block) error { return bs.Append(b) })
	if applied != 0 {
		t.Fatalf("expected no blocks applied while head+1 (block 1) is missing, got %d", applied)
	}

	r.OnBlockReply(b1)
	applied = r.Refresh(false, func(Block) bool { return true }, func(b Block) error { return bs.Append(b) })
	if applied != 2 {
		t.Fatalf("expected both buffered blocks applied once sequential, got %d", applied)
	}
	if bs.Height() != 2 {
		t.Fatalf("expected height 2, got %d", bs.Height())
	}
}

func TestRecoveryDropsOnValidationFailure(t *testing.T) {
	r, bs := newTestRecovery(t)
	defer bs.Close()

	genesis, _ := bs.Read(0)
	b1 := Block{ID: 1, PHash: genesis.Hash, Hash: "h1"}
	r.OnBlockReply(b1)

	applied := r.Refresh(false, func(Block) bool { return false }, func(b Block) error { return bs.Append(b) })
	if applied != 0 {
		t.Fatalf("expected 0 applied when validation fails")
	}
	if bs.Height() != 0 {
		t.Fatalf("expected height unchanged after validation failure, got %d", bs.Height())
	}
}
