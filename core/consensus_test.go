package core

import "testing"

func TestQuorumTrackerOneVotePerWitnessPerRound(t *testing.T) {
	qt := NewQuorumTracker()
	if !qt.Vote(0, "alice") {
		t.Fatalf("expected first vote to succeed")
	}
	if qt.Vote(0, "alice") {
		t.Fatalf("expected duplicate vote in same round to be rejected")
	}
	if !qt.Vote(1, "alice") {
		t.Fatalf("expected vote in a new round to succeed")
	}
	if qt.DistinctApprovals() != 1 {
		t.Fatalf("expected 1 distinct approval, got %d", qt.DistinctApprovals())
	}
}

func TestQuorumTrackerThreshold(t *testing.T) {
	qt := NewQuorumTracker()
	// W=10: floor(2*10/3)=6, need > 6, i.e. 7 distinct
	for i, name := range []string{"a", "b", "c", "d", "e", "f"} {
		qt.Vote(0, Address(name))
		if qt.HasQuorum(10) {
			t.Fatalf("unexpected quorum after %d votes", i+1)
		}
	}
	qt.Vote(0, "g")
	if !qt.HasQuorum(10) {
		t.Fatalf("expected quorum after 7th distinct approval")
	}
}

func newTestConsensus(t *testing.T) (*Consensus, *BlockStore) {
	t.Helper()
	dir := t.TempDir()
	bs, err := OpenBlockStore(dir, nil)
	if err != nil {
		t.Fatalf("open block store: %v", err)
	}
	cache := NewCache(NewMemDocStore(), nil)
	executor := NewReferenceExecutor(cache, ZeroAmount)
	genesis, _ := bs.Read(0)
	cfg := ConsensusConfig{ConsensusRounds: 3, MemoryBlocks: 10, TotalWitnesses: 3}
	c := NewConsensus(cfg, cache, bs, executor, genesis.Hash, nil, nil)
	return c, bs
}

func TestConsensusCommitsOnQuorum(t *testing.T) {
	c, bs := newTestConsensus(t)
	defer bs.Close()

	genesis, _ := bs.Read(0)
	block := Block{ID: 1, PHash: genesis.Hash, Hash: "h1", Dist: "0"}

	committed, err := c.Vote(block, 0, "a")
	if err != nil {
		t.Fatalf("vote a: %v", err)
	}
	if committed {
		t.Fatalf("should not commit with only 1/3 approvals")
	}
	committed, err = c.Vote(block, 0, "b")
	if err != nil {
		t.Fatalf("vote b: %v", err)
	}
	if committed {
		t.Fatalf("should not commit with only 2/3 approvals (need >floor(2*3/3)=2)")
	}
	committed, err = c.Vote(block, 0, "c")
	if err != nil {
		t.Fatalf("vote c: %v", err)
	}
	if !committed {
		t.Fatalf("expected commit after 3/3 approvals")
	}
	if bs.Height() != 1 {
		t.Fatalf("expected block appended to store, height=%d", bs.Height())
	}
	if c.HeadHash() != "h1" {
		t.Fatalf("expected head hash updated to h1, got %q", c.HeadHash())
	}
}

func TestConsensusRejectsUnknownFork(t *testing.T) {
	c, bs := newTestConsensus(t)
	defer bs.Close()

	block := Block{ID: 5, PHash: "totally-unrelated-hash"}
	if err := c.AcceptIncoming(block); err == nil {
		t.Fatalf("expected rejection of block referencing unknown phash")
	}
}
