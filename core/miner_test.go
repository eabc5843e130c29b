package core

import (
	"testing"
	"time"
)

func testMinerConfig() MinerConfig {
	return MinerConfig{
		BlockTime:             3 * time.Second,
		SyncBlockTime:         time.Second,
		MaxTxPerBlock:         2,
		WitnessReward:         ZeroAmount,
		PostSyncLenientBlocks: 10,
		ClockDriftBufferMs:    40,
	}
}

func TestSelectMempoolTxsOnePerSenderFirstPass(t *testing.T) {
	mp := NewMempool(100, time.Hour)
	mp.Add(Transaction{Sender: "alice", TS: 1, Hash: "h1", Ref: "1:0"})
	mp.Add(Transaction{Sender: "alice", TS: 2, Hash: "h2", Ref: "1:1"})
	mp.Add(Transaction{Sender: "bob", TS: 3, Hash: "h3", Ref: "1:2"})

	sm := NewSyncManager(testSyncConfig(), &fakeUpstreamRPC{height: 0}, nil)
	cache := NewCache(NewMemDocStore(), nil)
	defer cache.Shutdown()
	executor := NewReferenceExecutor(cache, ZeroAmount)
	m := NewMiner(testMinerConfig(), NewWitnessSchedule(3), sm, cache, executor, mp, "self", nil, nil)

	selected := m.selectMempoolTxs()
	if len(selected) != 2 {
		t.Fatalf("expected MaxTxPerBlock=2 selected, got %d", len(selected))
	}
	senders := map[Address]int{}
	for _, tx := range selected {
		senders[tx.Sender]++
	}
	if senders["alice"] != 1 {
		t.Fatalf("expected at most one tx per sender in first pass, got %d from alice", senders["alice"])
	}
}

func TestPrepareBuildsBlockFromUpstreamAndMempool(t *testing.T) {
	mp := NewMempool(100, time.Hour)
	sm := NewSyncManager(testSyncConfig(), &fakeUpstreamRPC{height: 0}, nil)
	cache := NewCache(NewMemDocStore(), nil)
	defer cache.Shutdown()
	executor := NewReferenceExecutor(cache, ZeroAmount)
	m := NewMiner(testMinerConfig(), NewWitnessSchedule(3), sm, cache, executor, mp, "self", nil, nil)

	latest := Block{ID: 5, Hash: "h5", AnchorHeight: 100}
	upstream := &ProcessedUpstream{Txs: []Transaction{{Sender: "carl", Hash: "u1", Ref: "101:0"}}, TS: 12345}

	block, err := m.Prepare(latest, upstream, false)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if block.ID != 6 || block.PHash != "h5" || block.AnchorHeight != 101 {
		t.Fatalf("unexpected block shape: %+v", block)
	}
	if len(block.Txs) != 1 {
		t.Fatalf("expected 1 upstream tx carried into block, got %d", len(block.Txs))
	}
}

func TestMineAbortsOnStalePHash(t *testing.T) {
	mp := NewMempool(100, time.Hour)
	sm := NewSyncManager(testSyncConfig(), &fakeUpstreamRPC{height: 0}, nil)
	cache := NewCache(NewMemDocStore(), nil)
	defer cache.Shutdown()
	executor := NewReferenceExecutor(cache, ZeroAmount)
	m := NewMiner(testMinerConfig(), NewWitnessSchedule(3), sm, cache, executor, mp, "self", nil, nil)

	block := Block{ID: 2, PHash: "stale-hash", Dist: "0"}
	signed, ok, err := m.Mine(block, nil, "current-head-hash")
	if err != nil {
		t.Fatalf("mine: %v", err)
	}
	if ok {
		t.Fatalf("expected abort when phash does not match current head, got %+v", signed)
	}
}
