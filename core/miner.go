package core

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/sirupsen/logrus"
)

// TransactionExecutor is the external transaction-type business-logic
// collaborator (spec.md §1, §6) that authoritatively or speculatively
// applies a block's transactions against the cache. Real handlers
// (token/NFT/AMM/orderbook) are out of scope; this package specifies
// the interface and ships a reference implementation that reports the
// configured witness reward as the distributed amount (crediting no
// account) and accepts every transaction, sufficient
// to exercise the miner/consensus pipeline end to end.
type TransactionExecutor interface {
	ExecuteBlockTransactions(block Block, speculative bool) (validTxs []Transaction, distributed Amount, err error)
}

type referenceExecutor struct {
	cache          *Cache
	witnessReward  Amount
}

// NewReferenceExecutor returns a TransactionExecutor that accepts every
// transaction and distributes the fixed witness reward, recording
// nothing beyond the block's presence — real tx-type semantics live
// outside this repo per spec.md §1.
func NewReferenceExecutor(cache *Cache, witnessReward Amount) TransactionExecutor {
	return &referenceExecutor{cache: cache, witnessReward: witnessReward}
}

func (e *referenceExecutor) ExecuteBlockTransactions(block Block, speculative bool) ([]Transaction, Amount, error) {
	if !speculative {
		if err := e.cache.InsertOne("events", Doc{"_id": fmt.Sprintf("block:%d", block.ID), "type": "block_committed"}); err != nil {
			return nil, ZeroAmount, fmt.Errorf("record block event: %w", err)
		}
	}
	return block.Txs, e.witnessReward, nil
}

// MinerConfig carries the block-timing knobs of spec.md §4.G/§6.
type MinerConfig struct {
	BlockTime             time.Duration
	SyncBlockTime         time.Duration
	MaxTxPerBlock         int
	WitnessReward         Amount
	PostSyncLenientBlocks int64
	ClockDriftBufferMs    int64
}

// Miner implements the slot-selection, block-assembly, and
// hash-and-sign pipeline of spec.md §4.G.
type Miner struct {
	mu sync.Mutex

	cfg      MinerConfig
	schedule *WitnessSchedule
	sync     *SyncManager
	cache    *Cache
	executor TransactionExecutor
	mempool  *Mempool
	logger   *logrus.Logger

	self       Address
	privateKey *secp256k1.PrivateKey

	lastFlushSlow bool
}

// NewMiner constructs a miner identified as self, signing with priv.
func NewMiner(cfg MinerConfig, schedule *WitnessSchedule, sm *SyncManager, cache *Cache, executor TransactionExecutor, mempool *Mempool, self Address, priv *secp256k1.PrivateKey, logger *logrus.Logger) *Miner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Miner{cfg: cfg, schedule: schedule, sync: sm, cache: cache, executor: executor, mempool: mempool, self: self, privateKey: priv, logger: logger}
}

// SetLastFlushSlow records whether the previous cache flush was slow,
// consulted by ScheduleNext's throttle rule.
func (m *Miner) SetLastFlushSlow(slow bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastFlushSlow = slow
}

// ScheduleNext computes how long until this node should attempt to
// mine block latest.ID+1, per spec.md §4.G's slot-selection rules.
// A negative duration means "skip this slot".
func (m *Miner) ScheduleNext(latest Block, slate []WitnessRecord, producedRecently map[int64]bool) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := m.sync.Status()
	blockTime := m.cfg.BlockTime
	if status.Mode == ModeSyncing {
		blockTime = m.cfg.SyncBlockTime
	}

	id := latest.ID + 1
	primary, ok := PrimaryForBlock(slate, id)
	isPrimary := ok && primary.Name == m.self

	var mineInMs int64
	switch {
	case isPrimary:
		if m.lastFlushSlow {
			return -blockTime
		}
		elapsed := time.Since(time.UnixMilli(latest.Timestamp)).Milliseconds()
		mineInMs = int64(blockTime/time.Millisecond) - elapsed + m.cfg.ClockDriftBufferMs
	default:
		claimed := false
		w := len(slate)
		for i := 1; i < 2*w && !claimed; i++ {
			candidateID := latest.ID - int64(i) + 1
			if producedRecently[candidateID] {
				target := latest.Timestamp + int64(i+1)*int64(blockTime/time.Millisecond)
				mineInMs = target - time.Now().UnixMilli()
				claimed = true
			}
		}
		if !claimed {
			return blockTime // nothing to do this slot, re-check next tick
		}
	}

	lenient := m.sync.InPostSyncLeniency(id)
	var skipThreshold int64
	if status.Mode == ModeSyncing {
		skipThreshold = maxInt64(20, int64(blockTime/time.Millisecond)/100)
		if mineInMs < skipThreshold {
			return 0
		}
	} else {
		skipThreshold = int64(blockTime/time.Millisecond) / 3
		if lenient {
			skipThreshold = int64(blockTime/time.Millisecond) / 10
		}
		if mineInMs < skipThreshold {
			return time.Duration(blockTime / 10) // defer and re-check
		}
	}
	return time.Duration(mineInMs) * time.Millisecond
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Prepare assembles a candidate block for anchor_height = latest's
// anchor_height + 1, pulling transactions from the processed upstream
// block and the mempool.
func (m *Miner) Prepare(latest Block, upstream *ProcessedUpstream, isSyncing bool) (Block, error) {
	if upstream == nil {
		return Block{}, fmt.Errorf("prepare: no processed upstream data for anchor height %d", latest.AnchorHeight+1)
	}

	selected := m.selectMempoolTxs()

	all := append(append([]Transaction{}, upstream.Txs...), selected...)
	block := Block{
		ID:           latest.ID + 1,
		PHash:        latest.Hash,
		Timestamp:    time.Now().UnixMilli(),
		AnchorHeight: latest.AnchorHeight + 1,
		AnchorTS:     upstream.TS,
		Txs:          all,
		Sync:         isSyncing,
		Dist:         m.cfg.WitnessReward.String(),
	}
	return block, nil
}

// selectMempoolTxs picks up to MaxTxPerBlock mempool entries sorted by
// ts ascending: a first pass enforcing at most one tx per sender, then
// a second pass filling remaining slots avoiding duplicate hashes.
func (m *Miner) selectMempoolTxs() []Transaction {
	entries := m.mempool.Snapshot()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Tx.TS < entries[j].Tx.TS })

	var selected []Transaction
	seenSender := make(map[Address]bool)
	seenHash := make(map[string]bool)

	for _, e := range entries {
		if len(selected) >= m.cfg.MaxTxPerBlock {
			break
		}
		if seenSender[e.Tx.Sender] {
			continue
		}
		seenSender[e.Tx.Sender] = true
		seenHash[e.Tx.Hash] = true
		selected = append(selected, e.Tx)
	}
	if len(selected) < m.cfg.MaxTxPerBlock {
		for _, e := range entries {
			if len(selected) >= m.cfg.MaxTxPerBlock {
				break
			}
			if seenHash[e.Tx.Hash] {
				continue
			}
			seenHash[e.Tx.Hash] = true
			selected = append(selected, e.Tx)
		}
	}
	for _, tx := range selected {
		m.mempool.Remove(tx.Hash)
	}
	return selected
}

// Mine runs speculative execution, finalizes the block's txs and
// distribution, hashes and signs it, and re-checks phash against the
// current chain head before returning the signed block ready for
// consensus round-0 proposal.
func (m *Miner) Mine(block Block, slate []WitnessRecord, currentHeadHash string) (Block, bool, error) {
	validTxs, distributed, err := m.executor.ExecuteBlockTransactions(block, true)
	if err != nil {
		m.cache.Rollback()
		return Block{}, false, fmt.Errorf("speculative execution failed: %w", err)
	}
	m.cache.Rollback()

	block.Txs = validTxs
	block.Dist = distributed.String()
	block.Witness = m.self
	if primary, ok := PrimaryForBlock(slate, block.ID); ok && primary.Name != m.self {
		block.MissedBy = primary.Name
	}

	hash, err := HashBlock(block)
	if err != nil {
		return Block{}, false, fmt.Errorf("hash block %d: %w", block.ID, err)
	}
	block.Hash = hash

	if m.privateKey != nil {
		sig, err := SignDigest(m.privateKey, hash)
		if err != nil {
			return Block{}, false, fmt.Errorf("sign block %d: %w", block.ID, err)
		}
		block.Signature = sig
	}

	if block.PHash != currentHeadHash {
		m.logger.WithField("block_id", block.ID).Warn("aborting mine: competing block arrived, phash stale")
		return Block{}, false, nil
	}
	return block, true, nil
}
