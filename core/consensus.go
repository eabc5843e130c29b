package core

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ConsensusConfig carries the finalizer's thresholds (spec.md §4.H).
type ConsensusConfig struct {
	ConsensusRounds int
	MemoryBlocks    int
	TotalWitnesses  int
}

// Consensus is the multi-round vote accumulation and block-commit
// finalizer of spec.md §4.H. One QuorumTracker exists per in-flight
// candidate block id, since each id accumulates its own independent
// approval set.
type Consensus struct {
	mu       sync.Mutex
	cfg      ConsensusConfig
	cache    *Cache
	store    *BlockStore
	executor TransactionExecutor

	trackers     map[int64]*QuorumTracker
	recentBlocks []Block // bounded tail of the last MemoryBlocks committed blocks
	headHash     string

	onCommit func(Block)
	logger   *logrus.Logger
}

// NewConsensus constructs a finalizer seeded with the chain's current
// head hash.
func NewConsensus(cfg ConsensusConfig, cache *Cache, store *BlockStore, executor TransactionExecutor, headHash string, onCommit func(Block), logger *logrus.Logger) *Consensus {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Consensus{
		cfg: cfg, cache: cache, store: store, executor: executor, headHash: headHash,
		trackers: make(map[int64]*QuorumTracker), onCommit: onCommit, logger: logger,
	}
}

// AcceptIncoming applies the fork-handling rule to a block proposal
// arriving from a peer or the local miner: blocks extending the head or
// referencing a recent non-head block are accepted for voting; blocks
// referencing neither the head nor one of the last
// min(len(recentBlocks), MemoryBlocks, 10) committed blocks are rejected
// outright. Alternative (uncommitted) chain tips are not tracked.
func (c *Consensus) AcceptIncoming(block Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if block.PHash == c.headHash {
		return nil
	}
	limit := c.cfg.MemoryBlocks
	if len(c.recentBlocks) < limit {
		limit = len(c.recentBlocks)
	}
	if limit > 10 {
		limit = 10
	}
	for i := len(c.recentBlocks) - 1; i >= len(c.recentBlocks)-limit && i >= 0; i-- {
		if c.recentBlocks[i].Hash == block.PHash {
			c.logger.WithField("block_id", block.ID).Debug("accepting fork candidate referencing recent non-head block")
			return nil
		}
	}
	return fmt.Errorf("reject block %d: phash %q matches neither head nor recent blocks", block.ID, block.PHash)
}

// Vote records witness w's round-r approval of candidate block id. If
// the resulting distinct-approval count crosses the floor(2W/3)
// threshold, the block is committed.
func (c *Consensus) Vote(block Block, round int, w Address) (committed bool, err error) {
	if err := c.AcceptIncoming(block); err != nil {
		return false, err
	}

	c.mu.Lock()
	tracker, ok := c.trackers[block.ID]
	if !ok {
		tracker = NewQuorumTracker()
		c.trackers[block.ID] = tracker
	}
	c.mu.Unlock()

	if round > c.cfg.ConsensusRounds {
		return false, fmt.Errorf("vote for block %d rejected: round %d exceeds consensus_rounds", block.ID, round)
	}
	tracker.Vote(round, w)
	if !tracker.HasQuorum(c.cfg.TotalWitnesses) {
		return false, nil
	}
	if err := c.commit(block); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Consensus) commit(block Block) error {
	if _, _, err := c.executor.ExecuteBlockTransactions(block, false); err != nil {
		return fmt.Errorf("commit block %d: authoritative execution failed: %w", block.ID, err)
	}
	if err := c.store.Append(block); err != nil {
		return fmt.Errorf("commit block %d: append to store: %w", block.ID, err)
	}
	if err := c.cache.WriteToDisk(block.ID, false); err != nil {
		return fmt.Errorf("commit block %d: flush cache: %w", block.ID, err)
	}

	c.mu.Lock()
	c.recentBlocks = append(c.recentBlocks, block)
	if len(c.recentBlocks) > c.cfg.MemoryBlocks {
		c.recentBlocks = c.recentBlocks[len(c.recentBlocks)-c.cfg.MemoryBlocks:]
	}
	c.headHash = block.Hash
	delete(c.trackers, block.ID)
	c.mu.Unlock()

	if c.onCommit != nil {
		c.onCommit(block)
	}
	return nil
}

// HeadHash returns the current committed chain head hash.
func (c *Consensus) HeadHash() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headHash
}
