package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// TransactionValidator is the external transaction-type business-logic
// collaborator (spec.md §1, §6): validates one candidate transaction
// against the block timestamp. Token/NFT/AMM/orderbook handlers are
// explicitly out of scope; this package only specifies the interface
// and ships a permissive reference implementation for tests.
type TransactionValidator interface {
	Validate(tx Transaction, blockTimestampMs int64) bool
}

type permissiveValidator struct{}

func (permissiveValidator) Validate(Transaction, int64) bool { return true }

// NewPermissiveValidator returns a TransactionValidator that accepts
// every transaction, sufficient to exercise the block processor and
// miner pipelines in tests without real tx-type business logic.
func NewPermissiveValidator() TransactionValidator { return permissiveValidator{} }

// ProcessedUpstream is the result of processing one upstream height.
type ProcessedUpstream struct {
	Txs []Transaction
	TS  int64
}

// BlockProcessor pulls upstream blocks, parses and validates their
// operations, and feeds the circuit breaker that forces the sync
// manager into SYNCING on repeated upstream failure (spec.md §4.F).
type BlockProcessor struct {
	pool      *UpstreamPool
	parser    *UpstreamParser
	validator TransactionValidator
	sync      *SyncManager
	logger    *logrus.Logger

	cfg BlockProcessorConfig

	mu                sync.Mutex
	lastProcessed     int64
	inFlight          map[int64]bool
	consecutiveErrors int
	breakerOpen       bool

	prefetchCache *lru.Cache[int64, UpstreamBlock]
}

// BlockProcessorConfig carries the thresholds named in spec.md §4.F.
type BlockProcessorConfig struct {
	MaxPrefetchBlocks      int
	CircuitBreakerThreshold int
	FetchMaxAttempts       int
	FetchBackoffInitial    time.Duration
	FetchBackoffCap        time.Duration
}

// NewBlockProcessor constructs a processor starting at lastProcessed
// (the height of the last successfully processed upstream block).
func NewBlockProcessor(pool *UpstreamPool, parser *UpstreamParser, validator TransactionValidator, sm *SyncManager, cfg BlockProcessorConfig, lastProcessed int64, logger *logrus.Logger) (*BlockProcessor, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cache, err := lru.New[int64, UpstreamBlock](4 * cfg.MaxPrefetchBlocks)
	if err != nil {
		return nil, fmt.Errorf("create prefetch cache: %w", err)
	}
	return &BlockProcessor{
		pool: pool, parser: parser, validator: validator, sync: sm, cfg: cfg,
		lastProcessed: lastProcessed, inFlight: make(map[int64]bool),
		prefetchCache: cache, logger: logger,
	}, nil
}

// ProcessUpstream processes upstream height n, returning nil if n is
// not exactly lastProcessed+1 or if a fetch for n is already in flight.
func (bp *BlockProcessor) ProcessUpstream(ctx context.Context, n int64) (*ProcessedUpstream, error) {
	bp.mu.Lock()
	if n != bp.lastProcessed+1 {
		bp.mu.Unlock()
		return nil, nil
	}
	if bp.inFlight[n] {
		bp.mu.Unlock()
		return nil, nil
	}
	bp.inFlight[n] = true
	bp.mu.Unlock()

	defer func() {
		bp.mu.Lock()
		delete(bp.inFlight, n)
		bp.mu.Unlock()
	}()

	block, err := bp.fetchWithRetry(ctx, n)
	if err != nil {
		bp.recordFailure()
		return nil, err
	}
	bp.recordSuccess()

	txs, ts, err := bp.parser.Parse(block)
	if err != nil {
		return nil, fmt.Errorf("parse upstream block %d: %w", n, err)
	}

	var validated []Transaction
	for _, tx := range txs {
		if bp.validator.Validate(tx, ts) {
			validated = append(validated, tx)
		}
	}

	bp.mu.Lock()
	bp.lastProcessed = n
	bp.mu.Unlock()

	return &ProcessedUpstream{Txs: validated, TS: ts}, nil
}

// fetchWithRetry fetches upstream block n with up to FetchMaxAttempts
// attempts, exponential backoff capped at FetchBackoffCap, rotating
// endpoint after 2 failed attempts, and consulting the prefetch cache
// first.
func (bp *BlockProcessor) fetchWithRetry(ctx context.Context, n int64) (UpstreamBlock, error) {
	if cached, ok := bp.prefetchCache.Get(n); ok {
		bp.prefetchCache.Remove(n)
		return cached, nil
	}

	backoff := bp.cfg.FetchBackoffInitial
	var lastErr error
	maxAttempts := bp.cfg.FetchMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		block, err := bp.pool.GetBlock(ctx, n)
		if err == nil {
			return block, nil
		}
		lastErr = err
		bp.logger.WithFields(logrus.Fields{"height": n, "attempt": attempt}).WithError(err).Warn("upstream fetch failed")
		if attempt == 2 {
			bp.pool.switchToNextEndpoint()
		}
		select {
		case <-ctx.Done():
			return UpstreamBlock{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = backoff * 3 / 2
		if backoff > bp.cfg.FetchBackoffCap {
			backoff = bp.cfg.FetchBackoffCap
		}
	}
	return UpstreamBlock{}, fmt.Errorf("fetch upstream block %d: exhausted %d attempts: %w", n, maxAttempts, lastErr)
}

// PrefetchBlocks fetches heights [start, start+count) into the prefetch
// cache, skipping heights already cached. It performs one batch; how
// often and how far ahead to prefetch is left to the caller.
func (bp *BlockProcessor) PrefetchBlocks(ctx context.Context, start int64, count int) {
	for i := int64(0); i < int64(count); i++ {
		h := start + i
		if bp.prefetchCache.Contains(h) {
			continue
		}
		block, err := bp.pool.GetBlock(ctx, h)
		if err != nil {
			bp.logger.WithField("height", h).WithError(err).Debug("prefetch failed")
			continue
		}
		bp.prefetchCache.Add(h, block)
	}
}

func (bp *BlockProcessor) recordFailure() {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.consecutiveErrors++
	if bp.cfg.CircuitBreakerThreshold > 0 && bp.consecutiveErrors >= bp.cfg.CircuitBreakerThreshold && !bp.breakerOpen {
		bp.breakerOpen = true
		bp.logger.Warn("block processor circuit breaker opened")
		if bp.sync != nil {
			bp.sync.TripCircuitBreaker()
		}
	}
}

func (bp *BlockProcessor) recordSuccess() {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.consecutiveErrors = 0
	bp.breakerOpen = false
}

// ValidateBlockAgainstUpstream recomputes the valid upstream-derived
// txs for block.AnchorHeight and checks the block's anchor-scoped txs
// equal that set exactly by ref.
func (bp *BlockProcessor) ValidateBlockAgainstUpstream(ctx context.Context, block Block) (bool, error) {
	block2, err := bp.pool.GetBlock(ctx, block.AnchorHeight)
	if err != nil {
		return false, fmt.Errorf("fetch anchor block %d: %w", block.AnchorHeight, err)
	}
	expected, ts, err := bp.parser.Parse(block2)
	if err != nil {
		return false, fmt.Errorf("parse anchor block %d: %w", block.AnchorHeight, err)
	}
	expectedRefs := make(map[string]bool, len(expected))
	for _, tx := range expected {
		if bp.validator.Validate(tx, ts) {
			expectedRefs[tx.Ref] = true
		}
	}

	prefix := fmt.Sprintf("%d:", block.AnchorHeight)
	actualRefs := make(map[string]bool)
	for _, tx := range block.Txs {
		if len(tx.Ref) >= len(prefix) && tx.Ref[:len(prefix)] == prefix {
			actualRefs[tx.Ref] = true
		}
	}
	if len(actualRefs) != len(expectedRefs) {
		return false, nil
	}
	for ref := range expectedRefs {
		if !actualRefs[ref] {
			return false, nil
		}
	}
	return true, nil
}
