// Command node runs a sidechain witness node: it anchors to an
// upstream chain, produces and validates blocks, and participates in
// the peer-to-peer consensus overlay.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/meeray/sidechain-node/core"
	"github.com/meeray/sidechain-node/pkg/config"
)

// newWitnessKey parses a hex-encoded secp256k1 private key. An empty
// string is valid for a non-witness observer node: the node runs
// without the ability to sign blocks.
func newWitnessKey(hexKey string) (*secp256k1.PrivateKey, error) {
	if hexKey == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode witness private key: %w", err)
	}
	return secp256k1.PrivKeyFromBytes(raw), nil
}

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "node",
		Short: "Sidechain witness node",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	root.AddCommand(newStartCmd())
	root.AddCommand(newRebuildStateCmd())
	root.AddCommand(newStatusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the node's block production and sync loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := newLogger(cfg.LogLevel)
			return runNode(cmd.Context(), cfg, logger)
		},
	}
}

func newRebuildStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-state",
		Short: "Rebuild in-memory/document state by replaying the block log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := newLogger(cfg.LogLevel)
			return rebuildState(cfg, logger)
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print block store height and size, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.BlocksDir == "" {
				return fmt.Errorf("status requires BLOCKS_DIR to be configured")
			}
			bs, err := core.OpenBlockStore(cfg.BlocksDir, newLogger(cfg.LogLevel))
			if err != nil {
				return fmt.Errorf("open block store: %w", err)
			}
			defer bs.Close()
			height, logBytes, indexBytes, err := bs.Stat()
			if err != nil {
				return fmt.Errorf("stat block store: %w", err)
			}
			fmt.Printf("height=%d log_bytes=%d index_bytes=%d\n", height, logBytes, indexBytes)
			return nil
		},
	}
}

// producedTracker records which recent block ids have been committed,
// for Miner.ScheduleNext's backup-witness-slot lookup. Entries older
// than a bounded window are pruned so the map can't grow unbounded over
// a long-running process.
type producedTracker struct {
	mu sync.Mutex
	m  map[int64]bool
}

func newProducedTracker() *producedTracker {
	return &producedTracker{m: make(map[int64]bool)}
}

func (p *producedTracker) mark(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[id] = true
	if len(p.m) > 256 {
		for k := range p.m {
			if k < id-128 {
				delete(p.m, k)
			}
		}
	}
}

func (p *producedTracker) snapshot() map[int64]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int64]bool, len(p.m))
	for k, v := range p.m {
		out[k] = v
	}
	return out
}

// node bundles every component constructed for a running process,
// mirroring the teacher's pattern of an explicit struct of
// constructor-injected components rather than package-level globals.
type node struct {
	cfg       *config.Config
	logger    *logrus.Logger
	store     *core.BlockStore
	cache     *core.Cache
	pool      *core.UpstreamPool
	parser    *core.UpstreamParser
	sync      *core.SyncManager
	processor *core.BlockProcessor
	mempool   *core.Mempool
	schedule  *core.WitnessSchedule
	miner     *core.Miner
	consensus *core.Consensus
	overlay   *core.Node
	discovery *core.Discovery
	recovery  *core.Recovery
	produced  *producedTracker
}

func buildNode(cfg *config.Config, logger *logrus.Logger) (*node, error) {
	var store *core.BlockStore
	var err error
	if cfg.BlocksDir != "" {
		store, err = core.OpenBlockStore(cfg.BlocksDir, logger)
		if err != nil {
			return nil, fmt.Errorf("open block store: %w", err)
		}
	} else {
		store, err = core.OpenBlockStore(os.TempDir()+"/sidechain-blocks", logger)
		if err != nil {
			return nil, fmt.Errorf("open fallback block store: %w", err)
		}
	}

	docStore := core.NewMemDocStore()
	cache := core.NewCache(docStore, logger)
	if err := cache.WarmupWitnesses(); err != nil {
		logger.WithError(err).Warn("witness warmup failed")
	}
	if err := cache.WarmupCollection("accounts", "vote_weight", true, cfg.WarmupAccounts); err != nil {
		logger.WithError(err).Warn("account warmup failed")
	}
	if err := cache.WarmupCollection("tokens", "created_at", true, cfg.WarmupTokens); err != nil {
		logger.WithError(err).Warn("token warmup failed")
	}

	if len(cfg.SteemAPI) == 0 {
		return nil, fmt.Errorf("STEEM_API must list at least one upstream RPC endpoint")
	}
	pool, err := core.NewUpstreamPool(cfg.SteemAPI, 15*time.Second, logger)
	if err != nil {
		return nil, fmt.Errorf("build upstream pool: %w", err)
	}
	parser := core.NewUpstreamParser(cfg.SidechainTag, logger)

	syncCfg := core.SyncConfig{
		SteemBlockMaxDelay:       cfg.SteemBlockMaxDelay,
		SteemBlockDelay:          cfg.SteemBlockDelay,
		SyncExitThreshold:        cfg.SyncExitThreshold,
		SyncExitQuorumPercent:    cfg.SyncExitQuorumPercent,
		SteemHeightExpiry:        time.Minute,
		PostSyncLenientBlocks:    cfg.PostSyncLenientBlocks,
		DefaultBroadcastInterval: 10 * time.Second,
		FastBroadcastInterval:    2 * time.Second,
	}
	syncManager := core.NewSyncManager(syncCfg, pool, logger)

	bpCfg := core.BlockProcessorConfig{
		MaxPrefetchBlocks:       cfg.MaxPrefetchBlocks,
		CircuitBreakerThreshold: cfg.CircuitBreakerThreshold,
		FetchMaxAttempts:        5,
		FetchBackoffInitial:     time.Second,
		FetchBackoffCap:         30 * time.Second,
	}
	lastProcessed := int64(-1)
	processor, err := core.NewBlockProcessor(pool, parser, core.NewPermissiveValidator(), syncManager, bpCfg, lastProcessed, logger)
	if err != nil {
		return nil, fmt.Errorf("build block processor: %w", err)
	}

	mempool := core.NewMempool(cfg.MaxMempool, cfg.MempoolMaxAge)
	schedule := core.NewWitnessSchedule(cfg.TotalWitnesses)

	witnessReward, err := core.ParseAmount(cfg.WitnessReward)
	if err != nil {
		return nil, fmt.Errorf("parse witness_reward: %w", err)
	}
	minerCfg := core.MinerConfig{
		BlockTime:             cfg.BlockTime,
		SyncBlockTime:         cfg.SyncBlockTime,
		MaxTxPerBlock:         cfg.MaxTxPerBlock,
		WitnessReward:         witnessReward,
		PostSyncLenientBlocks: cfg.PostSyncLenientBlocks,
		ClockDriftBufferMs:    40,
	}
	executor := core.NewReferenceExecutor(cache, witnessReward)

	witnessKey, err := newWitnessKey(cfg.WitnessPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parse witness private key: %w", err)
	}

	miner := core.NewMiner(minerCfg, schedule, syncManager, cache, executor, mempool, core.Address(cfg.SteemAccount), witnessKey, logger)

	genesis, err := store.Read(0)
	if err != nil {
		return nil, fmt.Errorf("read genesis block: %w", err)
	}
	consensusCfg := core.ConsensusConfig{
		ConsensusRounds: cfg.ConsensusRounds,
		MemoryBlocks:    cfg.MemoryBlocks,
		TotalWitnesses:  cfg.TotalWitnesses,
	}
	produced := newProducedTracker()
	var overlay *core.Node
	consensus := core.NewConsensus(consensusCfg, cache, store, executor, genesis.Hash, func(b core.Block) {
		produced.mark(b.ID)
		if overlay != nil {
			overlay.BroadcastBlock(b)
		}
	}, logger)

	// built is assigned once the node struct exists below; the overlay's
	// onMessage callback is wired through it since dispatch needs
	// discovery/recovery/consensus together, and those can't exist
	// before overlay does.
	var built *node
	dispatch := func(from core.NodeID, env core.Envelope) {
		if built != nil {
			built.handlePeerMessage(from, env)
		}
	}
	overlay = core.NewNode(30*time.Second, 5*time.Minute, dispatch, logger)

	discoveryCfg := core.DiscoveryConfig{
		TotalWitnesses:     cfg.TotalWitnesses,
		MaxPeers:           cfg.MaxPeers,
		CanonicalP2PPort:   cfg.CanonicalP2PPort,
		RateLimitEmergency: 30 * time.Second,
		RateLimitNormal:    5 * time.Minute,
	}
	discovery := core.NewDiscovery(discoveryCfg, overlay, cfg.Peers, nil, logger)

	recoveryCfg := core.RecoveryConfig{WindowSize: 10, BackoffThreshold: 5, RequestTimeout: 15 * time.Second}
	recovery := core.NewRecovery(recoveryCfg, store, overlay, overlay.Peers, logger)

	built = &node{
		cfg: cfg, logger: logger, store: store, cache: cache, pool: pool, parser: parser,
		sync: syncManager, processor: processor, mempool: mempool, schedule: schedule,
		miner: miner, consensus: consensus, overlay: overlay, discovery: discovery, recovery: recovery,
		produced: produced,
	}
	return built, nil
}

// handlePeerMessage routes an inbound envelope from a connected peer to
// the component that owns its message type, per spec.md §4.I's message
// type table.
func (n *node) handlePeerMessage(from core.NodeID, env core.Envelope) {
	switch env.T {
	case core.MsgQueryBlock:
		var req struct {
			ID        int64  `json:"id"`
			RequestID string `json:"request_id"`
		}
		if err := json.Unmarshal(env.D, &req); err != nil {
			n.logger.WithError(err).Debug("malformed query_block request")
			return
		}
		block, err := n.store.Read(req.ID)
		if err != nil {
			n.logger.WithField("block_id", req.ID).WithError(err).Debug("query_block for unknown block")
			return
		}
		if err := n.overlay.SendTo(from, core.MsgBlock, block); err != nil {
			n.logger.WithField("peer", from).WithError(err).Debug("block reply send failed")
		}
	case core.MsgBlock:
		var block core.Block
		if err := json.Unmarshal(env.D, &block); err != nil {
			n.logger.WithError(err).Debug("malformed block reply")
			return
		}
		n.recovery.OnBlockReply(block)
	case core.MsgNewBlock:
		var block core.Block
		if err := json.Unmarshal(env.D, &block); err != nil {
			n.logger.WithError(err).Debug("malformed new_block broadcast")
			return
		}
		if err := n.consensus.AcceptIncoming(block); err != nil {
			n.logger.WithField("block_id", block.ID).WithError(err).Debug("new_block rejected")
			return
		}
		if _, err := n.consensus.Vote(block, 0, block.Witness); err != nil {
			n.logger.WithField("block_id", block.ID).WithError(err).Debug("vote on new_block failed")
		}
	case core.MsgVote:
		var vote struct {
			Block   core.Block   `json:"block"`
			Round   int          `json:"round"`
			Witness core.Address `json:"witness"`
		}
		if err := json.Unmarshal(env.D, &vote); err != nil {
			n.logger.WithError(err).Debug("malformed vote")
			return
		}
		if _, err := n.consensus.Vote(vote.Block, vote.Round, vote.Witness); err != nil {
			n.logger.WithField("block_id", vote.Block.ID).WithError(err).Debug("vote rejected")
		}
	case core.MsgQueryPeerList:
		n.overlay.SendTo(from, core.MsgPeerList, n.peerCandidates())
	case core.MsgPeerList:
		var candidates []core.PeerCandidate
		if err := json.Unmarshal(env.D, &candidates); err != nil {
			n.logger.WithError(err).Debug("malformed peer_list reply")
			return
		}
		n.discovery.HandlePeerListResponse(candidates)
	}
}

// peerCandidates reports this node's connected peers as addresses for a
// QUERY_PEER_LIST reply. Addresses are opaque node ids here since the
// overlay only tracks sockets by id, not dialable addresses for
// already-connected peers; real deployments would track both.
func (n *node) peerCandidates() []core.PeerCandidate {
	peers := n.overlay.Peers()
	out := make([]core.PeerCandidate, 0, len(peers))
	for _, id := range peers {
		out = append(out, core.PeerCandidate{Addr: string(id), IP: string(id)})
	}
	return out
}

// loadWitnessSlate reads the current witness set from the accounts
// collection and rotates it deterministically for seedBlockHash, per
// spec.md §4.L.
func (n *node) loadWitnessSlate(seedBlockHash string) []core.WitnessRecord {
	docs, err := n.cache.Find("accounts", core.Query{"is_witness": true, "enabled": true}, core.FindOptions{})
	if err != nil {
		n.logger.WithError(err).Warn("failed to load witness candidates")
		return nil
	}
	candidates := make([]core.WitnessRecord, 0, len(docs))
	for _, d := range docs {
		name, _ := d["name"].(string)
		pubKey, _ := d["public_key"].(string)
		endpoint, _ := d["endpoint"].(string)
		// Documents decode numeric fields as float64, never int64.
		weightFloat, _ := d["witness_weight"].(float64)
		candidates = append(candidates, core.WitnessRecord{
			Name: core.Address(name), PublicKey: pubKey, Weight: int64(weightFloat), Endpoint: endpoint, Enabled: true,
		})
	}
	slate := n.schedule.Rotate(seedBlockHash, candidates)
	n.discovery.RefreshWitnessEndpoints(slate)
	return slate
}

func runNode(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	n, err := buildNode(cfg, logger)
	if err != nil {
		return err
	}
	defer n.store.Close()
	defer n.cache.Shutdown()
	defer n.overlay.Shutdown()

	ctx, cancel := context.WithCancel(ctx)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received, draining writer queue")
		cancel()
	}()

	n.discovery.Bootstrap()

	mineTimer := time.NewTimer(n.cfg.BlockTime)
	discoveryTicker := time.NewTicker(30 * time.Second)
	statusTicker := time.NewTicker(10 * time.Second)
	defer mineTimer.Stop()
	defer discoveryTicker.Stop()
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("node shutting down")
			return nil
		case <-mineTimer.C:
			mineTimer.Reset(n.runMiningSlot(ctx))
		case <-discoveryTicker.C:
			n.discovery.MaybeQueryPeerList()
		case <-statusTicker.C:
			n.overlay.BroadcastSyncStatus(core.SyncStatusMsg{
				Behind:    n.sync.Status().Behind,
				IsSyncing: n.sync.Status().Mode == core.ModeSyncing,
			})
		}
	}
}

// runMiningSlot consults Miner.ScheduleNext to decide whether this is
// this node's slot to mine latest.ID+1, and returns the delay the
// caller's timer should wait before the next invocation. A skipped
// (throttled) slot waits the magnitude of ScheduleNext's negative delay;
// a zero delay from ScheduleNext means mine now, after which the next
// check is a full block time (or a tenth of one if the attempt failed).
func (n *node) runMiningSlot(ctx context.Context) time.Duration {
	height := n.store.Height()
	latest, err := n.store.Read(height)
	if err != nil {
		n.logger.WithError(err).Error("failed to read chain head for mining slot")
		return n.cfg.BlockTime
	}

	upstreamHeight, err := n.pool.GetLatestHeight(ctx)
	if err != nil {
		n.logger.WithError(err).Warn("failed to fetch upstream height")
		return n.cfg.BlockTime
	}
	n.sync.UpdateBehind(latest.AnchorHeight, upstreamHeight)

	epochSeed := n.schedule.EpochSeedBlock(latest.ID + 1)
	seedBlock, err := n.store.Read(epochSeed)
	if err != nil {
		seedBlock = latest
	}
	slate := n.loadWitnessSlate(seedBlock.Hash)

	delay := n.miner.ScheduleNext(latest, slate, n.produced.snapshot())
	if delay > 0 {
		return delay
	}
	if delay < 0 {
		return -delay
	}

	processed, err := n.processor.ProcessUpstream(ctx, latest.AnchorHeight+1)
	if err != nil {
		n.logger.WithError(err).Debug("process_upstream failed this slot")
		return n.cfg.BlockTime / 10
	}
	if processed == nil {
		return n.cfg.BlockTime / 10
	}

	block, err := n.miner.Prepare(latest, processed, n.sync.Status().Mode == core.ModeSyncing)
	if err != nil {
		n.logger.WithError(err).Debug("prepare failed this slot")
		return n.cfg.BlockTime / 10
	}

	signed, ok, err := n.miner.Mine(block, slate, n.consensus.HeadHash())
	if err != nil {
		n.logger.WithError(err).Warn("mine failed this slot")
		return n.cfg.BlockTime / 10
	}
	if !ok {
		return n.cfg.BlockTime / 10
	}

	if _, err := n.consensus.Vote(signed, 0, core.Address(n.cfg.SteemAccount)); err != nil {
		n.logger.WithError(err).Warn("round-0 self-vote rejected")
	}
	return n.cfg.BlockTime
}

func rebuildState(cfg *config.Config, logger *logrus.Logger) error {
	if cfg.BlocksDir == "" {
		return fmt.Errorf("rebuild-state requires BLOCKS_DIR")
	}
	store, err := core.OpenBlockStore(cfg.BlocksDir, logger)
	if err != nil {
		return fmt.Errorf("open block store: %w", err)
	}
	defer store.Close()

	if !cfg.RebuildNoVerify {
		if err := store.VerifyChain(0, store.Height()); err != nil {
			return fmt.Errorf("chain verification failed: %w", err)
		}
	}

	docStore := core.NewMemDocStore()
	cache := core.NewCache(docStore, logger)
	defer cache.Shutdown()
	executor := core.NewReferenceExecutor(cache, core.ZeroAmount)

	for id := int64(1); id <= store.Height(); id++ {
		block, err := store.Read(id)
		if err != nil {
			return fmt.Errorf("read block %d: %w", id, err)
		}
		if !cfg.RebuildNoValidate {
			if _, _, err := executor.ExecuteBlockTransactions(block, false); err != nil {
				return fmt.Errorf("replay block %d: %w", id, err)
			}
		}
	}
	if err := cache.WriteToDisk(store.Height(), false); err != nil {
		return fmt.Errorf("flush rebuilt state: %w", err)
	}
	logger.WithField("height", store.Height()).Info("rebuild complete")

	if cfg.TerminateAfterRebuild {
		os.Exit(0)
	}
	return nil
}
