package core

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RecoveryConfig carries the backoff/rotation thresholds of spec.md
// §4.K.
type RecoveryConfig struct {
	WindowSize        int
	BackoffThreshold  int
	RequestTimeout    time.Duration
}

// Recovery implements QUERY_BLOCK-based catch-up with an in-flight
// request set and a ready-to-apply buffer, per spec.md §4.K.
type Recovery struct {
	mu sync.Mutex
	cfg RecoveryConfig

	store *BlockStore
	node  *Node
	peers func() []NodeID

	recovering       bool
	recoveringBlocks map[int64]bool
	recoveredBlocks  map[int64]Block
	recoverAttempt   int
	peerRotation     int

	logger *logrus.Logger
}

// NewRecovery constructs a recovery engine over store, requesting
// blocks from peers() via node.
func NewRecovery(cfg RecoveryConfig, store *BlockStore, node *Node, peers func() []NodeID, logger *logrus.Logger) *Recovery {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Recovery{
		cfg: cfg, store: store, node: node, peers: peers,
		recoveringBlocks: make(map[int64]bool), recoveredBlocks: make(map[int64]Block), logger: logger,
	}
}

// Recover requests a window of block ids starting at head+1 from
// peers, skipping ids already in flight or already buffered.
func (r *Recovery) Recover() {
	r.mu.Lock()
	r.recovering = true
	head := r.store.Height()
	peers := r.selectPeersLocked()
	var toRequest []int64
	for id := head + 1; id < head+1+int64(r.cfg.WindowSize); id++ {
		if _, buffered := r.recoveredBlocks[id]; r.recoveringBlocks[id] || buffered {
			continue
		}
		r.recoveringBlocks[id] = true
		toRequest = append(toRequest, id)
	}
	r.mu.Unlock()

	if len(peers) == 0 {
		r.logger.Warn("recovery: no peers available to query")
		return
	}
	for i, id := range toRequest {
		peer := peers[i%len(peers)]
		reqID := uuid.New().String()
		if err := r.node.SendTo(peer, MsgQueryBlock, map[string]any{"id": id, "request_id": reqID}); err != nil {
			r.logger.WithField("block_id", id).WithError(err).Debug("recovery request send failed")
		}
	}
}

func (r *Recovery) selectPeersLocked() []NodeID {
	all := r.peers()
	if len(all) == 0 {
		return nil
	}
	rotated := append(append([]NodeID{}, all[r.peerRotation%len(all):]...), all[:r.peerRotation%len(all)]...)
	return rotated
}

// OnBlockReply places a received block into the ready-to-apply buffer.
func (r *Recovery) OnBlockReply(b Block) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.recoveringBlocks, b.ID)
	r.recoveredBlocks[b.ID] = b
}

// Refresh applies any sequentially-ready recovered blocks. validate is
// called per candidate block; on failure the entry is dropped and will
// be re-requested on the next Recover(). Returns the number of blocks
// applied.
func (r *Recovery) Refresh(force bool, validate func(Block) bool, apply func(Block) error) int {
	applied := 0
	for {
		head := r.store.Height()
		r.mu.Lock()
		block, ok := r.recoveredBlocks[head+1]
		r.mu.Unlock()
		if !ok {
			break
		}
		if !validate(block) {
			r.mu.Lock()
			delete(r.recoveredBlocks, head+1)
			r.mu.Unlock()
			r.logger.WithField("block_id", head+1).Warn("recovery validation failed, dropping and will re-request")
			r.recordNoProgress()
			break
		}
		if err := apply(block); err != nil {
			r.logger.WithField("block_id", head+1).WithError(err).Warn("recovery apply failed")
			r.recordNoProgress()
			break
		}
		r.mu.Lock()
		delete(r.recoveredBlocks, head+1)
		r.recoverAttempt = 0
		r.mu.Unlock()
		applied++
	}
	if applied == 0 && !force {
		r.recordNoProgress()
	}
	return applied
}

func (r *Recovery) recordNoProgress() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recoverAttempt++
	if r.recoverAttempt >= r.cfg.BackoffThreshold {
		r.peerRotation++
		r.recoverAttempt = 0
		r.logger.Info("recovery: rotating queried peer set after repeated no-progress")
	}
}

// AddRecursive buffers b in the ready-to-apply buffer, exactly as
// OnBlockReply does; it does not walk or request b's phash ancestors.
// Callers typically pair this with Refresh.
func (r *Recovery) AddRecursive(b Block) {
	r.OnBlockReply(b)
}

// IsRecovering reports whether a recovery pass is active.
func (r *Recovery) IsRecovering() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recovering
}
