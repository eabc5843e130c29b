package core

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SyncMode is the sync manager's two-state machine.
type SyncMode int

const (
	ModeNormal SyncMode = iota
	ModeSyncing
)

func (m SyncMode) String() string {
	if m == ModeSyncing {
		return "SYNCING"
	}
	return "NORMAL"
}

// SyncConfig carries the thresholds the sync state machine consults.
// Field names mirror spec.md §4.E/§6 terminology directly.
type SyncConfig struct {
	SteemBlockMaxDelay      int64
	SteemBlockDelay         int64
	SyncExitThreshold       int64
	SyncExitQuorumPercent   float64
	SteemHeightExpiry       time.Duration
	PostSyncLenientBlocks   int64
	DefaultBroadcastInterval time.Duration
	FastBroadcastInterval   time.Duration
}

// Snapshot is the sync manager's status as broadcast over P2P and
// consumed by consensus-quorum accounting; typed here per
// SPEC_FULL.md's supplement to spec.md §4.E (the teacher exposes an
// equivalent map[string]any status snapshot).
type Snapshot struct {
	Mode                 SyncMode
	Behind               int64
	ExitTarget           *int64
	PostSyncLenientUntil int64
	LastSyncExitTime     time.Time
}

// SyncManager drives the NORMAL/SYNCING state machine of spec.md §4.E.
type SyncManager struct {
	mu     sync.Mutex
	cfg    SyncConfig
	mode   SyncMode
	behind int64

	exitTarget           *int64
	postSyncLenientUntil int64
	lastSyncExitTime     time.Time
	lastBroadcastBehind  int64
	lastBroadcastAt      time.Time

	upstream UpstreamRPC
	logger   *logrus.Logger
}

// NewSyncManager constructs a manager in NORMAL mode.
func NewSyncManager(cfg SyncConfig, upstream UpstreamRPC, logger *logrus.Logger) *SyncManager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SyncManager{cfg: cfg, mode: ModeNormal, upstream: upstream, logger: logger}
}

// UpdateBehind recomputes behind given the local and upstream heights
// and applies the NORMAL->SYNCING transition rule.
func (s *SyncManager) UpdateBehind(localBlockID, upstreamHeight int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	behind := upstreamHeight - localBlockID
	if behind < 0 {
		behind = 0
	}
	prev := s.behind
	s.behind = behind

	if s.mode == ModeNormal && behind >= s.cfg.SteemBlockMaxDelay {
		s.logger.WithField("behind", behind).Warn("entering SYNCING: behind exceeds steem_block_max_delay")
		s.mode = ModeSyncing
	}
	s.maybeBroadcastLocked(prev)
}

// TripCircuitBreaker forces SYNCING per spec.md §4.E transition (b):
// the block processor's circuit breaker opening.
func (s *SyncManager) TripCircuitBreaker() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != ModeSyncing {
		s.logger.Warn("entering SYNCING: circuit breaker opened")
	}
	s.mode = ModeSyncing
}

// QuorumInput describes one peer's freshness and readiness inputs for
// the exit-sync quorum computation.
type QuorumInput struct {
	Fresh        bool
	InActiveSet  bool
	IsSyncing    bool
	Behind       int64
	ExitTarget   *int64
}

// TryExitSync evaluates the SYNCING -> NORMAL transition: a real-time
// recheck via the upstream client (falling back to the cached behind on
// RPC failure), the < steem_block_delay shortcut, and the peer quorum
// rule, in that order, matching spec.md §4.E's deliberately-overlapping
// three exit paths (documented as intentional in DESIGN.md, not
// collapsed into one).
func (s *SyncManager) TryExitSync(ctx context.Context, localBlockID int64, activeWitnessSetNonEmpty bool, peers []QuorumInput) bool {
	s.mu.Lock()
	if s.mode != ModeSyncing {
		s.mu.Unlock()
		return true
	}
	behind := s.behind
	s.mu.Unlock()

	if h, err := s.upstream.GetLatestHeight(ctx); err == nil {
		recomputed := h - localBlockID
		if recomputed < 0 {
			recomputed = 0
		}
		behind = recomputed
	}

	if behind < s.cfg.SteemBlockDelay {
		s.exitLocked(localBlockID)
		return true
	}
	if behind <= s.cfg.SyncExitThreshold && s.quorumReady(localBlockID, activeWitnessSetNonEmpty, peers, behind) {
		s.exitLocked(localBlockID)
		return true
	}
	return false
}

func (s *SyncManager) quorumReady(localBlockID int64, activeSetNonEmpty bool, peers []QuorumInput, localBehind int64) bool {
	threshold := s.cfg.SyncExitThreshold
	var considered, ready int
	for _, p := range peers {
		if !p.Fresh {
			continue
		}
		if activeSetNonEmpty && !p.InActiveSet {
			continue
		}
		considered++
		isReady := (!p.IsSyncing && p.Behind <= threshold) ||
			(p.IsSyncing && p.Behind <= threshold) ||
			(p.ExitTarget != nil && *p.ExitTarget <= localBlockID+threshold)
		if isReady {
			ready++
		}
	}
	if considered == 0 {
		return localBehind <= threshold
	}
	return float64(ready)/float64(considered) >= s.cfg.SyncExitQuorumPercent
}

func (s *SyncManager) exitLocked(localBlockID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = ModeNormal
	s.lastSyncExitTime = time.Now()
	target := localBlockID + s.cfg.PostSyncLenientBlocks
	s.postSyncLenientUntil = target
	s.logger.WithField("post_sync_lenient_until", target).Info("exiting SYNCING")
}

// InPostSyncLeniency reports whether blockID is still within the
// post-sync leniency window, consulted by the miner (§4.G) to relax
// lateness thresholds.
func (s *SyncManager) InPostSyncLeniency(blockID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return blockID <= s.postSyncLenientUntil
}

// maybeBroadcastLocked decides, per spec.md §4.E's broadcast policy,
// whether a status change warrants an immediate broadcast; callers
// combine this with a periodic ticker for the interval-based policy.
func (s *SyncManager) maybeBroadcastLocked(prevBehind int64) bool {
	delta := s.behind - prevBehind
	if delta < 0 {
		delta = -delta
	}
	due := delta > 2 || time.Since(s.lastBroadcastAt) >= s.broadcastIntervalLocked()
	if due {
		s.lastBroadcastBehind = s.behind
		s.lastBroadcastAt = time.Now()
	}
	return due
}

func (s *SyncManager) broadcastIntervalLocked() time.Duration {
	base := s.cfg.DefaultBroadcastInterval
	if s.mode == ModeSyncing {
		base = s.cfg.FastBroadcastInterval
	}
	jitter := time.Duration(rand.Int63n(int64(base) / 4))
	return base + jitter
}

// Status returns a snapshot for P2P broadcast and quorum accounting.
func (s *SyncManager) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Mode:                 s.mode,
		Behind:               s.behind,
		ExitTarget:           s.exitTarget,
		PostSyncLenientUntil: s.postSyncLenientUntil,
		LastSyncExitTime:     s.lastSyncExitTime,
	}
}

// SetExitTarget records the sidechain block id this node expects to
// reach before declaring itself synced, broadcast to peers so they can
// factor it into their own quorum computation.
func (s *SyncManager) SetExitTarget(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exitTarget = &id
}
