package core

import (
	"context"
	"testing"
	"time"
)

type fakeUpstreamRPC struct {
	height int64
	err    error
}

func (f *fakeUpstreamRPC) GetLatestHeight(ctx context.Context) (int64, error) {
	return f.height, f.err
}
func (f *fakeUpstreamRPC) GetBlock(ctx context.Context, n int64) (UpstreamBlock, error) {
	return UpstreamBlock{Number: n}, f.err
}

func testSyncConfig() SyncConfig {
	return SyncConfig{
		SteemBlockMaxDelay:       50,
		SteemBlockDelay:          3,
		SyncExitThreshold:        5,
		SyncExitQuorumPercent:    0.6,
		SteemHeightExpiry:        time.Minute,
		PostSyncLenientBlocks:    20,
		DefaultBroadcastInterval: time.Second,
		FastBroadcastInterval:    200 * time.Millisecond,
	}
}

func TestSyncManagerEntersSyncingWhenFarBehind(t *testing.T) {
	sm := NewSyncManager(testSyncConfig(), &fakeUpstreamRPC{height: 1000}, nil)
	sm.UpdateBehind(100, 1000)
	if sm.Status().Mode != ModeSyncing {
		t.Fatalf("expected SYNCING when behind exceeds steem_block_max_delay")
	}
}

func TestSyncManagerStaysNormalWhenClose(t *testing.T) {
	sm := NewSyncManager(testSyncConfig(), &fakeUpstreamRPC{height: 105}, nil)
	sm.UpdateBehind(100, 105)
	if sm.Status().Mode != ModeNormal {
		t.Fatalf("expected NORMAL when behind is small")
	}
}

func TestSyncManagerExitsViaBlockDelayShortcut(t *testing.T) {
	sm := NewSyncManager(testSyncConfig(), &fakeUpstreamRPC{height: 1001}, nil)
	sm.UpdateBehind(100, 1001)
	exited := sm.TryExitSync(context.Background(), 1000, true, nil)
	if !exited {
		t.Fatalf("expected shortcut exit when behind < steem_block_delay")
	}
	if sm.Status().Mode != ModeNormal {
		t.Fatalf("expected NORMAL after exit")
	}
}

func TestSyncManagerExitsViaQuorum(t *testing.T) {
	sm := NewSyncManager(testSyncConfig(), &fakeUpstreamRPC{height: 1010}, nil)
	sm.UpdateBehind(1000, 1100) // behind=100 >= max delay 50, enters SYNCING
	peers := []QuorumInput{
		{Fresh: true, InActiveSet: true, IsSyncing: false, Behind: 2},
		{Fresh: true, InActiveSet: true, IsSyncing: false, Behind: 2},
		{Fresh: true, InActiveSet: true, IsSyncing: true, Behind: 100},
	}
	// upstream now reports behind within threshold
	sm.upstream = &fakeUpstreamRPC{height: 1004}
	exited := sm.TryExitSync(context.Background(), 1000, true, peers)
	if !exited {
		t.Fatalf("expected quorum exit with 2/3 ready peers >= 60%%")
	}
}

func TestSyncManagerFallsBackToCachedBehindOnRPCFailure(t *testing.T) {
	sm := NewSyncManager(testSyncConfig(), &fakeUpstreamRPC{err: context.DeadlineExceeded}, nil)
	sm.UpdateBehind(1000, 1002) // behind=2, stays NORMAL
	sm.TripCircuitBreaker()
	exited := sm.TryExitSync(context.Background(), 1000, false, nil)
	if !exited {
		t.Fatalf("expected exit using cached behind=2 when RPC fails and no peers considered")
	}
}

func TestInPostSyncLeniency(t *testing.T) {
	sm := NewSyncManager(testSyncConfig(), &fakeUpstreamRPC{height: 1001}, nil)
	sm.UpdateBehind(1000, 1100) // behind=100, enters SYNCING
	sm.TryExitSync(context.Background(), 1000, true, nil)
	if !sm.InPostSyncLeniency(1005) {
		t.Fatalf("expected block 1005 to be within post-sync leniency window")
	}
	if sm.InPostSyncLeniency(1030) {
		t.Fatalf("expected block 1030 to be outside post-sync leniency window")
	}
}
