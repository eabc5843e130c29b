package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// PeerSocket wraps one peer's duplex connection and its send
// deduplication state, matching the teacher's Node/Peer registry shape
// (core/network.go) over a WebSocket transport instead of libp2p
// streams, per SPEC_FULL.md's documented transport substitution.
type PeerSocket struct {
	ID   NodeID
	Addr string
	conn *websocket.Conn

	mu      sync.Mutex
	open    bool
	sentSet map[string]time.Time
}

func newPeerSocket(id NodeID, addr string, conn *websocket.Conn) *PeerSocket {
	return &PeerSocket{ID: id, Addr: addr, conn: conn, open: true, sentSet: make(map[string]time.Time)}
}

// Node is the P2P overlay: a registry of connected peer sockets plus
// the broadcast/dedup/keepalive operations of spec.md §4.I.
type Node struct {
	mu    sync.RWMutex
	peers map[NodeID]*PeerSocket

	historyInterval time.Duration
	keepHistoryFor  time.Duration

	onMessage func(from NodeID, env Envelope)
	logger    *logrus.Logger

	stopGC context.CancelFunc
}

// NewNode constructs an empty peer registry and starts its sent_set GC
// loop.
func NewNode(historyInterval, keepHistoryFor time.Duration, onMessage func(NodeID, Envelope), logger *logrus.Logger) *Node {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		peers: make(map[NodeID]*PeerSocket), historyInterval: historyInterval,
		keepHistoryFor: keepHistoryFor, onMessage: onMessage, logger: logger, stopGC: cancel,
	}
	go n.gcLoop(ctx)
	return n
}

// AddPeer registers conn under id and starts its read pump.
func (n *Node) AddPeer(id NodeID, addr string, conn *websocket.Conn) *PeerSocket {
	ps := newPeerSocket(id, addr, conn)
	n.mu.Lock()
	n.peers[id] = ps
	n.mu.Unlock()
	go n.readPump(ps)
	return ps
}

// RemovePeer drops a peer from the registry.
func (n *Node) RemovePeer(id NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ps, ok := n.peers[id]; ok {
		ps.mu.Lock()
		ps.open = false
		ps.mu.Unlock()
		ps.conn.Close()
		delete(n.peers, id)
	}
}

// Peers returns a snapshot of connected peer ids.
func (n *Node) Peers() []NodeID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]NodeID, 0, len(n.peers))
	for id := range n.peers {
		out = append(out, id)
	}
	return out
}

func (n *Node) readPump(ps *PeerSocket) {
	for {
		_, data, err := ps.conn.ReadMessage()
		if err != nil {
			n.logger.WithField("peer", ps.ID).WithError(err).Debug("peer read failed, removing")
			n.RemovePeer(ps.ID)
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			n.logger.WithField("peer", ps.ID).WithError(err).Debug("malformed peer message, dropping")
			continue
		}
		if env.T == MsgPing {
			n.sendJSON(ps, Envelope{T: MsgPong})
			continue
		}
		if n.onMessage != nil {
			n.onMessage(ps.ID, env)
		}
	}
}

// sendJSON writes data only if the socket is open; errors are logged
// and swallowed per spec.md §4.I.
func (n *Node) sendJSON(ps *PeerSocket, env Envelope) {
	ps.mu.Lock()
	open := ps.open
	ps.mu.Unlock()
	if !open {
		return
	}
	body, err := json.Marshal(env)
	if err != nil {
		n.logger.WithError(err).Warn("marshal outbound message failed")
		return
	}
	if err := ps.conn.WriteMessage(websocket.TextMessage, body); err != nil {
		n.logger.WithField("peer", ps.ID).WithError(err).Debug("send failed, swallowing per overlay contract")
	}
}

// Broadcast sends data to every open peer socket.
func (n *Node) Broadcast(t MessageType, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		n.logger.WithError(err).Warn("marshal broadcast payload failed")
		return
	}
	env := Envelope{T: t, D: raw}
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, ps := range n.peers {
		n.sendJSON(ps, env)
	}
}

// BroadcastNotSent sends data to each peer at most once, deduplicated
// by the envelope's content (or the block/message signature when
// present), matching spec.md §4.I's broadcast_not_sent contract.
func (n *Node) BroadcastNotSent(t MessageType, payload any, dedupKey string) {
	raw, err := json.Marshal(payload)
	if err != nil {
		n.logger.WithError(err).Warn("marshal broadcast payload failed")
		return
	}
	env := Envelope{T: t, D: raw}
	if dedupKey == "" {
		dedupKey = string(raw)
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, ps := range n.peers {
		ps.mu.Lock()
		_, sent := ps.sentSet[dedupKey]
		if !sent {
			ps.sentSet[dedupKey] = time.Now()
		}
		ps.mu.Unlock()
		if sent {
			continue
		}
		n.sendJSON(ps, env)
	}
}

// BroadcastBlock implements broadcast_block: broadcast_not_sent({t:
// NEW_BLOCK, d: block}), deduped by the block's signature, or by its
// JSON encoding when the block is unsigned.
func (n *Node) BroadcastBlock(b Block) {
	n.BroadcastNotSent(MsgNewBlock, b, b.Signature)
}

// BroadcastSyncStatus implements broadcast_sync_status: an unconditional
// broadcast to every peer.
func (n *Node) BroadcastSyncStatus(s SyncStatusMsg) {
	n.Broadcast(MsgSyncStatus, s)
}

// SendTo sends a message to one specific peer by id, used for
// addressable request/reply patterns like QUERY_BLOCK.
func (n *Node) SendTo(id NodeID, t MessageType, payload any) error {
	n.mu.RLock()
	ps, ok := n.peers[id]
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("send to %s: not connected", id)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message to %s: %w", id, err)
	}
	n.sendJSON(ps, Envelope{T: t, D: raw})
	return nil
}

// gcLoop drops sent_set entries older than keepHistoryFor every
// historyInterval, per spec.md §4.I.
func (n *Node) gcLoop(ctx context.Context) {
	ticker := time.NewTicker(n.historyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-n.keepHistoryFor)
			n.mu.RLock()
			for _, ps := range n.peers {
				ps.mu.Lock()
				for k, at := range ps.sentSet {
					if at.Before(cutoff) {
						delete(ps.sentSet, k)
					}
				}
				ps.mu.Unlock()
			}
			n.mu.RUnlock()
		}
	}
}

// Keepalive pings every connected peer; callers run this on a ticker to
// detect half-open sockets before Broadcast wastes effort on them, the
// ping/pong supplement SPEC_FULL.md adds to spec.md §4.I.
func (n *Node) Keepalive() {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, ps := range n.peers {
		n.sendJSON(ps, Envelope{T: MsgPing})
	}
}

// Shutdown stops the GC loop and closes every peer socket.
func (n *Node) Shutdown() {
	n.stopGC()
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, ps := range n.peers {
		ps.conn.Close()
		delete(n.peers, id)
	}
}
