// Package core implements the witness sidechain node: the binary block
// store, the upstream anchoring/sync engine, the block production and
// validation pipeline, and the peer-to-peer coordination layer.
//
// This file centralises the data-model types shared across the rest of
// the package, mirroring the teacher repo's convention of collecting
// struct definitions in one low-dependency file to avoid import cycles.
package core

import (
	"encoding/json"
	"sync"
	"time"
)

// NodeID identifies a peer by its advertised public key.
type NodeID string

// Address identifies a witness or sender account on the sidechain.
type Address string

// Amount is an arbitrary-precision token amount. See amount.go for the
// decimal-string wire contract.

// Hash is a hex-encoded SHA-256 digest.
type Hash string

// Transaction is a single sidechain operation, sourced either from an
// upstream custom_json operation or from a locally-submitted mempool
// entry.
type Transaction struct {
	Type   TxType          `json:"type"`
	Data   map[string]any  `json:"data"`
	Sender Address         `json:"sender"`
	TS     int64           `json:"ts"`
	Ref    string          `json:"ref"`  // "{upstream_height}:{op_index}"
	Hash   string          `json:"hash"` // content hash, or upstream tx id for anchored ops
}

// TxType enumerates the known sidechain contract types. Unknown
// contracts that parse as the integer form of one of these are also
// accepted (spec.md §4.D).
type TxType int

const (
	TxUnknown TxType = iota
	TxTokenCreate
	TxTokenMint
	TxTokenTransfer
	TxNFTCollectionCreate
	TxNFTMint
	TxNFTTransfer
	TxMarketCreate
	TxMarketPlaceOrder
	TxPoolCreate
	TxStake
	TxUnstake
	TxFarmCreate
	TxFarmStake
	TxFarmUnstake
	TxFarmClaim
	TxWitnessRegister
	TxWitnessVote
	TxWitnessUnvote
)

// Block is a sidechain block, bound one-to-one to an upstream block.
type Block struct {
	ID           int64          `json:"id"`
	PHash        string         `json:"phash"`
	Timestamp    int64          `json:"timestamp"`
	AnchorHeight int64          `json:"anchor_height"`
	AnchorTS     int64          `json:"anchor_ts"`
	Txs          []Transaction  `json:"txs"`
	Witness      Address        `json:"witness"`
	MissedBy     Address        `json:"missed_by,omitempty"`
	Dist         string         `json:"dist"` // string-encoded big integer
	Sync         bool           `json:"sync"`
	Hash         string         `json:"hash"`
	Signature    string         `json:"signature"`
}

// WitnessRecord is an elected witness account as read from the
// witness-registration collection.
type WitnessRecord struct {
	Name      Address `json:"name"`
	PublicKey string  `json:"public_key"`
	Weight    int64   `json:"weight"` // vote weight
	Endpoint  string  `json:"endpoint,omitempty"`
	Enabled   bool    `json:"enabled"`
}

// MempoolEntry is a candidate transaction awaiting inclusion.
type MempoolEntry struct {
	Tx       Transaction
	AddedAt  time.Time
}

// PeerSocketRecord tracks one connected peer's last known status and
// what this node has already shown it, per spec.md's data model.
type PeerSocketRecord struct {
	Addr       string
	RemoteID   NodeID
	LastStatus SyncStatusMsg
	LastSeenAt time.Time

	mu      sync.Mutex
	sentSet []sentEntry
}

type sentEntry struct {
	Key string // signature, or message digest when unsigned
	At  time.Time
}

// SyncStatusMsg is broadcast by each node so peers can evaluate the
// exit-sync quorum (spec.md §4.E).
type SyncStatusMsg struct {
	NodeID       NodeID `json:"node_id"`
	Behind       int64  `json:"behind"`
	AnchorHeight int64  `json:"anchor_height"`
	IsSyncing    bool   `json:"is_syncing"`
	BlockID      int64  `json:"block_id"`
	ExitTarget   *int64 `json:"exit_target,omitempty"`
}

// UpstreamBlock is the portion of an upstream RPC block response the
// parser and block processor care about.
type UpstreamBlock struct {
	Number       int64
	Timestamp    time.Time
	Transactions []UpstreamTx
}

// UpstreamTx is one transaction inside an upstream block.
type UpstreamTx struct {
	TransactionID string
	Operations    []UpstreamOp
}

// UpstreamOp is a single (type, data) operation pair as returned by the
// upstream chain's get_block RPC.
type UpstreamOp struct {
	Type string
	Data map[string]any
}

// MessageType tags every P2P wire message (spec.md §4.I).
type MessageType string

const (
	MsgQueryBlock      MessageType = "QUERY_BLOCK"
	MsgBlock           MessageType = "BLOCK"
	MsgNewBlock        MessageType = "NEW_BLOCK"
	MsgQueryPeerList   MessageType = "QUERY_PEER_LIST"
	MsgPeerList        MessageType = "PEER_LIST"
	MsgSyncStatus      MessageType = "STEEM_SYNC_STATUS"
	MsgVote            MessageType = "VOTE"
	MsgHandshake       MessageType = "HANDSHAKE"
	MsgPing            MessageType = "PING"
	MsgPong            MessageType = "PONG"
)

// Envelope is the wire frame every P2P message is sent as:
// {"t": MessageType, "d": payload}.
type Envelope struct {
	T MessageType     `json:"t"`
	D json.RawMessage `json:"d"`
}
