package core

import (
	"sync"
	"time"
)

// Mempool holds locally-submitted and not-yet-included candidate
// transactions, read by the miner's block-assembly step (spec.md §4.G).
// It enforces the three mempool invariants of spec.md §3: at most one
// entry per content hash, entries expire after maxAge, and inserts past
// maxSize are dropped.
type Mempool struct {
	mu      sync.Mutex
	entries map[string]MempoolEntry // keyed by tx content hash
	maxSize int
	maxAge  time.Duration
}

// NewMempool returns an empty mempool capped at maxSize entries, each
// expiring maxAge after insertion. maxAge of zero disables expiry.
func NewMempool(maxSize int, maxAge time.Duration) *Mempool {
	return &Mempool{entries: make(map[string]MempoolEntry), maxSize: maxSize, maxAge: maxAge}
}

// pruneLocked drops entries older than maxAge. Callers must hold mu.
func (mp *Mempool) pruneLocked() {
	if mp.maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-mp.maxAge)
	for k, e := range mp.entries {
		if e.AddedAt.Before(cutoff) {
			delete(mp.entries, k)
		}
	}
}

// Add inserts tx keyed by its content hash, after first pruning expired
// entries. It is a no-op if the hash is already present or if the pool
// is at maxSize; returns whether the entry was inserted.
func (mp *Mempool) Add(tx Transaction) bool {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.pruneLocked()
	if _, exists := mp.entries[tx.Hash]; exists {
		return false
	}
	if mp.maxSize > 0 && len(mp.entries) >= mp.maxSize {
		return false
	}
	mp.entries[tx.Hash] = MempoolEntry{Tx: tx, AddedAt: time.Now()}
	return true
}

// Remove drops the entry identified by content hash.
func (mp *Mempool) Remove(hash string) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	delete(mp.entries, hash)
}

// Snapshot returns a copy of all current, unexpired entries.
func (mp *Mempool) Snapshot() []MempoolEntry {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.pruneLocked()
	out := make([]MempoolEntry, 0, len(mp.entries))
	for _, e := range mp.entries {
		out = append(out, e)
	}
	return out
}

// Len reports the number of pending, unexpired entries.
func (mp *Mempool) Len() int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.pruneLocked()
	return len(mp.entries)
}
