package core

import (
	"testing"
	"time"
)

func TestMempoolDedupsByContentHash(t *testing.T) {
	mp := NewMempool(10, time.Hour)
	tx := Transaction{Hash: "h1", Ref: "1:0", Sender: "alice"}
	if !mp.Add(tx) {
		t.Fatalf("expected first insert to succeed")
	}
	// Same content hash, different ref: still a duplicate.
	dup := Transaction{Hash: "h1", Ref: "1:1", Sender: "bob"}
	if mp.Add(dup) {
		t.Fatalf("expected duplicate content hash to be rejected")
	}
	if mp.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", mp.Len())
	}
}

func TestMempoolDropsPastCap(t *testing.T) {
	mp := NewMempool(2, time.Hour)
	mp.Add(Transaction{Hash: "h1", Ref: "1:0"})
	mp.Add(Transaction{Hash: "h2", Ref: "1:1"})
	if mp.Add(Transaction{Hash: "h3", Ref: "1:2"}) {
		t.Fatalf("expected insert past cap to be dropped")
	}
	if mp.Len() != 2 {
		t.Fatalf("expected cap of 2, got %d", mp.Len())
	}
}

func TestMempoolExpiresOldEntries(t *testing.T) {
	mp := NewMempool(10, time.Millisecond)
	mp.Add(Transaction{Hash: "h1", Ref: "1:0"})
	time.Sleep(5 * time.Millisecond)
	if mp.Len() != 0 {
		t.Fatalf("expected expired entry to be pruned, got len %d", mp.Len())
	}
}

func TestMempoolZeroMaxAgeDisablesExpiry(t *testing.T) {
	mp := NewMempool(10, 0)
	mp.Add(Transaction{Hash: "h1", Ref: "1:0"})
	time.Sleep(5 * time.Millisecond)
	if mp.Len() != 1 {
		t.Fatalf("expected no expiry with maxAge=0, got len %d", mp.Len())
	}
}
