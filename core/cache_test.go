package core

import "testing"

func TestCacheInsertAndFind(t *testing.T) {
	c := NewCache(NewMemDocStore(), nil)
	defer c.Shutdown()

	if err := c.InsertOne("accounts", Doc{"name": "alice", "balance": 10.0}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	d, found, err := c.FindOne("accounts", Query{"name": "alice"})
	if err != nil || !found {
		t.Fatalf("expected to find alice, err=%v found=%v", err, found)
	}
	if d["balance"] != 10.0 {
		t.Fatalf("expected balance 10.0, got %v", d["balance"])
	}
}

func TestCacheUpdateOperators(t *testing.T) {
	c := NewCache(NewMemDocStore(), nil)
	defer c.Shutdown()

	if err := c.InsertOne("accounts", Doc{"name": "bob", "balance": 5.0}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := c.UpdateOne("accounts", Query{"name": "bob"}, map[string]any{"$inc": map[string]any{"balance": 3.0}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	d, _, _ := c.FindOne("accounts", Query{"name": "bob"})
	if d["balance"] != 8.0 {
		t.Fatalf("expected balance 8.0 after $inc, got %v", d["balance"])
	}
}

func TestCacheRollbackEquivalence(t *testing.T) {
	c := NewCache(NewMemDocStore(), nil)
	defer c.Shutdown()

	if err := c.InsertOne("accounts", Doc{"name": "carol", "balance": 100.0}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := c.WriteToDisk(1, false); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := c.UpdateOne("accounts", Query{"name": "carol"}, map[string]any{"$set": map[string]any{"balance": 999.0}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := c.InsertOne("accounts", Doc{"name": "dave", "balance": 1.0}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	c.Rollback()

	d, found, err := c.FindOne("accounts", Query{"name": "carol"})
	if err != nil || !found {
		t.Fatalf("expected carol to still exist: err=%v found=%v", err, found)
	}
	if d["balance"] != 100.0 {
		t.Fatalf("expected balance restored to 100.0, got %v", d["balance"])
	}
	if _, found, _ := c.FindOne("accounts", Query{"name": "dave"}); found {
		t.Fatalf("expected dave to be rolled back out of existence")
	}
}

func TestCacheWarmupWitnesses(t *testing.T) {
	store := NewMemDocStore()
	if err := store.InsertOne("accounts", Doc{"name": "w1", "is_witness": true}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	c := NewCache(store, nil)
	defer c.Shutdown()

	if err := c.WarmupWitnesses(); err != nil {
		t.Fatalf("warmup: %v", err)
	}
	if _, found, _ := c.FindOne("accounts", Query{"name": "w1"}); !found {
		t.Fatalf("expected warmed-up witness to be found in warm set")
	}
}
