package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// collectionNames lists every collection the cache maintains, per
// spec.md §4.B.
var collectionNames = []string{
	"accounts", "tokens", "blocks", "state", "nftCollections", "nfts",
	"tradingPairs", "orders", "trades", "nftListings", "pools", "events",
	"farms", "userFarmPositions", "userLiquidityPositions", "launchpads",
	"liquidityPools",
}

// pendingChange is one queued update_one call awaiting flush, recorded
// verbatim so write_to_disk can replay it as an upsert against the
// document store.
type pendingChange struct {
	collection string
	query      Query
	ops        map[string]any
}

// Cache is the write-through, rollback-capable in-memory view over the
// document store described by spec.md §4.B. It is the sole mutator of
// in-memory collections; all other components read through Find/FindOne.
type Cache struct {
	mu     sync.Mutex
	store  DocStore
	logger *logrus.Logger

	live map[string]map[string]Doc // collection -> key -> doc, warm working set

	copy        map[string]map[string]Doc // shadow snapshots, one per touched key this block
	inserts     []insertedDoc
	changes     []pendingChange
	witnessAdds map[Address]bool
	witnessDels map[Address]bool

	writerQueue chan flushJob
	wg          sync.WaitGroup
}

type insertedDoc struct {
	collection string
	doc        Doc
}

type flushJob struct {
	changes     []pendingChange
	inserts     []insertedDoc
	headBlock   int64
	done        chan error
}

// NewCache constructs a cache over store, starting its single-threaded
// writer queue goroutine (spec.md §5's "writer_queue" FIFO flush
// serialization point).
func NewCache(store DocStore, logger *logrus.Logger) *Cache {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c := &Cache{
		store:       store,
		logger:      logger,
		live:        make(map[string]map[string]Doc),
		copy:        make(map[string]map[string]Doc),
		witnessAdds: make(map[Address]bool),
		witnessDels: make(map[Address]bool),
		writerQueue: make(chan flushJob, 64),
	}
	for _, name := range collectionNames {
		c.live[name] = make(map[string]Doc)
	}
	c.wg.Add(1)
	go c.runWriterQueue()
	return c
}

func (c *Cache) runWriterQueue() {
	defer c.wg.Done()
	for job := range c.writerQueue {
		err := c.applyFlush(job)
		job.done <- err
		close(job.done)
	}
}

func (c *Cache) applyFlush(job flushJob) error {
	byCollection := make(map[string][]BulkOp)
	for _, ins := range job.inserts {
		byCollection[ins.collection] = append(byCollection[ins.collection], BulkOp{Kind: "insertOne", Doc: ins.doc})
	}
	for _, ch := range job.changes {
		byCollection[ch.collection] = append(byCollection[ch.collection], BulkOp{Kind: "updateOne", Query: ch.query, Update: ch.ops, Upsert: true})
	}
	for collection, ops := range byCollection {
		if err := c.store.BulkWrite(collection, ops); err != nil {
			return fmt.Errorf("flush %s: %w", collection, err)
		}
	}
	return c.store.UpdateOne("state", Query{"_id": 0}, map[string]any{"$set": map[string]any{"head_block": float64(job.headBlock)}}, true)
}

// FindOne returns a document by query, preferring the warm in-memory
// set and falling back to the document store.
func (c *Cache) FindOne(collection string, q Query) (Doc, bool, error) {
	c.mu.Lock()
	for _, d := range c.live[collection] {
		if matches(d, q) {
			out := cloneDoc(d)
			c.mu.Unlock()
			return out, true, nil
		}
	}
	c.mu.Unlock()
	return c.store.FindOne(collection, q)
}

// Find returns all documents matching q, checked against the warm set
// first then the document store, de-duplicated by primary key.
func (c *Cache) Find(collection string, q Query, opts FindOptions) ([]Doc, error) {
	c.mu.Lock()
	seen := make(map[string]bool)
	var out []Doc
	for k, d := range c.live[collection] {
		if matches(d, q) {
			out = append(out, cloneDoc(d))
			seen[k] = true
		}
	}
	c.mu.Unlock()

	fromStore, err := c.store.Find(collection, q, FindOptions{})
	if err != nil {
		return nil, err
	}
	for _, d := range fromStore {
		key, _ := docKey(collection, d)
		if !seen[key] {
			out = append(out, d)
		}
	}
	return applyFindOptions(out, opts), nil
}

func applyFindOptions(docs []Doc, opts FindOptions) []Doc {
	if opts.SortField == "" && opts.Limit == 0 {
		return docs
	}
	tmp := NewMemDocStore().(*memDocStore)
	tmp.collections["tmp"] = make(map[string]Doc)
	for i, d := range docs {
		tmp.collections["tmp"][fmt.Sprintf("%d", i)] = d
	}
	res, _ := tmp.Find("tmp", Query{}, opts)
	return res
}

// InsertOne stages a new document for insertion, visible immediately to
// subsequent reads through the warm set and flushed on the next
// WriteToDisk.
func (c *Cache) InsertOne(collection string, d Doc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, err := docKey(collection, d)
	if err != nil {
		return err
	}
	if c.live[collection] == nil {
		c.live[collection] = make(map[string]Doc)
	}
	c.live[collection][key] = cloneDoc(d)
	c.inserts = append(c.inserts, insertedDoc{collection: collection, doc: cloneDoc(d)})
	return nil
}

// UpdateOne snapshots the target doc to the shadow store on first touch
// this block, then applies ops in place and logs the change for flush.
func (c *Cache) UpdateOne(collection string, q Query, ops map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updateOneLocked(collection, q, ops)
}

func (c *Cache) updateOneLocked(collection string, q Query, ops map[string]any) error {
	for key, d := range c.live[collection] {
		if matches(d, q) {
			c.snapshotLocked(collection, key, d)
			applyOperators(d, ops)
			c.changes = append(c.changes, pendingChange{collection: collection, query: Query{primaryKeyField(collection): d[primaryKeyField(collection)]}, ops: ops})
			return nil
		}
	}
	// Not warm: load from store into live set, then retry once.
	d, found, err := c.store.FindOne(collection, q)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("updateOne %s: no matching document", collection)
	}
	key, err := docKey(collection, d)
	if err != nil {
		return err
	}
	if c.live[collection] == nil {
		c.live[collection] = make(map[string]Doc)
	}
	c.live[collection][key] = d
	c.snapshotLocked(collection, key, d)
	applyOperators(d, ops)
	c.changes = append(c.changes, pendingChange{collection: collection, query: Query{primaryKeyField(collection): d[primaryKeyField(collection)]}, ops: ops})
	return nil
}

// UpdateMany applies ops to every document whose primary key is in ids.
func (c *Cache) UpdateMany(collection string, ids []string, ops map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	pk := primaryKeyField(collection)
	idsAny := make([]any, len(ids))
	for i, id := range ids {
		idsAny[i] = id
	}
	for _, id := range ids {
		if err := c.updateOneLocked(collection, Query{pk: id}, ops); err != nil {
			c.logger.WithError(err).WithField("collection", collection).Debug("update_many: skipping missing document")
		}
	}
	_ = idsAny
	return nil
}

func (c *Cache) snapshotLocked(collection, key string, d Doc) {
	if c.copy[collection] == nil {
		c.copy[collection] = make(map[string]Doc)
	}
	if _, already := c.copy[collection][key]; already {
		return
	}
	c.copy[collection][key] = cloneDoc(d)
}

// DeleteOne removes a document by query from the warm set.
func (c *Cache) DeleteOne(collection string, q Query) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, d := range c.live[collection] {
		if matches(d, q) {
			delete(c.live[collection], key)
			return nil
		}
	}
	return fmt.Errorf("deleteOne %s: no matching document", collection)
}

// MarkWitnessAdded/MarkWitnessRemoved record witness-set membership
// changes so Rollback can undo them (spec.md §4.B).
func (c *Cache) MarkWitnessAdded(a Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.witnessAdds[a] = true
}

func (c *Cache) MarkWitnessRemoved(a Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.witnessDels[a] = true
}

// Rollback restores every snapshotted doc, drops pending inserts, undoes
// witness-set changes, and clears logs. Used after an aborted block.
func (c *Cache) Rollback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for collection, keys := range c.copy {
		for key, snapshot := range keys {
			c.live[collection][key] = snapshot
		}
	}
	for _, ins := range c.inserts {
		key, err := docKey(ins.collection, ins.doc)
		if err == nil {
			delete(c.live[ins.collection], key)
		}
	}
	c.copy = make(map[string]map[string]Doc)
	c.inserts = nil
	c.changes = nil
	c.witnessAdds = make(map[Address]bool)
	c.witnessDels = make(map[Address]bool)
}

// WriteToDisk flushes pending inserts/changes plus the state.head_block
// cursor. When async is true the flush is handed to the single-threaded
// writer queue and WriteToDisk returns once it has been enqueued, not
// once it has completed; callers needing completion should pass
// async=false, which waits for the flush result.
func (c *Cache) WriteToDisk(headBlock int64, async bool) error {
	c.mu.Lock()
	changes := c.changes
	inserts := c.inserts
	c.mu.Unlock()

	done := make(chan error, 1)
	c.writerQueue <- flushJob{changes: changes, inserts: inserts, headBlock: headBlock, done: done}
	if !async {
		err := <-done
		if err == nil {
			c.clearLogsAfterFlush()
		}
		return err
	}
	go func() {
		if err := <-done; err != nil {
			c.logger.WithError(err).Error("async cache flush failed")
		} else {
			c.clearLogsAfterFlush()
		}
	}()
	return nil
}

func (c *Cache) clearLogsAfterFlush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.copy = make(map[string]map[string]Doc)
	c.inserts = nil
	c.changes = nil
}

// WarmupCollection loads up to limit documents ordered by sortField
// into the warm set, per spec.md §4.B's per-collection warmup policy.
// Ordering uses sortField alone; documents with equal sortField values
// have no defined order (there is no secondary sort, e.g. by name).
func (c *Cache) WarmupCollection(collection, sortField string, desc bool, limit int) error {
	docs, err := c.store.Find(collection, Query{}, FindOptions{SortField: sortField, SortDesc: desc, Limit: limit})
	if err != nil {
		return fmt.Errorf("warmup %s: %w", collection, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live[collection] == nil {
		c.live[collection] = make(map[string]Doc)
	}
	for _, d := range docs {
		key, err := docKey(collection, d)
		if err != nil {
			continue
		}
		c.live[collection][key] = d
	}
	return nil
}

// WarmupWitnesses loads the full witness account set into memory, since
// every slot/schedule computation needs the complete set, not a capped
// sample.
func (c *Cache) WarmupWitnesses() error {
	docs, err := c.store.Find("accounts", Query{"is_witness": true}, FindOptions{})
	if err != nil {
		return fmt.Errorf("warmup witnesses: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range docs {
		key, err := docKey("accounts", d)
		if err != nil {
			continue
		}
		c.live["accounts"][key] = d
	}
	return nil
}

// Shutdown drains the writer queue (bounded) and stops accepting flush
// requests. Part of spec.md §5's SIGINT shutdown sequence.
func (c *Cache) Shutdown() {
	close(c.writerQueue)
	drained := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(30 * time.Second):
		c.logger.Error("writer queue did not drain within 30s, giving up")
	}
}
