package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Doc is a single document in a collection. Callers address a doc by
// its primary key, which is "name" for the accounts collection and
// "_id" for everything else (spec.md §4.B).
type Doc map[string]any

// Query is a flat equality filter over doc fields. A value that is
// itself a map with key "$in" matches any document whose field is a
// member of the given slice; it is the only compound operator
// supported. Cache.UpdateMany does not use it: it updates each id with
// its own primary-key equality query.
type Query map[string]any

// FindOptions controls find()'s sort and limit behavior.
type FindOptions struct {
	SortField string
	SortDesc  bool
	Limit     int
}

// DocStore is the external document-database collaborator's contract
// (spec.md §1, §6): a collection-oriented key/value store offering
// atomic single-document writes, unordered bulk writes, and indexed
// finds. This package only specifies and exercises the interface; a
// production deployment wires in a real driver. The only concrete type
// here is memDocStore, an in-memory reference implementation sufficient
// to drive every find/bulkWrite path the cache layer needs in tests.
type DocStore interface {
	FindOne(collection string, q Query) (Doc, bool, error)
	Find(collection string, q Query, opts FindOptions) ([]Doc, error)
	InsertOne(collection string, d Doc) error
	ReplaceOne(collection string, q Query, d Doc) error
	UpdateOne(collection string, q Query, ops map[string]any, upsert bool) error
	BulkWrite(collection string, ops []BulkOp) error
	DropCollection(collection string) error
	DropDatabase() error
}

// BulkOp is one operation in an unordered bulk write.
type BulkOp struct {
	Kind   string // "insertOne" | "updateOne"
	Query  Query
	Doc    Doc
	Update map[string]any
	Upsert bool
}

// memDocStore is an in-memory DocStore, grounded on the teacher's
// prefix-scan StateIterator idiom generalized from a single ledger
// keyspace to named collections of documents.
type memDocStore struct {
	mu          sync.Mutex
	collections map[string]map[string]Doc // collection -> primary key -> doc
}

// NewMemDocStore returns an empty in-memory document store.
func NewMemDocStore() DocStore {
	return &memDocStore{collections: make(map[string]map[string]Doc)}
}

func primaryKeyField(collection string) string {
	if collection == "accounts" {
		return "name"
	}
	return "_id"
}

func docKey(collection string, d Doc) (string, error) {
	pk := primaryKeyField(collection)
	v, ok := d[pk]
	if !ok {
		return "", fmt.Errorf("document missing primary key %q", pk)
	}
	return fmt.Sprintf("%v", v), nil
}

func matches(d Doc, q Query) bool {
	for k, want := range q {
		got, ok := d[k]
		if in, isIn := want.(map[string]any); isIn {
			if list, ok2 := in["$in"].([]any); ok2 {
				found := false
				for _, item := range list {
					if fmt.Sprintf("%v", item) == fmt.Sprintf("%v", got) {
						found = true
						break
					}
				}
				if !found {
					return false
				}
				continue
			}
		}
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

func (m *memDocStore) FindOne(collection string, q Query) (Doc, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.collections[collection] {
		if matches(d, q) {
			return cloneDoc(d), true, nil
		}
	}
	return nil, false, nil
}

func (m *memDocStore) Find(collection string, q Query, opts FindOptions) ([]Doc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Doc
	for _, d := range m.collections[collection] {
		if matches(d, q) {
			out = append(out, cloneDoc(d))
		}
	}
	if opts.SortField != "" {
		sort.Slice(out, func(i, j int) bool {
			a := fmt.Sprintf("%v", out[i][opts.SortField])
			b := fmt.Sprintf("%v", out[j][opts.SortField])
			if opts.SortDesc {
				return a > b
			}
			return a < b
		})
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *memDocStore) InsertOne(collection string, d Doc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, err := docKey(collection, d)
	if err != nil {
		return err
	}
	if m.collections[collection] == nil {
		m.collections[collection] = make(map[string]Doc)
	}
	if _, exists := m.collections[collection][key]; exists {
		return fmt.Errorf("insertOne %s/%s: duplicate key", collection, key)
	}
	m.collections[collection][key] = cloneDoc(d)
	return nil
}

func (m *memDocStore) ReplaceOne(collection string, q Query, d Doc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, existing := range m.collections[collection] {
		if matches(existing, q) {
			m.collections[collection][k] = cloneDoc(d)
			return nil
		}
	}
	return fmt.Errorf("replaceOne %s: no matching document", collection)
}

func (m *memDocStore) UpdateOne(collection string, q Query, ops map[string]any, upsert bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.collections[collection] {
		if matches(existing, q) {
			applyOperators(existing, ops)
			return nil
		}
	}
	if !upsert {
		return fmt.Errorf("updateOne %s: no matching document", collection)
	}
	nd := Doc{}
	for k, v := range q {
		nd[k] = v
	}
	applyOperators(nd, ops)
	if m.collections[collection] == nil {
		m.collections[collection] = make(map[string]Doc)
	}
	key, err := docKey(collection, nd)
	if err != nil {
		return err
	}
	m.collections[collection][key] = nd
	return nil
}

func (m *memDocStore) BulkWrite(collection string, ops []BulkOp) error {
	for _, op := range ops {
		switch op.Kind {
		case "insertOne":
			if err := m.InsertOne(collection, op.Doc); err != nil {
				return err
			}
		case "updateOne":
			if err := m.UpdateOne(collection, op.Query, op.Update, op.Upsert); err != nil {
				return err
			}
		default:
			return fmt.Errorf("bulkWrite %s: unknown op kind %q", collection, op.Kind)
		}
	}
	return nil
}

func (m *memDocStore) DropCollection(collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, collection)
	return nil
}

func (m *memDocStore) DropDatabase() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections = make(map[string]map[string]Doc)
	return nil
}

func cloneDoc(d Doc) Doc {
	out := make(Doc, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// applyOperators mutates target in place per spec.md §4.B's operator
// set: $set, $unset, $inc (numeric add, auto-init 0), $push (array
// append, auto-init), $pull (value/object-predicate equality), all with
// dotted-path nested-field support.
func applyOperators(target Doc, ops map[string]any) {
	if set, ok := ops["$set"].(map[string]any); ok {
		for path, v := range set {
			setPath(target, path, v)
		}
	}
	if unset, ok := ops["$unset"].(map[string]any); ok {
		for path := range unset {
			unsetPath(target, path)
		}
	}
	if inc, ok := ops["$inc"].(map[string]any); ok {
		for path, delta := range inc {
			cur := getPath(target, path)
			curF, _ := cur.(float64)
			deltaF, _ := delta.(float64)
			setPath(target, path, curF+deltaF)
		}
	}
	if push, ok := ops["$push"].(map[string]any); ok {
		for path, v := range push {
			cur := getPath(target, path)
			arr, _ := cur.([]any)
			setPath(target, path, append(arr, v))
		}
	}
	if pull, ok := ops["$pull"].(map[string]any); ok {
		for path, pred := range pull {
			cur := getPath(target, path)
			arr, _ := cur.([]any)
			filtered := arr[:0]
			for _, item := range arr {
				if !pullMatches(item, pred) {
					filtered = append(filtered, item)
				}
			}
			setPath(target, path, filtered)
		}
	}
}

func pullMatches(item, pred any) bool {
	predMap, ok := pred.(map[string]any)
	if !ok {
		return fmt.Sprintf("%v", item) == fmt.Sprintf("%v", pred)
	}
	itemMap, ok := item.(map[string]any)
	if !ok {
		return false
	}
	for k, v := range predMap {
		if fmt.Sprintf("%v", itemMap[k]) != fmt.Sprintf("%v", v) {
			return false
		}
	}
	return true
}

func setPath(d Doc, path string, v any) {
	parts := strings.Split(path, ".")
	cur := map[string]any(d)
	for i, p := range parts {
		if i == len(parts)-1 {
			cur[p] = v
			return
		}
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[p] = next
		}
		cur = next
	}
}

func unsetPath(d Doc, path string) {
	parts := strings.Split(path, ".")
	cur := map[string]any(d)
	for i, p := range parts {
		if i == len(parts)-1 {
			delete(cur, p)
			return
		}
		next, ok := cur[p].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
}

func getPath(d Doc, path string) any {
	parts := strings.Split(path, ".")
	cur := map[string]any(d)
	for i, p := range parts {
		if i == len(parts)-1 {
			return cur[p]
		}
		next, ok := cur[p].(map[string]any)
		if !ok {
			return nil
		}
		cur = next
	}
	return nil
}
