package db

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
)

// MemoryStore is an in-process Store. Values are copied through BSON on every
// read and write, so callers never share memory with the store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]bson.Raw
	subs    map[int]*memorySub
	nextSub int
	seq     uint64
}

type memorySub struct {
	path string
	fn   func(Snapshot)

	mu     sync.Mutex
	last   uint64
	closed bool
}

type pendingDelivery struct {
	sub  *memorySub
	snap Snapshot
	seq  uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]bson.Raw),
		subs:    make(map[int]*memorySub),
	}
}

// Get decodes the record at path into out.
func (m *MemoryStore) Get(ctx context.Context, path string, out interface{}) error {
	if err := validatePath(path); err != nil {
		return err
	}
	m.mu.Lock()
	raw, ok := m.records[path]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return bson.Unmarshal(raw, out)
}

// Set overwrites the record at path.
func (m *MemoryStore) Set(ctx context.Context, path string, value interface{}) error {
	if err := validatePath(path); err != nil {
		return err
	}
	data, err := bson.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	m.mu.Lock()
	m.records[path] = bson.Raw(data)
	pending := m.collectLocked(path)
	m.mu.Unlock()
	deliver(pending)
	return nil
}

// Merge sets top-level fields on the record at path, creating it if needed.
func (m *MemoryStore) Merge(ctx context.Context, path string, fields bson.M) error {
	if err := validatePath(path); err != nil {
		return err
	}
	if err := validateFields(fields); err != nil {
		return err
	}

	m.mu.Lock()
	var doc bson.D
	if raw, ok := m.records[path]; ok {
		if err := bson.Unmarshal(raw, &doc); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	doc = mergeFields(doc, fields)
	data, err := bson.Marshal(doc)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	m.records[path] = bson.Raw(data)
	pending := m.collectLocked(path)
	m.mu.Unlock()
	deliver(pending)
	return nil
}

// Subscribe delivers the current snapshot of path synchronously, then one
// snapshot after each write to the record or its direct children.
func (m *MemoryStore) Subscribe(ctx context.Context, path string, fn func(Snapshot)) (*Subscription, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	sub := &memorySub{path: path, fn: fn}
	m.subs[id] = sub
	m.seq++
	initial := pendingDelivery{sub: sub, snap: m.snapshotLocked(path), seq: m.seq}
	m.mu.Unlock()

	deliver([]pendingDelivery{initial})

	return newSubscription(func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
		sub.mu.Lock()
		sub.closed = true
		sub.mu.Unlock()
	}), nil
}

// collectLocked builds snapshots for every subscriber affected by a write to path.
func (m *MemoryStore) collectLocked(path string) []pendingDelivery {
	m.seq++
	parent := Parent(path)
	var out []pendingDelivery
	for _, sub := range m.subs {
		if sub.path == path || sub.path == parent {
			out = append(out, pendingDelivery{sub: sub, snap: m.snapshotLocked(sub.path), seq: m.seq})
		}
	}
	return out
}

func (m *MemoryStore) snapshotLocked(path string) Snapshot {
	snap := Snapshot{Path: path, Children: make(map[string]bson.Raw)}
	if raw, ok := m.records[path]; ok {
		snap.Value = raw
	}
	prefix := path + "/"
	for p, raw := range m.records {
		if len(p) > len(prefix) && p[:len(prefix)] == prefix && Parent(p) == path {
			snap.Children[Base(p)] = raw
		}
	}
	return snap
}

// deliver runs callbacks outside every lock, so a callback may write to the
// store or close its own subscription. A subscriber never receives a snapshot
// older than one it was already handed.
func deliver(pending []pendingDelivery) {
	for _, p := range pending {
		p.sub.mu.Lock()
		fresh := !p.sub.closed && p.seq > p.sub.last
		if fresh {
			p.sub.last = p.seq
		}
		p.sub.mu.Unlock()
		if fresh {
			p.sub.fn(p.snap)
		}
	}
}

func mergeFields(doc bson.D, fields bson.M) bson.D {
	index := make(map[string]int, len(doc))
	for i, e := range doc {
		index[e.Key] = i
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if i, ok := index[k]; ok {
			doc[i].Value = fields[k]
			continue
		}
		doc = append(doc, bson.E{Key: k, Value: fields[k]})
	}
	return doc
}
