package docstore

import (
	"context"
	"encoding/json"
	"sync"
)

// Memory is an in-process Database. Documents round-trip through JSON so
// readers see the same shapes the REST adapter produces.
type Memory struct {
	mu    sync.RWMutex
	nodes map[string]map[string][]byte
}

// NewMemory creates an empty in-memory database.
func NewMemory() *Memory {
	return &Memory{nodes: make(map[string]map[string][]byte)}
}

// Collection returns a handle on the named node.
func (m *Memory) Collection(name string) Collection {
	return &memoryCollection{db: m, name: name}
}

type memoryCollection struct {
	db   *Memory
	name string
}

func (c *memoryCollection) Get(_ context.Context, id string) (Snapshot, error) {
	c.db.mu.RLock()
	raw, ok := c.db.nodes[c.name][id]
	c.db.mu.RUnlock()
	if !ok {
		return Snapshot{ID: id}, nil
	}
	var doc Document
	if err := decodeJSON(raw, &doc); err != nil {
		return Snapshot{}, err
	}
	return Snapshot{ID: id, Exists: true, Data: doc}, nil
}

func (c *memoryCollection) Set(_ context.Context, id string, data Document, merge bool) (string, error) {
	if id == "" {
		id = NewKey()
	}

	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	node, ok := c.db.nodes[c.name]
	if !ok {
		node = make(map[string][]byte)
		c.db.nodes[c.name] = node
	}

	if merge {
		if existingRaw, ok := node[id]; ok {
			var existing Document
			if err := decodeJSON(existingRaw, &existing); err != nil {
				return "", err
			}
			for k, v := range data {
				existing[k] = v
			}
			data = existing
		}
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	node[id] = raw
	return id, nil
}

func (c *memoryCollection) Where(ctx context.Context, field string, value any) ([]Snapshot, error) {
	all, err := c.all(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0)
	for _, snap := range all {
		if v, ok := snap.Data[field]; ok && looseEqual(v, value) {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (c *memoryCollection) OrderBy(ctx context.Context, field string, desc bool) ([]Snapshot, error) {
	all, err := c.all(ctx)
	if err != nil {
		return nil, err
	}
	sortSnapshots(all, field, desc)
	return all, nil
}

func (c *memoryCollection) all(_ context.Context) ([]Snapshot, error) {
	c.db.mu.RLock()
	defer c.db.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(c.db.nodes[c.name]))
	for id, raw := range c.db.nodes[c.name] {
		var doc Document
		if err := decodeJSON(raw, &doc); err != nil {
			return nil, err
		}
		snaps = append(snaps, Snapshot{ID: id, Exists: true, Data: doc})
	}
	sortByID(snaps)
	return snaps, nil
}

var _ Database = (*Memory)(nil)
