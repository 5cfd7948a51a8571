package kv

import (
	"context"
	"sync"
)

// Memory is an in-memory Store used by tests and ephemeral deployments.
type Memory struct {
	mu      sync.RWMutex
	values  map[string]map[string][]byte            // bucket → key → value
	indexes map[string]map[string]map[string]map[string]struct{} // bucket → name → value → keys
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		values:  make(map[string]map[string][]byte),
		indexes: make(map[string]map[string]map[string]map[string]struct{}),
	}
}

// Put implements Store.
func (m *Memory) Put(ctx context.Context, bucket, key string, value []byte, indexes map[string][]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.values[bucket] == nil {
		m.values[bucket] = make(map[string][]byte)
	}
	m.values[bucket][key] = append([]byte(nil), value...)

	m.dropIndexesLocked(bucket, key)
	for name, values := range indexes {
		for _, v := range values {
			if m.indexes[bucket] == nil {
				m.indexes[bucket] = make(map[string]map[string]map[string]struct{})
			}
			if m.indexes[bucket][name] == nil {
				m.indexes[bucket][name] = make(map[string]map[string]struct{})
			}
			if m.indexes[bucket][name][v] == nil {
				m.indexes[bucket][name][v] = make(map[string]struct{})
			}
			m.indexes[bucket][name][v][key] = struct{}{}
		}
	}
	return nil
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.values[bucket][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

// Delete implements Store.
func (m *Memory) Delete(ctx context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values[bucket], key)
	m.dropIndexesLocked(bucket, key)
	return nil
}

// List implements Store.
func (m *Memory) List(ctx context.Context, bucket string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte, len(m.values[bucket]))
	for k, v := range m.values[bucket] {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

// KeysByIndex implements Store.
func (m *Memory) KeysByIndex(ctx context.Context, bucket, name, value string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.indexes[bucket][name][value]
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return keys, nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }

func (m *Memory) dropIndexesLocked(bucket, key string) {
	for _, byValue := range m.indexes[bucket] {
		for v, keys := range byValue {
			delete(keys, key)
			if len(keys) == 0 {
				delete(byValue, v)
			}
		}
	}
}
