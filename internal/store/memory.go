package store

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore is an in-process SlotStore used by tests and as the
// degraded fallback when the sqlite database cannot be opened.
type MemoryStore struct {
	mu    sync.RWMutex
	slots map[string]json.RawMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{slots: make(map[string]json.RawMessage)}
}

func (m *MemoryStore) Get(_ context.Context, key string, dst any) (bool, error) {
	m.mu.RLock()
	raw, ok := m.slots[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, err
	}
	return true, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.slots[key] = raw
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.slots, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Close() error { return nil }
