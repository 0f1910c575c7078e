package sink

import (
	"context"
	"sync"
)

// Memory keeps the latest record per key plus a bounded history.
type Memory struct {
	mu      sync.RWMutex
	last    map[string]Record
	history []Record
	limit   int
}

// NewMemory creates an in-process sink retaining up to limit history entries.
func NewMemory(limit int) *Memory {
	if limit <= 0 {
		limit = 512
	}
	return &Memory{last: make(map[string]Record), limit: limit}
}

// Put stores rec under key.
func (m *Memory) Put(_ context.Context, key string, rec Record) error {
	rec.Key = key
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last[key] = rec
	m.history = append([]Record{rec}, m.history...)
	if len(m.history) > m.limit {
		m.history = m.history[:m.limit]
	}
	return nil
}

// Get returns the last record under key.
func (m *Memory) Get(_ context.Context, key string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.last[key]
	return rec, ok, nil
}

// History returns the newest records first.
func (m *Memory) History(limit int) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	out := make([]Record, limit)
	copy(out, m.history[:limit])
	return out
}
