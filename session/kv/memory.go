package kv

import (
	"sync"

	"golang.org/x/exp/maps"
)

// Memory is a KeyValueStore living as long as the process.
// The zero value is ready to use.
type Memory struct {
	entries map[string]string

	initOnce sync.Once
	mu       sync.RWMutex
}

func (m *Memory) init() {
	m.initOnce.Do(func() {
		if m.entries == nil {
			m.entries = make(map[string]string)
		}
	})
}

func (m *Memory) Get(key string) (string, bool) {
	m.init()
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.entries[key]

	return value, ok
}

func (m *Memory) Set(key string, value string) error {
	m.init()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = value

	return nil
}

func (m *Memory) Delete(key string) error {
	m.init()
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)

	return nil
}

// Snapshot returns a copy of every entry.
func (m *Memory) Snapshot() map[string]string {
	m.init()
	m.mu.RLock()
	defer m.mu.RUnlock()

	return maps.Clone(m.entries)
}
