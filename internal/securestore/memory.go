package securestore

import (
	"sort"
	"strings"
	"sync"
)

// MemoryStore is a Store kept entirely in process memory. It backs tests and
// fault-injection harnesses; nothing it holds survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]string

	// FailWrites and FailReads force StorageError paths in tests.
	FailWrites bool
	FailReads  bool
	FailErr    error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]string)}
}

func (m *MemoryStore) Read(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailReads {
		return "", false, m.failErr()
	}
	v, ok := m.entries[key]
	return v, ok, nil
}

func (m *MemoryStore) Write(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return m.failErr()
	}
	m.entries[key] = value
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailReads {
		return nil, m.failErr()
	}
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) DeleteAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return m.failErr()
	}
	m.entries = make(map[string]string)
	return nil
}

// Len reports the number of live entries; used by wipe tests.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryStore) failErr() error {
	if m.FailErr != nil {
		return m.FailErr
	}
	return ErrClosed
}
