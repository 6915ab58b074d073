package oauth

import (
	"context"
	"sync"
	"time"
)

// MemoryStorage implements Storage with an in-memory map. Suitable for
// development, testing, and single-process hosts; data is lost on restart.
// Generalized from the teacher's session.MemoryStorage onto opaque string
// values with lazy expiry-on-read.
type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string]memoryEntry
}

type memoryEntry struct {
	value    string
	deadline time.Time // zero means no expiry
}

// NewMemoryStorage creates a new in-memory Storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string]memoryEntry)}
}

// Set stores value under key. A zero ttl means no expiry.
func (m *MemoryStorage) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	if key == "" {
		return newErr(KindSession, "storage key cannot be empty", nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var deadline time.Time
	if ttl > 0 {
		deadline = time.Now().Add(ttl)
	}
	m.data[key] = memoryEntry{value: value, deadline: deadline}
	return nil
}

// Get retrieves key, treating an expired entry as absent and evicting it.
func (m *MemoryStorage) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	entry, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if !entry.deadline.IsZero() && time.Now().After(entry.deadline) {
		m.mu.Lock()
		delete(m.data, key)
		m.mu.Unlock()
		return "", false, nil
	}
	return entry.value, true, nil
}

// Delete removes key, if present.
func (m *MemoryStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Cleanup evicts all expired entries. Not required by the Storage
// interface; exposed for hosts that want periodic sweeping, matching the
// teacher's session.MemoryStorage.Cleanup.
func (m *MemoryStorage) Cleanup(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for key, entry := range m.data {
		if !entry.deadline.IsZero() && now.After(entry.deadline) {
			delete(m.data, key)
		}
	}
	return nil
}

// Count returns the number of stored entries (for tests).
func (m *MemoryStorage) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
