// Package history persists conversations in a key/value store and keeps the
// stored set bounded by count and by size.
package history

import (
	"context"
	"errors"
	"sync"
)

// Storage location of the conversation list.
const (
	Namespace  = "neurochat"
	HistoryKey = "chat_history"
)

var (
	// ErrNotFound is returned for unknown keys and conversation ids.
	ErrNotFound = errors.New("not found")
	// ErrQuotaExceeded is returned by a KV that refuses a write for lack of space.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

// KV is the persistence collaborator. UsedBytes is best-effort and callers
// must tolerate it failing or being inaccurate.
type KV interface {
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Set(ctx context.Context, namespace, key string, value []byte) error
	UsedBytes(ctx context.Context, namespace string) (int64, error)
}

// MemoryKV is an in-process KV with an optional byte quota.
type MemoryKV struct {
	mu    sync.RWMutex
	data  map[string]map[string][]byte
	quota int64
}

// NewMemoryKV creates an empty store. A quota of zero means unlimited.
func NewMemoryKV(quota int64) *MemoryKV {
	return &MemoryKV{data: make(map[string]map[string][]byte), quota: quota}
}

// Get returns a copy of the stored value.
func (m *MemoryKV) Get(_ context.Context, namespace, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[namespace][key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Set stores a copy of value, failing with ErrQuotaExceeded when the
// namespace would grow past the quota.
func (m *MemoryKV) Set(_ context.Context, namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		m.data[namespace] = ns
	}
	if m.quota > 0 {
		var used int64
		for k, v := range ns {
			if k != key {
				used += int64(len(v))
			}
		}
		if used+int64(len(value)) > m.quota {
			return ErrQuotaExceeded
		}
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	ns[key] = stored
	return nil
}

// UsedBytes sums the value sizes in namespace.
func (m *MemoryKV) UsedBytes(_ context.Context, namespace string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var used int64
	for _, v := range m.data[namespace] {
		used += int64(len(v))
	}
	return used, nil
}
