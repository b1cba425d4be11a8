package server

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
)

// ErrVersionMismatch is returned by CompareAndSwap when the stored version
// is not the expected one. Callers re-read and retry.
var ErrVersionMismatch = errors.New("version mismatch")

// KVEntry is one key returned by Scan
type KVEntry struct {
	Key     string
	Value   []byte
	Version int64
}

// KVStore is the versioned key/value abstraction every metadata backend implements.
//
// Versions are opaque positive numbers that change on every write of a key.
// Version 0 means the key does not exist, so CompareAndSwap with expected 0
// is create-if-absent.
type KVStore interface {
	io.Closer

	// Get returns the value and version of key, or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, int64, error)

	// Put writes value unconditionally and returns the new version
	Put(ctx context.Context, key string, value []byte) (int64, error)

	// CompareAndSwap writes value only if the current version equals expected
	CompareAndSwap(ctx context.Context, key string, expected int64, value []byte) (int64, error)

	// Scan returns every entry whose key starts with prefix, ordered by key
	Scan(ctx context.Context, prefix string) ([]KVEntry, error)
}

type memEntry struct {
	value   []byte
	version int64
}

// MemoryKV is an in-process KVStore guarded by a single RWMutex
type MemoryKV struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	clock   int64
}

var _ KVStore = (*MemoryKV)(nil)

// NewMemoryKV creates an empty in-memory store
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string]memEntry)}
}

func (m *MemoryKV) Get(ctx context.Context, key string) ([]byte, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return cloneBytes(e.value), e.version, nil
}

func (m *MemoryKV) Put(ctx context.Context, key string, value []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storeLocked(key, value), nil
}

func (m *MemoryKV) CompareAndSwap(ctx context.Context, key string, expected int64, value []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[key].version != expected {
		return 0, ErrVersionMismatch
	}
	return m.storeLocked(key, value), nil
}

func (m *MemoryKV) Scan(ctx context.Context, prefix string) ([]KVEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []KVEntry
	for k, e := range m.entries {
		if strings.HasPrefix(k, prefix) {
			out = append(out, KVEntry{Key: k, Value: cloneBytes(e.value), Version: e.version})
		}
	}
	sortEntries(out)
	return out, nil
}

// Close is a no-op
func (m *MemoryKV) Close() error {
	return nil
}

// storeLocked uses a store-wide clock so a key that is ever rewritten never
// gets a version it had before.
func (m *MemoryKV) storeLocked(key string, value []byte) int64 {
	m.clock++
	m.entries[key] = memEntry{value: cloneBytes(value), version: m.clock}
	return m.clock
}

func sortEntries(entries []KVEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
