package storage

import (
	"context"
	"sort"
	"sync"
)

type memoryStore struct {
	mu       sync.Mutex
	closed   bool
	configs  map[string][]byte
	activity map[string][][]byte // newest first
	system   map[string][][]byte

	leases shopLeases
}

// NewMemory returns a Store that keeps everything in process memory.
func NewMemory() Store {
	return &memoryStore{
		configs:  map[string][]byte{},
		activity: map[string][][]byte{},
		system:   map[string][][]byte{},
	}
}

func (m *memoryStore) GetConfig(ctx context.Context, shop string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	b, ok := m.configs[shop]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(b), nil
}

func (m *memoryStore) PutConfig(ctx context.Context, shop string, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.configs[shop] = cloneBytes(doc)
	return nil
}

func (m *memoryStore) LockShop(ctx context.Context, shop string) (func(), error) {
	return m.leases.acquire(ctx, shop)
}

func (m *memoryStore) ListShops(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]string, 0, len(m.configs))
	for k := range m.configs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memoryStore) AppendActivity(ctx context.Context, shop string, entry []byte, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	list := append([][]byte{cloneBytes(entry)}, m.activity[shop]...)
	if keep > 0 && len(list) > keep {
		list = list[:keep]
	}
	m.activity[shop] = list
	return nil
}

func (m *memoryStore) RecentActivity(ctx context.Context, shop string, limit int) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	list := m.activity[shop]
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	out := make([][]byte, len(list))
	for i, b := range list {
		out[i] = cloneBytes(b)
	}
	return out, nil
}

func (m *memoryStore) AppendSystem(ctx context.Context, shop string, line []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.system[shop] = append(m.system[shop], cloneBytes(line))
	return nil
}

func (m *memoryStore) TailSystem(ctx context.Context, shop string, n int) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	list := m.system[shop]
	if n > 0 && len(list) > n {
		list = list[len(list)-n:]
	}
	out := make([][]byte, len(list))
	for i, b := range list {
		out[i] = cloneBytes(b)
	}
	return out, nil
}

func (m *memoryStore) ClearLogs(ctx context.Context, shop string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.activity, shop)
	delete(m.system, shop)
	return nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
