package storage

import (
	"context"
	"sync"
)

// shopLeases hands out one exclusive lease per shop within this process.
type shopLeases struct {
	mu sync.Mutex
	m  map[string]chan struct{}
}

func (l *shopLeases) acquire(ctx context.Context, shop string) (func(), error) {
	l.mu.Lock()
	if l.m == nil {
		l.m = map[string]chan struct{}{}
	}
	ch := l.m[shop]
	if ch == nil {
		ch = make(chan struct{}, 1)
		l.m[shop] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fileLease takes the in-process lease of key, then the flock on path.
func fileLease(ctx context.Context, leases *shopLeases, key, path string) (func(), error) {
	release, err := leases.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	unlock, err := lockFile(ctx, path)
	if err != nil {
		release()
		return nil, err
	}
	return func() {
		unlock()
		release()
	}, nil
}
