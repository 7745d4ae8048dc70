package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a tenant has no stored config.
var ErrNotFound = errors.New("storage: not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("storage: closed")

// Config configures storage.
//
// Driver values:
//   - "file": one directory of JSON files (default)
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL via pgx, DSN required
//   - "memory": process memory only, lost on exit
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means default
}

// Store is the persistence API used by the tenant and activity packages.
type Store interface {
	GetConfig(ctx context.Context, shop string) ([]byte, error)
	PutConfig(ctx context.Context, shop string, doc []byte) error
	ListShops(ctx context.Context) ([]string, error)

	// LockShop blocks until the caller holds the write lease of shop across
	// every process sharing this store, or ctx ends. Leases are not
	// reentrant.
	LockShop(ctx context.Context, shop string) (unlock func(), err error)

	// AppendActivity stores entry as the newest activity record and drops
	// everything beyond the newest keep records.
	AppendActivity(ctx context.Context, shop string, entry []byte, keep int) error
	// RecentActivity returns up to limit records, newest first.
	RecentActivity(ctx context.Context, shop string, limit int) ([][]byte, error)

	AppendSystem(ctx context.Context, shop string, line []byte) error
	// TailSystem returns the last n lines in write order.
	TailSystem(ctx context.Context, shop string, n int) ([][]byte, error)

	// ClearLogs drops the activity trail and system log of shop.
	ClearLogs(ctx context.Context, shop string) error

	Close() error
}
