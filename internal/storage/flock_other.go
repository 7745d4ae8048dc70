//go:build !unix

package storage

import "context"

// lockFile is a no-op here; leases only serialize within the process.
func lockFile(ctx context.Context, path string) (func(), error) {
	return func() {}, ctx.Err()
}
