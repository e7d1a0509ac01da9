// Package leaf implements the bottom of the block store stack: a raw
// (block id -> bytes) mapping with no concurrency guarantees beyond what the
// backing storage provides. See cryfs/internal/blockstore/locking for the
// layer that adds per-id locking for callers above.
package leaf

import (
	"context"

	"github.com/cryfs-go/cryfs/internal/blockstore"
)

// Store is the contract every leaf implementation (and every decorator
// wrapping one) satisfies. All operations may block on I/O.
type Store interface {
	Exists(ctx context.Context, id blockstore.Id) (bool, error)
	Load(ctx context.Context, id blockstore.Id) ([]byte, bool, error)
	TryCreate(ctx context.Context, id blockstore.Id, data []byte) (blockstore.TryCreateResult, error)
	Store(ctx context.Context, id blockstore.Id, data []byte) error
	Remove(ctx context.Context, id blockstore.Id) (blockstore.RemoveResult, error)
	NumBlocks(ctx context.Context) (uint64, error)

	// AllBlocks streams every block id currently on the backend. The
	// returned function yields one id per call and a final (zero, false,
	// nil) when exhausted, or (zero, false, err) on failure.
	AllBlocks(ctx context.Context) (func() (blockstore.Id, bool, error), error)

	// EstimateNumFreeBytes is a best-effort capacity hint; it is never used
	// to refuse a write.
	EstimateNumFreeBytes(ctx context.Context) (uint64, error)

	// BlockSizeFromPhysicalBlockSize converts a physical (on-the-wire) block
	// size into the usable size this layer exposes upward, after
	// subtracting this layer's own header/footer overhead.
	BlockSizeFromPhysicalBlockSize(physical uint64) (uint64, error)
}
