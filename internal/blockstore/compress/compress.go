// Package compress implements the optional CompressingStore decorator: it
// transparently compresses block payloads with zstd before they reach the
// leaf store and decompresses them on load. CPU work runs on a dedicated
// goroutine per call (runBlocking) so a caller cancelling its context
// never leaves a compression goroutine still holding a lock it needs.
package compress

import (
	"context"
	"runtime"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/blockstore"
	"github.com/cryfs-go/cryfs/internal/blockstore/leaf"
)

// Store wraps a leaf.Store, compressing on the way down and decompressing
// on the way up. It implements leaf.Store itself so it composes with every
// other decorator in the stack.
type Store struct {
	underlying leaf.Store
	enc        *zstd.Encoder
	dec        *zstd.Decoder

	// blockingSlots bounds how many compress/decompress calls run
	// concurrently, so a burst of large blocks can't spawn unbounded
	// goroutines and starve the runtime's OS threads.
	blockingSlots chan struct{}
}

var _ leaf.Store = (*Store)(nil)

func New(underlying leaf.Store) (*Store, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, xerrors.Errorf("compress: creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, xerrors.Errorf("compress: creating zstd decoder: %w", err)
	}
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		n = 1
	}
	return &Store{
		underlying:    underlying,
		enc:           enc,
		dec:           dec,
		blockingSlots: make(chan struct{}, n),
	}, nil
}

// Close releases the encoder/decoder's background goroutines. Safe to call
// once the store is no longer in use.
func (s *Store) Close() error {
	s.dec.Close()
	return s.enc.Close()
}

func (s *Store) runBlocking(ctx context.Context, f func() ([]byte, error)) ([]byte, error) {
	select {
	case s.blockingSlots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.blockingSlots }()

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := f()
		done <- result{data, err}
	}()
	select {
	case r := <-done:
		return r.data, r.err
	case <-ctx.Done():
		// The goroutine still runs to completion in the background (pure
		// CPU work, no shared state to corrupt) but we stop waiting on it.
		return nil, ctx.Err()
	}
}

func (s *Store) compress(data []byte) ([]byte, error) {
	return s.enc.EncodeAll(data, make([]byte, 0, len(data))), nil
}

func (s *Store) decompress(data []byte) ([]byte, error) {
	out, err := s.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, xerrors.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}

func (s *Store) Exists(ctx context.Context, id blockstore.Id) (bool, error) {
	return s.underlying.Exists(ctx, id)
}

func (s *Store) Load(ctx context.Context, id blockstore.Id) ([]byte, bool, error) {
	compressed, ok, err := s.underlying.Load(ctx, id)
	if err != nil {
		return nil, false, xerrors.Errorf("CompressingStore: loading %s: %w", id, err)
	}
	if !ok {
		return nil, false, nil
	}
	plain, err := s.runBlocking(ctx, func() ([]byte, error) { return s.decompress(compressed) })
	if err != nil {
		return nil, false, xerrors.Errorf("CompressingStore: decompressing %s: %w", id, err)
	}
	return plain, true, nil
}

func (s *Store) TryCreate(ctx context.Context, id blockstore.Id, data []byte) (blockstore.TryCreateResult, error) {
	compressed, err := s.runBlocking(ctx, func() ([]byte, error) { return s.compress(data) })
	if err != nil {
		return 0, xerrors.Errorf("CompressingStore: compressing %s: %w", id, err)
	}
	// try_create cannot use any reserved-prefix-bytes optimization because
	// compression changes the length unpredictably, so it always goes
	// through the plain path.
	return s.underlying.TryCreate(ctx, id, compressed)
}

func (s *Store) Store(ctx context.Context, id blockstore.Id, data []byte) error {
	compressed, err := s.runBlocking(ctx, func() ([]byte, error) { return s.compress(data) })
	if err != nil {
		return xerrors.Errorf("CompressingStore: compressing %s: %w", id, err)
	}
	return s.underlying.Store(ctx, id, compressed)
}

func (s *Store) Remove(ctx context.Context, id blockstore.Id) (blockstore.RemoveResult, error) {
	return s.underlying.Remove(ctx, id)
}

func (s *Store) NumBlocks(ctx context.Context) (uint64, error) {
	return s.underlying.NumBlocks(ctx)
}

func (s *Store) AllBlocks(ctx context.Context) (func() (blockstore.Id, bool, error), error) {
	return s.underlying.AllBlocks(ctx)
}

func (s *Store) EstimateNumFreeBytes(ctx context.Context) (uint64, error) {
	return s.underlying.EstimateNumFreeBytes(ctx)
}

// BlockSizeFromPhysicalBlockSize is a lower bound: compression is
// non-deterministic with respect to expansion, so we can only promise the
// underlying store's usable size, same as if nothing were compressed.
func (s *Store) BlockSizeFromPhysicalBlockSize(physical uint64) (uint64, error) {
	return s.underlying.BlockSizeFromPhysicalBlockSize(physical)
}
