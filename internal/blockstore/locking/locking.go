// Package locking implements LockingStore, the public-facing block store
// API. It guarantees at most one live BlockGuard per block
// id at a time: Load/Create/Overwrite block until any previously issued
// guard for the same id is released, so a caller can mutate a guard's bytes
// without racing a concurrent loader of the same block.
package locking

import (
	"context"
	"sync"

	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/blockstore"
	"github.com/cryfs-go/cryfs/internal/blockstore/caching"
)

// perBlockLock is a re-entrant-free mutex bound to one block id's lifetime;
// it's removed from the registry once nobody holds or waits on it so the
// registry doesn't grow without bound.
type perBlockLock struct {
	mu       sync.Mutex
	refcount int
}

// Store is the LockingStore. It sits directly above a caching.Store and is
// the type the tree/node layer talks to.
type Store struct {
	underlying *caching.Store

	locksMu sync.Mutex
	locks   map[blockstore.Id]*perBlockLock
}

func New(underlying *caching.Store) *Store {
	return &Store{
		underlying: underlying,
		locks:      make(map[blockstore.Id]*perBlockLock),
	}
}

func (s *Store) acquire(id blockstore.Id) *perBlockLock {
	s.locksMu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &perBlockLock{}
		s.locks[id] = l
	}
	l.refcount++
	s.locksMu.Unlock()

	l.mu.Lock()
	return l
}

func (s *Store) release(id blockstore.Id, l *perBlockLock) {
	l.mu.Unlock()
	s.locksMu.Lock()
	l.refcount--
	if l.refcount == 0 {
		delete(s.locks, id)
	}
	s.locksMu.Unlock()
}

// BlockGuard is a handle to one locked block. Exactly one goroutine holds a
// given block's guard at a time; calling any method after Release panics in
// the Rust original's debug builds, and here returns ErrGuardReleased
// instead, since Go has no borrow checker to catch it at compile time.
type BlockGuard struct {
	store    *Store
	id       blockstore.Id
	lock     *perBlockLock
	data     []byte
	dirty    bool
	released bool
}

// ErrGuardReleased is returned by any BlockGuard method called after
// Release.
var ErrGuardReleased = xerrors.New("block guard already released")

func (g *BlockGuard) Id() blockstore.Id { return g.id }

// Data returns the guard's current bytes. The slice is owned by the guard;
// callers must copy it before mutating.
func (g *BlockGuard) Data() ([]byte, error) {
	if g.released {
		return nil, ErrGuardReleased
	}
	return g.data, nil
}

// DataMut returns a mutable view of the guard's bytes and marks the guard
// dirty: the next Flush or Release will write it back.
func (g *BlockGuard) DataMut() ([]byte, error) {
	if g.released {
		return nil, ErrGuardReleased
	}
	g.dirty = true
	return g.data, nil
}

// Resize changes the guard's logical size, zero-extending on growth.
func (g *BlockGuard) Resize(newSize int) error {
	if g.released {
		return ErrGuardReleased
	}
	if newSize == len(g.data) {
		return nil
	}
	resized := make([]byte, newSize)
	copy(resized, g.data)
	g.data = resized
	g.dirty = true
	return nil
}

// Flush writes the guard's current bytes through to the backing store
// without releasing the guard.
func (g *BlockGuard) Flush(ctx context.Context) error {
	if g.released {
		return ErrGuardReleased
	}
	if !g.dirty {
		return nil
	}
	if err := g.store.underlying.Store(ctx, g.id, g.data); err != nil {
		return xerrors.Errorf("flushing block %s: %w", g.id, err)
	}
	g.dirty = false
	return nil
}

// Release flushes any pending writes and frees the per-block lock so
// another caller can acquire this block. A guard must not be used after
// Release.
func (g *BlockGuard) Release(ctx context.Context) error {
	if g.released {
		return ErrGuardReleased
	}
	err := g.Flush(ctx)
	g.released = true
	g.store.release(g.id, g.lock)
	return err
}

// Load acquires id's per-block lock and returns a guard over its current
// bytes, or ok=false if the block doesn't exist.
func (s *Store) Load(ctx context.Context, id blockstore.Id) (*BlockGuard, bool, error) {
	l := s.acquire(id)
	data, ok, err := s.underlying.Load(ctx, id)
	if err != nil {
		s.release(id, l)
		return nil, false, err
	}
	if !ok {
		s.release(id, l)
		return nil, false, nil
	}
	return &BlockGuard{store: s, id: id, lock: l, data: data}, true, nil
}

// TryCreate acquires id's lock and creates it with data if absent. It
// returns ok=false without acquiring a guard if the block already existed.
func (s *Store) TryCreate(ctx context.Context, id blockstore.Id, data []byte) (*BlockGuard, bool, error) {
	l := s.acquire(id)
	result, err := s.underlying.TryCreate(ctx, id, data)
	if err != nil {
		s.release(id, l)
		return nil, false, err
	}
	if result == blockstore.AlreadyExists {
		s.release(id, l)
		return nil, false, nil
	}
	return &BlockGuard{store: s, id: id, lock: l, data: data}, true, nil
}

// Create creates a new block with a fresh random id, retrying on the
// astronomically unlikely chance of an id collision.
func (s *Store) Create(ctx context.Context, data []byte) (*BlockGuard, error) {
	for {
		id, err := blockstore.NewId()
		if err != nil {
			return nil, err
		}
		guard, created, err := s.TryCreate(ctx, id, data)
		if err != nil {
			return nil, err
		}
		if created {
			return guard, nil
		}
	}
}

// Overwrite acquires id's lock, replacing its bytes unconditionally (create
// if absent, otherwise overwrite).
func (s *Store) Overwrite(ctx context.Context, id blockstore.Id, data []byte) (*BlockGuard, error) {
	l := s.acquire(id)
	if err := s.underlying.Store(ctx, id, data); err != nil {
		s.release(id, l)
		return nil, err
	}
	return &BlockGuard{store: s, id: id, lock: l, data: data}, nil
}

// Remove deletes id. Callers must not hold a live guard for id when calling
// this; doing so deadlocks against acquire, which is the intended guardrail
// against removing a block someone else is still mutating.
func (s *Store) Remove(ctx context.Context, id blockstore.Id) (blockstore.RemoveResult, error) {
	l := s.acquire(id)
	defer s.release(id, l)
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

func (s *Store) BlockSizeFromPhysicalBlockSize(physical uint64) (uint64, error) {
	return s.underlying.BlockSizeFromPhysicalBlockSize(physical)
}

// Flush writes every dirty cached block through to the durable backend.
func (s *Store) Flush(ctx context.Context) error {
	return s.underlying.Flush(ctx)
}

// FlushCachedIfPresent flushes id if the caching layer has a dirty copy of
// it; a no-op for a block this store has never loaded.
func (s *Store) FlushCachedIfPresent(ctx context.Context, id blockstore.Id) error {
	return s.underlying.FlushCachedIfPresent(ctx, id)
}

