package leaf

import (
	"context"
	"runtime"
	"sync"

	"github.com/cryfs-go/cryfs/internal/blockstore"
)

// InMemory is a leaf store backed by a map guarded by a single RWMutex. It
// never persists anything; it exists for tests and for the in-memory
// ephemeral-scratch mode.
type InMemory struct {
	mu     sync.RWMutex
	blocks map[blockstore.Id][]byte
}

var _ Store = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{blocks: make(map[blockstore.Id][]byte)}
}

func (s *InMemory) Exists(ctx context.Context, id blockstore.Id) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blocks[id]
	return ok, nil
}

func (s *InMemory) Load(ctx context.Context, id blockstore.Id) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blocks[id]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true, nil
}

func (s *InMemory) TryCreate(ctx context.Context, id blockstore.Id, data []byte) (blockstore.TryCreateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[id]; ok {
		return blockstore.AlreadyExists, nil
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	s.blocks[id] = stored
	return blockstore.Created, nil
}

func (s *InMemory) Store(ctx context.Context, id blockstore.Id, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	s.blocks[id] = stored
	return nil
}

func (s *InMemory) Remove(ctx context.Context, id blockstore.Id) (blockstore.RemoveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[id]; !ok {
		return blockstore.NotFound, nil
	}
	delete(s.blocks, id)
	return blockstore.Removed, nil
}

func (s *InMemory) NumBlocks(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.blocks)), nil
}

func (s *InMemory) AllBlocks(ctx context.Context) (func() (blockstore.Id, bool, error), error) {
	s.mu.RLock()
	ids := make([]blockstore.Id, 0, len(s.blocks))
	for id := range s.blocks {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	i := 0
	return func() (blockstore.Id, bool, error) {
		if i >= len(ids) {
			return blockstore.Id{}, false, nil
		}
		id := ids[i]
		i++
		return id, true, nil
	}, nil
}

func (s *InMemory) EstimateNumFreeBytes(ctx context.Context) (uint64, error) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	// Sys is the best stdlib-only proxy for available memory; there is no
	// portable free-memory syscall in the standard library.
	if m.Sys > m.HeapInuse {
		return m.Sys - m.HeapInuse, nil
	}
	return 0, nil
}

func (s *InMemory) BlockSizeFromPhysicalBlockSize(physical uint64) (uint64, error) {
	return physical, nil
}
