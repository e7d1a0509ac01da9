// Package caching implements CachingStore: an in-process, size-bounded
// cache of recently-used blocks sitting above the durable backend. It
// tracks a dirty flag and a last-unlocked timestamp per entry, the same
// shape as an mtime-keyed metadata cache, generalized from "refetch stale
// HTTP metadata" to "flush dirty blocks and evict cold ones".
package caching

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/blockstore"
	"github.com/cryfs-go/cryfs/internal/blockstore/leaf"
)

// DefaultMaxEntries bounds how many blocks are held in memory at once.
const DefaultMaxEntries = 1000

type entry struct {
	id           blockstore.Id
	data         []byte
	dirty        bool
	removed      bool
	lastUnlocked time.Time
	elem         *list.Element
}

// Store is the CachingStore decorator. It never reorders writes relative to
// each other for the same block id: one mutex guards the whole cache,
// trading a little contention for a cache that is trivially race-free.
type Store struct {
	underlying leaf.Store
	maxEntries int

	mu      sync.Mutex
	entries map[blockstore.Id]*entry
	lru     *list.List // front = most recently used
}

var _ leaf.Store = (*Store)(nil)

func New(underlying leaf.Store, maxEntries int) *Store {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Store{
		underlying: underlying,
		maxEntries: maxEntries,
		entries:    make(map[blockstore.Id]*entry),
		lru:        list.New(),
	}
}

func (s *Store) touch(e *entry) {
	e.lastUnlocked = time.Now()
	s.lru.MoveToFront(e.elem)
}

// evictColdLocked flushes and drops least-recently-used entries until the
// cache is back under maxEntries. Must be called with s.mu held.
func (s *Store) evictColdLocked(ctx context.Context) error {
	for len(s.entries) > s.maxEntries {
		back := s.lru.Back()
		if back == nil {
			break
		}
		e := back.Value.(*entry)
		if err := s.flushLocked(ctx, e); err != nil {
			return err
		}
		s.lru.Remove(back)
		delete(s.entries, e.id)
	}
	return nil
}

func (s *Store) flushLocked(ctx context.Context, e *entry) error {
	if !e.dirty {
		return nil
	}
	if e.removed {
		if _, err := s.underlying.Remove(ctx, e.id); err != nil {
			return xerrors.Errorf("CachingStore: flushing removal of %s: %w", e.id, err)
		}
	} else {
		if err := s.underlying.Store(ctx, e.id, e.data); err != nil {
			return xerrors.Errorf("CachingStore: flushing %s: %w", e.id, err)
		}
	}
	e.dirty = false
	return nil
}

func (s *Store) Exists(ctx context.Context, id blockstore.Id) (bool, error) {
	s.mu.Lock()
	if e, ok := s.entries[id]; ok {
		removed := e.removed
		s.mu.Unlock()
		return !removed, nil
	}
	s.mu.Unlock()
	return s.underlying.Exists(ctx, id)
}

func (s *Store) Load(ctx context.Context, id blockstore.Id) ([]byte, bool, error) {
	s.mu.Lock()
	if e, ok := s.entries[id]; ok {
		if e.removed {
			s.mu.Unlock()
			return nil, false, nil
		}
		s.touch(e)
		data := make([]byte, len(e.data))
		copy(data, e.data)
		s.mu.Unlock()
		return data, true, nil
	}
	s.mu.Unlock()

	data, ok, err := s.underlying.Load(ctx, id)
	if err != nil {
		return nil, false, xerrors.Errorf("CachingStore: loading %s: %w", id, err)
	}
	if !ok {
		return nil, false, nil
	}

	s.mu.Lock()
	if existing, ok := s.entries[id]; ok {
		// Lost the race against a concurrent Load/Store; existing cache
		// entry wins since it may carry not-yet-flushed writes.
		s.touch(existing)
		out := make([]byte, len(existing.data))
		copy(out, existing.data)
		s.mu.Unlock()
		return out, true, nil
	}
	e := &entry{id: id, data: data, lastUnlocked: time.Now()}
	e.elem = s.lru.PushFront(e)
	s.entries[id] = e
	evictErr := s.evictColdLocked(ctx)
	s.mu.Unlock()
	if evictErr != nil {
		return nil, false, evictErr
	}
	return data, true, nil
}

func (s *Store) put(ctx context.Context, id blockstore.Id, data []byte, isNew bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		e = &entry{id: id}
		e.elem = s.lru.PushFront(e)
		s.entries[id] = e
	} else if isNew && !e.removed {
		return false, nil
	}
	e.data = data
	e.dirty = true
	e.removed = false
	s.touch(e)
	return true, s.evictColdLocked(ctx)
}

func (s *Store) TryCreate(ctx context.Context, id blockstore.Id, data []byte) (blockstore.TryCreateResult, error) {
	exists, err := s.Exists(ctx, id)
	if err != nil {
		return 0, err
	}
	if exists {
		return blockstore.AlreadyExists, nil
	}
	created, err := s.put(ctx, id, data, true)
	if err != nil {
		return 0, err
	}
	if !created {
		return blockstore.AlreadyExists, nil
	}
	return blockstore.Created, nil
}

func (s *Store) Store(ctx context.Context, id blockstore.Id, data []byte) error {
	_, err := s.put(ctx, id, data, false)
	return err
}

func (s *Store) Remove(ctx context.Context, id blockstore.Id) (blockstore.RemoveResult, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		e = &entry{id: id}
		e.elem = s.lru.PushFront(e)
		s.entries[id] = e
	}
	wasPresent := !e.removed
	e.dirty = true
	e.removed = true
	e.data = nil
	s.touch(e)
	s.mu.Unlock()

	if !wasPresent {
		existed, err := s.underlying.Exists(ctx, id)
		if err != nil {
			return 0, err
		}
		if !existed {
			return blockstore.NotFound, nil
		}
	}
	return blockstore.Removed, nil
}

func (s *Store) NumBlocks(ctx context.Context) (uint64, error) {
	backing, err := s.underlying.NumBlocks(ctx)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// A block newly created in the cache but not yet flushed counts here
	// even though the backend doesn't know about it yet; a block
	// removed-but-not-flushed is subtracted even though it's still
	// physically present. We count the caller's observable view, not the
	// backend's.
	total := int64(backing)
	for _, e := range s.entries {
		if e.removed {
			if !e.dirty {
				continue
			}
			existedOnBackend, err := s.underlying.Exists(ctx, e.id)
			if err != nil {
				return 0, err
			}
			if existedOnBackend {
				total--
			}
		} else if e.dirty {
			existedOnBackend, err := s.underlying.Exists(ctx, e.id)
			if err != nil {
				return 0, err
			}
			if !existedOnBackend {
				total++
			}
		}
	}
	if total < 0 {
		total = 0
	}
	return uint64(total), nil
}

func (s *Store) AllBlocks(ctx context.Context) (func() (blockstore.Id, bool, error), error) {
	backingIter, err := s.underlying.AllBlocks(ctx)
	if err != nil {
		return nil, err
	}

	removed := make(map[blockstore.Id]bool)
	s.mu.Lock()
	for id, e := range s.entries {
		if e.removed {
			removed[id] = true
		}
	}
	s.mu.Unlock()

	result := make(map[blockstore.Id]bool)
	for {
		id, ok, err := backingIter()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if !removed[id] {
			result[id] = true
		}
	}

	s.mu.Lock()
	for id, e := range s.entries {
		if e.removed {
			continue
		}
		result[id] = true
	}
	s.mu.Unlock()

	ids := make([]blockstore.Id, 0, len(result))
	for id := range result {
		ids = append(ids, id)
	}
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

func (s *Store) EstimateNumFreeBytes(ctx context.Context) (uint64, error) {
	return s.underlying.EstimateNumFreeBytes(ctx)
}

func (s *Store) BlockSizeFromPhysicalBlockSize(physical uint64) (uint64, error) {
	return s.underlying.BlockSizeFromPhysicalBlockSize(physical)
}

// Flush writes every dirty entry through to the underlying store without
// evicting it from the cache.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if err := s.flushLocked(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// FlushCachedIfPresent flushes id if it's cached and dirty: a no-op, not
// an error, for a block this store has never seen.
func (s *Store) FlushCachedIfPresent(ctx context.Context, id blockstore.Id) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	return s.flushLocked(ctx, e)
}
