// Package cachingblob implements the optional CachingBlobStore, a
// time-based LRU sitting above ConcurrentBlobStore: a guard released here
// doesn't necessarily release the underlying
// ConcurrentBlobStore guard, it parks it in the cache so a blob that's
// immediately reused (common for the parent directory during a string of
// filesystem operations) doesn't pay the reload cost.
package cachingblob

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/cryfs-go/cryfs/internal/blockstore"
	"github.com/cryfs-go/cryfs/internal/concurrentblob"
)

// DefaultMaxEntryAge is how long a parked guard sits idle before the
// periodic eviction task releases it back to ConcurrentBlobStore.
const DefaultMaxEntryAge = 10 * time.Second

type parked struct {
	id      blockstore.Id
	guard   *concurrentblob.Guard
	parked  time.Time
	elem    *list.Element
}

// Store wraps a ConcurrentBlobStore with a park-on-release cache.
type Store struct {
	underlying *concurrentblob.Store
	maxAge     time.Duration

	mu      sync.Mutex
	entries map[blockstore.Id]*parked
	lru     *list.List

	stop chan struct{}
}

func New(underlying *concurrentblob.Store, maxAge time.Duration) *Store {
	if maxAge <= 0 {
		maxAge = DefaultMaxEntryAge
	}
	s := &Store{
		underlying: underlying,
		maxAge:     maxAge,
		entries:    make(map[blockstore.Id]*parked),
		lru:        list.New(),
		stop:       make(chan struct{}),
	}
	return s
}

// RunEvictionLoop periodically releases guards parked longer than maxAge.
// Call it in its own goroutine; it returns when ctx is cancelled or Close
// is called.
func (s *Store) RunEvictionLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.maxAge / 2
		if interval <= 0 {
			interval = time.Second
		}
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-t.C:
			s.evictOld(ctx)
		}
	}
}

func (s *Store) evictOld(ctx context.Context) {
	cutoff := time.Now().Add(-s.maxAge)
	s.mu.Lock()
	var toRelease []*parked
	for back := s.lru.Back(); back != nil; back = s.lru.Back() {
		p := back.Value.(*parked)
		if p.parked.After(cutoff) {
			break
		}
		s.lru.Remove(back)
		delete(s.entries, p.id)
		toRelease = append(toRelease, p)
	}
	s.mu.Unlock()
	for _, p := range toRelease {
		p.guard.Release(ctx)
	}
}

// Close releases every parked guard and stops the eviction loop.
func (s *Store) Close(ctx context.Context) {
	close(s.stop)
	s.mu.Lock()
	entries := s.entries
	s.entries = make(map[blockstore.Id]*parked)
	s.lru.Init()
	s.mu.Unlock()
	for _, p := range entries {
		p.guard.Release(ctx)
	}
}

// Guard wraps a concurrentblob.Guard so Release parks it here instead of
// releasing the underlying entry immediately.
type Guard struct {
	store *Store
	inner *concurrentblob.Guard
	id    blockstore.Id
}

func (g *Guard) Blob() *concurrentblob.Guard { return g.inner }

func (g *Guard) Release(ctx context.Context) error {
	g.store.mu.Lock()
	if existing, ok := g.store.entries[g.id]; ok {
		g.store.lru.Remove(existing.elem)
		delete(g.store.entries, g.id)
		g.store.mu.Unlock()
		if err := existing.guard.Release(ctx); err != nil {
			return err
		}
		g.store.mu.Lock()
	}
	p := &parked{id: g.id, guard: g.inner, parked: time.Now()}
	p.elem = g.store.lru.PushFront(p)
	g.store.entries[g.id] = p
	g.store.mu.Unlock()
	return nil
}

// Load checks the park cache first; on a hit it re-acquires without going
// through ConcurrentBlobStore's Load path at all.
func (s *Store) Load(ctx context.Context, id blockstore.Id) (*Guard, bool, error) {
	s.mu.Lock()
	if p, ok := s.entries[id]; ok {
		s.lru.Remove(p.elem)
		delete(s.entries, id)
		s.mu.Unlock()
		return &Guard{store: s, inner: p.guard, id: id}, true, nil
	}
	s.mu.Unlock()

	guard, ok, err := s.underlying.Load(ctx, id)
	if err != nil || !ok {
		return nil, false, err
	}
	return &Guard{store: s, inner: guard, id: id}, true, nil
}
