package cachingblob

import (
	"context"
	"testing"
	"time"

	"github.com/cryfs-go/cryfs/internal/blob"
	"github.com/cryfs-go/cryfs/internal/blockstore"
	"github.com/cryfs-go/cryfs/internal/blockstore/caching"
	"github.com/cryfs-go/cryfs/internal/blockstore/leaf"
	"github.com/cryfs-go/cryfs/internal/blockstore/locking"
	"github.com/cryfs-go/cryfs/internal/concurrentblob"
	"github.com/cryfs-go/cryfs/internal/node"
	"github.com/cryfs-go/cryfs/internal/tree"
)

func newTestStore(t *testing.T, maxAge time.Duration) (*Store, blockstore.Id) {
	t.Helper()
	backend := leaf.NewInMemory()
	cache := caching.New(backend, 100)
	lock := locking.New(cache)
	nodes := node.NewStore(lock, 512, 4)
	trees := tree.NewStore(nodes)
	blobs := blob.NewStore(trees)
	concurrent := concurrentblob.NewStore(blobs)
	s := New(concurrent, maxAge)

	guard, err := concurrent.Create(context.Background(), blob.File, blockstore.Id{})
	if err != nil {
		t.Fatal(err)
	}
	id := guard.Blob().Id()
	if err := guard.Release(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s, id
}

func TestReleaseParksInsteadOfReleasingUnderlying(t *testing.T) {
	ctx := context.Background()
	s, id := newTestStore(t, time.Minute)

	guard, ok, err := s.Load(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if err := guard.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}

	s.mu.Lock()
	_, parked := s.entries[id]
	s.mu.Unlock()
	if !parked {
		t.Fatal("expected the guard to be parked after Release")
	}
}

func TestLoadHitsParkCacheWithoutReloadingUnderlying(t *testing.T) {
	ctx := context.Background()
	s, id := newTestStore(t, time.Minute)

	g1, ok, err := s.Load(ctx, id)
	if err != nil || !ok {
		t.Fatal(err)
	}
	if err := g1.Release(ctx); err != nil {
		t.Fatal(err)
	}

	g2, ok, err := s.Load(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if g2.Blob() != g1.Blob() {
		t.Fatal("expected the parked guard instance to be reused")
	}
	s.mu.Lock()
	_, stillParked := s.entries[id]
	s.mu.Unlock()
	if stillParked {
		t.Fatal("guard should have been removed from the park cache once re-loaded")
	}
	if err := g2.Release(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestEvictOldReleasesStaleParkedGuards(t *testing.T) {
	ctx := context.Background()
	s, id := newTestStore(t, time.Millisecond)

	guard, ok, err := s.Load(ctx, id)
	if err != nil || !ok {
		t.Fatal(err)
	}
	if err := guard.Release(ctx); err != nil {
		t.Fatal(err)
	}

	time.Sleep(5 * time.Millisecond)
	s.evictOld(ctx)

	s.mu.Lock()
	_, stillParked := s.entries[id]
	s.mu.Unlock()
	if stillParked {
		t.Fatal("expected the stale guard to be evicted")
	}
}

func TestCloseReleasesEveryParkedGuard(t *testing.T) {
	ctx := context.Background()
	s, id := newTestStore(t, time.Minute)

	guard, ok, err := s.Load(ctx, id)
	if err != nil || !ok {
		t.Fatal(err)
	}
	if err := guard.Release(ctx); err != nil {
		t.Fatal(err)
	}

	s.Close(ctx)

	s.mu.Lock()
	n := len(s.entries)
	s.mu.Unlock()
	if n != 0 {
		t.Fatalf("Close left %d parked entries behind", n)
	}
}
