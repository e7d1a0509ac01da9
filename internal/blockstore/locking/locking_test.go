package locking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cryfs-go/cryfs/internal/blockstore"
	"github.com/cryfs-go/cryfs/internal/blockstore/caching"
	"github.com/cryfs-go/cryfs/internal/blockstore/leaf"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	backend := leaf.NewInMemory()
	cache := caching.New(backend, 100)
	return New(cache)
}

func TestCreateLoadRelease(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	guard, err := s.Create(ctx, []byte("hello"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := guard.Id()
	if err := guard.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}

	loaded, ok, err := s.Load(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	data, err := loaded.Data()
	if err != nil || string(data) != "hello" {
		t.Fatalf("Data()=%q, err=%v", data, err)
	}
	if err := loaded.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestLoadBlocksUntilEarlierGuardReleased(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	guard, err := s.Create(ctx, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	id := guard.Id()

	unblocked := make(chan struct{})
	go func() {
		g2, ok, err := s.Load(ctx, id)
		if err != nil || !ok {
			t.Errorf("second Load: ok=%v err=%v", ok, err)
			close(unblocked)
			return
		}
		g2.Release(ctx)
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatal("second Load returned before the first guard was released")
	case <-time.After(50 * time.Millisecond):
	}

	if err := guard.Release(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("second Load never unblocked after Release")
	}
}

func TestMethodsAfterReleaseReturnErrGuardReleased(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	guard, err := s.Create(ctx, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if err := guard.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if err := guard.Release(ctx); err != ErrGuardReleased {
		t.Fatalf("second Release=%v, want ErrGuardReleased", err)
	}
	if _, err := guard.Data(); err != ErrGuardReleased {
		t.Fatalf("Data()=%v, want ErrGuardReleased", err)
	}
	if _, err := guard.DataMut(); err != ErrGuardReleased {
		t.Fatalf("DataMut()=%v, want ErrGuardReleased", err)
	}
}

func TestConcurrentCreatesGetDistinctIds(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const n = 20
	ids := make(chan blockstore.Id, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := s.Create(ctx, []byte("v"))
			if err != nil {
				t.Errorf("Create: %v", err)
				return
			}
			ids <- g.Id()
			g.Release(ctx)
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[blockstore.Id]bool{}
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %s from concurrent Create", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Fatalf("got %d distinct ids, want %d", len(seen), n)
	}
}

func TestRemoveAfterReleaseSucceeds(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id := mustId(t)
	guard, created, err := s.TryCreate(ctx, id, []byte("x"))
	if err != nil || !created {
		t.Fatalf("TryCreate: created=%v err=%v", created, err)
	}
	if err := guard.Release(ctx); err != nil {
		t.Fatal(err)
	}

	result, err := s.Remove(ctx, id)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if result != blockstore.Removed {
		t.Fatalf("Remove result=%v, want Removed", result)
	}
}

func mustId(t *testing.T) blockstore.Id {
	t.Helper()
	id, err := blockstore.NewId()
	if err != nil {
		t.Fatal(err)
	}
	return id
}
