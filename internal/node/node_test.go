package node

import (
	"context"
	"testing"

	"github.com/cryfs-go/cryfs/internal/blockstore"
	"github.com/cryfs-go/cryfs/internal/blockstore/caching"
	"github.com/cryfs-go/cryfs/internal/blockstore/leaf"
	"github.com/cryfs-go/cryfs/internal/blockstore/locking"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	backend := leaf.NewInMemory()
	cache := caching.New(backend, 100)
	lock := locking.New(cache)
	return NewStore(lock, 64, 4)
}

func TestCreateLeafThenLoad(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	leafNode, err := s.CreateLeaf(ctx, []byte("hello"))
	if err != nil {
		t.Fatalf("CreateLeaf: %v", err)
	}
	id := leafNode.Id()
	if err := leafNode.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := leafNode.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}

	loaded, ok, err := s.Load(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	ln, ok := loaded.(*LeafNode)
	if !ok {
		t.Fatalf("Load returned %T, want *LeafNode", loaded)
	}
	data, err := ln.Data()
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("got %q, want %q", data, "hello")
	}
	ln.Release(ctx)
}

func TestCreateInnerRejectsTooManyChildren(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var children []blockstore.Id
	for i := 0; i < s.maxChildrenPerInnerNode+1; i++ {
		id, err := blockstore.NewId()
		if err != nil {
			t.Fatal(err)
		}
		children = append(children, id)
	}
	if _, err := s.CreateInner(ctx, 1, children); err == nil {
		t.Fatal("expected an error for too many children")
	}
}

func TestRemoveSubtreeRemovesEveryNode(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	leaf1, err := s.CreateLeaf(ctx, []byte("a"))
	if err != nil {
		t.Fatal(err)
	}
	leaf1Id := leaf1.Id()
	leaf1.Release(ctx)
	leaf2, err := s.CreateLeaf(ctx, []byte("b"))
	if err != nil {
		t.Fatal(err)
	}
	leaf2Id := leaf2.Id()
	leaf2.Release(ctx)

	inner, err := s.CreateInner(ctx, 1, []blockstore.Id{leaf1Id, leaf2Id})
	if err != nil {
		t.Fatal(err)
	}
	rootId := inner.Id()
	inner.Release(ctx)

	if err := s.RemoveSubtree(ctx, rootId); err != nil {
		t.Fatalf("RemoveSubtree: %v", err)
	}
	for _, id := range []blockstore.Id{rootId, leaf1Id, leaf2Id} {
		if _, ok, err := s.Load(ctx, id); err != nil || ok {
			t.Fatalf("node %s still loadable after RemoveSubtree: ok=%v err=%v", id, ok, err)
		}
	}
}
