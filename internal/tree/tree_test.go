package tree

import (
	"bytes"
	"context"
	"testing"

	"github.com/cryfs-go/cryfs/internal/blockstore/caching"
	"github.com/cryfs-go/cryfs/internal/blockstore/leaf"
	"github.com/cryfs-go/cryfs/internal/blockstore/locking"
	"github.com/cryfs-go/cryfs/internal/node"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	backend := leaf.NewInMemory()
	cache := caching.New(backend, 100)
	lock := locking.New(cache)
	// Small fan-out (8 bytes usable => 8/16 < 1, so bump usable size up) to
	// force multiple tree levels quickly in tests without huge writes.
	nodes := node.NewStore(lock, 64, 4)
	return NewStore(nodes)
}

func TestWriteAtThenReadAtRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rootId, err := s.NewLeaf(ctx, nil)
	if err != nil {
		t.Fatalf("NewLeaf: %v", err)
	}
	tr := s.Load(rootId)

	payload := bytes.Repeat([]byte{0xAB}, 500)
	if err := tr.WriteAt(ctx, 0, payload); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	buf := make([]byte, len(payload))
	n, err := tr.ReadAt(ctx, 0, buf)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("read %d bytes, want %d", n, len(payload))
	}
	if !bytes.Equal(buf, payload) {
		t.Fatal("round-tripped data mismatch")
	}

	size, err := tr.NumBytes(ctx)
	if err != nil {
		t.Fatalf("NumBytes: %v", err)
	}
	if size != uint64(len(payload)) {
		t.Fatalf("NumBytes=%d, want %d", size, len(payload))
	}
}

func TestResizeShrinkThenGrowPreservesRootId(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rootId, err := s.NewLeaf(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	tr := s.Load(rootId)

	if err := tr.Resize(ctx, 2000); err != nil {
		t.Fatalf("grow: %v", err)
	}
	if tr.RootId() != rootId {
		t.Fatalf("root id changed after growing: %s != %s", tr.RootId(), rootId)
	}
	size, err := tr.NumBytes(ctx)
	if err != nil || size != 2000 {
		t.Fatalf("NumBytes after grow: %d, %v", size, err)
	}

	if err := tr.Resize(ctx, 10); err != nil {
		t.Fatalf("shrink: %v", err)
	}
	if tr.RootId() != rootId {
		t.Fatalf("root id changed after shrinking: %s != %s", tr.RootId(), rootId)
	}
	size, err = tr.NumBytes(ctx)
	if err != nil || size != 10 {
		t.Fatalf("NumBytes after shrink: %d, %v", size, err)
	}
}

func TestRemoveDeletesAllNodes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rootId, err := s.NewLeaf(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	tr := s.Load(rootId)
	if err := tr.Resize(ctx, 5000); err != nil {
		t.Fatal(err)
	}

	it, err := s.AllNodesInSubtree(ctx, rootId)
	if err != nil {
		t.Fatal(err)
	}
	var ids []struct{}
	for {
		_, ok, err := it()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		ids = append(ids, struct{}{})
	}
	if len(ids) < 2 {
		t.Fatalf("expected resize(5000) to produce multiple nodes, got %d", len(ids))
	}

	if err := tr.Remove(ctx); err != nil {
		t.Fatalf("Remove: %v", err)
	}
}
