package blob

import (
	"context"
	"testing"

	"github.com/cryfs-go/cryfs/internal/blockstore"
	"github.com/cryfs-go/cryfs/internal/blockstore/caching"
	"github.com/cryfs-go/cryfs/internal/blockstore/leaf"
	"github.com/cryfs-go/cryfs/internal/blockstore/locking"
	"github.com/cryfs-go/cryfs/internal/node"
	"github.com/cryfs-go/cryfs/internal/tree"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	backend := leaf.NewInMemory()
	cache := caching.New(backend, 100)
	lock := locking.New(cache)
	nodes := node.NewStore(lock, 512, 4)
	trees := tree.NewStore(nodes)
	return NewStore(trees)
}

func TestFileReadWriteRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	b, err := s.Create(ctx, File, blockstore.Id{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	file, err := b.AsFile()
	if err != nil {
		t.Fatal(err)
	}

	if err := file.WriteAt(ctx, 0, []byte("hello world")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	buf := make([]byte, len("hello world"))
	if _, err := file.ReadAt(ctx, 0, buf); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != "hello world" {
		t.Fatalf("got %q", buf)
	}

	size, err := file.Size(ctx)
	if err != nil || size != uint64(len("hello world")) {
		t.Fatalf("Size=%d, err=%v", size, err)
	}

	reloaded, ok, err := s.Load(ctx, b.Id())
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if reloaded.Type() != File {
		t.Fatalf("Type()=%v, want File", reloaded.Type())
	}
}

func TestSymlinkTarget(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	b, err := s.Create(ctx, Symlink, blockstore.Id{})
	if err != nil {
		t.Fatal(err)
	}
	sym, err := b.AsSymlink()
	if err != nil {
		t.Fatal(err)
	}
	if err := sym.SetTarget(ctx, "/some/target"); err != nil {
		t.Fatalf("SetTarget: %v", err)
	}
	got, err := sym.Target(ctx)
	if err != nil {
		t.Fatalf("Target: %v", err)
	}
	if got != "/some/target" {
		t.Fatalf("got %q", got)
	}
}

func TestDirAddLookupRemoveEntry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	b, err := s.Create(ctx, Dir, blockstore.Id{})
	if err != nil {
		t.Fatal(err)
	}
	dir, err := b.AsDir()
	if err != nil {
		t.Fatal(err)
	}

	childId, err := blockstore.NewId()
	if err != nil {
		t.Fatal(err)
	}
	if err := dir.AddEntry(ctx, DirEntry{Type: File, Name: "a.txt", ChildId: childId}); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := dir.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	reloaded, ok, err := s.Load(ctx, b.Id())
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	reloadedDir, err := reloaded.AsDir()
	if err != nil {
		t.Fatal(err)
	}
	e, found, err := reloadedDir.Lookup(ctx, "a.txt")
	if err != nil || !found {
		t.Fatalf("Lookup: found=%v err=%v", found, err)
	}
	if e.ChildId != childId {
		t.Fatalf("ChildId=%s, want %s", e.ChildId, childId)
	}

	if err := reloadedDir.RemoveEntry(ctx, "a.txt"); err != nil {
		t.Fatalf("RemoveEntry: %v", err)
	}
	if _, found, err := reloadedDir.Lookup(ctx, "a.txt"); err != nil || found {
		t.Fatalf("entry still present after RemoveEntry: found=%v err=%v", found, err)
	}
}

func TestSetParent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	b, err := s.Create(ctx, File, blockstore.Id{})
	if err != nil {
		t.Fatal(err)
	}
	newParent, err := blockstore.NewId()
	if err != nil {
		t.Fatal(err)
	}
	if err := b.SetParent(ctx, newParent); err != nil {
		t.Fatalf("SetParent: %v", err)
	}
	if b.ParentId() != newParent {
		t.Fatalf("ParentId()=%s, want %s", b.ParentId(), newParent)
	}

	reloaded, ok, err := s.Load(ctx, b.Id())
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if reloaded.ParentId() != newParent {
		t.Fatalf("reloaded ParentId()=%s, want %s", reloaded.ParentId(), newParent)
	}
}
