package compress

import (
	"bytes"
	"context"
	"testing"

	"github.com/cryfs-go/cryfs/internal/blockstore"
	"github.com/cryfs-go/cryfs/internal/blockstore/leaf"
)

func newTestStore(t *testing.T, backend leaf.Store) *Store {
	t.Helper()
	s, err := New(backend)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestStoreThenLoadRoundTrips(t *testing.T) {
	ctx := context.Background()
	backend := leaf.NewInMemory()
	s := newTestStore(t, backend)

	id, err := blockstore.NewId()
	if err != nil {
		t.Fatal(err)
	}
	payload := bytes.Repeat([]byte("the quick brown fox "), 200)
	if err := s.Store(ctx, id, payload); err != nil {
		t.Fatalf("Store: %v", err)
	}

	data, ok, err := s.Load(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatal("decompressed payload does not match original")
	}
}

func TestStoredBytesAreActuallyCompressedOnDisk(t *testing.T) {
	ctx := context.Background()
	backend := leaf.NewInMemory()
	s := newTestStore(t, backend)

	id, err := blockstore.NewId()
	if err != nil {
		t.Fatal(err)
	}
	payload := bytes.Repeat([]byte{0x42}, 100000)
	if err := s.Store(ctx, id, payload); err != nil {
		t.Fatal(err)
	}

	raw, ok, err := backend.Load(ctx, id)
	if err != nil || !ok {
		t.Fatalf("backend Load: ok=%v err=%v", ok, err)
	}
	if len(raw) >= len(payload) {
		t.Fatalf("raw backend bytes (%d) not smaller than plaintext (%d)", len(raw), len(payload))
	}
}

func TestTryCreateThenExists(t *testing.T) {
	ctx := context.Background()
	backend := leaf.NewInMemory()
	s := newTestStore(t, backend)

	id, err := blockstore.NewId()
	if err != nil {
		t.Fatal(err)
	}
	result, err := s.TryCreate(ctx, id, []byte("hello"))
	if err != nil {
		t.Fatalf("TryCreate: %v", err)
	}
	if result != blockstore.Created {
		t.Fatalf("TryCreate result=%v, want Created", result)
	}
	exists, err := s.Exists(ctx, id)
	if err != nil || !exists {
		t.Fatalf("Exists: exists=%v err=%v", exists, err)
	}
}
