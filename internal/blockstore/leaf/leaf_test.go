package leaf

import (
	"context"
	"testing"

	"github.com/cryfs-go/cryfs/internal/blockstore"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	onDisk, err := NewOnDisk(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return map[string]Store{
		"InMemory": NewInMemory(),
		"OnDisk":   onDisk,
	}
}

func TestTryCreateThenLoad(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			id, err := blockstore.NewId()
			if err != nil {
				t.Fatal(err)
			}
			result, err := s.TryCreate(ctx, id, []byte("hello"))
			if err != nil || result != blockstore.Created {
				t.Fatalf("TryCreate: result=%v err=%v", result, err)
			}

			result, err = s.TryCreate(ctx, id, []byte("again"))
			if err != nil || result != blockstore.AlreadyExists {
				t.Fatalf("second TryCreate: result=%v err=%v", result, err)
			}

			data, ok, err := s.Load(ctx, id)
			if err != nil || !ok || string(data) != "hello" {
				t.Fatalf("Load: data=%q ok=%v err=%v", data, ok, err)
			}
		})
	}
}

func TestStoreOverwritesExistingBlock(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			id, err := blockstore.NewId()
			if err != nil {
				t.Fatal(err)
			}
			if err := s.Store(ctx, id, []byte("v1")); err != nil {
				t.Fatal(err)
			}
			if err := s.Store(ctx, id, []byte("v2")); err != nil {
				t.Fatal(err)
			}
			data, ok, err := s.Load(ctx, id)
			if err != nil || !ok || string(data) != "v2" {
				t.Fatalf("Load after overwrite: data=%q ok=%v err=%v", data, ok, err)
			}
		})
	}
}

func TestRemoveOfMissingBlockReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			id, err := blockstore.NewId()
			if err != nil {
				t.Fatal(err)
			}
			result, err := s.Remove(ctx, id)
			if err != nil || result != blockstore.NotFound {
				t.Fatalf("Remove: result=%v err=%v", result, err)
			}
		})
	}
}

func TestAllBlocksAndNumBlocksAgree(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				id, err := blockstore.NewId()
				if err != nil {
					t.Fatal(err)
				}
				if err := s.Store(ctx, id, []byte{byte(i)}); err != nil {
					t.Fatal(err)
				}
			}
			n, err := s.NumBlocks(ctx)
			if err != nil || n != 5 {
				t.Fatalf("NumBlocks=%d, err=%v", n, err)
			}
			iter, err := s.AllBlocks(ctx)
			if err != nil {
				t.Fatal(err)
			}
			count := 0
			for {
				_, ok, err := iter()
				if err != nil {
					t.Fatal(err)
				}
				if !ok {
					break
				}
				count++
			}
			if count != 5 {
				t.Fatalf("AllBlocks yielded %d ids, want 5", count)
			}
		})
	}
}

func TestOnDiskPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s1, err := NewOnDisk(dir)
	if err != nil {
		t.Fatal(err)
	}
	id, err := blockstore.NewId()
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.Store(ctx, id, []byte("durable")); err != nil {
		t.Fatal(err)
	}

	s2, err := NewOnDisk(dir)
	if err != nil {
		t.Fatal(err)
	}
	data, ok, err := s2.Load(ctx, id)
	if err != nil || !ok || string(data) != "durable" {
		t.Fatalf("reopened store Load: data=%q ok=%v err=%v", data, ok, err)
	}
	n, err := s2.NumBlocks(ctx)
	if err != nil || n != 1 {
		t.Fatalf("reopened store NumBlocks=%d, err=%v", n, err)
	}
}
