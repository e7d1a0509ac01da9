package encrypt

import (
	"bytes"
	"context"
	"testing"

	"github.com/cryfs-go/cryfs/internal/blockstore"
	"github.com/cryfs-go/cryfs/internal/blockstore/leaf"
	"github.com/cryfs-go/cryfs/internal/cryptocipher"
)

func newTestStore(t *testing.T) (*Store, leaf.Store) {
	t.Helper()
	backend := leaf.NewInMemory()
	cipher, err := cryptocipher.Lookup(cryptocipher.XChaCha20Poly1305)
	if err != nil {
		t.Fatal(err)
	}
	key := bytes.Repeat([]byte{0x11}, cipher.KeySize())
	s, err := New(backend, cipher, key)
	if err != nil {
		t.Fatal(err)
	}
	return s, backend
}

func TestNewRejectsWrongKeySize(t *testing.T) {
	cipher, err := cryptocipher.Lookup(cryptocipher.XChaCha20Poly1305)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(leaf.NewInMemory(), cipher, []byte("too short")); err == nil {
		t.Fatal("expected an error for a wrong-length key")
	}
}

func TestStoreThenLoadRoundTrips(t *testing.T) {
	ctx := context.Background()
	s, backend := newTestStore(t)

	id, err := blockstore.NewId()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Store(ctx, id, []byte("plaintext payload")); err != nil {
		t.Fatalf("Store: %v", err)
	}

	raw, ok, err := backend.Load(ctx, id)
	if err != nil || !ok {
		t.Fatalf("backend Load: ok=%v err=%v", ok, err)
	}
	if bytes.Contains(raw, []byte("plaintext payload")) {
		t.Fatal("plaintext leaked into the backing store")
	}

	data, ok, err := s.Load(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if string(data) != "plaintext payload" {
		t.Fatalf("got %q", data)
	}
}

func TestLoadRejectsTamperedCiphertext(t *testing.T) {
	ctx := context.Background()
	s, backend := newTestStore(t)

	id, err := blockstore.NewId()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Store(ctx, id, []byte("payload")); err != nil {
		t.Fatal(err)
	}
	raw, _, err := backend.Load(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	tampered := append([]byte(nil), raw...)
	tampered[len(tampered)-1] ^= 0xFF
	if err := backend.Store(ctx, id, tampered); err != nil {
		t.Fatal(err)
	}

	if _, _, err := s.Load(ctx, id); err == nil {
		t.Fatal("expected decryption of tampered ciphertext to fail")
	}
}

func TestLoadRejectsWrongFormatVersion(t *testing.T) {
	ctx := context.Background()
	s, backend := newTestStore(t)

	id, err := blockstore.NewId()
	if err != nil {
		t.Fatal(err)
	}
	if err := backend.Store(ctx, id, []byte{0xFF, 0xFF, 0x00}); err != nil {
		t.Fatal(err)
	}
	_, _, err = s.Load(ctx, id)
	if _, ok := err.(*ErrWrongFormatVersion); !ok {
		t.Fatalf("Load error = %v (%T), want *ErrWrongFormatVersion", err, err)
	}
}
