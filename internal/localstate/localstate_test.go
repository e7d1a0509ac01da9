package localstate

import (
	"path/filepath"
	"testing"
)

func TestLoadOrGenerateAssignsClientIdOnFirstSight(t *testing.T) {
	r, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	meta, err := r.LoadOrGenerate("fs-1", []byte("key-1"), false)
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	if meta.MyClientId == 0 {
		t.Fatal("expected a nonzero generated client id")
	}
}

func TestLoadOrGenerateReturnsSameClientIdOnSecondMount(t *testing.T) {
	r, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	key := []byte("same key")
	first, err := r.LoadOrGenerate("fs-1", key, false)
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.LoadOrGenerate("fs-1", key, false)
	if err != nil {
		t.Fatal(err)
	}
	if first.MyClientId != second.MyClientId {
		t.Fatalf("client id changed across mounts: %d != %d", first.MyClientId, second.MyClientId)
	}
}

func TestLoadOrGenerateRejectsChangedKeyByDefault(t *testing.T) {
	r, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if _, err := r.LoadOrGenerate("fs-1", []byte("key-1"), false); err != nil {
		t.Fatal(err)
	}
	if _, err := r.LoadOrGenerate("fs-1", []byte("key-2"), false); err != ErrEncryptionKeyChanged {
		t.Fatalf("LoadOrGenerate with a different key = %v, want ErrEncryptionKeyChanged", err)
	}
}

func TestLoadOrGenerateAllowsReplacedKeyWhenRequested(t *testing.T) {
	r, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	first, err := r.LoadOrGenerate("fs-1", []byte("key-1"), false)
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.LoadOrGenerate("fs-1", []byte("key-2"), true)
	if err != nil {
		t.Fatalf("LoadOrGenerate with allowReplaced: %v", err)
	}
	if first.MyClientId != second.MyClientId {
		t.Fatalf("client id should survive a key replacement: %d != %d", first.MyClientId, second.MyClientId)
	}

	// The new key must now be the one on record.
	if _, err := r.LoadOrGenerate("fs-1", []byte("key-2"), false); err != nil {
		t.Fatalf("replacement key was not persisted: %v", err)
	}
}

func TestRegistryPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	r1, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	first, err := r1.LoadOrGenerate("fs-1", []byte("key"), false)
	if err != nil {
		t.Fatal(err)
	}
	if err := r1.Close(); err != nil {
		t.Fatal(err)
	}

	r2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Close()
	second, err := r2.LoadOrGenerate("fs-1", []byte("key"), false)
	if err != nil {
		t.Fatal(err)
	}
	if first.MyClientId != second.MyClientId {
		t.Fatalf("client id did not survive reopen: %d != %d", first.MyClientId, second.MyClientId)
	}

	if filepath.Base(dir) == "" {
		t.Fatal("sanity check on tempdir failed")
	}
}
