package integrityjournal

import (
	"path/filepath"
	"testing"

	"github.com/cryfs-go/cryfs/internal/blockstore"
)

func TestLoadOrCreateGeneratesFreshJournal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal")

	j, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if j.ViolatedPreviousRun() {
		t.Fatal("fresh journal should not report a previous violation")
	}
	if len(j.KnownBlocks()) != 0 {
		t.Fatal("fresh journal should have no known blocks")
	}
}

func TestSaveThenReloadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal")

	j, err := LoadOrCreate(path)
	if err != nil {
		t.Fatal(err)
	}
	clientId := j.MyClientId()

	id, err := blockstore.NewId()
	if err != nil {
		t.Fatal(err)
	}
	j.Update(id, clientId, 7)
	if err := j.MarkViolation(); err != nil {
		t.Fatalf("MarkViolation: %v", err)
	}

	reloaded, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("reloading: %v", err)
	}
	if reloaded.MyClientId() != clientId {
		t.Fatalf("client id changed across reload: %d != %d", reloaded.MyClientId(), clientId)
	}
	if !reloaded.ViolatedPreviousRun() {
		t.Fatal("violation flag did not survive reload")
	}
	entry, ok := reloaded.Entry(id)
	if !ok {
		t.Fatal("entry did not survive reload")
	}
	if entry.Version != 7 || entry.ClientId != clientId {
		t.Fatalf("got %+v", entry)
	}
}

func TestNextVersionIncrementsOnlyForOurOwnClient(t *testing.T) {
	dir := t.TempDir()
	j, err := LoadOrCreate(filepath.Join(dir, "journal"))
	if err != nil {
		t.Fatal(err)
	}
	id, err := blockstore.NewId()
	if err != nil {
		t.Fatal(err)
	}

	if v := j.NextVersion(id); v != 1 {
		t.Fatalf("first NextVersion=%d, want 1", v)
	}
	j.Update(id, j.MyClientId(), 1)
	if v := j.NextVersion(id); v != 2 {
		t.Fatalf("NextVersion after our own write=%d, want 2", v)
	}

	otherClient := j.MyClientId() + 1
	j.Update(id, otherClient, 99)
	if v := j.NextVersion(id); v != 1 {
		t.Fatalf("NextVersion after a foreign client's write=%d, want 1 (restart our own sequence)", v)
	}
}
