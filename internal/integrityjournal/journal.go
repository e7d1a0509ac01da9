// Package integrityjournal implements the per-client known-version map:
// for every block this client has seen, the
// highest (client_id, version) pair observed, plus a flag recording whether
// an integrity violation happened on a previous run and this mount's own
// client id.
//
// The file format is binary, versioned and little-endian, matching the
// wire-format discipline the rest of the on-disk surface uses (see
// blockstore/encrypt and blockstore/integrity).
package integrityjournal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/blockstore"
)

// FormatVersion is the journal file's format version.
const FormatVersion uint32 = 1

const magic uint32 = 0x43524659 // "CRFY"

// Entry is the highest (client_id, version) this client has observed for a
// block.
type Entry struct {
	ClientId blockstore.ClientId
	Version  uint64
}

// Journal is the in-memory, mutex-guarded view of the journal file. All
// methods are safe for concurrent use; updates are coarse-grained (one
// mutex) but individually short.
type Journal struct {
	mu sync.Mutex

	path       string
	myClientId blockstore.ClientId
	// violatedPreviousRun is true if MarkViolation was called and persisted
	// before this run started.
	violatedPreviousRun bool
	entries             map[blockstore.Id]Entry
}

// LoadOrCreate opens the journal at path, creating a fresh one (with a new
// random client id) if the file doesn't exist.
func LoadOrCreate(path string) (*Journal, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		clientId, err := blockstore.NewClientId()
		if err != nil {
			return nil, err
		}
		j := &Journal{
			path:       path,
			myClientId: clientId,
			entries:    make(map[blockstore.Id]Entry),
		}
		if err := j.saveLocked(); err != nil {
			return nil, err
		}
		return j, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("opening integrity journal %s: %w", path, err)
	}
	defer f.Close()
	j, err := parse(f)
	if err != nil {
		return nil, xerrors.Errorf("parsing integrity journal %s: %w", path, err)
	}
	j.path = path
	return j, nil
}

func parse(r io.Reader) (*Journal, error) {
	br := bufio.NewReader(r)
	var gotMagic, version uint32
	if err := binary.Read(br, binary.LittleEndian, &gotMagic); err != nil {
		return nil, fmt.Errorf("reading magic: %w", err)
	}
	if gotMagic != magic {
		return nil, fmt.Errorf("bad magic %x, not an integrity journal", gotMagic)
	}
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("reading format version: %w", err)
	}
	if version != FormatVersion {
		return nil, fmt.Errorf("unsupported journal format version %d", version)
	}
	var myClientId uint32
	if err := binary.Read(br, binary.LittleEndian, &myClientId); err != nil {
		return nil, fmt.Errorf("reading client id: %w", err)
	}
	var violationByte uint8
	if err := binary.Read(br, binary.LittleEndian, &violationByte); err != nil {
		return nil, fmt.Errorf("reading violation flag: %w", err)
	}
	var count uint64
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("reading entry count: %w", err)
	}
	entries := make(map[blockstore.Id]Entry, count)
	for i := uint64(0); i < count; i++ {
		var idBytes [blockstore.IdSize]byte
		if _, err := io.ReadFull(br, idBytes[:]); err != nil {
			return nil, fmt.Errorf("reading entry %d id: %w", i, err)
		}
		var clientId uint32
		if err := binary.Read(br, binary.LittleEndian, &clientId); err != nil {
			return nil, fmt.Errorf("reading entry %d client id: %w", i, err)
		}
		var entryVersion uint64
		if err := binary.Read(br, binary.LittleEndian, &entryVersion); err != nil {
			return nil, fmt.Errorf("reading entry %d version: %w", i, err)
		}
		id, err := blockstore.IdFromBytes(idBytes[:])
		if err != nil {
			return nil, err
		}
		entries[id] = Entry{ClientId: blockstore.ClientId(clientId), Version: entryVersion}
	}
	return &Journal{
		myClientId:           blockstore.ClientId(myClientId),
		violatedPreviousRun:  violationByte != 0,
		entries:              entries,
	}, nil
}

func (j *Journal) saveLocked() error {
	f, err := os.CreateTemp(dirOf(j.path), ".journal-*")
	if err != nil {
		return xerrors.Errorf("creating temp journal file: %w", err)
	}
	tmpPath := f.Name()
	success := false
	defer func() {
		f.Close()
		if !success {
			os.Remove(tmpPath)
		}
	}()

	bw := bufio.NewWriter(f)
	write := func(v interface{}) error { return binary.Write(bw, binary.LittleEndian, v) }
	if err := write(magic); err != nil {
		return err
	}
	if err := write(FormatVersion); err != nil {
		return err
	}
	if err := write(uint32(j.myClientId)); err != nil {
		return err
	}
	var violationByte uint8
	if j.violatedPreviousRun {
		violationByte = 1
	}
	if err := write(violationByte); err != nil {
		return err
	}
	if err := write(uint64(len(j.entries))); err != nil {
		return err
	}
	for id, entry := range j.entries {
		if _, err := bw.Write(id[:]); err != nil {
			return err
		}
		if err := write(uint32(entry.ClientId)); err != nil {
			return err
		}
		if err := write(entry.Version); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return xerrors.Errorf("flushing journal: %w", err)
	}
	if err := f.Sync(); err != nil {
		return xerrors.Errorf("syncing journal: %w", err)
	}
	if err := f.Close(); err != nil {
		return xerrors.Errorf("closing journal: %w", err)
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		return xerrors.Errorf("renaming journal into place: %w", err)
	}
	success = true
	return nil
}

func dirOf(path string) string {
	i := len(path) - 1
	for i >= 0 && path[i] != '/' {
		i--
	}
	if i < 0 {
		return "."
	}
	return path[:i]
}

// Save persists the journal to disk, atomically.
func (j *Journal) Save() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.saveLocked()
}

// MyClientId is this mount's own client id.
func (j *Journal) MyClientId() blockstore.ClientId {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.myClientId
}

// ViolatedPreviousRun reports whether an integrity violation was recorded
// and persisted before this process started.
func (j *Journal) ViolatedPreviousRun() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.violatedPreviousRun
}

// MarkViolation persists the "violation occurred" flag so the next run can
// observe it.
func (j *Journal) MarkViolation() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.violatedPreviousRun = true
	return j.saveLocked()
}

// Entry returns the known (client_id, version) for id, if any.
func (j *Journal) Entry(id blockstore.Id) (Entry, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[id]
	return e, ok
}

// Update records a new observed (client_id, version) for id, overwriting
// whatever was there. Callers are expected to have already validated the
// update against Entry (see blockstore/integrity for the validation rules).
func (j *Journal) Update(id blockstore.Id, clientId blockstore.ClientId, version uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries[id] = Entry{ClientId: clientId, Version: version}
}

// NextVersion returns the version to use for the next write to id by our
// own client: one more than the recorded version if the journal's entry for
// id was written by our own client, or 1 if there is no entry or it belongs
// to another client.
func (j *Journal) NextVersion(id blockstore.Id) uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[id]
	if !ok || e.ClientId != j.myClientId {
		return 1
	}
	return e.Version + 1
}

// KnownBlocks returns every block id this journal has an entry for, for use
// by the MissingBlock scan.
func (j *Journal) KnownBlocks() []blockstore.Id {
	j.mu.Lock()
	defer j.mu.Unlock()
	ids := make([]blockstore.Id, 0, len(j.entries))
	for id := range j.entries {
		ids = append(ids, id)
	}
	return ids
}
