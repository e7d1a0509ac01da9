// Package integrity implements IntegrityStore: a decorator that detects
// rollback, duplication and foreign-client-write attacks on the backing
// store. Every block carries a 30-byte integrity header
// (format version, block id, client id, version) ahead of its payload;
// a journal (internal/integrityjournal) records the highest version ever
// observed per block so a stale or replayed block can be caught on load.
package integrity

import (
	"context"
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/blockstore"
	"github.com/cryfs-go/cryfs/internal/blockstore/leaf"
	"github.com/cryfs-go/cryfs/internal/integrityjournal"
)

// FormatVersion is the integrity header's format version.
const FormatVersion uint16 = 1

// headerSize is 2 (format version) + 16 (block id) + 4 (client id) +
// 8 (version) bytes.
const headerSize = 2 + blockstore.IdSize + 4 + 8

// ViolationKind classifies the specific integrity check that failed, so
// callers can log and map to a precise CLI exit code.
type ViolationKind int

const (
	_ ViolationKind = iota
	WrongBlockId
	RollbackOrDuplication
	ForeignClientWrite
	MissingBlock
)

func (k ViolationKind) String() string {
	switch k {
	case WrongBlockId:
		return "WrongBlockId"
	case RollbackOrDuplication:
		return "RollbackOrDuplication"
	case ForeignClientWrite:
		return "ForeignClientWrite"
	case MissingBlock:
		return "MissingBlock"
	default:
		return "Unknown"
	}
}

// ViolationError is returned (and passed to OnViolation) whenever Load or
// CheckMissingBlocks detects tampering or rollback.
type ViolationError struct {
	Kind ViolationKind
	Id   blockstore.Id
}

func (e *ViolationError) Error() string {
	return xerrors.Errorf("integrity violation (%s) on block %s", e.Kind, e.Id).Error()
}

// ErrWrongFormatVersion is returned when the header's format-version field
// doesn't match FormatVersion.
type ErrWrongFormatVersion struct{ Got uint16 }

func (e *ErrWrongFormatVersion) Error() string {
	return xerrors.Errorf("unexpected integrity header version %d, expected %d", e.Got, FormatVersion).Error()
}

// Store is the IntegrityStore decorator. AllowIntegrityViolations, when
// true, downgrades violations to best-effort warnings instead of hard
// errors: an escape hatch for single-client mounts that don't want
// liveness tied to the journal.
type Store struct {
	underlying leaf.Store
	journal    *integrityjournal.Journal

	AllowIntegrityViolations bool
	// OnViolation, if set, is invoked synchronously (in addition to the
	// returned error) whenever a violation is detected, so a caller can
	// record it for the --allow-integrity-violations telemetry path.
	OnViolation func(*ViolationError)

	// ExclusiveClientId, when set, puts this store into single-client mode:
	// any block written by a different client id is a ForeignClientWrite
	// violation regardless of its version, not just a stale one. nil means
	// no client restriction.
	ExclusiveClientId *blockstore.ClientId
}

var _ leaf.Store = (*Store)(nil)

func New(underlying leaf.Store, journal *integrityjournal.Journal) *Store {
	return &Store{underlying: underlying, journal: journal}
}

func header(id blockstore.Id, clientId blockstore.ClientId, version uint64) []byte {
	h := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(h[0:2], FormatVersion)
	copy(h[2:2+blockstore.IdSize], id[:])
	binary.LittleEndian.PutUint32(h[2+blockstore.IdSize:2+blockstore.IdSize+4], uint32(clientId))
	binary.LittleEndian.PutUint64(h[2+blockstore.IdSize+4:], version)
	return h
}

type parsedHeader struct {
	id       blockstore.Id
	clientId blockstore.ClientId
	version  uint64
}

func parseHeader(data []byte) (parsedHeader, []byte, error) {
	if len(data) < headerSize {
		return parsedHeader{}, nil, xerrors.New("integrity header: truncated block")
	}
	version := binary.LittleEndian.Uint16(data[0:2])
	if version != FormatVersion {
		return parsedHeader{}, nil, &ErrWrongFormatVersion{Got: version}
	}
	id, err := blockstore.IdFromBytes(data[2 : 2+blockstore.IdSize])
	if err != nil {
		return parsedHeader{}, nil, err
	}
	clientId := blockstore.ClientId(binary.LittleEndian.Uint32(data[2+blockstore.IdSize : 2+blockstore.IdSize+4]))
	blockVersion := binary.LittleEndian.Uint64(data[2+blockstore.IdSize+4:])
	return parsedHeader{id: id, clientId: clientId, version: blockVersion}, data[headerSize:], nil
}

func (s *Store) fail(kind ViolationKind, id blockstore.Id) error {
	v := &ViolationError{Kind: kind, Id: id}
	if s.OnViolation != nil {
		s.OnViolation(v)
	}
	if s.AllowIntegrityViolations {
		return nil
	}
	if err := s.journal.MarkViolation(); err != nil {
		return xerrors.Errorf("%w (and failed to persist violation flag: %v)", v, err)
	}
	return v
}

func (s *Store) Exists(ctx context.Context, id blockstore.Id) (bool, error) {
	return s.underlying.Exists(ctx, id)
}

func (s *Store) Load(ctx context.Context, id blockstore.Id) ([]byte, bool, error) {
	raw, ok, err := s.underlying.Load(ctx, id)
	if err != nil {
		return nil, false, xerrors.Errorf("IntegrityStore: loading %s: %w", id, err)
	}
	if !ok {
		return nil, false, nil
	}
	h, payload, err := parseHeader(raw)
	if err != nil {
		return nil, false, err
	}
	if h.id != id {
		if err := s.fail(WrongBlockId, id); err != nil {
			return nil, false, err
		}
		return payload, true, nil
	}
	known, hasKnown := s.journal.Entry(id)
	if s.ExclusiveClientId != nil && h.clientId != *s.ExclusiveClientId {
		// Single-client mode: any write from another client id is a
		// violation on its own, independent of version bookkeeping.
		if err := s.fail(ForeignClientWrite, id); err != nil {
			return nil, false, err
		}
	} else if hasKnown {
		isRollback := h.clientId == known.ClientId && h.version < known.Version
		isForeignStale := h.clientId != known.ClientId && h.version <= known.Version
		if isRollback {
			if err := s.fail(RollbackOrDuplication, id); err != nil {
				return nil, false, err
			}
		} else if isForeignStale {
			if err := s.fail(ForeignClientWrite, id); err != nil {
				return nil, false, err
			}
		}
	}
	// Record the highest version we've ever seen for this block, from
	// whichever client wrote it, so future loads can detect rollback.
	if !hasKnown || h.version > known.Version {
		s.journal.Update(id, h.clientId, h.version)
	}
	return payload, true, nil
}

func (s *Store) writeWithHeader(ctx context.Context, id blockstore.Id, data []byte, write func(context.Context, blockstore.Id, []byte) error) error {
	version := s.journal.NextVersion(id)
	sealed := append(header(id, s.journal.MyClientId(), version), data...)
	if err := write(ctx, id, sealed); err != nil {
		return err
	}
	s.journal.Update(id, s.journal.MyClientId(), version)
	return nil
}

func (s *Store) TryCreate(ctx context.Context, id blockstore.Id, data []byte) (blockstore.TryCreateResult, error) {
	var result blockstore.TryCreateResult
	err := s.writeWithHeader(ctx, id, data, func(ctx context.Context, id blockstore.Id, sealed []byte) error {
		r, err := s.underlying.TryCreate(ctx, id, sealed)
		result = r
		return err
	})
	return result, err
}

func (s *Store) Store(ctx context.Context, id blockstore.Id, data []byte) error {
	return s.writeWithHeader(ctx, id, data, s.underlying.Store)
}

func (s *Store) Remove(ctx context.Context, id blockstore.Id) (blockstore.RemoveResult, error) {
	return s.underlying.Remove(ctx, id)
}

func (s *Store) NumBlocks(ctx context.Context) (uint64, error) {
	return s.underlying.NumBlocks(ctx)
}

func (s *Store) AllBlocks(ctx context.Context) (func() (blockstore.Id, bool, error), error) {
	return s.underlying.AllBlocks(ctx)
}

func (s *Store) EstimateNumFreeBytes(ctx context.Context) (uint64, error) {
	return s.underlying.EstimateNumFreeBytes(ctx)
}

func (s *Store) BlockSizeFromPhysicalBlockSize(physical uint64) (uint64, error) {
	underlying, err := s.underlying.BlockSizeFromPhysicalBlockSize(physical)
	if err != nil {
		return 0, err
	}
	if underlying < headerSize {
		return 0, xerrors.Errorf("physical block size %d too small for integrity header %d", physical, headerSize)
	}
	return underlying - headerSize, nil
}

// CheckMissingBlocks scans every block id the journal knows about against
// the underlying store and reports a MissingBlock violation for each one
// that vanished without a corresponding Remove call going
// through this store — e.g. if an attacker deleted block files directly on
// the backing filesystem.
func (s *Store) CheckMissingBlocks(ctx context.Context) ([]*ViolationError, error) {
	var violations []*ViolationError
	for _, id := range s.journal.KnownBlocks() {
		exists, err := s.underlying.Exists(ctx, id)
		if err != nil {
			return nil, xerrors.Errorf("checking %s for missing-block violation: %w", id, err)
		}
		if !exists {
			v := &ViolationError{Kind: MissingBlock, Id: id}
			if s.OnViolation != nil {
				s.OnViolation(v)
			}
			violations = append(violations, v)
		}
	}
	if len(violations) > 0 && !s.AllowIntegrityViolations {
		if err := s.journal.MarkViolation(); err != nil {
			return violations, err
		}
	}
	return violations, nil
}
