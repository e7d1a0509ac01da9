// Package encrypt implements EncryptedStore: an authenticated-encryption
// envelope around every block.
package encrypt

import (
	"context"
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/blockstore"
	"github.com/cryfs-go/cryfs/internal/blockstore/leaf"
	"github.com/cryfs-go/cryfs/internal/cryptocipher"
)

// FormatVersion is the constant 2-byte prefix written before the cipher
// envelope on every block.
const FormatVersion uint16 = 1

// ErrWrongFormatVersion is returned by Load when the format-version prefix
// doesn't match FormatVersion.
type ErrWrongFormatVersion struct {
	Got uint16
}

func (e *ErrWrongFormatVersion) Error() string {
	return xerrors.Errorf("unexpected block format version %d, expected %d", e.Got, FormatVersion).Error()
}

// ErrDecryptionFailed wraps an AEAD authentication failure; this is
// treated as CorruptedFormat by callers, never silently retried.
type ErrDecryptionFailed struct {
	Id  blockstore.Id
	Err error
}

func (e *ErrDecryptionFailed) Error() string {
	return xerrors.Errorf("decrypting block %s: %w", e.Id, e.Err).Error()
}
func (e *ErrDecryptionFailed) Unwrap() error { return e.Err }

// Store is the EncryptedStore decorator. The cipher is fixed for the
// lifetime of a mount, as the config file records exactly one cipher name.
type Store struct {
	underlying leaf.Store
	cipher     cryptocipher.AEAD
	key        []byte
}

var _ leaf.Store = (*Store)(nil)

// New wraps underlying with cipher, using key for every Seal/Open. key must
// be exactly cipher.KeySize() bytes.
func New(underlying leaf.Store, cipher cryptocipher.AEAD, key []byte) (*Store, error) {
	if len(key) != cipher.KeySize() {
		return nil, xerrors.Errorf("encryption key must be %d bytes, got %d", cipher.KeySize(), len(key))
	}
	return &Store{underlying: underlying, cipher: cipher, key: key}, nil
}

func (s *Store) envelope(plaintext []byte) ([]byte, error) {
	sealed, err := s.cipher.Seal(s.key, plaintext)
	if err != nil {
		return nil, xerrors.Errorf("sealing block: %w", err)
	}
	out := make([]byte, 2+len(sealed))
	binary.LittleEndian.PutUint16(out[0:2], FormatVersion)
	copy(out[2:], sealed)
	return out, nil
}

func (s *Store) open(id blockstore.Id, data []byte) ([]byte, error) {
	if len(data) < 2 {
		return nil, xerrors.Errorf("block %s: truncated header", id)
	}
	version := binary.LittleEndian.Uint16(data[0:2])
	if version != FormatVersion {
		return nil, &ErrWrongFormatVersion{Got: version}
	}
	plaintext, err := s.cipher.Open(s.key, data[2:])
	if err != nil {
		return nil, &ErrDecryptionFailed{Id: id, Err: err}
	}
	return plaintext, nil
}

func (s *Store) Exists(ctx context.Context, id blockstore.Id) (bool, error) {
	return s.underlying.Exists(ctx, id)
}

func (s *Store) Load(ctx context.Context, id blockstore.Id) ([]byte, bool, error) {
	raw, ok, err := s.underlying.Load(ctx, id)
	if err != nil {
		return nil, false, xerrors.Errorf("EncryptedStore: loading %s: %w", id, err)
	}
	if !ok {
		return nil, false, nil
	}
	plaintext, err := s.open(id, raw)
	if err != nil {
		return nil, false, err
	}
	return plaintext, true, nil
}

func (s *Store) TryCreate(ctx context.Context, id blockstore.Id, data []byte) (blockstore.TryCreateResult, error) {
	sealed, err := s.envelope(data)
	if err != nil {
		return 0, err
	}
	return s.underlying.TryCreate(ctx, id, sealed)
}

func (s *Store) Store(ctx context.Context, id blockstore.Id, data []byte) error {
	sealed, err := s.envelope(data)
	if err != nil {
		return err
	}
	return s.underlying.Store(ctx, id, sealed)
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
	overhead := uint64(2 + s.cipher.NonceOverhead() + s.cipher.TagOverhead())
	if underlying < overhead {
		return 0, xerrors.Errorf("physical block size %d too small for encryption overhead %d", physical, overhead)
	}
	return underlying - overhead, nil
}
