// Package blockstore defines the BlockId type and the contracts shared by
// every decorator in the block store stack (leaf, compress, encrypt,
// integrity, caching, locking). Concrete stores live in the sibling
// packages; this package only holds the vocabulary they all share.
package blockstore

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// IdSize is the length in bytes of a BlockId.
const IdSize = 16

// Id is a 16-byte opaque block identifier. Equality and hashing are by
// bytes; it carries no structure an attacker with raw device access could
// exploit beyond uniqueness.
type Id [IdSize]byte

// NewId draws a fresh, uniformly random id from a cryptographic RNG.
func NewId() (Id, error) {
	var id Id
	if _, err := rand.Read(id[:]); err != nil {
		return Id{}, fmt.Errorf("generating block id: %w", err)
	}
	return id, nil
}

// IdFromBytes copies b into an Id. b must be exactly IdSize bytes.
func IdFromBytes(b []byte) (Id, error) {
	var id Id
	if len(b) != IdSize {
		return Id{}, fmt.Errorf("block id must be %d bytes, got %d", IdSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// ParseId parses the hex representation produced by Id.String.
func ParseId(s string) (Id, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Id{}, fmt.Errorf("parsing block id %q: %w", s, err)
	}
	return IdFromBytes(b)
}

func (id Id) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns a copy of the id's bytes.
func (id Id) Bytes() []byte {
	b := make([]byte, IdSize)
	copy(b, id[:])
	return b
}

// Less gives Id a total order, used by callers that must lock two blob ids
// in a consistent order to avoid deadlock (e.g. cross-directory rename).
func (id Id) Less(other Id) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// ClientId is a random identifier for one mount instance, used by the
// integrity layer to distinguish legitimate writes from foreign ones.
type ClientId uint32

// NewClientId draws a fresh random client id.
func NewClientId() (ClientId, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("generating client id: %w", err)
	}
	return ClientId(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])), nil
}

// TryCreateResult is the outcome of LeafStore.TryCreate.
type TryCreateResult int

const (
	Created TryCreateResult = iota
	AlreadyExists
)

func (r TryCreateResult) String() string {
	if r == Created {
		return "Created"
	}
	return "AlreadyExists"
}

// RemoveResult is the outcome of LeafStore.Remove.
type RemoveResult int

const (
	Removed RemoveResult = iota
	NotFound
)

func (r RemoveResult) String() string {
	if r == Removed {
		return "Removed"
	}
	return "NotFound"
}
