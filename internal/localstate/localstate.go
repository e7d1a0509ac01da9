// Package localstate is the per-machine registry of filesystems this
// machine has mounted before: each filesystem's own client id (so blocks
// this machine writes are attributable in the integrity journal) and a
// salted hash of its encryption key, so a later mount under the same
// filesystem id but a different key is flagged rather than silently
// trusted. Grounded on original_source's
// crates/cryfs-filesystem/src/localstate/filesystem_metadata.rs, adapted
// from a one-JSON-file-per-filesystem layout to a single bbolt database
// (go.etcd.io/bbolt) keyed by filesystem id, one bucket per filesystem.
package localstate

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"path/filepath"

	"go.etcd.io/bbolt"
	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/blockstore"
)

// ErrEncryptionKeyChanged is returned by LoadOrGenerate when a filesystem id
// we've seen before now carries a different encryption key.
var ErrEncryptionKeyChanged = xerrors.New("localstate: encryption key differs from a previous mount of this filesystem")

const (
	metaBucket      = "filesystems"
	keyClientId     = "clientId"
	keyKeyDigest    = "keyDigest"
	keyKeySalt      = "keySalt"
)

// Registry is the open local-state database for one base directory.
type Registry struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the local-state database under dir.
func Open(dir string) (*Registry, error) {
	db, err := bbolt.Open(filepath.Join(dir, "localstate.bolt"), 0600, nil)
	if err != nil {
		return nil, xerrors.Errorf("localstate: opening database: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, xerrors.Errorf("localstate: initializing database: %w", err)
	}
	return &Registry{db: db}, nil
}

func (r *Registry) Close() error {
	return r.db.Close()
}

// FilesystemMetadata is what Registry tracks about one filesystem id.
type FilesystemMetadata struct {
	MyClientId blockstore.ClientId
}

// LoadOrGenerate looks up the metadata for filesystemId. If this is the
// first time this machine has seen filesystemId, it generates a fresh
// client id and records the key's hash. If the filesystem id is known but
// encryptionKey hashes differently than last time, it returns
// ErrEncryptionKeyChanged unless allowReplaced is true, in which case the
// stored hash is updated to the new key (the caller has already confirmed
// this with the user).
func (r *Registry) LoadOrGenerate(filesystemId string, encryptionKey []byte, allowReplaced bool) (*FilesystemMetadata, error) {
	var result *FilesystemMetadata
	err := r.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.Bucket([]byte(metaBucket)).CreateBucketIfNotExists([]byte(filesystemId))
		if err != nil {
			return err
		}
		existingClientId := bucket.Get([]byte(keyClientId))
		existingDigest := bucket.Get([]byte(keyKeyDigest))
		existingSalt := bucket.Get([]byte(keyKeySalt))

		if existingClientId == nil {
			clientId, err := blockstore.NewClientId()
			if err != nil {
				return err
			}
			salt := make([]byte, 16)
			if _, err := rand.Read(salt); err != nil {
				return xerrors.Errorf("generating salt: %w", err)
			}
			digest := hashKey(encryptionKey, salt)
			if err := putClientId(bucket, clientId); err != nil {
				return err
			}
			if err := bucket.Put([]byte(keyKeyDigest), digest); err != nil {
				return err
			}
			if err := bucket.Put([]byte(keyKeySalt), salt); err != nil {
				return err
			}
			result = &FilesystemMetadata{MyClientId: clientId}
			return nil
		}

		clientId := blockstore.ClientId(binary.LittleEndian.Uint32(existingClientId))
		currentDigest := hashKey(encryptionKey, existingSalt)
		if subtle.ConstantTimeCompare(currentDigest, existingDigest) != 1 {
			if !allowReplaced {
				return ErrEncryptionKeyChanged
			}
			newSalt := make([]byte, 16)
			if _, err := rand.Read(newSalt); err != nil {
				return xerrors.Errorf("generating salt: %w", err)
			}
			if err := bucket.Put([]byte(keyKeyDigest), hashKey(encryptionKey, newSalt)); err != nil {
				return err
			}
			if err := bucket.Put([]byte(keyKeySalt), newSalt); err != nil {
				return err
			}
		}
		result = &FilesystemMetadata{MyClientId: clientId}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func putClientId(bucket *bbolt.Bucket, id blockstore.ClientId) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(id))
	return bucket.Put([]byte(keyClientId), buf)
}

func hashKey(key, salt []byte) []byte {
	h := sha256.New()
	h.Write(salt)
	h.Write(key)
	return h.Sum(nil)
}

// DigestHex is a debug helper, not used on any hot path.
func (m *FilesystemMetadata) DigestHex(digest []byte) string {
	return hex.EncodeToString(digest)
}
