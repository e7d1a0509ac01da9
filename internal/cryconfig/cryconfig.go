// Package cryconfig reads and writes the mount's config file: a JSON
// document wrapped in a scrypt-derived-key AEAD envelope, carrying the
// filesystem's root blob id, encryption key, cipher choice, and format
// version history. Interactive prompts and scrypt parameter selection are
// out of scope; this package only implements the file format.
package cryconfig

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"

	"github.com/google/uuid"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/mod/semver"
	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/cryptocipher"
)

// Config is the plaintext config payload once the envelope has been opened.
type Config struct {
	RootBlob              string `json:"rootblob"`
	EncryptionKey         string `json:"encKey"`
	Cipher                string `json:"cipher"`
	Version               string `json:"version"`
	CreatedWithVersion    string `json:"createdWithVersion"`
	LastOpenedWithVersion string `json:"lastOpenedWithVersion"`
	BlocksizeBytes        uint32 `json:"blocksizeBytes"`
	FilesystemId          string `json:"filesystemId"`
	ExclusiveClientId      *uint32 `json:"exclusiveClientId,omitempty"`
	Migrations            []string `json:"migrations,omitempty"`
}

// NewFilesystemId generates a fresh random filesystem id, encoded the way
// config files store it.
func NewFilesystemId() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", xerrors.Errorf("generating filesystem id: %w", err)
	}
	return id.String(), nil
}

// EncryptionKeyBytes decodes the config's base64-encoded raw encryption key.
func (c *Config) EncryptionKeyBytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(c.EncryptionKey)
}

// CipherImpl looks up the AEAD implementation named by c.Cipher.
func (c *Config) CipherImpl() (cryptocipher.AEAD, error) {
	return cryptocipher.Lookup(cryptocipher.Name(c.Cipher))
}

// ScryptParams are the KDF parameters used to derive the config-file
// encryption key from the user's password. Interactive selection of these
// (for new filesystems) is out of scope; this package only applies them.
type ScryptParams struct {
	N, R, P int
	SaltLen int
	KeyLen  int
}

// DefaultScryptParams are the defaults used for new filesystems: N=2^20 is
// expensive enough to slow a brute-force password search without making
// every mount noticeably slow.
var DefaultScryptParams = ScryptParams{N: 1 << 20, R: 8, P: 1, SaltLen: 32, KeyLen: 32}

// envelope is the on-disk JSON wrapper: salt + KDF params in the clear,
// ciphertext holding the sealed Config JSON.
type envelope struct {
	Cipher     string `json:"cipher"`
	Salt       string `json:"salt"`
	N          int    `json:"scryptN"`
	R          int    `json:"scryptR"`
	P          int    `json:"scryptP"`
	Ciphertext string `json:"ciphertext"`
}

// ErrWrongPassword is returned by Open when the AEAD fails to authenticate,
// which on this envelope always means either the wrong password or a
// corrupted file.
var ErrWrongPassword = xerrors.New("cryconfig: wrong password or corrupt config file")

// Seal encrypts cfg with a key derived from password via scrypt, producing
// the bytes to write to the config file.
func Seal(cfg *Config, password []byte, cipherName cryptocipher.Name, params ScryptParams) ([]byte, error) {
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, xerrors.Errorf("cryconfig: generating salt: %w", err)
	}
	key, err := scrypt.Key(password, salt, params.N, params.R, params.P, params.KeyLen)
	if err != nil {
		return nil, xerrors.Errorf("cryconfig: deriving key: %w", err)
	}
	cipher, err := cryptocipher.Lookup(cipherName)
	if err != nil {
		return nil, err
	}
	plaintext, err := json.Marshal(cfg)
	if err != nil {
		return nil, xerrors.Errorf("cryconfig: marshaling config: %w", err)
	}
	sealed, err := cipher.Seal(key, plaintext)
	if err != nil {
		return nil, xerrors.Errorf("cryconfig: sealing config: %w", err)
	}
	env := envelope{
		Cipher:     string(cipherName),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		N:          params.N,
		R:          params.R,
		P:          params.P,
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	}
	return json.MarshalIndent(env, "", "  ")
}

// Open decrypts a config file written by Seal.
func Open(data []byte, password []byte) (*Config, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, xerrors.Errorf("cryconfig: parsing envelope: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, xerrors.Errorf("cryconfig: decoding salt: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, xerrors.Errorf("cryconfig: decoding ciphertext: %w", err)
	}
	cipher, err := cryptocipher.Lookup(cryptocipher.Name(env.Cipher))
	if err != nil {
		return nil, err
	}
	key, err := scrypt.Key(password, salt, env.N, env.R, env.P, cipher.KeySize())
	if err != nil {
		return nil, xerrors.Errorf("cryconfig: deriving key: %w", err)
	}
	plaintext, err := cipher.Open(key, ciphertext)
	if err != nil {
		return nil, ErrWrongPassword
	}
	var cfg Config
	if err := json.Unmarshal(plaintext, &cfg); err != nil {
		return nil, xerrors.Errorf("cryconfig: parsing config: %w", err)
	}
	return &cfg, nil
}

// CompareVersions reports whether a mount built at runningVersion is
// allowed to open a filesystem last written by createdOrOpenedWithVersion:
// -1 too old, 0 same generation, 1 too new.
func CompareVersions(runningVersion, createdOrOpenedWithVersion string) int {
	return semver.Compare(canonical(runningVersion), canonical(createdOrOpenedWithVersion))
}

func canonical(v string) string {
	if len(v) == 0 || v[0] != 'v' {
		return "v" + v
	}
	return v
}
