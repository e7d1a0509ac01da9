// Package cryptocipher is the cipher registry used by the encrypted block
// store and by the filesystem config envelope. It mirrors
// crates/cryfs-config/src/config/ciphers.rs's name -> implementation table:
// a fixed set of authenticated ciphers looked up by the name persisted in
// the mount's config file.
package cryptocipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// AEAD is the contract every supported cipher satisfies: authenticated
// encryption of one block's plaintext, with a random nonce drawn fresh on
// every call to Seal.
type AEAD interface {
	// KeySize is the required key length in bytes.
	KeySize() int
	// NonceOverhead and TagOverhead are the number of bytes Seal prepends
	// (nonce) and appends (authentication tag) to the plaintext.
	NonceOverhead() int
	TagOverhead() int
	// Seal encrypts plaintext and returns nonce || ciphertext || tag.
	Seal(key, plaintext []byte) ([]byte, error)
	// Open authenticates and decrypts a buffer produced by Seal. It fails
	// closed (returns an error) on any tag mismatch.
	Open(key, sealed []byte) ([]byte, error)
}

// Name identifies a supported cipher; this is the exact string persisted in
// the filesystem config file's "cipher" field.
type Name string

const (
	XChaCha20Poly1305 Name = "xchacha20-poly1305"
	Aes256Gcm         Name = "aes-256-gcm"
	Aes128Gcm         Name = "aes-128-gcm"
)

// All lists every cipher name this build supports, for --show-ciphers.
var All = []Name{XChaCha20Poly1305, Aes256Gcm, Aes128Gcm}

// UnknownCipherError is returned by Lookup for a name not in All.
type UnknownCipherError struct {
	Name string
}

func (e *UnknownCipherError) Error() string {
	return fmt.Sprintf("unknown cipher: %q", e.Name)
}

// Lookup returns the AEAD implementation for name.
func Lookup(name Name) (AEAD, error) {
	switch name {
	case XChaCha20Poly1305:
		return xchacha20poly1305AEAD{}, nil
	case Aes256Gcm:
		return aesGCM{keySize: 32}, nil
	case Aes128Gcm:
		return aesGCM{keySize: 16}, nil
	default:
		return nil, &UnknownCipherError{Name: string(name)}
	}
}

// Supported reports whether name is one Lookup would accept.
func Supported(name Name) bool {
	_, err := Lookup(name)
	return err == nil
}

type aesGCM struct{ keySize int }

func (c aesGCM) KeySize() int      { return c.keySize }
func (c aesGCM) NonceOverhead() int { return 12 }
func (c aesGCM) TagOverhead() int   { return 16 }

func (c aesGCM) aead(key []byte) (cipher.AEAD, error) {
	if len(key) != c.keySize {
		return nil, fmt.Errorf("aes-gcm: key must be %d bytes, got %d", c.keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes-gcm: %w", err)
	}
	return cipher.NewGCM(block)
}

func (c aesGCM) Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := c.aead(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("aes-gcm: generating nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return sealed, nil
}

func (c aesGCM) Open(key, sealed []byte) ([]byte, error) {
	aead, err := c.aead(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("aes-gcm: ciphertext too short")
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("aes-gcm: decryption failed: %w", err)
	}
	return plaintext, nil
}

type xchacha20poly1305AEAD struct{}

func (xchacha20poly1305AEAD) KeySize() int      { return chacha20poly1305.KeySize }
func (xchacha20poly1305AEAD) NonceOverhead() int { return chacha20poly1305.NonceSizeX }
func (xchacha20poly1305AEAD) TagOverhead() int   { return chacha20poly1305.Overhead }

func (xchacha20poly1305AEAD) Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("xchacha20-poly1305: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("xchacha20-poly1305: generating nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (xchacha20poly1305AEAD) Open(key, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("xchacha20-poly1305: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("xchacha20-poly1305: ciphertext too short")
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("xchacha20-poly1305: decryption failed: %w", err)
	}
	return plaintext, nil
}
