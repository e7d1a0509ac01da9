package cryptocipher

import (
	"bytes"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	for _, name := range All {
		name := name
		t.Run(string(name), func(t *testing.T) {
			cipher, err := Lookup(name)
			if err != nil {
				t.Fatalf("Lookup(%q): %v", name, err)
			}
			key := make([]byte, cipher.KeySize())
			for i := range key {
				key[i] = byte(i)
			}
			plaintext := []byte("the quick brown fox jumps over the lazy dog")

			sealed, err := cipher.Seal(key, plaintext)
			if err != nil {
				t.Fatalf("Seal: %v", err)
			}
			opened, err := cipher.Open(key, sealed)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if !bytes.Equal(opened, plaintext) {
				t.Fatalf("got %q, want %q", opened, plaintext)
			}
		})
	}
}

func TestSealRerandomizesNonce(t *testing.T) {
	cipher, _ := Lookup(Aes256Gcm)
	key := make([]byte, cipher.KeySize())
	a, err := cipher.Seal(key, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := cipher.Seal(key, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("two seals of the same plaintext produced identical ciphertext")
	}
}

func TestOpenFailsOnTamperedCiphertext(t *testing.T) {
	cipher, _ := Lookup(XChaCha20Poly1305)
	key := make([]byte, cipher.KeySize())
	sealed, err := cipher.Seal(key, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	sealed[len(sealed)-1] ^= 0xFF
	if _, err := cipher.Open(key, sealed); err == nil {
		t.Fatal("expected tampered ciphertext to fail authentication")
	}
}

func TestLookupUnknownCipher(t *testing.T) {
	if _, err := Lookup("does-not-exist"); err == nil {
		t.Fatal("expected an error for an unknown cipher name")
	}
}
