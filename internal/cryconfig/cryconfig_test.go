package cryconfig

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/cryfs-go/cryfs/internal/cryptocipher"
)

// fastScryptParams keeps tests from paying DefaultScryptParams' real N=2^20 cost.
var fastScryptParams = ScryptParams{N: 16, R: 1, P: 1, SaltLen: 16, KeyLen: 32}

func TestSealOpenRoundTrip(t *testing.T) {
	clientId := uint32(7)
	cfg := &Config{
		RootBlob:              "deadbeef",
		EncryptionKey:         "c2VjcmV0",
		Cipher:                string(cryptocipher.XChaCha20Poly1305),
		Version:               "0.11.0",
		CreatedWithVersion:    "0.11.0",
		LastOpenedWithVersion: "0.11.0",
		BlocksizeBytes:        32768,
		FilesystemId:          "abc-123",
		ExclusiveClientId:     &clientId,
	}

	sealed, err := Seal(cfg, []byte("correct horse"), cryptocipher.XChaCha20Poly1305, fastScryptParams)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	opened, err := Open(sealed, []byte("correct horse"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if diff := cmp.Diff(cfg, opened); diff != "" {
		t.Fatalf("round-tripped config differs (-want +got):\n%s", diff)
	}
}

func TestOpenWithWrongPasswordFails(t *testing.T) {
	cfg := &Config{FilesystemId: "abc-123", Cipher: string(cryptocipher.Aes256Gcm)}
	sealed, err := Seal(cfg, []byte("right"), cryptocipher.Aes256Gcm, fastScryptParams)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Open(sealed, []byte("wrong")); err != ErrWrongPassword {
		t.Fatalf("Open with wrong password = %v, want ErrWrongPassword", err)
	}
}

func TestNewFilesystemIdProducesDistinctValues(t *testing.T) {
	a, err := NewFilesystemId()
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewFilesystemId()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("two calls to NewFilesystemId produced the same id")
	}
}

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		running, other string
		want            int
	}{
		{"0.11.0", "0.11.0", 0},
		{"0.10.0", "0.11.0", -1},
		{"0.12.0", "0.11.0", 1},
	}
	for _, c := range cases {
		if got := CompareVersions(c.running, c.other); got != c.want {
			t.Errorf("CompareVersions(%q, %q) = %d, want %d", c.running, c.other, got, c.want)
		}
	}
}
