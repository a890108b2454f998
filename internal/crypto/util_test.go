package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"

	"southwinds.dev/citadel/internal/misc"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	return key
}

func TestDeriveEnvelopeKey(t *testing.T) {
	rootKey := testKey(t)
	salt1, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt failed: %v", err)
	}
	salt2, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt failed: %v", err)
	}

	if len(salt1) != misc.EnvelopeSaltSize {
		t.Errorf("Salt length %d, expected %d", len(salt1), misc.EnvelopeSaltSize)
	}

	key1 := DeriveEnvelopeKey(rootKey, salt1)
	key1Again := DeriveEnvelopeKey(rootKey, salt1)
	key2 := DeriveEnvelopeKey(rootKey, salt2)

	if len(key1) != 32 {
		t.Errorf("Derived key length %d, expected 32", len(key1))
	}
	if !bytes.Equal(key1, key1Again) {
		t.Error("Derivation is not deterministic for the same inputs")
	}
	if bytes.Equal(key1, key2) {
		t.Error("Different salts produced the same key")
	}
}

func TestDerivePassphraseKey(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt failed: %v", err)
	}

	key1 := DerivePassphraseKey("a strong passphrase", salt)
	key1Again := DerivePassphraseKey("a strong passphrase", salt)
	key2 := DerivePassphraseKey("a different passphrase", salt)

	if len(key1) != int(misc.ArgonKeyLen) {
		t.Errorf("Derived key length %d, expected %d", len(key1), misc.ArgonKeyLen)
	}
	if !bytes.Equal(key1, key1Again) {
		t.Error("Derivation is not deterministic for the same inputs")
	}
	if bytes.Equal(key1, key2) {
		t.Error("Different passphrases produced the same key")
	}
}

func TestSealOpen(t *testing.T) {
	key := testKey(t)
	plaintext := []byte("the sealed value")

	nonce, ciphertext, tag, err := Seal(plaintext, key)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if len(nonce) != 12 || len(tag) != 16 {
		t.Fatalf("Unexpected envelope geometry: nonce %d, tag %d", len(nonce), len(tag))
	}

	opened, err := Open(nonce, ciphertext, tag, key)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Round trip produced %q, expected %q", opened, plaintext)
	}

	t.Run("TamperedCiphertext", func(t *testing.T) {
		corrupted := append([]byte(nil), ciphertext...)
		corrupted[0] ^= 0xFF
		if _, err := Open(nonce, corrupted, tag, key); err == nil {
			t.Error("Tampered ciphertext authenticated")
		}
	})

	t.Run("TamperedTag", func(t *testing.T) {
		corrupted := append([]byte(nil), tag...)
		corrupted[0] ^= 0xFF
		if _, err := Open(nonce, ciphertext, corrupted, key); err == nil {
			t.Error("Tampered tag authenticated")
		}
	})

	t.Run("WrongKey", func(t *testing.T) {
		if _, err := Open(nonce, ciphertext, tag, testKey(t)); err == nil {
			t.Error("Wrong key authenticated")
		}
	})

	t.Run("MalformedGeometry", func(t *testing.T) {
		if _, err := Open(nonce[:4], ciphertext, tag, key); err == nil {
			t.Error("Short nonce accepted")
		}
		if _, err := Open(nonce, ciphertext, tag[:8], key); err == nil {
			t.Error("Short tag accepted")
		}
	})

	t.Run("BadKeySize", func(t *testing.T) {
		if _, _, _, err := Seal(plaintext, key[:16]); err == nil {
			t.Error("Seal accepted a 16-byte key")
		}
	})
}

func TestEncryptDecryptValue(t *testing.T) {
	key := testKey(t)
	value := []byte("combined nonce and ciphertext")

	encrypted, err := EncryptValue(value, key)
	if err != nil {
		t.Fatalf("EncryptValue failed: %v", err)
	}

	decrypted, err := DecryptValue(encrypted, key)
	if err != nil {
		t.Fatalf("DecryptValue failed: %v", err)
	}
	if !bytes.Equal(decrypted, value) {
		t.Errorf("Round trip produced %q, expected %q", decrypted, value)
	}

	if _, err = DecryptValue(encrypted[:10], key); err == nil {
		t.Error("Truncated data accepted")
	}

	encrypted[len(encrypted)-1] ^= 0xFF
	if _, err = DecryptValue(encrypted, key); err == nil {
		t.Error("Tampered data authenticated")
	}
}

func TestCalculateChecksum(t *testing.T) {
	// Fixed SHA-256 vectors
	if got := CalculateChecksum(nil); got != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Errorf("Checksum of empty input = %s", got)
	}
	if got := CalculateChecksum([]byte("abc")); got != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Errorf("Checksum of \"abc\" = %s", got)
	}
}

func TestIsWeakKey(t *testing.T) {
	weak := map[string][]byte{
		"short":     make([]byte, 16),
		"all zero":  make([]byte, 64),
		"all same":  bytes.Repeat([]byte{0xAB}, 64),
		"repeating": bytes.Repeat([]byte{1, 2, 3, 4}, 16),
	}
	for name, key := range weak {
		if !IsWeakKey(key) {
			t.Errorf("Key %q passed the entropy check", name)
		}
	}

	if IsWeakKey(testKey(t)) {
		t.Error("Random key flagged as weak")
	}
}
