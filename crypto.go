package citadel

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"southwinds.dev/citadel/internal/crypto"
	"southwinds.dev/citadel/internal/misc"
)

// Envelope is the persisted encrypted form of a secret value.
//
// Each envelope is sealed under a one-off key derived from the root key and a
// fresh random salt, so no two envelopes ever share an encryption key. The
// authentication tag is stored separately from the ciphertext; both are
// covered by the integrity digest together with the nonce and the version.
type Envelope struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
	Salt       []byte `json:"salt"`
	AuthTag    []byte `json:"auth_tag"`
	KeyVersion int    `json:"key_version"`
}

// encryptValue seals plaintext into a fresh envelope under the current root
// key. A new salt and nonce are drawn for every call.
func (e *Engine) encryptValue(value []byte) (*Envelope, error) {
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to generate envelope salt: %w", err)
	}

	rootKey, err := e.openRootKey()
	if err != nil {
		return nil, fmt.Errorf("failed to access root key: %w", err)
	}
	defer rootKey.Destroy()

	derived := crypto.DeriveEnvelopeKey(rootKey.Bytes(), salt)
	defer wipeBytes(derived)

	nonce, ciphertext, tag, err := crypto.Seal(value, derived)
	if err != nil {
		return nil, fmt.Errorf("failed to seal value: %w", err)
	}

	e.metrics.encryptionOps.Add(1)

	return &Envelope{
		Ciphertext: ciphertext,
		Nonce:      nonce,
		Salt:       salt,
		AuthTag:    tag,
		KeyVersion: misc.DefaultKeyVersion,
	}, nil
}

// decryptEnvelope opens an envelope under the current root key. AEAD failure
// is mapped onto the decryption-failure sentinel; the cryptographic detail
// stays out of the returned error.
func (e *Engine) decryptEnvelope(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("envelope is nil: %w", ErrDecryptionFailure)
	}

	rootKey, err := e.openRootKey()
	if err != nil {
		return nil, fmt.Errorf("failed to access root key: %w", err)
	}
	defer rootKey.Destroy()

	derived := crypto.DeriveEnvelopeKey(rootKey.Bytes(), env.Salt)
	defer wipeBytes(derived)

	plaintext, err := crypto.Open(env.Nonce, env.Ciphertext, env.AuthTag, derived)
	if err != nil {
		return nil, fmt.Errorf("envelope could not be opened: %w", ErrDecryptionFailure)
	}

	e.metrics.decryptionOps.Add(1)

	return plaintext, nil
}

// computeDigest binds the envelope's ciphertext, nonce, auth tag, and the
// record version into a single hex digest. Including the version means a
// snapshot cannot be silently swapped for another version's envelope.
func computeDigest(env *Envelope, version int) string {
	h := sha256.New()
	h.Write(env.Ciphertext)
	h.Write(env.Nonce)
	h.Write(env.AuthTag)

	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(version))
	h.Write(v[:])

	return hex.EncodeToString(h.Sum(nil))
}

// digestMatches compares digests in constant time over the raw bytes.
func digestMatches(expected string, env *Envelope, version int) bool {
	want, err := hex.DecodeString(expected)
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(computeDigest(env, version))
	if err != nil {
		return false
	}
	if len(want) != len(got) {
		return false
	}
	return subtle.ConstantTimeCompare(want, got) == 1
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
