package citadel

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"

	"southwinds.dev/citadel/internal/crypto"
	"southwinds.dev/citadel/internal/debug"
	"southwinds.dev/citadel/persist"
)

// The root key is the only long-lived key the engine holds. It never leaves
// the process: at rest in memory it lives inside a memguard enclave, and it is
// explicitly excluded from backups and every serialized structure. All
// envelope keys are derived from it per encryption with a fresh salt, so the
// root key bytes themselves never touch a cipher directly.

// loadOrCreateRootKey establishes the engine's root key from the store,
// generating and persisting a new one on first start. Injected material is
// accepted only when it matches what the store already holds, or when the
// store holds nothing yet.
//
// Any store failure here is fatal: an engine without its root key cannot
// decrypt a single envelope, so the constructor gives up rather than limp.
func (e *Engine) loadOrCreateRootKey(material []byte, keyLength int) error {
	stored, err := e.store.LoadMasterKey()
	if err != nil && !errors.Is(err, persist.ErrNotFound) {
		return fmt.Errorf("failed to load root key: %w", err)
	}

	if err == nil {
		// Existing engine data; an injected key must be the same key.
		if len(material) > 0 {
			if subtle.ConstantTimeCompare(stored, material) != 1 {
				wipeBytes(stored)
				return fmt.Errorf("injected root key does not match the stored root key")
			}
		}
		if crypto.IsWeakKey(stored) {
			wipeBytes(stored)
			return fmt.Errorf("stored root key failed the entropy check")
		}
		debug.Print("loaded existing root key (%d bytes)\n", len(stored))
		// NewEnclave wipes the source buffer after copying it in
		e.rootKey = memguard.NewEnclave(stored)
		return nil
	}

	// First start: use the injected material or generate fresh key bytes.
	var keyBytes []byte
	if len(material) > 0 {
		keyBytes = make([]byte, len(material))
		copy(keyBytes, material)
	} else {
		keyBytes = make([]byte, keyLength)
		if _, err = rand.Read(keyBytes); err != nil {
			return fmt.Errorf("failed to generate root key: %w", err)
		}
	}

	if err = e.store.SaveMasterKey(keyBytes); err != nil {
		wipeBytes(keyBytes)
		return fmt.Errorf("failed to persist root key: %w", err)
	}

	debug.Print("generated new root key (%d bytes)\n", len(keyBytes))
	e.rootKey = memguard.NewEnclave(keyBytes)
	return nil
}

// openRootKey opens the root key enclave for a single operation. The caller
// must Destroy the returned buffer as soon as the key bytes were used.
func (e *Engine) openRootKey() (*memguard.LockedBuffer, error) {
	if e.rootKey == nil {
		return nil, fmt.Errorf("root key is not initialized")
	}
	buf, err := e.rootKey.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open root key enclave: %w", err)
	}
	return buf, nil
}

// dropRootKey releases the enclave reference on shutdown. The enclave's
// backing pages are wiped by memguard when the reference is gone.
func (e *Engine) dropRootKey() {
	e.rootKey = nil
}
