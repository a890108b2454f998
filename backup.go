package citadel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"southwinds.dev/citadel/audit"
	"southwinds.dev/citadel/internal/backup"
	"southwinds.dev/citadel/internal/crypto"
	"southwinds.dev/citadel/persist"
)

const (
	// backupFormatVersion is the container format this engine writes and the
	// only one it restores.
	backupFormatVersion = "1.0"

	backupEncryptionMethod = "argon2id+chacha20poly1305"

	minBackupPassphraseLength = 12
)

// backupPayload is the sealed content of a backup container: the full record
// and metadata registries as of the export.
//
// The root key is deliberately absent. Envelopes stay encrypted inside the
// payload, so a restored engine must hold the same root key to read them.
type backupPayload struct {
	CreatedAt     time.Time                  `json:"created_at"`
	EngineVersion string                     `json:"engine_version"`
	Records       map[string]*secretRecord   `json:"records"`
	Metadata      map[string]*SecretMetadata `json:"metadata"`
}

// ExportBackup seals the engine's full state under a passphrase and hands the
// container to the store. It returns the backup id used to restore or delete
// the backup later.
//
// The passphrase is independent of the root key; it protects the container in
// transit and at rest outside the store. Envelopes inside the payload remain
// encrypted under the root key, so possession of the passphrase alone does
// not expose any secret value.
func (e *Engine) ExportBackup(ctx context.Context, actor, passphrase string) (string, error) {
	if err := e.checkOpen(); err != nil {
		return "", err
	}

	if err := validateBackupPassphrase(passphrase); err != nil {
		e.auditFailure(actor, audit.ActionBackup, "", err, nil)
		return "", err
	}

	if err := e.authorize(ctx, actor, ActionBackup, DefaultPolicyName); err != nil {
		e.auditFailure(actor, audit.ActionBackup, "", err, nil)
		return "", err
	}

	now := e.clock.Now().UTC()

	// Snapshot the registries. Records are immutable once published, so the
	// pointers can be shared; metadata is mutated in place by access tracking
	// and must be copied under the lock.
	payload := backupPayload{
		CreatedAt:     now,
		EngineVersion: EngineVersion,
	}
	e.mu.RLock()
	payload.Records = make(map[string]*secretRecord, len(e.records))
	for id, record := range e.records {
		payload.Records[id] = record
	}
	payload.Metadata = make(map[string]*SecretMetadata, len(e.metadata))
	for id, meta := range e.metadata {
		payload.Metadata[id] = copyMetadata(meta)
	}
	e.mu.RUnlock()

	data, err := json.Marshal(payload)
	if err != nil {
		err = fmt.Errorf("failed to serialize backup payload: %w", err)
		e.auditFailure(actor, audit.ActionBackup, "", err, nil)
		return "", err
	}

	salt, err := crypto.NewSalt()
	if err != nil {
		e.auditFailure(actor, audit.ActionBackup, "", err, nil)
		return "", err
	}

	key := crypto.DerivePassphraseKey(passphrase, salt)
	sealed, err := crypto.EncryptValue(data, key)
	wipeBytes(key)
	if err != nil {
		err = fmt.Errorf("failed to seal backup payload: %w", err)
		e.auditFailure(actor, audit.ActionBackup, "", err, nil)
		return "", err
	}

	backupID := backup.GenerateBackupID(now)
	container := &persist.BackupContainer{
		BackupID:         backupID,
		BackupTimestamp:  now,
		EngineVersion:    EngineVersion,
		BackupVersion:    backupFormatVersion,
		EncryptionMethod: backupEncryptionMethod,
		Checksum:         crypto.CalculateChecksum(sealed),
		Salt:             base64.StdEncoding.EncodeToString(salt),
		EncryptedData:    base64.StdEncoding.EncodeToString(sealed),
	}

	if err = e.store.SaveBackup(backupID, container); err != nil {
		serr := &StorageError{Op: "save backup", Err: err}
		e.auditFailure(actor, audit.ActionBackup, "", serr, map[string]interface{}{
			"backup_id": backupID,
		})
		return "", serr
	}

	e.auditSuccess(actor, audit.ActionBackup, "", 0, map[string]interface{}{
		"backup_id":    backupID,
		"secret_count": len(payload.Records),
	})

	return backupID, nil
}

// RestoreBackup replaces the engine's entire state, persisted and in-memory,
// with the contents of a backup.
//
// The container checksum is verified before unsealing and the payload is
// checked for consistency before anything is written, so a wrong passphrase
// or a corrupt backup leaves the engine untouched. Lineages present in the
// engine but absent from the backup are removed. The backup carries no root
// key; restored envelopes are only readable if this engine holds the root
// key they were sealed under.
func (e *Engine) RestoreBackup(ctx context.Context, actor, backupID, passphrase string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}

	auditMeta := map[string]interface{}{"backup_id": backupID}

	if backupID == "" {
		err := &InputError{Field: "backupID", Reason: "cannot be empty"}
		e.auditFailure(actor, audit.ActionRestore, "", err, auditMeta)
		return err
	}
	if passphrase == "" {
		err := &InputError{Field: "passphrase", Reason: "cannot be empty"}
		e.auditFailure(actor, audit.ActionRestore, "", err, auditMeta)
		return err
	}

	if err := e.authorize(ctx, actor, ActionRestore, DefaultPolicyName); err != nil {
		e.auditFailure(actor, audit.ActionRestore, "", err, auditMeta)
		return err
	}

	container, err := e.store.RestoreBackup(backupID)
	if err != nil {
		serr := &StorageError{Op: "load backup", Err: err}
		e.auditFailure(actor, audit.ActionRestore, "", serr, auditMeta)
		return serr
	}

	if err = validateBackupVersion(container.BackupVersion); err != nil {
		e.auditFailure(actor, audit.ActionRestore, "", err, auditMeta)
		return err
	}

	sealed, err := base64.StdEncoding.DecodeString(container.EncryptedData)
	if err != nil {
		err = fmt.Errorf("failed to decode backup data: %w", err)
		e.auditFailure(actor, audit.ActionRestore, "", err, auditMeta)
		return err
	}

	if crypto.CalculateChecksum(sealed) != container.Checksum {
		err = fmt.Errorf("backup %s failed its integrity check: %w", backupID, ErrIntegrityViolation)
		e.auditFailure(actor, audit.ActionRestore, "", err, auditMeta)
		return err
	}

	salt, err := base64.StdEncoding.DecodeString(container.Salt)
	if err != nil {
		err = fmt.Errorf("failed to decode backup salt: %w", err)
		e.auditFailure(actor, audit.ActionRestore, "", err, auditMeta)
		return err
	}

	key := crypto.DerivePassphraseKey(passphrase, salt)
	data, err := crypto.DecryptValue(sealed, key)
	wipeBytes(key)
	if err != nil {
		err = fmt.Errorf("backup could not be unsealed: %w", ErrDecryptionFailure)
		e.auditFailure(actor, audit.ActionRestore, "", err, auditMeta)
		return err
	}

	var payload backupPayload
	if err = json.Unmarshal(data, &payload); err != nil {
		err = fmt.Errorf("failed to parse backup payload: %w", err)
		e.auditFailure(actor, audit.ActionRestore, "", err, auditMeta)
		return err
	}
	if err = validateBackupPayload(&payload); err != nil {
		e.auditFailure(actor, audit.ActionRestore, "", err, auditMeta)
		return err
	}

	// From here on no other mutation may interleave. The gate keeps writers
	// out while the store and both registries are replaced.
	e.restoreGate.Lock()
	defer e.restoreGate.Unlock()

	// Persist the backup contents first, then remove lineages the backup does
	// not know about. A failure part-way leaves the in-memory state untouched
	// and the store mid-restore; re-running the restore completes it.
	for id, record := range payload.Records {
		if err = e.persistRecord(record); err != nil {
			e.auditFailure(actor, audit.ActionRestore, "", err, auditMeta)
			return err
		}
		if err = e.persistMetadata(payload.Metadata[id]); err != nil {
			e.auditFailure(actor, audit.ActionRestore, "", err, auditMeta)
			return err
		}
	}

	e.mu.RLock()
	stale := make([]string, 0)
	for id := range e.metadata {
		if _, ok := payload.Records[id]; !ok {
			stale = append(stale, id)
		}
	}
	e.mu.RUnlock()

	for _, id := range stale {
		if err = e.store.DeleteSecret(id); err != nil && !errors.Is(err, persist.ErrNotFound) {
			serr := &StorageError{Op: "delete secret", SecretID: id, Err: err}
			e.auditFailure(actor, audit.ActionRestore, "", serr, auditMeta)
			return serr
		}
		if err = e.store.DeleteMetadata(id); err != nil && !errors.Is(err, persist.ErrNotFound) {
			serr := &StorageError{Op: "delete metadata", SecretID: id, Err: err}
			e.auditFailure(actor, audit.ActionRestore, "", serr, auditMeta)
			return serr
		}
	}

	e.mu.Lock()
	e.records = payload.Records
	e.metadata = payload.Metadata
	e.dirtyAccess = make(map[string]bool)
	e.mu.Unlock()

	// The restored deadlines are a new world for the scheduler
	e.scheduler.clearAllFired()

	e.auditSuccess(actor, audit.ActionRestore, "", 0, map[string]interface{}{
		"backup_id":        backupID,
		"secret_count":     len(payload.Records),
		"backup_timestamp": container.BackupTimestamp,
	})

	return nil
}

// ListBackups reports the backups present in the store. The listing carries
// container metadata and checksum validity only, nothing sealed, so it needs
// no passphrase.
func (e *Engine) ListBackups() ([]persist.BackupInfo, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	infos, err := e.store.ListBackups()
	if err != nil {
		return nil, &StorageError{Op: "list backups", Err: err}
	}
	return infos, nil
}

func validateBackupPassphrase(passphrase string) error {
	if len(passphrase) < minBackupPassphraseLength {
		return &InputError{
			Field:  "passphrase",
			Reason: fmt.Sprintf("must be at least %d characters", minBackupPassphraseLength),
		}
	}
	return nil
}

func validateBackupVersion(version string) error {
	supported := []string{backupFormatVersion}
	for _, v := range supported {
		if version == v {
			return nil
		}
	}
	return fmt.Errorf("unsupported backup version: %s", version)
}

// validateBackupPayload rejects payloads that would restore into an
// inconsistent registry. Every record needs its metadata and vice versa.
func validateBackupPayload(payload *backupPayload) error {
	for id, record := range payload.Records {
		if record == nil || record.Envelope == nil {
			return fmt.Errorf("backup payload has no envelope for %q", id)
		}
		if _, ok := payload.Metadata[id]; !ok {
			return fmt.Errorf("backup payload has no metadata for %q", id)
		}
	}
	for id, meta := range payload.Metadata {
		if meta == nil {
			return fmt.Errorf("backup payload has empty metadata for %q", id)
		}
		if _, ok := payload.Records[id]; !ok {
			return fmt.Errorf("backup payload has no record for %q", id)
		}
	}
	return nil
}
