package citadel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/awnumar/memguard"

	"southwinds.dev/citadel/audit"
	"southwinds.dev/citadel/persist"
)

// secretRecord is the persisted encrypted record, one JSON document per id
// under the store's secrets area. The envelope holds the current version; the
// bounded history holds superseded versions, oldest first.
type secretRecord struct {
	SecretID  string          `json:"secret_id"`
	Envelope  *Envelope       `json:"envelope"`
	Digest    string          `json:"digest"`
	Version   int             `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	History   []SecretVersion `json:"history,omitempty"`
}

// SecretVersion is an immutable snapshot of a superseded secret state.
type SecretVersion struct {
	Version      int       `json:"version"`
	Envelope     *Envelope `json:"envelope"`
	Digest       string    `json:"digest"`
	CreatedAt    time.Time `json:"created_at"`
	SupersededAt time.Time `json:"superseded_at"`
}

// StoreSecret encrypts and stores a new secret.
//
// The id must be new or belong to a soft-deleted lineage; in the latter case
// the retired lineage is replaced wholesale and versioning restarts at 1.
// Success is reported only once both the record and its metadata are durably
// persisted.
func (e *Engine) StoreSecret(ctx context.Context, actor, secretID string, value []byte, opts StoreOptions) (*StoreReceipt, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	if err := validateSecretID(secretID); err != nil {
		e.auditFailure(actor, audit.ActionStore, secretID, err, nil)
		return nil, err
	}
	if err := validateSecretValue(value, e.options.MaxValueSize); err != nil {
		e.auditFailure(actor, audit.ActionStore, secretID, err, nil)
		return nil, err
	}
	tags, err := validateAndSanitizeTags(opts.Tags)
	if err != nil {
		e.auditFailure(actor, audit.ActionStore, secretID, err, nil)
		return nil, err
	}

	// A brand-new id has no metadata to name a policy; the gate uses the one
	// the caller intends to attach.
	if err = e.authorize(ctx, actor, ActionCreate, opts.PolicyRef); err != nil {
		e.auditFailure(actor, audit.ActionStore, secretID, err, nil)
		return nil, err
	}

	e.restoreGate.RLock()
	defer e.restoreGate.RUnlock()
	e.locks.Lock(secretID)
	defer e.locks.Unlock(secretID)

	e.mu.RLock()
	existing := e.metadata[secretID]
	e.mu.RUnlock()

	if existing != nil && existing.Active {
		err = fmt.Errorf("secret %q: %w", secretID, ErrAlreadyExists)
		e.auditFailure(actor, audit.ActionStore, secretID, err, nil)
		return nil, err
	}

	envelope, err := e.encryptValue(value)
	if err != nil {
		e.auditFailure(actor, audit.ActionStore, secretID, err, nil)
		return nil, err
	}

	now := e.clock.Now().UTC()
	interval := opts.RotationInterval
	if interval <= 0 {
		interval = e.options.DefaultRotationInterval
	}

	record := &secretRecord{
		SecretID:  secretID,
		Envelope:  envelope,
		Digest:    computeDigest(envelope, 1),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	meta := &SecretMetadata{
		SecretID:         secretID,
		Version:          1,
		Description:      opts.Description,
		Tags:             tags,
		PolicyRef:        opts.PolicyRef,
		RotationInterval: interval,
		NextRotation:     now.Add(interval),
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
		Size:             len(value),
		CustomFields:     opts.CustomFields,
	}

	if err = e.persistRecord(record); err != nil {
		e.auditFailure(actor, audit.ActionStore, secretID, err, nil)
		return nil, err
	}
	if err = e.persistMetadata(meta); err != nil {
		// The record write is unreported; drop it so the store does not keep
		// an orphan.
		_ = e.store.DeleteSecret(secretID)
		e.auditFailure(actor, audit.ActionStore, secretID, err, nil)
		return nil, err
	}

	e.mu.Lock()
	e.records[secretID] = record
	e.metadata[secretID] = meta
	delete(e.dirtyAccess, secretID)
	e.mu.Unlock()

	// Storing over a retired lineage restarts its rotation alerts too
	e.scheduler.clearFired(secretID)

	e.metrics.secretsStored.Add(1)
	e.auditSuccess(actor, audit.ActionStore, secretID, 1, map[string]interface{}{
		"replaced_inactive": existing != nil,
		"next_rotation":     meta.NextRotation,
	})

	return &StoreReceipt{
		SecretID:     secretID,
		Version:      1,
		NextRotation: meta.NextRotation,
	}, nil
}

// GetSecret decrypts and returns a secret value, current or historical.
func (e *Engine) GetSecret(ctx context.Context, actor, secretID string, opts GetOptions) (*SecretValue, error) {
	return e.fetchSecret(ctx, actor, secretID, opts, audit.ActionGet)
}

// UseSecret hands the current plaintext to fn inside a memguard buffer and
// wipes it when fn returns, panicking or not. The slice passed to fn must not
// be retained.
func (e *Engine) UseSecret(ctx context.Context, actor, secretID string, fn func(value []byte) error) error {
	if fn == nil {
		return &InputError{Field: "callback", Reason: "cannot be nil"}
	}

	secret, err := e.fetchSecret(ctx, actor, secretID, GetOptions{}, audit.ActionUse)
	if err != nil {
		return err
	}

	// NewBufferFromBytes moves the plaintext into protected memory and wipes
	// the source slice.
	buf := memguard.NewBufferFromBytes(secret.Value)
	defer buf.Destroy()

	return fn(buf.Bytes())
}

// fetchSecret is the shared read path behind GetSecret and UseSecret.
//
// The digest is verified before any decryption (any version). On a mismatch
// the read fails closed: the metadata is flagged, a tamper alert goes out,
// the failure is audited, and the record is left in place for investigation.
func (e *Engine) fetchSecret(ctx context.Context, actor, secretID string, opts GetOptions, auditAction string) (*SecretValue, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	if err := validateSecretID(secretID); err != nil {
		e.auditFailure(actor, auditAction, secretID, err, nil)
		return nil, err
	}
	if opts.Version < 0 {
		err := &InputError{Field: "version", Reason: "cannot be negative"}
		e.auditFailure(actor, auditAction, secretID, err, nil)
		return nil, err
	}

	if err := e.authorize(ctx, actor, ActionRead, e.policyRefFor(secretID)); err != nil {
		e.auditFailure(actor, auditAction, secretID, err, nil)
		return nil, err
	}

	e.mu.RLock()
	record := e.records[secretID]
	meta := e.metadata[secretID]

	var (
		envelope  *Envelope
		digest    string
		version   int
		createdAt time.Time
		found     bool
	)
	if record != nil {
		if opts.Version == 0 || opts.Version == record.Version {
			envelope, digest, version, createdAt = record.Envelope, record.Digest, record.Version, record.UpdatedAt
			found = true
		} else {
			for i := range record.History {
				if record.History[i].Version == opts.Version {
					snapshot := record.History[i]
					envelope, digest, version, createdAt = snapshot.Envelope, snapshot.Digest, snapshot.Version, snapshot.CreatedAt
					found = true
					break
				}
			}
		}
	}
	e.mu.RUnlock()

	if meta == nil || record == nil {
		err := &NotFoundError{SecretID: secretID}
		e.auditFailure(actor, auditAction, secretID, err, nil)
		return nil, err
	}
	if !meta.Active {
		err := &InactiveError{SecretID: secretID}
		e.auditFailure(actor, auditAction, secretID, err, nil)
		return nil, err
	}
	if !found {
		err := &NotFoundError{SecretID: secretID, Version: opts.Version}
		e.auditFailure(actor, auditAction, secretID, err, nil)
		return nil, err
	}

	if !digestMatches(digest, envelope, version) {
		now := e.clock.Now().UTC()
		err := &IntegrityError{
			SecretID: secretID,
			Version:  version,
			Expected: digest,
			Actual:   computeDigest(envelope, version),
		}
		e.flagTampered(secretID, now)
		e.notifier.publishTamper(TamperEvent{
			SecretID:   secretID,
			Version:    version,
			DetectedAt: now,
			Detail:     "stored digest does not match envelope",
		})
		e.auditFailure(actor, audit.ActionTamper, secretID, err, map[string]interface{}{
			"requested_action": auditAction,
			"version":          version,
		})
		return nil, err
	}

	plaintext, err := e.decryptEnvelope(envelope)
	if err != nil {
		e.auditFailure(actor, auditAction, secretID, err, nil)
		return nil, err
	}

	// Access tracking always lands on the current record, whichever version
	// was read. Durability is deferred to the next mutation or Close.
	now := e.clock.Now().UTC()
	e.mu.Lock()
	if live := e.metadata[secretID]; live != nil {
		live.AccessCount++
		accessed := now
		live.LastAccessed = &accessed
		e.dirtyAccess[secretID] = true
	}
	e.mu.Unlock()

	e.metrics.secretsAccessed.Add(1)
	e.auditSuccess(actor, auditAction, secretID, version, nil)

	return &SecretValue{
		SecretID:  secretID,
		Value:     plaintext,
		Version:   version,
		CreatedAt: createdAt,
	}, nil
}

// UpdateSecret replaces the secret value, bumping the version by one and
// pushing the superseded state into the bounded history.
func (e *Engine) UpdateSecret(ctx context.Context, actor, secretID string, value []byte, opts UpdateOptions) (*UpdateReceipt, error) {
	var sanitizedTags []string
	if opts.Tags != nil {
		tags, err := validateAndSanitizeTags(opts.Tags)
		if err != nil {
			e.auditFailure(actor, audit.ActionUpdate, secretID, err, nil)
			return nil, err
		}
		sanitizedTags = tags
	}

	return e.mutateSecret(ctx, actor, secretID, value, mutateParams{
		gateAction:  ActionUpdate,
		auditAction: audit.ActionUpdate,
		applyMeta: func(meta *SecretMetadata) {
			if opts.Description != nil {
				meta.Description = *opts.Description
			}
			if opts.Tags != nil {
				meta.Tags = sanitizedTags
			}
			if opts.CustomFields != nil {
				meta.CustomFields = opts.CustomFields
			}
		},
	})
}

// RotateSecret replaces the secret value like UpdateSecret and stamps the
// rotation times so the next deadline equals rotation time plus interval.
// The caller supplies the new value; generation is out of the engine's hands.
func (e *Engine) RotateSecret(ctx context.Context, actor, secretID string, newValue []byte, opts RotateOptions) (*UpdateReceipt, error) {
	receipt, err := e.mutateSecret(ctx, actor, secretID, newValue, mutateParams{
		gateAction:  ActionRotate,
		auditAction: audit.ActionRotate,
		rotation:    true,
		auditMetadata: map[string]interface{}{
			"scheduled": opts.Scheduled,
		},
	})
	if err != nil {
		return nil, err
	}

	e.metrics.secretsRotated.Add(1)
	// Re-arm the scheduler for the fresh deadline
	e.scheduler.clearFired(secretID)

	return receipt, nil
}

// mutateParams carries the differences between update and rotate through the
// shared mutation path.
type mutateParams struct {
	gateAction    string
	auditAction   string
	rotation      bool
	applyMeta     func(*SecretMetadata)
	auditMetadata map[string]interface{}
}

// mutateSecret is the shared re-encryption path for update and rotate.
//
// The new record and metadata are built aside, persisted, and only then
// swapped into memory. A persistence failure therefore leaves the served
// state exactly as it was.
func (e *Engine) mutateSecret(ctx context.Context, actor, secretID string, value []byte, params mutateParams) (*UpdateReceipt, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	if err := validateSecretID(secretID); err != nil {
		e.auditFailure(actor, params.auditAction, secretID, err, params.auditMetadata)
		return nil, err
	}
	if err := validateSecretValue(value, e.options.MaxValueSize); err != nil {
		e.auditFailure(actor, params.auditAction, secretID, err, params.auditMetadata)
		return nil, err
	}

	if err := e.authorize(ctx, actor, params.gateAction, e.policyRefFor(secretID)); err != nil {
		e.auditFailure(actor, params.auditAction, secretID, err, params.auditMetadata)
		return nil, err
	}

	e.restoreGate.RLock()
	defer e.restoreGate.RUnlock()
	e.locks.Lock(secretID)
	defer e.locks.Unlock(secretID)

	e.mu.RLock()
	record := e.records[secretID]
	meta := e.metadata[secretID]
	e.mu.RUnlock()

	if record == nil || meta == nil {
		err := &NotFoundError{SecretID: secretID}
		e.auditFailure(actor, params.auditAction, secretID, err, params.auditMetadata)
		return nil, err
	}
	if !meta.Active {
		err := &InactiveError{SecretID: secretID}
		e.auditFailure(actor, params.auditAction, secretID, err, params.auditMetadata)
		return nil, err
	}

	envelope, err := e.encryptValue(value)
	if err != nil {
		e.auditFailure(actor, params.auditAction, secretID, err, params.auditMetadata)
		return nil, err
	}

	now := e.clock.Now().UTC()
	previousVersion := record.Version
	newVersion := previousVersion + 1

	history := append(append([]SecretVersion(nil), record.History...), SecretVersion{
		Version:      record.Version,
		Envelope:     record.Envelope,
		Digest:       record.Digest,
		CreatedAt:    record.UpdatedAt,
		SupersededAt: now,
	})
	if len(history) > e.options.MaxVersions {
		history = history[len(history)-e.options.MaxVersions:]
	}

	newRecord := &secretRecord{
		SecretID:  secretID,
		Envelope:  envelope,
		Digest:    computeDigest(envelope, newVersion),
		Version:   newVersion,
		CreatedAt: record.CreatedAt,
		UpdatedAt: now,
		History:   history,
	}

	newMeta := copyMetadata(meta)
	newMeta.Version = newVersion
	newMeta.UpdatedAt = now
	newMeta.Size = len(value)
	if params.applyMeta != nil {
		params.applyMeta(newMeta)
	}
	if params.rotation {
		rotated := now
		newMeta.LastRotation = &rotated
		newMeta.NextRotation = now.Add(newMeta.RotationInterval)
	}

	if err = e.persistRecord(newRecord); err != nil {
		e.auditFailure(actor, params.auditAction, secretID, err, params.auditMetadata)
		return nil, err
	}
	if err = e.persistMetadata(newMeta); err != nil {
		e.auditFailure(actor, params.auditAction, secretID, err, params.auditMetadata)
		return nil, err
	}

	e.mu.Lock()
	e.records[secretID] = newRecord
	e.metadata[secretID] = newMeta
	delete(e.dirtyAccess, secretID)
	e.mu.Unlock()

	e.auditSuccess(actor, params.auditAction, secretID, newVersion, params.auditMetadata)

	return &UpdateReceipt{
		SecretID:        secretID,
		Version:         newVersion,
		PreviousVersion: previousVersion,
	}, nil
}

// DeleteSecret soft-deletes by default; opts.Force removes the record, its
// history, and its metadata irreversibly.
func (e *Engine) DeleteSecret(ctx context.Context, actor, secretID string, opts DeleteOptions) error {
	if err := e.checkOpen(); err != nil {
		return err
	}

	mode := "soft"
	if opts.Force {
		mode = "hard"
	}
	auditMeta := map[string]interface{}{"mode": mode}

	if err := validateSecretID(secretID); err != nil {
		e.auditFailure(actor, audit.ActionDelete, secretID, err, auditMeta)
		return err
	}

	if err := e.authorize(ctx, actor, ActionDelete, e.policyRefFor(secretID)); err != nil {
		e.auditFailure(actor, audit.ActionDelete, secretID, err, auditMeta)
		return err
	}

	e.restoreGate.RLock()
	defer e.restoreGate.RUnlock()
	e.locks.Lock(secretID)
	defer e.locks.Unlock(secretID)

	e.mu.RLock()
	meta := e.metadata[secretID]
	e.mu.RUnlock()

	if meta == nil {
		err := &NotFoundError{SecretID: secretID}
		e.auditFailure(actor, audit.ActionDelete, secretID, err, auditMeta)
		return err
	}

	if opts.Force {
		// Remove the record first so an interrupted hard delete is completed,
		// not resurrected, on the next engine start. Already-gone files are
		// fine; a retry after a partial failure must still finish the job.
		if err := e.store.DeleteSecret(secretID); err != nil && !errors.Is(err, persist.ErrNotFound) {
			serr := &StorageError{Op: "delete secret", SecretID: secretID, Err: err}
			e.auditFailure(actor, audit.ActionDelete, secretID, serr, auditMeta)
			return serr
		}
		if err := e.store.DeleteMetadata(secretID); err != nil && !errors.Is(err, persist.ErrNotFound) {
			serr := &StorageError{Op: "delete metadata", SecretID: secretID, Err: err}
			e.auditFailure(actor, audit.ActionDelete, secretID, serr, auditMeta)
			return serr
		}

		e.mu.Lock()
		delete(e.records, secretID)
		delete(e.metadata, secretID)
		delete(e.dirtyAccess, secretID)
		e.mu.Unlock()

		e.scheduler.clearFired(secretID)
		e.auditSuccess(actor, audit.ActionDelete, secretID, 0, auditMeta)
		return nil
	}

	if !meta.Active {
		err := &InactiveError{SecretID: secretID}
		e.auditFailure(actor, audit.ActionDelete, secretID, err, auditMeta)
		return err
	}

	now := e.clock.Now().UTC()
	newMeta := copyMetadata(meta)
	newMeta.Active = false
	deleted := now
	newMeta.DeletedAt = &deleted
	newMeta.DeletedBy = actor
	newMeta.UpdatedAt = now

	if err := e.persistMetadata(newMeta); err != nil {
		e.auditFailure(actor, audit.ActionDelete, secretID, err, auditMeta)
		return err
	}

	e.mu.Lock()
	e.metadata[secretID] = newMeta
	delete(e.dirtyAccess, secretID)
	e.mu.Unlock()

	e.scheduler.clearFired(secretID)
	e.auditSuccess(actor, audit.ActionDelete, secretID, newMeta.Version, auditMeta)
	return nil
}

// ListSecrets returns metadata-only projections matching the filters, sorted
// by id.
func (e *Engine) ListSecrets(ctx context.Context, actor string, opts ListOptions) ([]SecretListEntry, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	if err := e.authorize(ctx, actor, ActionList, DefaultPolicyName); err != nil {
		e.auditFailure(actor, audit.ActionList, "", err, nil)
		return nil, err
	}

	e.mu.RLock()
	entries := make([]SecretListEntry, 0, len(e.metadata))
	for _, meta := range e.metadata {
		if !meta.Active && !opts.IncludeInactive {
			continue
		}
		if len(opts.Tags) > 0 && !hasAllTags(meta.Tags, opts.Tags) {
			continue
		}
		if opts.DueBefore != nil && !meta.NextRotation.Before(*opts.DueBefore) {
			continue
		}
		metaCopy := copyMetadata(meta)
		entries = append(entries, SecretListEntry{
			SecretID:     metaCopy.SecretID,
			Version:      metaCopy.Version,
			Active:       metaCopy.Active,
			Tags:         metaCopy.Tags,
			NextRotation: metaCopy.NextRotation,
			UpdatedAt:    metaCopy.UpdatedAt,
			Metadata:     metaCopy,
		})
	}
	e.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].SecretID < entries[j].SecretID
	})

	e.auditSuccess(actor, audit.ActionList, "", 0, map[string]interface{}{
		"count":            len(entries),
		"include_inactive": opts.IncludeInactive,
	})

	return entries, nil
}

// persistRecord writes one encrypted record through the store.
func (e *Engine) persistRecord(record *secretRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to serialize record for %q: %w", record.SecretID, err)
	}
	if err = e.store.SaveSecret(record.SecretID, data); err != nil {
		return &StorageError{Op: "save secret", SecretID: record.SecretID, Err: err}
	}
	return nil
}

// loadAllRecords pulls every encrypted record from the store into a map.
func (e *Engine) loadAllRecords() (map[string]*secretRecord, error) {
	ids, err := e.store.ListSecrets()
	if err != nil {
		return nil, &StorageError{Op: "list secrets", Err: err}
	}

	out := make(map[string]*secretRecord, len(ids))
	for _, id := range ids {
		data, err := e.store.LoadSecret(id)
		if err != nil {
			return nil, &StorageError{Op: "load secret", SecretID: id, Err: err}
		}
		var record secretRecord
		if err = json.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("failed to parse record for %q: %w", id, err)
		}
		out[id] = &record
	}
	return out, nil
}
