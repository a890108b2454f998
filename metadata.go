package citadel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"southwinds.dev/citadel/audit"
)

// SecretMetadata contains descriptive and operational information about a
// secret without exposing its value.
//
// Metadata is persisted separately from the encrypted record so listings and
// rotation scans never touch ciphertext. It remains retrievable after a soft
// delete (with Active=false) and disappears only on a hard delete.
type SecretMetadata struct {
	// SecretID is the unique identifier matching the stored record.
	SecretID string `json:"secret_id"`

	// Version mirrors the current record version for consistency checking.
	Version int `json:"version"`

	// Description provides human-readable context about the secret's purpose.
	Description string `json:"description,omitempty"`

	// Tags enable categorization and filtering. Stored lowercased and
	// deduplicated.
	Tags []string `json:"tags,omitempty"`

	// PolicyRef names the access policy governing this secret. Empty resolves
	// to the "default" policy at enforcement time.
	PolicyRef string `json:"policy_ref,omitempty"`

	// RotationInterval is the configured cadence between rotations.
	RotationInterval time.Duration `json:"rotation_interval"`

	// NextRotation is when the secret next becomes due for rotation. The
	// scheduler publishes a rotation-due alert once per overdue deadline.
	NextRotation time.Time `json:"next_rotation"`

	// LastRotation is when the secret was last rotated; nil before the first
	// rotation.
	LastRotation *time.Time `json:"last_rotation,omitempty"`

	// Active is false after a soft delete. Inactive secrets reject reads and
	// mutations but stay listable for audit.
	Active bool `json:"active"`

	// DeletedAt / DeletedBy record the soft delete, when one happened.
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	DeletedBy string     `json:"deleted_by,omitempty"`

	// TamperFlaggedAt records the first integrity violation observed on this
	// secret. The flag is informational; the record is never auto-deleted.
	TamperFlaggedAt *time.Time `json:"tamper_flagged_at,omitempty"`

	// CreatedAt is immutable; UpdatedAt moves with every mutation.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// AccessCount and LastAccessed track successful reads. Their durability
	// is deferred: they are flushed on the next mutation and on Close.
	AccessCount  int64      `json:"access_count"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`

	// Size is the plaintext size in bytes of the current version.
	Size int `json:"size"`

	// CustomFields carries application-specific metadata, never encrypted.
	CustomFields map[string]string `json:"custom_fields,omitempty"`
}

// GetSecretMetadata returns the full metadata for one secret id.
//
// Soft-deleted metadata remains retrievable so operators can audit retired
// secrets; hard-deleted ids return NotFound.
func (e *Engine) GetSecretMetadata(ctx context.Context, actor, secretID string) (*SecretMetadata, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	if err := validateSecretID(secretID); err != nil {
		e.auditFailure(actor, audit.ActionGet, secretID, err, map[string]interface{}{"metadata_only": true})
		return nil, err
	}

	if err := e.authorize(ctx, actor, ActionRead, e.policyRefFor(secretID)); err != nil {
		e.auditFailure(actor, audit.ActionGet, secretID, err, map[string]interface{}{"metadata_only": true})
		return nil, err
	}

	e.mu.RLock()
	meta := e.metadata[secretID]
	e.mu.RUnlock()

	if meta == nil {
		err := &NotFoundError{SecretID: secretID}
		e.auditFailure(actor, audit.ActionGet, secretID, err, map[string]interface{}{"metadata_only": true})
		return nil, err
	}

	e.auditSuccess(actor, audit.ActionGet, secretID, meta.Version, map[string]interface{}{"metadata_only": true})
	return copyMetadata(meta), nil
}

// policyRefFor resolves the policy reference recorded for an id, or the
// default when the id is unknown. Safe to call without holding locks.
func (e *Engine) policyRefFor(secretID string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if meta := e.metadata[secretID]; meta != nil && meta.PolicyRef != "" {
		return meta.PolicyRef
	}
	return DefaultPolicyName
}

// persistMetadata writes one metadata document through the store.
func (e *Engine) persistMetadata(meta *SecretMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to serialize metadata for %q: %w", meta.SecretID, err)
	}
	if err = e.store.SaveMetadata(meta.SecretID, data); err != nil {
		return &StorageError{Op: "save metadata", SecretID: meta.SecretID, Err: err}
	}
	return nil
}

// loadAllMetadata pulls every metadata document from the store into a map.
func (e *Engine) loadAllMetadata() (map[string]*SecretMetadata, error) {
	ids, err := e.store.ListMetadata()
	if err != nil {
		return nil, &StorageError{Op: "list metadata", Err: err}
	}

	out := make(map[string]*SecretMetadata, len(ids))
	for _, id := range ids {
		data, err := e.store.LoadMetadata(id)
		if err != nil {
			return nil, &StorageError{Op: "load metadata", SecretID: id, Err: err}
		}
		var meta SecretMetadata
		if err = json.Unmarshal(data, &meta); err != nil {
			return nil, fmt.Errorf("failed to parse metadata for %q: %w", id, err)
		}
		out[id] = &meta
	}
	return out, nil
}

// flagTampered stamps the tamper flag on a secret's metadata and persists it
// best effort. Called on the integrity-violation path, where the read has
// already failed; a store error here must not mask the violation.
func (e *Engine) flagTampered(secretID string, now time.Time) {
	e.mu.Lock()
	meta := e.metadata[secretID]
	if meta == nil {
		e.mu.Unlock()
		return
	}
	if meta.TamperFlaggedAt == nil {
		stamped := now
		meta.TamperFlaggedAt = &stamped
	}
	metaCopy := copyMetadata(meta)
	e.mu.Unlock()

	if err := e.persistMetadata(metaCopy); err != nil {
		_ = e.audit.Log(audit.Event{
			Action:   audit.ActionTamper,
			SecretID: secretID,
			Success:  false,
			Error:    fmt.Sprintf("failed to persist tamper flag: %v", err),
		})
	}
}
