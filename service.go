// Package citadel provides an embedded, encrypted secret-storage engine with
// versioned updates, rotation scheduling, access-policy enforcement, tamper
// detection, and comprehensive audit logging. Secrets are sealed with
// authenticated encryption under keys derived from a randomly generated root
// key, and every operation attempt is recorded in the audit trail.
//
// Key Features:
//   - Authenticated encryption using ChaCha20-Poly1305 with per-value keys
//   - Bounded version history with point-in-time retrieval
//   - Content digests verified before every read to detect tampering
//   - Soft and hard deletion with full audit trails
//   - Policy-gated access with pluggable policy resolution
//   - Rotation scheduling with observer callbacks
//   - Passphrase-sealed backup and restore
//
// Basic Usage:
//
//	engine, err := citadel.New(citadel.Config{StorePath: "/var/lib/citadel"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//
//	// Store a secret
//	receipt, err := engine.StoreSecret(ctx, "admin", "db-password",
//	    []byte("s3cret"), citadel.StoreOptions{Tags: []string{"prod"}})
//
//	// Retrieve it
//	value, err := engine.GetSecret(ctx, "admin", "db-password", citadel.GetOptions{})
package citadel

import (
	"context"
	"time"
)

// StoreOptions configures the creation of a new secret.
type StoreOptions struct {
	// Description provides human-readable context about the secret's purpose.
	Description string `json:"description,omitempty"`

	// Tags enable categorization and filtering. They are sanitized and
	// lowercased; duplicates are removed.
	Tags []string `json:"tags,omitempty"`

	// RotationInterval sets the cadence for rotation reminders. Zero selects
	// DefaultRotationInterval.
	RotationInterval time.Duration `json:"rotation_interval,omitempty"`

	// PolicyRef names the access policy governing this secret. Empty resolves
	// to the "default" policy.
	PolicyRef string `json:"policy_ref,omitempty"`

	// CustomFields carries application-specific metadata, never encrypted.
	CustomFields map[string]string `json:"custom_fields,omitempty"`
}

// GetOptions configures secret retrieval.
type GetOptions struct {
	// Version selects a historical snapshot; 0 means the current version.
	// Requesting an evicted or never-existing version returns NotFound.
	Version int `json:"version,omitempty"`
}

// UpdateOptions configures a versioned update. Nil-valued fields leave the
// corresponding metadata untouched.
type UpdateOptions struct {
	// Description replaces the stored description when non-nil.
	Description *string `json:"description,omitempty"`

	// Tags replaces the stored tag set when non-nil.
	Tags []string `json:"tags,omitempty"`

	// CustomFields replaces the stored custom fields when non-nil.
	CustomFields map[string]string `json:"custom_fields,omitempty"`
}

// RotateOptions configures a rotation.
type RotateOptions struct {
	// Scheduled marks the rotation as driven by the rotation scheduler rather
	// than an operator; recorded in the audit event.
	Scheduled bool `json:"scheduled,omitempty"`
}

// DeleteOptions configures deletion.
type DeleteOptions struct {
	// Force requests a hard delete: the record, its history, and its metadata
	// are removed irreversibly. Default is a soft delete that marks the
	// secret inactive while preserving everything for audit.
	Force bool `json:"force,omitempty"`
}

// ListOptions filters metadata listings.
type ListOptions struct {
	// IncludeInactive includes soft-deleted entries. Default lists only
	// active secrets.
	IncludeInactive bool `json:"include_inactive,omitempty"`

	// Tags restricts results to entries carrying ALL listed tags.
	Tags []string `json:"tags,omitempty"`

	// DueBefore restricts results to entries whose next rotation falls
	// before the given time.
	DueBefore *time.Time `json:"due_before,omitempty"`
}

// StoreReceipt confirms a successful store.
type StoreReceipt struct {
	SecretID     string    `json:"secret_id"`
	Version      int       `json:"version"`
	NextRotation time.Time `json:"next_rotation"`
}

// SecretValue is the result of a retrieval. Value is plaintext; callers are
// responsible for not retaining it longer than necessary (see UseSecret for
// scoped access with guaranteed wiping).
type SecretValue struct {
	SecretID  string    `json:"secret_id"`
	Value     []byte    `json:"value"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// UpdateReceipt confirms a successful update or rotation.
type UpdateReceipt struct {
	SecretID        string `json:"secret_id"`
	Version         int    `json:"version"`
	PreviousVersion int    `json:"previous_version"`
}

// SecretListEntry is a metadata-only projection of a stored secret. It never
// contains plaintext or ciphertext.
type SecretListEntry struct {
	SecretID     string          `json:"secret_id"`
	Version      int             `json:"version"`
	Active       bool            `json:"active"`
	Tags         []string        `json:"tags,omitempty"`
	NextRotation time.Time       `json:"next_rotation"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Metadata     *SecretMetadata `json:"metadata"`
}

// EngineService defines the public interface of the secret-storage engine.
//
// Every operation requires a non-empty actor, passes the access gate before
// touching state, and appends exactly one audit event whether it succeeds or
// fails. Implementations are safe for concurrent use.
//
// Error Handling:
// Operations return errors matching the package sentinels (ErrNotFound,
// ErrAccessDenied, ...) via errors.Is, with structured detail available via
// errors.As.
type EngineService interface {

	// StoreSecret encrypts and stores a new secret under the given id.
	//
	// The secret starts at version 1 with a rotation deadline derived from
	// the options. Storing over an active id fails with AlreadyExists;
	// storing over a soft-deleted id replaces the retired lineage with a
	// fresh one. Success is reported only after the record and its metadata
	// are durably persisted.
	StoreSecret(ctx context.Context, actor, secretID string, value []byte, opts StoreOptions) (*StoreReceipt, error)

	// GetSecret decrypts and returns a secret value.
	//
	// opts.Version selects a historical snapshot still inside the bounded
	// history window; 0 returns the current version. The stored digest is
	// verified before decryption; a mismatch fails closed with
	// IntegrityViolation, flags the metadata, and publishes a tamper alert.
	// Access tracking (count and timestamp) is updated on every successful
	// read.
	GetSecret(ctx context.Context, actor, secretID string, opts GetOptions) (*SecretValue, error)

	// UseSecret hands the current plaintext to fn inside a protected buffer
	// and wipes it after fn returns. The plaintext must not escape fn.
	UseSecret(ctx context.Context, actor, secretID string, fn func(value []byte) error) error

	// UpdateSecret replaces the secret value, bumping the version by exactly
	// one and pushing the previous state into the bounded history.
	UpdateSecret(ctx context.Context, actor, secretID string, value []byte, opts UpdateOptions) (*UpdateReceipt, error)

	// RotateSecret replaces the secret value like UpdateSecret and
	// additionally stamps the rotation times so that the next rotation
	// deadline equals the rotation time plus the configured interval.
	// The engine does not generate rotated values; the caller supplies them.
	RotateSecret(ctx context.Context, actor, secretID string, newValue []byte, opts RotateOptions) (*UpdateReceipt, error)

	// DeleteSecret soft-deletes by default, marking the secret inactive while
	// preserving the record and history for audit. With opts.Force the
	// record, history, metadata, and tamper flags are removed irreversibly.
	DeleteSecret(ctx context.Context, actor, secretID string, opts DeleteOptions) error

	// ListSecrets returns metadata-only projections matching the filters.
	ListSecrets(ctx context.Context, actor string, opts ListOptions) ([]SecretListEntry, error)

	// GetSecretMetadata returns the full metadata for one id. Metadata of
	// soft-deleted secrets remains retrievable; hard-deleted ids are NotFound.
	GetSecretMetadata(ctx context.Context, actor, secretID string) (*SecretMetadata, error)

	// GetMetrics returns an operational snapshot: monotonic counters plus
	// rotation-backlog statistics computed from the metadata registry.
	GetMetrics(ctx context.Context, actor string) (*MetricsSnapshot, error)

	// ExportBackup seals the full secret state (never the root key) under the
	// given passphrase and hands it to the store. Returns the backup id.
	ExportBackup(ctx context.Context, actor, passphrase string) (string, error)

	// RestoreBackup unseals a backup and replaces the engine's contents.
	// Restore requires an engine holding the same root key that encrypted
	// the backed-up envelopes.
	RestoreBackup(ctx context.Context, actor, backupID, passphrase string) error

	// RegisterPolicy installs or replaces a named policy in the in-process
	// registry.
	RegisterPolicy(policy AccessPolicy) error

	// Events returns the notifier used to subscribe to rotation-due,
	// tamper-detected, and high-failure-rate alerts.
	Events() *Notifier

	// Close shuts the engine down: the rotation scheduler stops, pending
	// access-tracking updates are flushed, the audit trail and store are
	// closed, and key material is wiped. Close is idempotent; subsequent
	// operations fail with Closed.
	Close() error
}
