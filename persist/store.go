package persist

import (
	"errors"
	"time"
)

// ErrNotFound reports that a requested record does not exist in the store.
// Backends wrap it with context; callers test with errors.Is.
var ErrNotFound = errors.New("record not found")

// Store defines the interface for persisting engine data.
//
// The engine owns serialization and encryption: secret records arrive as
// opaque encrypted bytes and metadata records as serialized documents. The
// store only moves bytes, keyed by secret id, and must write durably before
// returning so that a mutation reported successful survives a crash.
type Store interface {

	// Secret records

	// SaveSecret durably writes the encrypted record for the given id,
	// replacing any previous record.
	SaveSecret(id string, data []byte) error

	// LoadSecret retrieves the encrypted record for the given id.
	// Returns an error wrapping ErrNotFound if no record exists.
	LoadSecret(id string) ([]byte, error)

	// DeleteSecret removes the record for the given id.
	// Returns an error wrapping ErrNotFound if no record exists.
	DeleteSecret(id string) error

	// ListSecrets returns the ids of all stored secret records, sorted.
	ListSecrets() ([]string, error)

	// Metadata records

	// SaveMetadata durably writes the metadata document for the given id.
	SaveMetadata(id string, data []byte) error

	// LoadMetadata retrieves the metadata document for the given id.
	// Returns an error wrapping ErrNotFound if no document exists.
	LoadMetadata(id string) ([]byte, error)

	// DeleteMetadata removes the metadata document for the given id.
	DeleteMetadata(id string) error

	// ListMetadata returns the ids of all stored metadata documents, sorted.
	ListMetadata() ([]string, error)

	// Root key material

	// SaveMasterKey durably writes the root key material with owner-only
	// permissions where the backend supports them.
	SaveMasterKey(data []byte) error

	// LoadMasterKey retrieves the root key material.
	// Returns an error wrapping ErrNotFound if none exists.
	LoadMasterKey() ([]byte, error)

	// MasterKeyExists checks whether root key material is present.
	MasterKeyExists() (bool, error)

	// Backup operations

	// SaveBackup stores a sealed backup container under the given path.
	SaveBackup(backupPath string, container *BackupContainer) error

	// RestoreBackup loads and validates a sealed backup container.
	RestoreBackup(backupPath string) (*BackupContainer, error)

	// ListBackups retrieves descriptive information for all stored backups.
	ListBackups() ([]BackupInfo, error)

	// DeleteBackup removes the backup with the given id.
	DeleteBackup(backupID string) error

	// Health and utilities

	// Ping tests connectivity for remote backends.
	Ping() error

	// Close releases any resources the store holds.
	Close() error

	// GetType retrieves the type of store being used, e.g. "filesystem", "s3".
	GetType() string
}

// BackupContainer is the outer backup format. The payload is sealed by the
// engine before it reaches the store; the container carries only what is
// needed to validate and unseal it later.
type BackupContainer struct {
	// BackupID uniquely identifies the backup for tracking and deletion.
	BackupID string `json:"backup_id"`

	// BackupTimestamp is when the backup was created.
	BackupTimestamp time.Time `json:"backup_timestamp"`

	// EngineVersion is the engine release that produced the backup.
	EngineVersion string `json:"engine_version"`

	// BackupVersion is the container format version.
	BackupVersion string `json:"backup_version"`

	// Checksum is the SHA-256 hash of the decoded sealed payload, letting
	// stores and restore paths detect corruption without the passphrase.
	Checksum string `json:"checksum"`

	// EncryptionMethod names the sealing scheme, e.g. "argon2id+chacha20poly1305".
	EncryptionMethod string `json:"encryption_method"`

	// Salt is the base64-encoded KDF salt for the sealing passphrase.
	Salt string `json:"salt"`

	// EncryptedData is the base64-encoded sealed payload.
	EncryptedData string `json:"encrypted_data"`
}

// BackupInfo holds metadata about a stored backup that is available without
// the sealing passphrase.
type BackupInfo struct {
	BackupID         string    `json:"backup_id"`
	BackupTimestamp  time.Time `json:"backup_timestamp"`
	EngineVersion    string    `json:"engine_version"`
	BackupVersion    string    `json:"backup_version"`
	EncryptionMethod string    `json:"encryption_method"`
	Checksum         string    `json:"checksum"`

	// FileSize is the stored container size in bytes.
	FileSize int64 `json:"file_size"`

	// IsValid is the checksum validation result.
	IsValid bool `json:"is_valid"`

	// StorePath is the backend-specific path or object key of the container.
	StorePath string `json:"store_path"`
}

// StoreConfig selects and configures a storage backend.
//
// Example:
//
//	config := StoreConfig{
//	    Type:   StoreTypeFileSystem,
//	    Config: map[string]interface{}{"base_path": "/var/lib/citadel"},
//	}
type StoreConfig struct {
	// Type specifies the storage backend to be used.
	Type StoreType `json:"type"`

	// Config contains backend-specific settings. For StoreTypeFileSystem the
	// only key is "base_path"; for StoreTypeS3 see S3Config for the fields.
	Config map[string]interface{} `json:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

// Supported storage types.
const (
	// StoreTypeFileSystem stores records under a local directory tree.
	StoreTypeFileSystem StoreType = "filesystem"

	// StoreTypeS3 stores records as objects in an S3-compatible bucket.
	StoreTypeS3 StoreType = "s3"
)
