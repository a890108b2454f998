package persist

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"southwinds.dev/citadel/internal/crypto"
	"southwinds.dev/citadel/internal/debug"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700

	secretExt   = ".enc"
	metadataExt = ".json"
	backupExt   = ".citadel"
)

// FileSystemStore implements Store on a local directory tree.
//
// Layout:
//
//	basePath/
//	├── citadel.json        store manifest
//	├── master.key          root key material (0600)
//	├── secrets/<id>.enc    encrypted secret records
//	├── metadata/<id>.json  secret metadata documents
//	└── backups/*.citadel   sealed backup containers
type FileSystemStore struct {
	basePath    string
	secretsDir  string
	metadataDir string
	backupsDir  string
	manifest    string // basePath/citadel.json
	masterKey   string // basePath/master.key
}

// StoreManifest records the store's provenance and last use.
type StoreManifest struct {
	Version    string    `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
	Structure  string    `json:"structure_version"`
}

// NewFileSystemStore initializes and returns a new instance of FileSystemStore
func NewFileSystemStore(basePath string) (*FileSystemStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}

	fs := &FileSystemStore{
		basePath:    basePath,
		secretsDir:  filepath.Join(basePath, "secrets"),
		metadataDir: filepath.Join(basePath, "metadata"),
		backupsDir:  filepath.Join(basePath, "backups"),
		manifest:    filepath.Join(basePath, "citadel.json"),
		masterKey:   filepath.Join(basePath, "master.key"),
	}

	dirs := []string{
		fs.basePath,
		fs.secretsDir,
		fs.metadataDir,
		fs.backupsDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := fs.initializeManifest(); err != nil {
		return nil, fmt.Errorf("failed to initialize store manifest: %w", err)
	}

	return fs, nil
}

// NewFileSystemStoreFromConfig creates a FileSystemStore from StoreConfig
func NewFileSystemStoreFromConfig(config StoreConfig) (*FileSystemStore, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok {
		return nil, fmt.Errorf("base_path is required for filesystem store")
	}

	return NewFileSystemStore(basePath)
}

func (fs *FileSystemStore) initializeManifest() error {
	if _, err := os.Stat(fs.manifest); os.IsNotExist(err) {
		manifest := StoreManifest{
			Version:    "1.0.0",
			CreatedAt:  time.Now().UTC(),
			LastAccess: time.Now().UTC(),
			Structure:  "v1",
		}

		data, err := json.MarshalIndent(manifest, "", "  ")
		if err != nil {
			return err
		}

		return writeSecureFile(fs.manifest, data, FilePermissions)
	}
	return nil
}

// Secret records

func (fs *FileSystemStore) SaveSecret(id string, data []byte) error {
	if err := validateRecordID(id); err != nil {
		return fmt.Errorf("invalid secret id: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("secret record cannot be empty")
	}
	return writeSecureFile(fs.secretPath(id), data, FilePermissions)
}

func (fs *FileSystemStore) LoadSecret(id string) ([]byte, error) {
	if err := validateRecordID(id); err != nil {
		return nil, fmt.Errorf("invalid secret id: %w", err)
	}
	data, err := os.ReadFile(fs.secretPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("secret record %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load secret record %s: %w", id, err)
	}
	return data, nil
}

func (fs *FileSystemStore) DeleteSecret(id string) error {
	if err := validateRecordID(id); err != nil {
		return fmt.Errorf("invalid secret id: %w", err)
	}
	if err := os.Remove(fs.secretPath(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("secret record %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("failed to delete secret record %s: %w", id, err)
	}
	return nil
}

func (fs *FileSystemStore) ListSecrets() ([]string, error) {
	return fs.listRecords(fs.secretsDir, secretExt)
}

// Metadata records

func (fs *FileSystemStore) SaveMetadata(id string, data []byte) error {
	if err := validateRecordID(id); err != nil {
		return fmt.Errorf("invalid secret id: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("metadata cannot be empty")
	}
	return writeSecureFile(fs.metadataPath(id), data, FilePermissions)
}

func (fs *FileSystemStore) LoadMetadata(id string) ([]byte, error) {
	if err := validateRecordID(id); err != nil {
		return nil, fmt.Errorf("invalid secret id: %w", err)
	}
	data, err := os.ReadFile(fs.metadataPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("metadata %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load metadata %s: %w", id, err)
	}
	return data, nil
}

func (fs *FileSystemStore) DeleteMetadata(id string) error {
	if err := validateRecordID(id); err != nil {
		return fmt.Errorf("invalid secret id: %w", err)
	}
	if err := os.Remove(fs.metadataPath(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("metadata %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("failed to delete metadata %s: %w", id, err)
	}
	return nil
}

func (fs *FileSystemStore) ListMetadata() ([]string, error) {
	return fs.listRecords(fs.metadataDir, metadataExt)
}

// Root key material

func (fs *FileSystemStore) SaveMasterKey(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("master key cannot be empty")
	}
	return writeSecureFile(fs.masterKey, data, FilePermissions)
}

func (fs *FileSystemStore) LoadMasterKey() ([]byte, error) {
	data, err := os.ReadFile(fs.masterKey)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("master key: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load master key: %w", err)
	}
	return data, nil
}

func (fs *FileSystemStore) MasterKeyExists() (bool, error) {
	return fileExists(fs.masterKey)
}

// Backup operations

func (fs *FileSystemStore) SaveBackup(backupPath string, container *BackupContainer) error {
	backupPath = strings.TrimSpace(backupPath)
	if backupPath == "" {
		return fmt.Errorf("backup path cannot be empty or whitespace-only")
	}
	if strings.ContainsAny(backupPath, "\x00") {
		return fmt.Errorf("backup path contains invalid characters")
	}

	backupPath = filepath.Clean(backupPath)

	// Simple filenames land in the store's backups directory
	if !filepath.IsAbs(backupPath) && !strings.Contains(backupPath, string(os.PathSeparator)) {
		backupPath = filepath.Join(fs.backupsDir, backupPath)
	}

	if !strings.HasSuffix(backupPath, backupExt) {
		backupPath += backupExt
	}

	if stat, err := os.Stat(backupPath); err == nil && stat.IsDir() {
		return fmt.Errorf("cannot create backup file %s: path is an existing directory", backupPath)
	}

	if err := validateBackupPath(backupPath); err != nil {
		return fmt.Errorf("invalid backup path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(backupPath), DirPermissions); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	containerData, err := json.MarshalIndent(container, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal backup container: %w", err)
	}

	debug.Print("SaveBackup: writing backup container to %s\n", backupPath)

	if err = writeSecureFile(backupPath, containerData, FilePermissions); err != nil {
		return fmt.Errorf("failed to write backup file: %w", err)
	}

	return nil
}

func validateBackupPath(backupPath string) error {
	if len(backupPath) > 4096 {
		return fmt.Errorf("path too long (max 4096 characters)")
	}
	if strings.Contains(filepath.Clean(backupPath), "..") {
		return fmt.Errorf("path contains directory traversal")
	}
	return nil
}

func (fs *FileSystemStore) RestoreBackup(backupPath string) (*BackupContainer, error) {
	var fullPath string
	if filepath.IsAbs(backupPath) {
		fullPath = backupPath
	} else {
		fullPath = filepath.Join(fs.backupsDir, backupPath)
	}

	if !strings.HasSuffix(fullPath, backupExt) {
		fullPath += backupExt
	}

	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("backup file %s: %w", fullPath, ErrNotFound)
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup file: %w", err)
	}

	var container BackupContainer
	if err = json.Unmarshal(data, &container); err != nil {
		return nil, fmt.Errorf("failed to parse backup file: %w", err)
	}

	if isValid, validationError := validateBackupContainer(&container); !isValid {
		return nil, fmt.Errorf("invalid backup file: %s", validationError)
	}

	return &container, nil
}

func (fs *FileSystemStore) DeleteBackup(backupID string) error {
	entries, err := os.ReadDir(fs.backupsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
		}
		return fmt.Errorf("failed to read backups directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filePath := filepath.Join(fs.backupsDir, entry.Name())
		data, err := os.ReadFile(filePath)
		if err != nil {
			continue
		}

		var container BackupContainer
		if err := json.Unmarshal(data, &container); err != nil {
			continue
		}

		if container.BackupID == backupID {
			if err := os.Remove(filePath); err != nil {
				return fmt.Errorf("failed to delete backup file %s: %w", entry.Name(), err)
			}
			return nil
		}
	}

	return fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
}

func (fs *FileSystemStore) ListBackups() ([]BackupInfo, error) {
	entries, err := os.ReadDir(fs.backupsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []BackupInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read backups directory: %w", err)
	}

	var backups []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), backupExt) {
			continue
		}

		filePath := filepath.Join(fs.backupsDir, entry.Name())
		data, err := os.ReadFile(filePath)
		if err != nil {
			debug.Print("ListBackups: failed to read %s: %v\n", entry.Name(), err)
			continue
		}

		var container BackupContainer
		if err := json.Unmarshal(data, &container); err != nil {
			debug.Print("ListBackups: failed to parse %s: %v\n", entry.Name(), err)
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		isValid, _ := validateBackupContainer(&container)

		backups = append(backups, BackupInfo{
			BackupID:         container.BackupID,
			BackupTimestamp:  container.BackupTimestamp,
			EngineVersion:    container.EngineVersion,
			BackupVersion:    container.BackupVersion,
			EncryptionMethod: container.EncryptionMethod,
			Checksum:         container.Checksum,
			FileSize:         info.Size(),
			IsValid:          isValid,
			StorePath:        entry.Name(),
		})
	}

	return backups, nil
}

// validateBackupContainer checks structure and checksum without unsealing.
func validateBackupContainer(container *BackupContainer) (bool, string) {
	if container.BackupID == "" {
		return false, "missing BackupID"
	}
	if container.EncryptedData == "" {
		return false, "missing EncryptedData"
	}
	if container.Checksum == "" {
		return false, "missing Checksum"
	}

	encryptedData, err := base64.StdEncoding.DecodeString(container.EncryptedData)
	if err != nil {
		return false, fmt.Sprintf("invalid base64 in EncryptedData: %v", err)
	}

	actualChecksum := crypto.CalculateChecksum(encryptedData)
	if actualChecksum != container.Checksum {
		return false, fmt.Sprintf("checksum mismatch - expected: %s, actual: %s",
			container.Checksum, actualChecksum)
	}

	return true, ""
}

// Health and utilities

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

func (fs *FileSystemStore) Ping() error {
	_, err := os.Stat(fs.basePath)
	return err
}

func (fs *FileSystemStore) Close() error {
	if manifestData, err := os.ReadFile(fs.manifest); err == nil {
		var manifest StoreManifest
		if err := json.Unmarshal(manifestData, &manifest); err == nil {
			manifest.LastAccess = time.Now().UTC()
			if updatedData, err := json.MarshalIndent(manifest, "", "  "); err == nil {
				_ = writeSecureFile(fs.manifest, updatedData, FilePermissions)
			}
		}
	}
	return nil
}

// Helpers

func (fs *FileSystemStore) secretPath(id string) string {
	return filepath.Join(fs.secretsDir, id+secretExt)
}

func (fs *FileSystemStore) metadataPath(id string) string {
	return filepath.Join(fs.metadataDir, id+metadataExt)
}

func (fs *FileSystemStore) listRecords(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ext) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(entry.Name(), ext))
	}

	sort.Strings(ids)
	return ids, nil
}

func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
