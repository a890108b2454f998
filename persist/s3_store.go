package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"southwinds.dev/citadel/internal/debug"
)

const (
	ctxTimeout = 10 * time.Second
)

// S3Store implements the Store interface against an S3-compatible bucket.
//
// Object structure:
//
//	bucket/
//	├── [keyPrefix/]citadel.json        store manifest
//	├── [keyPrefix/]master.key          root key material
//	├── [keyPrefix/]secrets/<id>.enc    encrypted secret records
//	├── [keyPrefix/]metadata/<id>.json  secret metadata documents
//	└── [keyPrefix/]backups/*.citadel   sealed backup containers
type S3Store struct {
	// client is the MinIO client used to interact with the S3 endpoint.
	client *minio.Client

	// bucketName is the bucket holding all engine data.
	bucketName string

	// keyPrefix optionally namespaces the engine's objects so multiple
	// applications can share one bucket.
	keyPrefix string
}

// S3Config contains the configuration required to connect to S3 (MinIO).
type S3Config struct {
	// Endpoint is the host:port of the S3 service.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`

	// Bucket receives all engine objects, created if missing.
	Bucket string `json:"bucket" yaml:"bucket"`

	// KeyPrefix namespaces the engine's objects inside the bucket.
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`

	UseSSL bool   `json:"use_ssl" yaml:"use_ssl"`
	Region string `json:"region" yaml:"region"`
}

// NewS3Store initializes a new S3Store, connecting to the endpoint and
// ensuring the bucket and manifest exist.
func NewS3Store(config S3Config) (*S3Store, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  config.KeyPrefix,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	if err = store.initializeManifest(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store manifest: %w", err)
	}

	return store, nil
}

// NewS3StoreFromConfig initializes a new S3Store instance from the given StoreConfig.
func NewS3StoreFromConfig(config StoreConfig) (*S3Store, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("invalid store type for S3: %s", config.Type)
	}

	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var s3Config S3Config
	if err = json.Unmarshal(configBytes, &s3Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal S3 config: %w", err)
	}

	return NewS3Store(s3Config)
}

func (s3s *S3Store) initializeManifest(ctx context.Context) error {
	objectName := s3s.buildPath("citadel.json")

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if minioErr := minio.ToErrorResponse(err); minioErr.Code == "NoSuchKey" {
			manifest := StoreManifest{
				Version:    "1.0.0",
				CreatedAt:  time.Now().UTC(),
				LastAccess: time.Now().UTC(),
				Structure:  "v1",
			}

			data, err := json.MarshalIndent(manifest, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal store manifest: %w", err)
			}

			return s3s.putObject(ctx, objectName, data, "application/json")
		}
		return fmt.Errorf("failed to check store manifest: %w", err)
	}

	return nil
}

// Secret records

func (s3s *S3Store) SaveSecret(id string, data []byte) error {
	if err := validateRecordID(id); err != nil {
		return fmt.Errorf("invalid secret id: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("secret record cannot be empty")
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err := s3s.putObject(ctx, s3s.secretObjectName(id), data, "application/octet-stream"); err != nil {
		return fmt.Errorf("failed to save secret record %s: %w", id, err)
	}
	return nil
}

func (s3s *S3Store) LoadSecret(id string) ([]byte, error) {
	if err := validateRecordID(id); err != nil {
		return nil, fmt.Errorf("invalid secret id: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	data, err := s3s.getObject(ctx, s3s.secretObjectName(id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("secret record %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load secret record %s: %w", id, err)
	}
	return data, nil
}

func (s3s *S3Store) DeleteSecret(id string) error {
	if err := validateRecordID(id); err != nil {
		return fmt.Errorf("invalid secret id: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	return s3s.removeObject(ctx, s3s.secretObjectName(id), "secret record "+id)
}

func (s3s *S3Store) ListSecrets() ([]string, error) {
	return s3s.listRecords("secrets/", secretExt)
}

// Metadata records

func (s3s *S3Store) SaveMetadata(id string, data []byte) error {
	if err := validateRecordID(id); err != nil {
		return fmt.Errorf("invalid secret id: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("metadata cannot be empty")
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err := s3s.putObject(ctx, s3s.metadataObjectName(id), data, "application/json"); err != nil {
		return fmt.Errorf("failed to save metadata %s: %w", id, err)
	}
	return nil
}

func (s3s *S3Store) LoadMetadata(id string) ([]byte, error) {
	if err := validateRecordID(id); err != nil {
		return nil, fmt.Errorf("invalid secret id: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	data, err := s3s.getObject(ctx, s3s.metadataObjectName(id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("metadata %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load metadata %s: %w", id, err)
	}
	return data, nil
}

func (s3s *S3Store) DeleteMetadata(id string) error {
	if err := validateRecordID(id); err != nil {
		return fmt.Errorf("invalid secret id: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	return s3s.removeObject(ctx, s3s.metadataObjectName(id), "metadata "+id)
}

func (s3s *S3Store) ListMetadata() ([]string, error) {
	return s3s.listRecords("metadata/", metadataExt)
}

// Root key material

func (s3s *S3Store) SaveMasterKey(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("master key cannot be empty")
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err := s3s.putObject(ctx, s3s.buildPath("master.key"), data, "application/octet-stream"); err != nil {
		return fmt.Errorf("failed to save master key: %w", err)
	}
	return nil
}

func (s3s *S3Store) LoadMasterKey() ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	data, err := s3s.getObject(ctx, s3s.buildPath("master.key"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("master key: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load master key: %w", err)
	}
	return data, nil
}

func (s3s *S3Store) MasterKeyExists() (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, s3s.buildPath("master.key"), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to check master key existence: %w", err)
	}
	return true, nil
}

// Backup operations

func (s3s *S3Store) SaveBackup(backupPath string, container *BackupContainer) error {
	if strings.TrimSpace(backupPath) == "" {
		return fmt.Errorf("backup path cannot be empty")
	}

	data, err := json.Marshal(container)
	if err != nil {
		return fmt.Errorf("failed to marshal backup container: %w", err)
	}

	if !strings.HasSuffix(backupPath, backupExt) {
		backupPath += backupExt
	}
	objectPath := s3s.buildPath("backups", backupPath)

	// Lowercase-hyphen metadata keys for portability across S3 backends
	metadata := map[string]string{
		"backup-id":         container.BackupID,
		"backup-version":    container.BackupVersion,
		"engine-version":    container.EngineVersion,
		"encryption-method": container.EncryptionMethod,
		"checksum":          container.Checksum,
		"backup-timestamp":  container.BackupTimestamp.Format(time.RFC3339),
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err = s3s.client.PutObject(ctx, s3s.bucketName, objectPath,
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType:  "application/json",
			UserMetadata: metadata,
		})
	if err != nil {
		return fmt.Errorf("failed to save backup to S3: %w", err)
	}

	debug.Print("SaveBackup: saved backup %s to %s\n", container.BackupID, objectPath)
	return nil
}

func (s3s *S3Store) RestoreBackup(backupPath string) (*BackupContainer, error) {
	if backupPath == "" {
		return nil, fmt.Errorf("backup path cannot be empty")
	}

	if !strings.HasSuffix(backupPath, backupExt) {
		backupPath += backupExt
	}
	objectName := s3s.buildPath("backups", backupPath)

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	containerData, err := s3s.getObject(ctx, objectName)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("backup %s: %w", backupPath, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get backup: %w", err)
	}

	var container BackupContainer
	if err := json.Unmarshal(containerData, &container); err != nil {
		return nil, fmt.Errorf("failed to parse backup container: %w", err)
	}

	if isValid, validationError := validateBackupContainer(&container); !isValid {
		return nil, fmt.Errorf("invalid backup: %s", validationError)
	}

	return &container, nil
}

func (s3s *S3Store) DeleteBackup(backupID string) error {
	backups, err := s3s.ListBackups()
	if err != nil {
		return fmt.Errorf("failed to list backups for deletion: %w", err)
	}

	var storePath string
	for _, backup := range backups {
		if backup.BackupID == backupID {
			storePath = backup.StorePath
			break
		}
	}

	if storePath == "" {
		return fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	err = s3s.client.RemoveObject(ctx, s3s.bucketName, storePath, minio.RemoveObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code != "NoSuchKey" {
			return fmt.Errorf("failed to delete backup %s: %w", backupID, err)
		}
	}

	return nil
}

func (s3s *S3Store) ListBackups() ([]BackupInfo, error) {
	prefix := s3s.buildPath("backups") + "/"

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix: prefix,
	})

	var backups []BackupInfo
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("error listing objects: %w", object.Err)
		}

		if !strings.HasSuffix(object.Key, backupExt) {
			continue
		}

		// ListObjects omits user metadata; StatObject fills it in
		statInfo, err := s3s.client.StatObject(ctx, s3s.bucketName, object.Key, minio.StatObjectOptions{})
		if err != nil {
			debug.Print("ListBackups: failed to stat %s: %v\n", object.Key, err)
			continue
		}

		info := backupInfoFromMetadata(statInfo)
		backups = append(backups, info)
	}

	return backups, nil
}

func backupInfoFromMetadata(object minio.ObjectInfo) BackupInfo {
	// Case-insensitive lookup; S3 backends disagree on header casing
	getMetadata := func(key string) string {
		searchKey := strings.ToLower(strings.ReplaceAll(key, "_", "-"))
		for k, v := range object.UserMetadata {
			if strings.ToLower(strings.ReplaceAll(k, "_", "-")) == searchKey {
				return v
			}
		}
		return ""
	}

	backupID := getMetadata("backup-id")

	backupTimestamp := object.LastModified
	if ts := getMetadata("backup-timestamp"); ts != "" {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			backupTimestamp = parsed
		}
	}

	if backupID == "" {
		// Metadata was stripped somewhere; fall back to the object name
		parts := strings.Split(object.Key, "/")
		backupID = strings.TrimSuffix(parts[len(parts)-1], backupExt)
	}

	return BackupInfo{
		BackupID:         backupID,
		BackupTimestamp:  backupTimestamp,
		EngineVersion:    getMetadata("engine-version"),
		BackupVersion:    getMetadata("backup-version"),
		EncryptionMethod: getMetadata("encryption-method"),
		Checksum:         getMetadata("checksum"),
		FileSize:         object.Size,
		IsValid:          getMetadata("backup-id") != "",
		StorePath:        object.Key,
	}
}

// Health and utilities

func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to ping S3: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.bucketName)
	}
	return nil
}

func (s3s *S3Store) Close() error {
	objectName := s3s.buildPath("citadel.json")

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	manifestData, err := s3s.getObject(ctx, objectName)
	if err != nil {
		return nil
	}

	var manifest StoreManifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil
	}

	manifest.LastAccess = time.Now().UTC()
	if updatedData, err := json.MarshalIndent(manifest, "", "  "); err == nil {
		_ = s3s.putObject(ctx, objectName, updatedData, "application/json")
	}
	return nil
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

// Helper methods

func (s3s *S3Store) buildPath(components ...string) string {
	var parts []string
	if cleanPrefix := strings.Trim(s3s.keyPrefix, "/"); cleanPrefix != "" {
		parts = append(parts, cleanPrefix)
	}
	for _, component := range components {
		if component != "" {
			parts = append(parts, component)
		}
	}
	return strings.Join(parts, "/")
}

func (s3s *S3Store) secretObjectName(id string) string {
	return s3s.buildPath("secrets", id+secretExt)
}

func (s3s *S3Store) metadataObjectName(id string) string {
	return s3s.buildPath("metadata", id+metadataExt)
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

func (s3s *S3Store) putObject(ctx context.Context, objectName string, data []byte, contentType string) error {
	_, err := s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType: contentType,
			UserMetadata: map[string]string{
				"created-at": time.Now().UTC().Format(time.RFC3339),
			},
		})
	return err
}

func (s3s *S3Store) getObject(ctx context.Context, objectName string) ([]byte, error) {
	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s3s *S3Store) removeObject(ctx context.Context, objectName, what string) error {
	// RemoveObject succeeds on missing keys, so existence is checked first
	_, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return fmt.Errorf("%s: %w", what, ErrNotFound)
		}
		return fmt.Errorf("failed to check %s: %w", what, err)
	}

	if err := s3s.client.RemoveObject(ctx, s3s.bucketName, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete %s: %w", what, err)
	}
	return nil
}

func (s3s *S3Store) listRecords(area, ext string) ([]string, error) {
	prefix := s3s.buildPath(area)

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	var ids []string
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", object.Err)
		}
		if !strings.HasSuffix(object.Key, ext) {
			continue
		}
		name := strings.TrimPrefix(object.Key, prefix)
		ids = append(ids, strings.TrimSuffix(name, ext))
	}

	sort.Strings(ids)
	return ids, nil
}

func (s3s *S3Store) isNotFoundError(err error) bool {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.Code == "NoSuchKey" || errResp.Code == "NotFound"
	}
	return false
}
