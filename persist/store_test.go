package persist

import (
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"southwinds.dev/citadel/internal/crypto"
)

// testStoreImplementation runs the backend-independent Store contract against
// a freshly initialized store. The caller owns the store's lifecycle.
func testStoreImplementation(t *testing.T, store Store) {
	recordData := []byte(`{"secret_id":"db-password","version":1,"digest":"abc"}`)
	metadataData := []byte(`{"secret_id":"db-password","active":true}`)

	sealed := []byte("sealed-backup-payload-bytes")
	backupContainer := &BackupContainer{
		BackupID:         "backup_1724371200_74657374",
		BackupTimestamp:  time.Now().UTC().Truncate(time.Second),
		EngineVersion:    "1.0.0",
		BackupVersion:    "1.0",
		EncryptionMethod: "argon2id+chacha20poly1305",
		Checksum:         crypto.CalculateChecksum(sealed),
		Salt:             base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef")),
		EncryptedData:    base64.StdEncoding.EncodeToString(sealed),
	}

	// Health and connectivity tests
	t.Run("Ping", func(t *testing.T) {
		err := store.Ping()
		assert.NoError(t, err, "Store should be reachable")
	})

	t.Run("GetType", func(t *testing.T) {
		storeType := store.GetType()
		assert.NotEmpty(t, storeType, "Store type should not be empty")
		t.Logf("Store type: %s", storeType)
	})

	// Secret record lifecycle
	t.Run("SecretRecords", func(t *testing.T) {
		t.Run("Save", func(t *testing.T) {
			err := store.SaveSecret("db-password", recordData)
			require.NoError(t, err)
		})

		t.Run("Load", func(t *testing.T) {
			data, err := store.LoadSecret("db-password")
			require.NoError(t, err)
			assert.Equal(t, recordData, data, "Loaded record should match saved record")
		})

		t.Run("Overwrite", func(t *testing.T) {
			updated := []byte(`{"secret_id":"db-password","version":2,"digest":"def"}`)
			require.NoError(t, store.SaveSecret("db-password", updated))

			data, err := store.LoadSecret("db-password")
			require.NoError(t, err)
			assert.Equal(t, updated, data)

			// Restore the original for later subtests
			require.NoError(t, store.SaveSecret("db-password", recordData))
		})

		t.Run("List", func(t *testing.T) {
			require.NoError(t, store.SaveSecret("api-token", recordData))

			ids, err := store.ListSecrets()
			require.NoError(t, err)
			assert.Contains(t, ids, "db-password")
			assert.Contains(t, ids, "api-token")

			require.NoError(t, store.DeleteSecret("api-token"))
		})

		t.Run("Delete", func(t *testing.T) {
			require.NoError(t, store.SaveSecret("short-lived", recordData))
			require.NoError(t, store.DeleteSecret("short-lived"))

			_, err := store.LoadSecret("short-lived")
			assert.ErrorIs(t, err, ErrNotFound)
		})

		t.Run("LoadMissing", func(t *testing.T) {
			_, err := store.LoadSecret("never-stored")
			assert.ErrorIs(t, err, ErrNotFound)
		})

		t.Run("DeleteMissing", func(t *testing.T) {
			err := store.DeleteSecret("never-stored")
			assert.ErrorIs(t, err, ErrNotFound)
		})

		t.Run("RejectsEmptyData", func(t *testing.T) {
			err := store.SaveSecret("empty-record", nil)
			assert.Error(t, err, "Empty record data should be rejected")
		})

		t.Run("RejectsInvalidIDs", func(t *testing.T) {
			invalid := []string{"", "../escape", "a/b", "a\\b", "with space"}
			for _, id := range invalid {
				assert.Error(t, store.SaveSecret(id, recordData), "id %q should be rejected", id)
				_, err := store.LoadSecret(id)
				assert.Error(t, err, "load of id %q should be rejected", id)
			}
		})
	})

	// Metadata document lifecycle
	t.Run("Metadata", func(t *testing.T) {
		t.Run("SaveAndLoad", func(t *testing.T) {
			require.NoError(t, store.SaveMetadata("db-password", metadataData))

			data, err := store.LoadMetadata("db-password")
			require.NoError(t, err)
			assert.Equal(t, metadataData, data)
		})

		t.Run("List", func(t *testing.T) {
			ids, err := store.ListMetadata()
			require.NoError(t, err)
			assert.Contains(t, ids, "db-password")
		})

		t.Run("Delete", func(t *testing.T) {
			require.NoError(t, store.SaveMetadata("short-lived", metadataData))
			require.NoError(t, store.DeleteMetadata("short-lived"))

			_, err := store.LoadMetadata("short-lived")
			assert.ErrorIs(t, err, ErrNotFound)
		})

		t.Run("LoadMissing", func(t *testing.T) {
			_, err := store.LoadMetadata("never-stored")
			assert.ErrorIs(t, err, ErrNotFound)
		})

		t.Run("RejectsEmptyData", func(t *testing.T) {
			assert.Error(t, store.SaveMetadata("empty-meta", nil))
		})
	})

	// Root key material
	t.Run("MasterKey", func(t *testing.T) {
		keyMaterial := []byte("this-is-64-bytes-of-root-key-material-for-persistence-testing!!!")

		t.Run("MissingInitially", func(t *testing.T) {
			exists, err := store.MasterKeyExists()
			require.NoError(t, err)
			assert.False(t, exists, "Fresh store should have no master key")

			_, err = store.LoadMasterKey()
			assert.ErrorIs(t, err, ErrNotFound)
		})

		t.Run("SaveAndLoad", func(t *testing.T) {
			require.NoError(t, store.SaveMasterKey(keyMaterial))

			exists, err := store.MasterKeyExists()
			require.NoError(t, err)
			assert.True(t, exists)

			loaded, err := store.LoadMasterKey()
			require.NoError(t, err)
			assert.Equal(t, keyMaterial, loaded)
		})

		t.Run("RejectsEmptyKey", func(t *testing.T) {
			assert.Error(t, store.SaveMasterKey(nil))
		})
	})

	// Backup container lifecycle
	t.Run("BackupOperations", func(t *testing.T) {
		t.Run("Save", func(t *testing.T) {
			err := store.SaveBackup(backupContainer.BackupID, backupContainer)
			require.NoError(t, err)
		})

		t.Run("List", func(t *testing.T) {
			backups, err := store.ListBackups()
			require.NoError(t, err)
			require.NotEmpty(t, backups, "Saved backup should be listed")

			var found *BackupInfo
			for i := range backups {
				if backups[i].BackupID == backupContainer.BackupID {
					found = &backups[i]
					break
				}
			}
			require.NotNil(t, found, "Backup %s should appear in listing", backupContainer.BackupID)
			assert.True(t, found.IsValid, "Well-formed backup should validate")
			assert.Equal(t, backupContainer.Checksum, found.Checksum)
			assert.Greater(t, found.FileSize, int64(0))
		})

		t.Run("Restore", func(t *testing.T) {
			restored, err := store.RestoreBackup(backupContainer.BackupID)
			require.NoError(t, err)

			assert.Equal(t, backupContainer.BackupID, restored.BackupID)
			assert.Equal(t, backupContainer.BackupVersion, restored.BackupVersion)
			assert.Equal(t, backupContainer.EncryptionMethod, restored.EncryptionMethod)
			assert.Equal(t, backupContainer.Checksum, restored.Checksum)
			assert.Equal(t, backupContainer.Salt, restored.Salt)
			assert.Equal(t, backupContainer.EncryptedData, restored.EncryptedData)
		})

		t.Run("Delete", func(t *testing.T) {
			require.NoError(t, store.DeleteBackup(backupContainer.BackupID))

			_, err := store.RestoreBackup(backupContainer.BackupID)
			assert.Error(t, err, "Deleted backup should not restore")
		})

		t.Run("RestoreMissing", func(t *testing.T) {
			_, err := store.RestoreBackup("backup_0_deadbeef")
			assert.Error(t, err)
		})

		t.Run("DeleteMissing", func(t *testing.T) {
			err := store.DeleteBackup("backup_0_deadbeef")
			assert.ErrorIs(t, err, ErrNotFound)
		})

		t.Run("RejectsEmptyPath", func(t *testing.T) {
			assert.Error(t, store.SaveBackup("", backupContainer))
		})
	})

	// Concurrent access across record types
	t.Run("ConcurrentOperations", func(t *testing.T) {
		require.NoError(t, store.SaveSecret("concurrent-base", recordData))
		require.NoError(t, store.SaveMetadata("concurrent-base", metadataData))

		var wg sync.WaitGroup
		errCh := make(chan error, 40)

		for i := 0; i < 5; i++ {
			wg.Add(2)
			go func(n int) {
				defer wg.Done()
				id := fmt.Sprintf("concurrent-%d", n)
				data := []byte(fmt.Sprintf(`{"secret_id":%q,"version":1}`, id))
				if err := store.SaveSecret(id, data); err != nil {
					errCh <- err
				}
			}(i)
			go func(n int) {
				defer wg.Done()
				id := fmt.Sprintf("concurrent-%d", n)
				data := []byte(fmt.Sprintf(`{"secret_id":%q,"active":true}`, id))
				if err := store.SaveMetadata(id, data); err != nil {
					errCh <- err
				}
			}(i)
		}

		for i := 0; i < 10; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				if _, err := store.LoadSecret("concurrent-base"); err != nil {
					errCh <- err
				}
			}()
			go func() {
				defer wg.Done()
				if _, err := store.ListSecrets(); err != nil {
					errCh <- err
				}
			}()
		}

		wg.Wait()
		close(errCh)

		var errorList []error
		for err := range errCh {
			errorList = append(errorList, err)
		}
		require.Empty(t, errorList, "Concurrent operations should not fail: %v", errorList)

		// All five records should be present and loadable afterwards
		for i := 0; i < 5; i++ {
			id := fmt.Sprintf("concurrent-%d", i)
			_, err := store.LoadSecret(id)
			assert.NoError(t, err, "record %s should exist after concurrent writes", id)
		}
	})

	t.Run("EdgeCases", func(t *testing.T) {
		t.Run("LargeRecord", func(t *testing.T) {
			large := make([]byte, 1024*1024)
			for i := range large {
				large[i] = byte(i % 256)
			}

			require.NoError(t, store.SaveSecret("large-record", large))

			loaded, err := store.LoadSecret("large-record")
			require.NoError(t, err)
			assert.Equal(t, large, loaded, "Large record should round-trip intact")

			require.NoError(t, store.DeleteSecret("large-record"))
		})

		t.Run("MaxLengthID", func(t *testing.T) {
			longID := ""
			for len(longID) < 253 {
				longID += "a"
			}
			require.NoError(t, store.SaveSecret(longID, recordData))
			require.NoError(t, store.DeleteSecret(longID))
		})

		t.Run("RapidSequentialUpdates", func(t *testing.T) {
			for i := 0; i < 20; i++ {
				data := []byte(fmt.Sprintf(`{"secret_id":"rapid","version":%d}`, i+1))
				require.NoError(t, store.SaveSecret("rapid", data))
			}

			final, err := store.LoadSecret("rapid")
			require.NoError(t, err)
			assert.Contains(t, string(final), `"version":20`, "Last write should win")

			require.NoError(t, store.DeleteSecret("rapid"))
		})
	})
}
