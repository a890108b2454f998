package citadel

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"southwinds.dev/citadel/audit"
	"southwinds.dev/citadel/internal/mem"
	"southwinds.dev/citadel/persist"
)

const testActor = "ops-admin"

// testEngineOptions disables the background scheduler so tests drive scans
// explicitly.
func testEngineOptions() Options {
	return Options{RotationScanInterval: -1}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return newTestEngineAt(t, t.TempDir(), testEngineOptions())
}

func newTestEngineAt(t *testing.T, dir string, options Options) *Engine {
	t.Helper()

	store, err := persist.NewFileSystemStore(dir)
	require.NoError(t, err)

	engine, err := NewWithStore(options, store, audit.NewRingLogger(200))
	require.NoError(t, err)

	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

// storeTestSecret stores under the admin policy so the whole lifecycle of the
// secret is permitted to the test actor.
func storeTestSecret(t *testing.T, e *Engine, secretID string, value []byte) *StoreReceipt {
	t.Helper()

	receipt, err := e.StoreSecret(context.Background(), testActor, secretID, value,
		StoreOptions{PolicyRef: AdminPolicyName})
	require.NoError(t, err)
	return receipt
}

// openDefaultPolicy widens the built-in default policy to the wildcard so
// operations gated on it (metrics, backup, restore) can run in tests.
func openDefaultPolicy(t *testing.T, e *Engine) {
	t.Helper()

	require.NoError(t, e.RegisterPolicy(AccessPolicy{
		Name:    DefaultPolicyName,
		Actions: []string{ActionWildcard},
	}))
}

func TestEngineInitialization(t *testing.T) {
	t.Run("RequiresStore", func(t *testing.T) {
		_, err := NewWithStore(testEngineOptions(), nil, nil)
		if err == nil {
			t.Fatal("Expected an error for nil store")
		}
	})

	t.Run("RejectsInvalidOptions", func(t *testing.T) {
		testCases := []struct {
			name    string
			options Options
		}{
			{"NegativeMaxVersions", Options{MaxVersions: -1}},
			{"ShortKeyLength", Options{KeyLength: 16}},
			{"NegativeRBACTimeout", Options{RBACTimeout: -1}},
			{"ShortInjectedKey", Options{RootKeyMaterial: []byte("too-short")}},
			{"WeakInjectedKey", Options{RootKeyMaterial: make([]byte, 64)}},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				store, err := persist.NewFileSystemStore(t.TempDir())
				require.NoError(t, err)
				defer store.Close()

				if _, err = NewWithStore(tc.options, store, nil); err == nil {
					t.Error("Expected options validation to fail")
				}
			})
		}
	})

	t.Run("RecordsInitializeAudit", func(t *testing.T) {
		engine := newTestEngine(t)

		result, err := engine.AuditLog().Query(audit.QueryOptions{Action: audit.ActionInitialize})
		require.NoError(t, err)
		if result.Filtered != 1 {
			t.Fatalf("Expected 1 initialize event, got %d", result.Filtered)
		}
		event := result.Events[0]
		if !event.Success || event.Actor != "system" {
			t.Errorf("Unexpected initialize event: %+v", event)
		}
	})

	t.Run("ReportsMemoryProtection", func(t *testing.T) {
		engine := newTestEngine(t)

		// Memory locking is off in tests, so the engine runs unprotected
		if engine.MemoryProtection() != mem.ProtectionNone {
			t.Errorf("Expected no memory protection, got %s", engine.MemoryProtection())
		}
	})
}

func TestEngineNew(t *testing.T) {
	t.Run("BuildsFromConfig", func(t *testing.T) {
		engine, err := New(Config{
			StoreType: "filesystem",
			StorePath: t.TempDir(),
			Options:   testEngineOptions(),
		})
		require.NoError(t, err)
		defer engine.Close()

		storeTestSecret(t, engine, "config-built", []byte("value"))

		secret, err := engine.GetSecret(context.Background(), testActor, "config-built", GetOptions{})
		require.NoError(t, err)
		if string(secret.Value) != "value" {
			t.Errorf("Unexpected value: %q", secret.Value)
		}
	})

	t.Run("RejectsUnknownStoreType", func(t *testing.T) {
		_, err := New(Config{StoreType: "bogus", StorePath: t.TempDir()})
		if err == nil {
			t.Fatal("Expected an error for unknown store type")
		}
	})
}

func TestEngineClose(t *testing.T) {
	t.Run("Idempotent", func(t *testing.T) {
		engine := newTestEngine(t)
		require.NoError(t, engine.Close())
		require.NoError(t, engine.Close())
	})

	t.Run("RecordsShutdownAudit", func(t *testing.T) {
		engine := newTestEngine(t)
		logger := engine.AuditLog()
		require.NoError(t, engine.Close())

		result, err := logger.Query(audit.QueryOptions{Action: audit.ActionShutdown})
		require.NoError(t, err)
		if result.Filtered != 1 {
			t.Errorf("Expected 1 shutdown event, got %d", result.Filtered)
		}
	})

	t.Run("OperationsFailAfterClose", func(t *testing.T) {
		engine := newTestEngine(t)
		storeTestSecret(t, engine, "pre-close", []byte("value"))
		require.NoError(t, engine.Close())

		ctx := context.Background()
		operations := []struct {
			name string
			fn   func() error
		}{
			{"StoreSecret", func() error {
				_, err := engine.StoreSecret(ctx, testActor, "x", []byte("v"), StoreOptions{})
				return err
			}},
			{"GetSecret", func() error {
				_, err := engine.GetSecret(ctx, testActor, "pre-close", GetOptions{})
				return err
			}},
			{"UseSecret", func() error {
				return engine.UseSecret(ctx, testActor, "pre-close", func([]byte) error { return nil })
			}},
			{"UpdateSecret", func() error {
				_, err := engine.UpdateSecret(ctx, testActor, "pre-close", []byte("v2"), UpdateOptions{})
				return err
			}},
			{"RotateSecret", func() error {
				_, err := engine.RotateSecret(ctx, testActor, "pre-close", []byte("v2"), RotateOptions{})
				return err
			}},
			{"DeleteSecret", func() error {
				return engine.DeleteSecret(ctx, testActor, "pre-close", DeleteOptions{})
			}},
			{"ListSecrets", func() error {
				_, err := engine.ListSecrets(ctx, testActor, ListOptions{})
				return err
			}},
			{"GetSecretMetadata", func() error {
				_, err := engine.GetSecretMetadata(ctx, testActor, "pre-close")
				return err
			}},
			{"GetMetrics", func() error {
				_, err := engine.GetMetrics(ctx, testActor)
				return err
			}},
			{"ExportBackup", func() error {
				_, err := engine.ExportBackup(ctx, testActor, "a-long-enough-passphrase")
				return err
			}},
			{"RestoreBackup", func() error {
				return engine.RestoreBackup(ctx, testActor, "backup-id", "a-long-enough-passphrase")
			}},
			{"RegisterPolicy", func() error {
				return engine.RegisterPolicy(AccessPolicy{Name: "p", Actions: []string{ActionRead}})
			}},
			{"ListBackups", func() error {
				_, err := engine.ListBackups()
				return err
			}},
		}

		for _, op := range operations {
			t.Run(op.name, func(t *testing.T) {
				err := op.fn()
				require.ErrorIs(t, err, ErrClosed)
			})
		}
	})
}

func TestEngineRestart(t *testing.T) {
	t.Run("StateSurvivesRestart", func(t *testing.T) {
		dir := t.TempDir()
		ctx := context.Background()

		first := newTestEngineAt(t, dir, testEngineOptions())
		storeTestSecret(t, first, "db-password", []byte("hunter2"))
		storeTestSecret(t, first, "api-token", []byte("tok-123"))

		_, err := first.UpdateSecret(ctx, testActor, "db-password", []byte("hunter3"), UpdateOptions{})
		require.NoError(t, err)

		// Two reads whose access tracking must be flushed by Close
		for i := 0; i < 2; i++ {
			_, err = first.GetSecret(ctx, testActor, "api-token", GetOptions{})
			require.NoError(t, err)
		}
		require.NoError(t, first.Close())

		second := newTestEngineAt(t, dir, testEngineOptions())

		current, err := second.GetSecret(ctx, testActor, "db-password", GetOptions{})
		require.NoError(t, err)
		if string(current.Value) != "hunter3" || current.Version != 2 {
			t.Errorf("Expected updated value at version 2, got %q at %d", current.Value, current.Version)
		}

		// History travels with the record
		original, err := second.GetSecret(ctx, testActor, "db-password", GetOptions{Version: 1})
		require.NoError(t, err)
		if string(original.Value) != "hunter2" {
			t.Errorf("Expected original value from history, got %q", original.Value)
		}

		meta, err := second.GetSecretMetadata(ctx, testActor, "api-token")
		require.NoError(t, err)
		if meta.AccessCount != 2 {
			t.Errorf("Expected access count 2 after restart, got %d", meta.AccessCount)
		}
		if meta.LastAccessed == nil {
			t.Error("Expected last-accessed timestamp to survive restart")
		}

		entries, err := second.ListSecrets(ctx, testActor, ListOptions{})
		require.NoError(t, err)
		if len(entries) != 2 {
			t.Errorf("Expected 2 secrets after restart, got %d", len(entries))
		}
	})

	t.Run("DropsOrphanedRecordAndMetadata", func(t *testing.T) {
		dir := t.TempDir()
		ctx := context.Background()

		first := newTestEngineAt(t, dir, testEngineOptions())
		storeTestSecret(t, first, "kept", []byte("value"))
		require.NoError(t, first.Close())

		// Simulate interrupted mutations: a record with no metadata and
		// metadata with no record.
		raw, err := persist.NewFileSystemStore(dir)
		require.NoError(t, err)
		recordData, err := raw.LoadSecret("kept")
		require.NoError(t, err)
		require.NoError(t, raw.SaveSecret("orphan", recordData))
		metaData, err := raw.LoadMetadata("kept")
		require.NoError(t, err)
		require.NoError(t, raw.SaveMetadata("ghost", metaData))
		require.NoError(t, raw.Close())

		second := newTestEngineAt(t, dir, testEngineOptions())

		if _, err = second.GetSecret(ctx, testActor, "kept", GetOptions{}); err != nil {
			t.Errorf("Expected the intact secret to survive reconciliation: %v", err)
		}
		_, err = second.GetSecret(ctx, testActor, "orphan", GetOptions{})
		require.ErrorIs(t, err, ErrNotFound)
		_, err = second.GetSecretMetadata(ctx, testActor, "ghost")
		require.ErrorIs(t, err, ErrNotFound)
		require.NoError(t, second.Close())

		// Reconciliation also cleans the store itself
		raw, err = persist.NewFileSystemStore(dir)
		require.NoError(t, err)
		defer raw.Close()
		ids, err := raw.ListSecrets()
		require.NoError(t, err)
		if len(ids) != 1 || ids[0] != "kept" {
			t.Errorf("Expected only the intact record in the store, got %v", ids)
		}
		metaIDs, err := raw.ListMetadata()
		require.NoError(t, err)
		if len(metaIDs) != 1 || metaIDs[0] != "kept" {
			t.Errorf("Expected only the intact metadata in the store, got %v", metaIDs)
		}
	})

	t.Run("AlignsMetadataVersionDrift", func(t *testing.T) {
		dir := t.TempDir()
		ctx := context.Background()

		first := newTestEngineAt(t, dir, testEngineOptions())
		storeTestSecret(t, first, "drift", []byte("v1"))
		_, err := first.UpdateSecret(ctx, testActor, "drift", []byte("v2"), UpdateOptions{})
		require.NoError(t, err)
		require.NoError(t, first.Close())

		// Wind the persisted metadata version away from the record
		raw, err := persist.NewFileSystemStore(dir)
		require.NoError(t, err)
		metaData, err := raw.LoadMetadata("drift")
		require.NoError(t, err)
		var meta SecretMetadata
		require.NoError(t, json.Unmarshal(metaData, &meta))
		meta.Version = 7
		driftedData, err := json.Marshal(&meta)
		require.NoError(t, err)
		require.NoError(t, raw.SaveMetadata("drift", driftedData))
		require.NoError(t, raw.Close())

		second := newTestEngineAt(t, dir, testEngineOptions())
		aligned, err := second.GetSecretMetadata(ctx, testActor, "drift")
		require.NoError(t, err)
		if aligned.Version != 2 {
			t.Errorf("Expected metadata realigned to record version 2, got %d", aligned.Version)
		}
	})
}
