package audit

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	t.Run("NilConfigUsesRing", func(t *testing.T) {
		logger, err := NewLogger(nil)
		require.NoError(t, err)
		if _, ok := logger.(*RingLogger); !ok {
			t.Errorf("Expected a ring logger for nil config, got %T", logger)
		}
	})

	t.Run("DisabledUsesNoOp", func(t *testing.T) {
		logger, err := NewLogger(&Config{Enabled: false})
		require.NoError(t, err)
		if _, ok := logger.(*NoOpLogger); !ok {
			t.Errorf("Expected a no-op logger when disabled, got %T", logger)
		}
	})

	t.Run("EmptyTypeDefaultsToRing", func(t *testing.T) {
		logger, err := NewLogger(&Config{Enabled: true})
		require.NoError(t, err)
		if _, ok := logger.(*RingLogger); !ok {
			t.Errorf("Expected a ring logger for empty type, got %T", logger)
		}
	})

	t.Run("RingHonorsConfiguredSize", func(t *testing.T) {
		logger, err := NewLogger(&Config{Enabled: true, Type: RingAuditType, RingSize: 2})
		require.NoError(t, err)

		ring, ok := logger.(*RingLogger)
		if !ok {
			t.Fatalf("Expected a ring logger, got %T", logger)
		}
		for i := 0; i < 5; i++ {
			require.NoError(t, ring.Log(Event{Action: ActionGet}))
		}
		if ring.Len() != 2 {
			t.Errorf("Expected ring bounded at 2 events, got %d", ring.Len())
		}
	})

	t.Run("FileTypeTeesRingAndFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "audit.log")
		logger, err := NewLogger(&Config{
			Enabled: true,
			Type:    FileAuditType,
			Options: map[string]interface{}{"file_path": path},
		})
		require.NoError(t, err)
		defer logger.Close()

		tee, ok := logger.(*TeeLogger)
		if !ok {
			t.Fatalf("Expected a tee logger for file type, got %T", logger)
		}

		require.NoError(t, tee.Log(Event{Action: ActionStore, SecretID: "teed"}))

		if tee.Ring().Len() != 1 {
			t.Errorf("Expected the ring side to buffer the event, got %d", tee.Ring().Len())
		}
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		if !strings.Contains(string(data), "teed") {
			t.Error("Expected the file side to persist the event")
		}
	})

	t.Run("FileTypeWithoutPathFails", func(t *testing.T) {
		_, err := NewLogger(&Config{Enabled: true, Type: FileAuditType})
		if err == nil {
			t.Error("Expected an error for file type without file_path")
		}
	})

	t.Run("UnknownTypeFails", func(t *testing.T) {
		_, err := NewLogger(&Config{Enabled: true, Type: "bogus"})
		if err == nil {
			t.Fatal("Expected an error for unknown audit provider")
		}
		if !strings.Contains(err.Error(), "unknown audit provider") {
			t.Errorf("Unexpected error: %v", err)
		}
	})
}

// failingQueryLogger stands in for sinks that cannot answer queries, like syslog.
type failingQueryLogger struct {
	logged []Event
}

func (f *failingQueryLogger) Log(event Event) error {
	f.logged = append(f.logged, event)
	return nil
}

func (f *failingQueryLogger) Query(QueryOptions) (QueryResult, error) {
	return QueryResult{}, errors.New("sink cannot query")
}

func (f *failingQueryLogger) Close() error { return nil }

func TestTeeLogger(t *testing.T) {
	t.Run("FansOutToBothSinks", func(t *testing.T) {
		ring := NewRingLogger(10)
		durable := &failingQueryLogger{}
		tee := NewTeeLogger(ring, durable)

		require.NoError(t, tee.Log(Event{Action: ActionUpdate, SecretID: "fan-out"}))

		if ring.Len() != 1 {
			t.Errorf("Expected 1 event in the ring, got %d", ring.Len())
		}
		if len(durable.logged) != 1 {
			t.Errorf("Expected 1 event in the durable sink, got %d", len(durable.logged))
		}
		// Both sinks must see the same stamped identity
		if durable.logged[0].ID == "" || durable.logged[0].ID != ring.Events()[0].ID {
			t.Error("Expected both sinks to receive the same stamped event")
		}
	})

	t.Run("QueryFallsBackToRing", func(t *testing.T) {
		ring := NewRingLogger(10)
		tee := NewTeeLogger(ring, &failingQueryLogger{})

		require.NoError(t, tee.Log(Event{Action: ActionList, Actor: "alice"}))

		result, err := tee.Query(QueryOptions{Actor: "alice"})
		if err != nil {
			t.Fatalf("Expected the ring to answer when the sink cannot: %v", err)
		}
		if result.Filtered != 1 {
			t.Errorf("Expected 1 event from the ring fallback, got %d", result.Filtered)
		}
	})

	t.Run("QueryPrefersDurableSink", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "audit.log")
		fileLogger, err := NewFileLogger(&Config{
			Enabled: true,
			Type:    FileAuditType,
			Options: map[string]interface{}{"file_path": path},
		})
		require.NoError(t, err)

		ring := NewRingLogger(10)
		tee := NewTeeLogger(ring, fileLogger)
		defer tee.Close()

		require.NoError(t, tee.Log(Event{Action: ActionBackup}))

		// Age the file beyond what the ring has seen
		writeRotatedAuditFile(t, path+".1", Event{ID: "deep-history", Action: ActionBackup})

		result, err := tee.Query(QueryOptions{Action: ActionBackup})
		require.NoError(t, err)
		if result.Filtered != 2 {
			t.Errorf("Expected the durable sink's deeper history (2 events), got %d", result.Filtered)
		}
	})
}

func TestNoOpLogger(t *testing.T) {
	logger := NewNoOpLogger()

	if err := logger.Log(Event{Action: ActionStore}); err != nil {
		t.Errorf("No-op Log should never fail: %v", err)
	}

	result, err := logger.Query(QueryOptions{})
	if err != nil {
		t.Errorf("No-op Query should never fail: %v", err)
	}
	if len(result.Events) != 0 || result.TotalCount != 0 {
		t.Error("No-op Query should return an empty result")
	}

	if err = logger.Close(); err != nil {
		t.Errorf("No-op Close should never fail: %v", err)
	}
}
