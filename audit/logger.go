package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Config defines audit logging configuration
type Config struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Type selects the durable sink; the in-memory ring is always kept.
	Type ConfigType `json:"type" yaml:"type"` // "ring", "file", "syslog"

	// RingSize bounds the in-memory event buffer (default 1000).
	RingSize int `json:"ring_size,omitempty" yaml:"ring_size,omitempty"`

	// Options carries sink-specific settings, e.g. file_path for "file".
	Options map[string]interface{} `json:"options" yaml:"options"`

	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

type ConfigType string

const (
	RingAuditType   ConfigType = "ring"
	FileAuditType   ConfigType = "file"
	SyslogAuditType ConfigType = "syslog"
)

// Logger interface for pluggable audit implementations
type Logger interface {
	Log(event Event) error
	Query(options QueryOptions) (QueryResult, error)
	Close() error
}

// Event represents a single audited operation attempt
type Event struct {
	ID        string                 `json:"id"`
	RequestID string                 `json:"request_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Action    string                 `json:"action"`
	Actor     string                 `json:"actor,omitempty"`
	SecretID  string                 `json:"secret_id,omitempty"`
	Version   int                    `json:"version,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Duration  int64                  `json:"duration_ms,omitempty"`
}

// Actions recorded by the engine. Denied or failed attempts reuse the
// operation's action with Success=false and the cause in Error.
const (
	ActionInitialize = "INITIALIZE"
	ActionStore      = "SECRET_STORE"
	ActionGet        = "SECRET_GET"
	ActionUse        = "SECRET_USE"
	ActionUpdate     = "SECRET_UPDATE"
	ActionDelete     = "SECRET_DELETE"
	ActionRotate     = "SECRET_ROTATE"
	ActionList       = "SECRET_LIST"
	ActionMetrics    = "METRICS_GET"
	ActionBackup     = "BACKUP_CREATE"
	ActionRestore    = "BACKUP_RESTORE"
	ActionTamper     = "TAMPER_DETECTED"
	ActionShutdown   = "SHUTDOWN"
)

// QueryOptions for filtering audit logs
type QueryOptions struct {
	Since    *time.Time
	Until    *time.Time
	Action   string
	Actor    string
	SecretID string
	Success  *bool // nil = all, true = only success, false = only failures
	Limit    int
	Offset   int
}

// QueryResult contains the results of an audit query
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// NewLogger creates a logger for the given configuration. A nil config means
// auditing with the default in-memory ring; an explicitly disabled config
// means no auditing at all.
func NewLogger(config *Config) (Logger, error) {
	if config == nil {
		return NewRingLogger(0), nil
	}
	if !config.Enabled {
		return &NoOpLogger{}, nil
	}

	ring := NewRingLogger(config.RingSize)

	switch config.Type {
	case RingAuditType, "":
		return ring, nil
	case FileAuditType:
		fileLogger, err := NewFileLogger(config)
		if err != nil {
			return nil, err
		}
		return NewTeeLogger(ring, fileLogger), nil
	case SyslogAuditType:
		syslogLogger, err := NewSyslogLogger(config)
		if err != nil {
			return nil, err
		}
		return NewTeeLogger(ring, syslogLogger), nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

// stamp fills in the generated event fields when the caller left them empty.
func stamp(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
}

// matchesFilter checks if an event matches the query filters
func matchesFilter(event Event, options QueryOptions) bool {
	if options.Since != nil && event.Timestamp.Before(*options.Since) {
		return false
	}
	if options.Until != nil && event.Timestamp.After(*options.Until) {
		return false
	}

	if options.Action != "" && event.Action != options.Action {
		return false
	}

	if options.Actor != "" && event.Actor != options.Actor {
		return false
	}

	if options.Success != nil && event.Success != *options.Success {
		return false
	}

	if options.SecretID != "" && event.SecretID != options.SecretID {
		return false
	}

	return true
}

// parseOptions converts map[string]interface{} to specific options struct
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}
