package citadel

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/awnumar/memguard"
	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"

	"southwinds.dev/citadel/audit"
	"southwinds.dev/citadel/internal/mem"
	"southwinds.dev/citadel/persist"
)

// EngineVersion is recorded in backup containers and the store manifest.
const EngineVersion = "1.0.0"

// Initialize memguard before any engine is constructed so interrupted
// processes wipe their enclaves on the way out.
func init() {
	memguard.CatchInterrupt()
}

// Engine is the embedded secret-storage engine implementing EngineService.
//
// All records and metadata live in memory, loaded from the store at start and
// written through on every mutation. Reads interleave freely under a shared
// registry lock; mutations on the same id serialize on a per-id lock taken
// before the registry lock.
type Engine struct {
	store   persist.Store
	audit   audit.Logger
	options Options
	clock   clock.Clock

	// Root key enclave; opened per operation, never serialized.
	rootKey *memguard.Enclave

	mu          sync.RWMutex
	records     map[string]*secretRecord
	metadata    map[string]*SecretMetadata
	dirtyAccess map[string]bool // ids with unflushed access-tracking updates

	// Mutations hold the gate shared; restore holds it exclusive so the whole
	// registry swaps without an interleaved writer. Lock order: gate, then
	// id lock, then registry lock.
	restoreGate sync.RWMutex

	// Per-id mutation serialization.
	locks *kmutex.Kmutex

	policies *policyRegistry
	resolver PolicyResolver

	notifier *Notifier
	metrics  *engineMetrics

	scheduler *rotationScheduler

	memoryProtection mem.ProtectionLevel

	closed atomic.Bool
}

var _ EngineService = (*Engine)(nil)

// New builds an engine from a Config: the store comes from the persistence
// factory, the audit trail from the audit factory, and the remaining options
// are passed through. See LoadConfig for file/environment loading.
func New(config Config) (*Engine, error) {
	store, err := persist.NewStore(config.storeConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	auditLogger, err := audit.NewLogger(config.Audit)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create audit logger: %w", err)
	}

	engine, err := NewWithStore(config.Options, store, auditLogger)
	if err != nil {
		_ = auditLogger.Close()
		_ = store.Close()
		return nil, err
	}
	return engine, nil
}

// NewWithStore creates an engine on an explicit storage backend and audit
// logger.
//
// Initialization is fail-fast: storage connectivity and the root key are
// verified before any state is touched, and a failure at any stage returns an
// error instead of a partially working engine. Memory locking is the one
// best-effort step; the engine runs at whatever protection level the platform
// grants.
//
// A nil auditLogger disables auditing (a no-op logger is installed). Passing
// a logger from audit.NewLogger keeps the always-on in-memory ring.
func NewWithStore(options Options, store persist.Store, auditLogger audit.Logger) (*Engine, error) {
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	opts := options.withDefaults()

	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	if store == nil {
		return nil, fmt.Errorf("store is required")
	}

	// Verify connectivity before any cryptographic setup
	if err := store.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to storage backend: %w", err)
	}

	e := &Engine{
		store:       store,
		audit:       auditLogger,
		options:     opts,
		clock:       opts.Clock,
		records:     make(map[string]*secretRecord),
		metadata:    make(map[string]*SecretMetadata),
		dirtyAccess: make(map[string]bool),
		locks:       kmutex.New(),
		policies:    newPolicyRegistry(),
		notifier:    newNotifier(),
		metrics:     newEngineMetrics(),

		memoryProtection: mem.ProtectionNone,
	}

	if opts.Resolver != nil {
		e.resolver = opts.Resolver
	} else {
		e.resolver = e.policies
	}

	// Best-effort memory locking; memguard still protects the enclaves when
	// the platform refuses a full lock.
	if opts.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			fmt.Printf("WARNING: cannot fully protect memory: %v\n", err)
			fmt.Println("memguard enclaves still protect key material")
		}
		e.memoryProtection = level
	}

	// Root key trouble is fatal: nothing stored is readable without it.
	if err := e.loadOrCreateRootKey(opts.RootKeyMaterial, opts.KeyLength); err != nil {
		return nil, fmt.Errorf("failed to initialize root key: %w", err)
	}

	if err := e.loadState(); err != nil {
		e.dropRootKey()
		return nil, fmt.Errorf("failed to load persisted state: %w", err)
	}

	e.scheduler = newRotationScheduler(e)
	if opts.RotationScanInterval > 0 {
		e.scheduler.start()
	}

	_ = e.audit.Log(audit.Event{
		Action:  audit.ActionInitialize,
		Actor:   "system",
		Success: true,
		Metadata: map[string]interface{}{
			"store_type":        store.GetType(),
			"memory_protection": e.memoryProtection.String(),
			"secret_count":      len(e.records),
			"scheduler_running": opts.RotationScanInterval > 0,
		},
	})

	return e, nil
}

// loadState populates the in-memory registry from the store, reconciling the
// leftovers of interrupted mutations: a record whose metadata lags is aligned
// to the record, and metadata whose record is gone completes its hard delete.
func (e *Engine) loadState() error {
	records, err := e.loadAllRecords()
	if err != nil {
		return err
	}
	metadata, err := e.loadAllMetadata()
	if err != nil {
		return err
	}

	for id, meta := range metadata {
		rec, ok := records[id]
		if !ok {
			// Hard delete interrupted after the record was removed
			_ = e.store.DeleteMetadata(id)
			delete(metadata, id)
			continue
		}
		if meta.Version != rec.Version {
			// Update interrupted between the record and metadata writes; the
			// record is authoritative. Size may lag until the next mutation.
			meta.Version = rec.Version
			meta.UpdatedAt = rec.UpdatedAt
			if err := e.persistMetadata(meta); err != nil {
				return err
			}
		}
	}

	for id := range records {
		if _, ok := metadata[id]; !ok {
			// Store interrupted before metadata was written; the mutation was
			// never reported successful, so the orphan is dropped.
			_ = e.store.DeleteSecret(id)
			delete(records, id)
		}
	}

	e.mu.Lock()
	e.records = records
	e.metadata = metadata
	e.mu.Unlock()
	return nil
}

// Events returns the engine's alert notifier.
func (e *Engine) Events() *Notifier {
	return e.notifier
}

// AuditLog exposes the audit trail for querying.
func (e *Engine) AuditLog() audit.Logger {
	return e.audit
}

// MemoryProtection reports the protection level achieved at start.
func (e *Engine) MemoryProtection() mem.ProtectionLevel {
	return e.memoryProtection
}

func (e *Engine) checkOpen() error {
	if e.closed.Load() {
		return ErrClosed
	}
	return nil
}

// auditSuccess appends one success event. Audit sink errors never fail the
// operation; the in-memory ring cannot fail and durable sinks degrade loudly
// in their own logs.
func (e *Engine) auditSuccess(actor, action, secretID string, version int, metadata map[string]interface{}) {
	_ = e.audit.Log(audit.Event{
		Action:   action,
		Actor:    actor,
		SecretID: secretID,
		Version:  version,
		Success:  true,
		Metadata: metadata,
	})
}

// auditFailure appends one failure event and feeds the failure-rate window,
// publishing a high-failure-rate alert when the threshold is crossed.
func (e *Engine) auditFailure(actor, action, secretID string, opErr error, metadata map[string]interface{}) {
	errDetail := ""
	if opErr != nil {
		errDetail = opErr.Error()
	}
	_ = e.audit.Log(audit.Event{
		Action:   action,
		Actor:    actor,
		SecretID: secretID,
		Success:  false,
		Error:    errDetail,
		Metadata: metadata,
	})

	now := e.clock.Now().UTC()
	alert, count := e.metrics.noteFailure(now, e.options.FailureAlertWindow, e.options.FailureAlertThreshold)
	if alert {
		e.notifier.publishFailureRate(FailureRateEvent{
			Failures: count,
			Window:   e.options.FailureAlertWindow,
			Observed: now,
		})
	}
}

// Close shuts the engine down. It is idempotent; operations after Close fail
// with Closed.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	if e.scheduler != nil {
		e.scheduler.stop()
	}

	var errs []error

	if err := e.flushAccessTracking(); err != nil {
		errs = append(errs, err)
	}

	_ = e.audit.Log(audit.Event{
		Action:  audit.ActionShutdown,
		Actor:   "system",
		Success: true,
	})

	if err := e.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close audit logger: %w", err))
	}

	if err := e.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}

	e.dropRootKey()

	return errors.Join(errs...)
}

// flushAccessTracking persists metadata for every id whose access stats
// changed since the last mutation.
func (e *Engine) flushAccessTracking() error {
	e.restoreGate.RLock()
	defer e.restoreGate.RUnlock()

	e.mu.Lock()
	dirty := make([]*SecretMetadata, 0, len(e.dirtyAccess))
	for id := range e.dirtyAccess {
		if meta := e.metadata[id]; meta != nil {
			dirty = append(dirty, copyMetadata(meta))
		}
	}
	e.dirtyAccess = make(map[string]bool)
	e.mu.Unlock()

	var errs []error
	for _, meta := range dirty {
		if err := e.persistMetadata(meta); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

