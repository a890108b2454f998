package citadel

import (
	"fmt"
	"time"

	"github.com/juju/clock"

	"southwinds.dev/citadel/internal/crypto"
	"southwinds.dev/citadel/internal/misc"
)

// Operational defaults. Each can be overridden per engine through Options.
const (
	// DefaultMaxVersions bounds the per-secret version history.
	DefaultMaxVersions = 5

	// DefaultRotationInterval is the rotation cadence applied when a secret
	// is stored without one (90 days).
	DefaultRotationInterval = 90 * 24 * time.Hour

	// DefaultRotationScanInterval is how often the scheduler scans the
	// metadata registry for overdue rotations.
	DefaultRotationScanInterval = time.Minute

	// DefaultMaxValueSize caps secret payloads at 10MB.
	DefaultMaxValueSize = 10 * 1024 * 1024

	// DefaultRBACTimeout bounds a single policy resolution. Resolutions that
	// exceed it are treated as denials.
	DefaultRBACTimeout = 2 * time.Second

	// DefaultFailureAlertWindow and DefaultFailureAlertThreshold drive the
	// high-failure-rate alert: crossing the threshold inside one window
	// publishes a single alert for that window.
	DefaultFailureAlertWindow    = time.Minute
	DefaultFailureAlertThreshold = 5
)

// Options configures engine initialization and runtime behavior.
//
// The zero value is usable: every field falls back to the package default.
// Security-sensitive fields (injected key material, the policy resolver, the
// clock) carry `json:"-"` so Options can be serialized into configuration
// output without leaking key bytes or runtime wiring.
type Options struct {
	// MaxVersions bounds how many historical snapshots each secret retains.
	// When the bound is reached the oldest snapshot is evicted.
	MaxVersions int `json:"max_versions,omitempty"`

	// DefaultRotationInterval is applied to secrets stored without an
	// explicit rotation interval.
	DefaultRotationInterval time.Duration `json:"default_rotation_interval,omitempty"`

	// RotationScanInterval is the scheduler's scan cadence. Zero selects the
	// default; negative disables the scheduler entirely.
	RotationScanInterval time.Duration `json:"rotation_scan_interval,omitempty"`

	// MaxValueSize caps the size of a single secret value in bytes.
	MaxValueSize int `json:"max_value_size,omitempty"`

	// KeyLength is the root key size in bytes when the engine generates one.
	// Minimum 32; default 64.
	KeyLength int `json:"key_length,omitempty"`

	// RootKeyMaterial optionally injects the root key instead of having the
	// engine load or generate one. Injected material is entropy-checked and
	// rejected when weak. Never serialized.
	RootKeyMaterial []byte `json:"-" yaml:"-"`

	// EnableMemoryLock attempts to lock the process address space so key
	// material cannot be swapped to disk. Best effort: the engine stays
	// functional at whatever protection level the platform grants.
	EnableMemoryLock bool `json:"enable_memory_lock,omitempty"`

	// RBACTimeout bounds each policy resolution through the PolicyResolver.
	RBACTimeout time.Duration `json:"rbac_timeout,omitempty"`

	// FailureAlertWindow / FailureAlertThreshold configure high-failure-rate
	// alerting over access failures.
	FailureAlertWindow    time.Duration `json:"failure_alert_window,omitempty"`
	FailureAlertThreshold int           `json:"failure_alert_threshold,omitempty"`

	// Resolver plugs an external policy source (an RBAC service, a database)
	// into the access gate. Nil uses the in-process registry only.
	Resolver PolicyResolver `json:"-" yaml:"-"`

	// Clock supplies the engine's time source. Nil uses the wall clock; tests
	// inject a fake to drive rotation deterministically.
	Clock clock.Clock `json:"-" yaml:"-"`
}

// Validate checks the configuration for values the engine cannot run with.
func (o Options) Validate() error {
	if o.MaxVersions < 0 {
		return fmt.Errorf("max versions cannot be negative")
	}
	if o.DefaultRotationInterval < 0 {
		return fmt.Errorf("default rotation interval cannot be negative")
	}
	if o.MaxValueSize < 0 {
		return fmt.Errorf("max value size cannot be negative")
	}
	if o.KeyLength != 0 && o.KeyLength < 32 {
		return fmt.Errorf("key length must be at least 32 bytes")
	}
	if o.RBACTimeout < 0 {
		return fmt.Errorf("rbac timeout cannot be negative")
	}
	if len(o.RootKeyMaterial) > 0 {
		if len(o.RootKeyMaterial) < 32 {
			return fmt.Errorf("injected root key must be at least 32 bytes")
		}
		if crypto.IsWeakKey(o.RootKeyMaterial) {
			return fmt.Errorf("injected root key failed the entropy check")
		}
	}
	return nil
}

// withDefaults returns a copy of o with every unset field resolved.
func (o Options) withDefaults() Options {
	if o.MaxVersions == 0 {
		o.MaxVersions = DefaultMaxVersions
	}
	if o.DefaultRotationInterval == 0 {
		o.DefaultRotationInterval = DefaultRotationInterval
	}
	if o.RotationScanInterval == 0 {
		o.RotationScanInterval = DefaultRotationScanInterval
	}
	if o.MaxValueSize == 0 {
		o.MaxValueSize = DefaultMaxValueSize
	}
	if o.KeyLength == 0 {
		o.KeyLength = misc.DefaultKeyLength
	}
	if o.RBACTimeout == 0 {
		o.RBACTimeout = DefaultRBACTimeout
	}
	if o.FailureAlertWindow == 0 {
		o.FailureAlertWindow = DefaultFailureAlertWindow
	}
	if o.FailureAlertThreshold == 0 {
		o.FailureAlertThreshold = DefaultFailureAlertThreshold
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	return o
}
