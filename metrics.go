package citadel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"southwinds.dev/citadel/audit"
)

// rotationDueSoonWindow is the horizon for the "due soon" backlog gauge.
const rotationDueSoonWindow = 7 * 24 * time.Hour

// MetricsSnapshot is a point-in-time view of the engine's counters and
// rotation backlog.
type MetricsSnapshot struct {
	// Monotonic counters since engine start.
	SecretsStored   uint64 `json:"secrets_stored"`
	SecretsAccessed uint64 `json:"secrets_accessed"`
	SecretsRotated  uint64 `json:"secrets_rotated"`
	AccessFailures  uint64 `json:"access_failures"`
	EncryptionOps   uint64 `json:"encryption_ops"`
	DecryptionOps   uint64 `json:"decryption_ops"`

	// Registry totals computed at snapshot time.
	ActiveSecrets   int `json:"active_secrets"`
	InactiveSecrets int `json:"inactive_secrets"`

	// Rotation backlog: overdue now, and due inside the next seven days.
	RotationsOverdue int `json:"rotations_overdue"`
	RotationsDueSoon int `json:"rotations_due_soon"`

	CollectedAt time.Time `json:"collected_at"`
}

// engineMetrics holds the counters and the sliding failure window behind the
// high-failure-rate alert.
type engineMetrics struct {
	secretsStored   atomic.Uint64
	secretsAccessed atomic.Uint64
	secretsRotated  atomic.Uint64
	accessFailures  atomic.Uint64
	encryptionOps   atomic.Uint64
	decryptionOps   atomic.Uint64

	mu           sync.Mutex
	failureTimes []time.Time
	lastAlertAt  time.Time
}

func newEngineMetrics() *engineMetrics {
	return &engineMetrics{}
}

// noteFailure records one access failure and reports whether the failure rate
// crossed the alert threshold. At most one alert is granted per window.
func (m *engineMetrics) noteFailure(now time.Time, window time.Duration, threshold int) (bool, int) {
	m.accessFailures.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-window)
	kept := m.failureTimes[:0]
	for _, t := range m.failureTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.failureTimes = append(kept, now)

	count := len(m.failureTimes)
	if count < threshold {
		return false, count
	}
	if !m.lastAlertAt.IsZero() && now.Sub(m.lastAlertAt) < window {
		return false, count
	}
	m.lastAlertAt = now
	return true, count
}

// GetMetrics returns an operational snapshot. The operation is gated by
// secrets:metrics like any other and appends its own audit event; the
// built-in default policy does not include it, so exposure is an explicit
// policy decision.
func (e *Engine) GetMetrics(ctx context.Context, actor string) (*MetricsSnapshot, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	if err := e.authorize(ctx, actor, ActionMetrics, DefaultPolicyName); err != nil {
		e.auditFailure(actor, audit.ActionMetrics, "", err, nil)
		return nil, err
	}

	snapshot := e.metricsSnapshot(e.clock.Now().UTC())
	e.auditSuccess(actor, audit.ActionMetrics, "", 0, nil)
	return snapshot, nil
}

// metricsSnapshot assembles counters plus a backlog scan of the metadata
// registry. Ungated; callers gate and audit.
func (e *Engine) metricsSnapshot(now time.Time) *MetricsSnapshot {
	snapshot := &MetricsSnapshot{
		SecretsStored:   e.metrics.secretsStored.Load(),
		SecretsAccessed: e.metrics.secretsAccessed.Load(),
		SecretsRotated:  e.metrics.secretsRotated.Load(),
		AccessFailures:  e.metrics.accessFailures.Load(),
		EncryptionOps:   e.metrics.encryptionOps.Load(),
		DecryptionOps:   e.metrics.decryptionOps.Load(),
		CollectedAt:     now,
	}

	dueSoonCutoff := now.Add(rotationDueSoonWindow)

	e.mu.RLock()
	for _, meta := range e.metadata {
		if !meta.Active {
			snapshot.InactiveSecrets++
			continue
		}
		snapshot.ActiveSecrets++
		if meta.NextRotation.IsZero() {
			continue
		}
		if meta.NextRotation.Before(now) {
			snapshot.RotationsOverdue++
		} else if meta.NextRotation.Before(dueSoonCutoff) {
			snapshot.RotationsDueSoon++
		}
	}
	e.mu.RUnlock()

	return snapshot
}

// Collector returns a prometheus.Collector exposing the engine's counters and
// backlog gauges. Callers MustRegister it on their registry of choice; the
// exposition path is process-internal and not gated.
func (e *Engine) Collector() prometheus.Collector {
	return &engineCollector{
		engine: e,
		secretsStored: prometheus.NewDesc("citadel_secrets_stored_total",
			"Number of secrets stored since engine start.", nil, nil),
		secretsAccessed: prometheus.NewDesc("citadel_secrets_accessed_total",
			"Number of successful secret reads since engine start.", nil, nil),
		secretsRotated: prometheus.NewDesc("citadel_secrets_rotated_total",
			"Number of secret rotations since engine start.", nil, nil),
		accessFailures: prometheus.NewDesc("citadel_access_failures_total",
			"Number of failed operation attempts since engine start.", nil, nil),
		encryptionOps: prometheus.NewDesc("citadel_encryption_ops_total",
			"Number of envelope seal operations since engine start.", nil, nil),
		decryptionOps: prometheus.NewDesc("citadel_decryption_ops_total",
			"Number of envelope open operations since engine start.", nil, nil),
		activeSecrets: prometheus.NewDesc("citadel_secrets_active",
			"Secrets currently active.", nil, nil),
		inactiveSecrets: prometheus.NewDesc("citadel_secrets_inactive",
			"Secrets soft-deleted but retained.", nil, nil),
		rotationsOverdue: prometheus.NewDesc("citadel_rotations_overdue",
			"Active secrets past their rotation deadline.", nil, nil),
		rotationsDueSoon: prometheus.NewDesc("citadel_rotations_due_soon",
			"Active secrets due for rotation within seven days.", nil, nil),
	}
}

type engineCollector struct {
	engine *Engine

	secretsStored    *prometheus.Desc
	secretsAccessed  *prometheus.Desc
	secretsRotated   *prometheus.Desc
	accessFailures   *prometheus.Desc
	encryptionOps    *prometheus.Desc
	decryptionOps    *prometheus.Desc
	activeSecrets    *prometheus.Desc
	inactiveSecrets  *prometheus.Desc
	rotationsOverdue *prometheus.Desc
	rotationsDueSoon *prometheus.Desc
}

func (c *engineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.secretsStored
	ch <- c.secretsAccessed
	ch <- c.secretsRotated
	ch <- c.accessFailures
	ch <- c.encryptionOps
	ch <- c.decryptionOps
	ch <- c.activeSecrets
	ch <- c.inactiveSecrets
	ch <- c.rotationsOverdue
	ch <- c.rotationsDueSoon
}

func (c *engineCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.engine.metricsSnapshot(c.engine.clock.Now().UTC())

	ch <- prometheus.MustNewConstMetric(c.secretsStored, prometheus.CounterValue, float64(s.SecretsStored))
	ch <- prometheus.MustNewConstMetric(c.secretsAccessed, prometheus.CounterValue, float64(s.SecretsAccessed))
	ch <- prometheus.MustNewConstMetric(c.secretsRotated, prometheus.CounterValue, float64(s.SecretsRotated))
	ch <- prometheus.MustNewConstMetric(c.accessFailures, prometheus.CounterValue, float64(s.AccessFailures))
	ch <- prometheus.MustNewConstMetric(c.encryptionOps, prometheus.CounterValue, float64(s.EncryptionOps))
	ch <- prometheus.MustNewConstMetric(c.decryptionOps, prometheus.CounterValue, float64(s.DecryptionOps))
	ch <- prometheus.MustNewConstMetric(c.activeSecrets, prometheus.GaugeValue, float64(s.ActiveSecrets))
	ch <- prometheus.MustNewConstMetric(c.inactiveSecrets, prometheus.GaugeValue, float64(s.InactiveSecrets))
	ch <- prometheus.MustNewConstMetric(c.rotationsOverdue, prometheus.GaugeValue, float64(s.RotationsOverdue))
	ch <- prometheus.MustNewConstMetric(c.rotationsDueSoon, prometheus.GaugeValue, float64(s.RotationsDueSoon))
}
