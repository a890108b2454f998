package citadel

import (
	"sync"
	"time"
)

// RotationDueEvent is published when the scheduler finds a secret whose
// rotation deadline has passed. It fires once per overdue deadline: rotating
// the secret re-arms the alert for the next deadline.
type RotationDueEvent struct {
	SecretID     string
	NextRotation time.Time
	Overdue      time.Duration
}

// TamperEvent is published when a stored envelope fails its digest check.
type TamperEvent struct {
	SecretID   string
	Version    int
	DetectedAt time.Time
	Detail     string
}

// FailureRateEvent is published when access failures inside one alert window
// cross the configured threshold. At most one event fires per window.
type FailureRateEvent struct {
	Failures int
	Window   time.Duration
	Observed time.Time
}

// Notifier is the engine's callback registry for operational alerts.
//
// Handlers run synchronously on the goroutine that detected the condition,
// in registration order. A handler that needs to do real work should hand it
// off to its own goroutine; a slow handler stalls the engine's scheduler or
// the failing operation's caller, never the correctness of the operation.
type Notifier struct {
	mu              sync.RWMutex
	rotationDue     []func(RotationDueEvent)
	tamperDetected  []func(TamperEvent)
	highFailureRate []func(FailureRateEvent)
}

func newNotifier() *Notifier {
	return &Notifier{}
}

// OnRotationDue registers a handler for rotation-due alerts.
func (n *Notifier) OnRotationDue(fn func(RotationDueEvent)) {
	if fn == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rotationDue = append(n.rotationDue, fn)
}

// OnTamperDetected registers a handler for integrity-violation alerts.
func (n *Notifier) OnTamperDetected(fn func(TamperEvent)) {
	if fn == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tamperDetected = append(n.tamperDetected, fn)
}

// OnHighFailureRate registers a handler for failure-rate alerts.
func (n *Notifier) OnHighFailureRate(fn func(FailureRateEvent)) {
	if fn == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.highFailureRate = append(n.highFailureRate, fn)
}

func (n *Notifier) publishRotationDue(event RotationDueEvent) {
	n.mu.RLock()
	handlers := append([]func(RotationDueEvent)(nil), n.rotationDue...)
	n.mu.RUnlock()
	for _, fn := range handlers {
		fn(event)
	}
}

func (n *Notifier) publishTamper(event TamperEvent) {
	n.mu.RLock()
	handlers := append([]func(TamperEvent)(nil), n.tamperDetected...)
	n.mu.RUnlock()
	for _, fn := range handlers {
		fn(event)
	}
}

func (n *Notifier) publishFailureRate(event FailureRateEvent) {
	n.mu.RLock()
	handlers := append([]func(FailureRateEvent)(nil), n.highFailureRate...)
	n.mu.RUnlock()
	for _, fn := range handlers {
		fn(event)
	}
}
