package citadel

import (
	"sync"
	"time"
)

// rotationScheduler scans the metadata registry for overdue rotations and
// publishes rotation-due alerts through the engine's notifier.
//
// The scheduler never rotates anything itself: new values come from callers,
// so its whole job is telling them a deadline has passed. Each overdue
// deadline is alerted exactly once; rotating the secret installs a new
// deadline and re-arms the alert.
type rotationScheduler struct {
	engine *Engine

	mu    sync.Mutex
	fired map[string]time.Time // deadline already alerted, per id

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

func newRotationScheduler(e *Engine) *rotationScheduler {
	return &rotationScheduler{
		engine: e,
		fired:  make(map[string]time.Time),
	}
}

func (s *rotationScheduler) start() {
	if s.started {
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run()
}

// stop halts the scan loop and waits for it to exit.
func (s *rotationScheduler) stop() {
	if !s.started {
		return
	}
	close(s.stopCh)
	<-s.doneCh
	s.started = false
}

func (s *rotationScheduler) run() {
	defer close(s.doneCh)

	interval := s.engine.options.RotationScanInterval
	timer := s.engine.clock.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-timer.Chan():
			s.scan()
			timer.Reset(interval)
		}
	}
}

// scan publishes one rotation-due alert for every active secret whose
// deadline has passed and has not been alerted yet. Alerts run on the
// scheduler goroutine; handlers must not block.
func (s *rotationScheduler) scan() {
	e := s.engine
	now := e.clock.Now().UTC()

	type dueSecret struct {
		id       string
		deadline time.Time
	}
	var overdue []dueSecret

	e.mu.RLock()
	for id, meta := range e.metadata {
		if !meta.Active || meta.NextRotation.IsZero() {
			continue
		}
		if meta.NextRotation.After(now) {
			continue
		}
		overdue = append(overdue, dueSecret{id: id, deadline: meta.NextRotation})
	}
	e.mu.RUnlock()

	for _, due := range overdue {
		s.mu.Lock()
		alreadyFired := s.fired[due.id].Equal(due.deadline)
		if !alreadyFired {
			s.fired[due.id] = due.deadline
		}
		s.mu.Unlock()

		if alreadyFired {
			continue
		}

		e.notifier.publishRotationDue(RotationDueEvent{
			SecretID:     due.id,
			NextRotation: due.deadline,
			Overdue:      now.Sub(due.deadline),
		})
	}
}

// clearFired forgets the alert marker for an id so its next deadline (or a
// replacement lineage) can alert again.
func (s *rotationScheduler) clearFired(secretID string) {
	s.mu.Lock()
	delete(s.fired, secretID)
	s.mu.Unlock()
}

// clearAllFired forgets every alert marker, used when the registry is
// replaced wholesale.
func (s *rotationScheduler) clearAllFired() {
	s.mu.Lock()
	s.fired = make(map[string]time.Time)
	s.mu.Unlock()
}
