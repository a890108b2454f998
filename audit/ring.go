package audit

import (
	"sort"
	"sync"
)

// DefaultRingSize bounds the in-memory event buffer when none is configured.
const DefaultRingSize = 1000

// RingLogger keeps the most recent events in a bounded in-memory buffer.
// It is the engine's baseline audit sink: appends cannot fail, eviction
// drops the oldest events first.
type RingLogger struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
	total    int // lifetime append count, survives eviction
}

func NewRingLogger(capacity int) *RingLogger {
	if capacity <= 0 {
		capacity = DefaultRingSize
	}
	return &RingLogger{
		events:   make([]Event, 0, capacity),
		capacity: capacity,
	}
}

// Log implements the Logger interface
func (rl *RingLogger) Log(event Event) error {
	stamp(&event)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.events = append(rl.events, event)
	rl.total++

	if len(rl.events) > rl.capacity {
		// Remove oldest events, keep newest
		rl.events = rl.events[len(rl.events)-rl.capacity:]
	}

	return nil
}

// Query implements the Logger interface
func (rl *RingLogger) Query(options QueryOptions) (QueryResult, error) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	var filtered []Event
	for _, event := range rl.events {
		if matchesFilter(event, options) {
			filtered = append(filtered, event)
		}
	}

	// Newest first
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Timestamp.After(filtered[j].Timestamp)
	})

	start := options.Offset
	if start > len(filtered) {
		start = len(filtered)
	}

	end := len(filtered)
	if options.Limit > 0 && start+options.Limit < end {
		end = start + options.Limit
	}

	return QueryResult{
		Events:     filtered[start:end],
		TotalCount: rl.total,
		Filtered:   len(filtered),
		HasMore:    end < len(filtered),
	}, nil
}

// Events returns a snapshot copy of the buffered events, oldest first.
func (rl *RingLogger) Events() []Event {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	snapshot := make([]Event, len(rl.events))
	copy(snapshot, rl.events)
	return snapshot
}

// Len returns the number of currently buffered events.
func (rl *RingLogger) Len() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.events)
}

// Close implements the Logger interface
func (rl *RingLogger) Close() error {
	return nil
}
