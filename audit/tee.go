package audit

// TeeLogger fans every event out to the in-memory ring and a durable sink.
// The ring always receives the event, so a failing durable sink degrades
// durability without losing the operational record.
type TeeLogger struct {
	ring    *RingLogger
	durable Logger
}

func NewTeeLogger(ring *RingLogger, durable Logger) *TeeLogger {
	return &TeeLogger{ring: ring, durable: durable}
}

// Ring exposes the in-memory buffer behind the tee.
func (tl *TeeLogger) Ring() *RingLogger {
	return tl.ring
}

// Log implements the Logger interface
func (tl *TeeLogger) Log(event Event) error {
	stamp(&event)
	_ = tl.ring.Log(event)
	return tl.durable.Log(event)
}

// Query prefers the durable sink's deeper history and falls back to the
// ring when the sink cannot answer, as with syslog.
func (tl *TeeLogger) Query(options QueryOptions) (QueryResult, error) {
	result, err := tl.durable.Query(options)
	if err != nil {
		return tl.ring.Query(options)
	}
	return result, nil
}

// Close implements the Logger interface
func (tl *TeeLogger) Close() error {
	if err := tl.ring.Close(); err != nil {
		return err
	}
	return tl.durable.Close()
}
