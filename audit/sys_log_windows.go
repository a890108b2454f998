//go:build windows

package audit

import "fmt"

// SyslogLogger is unavailable where the platform has no syslog facility.
type SyslogLogger struct{}

func NewSyslogLogger(config *Config) (*SyslogLogger, error) {
	return nil, fmt.Errorf("syslog audit logging is not supported on this platform")
}

func (s *SyslogLogger) Log(event Event) error { return nil }

func (s *SyslogLogger) Query(options QueryOptions) (QueryResult, error) {
	return QueryResult{}, fmt.Errorf("syslog logger does not support querying historical data")
}

func (s *SyslogLogger) Close() error { return nil }
