package domain

import "time"

// Metrics receives operational counters from sessions and the registry.
type Metrics interface {
	ObserveSessionStart(server string, err error)
	ObserveSessionStop(server string)
	SetActiveSessions(count int)
	ObserveInvocation(server string, state string, duration time.Duration)
	ObserveLogEntry(server, stream string)
	ObserveLogEviction(server string)
	ObserveProtocolAnomaly(server, kind string)
}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) ObserveSessionStart(string, error)               {}
func (NopMetrics) ObserveSessionStop(string)                       {}
func (NopMetrics) SetActiveSessions(int)                           {}
func (NopMetrics) ObserveInvocation(string, string, time.Duration) {}
func (NopMetrics) ObserveLogEntry(string, string)                  {}
func (NopMetrics) ObserveLogEviction(string)                       {}
func (NopMetrics) ObserveProtocolAnomaly(string, string)           {}
