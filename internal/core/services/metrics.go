package services

import (
	"time"

	"livecore/internal/core/domain"
	"livecore/internal/core/ports"
)

type nopMetrics struct{}

func (nopMetrics) RecordLifecycle(domain.Role, domain.LifecycleState)                   {}
func (nopMetrics) RecordTransportState(domain.Role, domain.TransportState)              {}
func (nopMetrics) RecordReconnectAttempt(domain.Role)                                   {}
func (nopMetrics) RecordNegotiation(domain.Role, time.Duration, error)                  {}
func (nopMetrics) RecordQualitySwitch(domain.QualityLabel, domain.QualityLabel, string) {}
func (nopMetrics) RecordBuffering(bool)                                                 {}
func (nopMetrics) RecordPlaybackError(domain.PlaybackErrorKind)                         {}
func (nopMetrics) RecordSignal(string, ports.SignalType)                                {}
func (nopMetrics) ObserveStats(domain.Role, domain.TransportStats)                      {}

func metricsOrNop(m ports.MetricsRecorder) ports.MetricsRecorder {
	if m == nil {
		return nopMetrics{}
	}
	return m
}

// effects collects work to run once a lock is released, so observers and
// blocking teardown never run under a session mutex.
type effects []func()

func (e *effects) add(fn func()) {
	*e = append(*e, fn)
}

func (e effects) run() {
	for _, fn := range e {
		fn()
	}
}
