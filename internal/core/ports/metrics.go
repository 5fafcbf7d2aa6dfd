package ports

import (
	"time"

	"livecore/internal/core/domain"
)

// MetricsRecorder receives domain events for export.
type MetricsRecorder interface {
	RecordLifecycle(role domain.Role, state domain.LifecycleState)
	RecordTransportState(role domain.Role, state domain.TransportState)
	RecordReconnectAttempt(role domain.Role)
	RecordNegotiation(role domain.Role, duration time.Duration, err error)
	RecordQualitySwitch(from, to domain.QualityLabel, reason string)
	RecordBuffering(buffering bool)
	RecordPlaybackError(kind domain.PlaybackErrorKind)
	RecordSignal(direction string, msgType SignalType)
	ObserveStats(role domain.Role, stats domain.TransportStats)
}
