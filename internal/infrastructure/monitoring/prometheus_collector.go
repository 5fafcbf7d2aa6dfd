package monitoring

import (
	"time"

	"livecore/internal/core/domain"
	"livecore/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Counters
	lifecycleTransitions *prometheus.CounterVec
	transportTransitions *prometheus.CounterVec
	reconnectAttempts    *prometheus.CounterVec
	qualitySwitches      *prometheus.CounterVec
	playbackErrors       *prometheus.CounterVec
	signalMessages       *prometheus.CounterVec

	// Histograms
	negotiationDuration *prometheus.HistogramVec
	roundTripLatency    *prometheus.HistogramVec

	// Current sample
	lifecycleState *prometheus.GaugeVec
	bitrate        *prometheus.GaugeVec
	frameRate      *prometheus.GaugeVec
	droppedRatio   *prometheus.GaugeVec
	bufferedAhead  prometheus.Gauge
	buffering      prometheus.Gauge

	registerer prometheus.Registerer
}

var _ ports.MetricsRecorder = (*PrometheusCollector)(nil)

var lifecycleStates = []domain.LifecycleState{
	domain.LifecycleIdle,
	domain.LifecyclePreparing,
	domain.LifecycleLive,
	domain.LifecycleEnding,
	domain.LifecycleEnded,
	domain.LifecycleFailed,
}

// NewPrometheusCollector registers on reg, or on the default registry when
// reg is nil.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		registerer: reg,

		lifecycleTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livecore_lifecycle_transitions_total",
			Help: "Session lifecycle transitions by role and target state",
		}, []string{"role", "state"}),

		transportTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livecore_transport_transitions_total",
			Help: "Transport session state transitions by role and target state",
		}, []string{"role", "state"}),

		reconnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livecore_reconnect_attempts_total",
			Help: "Transport reconnection attempts",
		}, []string{"role"}),

		qualitySwitches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livecore_quality_switches_total",
			Help: "Quality profile switches",
		}, []string{"from", "to", "reason"}),

		playbackErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livecore_playback_errors_total",
			Help: "Playback errors by kind",
		}, []string{"kind"}),

		signalMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livecore_signal_messages_total",
			Help: "Signaling messages by direction and type",
		}, []string{"direction", "type"}),

		negotiationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "livecore_negotiation_duration_seconds",
			Help:    "Time from local offer to applied answer",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"role", "result"}),

		roundTripLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "livecore_round_trip_latency_seconds",
			Help:    "Sampled transport round trip latency",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"role"}),

		lifecycleState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livecore_lifecycle_state",
			Help: "1 for the current lifecycle state of each role",
		}, []string{"role", "state"}),

		bitrate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livecore_bitrate_kbps",
			Help: "Last sampled bitrate",
		}, []string{"role"}),

		frameRate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livecore_frame_rate",
			Help: "Last sampled frames per second",
		}, []string{"role"}),

		droppedRatio: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livecore_dropped_frame_ratio",
			Help: "Dropped frames over total frames in the last sample",
		}, []string{"role"}),

		bufferedAhead: factory.NewGauge(prometheus.GaugeOpts{
			Name: "livecore_buffered_ahead_seconds",
			Help: "Media buffered ahead of the playout position",
		}),

		buffering: factory.NewGauge(prometheus.GaugeOpts{
			Name: "livecore_playback_buffering",
			Help: "1 while playback is stalled waiting for data",
		}),
	}
}

func (p *PrometheusCollector) RecordLifecycle(role domain.Role, state domain.LifecycleState) {
	p.lifecycleTransitions.WithLabelValues(string(role), string(state)).Inc()
	for _, s := range lifecycleStates {
		v := 0.0
		if s == state {
			v = 1
		}
		p.lifecycleState.WithLabelValues(string(role), string(s)).Set(v)
	}
}

func (p *PrometheusCollector) RecordTransportState(role domain.Role, state domain.TransportState) {
	p.transportTransitions.WithLabelValues(string(role), string(state)).Inc()
}

func (p *PrometheusCollector) RecordReconnectAttempt(role domain.Role) {
	p.reconnectAttempts.WithLabelValues(string(role)).Inc()
}

func (p *PrometheusCollector) RecordNegotiation(role domain.Role, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.negotiationDuration.WithLabelValues(string(role), result).Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordQualitySwitch(from, to domain.QualityLabel, reason string) {
	p.qualitySwitches.WithLabelValues(string(from), string(to), reason).Inc()
}

func (p *PrometheusCollector) RecordBuffering(buffering bool) {
	if buffering {
		p.buffering.Set(1)
		return
	}
	p.buffering.Set(0)
}

func (p *PrometheusCollector) RecordPlaybackError(kind domain.PlaybackErrorKind) {
	p.playbackErrors.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) RecordSignal(direction string, msgType ports.SignalType) {
	p.signalMessages.WithLabelValues(direction, string(msgType)).Inc()
}

func (p *PrometheusCollector) ObserveStats(role domain.Role, stats domain.TransportStats) {
	r := string(role)
	p.bitrate.WithLabelValues(r).Set(stats.BitrateKbps)
	p.frameRate.WithLabelValues(r).Set(stats.FPS)
	p.droppedRatio.WithLabelValues(r).Set(stats.DroppedRatio())
	if stats.RoundTripLatencyMs > 0 {
		p.roundTripLatency.WithLabelValues(r).Observe(stats.RoundTripLatencyMs / 1000)
	}
	if role == domain.RoleSubscriber {
		p.bufferedAhead.Set(stats.BufferedAheadSeconds)
	}
}

// RelayCounts is what the relay exposes as gauges.
type RelayCounts struct {
	Rooms       int
	Publishers  int
	Subscribers int
}

// TrackRelay exports relay occupancy, read at scrape time.
func (p *PrometheusCollector) TrackRelay(counts func() RelayCounts) {
	factory := promauto.With(p.registerer)
	gauge := func(name, help string, pick func(RelayCounts) int) {
		factory.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return float64(pick(counts()))
		})
	}
	gauge("livecore_relay_rooms", "Streams with a publisher or subscribers", func(c RelayCounts) int { return c.Rooms })
	gauge("livecore_relay_publishers", "Connected publishers", func(c RelayCounts) int { return c.Publishers })
	gauge("livecore_relay_subscribers", "Connected subscribers", func(c RelayCounts) int { return c.Subscribers })
}
