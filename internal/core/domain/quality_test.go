package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyConnection(t *testing.T) {
	tests := []struct {
		name    string
		latency float64
		dropped float64
		want    ConnectionQuality
	}{
		{"fast and clean", 40, 0, ConnectionExcellent},
		{"good latency", 180, 0, ConnectionGood},
		{"fair latency", 300, 0, ConnectionFair},
		{"slow", 800, 0, ConnectionPoor},
		{"fast but some drops", 40, 0.03, ConnectionGood},
		{"fast but more drops", 40, 0.07, ConnectionFair},
		{"fast but heavy drops", 40, 0.2, ConnectionPoor},
		{"fair latency with small drops stays fair", 300, 0.03, ConnectionFair},
		{"boundary 100ms is good", 100, 0, ConnectionGood},
		{"boundary 500ms is poor", 500, 0, ConnectionPoor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyConnection(tt.latency, tt.dropped))
		})
	}
}

func TestClassifyConnection_Monotonic(t *testing.T) {
	latencies := []float64{0, 50, 99, 100, 200, 249, 250, 400, 499, 500, 1000}
	ratios := []float64{0, 0.01, 0.02, 0.04, 0.05, 0.1, 0.15, 0.5}

	for i := 1; i < len(latencies); i++ {
		for _, r := range ratios {
			prev := ClassifyConnection(latencies[i-1], r)
			cur := ClassifyConnection(latencies[i], r)
			assert.LessOrEqual(t, connectionRank[cur], connectionRank[prev], "latency %v ratio %v", latencies[i], r)
		}
	}
	for _, l := range latencies {
		for i := 1; i < len(ratios); i++ {
			prev := ClassifyConnection(l, ratios[i-1])
			cur := ClassifyConnection(l, ratios[i])
			assert.LessOrEqual(t, connectionRank[cur], connectionRank[prev], "latency %v ratio %v", l, ratios[i])
		}
	}
}

func TestNewTransportStats_Clamps(t *testing.T) {
	s := NewTransportStats(1200, 30, -3, 100, -5, -1.5)

	assert.Equal(t, 0, s.DroppedFrames)
	assert.Equal(t, 0.0, s.RoundTripLatencyMs)
	assert.Equal(t, 0.0, s.BufferedAheadSeconds)
	assert.Equal(t, ConnectionExcellent, s.ConnectionQuality)
}

func TestNewTransportStats_ComputesQuality(t *testing.T) {
	s := NewTransportStats(800, 24, 10, 100, 120, 1)
	assert.InDelta(t, 0.1, s.DroppedRatio(), 1e-9)
	assert.Equal(t, ConnectionFair, s.ConnectionQuality)

	empty := NewTransportStats(0, 0, 0, 0, 20, 0)
	assert.Equal(t, 0.0, empty.DroppedRatio())
}

func TestProfileLadder(t *testing.T) {
	low, err := ProfileFor(QualityLow)
	require.NoError(t, err)

	medium, ok := low.StepUp()
	require.True(t, ok)
	assert.Equal(t, QualityMedium, medium.Label)

	high, ok := medium.StepUp()
	require.True(t, ok)
	assert.Equal(t, QualityHigh, high.Label)

	_, ok = high.StepUp()
	assert.False(t, ok)

	_, ok = low.StepDown()
	assert.False(t, ok)

	assert.True(t, low.Less(high))
	assert.False(t, high.Less(medium))

	_, err = ProfileFor(QualityAuto)
	assert.Error(t, err)
}

func TestProfileStepKeepsAutoFlag(t *testing.T) {
	medium, err := ProfileFor(QualityMedium)
	require.NoError(t, err)
	medium.IsAuto = true

	low, ok := medium.StepDown()
	require.True(t, ok)
	assert.True(t, low.IsAuto)
}

func TestParseQualityLabel(t *testing.T) {
	l, err := ParseQualityLabel(" High ")
	require.NoError(t, err)
	assert.Equal(t, QualityHigh, l)

	l, err = ParseQualityLabel("AUTO")
	require.NoError(t, err)
	assert.Equal(t, QualityAuto, l)

	_, err = ParseQualityLabel("ultra")
	assert.Error(t, err)
}

func TestMediaCountersDelta(t *testing.T) {
	start := time.Now()
	prev := MediaCounters{Timestamp: start, Bytes: 0, Frames: 0, Packets: 0}
	cur := MediaCounters{
		Timestamp:   start.Add(2 * time.Second),
		Bytes:       500_000,
		Frames:      60,
		Packets:     450,
		LostPackets: 50,
		RoundTrip:   80 * time.Millisecond,

		BufferedAheadSeconds: 1.2,
	}

	s := cur.Delta(prev)
	assert.InDelta(t, 2000, s.BitrateKbps, 0.01)
	assert.InDelta(t, 30, s.FPS, 0.01)
	assert.Equal(t, 6, s.DroppedFrames)
	assert.Equal(t, 60, s.FramesTotal)
	assert.InDelta(t, 80, s.RoundTripLatencyMs, 0.01)
	assert.Equal(t, 1.2, s.BufferedAheadSeconds)
	assert.Equal(t, ConnectionFair, s.ConnectionQuality)
}

func TestTransportStateTransitions(t *testing.T) {
	assert.True(t, TransportIdle.CanTransition(TransportOffering))
	assert.True(t, TransportOffering.CanTransition(TransportConnecting))
	assert.True(t, TransportDisconnected.CanTransition(TransportConnecting))
	assert.False(t, TransportIdle.CanTransition(TransportConnected))
	assert.False(t, TransportClosed.CanTransition(TransportOffering))

	assert.False(t, TransportIdle.AcceptsCandidates())
	assert.True(t, TransportDisconnected.AcceptsCandidates())
	assert.False(t, TransportClosed.AcceptsCandidates())
}

func TestCaptureConfigValidate(t *testing.T) {
	assert.Error(t, CaptureConfig{}.Validate())
	assert.NoError(t, CaptureConfig{WantAudio: true}.Validate())
	assert.Error(t, CaptureConfig{WantVideo: true, TargetFrameRate: -1}.Validate())
	assert.Equal(t, []MediaKind{KindVideo, KindAudio}, CaptureConfig{WantVideo: true, WantAudio: true}.WantedKinds())
}
