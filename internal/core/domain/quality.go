package domain

import (
	"fmt"
	"strings"
)

type QualityLabel string

const (
	QualityAuto   QualityLabel = "auto"
	QualityLow    QualityLabel = "low"
	QualityMedium QualityLabel = "medium"
	QualityHigh   QualityLabel = "high"
)

// QualityProfile is one entry of the fixed profile ladder. IsAuto marks a
// profile chosen by the controller rather than by the user.
type QualityProfile struct {
	Label             QualityLabel `json:"label"`
	TargetBitrateKbps int          `json:"target_bitrate_kbps"`
	TargetResolution  Resolution   `json:"target_resolution"`
	IsAuto            bool         `json:"is_auto"`
}

// profileLadder is ordered low < medium < high.
var profileLadder = []QualityProfile{
	{Label: QualityLow, TargetBitrateKbps: 600, TargetResolution: Resolution{Width: 640, Height: 360}},
	{Label: QualityMedium, TargetBitrateKbps: 1500, TargetResolution: Resolution{Width: 960, Height: 540}},
	{Label: QualityHigh, TargetBitrateKbps: 2500, TargetResolution: Resolution{Width: 1280, Height: 720}},
}

// Profiles returns the ladder from lowest to highest.
func Profiles() []QualityProfile {
	return append([]QualityProfile(nil), profileLadder...)
}

// ProfileFor returns the ladder profile for label. "auto" is not a ladder entry.
func ProfileFor(label QualityLabel) (QualityProfile, error) {
	for _, p := range profileLadder {
		if p.Label == label {
			return p, nil
		}
	}
	return QualityProfile{}, fmt.Errorf("unknown quality profile %q", label)
}

// ParseQualityLabel accepts any case and surrounding space.
func ParseQualityLabel(s string) (QualityLabel, error) {
	label := QualityLabel(strings.ToLower(strings.TrimSpace(s)))
	if label == QualityAuto {
		return label, nil
	}
	if _, err := ProfileFor(label); err != nil {
		return "", err
	}
	return label, nil
}

func (p QualityProfile) rank() int {
	for i, lp := range profileLadder {
		if lp.Label == p.Label {
			return i
		}
	}
	return -1
}

// Less orders profiles along the ladder.
func (p QualityProfile) Less(other QualityProfile) bool {
	return p.rank() < other.rank()
}

// StepDown returns the next lower profile and false when already at the bottom.
func (p QualityProfile) StepDown() (QualityProfile, bool) {
	r := p.rank()
	if r <= 0 {
		return p, false
	}
	next := profileLadder[r-1]
	next.IsAuto = p.IsAuto
	return next, true
}

// StepUp returns the next higher profile and false when already at the top.
func (p QualityProfile) StepUp() (QualityProfile, bool) {
	r := p.rank()
	if r < 0 || r >= len(profileLadder)-1 {
		return p, false
	}
	next := profileLadder[r+1]
	next.IsAuto = p.IsAuto
	return next, true
}

type ConnectionQuality string

const (
	ConnectionExcellent ConnectionQuality = "excellent"
	ConnectionGood      ConnectionQuality = "good"
	ConnectionFair      ConnectionQuality = "fair"
	ConnectionPoor      ConnectionQuality = "poor"
)

var connectionRank = map[ConnectionQuality]int{
	ConnectionPoor:      0,
	ConnectionFair:      1,
	ConnectionGood:      2,
	ConnectionExcellent: 3,
}

// Worse returns the lower of the two classifications.
func (q ConnectionQuality) Worse(other ConnectionQuality) ConnectionQuality {
	if connectionRank[other] < connectionRank[q] {
		return other
	}
	return q
}

// Connection classification thresholds.
const (
	LatencyExcellentMs = 100.0
	LatencyGoodMs      = 250.0
	LatencyFairMs      = 500.0

	DroppedCapGood = 0.02
	DroppedCapFair = 0.05
	DroppedPoor    = 0.15
)

// ClassifyConnection maps round-trip latency and dropped-frame ratio to a
// quality class. It is monotonic: more latency or more drops never improve
// the result.
func ClassifyConnection(latencyMs, droppedRatio float64) ConnectionQuality {
	var q ConnectionQuality
	switch {
	case latencyMs < LatencyExcellentMs:
		q = ConnectionExcellent
	case latencyMs < LatencyGoodMs:
		q = ConnectionGood
	case latencyMs < LatencyFairMs:
		q = ConnectionFair
	default:
		q = ConnectionPoor
	}

	switch {
	case droppedRatio >= DroppedPoor:
		q = ConnectionPoor
	case droppedRatio >= DroppedCapFair:
		q = q.Worse(ConnectionFair)
	case droppedRatio >= DroppedCapGood:
		q = q.Worse(ConnectionGood)
	}
	return q
}

// TransportStats is one sampling tick. Build it with NewTransportStats so
// the quality class always matches the measurements.
type TransportStats struct {
	BitrateKbps          float64           `json:"bitrate_kbps"`
	FPS                  float64           `json:"fps"`
	DroppedFrames        int               `json:"dropped_frames"`
	FramesTotal          int               `json:"frames_total"`
	RoundTripLatencyMs   float64           `json:"round_trip_latency_ms"`
	BufferedAheadSeconds float64           `json:"buffered_ahead_seconds"`
	ConnectionQuality    ConnectionQuality `json:"connection_quality"`
}

func NewTransportStats(bitrateKbps, fps float64, droppedFrames, framesTotal int, rttMs, bufferedAhead float64) TransportStats {
	if droppedFrames < 0 {
		droppedFrames = 0
	}
	if framesTotal < droppedFrames {
		framesTotal = droppedFrames
	}
	if rttMs < 0 {
		rttMs = 0
	}
	if bufferedAhead < 0 {
		bufferedAhead = 0
	}

	s := TransportStats{
		BitrateKbps:          bitrateKbps,
		FPS:                  fps,
		DroppedFrames:        droppedFrames,
		FramesTotal:          framesTotal,
		RoundTripLatencyMs:   rttMs,
		BufferedAheadSeconds: bufferedAhead,
	}
	s.ConnectionQuality = ClassifyConnection(rttMs, s.DroppedRatio())
	return s
}

func (s TransportStats) DroppedRatio() float64 {
	if s.FramesTotal <= 0 {
		return 0
	}
	return float64(s.DroppedFrames) / float64(s.FramesTotal)
}

// QualityChange is one entry in the controller history.
type QualityChange struct {
	From   QualityProfile `json:"from"`
	To     QualityProfile `json:"to"`
	Reason string         `json:"reason"`
	Stats  TransportStats `json:"stats"`
}
