package domain

type PlaybackErrorKind string

const (
	PlaybackErrDecode         PlaybackErrorKind = "decode"
	PlaybackErrNetwork        PlaybackErrorKind = "network"
	PlaybackErrSourceLost     PlaybackErrorKind = "source_lost"
	PlaybackErrRetryExhausted PlaybackErrorKind = "retry_exhausted"
)

// PlaybackState is the viewer-side playback snapshot. An error or buffering
// always implies IsPlaying is false.
type PlaybackState struct {
	IsPlaying          bool              `json:"is_playing"`
	IsBuffering        bool              `json:"is_buffering"`
	CurrentTimeSeconds float64           `json:"current_time_seconds"`
	Error              PlaybackErrorKind `json:"error,omitempty"`
	RetryAttempts      int               `json:"retry_attempts"`
}

func (s PlaybackState) HasError() bool {
	return s.Error != ""
}
