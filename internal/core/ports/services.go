package ports

import (
	"context"

	"livecore/internal/core/domain"
)

// SessionSnapshot is the externally visible state of the current session.
type SessionSnapshot struct {
	State     domain.LifecycleState    `json:"state"`
	Record    *domain.SessionRecord    `json:"record,omitempty"`
	Transport *domain.TransportSession `json:"transport,omitempty"`
	Stats     *domain.TransportStats   `json:"stats,omitempty"`
	Playback  *domain.PlaybackState    `json:"playback,omitempty"`
	Profile   domain.QualityProfile    `json:"profile"`
	Manual    bool                     `json:"manual"`
	LastError string                   `json:"last_error,omitempty"`
}

// SessionControl is what the control API drives.
type SessionControl interface {
	ListDevices(ctx context.Context) (cameras, microphones []domain.DeviceDescriptor, err error)
	StartPublishing(ctx context.Context, streamID domain.StreamID, cfg domain.CaptureConfig) (*domain.SessionRecord, error)
	StartViewing(ctx context.Context, streamID domain.StreamID) (*domain.SessionRecord, error)
	Stop(ctx context.Context) error
	Snapshot() SessionSnapshot
	SetQuality(ctx context.Context, label domain.QualityLabel) (domain.QualityProfile, error)
	SetTrackEnabled(kind domain.MediaKind, enabled bool) error
	Retry(ctx context.Context) error
	QualityHistory() []domain.QualityChange
}
