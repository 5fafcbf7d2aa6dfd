package ports

import (
	"context"

	"livecore/internal/core/domain"
)

// MediaTrack is one captured audio or video track.
type MediaTrack interface {
	ID() string
	Kind() domain.MediaKind
	Enabled() bool
	// SetEnabled mutes or unmutes the track without touching the device.
	SetEnabled(enabled bool) error
	Stop() error
}

type MediaStream interface {
	Tracks() []MediaTrack
}

// MediaPlatform is the device layer. Implementations wrap their failures
// with domain.ErrPermissionDenied, domain.ErrDeviceNotFound or
// domain.ErrDeviceBusy where the cause is known.
type MediaPlatform interface {
	EnumerateDevices(ctx context.Context) ([]domain.DeviceDescriptor, error)
	Open(ctx context.Context, cfg domain.CaptureConfig) (MediaStream, error)
}
