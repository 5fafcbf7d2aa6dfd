package ports

import (
	"context"

	"livecore/internal/core/domain"
)

type PeerConnectionState string

const (
	PeerStateNew          PeerConnectionState = "new"
	PeerStateConnecting   PeerConnectionState = "connecting"
	PeerStateConnected    PeerConnectionState = "connected"
	PeerStateDisconnected PeerConnectionState = "disconnected"
	PeerStateFailed       PeerConnectionState = "failed"
	PeerStateClosed       PeerConnectionState = "closed"
)

// PeerConnection is the WebRTC connection behind one transport session.
// Callbacks may fire on any goroutine.
type PeerConnection interface {
	AddTrack(track MediaTrack) error
	AddRecvTransceiver(kind domain.MediaKind) error
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer(ctx context.Context, iceRestart bool) (domain.SessionDescription, error)
	SetRemoteDescription(desc domain.SessionDescription) error
	AddICECandidate(candidate domain.ICECandidate) error
	// SetTargetBitrate asks the remote sender (subscriber) or the local
	// encoders (publisher) to aim for kbps.
	SetTargetBitrate(kbps int) error
	ReadCounters(ctx context.Context) (domain.MediaCounters, error)
	OnConnectionStateChange(fn func(PeerConnectionState))
	OnICECandidate(fn func(domain.ICECandidate))
	Close() error
}

type PeerConnectionFactory interface {
	NewPeerConnection(role domain.Role) (PeerConnection, error)
}
