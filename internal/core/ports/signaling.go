package ports

import (
	"context"
	"encoding/json"

	"livecore/internal/core/domain"
)

type SignalType string

const (
	SignalJoin         SignalType = "join"
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice_candidate"
	SignalProfile      SignalType = "profile"
	SignalBye          SignalType = "bye"
	SignalError        SignalType = "error"
)

// SignalMessage is the envelope exchanged with the signaling collaborator.
// Payload is opaque to everything but the transport session.
type SignalMessage struct {
	Type      SignalType       `json:"type"`
	SessionID domain.SessionID `json:"session_id,omitempty"`
	StreamID  domain.StreamID  `json:"stream_id,omitempty"`
	Role      domain.Role      `json:"role,omitempty"`
	PeerID    string           `json:"peer_id,omitempty"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
}

type SignalingChannel interface {
	Send(ctx context.Context, msg SignalMessage) error
	OnReceive(fn func(SignalMessage))
	Close() error
}

// IdentityProvider supplies the stable id of the acting user.
type IdentityProvider interface {
	UserFromContext(ctx context.Context) (domain.UserID, error)
}
