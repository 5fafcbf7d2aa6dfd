package domain

import (
	"time"
)

type StreamID string
type SessionID string
type TrackID string
type HandleID string

// Role is the direction of a transport session.
type Role string

const (
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
)

func (r Role) Valid() bool {
	return r == RolePublisher || r == RoleSubscriber
}

// SessionRecord is the catalog-facing view of a live session. It is what the
// registry persists; the surrounding catalog reads it but never writes it.
type SessionRecord struct {
	ID        SessionID      `json:"id"`
	StreamID  StreamID       `json:"stream_id"`
	UserID    UserID         `json:"user_id"`
	Role      Role           `json:"role"`
	State     LifecycleState `json:"state"`
	Profile   QualityLabel   `json:"profile"`
	LastError string         `json:"last_error,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (r *SessionRecord) Active() bool {
	return r.State == LifecyclePreparing || r.State == LifecycleLive || r.State == LifecycleEnding
}
