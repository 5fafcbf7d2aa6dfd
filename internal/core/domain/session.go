package domain

import "time"

type TransportState string

const (
	TransportIdle         TransportState = "idle"
	TransportOffering     TransportState = "offering"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
	TransportClosed       TransportState = "closed"
)

var transportTransitions = map[TransportState][]TransportState{
	TransportIdle:         {TransportOffering, TransportClosed},
	TransportOffering:     {TransportConnecting, TransportClosed},
	TransportConnecting:   {TransportConnected, TransportDisconnected, TransportClosed},
	TransportConnected:    {TransportDisconnected, TransportClosed},
	TransportDisconnected: {TransportConnecting, TransportConnected, TransportClosed},
}

// CanTransition reports whether the state machine allows from -> to.
func (s TransportState) CanTransition(to TransportState) bool {
	for _, next := range transportTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// AcceptsCandidates reports whether remote ICE candidates may be added.
func (s TransportState) AcceptsCandidates() bool {
	switch s {
	case TransportOffering, TransportConnecting, TransportConnected, TransportDisconnected:
		return true
	}
	return false
}

// SessionDescription is an opaque SDP blob with its type ("offer" or "answer").
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

const (
	SDPTypeOffer  = "offer"
	SDPTypeAnswer = "answer"
)

// ICECandidate is a trickled candidate in its JSON init form.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// TransportSession is a snapshot of one publish or subscribe connection.
// The transport service owns the live value; callers only ever see copies.
type TransportSession struct {
	ID                SessionID           `json:"id"`
	Role              Role                `json:"role"`
	State             TransportState      `json:"state"`
	LocalDescription  *SessionDescription `json:"local_description,omitempty"`
	RemoteDescription *SessionDescription `json:"remote_description,omitempty"`
	ICECandidates     []ICECandidate      `json:"ice_candidates"`
	Profile           QualityProfile      `json:"profile"`
	ReconnectAttempts int                 `json:"reconnect_attempts"`
	CreatedAt         time.Time           `json:"created_at"`
}

// Clone returns a deep copy safe to hand out.
func (s *TransportSession) Clone() *TransportSession {
	c := *s
	if s.LocalDescription != nil {
		d := *s.LocalDescription
		c.LocalDescription = &d
	}
	if s.RemoteDescription != nil {
		d := *s.RemoteDescription
		c.RemoteDescription = &d
	}
	c.ICECandidates = append([]ICECandidate(nil), s.ICECandidates...)
	return &c
}
