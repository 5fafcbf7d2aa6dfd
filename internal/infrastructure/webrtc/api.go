package webrtc

import (
	"fmt"
	"time"

	"livecore/internal/core/domain"
	"livecore/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

// Config WebRTC configuration
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// PlayoutDelay is how far behind arrival received media is played.
	PlayoutDelay time.Duration
}

// CodecPopulator registers codecs on a media engine. The capture layer's
// codec selector fits this signature.
type CodecPopulator func(m *webrtc.MediaEngine) error

// NewAPI builds the pion API shared by every connection: codecs (defaults
// unless populate is given), the default interceptors and the UDP port range.
func NewAPI(cfg Config, populate CodecPopulator) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if populate != nil {
		if err := populate(mediaEngine); err != nil {
			return nil, fmt.Errorf("register codecs: %w", err)
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("udp port range: %w", err)
		}
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}

func (c Config) configuration() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers:   c.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}
}

func toPionDescription(desc domain.SessionDescription) (webrtc.SessionDescription, error) {
	sdpType := webrtc.NewSDPType(desc.Type)
	if sdpType == webrtc.SDPType(webrtc.Unknown) {
		return webrtc.SessionDescription{}, fmt.Errorf("unknown sdp type %q", desc.Type)
	}
	return webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}, nil
}

func fromPionDescription(desc webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

func toPionCandidate(c domain.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromPionCandidate(c webrtc.ICECandidateInit) domain.ICECandidate {
	return domain.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func toPionKind(kind domain.MediaKind) (webrtc.RTPCodecType, error) {
	switch kind {
	case domain.KindVideo:
		return webrtc.RTPCodecTypeVideo, nil
	case domain.KindAudio:
		return webrtc.RTPCodecTypeAudio, nil
	}
	return 0, fmt.Errorf("unknown media kind %q", kind)
}

func toPeerState(state webrtc.PeerConnectionState) (ports.PeerConnectionState, bool) {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return ports.PeerStateNew, true
	case webrtc.PeerConnectionStateConnecting:
		return ports.PeerStateConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return ports.PeerStateConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return ports.PeerStateDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return ports.PeerStateFailed, true
	case webrtc.PeerConnectionStateClosed:
		return ports.PeerStateClosed, true
	}
	return "", false
}
