package media

import (
	"sync"

	"livecore/internal/core/domain"
	"livecore/internal/core/ports"
	rtc "livecore/internal/infrastructure/webrtc"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

type stream struct {
	tracks []ports.MediaTrack
}

func (s *stream) Tracks() []ports.MediaTrack { return s.tracks }

// wrapStream orders video before audio.
func wrapStream(ms mediadevices.MediaStream) *stream {
	s := &stream{}
	for _, t := range ms.GetVideoTracks() {
		s.tracks = append(s.tracks, newTrack(t, domain.KindVideo, videoCodec))
	}
	for _, t := range ms.GetAudioTracks() {
		s.tracks = append(s.tracks, newTrack(t, domain.KindAudio, audioCodec))
	}
	return s
}

func closeAll(ms mediadevices.MediaStream) {
	for _, t := range ms.GetTracks() {
		t.Close()
	}
}

// track is a captured device track that encodes into RTP on demand.
type track struct {
	inner      mediadevices.Track
	kind       domain.MediaKind
	capability webrtc.RTPCodecCapability

	mu      sync.Mutex
	enabled bool
	stopped bool
}

var _ rtc.PacketSource = (*track)(nil)

func newTrack(inner mediadevices.Track, kind domain.MediaKind, capability webrtc.RTPCodecCapability) *track {
	return &track{inner: inner, kind: kind, capability: capability, enabled: true}
}

func (t *track) ID() string                       { return t.inner.ID() }
func (t *track) Kind() domain.MediaKind           { return t.kind }
func (t *track) Codec() webrtc.RTPCodecCapability { return t.capability }

func (t *track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *track) SetEnabled(enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return domain.ErrHandleReleased
	}
	t.enabled = enabled
	return nil
}

// Stop releases the device. Later calls do nothing.
func (t *track) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.enabled = false
	t.mu.Unlock()
	return t.inner.Close()
}

// OpenRTP starts an encoder. The SSRC is left to the outgoing track, which
// rewrites it per connection.
func (t *track) OpenRTP(mtu int) (rtc.PacketReader, error) {
	reader, err := t.inner.NewRTPReader(t.capability.MimeType, 0, mtu)
	if err != nil {
		return nil, err
	}
	return &rtpReader{inner: reader}, nil
}

type rtpReader struct {
	inner mediadevices.RTPReadCloser
}

func (r *rtpReader) ReadPackets() ([]*rtp.Packet, error) {
	pkts, release, err := r.inner.Read()
	if err != nil {
		return nil, err
	}
	// the encoder reuses its buffers after release
	out := make([]*rtp.Packet, len(pkts))
	for i, pkt := range pkts {
		out[i] = pkt.Clone()
	}
	if release != nil {
		release()
	}
	return out, nil
}

func (r *rtpReader) SetBitrate(bps int) error {
	ctrl, ok := r.inner.Controller().(codec.BitRateController)
	if !ok {
		return rtc.ErrNotControllable
	}
	return ctrl.SetBitRate(bps)
}

func (r *rtpReader) ForceKeyFrame() error {
	ctrl, ok := r.inner.Controller().(codec.KeyFrameController)
	if !ok {
		return rtc.ErrNotControllable
	}
	return ctrl.ForceKeyFrame()
}

func (r *rtpReader) Close() error {
	return r.inner.Close()
}
