package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"livecore/internal/core/domain"
	"livecore/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const rtpOutboundMTU = 1200

// ErrNotControllable is returned by encoders that lack the requested control.
var ErrNotControllable = errors.New("encoder control not supported")

// PacketSource is a capture track that encodes itself into RTP.
type PacketSource interface {
	ports.MediaTrack
	Codec() webrtc.RTPCodecCapability
	OpenRTP(mtu int) (PacketReader, error)
}

// PacketReader yields encoded packets until closed.
type PacketReader interface {
	ReadPackets() ([]*rtp.Packet, error)
	SetBitrate(bps int) error
	ForceKeyFrame() error
	Close() error
}

type outgoing struct {
	id     string
	video  bool
	reader PacketReader
}

type incoming struct {
	ssrc  uint32
	video bool
}

// peerConnection adapts a pion connection to ports.PeerConnection. A
// publisher sends the tracks it is given; a subscriber receives whatever
// the remote side sends on its recv transceivers.
type peerConnection struct {
	role    domain.Role
	pc      *webrtc.PeerConnection
	counts  *rtpCounters
	reports *reportTracker
	playout *playoutClock
	logger  *zap.SugaredLogger

	mu         sync.Mutex
	outgoing   []outgoing
	incoming   []incoming
	targetKbps int
	closed     bool
}

var _ ports.PeerConnection = (*peerConnection)(nil)

func newPeerConnection(api *webrtc.API, cfg Config, role domain.Role, logger *zap.SugaredLogger) (*peerConnection, error) {
	pc, err := api.NewPeerConnection(cfg.configuration())
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := &peerConnection{
		role:    role,
		pc:      pc,
		counts:  newRTPCounters(),
		reports: newReportTracker(),
		playout: newPlayoutClock(cfg.PlayoutDelay),
		logger:  logger,
	}
	if role == domain.RoleSubscriber {
		pc.OnTrack(p.handleRemoteTrack)
	}
	return p, nil
}

func (p *peerConnection) AddTrack(track ports.MediaTrack) error {
	if p.role != domain.RolePublisher {
		return domain.ErrWrongRole
	}
	src, ok := track.(PacketSource)
	if !ok {
		return fmt.Errorf("track %s does not produce rtp", track.ID())
	}
	if p.isClosed() {
		return domain.ErrSessionClosed
	}

	capability := src.Codec()
	local, err := webrtc.NewTrackLocalStaticRTP(capability, src.ID(), "livecore")
	if err != nil {
		return fmt.Errorf("local track %s: %w", src.ID(), err)
	}
	sender, err := p.pc.AddTrack(local)
	if err != nil {
		return fmt.Errorf("add track %s: %w", src.ID(), err)
	}
	reader, err := src.OpenRTP(rtpOutboundMTU)
	if err != nil {
		return fmt.Errorf("open rtp reader %s: %w", src.ID(), err)
	}

	out := outgoing{id: src.ID(), video: src.Kind() == domain.KindVideo, reader: reader}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		reader.Close()
		return domain.ErrSessionClosed
	}
	p.outgoing = append(p.outgoing, out)
	target := p.targetKbps
	p.mu.Unlock()

	if target > 0 && out.video {
		p.applyBitrate(out, target*1000)
	}

	go p.pump(src, out, local)
	go p.readSenderRTCP(sender, out, capability.ClockRate)
	return nil
}

// pump copies encoded packets into the local track. Packets of a disabled
// track are dropped so the device keeps running.
func (p *peerConnection) pump(src PacketSource, out outgoing, local *webrtc.TrackLocalStaticRTP) {
	for {
		pkts, err := out.reader.ReadPackets()
		if err != nil {
			if !p.isClosed() {
				p.logger.Warnw("error reading encoded track", "track_id", out.id, "error", err)
			}
			return
		}
		if !src.Enabled() {
			continue
		}

		now := time.Now()
		for _, pkt := range pkts {
			p.counts.observe(pkt, out.video, 0, now)
			if err := local.WriteRTP(pkt); err != nil {
				p.logger.Debugw("error writing RTP packet to local track", "track_id", out.id, "error", err)
			}
		}
	}
}

func (p *peerConnection) readSenderRTCP(sender *webrtc.RTPSender, out outgoing, clockRate uint32) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}

		now := time.Now()
		for _, packet := range packets {
			switch pkt := packet.(type) {
			case *rtcp.ReceiverReport:
				for _, report := range pkt.Reports {
					p.reports.observe(report, clockRate, now)
				}
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				if err := out.reader.ForceKeyFrame(); err != nil && !errors.Is(err, ErrNotControllable) {
					p.logger.Debugw("failed to force key frame", "track_id", out.id, "error", err)
				}
			case *rtcp.ReceiverEstimatedMaximumBitrate:
				if !out.video {
					continue
				}
				bps := int(pkt.Bitrate)
				p.mu.Lock()
				if p.targetKbps > 0 && p.targetKbps*1000 < bps {
					bps = p.targetKbps * 1000
				}
				p.mu.Unlock()
				p.applyBitrate(out, bps)
			}
		}
	}
}

func (p *peerConnection) applyBitrate(out outgoing, bps int) {
	if err := out.reader.SetBitrate(bps); err != nil && !errors.Is(err, ErrNotControllable) {
		p.logger.Debugw("failed to set encoder bitrate", "track_id", out.id, "bps", bps, "error", err)
	}
}

func (p *peerConnection) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	in := incoming{ssrc: uint32(track.SSRC()), video: track.Kind() == webrtc.RTPCodecTypeVideo}
	clockRate := track.Codec().ClockRate

	p.mu.Lock()
	p.incoming = append(p.incoming, in)
	target := p.targetKbps
	p.mu.Unlock()

	p.logger.Infow("remote track started",
		"track_id", track.ID(),
		"ssrc", in.ssrc,
		"codec", track.Codec().MimeType,
	)

	if target > 0 {
		if err := p.pc.WriteRTCP(feedback(target, []incoming{in})); err != nil {
			p.logger.Debugw("failed to send bitrate estimate", "ssrc", in.ssrc, "error", err)
		}
	}

	// interceptors only see RTCP that is read
	go func() {
		for {
			if _, _, err := receiver.ReadRTCP(); err != nil {
				return
			}
		}
	}()

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		now := time.Now()
		p.counts.observe(pkt, in.video, clockRate, now)
		p.playout.observe(in.ssrc, pkt.Timestamp, clockRate, now)
	}
}

func (p *peerConnection) AddRecvTransceiver(kind domain.MediaKind) error {
	if p.role != domain.RoleSubscriber {
		return domain.ErrWrongRole
	}
	codecType, err := toPionKind(kind)
	if err != nil {
		return err
	}
	_, err = p.pc.AddTransceiverFromKind(codecType, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (p *peerConnection) CreateOffer(ctx context.Context, iceRestart bool) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	offer, err := p.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return domain.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPionDescription(offer), nil
}

func (p *peerConnection) SetRemoteDescription(desc domain.SessionDescription) error {
	remote, err := toPionDescription(desc)
	if err != nil {
		return err
	}
	return p.pc.SetRemoteDescription(remote)
}

func (p *peerConnection) AddICECandidate(candidate domain.ICECandidate) error {
	return p.pc.AddICECandidate(toPionCandidate(candidate))
}

// SetTargetBitrate sends REMB and a keyframe request upstream when
// receiving, and retunes the video encoders when sending.
func (p *peerConnection) SetTargetBitrate(kbps int) error {
	if kbps <= 0 {
		return fmt.Errorf("target bitrate must be positive, got %d", kbps)
	}

	p.mu.Lock()
	p.targetKbps = kbps
	outs := append([]outgoing(nil), p.outgoing...)
	ins := append([]incoming(nil), p.incoming...)
	p.mu.Unlock()

	if p.role == domain.RolePublisher {
		for _, out := range outs {
			if out.video {
				p.applyBitrate(out, kbps*1000)
			}
		}
		return nil
	}

	if len(ins) == 0 {
		return nil
	}
	return p.pc.WriteRTCP(feedback(kbps, ins))
}

// feedback is a REMB covering every stream plus a PLI per video stream.
func feedback(kbps int, streams []incoming) []rtcp.Packet {
	remb := &rtcp.ReceiverEstimatedMaximumBitrate{Bitrate: float32(kbps * 1000)}
	packets := []rtcp.Packet{remb}
	for _, s := range streams {
		remb.SSRCs = append(remb.SSRCs, s.ssrc)
		if s.video {
			packets = append(packets, &rtcp.PictureLossIndication{MediaSSRC: s.ssrc})
		}
	}
	return packets
}

func (p *peerConnection) ReadCounters(ctx context.Context) (domain.MediaCounters, error) {
	if err := ctx.Err(); err != nil {
		return domain.MediaCounters{}, err
	}

	now := time.Now()
	snap := p.counts.snapshot()
	out := domain.MediaCounters{
		Timestamp:   now,
		Bytes:       snap.Bytes,
		Frames:      snap.Frames,
		Packets:     snap.Packets,
		LostPackets: snap.Lost,
		Jitter:      snap.Jitter,
	}

	if p.role == domain.RolePublisher {
		out.LostPackets, out.Jitter, out.RoundTrip = p.reports.totals()
	} else {
		out.BufferedAheadSeconds = p.playout.bufferedAhead(now)
	}
	if rtt := p.candidatePairRTT(); rtt > 0 {
		out.RoundTrip = rtt
	}
	return out, nil
}

// candidatePairRTT is the STUN round trip of the nominated pair.
func (p *peerConnection) candidatePairRTT() time.Duration {
	for _, s := range p.pc.GetStats() {
		pair, ok := s.(webrtc.ICECandidatePairStats)
		if !ok || !pair.Nominated || pair.CurrentRoundTripTime <= 0 {
			continue
		}
		return time.Duration(pair.CurrentRoundTripTime * float64(time.Second))
	}
	return 0
}

func (p *peerConnection) OnConnectionStateChange(fn func(ports.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if mapped, ok := toPeerState(state); ok {
			fn(mapped)
		}
	})
}

func (p *peerConnection) OnICECandidate(fn func(domain.ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		fn(fromPionCandidate(c.ToJSON()))
	})
}

func (p *peerConnection) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *peerConnection) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	outs := p.outgoing
	p.outgoing = nil
	p.mu.Unlock()

	for _, out := range outs {
		if err := out.reader.Close(); err != nil {
			p.logger.Debugw("failed to close encoded reader", "track_id", out.id, "error", err)
		}
	}
	return p.pc.Close()
}
