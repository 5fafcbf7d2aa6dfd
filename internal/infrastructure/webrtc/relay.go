package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"livecore/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var (
	ErrStreamNotLive   = errors.New("stream not live")
	ErrPublisherExists = errors.New("stream already has a publisher")
	ErrPeerNotFound    = errors.New("peer not found")
)

// Relay forwards one publisher's tracks to every subscriber of the same
// stream. Peers are keyed by the transport session id the client chose.
type Relay struct {
	api    *webrtc.API
	config Config
	logger *zap.SugaredLogger

	mu              sync.RWMutex
	rooms           map[domain.StreamID]*room
	onPublisherLeft func(streamID domain.StreamID)
}

type room struct {
	streamID    domain.StreamID
	publisher   *relayPeer
	forwarders  map[string]*trackForwarder
	subscribers map[domain.SessionID]*relayPeer
	// estimates holds the latest REMB from each subscriber
	estimates map[domain.SessionID]float32
}

type relayPeer struct {
	sessionID domain.SessionID
	role      domain.Role
	pc        *webrtc.PeerConnection
	createdAt time.Time
}

// trackForwarder fans one publisher track out to the subscribers.
type trackForwarder struct {
	trackID string
	kind    webrtc.RTPCodecType
	// ssrc of the publisher's stream, target of forwarded feedback
	ssrc  uint32
	track *webrtc.TrackLocalStaticRTP
}

// RelayStats is a point-in-time count of what the relay carries.
type RelayStats struct {
	Rooms       int `json:"rooms"`
	Publishers  int `json:"publishers"`
	Subscribers int `json:"subscribers"`
	Tracks      int `json:"tracks"`
}

func NewRelay(config Config, logger *zap.SugaredLogger) (*Relay, error) {
	api, err := NewAPI(config, nil)
	if err != nil {
		return nil, err
	}
	return &Relay{
		api:    api,
		config: config,
		logger: logger,
		rooms:  make(map[domain.StreamID]*room),
	}, nil
}

// OnPublisherLeft registers fn, called after a publisher is removed and its
// subscribers are closed.
func (r *Relay) OnPublisherLeft(fn func(streamID domain.StreamID)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPublisherLeft = fn
}

// HandleOffer answers an offer. A repeated offer for a known session is a
// renegotiation (ICE restart) on the existing connection.
func (r *Relay) HandleOffer(
	ctx context.Context,
	streamID domain.StreamID,
	sessionID domain.SessionID,
	role domain.Role,
	offer domain.SessionDescription,
	onCandidate func(domain.ICECandidate),
) (domain.SessionDescription, error) {
	remote, err := toPionDescription(offer)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	if remote.Type != webrtc.SDPTypeOffer {
		return domain.SessionDescription{}, fmt.Errorf("expected offer, got %s", remote.Type)
	}

	if peer, ok := r.peer(streamID, sessionID); ok {
		r.logger.Infow("renegotiating peer", "stream_id", streamID, "session_id", sessionID)
		return answer(ctx, peer.pc, remote)
	}

	var peer *relayPeer
	switch role {
	case domain.RolePublisher:
		peer, err = r.addPublisher(streamID, sessionID)
	case domain.RoleSubscriber:
		peer, err = r.addSubscriber(streamID, sessionID)
	default:
		err = domain.ErrWrongRole
	}
	if err != nil {
		return domain.SessionDescription{}, err
	}

	peer.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || onCandidate == nil {
			return
		}
		onCandidate(fromPionCandidate(c.ToJSON()))
	})
	peer.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		r.logger.Infow("peer connection state changed",
			"stream_id", streamID,
			"session_id", sessionID,
			"role", role,
			"connection_state", state,
		)
		// disconnected is left alone; the client may restart ICE
		if state == webrtc.PeerConnectionStateFailed {
			r.Remove(streamID, sessionID)
		}
	})

	desc, err := answer(ctx, peer.pc, remote)
	if err != nil {
		r.Remove(streamID, sessionID)
		return domain.SessionDescription{}, err
	}
	return desc, nil
}

func answer(ctx context.Context, pc *webrtc.PeerConnection, offer webrtc.SessionDescription) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("set remote description: %w", err)
	}
	desc, err := pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(desc); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return fromPionDescription(desc), nil
}

func (r *Relay) addPublisher(streamID domain.StreamID, sessionID domain.SessionID) (*relayPeer, error) {
	pc, err := r.api.NewPeerConnection(r.config.configuration())
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	peer := &relayPeer{sessionID: sessionID, role: domain.RolePublisher, pc: pc, createdAt: time.Now()}

	r.mu.Lock()
	rm := r.roomLocked(streamID)
	if rm.publisher != nil {
		r.mu.Unlock()
		pc.Close()
		return nil, ErrPublisherExists
	}
	rm.publisher = peer
	r.mu.Unlock()

	pc.OnTrack(r.handlePublisherTrack(streamID, peer))

	r.logger.Infow("publisher joined", "stream_id", streamID, "session_id", sessionID)
	return peer, nil
}

func (r *Relay) addSubscriber(streamID domain.StreamID, sessionID domain.SessionID) (*relayPeer, error) {
	r.mu.RLock()
	var forwarders []*trackForwarder
	if rm, ok := r.rooms[streamID]; ok && rm.publisher != nil {
		for _, fwd := range rm.forwarders {
			forwarders = append(forwarders, fwd)
		}
	}
	r.mu.RUnlock()

	if len(forwarders) == 0 {
		return nil, ErrStreamNotLive
	}

	pc, err := r.api.NewPeerConnection(r.config.configuration())
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	peer := &relayPeer{sessionID: sessionID, role: domain.RoleSubscriber, pc: pc, createdAt: time.Now()}

	// tracks go in before the offer is applied so its recvonly sections
	// bind to them
	for _, fwd := range forwarders {
		sender, err := pc.AddTrack(fwd.track)
		if err != nil {
			r.logger.Warnw("failed to add track to subscriber",
				"session_id", sessionID,
				"track_id", fwd.trackID,
				"error", err,
			)
			continue
		}
		go r.processSubscriberRTCP(streamID, sessionID, fwd, sender)
	}

	r.mu.Lock()
	rm, ok := r.rooms[streamID]
	if !ok || rm.publisher == nil {
		r.mu.Unlock()
		pc.Close()
		return nil, ErrStreamNotLive
	}
	rm.subscribers[sessionID] = peer
	r.mu.Unlock()

	r.logger.Infow("subscriber joined", "stream_id", streamID, "session_id", sessionID, "tracks", len(forwarders))
	return peer, nil
}

// handlePublisherTrack handles incoming tracks from publisher
func (r *Relay) handlePublisherTrack(streamID domain.StreamID, publisher *relayPeer) func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
	return func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		r.logger.Infow("publisher started streaming track",
			"stream_id", streamID,
			"session_id", publisher.sessionID,
			"track_id", track.ID(),
			"codec", track.Codec().MimeType,
		)

		localTrack, err := webrtc.NewTrackLocalStaticRTP(
			track.Codec().RTPCodecCapability,
			track.ID(),
			track.StreamID(),
		)
		if err != nil {
			r.logger.Errorw("failed to create local track for forwarding",
				"stream_id", streamID,
				"track_id", track.ID(),
				"error", err,
			)
			return
		}

		fwd := &trackForwarder{
			trackID: track.ID(),
			kind:    track.Kind(),
			ssrc:    uint32(track.SSRC()),
			track:   localTrack,
		}

		r.mu.Lock()
		rm, ok := r.rooms[streamID]
		if !ok || rm.publisher != publisher {
			r.mu.Unlock()
			return
		}
		rm.forwarders[fwd.trackID] = fwd
		r.mu.Unlock()

		go r.processPublisherRTCP(streamID, receiver)
		r.forward(streamID, fwd, track)
	}
}

// forward copies publisher packets into the shared local track until the
// publisher goes away.
func (r *Relay) forward(streamID domain.StreamID, fwd *trackForwarder, track *webrtc.TrackRemote) {
	var forwarded uint64
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			r.logger.Infow("publisher track ended",
				"stream_id", streamID,
				"track_id", fwd.trackID,
				"packets_forwarded", forwarded,
				"reason", err,
			)
			return
		}

		if err := fwd.track.WriteRTP(pkt); err != nil {
			r.logger.Warnw("error writing RTP packet to local track",
				"track_id", fwd.trackID,
				"error", err,
			)
		}

		forwarded++
		if forwarded%1000 == 0 {
			r.logger.Debugw("forwarding RTP packets",
				"track_id", fwd.trackID,
				"sequence", pkt.SequenceNumber,
				"packets_forwarded", forwarded,
			)
		}
	}
}

// processPublisherRTCP drains what the publisher sends about its streams.
func (r *Relay) processPublisherRTCP(streamID domain.StreamID, receiver *webrtc.RTPReceiver) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			if sr, ok := packet.(*rtcp.SenderReport); ok {
				r.logger.Debugw("received sender report",
					"stream_id", streamID,
					"ssrc", sr.SSRC,
					"packet_count", sr.PacketCount,
					"octet_count", sr.OctetCount,
				)
			}
		}
	}
}

// processSubscriberRTCP passes keyframe requests and bandwidth estimates
// from a subscriber up to the publisher.
func (r *Relay) processSubscriberRTCP(streamID domain.StreamID, sessionID domain.SessionID, fwd *trackForwarder, sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}

		var upstream []rtcp.Packet
		for _, packet := range packets {
			switch pkt := packet.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				if fwd.kind == webrtc.RTPCodecTypeVideo {
					upstream = append(upstream, &rtcp.PictureLossIndication{MediaSSRC: fwd.ssrc})
				}
			case *rtcp.ReceiverEstimatedMaximumBitrate:
				if remb := r.recordEstimate(streamID, sessionID, pkt.Bitrate); remb != nil {
					upstream = append(upstream, remb)
				}
			}
		}
		if len(upstream) > 0 {
			r.writePublisherRTCP(streamID, upstream)
		}
	}
}

// recordEstimate stores a subscriber's REMB and returns the lowest estimate
// across subscribers, addressed to the publisher's video streams.
func (r *Relay) recordEstimate(streamID domain.StreamID, sessionID domain.SessionID, bitrate float32) *rtcp.ReceiverEstimatedMaximumBitrate {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[streamID]
	if !ok {
		return nil
	}
	rm.estimates[sessionID] = bitrate

	remb := &rtcp.ReceiverEstimatedMaximumBitrate{Bitrate: bitrate}
	for _, est := range rm.estimates {
		if est < remb.Bitrate {
			remb.Bitrate = est
		}
	}
	for _, fwd := range rm.forwarders {
		if fwd.kind == webrtc.RTPCodecTypeVideo {
			remb.SSRCs = append(remb.SSRCs, fwd.ssrc)
		}
	}
	if len(remb.SSRCs) == 0 {
		return nil
	}
	return remb
}

func (r *Relay) writePublisherRTCP(streamID domain.StreamID, packets []rtcp.Packet) {
	r.mu.RLock()
	rm, ok := r.rooms[streamID]
	var pc *webrtc.PeerConnection
	if ok && rm.publisher != nil {
		pc = rm.publisher.pc
	}
	r.mu.RUnlock()

	if pc == nil {
		return
	}
	if err := pc.WriteRTCP(packets); err != nil {
		r.logger.Debugw("failed to forward RTCP to publisher", "stream_id", streamID, "error", err)
	}
}

// AddCandidate applies a trickled candidate from a client.
func (r *Relay) AddCandidate(streamID domain.StreamID, sessionID domain.SessionID, candidate domain.ICECandidate) error {
	peer, ok := r.peer(streamID, sessionID)
	if !ok {
		return ErrPeerNotFound
	}
	return peer.pc.AddICECandidate(toPionCandidate(candidate))
}

// Remove closes a peer. Removing the publisher closes every subscriber of
// the stream and fires OnPublisherLeft. Unknown peers are ignored.
func (r *Relay) Remove(streamID domain.StreamID, sessionID domain.SessionID) {
	var toClose []*relayPeer
	var publisherLeft bool

	r.mu.Lock()
	rm, ok := r.rooms[streamID]
	if !ok {
		r.mu.Unlock()
		return
	}
	switch {
	case rm.publisher != nil && rm.publisher.sessionID == sessionID:
		toClose = append(toClose, rm.publisher)
		for id, sub := range rm.subscribers {
			toClose = append(toClose, sub)
			delete(rm.subscribers, id)
		}
		rm.publisher = nil
		rm.forwarders = make(map[string]*trackForwarder)
		rm.estimates = make(map[domain.SessionID]float32)
		publisherLeft = true
	case rm.subscribers[sessionID] != nil:
		toClose = append(toClose, rm.subscribers[sessionID])
		delete(rm.subscribers, sessionID)
		delete(rm.estimates, sessionID)
	}
	if rm.publisher == nil && len(rm.subscribers) == 0 {
		delete(r.rooms, streamID)
	}
	onLeft := r.onPublisherLeft
	r.mu.Unlock()

	for _, peer := range toClose {
		if err := peer.pc.Close(); err != nil {
			r.logger.Debugw("error closing peer connection", "session_id", peer.sessionID, "error", err)
		}
		r.logger.Infow("peer removed",
			"stream_id", streamID,
			"session_id", peer.sessionID,
			"role", peer.role,
			"duration", time.Since(peer.createdAt),
		)
	}
	if publisherLeft && onLeft != nil {
		onLeft(streamID)
	}
}

// Live reports whether the stream has a publisher with at least one track.
func (r *Relay) Live(streamID domain.StreamID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[streamID]
	return ok && rm.publisher != nil && len(rm.forwarders) > 0
}

func (r *Relay) Stats() RelayStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RelayStats{Rooms: len(r.rooms)}
	for _, rm := range r.rooms {
		if rm.publisher != nil {
			stats.Publishers++
		}
		stats.Subscribers += len(rm.subscribers)
		stats.Tracks += len(rm.forwarders)
	}
	return stats
}

// Close removes every peer.
func (r *Relay) Close() {
	type key struct {
		stream  domain.StreamID
		session domain.SessionID
	}
	var keys []key

	r.mu.RLock()
	for streamID, rm := range r.rooms {
		for id := range rm.subscribers {
			keys = append(keys, key{streamID, id})
		}
		if rm.publisher != nil {
			keys = append(keys, key{streamID, rm.publisher.sessionID})
		}
	}
	r.mu.RUnlock()

	for _, k := range keys {
		r.Remove(k.stream, k.session)
	}
}

func (r *Relay) peer(streamID domain.StreamID, sessionID domain.SessionID) (*relayPeer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[streamID]
	if !ok {
		return nil, false
	}
	if rm.publisher != nil && rm.publisher.sessionID == sessionID {
		return rm.publisher, true
	}
	peer, ok := rm.subscribers[sessionID]
	return peer, ok
}

func (r *Relay) roomLocked(streamID domain.StreamID) *room {
	rm, ok := r.rooms[streamID]
	if !ok {
		rm = &room{
			streamID:    streamID,
			forwarders:  make(map[string]*trackForwarder),
			subscribers: make(map[domain.SessionID]*relayPeer),
			estimates:   make(map[domain.SessionID]float32),
		}
		r.rooms[streamID] = rm
	}
	return rm
}
