// Package testutil holds in-memory stand-ins for the media, WebRTC and
// signaling ports.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"livecore/internal/core/domain"
	"livecore/internal/core/ports"
)

// FakeTrack is a MediaTrack that counts stops.
type FakeTrack struct {
	TrackID   string
	TrackKind domain.MediaKind

	mu      sync.Mutex
	enabled bool
	stops   int32
}

func NewFakeTrack(id string, kind domain.MediaKind) *FakeTrack {
	return &FakeTrack{TrackID: id, TrackKind: kind}
}

func (t *FakeTrack) ID() string             { return t.TrackID }
func (t *FakeTrack) Kind() domain.MediaKind { return t.TrackKind }

func (t *FakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *FakeTrack) SetEnabled(enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
	return nil
}

func (t *FakeTrack) Stop() error {
	atomic.AddInt32(&t.stops, 1)
	return nil
}

func (t *FakeTrack) Stops() int {
	return int(atomic.LoadInt32(&t.stops))
}

type FakeStream struct {
	List []ports.MediaTrack
}

func (s *FakeStream) Tracks() []ports.MediaTrack { return s.List }

// FakePlatform opens one fake track per requested kind.
type FakePlatform struct {
	Devices []domain.DeviceDescriptor
	ListErr error
	OpenErr error
	// Block, when set, makes Open wait until it is closed or ctx is done.
	Block chan struct{}

	mu     sync.Mutex
	opened []*FakeTrack
	opens  int
}

func (p *FakePlatform) EnumerateDevices(ctx context.Context) ([]domain.DeviceDescriptor, error) {
	if p.ListErr != nil {
		return nil, p.ListErr
	}
	return p.Devices, nil
}

func (p *FakePlatform) Open(ctx context.Context, cfg domain.CaptureConfig) (ports.MediaStream, error) {
	if p.Block != nil {
		select {
		case <-p.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.opens++

	stream := &FakeStream{}
	for _, kind := range cfg.WantedKinds() {
		t := NewFakeTrack(fmt.Sprintf("%s-%d", kind, p.opens), kind)
		p.opened = append(p.opened, t)
		stream.List = append(stream.List, t)
	}
	return stream, nil
}

// Opened returns every track handed out so far.
func (p *FakePlatform) Opened() []*FakeTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*FakeTrack(nil), p.opened...)
}

// FakePeerConnection records what the transport does to it and lets tests
// fire connection events.
type FakePeerConnection struct {
	Role domain.Role

	CreateOfferErr error
	SetRemoteErr   error
	Counters       domain.MediaCounters

	mu           sync.Mutex
	tracks       []ports.MediaTrack
	transceivers []domain.MediaKind
	offers       []bool
	remote       []domain.SessionDescription
	candidates   []domain.ICECandidate
	bitrates     []int
	closes       int
	onState      func(ports.PeerConnectionState)
	onCandidate  func(domain.ICECandidate)
}

func (f *FakePeerConnection) AddTrack(track ports.MediaTrack) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, track)
	return nil
}

func (f *FakePeerConnection) AddRecvTransceiver(kind domain.MediaKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transceivers = append(f.transceivers, kind)
	return nil
}

func (f *FakePeerConnection) CreateOffer(ctx context.Context, iceRestart bool) (domain.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateOfferErr != nil {
		return domain.SessionDescription{}, f.CreateOfferErr
	}
	f.offers = append(f.offers, iceRestart)
	return domain.SessionDescription{
		Type: domain.SDPTypeOffer,
		SDP:  fmt.Sprintf("v=0 offer-%d", len(f.offers)),
	}, nil
}

func (f *FakePeerConnection) SetRemoteDescription(desc domain.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SetRemoteErr != nil {
		return f.SetRemoteErr
	}
	f.remote = append(f.remote, desc)
	return nil
}

func (f *FakePeerConnection) AddICECandidate(c domain.ICECandidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.remote) == 0 {
		return fmt.Errorf("remote description not set")
	}
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *FakePeerConnection) SetTargetBitrate(kbps int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bitrates = append(f.bitrates, kbps)
	return nil
}

func (f *FakePeerConnection) ReadCounters(ctx context.Context) (domain.MediaCounters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Counters, nil
}

func (f *FakePeerConnection) SetCounters(c domain.MediaCounters) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Counters = c
}

func (f *FakePeerConnection) OnConnectionStateChange(fn func(ports.PeerConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = fn
}

func (f *FakePeerConnection) OnICECandidate(fn func(domain.ICECandidate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCandidate = fn
}

func (f *FakePeerConnection) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

// FireState delivers a connection state change as the WebRTC stack would.
func (f *FakePeerConnection) FireState(state ports.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// FireCandidate delivers a locally gathered candidate.
func (f *FakePeerConnection) FireCandidate(c domain.ICECandidate) {
	f.mu.Lock()
	fn := f.onCandidate
	f.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (f *FakePeerConnection) Tracks() []ports.MediaTrack {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ports.MediaTrack(nil), f.tracks...)
}

func (f *FakePeerConnection) Transceivers() []domain.MediaKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.MediaKind(nil), f.transceivers...)
}

// Offers returns the iceRestart flag of every offer created.
func (f *FakePeerConnection) Offers() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.offers...)
}

func (f *FakePeerConnection) Candidates() []domain.ICECandidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ICECandidate(nil), f.candidates...)
}

func (f *FakePeerConnection) Bitrates() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.bitrates...)
}

func (f *FakePeerConnection) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// FakeFactory hands out FakePeerConnections.
type FakeFactory struct {
	Err error

	mu    sync.Mutex
	conns []*FakePeerConnection
}

func (f *FakeFactory) NewPeerConnection(role domain.Role) (ports.PeerConnection, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	pc := &FakePeerConnection{Role: role}
	f.mu.Lock()
	f.conns = append(f.conns, pc)
	f.mu.Unlock()
	return pc, nil
}

func (f *FakeFactory) Conns() []*FakePeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakePeerConnection(nil), f.conns...)
}

// Last returns the most recent connection, or nil.
func (f *FakeFactory) Last() *FakePeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// FakeSignaling captures outgoing messages and injects incoming ones.
type FakeSignaling struct {
	SendErr error
	// OnSend runs after a successful send, outside the fake's lock.
	OnSend func(ports.SignalMessage)

	mu      sync.Mutex
	sent    []ports.SignalMessage
	handler func(ports.SignalMessage)
	closed  bool
}

func (s *FakeSignaling) Send(ctx context.Context, msg ports.SignalMessage) error {
	s.mu.Lock()
	if s.SendErr != nil {
		s.mu.Unlock()
		return s.SendErr
	}
	s.sent = append(s.sent, msg)
	onSend := s.OnSend
	s.mu.Unlock()

	if onSend != nil {
		onSend(msg)
	}
	return nil
}

func (s *FakeSignaling) OnReceive(fn func(ports.SignalMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = fn
}

func (s *FakeSignaling) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Deliver hands msg to the registered receiver.
func (s *FakeSignaling) Deliver(msg ports.SignalMessage) {
	s.mu.Lock()
	fn := s.handler
	s.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (s *FakeSignaling) Sent() []ports.SignalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ports.SignalMessage(nil), s.sent...)
}

// SentOfType filters Sent by type.
func (s *FakeSignaling) SentOfType(t ports.SignalType) []ports.SignalMessage {
	var out []ports.SignalMessage
	for _, m := range s.Sent() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// StaticIdentity always returns User.
type StaticIdentity struct {
	User domain.UserID
	Err  error
}

func (i StaticIdentity) UserFromContext(ctx context.Context) (domain.UserID, error) {
	return i.User, i.Err
}
