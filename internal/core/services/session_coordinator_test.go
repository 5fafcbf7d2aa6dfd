package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"livecore/internal/core/domain"
	"livecore/internal/core/ports"
	"livecore/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type MockSessionRepository struct {
	mock.Mock
}

func (m *MockSessionRepository) Save(ctx context.Context, record *domain.SessionRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockSessionRepository) Get(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SessionRecord), args.Error(1)
}

func (m *MockSessionRepository) ListActive(ctx context.Context) ([]*domain.SessionRecord, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.SessionRecord), args.Error(1)
}

func (m *MockSessionRepository) ListByStream(ctx context.Context, streamID domain.StreamID) ([]*domain.SessionRecord, error) {
	args := m.Called(ctx, streamID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.SessionRecord), args.Error(1)
}

func (m *MockSessionRepository) Delete(ctx context.Context, id domain.SessionID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockSessionRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type coordinatorHarness struct {
	platform  *testutil.FakePlatform
	factory   *testutil.FakeFactory
	signaling *testutil.FakeSignaling
	repo      *MockSessionRepository
	devices   *DeviceManager
	transport *TransportService
	coord     *Coordinator
}

func newCoordinatorHarness(t *testing.T, transportCfg TransportConfig) *coordinatorHarness {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	h := &coordinatorHarness{
		platform:  &testutil.FakePlatform{},
		factory:   &testutil.FakeFactory{},
		signaling: &testutil.FakeSignaling{},
		repo:      &MockSessionRepository{},
	}
	h.repo.On("Save", mock.Anything, mock.AnythingOfType("*domain.SessionRecord")).Return(nil)

	h.devices = NewDeviceManager(h.platform, logger)
	h.transport = NewTransportService(h.factory, transportCfg, nil, logger)

	cfg := DefaultCoordinatorConfig()
	cfg.SampleInterval = time.Hour
	h.coord = NewCoordinator(
		h.devices,
		h.transport,
		h.signaling,
		testutil.StaticIdentity{User: "alice"},
		h.repo,
		nil,
		cfg,
		logger,
	)
	t.Cleanup(func() { _ = h.coord.Stop(context.Background()) })
	return h
}

func (h *coordinatorHarness) lastOffer(t *testing.T) ports.SignalMessage {
	t.Helper()
	offers := h.signaling.SentOfType(ports.SignalOffer)
	require.NotEmpty(t, offers)
	return offers[len(offers)-1]
}

func (h *coordinatorHarness) deliver(t *testing.T, msgType ports.SignalType, id domain.SessionID, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	h.signaling.Deliver(ports.SignalMessage{Type: msgType, SessionID: id, Payload: raw})
}

// answerAndConnect answers the latest offer and reports the connection up.
func (h *coordinatorHarness) answerAndConnect(t *testing.T) domain.SessionID {
	t.Helper()
	offer := h.lastOffer(t)
	h.deliver(t, ports.SignalAnswer, offer.SessionID, domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: "v=0 answer"})
	h.factory.Last().FireState(ports.PeerStateConnected)
	return offer.SessionID
}

func savedWithState(state domain.LifecycleState) interface{} {
	return mock.MatchedBy(func(r *domain.SessionRecord) bool { return r.State == state })
}

var publishConfig = domain.CaptureConfig{WantVideo: true, WantAudio: true}

func TestCoordinator_PublishGoesLive(t *testing.T) {
	h := newCoordinatorHarness(t, testTransportConfig())
	ctx := context.Background()

	record, err := h.coord.StartPublishing(ctx, "stream-1", publishConfig)
	require.NoError(t, err)
	assert.Equal(t, domain.LifecyclePreparing, record.State)
	assert.Equal(t, domain.UserID("alice"), record.UserID)
	assert.Equal(t, domain.LifecyclePreparing, h.coord.State())

	offer := h.lastOffer(t)
	assert.Equal(t, domain.StreamID("stream-1"), offer.StreamID)
	assert.Equal(t, domain.RolePublisher, offer.Role)
	var desc domain.SessionDescription
	require.NoError(t, json.Unmarshal(offer.Payload, &desc))
	assert.Equal(t, domain.SDPTypeOffer, desc.Type)
	assert.Len(t, h.factory.Last().Tracks(), 2)

	h.answerAndConnect(t)
	assert.Equal(t, domain.LifecycleLive, h.coord.State())

	snap := h.coord.Snapshot()
	require.NotNil(t, snap.Transport)
	assert.Equal(t, domain.TransportConnected, snap.Transport.State)
	assert.Equal(t, domain.QualityMedium, snap.Profile.Label)
	assert.Nil(t, snap.Playback)

	// The quality loop applies the starting profile once connected.
	assert.Eventually(t, func() bool {
		return len(h.factory.Last().Bitrates()) > 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1500, h.factory.Last().Bitrates()[0])

	h.repo.AssertCalled(t, "Save", mock.Anything, savedWithState(domain.LifecycleLive))
}

func TestCoordinator_AcquisitionFailureLeavesNothingHeld(t *testing.T) {
	h := newCoordinatorHarness(t, testTransportConfig())
	h.platform.OpenErr = domain.ErrPermissionDenied

	_, err := h.coord.StartPublishing(context.Background(), "stream-1", publishConfig)
	var acqErr *domain.DeviceAcquisitionError
	require.ErrorAs(t, err, &acqErr)
	assert.Equal(t, domain.AcquisitionPermissionDenied, acqErr.Reason)

	assert.Equal(t, domain.LifecycleIdle, h.coord.State())
	assert.Empty(t, h.factory.Conns())
	assert.Empty(t, h.signaling.Sent())
	assert.Nil(t, h.devices.Held())
	h.repo.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)

	h.platform.OpenErr = nil
	_, err = h.coord.StartPublishing(context.Background(), "stream-1", publishConfig)
	assert.NoError(t, err)
}

func TestCoordinator_PublishRequiresIdentity(t *testing.T) {
	h := newCoordinatorHarness(t, testTransportConfig())
	h.coord.identity = testutil.StaticIdentity{Err: errors.New("no token")}

	_, err := h.coord.StartPublishing(context.Background(), "stream-1", publishConfig)
	require.Error(t, err)
	assert.Equal(t, domain.LifecycleIdle, h.coord.State())
	assert.Empty(t, h.platform.Opened())

	_, err = h.coord.StartPublishing(context.Background(), "", publishConfig)
	assert.Error(t, err)
}

func TestCoordinator_OneSessionAtATime(t *testing.T) {
	h := newCoordinatorHarness(t, testTransportConfig())
	ctx := context.Background()

	_, err := h.coord.StartPublishing(ctx, "stream-1", publishConfig)
	require.NoError(t, err)

	_, err = h.coord.StartViewing(ctx, "stream-2")
	assert.ErrorIs(t, err, domain.ErrSessionActive)
	_, err = h.coord.StartPublishing(ctx, "stream-2", publishConfig)
	assert.ErrorIs(t, err, domain.ErrSessionActive)
	assert.Len(t, h.factory.Conns(), 1)
}

func TestCoordinator_StopTearsEverythingDown(t *testing.T) {
	h := newCoordinatorHarness(t, testTransportConfig())
	ctx := context.Background()

	_, err := h.coord.StartPublishing(ctx, "stream-1", publishConfig)
	require.NoError(t, err)
	id := h.answerAndConnect(t)

	require.NoError(t, h.coord.Stop(ctx))
	require.NoError(t, h.coord.Stop(ctx))

	assert.Equal(t, domain.LifecycleEnded, h.coord.State())
	byes := h.signaling.SentOfType(ports.SignalBye)
	require.Len(t, byes, 1)
	assert.Equal(t, id, byes[0].SessionID)

	assert.Equal(t, 1, h.factory.Last().Closes())
	for _, track := range h.platform.Opened() {
		assert.Equal(t, 1, track.Stops())
	}
	assert.Nil(t, h.devices.Held())
	_, err = h.transport.Get(id)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	snap := h.coord.Snapshot()
	require.NotNil(t, snap.Record)
	assert.Equal(t, domain.LifecycleEnded, snap.Record.State)
	assert.NotNil(t, snap.Record.EndedAt)
	h.repo.AssertCalled(t, "Save", mock.Anything, savedWithState(domain.LifecycleEnded))

	// A new session can start afterwards.
	_, err = h.coord.StartPublishing(ctx, "stream-1", publishConfig)
	assert.NoError(t, err)
}

func TestCoordinator_StopWhileAcquiring(t *testing.T) {
	h := newCoordinatorHarness(t, testTransportConfig())
	h.platform.Block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.coord.StartPublishing(context.Background(), "stream-1", publishConfig)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return h.coord.State() == domain.LifecyclePreparing
	}, time.Second, time.Millisecond)
	require.NoError(t, h.coord.Stop(context.Background()))

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("start did not return after stop")
	}
	assert.Equal(t, domain.LifecycleEnded, h.coord.State())
	assert.Nil(t, h.devices.Held())
	assert.Empty(t, h.platform.Opened())
	assert.Empty(t, h.factory.Conns())
}

func TestCoordinator_AnswerTimeoutFails(t *testing.T) {
	cfg := testTransportConfig()
	cfg.AnswerTimeout = 20 * time.Millisecond
	h := newCoordinatorHarness(t, cfg)

	_, err := h.coord.StartPublishing(context.Background(), "stream-1", publishConfig)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.coord.State() == domain.LifecycleFailed
	}, time.Second, 5*time.Millisecond)

	snap := h.coord.Snapshot()
	assert.Contains(t, snap.LastError, "timeout")
	require.NotNil(t, snap.Record)
	assert.Equal(t, domain.LifecycleFailed, snap.Record.State)
	assert.Nil(t, h.devices.Held())
	for _, track := range h.platform.Opened() {
		assert.Equal(t, 1, track.Stops())
	}
	h.repo.AssertCalled(t, "Save", mock.Anything, savedWithState(domain.LifecycleFailed))
}

func TestCoordinator_SendFailureThenRetry(t *testing.T) {
	h := newCoordinatorHarness(t, testTransportConfig())
	h.signaling.SendErr = errors.New("socket closed")

	_, err := h.coord.StartPublishing(context.Background(), "stream-1", publishConfig)
	var sigErr *domain.SignalingError
	require.ErrorAs(t, err, &sigErr)
	assert.Equal(t, domain.SignalingSendFailed, sigErr.Reason)
	assert.Equal(t, domain.LifecycleFailed, h.coord.State())
	assert.Nil(t, h.devices.Held())
	assert.Equal(t, 1, h.factory.Last().Closes())

	h.signaling.SendErr = nil
	require.NoError(t, h.coord.Retry(context.Background()))
	assert.Equal(t, domain.LifecyclePreparing, h.coord.State())
	assert.Len(t, h.factory.Conns(), 2)
	assert.Equal(t, domain.StreamID("stream-1"), h.lastOffer(t).StreamID)
}

func TestCoordinator_RetryWithoutFailure(t *testing.T) {
	h := newCoordinatorHarness(t, testTransportConfig())
	assert.ErrorIs(t, h.coord.Retry(context.Background()), domain.ErrNoActiveSession)

	_, err := h.coord.StartPublishing(context.Background(), "stream-1", publishConfig)
	require.NoError(t, err)
	assert.ErrorIs(t, h.coord.Retry(context.Background()), domain.ErrWrongRole)
}

func TestCoordinator_PublisherConnectionLossFails(t *testing.T) {
	cfg := testTransportConfig()
	cfg.Reconnect.Enabled = false
	h := newCoordinatorHarness(t, cfg)

	_, err := h.coord.StartPublishing(context.Background(), "stream-1", publishConfig)
	require.NoError(t, err)
	h.answerAndConnect(t)

	h.factory.Last().FireState(ports.PeerStateFailed)

	assert.Equal(t, domain.LifecycleFailed, h.coord.State())
	assert.Contains(t, h.coord.Snapshot().LastError, string(domain.TransportICEFailed))
	assert.Nil(t, h.devices.Held())
}

func TestCoordinator_SignalsRoutedByTransportSession(t *testing.T) {
	h := newCoordinatorHarness(t, testTransportConfig())

	_, err := h.coord.StartPublishing(context.Background(), "stream-1", publishConfig)
	require.NoError(t, err)
	id := h.lastOffer(t).SessionID

	// Messages for some other session are dropped.
	h.deliver(t, ports.SignalAnswer, "someone-else", domain.SessionDescription{SDP: "v=0"})
	snap := h.coord.Snapshot()
	require.NotNil(t, snap.Transport)
	assert.Equal(t, domain.TransportOffering, snap.Transport.State)

	h.deliver(t, ports.SignalICECandidate, id, domain.ICECandidate{Candidate: "candidate:1"})
	h.deliver(t, ports.SignalICECandidate, id, domain.ICECandidate{Candidate: "candidate:2"})
	assert.Empty(t, h.factory.Last().Candidates())

	h.deliver(t, ports.SignalAnswer, id, domain.SessionDescription{SDP: "v=0"})
	got := h.factory.Last().Candidates()
	require.Len(t, got, 2)
	assert.Equal(t, "candidate:1", got[0].Candidate)
	assert.Equal(t, "candidate:2", got[1].Candidate)

	h.factory.Last().FireCandidate(domain.ICECandidate{Candidate: "candidate:local"})
	local := h.signaling.SentOfType(ports.SignalICECandidate)
	require.Len(t, local, 1)
	assert.Equal(t, id, local[0].SessionID)
}

func TestCoordinator_RemoteErrorFailsPublisher(t *testing.T) {
	h := newCoordinatorHarness(t, testTransportConfig())

	_, err := h.coord.StartPublishing(context.Background(), "stream-1", publishConfig)
	require.NoError(t, err)
	h.deliver(t, ports.SignalError, h.lastOffer(t).SessionID, "stream already has a publisher")

	assert.Equal(t, domain.LifecycleFailed, h.coord.State())
	assert.Contains(t, h.coord.Snapshot().LastError, "already has a publisher")
}

func TestCoordinator_ViewerRecoversAfterSourceLoss(t *testing.T) {
	h := newCoordinatorHarness(t, testTransportConfig())
	ctx := context.Background()

	record, err := h.coord.StartViewing(ctx, "stream-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleSubscriber, record.Role)
	assert.Equal(t, []domain.MediaKind{domain.KindVideo, domain.KindAudio}, h.factory.Last().Transceivers())

	id := h.answerAndConnect(t)
	assert.Equal(t, domain.LifecycleLive, h.coord.State())

	snap := h.coord.Snapshot()
	require.NotNil(t, snap.Playback)
	assert.True(t, snap.Playback.IsBuffering)

	h.deliver(t, ports.SignalBye, id, nil)
	snap = h.coord.Snapshot()
	require.NotNil(t, snap.Playback)
	assert.Equal(t, domain.PlaybackErrSourceLost, snap.Playback.Error)
	assert.Equal(t, domain.LifecycleLive, snap.State)

	require.NoError(t, h.coord.Retry(ctx))
	require.Len(t, h.factory.Conns(), 2)
	assert.Equal(t, 1, h.factory.Conns()[0].Closes())
	assert.NotEqual(t, id, h.lastOffer(t).SessionID)

	snap = h.coord.Snapshot()
	assert.False(t, snap.Playback.HasError())

	// Signals for the replaced transport are ignored.
	h.deliver(t, ports.SignalBye, id, nil)
	assert.False(t, h.coord.Snapshot().Playback.HasError())
}

func TestCoordinator_ViewerRejectedDuringOfferResumesAfterRetry(t *testing.T) {
	h := newCoordinatorHarness(t, testTransportConfig())
	ctx := context.Background()

	// the relay rejects the first offer before Send returns
	var rejected bool
	h.signaling.OnSend = func(msg ports.SignalMessage) {
		if msg.Type != ports.SignalOffer || rejected {
			return
		}
		rejected = true
		h.deliver(t, ports.SignalError, msg.SessionID, "stream not live")
	}

	_, err := h.coord.StartViewing(ctx, "stream-1")
	require.NoError(t, err)

	snap := h.coord.Snapshot()
	require.NotNil(t, snap.Playback)
	assert.Equal(t, domain.PlaybackErrNetwork, snap.Playback.Error)

	require.NoError(t, h.coord.Retry(ctx))
	h.answerAndConnect(t)

	snap = h.coord.Snapshot()
	require.NotNil(t, snap.Playback)
	assert.False(t, snap.Playback.HasError())
	assert.True(t, snap.Playback.IsBuffering)

	h.coord.mu.Lock()
	playback := h.coord.active.playback
	h.coord.mu.Unlock()
	playback.Sample(5, 1)
	assert.True(t, playback.State().IsPlaying)
}

func TestCoordinator_ViewerTransportLossBecomesPlaybackError(t *testing.T) {
	cfg := testTransportConfig()
	cfg.Reconnect.Enabled = false
	h := newCoordinatorHarness(t, cfg)

	_, err := h.coord.StartViewing(context.Background(), "stream-1")
	require.NoError(t, err)
	h.answerAndConnect(t)

	h.factory.Last().FireState(ports.PeerStateFailed)

	snap := h.coord.Snapshot()
	assert.Equal(t, domain.LifecycleLive, snap.State)
	require.NotNil(t, snap.Playback)
	assert.Equal(t, domain.PlaybackErrNetwork, snap.Playback.Error)
}

func TestCoordinator_SetQuality(t *testing.T) {
	h := newCoordinatorHarness(t, testTransportConfig())
	ctx := context.Background()

	_, err := h.coord.SetQuality(ctx, domain.QualityHigh)
	assert.ErrorIs(t, err, domain.ErrNoActiveSession)

	_, err = h.coord.StartViewing(ctx, "stream-1")
	require.NoError(t, err)
	h.answerAndConnect(t)
	require.Eventually(t, func() bool {
		return len(h.factory.Last().Bitrates()) > 0
	}, time.Second, 2*time.Millisecond)

	profile, err := h.coord.SetQuality(ctx, domain.QualityHigh)
	require.NoError(t, err)
	assert.Equal(t, domain.QualityHigh, profile.Label)
	assert.False(t, profile.IsAuto)
	assert.Contains(t, h.factory.Last().Bitrates(), 2500)

	signals := h.signaling.SentOfType(ports.SignalProfile)
	require.Len(t, signals, 1)

	snap := h.coord.Snapshot()
	assert.True(t, snap.Manual)
	assert.Equal(t, domain.QualityHigh, snap.Record.Profile)
	assert.NotEmpty(t, h.coord.QualityHistory())

	profile, err = h.coord.SetQuality(ctx, domain.QualityAuto)
	require.NoError(t, err)
	assert.True(t, profile.IsAuto)
	assert.False(t, h.coord.Snapshot().Manual)

	_, err = h.coord.SetQuality(ctx, domain.QualityLabel("4k"))
	assert.Error(t, err)
}

func TestCoordinator_SetTrackEnabled(t *testing.T) {
	h := newCoordinatorHarness(t, testTransportConfig())
	ctx := context.Background()

	assert.ErrorIs(t, h.coord.SetTrackEnabled(domain.KindVideo, false), domain.ErrNoActiveSession)

	_, err := h.coord.StartPublishing(ctx, "stream-1", publishConfig)
	require.NoError(t, err)
	require.NoError(t, h.coord.SetTrackEnabled(domain.KindVideo, false))
	assert.Equal(t, 1, h.devices.Held().EnabledTracks())

	require.NoError(t, h.coord.Stop(ctx))
	_, err = h.coord.StartViewing(ctx, "stream-1")
	require.NoError(t, err)
	assert.ErrorIs(t, h.coord.SetTrackEnabled(domain.KindAudio, false), domain.ErrWrongRole)
}

func TestCoordinator_StatsReachSnapshot(t *testing.T) {
	h := newCoordinatorHarness(t, testTransportConfig())
	h.coord.cfg.SampleInterval = 2 * time.Millisecond

	_, err := h.coord.StartPublishing(context.Background(), "stream-1", publishConfig)
	require.NoError(t, err)
	h.factory.Last().SetCounters(domain.MediaCounters{Timestamp: time.Now(), RoundTrip: 30 * time.Millisecond})
	h.answerAndConnect(t)

	require.Eventually(t, func() bool {
		return h.coord.Snapshot().Stats != nil
	}, time.Second, 2*time.Millisecond)
	assert.InDelta(t, 30, h.coord.Snapshot().Stats.RoundTripLatencyMs, 0.001)
}
