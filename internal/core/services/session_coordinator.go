package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"livecore/internal/core/domain"
	"livecore/internal/core/ports"
	"livecore/pkg/tracing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type CoordinatorConfig struct {
	SampleInterval time.Duration
	Quality        QualityConfig
	Playback       PlaybackConfig
}

func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		SampleInterval: 2 * time.Second,
		Quality:        DefaultQualityConfig(),
		Playback:       DefaultPlaybackConfig(),
	}
}

type activeSession struct {
	gen         uint64
	record      domain.SessionRecord
	ctx         context.Context
	cancel      context.CancelFunc
	transportID domain.SessionID
	handle      *MediaSourceHandle
	quality     *QualityController
	playback    *PlaybackManager
	loopCancel  context.CancelFunc
	stats       *domain.TransportStats
	liveAt      time.Time
}

// Coordinator sequences one publish or view session at a time and owns
// teardown. It is the only component that decides an error is terminal.
type Coordinator struct {
	devices   *DeviceManager
	transport *TransportService
	signaling ports.SignalingChannel
	identity  ports.IdentityProvider
	repo      ports.SessionRepository
	metrics   ports.MetricsRecorder
	cfg       CoordinatorConfig
	logger    *zap.SugaredLogger

	mu         sync.Mutex
	state      domain.LifecycleState
	generation uint64
	active     *activeSession
	last       *domain.SessionRecord
	lastErr    error
	lastStream domain.StreamID
	lastRole   domain.Role
	lastConfig domain.CaptureConfig
}

func NewCoordinator(
	devices *DeviceManager,
	transport *TransportService,
	signaling ports.SignalingChannel,
	identity ports.IdentityProvider,
	repo ports.SessionRepository,
	metrics ports.MetricsRecorder,
	cfg CoordinatorConfig,
	logger *zap.SugaredLogger,
) *Coordinator {
	c := &Coordinator{
		devices:   devices,
		transport: transport,
		signaling: signaling,
		identity:  identity,
		repo:      repo,
		metrics:   metricsOrNop(metrics),
		cfg:       cfg,
		logger:    logger,
		state:     domain.LifecycleIdle,
	}
	signaling.OnReceive(c.handleSignal)
	return c
}

var _ ports.SessionControl = (*Coordinator)(nil)

func (c *Coordinator) State() domain.LifecycleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) ListDevices(ctx context.Context) ([]domain.DeviceDescriptor, []domain.DeviceDescriptor, error) {
	return c.devices.ListDevices(ctx)
}

// StartPublishing acquires the capture devices, then negotiates a publish
// session. A failed acquisition leaves the coordinator idle with nothing held.
func (c *Coordinator) StartPublishing(ctx context.Context, streamID domain.StreamID, cfg domain.CaptureConfig) (*domain.SessionRecord, error) {
	ctx, span := tracing.TraceSession(ctx, "start_publishing", "", string(domain.RolePublisher))
	defer span.End()

	if streamID == "" {
		return nil, fmt.Errorf("stream id is required")
	}
	userID, err := c.identity.UserFromContext(ctx)
	if err != nil {
		return nil, err
	}
	quality, err := NewQualityController(c.cfg.Quality, c.metrics, c.logger.With("stream_id", streamID))
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	sess, err := c.beginLocked(streamID, userID, domain.RolePublisher, quality)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.lastConfig = cfg
	c.mu.Unlock()

	handle, err := c.devices.Acquire(sess.ctx, cfg)
	if err != nil {
		c.abortPreparing(sess)
		tracing.RecordError(ctx, err)
		c.logger.Warnw("media acquisition failed", "stream_id", streamID, "error", err)
		return nil, err
	}

	c.mu.Lock()
	if c.active != sess {
		c.mu.Unlock()
		c.devices.Release(handle)
		return nil, domain.ErrSessionClosed
	}
	sess.handle = handle
	c.mu.Unlock()

	err = c.negotiate(ctx, sess, func(id domain.SessionID) (domain.SessionDescription, error) {
		return c.transport.StartPublish(ctx, id, handle)
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		c.fail(sess.gen, err)
		return nil, err
	}

	return c.persist(ctx, sess), nil
}

// StartViewing negotiates a subscribe session and wires playback recovery to
// a fresh transport.
func (c *Coordinator) StartViewing(ctx context.Context, streamID domain.StreamID) (*domain.SessionRecord, error) {
	ctx, span := tracing.TraceSession(ctx, "start_viewing", "", string(domain.RoleSubscriber))
	defer span.End()

	if streamID == "" {
		return nil, fmt.Errorf("stream id is required")
	}
	// Viewers may be anonymous.
	userID, _ := c.identity.UserFromContext(ctx)

	quality, err := NewQualityController(c.cfg.Quality, c.metrics, c.logger.With("stream_id", streamID))
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	sess, err := c.beginLocked(streamID, userID, domain.RoleSubscriber, quality)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	playback, err := NewPlaybackManager(c.cfg.Playback, func(ctx context.Context) error {
		return c.reinitViewer(ctx, sess)
	}, c.metrics, c.logger.With("stream_id", streamID))
	if err != nil {
		c.abortPreparing(sess)
		return nil, err
	}
	gen := sess.gen
	playback.OnExhausted = func(err error) { c.fail(gen, err) }

	c.mu.Lock()
	if c.active != sess {
		c.mu.Unlock()
		return nil, domain.ErrSessionClosed
	}
	sess.playback = playback
	c.mu.Unlock()

	// Expect playback before the offer goes out: the relay may reject it
	// before negotiate returns.
	if err := playback.Play(); err != nil {
		c.abortPreparing(sess)
		return nil, err
	}

	err = c.negotiate(ctx, sess, func(id domain.SessionID) (domain.SessionDescription, error) {
		return c.transport.StartSubscribe(ctx, id)
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		c.fail(gen, err)
		return nil, err
	}

	return c.persist(ctx, sess), nil
}

func (c *Coordinator) beginLocked(streamID domain.StreamID, userID domain.UserID, role domain.Role, quality *QualityController) (*activeSession, error) {
	switch c.state {
	case domain.LifecycleIdle, domain.LifecycleEnded, domain.LifecycleFailed:
	default:
		return nil, domain.ErrSessionActive
	}

	c.generation++
	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	sess := &activeSession{
		gen:     c.generation,
		ctx:     ctx,
		cancel:  cancel,
		quality: quality,
		record: domain.SessionRecord{
			ID:        domain.SessionID(uuid.New().String()),
			StreamID:  streamID,
			UserID:    userID,
			Role:      role,
			State:     domain.LifecyclePreparing,
			Profile:   quality.Current().Label,
			StartedAt: now,
			UpdatedAt: now,
		},
	}
	c.active = sess
	c.lastErr = nil
	c.lastStream = streamID
	c.lastRole = role
	c.setStateLocked(domain.LifecyclePreparing, role)

	c.logger.Infow("session preparing",
		"record_id", sess.record.ID,
		"stream_id", streamID,
		"role", role,
		"user_id", userID,
	)
	return sess, nil
}

// abortPreparing returns to idle after a failure that left nothing behind.
func (c *Coordinator) abortPreparing(sess *activeSession) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess.cancel()
	if c.active != sess {
		return
	}
	c.active = nil
	c.setStateLocked(domain.LifecycleIdle, sess.record.Role)
}

// negotiate creates the transport session, produces the offer and sends it.
func (c *Coordinator) negotiate(ctx context.Context, sess *activeSession, start func(domain.SessionID) (domain.SessionDescription, error)) error {
	snap, err := c.transport.Create(ctx, sess.record.Role, WithEvents(c.eventsFor(sess.gen)))
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.active != sess {
		c.mu.Unlock()
		_ = c.transport.Close(ctx, snap.ID)
		c.transport.Forget(snap.ID)
		return domain.ErrSessionClosed
	}
	sess.transportID = snap.ID
	streamID := sess.record.StreamID
	role := sess.record.Role
	c.mu.Unlock()

	offer, err := start(snap.ID)
	if err != nil {
		return err
	}

	if err := c.send(ctx, ports.SignalOffer, snap.ID, streamID, role, offer); err != nil {
		return &domain.SignalingError{Op: "send_offer", Reason: domain.SignalingSendFailed, Cause: err}
	}
	return nil
}

func (c *Coordinator) eventsFor(gen uint64) TransportEvents {
	return TransportEvents{
		OnStateChange: func(id domain.SessionID, state domain.TransportState) {
			c.onTransportState(gen, id, state)
		},
		OnLocalCandidate: func(id domain.SessionID, candidate domain.ICECandidate) {
			c.forward(gen, id, ports.SignalICECandidate, candidate)
		},
		OnRestartOffer: func(id domain.SessionID, offer domain.SessionDescription) {
			c.forward(gen, id, ports.SignalOffer, offer)
		},
		OnTerminal: func(id domain.SessionID, err error) {
			c.onTransportTerminal(gen, id, err)
		},
	}
}

// current returns the active session when gen and transport id still match.
func (c *Coordinator) currentLocked(gen uint64, id domain.SessionID) *activeSession {
	sess := c.active
	if sess == nil || sess.gen != gen || sess.transportID != id {
		return nil
	}
	return sess
}

func (c *Coordinator) forward(gen uint64, id domain.SessionID, msgType ports.SignalType, payload interface{}) {
	c.mu.Lock()
	sess := c.currentLocked(gen, id)
	if sess == nil {
		c.mu.Unlock()
		return
	}
	ctx := sess.ctx
	streamID := sess.record.StreamID
	role := sess.record.Role
	c.mu.Unlock()

	if err := c.send(ctx, msgType, id, streamID, role, payload); err != nil {
		c.logger.Warnw("failed to send signal", "type", msgType, "session_id", id, "error", err)
	}
}

func (c *Coordinator) send(ctx context.Context, msgType ports.SignalType, id domain.SessionID, streamID domain.StreamID, role domain.Role, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}
	c.metrics.RecordSignal("out", msgType)
	return c.signaling.Send(ctx, ports.SignalMessage{
		Type:      msgType,
		SessionID: id,
		StreamID:  streamID,
		Role:      role,
		Payload:   raw,
	})
}

func (c *Coordinator) onTransportState(gen uint64, id domain.SessionID, state domain.TransportState) {
	c.mu.Lock()
	sess := c.currentLocked(gen, id)
	if sess == nil {
		c.mu.Unlock()
		return
	}

	if state != domain.TransportConnected {
		c.stopLoopLocked(sess)
		c.mu.Unlock()
		return
	}

	wentLive := false
	if c.state == domain.LifecyclePreparing {
		sess.record.State = domain.LifecycleLive
		sess.liveAt = time.Now()
		c.setStateLocked(domain.LifecycleLive, sess.record.Role)
		wentLive = true
	}
	c.startLoopLocked(sess)
	c.mu.Unlock()

	if wentLive {
		c.logger.Infow("session live", "record_id", sess.record.ID, "stream_id", sess.record.StreamID)
		c.persist(sess.ctx, sess)
	}
}

// startLoopLocked runs stats sampling and quality control while connected.
func (c *Coordinator) startLoopLocked(sess *activeSession) {
	if sess.loopCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(sess.ctx)
	sess.loopCancel = cancel
	id := sess.transportID

	sampler := func(ctx context.Context) (domain.TransportStats, error) {
		stats, err := c.transport.SampleStats(ctx, id)
		if err != nil {
			return stats, err
		}
		c.mu.Lock()
		if c.active == sess {
			sess.stats = &stats
		}
		liveAt := sess.liveAt
		c.mu.Unlock()

		if sess.playback != nil {
			sess.playback.Sample(stats.BufferedAheadSeconds, time.Since(liveAt).Seconds())
		}
		return stats, nil
	}
	sink := func(ctx context.Context, profile domain.QualityProfile) error {
		if err := c.transport.ApplyProfile(ctx, id, profile); err != nil {
			return err
		}
		c.mu.Lock()
		if c.active == sess {
			sess.record.Profile = profile.Label
		}
		c.mu.Unlock()
		return nil
	}

	go sess.quality.Run(ctx, c.cfg.SampleInterval, sampler, sink)
}

func (c *Coordinator) stopLoopLocked(sess *activeSession) {
	if sess.loopCancel != nil {
		sess.loopCancel()
		sess.loopCancel = nil
	}
}

func (c *Coordinator) onTransportTerminal(gen uint64, id domain.SessionID, err error) {
	c.mu.Lock()
	sess := c.currentLocked(gen, id)
	if sess == nil {
		c.mu.Unlock()
		return
	}
	playback := sess.playback
	c.mu.Unlock()

	// A viewer can recover by rebuilding the transport; a publisher cannot.
	if playback != nil {
		c.logger.Warnw("subscribe transport lost", "session_id", id, "error", err)
		playback.Fail(domain.PlaybackErrNetwork)
		return
	}
	c.fail(gen, err)
}

// reinitViewer replaces the subscribe transport with a fresh one.
func (c *Coordinator) reinitViewer(ctx context.Context, sess *activeSession) error {
	c.mu.Lock()
	if c.active != sess {
		c.mu.Unlock()
		return domain.ErrSessionClosed
	}
	c.stopLoopLocked(sess)
	oldID := sess.transportID
	sess.transportID = ""
	if c.state == domain.LifecycleLive {
		// Back to waiting for a connection; keep the session live for the catalog.
		sess.stats = nil
	}
	c.mu.Unlock()

	if oldID != "" {
		_ = c.transport.Close(ctx, oldID)
		c.transport.Forget(oldID)
	}

	c.logger.Infow("reinitialising subscribe transport", "previous_session_id", oldID)
	return c.negotiate(ctx, sess, func(id domain.SessionID) (domain.SessionDescription, error) {
		return c.transport.StartSubscribe(ctx, id)
	})
}

// Stop ends the current session. Teardown runs unconditionally; calling Stop
// with no active session is a no-op.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	sess := c.active
	if sess == nil {
		c.mu.Unlock()
		return nil
	}
	ctx, span := tracing.TraceSession(ctx, "stop", string(sess.record.ID), string(sess.record.Role))
	defer span.End()

	c.active = nil
	id := sess.transportID
	c.setStateLocked(domain.LifecycleEnding, sess.record.Role)
	c.mu.Unlock()

	if id != "" {
		if err := c.send(ctx, ports.SignalBye, id, sess.record.StreamID, sess.record.Role, nil); err != nil {
			c.logger.Debugw("bye not delivered", "error", err)
		}
	}
	c.teardown(ctx, sess)

	c.mu.Lock()
	now := time.Now()
	sess.record.State = domain.LifecycleEnded
	sess.record.EndedAt = &now
	c.setStateLocked(domain.LifecycleEnded, sess.record.Role)
	c.mu.Unlock()

	c.persist(ctx, sess)
	c.logger.Infow("session ended", "record_id", sess.record.ID, "stream_id", sess.record.StreamID)
	return nil
}

// fail is the single path for terminal errors.
func (c *Coordinator) fail(gen uint64, err error) {
	c.mu.Lock()
	sess := c.active
	if sess == nil || sess.gen != gen {
		c.mu.Unlock()
		return
	}
	c.active = nil
	c.setStateLocked(domain.LifecycleEnding, sess.record.Role)
	c.mu.Unlock()

	ctx := context.Background()
	c.teardown(ctx, sess)

	c.mu.Lock()
	now := time.Now()
	sess.record.State = domain.LifecycleFailed
	sess.record.LastError = err.Error()
	sess.record.EndedAt = &now
	c.lastErr = err
	c.setStateLocked(domain.LifecycleFailed, sess.record.Role)
	c.mu.Unlock()

	c.persist(ctx, sess)
	c.logger.Errorw("session failed",
		"record_id", sess.record.ID,
		"stream_id", sess.record.StreamID,
		"role", sess.record.Role,
		"error", err,
	)
}

// teardown releases everything the session holds. Each step runs even when
// an earlier one fails.
func (c *Coordinator) teardown(ctx context.Context, sess *activeSession) {
	c.mu.Lock()
	c.stopLoopLocked(sess)
	sess.cancel()
	id := sess.transportID
	handle := sess.handle
	playback := sess.playback
	sess.stats = nil
	c.mu.Unlock()

	if playback != nil {
		playback.Close()
	}
	if id != "" {
		if err := c.transport.Close(ctx, id); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
			c.logger.Warnw("transport close failed", "session_id", id, "error", err)
		}
		c.transport.Forget(id)
	}
	if handle != nil {
		c.devices.Release(handle)
	}
}

func (c *Coordinator) persist(ctx context.Context, sess *activeSession) *domain.SessionRecord {
	c.mu.Lock()
	sess.record.UpdatedAt = time.Now()
	record := sess.record
	c.last = &record
	c.mu.Unlock()

	if c.repo != nil {
		if err := c.repo.Save(ctx, &record); err != nil {
			c.logger.Warnw("failed to save session record", "record_id", record.ID, "error", err)
		}
	}
	return &record
}

func (c *Coordinator) setStateLocked(state domain.LifecycleState, role domain.Role) {
	if c.state == state {
		return
	}
	c.logger.Debugw("lifecycle state changed", "from", c.state, "to", state, "role", role)
	c.state = state
	c.metrics.RecordLifecycle(role, state)
}

func (c *Coordinator) handleSignal(msg ports.SignalMessage) {
	c.mu.Lock()
	sess := c.active
	if sess == nil || msg.SessionID == "" || msg.SessionID != sess.transportID {
		c.mu.Unlock()
		c.logger.Debugw("dropping signal for inactive session", "type", msg.Type, "session_id", msg.SessionID)
		return
	}
	gen := sess.gen
	id := sess.transportID
	ctx := sess.ctx
	playback := sess.playback
	c.mu.Unlock()

	c.metrics.RecordSignal("in", msg.Type)

	switch msg.Type {
	case ports.SignalAnswer:
		var answer domain.SessionDescription
		if err := json.Unmarshal(msg.Payload, &answer); err != nil {
			c.logger.Warnw("malformed answer", "session_id", id, "error", err)
			return
		}
		if err := c.transport.ApplyRemoteAnswer(ctx, id, answer); err != nil {
			var sigErr *domain.SignalingError
			if errors.As(err, &sigErr) && sigErr.Reason == domain.SignalingRemoteRejected {
				c.onTransportTerminal(gen, id, err)
				return
			}
			c.logger.Warnw("answer not applied", "session_id", id, "error", err)
		}

	case ports.SignalICECandidate:
		var candidate domain.ICECandidate
		if err := json.Unmarshal(msg.Payload, &candidate); err != nil {
			c.logger.Warnw("malformed ice candidate", "session_id", id, "error", err)
			return
		}
		if err := c.transport.AddRemoteICECandidate(ctx, id, candidate); err != nil {
			c.logger.Warnw("remote candidate not applied", "session_id", id, "error", err)
		}

	case ports.SignalBye:
		if playback != nil {
			playback.Fail(domain.PlaybackErrSourceLost)
			return
		}
		c.logger.Infow("remote peer left", "session_id", id)

	case ports.SignalError:
		cause := fmt.Errorf("remote error: %s", string(msg.Payload))
		c.onTransportTerminal(gen, id, &domain.SignalingError{Op: "remote", Reason: domain.SignalingRemoteRejected, Cause: cause})

	case ports.SignalProfile:
		c.logger.Debugw("remote profile request", "session_id", id, "payload", string(msg.Payload))

	default:
		c.logger.Debugw("unhandled signal", "type", msg.Type, "session_id", id)
	}
}

// Snapshot reports the current or last session.
func (c *Coordinator) Snapshot() ports.SessionSnapshot {
	c.mu.Lock()
	snap := ports.SessionSnapshot{State: c.state}
	if c.lastErr != nil {
		snap.LastError = c.lastErr.Error()
	}
	sess := c.active
	if sess == nil {
		if c.last != nil {
			rec := *c.last
			snap.Record = &rec
		}
		c.mu.Unlock()
		return snap
	}

	rec := sess.record
	snap.Record = &rec
	if sess.stats != nil {
		stats := *sess.stats
		snap.Stats = &stats
	}
	id := sess.transportID
	quality := sess.quality
	playback := sess.playback
	c.mu.Unlock()

	snap.Profile = quality.Current()
	snap.Manual = quality.IsManual()
	if playback != nil {
		ps := playback.State()
		snap.Playback = &ps
	}
	if id != "" {
		if t, err := c.transport.Get(id); err == nil {
			snap.Transport = t
		}
	}
	return snap
}

// SetQuality pins a profile, or returns to automatic selection for "auto".
func (c *Coordinator) SetQuality(ctx context.Context, label domain.QualityLabel) (domain.QualityProfile, error) {
	c.mu.Lock()
	sess := c.active
	if sess == nil {
		c.mu.Unlock()
		return domain.QualityProfile{}, domain.ErrNoActiveSession
	}
	id := sess.transportID
	connected := sess.loopCancel != nil
	c.mu.Unlock()

	profile, err := sess.quality.SetManual(label)
	if err != nil {
		return domain.QualityProfile{}, err
	}

	if connected && id != "" {
		if err := c.transport.ApplyProfile(ctx, id, profile); err != nil {
			return profile, err
		}
		if err := c.send(ctx, ports.SignalProfile, id, sess.record.StreamID, sess.record.Role, profile); err != nil {
			c.logger.Debugw("profile signal not delivered", "error", err)
		}
	}

	c.mu.Lock()
	if c.active == sess {
		sess.record.Profile = profile.Label
	}
	c.mu.Unlock()
	return profile, nil
}

// SetTrackEnabled mutes or unmutes a local track of the publish session.
func (c *Coordinator) SetTrackEnabled(kind domain.MediaKind, enabled bool) error {
	c.mu.Lock()
	sess := c.active
	var handle *MediaSourceHandle
	if sess != nil {
		handle = sess.handle
	}
	c.mu.Unlock()

	if sess == nil {
		return domain.ErrNoActiveSession
	}
	if handle == nil {
		return domain.ErrWrongRole
	}
	return c.devices.SetTrackEnabled(handle, kind, enabled)
}

// Retry recovers playback for a viewer, or restarts a failed session with
// its previous parameters.
func (c *Coordinator) Retry(ctx context.Context) error {
	c.mu.Lock()
	sess := c.active
	state := c.state
	streamID := c.lastStream
	role := c.lastRole
	capture := c.lastConfig
	c.mu.Unlock()

	if sess != nil {
		if sess.playback == nil {
			return fmt.Errorf("retry: %w", domain.ErrWrongRole)
		}
		return sess.playback.Retry(ctx)
	}

	if state != domain.LifecycleFailed || streamID == "" {
		return domain.ErrNoActiveSession
	}
	var err error
	if role == domain.RolePublisher {
		_, err = c.StartPublishing(ctx, streamID, capture)
	} else {
		_, err = c.StartViewing(ctx, streamID)
	}
	return err
}

func (c *Coordinator) QualityHistory() []domain.QualityChange {
	c.mu.Lock()
	sess := c.active
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.quality.History()
}
