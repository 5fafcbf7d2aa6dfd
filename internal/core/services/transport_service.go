package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"livecore/internal/core/domain"
	"livecore/internal/core/ports"
	"livecore/pkg/retry"
	"livecore/pkg/tracing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TransportConfig bounds negotiation and reconnection.
type TransportConfig struct {
	AnswerTimeout time.Duration
	// Reconnect.MaxAttempts is the number of consecutive disconnects that are
	// retried; the next one closes the session.
	Reconnect retry.Config
}

func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		AnswerTimeout: 15 * time.Second,
		Reconnect: retry.Config{
			Enabled:      true,
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     8 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
	}
}

// TransportEvents are the observers of one session. Every callback runs
// outside the session lock and never after the session was closed, except
// the closing transition itself.
type TransportEvents struct {
	OnStateChange    func(id domain.SessionID, state domain.TransportState)
	OnLocalCandidate func(id domain.SessionID, candidate domain.ICECandidate)
	// OnRestartOffer carries an ICE restart offer that must reach the remote peer.
	OnRestartOffer func(id domain.SessionID, offer domain.SessionDescription)
	// OnTerminal fires once when the session closes because of an error.
	OnTerminal func(id domain.SessionID, err error)
}

type SessionOption func(*transportSession)

func WithEvents(events TransportEvents) SessionOption {
	return func(s *transportSession) {
		s.events = events
	}
}

type transportSession struct {
	mu   sync.Mutex
	snap domain.TransportSession
	pc   ports.PeerConnection

	events TransportEvents
	handle *MediaSourceHandle

	pending   []domain.ICECandidate
	remoteSet bool

	// generation invalidates armed timers whenever the session moves on.
	generation     uint64
	awaitingAnswer bool
	answerTimer    *time.Timer
	retryTimer     *time.Timer
	disconnects    int
	closed         bool

	prevCounters *domain.MediaCounters
	offeredAt    time.Time
}

// TransportService owns every peer transport session and its state machine.
type TransportService struct {
	factory ports.PeerConnectionFactory
	cfg     TransportConfig
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger

	mu       sync.RWMutex
	sessions map[domain.SessionID]*transportSession
}

func NewTransportService(
	factory ports.PeerConnectionFactory,
	cfg TransportConfig,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *TransportService {
	return &TransportService{
		factory:  factory,
		cfg:      cfg,
		metrics:  metricsOrNop(metrics),
		logger:   logger,
		sessions: make(map[domain.SessionID]*transportSession),
	}
}

// Create builds an idle session backed by a fresh peer connection.
func (s *TransportService) Create(ctx context.Context, role domain.Role, opts ...SessionOption) (*domain.TransportSession, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("create session: invalid role %q", role)
	}

	pc, err := s.factory.NewPeerConnection(role)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	sess := &transportSession{
		pc: pc,
		snap: domain.TransportSession{
			ID:        domain.SessionID(uuid.New().String()),
			Role:      role,
			State:     domain.TransportIdle,
			CreatedAt: time.Now(),
		},
	}
	for _, opt := range opts {
		opt(sess)
	}

	pc.OnConnectionStateChange(func(state ports.PeerConnectionState) {
		s.handleConnectionState(sess, state)
	})
	pc.OnICECandidate(func(c domain.ICECandidate) {
		s.handleLocalCandidate(sess, c)
	})

	s.mu.Lock()
	s.sessions[sess.snap.ID] = sess
	s.mu.Unlock()

	s.logger.Infow("transport session created", "session_id", sess.snap.ID, "role", role)
	s.metrics.RecordTransportState(role, domain.TransportIdle)

	return sess.snap.Clone(), nil
}

// Get returns a snapshot of the session.
func (s *TransportService) Get(id domain.SessionID) (*domain.TransportSession, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.snap.Clone(), nil
}

// StartPublish attaches every track of handle and produces the local offer.
// The session takes part in the handle's lifetime: closing the session
// releases it.
func (s *TransportService) StartPublish(ctx context.Context, id domain.SessionID, handle *MediaSourceHandle) (domain.SessionDescription, error) {
	ctx, span := tracing.TraceNegotiation(ctx, "start_publish", string(id), "")
	defer span.End()

	sess, err := s.lookup(id)
	if err != nil {
		return domain.SessionDescription{}, err
	}

	var fx effects
	defer func() { fx.run() }()

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if err := s.checkStartable(sess, domain.RolePublisher, "start_publish"); err != nil {
		return domain.SessionDescription{}, err
	}
	if handle == nil || handle.Released() {
		return domain.SessionDescription{}, domain.ErrHandleReleased
	}

	for _, track := range handle.Tracks() {
		if err := sess.pc.AddTrack(track); err != nil {
			return domain.SessionDescription{}, fmt.Errorf("attach %s track: %w", track.Kind(), err)
		}
	}
	sess.handle = handle

	offer, err := s.offerLocked(ctx, sess, &fx)
	if err != nil {
		tracing.RecordError(ctx, err)
		return domain.SessionDescription{}, err
	}
	return offer, nil
}

// StartSubscribe adds receive-only transceivers and produces the local offer.
func (s *TransportService) StartSubscribe(ctx context.Context, id domain.SessionID) (domain.SessionDescription, error) {
	ctx, span := tracing.TraceNegotiation(ctx, "start_subscribe", string(id), "")
	defer span.End()

	sess, err := s.lookup(id)
	if err != nil {
		return domain.SessionDescription{}, err
	}

	var fx effects
	defer func() { fx.run() }()

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if err := s.checkStartable(sess, domain.RoleSubscriber, "start_subscribe"); err != nil {
		return domain.SessionDescription{}, err
	}

	for _, kind := range []domain.MediaKind{domain.KindVideo, domain.KindAudio} {
		if err := sess.pc.AddRecvTransceiver(kind); err != nil {
			return domain.SessionDescription{}, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}

	offer, err := s.offerLocked(ctx, sess, &fx)
	if err != nil {
		tracing.RecordError(ctx, err)
		return domain.SessionDescription{}, err
	}
	return offer, nil
}

func (s *TransportService) checkStartable(sess *transportSession, role domain.Role, op string) error {
	if sess.closed {
		return domain.ErrSessionClosed
	}
	if sess.snap.Role != role {
		return domain.ErrWrongRole
	}
	if sess.snap.State != domain.TransportIdle {
		return &domain.SignalingError{Op: op, Reason: domain.SignalingInvalidState}
	}
	return nil
}

func (s *TransportService) offerLocked(ctx context.Context, sess *transportSession, fx *effects) (domain.SessionDescription, error) {
	offer, err := sess.pc.CreateOffer(ctx, false)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}

	sess.snap.LocalDescription = &offer
	sess.offeredAt = time.Now()
	s.transitionLocked(sess, domain.TransportOffering, fx)
	s.armAnswerTimerLocked(sess)

	s.logger.Infow("local offer created",
		"session_id", sess.snap.ID,
		"role", sess.snap.Role,
		"answer_timeout", s.cfg.AnswerTimeout,
	)
	return offer, nil
}

// ApplyRemoteAnswer applies the remote answer and flushes buffered
// candidates in arrival order. Valid while an answer is awaited.
func (s *TransportService) ApplyRemoteAnswer(ctx context.Context, id domain.SessionID, answer domain.SessionDescription) error {
	ctx, span := tracing.TraceNegotiation(ctx, "apply_answer", string(id), "")
	defer span.End()

	sess, err := s.lookup(id)
	if err != nil {
		return err
	}

	var fx effects
	defer func() { fx.run() }()

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.closed {
		return domain.ErrSessionClosed
	}
	if !sess.awaitingAnswer {
		return &domain.SignalingError{Op: "apply_answer", Reason: domain.SignalingInvalidState}
	}
	if answer.Type == "" {
		answer.Type = domain.SDPTypeAnswer
	}
	if answer.Type != domain.SDPTypeAnswer {
		return &domain.SignalingError{
			Op:     "apply_answer",
			Reason: domain.SignalingRemoteRejected,
			Cause:  fmt.Errorf("unexpected description type %q", answer.Type),
		}
	}

	if err := sess.pc.SetRemoteDescription(answer); err != nil {
		tracing.RecordError(ctx, err)
		s.metrics.RecordNegotiation(sess.snap.Role, time.Since(sess.offeredAt), err)
		return &domain.SignalingError{Op: "apply_answer", Reason: domain.SignalingRemoteRejected, Cause: err}
	}

	sess.awaitingAnswer = false
	sess.generation++
	stopTimer(sess.answerTimer)
	sess.snap.RemoteDescription = &answer
	sess.remoteSet = true
	s.metrics.RecordNegotiation(sess.snap.Role, time.Since(sess.offeredAt), nil)

	flushed := 0
	for _, c := range sess.pending {
		if err := sess.pc.AddICECandidate(c); err != nil {
			s.logger.Warnw("buffered candidate rejected",
				"session_id", sess.snap.ID,
				"candidate", c.Candidate,
				"error", err,
			)
			continue
		}
		sess.snap.ICECandidates = append(sess.snap.ICECandidates, c)
		flushed++
	}
	sess.pending = nil

	if sess.snap.State == domain.TransportOffering || sess.snap.State == domain.TransportDisconnected {
		s.transitionLocked(sess, domain.TransportConnecting, &fx)
	}

	s.logger.Infow("remote answer applied",
		"session_id", sess.snap.ID,
		"flushed_candidates", flushed,
	)
	return nil
}

// AddRemoteICECandidate applies candidate, or buffers it until the remote
// description is set.
func (s *TransportService) AddRemoteICECandidate(ctx context.Context, id domain.SessionID, candidate domain.ICECandidate) error {
	sess, err := s.lookup(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.closed {
		return domain.ErrSessionClosed
	}
	if !sess.snap.State.AcceptsCandidates() {
		return &domain.SignalingError{Op: "add_ice_candidate", Reason: domain.SignalingInvalidState}
	}

	if !sess.remoteSet {
		sess.pending = append(sess.pending, candidate)
		s.logger.Debugw("remote candidate buffered",
			"session_id", sess.snap.ID,
			"pending", len(sess.pending),
		)
		return nil
	}

	if err := sess.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	sess.snap.ICECandidates = append(sess.snap.ICECandidates, candidate)
	return nil
}

// ApplyProfile forwards the desired bitrate to the connection.
func (s *TransportService) ApplyProfile(ctx context.Context, id domain.SessionID, profile domain.QualityProfile) error {
	sess, err := s.lookup(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.closed {
		return domain.ErrSessionClosed
	}
	if err := sess.pc.SetTargetBitrate(profile.TargetBitrateKbps); err != nil {
		return fmt.Errorf("apply profile %s: %w", profile.Label, err)
	}
	sess.snap.Profile = profile

	s.logger.Infow("quality profile applied",
		"session_id", sess.snap.ID,
		"profile", profile.Label,
		"bitrate_kbps", profile.TargetBitrateKbps,
		"auto", profile.IsAuto,
	)
	return nil
}

// SampleStats reads the connection counters and returns the sample for the
// interval since the previous call.
func (s *TransportService) SampleStats(ctx context.Context, id domain.SessionID) (domain.TransportStats, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return domain.TransportStats{}, err
	}

	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return domain.TransportStats{}, domain.ErrSessionClosed
	}
	pc := sess.pc
	sess.mu.Unlock()

	counters, err := pc.ReadCounters(ctx)
	if err != nil {
		return domain.TransportStats{}, fmt.Errorf("read counters: %w", err)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	prev := counters
	if sess.prevCounters != nil {
		prev = *sess.prevCounters
	}
	sess.prevCounters = &counters

	stats := counters.Delta(prev)
	s.metrics.ObserveStats(sess.snap.Role, stats)
	return stats, nil
}

// Close tears the session down from any state. Repeated calls are no-ops.
func (s *TransportService) Close(ctx context.Context, id domain.SessionID) error {
	sess, err := s.lookup(id)
	if err != nil {
		return err
	}

	var fx effects
	sess.mu.Lock()
	s.closeLocked(sess, nil, &fx)
	sess.mu.Unlock()
	fx.run()
	return nil
}

// Forget drops a closed session from the table.
func (s *TransportService) Forget(id domain.SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		sess.mu.Lock()
		closed := sess.closed
		sess.mu.Unlock()
		if closed {
			delete(s.sessions, id)
		}
	}
}

func (s *TransportService) lookup(id domain.SessionID) (*transportSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return sess, nil
}

func (s *TransportService) closeLocked(sess *transportSession, cause error, fx *effects) {
	if sess.closed {
		return
	}
	sess.closed = true
	sess.generation++
	sess.awaitingAnswer = false
	stopTimer(sess.answerTimer)
	stopTimer(sess.retryTimer)
	sess.pending = nil

	pc := sess.pc
	handle := sess.handle
	fx.add(func() {
		if err := pc.Close(); err != nil {
			s.logger.Warnw("peer connection close failed", "session_id", sess.snap.ID, "error", err)
		}
	})
	if handle != nil {
		fx.add(handle.Release)
	}

	s.transitionLocked(sess, domain.TransportClosed, fx)

	if cause != nil {
		id := sess.snap.ID
		if fn := sess.events.OnTerminal; fn != nil {
			fx.add(func() { fn(id, cause) })
		}
		s.logger.Warnw("transport session closed with error", "session_id", id, "error", cause)
		return
	}
	s.logger.Infow("transport session closed", "session_id", sess.snap.ID)
}

func (s *TransportService) transitionLocked(sess *transportSession, to domain.TransportState, fx *effects) {
	from := sess.snap.State
	if from == to {
		return
	}
	if !from.CanTransition(to) {
		s.logger.Warnw("ignored invalid transport transition",
			"session_id", sess.snap.ID,
			"from", from,
			"to", to,
		)
		return
	}
	sess.snap.State = to
	s.metrics.RecordTransportState(sess.snap.Role, to)

	s.logger.Debugw("transport state changed", "session_id", sess.snap.ID, "from", from, "to", to)

	if fn := sess.events.OnStateChange; fn != nil {
		id := sess.snap.ID
		fx.add(func() { fn(id, to) })
	}
}

func (s *TransportService) armAnswerTimerLocked(sess *transportSession) {
	stopTimer(sess.answerTimer)
	sess.awaitingAnswer = true
	sess.generation++
	gen := sess.generation

	if s.cfg.AnswerTimeout <= 0 {
		return
	}
	sess.answerTimer = time.AfterFunc(s.cfg.AnswerTimeout, func() {
		s.handleAnswerTimeout(sess, gen)
	})
}

func (s *TransportService) handleAnswerTimeout(sess *transportSession, gen uint64) {
	var fx effects
	defer func() { fx.run() }()

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.closed || sess.generation != gen || !sess.awaitingAnswer {
		return
	}

	s.metrics.RecordNegotiation(sess.snap.Role, time.Since(sess.offeredAt), domain.ErrSessionClosed)

	// A lost answer to an ICE restart counts as one more failed reconnect.
	if sess.snap.State != domain.TransportOffering {
		sess.awaitingAnswer = false
		s.handleDropLocked(sess, ports.PeerStateDisconnected, &fx)
		return
	}

	s.closeLocked(sess, &domain.SignalingError{Op: "await_answer", Reason: domain.SignalingTimeout}, &fx)
}

func (s *TransportService) handleLocalCandidate(sess *transportSession, c domain.ICECandidate) {
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return
	}
	id := sess.snap.ID
	fn := sess.events.OnLocalCandidate
	sess.mu.Unlock()

	if fn != nil {
		fn(id, c)
	}
}

func (s *TransportService) handleConnectionState(sess *transportSession, state ports.PeerConnectionState) {
	var fx effects
	defer func() { fx.run() }()

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.closed {
		return
	}

	switch state {
	case ports.PeerStateConnected:
		switch sess.snap.State {
		case domain.TransportConnecting, domain.TransportDisconnected:
			sess.disconnects = 0
			sess.snap.ReconnectAttempts = 0
			sess.generation++
			stopTimer(sess.retryTimer)
			s.transitionLocked(sess, domain.TransportConnected, &fx)
			s.logger.Infow("transport connected", "session_id", sess.snap.ID, "role", sess.snap.Role)
		}
	case ports.PeerStateDisconnected, ports.PeerStateFailed:
		switch sess.snap.State {
		case domain.TransportConnecting, domain.TransportConnected, domain.TransportDisconnected:
			s.handleDropLocked(sess, state, &fx)
		}
	case ports.PeerStateClosed:
		s.closeLocked(sess, &domain.TransportError{
			Kind:     domain.TransportConnectionLost,
			Attempts: sess.disconnects,
			Cause:    fmt.Errorf("peer connection closed"),
		}, &fx)
	}
}

// handleDropLocked counts one consecutive disconnect and either schedules an
// ICE restart or, past the budget, closes the session.
func (s *TransportService) handleDropLocked(sess *transportSession, state ports.PeerConnectionState, fx *effects) {
	sess.disconnects++
	budget := s.cfg.Reconnect.MaxAttempts
	if !s.cfg.Reconnect.Enabled {
		budget = 0
	}

	if sess.disconnects > budget {
		kind := domain.TransportConnectionLost
		if state == ports.PeerStateFailed {
			kind = domain.TransportICEFailed
		}
		s.closeLocked(sess, &domain.TransportError{Kind: kind, Attempts: sess.disconnects - 1}, fx)
		return
	}

	sess.snap.ReconnectAttempts = sess.disconnects
	sess.awaitingAnswer = false
	stopTimer(sess.answerTimer)
	sess.generation++
	gen := sess.generation
	s.transitionLocked(sess, domain.TransportDisconnected, fx)

	delay := retry.Backoff(s.cfg.Reconnect, sess.disconnects-1)
	stopTimer(sess.retryTimer)
	sess.retryTimer = time.AfterFunc(delay, func() {
		s.restartICE(sess, gen)
	})

	s.metrics.RecordReconnectAttempt(sess.snap.Role)
	s.logger.Warnw("transport disconnected, scheduling ice restart",
		"session_id", sess.snap.ID,
		"attempt", sess.disconnects,
		"max_attempts", budget,
		"delay", delay,
	)
}

func (s *TransportService) restartICE(sess *transportSession, gen uint64) {
	var fx effects
	defer func() { fx.run() }()

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.closed || sess.generation != gen || sess.snap.State != domain.TransportDisconnected {
		return
	}

	offer, err := sess.pc.CreateOffer(context.Background(), true)
	if err != nil {
		s.logger.Warnw("ice restart offer failed", "session_id", sess.snap.ID, "error", err)
		s.handleDropLocked(sess, ports.PeerStateFailed, &fx)
		return
	}

	sess.snap.LocalDescription = &offer
	sess.offeredAt = time.Now()
	s.transitionLocked(sess, domain.TransportConnecting, &fx)
	s.armAnswerTimerLocked(sess)

	if fn := sess.events.OnRestartOffer; fn != nil {
		id := sess.snap.ID
		fx.add(func() { fn(id, offer) })
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
