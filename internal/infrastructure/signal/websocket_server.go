package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"livecore/internal/core/domain"
	"livecore/internal/core/ports"
	"livecore/internal/core/services"
	rtc "livecore/internal/infrastructure/webrtc"
	"livecore/pkg/tracing"
	"livecore/pkg/validation"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // clients authenticate with a bearer token instead
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

var errRateLimited = errors.New("rate limit exceeded")

// Relay is the media side the server hands negotiation to.
type Relay interface {
	HandleOffer(ctx context.Context, streamID domain.StreamID, sessionID domain.SessionID, role domain.Role,
		offer domain.SessionDescription, onCandidate func(domain.ICECandidate)) (domain.SessionDescription, error)
	AddCandidate(streamID domain.StreamID, sessionID domain.SessionID, candidate domain.ICECandidate) error
	Remove(streamID domain.StreamID, sessionID domain.SessionID)
	OnPublisherLeft(fn func(streamID domain.StreamID))
	Live(streamID domain.StreamID) bool
	Stats() rtc.RelayStats
}

type ServerConfig struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration

	// MessagesPerSecond <= 0 disables the per-connection limit.
	MessagesPerSecond float64
	Burst             int
	MaxMessageSize    int64
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MessagesPerSecond: 50,
		Burst:             100,
		MaxMessageSize:    64 * 1024,
	}
}

type WebSocketServer struct {
	relay Relay
	auth  services.AuthService
	cfg   ServerConfig

	mu       sync.RWMutex
	clients  map[string]*client
	sessions map[domain.SessionID]*session

	logger *zap.SugaredLogger
}

type client struct {
	peerID  string
	userID  domain.UserID
	conn    *websocket.Conn
	limiter *rate.Limiter
	timeout time.Duration

	writeMu sync.Mutex
}

type session struct {
	id       domain.SessionID
	streamID domain.StreamID
	role     domain.Role
	client   *client
}

// NewWebSocketServer builds the signaling front of the relay. A nil auth
// accepts every connection.
func NewWebSocketServer(relay Relay, auth services.AuthService, cfg ServerConfig, logger *zap.SugaredLogger) *WebSocketServer {
	s := &WebSocketServer{
		relay:    relay,
		auth:     auth,
		cfg:      cfg,
		clients:  make(map[string]*client),
		sessions: make(map[domain.SessionID]*session),
		logger:   logger,
	}
	relay.OnPublisherLeft(s.handlePublisherLeft)
	return s
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	var userID domain.UserID
	if s.auth != nil {
		claims, err := s.authenticate(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		userID = claims.UserID
	}

	peerID := r.URL.Query().Get("peer_id")
	if peerID == "" {
		peerID = uuid.NewString()
	} else if err := validation.ValidatePeerID(peerID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}

	c := &client{peerID: peerID, userID: userID, conn: conn, timeout: s.cfg.WriteTimeout}
	if s.cfg.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}

	// Check if peer is reconnecting (already exists)
	s.mu.Lock()
	existing, isReconnect := s.clients[peerID]
	s.clients[peerID] = c
	s.mu.Unlock()
	if isReconnect {
		existing.conn.Close()
		s.logger.Infow("closing old connection for reconnecting peer", "peer_id", peerID)
	}

	s.logger.Infow("peer connected via WebSocket", "peer_id", peerID, "user_id", userID, "reconnect", isReconnect)

	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan ports.SignalMessage, 16)
	errorChan := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			var msg ports.SignalMessage
			if err := conn.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
			select {
			case messageChan <- msg:
			case <-done:
				return
			}
		}
	}()

loop:
	for {
		select {
		case msg := <-messageChan:
			if err := s.handleMessage(r.Context(), c, msg); err != nil {
				s.logger.Infow("error handling message from peer", "peer_id", peerID, "type", msg.Type, "error", err)
				s.sendError(c, msg, err)
			}

		case <-pingTicker.C:
			if err := c.ping(); err != nil {
				s.logger.Infow("error sending ping", "peer_id", peerID, "error", err)
				break loop
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message from peer", "peer_id", peerID, "error", err)
			}
			break loop
		}
	}

	s.disconnect(c)
}

func (s *WebSocketServer) authenticate(r *http.Request) (*services.Claims, error) {
	token := r.URL.Query().Get("token")
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.Split(header, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return nil, fmt.Errorf("invalid authorization header format")
		}
		token = parts[1]
	}
	if token == "" {
		return nil, fmt.Errorf("authorization required")
	}
	return s.auth.ValidateToken(token)
}

// disconnect drops every session the connection owned.
func (s *WebSocketServer) disconnect(c *client) {
	var owned []*session

	s.mu.Lock()
	if s.clients[c.peerID] == c {
		delete(s.clients, c.peerID)
	}
	for id, sess := range s.sessions {
		if sess.client == c {
			owned = append(owned, sess)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, sess := range owned {
		s.relay.Remove(sess.streamID, sess.id)
	}
	s.logger.Infow("peer disconnected", "peer_id", c.peerID, "sessions", len(owned))
}

func (s *WebSocketServer) handleMessage(ctx context.Context, c *client, msg ports.SignalMessage) error {
	if c.limiter != nil && !c.limiter.Allow() {
		return errRateLimited
	}
	if msg.Type == "" {
		return fmt.Errorf("message type is required")
	}
	if msg.PeerID != "" && msg.PeerID != c.peerID {
		return fmt.Errorf("peer_id mismatch: expected %s, got %s", c.peerID, msg.PeerID)
	}

	ctx, span := tracing.TraceWebSocketMessage(ctx, string(msg.Type), c.peerID)
	defer span.End()

	err := s.dispatch(ctx, c, msg)
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

func (s *WebSocketServer) dispatch(ctx context.Context, c *client, msg ports.SignalMessage) error {
	switch msg.Type {
	case ports.SignalJoin:
		return s.handleJoin(c, msg)
	case ports.SignalOffer:
		return s.handleOffer(ctx, c, msg)
	case ports.SignalICECandidate:
		return s.handleICECandidate(c, msg)
	case ports.SignalProfile:
		return s.handleProfile(c, msg)
	case ports.SignalBye:
		return s.handleBye(c, msg)
	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

func (s *WebSocketServer) handleJoin(c *client, msg ports.SignalMessage) error {
	if err := validateStreamID(msg.StreamID); err != nil {
		return fmt.Errorf("invalid stream_id: %w", err)
	}
	payload, err := json.Marshal(map[string]bool{"live": s.relay.Live(msg.StreamID)})
	if err != nil {
		return err
	}
	return c.send(ports.SignalMessage{
		Type:     ports.SignalJoin,
		StreamID: msg.StreamID,
		PeerID:   c.peerID,
		Payload:  payload,
	})
}

func (s *WebSocketServer) handleOffer(ctx context.Context, c *client, msg ports.SignalMessage) error {
	if err := validateStreamID(msg.StreamID); err != nil {
		return fmt.Errorf("invalid stream_id: %w", err)
	}
	if err := validation.ValidateSessionID(string(msg.SessionID)); err != nil {
		return fmt.Errorf("invalid session_id: %w", err)
	}
	if !msg.Role.Valid() {
		return fmt.Errorf("invalid role %q", msg.Role)
	}

	var offer domain.SessionDescription
	if err := json.Unmarshal(msg.Payload, &offer); err != nil {
		return fmt.Errorf("invalid offer payload: %w", err)
	}
	if offer.Type != domain.SDPTypeOffer {
		return fmt.Errorf("expected sdp type offer, got %q", offer.Type)
	}
	if err := validateSDP(offer.SDP); err != nil {
		return fmt.Errorf("invalid SDP in offer: %w", err)
	}

	s.mu.Lock()
	existing, known := s.sessions[msg.SessionID]
	if known && (existing.client != c || existing.streamID != msg.StreamID) {
		s.mu.Unlock()
		return fmt.Errorf("session %s belongs to another connection", msg.SessionID)
	}
	if !known {
		s.sessions[msg.SessionID] = &session{id: msg.SessionID, streamID: msg.StreamID, role: msg.Role, client: c}
	}
	s.mu.Unlock()

	s.logger.Infow("routing offer",
		"peer_id", c.peerID,
		"session_id", msg.SessionID,
		"stream_id", msg.StreamID,
		"role", msg.Role,
		"sdp_length", len(offer.SDP),
	)

	sessionID, streamID, role := msg.SessionID, msg.StreamID, msg.Role
	answer, err := s.relay.HandleOffer(ctx, streamID, sessionID, role, offer, func(candidate domain.ICECandidate) {
		raw, err := json.Marshal(candidate)
		if err != nil {
			return
		}
		if err := c.send(ports.SignalMessage{
			Type:      ports.SignalICECandidate,
			SessionID: sessionID,
			StreamID:  streamID,
			Role:      role,
			Payload:   raw,
		}); err != nil {
			s.logger.Debugw("failed to send candidate", "session_id", sessionID, "error", err)
		}
	})
	if err != nil {
		if !known {
			s.mu.Lock()
			delete(s.sessions, sessionID)
			s.mu.Unlock()
		}
		return err
	}

	raw, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	return c.send(ports.SignalMessage{
		Type:      ports.SignalAnswer,
		SessionID: sessionID,
		StreamID:  streamID,
		Role:      role,
		Payload:   raw,
	})
}

func (s *WebSocketServer) handleICECandidate(c *client, msg ports.SignalMessage) error {
	sess, err := s.ownedSession(c, msg.SessionID)
	if err != nil {
		return err
	}

	var candidate domain.ICECandidate
	if err := json.Unmarshal(msg.Payload, &candidate); err != nil {
		return fmt.Errorf("invalid ICE candidate payload: %w", err)
	}
	if candidate.Candidate == "" {
		return fmt.Errorf("ICE candidate is required")
	}

	s.logger.Debugw("routing ICE candidate", "peer_id", c.peerID, "session_id", sess.id)
	return s.relay.AddCandidate(sess.streamID, sess.id, candidate)
}

// handleProfile passes a viewer's profile request to the stream's publisher.
func (s *WebSocketServer) handleProfile(c *client, msg ports.SignalMessage) error {
	sess, err := s.ownedSession(c, msg.SessionID)
	if err != nil {
		return err
	}
	if sess.role != domain.RoleSubscriber {
		return nil
	}

	s.mu.RLock()
	var publisher *session
	for _, other := range s.sessions {
		if other.streamID == sess.streamID && other.role == domain.RolePublisher {
			publisher = other
			break
		}
	}
	s.mu.RUnlock()

	if publisher == nil {
		s.logger.Debugw("profile request without publisher", "stream_id", sess.streamID)
		return nil
	}
	return publisher.client.send(ports.SignalMessage{
		Type:      ports.SignalProfile,
		SessionID: publisher.id,
		StreamID:  publisher.streamID,
		Role:      publisher.role,
		PeerID:    c.peerID,
		Payload:   msg.Payload,
	})
}

func (s *WebSocketServer) handleBye(c *client, msg ports.SignalMessage) error {
	sess, err := s.ownedSession(c, msg.SessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()

	s.relay.Remove(sess.streamID, sess.id)
	return nil
}

// handlePublisherLeft tells every subscriber of the stream that the source
// is gone.
func (s *WebSocketServer) handlePublisherLeft(streamID domain.StreamID) {
	var subscribers []*session

	s.mu.Lock()
	for id, sess := range s.sessions {
		if sess.streamID != streamID {
			continue
		}
		delete(s.sessions, id)
		if sess.role == domain.RoleSubscriber {
			subscribers = append(subscribers, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range subscribers {
		if err := sess.client.send(ports.SignalMessage{
			Type:      ports.SignalBye,
			SessionID: sess.id,
			StreamID:  streamID,
			Role:      sess.role,
		}); err != nil {
			s.logger.Debugw("failed to send bye", "session_id", sess.id, "error", err)
		}
	}
	s.logger.Infow("publisher left", "stream_id", streamID, "subscribers_notified", len(subscribers))
}

func (s *WebSocketServer) ownedSession(c *client, id domain.SessionID) (*session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok || sess.client != c {
		return nil, fmt.Errorf("unknown session %q", id)
	}
	return sess, nil
}

// validateSDP validates SDP format
func validateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("SDP cannot be empty")
	}

	if len(sdp) < 2 || sdp[:2] != "v=" {
		return fmt.Errorf("invalid SDP format: must start with 'v='")
	}

	requiredFields := []string{"o=", "s=", "t="}
	for _, field := range requiredFields {
		if !strings.Contains(sdp, field) {
			return fmt.Errorf("invalid SDP format: missing required field '%s'", field)
		}
	}

	return nil
}

func validateStreamID(streamID domain.StreamID) error {
	return validation.ValidateStreamID(string(streamID))
}

func (s *WebSocketServer) sendError(c *client, msg ports.SignalMessage, cause error) {
	raw, _ := json.Marshal(cause.Error())
	if err := c.send(ports.SignalMessage{
		Type:      ports.SignalError,
		SessionID: msg.SessionID,
		StreamID:  msg.StreamID,
		Role:      msg.Role,
		Payload:   raw,
	}); err != nil {
		s.logger.Debugw("failed to send error", "peer_id", c.peerID, "error", err)
	}
}

func (c *client) send(msg ports.SignalMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.conn.WriteJSON(msg)
}

func (c *client) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.timeout))
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	connectionCount := len(s.clients)
	sessionCount := len(s.sessions)
	s.mu.RUnlock()

	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": connectionCount,
		"sessions":    sessionCount,
		"relay":       s.relay.Stats(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *WebSocketServer) ConnectedPeers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]string, 0, len(s.clients))
	for peerID := range s.clients {
		peers = append(peers, peerID)
	}
	return peers
}

// CloseAll sends a going-away close frame to every peer and drops the
// connections. Hijacked sockets are not closed by http.Server.Shutdown.
func (s *WebSocketServer) CloseAll() {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(c.timeout))
		c.writeMu.Unlock()
		c.conn.Close()
	}
}
