package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"livecore/internal/core/domain"
	"livecore/internal/core/ports"
	"livecore/internal/core/services"
	rtc "livecore/internal/infrastructure/webrtc"
	"livecore/pkg/circuitbreaker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSDP = "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

type removal struct {
	stream  domain.StreamID
	session domain.SessionID
}

type fakeRelay struct {
	mu         sync.Mutex
	offerErr   error
	offers     []domain.SessionID
	candidates []domain.ICECandidate
	removed    []removal
	onCand     map[domain.SessionID]func(domain.ICECandidate)
	onLeft     func(domain.StreamID)
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{onCand: make(map[domain.SessionID]func(domain.ICECandidate))}
}

func (f *fakeRelay) HandleOffer(ctx context.Context, streamID domain.StreamID, sessionID domain.SessionID, role domain.Role,
	offer domain.SessionDescription, onCandidate func(domain.ICECandidate)) (domain.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offerErr != nil {
		return domain.SessionDescription{}, f.offerErr
	}
	f.offers = append(f.offers, sessionID)
	f.onCand[sessionID] = onCandidate
	return domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: testSDP}, nil
}

func (f *fakeRelay) AddCandidate(streamID domain.StreamID, sessionID domain.SessionID, c domain.ICECandidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeRelay) Remove(streamID domain.StreamID, sessionID domain.SessionID) {
	f.mu.Lock()
	f.removed = append(f.removed, removal{streamID, sessionID})
	f.mu.Unlock()
}

func (f *fakeRelay) OnPublisherLeft(fn func(domain.StreamID)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onLeft = fn
}

func (f *fakeRelay) Live(streamID domain.StreamID) bool { return streamID == "live" }

func (f *fakeRelay) Stats() rtc.RelayStats { return rtc.RelayStats{Rooms: 1} }

func (f *fakeRelay) candidate(session domain.SessionID, c domain.ICECandidate) {
	f.mu.Lock()
	fn := f.onCand[session]
	f.mu.Unlock()
	fn(c)
}

func (f *fakeRelay) leave(stream domain.StreamID) {
	f.mu.Lock()
	fn := f.onLeft
	f.mu.Unlock()
	fn(stream)
}

func (f *fakeRelay) Removed() []removal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]removal(nil), f.removed...)
}

func (f *fakeRelay) Candidates() []domain.ICECandidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ICECandidate(nil), f.candidates...)
}

type harness struct {
	relay  *fakeRelay
	server *WebSocketServer
	http   *httptest.Server
	url    string
}

func newHarness(t *testing.T, auth services.AuthService, cfg ServerConfig) *harness {
	t.Helper()
	relay := newFakeRelay()
	server := NewWebSocketServer(relay, auth, cfg, zap.NewNop().Sugar())
	srv := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(srv.Close)
	return &harness{
		relay:  relay,
		server: server,
		http:   srv,
		url:    "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

// inbox collects what a client receives.
type inbox chan ports.SignalMessage

func (h *harness) connect(t *testing.T, token string) (*Client, inbox) {
	t.Helper()
	c := NewClient(h.url, token, time.Second, zap.NewNop().Sugar())
	in := make(inbox, 32)
	c.OnReceive(func(msg ports.SignalMessage) { in <- msg })
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c, in
}

func (in inbox) next(t *testing.T, want ports.SignalType) ports.SignalMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-in:
			if msg.Type == want {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %s message received", want)
			return ports.SignalMessage{}
		}
	}
}

func offerMessage(t *testing.T, session domain.SessionID, role domain.Role, sdp string) ports.SignalMessage {
	t.Helper()
	raw, err := json.Marshal(domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: sdp})
	require.NoError(t, err)
	return ports.SignalMessage{Type: ports.SignalOffer, SessionID: session, StreamID: "stream-1", Role: role, Payload: raw}
}

func TestOfferIsAnsweredAndCandidatesFlowBack(t *testing.T) {
	h := newHarness(t, nil, DefaultServerConfig())
	c, in := h.connect(t, "")

	require.NoError(t, c.Send(context.Background(), offerMessage(t, "sess-1", domain.RolePublisher, testSDP)))

	answer := in.next(t, ports.SignalAnswer)
	assert.Equal(t, domain.SessionID("sess-1"), answer.SessionID)
	var desc domain.SessionDescription
	require.NoError(t, json.Unmarshal(answer.Payload, &desc))
	assert.Equal(t, domain.SDPTypeAnswer, desc.Type)

	h.relay.candidate("sess-1", domain.ICECandidate{Candidate: "candidate:relay"})
	cand := in.next(t, ports.SignalICECandidate)
	assert.Equal(t, domain.SessionID("sess-1"), cand.SessionID)
	assert.Contains(t, string(cand.Payload), "candidate:relay")

	raw, _ := json.Marshal(domain.ICECandidate{Candidate: "candidate:client"})
	require.NoError(t, c.Send(context.Background(), ports.SignalMessage{
		Type: ports.SignalICECandidate, SessionID: "sess-1", StreamID: "stream-1", Payload: raw,
	}))
	require.Eventually(t, func() bool { return len(h.relay.Candidates()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestInvalidOffersAreRejected(t *testing.T) {
	h := newHarness(t, nil, DefaultServerConfig())
	c, in := h.connect(t, "")

	require.NoError(t, c.Send(context.Background(), offerMessage(t, "sess-1", domain.RolePublisher, "bogus")))
	msg := in.next(t, ports.SignalError)
	assert.Equal(t, domain.SessionID("sess-1"), msg.SessionID)
	assert.Contains(t, string(msg.Payload), "invalid SDP")

	require.NoError(t, c.Send(context.Background(), offerMessage(t, "sess-2", domain.Role("bystander"), testSDP)))
	msg = in.next(t, ports.SignalError)
	assert.Contains(t, string(msg.Payload), "invalid role")

	h.relay.mu.Lock()
	assert.Empty(t, h.relay.offers)
	h.relay.mu.Unlock()
}

func TestRelayErrorReachesClient(t *testing.T) {
	h := newHarness(t, nil, DefaultServerConfig())
	h.relay.mu.Lock()
	h.relay.offerErr = rtc.ErrStreamNotLive
	h.relay.mu.Unlock()
	c, in := h.connect(t, "")

	require.NoError(t, c.Send(context.Background(), offerMessage(t, "sess-1", domain.RoleSubscriber, testSDP)))
	msg := in.next(t, ports.SignalError)
	assert.Contains(t, string(msg.Payload), "stream not live")

	// the failed session is forgotten
	require.NoError(t, c.Send(context.Background(), ports.SignalMessage{Type: ports.SignalBye, SessionID: "sess-1"}))
	msg = in.next(t, ports.SignalError)
	assert.Contains(t, string(msg.Payload), "unknown session")
}

func TestByeAndDisconnectRemoveSessions(t *testing.T) {
	h := newHarness(t, nil, DefaultServerConfig())
	c, in := h.connect(t, "")

	require.NoError(t, c.Send(context.Background(), offerMessage(t, "sess-1", domain.RolePublisher, testSDP)))
	in.next(t, ports.SignalAnswer)
	require.NoError(t, c.Send(context.Background(), ports.SignalMessage{Type: ports.SignalBye, SessionID: "sess-1"}))
	require.Eventually(t, func() bool { return len(h.relay.Removed()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Send(context.Background(), offerMessage(t, "sess-2", domain.RolePublisher, testSDP)))
	in.next(t, ports.SignalAnswer)
	require.NoError(t, c.Close())

	require.Eventually(t, func() bool { return len(h.relay.Removed()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, removal{"stream-1", "sess-2"}, h.relay.Removed()[1])
}

func TestPublisherLeftSendsByeToSubscribers(t *testing.T) {
	h := newHarness(t, nil, DefaultServerConfig())
	pub, pubIn := h.connect(t, "")
	sub, subIn := h.connect(t, "")

	require.NoError(t, pub.Send(context.Background(), offerMessage(t, "pub-1", domain.RolePublisher, testSDP)))
	pubIn.next(t, ports.SignalAnswer)
	require.NoError(t, sub.Send(context.Background(), offerMessage(t, "sub-1", domain.RoleSubscriber, testSDP)))
	subIn.next(t, ports.SignalAnswer)

	h.relay.leave("stream-1")

	bye := subIn.next(t, ports.SignalBye)
	assert.Equal(t, domain.SessionID("sub-1"), bye.SessionID)
}

func TestProfileRequestForwardedToPublisher(t *testing.T) {
	h := newHarness(t, nil, DefaultServerConfig())
	pub, pubIn := h.connect(t, "")
	sub, subIn := h.connect(t, "")

	require.NoError(t, pub.Send(context.Background(), offerMessage(t, "pub-1", domain.RolePublisher, testSDP)))
	pubIn.next(t, ports.SignalAnswer)
	require.NoError(t, sub.Send(context.Background(), offerMessage(t, "sub-1", domain.RoleSubscriber, testSDP)))
	subIn.next(t, ports.SignalAnswer)

	require.NoError(t, sub.Send(context.Background(), ports.SignalMessage{
		Type: ports.SignalProfile, SessionID: "sub-1", Payload: json.RawMessage(`{"name":"low"}`),
	}))

	msg := pubIn.next(t, ports.SignalProfile)
	assert.Equal(t, domain.SessionID("pub-1"), msg.SessionID)
	assert.JSONEq(t, `{"name":"low"}`, string(msg.Payload))
}

func TestJoinReportsLiveness(t *testing.T) {
	h := newHarness(t, nil, DefaultServerConfig())
	c, in := h.connect(t, "")

	require.NoError(t, c.Send(context.Background(), ports.SignalMessage{Type: ports.SignalJoin, StreamID: "live"}))
	msg := in.next(t, ports.SignalJoin)
	assert.JSONEq(t, `{"live":true}`, string(msg.Payload))
	assert.NotEmpty(t, msg.PeerID, "server assigns a peer id")
}

func TestMessageRateLimit(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.MessagesPerSecond = 0.001
	cfg.Burst = 1
	h := newHarness(t, nil, cfg)
	c, in := h.connect(t, "")

	join := ports.SignalMessage{Type: ports.SignalJoin, StreamID: "live"}
	require.NoError(t, c.Send(context.Background(), join))
	require.NoError(t, c.Send(context.Background(), join))

	in.next(t, ports.SignalJoin)
	msg := in.next(t, ports.SignalError)
	assert.Contains(t, string(msg.Payload), "rate limit exceeded")
}

func TestAuthRequired(t *testing.T) {
	auth := services.NewAuthService("secret", time.Hour, "")
	h := newHarness(t, auth, DefaultServerConfig())

	anonymous := NewClient(h.url, "", time.Second, zap.NewNop().Sugar())
	err := anonymous.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	token, err := auth.GenerateToken("studio", "studio")
	require.NoError(t, err)
	h.connect(t, token)
}

func TestDialFailsFastWhileRelayIsDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	c := NewClient(url, "", time.Second, zap.NewNop().Sugar())
	t.Cleanup(func() { c.Close() })

	for i := 0; i < circuitbreaker.DefaultConfig().FailureThreshold; i++ {
		err := c.Connect(context.Background())
		require.Error(t, err)
		assert.NotErrorIs(t, err, circuitbreaker.ErrOpen)
	}

	err := c.Send(context.Background(), ports.SignalMessage{Type: ports.SignalJoin})
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
}

func TestSendAfterCloseFails(t *testing.T) {
	h := newHarness(t, nil, DefaultServerConfig())
	c, _ := h.connect(t, "")

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Send(context.Background(), ports.SignalMessage{Type: ports.SignalJoin}), ErrClientClosed)
	assert.NoError(t, c.Close())
}

func TestHealthCheck(t *testing.T) {
	h := newHarness(t, nil, DefaultServerConfig())

	rec := httptest.NewRecorder()
	h.server.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body struct {
		Status      string         `json:"status"`
		Connections int            `json:"connections"`
		Relay       rtc.RelayStats `json:"relay"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, 1, body.Relay.Rooms)
}

func TestValidateSDP(t *testing.T) {
	assert.NoError(t, validateSDP(testSDP))
	assert.Error(t, validateSDP(""))
	assert.Error(t, validateSDP("o=- 1 2 IN IP4 0.0.0.0"))
	assert.Error(t, validateSDP("v=0\r\no=- 1 2 IN IP4 0.0.0.0\r\n"))
	assert.Error(t, validateStreamID(domain.StreamID(strings.Repeat("x", 101))))
}
