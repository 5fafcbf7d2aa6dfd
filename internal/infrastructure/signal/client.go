package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"livecore/internal/core/ports"
	"livecore/pkg/circuitbreaker"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrClientClosed = errors.New("signaling client closed")

// Client is a ports.SignalingChannel over a relay WebSocket. The socket is
// dialled on first send and again after it drops.
type Client struct {
	url          string
	token        string
	writeTimeout time.Duration
	dialer       *websocket.Dialer
	breaker      *circuitbreaker.CircuitBreaker
	logger       *zap.SugaredLogger

	mu      sync.Mutex
	conn    *websocket.Conn
	handler func(ports.SignalMessage)
	closed  bool

	writeMu sync.Mutex
}

var _ ports.SignalingChannel = (*Client)(nil)

func NewClient(url, token string, writeTimeout time.Duration, logger *zap.SugaredLogger) *Client {
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig())
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("signaling dial breaker", "from", from.String(), "to", to.String())
	})
	return &Client{
		url:          url,
		token:        token,
		writeTimeout: writeTimeout,
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		breaker:      breaker,
		logger:       logger,
	}
}

// Connect dials eagerly so a bad URL or token shows up at startup.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.connection(ctx)
	return err
}

func (c *Client) connection(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}
	if c.conn != nil {
		return c.conn, nil
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	// while the relay keeps refusing, fail fast instead of waiting out a handshake per send
	var conn *websocket.Conn
	err := c.breaker.Execute(ctx, func() error {
		var resp *http.Response
		var err error
		conn, resp, err = c.dialer.DialContext(ctx, c.url, header)
		if err != nil && resp != nil {
			return fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	c.conn = conn
	go c.readLoop(conn)

	c.logger.Infow("signaling connected", "url", c.url)
	return conn, nil
}

func (c *Client) Send(ctx context.Context, msg ports.SignalMessage) error {
	conn, err := c.connection(ctx)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(msg); err != nil {
		c.drop(conn)
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Client) OnReceive(fn func(ports.SignalMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var msg ports.SignalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warnw("signaling connection lost", "error", err)
			}
			c.drop(conn)
			return
		}

		c.mu.Lock()
		fn := c.handler
		c.mu.Unlock()
		if fn != nil {
			fn(msg)
		}
	}
}

// drop forgets conn if it is still current so the next send redials.
func (c *Client) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}
