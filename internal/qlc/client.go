package qlc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lawnchairsociety/qlcbridge/internal/logger"
)

// maxAttempts bounds automatic recovery to one reconnect-and-resend per call.
const maxAttempts = 2

// Client talks to one QLC+ server over a single WebSocket session.
//
// Correlated calls (SendCommand and the typed queries built on it) are
// serialized: the protocol carries no request id, so two in-flight
// queries with the same namespace and verb cannot be told apart.
// Fire-and-forget calls skip that gate because they never read.
type Client struct {
	endpoint Endpoint
	dialer   *websocket.Dialer

	gate sync.Mutex // held for the whole of a correlated exchange

	mu   sync.Mutex // protects sess
	sess *session
}

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the WebSocket dialer, e.g. to set TLS or proxy options.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

// NewClient creates a disconnected client for endpoint. The port and
// timeout fall back to DefaultPort and DefaultTimeout.
func NewClient(endpoint Endpoint, opts ...Option) (*Client, error) {
	if endpoint.Host == "" {
		return nil, fmt.Errorf("%w: host is required", ErrInvalidArgument)
	}
	endpoint = endpoint.withDefaults()

	c := &Client{
		endpoint: endpoint,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: endpoint.Timeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Endpoint returns the endpoint the client was built with.
func (c *Client) Endpoint() Endpoint {
	return c.endpoint
}

// Connected reports whether a session is held and its peer has not
// closed it.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil && !c.sess.closed()
}

// Connect opens the session if there is none.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.session(ctx)
	return err
}

// Disconnect closes the session if one is open. It is safe to call at any time.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	logger.Debug("Disconnected from QLC+", "address", c.endpoint.Address())
	return s.close()
}

// SendCommand sends command and returns the first reply whose leading
// tokens match it; unrelated frames are discarded. The wait is bounded by
// the endpoint timeout and by ctx.
func (c *Client) SendCommand(ctx context.Context, command string) (string, error) {
	c.gate.Lock()
	defer c.gate.Unlock()

	const op = "send command"
	var reply string
	err := c.do(ctx, op, func(s *session) error {
		var err error
		reply, err = c.exchange(ctx, s, op, command)
		return err
	})
	if err != nil {
		return "", err
	}
	return reply, nil
}

// Send writes command without waiting for a reply.
func (c *Client) Send(ctx context.Context, command string) error {
	const op = "send"
	return c.do(ctx, op, func(s *session) error {
		return c.write(ctx, s, op, command, c.deadline(ctx))
	})
}

// do runs fn against the current session, reconnecting and re-running it
// once if the transport reports the session closed. Connect failures,
// including authentication rejections, are returned as they are.
func (c *Client) do(ctx context.Context, op string, fn func(*session) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		s, err := c.session(ctx)
		if err != nil {
			return err
		}

		err = fn(s)
		var closed *closedError
		if !errors.As(err, &closed) {
			return err
		}

		c.drop(s)
		lastErr = closed.err
		if attempt < maxAttempts {
			logger.Warning("QLC+ connection closed, reconnecting",
				"address", c.endpoint.Address(),
				"op", op,
				"error", lastErr)
		}
	}
	return newError(KindConnection, op, "connection closed", lastErr)
}

// exchange writes command and waits until a matching reply arrives.
// Frames left over from earlier calls are discarded first.
func (c *Client) exchange(ctx context.Context, s *session, op, command string) (string, error) {
	deadline := c.deadline(ctx)
	s.discardPending()
	if err := c.write(ctx, s, op, command, deadline); err != nil {
		return "", err
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		select {
		case reply := <-s.frames:
			if Matches(command, reply) {
				logger.Debug("QLC+ command answered", "command", command, "reply", reply)
				return reply, nil
			}
			logger.Debug("Discarding unrelated QLC+ message", "command", command, "message", reply)
		case <-s.done:
			// The reply may have been read just before the connection went.
			for len(s.frames) > 0 {
				if reply := <-s.frames; Matches(command, reply) {
					return reply, nil
				}
			}
			return "", &closedError{err: s.readErr()}
		case <-timer.C:
			return "", c.timeout(ctx, s, op, nil)
		case <-ctx.Done():
			return "", c.timeout(ctx, s, op, ctx.Err())
		}
	}
}

func (c *Client) write(ctx context.Context, s *session, op, command string, deadline time.Time) error {
	err := s.writeText(command, deadline)
	if err == nil {
		return nil
	}
	var closed *closedError
	if errors.As(err, &closed) {
		return err
	}
	if isTimeout(err) {
		return c.timeout(ctx, s, op, err)
	}
	return &closedError{err: err}
}

// timeout ends a call whose wait ran out or whose ctx was canceled. A
// reply may still be in flight, so the session is dropped either way.
func (c *Client) timeout(ctx context.Context, s *session, op string, err error) error {
	c.drop(s)
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
		return ctxErr
	}
	logger.Error("Timed out waiting for response from QLC+", "address", c.endpoint.Address(), "op", op)
	return newError(KindTimeout, op, "timed out waiting for response", err)
}

// deadline is the earlier of the response window and the ctx deadline.
func (c *Client) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(c.endpoint.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return deadline
}

// session returns the live session, dialing if there is none.
func (c *Client) session(ctx context.Context) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess != nil {
		return c.sess, nil
	}
	s, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.sess = s
	return s, nil
}

func (c *Client) dial(ctx context.Context) (*session, error) {
	target := c.endpoint.URL()

	conn, resp, err := c.dialer.DialContext(ctx, target, c.endpoint.Header())
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			logger.Error("Authentication failed when connecting to QLC+", "url", target)
			return nil, newError(KindAuth, "connect", "invalid username or password", err)
		}
		if resp != nil {
			logger.Error("Failed to connect to QLC+", "url", target, "status", resp.StatusCode)
			return nil, newError(KindConnection, "connect",
				fmt.Sprintf("connection failed with status code %d", resp.StatusCode), err)
		}
		logger.Error("Failed to connect to QLC+", "url", target, "error", err)
		return nil, newError(KindConnection, "connect", "connection failed", err)
	}

	s := newSession(conn)
	logger.Debug("Connected to QLC+", "url", target, "remote_addr", s.remoteAddr())
	return s, nil
}

// drop forgets s if it is still the current session and closes it.
func (c *Client) drop(s *session) {
	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	c.mu.Unlock()
	_ = s.conn.Close()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
