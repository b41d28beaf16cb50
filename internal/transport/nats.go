package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"

	"github.com/aigoflow/arena/internal/auth"
	"github.com/aigoflow/arena/internal/protocol"
)

// Subjects used on the broker. Session events carry socket frames; the
// stream subjects carry raw line-protocol fragments, an empty message
// marking the end of a stream.
func EventsSubject(prefix, sessionID string) string {
	return fmt.Sprintf("%s.session.%s.events", prefix, sessionID)
}

func ControlSubject(prefix, sessionID string) string {
	return fmt.Sprintf("%s.session.%s.control", prefix, sessionID)
}

func StreamRequestSubject(prefix string) string {
	return prefix + ".stream.request"
}

// NATSDialer opens session channels over a NATS connection per channel.
// Reconnects are left to the supervisor, so the client's own reconnect
// logic is disabled.
type NATSDialer struct {
	url    string
	prefix string
	logger *slog.Logger
}

func NewNATSDialer(natsURL, prefix string, logger *slog.Logger) *NATSDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSDialer{url: natsURL, prefix: prefix, logger: logger}
}

func (d *NATSDialer) Dial(ctx context.Context, sessionID string, creds auth.Credentials) (Conn, error) {
	closed := make(chan error, 1)
	opts := []nats.Option{
		nats.Name("arena-session-" + sessionID),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			select {
			case closed <- err:
			default:
			}
		}),
	}
	if creds.Token != "" {
		opts = append(opts, nats.Token(creds.Token))
	}

	nc, err := nats.Connect(d.url, opts...)
	if err != nil {
		return nil, natsCloseError(err)
	}

	msgs := make(chan *nats.Msg, 256)
	sub, err := nc.ChanSubscribe(EventsSubject(d.prefix, sessionID), msgs)
	if err != nil {
		nc.Close()
		return nil, &CloseError{Code: CloseAbnormal, Err: fmt.Errorf("failed to subscribe: %w", err)}
	}

	d.logger.Debug("Session channel subscribed", "session_id", sessionID, "subject", sub.Subject)
	return &natsConn{
		nc:        nc,
		sub:       sub,
		msgs:      msgs,
		closed:    closed,
		sessionID: sessionID,
		prefix:    d.prefix,
		logger:    d.logger,
	}, nil
}

func natsCloseError(err error) *CloseError {
	if errors.Is(err, nats.ErrAuthorization) || strings.Contains(strings.ToLower(err.Error()), "authorization") {
		return &CloseError{Code: CloseUnauthorized, Reason: "authorization violation", Err: ErrUnauthorized}
	}
	return &CloseError{Code: CloseAbnormal, Err: fmt.Errorf("failed to connect to NATS: %w", err)}
}

type natsConn struct {
	nc        *nats.Conn
	sub       *nats.Subscription
	msgs      chan *nats.Msg
	closed    chan error
	sessionID string
	prefix    string
	logger    *slog.Logger

	closeOnce sync.Once
}

func (c *natsConn) Run(ctx context.Context, handle func(protocol.Event)) error {
	// The broker has no handshake, so ask for the session state explicitly
	if err := c.Send(ctx, protocol.SocketFrame{Type: protocol.TypeRequestState}); err != nil {
		c.Close()
		return &CloseError{Code: CloseAbnormal, Err: err}
	}

	for {
		select {
		case <-ctx.Done():
			c.Close()
			return nil
		case err := <-c.closed:
			c.Close()
			if err == nil {
				err = errors.New("connection closed")
			}
			return &CloseError{Code: CloseAbnormal, Err: err}
		case msg := <-c.msgs:
			ev, err := protocol.DecodeSocketMessage(msg.Data)
			if err != nil {
				c.logger.Warn("Dropping undecodable channel message", "session_id", c.sessionID, "error", err)
				continue
			}
			if ev != nil {
				handle(ev)
			}
		}
	}
}

func (c *natsConn) Send(ctx context.Context, frame protocol.SocketFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	if err := c.nc.Publish(ControlSubject(c.prefix, c.sessionID), data); err != nil {
		return fmt.Errorf("failed to publish frame: %w", err)
	}
	return nil
}

func (c *natsConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.sub.Unsubscribe()
		c.nc.Close()
	})
	return nil
}

// NATSSender streams turns over request/reply subjects. With a credential
// provider it connects lazily and reconnects whenever the provider hands
// out a different token, so refreshes and identity switches reach the
// broker connection.
type NATSSender struct {
	url      string
	prefix   string
	clientID string
	creds    auth.Provider
	idle     time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	conn  *nats.Conn
	token string
}

// NewNATSSender streams over natsURL, authenticating with the tokens of
// creds. creds may be nil for an unauthenticated broker.
func NewNATSSender(natsURL, prefix, clientID string, creds auth.Provider, logger *slog.Logger) *NATSSender {
	s := newNATSSender(prefix, clientID, logger)
	s.url = natsURL
	s.creds = creds
	return s
}

// NewNATSSenderConn wraps an existing connection
func NewNATSSenderConn(conn *nats.Conn, prefix, clientID string, logger *slog.Logger) *NATSSender {
	s := newNATSSender(prefix, clientID, logger)
	s.conn = conn
	return s
}

func newNATSSender(prefix, clientID string, logger *slog.Logger) *NATSSender {
	if clientID == "" {
		clientID = "arena-client"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSender{
		prefix:   prefix,
		clientID: clientID,
		idle:     60 * time.Second,
		logger:   logger,
	}
}

// connection returns a connection authenticated with the current token
func (s *NATSSender) connection(ctx context.Context) (*nats.Conn, error) {
	var token string
	if s.creds != nil {
		c, err := s.creds.Credentials(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get credentials: %w", err)
		}
		token = c.Token
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && (s.url == "" || (token == s.token && !s.conn.IsClosed())) {
		return s.conn, nil
	}

	opts := []nats.Option{nats.Name("arena-client")}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}
	conn, err := nats.Connect(s.url, opts...)
	if err != nil {
		if ce := natsCloseError(err); errors.Is(ce, ErrUnauthorized) {
			return nil, ce
		}
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	if s.conn != nil {
		s.logger.Info("Reconnecting stream sender with new credentials", "client_id", s.clientID)
		s.conn.Close()
	}
	s.conn, s.token = conn, token
	return conn, nil
}

// SetIdleTimeout bounds the gap between two stream messages
func (s *NATSSender) SetIdleTimeout(d time.Duration) {
	s.idle = d
}

func (s *NATSSender) Stream(ctx context.Context, req protocol.StreamRequest, handle func(protocol.Event)) error {
	if req.ReqID == "" {
		req.ReqID = ulid.Make().String()
	}
	req.ReplyTo = fmt.Sprintf("%s.stream.reply.%s.%s", s.prefix, s.clientID, req.ReqID)

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal stream request: %w", err)
	}
	conn, err := s.connection(ctx)
	if err != nil {
		return err
	}

	// Subscribe to the reply subject before publishing
	replies := make(chan *nats.Msg, 256)
	sub, err := conn.ChanSubscribe(req.ReplyTo, replies)
	if err != nil {
		return fmt.Errorf("failed to subscribe to reply: %w", err)
	}
	defer sub.Unsubscribe()

	if err := conn.Publish(StreamRequestSubject(s.prefix), data); err != nil {
		return fmt.Errorf("failed to publish request: %w", err)
	}
	s.logger.Debug("Published stream request",
		"session_id", req.SessionID,
		"req_id", req.ReqID,
		"reply_subject", req.ReplyTo)

	dec := protocol.NewDecoder(s.logger)
	timer := time.NewTimer(s.idle)
	defer timer.Stop()
	for {
		select {
		case msg := <-replies:
			if len(msg.Data) == 0 {
				for _, ev := range dec.Flush() {
					handle(ev)
				}
				return nil
			}
			for ev := range dec.Events(msg.Data) {
				handle(ev)
			}
			timer.Reset(s.idle)
		case <-timer.C:
			return fmt.Errorf("stream idle for %v", s.idle)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *NATSSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
	return nil
}
