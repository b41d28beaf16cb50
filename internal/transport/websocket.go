package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aigoflow/arena/internal/auth"
	"github.com/aigoflow/arena/internal/protocol"
)

// WSDialer opens session sockets at <base>/ws/chat/session/<id>/
type WSDialer struct {
	base         string
	dialer       websocket.Dialer
	pingInterval time.Duration
	logger       *slog.Logger
}

func NewWSDialer(base string, logger *slog.Logger) *WSDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSDialer{
		base:         strings.TrimSuffix(base, "/"),
		dialer:       websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		pingInterval: 25 * time.Second,
		logger:       logger,
	}
}

// SetPingInterval changes the keepalive interval. Zero disables pings.
func (d *WSDialer) SetPingInterval(interval time.Duration) {
	d.pingInterval = interval
}

// sessionURL carries no credentials; the token travels in the
// Authorization header only, so it stays out of access logs
func (d *WSDialer) sessionURL(sessionID string) string {
	return fmt.Sprintf("%s/ws/chat/session/%s/", d.base, url.PathEscape(sessionID))
}

func (d *WSDialer) Dial(ctx context.Context, sessionID string, creds auth.Credentials) (Conn, error) {
	header := http.Header{}
	if creds.Token != "" {
		header.Set("Authorization", "Bearer "+creds.Token)
	}

	d.logger.Debug("Dialing session socket", "session_id", sessionID)
	conn, resp, err := d.dialer.DialContext(ctx, d.sessionURL(sessionID), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &CloseError{Code: CloseUnauthorized, Reason: resp.Status, Err: ErrUnauthorized}
		}
		return nil, &CloseError{Code: CloseAbnormal, Err: fmt.Errorf("ws dial failed: %w", err)}
	}

	return &wsConn{
		conn:         conn,
		sessionID:    sessionID,
		pingInterval: d.pingInterval,
		logger:       d.logger,
	}, nil
}

type wsConn struct {
	conn         *websocket.Conn
	sessionID    string
	pingInterval time.Duration
	logger       *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) Run(ctx context.Context, handle func(protocol.Event)) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		var tick <-chan time.Time
		if c.pingInterval > 0 {
			ticker := time.NewTicker(c.pingInterval)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			select {
			case <-ctx.Done():
				c.Close()
				return
			case <-done:
				return
			case <-tick:
				if err := c.Send(ctx, protocol.SocketFrame{Type: protocol.TypePing, Timestamp: time.Now().UnixMilli()}); err != nil {
					c.logger.Debug("Ping failed", "session_id", c.sessionID, "error", err)
				}
			}
		}
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return &CloseError{Code: ce.Code, Reason: ce.Text, Err: err}
			}
			return &CloseError{Code: CloseAbnormal, Err: err}
		}

		ev, err := protocol.DecodeSocketMessage(data)
		if err != nil {
			c.logger.Warn("Dropping undecodable socket frame", "session_id", c.sessionID, "error", err)
			continue
		}
		if ev == nil {
			continue
		}
		handle(ev)
	}
}

func (c *wsConn) Send(ctx context.Context, frame protocol.SocketFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Close sends a normal closure and releases the socket
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
