// Package transport carries stream events between the client and the
// backend. Two shapes exist: a request/stream Sender that opens one reply
// stream per turn, and a persistent per-session channel opened by a Dialer.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/aigoflow/arena/internal/auth"
	"github.com/aigoflow/arena/internal/protocol"
)

var ErrUnauthorized = errors.New("unauthorized")

// Close codes seen on session channels
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseAbnormal        = 1006
	ClosePolicyViolation = 1008
	CloseUnauthorized    = 4001
	CloseForbidden       = 4003
)

// CloseError reports why a session channel ended
type CloseError struct {
	Code   int
	Reason string
	Err    error
}

func (e *CloseError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("channel closed (%d): %s", e.Code, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("channel closed (%d): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("channel closed (%d)", e.Code)
}

func (e *CloseError) Unwrap() error { return e.Err }

// CloseCode extracts the close code of err, treating anything that isn't
// a CloseError as an abnormal closure. A nil error is a normal closure.
func CloseCode(err error) int {
	if err == nil {
		return CloseNormal
	}
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	if errors.Is(err, ErrUnauthorized) {
		return CloseUnauthorized
	}
	return CloseAbnormal
}

// Conn is an established session channel
type Conn interface {
	// Run delivers events to handle until the channel closes or ctx is
	// cancelled. It returns only after the last handle call has returned.
	// Cancelling ctx closes the channel normally and returns nil.
	Run(ctx context.Context, handle func(protocol.Event)) error
	// Send writes a control frame such as ping or request_state
	Send(ctx context.Context, frame protocol.SocketFrame) error
	Close() error
}

// Dialer opens session channels
type Dialer interface {
	Dial(ctx context.Context, sessionID string, creds auth.Credentials) (Conn, error)
}

// Sender opens one reply stream per turn and feeds its events to handle.
// It returns nil once the stream reached its end, which need not mean every
// participant completed.
type Sender interface {
	Stream(ctx context.Context, req protocol.StreamRequest, handle func(protocol.Event)) error
}
