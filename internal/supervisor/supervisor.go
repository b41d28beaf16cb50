// Package supervisor keeps a session channel alive. Abnormal closures are
// classified as auth failures, which get exactly one credential refresh,
// or transient faults, which are retried with capped exponential backoff
// until the attempt budget runs out.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/aigoflow/arena/internal/auth"
	"github.com/aigoflow/arena/internal/models"
	"github.com/aigoflow/arena/internal/protocol"
	"github.com/aigoflow/arena/internal/transport"
)

var (
	ErrAlreadyRunning = errors.New("supervisor already running")
	ErrGaveUp         = errors.New("reconnect attempts exhausted")
	ErrAuthFailed     = errors.New("authentication failed")
)

// State of the supervised channel
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateGivenUp
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateGivenUp:
		return "given_up"
	}
	return "unknown"
}

type Config struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
	AuthCloseCodes []int
}

func DefaultConfig() Config {
	return Config{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
		AuthCloseCodes: []int{
			transport.CloseUnauthorized,
			transport.CloseForbidden,
			transport.ClosePolicyViolation,
		},
	}
}

// Backoff returns the delay before retry number attempt (zero based):
// base doubled attempt times, capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 0 || base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	return min(d, max)
}

// Transition is reported to the observer on every state change
type Transition struct {
	From    State
	To      State
	Attempt int
	Delay   time.Duration
	Err     error
}

// Notifier receives terminal failures
type Notifier interface {
	Notify(n models.Notification)
}

// Supervisor owns one session channel at a time
type Supervisor struct {
	sessionID string
	dialer    transport.Dialer
	handle    func(protocol.Event)
	notifier  Notifier
	cfg       Config
	logger    *slog.Logger

	after        func(time.Duration) <-chan time.Time
	onTransition func(Transition)

	mu        sync.Mutex
	creds     auth.Provider
	state     State
	attempt   int
	identity  string
	conn      transport.Conn
	connStop  context.CancelFunc
	rebinding bool
	stop      context.CancelFunc
	done      chan struct{}
}

// New creates a supervisor for sessionID. Events from every channel it
// opens are passed to handle, one channel at a time and in order.
func New(sessionID string, dialer transport.Dialer, creds auth.Provider, handle func(protocol.Event), notifier Notifier, cfg Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		sessionID: sessionID,
		dialer:    dialer,
		creds:     creds,
		handle:    handle,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger.With("session_id", sessionID),
		after:     time.After,
	}
}

// OnTransition registers an observer for state changes. It must be set
// before Run and must not block.
func (s *Supervisor) OnTransition(fn func(Transition)) {
	s.onTransition = fn
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send writes a control frame on the current channel
func (s *Supervisor) Send(ctx context.Context, frame protocol.SocketFrame) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("session %s is not connected", s.sessionID)
	}
	return conn.Send(ctx, frame)
}

// Run connects and keeps the channel up until ctx is cancelled,
// Disconnect is called, the server closes normally, or the retry or auth
// budget is spent. It returns nil for the first three.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.stop = cancel
	s.done = done
	s.attempt = 0
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.stop = nil
		s.done = nil
		s.mu.Unlock()
		close(done)
	}()

	refreshed := false
	for {
		if ctx.Err() != nil {
			s.transition(StateDisconnected, 0, nil)
			return nil
		}

		s.transition(StateConnecting, 0, nil)
		connected, err := s.connectOnce(ctx)
		if connected {
			refreshed = false
		}

		// A caller-initiated disconnect wins over whatever the channel reported
		if ctx.Err() != nil {
			s.transition(StateDisconnected, 0, nil)
			return nil
		}
		if errors.Is(err, errRebind) {
			s.logger.Info("Reconnecting under new identity")
			continue
		}

		code := transport.CloseCode(err)
		switch {
		case code == transport.CloseNormal:
			s.logger.Info("Channel closed normally")
			s.transition(StateDisconnected, 0, nil)
			return nil

		case slices.Contains(s.cfg.AuthCloseCodes, code):
			if refreshed {
				return s.giveUp(models.NotifyAuthError, "Authentication was rejected after refreshing credentials",
					fmt.Errorf("%w: %v", ErrAuthFailed, err))
			}
			refreshed = true
			s.logger.Info("Channel rejected credentials, refreshing", "close_code", code)
			if _, rerr := s.provider().Refresh(ctx); rerr != nil {
				if ctx.Err() != nil {
					s.transition(StateDisconnected, 0, nil)
					return nil
				}
				return s.giveUp(models.NotifyAuthError, "Credential refresh failed",
					fmt.Errorf("%w: %v", ErrAuthFailed, rerr))
			}
			s.mu.Lock()
			s.attempt = 0
			s.mu.Unlock()

		default:
			s.mu.Lock()
			attempt := s.attempt
			if attempt >= s.cfg.MaxAttempts {
				s.mu.Unlock()
				return s.giveUp(models.NotifyConnectivityError,
					fmt.Sprintf("Connection lost after %d reconnect attempts", attempt),
					fmt.Errorf("%w: %v", ErrGaveUp, err))
			}
			s.attempt++
			s.mu.Unlock()

			delay := Backoff(s.cfg.BaseDelay, s.cfg.MaxDelay, attempt)
			s.logger.Warn("Channel closed abnormally, scheduling reconnect",
				"close_code", code,
				"attempt", attempt+1,
				"delay_ms", delay.Milliseconds(),
				"error", err)
			s.transition(StateReconnecting, delay, err)

			select {
			case <-ctx.Done():
				s.transition(StateDisconnected, 0, nil)
				return nil
			case <-s.after(delay):
			}
		}
	}
}

var errRebind = errors.New("identity changed")

// connectOnce dials and pumps one channel. It reports whether the dial
// succeeded and returns the closure cause.
func (s *Supervisor) connectOnce(ctx context.Context) (bool, error) {
	creds, err := s.provider().Credentials(ctx)
	if err != nil {
		return false, &transport.CloseError{Code: transport.CloseUnauthorized, Reason: "no credentials", Err: err}
	}

	conn, err := s.dialer.Dial(ctx, s.sessionID, creds)
	if err != nil {
		return false, err
	}

	connCtx, connStop := context.WithCancel(ctx)
	defer connStop()

	s.mu.Lock()
	s.conn = conn
	s.connStop = connStop
	s.identity = creds.Identity
	s.rebinding = false
	s.attempt = 0
	s.mu.Unlock()

	s.logger.Info("Channel connected", "identity", creds.Identity)
	s.transition(StateConnected, 0, nil)

	// Run returns only after its last event was handled, so the next
	// channel never delivers before this one is drained
	runErr := conn.Run(connCtx, s.handle)
	conn.Close()

	s.mu.Lock()
	s.conn = nil
	s.connStop = nil
	rebinding := s.rebinding
	s.rebinding = false
	s.mu.Unlock()

	if rebinding && ctx.Err() == nil {
		return true, errRebind
	}
	if runErr == nil && connCtx.Err() == nil {
		// The channel ended without an error or a close code
		return true, &transport.CloseError{Code: transport.CloseAbnormal, Reason: "channel ended"}
	}
	return true, runErr
}

// Disconnect closes the channel normally and stops reconnecting. It waits
// for Run to return.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.mu.Unlock()
	if stop == nil {
		return
	}
	stop()
	<-done
}

// SetCredentials swaps the credential provider. When connected under a
// different identity the channel is torn down and re-established once.
// It reports whether a reconnect was triggered.
func (s *Supervisor) SetCredentials(ctx context.Context, creds auth.Provider) (bool, error) {
	next, err := creds.Credentials(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read credentials: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = creds
	if s.state != StateConnected || s.connStop == nil || next.Identity == s.identity {
		return false, nil
	}
	s.rebinding = true
	s.connStop()
	return true, nil
}

func (s *Supervisor) provider() auth.Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

func (s *Supervisor) giveUp(kind models.NotificationKind, msg string, err error) error {
	s.logger.Error("Giving up on channel", "kind", kind, "error", err)
	s.transition(StateGivenUp, 0, err)
	if s.notifier != nil {
		s.notifier.Notify(models.Notification{
			Kind:      kind,
			SessionID: s.sessionID,
			Message:   msg,
			At:        time.Now(),
		})
	}
	return err
}

func (s *Supervisor) transition(to State, delay time.Duration, err error) {
	s.mu.Lock()
	from := s.state
	s.state = to
	attempt := s.attempt
	s.mu.Unlock()

	if from == to && to != StateReconnecting {
		return
	}
	s.logger.Debug("Channel state changed", "from", from.String(), "to", to.String(), "attempt", attempt)
	if s.onTransition != nil {
		s.onTransition(Transition{From: from, To: to, Attempt: attempt, Delay: delay, Err: err})
	}
}
