// Package stream routes decoded stream events into per-participant buffers
// and promotes finished buffers into the transcript exactly once.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aigoflow/arena/internal/models"
	"github.com/aigoflow/arena/internal/protocol"
	"github.com/aigoflow/arena/internal/transcript"
)

var ErrNoParticipants = errors.New("turn has no participants")

// Notifier receives user-visible failures
type Notifier interface {
	Notify(n models.Notification)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(models.Notification)

func (f NotifierFunc) Notify(n models.Notification) { f(n) }

// Multiplexer owns every open streaming buffer. All transitions are
// serialised by one lock, so events for a session never interleave.
type Multiplexer struct {
	mu        sync.Mutex
	store     *transcript.Store
	notifier  Notifier
	logger    *slog.Logger
	stall     time.Duration
	now       func() time.Time
	active    map[string]*Turn // session id -> unresolved turn
	byMessage map[string]*Turn // buffer message id -> unresolved turn
}

// New creates a multiplexer writing into store. A zero stall timeout
// disables stall detection.
func New(store *transcript.Store, notifier Notifier, stall time.Duration, logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = NotifierFunc(func(models.Notification) {})
	}
	return &Multiplexer{
		store:     store,
		notifier:  notifier,
		logger:    logger,
		stall:     stall,
		now:       time.Now,
		active:    make(map[string]*Turn),
		byMessage: make(map[string]*Turn),
	}
}

// effects collects what must happen after the lock is released
type effects struct {
	notes    []models.Notification
	releases []func()
}

func (m *Multiplexer) flush(fx *effects) {
	for _, release := range fx.releases {
		release()
	}
	for _, n := range fx.notes {
		m.notifier.Notify(n)
	}
}

// OpenTurn opens one buffer per assignment for the user message turnID.
// An unresolved earlier turn in the same session is failed first, since a
// session streams one turn at a time. release, if set, is called once when
// the turn resolves and should free the transport request.
func (m *Multiplexer) OpenTurn(sessionID, turnID string, assignments []Assignment, release func()) (*Turn, error) {
	if len(assignments) == 0 {
		return nil, ErrNoParticipants
	}

	var fx effects
	m.mu.Lock()
	if prev, ok := m.active[sessionID]; ok {
		m.failLocked(prev, models.NotifyInterrupted, "Response interrupted by a new message", &fx)
	}

	turn := &Turn{
		ID:           turnID,
		SessionID:    sessionID,
		lastActivity: m.now(),
		release:      release,
		done:         make(chan struct{}),
	}
	for _, a := range assignments {
		if err := m.store.OpenAssistantBuffer(sessionID, a.MessageID, a.Participant, turnID); err != nil {
			// Roll back the buffers opened so far
			for _, s := range turn.slots {
				m.store.DiscardBuffer(sessionID, s.MessageID)
			}
			m.mu.Unlock()
			m.flush(&fx)
			return nil, fmt.Errorf("failed to open buffer for participant %s: %w", a.Participant, err)
		}
		turn.slots = append(turn.slots, &slot{Assignment: a})
	}

	m.active[sessionID] = turn
	for _, s := range turn.slots {
		m.byMessage[s.MessageID] = turn
	}
	m.mu.Unlock()
	m.flush(&fx)

	m.logger.Debug("Turn opened", "session_id", sessionID, "turn_id", turnID, "participants", len(assignments))
	return turn, nil
}

// Apply routes an event from a stream bound to turn. Chunks are matched by
// participant within that turn only, so a stale request can never write
// into a newer turn.
func (m *Multiplexer) Apply(turn *Turn, ev protocol.Event) {
	var fx effects
	m.mu.Lock()
	m.applyLocked(turn.SessionID, turn, ev, &fx)
	m.mu.Unlock()
	m.flush(&fx)
}

// ApplySession routes an event from a session channel. Events carrying a
// message id find their turn directly; otherwise the session's active turn
// is used.
func (m *Multiplexer) ApplySession(sessionID string, ev protocol.Event) {
	var fx effects
	m.mu.Lock()
	m.applyLocked(sessionID, nil, ev, &fx)
	m.mu.Unlock()
	m.flush(&fx)
}

func (m *Multiplexer) applyLocked(sessionID string, turn *Turn, ev protocol.Event, fx *effects) {
	switch e := ev.(type) {
	case protocol.ChunkEvent:
		t, s := m.route(sessionID, turn, e.MessageID, e.Participant)
		if s == nil {
			m.logger.Debug("Dropping chunk without open buffer",
				"session_id", sessionID, "participant", e.Participant, "message_id", e.MessageID)
			return
		}
		if s.state != StateOpen {
			m.logger.Warn("Dropping chunk for resolved buffer",
				"session_id", sessionID, "message_id", s.MessageID, "state", s.state.String())
			return
		}
		m.store.AppendChunk(sessionID, s.MessageID, e.Text)
		t.lastActivity = m.now()

	case protocol.CompleteEvent:
		t, s := m.route(sessionID, turn, e.MessageID, e.Participant)
		if s == nil || s.state != StateOpen {
			m.logger.Debug("Ignoring completion for resolved buffer",
				"session_id", sessionID, "participant", e.Participant)
			return
		}
		if e.Failed() {
			m.failSlotLocked(t, s, e.Error, fx)
		} else {
			m.completeSlotLocked(t, s)
		}
		m.resolveIfDoneLocked(t, fx)

	case protocol.ErrorEvent:
		if !e.Addressed() {
			fx.notes = append(fx.notes, m.note(sessionID, models.NotifyChannelError, "", e.Error))
			return
		}
		t, s := m.route(sessionID, turn, e.MessageID, e.Participant)
		if s == nil || s.state != StateOpen {
			return
		}
		m.failSlotLocked(t, s, e.Error, fx)
		m.resolveIfDoneLocked(t, fx)

	case protocol.SnapshotEvent:
		m.store.ReplaceSessionState(sessionID, e.Session, e.Messages)

	case protocol.ConnectedEvent:
		m.logger.Debug("Session channel established", "session_id", sessionID)

	default:
		m.logger.Debug("Ignoring unhandled event", "session_id", sessionID, "type", fmt.Sprintf("%T", ev))
	}
}

// route finds the slot an event addresses. A resolved turn is still
// searched when bound explicitly, so late events are recognised as such.
// A session channel only ever reaches turns of its own session.
func (m *Multiplexer) route(sessionID string, turn *Turn, messageID string, p models.Participant) (*Turn, *slot) {
	if turn == nil {
		if messageID != "" {
			if t, ok := m.byMessage[messageID]; ok {
				if t.SessionID != sessionID {
					m.logger.Warn("Dropping event addressed to another session",
						"session_id", sessionID, "message_id", messageID, "owner_session_id", t.SessionID)
					return nil, nil
				}
				turn = t
			}
		}
		if turn == nil {
			turn = m.active[sessionID]
		}
		if turn == nil {
			return nil, nil
		}
	}
	return turn, turn.slotFor(messageID, p)
}

func (m *Multiplexer) completeSlotLocked(t *Turn, s *slot) {
	s.state = StateComplete
	t.lastActivity = m.now()
	if _, ok := m.store.FinalizeBuffer(t.SessionID, s.MessageID); !ok {
		m.logger.Warn("Buffer vanished before finalize", "session_id", t.SessionID, "message_id", s.MessageID)
	}
}

func (m *Multiplexer) failSlotLocked(t *Turn, s *slot, reason string, fx *effects) {
	if reason == "" {
		reason = "generation failed"
	}
	s.state = StateFailed
	s.err = reason
	t.lastActivity = m.now()
	m.store.DiscardBuffer(t.SessionID, s.MessageID)

	m.logger.Warn("Participant generation failed",
		"session_id", t.SessionID,
		"participant", s.Participant,
		"message_id", s.MessageID,
		"error", reason)
	fx.notes = append(fx.notes, m.note(t.SessionID, models.NotifyParticipantError, s.Participant, reason))
}

func (m *Multiplexer) resolveIfDoneLocked(t *Turn, fx *effects) {
	if t.resolved || len(t.openSlots()) > 0 {
		return
	}
	t.resolved = true
	if m.active[t.SessionID] == t {
		delete(m.active, t.SessionID)
	}
	for _, s := range t.slots {
		if m.byMessage[s.MessageID] == t {
			delete(m.byMessage, s.MessageID)
		}
	}
	close(t.done)
	if t.release != nil {
		fx.releases = append(fx.releases, t.release)
	}
	m.logger.Debug("Turn resolved", "session_id", t.SessionID, "turn_id", t.ID)
}

// failLocked fails every open slot of t with a single notification of kind.
// An empty kind fails silently.
func (m *Multiplexer) failLocked(t *Turn, kind models.NotificationKind, reason string, fx *effects) bool {
	open := t.openSlots()
	if len(open) == 0 {
		return false
	}
	for _, s := range open {
		s.state = StateFailed
		s.err = reason
		m.store.DiscardBuffer(t.SessionID, s.MessageID)
	}
	if kind != "" {
		fx.notes = append(fx.notes, m.note(t.SessionID, kind, "", reason))
	}
	m.resolveIfDoneLocked(t, fx)
	return true
}

// Cancel stops the active turn of sessionID without finalizing partial
// text. It reports whether a turn was cancelled.
func (m *Multiplexer) Cancel(sessionID string) bool {
	var fx effects
	m.mu.Lock()
	t, ok := m.active[sessionID]
	cancelled := ok && m.failLocked(t, "", "cancelled", &fx)
	m.mu.Unlock()
	m.flush(&fx)

	if cancelled {
		m.logger.Info("Turn cancelled", "session_id", sessionID, "turn_id", t.ID)
	}
	return cancelled
}

// Fail terminates whatever is still open in turn and emits one notification
// of kind. It reports whether anything was open.
func (m *Multiplexer) Fail(turn *Turn, kind models.NotificationKind, reason string) bool {
	var fx effects
	m.mu.Lock()
	failed := m.failLocked(turn, kind, reason, &fx)
	m.mu.Unlock()
	m.flush(&fx)
	return failed
}

// Active returns the unresolved turn of sessionID, if any
func (m *Multiplexer) Active(sessionID string) (*Turn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.active[sessionID]
	return t, ok
}

// Status returns a copy of a turn's buffer states
func (m *Multiplexer) Status(turn *Turn) TurnStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := TurnStatus{
		ID:       turn.ID,
		Resolved: turn.resolved,
		States:   make(map[models.Participant]State, len(turn.slots)),
		Errors:   make(map[models.Participant]string),
	}
	for _, s := range turn.slots {
		st.States[s.Participant] = s.state
		if s.err != "" {
			st.Errors[s.Participant] = s.err
		}
	}
	return st
}

// SweepStalled fails every turn whose last event is older than the stall
// timeout. It returns the number of turns failed.
func (m *Multiplexer) SweepStalled() int {
	if m.stall <= 0 {
		return 0
	}

	var fx effects
	m.mu.Lock()
	now := m.now()
	stalled := 0
	for _, t := range m.active {
		if now.Sub(t.lastActivity) < m.stall {
			continue
		}
		reason := fmt.Sprintf("No response for %s", m.stall)
		if m.failLocked(t, models.NotifyStalled, reason, &fx) {
			stalled++
		}
	}
	m.mu.Unlock()
	m.flush(&fx)

	if stalled > 0 {
		m.logger.Warn("Failed stalled turns", "count", stalled, "stall_timeout", m.stall)
	}
	return stalled
}

// Start runs the stall sweep until ctx is done
func (m *Multiplexer) Start(ctx context.Context) error {
	if m.stall <= 0 {
		return nil
	}
	interval := m.stall / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.SweepStalled()
		}
	}
}

func (m *Multiplexer) note(sessionID string, kind models.NotificationKind, p models.Participant, msg string) models.Notification {
	return models.Notification{
		Kind:        kind,
		SessionID:   sessionID,
		Participant: p,
		Message:     msg,
		At:          m.now(),
	}
}
