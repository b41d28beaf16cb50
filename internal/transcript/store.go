// Package transcript holds the ordered message history of each session plus
// the buffers still streaming into it. It is the only state the rendering
// layer reads.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aigoflow/arena/internal/models"
)

var (
	ErrDuplicateID = errors.New("message id already used")
	ErrInvalidRole = errors.New("invalid message role")
)

// Persister mirrors finalized state somewhere durable. Failures are logged
// and never undo the in-memory transition.
type Persister interface {
	SaveSession(ctx context.Context, session models.Session) error
	SaveMessage(ctx context.Context, msg models.Message) error
}

type buffer struct {
	msg  models.Message
	text strings.Builder
	turn string
}

type sessionState struct {
	meta     *models.Session
	messages []models.Message
	turnOf   map[string]string // message id -> id of the user message that opened its turn
	open     []*buffer
}

func newSessionState() *sessionState {
	return &sessionState{turnOf: make(map[string]string)}
}

func (s *sessionState) findOpen(messageID string) (int, *buffer) {
	for i, b := range s.open {
		if b.msg.ID == messageID {
			return i, b
		}
	}
	return -1, nil
}

// Store is safe for concurrent use. Every operation is atomic: readers see
// either the state before or after it, never a partial update.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*sessionState
	owners    map[string]string // every message id ever used -> its session
	persister Persister
	logger    *slog.Logger

	listenMu  sync.Mutex
	listeners map[int]chan string
	nextID    int
}

// NewStore creates an empty store. persister may be nil.
func NewStore(persister Persister, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions:  make(map[string]*sessionState),
		owners:    make(map[string]string),
		persister: persister,
		logger:    logger,
		listeners: make(map[int]chan string),
	}
}

func (s *Store) session(sessionID string) *sessionState {
	st, ok := s.sessions[sessionID]
	if !ok {
		st = newSessionState()
		s.sessions[sessionID] = st
	}
	return st
}

// SetSession records session metadata
func (s *Store) SetSession(session models.Session) {
	s.mu.Lock()
	meta := session
	s.session(session.ID).meta = &meta
	s.mu.Unlock()

	s.persistSession(session)
	s.notify(session.ID)
}

// Session returns the metadata recorded for sessionID
func (s *Store) Session(sessionID string) (models.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[sessionID]
	if !ok || st.meta == nil {
		return models.Session{}, false
	}
	return *st.meta, true
}

// AppendUserMessage inserts a user message as final; user text is never streamed
func (s *Store) AppendUserMessage(sessionID string, msg models.Message) error {
	if msg.Role != models.RoleUser {
		return fmt.Errorf("%w: %q for user message", ErrInvalidRole, msg.Role)
	}

	s.mu.Lock()
	if _, taken := s.owners[msg.ID]; taken {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, msg.ID)
	}
	st := s.session(sessionID)
	msg = msg.Clone()
	msg.SessionID = sessionID
	msg.Status = models.StatusFinal
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	s.owners[msg.ID] = sessionID
	st.turnOf[msg.ID] = msg.ID
	st.messages = append(st.messages, msg)
	s.mu.Unlock()

	s.persistMessage(msg)
	s.notify(sessionID)
	return nil
}

// OpenAssistantBuffer registers a provisional assistant message. The first
// parent id names the user message whose turn the buffer belongs to.
// Re-opening a buffer that is already open is a no-op.
func (s *Store) OpenAssistantBuffer(sessionID, messageID string, participant models.Participant, parentIDs ...string) error {
	s.mu.Lock()
	st := s.session(sessionID)
	if _, b := st.findOpen(messageID); b != nil {
		s.mu.Unlock()
		return nil
	}
	if _, taken := s.owners[messageID]; taken {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, messageID)
	}

	b := &buffer{
		msg: models.Message{
			ID:          messageID,
			SessionID:   sessionID,
			Role:        models.RoleAssistant,
			Participant: participant,
			ParentIDs:   append([]string(nil), parentIDs...),
			Status:      models.StatusPending,
			CreatedAt:   time.Now(),
		},
		turn: messageID,
	}
	if len(parentIDs) > 0 {
		b.turn = parentIDs[0]
	}
	if st.meta != nil {
		if ref := st.meta.Model(participant); ref != nil {
			b.msg.ModelID = ref.ID
		}
	}
	s.owners[messageID] = sessionID
	st.open = append(st.open, b)
	s.mu.Unlock()

	s.notify(sessionID)
	return nil
}

// AppendChunk appends text to an open buffer. Chunks for unknown, finished
// or discarded buffers are ignored; the return value reports whether the
// chunk was applied.
func (s *Store) AppendChunk(sessionID, messageID, text string) bool {
	s.mu.Lock()
	st, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	_, b := st.findOpen(messageID)
	if b == nil {
		s.mu.Unlock()
		return false
	}
	b.text.WriteString(text)
	s.mu.Unlock()

	s.notify(sessionID)
	return true
}

// FinalizeBuffer moves an open buffer into the permanent history, right
// after the messages already recorded for its turn. It reports false when
// no such buffer is open, so a repeated finalize is harmless.
func (s *Store) FinalizeBuffer(sessionID, messageID string) (models.Message, bool) {
	s.mu.Lock()
	st, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return models.Message{}, false
	}
	i, b := st.findOpen(messageID)
	if b == nil {
		s.mu.Unlock()
		return models.Message{}, false
	}
	st.open = slices.Delete(st.open, i, i+1)

	msg := b.msg
	msg.Content = b.text.String()
	msg.Status = models.StatusFinal

	pos := len(st.messages)
	for j := len(st.messages) - 1; j >= 0; j-- {
		if st.turnOf[st.messages[j].ID] == b.turn {
			pos = j + 1
			break
		}
	}
	st.messages = slices.Insert(st.messages, pos, msg)
	st.turnOf[msg.ID] = b.turn
	s.mu.Unlock()

	s.persistMessage(msg)
	s.notify(sessionID)
	return msg.Clone(), true
}

// DiscardBuffer drops an open buffer without creating a message. The id
// stays used.
func (s *Store) DiscardBuffer(sessionID, messageID string) bool {
	s.mu.Lock()
	st, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	i, b := st.findOpen(messageID)
	if b == nil {
		s.mu.Unlock()
		return false
	}
	st.open = slices.Delete(st.open, i, i+1)
	s.mu.Unlock()

	s.notify(sessionID)
	return true
}

// ReplaceSessionState hydrates a session in bulk. It only applies while the
// session holds no messages and no open buffers, so optimistic local state
// is never thrown away. It reports whether the state was applied.
func (s *Store) ReplaceSessionState(sessionID string, session *models.Session, messages []models.Message) bool {
	s.mu.Lock()
	st := s.session(sessionID)
	if session != nil && st.meta == nil {
		meta := *session
		st.meta = &meta
	}
	if held := len(st.messages) + len(st.open); held > 0 {
		s.mu.Unlock()
		s.logger.Debug("Ignoring session state for populated transcript",
			"session_id", sessionID,
			"held", held)
		return false
	}

	// Ids this session owned before being forgotten come back with it;
	// ids of other sessions and repeats within the snapshot are skipped.
	hydrated := make([]models.Message, 0, len(messages))
	seen := make(map[string]struct{}, len(messages))
	var lastUser string
	for _, m := range messages {
		if owner, taken := s.owners[m.ID]; taken && owner != sessionID {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		m = m.Clone()
		m.SessionID = sessionID
		m.Status = models.StatusFinal
		s.owners[m.ID] = sessionID

		switch {
		case m.Role == models.RoleUser:
			lastUser = m.ID
			st.turnOf[m.ID] = m.ID
		case len(m.ParentIDs) > 0:
			st.turnOf[m.ID] = m.ParentIDs[0]
		case lastUser != "":
			st.turnOf[m.ID] = lastUser
		default:
			st.turnOf[m.ID] = m.ID
		}
		hydrated = append(hydrated, m)
	}
	st.messages = hydrated
	s.mu.Unlock()

	if session != nil {
		s.persistSession(*session)
	}
	for _, m := range hydrated {
		s.persistMessage(m)
	}
	s.notify(sessionID)
	return true
}

// SelectActiveView returns the finalized messages followed by the open
// buffers rendered as pending messages. The result is a copy.
func (s *Store) SelectActiveView(sessionID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}

	view := make([]models.Message, 0, len(st.messages)+len(st.open))
	for _, m := range st.messages {
		view = append(view, m.Clone())
	}
	for _, b := range st.open {
		m := b.msg.Clone()
		m.Content = b.text.String()
		view = append(view, m)
	}
	return view
}

// OpenBuffers returns the ids of buffers still streaming in sessionID
func (s *Store) OpenBuffers(sessionID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(st.open))
	for _, b := range st.open {
		ids = append(ids, b.msg.ID)
	}
	return ids
}

// Len returns the number of finalized messages in sessionID
func (s *Store) Len(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.sessions[sessionID]; ok {
		return len(st.messages)
	}
	return 0
}

// Forget drops everything held for sessionID when switching away from it.
// Its message ids stay reserved, so they can't be handed out again; a
// later ReplaceSessionState of the same session may bring them back.
func (s *Store) Forget(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	s.notify(sessionID)
}

// Listen returns a channel that receives a session id after every change to
// that session. Slow listeners miss updates instead of blocking writers.
func (s *Store) Listen() (<-chan string, func()) {
	ch := make(chan string, 64)

	s.listenMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = ch
	s.listenMu.Unlock()

	return ch, func() {
		s.listenMu.Lock()
		if _, ok := s.listeners[id]; ok {
			delete(s.listeners, id)
			close(ch)
		}
		s.listenMu.Unlock()
	}
}

func (s *Store) notify(sessionID string) {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	for _, ch := range s.listeners {
		select {
		case ch <- sessionID:
		default:
		}
	}
}

func (s *Store) persistMessage(msg models.Message) {
	if s.persister == nil {
		return
	}
	if err := s.persister.SaveMessage(context.Background(), msg); err != nil {
		s.logger.Error("Failed to persist message",
			"session_id", msg.SessionID,
			"message_id", msg.ID,
			"error", err)
	}
}

func (s *Store) persistSession(session models.Session) {
	if s.persister == nil {
		return
	}
	if err := s.persister.SaveSession(context.Background(), session); err != nil {
		s.logger.Error("Failed to persist session", "session_id", session.ID, "error", err)
	}
}
