package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/aigoflow/arena/internal/auth"
	"github.com/aigoflow/arena/internal/models"
	"github.com/aigoflow/arena/internal/protocol"
	"github.com/aigoflow/arena/internal/repository"
	"github.com/aigoflow/arena/internal/stream"
	"github.com/aigoflow/arena/internal/supervisor"
	"github.com/aigoflow/arena/internal/transcript"
	"github.com/aigoflow/arena/internal/transport"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrEmptyMessage   = errors.New("message is empty")
	ErrNoChannel      = errors.New("no session channel configured")
	ErrNoLocalStore   = errors.New("no local store configured")
	ErrNoCatalog      = errors.New("no model catalog configured")
	ErrNotRegenerable = errors.New("message can't be regenerated")
)

// SessionAPI is the backend's session list and creation capability
type SessionAPI interface {
	ListSessions(ctx context.Context) ([]models.Session, error)
	CreateSession(ctx context.Context, session models.Session) (models.Session, error)
}

// ModelAPI is the backend's model catalog
type ModelAPI interface {
	ListModels(ctx context.Context) ([]models.ModelInfo, error)
}

// FeedbackAPI records ratings and preferences on the backend
type FeedbackAPI interface {
	SubmitFeedback(ctx context.Context, f models.Feedback) (models.Feedback, error)
}

// ChatDeps wires a ChatService. Dialer, Sessions, Models, Feedback and
// Repo are optional;
// without Creds the service runs with an anonymous static token.
type ChatDeps struct {
	Store     *transcript.Store
	Mux       *stream.Multiplexer
	Sender    transport.Sender
	Dialer    transport.Dialer
	Sessions  SessionAPI
	Models    ModelAPI
	Feedback  FeedbackAPI
	Creds     *auth.Switch
	Repo      repository.Repository
	Notifier  supervisor.Notifier
	Reconnect supervisor.Config
	Transport string
	Logger    *slog.Logger
}

// ChatService runs the turn data flow: record the user message, open one
// buffer per participant, stream the reply and let the multiplexer finalize
type ChatService struct {
	deps   ChatDeps
	logger *slog.Logger

	mu          sync.Mutex
	supervisors map[string]*supervisor.Supervisor
	streams     map[*stream.Turn]struct{}
	wg          sync.WaitGroup
}

func NewChatService(deps ChatDeps) *ChatService {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Transport == "" {
		deps.Transport = "http"
	}
	if deps.Creds == nil {
		deps.Creds = auth.NewSwitch(auth.NewStaticProvider("", ""))
	}
	return &ChatService{
		deps:        deps,
		logger:      deps.Logger,
		supervisors: make(map[string]*supervisor.Supervisor),
		streams:     make(map[*stream.Turn]struct{}),
	}
}

// CreateSession creates a session on the backend when one is configured,
// otherwise locally, and makes it available for turns
func (s *ChatService) CreateSession(ctx context.Context, session models.Session) (models.Session, error) {
	var err error
	if s.deps.Sessions != nil {
		session, err = s.deps.Sessions.CreateSession(ctx, session)
		if err != nil {
			return models.Session{}, err
		}
	} else {
		if err := session.Validate(); err != nil {
			return models.Session{}, err
		}
		if session.ID == "" {
			session.ID = uuid.NewString()
		}
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	s.deps.Store.SetSession(session)
	s.logger.Info("Session created", "session_id", session.ID, "mode", session.Mode)
	return session, nil
}

// OpenSession registers known session metadata without contacting the backend
func (s *ChatService) OpenSession(session models.Session) error {
	if err := session.Validate(); err != nil {
		return err
	}
	s.deps.Store.SetSession(session)
	return nil
}

// ListSessions asks the backend, falling back to the local mirror
func (s *ChatService) ListSessions(ctx context.Context) ([]models.Session, error) {
	if s.deps.Sessions != nil {
		return s.deps.Sessions.ListSessions(ctx)
	}
	if s.deps.Repo != nil {
		return s.deps.Repo.Session().ListSessions(ctx, 50)
	}
	return nil, ErrNoLocalStore
}

// Send submits content as a new turn in sessionID and starts streaming the
// replies. The returned turn's Done channel closes once every participant
// completed or failed. An unresolved earlier turn is interrupted.
func (s *ChatService) Send(ctx context.Context, sessionID, content string) (*stream.Turn, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}
	meta, ok := s.deps.Store.Session(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	user := models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   content,
		ParentIDs: lastReplies(s.deps.Store.SelectActiveView(sessionID)),
		CreatedAt: time.Now(),
	}

	var assignments []stream.Assignment
	var replies []models.Message
	for _, p := range meta.Mode.Participants() {
		id := uuid.NewString()
		assignments = append(assignments, stream.Assignment{Participant: p, MessageID: id})
		reply := models.Message{ID: id, Role: models.RoleAssistant, Participant: p, ParentIDs: []string{user.ID}}
		if m := meta.Model(p); m != nil {
			reply.ModelID = m.ID
		}
		replies = append(replies, reply)
	}

	// The stream belongs to the turn, not to the caller's request
	streamCtx, release := context.WithCancel(context.WithoutCancel(ctx))
	// The turn opens first so a rejected turn leaves no user message behind
	turn, err := s.deps.Mux.OpenTurn(sessionID, user.ID, assignments, release)
	if err != nil {
		release()
		return nil, err
	}
	if err := s.deps.Store.AppendUserMessage(sessionID, user); err != nil {
		s.deps.Mux.Fail(turn, "", "message not recorded")
		return nil, fmt.Errorf("failed to record message: %w", err)
	}

	s.launch(streamCtx, turn, protocol.NewStreamRequest(sessionID, user, replies))
	return turn, nil
}

// Regenerate streams a fresh reply from the participant that wrote
// messageID, answering the same user message. The original reply stays in
// the transcript; the new one lands right after it.
func (s *ChatService) Regenerate(ctx context.Context, sessionID, messageID string) (*stream.Turn, error) {
	meta, ok := s.deps.Store.Session(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	view := s.deps.Store.SelectActiveView(sessionID)
	var original, user *models.Message
	for i := range view {
		if view[i].ID == messageID {
			original = &view[i]
		}
	}
	if original == nil || original.Role != models.RoleAssistant || original.Status != models.StatusFinal || len(original.ParentIDs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotRegenerable, messageID)
	}
	for i := range view {
		if view[i].ID == original.ParentIDs[0] {
			user = &view[i]
		}
	}
	if user == nil {
		return nil, fmt.Errorf("%w: user message %s not loaded", ErrNotRegenerable, original.ParentIDs[0])
	}

	reply := models.Message{
		ID:          uuid.NewString(),
		Role:        models.RoleAssistant,
		Participant: original.Participant,
		ParentIDs:   []string{user.ID},
		ModelID:     original.ModelID,
	}
	if reply.ModelID == "" {
		if m := meta.Model(reply.Participant); m != nil {
			reply.ModelID = m.ID
		}
	}

	streamCtx, release := context.WithCancel(context.WithoutCancel(ctx))
	turn, err := s.deps.Mux.OpenTurn(sessionID, user.ID, []stream.Assignment{{Participant: reply.Participant, MessageID: reply.ID}}, release)
	if err != nil {
		release()
		return nil, err
	}
	s.logger.Info("Regenerating reply", "session_id", sessionID, "message_id", messageID, "participant", reply.Participant)

	req := protocol.NewStreamRequest(sessionID, *user, []models.Message{reply})
	req.Regenerates = messageID
	s.launch(streamCtx, turn, req)
	return turn, nil
}

// launch tracks turn and streams req in the background
func (s *ChatService) launch(ctx context.Context, turn *stream.Turn, req protocol.StreamRequest) {
	req.ReqID = ulid.Make().String()

	s.mu.Lock()
	s.streams[turn] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runStream(ctx, turn, req)
}

func (s *ChatService) runStream(ctx context.Context, turn *stream.Turn, req protocol.StreamRequest) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.streams, turn)
		s.mu.Unlock()
	}()

	start := time.Now()
	var chunks, size int
	handle := func(ev protocol.Event) {
		if c, ok := ev.(protocol.ChunkEvent); ok {
			chunks++
			size += len(c.Text)
		}
		s.deps.Mux.Apply(turn, ev)
	}

	err := s.deps.Sender.Stream(ctx, req, handle)
	if errors.Is(err, transport.ErrUnauthorized) && chunks == 0 {
		s.logger.Info("Stream rejected credentials, refreshing", "session_id", turn.SessionID, "turn_id", turn.ID)
		if _, rerr := s.deps.Creds.Refresh(ctx); rerr != nil {
			err = fmt.Errorf("%w: %v", auth.ErrRefreshFailed, rerr)
		} else {
			err = s.deps.Sender.Stream(ctx, req, handle)
		}
	}

	status := "complete"
	select {
	case <-turn.Done():
		for _, st := range s.deps.Mux.Status(turn).States {
			if st == stream.StateFailed {
				status = "failed"
			}
		}
	default:
		switch {
		case errors.Is(err, auth.ErrRefreshFailed), errors.Is(err, transport.ErrUnauthorized):
			status = "auth_error"
			s.deps.Mux.Fail(turn, models.NotifyAuthError, "Credentials were rejected")
		case err != nil:
			status = "transport_error"
			s.deps.Mux.Fail(turn, models.NotifyTransportError, fmt.Sprintf("Connection lost: %v", err))
		default:
			status = "incomplete"
			s.deps.Mux.Fail(turn, models.NotifyTransportError, "Stream ended before every model finished")
		}
	}

	s.logger.Info("Stream finished",
		"session_id", turn.SessionID,
		"turn_id", turn.ID,
		"trace_id", req.ReqID,
		"status", status,
		"chunks", chunks,
		"duration_ms", time.Since(start).Milliseconds())

	if s.deps.Repo != nil {
		errStr := ""
		if err != nil && status != "complete" && status != "failed" {
			errStr = err.Error()
		}
		s.deps.Repo.Stream().LogStream(context.Background(), &models.StreamLog{
			Timestamp:    start,
			TraceID:      req.ReqID,
			SessionID:    turn.SessionID,
			TurnID:       turn.ID,
			Transport:    s.deps.Transport,
			Participants: len(req.Replies()),
			Chunks:       chunks,
			Bytes:        size,
			DurationMs:   float64(time.Since(start).Milliseconds()),
			Status:       status,
			Error:        errStr,
		})
	}
}

// ListModels returns the backend's model catalog
func (s *ChatService) ListModels(ctx context.Context) ([]models.ModelInfo, error) {
	if s.deps.Models == nil {
		return nil, ErrNoCatalog
	}
	return s.deps.Models.ListModels(ctx)
}

// SubmitFeedback records f on the backend when one is configured,
// otherwise in the local mirror
func (s *ChatService) SubmitFeedback(ctx context.Context, f models.Feedback) (models.Feedback, error) {
	if err := f.Validate(); err != nil {
		return models.Feedback{}, err
	}
	if meta, ok := s.deps.Store.Session(f.SessionID); ok && f.Type == models.FeedbackPreference {
		a, b := meta.Model(models.ParticipantA), meta.Model(models.ParticipantB)
		if (a == nil || a.ID != f.PreferredModelID) && (b == nil || b.ID != f.PreferredModelID) {
			return models.Feedback{}, fmt.Errorf("model %s is not part of session %s", f.PreferredModelID, f.SessionID)
		}
	}

	if s.deps.Feedback != nil {
		saved, err := s.deps.Feedback.SubmitFeedback(ctx, f)
		if err != nil {
			return models.Feedback{}, err
		}
		s.logger.Info("Feedback submitted", "session_id", f.SessionID, "type", f.Type, "message_id", f.MessageID)
		return saved, nil
	}
	if s.deps.Repo == nil {
		return models.Feedback{}, ErrNoLocalStore
	}
	f.ID = uuid.NewString()
	f.CreatedAt = time.Now()
	if err := s.deps.Repo.Feedback().SaveFeedback(ctx, f); err != nil {
		return models.Feedback{}, err
	}
	s.logger.Info("Feedback recorded locally", "session_id", f.SessionID, "type", f.Type, "message_id", f.MessageID)
	return f, nil
}

// Cancel stops the active turn of sessionID; partial text is discarded
func (s *ChatService) Cancel(sessionID string) bool {
	return s.deps.Mux.Cancel(sessionID)
}

// View returns the session's finalized messages plus in-progress replies
func (s *ChatService) View(sessionID string) []models.Message {
	return s.deps.Store.SelectActiveView(sessionID)
}

// Updates signals the id of every session whose view changed
func (s *ChatService) Updates() (<-chan string, func()) {
	return s.deps.Store.Listen()
}

// Resume hydrates an empty transcript from the local mirror. It reports
// whether the state was applied.
func (s *ChatService) Resume(ctx context.Context, sessionID string) (bool, error) {
	if s.deps.Repo == nil {
		return false, ErrNoLocalStore
	}
	session, err := s.deps.Repo.Session().GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	messages, err := s.deps.Repo.Message().ListMessages(ctx, sessionID)
	if err != nil {
		return false, err
	}
	applied := s.deps.Store.ReplaceSessionState(sessionID, session, messages)
	s.logger.Info("Session resumed", "session_id", sessionID, "messages", len(messages), "applied", applied)
	return applied, nil
}

// Connect opens the supervised session channel in the background. Calling
// it again after the supervisor gave up starts a fresh attempt budget.
func (s *ChatService) Connect(ctx context.Context, sessionID string) error {
	if s.deps.Dialer == nil {
		return ErrNoChannel
	}

	s.mu.Lock()
	sup, ok := s.supervisors[sessionID]
	if !ok {
		handle := func(ev protocol.Event) { s.deps.Mux.ApplySession(sessionID, ev) }
		sup = supervisor.New(sessionID, s.deps.Dialer, s.deps.Creds, handle, s.deps.Notifier, s.deps.Reconnect, s.logger)
		s.supervisors[sessionID] = sup
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := sup.Run(ctx)
		if err != nil && !errors.Is(err, supervisor.ErrAlreadyRunning) {
			s.logger.Warn("Session channel stopped", "session_id", sessionID, "error", err)
		}
	}()
	return nil
}

// Disconnect closes the session channel normally
func (s *ChatService) Disconnect(sessionID string) {
	s.mu.Lock()
	sup, ok := s.supervisors[sessionID]
	s.mu.Unlock()
	if ok {
		sup.Disconnect()
	}
}

// LeaveSession switches away from sessionID: its active turn is
// cancelled, its channel closed and its transcript dropped from memory.
// Resume or a server snapshot can load it again later.
func (s *ChatService) LeaveSession(sessionID string) {
	s.deps.Mux.Cancel(sessionID)

	s.mu.Lock()
	sup, ok := s.supervisors[sessionID]
	delete(s.supervisors, sessionID)
	s.mu.Unlock()
	if ok {
		sup.Disconnect()
	}

	s.deps.Store.Forget(sessionID)
	s.logger.Info("Session left", "session_id", sessionID)
}

// ConnectionState reports the session channel's state
func (s *ChatService) ConnectionState(sessionID string) supervisor.State {
	s.mu.Lock()
	sup, ok := s.supervisors[sessionID]
	s.mu.Unlock()
	if !ok {
		return supervisor.StateDisconnected
	}
	return sup.State()
}

// SwitchCredentials replaces the credential provider. Channels connected
// under another identity reconnect once.
func (s *ChatService) SwitchCredentials(ctx context.Context, p auth.Provider) error {
	s.deps.Creds.Set(p)

	s.mu.Lock()
	sups := make([]*supervisor.Supervisor, 0, len(s.supervisors))
	for _, sup := range s.supervisors {
		sups = append(sups, sup)
	}
	s.mu.Unlock()

	for _, sup := range sups {
		if _, err := sup.SetCredentials(ctx, s.deps.Creds); err != nil {
			return err
		}
	}
	return nil
}

// Close cancels streaming turns, closes every channel and waits for all
// background work
func (s *ChatService) Close() {
	s.mu.Lock()
	var sessions []string
	for turn := range s.streams {
		sessions = append(sessions, turn.SessionID)
	}
	sups := make([]*supervisor.Supervisor, 0, len(s.supervisors))
	for _, sup := range s.supervisors {
		sups = append(sups, sup)
	}
	s.mu.Unlock()

	for _, id := range sessions {
		s.deps.Mux.Cancel(id)
	}
	for _, sup := range sups {
		sup.Disconnect()
	}
	s.wg.Wait()
}

// lastReplies returns the ids of the assistant messages that answered the
// most recent user message, which become the parents of the next one
func lastReplies(view []models.Message) []string {
	var ids []string
	for i := len(view) - 1; i >= 0; i-- {
		m := view[i]
		if m.Role == models.RoleUser {
			break
		}
		if m.Status == models.StatusFinal {
			ids = append([]string{m.ID}, ids...)
		}
	}
	return ids
}
