package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aigoflow/arena/internal/models"
	"github.com/aigoflow/arena/internal/protocol"
	"github.com/aigoflow/arena/internal/repository"
)

var (
	ErrBadRequest      = errors.New("bad stream request")
	ErrSessionNotFound = errors.New("session not found")
)

// Plan is a validated stream request
type Plan struct {
	TraceID string
	Session models.Session
	User    models.Message
	Replies []models.Message
	history []models.Message

	// Regenerates is the assistant message being replaced. The user
	// message is already stored then.
	Regenerates string
}

// Streamer runs the participants of one turn concurrently and serialises
// their output into protocol lines through a single writer
type Streamer struct {
	repo    repository.Repository
	gen     Generator
	monitor *Monitor
	logger  *slog.Logger
}

func NewStreamer(repo repository.Repository, gen Generator, monitor *Monitor, logger *slog.Logger) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	if monitor == nil {
		monitor = NewMonitor(0, logger)
	}
	return &Streamer{repo: repo, gen: gen, monitor: monitor, logger: logger}
}

// Prepare validates req against the stored session. It writes nothing, so
// callers can still answer with a plain error status.
func (s *Streamer) Prepare(ctx context.Context, req protocol.StreamRequest) (*Plan, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", ErrBadRequest)
	}
	session, err := s.repo.Session().GetSession(ctx, req.SessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, req.SessionID)
	}
	if err != nil {
		return nil, err
	}

	plan := &Plan{TraceID: req.ReqID, Session: *session}
	if req.Regenerates != "" {
		return s.prepareRegenerate(ctx, req, plan)
	}
	allowed := map[models.Participant]bool{}
	for _, p := range session.Mode.Participants() {
		allowed[p] = true
	}

	var haveUser bool
	seen := map[models.Participant]bool{}
	for _, m := range req.Messages {
		if _, err := uuid.Parse(m.ID); err != nil {
			return nil, fmt.Errorf("%w: message id %q is not a uuid", ErrBadRequest, m.ID)
		}
		msg := models.Message{
			ID:          m.ID,
			SessionID:   session.ID,
			Role:        m.Role,
			Content:     m.Content,
			Participant: m.Participant,
			ParentIDs:   m.ParentIDs,
			ModelID:     m.ModelID,
			Status:      models.StatusFinal,
			CreatedAt:   time.Now(),
		}
		switch m.Role {
		case models.RoleUser:
			if haveUser {
				return nil, fmt.Errorf("%w: more than one user message", ErrBadRequest)
			}
			if strings.TrimSpace(m.Content) == "" {
				return nil, fmt.Errorf("%w: user message is empty", ErrBadRequest)
			}
			haveUser = true
			plan.User = msg
		case models.RoleAssistant:
			if !allowed[m.Participant] || seen[m.Participant] {
				return nil, fmt.Errorf("%w: participant %q not valid for %s mode", ErrBadRequest, m.Participant, session.Mode)
			}
			seen[m.Participant] = true
			if msg.ModelID == "" {
				if ref := session.Model(m.Participant); ref != nil {
					msg.ModelID = ref.ID
				}
			}
			if msg.ModelID == "" {
				return nil, fmt.Errorf("%w: no model for participant %s", ErrBadRequest, m.Participant)
			}
			plan.Replies = append(plan.Replies, msg)
		default:
			return nil, fmt.Errorf("%w: unknown role %q", ErrBadRequest, m.Role)
		}
	}
	if !haveUser || len(plan.Replies) == 0 {
		return nil, fmt.Errorf("%w: need one user message and at least one reply", ErrBadRequest)
	}

	plan.history, err = s.repo.Message().ListMessages(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// prepareRegenerate plans a single reply that replaces a stored assistant
// message. The reply answers the same user message with the same
// participant and sees only the history before that message.
func (s *Streamer) prepareRegenerate(ctx context.Context, req protocol.StreamRequest, plan *Plan) (*Plan, error) {
	history, err := s.repo.Message().ListMessages(ctx, plan.Session.ID)
	if err != nil {
		return nil, err
	}

	var original *models.Message
	for i := range history {
		if history[i].ID == req.Regenerates {
			original = &history[i]
		}
	}
	if original == nil {
		return nil, fmt.Errorf("%w: message %s not found", ErrBadRequest, req.Regenerates)
	}
	if original.Role != models.RoleAssistant || len(original.ParentIDs) == 0 {
		return nil, fmt.Errorf("%w: only assistant replies can be regenerated", ErrBadRequest)
	}

	user, ok := req.User()
	if !ok || user.ID != original.ParentIDs[0] {
		return nil, fmt.Errorf("%w: regenerate must name the original user message", ErrBadRequest)
	}
	cut := -1
	for i, m := range history {
		if m.ID == user.ID {
			cut = i
		}
	}
	if cut < 0 {
		return nil, fmt.Errorf("%w: user message %s not stored", ErrBadRequest, user.ID)
	}

	replies := req.Replies()
	if len(replies) != 1 {
		return nil, fmt.Errorf("%w: regenerate takes exactly one reply", ErrBadRequest)
	}
	r := replies[0]
	if _, err := uuid.Parse(r.ID); err != nil {
		return nil, fmt.Errorf("%w: message id %q is not a uuid", ErrBadRequest, r.ID)
	}
	for _, m := range history {
		if m.ID == r.ID {
			return nil, fmt.Errorf("%w: message id %s already used", ErrBadRequest, r.ID)
		}
	}
	if r.Participant != original.Participant {
		return nil, fmt.Errorf("%w: regenerated reply must keep participant %q", ErrBadRequest, original.Participant)
	}

	reply := models.Message{
		ID:          r.ID,
		SessionID:   plan.Session.ID,
		Role:        models.RoleAssistant,
		Participant: r.Participant,
		ParentIDs:   original.ParentIDs,
		ModelID:     r.ModelID,
		Status:      models.StatusFinal,
	}
	if reply.ModelID == "" {
		reply.ModelID = original.ModelID
	}
	if reply.ModelID == "" {
		return nil, fmt.Errorf("%w: no model for participant %s", ErrBadRequest, r.Participant)
	}

	plan.User = history[cut]
	plan.Replies = []models.Message{reply}
	plan.history = history[:cut]
	plan.Regenerates = original.ID
	return plan, nil
}

// Stream records the user message, then generates every reply and passes
// each rendered line to write. Replies that finish are stored. A write
// error stops generation and is returned.
func (s *Streamer) Stream(ctx context.Context, plan *Plan, transport string, write func(line string) error) error {
	start := time.Now()
	if plan.Regenerates == "" {
		if err := s.repo.SaveMessage(ctx, plan.User); err != nil {
			return fmt.Errorf("failed to store user message: %w", err)
		}
	}

	s.monitor.BeginStream(len(plan.Replies))
	defer s.monitor.EndStream(len(plan.Replies))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string, 64)
	var wg sync.WaitGroup
	var failed sync.Map
	for _, reply := range plan.Replies {
		wg.Add(1)
		go func(reply models.Message) {
			defer wg.Done()
			if err := s.generate(ctx, plan, reply, lines); err != nil {
				failed.Store(reply.Participant, err)
			}
		}(reply)
	}
	go func() {
		wg.Wait()
		close(lines)
	}()

	var chunks, size int
	var writeErr error
	for line := range lines {
		if writeErr != nil {
			continue
		}
		if err := write(line); err != nil {
			writeErr = err
			cancel()
			continue
		}
		chunks++
		size += len(line)
	}

	status := "complete"
	errStr := ""
	failed.Range(func(_, v any) bool {
		status = "failed"
		errStr = v.(error).Error()
		return false
	})
	if writeErr != nil {
		status = "aborted"
		errStr = writeErr.Error()
	}

	s.logger.Info("Stream served",
		"session_id", plan.Session.ID,
		"turn_id", plan.User.ID,
		"trace_id", plan.TraceID,
		"transport", transport,
		"participants", len(plan.Replies),
		"regenerates", plan.Regenerates,
		"status", status,
		"duration_ms", time.Since(start).Milliseconds())

	if err := s.repo.Stream().LogStream(context.Background(), &models.StreamLog{
		Timestamp:    start,
		TraceID:      plan.TraceID,
		SessionID:    plan.Session.ID,
		TurnID:       plan.User.ID,
		Transport:    transport,
		Participants: len(plan.Replies),
		Chunks:       chunks,
		Bytes:        size,
		DurationMs:   float64(time.Since(start).Milliseconds()),
		Status:       status,
		Error:        errStr,
	}); err != nil {
		s.logger.Warn("Failed to log stream", "error", err)
	}
	return writeErr
}

func (s *Streamer) generate(ctx context.Context, plan *Plan, reply models.Message, lines chan<- string) error {
	p := reply.Participant
	var content strings.Builder
	err := s.gen.Generate(ctx, Prompt{
		Model:   reply.ModelID,
		History: branch(plan.history, p),
		Content: plan.User.Content,
	}, func(chunk string) error {
		if chunk == "" {
			return nil
		}
		content.WriteString(chunk)
		s.monitor.AddChunk()
		lines <- protocol.ChunkLine(p, chunk)
		return nil
	})
	if err != nil {
		s.logger.Warn("Generation failed",
			"session_id", plan.Session.ID,
			"participant", p,
			"model", reply.ModelID,
			"error", err)
		lines <- protocol.DoneLine(p, protocol.FinishError, err.Error())
		return err
	}

	reply.Content = content.String()
	reply.CreatedAt = time.Now()
	if err := s.repo.SaveMessage(context.Background(), reply); err != nil {
		s.logger.Error("Failed to store reply", "message_id", reply.ID, "error", err)
	}
	lines <- protocol.DoneLine(p, protocol.FinishStop, "")
	return nil
}

// branch keeps the user messages and the replies of participant p, which
// is the conversation that participant's model has seen
func branch(history []models.Message, p models.Participant) []models.Message {
	var out []models.Message
	for _, m := range history {
		if m.Role == models.RoleUser || m.Participant == p {
			out = append(out, m)
		}
	}
	return out
}

// Snapshot renders a session and its stored messages as a session_state event
func Snapshot(ctx context.Context, repo repository.Repository, sessionID string) (protocol.SnapshotEvent, error) {
	session, err := repo.Session().GetSession(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return protocol.SnapshotEvent{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return protocol.SnapshotEvent{}, err
	}
	messages, err := repo.Message().ListMessages(ctx, sessionID)
	if err != nil {
		return protocol.SnapshotEvent{}, err
	}
	return protocol.SnapshotEvent{Session: session, Messages: messages}, nil
}
