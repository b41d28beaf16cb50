package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aigoflow/arena/internal/models"
	"github.com/aigoflow/arena/internal/store"
)

// SQLiteRepository implements Repository interface using SQLite
type SQLiteRepository struct {
	db          *store.DB
	sessionRepo SessionRepositoryInterface
	messageRepo MessageRepositoryInterface
	streamRepo  StreamRepositoryInterface
	eventRepo   EventRepositoryInterface
	feedback    FeedbackRepositoryInterface
}

func NewSQLiteRepository(db *store.DB) *SQLiteRepository {
	return &SQLiteRepository{
		db:          db,
		sessionRepo: &SQLiteSessionRepository{db: db},
		messageRepo: &SQLiteMessageRepository{db: db},
		streamRepo:  &SQLiteStreamRepository{db: db},
		eventRepo:   &SQLiteEventRepository{db: db},
		feedback:    &SQLiteFeedbackRepository{db: db},
	}
}

func (r *SQLiteRepository) Session() SessionRepositoryInterface {
	return r.sessionRepo
}

func (r *SQLiteRepository) Message() MessageRepositoryInterface {
	return r.messageRepo
}

func (r *SQLiteRepository) Stream() StreamRepositoryInterface {
	return r.streamRepo
}

func (r *SQLiteRepository) Event() EventRepositoryInterface {
	return r.eventRepo
}

func (r *SQLiteRepository) Feedback() FeedbackRepositoryInterface {
	return r.feedback
}

func (r *SQLiteRepository) SaveSession(ctx context.Context, session models.Session) error {
	return r.sessionRepo.SaveSession(ctx, session)
}

func (r *SQLiteRepository) SaveMessage(ctx context.Context, msg models.Message) error {
	return r.messageRepo.SaveMessage(ctx, msg)
}

// SQLiteSessionRepository handles session metadata
type SQLiteSessionRepository struct {
	db *store.DB
}

func (r *SQLiteSessionRepository) SaveSession(ctx context.Context, s models.Session) error {
	created := s.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	aID, aName := modelFields(s.ModelA)
	bID, bName := modelFields(s.ModelB)

	_, err := r.db.ExecContext(ctx, `INSERT INTO sessions(id,mode,title,model_a_id,model_a_name,model_b_id,model_b_name,created_at,updated_at)
		VALUES(?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			mode=excluded.mode, title=excluded.title,
			model_a_id=excluded.model_a_id, model_a_name=excluded.model_a_name,
			model_b_id=excluded.model_b_id, model_b_name=excluded.model_b_name,
			updated_at=excluded.updated_at`,
		s.ID, string(s.Mode), s.Title, aID, aName, bID, bName, store.Seconds(created), store.Seconds(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", s.ID, err)
	}
	return nil
}

func (r *SQLiteSessionRepository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id,mode,title,model_a_id,model_a_name,model_b_id,model_b_name,created_at
		FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return s, nil
}

func (r *SQLiteSessionRepository) ListSessions(ctx context.Context, limit int) ([]models.Session, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id,mode,title,model_a_id,model_a_name,model_b_id,model_b_name,created_at
		FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

func (r *SQLiteSessionRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin retention: %w", err)
	}
	defer tx.Rollback()

	ts := store.Seconds(cutoff)
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id IN (SELECT id FROM sessions WHERE updated_at < ?)`, ts); err != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM feedback WHERE session_id IN (SELECT id FROM sessions WHERE updated_at < ?)`, ts); err != nil {
		return 0, fmt.Errorf("failed to delete feedback: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, ts)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sessions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM streams WHERE ts < ?`, ts); err != nil {
		return 0, fmt.Errorf("failed to delete stream logs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit retention: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*models.Session, error) {
	var (
		s                      models.Session
		mode                   string
		aID, aName, bID, bName sql.NullString
		created                float64
	)
	if err := row.Scan(&s.ID, &mode, &s.Title, &aID, &aName, &bID, &bName, &created); err != nil {
		return nil, err
	}
	s.Mode = models.Mode(mode)
	s.ModelA = modelRef(aID, aName)
	s.ModelB = modelRef(bID, bName)
	s.CreatedAt = store.Time(created)
	return &s, nil
}

func modelFields(m *models.ModelRef) (any, any) {
	if m == nil {
		return nil, nil
	}
	return m.ID, m.Name
}

func modelRef(id, name sql.NullString) *models.ModelRef {
	if !id.Valid {
		return nil
	}
	return &models.ModelRef{ID: id.String, Name: name.String}
}

// SQLiteMessageRepository handles finalized messages
type SQLiteMessageRepository struct {
	db *store.DB
}

func (r *SQLiteMessageRepository) SaveMessage(ctx context.Context, m models.Message) error {
	parents, _ := json.Marshal(m.ParentIDs)
	turn := m.ID
	if m.Role == models.RoleAssistant && len(m.ParentIDs) > 0 {
		turn = m.ParentIDs[0]
	}
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	// Upsert keeps seq, so re-saving a hydrated message doesn't reorder it
	_, err := r.db.ExecContext(ctx, `INSERT INTO messages(id,session_id,turn_id,role,content,participant,parent_ids,model_id,created_at)
		VALUES(?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET content=excluded.content`,
		m.ID, m.SessionID, turn, string(m.Role), m.Content, string(m.Participant), string(parents), m.ModelID, store.Seconds(created))
	if err != nil {
		return fmt.Errorf("failed to save message %s: %w", m.ID, err)
	}
	_, _ = r.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, store.Seconds(time.Now()), m.SessionID)
	return nil
}

func (r *SQLiteMessageRepository) ListMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	// Replies sort under their user message even if it was stored after them
	rows, err := r.db.QueryContext(ctx, `SELECT m.id,m.role,m.content,m.participant,m.parent_ids,m.model_id,m.created_at
		FROM messages m LEFT JOIN messages t ON t.id = m.turn_id AND t.session_id = m.session_id
		WHERE m.session_id = ?
		ORDER BY COALESCE(t.seq, m.seq), m.seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			m                          models.Message
			role, participant, parents string
			created                    float64
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &participant, &parents, &m.ModelID, &created); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.SessionID = sessionID
		m.Role = models.Role(role)
		m.Participant = models.Participant(participant)
		_ = json.Unmarshal([]byte(parents), &m.ParentIDs)
		m.Status = models.StatusFinal
		m.CreatedAt = store.Time(created)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// SQLiteFeedbackRepository handles model ratings and preferences
type SQLiteFeedbackRepository struct {
	db *store.DB
}

func (r *SQLiteFeedbackRepository) SaveFeedback(ctx context.Context, f models.Feedback) error {
	categories, _ := json.Marshal(f.Categories)
	created := f.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO feedback(id,session_id,message_id,type,preferred_model_id,rating,categories,comment,created_at)
		VALUES(?,?,?,?,?,?,?,?,?)`,
		f.ID, f.SessionID, f.MessageID, string(f.Type), f.PreferredModelID, f.Rating, string(categories), f.Comment, store.Seconds(created))
	if err != nil {
		return fmt.Errorf("failed to save feedback %s: %w", f.ID, err)
	}
	return nil
}

func (r *SQLiteFeedbackRepository) ListFeedback(ctx context.Context, sessionID string) ([]models.Feedback, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id,message_id,type,preferred_model_id,rating,categories,comment,created_at
		FROM feedback WHERE session_id = ? ORDER BY created_at, rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	defer rows.Close()

	var out []models.Feedback
	for rows.Next() {
		var (
			f               models.Feedback
			typ, categories string
			created         float64
		)
		if err := rows.Scan(&f.ID, &f.MessageID, &typ, &f.PreferredModelID, &f.Rating, &categories, &f.Comment, &created); err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		f.SessionID = sessionID
		f.Type = models.FeedbackType(typ)
		_ = json.Unmarshal([]byte(categories), &f.Categories)
		f.CreatedAt = store.Time(created)
		out = append(out, f)
	}
	return out, rows.Err()
}

// SQLiteStreamRepository handles stream request logging
type SQLiteStreamRepository struct {
	db *store.DB
}

func (r *SQLiteStreamRepository) LogStream(ctx context.Context, log *models.StreamLog) error {
	r.db.Stream(
		log.Timestamp,
		log.TraceID,
		log.SessionID,
		log.TurnID,
		log.Transport,
		log.Participants,
		log.Chunks,
		log.Bytes,
		time.Duration(log.DurationMs)*time.Millisecond,
		log.Status,
		log.Error,
	)
	return nil
}

func (r *SQLiteStreamRepository) GetStreamLogs(ctx context.Context, limit int) ([]*models.StreamLog, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT ts,trace_id,session_id,turn_id,transport,participants,chunks,bytes,dur_ms,status,error FROM streams ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*models.StreamLog
	for rows.Next() {
		var log models.StreamLog
		var tsFloat float64

		if err := rows.Scan(
			&tsFloat, &log.TraceID, &log.SessionID, &log.TurnID, &log.Transport,
			&log.Participants, &log.Chunks, &log.Bytes, &log.DurationMs, &log.Status, &log.Error,
		); err == nil {
			log.Timestamp = store.Time(tsFloat)
			logs = append(logs, &log)
		}
	}

	return logs, nil
}

// SQLiteEventRepository handles event logging
type SQLiteEventRepository struct {
	db *store.DB
}

func (r *SQLiteEventRepository) LogEvent(ctx context.Context, level, code, msg string, meta map[string]interface{}) error {
	r.db.Event(level, code, msg, meta)
	return nil
}

func (r *SQLiteEventRepository) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM events WHERE ts < ?`, store.Seconds(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}
