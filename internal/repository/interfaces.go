package repository

import (
	"context"
	"errors"
	"time"

	"github.com/aigoflow/arena/internal/models"
)

var ErrNotFound = errors.New("not found")

// Repository aggregates all repository interfaces
type Repository interface {
	Session() SessionRepositoryInterface
	Message() MessageRepositoryInterface
	Stream() StreamRepositoryInterface
	Event() EventRepositoryInterface
	Feedback() FeedbackRepositoryInterface

	// SaveSession and SaveMessage let the repository mirror a transcript
	SaveSession(ctx context.Context, session models.Session) error
	SaveMessage(ctx context.Context, msg models.Message) error
}

// SessionRepositoryInterface defines session storage operations
type SessionRepositoryInterface interface {
	SaveSession(ctx context.Context, session models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, limit int) ([]models.Session, error)
	// DeleteOlderThan removes sessions untouched since cutoff together
	// with their messages, returning the number of sessions removed
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// MessageRepositoryInterface defines finalized message storage
type MessageRepositoryInterface interface {
	SaveMessage(ctx context.Context, msg models.Message) error
	// ListMessages returns a session's messages in transcript order
	ListMessages(ctx context.Context, sessionID string) ([]models.Message, error)
}

// FeedbackRepositoryInterface defines feedback storage
type FeedbackRepositoryInterface interface {
	SaveFeedback(ctx context.Context, f models.Feedback) error
	// ListFeedback returns a session's feedback, oldest first
	ListFeedback(ctx context.Context, sessionID string) ([]models.Feedback, error)
}

// StreamRepositoryInterface defines stream request logging operations
type StreamRepositoryInterface interface {
	LogStream(ctx context.Context, log *models.StreamLog) error
	GetStreamLogs(ctx context.Context, limit int) ([]*models.StreamLog, error)
}

// EventRepositoryInterface defines event logging operations
type EventRepositoryInterface interface {
	LogEvent(ctx context.Context, level, code, msg string, meta map[string]interface{}) error
	PruneEvents(ctx context.Context, cutoff time.Time) (int64, error)
}
