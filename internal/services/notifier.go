package services

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aigoflow/arena/internal/models"
	"github.com/aigoflow/arena/internal/repository"
)

// Notifier fans terminal failures out to subscribers and records each one
// in the events table
type Notifier struct {
	events repository.EventRepositoryInterface
	logger *slog.Logger

	mu   sync.Mutex
	subs map[int]chan models.Notification
	next int
}

// NewNotifier creates a notifier. events may be nil.
func NewNotifier(events repository.EventRepositoryInterface, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		events: events,
		logger: logger,
		subs:   make(map[int]chan models.Notification),
	}
}

func (n *Notifier) Notify(note models.Notification) {
	n.logger.Error("Terminal failure",
		"kind", note.Kind,
		"session_id", note.SessionID,
		"participant", note.Participant,
		"message", note.Message)

	if n.events != nil {
		meta := map[string]interface{}{"session_id": note.SessionID}
		if note.Participant != "" {
			meta["participant"] = note.Participant
		}
		if err := n.events.LogEvent(context.Background(), "error", string(note.Kind), note.Message, meta); err != nil {
			n.logger.Warn("Failed to record notification", "error", err)
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for id, ch := range n.subs {
		select {
		case ch <- note:
		default:
			n.logger.Warn("Notification subscriber is full, dropping", "subscriber", id, "kind", note.Kind)
		}
	}
}

// Subscribe returns a channel of notifications and a func to stop
// receiving them
func (n *Notifier) Subscribe(buffer int) (<-chan models.Notification, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan models.Notification, buffer)

	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = ch
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
			close(ch)
		})
	}
}
