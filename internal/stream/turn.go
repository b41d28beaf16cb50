package stream

import (
	"time"

	"github.com/aigoflow/arena/internal/models"
)

// State of one participant's buffer within a turn
type State int

const (
	StateOpen State = iota
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Assignment pairs a participant with the message id of its buffer
type Assignment struct {
	Participant models.Participant
	MessageID   string
}

type slot struct {
	Assignment
	state State
	err   string
}

// Turn is one user submission and the buffers it opened. All fields are
// guarded by the owning Multiplexer's lock.
type Turn struct {
	ID        string // id of the user message
	SessionID string

	slots        []*slot
	lastActivity time.Time
	resolved     bool
	release      func()
	done         chan struct{}
}

// Done is closed once every participant is complete or failed
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

func (t *Turn) slotFor(messageID string, p models.Participant) *slot {
	for _, s := range t.slots {
		if messageID != "" {
			if s.MessageID == messageID {
				return s
			}
			continue
		}
		if s.Participant == p {
			return s
		}
	}
	return nil
}

func (t *Turn) openSlots() []*slot {
	var open []*slot
	for _, s := range t.slots {
		if s.state == StateOpen {
			open = append(open, s)
		}
	}
	return open
}

// TurnStatus is a point-in-time copy of a turn's buffer states
type TurnStatus struct {
	ID       string
	Resolved bool
	States   map[models.Participant]State
	Errors   map[models.Participant]string
}
