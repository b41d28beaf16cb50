package models

import "time"

// Role of a message author
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Status is the lifecycle state of a message
type Status string

const (
	StatusPending Status = "pending" // still streaming
	StatusFinal   Status = "final"
)

// Message is a single turn's content
type Message struct {
	ID          string      `json:"id"`
	SessionID   string      `json:"session_id"`
	Role        Role        `json:"role"`
	Content     string      `json:"content"`
	Participant Participant `json:"participant,omitempty"`
	ParentIDs   []string    `json:"parent_message_ids"`
	ModelID     string      `json:"modelId,omitempty"`
	Status      Status      `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Clone returns a deep copy so callers can't alias internal slices
func (m Message) Clone() Message {
	if m.ParentIDs != nil {
		m.ParentIDs = append([]string(nil), m.ParentIDs...)
	}
	return m
}
