package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/aigoflow/arena/internal/models"
)

// Socket frame type discriminators
const (
	TypeConnectionEstablished = "connection_established"
	TypeMessageChunk          = "message_chunk"
	TypeMessageComplete       = "message_complete"
	TypeSessionState          = "session_state"
	TypeError                 = "error"
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeRequestState          = "request_state"
)

// SocketFrame is the JSON shape of every session socket message
type SocketFrame struct {
	Type         string             `json:"type"`
	SessionID    string             `json:"session_id,omitempty"`
	MessageID    string             `json:"message_id,omitempty"`
	Participant  models.Participant `json:"participant,omitempty"`
	Chunk        string             `json:"chunk,omitempty"`
	FinishReason string             `json:"finish_reason,omitempty"`
	Error        string             `json:"error,omitempty"`
	Session      *SessionPayload    `json:"session,omitempty"`
	Messages     []MessagePayload   `json:"messages,omitempty"`
	Timestamp    int64              `json:"timestamp,omitempty"`
}

// SessionPayload is the session part of a session_state frame
type SessionPayload struct {
	ID     string           `json:"id"`
	Mode   models.Mode      `json:"mode"`
	Title  string           `json:"title,omitempty"`
	ModelA *models.ModelRef `json:"model_a,omitempty"`
	ModelB *models.ModelRef `json:"model_b,omitempty"`
}

// MessagePayload is one message of a session_state frame
type MessagePayload struct {
	ID          string             `json:"id"`
	Role        models.Role        `json:"role"`
	Content     string             `json:"content"`
	Position    int                `json:"position"`
	Participant models.Participant `json:"participant,omitempty"`
	ParentIDs   []string           `json:"parent_message_ids,omitempty"`
	Status      string             `json:"status"`
	CreatedAt   string             `json:"created_at,omitempty"`
}

// Server-side message statuses that count as finished content
var finishedStatuses = map[string]bool{
	"success": true,
	"final":   true,
}

// DecodeSocketMessage normalises one socket frame into an Event. Unknown
// frame types, pongs included, return a nil event.
func DecodeSocketMessage(data []byte) (Event, error) {
	var frame SocketFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	participant := frame.Participant
	if participant == models.ParticipantNone {
		participant = models.ParticipantA
	}

	switch frame.Type {
	case TypeConnectionEstablished:
		return ConnectedEvent{SessionID: frame.SessionID}, nil
	case TypeMessageChunk:
		return ChunkEvent{MessageID: frame.MessageID, Participant: participant, Text: frame.Chunk}, nil
	case TypeMessageComplete:
		reason := FinishReason(frame.FinishReason)
		if reason == "" {
			reason = FinishStop
			if frame.Error != "" {
				reason = FinishError
			}
		}
		return CompleteEvent{
			MessageID:   frame.MessageID,
			Participant: participant,
			Reason:      reason,
			Error:       frame.Error,
		}, nil
	case TypeSessionState:
		return decodeSnapshot(frame)
	case TypeError:
		// A bare error frame concerns the channel, so keep the participant unset
		return ErrorEvent{MessageID: frame.MessageID, Participant: frame.Participant, Error: frame.Error}, nil
	}
	return nil, nil
}

func decodeSnapshot(frame SocketFrame) (Event, error) {
	if frame.Session == nil {
		return nil, fmt.Errorf("%w: session_state without session", ErrMalformedFrame)
	}
	session := &models.Session{
		ID:     frame.Session.ID,
		Mode:   frame.Session.Mode,
		Title:  frame.Session.Title,
		ModelA: frame.Session.ModelA,
		ModelB: frame.Session.ModelB,
	}

	payloads := append([]MessagePayload(nil), frame.Messages...)
	sort.SliceStable(payloads, func(i, j int) bool { return payloads[i].Position < payloads[j].Position })

	messages := make([]models.Message, 0, len(payloads))
	for _, p := range payloads {
		// Messages still generating server side are not final history
		if p.Role == models.RoleAssistant && !finishedStatuses[p.Status] {
			continue
		}
		messages = append(messages, models.Message{
			ID:          p.ID,
			SessionID:   session.ID,
			Role:        p.Role,
			Content:     p.Content,
			Participant: p.Participant,
			ParentIDs:   p.ParentIDs,
			Status:      models.StatusFinal,
			CreatedAt:   parseTimestamp(p.CreatedAt),
		})
	}
	return SnapshotEvent{Session: session, Messages: messages}, nil
}

func parseTimestamp(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
