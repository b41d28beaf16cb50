package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/aigoflow/arena/internal/models"
)

// ChunkLine renders a content chunk line for participant p
func ChunkLine(p models.Participant, text string) string {
	return fmt.Sprintf("%s0:\"%s\"\n", p, Escape(text))
}

// DoneLine renders a completion line for participant p. errMsg is only
// included for FinishError.
func DoneLine(p models.Participant, reason FinishReason, errMsg string) string {
	body := struct {
		FinishReason FinishReason `json:"finishReason"`
		Error        string       `json:"error,omitempty"`
	}{FinishReason: reason}
	if reason == FinishError {
		body.Error = errMsg
	}
	// Marshalling a struct of strings can't fail
	b, _ := json.Marshal(body)
	return fmt.Sprintf("%sd:%s\n", p, b)
}

// EncodeSocketEvent renders an event as a session socket frame
func EncodeSocketEvent(ev Event) ([]byte, error) {
	var frame SocketFrame
	switch e := ev.(type) {
	case ConnectedEvent:
		frame = SocketFrame{Type: TypeConnectionEstablished, SessionID: e.SessionID}
	case ChunkEvent:
		frame = SocketFrame{Type: TypeMessageChunk, MessageID: e.MessageID, Participant: e.Participant, Chunk: e.Text}
	case CompleteEvent:
		frame = SocketFrame{Type: TypeMessageComplete, MessageID: e.MessageID, Participant: e.Participant,
			FinishReason: string(e.Reason), Error: e.Error}
	case ErrorEvent:
		frame = SocketFrame{Type: TypeError, MessageID: e.MessageID, Participant: e.Participant, Error: e.Error}
	case SnapshotEvent:
		frame = snapshotFrame(e)
	default:
		return nil, fmt.Errorf("unsupported event %T", ev)
	}
	return json.Marshal(frame)
}

func snapshotFrame(e SnapshotEvent) SocketFrame {
	frame := SocketFrame{Type: TypeSessionState, Messages: make([]MessagePayload, 0, len(e.Messages))}
	if e.Session != nil {
		frame.Session = &SessionPayload{
			ID:     e.Session.ID,
			Mode:   e.Session.Mode,
			Title:  e.Session.Title,
			ModelA: e.Session.ModelA,
			ModelB: e.Session.ModelB,
		}
	}
	for i, m := range e.Messages {
		status := "success"
		if m.Status == models.StatusPending {
			status = "streaming"
		}
		payload := MessagePayload{
			ID:          m.ID,
			Role:        m.Role,
			Content:     m.Content,
			Position:    i,
			Participant: m.Participant,
			ParentIDs:   m.ParentIDs,
			Status:      status,
		}
		if !m.CreatedAt.IsZero() {
			payload.CreatedAt = m.CreatedAt.Format("2006-01-02T15:04:05.999999999Z07:00")
		}
		frame.Messages = append(frame.Messages, payload)
	}
	return frame
}
