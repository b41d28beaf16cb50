package protocol

import "github.com/aigoflow/arena/internal/models"

// StreamMessage is one entry of a stream request. The backend streams a
// reply for every assistant entry.
type StreamMessage struct {
	ID          string             `json:"id"`
	Content     string             `json:"content"`
	Role        models.Role        `json:"role"`
	ParentIDs   []string           `json:"parent_message_ids"`
	ModelID     string             `json:"modelId,omitempty"`
	Participant models.Participant `json:"participant,omitempty"`
	Status      string             `json:"status"`
}

// StreamRequest opens a chunked reply stream for one turn
type StreamRequest struct {
	SessionID string          `json:"session_id"`
	Messages  []StreamMessage `json:"messages"`

	// Regenerates names the assistant message the single reply replaces
	Regenerates string `json:"regenerates,omitempty"`

	// Set on the NATS path only
	ReqID   string `json:"req_id,omitempty"`
	ReplyTo string `json:"reply_to,omitempty"`
}

// NewStreamRequest builds the request for a user message and the assistant
// placeholders opened for it
func NewStreamRequest(sessionID string, user models.Message, replies []models.Message) StreamRequest {
	req := StreamRequest{SessionID: sessionID}
	req.Messages = append(req.Messages, StreamMessage{
		ID:        user.ID,
		Content:   user.Content,
		Role:      models.RoleUser,
		ParentIDs: orEmpty(user.ParentIDs),
		Status:    "success",
	})
	for _, r := range replies {
		req.Messages = append(req.Messages, StreamMessage{
			ID:          r.ID,
			Role:        models.RoleAssistant,
			ParentIDs:   orEmpty(r.ParentIDs),
			ModelID:     r.ModelID,
			Participant: r.Participant,
			Status:      "pending",
		})
	}
	return req
}

// User returns the user entry of the request, if any
func (r StreamRequest) User() (StreamMessage, bool) {
	for _, m := range r.Messages {
		if m.Role == models.RoleUser {
			return m, true
		}
	}
	return StreamMessage{}, false
}

// Replies returns the assistant entries in request order
func (r StreamRequest) Replies() []StreamMessage {
	var out []StreamMessage
	for _, m := range r.Messages {
		if m.Role == models.RoleAssistant {
			out = append(out, m)
		}
	}
	return out
}

func orEmpty(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
