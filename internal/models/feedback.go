package models

import (
	"fmt"
	"slices"
	"time"
)

// FeedbackType says what a feedback entry expresses
type FeedbackType string

const (
	FeedbackPreference FeedbackType = "preference"
	FeedbackRating     FeedbackType = "rating"
	FeedbackReport     FeedbackType = "report"
)

// FeedbackCategories are the aspects a feedback entry may be tagged with
var FeedbackCategories = []string{
	"accuracy", "helpfulness", "creativity", "speed", "relevance", "completeness",
	"clarity", "conciseness", "technical_accuracy", "tone", "formatting",
}

// Feedback is a user's judgement of a session or one of its replies
type Feedback struct {
	ID               string       `json:"id,omitempty"`
	SessionID        string       `json:"session_id"`
	MessageID        string       `json:"message_id,omitempty"`
	Type             FeedbackType `json:"feedback_type"`
	PreferredModelID string       `json:"preferred_model_id,omitempty"`
	Rating           int          `json:"rating,omitempty"`
	Categories       []string     `json:"categories,omitempty"`
	Comment          string       `json:"comment,omitempty"`
	CreatedAt        time.Time    `json:"created_at,omitempty"`
}

// Validate checks the fields required by the feedback type are set and
// the ones belonging to other types are not
func (f Feedback) Validate() error {
	if f.SessionID == "" {
		return fmt.Errorf("feedback requires session_id")
	}
	switch f.Type {
	case FeedbackPreference:
		if f.PreferredModelID == "" {
			return fmt.Errorf("preference feedback requires preferred_model_id")
		}
	case FeedbackRating:
		if f.Rating < 1 || f.Rating > 5 {
			return fmt.Errorf("rating must be between 1 and 5, got %d", f.Rating)
		}
	case FeedbackReport:
		if f.Comment == "" {
			return fmt.Errorf("report feedback requires a comment")
		}
	default:
		return fmt.Errorf("unknown feedback type %q", f.Type)
	}
	if f.Type != FeedbackPreference && f.PreferredModelID != "" {
		return fmt.Errorf("preferred_model_id only applies to preference feedback")
	}
	if f.Type != FeedbackRating && f.Rating != 0 {
		return fmt.Errorf("rating only applies to rating feedback")
	}
	for _, c := range f.Categories {
		if !slices.Contains(FeedbackCategories, c) {
			return fmt.Errorf("unknown feedback category %q", c)
		}
	}
	return nil
}

// ModelInfo is one entry of the backend's model catalog
type ModelInfo struct {
	ID           string   `json:"id"`
	Provider     string   `json:"provider"`
	DisplayName  string   `json:"display_name"`
	Capabilities []string `json:"capabilities,omitempty"`
	Active       bool     `json:"is_active"`
}

// Ref returns the reference a session stores for this model
func (m ModelInfo) Ref() *ModelRef {
	return &ModelRef{ID: m.ID, Name: m.DisplayName}
}
