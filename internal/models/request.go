package models

import "time"

// StreamLog records one turn's stream request and how it ended
type StreamLog struct {
	Timestamp    time.Time `json:"ts"`
	TraceID      string    `json:"trace_id"`
	SessionID    string    `json:"session_id"`
	TurnID       string    `json:"turn_id"`
	Transport    string    `json:"transport"`
	Participants int       `json:"participants"`
	Chunks       int       `json:"chunks"`
	Bytes        int       `json:"bytes"`
	DurationMs   float64   `json:"dur_ms"`
	Status       string    `json:"status"`
	Error        string    `json:"error"`
}
