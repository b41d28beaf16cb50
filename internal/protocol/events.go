// Package protocol turns raw stream bytes into typed events.
//
// Two wire shapes are normalised into the same Event set: the multiplexed
// line protocol of the chunked HTTP stream (a0:, b0:, ad:, bd:) and the
// JSON frames of the session socket (connection_established, message_chunk,
// message_complete, session_state, error).
package protocol

import (
	"errors"

	"github.com/aigoflow/arena/internal/models"
)

var (
	// ErrMalformedFrame is returned for frames whose payload can't be decoded
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrBadEscape is returned for escape sequences other than \\ and \n
	ErrBadEscape = errors.New("unrecognized escape sequence")
)

// FinishReason explains why a participant's generation ended
type FinishReason string

const (
	FinishStop  FinishReason = "stop"
	FinishError FinishReason = "error"
)

// Event is the closed set of decoded stream events. Only types in this
// package implement it.
type Event interface {
	event()
}

// ChunkEvent carries unescaped text for one participant. MessageID is only
// set by the socket path; the line protocol addresses buffers by participant.
type ChunkEvent struct {
	MessageID   string
	Participant models.Participant
	Text        string
}

// CompleteEvent ends one participant's generation
type CompleteEvent struct {
	MessageID   string
	Participant models.Participant
	Reason      FinishReason
	Error       string
}

// Failed reports whether the participant's generation errored
func (e CompleteEvent) Failed() bool {
	return e.Reason == FinishError
}

// SnapshotEvent is a full session state push
type SnapshotEvent struct {
	Session  *models.Session
	Messages []models.Message
}

// ConnectedEvent is sent by the server once a session channel is accepted
type ConnectedEvent struct {
	SessionID string
}

// ErrorEvent is a socket-level error frame. With a participant or message
// id it addresses one buffer, otherwise it concerns the whole channel.
type ErrorEvent struct {
	MessageID   string
	Participant models.Participant
	Error       string
}

// Addressed reports whether the error targets a single buffer
func (e ErrorEvent) Addressed() bool {
	return e.MessageID != "" || e.Participant.Valid()
}

func (ChunkEvent) event()     {}
func (CompleteEvent) event()  {}
func (SnapshotEvent) event()  {}
func (ConnectedEvent) event() {}
func (ErrorEvent) event()     {}
