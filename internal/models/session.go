package models

import (
	"fmt"
	"time"
)

// Mode controls how many participants answer each turn
type Mode string

const (
	ModeDirect  Mode = "direct"
	ModeCompare Mode = "compare"
	ModeRandom  Mode = "random"
)

// Participant tags one of up to two model slots in a session
type Participant string

const (
	ParticipantNone Participant = ""
	ParticipantA    Participant = "a"
	ParticipantB    Participant = "b"
)

// Valid reports whether p names a model slot
func (p Participant) Valid() bool {
	return p == ParticipantA || p == ParticipantB
}

// Participants returns the model slots a turn opens for this mode.
// Unknown modes get none, so no buffers are ever opened for them.
func (m Mode) Participants() []Participant {
	switch m {
	case ModeDirect:
		return []Participant{ParticipantA}
	case ModeCompare, ModeRandom:
		return []Participant{ParticipantA, ParticipantB}
	default:
		return nil
	}
}

// Valid reports whether m is one of the known session modes
func (m Mode) Valid() bool {
	return len(m.Participants()) > 0
}

// ModelRef identifies the model behind a participant slot
type ModelRef struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// Session is a conversation context. Mode and models never change after creation.
type Session struct {
	ID        string    `json:"id"`
	Mode      Mode      `json:"mode"`
	Title     string    `json:"title,omitempty"`
	ModelA    *ModelRef `json:"model_a,omitempty"`
	ModelB    *ModelRef `json:"model_b,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Model returns the model reference for a participant slot, or nil
func (s Session) Model(p Participant) *ModelRef {
	switch p {
	case ParticipantA:
		return s.ModelA
	case ParticipantB:
		return s.ModelB
	}
	return nil
}

// Validate checks mode and participant models line up
func (s Session) Validate() error {
	if !s.Mode.Valid() {
		return fmt.Errorf("unknown session mode %q", s.Mode)
	}
	switch s.Mode {
	case ModeDirect:
		if s.ModelA == nil {
			return fmt.Errorf("direct mode requires model_a")
		}
		if s.ModelB != nil {
			return fmt.Errorf("direct mode takes a single model")
		}
	case ModeCompare:
		if s.ModelA == nil || s.ModelB == nil {
			return fmt.Errorf("compare mode requires model_a and model_b")
		}
	case ModeRandom:
		// Random sessions get their models assigned by the server
		if (s.ModelA == nil) != (s.ModelB == nil) {
			return fmt.Errorf("random mode takes either no models or both")
		}
	}
	return nil
}
