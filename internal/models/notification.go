package models

import (
	"fmt"
	"strings"
	"time"
)

// NotificationKind classifies a user-visible failure
type NotificationKind string

const (
	NotifyParticipantError  NotificationKind = "participant_error"
	NotifyTransportError    NotificationKind = "transport_error"
	NotifyAuthError         NotificationKind = "auth_error"
	NotifyConnectivityError NotificationKind = "connectivity_error"
	NotifyStalled           NotificationKind = "stalled"
	NotifyInterrupted       NotificationKind = "interrupted"
	NotifyChannelError      NotificationKind = "channel_error"
)

// Notification is emitted exactly once per terminal failure
type Notification struct {
	Kind        NotificationKind `json:"kind"`
	SessionID   string           `json:"session_id"`
	Participant Participant      `json:"participant,omitempty"`
	Message     string           `json:"message"`
	At          time.Time        `json:"at"`
}

func (n Notification) String() string {
	switch n.Kind {
	case NotifyAuthError:
		return "Your session has expired, please sign in again"
	case NotifyParticipantError:
		return fmt.Sprintf("Model %s failed: %s", strings.ToUpper(string(n.Participant)), n.Message)
	}
	return n.Message
}
