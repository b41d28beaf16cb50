package client

import (
	"github.com/aigoflow/arena/internal/models"
	"github.com/aigoflow/arena/internal/stream"
	"github.com/aigoflow/arena/internal/supervisor"
)

type (
	Session         = models.Session
	Mode            = models.Mode
	ModelRef        = models.ModelRef
	ModelInfo       = models.ModelInfo
	Feedback        = models.Feedback
	FeedbackType    = models.FeedbackType
	Message         = models.Message
	Participant     = models.Participant
	Notification    = models.Notification
	Turn            = stream.Turn
	ConnectionState = supervisor.State
)

const (
	ModeDirect  = models.ModeDirect
	ModeCompare = models.ModeCompare
	ModeRandom  = models.ModeRandom

	ParticipantA = models.ParticipantA
	ParticipantB = models.ParticipantB

	FeedbackPreference = models.FeedbackPreference
	FeedbackRating     = models.FeedbackRating
	FeedbackReport     = models.FeedbackReport
)
