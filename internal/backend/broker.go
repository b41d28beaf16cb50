package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aigoflow/arena/internal/protocol"
	"github.com/aigoflow/arena/internal/repository"
	"github.com/aigoflow/arena/internal/transport"
)

// Responder serves stream requests and session channels over NATS
type Responder struct {
	nc       *nats.Conn
	prefix   string
	streamer *Streamer
	repo     repository.Repository
	monitor  *Monitor
	logger   *slog.Logger
}

func NewResponder(nc *nats.Conn, prefix string, streamer *Streamer, repo repository.Repository, monitor *Monitor, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		nc:       nc,
		prefix:   prefix,
		streamer: streamer,
		repo:     repo,
		monitor:  monitor,
		logger:   logger,
	}
}

// Start subscribes and serves until ctx is done
func (r *Responder) Start(ctx context.Context) error {
	streamSub, err := r.nc.Subscribe(transport.StreamRequestSubject(r.prefix), func(msg *nats.Msg) {
		go r.handleStream(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to stream requests: %w", err)
	}
	defer streamSub.Unsubscribe()

	controlSubject := transport.ControlSubject(r.prefix, "*")
	controlSub, err := r.nc.Subscribe(controlSubject, func(msg *nats.Msg) {
		r.handleControl(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to session control: %w", err)
	}
	defer controlSub.Unsubscribe()

	if r.monitor != nil {
		go r.monitor.Publish(ctx, r.nc, r.prefix+".backend.status")
	}

	r.logger.Info("NATS responder started",
		"stream_subject", streamSub.Subject,
		"control_subject", controlSubject)

	<-ctx.Done()
	r.logger.Info("NATS responder shutting down")
	return nil
}

func (r *Responder) handleStream(ctx context.Context, msg *nats.Msg) {
	var req protocol.StreamRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		r.logger.Warn("Dropping malformed stream request", "error", err)
		return
	}
	replyTo := req.ReplyTo
	if replyTo == "" {
		replyTo = msg.Reply
	}
	if replyTo == "" {
		r.logger.Warn("Dropping stream request without reply subject", "session_id", req.SessionID)
		return
	}
	logger := r.logger.With("session_id", req.SessionID, "req_id", req.ReqID)

	write := func(line string) error {
		return r.nc.Publish(replyTo, []byte(line))
	}
	defer func() {
		// An empty message ends the stream
		if err := r.nc.Publish(replyTo, nil); err != nil {
			logger.Warn("Failed to end stream", "error", err)
		}
	}()

	plan, err := r.streamer.Prepare(ctx, req)
	if err != nil {
		logger.Warn("Rejecting stream request", "error", err)
		for _, reply := range req.Replies() {
			write(protocol.DoneLine(reply.Participant, protocol.FinishError, err.Error()))
		}
		return
	}
	if err := r.streamer.Stream(ctx, plan, "nats", write); err != nil {
		logger.Warn("Stream aborted", "error", err)
	}
}

func (r *Responder) handleControl(ctx context.Context, msg *nats.Msg) {
	sessionID := sessionOf(r.prefix, msg.Subject)
	if sessionID == "" {
		return
	}

	var frame protocol.SocketFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		r.logger.Debug("Ignoring malformed control frame", "session_id", sessionID, "error", err)
		return
	}

	var ev protocol.Event
	switch frame.Type {
	case protocol.TypeRequestState:
		snap, err := Snapshot(ctx, r.repo, sessionID)
		if err != nil {
			r.logger.Warn("Failed to load session state", "session_id", sessionID, "error", err)
			ev = protocol.ErrorEvent{Error: "Session not found"}
			break
		}
		r.publish(sessionID, protocol.ConnectedEvent{SessionID: sessionID})
		ev = snap
	case protocol.TypePing:
		data, _ := json.Marshal(protocol.SocketFrame{Type: protocol.TypePong, Timestamp: time.Now().Unix()})
		r.nc.Publish(transport.EventsSubject(r.prefix, sessionID), data)
		return
	default:
		return
	}
	r.publish(sessionID, ev)
}

func (r *Responder) publish(sessionID string, ev protocol.Event) {
	data, err := protocol.EncodeSocketEvent(ev)
	if err != nil {
		r.logger.Error("Failed to encode session event", "error", err)
		return
	}
	if err := r.nc.Publish(transport.EventsSubject(r.prefix, sessionID), data); err != nil {
		r.logger.Warn("Failed to publish session event", "session_id", sessionID, "error", err)
	}
}

// sessionOf extracts the session id from a control subject
func sessionOf(prefix, subject string) string {
	id, ok := strings.CutPrefix(subject, prefix+".session.")
	if !ok {
		return ""
	}
	id, ok = strings.CutSuffix(id, ".control")
	if !ok || strings.Contains(id, ".") {
		return ""
	}
	return id
}
