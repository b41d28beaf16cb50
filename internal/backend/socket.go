package backend

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aigoflow/arena/internal/protocol"
	"github.com/aigoflow/arena/internal/repository"
	"github.com/aigoflow/arena/internal/transport"
)

const socketPrefix = "/ws/chat/session/"

// SocketHandler serves the per-session websocket channel
type SocketHandler struct {
	repo     repository.Repository
	monitor  *Monitor
	token    string
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewSocketHandler(repo repository.Repository, monitor *Monitor, token string, logger *slog.Logger) *SocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketHandler{
		repo:    repo,
		monitor: monitor,
		token:   token,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *SocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle(socketPrefix, h)
}

func (h *SocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.Trim(strings.TrimPrefix(r.URL.Path, socketPrefix), "/")
	if sessionID == "" {
		http.Error(w, "session id required", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	defer conn.Close()

	logger := h.logger.With("session_id", sessionID)
	if !tokenMatches(h.token, r) {
		logger.Warn("Rejecting session channel", "close_code", transport.CloseUnauthorized)
		closeWith(conn, transport.CloseUnauthorized, "authentication failed")
		return
	}

	h.monitor.SocketOpened()
	defer h.monitor.SocketClosed()

	if err := writeEvent(conn, protocol.ConnectedEvent{SessionID: sessionID}); err != nil {
		return
	}
	if !h.sendState(r.Context(), conn, sessionID, logger) {
		return
	}
	logger.Info("Session channel open")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("Session channel closed by client")
			} else {
				logger.Debug("Session channel read ended", "error", err)
			}
			return
		}

		var frame protocol.SocketFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.Debug("Ignoring malformed client frame", "error", err)
			continue
		}
		switch frame.Type {
		case protocol.TypePing:
			if err := writeFrame(conn, protocol.SocketFrame{Type: protocol.TypePong, Timestamp: time.Now().Unix()}); err != nil {
				return
			}
		case protocol.TypeRequestState:
			if !h.sendState(r.Context(), conn, sessionID, logger) {
				return
			}
		default:
			logger.Debug("Ignoring client frame", "type", frame.Type)
		}
	}
}

// sendState writes the session_state frame. An unknown session gets an
// error frame and a normal close.
func (h *SocketHandler) sendState(ctx context.Context, conn *websocket.Conn, sessionID string, logger *slog.Logger) bool {
	snap, err := Snapshot(ctx, h.repo, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		writeEvent(conn, protocol.ErrorEvent{Error: "Session not found"})
		closeWith(conn, transport.CloseNormal, "session not found")
		return false
	}
	if err != nil {
		logger.Error("Failed to load session state", "error", err)
		writeEvent(conn, protocol.ErrorEvent{Error: "Session state unavailable"})
		return true
	}
	return writeEvent(conn, snap) == nil
}

func writeEvent(conn *websocket.Conn, ev protocol.Event) error {
	data, err := protocol.EncodeSocketEvent(ev)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func writeFrame(conn *websocket.Conn, frame protocol.SocketFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
