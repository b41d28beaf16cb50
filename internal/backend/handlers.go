package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aigoflow/arena/internal/models"
	"github.com/aigoflow/arena/internal/protocol"
	"github.com/aigoflow/arena/internal/repository"
)

// Handlers serves the REST surface of the backend
type Handlers struct {
	streamer *Streamer
	repo     repository.Repository
	monitor  *Monitor
	token    string
	catalog  []models.ModelInfo
	logger   *slog.Logger
}

// NewHandlers creates the REST handlers. A non-empty token is required as
// bearer on every API call. The active catalog entries supply the models
// of random sessions.
func NewHandlers(streamer *Streamer, repo repository.Repository, monitor *Monitor, token string, catalog []models.ModelInfo, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		streamer: streamer,
		repo:     repo,
		monitor:  monitor,
		token:    token,
		catalog:  catalog,
		logger:   logger,
	}
}

func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/messages/stream/", h.authorized(h.handleStream))
	mux.HandleFunc("/api/messages/", h.authorized(h.handleMessage))
	mux.HandleFunc("/api/models/", h.authorized(h.handleModels))
	mux.HandleFunc("/api/feedback/", h.authorized(h.handleFeedback))
	mux.HandleFunc("/api/sessions/", h.authorized(h.handleSessions))
	mux.HandleFunc("/api/streams/", h.authorized(h.handleStreamLogs))
	mux.HandleFunc("/healthz", h.handleHealth)
}

func (h *Handlers) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !tokenMatches(h.token, r) {
			http.Error(w, `{"detail":"Authentication credentials were not provided or are invalid."}`, http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// tokenMatches accepts the token as bearer header or token query parameter.
// The query form is kept for browser sockets, which can't set headers.
func tokenMatches(want string, r *http.Request) bool {
	if want == "" {
		return true
	}
	if got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && got == want {
		return true
	}
	return r.URL.Query().Get("token") == want
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.monitor.Report())
}

func (h *Handlers) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var req protocol.StreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	h.serveStream(w, r, req)
}

// handleMessage serves /api/messages/{id}/regenerate/
func (h *Handlers) handleMessage(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/messages/")
	id, action, _ := strings.Cut(strings.Trim(rest, "/"), "/")
	if id == "" || action != "regenerate" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var req protocol.StreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	req.Regenerates = id
	h.serveStream(w, r, req)
}

func (h *Handlers) serveStream(w http.ResponseWriter, r *http.Request, req protocol.StreamRequest) {
	if traceID := r.Header.Get("X-Trace-ID"); traceID != "" {
		req.ReqID = traceID
	}

	plan, err := h.streamer.Prepare(r.Context(), req)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, ErrBadRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		h.logger.Error("Failed to prepare stream", "session_id", req.SessionID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	err = h.streamer.Stream(r.Context(), plan, "http", func(line string) error {
		if _, err := w.Write([]byte(line)); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		h.logger.Warn("Stream aborted", "session_id", req.SessionID, "error", err)
	}
}

func (h *Handlers) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listSessions(w, r)
	case http.MethodPost:
		h.createSession(w, r)
	default:
		http.Error(w, "GET or POST only", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.repo.Session().ListSessions(r.Context(), queryLimit(r, 50))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to list sessions: %v", err), http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handlers) createSession(w http.ResponseWriter, r *http.Request) {
	var session models.Session
	if err := json.NewDecoder(r.Body).Decode(&session); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if session.Mode == models.ModeRandom && session.ModelA == nil && session.ModelB == nil {
		a, b, ok := h.pickPair()
		if !ok {
			http.Error(w, "random mode needs two configured models", http.StatusBadRequest)
			return
		}
		session.ModelA, session.ModelB = &a, &b
	}
	if err := session.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	} else if _, err := uuid.Parse(session.ID); err != nil {
		http.Error(w, "session id must be a uuid", http.StatusBadRequest)
		return
	}
	session.CreatedAt = time.Now()

	if err := h.repo.SaveSession(r.Context(), session); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create session: %v", err), http.StatusInternalServerError)
		return
	}
	h.logger.Info("Session created", "session_id", session.ID, "mode", session.Mode)
	writeJSON(w, http.StatusCreated, session)
}

// pickPair draws two distinct active models in random order
func (h *Handlers) pickPair() (models.ModelRef, models.ModelRef, bool) {
	var pool []models.ModelInfo
	for _, m := range h.catalog {
		if m.Active {
			pool = append(pool, m)
		}
	}
	if len(pool) < 2 {
		return models.ModelRef{}, models.ModelRef{}, false
	}
	perm := rand.Perm(len(pool))
	return *pool[perm[0]].Ref(), *pool[perm[1]].Ref(), true
}

func (h *Handlers) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	catalog := h.catalog
	if catalog == nil {
		catalog = []models.ModelInfo{}
	}
	writeJSON(w, http.StatusOK, catalog)
}

func (h *Handlers) handleFeedback(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sessionID := r.URL.Query().Get("session_id")
		if sessionID == "" {
			http.Error(w, "session_id is required", http.StatusBadRequest)
			return
		}
		feedback, err := h.repo.Feedback().ListFeedback(r.Context(), sessionID)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to list feedback: %v", err), http.StatusInternalServerError)
			return
		}
		if feedback == nil {
			feedback = []models.Feedback{}
		}
		writeJSON(w, http.StatusOK, feedback)
	case http.MethodPost:
		h.createFeedback(w, r)
	default:
		http.Error(w, "GET or POST only", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) createFeedback(w http.ResponseWriter, r *http.Request) {
	var f models.Feedback
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if err := f.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	session, err := h.repo.Session().GetSession(r.Context(), f.SessionID)
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to load session: %v", err), http.StatusInternalServerError)
		return
	}
	if f.Type == models.FeedbackPreference && !sessionUses(*session, f.PreferredModelID) {
		http.Error(w, "preferred model is not part of the session", http.StatusBadRequest)
		return
	}
	if f.MessageID != "" {
		messages, err := h.repo.Message().ListMessages(r.Context(), f.SessionID)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to load messages: %v", err), http.StatusInternalServerError)
			return
		}
		if !slices.ContainsFunc(messages, func(m models.Message) bool { return m.ID == f.MessageID }) {
			http.Error(w, "message not found in session", http.StatusBadRequest)
			return
		}
	}

	f.ID = uuid.NewString()
	f.CreatedAt = time.Now()
	if err := h.repo.Feedback().SaveFeedback(r.Context(), f); err != nil {
		http.Error(w, fmt.Sprintf("Failed to save feedback: %v", err), http.StatusInternalServerError)
		return
	}
	h.logger.Info("Feedback recorded", "session_id", f.SessionID, "type", f.Type, "message_id", f.MessageID)
	writeJSON(w, http.StatusCreated, f)
}

func sessionUses(s models.Session, modelID string) bool {
	for _, ref := range []*models.ModelRef{s.ModelA, s.ModelB} {
		if ref != nil && ref.ID == modelID {
			return true
		}
	}
	return false
}

// Catalog lists configured model ids as active models of one provider
func Catalog(provider string, ids ...string) []models.ModelInfo {
	var catalog []models.ModelInfo
	for _, id := range ids {
		if id == "" || slices.ContainsFunc(catalog, func(m models.ModelInfo) bool { return m.ID == id }) {
			continue
		}
		catalog = append(catalog, models.ModelInfo{
			ID:           id,
			Provider:     provider,
			DisplayName:  id,
			Capabilities: []string{"chat", "streaming"},
			Active:       true,
		})
	}
	return catalog
}

func (h *Handlers) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.repo.Stream().GetStreamLogs(r.Context(), queryLimit(r, 50))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to get logs: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func queryLimit(r *http.Request, def int) int {
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
