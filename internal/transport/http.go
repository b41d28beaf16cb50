package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/aigoflow/arena/internal/models"
	"github.com/aigoflow/arena/internal/protocol"
)

const (
	streamPath   = "/api/messages/stream/"
	messagesPath = "/api/messages/"
	sessionsPath = "/api/sessions/"
	modelsPath   = "/api/models/"
	feedbackPath = "/api/feedback/"
)

// HTTPClient talks to the backend's REST surface: the chunked message
// stream, sessions, the model catalog and feedback. Bearer tokens are expected to be injected
// by the underlying http.Client's transport.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewHTTPClient(baseURL string, client *http.Client, logger *slog.Logger) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
		logger:  logger,
	}
}

// Stream posts req and decodes the chunked line stream of the response
func (c *HTTPClient) Stream(ctx context.Context, req protocol.StreamRequest, handle func(protocol.Event)) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal stream request: %w", err)
	}

	traceID := req.ReqID
	if traceID == "" {
		traceID = ulid.Make().String()
	}
	path := streamPath
	if req.Regenerates != "" {
		path = messagesPath + url.PathEscape(req.Regenerates) + "/regenerate/"
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/plain")
	httpReq.Header.Set("X-Trace-ID", traceID)

	c.logger.Debug("Opening message stream",
		"session_id", req.SessionID,
		"trace_id", traceID,
		"messages", len(req.Messages),
		"regenerates", req.Regenerates)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}

	dec := protocol.NewDecoder(c.logger)
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			for ev := range dec.Events(buf[:n]) {
				handle(ev)
			}
		}
		if errors.Is(readErr, io.EOF) {
			for _, ev := range dec.Flush() {
				handle(ev)
			}
			c.logger.Debug("Message stream ended", "session_id", req.SessionID, "trace_id", traceID)
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("failed to read stream: %w", readErr)
		}
	}
}

// ListSessions returns the caller's sessions, newest first
func (c *HTTPClient) ListSessions(ctx context.Context) ([]models.Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+sessionsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var sessions []models.Session
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("failed to parse sessions: %w", err)
	}
	return sessions, nil
}

// CreateSession validates session locally and creates it on the backend
func (c *HTTPClient) CreateSession(ctx context.Context, session models.Session) (models.Session, error) {
	if err := session.Validate(); err != nil {
		return models.Session{}, err
	}

	body, err := json.Marshal(session)
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to marshal session: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+sessionsPath, bytes.NewReader(body))
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to create session: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return models.Session{}, err
	}

	var created models.Session
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return models.Session{}, fmt.Errorf("failed to parse session: %w", err)
	}
	return created, nil
}

// ListModels returns the backend's model catalog
func (c *HTTPClient) ListModels(ctx context.Context) ([]models.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+modelsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var catalog []models.ModelInfo
	if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
		return nil, fmt.Errorf("failed to parse models: %w", err)
	}
	return catalog, nil
}

// SubmitFeedback validates f locally and records it on the backend
func (c *HTTPClient) SubmitFeedback(ctx context.Context, f models.Feedback) (models.Feedback, error) {
	if err := f.Validate(); err != nil {
		return models.Feedback{}, err
	}

	body, err := json.Marshal(f)
	if err != nil {
		return models.Feedback{}, fmt.Errorf("failed to marshal feedback: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+feedbackPath, bytes.NewReader(body))
	if err != nil {
		return models.Feedback{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return models.Feedback{}, fmt.Errorf("failed to submit feedback: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return models.Feedback{}, err
	}

	var saved models.Feedback
	if err := json.NewDecoder(resp.Body).Decode(&saved); err != nil {
		return models.Feedback{}, fmt.Errorf("failed to parse feedback: %w", err)
	}
	return saved, nil
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("backend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
