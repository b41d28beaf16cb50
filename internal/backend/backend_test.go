package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aigoflow/arena/internal/models"
	"github.com/aigoflow/arena/internal/protocol"
	"github.com/aigoflow/arena/internal/repository"
	"github.com/aigoflow/arena/internal/store"
	"github.com/aigoflow/arena/internal/transport"
)

type fixture struct {
	repo *repository.SQLiteRepository
	gen  *EchoGenerator
	srv  *httptest.Server
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "arenad.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	repo := repository.NewSQLiteRepository(db)
	gen := &EchoGenerator{Failures: map[string]string{}}
	monitor := NewMonitor(4, nil)
	streamer := NewStreamer(repo, gen, monitor, nil)

	mux := http.NewServeMux()
	NewHandlers(streamer, repo, monitor, token, Catalog("echo", "m1", "m2"), nil).RegisterRoutes(mux)
	NewSocketHandler(repo, monitor, token, nil).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &fixture{repo: repo, gen: gen, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body any, token string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		r = bytes.NewReader(data)
	}
	req, _ := http.NewRequest(method, f.srv.URL+path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (f *fixture) session(t *testing.T, s models.Session) models.Session {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/sessions/", s, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session: status %d", resp.StatusCode)
	}
	var created models.Session
	json.NewDecoder(resp.Body).Decode(&created)
	return created
}

func streamRequest(sessionID, content string, participants ...models.Participant) protocol.StreamRequest {
	user := models.Message{ID: uuid.NewString(), Role: models.RoleUser, Content: content}
	var replies []models.Message
	for _, p := range participants {
		replies = append(replies, models.Message{ID: uuid.NewString(), Role: models.RoleAssistant, Participant: p, ParentIDs: []string{user.ID}})
	}
	return protocol.NewStreamRequest(sessionID, user, replies)
}

func decodeAll(t *testing.T, body io.Reader) []protocol.Event {
	t.Helper()
	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	dec := protocol.NewDecoder(nil)
	events := dec.Feed(data)
	return append(events, dec.Flush()...)
}

func TestStreamDirectSession(t *testing.T) {
	f := newFixture(t, "")
	s := f.session(t, models.Session{Mode: models.ModeDirect, ModelA: &models.ModelRef{ID: "m1"}})

	req := streamRequest(s.ID, "hello there\nworld", models.ParticipantA)
	resp := f.do(t, http.MethodPost, "/api/messages/stream/", req, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	var text strings.Builder
	var done []protocol.CompleteEvent
	for _, ev := range decodeAll(t, resp.Body) {
		switch e := ev.(type) {
		case protocol.ChunkEvent:
			text.WriteString(e.Text)
		case protocol.CompleteEvent:
			done = append(done, e)
		}
	}
	if text.String() != "hello there\nworld" {
		t.Errorf("unexpected streamed text %q", text.String())
	}
	if len(done) != 1 || done[0].Reason != protocol.FinishStop {
		t.Errorf("unexpected completions %+v", done)
	}

	msgs, _ := f.repo.Message().ListMessages(context.Background(), s.ID)
	if len(msgs) != 2 || msgs[1].Content != "hello there\nworld" || msgs[1].ModelID != "m1" {
		t.Errorf("unexpected stored messages %+v", msgs)
	}

	logs, _ := f.repo.Stream().GetStreamLogs(context.Background(), 5)
	if len(logs) != 1 || logs[0].Status != "complete" || logs[0].Transport != "http" {
		t.Errorf("unexpected stream logs %+v", logs)
	}
}

func TestStreamCompareWithFailingModel(t *testing.T) {
	f := newFixture(t, "")
	f.gen.Failures["m2"] = "rate limited"
	s := f.session(t, models.Session{Mode: models.ModeCompare, ModelA: &models.ModelRef{ID: "m1"}, ModelB: &models.ModelRef{ID: "m2"}})

	resp := f.do(t, http.MethodPost, "/api/messages/stream/", streamRequest(s.ID, "one two", models.ParticipantA, models.ParticipantB), "")
	defer resp.Body.Close()

	reasons := map[models.Participant]protocol.CompleteEvent{}
	chunks := map[models.Participant]int{}
	for _, ev := range decodeAll(t, resp.Body) {
		switch e := ev.(type) {
		case protocol.ChunkEvent:
			chunks[e.Participant]++
		case protocol.CompleteEvent:
			reasons[e.Participant] = e
		}
	}
	if chunks[models.ParticipantA] != 2 || chunks[models.ParticipantB] != 2 {
		t.Errorf("expected both participants to stream, got %v", chunks)
	}
	if reasons[models.ParticipantA].Reason != protocol.FinishStop {
		t.Errorf("expected a to finish, got %+v", reasons[models.ParticipantA])
	}
	if b := reasons[models.ParticipantB]; b.Reason != protocol.FinishError || b.Error != "rate limited" {
		t.Errorf("expected b to fail, got %+v", b)
	}

	msgs, _ := f.repo.Message().ListMessages(context.Background(), s.ID)
	if len(msgs) != 2 {
		t.Errorf("failed reply must not be stored, got %d messages", len(msgs))
	}
}

func TestStreamRejectsBadRequests(t *testing.T) {
	f := newFixture(t, "")
	s := f.session(t, models.Session{Mode: models.ModeDirect, ModelA: &models.ModelRef{ID: "m1"}})

	cases := []struct {
		name   string
		req    protocol.StreamRequest
		status int
	}{
		{"unknown session", streamRequest(uuid.NewString(), "hi", models.ParticipantA), http.StatusNotFound},
		{"participant b in direct mode", streamRequest(s.ID, "hi", models.ParticipantB), http.StatusBadRequest},
		{"no replies", streamRequest(s.ID, "hi"), http.StatusBadRequest},
		{"empty content", streamRequest(s.ID, " ", models.ParticipantA), http.StatusBadRequest},
	}
	bad := streamRequest(s.ID, "hi", models.ParticipantA)
	bad.Messages[0].ID = "not-a-uuid"
	cases = append(cases, struct {
		name   string
		req    protocol.StreamRequest
		status int
	}{"non uuid id", bad, http.StatusBadRequest})

	for _, tc := range cases {
		resp := f.do(t, http.MethodPost, "/api/messages/stream/", tc.req, "")
		resp.Body.Close()
		if resp.StatusCode != tc.status {
			t.Errorf("%s: expected %d, got %d", tc.name, tc.status, resp.StatusCode)
		}
	}
}

func TestSessionsAPI(t *testing.T) {
	f := newFixture(t, "secret")

	resp := f.do(t, http.MethodGet, "/api/sessions/", nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/api/sessions/", models.Session{Mode: models.ModeRandom}, "secret")
	var random models.Session
	json.NewDecoder(resp.Body).Decode(&random)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create random session: status %d", resp.StatusCode)
	}
	if random.ModelA == nil || random.ModelB == nil || random.ModelA.ID == random.ModelB.ID {
		t.Errorf("expected two distinct models, got %+v", random)
	}

	resp = f.do(t, http.MethodPost, "/api/sessions/", models.Session{Mode: models.ModeCompare, ModelA: &models.ModelRef{ID: "m1"}}, "secret")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for compare with one model, got %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/api/sessions/", nil, "secret")
	defer resp.Body.Close()
	var sessions []models.Session
	json.NewDecoder(resp.Body).Decode(&sessions)
	if len(sessions) != 1 || sessions[0].ID != random.ID {
		t.Errorf("unexpected sessions %+v", sessions)
	}
}

func dialSocket(t *testing.T, f *fixture, sessionID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + socketPrefix + sessionID + "/?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	ev, err := protocol.DecodeSocketMessage(data)
	if err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return ev
}

func TestSocketSendsStateAndAnswersPing(t *testing.T) {
	f := newFixture(t, "secret")
	ctx := context.Background()
	s := models.Session{ID: uuid.NewString(), Mode: models.ModeDirect, ModelA: &models.ModelRef{ID: "m1"}}
	f.repo.SaveSession(ctx, s)
	f.repo.SaveMessage(ctx, models.Message{ID: "u1", SessionID: s.ID, Role: models.RoleUser, Content: "hi"})

	conn := dialSocket(t, f, s.ID, "secret")
	if ev, ok := readEvent(t, conn).(protocol.ConnectedEvent); !ok || ev.SessionID != s.ID {
		t.Fatalf("expected connection_established, got %#v", ev)
	}
	snap, ok := readEvent(t, conn).(protocol.SnapshotEvent)
	if !ok {
		t.Fatal("expected session_state")
	}
	if snap.Session.ID != s.ID || len(snap.Messages) != 1 || snap.Messages[0].Content != "hi" {
		t.Errorf("unexpected snapshot %+v", snap)
	}

	conn.WriteJSON(protocol.SocketFrame{Type: protocol.TypePing})
	_, data, err := conn.ReadMessage()
	if err != nil || !strings.Contains(string(data), `"pong"`) {
		t.Errorf("expected pong, got %s (%v)", data, err)
	}

	conn.WriteJSON(protocol.SocketFrame{Type: protocol.TypeRequestState})
	if _, ok := readEvent(t, conn).(protocol.SnapshotEvent); !ok {
		t.Error("expected session_state after request_state")
	}
}

func TestSocketRejectsBadToken(t *testing.T) {
	f := newFixture(t, "secret")
	conn := dialSocket(t, f, uuid.NewString(), "wrong")

	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, transport.CloseUnauthorized) {
		t.Errorf("expected close %d, got %v", transport.CloseUnauthorized, err)
	}
}

func TestSessionOf(t *testing.T) {
	if got := sessionOf("arena", "arena.session.abc.control"); got != "abc" {
		t.Errorf("expected abc, got %q", got)
	}
	if got := sessionOf("arena", "arena.session.a.b.control"); got != "" {
		t.Errorf("expected nested id rejected, got %q", got)
	}
	if got := sessionOf("arena", "other.session.abc.control"); got != "" {
		t.Errorf("expected foreign prefix rejected, got %q", got)
	}
}

func TestMonitorStatus(t *testing.T) {
	m := NewMonitor(2, nil)
	if r := m.Report(); r.Status != "healthy" || !r.LastActivity.IsZero() {
		t.Errorf("unexpected idle report %+v", r)
	}
	m.BeginStream(1)
	if r := m.Report(); r.Status != "busy" || r.ActiveStreams != 1 {
		t.Errorf("unexpected busy report %+v", r)
	}
	m.BeginStream(2)
	if r := m.Report(); r.Status != "critical" {
		t.Errorf("expected critical, got %s", r.Status)
	}
	m.EndStream(2)
	m.EndStream(1)
	if r := m.Report(); r.Status != "healthy" || r.ServedStreams != 2 {
		t.Errorf("unexpected report after streams %+v", r)
	}
}

func TestEchoGeneratorStopsOnCancel(t *testing.T) {
	g := &EchoGenerator{Delay: 50 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())

	var got []string
	err := g.Generate(ctx, Prompt{Content: "a b c d"}, func(chunk string) error {
		got = append(got, chunk)
		cancel()
		return nil
	})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if len(got) != 1 || got[0] != "a " {
		t.Errorf("unexpected chunks %q", got)
	}
}

func TestRegenerateStreamsSecondReply(t *testing.T) {
	f := newFixture(t, "")
	s := f.session(t, models.Session{Mode: models.ModeCompare, ModelA: &models.ModelRef{ID: "m1"}, ModelB: &models.ModelRef{ID: "m2"}})
	first := streamRequest(s.ID, "first question", models.ParticipantA, models.ParticipantB)
	resp := f.do(t, http.MethodPost, "/api/messages/stream/", first, "")
	decodeAll(t, resp.Body)
	resp.Body.Close()
	second := streamRequest(s.ID, "later question", models.ParticipantA, models.ParticipantB)
	resp = f.do(t, http.MethodPost, "/api/messages/stream/", second, "")
	decodeAll(t, resp.Body)
	resp.Body.Close()

	user := first.Messages[0]
	original := first.Messages[2]
	regen := protocol.NewStreamRequest(s.ID,
		models.Message{ID: user.ID, Role: models.RoleUser},
		[]models.Message{{ID: uuid.NewString(), Role: models.RoleAssistant, Participant: models.ParticipantB, ParentIDs: []string{user.ID}}})
	resp = f.do(t, http.MethodPost, "/api/messages/"+original.ID+"/regenerate/", regen, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var text strings.Builder
	for _, ev := range decodeAll(t, resp.Body) {
		if c, ok := ev.(protocol.ChunkEvent); ok {
			if c.Participant != models.ParticipantB {
				t.Errorf("unexpected participant %q", c.Participant)
			}
			text.WriteString(c.Text)
		}
	}
	if text.String() != "first question" {
		t.Errorf("expected the original question answered again, got %q", text.String())
	}

	msgs, _ := f.repo.Message().ListMessages(context.Background(), s.ID)
	if len(msgs) != 7 {
		t.Fatalf("expected 7 stored messages, got %d", len(msgs))
	}
	// The new reply is grouped with its turn, before the later question
	got := msgs[3]
	if got.ID != regen.Messages[1].ID || got.ModelID != "m2" || got.ParentIDs[0] != user.ID || msgs[4].ID != second.Messages[0].ID {
		t.Errorf("unexpected order %+v", msgs)
	}
	users := 0
	for _, m := range msgs {
		if m.Role == models.RoleUser {
			users++
		}
	}
	if users != 2 {
		t.Errorf("regenerate must not store another user message, got %d", users)
	}
}

func TestRegenerateRejectsBadRequests(t *testing.T) {
	f := newFixture(t, "")
	s := f.session(t, models.Session{Mode: models.ModeCompare, ModelA: &models.ModelRef{ID: "m1"}, ModelB: &models.ModelRef{ID: "m2"}})
	first := streamRequest(s.ID, "question", models.ParticipantA, models.ParticipantB)
	resp := f.do(t, http.MethodPost, "/api/messages/stream/", first, "")
	decodeAll(t, resp.Body)
	resp.Body.Close()

	user := first.Messages[0]
	regen := func(participant models.Participant, userID string) protocol.StreamRequest {
		return protocol.NewStreamRequest(s.ID,
			models.Message{ID: userID, Role: models.RoleUser},
			[]models.Message{{ID: uuid.NewString(), Role: models.RoleAssistant, Participant: participant}})
	}
	cases := []struct {
		name   string
		target string
		req    protocol.StreamRequest
	}{
		{"unknown message", uuid.NewString(), regen(models.ParticipantA, user.ID)},
		{"user message", user.ID, regen(models.ParticipantA, user.ID)},
		{"other participant", first.Messages[1].ID, regen(models.ParticipantB, user.ID)},
		{"wrong parent", first.Messages[1].ID, regen(models.ParticipantA, uuid.NewString())},
	}
	for _, tc := range cases {
		resp := f.do(t, http.MethodPost, "/api/messages/"+tc.target+"/regenerate/", tc.req, "")
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", tc.name, resp.StatusCode)
		}
	}

	resp = f.do(t, http.MethodPost, "/api/messages/"+first.Messages[1].ID+"/rewrite/", regen(models.ParticipantA, user.ID), "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown action, got %d", resp.StatusCode)
	}
}

func TestModelCatalog(t *testing.T) {
	f := newFixture(t, "secret")
	resp := f.do(t, http.MethodGet, "/api/models/", nil, "secret")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var catalog []models.ModelInfo
	if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(catalog) != 2 || catalog[0].ID != "m1" || catalog[1].Provider != "echo" || !catalog[1].Active {
		t.Errorf("unexpected catalog %+v", catalog)
	}

	anon := f.do(t, http.MethodGet, "/api/models/", nil, "")
	anon.Body.Close()
	if anon.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", anon.StatusCode)
	}
}

func TestCatalogSkipsEmptyAndRepeatedIDs(t *testing.T) {
	catalog := Catalog("openai", "gpt-4o", "", "gpt-4o", "gpt-4o-mini")
	if len(catalog) != 2 || catalog[1].ID != "gpt-4o-mini" {
		t.Errorf("unexpected catalog %+v", catalog)
	}
}

func TestFeedbackSubmission(t *testing.T) {
	f := newFixture(t, "")
	s := f.session(t, models.Session{Mode: models.ModeCompare, ModelA: &models.ModelRef{ID: "m1"}, ModelB: &models.ModelRef{ID: "m2"}})
	req := streamRequest(s.ID, "question", models.ParticipantA, models.ParticipantB)
	resp := f.do(t, http.MethodPost, "/api/messages/stream/", req, "")
	decodeAll(t, resp.Body)
	resp.Body.Close()

	rating := models.Feedback{SessionID: s.ID, MessageID: req.Messages[1].ID, Type: models.FeedbackRating, Rating: 5, Categories: []string{"clarity"}}
	resp = f.do(t, http.MethodPost, "/api/feedback/", rating, "")
	var saved models.Feedback
	json.NewDecoder(resp.Body).Decode(&saved)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || saved.ID == "" || saved.Rating != 5 {
		t.Fatalf("unexpected response %d %+v", resp.StatusCode, saved)
	}

	cases := []struct {
		name   string
		f      models.Feedback
		status int
	}{
		{"invalid rating", models.Feedback{SessionID: s.ID, Type: models.FeedbackRating, Rating: 9}, http.StatusBadRequest},
		{"unknown session", models.Feedback{SessionID: uuid.NewString(), Type: models.FeedbackRating, Rating: 3}, http.StatusNotFound},
		{"foreign model", models.Feedback{SessionID: s.ID, Type: models.FeedbackPreference, PreferredModelID: "m9"}, http.StatusBadRequest},
		{"unknown message", models.Feedback{SessionID: s.ID, MessageID: uuid.NewString(), Type: models.FeedbackRating, Rating: 3}, http.StatusBadRequest},
		{"preference", models.Feedback{SessionID: s.ID, Type: models.FeedbackPreference, PreferredModelID: "m2"}, http.StatusCreated},
	}
	for _, tc := range cases {
		resp := f.do(t, http.MethodPost, "/api/feedback/", tc.f, "")
		resp.Body.Close()
		if resp.StatusCode != tc.status {
			t.Errorf("%s: expected %d, got %d", tc.name, tc.status, resp.StatusCode)
		}
	}

	resp = f.do(t, http.MethodGet, "/api/feedback/?session_id="+s.ID, nil, "")
	defer resp.Body.Close()
	var listed []models.Feedback
	json.NewDecoder(resp.Body).Decode(&listed)
	if len(listed) != 2 || listed[0].ID != saved.ID || listed[1].PreferredModelID != "m2" {
		t.Errorf("unexpected feedback list %+v", listed)
	}
}
