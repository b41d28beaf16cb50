package client

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aigoflow/arena/internal/backend"
	"github.com/aigoflow/arena/internal/config"
	"github.com/aigoflow/arena/internal/models"
	"github.com/aigoflow/arena/internal/repository"
	"github.com/aigoflow/arena/internal/store"
	"github.com/aigoflow/arena/internal/supervisor"
	"github.com/aigoflow/arena/pkg/server"
)

func startBackend(t *testing.T, token string, gen backend.Generator) *httptest.Server {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "arenad.sqlite"))
	if err != nil {
		t.Fatalf("open backend store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	repo := repository.NewSQLiteRepository(db)
	monitor := backend.NewMonitor(0, nil)
	streamer := backend.NewStreamer(repo, gen, monitor, nil)
	srv := server.NewServer("",
		backend.NewHandlers(streamer, repo, monitor, token, backend.Catalog("echo", "m1", "m2"), nil),
		backend.NewSocketHandler(repo, monitor, token, nil))

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func newEngine(t *testing.T, backendURL, token string) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.APIURL = backendURL
	cfg.WSURL = "ws" + strings.TrimPrefix(backendURL, "http")
	cfg.AccessToken = token
	cfg.DBPath = filepath.Join(t.TempDir(), "arena.sqlite")
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 50 * time.Millisecond

	e, err := New(cfg, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return e
}

func TestCompareTurnEndToEnd(t *testing.T) {
	ts := startBackend(t, "secret", &backend.EchoGenerator{})
	e := newEngine(t, ts.URL, "secret")
	ctx := context.Background()

	s, err := e.CreateSession(ctx, Session{Mode: ModeCompare, ModelA: &ModelRef{ID: "m1"}, ModelB: &ModelRef{ID: "m2"}})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	turn, err := e.Send(ctx, s.ID, "ping pong\nover two lines")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case <-turn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not finish")
	}

	view := e.View(s.ID)
	if len(view) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(view))
	}
	for _, m := range view[1:] {
		if m.Content != "ping pong\nover two lines" || m.Status != models.StatusFinal {
			t.Errorf("unexpected reply %+v", m)
		}
	}

	sessions, err := e.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != s.ID {
		t.Errorf("unexpected sessions %+v", sessions)
	}
}

func TestParticipantFailureEndToEnd(t *testing.T) {
	ts := startBackend(t, "", &backend.EchoGenerator{Failures: map[string]string{"m2": "model overloaded"}})
	e := newEngine(t, ts.URL, "")
	ctx := context.Background()

	notes, stop := e.Notifications(4)
	defer stop()

	s, err := e.CreateSession(ctx, Session{Mode: ModeCompare, ModelA: &ModelRef{ID: "m1"}, ModelB: &ModelRef{ID: "m2"}})
	if err != nil {
		t.Fatal(err)
	}
	turn, err := e.Send(ctx, s.ID, "hello")
	if err != nil {
		t.Fatal(err)
	}
	<-turn.Done()

	select {
	case n := <-notes:
		if n.Kind != models.NotifyParticipantError || n.Participant != ParticipantB || n.Message != "model overloaded" {
			t.Errorf("unexpected notification %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a participant notification")
	}

	view := e.View(s.ID)
	if len(view) != 2 || view[1].Participant != ParticipantA {
		t.Errorf("expected only participant a to be kept, got %+v", view)
	}
}

func TestUnauthorizedSendEndToEnd(t *testing.T) {
	ts := startBackend(t, "secret", &backend.EchoGenerator{})
	e := newEngine(t, ts.URL, "wrong")
	ctx := context.Background()

	if _, err := e.CreateSession(ctx, Session{Mode: ModeDirect, ModelA: &ModelRef{ID: "m1"}}); err == nil {
		t.Fatal("expected session creation to be rejected")
	}

	// A session known locally still fails its turn with an auth notification
	notes, stop := e.Notifications(4)
	defer stop()
	s := Session{ID: "6f1c1c1e-3c65-4a53-9d6f-4c1a2f6a9c10", Mode: ModeDirect, ModelA: &ModelRef{ID: "m1"}}
	if err := e.OpenSession(s); err != nil {
		t.Fatal(err)
	}
	turn, err := e.Send(ctx, s.ID, "hello")
	if err != nil {
		t.Fatal(err)
	}
	<-turn.Done()

	select {
	case n := <-notes:
		if n.Kind != models.NotifyAuthError {
			t.Errorf("expected auth notification, got %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected an auth notification")
	}
}

func TestSessionChannelEndToEnd(t *testing.T) {
	ts := startBackend(t, "secret", &backend.EchoGenerator{})
	e := newEngine(t, ts.URL, "secret")
	ctx := context.Background()

	s, err := e.CreateSession(ctx, Session{Mode: ModeDirect, ModelA: &ModelRef{ID: "m1"}})
	if err != nil {
		t.Fatal(err)
	}
	turn, err := e.Send(ctx, s.ID, "remember me")
	if err != nil {
		t.Fatal(err)
	}
	<-turn.Done()

	// A second engine starts empty and hydrates from the session channel
	other := newEngine(t, ts.URL, "secret")
	updates, stop := other.Updates()
	defer stop()
	if err := other.Connect(ctx, s.ID); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for len(other.View(s.ID)) != 2 {
		select {
		case <-updates:
		case <-deadline:
			t.Fatalf("session state never arrived, view %+v", other.View(s.ID))
		}
	}
	if got := other.View(s.ID)[1].Content; got != "remember me" {
		t.Errorf("unexpected hydrated reply %q", got)
	}
	if st := other.ConnectionState(s.ID); st != supervisor.StateConnected {
		t.Errorf("expected connected, got %s", st)
	}

	other.Disconnect(s.ID)
	if st := other.ConnectionState(s.ID); st != supervisor.StateDisconnected {
		t.Errorf("expected disconnected, got %s", st)
	}
}

func TestRegenerateAndFeedbackEndToEnd(t *testing.T) {
	ts := startBackend(t, "secret", &backend.EchoGenerator{})
	e := newEngine(t, ts.URL, "secret")
	ctx := context.Background()

	catalog, err := e.ListModels(ctx)
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(catalog) != 2 {
		t.Fatalf("expected two catalog models, got %+v", catalog)
	}
	s, err := e.CreateSession(ctx, Session{Mode: ModeCompare, ModelA: catalog[0].Ref(), ModelB: catalog[1].Ref()})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	turn, err := e.Send(ctx, s.ID, "echo me")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	<-turn.Done()
	view := e.View(s.ID)
	original := view[1]

	turn, err = e.Regenerate(ctx, s.ID, original.ID)
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	select {
	case <-turn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("regenerated turn did not finish")
	}
	view = e.View(s.ID)
	if len(view) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(view))
	}
	again := view[len(view)-1]
	if again.Participant != original.Participant || again.Content != "echo me" || again.Status != models.StatusFinal {
		t.Errorf("unexpected regenerated reply %+v", again)
	}

	saved, err := e.SubmitFeedback(ctx, Feedback{SessionID: s.ID, MessageID: again.ID, Type: FeedbackRating, Rating: 5})
	if err != nil {
		t.Fatalf("SubmitFeedback: %v", err)
	}
	if saved.ID == "" {
		t.Error("expected the backend to assign an id")
	}
}
