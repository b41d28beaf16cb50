package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/aigoflow/arena/internal/models"
	"github.com/aigoflow/arena/internal/store"
)

func openRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "arena.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLiteRepository(db)
}

func TestSessionRoundTrip(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()

	s := models.Session{
		ID:     "s1",
		Mode:   models.ModeCompare,
		Title:  "Poems",
		ModelA: &models.ModelRef{ID: "gpt-4o", Name: "GPT-4o"},
		ModelB: &models.ModelRef{ID: "llama", Name: "Llama"},
	}
	if err := repo.SaveSession(ctx, s); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	s.Title = "Renamed"
	if err := repo.SaveSession(ctx, s); err != nil {
		t.Fatalf("SaveSession update: %v", err)
	}

	got, err := repo.Session().GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Title != "Renamed" || got.Mode != models.ModeCompare {
		t.Errorf("unexpected session %+v", got)
	}
	if got.ModelB == nil || got.ModelB.Name != "Llama" {
		t.Errorf("unexpected model_b %+v", got.ModelB)
	}

	if _, err := repo.Session().GetSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	list, err := repo.Session().ListSessions(ctx, 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListSessions: %v (%d sessions)", err, len(list))
	}
	if list[0].ModelA == nil || list[0].ModelA.ID != "gpt-4o" {
		t.Errorf("unexpected listed session %+v", list[0])
	}
}

func TestDirectSessionHasNoModelB(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	if err := repo.SaveSession(ctx, models.Session{ID: "d1", Mode: models.ModeDirect, ModelA: &models.ModelRef{ID: "gpt"}}); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	got, err := repo.Session().GetSession(ctx, "d1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.ModelB != nil {
		t.Errorf("expected no model_b, got %+v", got.ModelB)
	}
}

func TestMessagesListInTurnOrder(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	save := func(m models.Message) {
		t.Helper()
		m.SessionID = "s1"
		if err := repo.SaveMessage(ctx, m); err != nil {
			t.Fatalf("SaveMessage %s: %v", m.ID, err)
		}
	}

	save(models.Message{ID: "u1", Role: models.RoleUser, Content: "first"})
	save(models.Message{ID: "b1", Role: models.RoleAssistant, Participant: models.ParticipantB, ParentIDs: []string{"u1"}, Content: "B"})
	save(models.Message{ID: "u2", Role: models.RoleUser, Content: "second", ParentIDs: []string{"b1"}})
	// A late reply to the first turn is stored after u2
	save(models.Message{ID: "a1", Role: models.RoleAssistant, Participant: models.ParticipantA, ParentIDs: []string{"u1"}, ModelID: "gpt", Content: "A"})
	// Re-saving must not move it
	save(models.Message{ID: "b1", Role: models.RoleAssistant, Participant: models.ParticipantB, ParentIDs: []string{"u1"}, Content: "B"})

	msgs, err := repo.Message().ListMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	want := []string{"u1", "b1", "a1", "u2"}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(msgs))
	}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, msgs[i].ID)
		}
	}
	if msgs[2].ModelID != "gpt" || msgs[2].Participant != models.ParticipantA || msgs[2].Status != models.StatusFinal {
		t.Errorf("unexpected reply %+v", msgs[2])
	}
	if len(msgs[3].ParentIDs) != 1 || msgs[3].ParentIDs[0] != "b1" {
		t.Errorf("unexpected parent ids %v", msgs[3].ParentIDs)
	}
}

func TestDeleteOlderThan(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()

	repo.SaveSession(ctx, models.Session{ID: "old", Mode: models.ModeDirect, ModelA: &models.ModelRef{ID: "gpt"}})
	repo.SaveMessage(ctx, models.Message{ID: "u1", SessionID: "old", Role: models.RoleUser, Content: "hi"})
	repo.Feedback().SaveFeedback(ctx, models.Feedback{ID: "f1", SessionID: "old", Type: models.FeedbackRating, Rating: 3})

	cutoff := time.Now().Add(time.Second)
	n, err := repo.Session().DeleteOlderThan(ctx, cutoff)
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 session removed, got %d", n)
	}
	msgs, _ := repo.Message().ListMessages(ctx, "old")
	if len(msgs) != 0 {
		t.Errorf("expected messages to be removed, got %d", len(msgs))
	}
	if fb, _ := repo.Feedback().ListFeedback(ctx, "old"); len(fb) != 0 {
		t.Errorf("expected feedback to be removed, got %d", len(fb))
	}

	repo.SaveSession(ctx, models.Session{ID: "fresh", Mode: models.ModeDirect, ModelA: &models.ModelRef{ID: "gpt"}})
	n, _ = repo.Session().DeleteOlderThan(ctx, time.Now().Add(-time.Hour))
	if n != 0 {
		t.Errorf("fresh session must survive, removed %d", n)
	}
}

func TestStreamAndEventLogs(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()

	repo.Stream().LogStream(ctx, &models.StreamLog{
		Timestamp:    time.Now(),
		TraceID:      "01HX",
		SessionID:    "s1",
		TurnID:       "u1",
		Transport:    "http",
		Participants: 2,
		Chunks:       7,
		DurationMs:   1200,
		Status:       "complete",
	})
	logs, err := repo.Stream().GetStreamLogs(ctx, 10)
	if err != nil {
		t.Fatalf("GetStreamLogs: %v", err)
	}
	if len(logs) != 1 || logs[0].Chunks != 7 || logs[0].Status != "complete" {
		t.Errorf("unexpected logs %+v", logs)
	}

	repo.Event().LogEvent(ctx, "error", "auth_error", "expired", map[string]interface{}{"session_id": "s1"})
	n, err := repo.Event().PruneEvents(ctx, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("PruneEvents: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 event pruned, got %d", n)
	}
}

func TestFeedbackRoundTrip(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()

	first := models.Feedback{ID: "f1", SessionID: "s1", MessageID: "a1", Type: models.FeedbackRating, Rating: 4, Categories: []string{"clarity", "tone"}, Comment: "good"}
	second := models.Feedback{ID: "f2", SessionID: "s1", Type: models.FeedbackPreference, PreferredModelID: "gpt-4o"}
	for _, f := range []models.Feedback{first, second} {
		if err := repo.Feedback().SaveFeedback(ctx, f); err != nil {
			t.Fatalf("SaveFeedback: %v", err)
		}
	}
	if err := repo.Feedback().SaveFeedback(ctx, first); err == nil {
		t.Error("expected a duplicate feedback id to be rejected")
	}

	got, err := repo.Feedback().ListFeedback(ctx, "s1")
	if err != nil {
		t.Fatalf("ListFeedback: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].ID != "f1" || got[0].Rating != 4 || len(got[0].Categories) != 2 || got[0].MessageID != "a1" {
		t.Errorf("unexpected first entry %+v", got[0])
	}
	if got[1].Type != models.FeedbackPreference || got[1].PreferredModelID != "gpt-4o" {
		t.Errorf("unexpected second entry %+v", got[1])
	}
	if other, _ := repo.Feedback().ListFeedback(ctx, "s2"); len(other) != 0 {
		t.Errorf("expected no feedback for another session, got %d", len(other))
	}
}
