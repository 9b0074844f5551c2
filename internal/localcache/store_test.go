package localcache

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/akilhane/studysync/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-cache.db")
	s, err := Open(path, slog.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleSubject(id, owner string) *model.Subject {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.Subject{
		ID:          id,
		OwnerID:     owner,
		Name:        "Biology",
		Description: "Cell biology",
		Category:    "Science",
		Difficulty:  model.DifficultyBeginner,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestOpen_CreatesSchema(t *testing.T) {
	s := openTestStore(t)
	recs, corrupt, err := s.List(context.Background(), model.TypeSubjects, "guest-1")
	if err != nil {
		t.Fatalf("List after open: %v", err)
	}
	if len(recs) != 0 || corrupt != 0 {
		t.Errorf("expected empty store, got %d records, %d corrupt", len(recs), corrupt)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	s1, err := Open(path, slog.Default())
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := s1.Put(context.Background(), model.TypeSubjects, sampleSubject("sub-1", "guest-1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("s1.Close: %v", err)
	}

	// Re-opening the same file must not fail or wipe data.
	s2, err := Open(path, slog.Default())
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer s2.Close()
	recs, _, err := s2.List(context.Background(), model.TypeSubjects, "guest-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("records after reopen = %d, want 1", len(recs))
	}
}

func TestPutListDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sub := sampleSubject("sub-1", "guest-1")
	if err := s.Put(ctx, model.TypeSubjects, sub); err != nil {
		t.Fatalf("Put: %v", err)
	}

	recs, _, err := s.List(ctx, model.TypeSubjects, "guest-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	got := recs[0].(*model.Subject)
	if got.Name != "Biology" {
		t.Errorf("Name = %q, want %q", got.Name, "Biology")
	}

	// Upsert replaces by id.
	sub.Description = "Molecular biology"
	if err := s.Put(ctx, model.TypeSubjects, sub); err != nil {
		t.Fatalf("second Put: %v", err)
	}
	recs, _, _ = s.List(ctx, model.TypeSubjects, "guest-1")
	if len(recs) != 1 {
		t.Fatalf("records after upsert = %d, want 1", len(recs))
	}
	if recs[0].(*model.Subject).Description != "Molecular biology" {
		t.Error("upsert did not replace payload")
	}

	if err := s.Delete(ctx, model.TypeSubjects, "sub-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	recs, _, _ = s.List(ctx, model.TypeSubjects, "guest-1")
	if len(recs) != 0 {
		t.Errorf("records after delete = %d, want 0", len(recs))
	}

	// Deleting a missing id is a no-op.
	if err := s.Delete(ctx, model.TypeSubjects, "sub-1"); err != nil {
		t.Errorf("Delete of missing id: %v", err)
	}
}

func TestList_ScopedByOwner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_ = s.Put(ctx, model.TypeSubjects, sampleSubject("sub-1", "guest-1"))
	_ = s.Put(ctx, model.TypeSubjects, sampleSubject("sub-2", "acct-1"))

	recs, _, err := s.List(ctx, model.TypeSubjects, "guest-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 || recs[0].RecordID() != "sub-1" {
		t.Errorf("owner scoping broken: got %d records", len(recs))
	}
}

func TestList_SkipsCorruptRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_ = s.Put(ctx, model.TypeSubjects, sampleSubject("sub-1", "guest-1"))
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO subjects (id, owner_id, payload, updated_at) VALUES (?, ?, ?, ?)`,
		"sub-bad", "guest-1", "{not json", formatTime(time.Now())); err != nil {
		t.Fatalf("inserting corrupt row: %v", err)
	}

	recs, corrupt, err := s.List(ctx, model.TypeSubjects, "guest-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("readable records = %d, want 1", len(recs))
	}
	if corrupt != 1 {
		t.Errorf("corrupt = %d, want 1", corrupt)
	}
}

func TestReassignOwner_RewritesPayload(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_ = s.Put(ctx, model.TypeSubjects, sampleSubject("sub-1", "guest-1"))
	_ = s.Put(ctx, model.TypeSubjects, sampleSubject("sub-2", "guest-1"))

	moved, err := s.ReassignOwner(ctx, model.TypeSubjects, "guest-1", "acct-1")
	if err != nil {
		t.Fatalf("ReassignOwner: %v", err)
	}
	if moved != 2 {
		t.Errorf("moved = %d, want 2", moved)
	}

	old, _, _ := s.List(ctx, model.TypeSubjects, "guest-1")
	if len(old) != 0 {
		t.Errorf("guest scope still has %d records", len(old))
	}
	recs, _, err := s.List(ctx, model.TypeSubjects, "acct-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("account scope records = %d, want 2", len(recs))
	}
	// Payload owner must agree with the column, not just the index.
	if recs[0].RecordOwner() != "acct-1" {
		t.Errorf("payload owner = %q, want acct-1", recs[0].RecordOwner())
	}
}

func TestGuestID_EnsureAndClear(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.GuestID(ctx)
	if err != nil {
		t.Fatalf("GuestID: %v", err)
	}
	if id != "" {
		t.Errorf("fresh store guest id = %q, want empty", id)
	}

	id, err = s.EnsureGuestID(ctx)
	if err != nil {
		t.Fatalf("EnsureGuestID: %v", err)
	}
	if !strings.HasPrefix(id, "guest-") {
		t.Errorf("guest id = %q, want guest- prefix", id)
	}

	// Stable across calls.
	again, _ := s.EnsureGuestID(ctx)
	if again != id {
		t.Errorf("EnsureGuestID changed id: %q → %q", id, again)
	}

	if err := s.ClearGuestID(ctx); err != nil {
		t.Fatalf("ClearGuestID: %v", err)
	}
	id, _ = s.GuestID(ctx)
	if id != "" {
		t.Errorf("guest id after clear = %q, want empty", id)
	}
}

func TestSnapshot_SaveRestoreRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_ = s.Put(ctx, model.TypeSubjects, sampleSubject("sub-1", "guest-1"))
	_ = s.Put(ctx, model.TypeQuizResults, &model.QuizResult{
		ID: "qr-1", OwnerID: "guest-1", Subject: "Biology",
		Score: 80, TotalQuestions: 20, CreatedAt: time.Now().UTC(),
	})

	snapID, err := s.SaveSnapshot(ctx, "guest-1")
	if err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	// Simulate a migration that cleared the guest scope.
	_ = s.Delete(ctx, model.TypeSubjects, "sub-1")
	_ = s.Delete(ctx, model.TypeQuizResults, "qr-1")

	if err := s.RestoreSnapshot(ctx, snapID, "guest-1"); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}

	subs, _, _ := s.List(ctx, model.TypeSubjects, "guest-1")
	results, _, _ := s.List(ctx, model.TypeQuizResults, "guest-1")
	if len(subs) != 1 || len(results) != 1 {
		t.Errorf("restored %d subjects, %d results; want 1 and 1", len(subs), len(results))
	}
}

func TestSnapshot_Prune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for range 5 {
		if _, err := s.SaveSnapshot(ctx, "guest-1"); err != nil {
			t.Fatalf("SaveSnapshot: %v", err)
		}
	}
	if err := s.PruneSnapshots(ctx, 2); err != nil {
		t.Fatalf("PruneSnapshots: %v", err)
	}
	infos, err := s.ListSnapshots(ctx)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(infos) != 2 {
		t.Errorf("snapshots after prune = %d, want 2", len(infos))
	}
}

func TestCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_ = s.Put(ctx, model.TypeSubjects, sampleSubject("sub-1", "guest-1"))
	_ = s.Put(ctx, model.TypeQuestions, &model.Question{ID: "q-1", OwnerID: "guest-1", SubjectID: "sub-1"})
	_ = s.Put(ctx, model.TypeQuestions, &model.Question{ID: "q-2", OwnerID: "guest-1", SubjectID: "sub-1"})

	counts, err := s.Counts(ctx, "guest-1")
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[model.TypeSubjects] != 1 || counts[model.TypeQuestions] != 2 {
		t.Errorf("counts = %v", counts)
	}
}
