package storage

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProfileRoundTrip(t *testing.T) {
	s := openTestStore(t)

	p := StudentProfile{
		ID:                "user-1",
		Username:          "asha",
		Age:               10,
		Standard:          "Grade 5",
		FavouriteSubjects: []string{"math", "science"},
		LearningGoals:     "master fractions",
		GiveHints:         true,
	}
	if err := s.SaveProfile(p); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}

	got, err := s.GetProfile("user-1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got.Username != "asha" || got.Age != 10 || got.Standard != "Grade 5" {
		t.Errorf("profile mismatch: %+v", got)
	}
	if len(got.FavouriteSubjects) != 2 || got.FavouriteSubjects[0] != "math" {
		t.Errorf("favourite subjects mismatch: %v", got.FavouriteSubjects)
	}
	if !got.GiveHints {
		t.Error("expected give_hints to survive the round trip")
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}
}

func TestGetProfileNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetProfile("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateProfile(t *testing.T) {
	s := openTestStore(t)

	p := StudentProfile{ID: "user-1", Username: "asha", Age: 10, Standard: "Grade 5"}
	if err := s.SaveProfile(p); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}

	p.Standard = "Grade 6"
	p.GiveHints = true
	if err := s.UpdateProfile(p); err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}

	got, err := s.GetProfile("user-1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got.Standard != "Grade 6" || !got.GiveHints {
		t.Errorf("update not applied: %+v", got)
	}

	if err := s.UpdateProfile(StudentProfile{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound updating missing profile, got %v", err)
	}
}

func TestConversationPairInsertAndRecency(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		pair := []ConversationTurn{
			{ID: "u" + string(rune('0'+i)), UserID: "user-1", Role: RoleUser, Message: "question", CreatedAt: base.Add(time.Duration(2*i) * time.Minute)},
			{ID: "a" + string(rune('0'+i)), UserID: "user-1", Role: RoleAssistant, Message: "answer", Metadata: `{"confidence_score":0.9}`, CreatedAt: base.Add(time.Duration(2*i+1) * time.Minute)},
		}
		if err := s.InsertConversationTurns(pair); err != nil {
			t.Fatalf("InsertConversationTurns: %v", err)
		}
	}

	turns, err := s.GetRecentConversationTurns("user-1", 5)
	if err != nil {
		t.Fatalf("GetRecentConversationTurns: %v", err)
	}
	if len(turns) != 5 {
		t.Fatalf("expected 5 turns, got %d", len(turns))
	}
	// Newest first.
	if turns[0].ID != "a3" || turns[1].ID != "u3" {
		t.Errorf("expected newest-first ordering, got %s, %s", turns[0].ID, turns[1].ID)
	}
	if turns[0].Metadata == "" {
		t.Error("expected metadata on assistant turn")
	}

	other, err := s.GetRecentConversationTurns("user-2", 5)
	if err != nil {
		t.Fatalf("GetRecentConversationTurns for other user: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected no turns for other user, got %d", len(other))
	}
}

func TestConversationOrderingWithTrailingZeroFractions(t *testing.T) {
	s := openTestStore(t)

	// Fractional seconds ending in zero must still sort before a later
	// timestamp with one more significant digit.
	base := time.Date(2026, 3, 1, 10, 0, 0, 120_000_000, time.UTC)
	pair := []ConversationTurn{
		{ID: "u1", UserID: "user-1", Role: RoleUser, Message: "question", CreatedAt: base},
		{ID: "a1", UserID: "user-1", Role: RoleAssistant, Message: "answer", CreatedAt: base.Add(time.Millisecond)},
	}
	if err := s.InsertConversationTurns(pair); err != nil {
		t.Fatalf("InsertConversationTurns: %v", err)
	}

	turns, err := s.GetRecentConversationTurns("user-1", 5)
	if err != nil {
		t.Fatalf("GetRecentConversationTurns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].ID != "a1" || turns[1].ID != "u1" {
		t.Errorf("expected newest-first ordering [a1 u1], got [%s %s]", turns[0].ID, turns[1].ID)
	}
}

func TestInterestHistoryOrdering(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 3, 1, 10, 0, 0, 120_000_000, time.UTC)
	entries := []InterestEntry{
		{ID: "h1", UserID: "user-1", Content: "fractions", CreatedAt: base},
		{ID: "h2", UserID: "user-1", Content: "decimals", CreatedAt: base.Add(time.Millisecond)},
		{ID: "h3", UserID: "user-2", Content: "planets", CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, e := range entries {
		if err := s.AddInterestEntry(e); err != nil {
			t.Fatalf("AddInterestEntry: %v", err)
		}
	}

	got, err := s.GetInterestHistory("user-1")
	if err != nil {
		t.Fatalf("GetInterestHistory: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].ID != "h1" || got[1].ID != "h2" {
		t.Errorf("expected chronological order, got %s, %s", got[0].ID, got[1].ID)
	}

	e, err := s.GetInterestEntry("h3")
	if err != nil {
		t.Fatalf("GetInterestEntry: %v", err)
	}
	if e.Content != "planets" {
		t.Errorf("unexpected content %q", e.Content)
	}
	if _, err := s.GetInterestEntry("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestInterestVectorCache(t *testing.T) {
	s := openTestStore(t)

	vec := []float32{0.1, -0.5, 3.25}
	if err := s.SaveInterestVector("h1", "nomic-embed-text", vec); err != nil {
		t.Fatalf("SaveInterestVector: %v", err)
	}

	ok, err := s.HasInterestVector("h1", "nomic-embed-text")
	if err != nil {
		t.Fatalf("HasInterestVector: %v", err)
	}
	if !ok {
		t.Error("expected vector to be present")
	}
	ok, err = s.HasInterestVector("h1", "other-model")
	if err != nil {
		t.Fatalf("HasInterestVector: %v", err)
	}
	if ok {
		t.Error("vectors are keyed by model, expected miss")
	}

	got, err := s.GetInterestVectors([]string{"h1", "h2"}, "nomic-embed-text")
	if err != nil {
		t.Fatalf("GetInterestVectors: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 cached vector, got %d", len(got))
	}
	for i, f := range got["h1"] {
		if f != vec[i] {
			t.Errorf("vector[%d] = %v, want %v", i, f, vec[i])
		}
	}

	// Upsert replaces the stored vector.
	if err := s.SaveInterestVector("h1", "nomic-embed-text", []float32{9}); err != nil {
		t.Fatalf("SaveInterestVector upsert: %v", err)
	}
	got, err = s.GetInterestVectors([]string{"h1"}, "nomic-embed-text")
	if err != nil {
		t.Fatalf("GetInterestVectors after upsert: %v", err)
	}
	if len(got["h1"]) != 1 || got["h1"][0] != 9 {
		t.Errorf("expected upserted vector [9], got %v", got["h1"])
	}
}

func TestVectorCodecRejectsCorruptBlob(t *testing.T) {
	if _, err := decodeFloat32s([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for blob length not divisible by 4")
	}
}

func TestLearningPaths(t *testing.T) {
	s := openTestStore(t)

	lp := LearningPath{
		ID:         "lp-1",
		UserID:     "user-1",
		Subject:    "math",
		TimePeriod: "4 weeks",
		Plan:       `{"weeks":[]}`,
	}
	if err := s.SaveLearningPath(lp); err != nil {
		t.Fatalf("SaveLearningPath: %v", err)
	}

	paths, err := s.ListLearningPaths("user-1")
	if err != nil {
		t.Fatalf("ListLearningPaths: %v", err)
	}
	if len(paths) != 1 || paths[0].Subject != "math" {
		t.Errorf("unexpected paths: %+v", paths)
	}
}

func TestJobQueueClaimAndComplete(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "job-1", Type: "embed_interest", PayloadJSON: `{"entry_id":"h1"}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	job, err := s.ClaimNextJob([]string{"embed_interest"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job == nil {
		t.Fatal("expected a job")
	}
	if job.Status != "running" || job.Type != "embed_interest" {
		t.Errorf("unexpected job state: %+v", job)
	}

	// Claimed job is not visible to other workers.
	again, err := s.ClaimNextJob([]string{"embed_interest"})
	if err != nil {
		t.Fatalf("second ClaimNextJob: %v", err)
	}
	if again != nil {
		t.Errorf("expected no claimable job, got %+v", again)
	}

	if err := s.CompleteJob(job.ID); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
}

func TestJobQueueRetryBackoff(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "job-1", Type: "embed_interest", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	job, err := s.ClaimNextJob([]string{"embed_interest"})
	if err != nil || job == nil {
		t.Fatalf("ClaimNextJob: job=%v err=%v", job, err)
	}

	if err := s.FailJob(job.ID, "embed failed"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	// Backed off into the future, so not immediately claimable.
	again, err := s.ClaimNextJob([]string{"embed_interest"})
	if err != nil {
		t.Fatalf("ClaimNextJob after failure: %v", err)
	}
	if again != nil {
		t.Errorf("expected backoff to delay the retry, got %+v", again)
	}

	var status string
	var attempts int
	if err := s.DB().QueryRow(`SELECT status, attempts FROM jobs WHERE id = ?`, job.ID).Scan(&status, &attempts); err != nil {
		t.Fatalf("inspecting job row: %v", err)
	}
	if status != "pending" || attempts != 1 {
		t.Errorf("expected pending retry with 1 attempt, got status=%s attempts=%d", status, attempts)
	}
}

func TestJobQueueExhaustsAttempts(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "job-1", Type: "embed_interest", PayloadJSON: `{}`, MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	job, err := s.ClaimNextJob([]string{"embed_interest"})
	if err != nil || job == nil {
		t.Fatalf("ClaimNextJob: job=%v err=%v", job, err)
	}
	if err := s.FailJob(job.ID, "embed failed"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var status, lastError string
	if err := s.DB().QueryRow(`SELECT status, last_error FROM jobs WHERE id = ?`, job.ID).Scan(&status, &lastError); err != nil {
		t.Fatalf("inspecting job row: %v", err)
	}
	if status != "failed" {
		t.Errorf("expected terminal failure, got %s", status)
	}
	if lastError != "embed failed" {
		t.Errorf("expected last error recorded, got %q", lastError)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	s := openTestStore(t)
	if err := s.migrate(); err != nil {
		t.Fatalf("re-running migrations: %v", err)
	}
}
