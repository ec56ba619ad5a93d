package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sage-tutor/sage/internal/ingest"
	"github.com/sage-tutor/sage/internal/storage"
	"github.com/sage-tutor/sage/internal/tutor"
)

const testToken = "test-token-12345"

// --- fakes ---

type fakeTutor struct {
	lastUserID   string
	lastQuestion string
	resp         tutor.TutorResponse
	guided       tutor.GuidedResult
}

func (f *fakeTutor) GetResponse(_ context.Context, userID, question string) tutor.TutorResponse {
	f.lastUserID = userID
	f.lastQuestion = question
	return f.resp
}

func (f *fakeTutor) GuidedSession(_ context.Context, userID, question string) tutor.GuidedResult {
	f.lastUserID = userID
	f.lastQuestion = question
	return f.guided
}

type fakePaths struct {
	lastSubject  string
	lastSyllabus string
	path         storage.LearningPath
	err          error
	list         []storage.LearningPath
}

func (f *fakePaths) Generate(_ context.Context, profile storage.StudentProfile, subject, timePeriod, syllabusText string) (storage.LearningPath, error) {
	f.lastSubject = subject
	f.lastSyllabus = syllabusText
	if f.err != nil {
		return storage.LearningPath{}, f.err
	}
	p := f.path
	p.UserID = profile.ID
	p.Subject = subject
	p.TimePeriod = timePeriod
	return p, nil
}

func (f *fakePaths) List(userID string) ([]storage.LearningPath, error) {
	return f.list, nil
}

// --- helpers ---

func setupAppHandler(t *testing.T) (http.Handler, *storage.Store, *fakeTutor, *fakePaths) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ft := &fakeTutor{
		resp: tutor.TutorResponse{
			Answer:            "A fraction is part of a whole.",
			Steps:             []string{},
			FollowupQuestions: []string{},
			ConfidenceScore:   0.9,
			KeyConcepts:       []string{"fractions"},
			IsFinalAnswer:     true,
		},
	}
	fp := &fakePaths{}

	handler := NewAppHandler(AppDeps{
		Store: store,
		Tutor: ft,
		Paths: fp,
		Token: testToken,
	})
	return handler, store, ft, fp
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func seedProfile(t *testing.T, store *storage.Store, id string) {
	t.Helper()
	err := store.SaveProfile(storage.StudentProfile{
		ID:                id,
		Username:          "Asha",
		Age:               10,
		Standard:          "Grade 5",
		FavouriteSubjects: []string{"math"},
		LearningGoals:     "get better at fractions",
		GiveHints:         true,
	})
	if err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}
}

// --- tests ---

func TestHealth_NoAuthRequired(t *testing.T) {
	h, _, _, _ := setupAppHandler(t)

	rr := httptest.NewRecorder()
	req := authReq(http.MethodGet, "/health", "", "")
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Errorf("body = %q, want ok status", rr.Body.String())
	}
}

func TestChat_NoAuth(t *testing.T) {
	h, _, _, _ := setupAppHandler(t)

	rr := httptest.NewRecorder()
	req := authReq(http.MethodPost, "/chat", `{"user_id":"u1","question":"hi"}`, "")
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestChat_ReturnsTutorResponse(t *testing.T) {
	h, _, ft, _ := setupAppHandler(t)

	rr := httptest.NewRecorder()
	req := authReq(http.MethodPost, "/chat", `{"user_id":"u1","question":"What is a fraction?"}`, testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var resp tutor.TutorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Answer != "A fraction is part of a whole." {
		t.Errorf("Answer = %q", resp.Answer)
	}
	if ft.lastUserID != "u1" || ft.lastQuestion != "What is a fraction?" {
		t.Errorf("tutor called with (%q, %q)", ft.lastUserID, ft.lastQuestion)
	}
}

func TestChat_MissingUserID(t *testing.T) {
	h, _, _, _ := setupAppHandler(t)

	rr := httptest.NewRecorder()
	req := authReq(http.MethodPost, "/chat", `{"question":"hi"}`, testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestGuidedChat_ReturnsResult(t *testing.T) {
	h, _, ft, _ := setupAppHandler(t)
	ft.guided = tutor.GuidedResult{
		FinalAnswer: "1/2 + 1/4 = 3/4",
		Steps:       []tutor.TutorResponse{{Answer: "1/2 + 1/4 = 3/4", IsFinalAnswer: true}},
		Transcript:  []string{"user: q", "assistant: 1/2 + 1/4 = 3/4"},
	}

	rr := httptest.NewRecorder()
	req := authReq(http.MethodPost, "/chat/guided", `{"user_id":"u1","question":"What is 1/2 + 1/4?"}`, testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var result tutor.GuidedResult
	if err := json.NewDecoder(rr.Body).Decode(&result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.FinalAnswer != "1/2 + 1/4 = 3/4" {
		t.Errorf("FinalAnswer = %q", result.FinalAnswer)
	}
	if len(result.Steps) != 1 {
		t.Errorf("got %d steps, want 1", len(result.Steps))
	}
}

func TestCreateProfile(t *testing.T) {
	h, store, _, _ := setupAppHandler(t)

	body := `{"username":"Asha","age":10,"standard":"Grade 5","favourite_subjects":["math"],"give_hints":true}`
	rr := httptest.NewRecorder()
	req := authReq(http.MethodPost, "/profile", body, testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var resp map[string]string
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["status"] != "created" {
		t.Errorf("status = %q, want %q", resp["status"], "created")
	}
	if resp["id"] == "" {
		t.Fatal("response missing id")
	}

	p, err := store.GetProfile(resp["id"])
	if err != nil {
		t.Fatalf("GetProfile(%q) failed: %v", resp["id"], err)
	}
	if p.Username != "Asha" || !p.GiveHints {
		t.Errorf("unexpected profile: %+v", p)
	}
}

func TestCreateProfile_MissingUsername(t *testing.T) {
	h, _, _, _ := setupAppHandler(t)

	rr := httptest.NewRecorder()
	req := authReq(http.MethodPost, "/profile", `{"age":10}`, testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestGetProfile(t *testing.T) {
	h, store, _, _ := setupAppHandler(t)
	seedProfile(t, store, "u1")

	rr := httptest.NewRecorder()
	req := authReq(http.MethodGet, "/profile/u1", "", testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var p storage.StudentProfile
	if err := json.NewDecoder(rr.Body).Decode(&p); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if p.Username != "Asha" || p.Standard != "Grade 5" {
		t.Errorf("unexpected profile: %+v", p)
	}
}

func TestGetProfile_NotFound(t *testing.T) {
	h, _, _, _ := setupAppHandler(t)

	rr := httptest.NewRecorder()
	req := authReq(http.MethodGet, "/profile/nonexistent", "", testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestPatchProfile_PartialUpdate(t *testing.T) {
	h, store, _, _ := setupAppHandler(t)
	seedProfile(t, store, "u1")

	rr := httptest.NewRecorder()
	req := authReq(http.MethodPatch, "/profile/u1", `{"learning_goals":"master algebra","give_hints":false}`, testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	p, err := store.GetProfile("u1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.LearningGoals != "master algebra" {
		t.Errorf("LearningGoals = %q, want %q", p.LearningGoals, "master algebra")
	}
	if p.GiveHints {
		t.Error("GiveHints = true, want false")
	}
	// Untouched fields survive.
	if p.Username != "Asha" || p.Age != 10 {
		t.Errorf("untouched fields changed: %+v", p)
	}
}

func TestAddHistory_QueuesEmbedding(t *testing.T) {
	h, store, _, _ := setupAppHandler(t)

	body := `{"user_id":"u1","content":"User interested in learning fractions"}`
	rr := httptest.NewRecorder()
	req := authReq(http.MethodPost, "/history", body, testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var resp map[string]string
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["status"] != "queued" {
		t.Errorf("status = %q, want %q", resp["status"], "queued")
	}
	if resp["id"] == "" {
		t.Fatal("response missing id")
	}

	entry, err := store.GetInterestEntry(resp["id"])
	if err != nil {
		t.Fatalf("GetInterestEntry(%q) failed: %v", resp["id"], err)
	}
	if entry.Content != "User interested in learning fractions" {
		t.Errorf("entry.Content = %q", entry.Content)
	}

	job, err := store.ClaimNextJob([]string{ingest.JobType})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job == nil {
		t.Fatal("no embedding job queued")
	}
	var payload ingest.Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		t.Fatalf("parsing job payload: %v", err)
	}
	if payload.EntryID != entry.ID {
		t.Errorf("job entry_id = %q, want %q", payload.EntryID, entry.ID)
	}
}

func TestAddHistory_MissingContent(t *testing.T) {
	h, _, _, _ := setupAppHandler(t)

	rr := httptest.NewRecorder()
	req := authReq(http.MethodPost, "/history", `{"user_id":"u1"}`, testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestListHistory_Empty(t *testing.T) {
	h, _, _, _ := setupAppHandler(t)

	rr := httptest.NewRecorder()
	req := authReq(http.MethodGet, "/history?user_id=u1", "", testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	body := strings.TrimSpace(rr.Body.String())
	if body != "[]" {
		t.Errorf("body = %q, want %q", body, "[]")
	}
}

func TestListConversations(t *testing.T) {
	h, store, _, _ := setupAppHandler(t)

	base := time.Now().UTC()
	turns := []storage.ConversationTurn{
		{ID: "t1", UserID: "u1", Role: storage.RoleUser, Message: "What is a fraction?", CreatedAt: base},
		{ID: "t2", UserID: "u1", Role: storage.RoleAssistant, Message: "Part of a whole.", CreatedAt: base.Add(time.Millisecond)},
	}
	if err := store.InsertConversationTurns(turns); err != nil {
		t.Fatalf("InsertConversationTurns: %v", err)
	}

	rr := httptest.NewRecorder()
	req := authReq(http.MethodGet, "/conversations?user_id=u1&limit=1", "", testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var got []storage.ConversationTurn
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d turns, want 1", len(got))
	}
	// Newest first.
	if got[0].ID != "t2" {
		t.Errorf("first turn = %q, want t2", got[0].ID)
	}
}

func TestListConversations_MissingUserID(t *testing.T) {
	h, _, _, _ := setupAppHandler(t)

	rr := httptest.NewRecorder()
	req := authReq(http.MethodGet, "/conversations", "", testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestCreatePath(t *testing.T) {
	h, store, _, fp := setupAppHandler(t)
	seedProfile(t, store, "u1")
	fp.path = storage.LearningPath{ID: "lp1", Plan: `{"weeks":[]}`}

	body := `{"user_id":"u1","subject":"math","time_period":"4 weeks"}`
	rr := httptest.NewRecorder()
	req := authReq(http.MethodPost, "/paths", body, testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var lp storage.LearningPath
	if err := json.NewDecoder(rr.Body).Decode(&lp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if lp.Subject != "math" || lp.TimePeriod != "4 weeks" || lp.UserID != "u1" {
		t.Errorf("unexpected path: %+v", lp)
	}
	if fp.lastSubject != "math" {
		t.Errorf("generator called with subject %q", fp.lastSubject)
	}
}

func TestCreatePath_ProfileNotFound(t *testing.T) {
	h, _, _, _ := setupAppHandler(t)

	body := `{"user_id":"nonexistent","subject":"math","time_period":"4 weeks"}`
	rr := httptest.NewRecorder()
	req := authReq(http.MethodPost, "/paths", body, testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestCreatePath_MissingSubject(t *testing.T) {
	h, store, _, _ := setupAppHandler(t)
	seedProfile(t, store, "u1")

	body := `{"user_id":"u1","time_period":"4 weeks"}`
	rr := httptest.NewRecorder()
	req := authReq(http.MethodPost, "/paths", body, testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestListPaths_Empty(t *testing.T) {
	h, _, _, _ := setupAppHandler(t)

	rr := httptest.NewRecorder()
	req := authReq(http.MethodGet, "/paths?user_id=u1", "", testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	body := strings.TrimSpace(rr.Body.String())
	if body != "[]" {
		t.Errorf("body = %q, want %q", body, "[]")
	}
}

func TestSyllabusPath_MissingFile(t *testing.T) {
	h, store, _, _ := setupAppHandler(t)
	seedProfile(t, store, "u1")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("user_id", "u1")
	mw.WriteField("subject", "math")
	mw.WriteField("time_period", "4 weeks")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/paths/syllabus", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusBadRequest, rr.Body.String())
	}
}

func TestAuth_WrongToken(t *testing.T) {
	h, _, _, _ := setupAppHandler(t)

	rr := httptest.NewRecorder()
	req := authReq(http.MethodGet, "/history?user_id=u1", "", "wrong-token")
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
	if !strings.Contains(rr.Body.String(), "authentication_error") {
		t.Errorf("body = %q, want authentication_error", rr.Body.String())
	}
}
