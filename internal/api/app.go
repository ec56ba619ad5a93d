package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sage-tutor/sage/internal/ingest"
	"github.com/sage-tutor/sage/internal/learningpath"
	"github.com/sage-tutor/sage/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

const maxSyllabusSize = 10 << 20 // 10MB, PDF uploads

// PathService abstracts learning-path generation for the HTTP layer.
type PathService interface {
	Generate(ctx context.Context, profile storage.StudentProfile, subject, timePeriod, syllabusText string) (storage.LearningPath, error)
	List(userID string) ([]storage.LearningPath, error)
}

// AppDeps holds the dependencies for the application API handler.
type AppDeps struct {
	Store *storage.Store
	Tutor TutorService
	Paths PathService
	Token string
}

// NewAppHandler returns an http.Handler implementing the application REST
// API. Everything except /health requires bearer authentication.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/chat", handleChat(deps))
		r.Post("/chat/guided", handleGuidedChat(deps))

		r.Post("/profile", handleCreateProfile(deps))
		r.Get("/profile/{userID}", handleGetProfile(deps))
		r.Patch("/profile/{userID}", handlePatchProfile(deps))

		r.Post("/history", handleAddHistory(deps))
		r.Get("/history", handleListHistory(deps))

		r.Get("/conversations", handleListConversations(deps))

		r.Post("/paths", handleCreatePath(deps))
		r.Post("/paths/syllabus", handleSyllabusPath(deps))
		r.Get("/paths", handleListPaths(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleCreateProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var p storage.StudentProfile
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if p.Username == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "username is required")
			return
		}
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if p.FavouriteSubjects == nil {
			p.FavouriteSubjects = []string{}
		}

		if err := deps.Store.SaveProfile(p); err != nil {
			httpError(w, http.StatusInternalServerError, "server_error", "failed to save profile: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "created", "id": p.ID})
	}
}

func handleGetProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")

		p, err := deps.Store.GetProfile(userID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "profile %q not found", userID)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "server_error", "failed to get profile: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(p)
	}
}

// profilePatch carries a partial profile update. Only non-nil fields are applied.
type profilePatch struct {
	Username          *string   `json:"username"`
	Age               *int      `json:"age"`
	Standard          *string   `json:"standard"`
	FavouriteSubjects *[]string `json:"favourite_subjects"`
	LearningGoals     *string   `json:"learning_goals"`
	GiveHints         *bool     `json:"give_hints"`
}

func handlePatchProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		userID := chi.URLParam(r, "userID")

		var patch profilePatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		p, err := deps.Store.GetProfile(userID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "profile %q not found", userID)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "server_error", "failed to get profile: %v", err)
			return
		}

		if patch.Username != nil {
			p.Username = *patch.Username
		}
		if patch.Age != nil {
			p.Age = *patch.Age
		}
		if patch.Standard != nil {
			p.Standard = *patch.Standard
		}
		if patch.FavouriteSubjects != nil {
			p.FavouriteSubjects = *patch.FavouriteSubjects
		}
		if patch.LearningGoals != nil {
			p.LearningGoals = *patch.LearningGoals
		}
		if patch.GiveHints != nil {
			p.GiveHints = *patch.GiveHints
		}

		if err := deps.Store.UpdateProfile(p); err != nil {
			httpError(w, http.StatusInternalServerError, "server_error", "failed to update profile: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "updated"})
	}
}

type addHistoryRequest struct {
	UserID  string `json:"user_id"`
	Content string `json:"content"`
}

func handleAddHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req addHistoryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.UserID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}
		if req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}

		entry := storage.InterestEntry{
			ID:      uuid.NewString(),
			UserID:  req.UserID,
			Content: req.Content,
		}
		if err := deps.Store.AddInterestEntry(entry); err != nil {
			httpError(w, http.StatusInternalServerError, "server_error", "failed to save history entry: %v", err)
			return
		}

		// Queue background embedding so the next chat can rank against it
		// without paying the embed cost inline.
		payload, err := json.Marshal(ingest.Payload{EntryID: entry.ID})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "server_error", "failed to marshal job payload: %v", err)
			return
		}
		job := storage.Job{
			ID:          uuid.NewString(),
			Type:        ingest.JobType,
			PayloadJSON: string(payload),
		}
		if err := deps.Store.EnqueueJob(job); err != nil {
			httpError(w, http.StatusInternalServerError, "server_error", "saved entry but failed to queue embedding: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "queued", "id": entry.ID})
	}
}

func handleListHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}

		entries, err := deps.Store.GetInterestHistory(userID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "server_error", "failed to list history: %v", err)
			return
		}
		if entries == nil {
			entries = []storage.InterestEntry{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(entries)
	}
}

func handleListConversations(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)

		turns, err := deps.Store.GetRecentConversationTurns(userID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "server_error", "failed to list conversations: %v", err)
			return
		}
		if turns == nil {
			turns = []storage.ConversationTurn{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(turns)
	}
}

type createPathRequest struct {
	UserID     string `json:"user_id"`
	Subject    string `json:"subject"`
	TimePeriod string `json:"time_period"`
}

func handleCreatePath(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req createPathRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		generatePath(w, r, deps, req.UserID, req.Subject, req.TimePeriod, "")
	}
}

func handleSyllabusPath(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(maxSyllabusSize); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart form: %v", err)
			return
		}

		file, _, err := r.FormFile("syllabus")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "syllabus file is required: %v", err)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(io.LimitReader(file, maxSyllabusSize))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading syllabus file: %v", err)
			return
		}

		syllabusText, err := learningpath.ExtractSyllabusText(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "extracting syllabus text: %v", err)
			return
		}

		generatePath(w, r, deps,
			r.FormValue("user_id"), r.FormValue("subject"), r.FormValue("time_period"), syllabusText)
	}
}

func generatePath(w http.ResponseWriter, r *http.Request, deps AppDeps, userID, subject, timePeriod, syllabusText string) {
	if userID == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
		return
	}
	if subject == "" || timePeriod == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "subject and time_period are required")
		return
	}

	profile, err := deps.Store.GetProfile(userID)
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found_error", "profile %q not found", userID)
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "server_error", "failed to get profile: %v", err)
		return
	}

	lp, err := deps.Paths.Generate(r.Context(), profile, subject, timePeriod, syllabusText)
	if err != nil {
		httpError(w, http.StatusBadGateway, "api_error", "failed to generate plan: %v", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(lp)
}

func handleListPaths(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}

		paths, err := deps.Paths.List(userID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "server_error", "failed to list plans: %v", err)
			return
		}
		if paths == nil {
			paths = []storage.LearningPath{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(paths)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
