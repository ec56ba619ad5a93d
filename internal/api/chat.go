package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/sage-tutor/sage/internal/tutor"
)

// TutorService abstracts the tutoring pipeline for the HTTP layer.
type TutorService interface {
	GetResponse(ctx context.Context, userID, question string) tutor.TutorResponse
	GuidedSession(ctx context.Context, userID, question string) tutor.GuidedResult
}

type chatRequest struct {
	UserID   string `json:"user_id"`
	Question string `json:"question"`
}

// handleChat answers a single question. A well-formed request always gets a
// 200: pipeline failures surface as fallback responses in the body, not as
// HTTP errors.
func handleChat(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeChatRequest(w, r)
		if !ok {
			return
		}

		resp := deps.Tutor.GetResponse(r.Context(), req.UserID, req.Question)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// handleGuidedChat runs the bounded multi-turn Socratic session.
func handleGuidedChat(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeChatRequest(w, r)
		if !ok {
			return
		}

		result := deps.Tutor.GuidedSession(r.Context(), req.UserID, req.Question)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}
}

func decodeChatRequest(w http.ResponseWriter, r *http.Request) (chatRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return chatRequest{}, false
	}
	if req.UserID == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
		return chatRequest{}, false
	}
	return req, true
}
