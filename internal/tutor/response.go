package tutor

import (
	"encoding/json"
	"strings"
)

// TutorResponse is the validated output of a tutor call. Constructed once
// per LLM call, immutable after validation, and persisted as conversation
// turn metadata.
type TutorResponse struct {
	Answer            string   `json:"answer"`
	Steps             []string `json:"steps"`
	FollowupQuestions []string `json:"followup_questions"`
	ConfidenceScore   float64  `json:"confidence_score"`
	KeyConcepts       []string `json:"key_concepts"`
	IsFinalAnswer     bool     `json:"is_final_answer"`
}

// Fallback builds a safe terminal response carrying a human-readable message.
// Confidence 0 and is_final_answer=true so the conversation never ends up in
// a non-terminal state after a failure.
func Fallback(message string) TutorResponse {
	return TutorResponse{
		Answer:            message,
		Steps:             []string{},
		FollowupQuestions: []string{},
		ConfidenceScore:   0,
		KeyConcepts:       []string{},
		IsFinalAnswer:     true,
	}
}

const malformedOutputMessage = "Sorry, I couldn't put together a proper answer this time. Please ask your question again."

// ParseResponse defensively parses raw model output into a TutorResponse.
// The model may wrap JSON in markdown fences, prepend prose, or ignore the
// requested schema entirely; any parse or schema failure yields the fixed
// fallback instead of an error. This is the boundary against the unreliable
// external model and never propagates a parse failure to the caller.
func ParseResponse(raw string) TutorResponse {
	s := strings.TrimSpace(raw)

	// Strip markdown code fences.
	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		if strings.HasPrefix(s, "json") {
			s = s[4:]
		}
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	// Extract JSON object by brace position.
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return Fallback(malformedOutputMessage)
	}

	// Older prompt revisions used different field names; accept them as aliases.
	var parsed struct {
		TutorResponse
		MainResponse  string   `json:"mainResponse"`
		FollowUpAlias []string `json:"followUpQuestions"`
		RelatedTopics []string `json:"relatedTopics"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &parsed); err != nil {
		return Fallback(malformedOutputMessage)
	}

	resp := parsed.TutorResponse
	if resp.Answer == "" {
		resp.Answer = parsed.MainResponse
	}
	if len(resp.FollowupQuestions) == 0 {
		resp.FollowupQuestions = parsed.FollowUpAlias
	}
	if len(resp.KeyConcepts) == 0 {
		resp.KeyConcepts = parsed.RelatedTopics
	}

	if resp.Answer == "" {
		return Fallback(malformedOutputMessage)
	}

	// Normalize so the result is always schema-valid for callers.
	if resp.Steps == nil {
		resp.Steps = []string{}
	}
	if resp.FollowupQuestions == nil {
		resp.FollowupQuestions = []string{}
	}
	if resp.KeyConcepts == nil {
		resp.KeyConcepts = []string{}
	}
	if resp.ConfidenceScore < 0 {
		resp.ConfidenceScore = 0
	}
	if resp.ConfidenceScore > 1 {
		resp.ConfidenceScore = 1
	}

	return resp
}
