package mistral

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func completionJSON(content string) []byte {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
	})
	return b
}

func TestComplete(t *testing.T) {
	var captured chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q, want bearer test-key", got)
		}
		json.NewDecoder(r.Body).Decode(&captured)
		w.Write(completionJSON(`{"answer":"A fraction is part of a whole."}`))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test-key", "mistral-large-latest", srv.URL)
	got, err := c.Complete(context.Background(), "system text", "user text", true)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !strings.Contains(got, "fraction") {
		t.Errorf("unexpected content %q", got)
	}

	if captured.Model != "mistral-large-latest" {
		t.Errorf("model = %q", captured.Model)
	}
	if len(captured.Messages) != 2 || captured.Messages[0].Role != "system" || captured.Messages[1].Role != "user" {
		t.Errorf("unexpected messages: %+v", captured.Messages)
	}
	if captured.ResponseFormat == nil || captured.ResponseFormat.Type != "json_object" {
		t.Errorf("expected json_object response format, got %+v", captured.ResponseFormat)
	}
}

func TestComplete_NoJSONFormat(t *testing.T) {
	var captured chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		w.Write(completionJSON("plain text"))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test-key", "", srv.URL)
	if _, err := c.Complete(context.Background(), "s", "u", false); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if captured.ResponseFormat != nil {
		t.Errorf("response format should be omitted, got %+v", captured.ResponseFormat)
	}
	if captured.Model != defaultModel {
		t.Errorf("empty model should fall back to %s, got %q", defaultModel, captured.Model)
	}
}

func TestComplete_RetriesOnRateLimit(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write(completionJSON("ok"))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test-key", "", srv.URL)
	got, err := c.Complete(context.Background(), "s", "u", false)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "ok" {
		t.Errorf("content = %q, want ok", got)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (two rate limits then success)", calls)
	}
}

func TestComplete_GivesUpAfterMaxRetries(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test-key", "", srv.URL)
	_, err := c.Complete(context.Background(), "s", "u", false)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("error = %v, want rate limit mention", err)
	}
	if calls != maxRetries {
		t.Errorf("calls = %d, want %d", calls, maxRetries)
	}
}

func TestComplete_NonRetryableStatus(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("bad-key", "", srv.URL)
	if _, err := c.Complete(context.Background(), "s", "u", false); err == nil {
		t.Fatal("expected error for 401")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on auth failure)", calls)
	}
}

func TestComplete_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test-key", "", srv.URL)
	if _, err := c.Complete(context.Background(), "s", "u", false); err == nil {
		t.Fatal("expected error for empty choices")
	}
}
