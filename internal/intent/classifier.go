package intent

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/sage-tutor/sage/internal/ollama"
)

const classificationTimeout = 3 * time.Second

const systemPrompt = `You are a question classifier for a tutoring app. Analyze the student's question. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Rules:
- Set is_educational to true if the question relates to school subjects, homework, study skills, or general learning.
- Set is_educational to false only for clearly unrelated requests (gossip, purchases, entertainment scheduling).
- When in doubt, treat the question as educational.
- Set subject to the closest school subject ("math", "science", "history", ...) or "" if none applies.`

// OllamaChatter is the interface for chat completion via Ollama.
type OllamaChatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error)
}

// Classification is the structured result for a student question.
type Classification struct {
	IsEducational bool   `json:"is_educational"`
	Subject       string `json:"subject"`
}

// Classifier uses a fast local LLM to decide whether a question is on-topic
// before the expensive cloud tutor call is made.
type Classifier struct {
	client OllamaChatter
	model  string
}

// NewClassifier creates a Classifier using the given Ollama client and model name.
func NewClassifier(client OllamaChatter, model string) *Classifier {
	return &Classifier{client: client, model: model}
}

// Classify analyses the question and returns its classification. The guard
// fails open: on any failure (timeout, malformed JSON, Ollama error) the
// question is treated as educational so a flaky local model never blocks
// a legitimate tutoring request.
func (c *Classifier) Classify(ctx context.Context, question string) Classification {
	if question == "" {
		return Classification{IsEducational: true}
	}

	ctx, cancel := context.WithTimeout(ctx, classificationTimeout)
	defer cancel()

	messages := []ollama.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: question},
	}

	raw, err := c.client.Chat(ctx, c.model, messages, classificationSchema())
	if err != nil {
		slog.Warn("question classification failed", "error", err)
		return Classification{IsEducational: true}
	}

	var result Classification
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		slog.Warn("failed to unmarshal classification from LLM response", "error", err, "response", raw)
		return Classification{IsEducational: true}
	}
	return result
}

// classificationSchema returns the Ollama JSON schema for structured output.
func classificationSchema() *ollama.Schema {
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"is_educational": {Type: "boolean", Description: "Whether the question is about learning or school subjects"},
			"subject":        {Type: "string", Description: "Closest school subject, or empty"},
		},
		Required: []string{"is_educational", "subject"},
	}
}
