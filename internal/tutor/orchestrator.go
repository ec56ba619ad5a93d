package tutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sage-tutor/sage/internal/composer"
	"github.com/sage-tutor/sage/internal/intent"
	"github.com/sage-tutor/sage/internal/ranking"
	"github.com/sage-tutor/sage/internal/storage"
)

var (
	// ErrProfileUnavailable wraps failures fetching the student profile.
	ErrProfileUnavailable = errors.New("profile unavailable")

	// ErrHistoryUnavailable wraps failures fetching conversation or interest history.
	ErrHistoryUnavailable = errors.New("history unavailable")
)

// User-facing fallback messages. Every pipeline failure surfaces as one of
// these inside a well-formed TutorResponse; the caller always gets a
// renderable object.
const (
	historyUnavailableMessage = "Sorry, I couldn't look up our previous conversation. Please try again in a moment."
	profileUnavailableMessage = "Sorry, I couldn't find your profile. Please check your account and try again."
	embeddingFailedMessage    = "Sorry, I couldn't process your question right now. Please try again in a moment."
	emptyQuestionMessage      = "Please type a question so I can help you."
	modelFailedMessage        = "Sorry, I couldn't reach the tutor right now. Please try asking again in a minute."
	offTopicMessage           = "That's a fun question, but let's stay focused on learning! Ask me something about your school subjects and I'll help."
)

// Store is the persistence surface the orchestrator needs.
type Store interface {
	GetProfile(userID string) (storage.StudentProfile, error)
	GetRecentConversationTurns(userID string, limit int) ([]storage.ConversationTurn, error)
	GetInterestHistory(userID string) ([]storage.InterestEntry, error)
	GetInterestVectors(entryIDs []string, model string) (map[string][]float32, error)
	SaveInterestVector(entryID, model string, embedding []float32) error
	InsertConversationTurns(turns []storage.ConversationTurn) error
}

// Embedder produces embedding vectors for texts.
type Embedder interface {
	Encode(ctx context.Context, text string) ([]float32, error)
	EncodeBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// Completer is the cloud LLM the tutor answers with.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, jsonOutput bool) (string, error)
}

// Classifier decides whether a question is worth a cloud call.
type Classifier interface {
	Classify(ctx context.Context, question string) intent.Classification
}

// Tutor orchestrates the personalized-response pipeline: fetch context,
// rank relevant history, compose the prompt, call the model, validate,
// and persist the exchange.
type Tutor struct {
	store      Store
	embedder   Embedder
	completer  Completer
	classifier Classifier // nil disables the off-topic guard
	logger     *slog.Logger

	historyLimit int
	topK         int
}

// Options tune the orchestrator. Zero values fall back to the defaults
// (5 conversation turns, top-3 relevant snippets).
type Options struct {
	HistoryLimit int
	TopK         int
	Classifier   Classifier
}

// New creates a Tutor over the given collaborators.
func New(store Store, embedder Embedder, completer Completer, logger *slog.Logger, opts Options) *Tutor {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 5
	}
	if opts.TopK <= 0 {
		opts.TopK = 3
	}
	return &Tutor{
		store:        store,
		embedder:     embedder,
		completer:    completer,
		classifier:   opts.Classifier,
		logger:       logger,
		historyLimit: opts.HistoryLimit,
		topK:         opts.TopK,
	}
}

// GetResponse runs the full tutoring pipeline for one question. It never
// returns an error: every collaborator failure is converted into a
// well-formed fallback TutorResponse with is_final_answer set, so the
// caller always has something renderable.
func (t *Tutor) GetResponse(ctx context.Context, userID, question string) TutorResponse {
	question = strings.TrimSpace(question)
	if question == "" {
		return Fallback(emptyQuestionMessage)
	}

	// The three reads touch disjoint data; fetch them concurrently and
	// keep the errors separate so failures map to the right fallback.
	var (
		profile  storage.StudentProfile
		turns    []storage.ConversationTurn
		interest []storage.InterestEntry

		profileErr, turnsErr, interestErr error
	)
	var g errgroup.Group
	g.Go(func() error {
		if profile, profileErr = t.store.GetProfile(userID); profileErr != nil {
			profileErr = fmt.Errorf("%w: %v", ErrProfileUnavailable, profileErr)
		}
		return nil
	})
	g.Go(func() error {
		if turns, turnsErr = t.store.GetRecentConversationTurns(userID, t.historyLimit); turnsErr != nil {
			turnsErr = fmt.Errorf("%w: %v", ErrHistoryUnavailable, turnsErr)
		}
		return nil
	})
	g.Go(func() error {
		if interest, interestErr = t.store.GetInterestHistory(userID); interestErr != nil {
			interestErr = fmt.Errorf("%w: %v", ErrHistoryUnavailable, interestErr)
		}
		return nil
	})
	g.Wait()

	if turnsErr != nil {
		t.logger.Error("fetching conversation history", "user_id", userID, "error", turnsErr)
		return Fallback(historyUnavailableMessage)
	}
	if profileErr != nil {
		t.logger.Error("fetching profile", "user_id", userID, "error", profileErr)
		return Fallback(profileUnavailableMessage)
	}
	if interestErr != nil {
		t.logger.Error("fetching interest history", "user_id", userID, "error", interestErr)
		return Fallback(historyUnavailableMessage)
	}

	// Cost guard: don't spend a cloud call on clearly off-topic questions.
	// The classifier fails open, so only a confident negative short-circuits.
	if t.classifier != nil {
		if c := t.classifier.Classify(ctx, question); !c.IsEducational {
			t.logger.Info("question classified off-topic", "user_id", userID)
			return Fallback(offTopicMessage)
		}
	}

	relevant, err := t.rankRelevant(ctx, question, interest)
	if err != nil {
		t.logger.Error("ranking interest history", "user_id", userID, "error", err)
		return Fallback(embeddingFailedMessage)
	}

	prompt := composer.Compose(profile, turns, relevant, question)

	raw, err := t.completer.Complete(ctx, composer.SystemPrompt, prompt, true)
	if err != nil {
		t.logger.Error("tutor model call failed", "user_id", userID, "error", err)
		return Fallback(modelFailedMessage)
	}

	resp := ParseResponse(raw)

	// The answer already exists; a persistence failure is logged but must
	// not take it away from the student.
	if err := t.persistExchange(userID, question, resp); err != nil {
		t.logger.Error("persisting exchange", "user_id", userID, "error", err)
	}

	return resp
}

// rankRelevant embeds the question and the interest history, then picks the
// top-K most similar entries. Cached vectors are reused; misses are embedded
// and written back so the next request is cheaper. An empty history is not
// a failure: it yields no snippets.
func (t *Tutor) rankRelevant(ctx context.Context, question string, interest []storage.InterestEntry) ([]string, error) {
	if len(interest) == 0 {
		return nil, nil
	}

	queryVec, err := t.embedder.Encode(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embedding question: %w", err)
	}

	ids := make([]string, len(interest))
	texts := make([]string, len(interest))
	for i, e := range interest {
		ids[i] = e.ID
		texts[i] = e.Content
	}

	cached, err := t.store.GetInterestVectors(ids, t.embedder.Model())
	if err != nil {
		// Cache trouble degrades to recomputing everything.
		t.logger.Warn("reading vector cache", "error", err)
		cached = map[string][]float32{}
	}

	var missingIdx []int
	var missingTexts []string
	for i, id := range ids {
		if _, ok := cached[id]; !ok {
			missingIdx = append(missingIdx, i)
			missingTexts = append(missingTexts, texts[i])
		}
	}

	candidates := make([][]float32, len(interest))
	for i, id := range ids {
		candidates[i] = cached[id]
	}

	if len(missingTexts) > 0 {
		vecs, err := t.embedder.EncodeBatch(ctx, missingTexts)
		if err != nil {
			return nil, fmt.Errorf("embedding interest history: %w", err)
		}
		for j, i := range missingIdx {
			candidates[i] = vecs[j]
			if err := t.store.SaveInterestVector(ids[i], t.embedder.Model(), vecs[j]); err != nil {
				t.logger.Warn("caching interest vector", "entry_id", ids[i], "error", err)
			}
		}
	}

	relevant, err := ranking.MostRelevant(queryVec, candidates, texts, t.topK)
	if errors.Is(err, ranking.ErrNoHistory) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return relevant, nil
}

// persistExchange appends the user question and validated answer as an
// atomic turn pair, the assistant turn carrying the full response object.
func (t *Tutor) persistExchange(userID, question string, resp TutorResponse) error {
	metadata, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshalling response metadata: %w", err)
	}

	now := time.Now().UTC()
	return t.store.InsertConversationTurns([]storage.ConversationTurn{
		{
			ID:        uuid.NewString(),
			UserID:    userID,
			Role:      storage.RoleUser,
			Message:   question,
			CreatedAt: now,
		},
		{
			ID:        uuid.NewString(),
			UserID:    userID,
			Role:      storage.RoleAssistant,
			Message:   resp.Answer,
			Metadata:  string(metadata),
			CreatedAt: now.Add(time.Millisecond),
		},
	})
}
