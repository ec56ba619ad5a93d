package learningpath

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/sage-tutor/sage/internal/storage"
)

const planSystemPrompt = "You are a study planner for school students. You output only valid JSON."

// Plan is the validated study plan returned by the model.
type Plan struct {
	Subject    string `json:"subject"`
	TimePeriod string `json:"time_period"`
	Weeks      []Week `json:"weeks"`
}

// Week is one week of a study plan.
type Week struct {
	Week   int      `json:"week"`
	Topics []string `json:"topics"`
	Goals  []string `json:"goals"`
}

// Completer is the cloud LLM the plan is generated with.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, jsonOutput bool) (string, error)
}

// PlanStore persists generated plans.
type PlanStore interface {
	SaveLearningPath(lp storage.LearningPath) error
	ListLearningPaths(userID string) ([]storage.LearningPath, error)
}

// Generator produces and persists weekly study plans. Unlike the tutor
// pipeline this surface may return errors: the caller is an explicit
// plan-creation request, not a conversation that must always get an answer.
type Generator struct {
	completer Completer
	store     PlanStore
	logger    *slog.Logger
}

// NewGenerator creates a Generator over the given collaborators.
func NewGenerator(completer Completer, store PlanStore, logger *slog.Logger) *Generator {
	return &Generator{completer: completer, store: store, logger: logger}
}

// Generate asks the model for a weekly plan, validates the JSON, and
// persists it. syllabusText is optional; when present the plan follows the
// syllabus topics.
func (g *Generator) Generate(ctx context.Context, profile storage.StudentProfile, subject, timePeriod, syllabusText string) (storage.LearningPath, error) {
	if subject == "" || timePeriod == "" {
		return storage.LearningPath{}, fmt.Errorf("subject and time period are required")
	}

	prompt := buildPlanPrompt(profile, subject, timePeriod, syllabusText)

	raw, err := g.completer.Complete(ctx, planSystemPrompt, prompt, true)
	if err != nil {
		return storage.LearningPath{}, fmt.Errorf("generating plan: %w", err)
	}

	plan, err := parsePlan(raw)
	if err != nil {
		return storage.LearningPath{}, fmt.Errorf("validating plan: %w", err)
	}
	plan.Subject = subject
	plan.TimePeriod = timePeriod

	planJSON, err := json.Marshal(plan)
	if err != nil {
		return storage.LearningPath{}, fmt.Errorf("marshalling plan: %w", err)
	}

	lp := storage.LearningPath{
		ID:           uuid.NewString(),
		UserID:       profile.ID,
		Subject:      subject,
		TimePeriod:   timePeriod,
		SyllabusText: syllabusText,
		Plan:         string(planJSON),
	}
	if err := g.store.SaveLearningPath(lp); err != nil {
		return storage.LearningPath{}, fmt.Errorf("saving plan: %w", err)
	}

	g.logger.Info("learning path generated", "user_id", profile.ID, "subject", subject, "weeks", len(plan.Weeks))
	return lp, nil
}

// List returns the student's saved plans, newest first.
func (g *Generator) List(userID string) ([]storage.LearningPath, error) {
	return g.store.ListLearningPaths(userID)
}

func buildPlanPrompt(profile storage.StudentProfile, subject, timePeriod, syllabusText string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Create a weekly study plan for %s (age %d, %s) covering %s over %s.\n",
		profile.Username, profile.Age, profile.Standard, subject, timePeriod)

	if syllabusText != "" {
		sb.WriteString("\nFollow this syllabus:\n")
		sb.WriteString(syllabusText)
		sb.WriteString("\n")
	}

	sb.WriteString(`
Return your response as a JSON object with these fields:
- "weeks": array of objects, each with:
  - "week": number, the week index starting at 1
  - "topics": array of strings, topics to cover that week
  - "goals": array of strings, what the student should be able to do afterwards`)

	return sb.String()
}

// parsePlan defensively parses the model output: fences and surrounding
// prose are tolerated, but a plan without weeks is rejected.
func parsePlan(raw string) (Plan, error) {
	s := strings.TrimSpace(raw)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		if strings.HasPrefix(s, "json") {
			s = s[4:]
		}
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return Plan{}, fmt.Errorf("no JSON object in model output")
	}

	var plan Plan
	if err := json.Unmarshal([]byte(s[start:end+1]), &plan); err != nil {
		return Plan{}, fmt.Errorf("unmarshalling plan: %w", err)
	}
	if len(plan.Weeks) == 0 {
		return Plan{}, fmt.Errorf("plan has no weeks")
	}
	for i, w := range plan.Weeks {
		if len(w.Topics) == 0 {
			return Plan{}, fmt.Errorf("week %d has no topics", i+1)
		}
	}
	return plan, nil
}
