package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Conversation turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// StudentProfile is the per-student profile created at onboarding.
// The tutoring pipeline only reads it; mutation happens via the API/CLI.
type StudentProfile struct {
	ID                string   `json:"id"`
	Username          string   `json:"username"`
	Age               int      `json:"age"`
	Standard          string   `json:"standard"` // grade, e.g. "Grade 5"
	FavouriteSubjects []string `json:"favourite_subjects"`
	LearningGoals     string   `json:"learning_goals"`
	GiveHints         bool     `json:"give_hints"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ConversationTurn is one message in a student's conversation log.
// Turns are append-only and always written in user/assistant pairs.
// Metadata carries the validated tutor response JSON on assistant turns.
type ConversationTurn struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	Message   string    `json:"message"`
	Metadata  string    `json:"metadata,omitempty"` // JSON object stored as text
	CreatedAt time.Time `json:"created_at"`
}

// InterestEntry is one free-text interest-history record, e.g.
// "User interested in learning fractions". Append-only; written by the
// surrounding flows, read by the relevance ranking step.
type InterestEntry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// LearningPath is a generated study plan for a subject over a time period.
type LearningPath struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Subject      string    `json:"subject"`
	TimePeriod   string    `json:"time_period"`
	SyllabusText string    `json:"syllabus_text,omitempty"`
	Plan         string    `json:"plan"` // JSON object stored as text
	CreatedAt    time.Time `json:"created_at"`
}

// Job is a background work item in the SQLite job queue.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
