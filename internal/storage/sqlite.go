package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sortableTimeLayout pads fractional seconds to a fixed width so the TEXT
// columns sort chronologically under SQL string comparison. RFC3339Nano
// trims trailing zeros, which makes ".12Z" sort after ".121Z".
const sortableTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps a SQLite database with methods for profiles, conversations,
// interest history, learning paths, and background jobs.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "sage.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// DB exposes the underlying database handle for callers that need raw access.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Profiles ---

func (s *Store) SaveProfile(p StudentProfile) error {
	subjects, err := json.Marshal(p.FavouriteSubjects)
	if err != nil {
		return fmt.Errorf("marshalling favourite subjects: %w", err)
	}
	now := time.Now().UTC()
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err = s.db.Exec(`
		INSERT INTO profiles (id, username, age, standard, favourite_subjects, learning_goals, give_hints, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Username, p.Age, p.Standard, string(subjects), p.LearningGoals,
		boolToInt(p.GiveHints), createdAt.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetProfile(userID string) (StudentProfile, error) {
	var p StudentProfile
	var subjects string
	var giveHints int
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, username, age, standard, favourite_subjects, learning_goals, give_hints, created_at, updated_at
		FROM profiles WHERE id = ?`, userID,
	).Scan(&p.ID, &p.Username, &p.Age, &p.Standard, &subjects, &p.LearningGoals, &giveHints, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return StudentProfile{}, ErrNotFound
	}
	if err != nil {
		return StudentProfile{}, err
	}
	if err := json.Unmarshal([]byte(subjects), &p.FavouriteSubjects); err != nil {
		return StudentProfile{}, fmt.Errorf("parsing favourite subjects for %s: %w", p.ID, err)
	}
	p.GiveHints = giveHints != 0
	if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return StudentProfile{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return StudentProfile{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return p, nil
}

func (s *Store) UpdateProfile(p StudentProfile) error {
	subjects, err := json.Marshal(p.FavouriteSubjects)
	if err != nil {
		return fmt.Errorf("marshalling favourite subjects: %w", err)
	}
	res, err := s.db.Exec(`
		UPDATE profiles SET username = ?, age = ?, standard = ?, favourite_subjects = ?,
			learning_goals = ?, give_hints = ?, updated_at = ?
		WHERE id = ?`,
		p.Username, p.Age, p.Standard, string(subjects), p.LearningGoals,
		boolToInt(p.GiveHints), time.Now().UTC().Format(time.RFC3339), p.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Conversations ---

// InsertConversationTurns appends turns atomically. The tutoring pipeline
// always passes a user/assistant pair so an exchange is never half-written.
func (s *Store) InsertConversationTurns(turns []ConversationTurn) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO conversations (id, user_id, role, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, t := range turns {
		createdAt := t.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.Exec(t.ID, t.UserID, t.Role, t.Message, t.Metadata, createdAt.Format(sortableTimeLayout)); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting turn %s: %w", t.ID, err)
		}
	}

	return tx.Commit()
}

// GetRecentConversationTurns returns the newest turns first, up to limit.
// Callers that need chronological order (the prompt composer) reverse it.
func (s *Store) GetRecentConversationTurns(userID string, limit int) ([]ConversationTurn, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, role, message, metadata, created_at
		FROM conversations WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ConversationTurn
	for rows.Next() {
		var t ConversationTurn
		var metadata sql.NullString
		var createdAt string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Role, &t.Message, &metadata, &createdAt); err != nil {
			return nil, err
		}
		t.Metadata = metadata.String
		if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

// --- Interest history ---

func (s *Store) AddInterestEntry(e InterestEntry) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO user_histories (id, user_id, content, created_at)
		VALUES (?, ?, ?, ?)`,
		e.ID, e.UserID, e.Content, createdAt.Format(sortableTimeLayout),
	)
	return err
}

func (s *Store) GetInterestHistory(userID string) ([]InterestEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, content, created_at
		FROM user_histories WHERE user_id = ?
		ORDER BY created_at ASC`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []InterestEntry
	for rows.Next() {
		var e InterestEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Content, &createdAt); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

func (s *Store) GetInterestEntry(id string) (InterestEntry, error) {
	var e InterestEntry
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, user_id, content, created_at
		FROM user_histories WHERE id = ?`, id,
	).Scan(&e.ID, &e.UserID, &e.Content, &createdAt)
	if err == sql.ErrNoRows {
		return InterestEntry{}, ErrNotFound
	}
	if err != nil {
		return InterestEntry{}, err
	}
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return InterestEntry{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return e, nil
}

// --- Learning paths ---

func (s *Store) SaveLearningPath(lp LearningPath) error {
	createdAt := lp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO learning_paths (id, user_id, subject, time_period, syllabus_text, plan, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		lp.ID, lp.UserID, lp.Subject, lp.TimePeriod, lp.SyllabusText, lp.Plan,
		createdAt.Format(time.RFC3339),
	)
	return err
}

func (s *Store) ListLearningPaths(userID string) ([]LearningPath, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, subject, time_period, syllabus_text, plan, created_at
		FROM learning_paths WHERE user_id = ?
		ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []LearningPath
	for rows.Next() {
		var lp LearningPath
		var createdAt string
		if err := rows.Scan(&lp.ID, &lp.UserID, &lp.Subject, &lp.TimePeriod, &lp.SyllabusText, &lp.Plan, &createdAt); err != nil {
			return nil, err
		}
		if lp.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, lp)
	}
	return results, rows.Err()
}

// --- Jobs ---

func (s *Store) EnqueueJob(job Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]interface{}, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRow(query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}

	if err != nil {
		return err
	}

	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
