package feedback

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Store persists feedback records, learned guidance, and user summaries in
// one SQLite database. Writes are atomic per record; no cross-record
// transaction is offered or needed.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS feedback (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			question TEXT NOT NULL,
			response TEXT NOT NULL,
			verdict TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_feedback_user_question ON feedback(user_id, question)`,
		`CREATE INDEX IF NOT EXISTS idx_feedback_question ON feedback(question)`,
		`CREATE TABLE IF NOT EXISTS guidance (
			question_pattern TEXT PRIMARY KEY,
			bad_examples TEXT NOT NULL,
			advisory TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS user_summaries (
			user_id TEXT PRIMARY KEY,
			summary TEXT NOT NULL,
			last_updated TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Insert writes one immutable feedback record.
func (s *Store) Insert(rec Record) error {
	if rec.Verdict != VerdictPositive && rec.Verdict != VerdictNegative {
		return fmt.Errorf("insert feedback: invalid verdict %q", rec.Verdict)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(
		`INSERT INTO feedback (user_id, question, response, verdict) VALUES (?, ?, ?, ?)`,
		rec.UserID, rec.Question, rec.Response, rec.Verdict,
	); err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	return nil
}

// CountNegative counts negative verdicts for one exact (user, question)
// pair. String equality, no normalization.
func (s *Store) CountNegative(userID, question string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM feedback WHERE user_id = ? AND question = ? AND verdict = ?`,
		userID, question, VerdictNegative,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count negative feedback: %w", err)
	}
	return n, nil
}

// CountNegativeByQuestion counts negative verdicts for one exact question
// across all users.
func (s *Store) CountNegativeByQuestion(question string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM feedback WHERE question = ? AND verdict = ?`,
		question, VerdictNegative,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count negative feedback by question: %w", err)
	}
	return n, nil
}

// NegativeGroups returns questions whose cross-user negative count reached
// minCount, with their counts.
func (s *Store) NegativeGroups(minCount int) ([]QuestionCount, error) {
	rows, err := s.db.Query(
		`SELECT question, COUNT(*) AS n FROM feedback
		 WHERE verdict = ?
		 GROUP BY question
		 HAVING n >= ?
		 ORDER BY question`,
		VerdictNegative, minCount,
	)
	if err != nil {
		return nil, fmt.Errorf("negative groups: %w", err)
	}
	defer rows.Close()

	var groups []QuestionCount
	for rows.Next() {
		var g QuestionCount
		if err := rows.Scan(&g.Question, &g.Count); err != nil {
			return nil, fmt.Errorf("negative groups: scan: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// SampleNegativeResponses returns up to limit negative response texts for
// one question, in insertion order.
func (s *Store) SampleNegativeResponses(question string, limit int) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT response FROM feedback WHERE question = ? AND verdict = ? ORDER BY id LIMIT ?`,
		question, VerdictNegative, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sample negative responses: %w", err)
	}
	defer rows.Close()

	var responses []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("sample negative responses: scan: %w", err)
		}
		responses = append(responses, r)
	}
	return responses, rows.Err()
}

// UpsertGuidance creates or overwrites the guidance row for a question.
func (s *Store) UpsertGuidance(g Guidance) error {
	examples, err := json.Marshal(g.BadExamples)
	if err != nil {
		return fmt.Errorf("upsert guidance: marshal examples: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(
		`INSERT INTO guidance (question_pattern, bad_examples, advisory, created_at)
		 VALUES (?, ?, ?, datetime('now'))
		 ON CONFLICT(question_pattern) DO UPDATE SET
			bad_examples = excluded.bad_examples,
			advisory = excluded.advisory,
			created_at = excluded.created_at`,
		g.QuestionPattern, string(examples), g.Advisory,
	); err != nil {
		return fmt.Errorf("upsert guidance: %w", err)
	}
	return nil
}

// ListGuidance returns all guidance rows in stable key order.
func (s *Store) ListGuidance() ([]Guidance, error) {
	rows, err := s.db.Query(
		`SELECT question_pattern, bad_examples, advisory, created_at FROM guidance ORDER BY question_pattern`)
	if err != nil {
		return nil, fmt.Errorf("list guidance: %w", err)
	}
	defer rows.Close()

	var all []Guidance
	for rows.Next() {
		var g Guidance
		var examples string
		if err := rows.Scan(&g.QuestionPattern, &examples, &g.Advisory, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("list guidance: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(examples), &g.BadExamples); err != nil {
			return nil, fmt.Errorf("list guidance: parse examples: %w", err)
		}
		all = append(all, g)
	}
	return all, rows.Err()
}

// GuidanceCount returns the number of learned patterns.
func (s *Store) GuidanceCount() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM guidance`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count guidance: %w", err)
	}
	return n, nil
}

// GetSummary returns the stored summary for a user, or "" when none exists.
func (s *Store) GetSummary(userID string) (string, error) {
	var summary string
	err := s.db.QueryRow(
		`SELECT summary FROM user_summaries WHERE user_id = ?`, userID,
	).Scan(&summary)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get summary: %w", err)
	}
	return summary, nil
}

// SaveSummary overwrites the single summary row for a user.
func (s *Store) SaveSummary(userID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(
		`INSERT INTO user_summaries (user_id, summary, last_updated)
		 VALUES (?, ?, datetime('now'))
		 ON CONFLICT(user_id) DO UPDATE SET
			summary = excluded.summary,
			last_updated = excluded.last_updated`,
		userID, summary,
	); err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

// Snapshot gathers store counters for status reporting.
func (s *Store) Snapshot() (Stats, error) {
	var st Stats
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM feedback`).Scan(&st.FeedbackCount); err != nil {
		return st, fmt.Errorf("stats: %w", err)
	}
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM feedback WHERE verdict = ?`, VerdictNegative,
	).Scan(&st.NegativeCount); err != nil {
		return st, fmt.Errorf("stats: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM guidance`).Scan(&st.GuidanceCount); err != nil {
		return st, fmt.Errorf("stats: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM user_summaries`).Scan(&st.SummaryCount); err != nil {
		return st, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}
