package corpus

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "modernc.org/sqlite"
)

// Corpus names. Each corpus is an independent set of passages inside the
// shared store; searches never cross corpora.
const (
	Counsel = "counsel"
	Empathy = "empathy"
)

// Passage is a unit of retrieved reference text. The core assumes no
// internal structure beyond the raw text.
type Passage struct {
	ID     int64
	Corpus string
	Text   string
	Score  float64
}

// Searcher is the boundary the response pipeline sees: a ranked top-k
// similarity search over one corpus.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]Passage, error)
}

// Store holds embedded passages for all corpora in one SQLite database.
type Store struct {
	db       *sql.DB
	embedder Embedder
	mu       sync.Mutex
}

func NewStore(dbPath string, embedder Embedder) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db, embedder: embedder}
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
		`CREATE TABLE IF NOT EXISTS passages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			corpus TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding BLOB NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_passages_corpus ON passages(corpus)`,
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

// Insert stores one embedded passage.
func (s *Store) Insert(corpus, content string, vector []float32) error {
	blob, err := encodeVector(vector)
	if err != nil {
		return fmt.Errorf("insert passage: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(
		`INSERT INTO passages (corpus, content, embedding) VALUES (?, ?, ?)`,
		corpus, content, blob,
	); err != nil {
		return fmt.Errorf("insert passage: %w", err)
	}
	return nil
}

// Count returns the number of passages in one corpus.
func (s *Store) Count(corpus string) (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM passages WHERE corpus = ?`, corpus).Scan(&n); err != nil {
		return 0, fmt.Errorf("count passages: %w", err)
	}
	return n, nil
}

// Search embeds the query and ranks the corpus by cosine similarity,
// returning the top k passages in descending score order. Brute force over
// all rows; the shipped corpora are small enough that this is fine.
func (s *Store) Search(ctx context.Context, corpus, query string, k int) ([]Passage, error) {
	if k <= 0 {
		return nil, nil
	}

	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", corpus, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, embedding FROM passages WHERE corpus = ?`, corpus)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", corpus, err)
	}
	defer rows.Close()

	var scored []Passage
	for rows.Next() {
		var p Passage
		var blob []byte
		if err := rows.Scan(&p.ID, &p.Text, &blob); err != nil {
			return nil, fmt.Errorf("search %s: scan: %w", corpus, err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			// A corrupt row should not sink the whole search.
			continue
		}
		score, err := cosineSimilarity(queryVec, vec)
		if err != nil {
			continue
		}
		p.Corpus = corpus
		p.Score = score
		scored = append(scored, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search %s: %w", corpus, err)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// View binds the store to one corpus, satisfying Searcher.
type View struct {
	store  *Store
	corpus string
}

func (s *Store) View(corpus string) *View {
	return &View{store: s, corpus: corpus}
}

func (v *View) Search(ctx context.Context, query string, k int) ([]Passage, error) {
	return v.store.Search(ctx, v.corpus, query, k)
}
