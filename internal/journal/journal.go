package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Store appends journal entries to one markdown file per user per day.
type Store struct {
	dir string
	now func() time.Time
}

func NewStore(dir string) *Store {
	return &Store{dir: dir, now: time.Now}
}

// Append writes one timestamped entry to today's file for the user. Blank
// entries are rejected.
func (s *Store) Append(userID, entry string) error {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return fmt.Errorf("append journal: empty entry")
	}

	userDir := filepath.Join(s.dir, sanitize(userID))
	if err := os.MkdirAll(userDir, 0755); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}

	now := s.now()
	path := filepath.Join(userDir, now.Format("2006-01-02")+".md")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("- %s %s\n", now.Format("15:04"), entry)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

// ReadDay returns the raw contents of a user's file for one date, or ""
// when no entries exist.
func (s *Store) ReadDay(userID string, day time.Time) (string, error) {
	path := filepath.Join(s.dir, sanitize(userID), day.Format("2006-01-02")+".md")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read journal: %w", err)
	}
	return string(data), nil
}

// sanitize keeps user ids filesystem-safe.
func sanitize(id string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_")
	out := r.Replace(id)
	if out == "" {
		out = "anonymous"
	}
	return out
}
