package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/quietpath/haven/internal/feedback"
)

const summaryPrompt = `Summarize what the following messages reveal about the person who wrote them. Capture their situation, recurring concerns, and anything that would help personalize future support. Reply with the summary only.

Messages:
%s`

// Summarizer condenses a user's messages into a stored summary that seeds
// future prompts.
type Summarizer struct {
	store     *feedback.Store
	generator Generator
}

func NewSummarizer(store *feedback.Store, generator Generator) *Summarizer {
	return &Summarizer{store: store, generator: generator}
}

// Save summarizes the user's side of the conversation and overwrites the
// stored summary. Blank conversations are skipped without error.
func (s *Summarizer) Save(ctx context.Context, userID string, userMessages []string) error {
	text := strings.TrimSpace(strings.Join(userMessages, "\n"))
	if text == "" {
		return nil
	}

	summary, err := s.generator.Generate(ctx, fmt.Sprintf(summaryPrompt, text), "summary:"+userID)
	if err != nil {
		return fmt.Errorf("summarize conversation: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil
	}

	if err := s.store.SaveSummary(userID, summary); err != nil {
		return fmt.Errorf("summarize conversation: %w", err)
	}
	return nil
}
