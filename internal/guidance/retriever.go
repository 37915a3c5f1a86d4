package guidance

import (
	"fmt"
	"log"
	"strings"

	"github.com/quietpath/haven/internal/feedback"
)

// Retriever matches an incoming question against learned patterns and
// renders the avoid-instructions that get appended to the prompt.
type Retriever struct {
	store      *feedback.Store
	excerptLen int
}

func NewRetriever(store *feedback.Store, excerptLen int) *Retriever {
	return &Retriever{store: store, excerptLen: excerptLen}
}

// For returns the rendered guidance block for a question, or "" when no
// pattern matches. A pattern matches when any whitespace-separated word of
// its stored question appears in the incoming question, case-insensitively.
// Store failures degrade to no guidance.
func (r *Retriever) For(question string) string {
	patterns, err := r.store.ListGuidance()
	if err != nil {
		log.Printf("[guidance] list patterns failed, continuing without guidance: %v", err)
		return ""
	}

	lower := strings.ToLower(question)
	var b strings.Builder
	for _, p := range patterns {
		if !matches(lower, p.QuestionPattern) {
			continue
		}
		b.WriteString(fmt.Sprintf("\nGuidance: %s\n", p.Advisory))
		if len(p.BadExamples) > 0 {
			b.WriteString(fmt.Sprintf("Avoid responses like: %s...\n", excerpt(p.BadExamples[0], r.excerptLen)))
		}
	}
	return b.String()
}

func matches(lowerQuestion, pattern string) bool {
	for _, word := range strings.Fields(strings.ToLower(pattern)) {
		if strings.Contains(lowerQuestion, word) {
			return true
		}
	}
	return false
}

func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
