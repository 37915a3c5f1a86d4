package guidance

import (
	"fmt"
	"log"

	"github.com/quietpath/haven/internal/feedback"
)

const advisoryTemplate = "When users ask similar questions to '%s', avoid responses that are too generic, clinical, or dismissive. Focus on empathetic, personalized responses."

// Learner mines accumulated negative feedback for recurring questions and
// distills each into a stored guidance pattern.
type Learner struct {
	store       *feedback.Store
	threshold   int
	maxExamples int
}

func NewLearner(store *feedback.Store, threshold, maxExamples int) *Learner {
	return &Learner{store: store, threshold: threshold, maxExamples: maxExamples}
}

// Refresh recomputes guidance for every question whose cross-user negative
// count reached the threshold. Existing rows for those questions are
// overwritten; refreshing twice on the same data is a no-op. Unlike the
// read paths, a store failure here is returned, not swallowed.
func (l *Learner) Refresh() (int, error) {
	groups, err := l.store.NegativeGroups(l.threshold)
	if err != nil {
		return 0, fmt.Errorf("refresh guidance: %w", err)
	}

	updated := 0
	for _, g := range groups {
		examples, err := l.store.SampleNegativeResponses(g.Question, l.maxExamples)
		if err != nil {
			return updated, fmt.Errorf("refresh guidance: sample %q: %w", g.Question, err)
		}
		if len(examples) == 0 {
			continue
		}
		pattern := feedback.Guidance{
			QuestionPattern: g.Question,
			BadExamples:     examples,
			Advisory:        fmt.Sprintf(advisoryTemplate, g.Question),
		}
		if err := l.store.UpsertGuidance(pattern); err != nil {
			return updated, fmt.Errorf("refresh guidance: upsert %q: %w", g.Question, err)
		}
		updated++
	}

	if updated > 0 {
		log.Printf("[guidance] refreshed %d pattern(s) from %d flagged question(s)", updated, len(groups))
	}
	return updated, nil
}
