package guidance

import (
	"strings"
	"testing"

	"github.com/quietpath/haven/internal/feedback"
)

func TestFor_WordOverlapMatch(t *testing.T) {
	s := newTestStore(t)
	s.UpsertGuidance(feedback.Guidance{
		QuestionPattern: "why am I so tired",
		BadExamples:     []string{"just sleep more"},
		Advisory:        "advisory text",
	})

	r := NewRetriever(s, 100)

	got := r.For("I feel tired all the time")
	if !strings.Contains(got, "Guidance: advisory text") {
		t.Errorf("expected guidance block, got %q", got)
	}
	if !strings.Contains(got, "Avoid responses like: just sleep more...") {
		t.Errorf("expected bad example excerpt, got %q", got)
	}
}

func TestFor_NoOverlapReturnsEmpty(t *testing.T) {
	s := newTestStore(t)
	s.UpsertGuidance(feedback.Guidance{
		QuestionPattern: "insomnia problems",
		BadExamples:     []string{"x"},
		Advisory:        "a",
	})

	r := NewRetriever(s, 100)
	if got := r.For("how do clouds form"); got != "" {
		t.Errorf("expected empty guidance, got %q", got)
	}
}

func TestFor_CaseInsensitive(t *testing.T) {
	s := newTestStore(t)
	s.UpsertGuidance(feedback.Guidance{
		QuestionPattern: "LONELY nights",
		BadExamples:     []string{"x"},
		Advisory:        "a",
	})

	r := NewRetriever(s, 100)
	if got := r.For("I have been Lonely lately"); got == "" {
		t.Error("expected a case-insensitive match")
	}
}

func TestFor_ExcerptTruncatedAt100(t *testing.T) {
	s := newTestStore(t)
	long := strings.Repeat("a", 150)
	s.UpsertGuidance(feedback.Guidance{
		QuestionPattern: "long answers",
		BadExamples:     []string{long},
		Advisory:        "a",
	})

	r := NewRetriever(s, 100)
	got := r.For("why are answers so long")
	want := strings.Repeat("a", 100) + "..."
	if !strings.Contains(got, want) {
		t.Errorf("expected 100-char excerpt, got %q", got)
	}
	if strings.Contains(got, strings.Repeat("a", 101)) {
		t.Error("excerpt exceeds 100 chars")
	}
}

func TestFor_MultiplePatternsConcatenated(t *testing.T) {
	s := newTestStore(t)
	s.UpsertGuidance(feedback.Guidance{
		QuestionPattern: "tired mornings",
		BadExamples:     []string{"b1"},
		Advisory:        "first",
	})
	s.UpsertGuidance(feedback.Guidance{
		QuestionPattern: "tired evenings",
		BadExamples:     []string{"b2"},
		Advisory:        "second",
	})

	r := NewRetriever(s, 100)
	got := r.For("always tired")
	if !strings.Contains(got, "first") || !strings.Contains(got, "second") {
		t.Errorf("expected both patterns, got %q", got)
	}
}
