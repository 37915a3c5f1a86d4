package feedback

import (
	"fmt"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "feedback.db"))
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndCountNegative(t *testing.T) {
	s := newTestStore(t)

	records := []Record{
		{UserID: "alice", Question: "why am I tired", Response: "sleep more", Verdict: VerdictNegative},
		{UserID: "alice", Question: "why am I tired", Response: "try exercise", Verdict: VerdictNegative},
		{UserID: "alice", Question: "why am I tired", Response: "rest is important", Verdict: VerdictPositive},
		{UserID: "bob", Question: "why am I tired", Response: "sleep more", Verdict: VerdictNegative},
		{UserID: "alice", Question: "different question", Response: "answer", Verdict: VerdictNegative},
	}
	for _, rec := range records {
		if err := s.Insert(rec); err != nil {
			t.Fatalf("Insert error: %v", err)
		}
	}

	n, err := s.CountNegative("alice", "why am I tired")
	if err != nil {
		t.Fatalf("CountNegative error: %v", err)
	}
	if n != 2 {
		t.Errorf("CountNegative = %d, want 2", n)
	}

	n, err = s.CountNegativeByQuestion("why am I tired")
	if err != nil {
		t.Fatalf("CountNegativeByQuestion error: %v", err)
	}
	if n != 3 {
		t.Errorf("CountNegativeByQuestion = %d, want 3", n)
	}
}

func TestCountNegative_ExactMatchOnly(t *testing.T) {
	s := newTestStore(t)

	s.Insert(Record{UserID: "alice", Question: "Why am I tired?", Response: "r", Verdict: VerdictNegative})

	// Different casing is a different question.
	n, _ := s.CountNegative("alice", "why am i tired?")
	if n != 0 {
		t.Errorf("CountNegative with different casing = %d, want 0", n)
	}
	n, _ = s.CountNegative("alice", "Why am I tired?")
	if n != 1 {
		t.Errorf("CountNegative with exact text = %d, want 1", n)
	}
}

func TestInsert_RejectsInvalidVerdict(t *testing.T) {
	s := newTestStore(t)

	err := s.Insert(Record{UserID: "u", Question: "q", Response: "r", Verdict: "sideways"})
	if err == nil {
		t.Error("expected error for invalid verdict")
	}
}

func TestNegativeGroups(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		s.Insert(Record{UserID: fmt.Sprintf("u%d", i), Question: "hot topic", Response: "r", Verdict: VerdictNegative})
	}
	s.Insert(Record{UserID: "u0", Question: "cold topic", Response: "r", Verdict: VerdictNegative})
	s.Insert(Record{UserID: "u0", Question: "hot topic", Response: "r", Verdict: VerdictPositive})

	groups, err := s.NegativeGroups(3)
	if err != nil {
		t.Fatalf("NegativeGroups error: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(groups))
	}
	if groups[0].Question != "hot topic" || groups[0].Count != 3 {
		t.Errorf("group = %+v, want hot topic with count 3", groups[0])
	}
}

func TestSampleNegativeResponses_InsertionOrderAndLimit(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 7; i++ {
		s.Insert(Record{
			UserID:   "u",
			Question: "q",
			Response: fmt.Sprintf("response %d", i),
			Verdict:  VerdictNegative,
		})
	}

	got, err := s.SampleNegativeResponses("q", 5)
	if err != nil {
		t.Fatalf("SampleNegativeResponses error: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d responses, want 5", len(got))
	}
	for i, r := range got {
		want := fmt.Sprintf("response %d", i)
		if r != want {
			t.Errorf("response[%d] = %q, want %q", i, r, want)
		}
	}
}

func TestUpsertGuidance_OverwritesExisting(t *testing.T) {
	s := newTestStore(t)

	first := Guidance{
		QuestionPattern: "why am I tired",
		BadExamples:     []string{"sleep more"},
		Advisory:        "old advisory",
	}
	if err := s.UpsertGuidance(first); err != nil {
		t.Fatalf("UpsertGuidance error: %v", err)
	}

	second := first
	second.BadExamples = []string{"sleep more", "try exercise"}
	second.Advisory = "new advisory"
	if err := s.UpsertGuidance(second); err != nil {
		t.Fatalf("UpsertGuidance error: %v", err)
	}

	all, err := s.ListGuidance()
	if err != nil {
		t.Fatalf("ListGuidance error: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d guidance rows, want 1", len(all))
	}
	if all[0].Advisory != "new advisory" {
		t.Errorf("advisory = %q, want new advisory", all[0].Advisory)
	}
	if len(all[0].BadExamples) != 2 {
		t.Errorf("got %d bad examples, want 2", len(all[0].BadExamples))
	}
}

func TestSummaries(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetSummary("alice")
	if err != nil {
		t.Fatalf("GetSummary error: %v", err)
	}
	if got != "" {
		t.Errorf("summary for unknown user = %q, want empty", got)
	}

	if err := s.SaveSummary("alice", "likes walks"); err != nil {
		t.Fatalf("SaveSummary error: %v", err)
	}
	if err := s.SaveSummary("alice", "likes long walks"); err != nil {
		t.Fatalf("SaveSummary error: %v", err)
	}

	got, _ = s.GetSummary("alice")
	if got != "likes long walks" {
		t.Errorf("summary = %q, want likes long walks", got)
	}
}

func TestSnapshot(t *testing.T) {
	s := newTestStore(t)

	s.Insert(Record{UserID: "u", Question: "q", Response: "r", Verdict: VerdictNegative})
	s.Insert(Record{UserID: "u", Question: "q", Response: "r2", Verdict: VerdictPositive})
	s.UpsertGuidance(Guidance{QuestionPattern: "p", BadExamples: []string{"x"}, Advisory: "a"})
	s.SaveSummary("u", "s")

	st, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot error: %v", err)
	}
	if st.FeedbackCount != 2 || st.NegativeCount != 1 || st.GuidanceCount != 1 || st.SummaryCount != 1 {
		t.Errorf("stats = %+v", st)
	}
}
