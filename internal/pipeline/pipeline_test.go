package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quietpath/haven/internal/corpus"
	"github.com/quietpath/haven/internal/feedback"
	"github.com/quietpath/haven/internal/guidance"
	"github.com/quietpath/haven/internal/safety"
)

type fakeSearcher struct {
	passages []corpus.Passage
	err      error
	calls    int32
}

func (f *fakeSearcher) Search(ctx context.Context, query string, k int) ([]corpus.Passage, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	if k < len(f.passages) {
		return f.passages[:k], nil
	}
	return f.passages, nil
}

type fakeGenerator struct {
	reply      string
	err        error
	lastPrompt string
	calls      int32
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt, sessionID string) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	f.lastPrompt = prompt
	if f.err != nil {
		return "", f.err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return f.reply, nil
}

type testEnv struct {
	pipeline  *Pipeline
	store     *feedback.Store
	counsel   *fakeSearcher
	empathy   *fakeSearcher
	generator *fakeGenerator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := feedback.NewStore(filepath.Join(t.TempDir(), "feedback.db"))
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	counsel := &fakeSearcher{passages: []corpus.Passage{
		{Corpus: corpus.Counsel, Text: "Try grounding techniques.", Score: 0.9},
		{Corpus: corpus.Counsel, Text: "Counsel backup passage.", Score: 0.5},
	}}
	empathy := &fakeSearcher{passages: []corpus.Passage{
		{Corpus: corpus.Empathy, Text: "That sounds really hard.", Score: 0.8},
		{Corpus: corpus.Empathy, Text: "Empathy backup passage.", Score: 0.4},
	}}
	gen := &fakeGenerator{reply: "generated reply"}

	p := New(Options{
		Detector:        safety.NewDetector(nil),
		Counsel:         counsel,
		Empathy:         empathy,
		Store:           store,
		Guidance:        guidance.NewRetriever(store, 100),
		Learner:         guidance.NewLearner(store, 10, 5),
		Generator:       gen,
		RetrieveK:       1,
		DebugK:          2,
		BlockThreshold:  10,
		LearnThreshold:  10,
		GenerateTimeout: 5 * time.Second,
	})
	return &testEnv{pipeline: p, store: store, counsel: counsel, empathy: empathy, generator: gen}
}

func TestRespond_EmptyInput(t *testing.T) {
	env := newTestEnv(t)

	res := env.pipeline.Respond(context.Background(), "web:1", "alice", "   ")
	if res.State != StateEmpty {
		t.Errorf("state = %s, want empty", res.State)
	}
	if res.Reply == "" {
		t.Error("expected a re-prompt message")
	}
	if env.generator.calls != 0 {
		t.Error("generator should not run for empty input")
	}
}

func TestRespond_CrisisHaltsEverything(t *testing.T) {
	env := newTestEnv(t)

	res := env.pipeline.Respond(context.Background(), "web:1", "alice", "I want to DIE")
	if res.State != StateCrisisHalted {
		t.Errorf("state = %s, want crisis_halted", res.State)
	}
	if !strings.Contains(res.Reply, "professional") {
		t.Errorf("reply = %q", res.Reply)
	}
	if env.counsel.calls != 0 || env.empathy.calls != 0 {
		t.Error("no retrieval may run on a crisis hit")
	}
	if env.generator.calls != 0 {
		t.Error("no generation may run on a crisis hit")
	}
	if _, ok := env.pipeline.LastQuestion("web:1"); ok {
		t.Error("crisis exchange must not become rateable")
	}
}

func TestRespond_BlockThreshold(t *testing.T) {
	env := newTestEnv(t)
	question := "why does nobody call me"

	for i := 0; i < 9; i++ {
		env.store.Insert(feedback.Record{
			UserID: "alice", Question: question, Response: "r", Verdict: feedback.VerdictNegative,
		})
	}

	res := env.pipeline.Respond(context.Background(), "web:1", "alice", question)
	if res.State != StateResponded {
		t.Errorf("state at 9 negatives = %s, want responded", res.State)
	}

	env.store.Insert(feedback.Record{
		UserID: "alice", Question: question, Response: "r", Verdict: feedback.VerdictNegative,
	})

	res = env.pipeline.Respond(context.Background(), "web:1", "alice", question)
	if res.State != StateBlocked {
		t.Errorf("state at 10 negatives = %s, want blocked", res.State)
	}
	if !strings.Contains(res.Reply, "rephrase") {
		t.Errorf("reply = %q", res.Reply)
	}
}

func TestRespond_BlockScopedToUser(t *testing.T) {
	env := newTestEnv(t)
	question := "same question"

	for i := 0; i < 10; i++ {
		env.store.Insert(feedback.Record{
			UserID: "alice", Question: question, Response: "r", Verdict: feedback.VerdictNegative,
		})
	}

	res := env.pipeline.Respond(context.Background(), "web:2", "bob", question)
	if res.State != StateResponded {
		t.Errorf("other user's state = %s, want responded", res.State)
	}
}

func TestRespond_FusedContextOrder(t *testing.T) {
	env := newTestEnv(t)

	res := env.pipeline.Respond(context.Background(), "web:1", "alice", "I feel alone")
	if res.State != StateResponded {
		t.Fatalf("state = %s", res.State)
	}

	want := "Try grounding techniques.\n\nThat sounds really hard."
	if !strings.Contains(env.generator.lastPrompt, want) {
		t.Errorf("prompt missing counsel-then-empathy fusion %q:\n%s", want, env.generator.lastPrompt)
	}
}

func TestRespond_PromptCarriesQuestionAndInstruction(t *testing.T) {
	env := newTestEnv(t)

	env.pipeline.Respond(context.Background(), "web:1", "alice", "I feel alone")

	prompt := env.generator.lastPrompt
	if !strings.Contains(prompt, "User's Question:\nI feel alone") {
		t.Errorf("prompt missing literal question:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Avoid generic advice.") {
		t.Errorf("prompt missing instruction suffix:\n%s", prompt)
	}
}

func TestRespond_SummarySeedsPrompt(t *testing.T) {
	env := newTestEnv(t)
	env.store.SaveSummary("alice", "recently moved cities")

	env.pipeline.Respond(context.Background(), "web:1", "alice", "I feel alone")

	if !strings.Contains(env.generator.lastPrompt, "User's Summary:\nrecently moved cities") {
		t.Errorf("prompt missing summary seed:\n%s", env.generator.lastPrompt)
	}
}

func TestRespond_GuidanceAppendsToPrompt(t *testing.T) {
	env := newTestEnv(t)
	env.store.UpsertGuidance(feedback.Guidance{
		QuestionPattern: "alone at night",
		BadExamples:     []string{"just join a club"},
		Advisory:        "skip the cliches",
	})

	env.pipeline.Respond(context.Background(), "web:1", "alice", "I feel alone")

	prompt := env.generator.lastPrompt
	if !strings.Contains(prompt, "Guidance: skip the cliches") {
		t.Errorf("prompt missing guidance:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Avoid responses like: just join a club...") {
		t.Errorf("prompt missing bad example:\n%s", prompt)
	}
}

func TestRespond_RetrievalFailureDegrades(t *testing.T) {
	env := newTestEnv(t)
	env.counsel.err = fmt.Errorf("corpus store down")

	res := env.pipeline.Respond(context.Background(), "web:1", "alice", "I feel alone")
	if res.State != StateResponded {
		t.Errorf("state = %s, want responded despite search failure", res.State)
	}
	if !strings.Contains(env.generator.lastPrompt, "That sounds really hard.") {
		t.Error("surviving corpus should still contribute context")
	}
}

func TestRespond_GenerationFailure(t *testing.T) {
	env := newTestEnv(t)
	env.generator.err = fmt.Errorf("provider unavailable")

	res := env.pipeline.Respond(context.Background(), "web:1", "alice", "I feel alone")
	if res.State != StateFailed {
		t.Errorf("state = %s, want failed", res.State)
	}
	if !strings.Contains(res.Reply, "try again") {
		t.Errorf("reply = %q", res.Reply)
	}
	if _, ok := env.pipeline.LastQuestion("web:1"); ok {
		t.Error("failed exchange must not become rateable")
	}
}

func TestSubmitVerdict_StoresRecordOnce(t *testing.T) {
	env := newTestEnv(t)

	env.pipeline.Respond(context.Background(), "web:1", "alice", "I feel alone")

	if err := env.pipeline.SubmitVerdict("web:1", "alice", feedback.VerdictNegative); err != nil {
		t.Fatalf("SubmitVerdict error: %v", err)
	}
	n, _ := env.store.CountNegative("alice", "I feel alone")
	if n != 1 {
		t.Errorf("negative count = %d, want 1", n)
	}

	if err := env.pipeline.SubmitVerdict("web:1", "alice", feedback.VerdictNegative); err == nil {
		t.Error("second verdict for the same exchange should be rejected")
	}
}

func TestSubmitVerdict_NoPending(t *testing.T) {
	env := newTestEnv(t)

	if err := env.pipeline.SubmitVerdict("web:1", "alice", feedback.VerdictPositive); err == nil {
		t.Error("expected error with no pending exchange")
	}
}

func TestSubmitVerdict_ReaskReplacesPending(t *testing.T) {
	env := newTestEnv(t)

	env.pipeline.Respond(context.Background(), "web:1", "alice", "I feel alone")
	env.generator.reply = "second reply"
	env.pipeline.Respond(context.Background(), "web:1", "alice", "I feel alone")

	if err := env.pipeline.SubmitVerdict("web:1", "alice", feedback.VerdictPositive); err != nil {
		t.Fatalf("SubmitVerdict error: %v", err)
	}
	st, _ := env.store.Snapshot()
	if st.FeedbackCount != 1 {
		t.Errorf("feedback count = %d, want 1", st.FeedbackCount)
	}
}

func TestSubmitVerdict_EdgeTriggersLearning(t *testing.T) {
	env := newTestEnv(t)
	question := "why am I never enough"

	// Nine negatives already on record from other users.
	for i := 0; i < 9; i++ {
		env.store.Insert(feedback.Record{
			UserID:   fmt.Sprintf("u%d", i),
			Question: question,
			Response: fmt.Sprintf("bad %d", i),
			Verdict:  feedback.VerdictNegative,
		})
	}
	if rows, _ := env.store.ListGuidance(); len(rows) != 0 {
		t.Fatal("no guidance expected before the threshold")
	}

	env.pipeline.Respond(context.Background(), "web:1", "alice", question)
	if err := env.pipeline.SubmitVerdict("web:1", "alice", feedback.VerdictNegative); err != nil {
		t.Fatalf("SubmitVerdict error: %v", err)
	}

	rows, err := env.store.ListGuidance()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d guidance rows after tenth negative, want 1", len(rows))
	}
	if rows[0].QuestionPattern != question {
		t.Errorf("pattern = %q", rows[0].QuestionPattern)
	}
}

func TestSubmitVerdict_PositiveDoesNotTriggerLearning(t *testing.T) {
	env := newTestEnv(t)

	env.pipeline.Respond(context.Background(), "web:1", "alice", "a fine question")
	if err := env.pipeline.SubmitVerdict("web:1", "alice", feedback.VerdictPositive); err != nil {
		t.Fatal(err)
	}

	rows, _ := env.store.ListGuidance()
	if len(rows) != 0 {
		t.Errorf("got %d guidance rows, want 0", len(rows))
	}
}

func TestRespond_GenerateTimeout(t *testing.T) {
	store, err := feedback.NewStore(filepath.Join(t.TempDir(), "feedback.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	slow := &slowGenerator{delay: 50 * time.Millisecond}
	p := New(Options{
		Detector:        safety.NewDetector(nil),
		Counsel:         &fakeSearcher{},
		Empathy:         &fakeSearcher{},
		Store:           store,
		Guidance:        guidance.NewRetriever(store, 100),
		Learner:         guidance.NewLearner(store, 10, 5),
		Generator:       slow,
		RetrieveK:       1,
		DebugK:          2,
		BlockThreshold:  10,
		LearnThreshold:  10,
		GenerateTimeout: 5 * time.Millisecond,
	})

	res := p.Respond(context.Background(), "web:1", "alice", "slow question")
	if res.State != StateFailed {
		t.Errorf("state = %s, want failed on timeout", res.State)
	}
}

type slowGenerator struct {
	delay time.Duration
}

func (g *slowGenerator) Generate(ctx context.Context, prompt, sessionID string) (string, error) {
	select {
	case <-time.After(g.delay):
		return "too late", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestDebugRetrieve(t *testing.T) {
	env := newTestEnv(t)

	counsel, empathy, err := env.pipeline.DebugRetrieve(context.Background(), "I feel alone")
	if err != nil {
		t.Fatalf("DebugRetrieve error: %v", err)
	}
	if len(counsel) != 2 || len(empathy) != 2 {
		t.Errorf("got %d counsel / %d empathy passages, want 2 each", len(counsel), len(empathy))
	}
}
