package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/quietpath/haven/internal/corpus"
	"github.com/quietpath/haven/internal/feedback"
	"github.com/quietpath/haven/internal/guidance"
	"github.com/quietpath/haven/internal/safety"
)

// State is the terminal state of one exchange.
type State string

const (
	StateEmpty        State = "empty"
	StateCrisisHalted State = "crisis_halted"
	StateBlocked      State = "blocked"
	StateResponded    State = "responded"
	StateFailed       State = "failed"
)

// Fixed replies for the short-circuit states.
const (
	emptyReply   = "I'm here whenever you're ready. What's on your mind?"
	crisisReply  = "Crisis detected: please contact a professional. If you are in immediate danger, reach a local crisis line right now."
	blockedReply = "This question has been flagged multiple times. Please rephrase."
	failedReply  = "I'm having trouble responding right now. Please try again in a moment."
)

// Generator produces the model reply for a fully assembled prompt.
type Generator interface {
	Generate(ctx context.Context, prompt, sessionID string) (string, error)
}

// Result is the outcome of one Respond call.
type Result struct {
	State State
	Reply string
}

type pendingExchange struct {
	question string
	response string
}

// Pipeline routes one user message through crisis detection, the block
// check, dual retrieval, guidance lookup, and generation.
type Pipeline struct {
	detector  *safety.Detector
	counsel   corpus.Searcher
	empathy   corpus.Searcher
	store     *feedback.Store
	guidance  *guidance.Retriever
	learner   *guidance.Learner
	generator Generator
	template  string

	retrieveK       int
	debugK          int
	blockThreshold  int
	learnThreshold  int
	generateTimeout time.Duration

	mu sync.Mutex
	// One pending exchange per session per question. A verdict consumes
	// its entry; re-asking the same question replaces it.
	pending map[string]map[string]pendingExchange
	last    map[string]string
}

type Options struct {
	Detector        *safety.Detector
	Counsel         corpus.Searcher
	Empathy         corpus.Searcher
	Store           *feedback.Store
	Guidance        *guidance.Retriever
	Learner         *guidance.Learner
	Generator       Generator
	Template        string
	RetrieveK       int
	DebugK          int
	BlockThreshold  int
	LearnThreshold  int
	GenerateTimeout time.Duration
}

func New(opts Options) *Pipeline {
	tmpl := opts.Template
	if tmpl == "" {
		tmpl = defaultTemplate
	}
	return &Pipeline{
		detector:        opts.Detector,
		counsel:         opts.Counsel,
		empathy:         opts.Empathy,
		store:           opts.Store,
		guidance:        opts.Guidance,
		learner:         opts.Learner,
		generator:       opts.Generator,
		template:        tmpl,
		retrieveK:       opts.RetrieveK,
		debugK:          opts.DebugK,
		blockThreshold:  opts.BlockThreshold,
		learnThreshold:  opts.LearnThreshold,
		generateTimeout: opts.GenerateTimeout,
		pending:         make(map[string]map[string]pendingExchange),
		last:            make(map[string]string),
	}
}

// Respond runs the full exchange for one message. sessionKey scopes the
// pending-feedback bookkeeping; userID scopes the block check and summary.
func (p *Pipeline) Respond(ctx context.Context, sessionKey, userID, input string) Result {
	question := strings.TrimSpace(input)
	if question == "" {
		return Result{State: StateEmpty, Reply: emptyReply}
	}

	// Crisis check comes first; nothing else runs on a hit.
	if p.detector.Detect(question) {
		log.Printf("[pipeline] crisis keywords detected, halting exchange")
		return Result{State: StateCrisisHalted, Reply: crisisReply}
	}

	blocked, err := p.isBlocked(userID, question)
	if err != nil {
		// Fail open on store errors
		log.Printf("[pipeline] block check failed, treating as not blocked: %v", err)
	} else if blocked {
		return Result{State: StateBlocked, Reply: blockedReply}
	}

	fused := p.retrieveContext(ctx, question, p.retrieveK)
	enhanced := p.buildQuery(userID, question)
	prompt := renderPrompt(p.template, fused, enhanced)

	genCtx := ctx
	if p.generateTimeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, p.generateTimeout)
		defer cancel()
	}

	start := time.Now()
	reply, err := p.generator.Generate(genCtx, prompt, sessionKey)
	if err != nil {
		log.Printf("[pipeline] generation failed after %v: %v", time.Since(start).Round(time.Millisecond), err)
		return Result{State: StateFailed, Reply: failedReply}
	}
	log.Printf("[pipeline] generated reply in %v", time.Since(start).Round(time.Millisecond))

	p.recordPending(sessionKey, question, reply)
	return Result{State: StateResponded, Reply: reply}
}

func (p *Pipeline) isBlocked(userID, question string) (bool, error) {
	n, err := p.store.CountNegative(userID, question)
	if err != nil {
		return false, err
	}
	return n >= p.blockThreshold, nil
}

// retrieveContext searches both corpora concurrently and joins the passages
// counsel-first with blank lines. A failed search contributes nothing.
func (p *Pipeline) retrieveContext(ctx context.Context, question string, k int) string {
	var wg sync.WaitGroup
	var counselDocs, empathyDocs []corpus.Passage

	wg.Add(2)
	go func() {
		defer wg.Done()
		docs, err := p.counsel.Search(ctx, question, k)
		if err != nil {
			log.Printf("[pipeline] counsel search failed: %v", err)
			return
		}
		counselDocs = docs
	}()
	go func() {
		defer wg.Done()
		docs, err := p.empathy.Search(ctx, question, k)
		if err != nil {
			log.Printf("[pipeline] empathy search failed: %v", err)
			return
		}
		empathyDocs = docs
	}()
	wg.Wait()

	var parts []string
	for _, d := range counselDocs {
		parts = append(parts, d.Text)
	}
	for _, d := range empathyDocs {
		parts = append(parts, d.Text)
	}
	return strings.Join(parts, "\n\n")
}

// buildQuery assembles the question slot: summary seed, the question, any
// learned guidance, and the standing instruction.
func (p *Pipeline) buildQuery(userID, question string) string {
	var b strings.Builder

	summary, err := p.store.GetSummary(userID)
	if err != nil {
		log.Printf("[pipeline] summary lookup failed, continuing without: %v", err)
		summary = ""
	}
	if summary != "" {
		b.WriteString(fmt.Sprintf("User's Summary:\n%s\n\n", summary))
	}
	b.WriteString(fmt.Sprintf("User's Question:\n%s", question))

	if g := p.guidance.For(question); g != "" {
		b.WriteString("\n")
		b.WriteString(g)
	}

	b.WriteString("\n\n")
	b.WriteString(instructionSuffix)
	return b.String()
}

func (p *Pipeline) recordPending(sessionKey, question, reply string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending[sessionKey] == nil {
		p.pending[sessionKey] = make(map[string]pendingExchange)
	}
	p.pending[sessionKey][question] = pendingExchange{question: question, response: reply}
	p.last[sessionKey] = question
}

// SubmitVerdict rates the most recent unrated exchange in the session. The
// verdict is stored once; a second submission for the same exchange is
// rejected. When a negative verdict pushes a question's cross-user count to
// exactly the learning threshold, guidance is refreshed immediately.
func (p *Pipeline) SubmitVerdict(sessionKey, userID, verdict string) error {
	p.mu.Lock()
	question, ok := p.last[sessionKey]
	var exchange pendingExchange
	if ok {
		exchange, ok = p.pending[sessionKey][question]
	}
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("submit verdict: no pending response to rate")
	}
	delete(p.pending[sessionKey], question)
	delete(p.last, sessionKey)
	p.mu.Unlock()

	rec := feedback.Record{
		UserID:   userID,
		Question: exchange.question,
		Response: exchange.response,
		Verdict:  verdict,
	}
	if err := p.store.Insert(rec); err != nil {
		return fmt.Errorf("submit verdict: %w", err)
	}

	if verdict == feedback.VerdictNegative {
		p.maybeRefreshGuidance(exchange.question)
	}
	return nil
}

// maybeRefreshGuidance edge-triggers the learner when this question just
// crossed the threshold. Counts past the threshold wait for the nightly
// sweep, so a flood of verdicts does not refresh repeatedly.
func (p *Pipeline) maybeRefreshGuidance(question string) {
	n, err := p.store.CountNegativeByQuestion(question)
	if err != nil {
		log.Printf("[pipeline] negative count failed, skipping refresh: %v", err)
		return
	}
	if n != p.learnThreshold {
		return
	}
	if _, err := p.learner.Refresh(); err != nil {
		log.Printf("[pipeline] guidance refresh failed: %v", err)
	}
}

// NegativeCount reports how many negative verdicts this user has filed for
// a question, for progress replies after a thumbs-down.
func (p *Pipeline) NegativeCount(userID, question string) (int, error) {
	return p.store.CountNegative(userID, question)
}

// LastQuestion returns the question awaiting a verdict for a session.
func (p *Pipeline) LastQuestion(sessionKey string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.last[sessionKey]
	return q, ok
}

// DebugRetrieve runs the wider per-corpus search backing the retrieval
// inspector.
func (p *Pipeline) DebugRetrieve(ctx context.Context, question string) (counsel, empathy []corpus.Passage, err error) {
	counsel, err = p.counsel.Search(ctx, question, p.debugK)
	if err != nil {
		return nil, nil, fmt.Errorf("debug retrieve counsel: %w", err)
	}
	empathy, err = p.empathy.Search(ctx, question, p.debugK)
	if err != nil {
		return nil, nil, fmt.Errorf("debug retrieve empathy: %w", err)
	}
	return counsel, empathy, nil
}
